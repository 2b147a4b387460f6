// Package config loads stacks configuration from the platform backend,
// environment variables, and the platform secret store.
package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Server  ServerConfig
	Remote  RemoteConfig
	WebDAV  WebDAVConfig
	Cache   CacheConfig
	Sync    SyncConfig
	Storage StorageConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

// RemoteConfig points at the remote library service.
type RemoteConfig struct {
	BaseURL string
	APIKey  string
}

// WebDAVConfig is the optional fallback source for attachment payloads.
type WebDAVConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
}

type CacheConfig struct {
	Enabled  bool
	MaxBytes int64 // 0 means unlimited
}

type SyncConfig struct {
	BatchSize int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4400,
		},
		Remote: RemoteConfig{
			BaseURL: "https://api.zotero.org",
		},
		Cache: CacheConfig{
			Enabled:  true,
			MaxBytes: 0,
		},
		Sync: SyncConfig{
			BatchSize: 50,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.stacks.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/stacks/config.json
// and secrets must be provided via environment variables.
//
// Environment variables (STACKS_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the platform keychain for secrets still unset.
	if cfg.Remote.APIKey == "" {
		if key, err := kc.Get("stacks", "api_key"); err == nil && key != "" {
			cfg.Remote.APIKey = key
		}
	}
	if cfg.WebDAV.Enabled && cfg.WebDAV.Password == "" {
		if pw, err := kc.Get("stacks", "webdav_password"); err == nil && pw != "" {
			cfg.WebDAV.Password = pw
		}
	}

	if cfg.Remote.APIKey == "" {
		msg := "missing required config: remote API key. " +
			"Set it via environment variable STACKS_REMOTE_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}
	if cfg.WebDAV.Enabled && cfg.WebDAV.URL == "" {
		return Config{}, fmt.Errorf("webdav.enabled is set but webdav.url is empty")
	}

	return cfg, nil
}

// keychainReader reads from macOS Keychain via the security CLI.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
