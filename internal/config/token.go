package config

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Keychain abstracts the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

type platformKeychain struct{}

// NewKeychain returns the platform secret store.
func NewKeychain() Keychain {
	return platformKeychain{}
}

func (platformKeychain) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token protecting the local HTTP API. A
// configured token wins; otherwise the secret store is consulted, and a
// fresh token is generated and stored on first run.
func GetAPIToken(kc Keychain, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if tok, err := kc.Get("stacks", "server_token"); err == nil && tok != "" {
		return tok, nil
	}
	tok := uuid.New().String()
	if err := kc.Set("stacks", "server_token", tok); err != nil {
		return "", fmt.Errorf("storing generated API token: %w", err)
	}
	return tok, nil
}
