package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/stacks/internal/annot"
	"github.com/kalambet/stacks/internal/api"
	"github.com/kalambet/stacks/internal/cache"
	"github.com/kalambet/stacks/internal/config"
	"github.com/kalambet/stacks/internal/fulltext"
	"github.com/kalambet/stacks/internal/remote"
	"github.com/kalambet/stacks/internal/storage"
	"github.com/kalambet/stacks/internal/sync"
	"github.com/kalambet/stacks/internal/tasks"
	"github.com/kalambet/stacks/internal/webdav"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the stacks server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running stacks server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stacks system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "stacks.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "stacks version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Ensure the management API token exists in the platform secret store.
	apiToken, err := config.GetAPIToken(config.NewKeychain(), cfg.Server.Token)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("stacks is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("stacks is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Remote API client plus optional WebDAV fallback for attachment payloads.
	remoteClient := remote.New(cfg.Remote.BaseURL, cfg.Remote.APIKey)
	var archive cache.ArchiveDownloader
	if cfg.WebDAV.Enabled {
		archive = webdav.New(cfg.WebDAV.URL, cfg.WebDAV.Username, cfg.WebDAV.Password)
		slog.Info("WebDAV fallback enabled", "url", cfg.WebDAV.URL)
	}

	// Sync pipeline.
	puller := sync.NewPuller(store, remoteClient, cfg.Sync.BatchSize)
	coordinator := sync.NewCoordinator(store, puller, nil)

	// Attachment cache.
	blobs := cache.New(store, remoteClient, archive, store, cache.Config{
		Enabled:  cfg.Cache.Enabled,
		MaxBytes: cfg.Cache.MaxBytes,
	})

	// Annotation reconciler with on-disk image payloads.
	images := annot.NewDirImageStore(filepath.Join(cfg.Storage.DataDir, "annotations"))
	reconciler := annot.New(store, images, nil)

	// Background worker: cache pruning and fulltext indexing jobs.
	indexer := fulltext.NewIndexer(store)
	worker := tasks.NewWorker(store, blobs, indexer, 500*time.Millisecond)
	go worker.Run(ctx)

	// Build HTTP handler and server.
	appHandler := api.NewAppHandler(api.AppDeps{
		Store:      store,
		Syncer:     coordinator,
		Blobs:      blobs,
		Reconciler: reconciler,
		Token:      apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:  store,
		Syncer: coordinator,
		Blobs:  blobs,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "stacks listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("stacks is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop stacks (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to stacks (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Remote", "%s", cfg.Remote.BaseURL)
	if cfg.WebDAV.Enabled {
		printStatus("WebDAV", "%s", cfg.WebDAV.URL)
	} else {
		printStatus("WebDAV", "disabled")
	}

	// Show library and cache counts if server is running.
	apiToken, tokenErr := config.GetAPIToken(config.NewKeychain(), cfg.Server.Token)
	if tokenErr == nil && resp != nil && resp.StatusCode == 200 {
		libsResp, err := apiGet(client, serverURL+"/libraries", apiToken)
		if err == nil {
			var libs []json.RawMessage
			if json.NewDecoder(libsResp.Body).Decode(&libs) == nil {
				printStatus("Libraries", "%d", len(libs))
			}
			libsResp.Body.Close()
		}
		statsResp, err2 := apiGet(client, serverURL+"/cache/stats", apiToken)
		if err2 == nil {
			var stats struct {
				Files      int64 `json:"files"`
				TotalBytes int64 `json:"totalBytes"`
			}
			if json.NewDecoder(statsResp.Body).Decode(&stats) == nil {
				printStatus("Cache", "%d files, %s", stats.Files, formatBytes(stats.TotalBytes))
			}
			statsResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
