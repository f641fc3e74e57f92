package daemon

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
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mark3labs/mcp-go/server"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/process"
	"go.olrik.dev/devman/internal/core"
)

// RunConfig carries everything the daemon frontend needs from the CLI
// and config layer.
type RunConfig struct {
	Port          int
	PortStart     int
	IdleTimeout   time.Duration
	Retention     time.Duration
	SweepInterval time.Duration
	ConfigFile    string
}

// Run binds the SSE MCP server on loopback and serves until SIGINT or
// SIGTERM. Children of running sessions are not killed on shutdown; they
// belong to the client.
func Run(cfg RunConfig) error {
	mgr := NewManager(Settings{
		PortStart:     cfg.PortStart,
		IdleTimeout:   cfg.IdleTimeout,
		Retention:     cfg.Retention,
		SweepInterval: cfg.SweepInterval,
	})
	defer mgr.Close()

	mcpServer := NewToolService(mgr)

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)
	sseServer := server.NewSSEServer(mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/", sseServer)
	mux.HandleFunc("/health", healthHandler(mgr))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler: mux,
	}

	if cfg.ConfigFile != "" {
		go watchConfig(cfg.ConfigFile, mgr)
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-shutdownChan
		slog.Info("Shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
	}()

	slog.Info("Daemon listening", "url", baseURL+"/sse")

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("daemon server: %w", err)
	}

	return nil
}

// healthHandler reports daemon diagnostics: session count, daemon memory
// and host load. Not part of the MCP tool surface.
func healthHandler(mgr *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := map[string]any{
			"status":   "ok",
			"sessions": mgr.SessionCount(),
			"pid":      os.Getpid(),
		}

		if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
			if mem, err := proc.MemoryInfo(); err == nil {
				health["rss_bytes"] = mem.RSS
			}
		}
		if avg, err := load.Avg(); err == nil {
			health["load1"] = avg.Load1
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(health)
	}
}

// watchConfig reloads sweep thresholds when the config file changes.
// Watches the directory rather than the file because most editors replace
// the file on save.
func watchConfig(configFile string, mgr *Manager) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("Config watch unavailable", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(configFile)); err != nil {
		slog.Warn("Config watch unavailable", "path", configFile, "error", err)
		return
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(configFile) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if core.Config == nil {
				continue
			}
			if err := core.Config.ReadInConfig(); err != nil {
				slog.Warn("Config reload failed", "error", err)
				continue
			}
			mgr.SetTimeouts(core.GetIdleTimeout(), core.GetRetention())
			slog.Info("Config reloaded",
				"idle_timeout", core.GetIdleTimeout(),
				"retention", core.GetRetention())
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watch error", "error", err)
		}
	}
}
