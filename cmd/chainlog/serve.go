package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ctrlai/chainlog/internal/auditlog"
	"github.com/ctrlai/chainlog/internal/config"
	"github.com/ctrlai/chainlog/internal/record"
	"github.com/ctrlai/chainlog/internal/server"
)

// retentionInterval controls how often serve applies the retention policy.
// Zero disables automatic purging.
var retentionInterval time.Duration

// serveCmd runs the HTTP API in the foreground.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the chainlog HTTP API on the address configured in config.yaml
(default: 127.0.0.1:3200). Rotation settings are reloaded from config.yaml
whenever the file changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().DurationVar(&retentionInterval, "retention-interval", 0, "Apply the retention policy this often (e.g. 1h; 0 = never)")
}

// runServe wires the stack together:
//
//  1. Load config.yaml
//  2. Open the audit log for writing and record SYSTEM_START
//  3. Build the HTTP server (auth, rate limits, metrics)
//  4. Watch config.yaml for rotation policy changes
//  5. Serve until SIGINT/SIGTERM, then record SYSTEM_STOP
func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	l, err := openLog(ctx, cfg, false, reg)
	if err != nil {
		return err
	}
	defer l.Close()

	if _, err := l.Append(ctx, auditlog.Event{
		Actor: "chainlog",
		Type:  record.SystemStart,
		Payload: record.Payload{
			"version": record.String(version),
			"addr":    record.String(cfg.Server.Addr()),
		},
	}); err != nil {
		return fmt.Errorf("recording startup: %w", err)
	}

	var pub *rsa.PublicKey
	if cfg.Auth.PublicKeyFile != "" {
		if pub, err = server.LoadPublicKey(cfg.Auth.PublicKeyFile); err != nil {
			return err
		}
	} else if cfg.Server.Host != "127.0.0.1" && cfg.Server.Host != "localhost" {
		slog.Warn("API authentication is disabled on a non-loopback address", "host", cfg.Server.Host)
	}

	srv := server.New(server.Options{
		Log:         l,
		PublicKey:   pub,
		AdminRole:   cfg.Auth.AdminRole,
		AppendRate:  cfg.Limits.AppendRate,
		AppendBurst: cfg.Limits.AppendBurst,
		Gatherer:    reg,
	})
	defer srv.Close()

	watcher, err := config.NewWatcher(configPath(), func(next *config.Config) {
		if err := l.SetPolicy(next.Rotation.Policy()); err != nil {
			slog.Error("failed to apply rotation policy", "error", err)
		}
	})
	if err != nil {
		// The config directory may not be watchable (e.g. on some network
		// filesystems); serving still works without hot reload.
		slog.Warn("config hot reload disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if retentionInterval > 0 {
		go runRetention(ctx, l, retentionInterval)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("chainlog API listening", "addr", "http://"+cfg.Server.Addr(), "backend", cfg.Storage.Backend, "auth", pub != nil)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down (signal received)")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Give in-flight requests 10 seconds to drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}

	if _, err := l.Append(shutdownCtx, auditlog.Event{Actor: "chainlog", Type: record.SystemStop}); err != nil {
		slog.Error("recording shutdown failed", "error", err)
	}
	return nil
}

// runRetention applies the retention policy on every tick until ctx ends.
func runRetention(ctx context.Context, l *auditlog.Log, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := l.EnforceRetention(ctx, "chainlog-retention")
			if err != nil {
				slog.Error("retention run failed", "purged", len(purged), "error", err)
				continue
			}
			if len(purged) > 0 {
				slog.Info("retention run complete", "purged", len(purged))
			}
		}
	}
}
