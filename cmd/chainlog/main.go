// Package main is the CLI entry point for chainlog, a tamper-evident audit
// log. Every record is hash-chained to its predecessor and stored in
// segments that are sealed with a hash over their contents, so any
// modification, deletion, insertion or reordering is detected by verify.
//
// CLI commands (cobra):
//
//	chainlog serve              - Run the HTTP API
//	chainlog append             - Record one event
//	chainlog query              - Query records with filters
//	chainlog tail [-f]          - Show the newest records, optionally following
//	chainlog export             - Export records as jsonl, json or csv
//	chainlog proof <seq>        - Print a link proof from a record to the head
//	chainlog verify             - Verify the chain
//	chainlog segments           - List segments
//	chainlog seal               - Seal the active segment
//	chainlog purge <id>         - Purge a sealed segment
//	chainlog retention          - Purge every segment the policy has expired
//	chainlog keygen             - Generate encryption, HMAC or token keys
//	chainlog token              - Mint a bearer token for the API
//	chainlog config show|generate
//
// Inspection commands open the log read-only and can run next to `serve`.
// Commands that write (append, seal, purge, retention) need exclusive access
// to the storage location, so stop the server first or use the HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ctrlai/chainlog/internal/auditlog"
	"github.com/ctrlai/chainlog/internal/chain"
	"github.com/ctrlai/chainlog/internal/config"
	"github.com/ctrlai/chainlog/internal/encryption"
	"github.com/ctrlai/chainlog/internal/record"
	"github.com/ctrlai/chainlog/internal/storage"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-02-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var (
	// configDir holds config.yaml, keys and, by default, segment files.
	configDir string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "chainlog",
	Short: "chainlog: tamper-evident audit log",
	Long: `chainlog records security-relevant events in an append-only,
hash-chained log. Each record's hash covers its predecessor's hash, and
records are grouped into segments that are sealed with a hash over their
contents. 'chainlog verify' detects any modification, deletion, insertion
or reordering.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", config.DefaultDir(), "Path to chainlog config and state directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(proofCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(segmentsCmd)
	rootCmd.AddCommand(sealCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(retentionCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging installs a text slog handler on stderr so stdout stays
// clean for records and exports.
func setupLogging(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q (use debug, info, warn, error)", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	return nil
}

func configPath() string {
	return filepath.Join(configDir, "config.yaml")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openBackend builds the storage backend selected in the config.
func openBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "file":
		return storage.OpenFile(cfg.Storage.Dir)
	case "memory":
		slog.Warn("using in-memory storage: records are lost on exit")
		return storage.NewMemoryBackend(), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.DSN), 0o700); err != nil {
			return nil, fmt.Errorf("creating sqlite directory: %w", err)
		}
		return storage.OpenSQLite(ctx, cfg.Storage.DSN)
	case "postgres":
		return storage.OpenPostgres(ctx, cfg.Storage.DSN)
	case "s3":
		return storage.OpenS3(ctx, storage.S3Options{
			Bucket:   cfg.Storage.S3.Bucket,
			Prefix:   cfg.Storage.S3.Prefix,
			Region:   cfg.Storage.S3.Region,
			Endpoint: cfg.Storage.S3.Endpoint,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// openLog opens the configured audit log. reg may be nil.
func openLog(ctx context.Context, cfg *config.Config, readOnly bool, reg prometheus.Registerer) (*auditlog.Log, error) {
	alg, err := chain.ParseAlgorithm(cfg.Chain.Algorithm)
	if err != nil {
		return nil, err
	}
	var hmacKey []byte
	if cfg.Chain.HMACKeyFile != "" {
		if hmacKey, err = encryption.LoadKeyFile(cfg.Chain.HMACKeyFile); err != nil {
			return nil, fmt.Errorf("loading chain key: %w", err)
		}
	}
	hasher, err := chain.New(alg, hmacKey)
	if err != nil {
		return nil, err
	}

	var enc encryption.Service = encryption.Plaintext{}
	if cfg.Encryption.Enabled {
		key, err := encryption.LoadKeyFile(cfg.Encryption.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading encryption key (run 'chainlog keygen'): %w", err)
		}
		if enc, err = encryption.NewAEAD(key); err != nil {
			return nil, err
		}
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}

	source := cfg.Source
	if source.Hostname == "" {
		source.Hostname, _ = os.Hostname()
	}

	l, err := auditlog.Open(ctx, auditlog.Options{
		Backend:    backend,
		Hasher:     hasher,
		Encryption: enc,
		Policy:     cfg.Rotation.Policy(),
		ReadOnly:   readOnly,
		Registerer: reg,
		Source:     source.Payload(),
	})
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return l, nil
}

// withLog loads the config, opens the log and closes it after fn.
func withLog(ctx context.Context, readOnly bool, fn func(*auditlog.Log) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := openLog(ctx, cfg, readOnly, nil)
	if err != nil {
		return err
	}
	defer l.Close()
	return fn(l)
}

// printRecord formats a single record for the terminal.
func printRecord(r record.Record) {
	payload := ""
	if len(r.Payload) > 0 {
		parts := make([]string, 0, len(r.Payload))
		for _, k := range r.Payload.Keys() {
			parts = append(parts, fmt.Sprintf("%s=%v", k, r.Payload[k].Any()))
		}
		payload = " " + strings.Join(parts, " ")
	}
	fmt.Printf("[%s] #%-6d %-8s %-16s actor=%s%s\n",
		r.Timestamp.Format(time.RFC3339), r.Sequence, r.Severity, r.Type, r.Actor, payload)
}

// parseWhen accepts an RFC 3339 timestamp or a duration meaning that long
// ago ("1h", "30m").
func parseWhen(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither an RFC 3339 timestamp nor a duration", s)
	}
	return t, nil
}
