// Package config handles loading, validating, and writing the chainlog
// configuration from ~/.chainlog/config.yaml.
//
// The config defines:
//   - Server bind address (host:port) for the HTTP API
//   - Storage backend (file, memory, sqlite, postgres, s3) and its location
//   - Chain digest algorithm and optional HMAC key
//   - Record encryption at rest
//   - Segment rotation and retention policy
//   - API authorization and append rate limits
//
// Relative paths in the file are resolved against the directory that holds
// config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ctrlai/chainlog/internal/chain"
	"github.com/ctrlai/chainlog/internal/record"
	"github.com/ctrlai/chainlog/internal/segment"
)

// Config is the top-level chainlog configuration.
// Loaded from ~/.chainlog/config.yaml, with defaults for fields that are
// not explicitly set.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Chain      ChainConfig      `yaml:"chain"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Rotation   RotationConfig   `yaml:"rotation"`
	Auth       AuthConfig       `yaml:"auth"`
	Limits     LimitsConfig     `yaml:"limits"`
	Source     SourceConfig     `yaml:"source"`
}

// ServerConfig defines where the HTTP API listens.
// Default: 127.0.0.1:3200 (loopback only).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig selects the storage backend.
//
//   - file: one append-only file per segment under Dir (default)
//   - memory: volatile, for tests and demos
//   - sqlite: a single database file at DSN (or Dir/chainlog.db)
//   - postgres: DSN is a lib/pq connection string
//   - s3: one object per frame in S3.Bucket under S3.Prefix
type StorageConfig struct {
	Backend string   `yaml:"backend"`
	Dir     string   `yaml:"dir"`
	DSN     string   `yaml:"dsn,omitempty"`
	S3      S3Config `yaml:"s3"`
}

// S3Config locates the bucket for the s3 backend. Endpoint overrides the
// AWS endpoint for S3-compatible stores such as MinIO.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// ChainConfig selects the digest used for record and seal hashes.
// HMACKeyFile, when set, makes every digest keyed so that a party with
// storage access alone cannot forge a consistent chain.
type ChainConfig struct {
	Algorithm   string `yaml:"algorithm"`
	HMACKeyFile string `yaml:"hmacKeyFile,omitempty"`
}

// EncryptionConfig enables XChaCha20-Poly1305 encryption of every stored
// frame. KeyFile holds the 32-byte master key (see `chainlog keygen`).
type EncryptionConfig struct {
	Enabled bool   `yaml:"enabled"`
	KeyFile string `yaml:"keyFile"`
}

// RotationConfig mirrors segment.Policy. Zero disables a limit.
type RotationConfig struct {
	MaxRecordsPerSegment int      `yaml:"maxRecordsPerSegment"`
	MaxSegmentAge        Duration `yaml:"maxSegmentAge"`
	MaxTotalSegments     int      `yaml:"maxTotalSegments"`
	RetentionAge         Duration `yaml:"retentionAge"`
}

// Policy converts the rotation section to a segment.Policy.
func (r RotationConfig) Policy() segment.Policy {
	return segment.Policy{
		MaxRecordsPerSegment: r.MaxRecordsPerSegment,
		MaxSegmentAge:        time.Duration(r.MaxSegmentAge),
		MaxTotalSegments:     r.MaxTotalSegments,
		RetentionAge:         time.Duration(r.RetentionAge),
	}
}

// AuthConfig controls bearer-token authorization on the HTTP API.
// With no PublicKeyFile the API is unauthenticated, which is only sensible
// on a loopback bind. Seal and purge require AdminRole in the token's
// "roles" claim.
type AuthConfig struct {
	PublicKeyFile string `yaml:"publicKeyFile,omitempty"`
	AdminRole     string `yaml:"adminRole"`
}

// LimitsConfig bounds the append rate accepted over HTTP, in events per
// second with the given burst. AppendRate 0 disables the limiter.
type LimitsConfig struct {
	AppendRate  float64 `yaml:"appendRate"`
	AppendBurst int     `yaml:"appendBurst"`
}

// SourceConfig names where events come from. It is stamped into every
// record's payload under "source". An empty Hostname is filled in from
// the operating system when the log is opened.
type SourceConfig struct {
	App      string `yaml:"app,omitempty"`
	Hostname string `yaml:"hostname,omitempty"`
}

// Payload returns the attributes to stamp, or nil when there are none.
func (s SourceConfig) Payload() record.Payload {
	p := record.Payload{}
	if s.App != "" {
		p["app"] = record.String(s.App)
	}
	if s.Hostname != "" {
		p["hostname"] = record.String(s.Hostname)
	}
	if len(p) == 0 {
		return nil
	}
	return p
}

// Duration is a time.Duration written as a Go duration string ("24h").
type Duration time.Duration

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// DefaultDir returns ~/.chainlog, the directory that holds config.yaml,
// keys and (by default) segment files.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chainlog"
	}
	return filepath.Join(home, ".chainlog")
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file yet; `chainlog config generate` writes one.
			cfg.resolve(filepath.Dir(path))
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.resolve(filepath.Dir(path))
	return cfg, nil
}

// resolve makes relative paths absolute against base.
func (c *Config) resolve(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Storage.Dir = abs(c.Storage.Dir)
	c.Chain.HMACKeyFile = abs(c.Chain.HMACKeyFile)
	c.Encryption.KeyFile = abs(c.Encryption.KeyFile)
	c.Auth.PublicKeyFile = abs(c.Auth.PublicKeyFile)
	if c.Storage.Backend == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(c.Storage.Dir, "chainlog.db")
	} else if c.Storage.Backend == "sqlite" {
		c.Storage.DSN = abs(c.Storage.DSN)
	}
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `chainlog config generate`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# chainlog configuration
#
# server:
#   host: Bind address for the HTTP API (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3200)
#
# storage:
#   backend: file | memory | sqlite | postgres | s3
#   dir: Segment directory for the file backend (relative to this file)
#   dsn: sqlite file path or postgres connection string
#   s3: bucket, prefix, region and optional endpoint
#
# chain:
#   algorithm: sha256 | sha512-256 | blake2b-256
#   hmacKeyFile: Optional key making every digest keyed
#
# encryption:
#   enabled: Encrypt every stored record (XChaCha20-Poly1305)
#   keyFile: 32-byte master key, see "chainlog keygen"
#
# rotation:
#   maxRecordsPerSegment: Seal the active segment after this many records
#   maxSegmentAge: Seal the active segment once its first record is this old
#   maxTotalSegments: Sealed segments beyond this count become purge candidates
#   retentionAge: Sealed segments older than this become purge candidates
#
# auth:
#   publicKeyFile: PEM RSA public key for RS256 bearer tokens (empty = no auth)
#   adminRole: Role required for seal and purge
#
# limits:
#   appendRate: Events per second accepted over HTTP (0 = unlimited)
#   appendBurst: Burst size for appendRate
#
# source:
#   app: Application name stamped into every record (optional)
#   hostname: Host name stamped into every record (default: this machine)

`
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, []byte(header+string(data)), 0o600)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	policy := segment.DefaultPolicy()
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
		},
		Storage: StorageConfig{
			Backend: "file",
			Dir:     "segments",
			S3:      S3Config{Prefix: "chainlog", Region: "us-east-1"},
		},
		Chain: ChainConfig{
			Algorithm: string(chain.DefaultAlgorithm),
		},
		Encryption: EncryptionConfig{
			KeyFile: "master.key",
		},
		Rotation: RotationConfig{
			MaxRecordsPerSegment: policy.MaxRecordsPerSegment,
			MaxSegmentAge:        Duration(policy.MaxSegmentAge),
		},
		Auth: AuthConfig{
			AdminRole: "audit-admin",
		},
		Limits: LimitsConfig{
			AppendRate:  200,
			AppendBurst: 50,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	switch cfg.Storage.Backend {
	case "file":
		if cfg.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the file backend")
		}
	case "memory", "sqlite":
	case "postgres":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres backend")
		}
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of file, memory, sqlite, postgres, s3", cfg.Storage.Backend)
	}

	if _, err := chain.ParseAlgorithm(cfg.Chain.Algorithm); err != nil {
		return fmt.Errorf("chain.algorithm: %w", err)
	}
	if cfg.Encryption.Enabled && cfg.Encryption.KeyFile == "" {
		return fmt.Errorf("encryption.keyFile is required when encryption is enabled")
	}
	if err := cfg.Rotation.Policy().Validate(); err != nil {
		return fmt.Errorf("rotation: %w", err)
	}
	if cfg.Auth.PublicKeyFile != "" && cfg.Auth.AdminRole == "" {
		return fmt.Errorf("auth.adminRole must not be empty when auth is enabled")
	}
	if cfg.Limits.AppendRate < 0 {
		return fmt.Errorf("limits.appendRate must be non-negative")
	}
	if cfg.Limits.AppendRate > 0 && cfg.Limits.AppendBurst < 1 {
		return fmt.Errorf("limits.appendBurst must be at least 1 when appendRate is set")
	}

	return nil
}
