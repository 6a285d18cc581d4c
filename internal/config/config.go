// Package config provides unified configuration for all fieldsync services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode represents the service mode to run.
type Mode string

const (
	ModeAll   Mode = "all"
	ModeServe Mode = "serve"
	ModeAudit Mode = "audit"
	ModeSweep Mode = "sweep"
)

// Config holds the unified configuration for all fieldsync services.
type Config struct {
	// Mode specifies which services to run: all, serve, audit, sweep
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Sync holds client-side coordinator configuration
	Sync SyncConfig `json:"sync" yaml:"sync"`

	// Outbox holds client-side outbox configuration
	Outbox OutboxConfig `json:"outbox" yaml:"outbox"`

	// Auth holds authorization guard configuration
	Auth AuthConfig `json:"auth" yaml:"auth"`

	// Sequence holds allocation service configuration
	Sequence SequenceConfig `json:"sequence" yaml:"sequence"`

	// Conflict holds conflict resolver configuration
	Conflict ConflictConfig `json:"conflict" yaml:"conflict"`

	// Audit holds audit recorder and sweep configuration
	Audit AuditConfig `json:"audit" yaml:"audit"`

	// Export holds audit export storage configuration
	Export ExportConfig `json:"export" yaml:"export"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP address for the sync API
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// SyncConfig holds sync coordinator configuration.
type SyncConfig struct {
	// MaxInFlight bounds concurrent sends across distinct entity paths
	MaxInFlight int `json:"max_in_flight" yaml:"max_in_flight"`

	// MaxRetries is the retry bound before an operation goes terminal
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// BackoffBase is the first retry delay
	BackoffBase time.Duration `json:"backoff_base" yaml:"backoff_base"`

	// BackoffMax caps the retry delay
	BackoffMax time.Duration `json:"backoff_max" yaml:"backoff_max"`

	// DrainInterval is how often the coordinator drains without a signal
	DrainInterval time.Duration `json:"drain_interval" yaml:"drain_interval"`
}

// OutboxConfig holds outbox persistence configuration.
type OutboxConfig struct {
	// Dir is the directory for outbox log segments
	Dir string `json:"dir" yaml:"dir"`

	// MaxSegmentSize is the log segment rotation threshold in bytes
	MaxSegmentSize int64 `json:"max_segment_size" yaml:"max_segment_size"`
}

// AuthConfig holds authorization guard configuration.
type AuthConfig struct {
	// MembershipTTL bounds staleness of cached membership lookups
	MembershipTTL time.Duration `json:"membership_ttl" yaml:"membership_ttl"`
}

// SequenceConfig holds allocation service configuration.
type SequenceConfig struct {
	// MaxAttempts bounds transaction-abort retries per allocation
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// RetryBackoff is the base delay between allocation attempts
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
}

// ConflictConfig holds conflict resolver configuration.
type ConflictConfig struct {
	// Window is the near-simultaneous edit window that triggers flagging
	Window time.Duration `json:"window" yaml:"window"`

	// AdditiveFields maps collection name to field names merged by union
	AdditiveFields map[string][]string `json:"additive_fields" yaml:"additive_fields"`
}

// AuditConfig holds audit recorder and sweep configuration.
type AuditConfig struct {
	// Retention is how long audit records are kept
	Retention time.Duration `json:"retention" yaml:"retention"`

	// SweepBatchSize bounds deletions per sweep batch
	SweepBatchSize int `json:"sweep_batch_size" yaml:"sweep_batch_size"`

	// SweepInterval is how often the sweep daemon runs
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`

	// DrainInterval is how often the recorder drains pending events
	DrainInterval time.Duration `json:"drain_interval" yaml:"drain_interval"`

	// MaxDrainRetries bounds recorder retries per pending event batch
	MaxDrainRetries int `json:"max_drain_retries" yaml:"max_drain_retries"`
}

// ExportConfig holds audit export storage configuration.
type ExportConfig struct {
	// Type is the export storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local export path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 export destination configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/fieldsync",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Sync: SyncConfig{
			MaxInFlight:   4,
			MaxRetries:    5,
			BackoffBase:   500 * time.Millisecond,
			BackoffMax:    60 * time.Second,
			DrainInterval: 15 * time.Second,
		},
		Outbox: OutboxConfig{
			Dir:            "",
			MaxSegmentSize: 16 * 1024 * 1024,
		},
		Auth: AuthConfig{
			MembershipTTL: 60 * time.Second,
		},
		Sequence: SequenceConfig{
			MaxAttempts:  10,
			RetryBackoff: 10 * time.Millisecond,
		},
		Conflict: ConflictConfig{
			Window: 2 * time.Second,
		},
		Audit: AuditConfig{
			Retention:       365 * 24 * time.Hour,
			SweepBatchSize:  500,
			SweepInterval:   time.Hour,
			DrainInterval:   time.Second,
			MaxDrainRetries: 5,
		},
		Export: ExportConfig{
			Type: "local",
			Path: "",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/fieldsync"
	}

	if c.Outbox.Dir == "" {
		c.Outbox.Dir = filepath.Join(c.DataDir, "outbox")
	}

	if c.Export.Path == "" {
		c.Export.Path = filepath.Join(c.DataDir, "exports")
	}
}

// StorePath returns the path to the backend store database.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "store.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeServe, ModeAudit, ModeSweep:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be all, serve, audit, or sweep)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Export.Type != "local" && c.Export.Type != "s3" {
		return fmt.Errorf("invalid export type: %s (must be local or s3)", c.Export.Type)
	}

	if c.Export.Type == "s3" && c.Export.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when export type is s3")
	}

	if c.Sync.MaxInFlight < 1 {
		return fmt.Errorf("sync.max_in_flight must be at least 1, got %d", c.Sync.MaxInFlight)
	}

	if c.Sequence.MaxAttempts < 1 {
		return fmt.Errorf("sequence.max_attempts must be at least 1, got %d", c.Sequence.MaxAttempts)
	}

	if c.Audit.SweepBatchSize < 1 {
		return fmt.Errorf("audit.sweep_batch_size must be at least 1, got %d", c.Audit.SweepBatchSize)
	}

	return nil
}

// ShouldServe returns true if the HTTP API should run.
func (c *Config) ShouldServe() bool {
	return c.Mode == ModeAll || c.Mode == ModeServe
}

// ShouldRunAudit returns true if the audit drain worker should run.
func (c *Config) ShouldRunAudit() bool {
	return c.Mode == ModeAll || c.Mode == ModeAudit
}

// ShouldRunSweep returns true if the sweep daemon should run.
func (c *Config) ShouldRunSweep() bool {
	return c.Mode == ModeAll || c.Mode == ModeSweep
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the FIELDSYNC_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("FIELDSYNC_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("FIELDSYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if v := os.Getenv("FIELDSYNC_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	if v := os.Getenv("FIELDSYNC_SYNC_MAX_IN_FLIGHT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Sync.MaxInFlight)
	}
	if v := os.Getenv("FIELDSYNC_SYNC_MAX_RETRIES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Sync.MaxRetries)
	}

	if v := os.Getenv("FIELDSYNC_AUTH_MEMBERSHIP_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Auth.MembershipTTL = d
		}
	}

	if v := os.Getenv("FIELDSYNC_CONFLICT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Conflict.Window = d
		}
	}

	if v := os.Getenv("FIELDSYNC_AUDIT_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Audit.Retention = d
		}
	}
	if v := os.Getenv("FIELDSYNC_AUDIT_SWEEP_BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Audit.SweepBatchSize)
	}

	if v := os.Getenv("FIELDSYNC_EXPORT_TYPE"); v != "" {
		cfg.Export.Type = v
	}
	if v := os.Getenv("FIELDSYNC_EXPORT_PATH"); v != "" {
		cfg.Export.Path = v
	}
	if v := os.Getenv("FIELDSYNC_S3_BUCKET"); v != "" {
		cfg.Export.S3.Bucket = v
	}
	if v := os.Getenv("FIELDSYNC_S3_REGION"); v != "" {
		cfg.Export.S3.Region = v
	}
	if v := os.Getenv("FIELDSYNC_S3_ENDPOINT"); v != "" {
		cfg.Export.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Outbox.Dir,
	}
	if c.Export.Type == "local" {
		dirs = append(dirs, c.Export.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
