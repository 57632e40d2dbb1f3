// Package config provides unified configuration for the Kestrel engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestrelsense/kestrel/pkg/types"
)

// Mode represents the service mode to run.
type Mode string

const (
	ModeAll    Mode = "all"    // ingest + correlation + persistence + query
	ModeEngine Mode = "engine" // ingest + correlation + persistence, no query API
	ModeQuery  Mode = "query"  // read-only query API over the durable catalog
)

// Config holds the unified configuration for the Kestrel engine.
type Config struct {
	// Mode specifies which services to run: all, engine, query
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Trigger filter configuration
	Trigger TriggerConfig `json:"trigger" yaml:"trigger"`

	// Correlation configuration
	Correlation CorrelationConfig `json:"correlation" yaml:"correlation"`

	// Fusion scoring configuration
	Fusion FusionConfig `json:"fusion" yaml:"fusion"`

	// Store configuration
	Store StoreConfig `json:"store" yaml:"store"`

	// Persistence pipeline configuration
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`

	// Archive configuration
	Archive ArchiveConfig `json:"archive" yaml:"archive"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// IngestAddr is the HTTP address for the event ingest API
	IngestAddr string `json:"ingest_addr" yaml:"ingest_addr"`

	// QueryAddr is the HTTP address for the record query API
	QueryAddr string `json:"query_addr" yaml:"query_addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// TriggerConfig holds trigger filter thresholds.
type TriggerConfig struct {
	// SpeedThreshold is the minimum |speed| for a motion event to qualify
	SpeedThreshold float64 `json:"speed_threshold" yaml:"speed_threshold"`

	// MagnitudeThreshold is the minimum signal magnitude to qualify
	MagnitudeThreshold float64 `json:"magnitude_threshold" yaml:"magnitude_threshold"`

	// AllowedDirections lists directions that may trigger (default: approaching)
	AllowedDirections []string `json:"allowed_directions" yaml:"allowed_directions"`

	// Cooldown is the per-zone quiet period after a trigger
	Cooldown Duration `json:"cooldown" yaml:"cooldown"`
}

// CorrelationConfig holds cross-modality matching parameters.
type CorrelationConfig struct {
	// Window is the max |Δt| between a trigger and a candidate event
	Window Duration `json:"window" yaml:"window"`

	// Epsilon is the Δt difference below which candidates count as tied
	Epsilon Duration `json:"epsilon" yaml:"epsilon"`

	// Workers is the number of zone-sharded trigger workers
	Workers int `json:"workers" yaml:"workers"`

	// WorkerQueueDepth is the per-worker motion event queue depth
	WorkerQueueDepth int `json:"worker_queue_depth" yaml:"worker_queue_depth"`
}

// FusionConfig holds the documented confidence fusion policy.
type FusionConfig struct {
	// MotionWeight and VisionWeight are the fused-average weights
	MotionWeight float64 `json:"motion_weight" yaml:"motion_weight"`
	VisionWeight float64 `json:"vision_weight" yaml:"vision_weight"`

	// CrossValidationBonus is added when both modalities agree (capped at 1.0)
	CrossValidationBonus float64 `json:"cross_validation_bonus" yaml:"cross_validation_bonus"`

	// DetectionThreshold is the fused confidence above which a vehicle is reported
	DetectionThreshold float64 `json:"detection_threshold" yaml:"detection_threshold"`

	// MagnitudeNorm and SpeedNorm normalise raw motion readings into [0,1]
	MagnitudeNorm float64 `json:"magnitude_norm" yaml:"magnitude_norm"`
	SpeedNorm     float64 `json:"speed_norm" yaml:"speed_norm"`

	// MagnitudeShare is the magnitude fraction of motion confidence;
	// the remainder comes from normalised speed
	MagnitudeShare float64 `json:"magnitude_share" yaml:"magnitude_share"`
}

// StoreConfig holds the bounded event store configuration.
type StoreConfig struct {
	// MemoryBudgetBytes is the total resident payload budget
	MemoryBudgetBytes int64 `json:"memory_budget_bytes" yaml:"memory_budget_bytes"`

	// SweepInterval is the period of the physical TTL sweep
	SweepInterval Duration `json:"sweep_interval" yaml:"sweep_interval"`

	// Per-modality TTLs
	MotionTTL      Duration `json:"motion_ttl" yaml:"motion_ttl"`
	VisionTTL      Duration `json:"vision_ttl" yaml:"vision_ttl"`
	EnvironmentTTL Duration `json:"environment_ttl" yaml:"environment_ttl"`
}

// PersistenceConfig holds the consolidation pipeline configuration.
type PersistenceConfig struct {
	// QueueDepth bounds the consolidation queue; overflow drops the oldest record
	QueueDepth int `json:"queue_depth" yaml:"queue_depth"`

	// RetryBase, RetryCap, and MaxAttempts shape the write backoff
	RetryBase   Duration `json:"retry_base" yaml:"retry_base"`
	RetryCap    Duration `json:"retry_cap" yaml:"retry_cap"`
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`

	// PendingTTL bounds how long a record that failed its durable write
	// stays queryable for manual reprocessing
	PendingTTL Duration `json:"pending_ttl" yaml:"pending_ttl"`

	// JournalDir holds consolidation journal segments
	JournalDir string `json:"journal_dir" yaml:"journal_dir"`

	// JournalMaxSegmentBytes triggers journal segment rotation
	JournalMaxSegmentBytes int64 `json:"journal_max_segment_bytes" yaml:"journal_max_segment_bytes"`

	// RetentionHorizon is the age past which persisted records are purged
	RetentionHorizon Duration `json:"retention_horizon" yaml:"retention_horizon"`

	// RetentionInterval is the period of the retention sweep
	RetentionInterval Duration `json:"retention_interval" yaml:"retention_interval"`

	// RetentionBatchLimit caps rows handled per sweep cycle
	RetentionBatchLimit int `json:"retention_batch_limit" yaml:"retention_batch_limit"`
}

// ArchiveConfig holds configuration for archiving records before purge.
type ArchiveConfig struct {
	// Enabled turns on archival of retention-expired records
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Type is the archive backend: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local archive path (for local type)
	Path string `json:"path" yaml:"path"`

	// Prefix is the object path prefix for archive batches
	Prefix string `json:"prefix" yaml:"prefix"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 archive configuration.
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
		DataDir: "./data/kestrel",
		HTTP: HTTPConfig{
			IngestAddr:   ":8080",
			QueryAddr:    ":8081",
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(60 * time.Second),
			IdleTimeout:  Duration(120 * time.Second),
		},
		Trigger: TriggerConfig{
			SpeedThreshold:     2.0,
			MagnitudeThreshold: 1500,
			AllowedDirections:  []string{string(types.DirectionApproaching)},
			Cooldown:           Duration(5 * time.Second),
		},
		Correlation: CorrelationConfig{
			Window:           Duration(500 * time.Millisecond),
			Epsilon:          Duration(time.Millisecond),
			Workers:          4,
			WorkerQueueDepth: 256,
		},
		Fusion: FusionConfig{
			MotionWeight:         0.5,
			VisionWeight:         0.5,
			CrossValidationBonus: 0.05,
			DetectionThreshold:   0.5,
			MagnitudeNorm:        4000,
			SpeedNorm:            50,
			MagnitudeShare:       0.8,
		},
		Store: StoreConfig{
			MemoryBudgetBytes: 64 * 1024 * 1024,
			SweepInterval:     Duration(5 * time.Minute),
			MotionTTL:         Duration(10 * time.Second),
			VisionTTL:         Duration(10 * time.Second),
			EnvironmentTTL:    Duration(time.Hour),
		},
		Persistence: PersistenceConfig{
			QueueDepth:             1000,
			RetryBase:              Duration(time.Second),
			RetryCap:               Duration(30 * time.Second),
			MaxAttempts:            5,
			PendingTTL:             Duration(10 * time.Minute),
			JournalDir:             "",
			JournalMaxSegmentBytes: 16 * 1024 * 1024,
			RetentionHorizon:       Duration(90 * 24 * time.Hour),
			RetentionInterval:      Duration(time.Hour),
			RetentionBatchLimit:    1000,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Type:    "local",
			Prefix:  "archive",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/kestrel"
	}

	if c.Persistence.JournalDir == "" {
		c.Persistence.JournalDir = filepath.Join(c.DataDir, "journal")
	}

	if c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "archive")
	}
}

// CatalogPath returns the path to the durable record catalog database.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.DataDir, "records.db")
}

// AllowedDirections converts the configured direction names to typed values.
func (c *TriggerConfig) Directions() []types.Direction {
	out := make([]types.Direction, 0, len(c.AllowedDirections))
	for _, d := range c.AllowedDirections {
		out = append(out, types.Direction(d))
	}
	return out
}

// Validate validates the configuration. An invalid configuration must refuse
// to start rather than run with undefined TTL or eviction semantics.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeEngine, ModeQuery:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be all, engine, or query)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Trigger.SpeedThreshold < 0 {
		return fmt.Errorf("trigger.speed_threshold must be non-negative, got %g", c.Trigger.SpeedThreshold)
	}
	if c.Trigger.MagnitudeThreshold < 0 {
		return fmt.Errorf("trigger.magnitude_threshold must be non-negative, got %g", c.Trigger.MagnitudeThreshold)
	}
	if c.Trigger.Cooldown <= 0 {
		return fmt.Errorf("trigger.cooldown must be positive, got %v", c.Trigger.Cooldown)
	}
	if len(c.Trigger.AllowedDirections) == 0 {
		return fmt.Errorf("trigger.allowed_directions must not be empty")
	}
	for _, d := range c.Trigger.AllowedDirections {
		if !types.ValidDirection(types.Direction(d)) {
			return fmt.Errorf("trigger.allowed_directions: unknown direction %q", d)
		}
	}

	if c.Correlation.Window <= 0 {
		return fmt.Errorf("correlation.window must be positive, got %v", c.Correlation.Window)
	}
	if c.Correlation.Epsilon < 0 {
		return fmt.Errorf("correlation.epsilon must be non-negative, got %v", c.Correlation.Epsilon)
	}
	if c.Correlation.Workers <= 0 {
		return fmt.Errorf("correlation.workers must be positive, got %d", c.Correlation.Workers)
	}

	if c.Fusion.MotionWeight < 0 || c.Fusion.VisionWeight < 0 {
		return fmt.Errorf("fusion weights must be non-negative")
	}
	if c.Fusion.MotionWeight+c.Fusion.VisionWeight <= 0 {
		return fmt.Errorf("fusion weights must not both be zero")
	}
	if c.Fusion.DetectionThreshold < 0 || c.Fusion.DetectionThreshold > 1 {
		return fmt.Errorf("fusion.detection_threshold must be in [0,1], got %g", c.Fusion.DetectionThreshold)
	}
	if c.Fusion.MagnitudeNorm <= 0 || c.Fusion.SpeedNorm <= 0 {
		return fmt.Errorf("fusion normalisation constants must be positive")
	}
	if c.Fusion.MagnitudeShare < 0 || c.Fusion.MagnitudeShare > 1 {
		return fmt.Errorf("fusion.magnitude_share must be in [0,1], got %g", c.Fusion.MagnitudeShare)
	}

	if c.Store.MemoryBudgetBytes <= 0 {
		return fmt.Errorf("store.memory_budget_bytes must be positive, got %d", c.Store.MemoryBudgetBytes)
	}
	if c.Store.SweepInterval <= 0 {
		return fmt.Errorf("store.sweep_interval must be positive, got %v", c.Store.SweepInterval)
	}
	if c.Store.MotionTTL <= 0 || c.Store.VisionTTL <= 0 || c.Store.EnvironmentTTL <= 0 {
		return fmt.Errorf("store TTLs must be positive")
	}

	if c.Persistence.QueueDepth <= 0 {
		return fmt.Errorf("persistence.queue_depth must be positive, got %d", c.Persistence.QueueDepth)
	}
	if c.Persistence.RetryBase <= 0 || c.Persistence.RetryCap < c.Persistence.RetryBase {
		return fmt.Errorf("persistence retry backoff: base must be positive and cap >= base")
	}
	if c.Persistence.MaxAttempts <= 0 {
		return fmt.Errorf("persistence.max_attempts must be positive, got %d", c.Persistence.MaxAttempts)
	}
	if c.Persistence.PendingTTL <= 0 {
		return fmt.Errorf("persistence.pending_ttl must be positive, got %v", c.Persistence.PendingTTL)
	}
	if c.Persistence.RetentionHorizon <= 0 {
		return fmt.Errorf("persistence.retention_horizon must be positive, got %v", c.Persistence.RetentionHorizon)
	}
	if c.Persistence.RetentionInterval <= 0 {
		return fmt.Errorf("persistence.retention_interval must be positive, got %v", c.Persistence.RetentionInterval)
	}

	if c.Archive.Type != "local" && c.Archive.Type != "s3" {
		return fmt.Errorf("invalid archive type: %s (must be local or s3)", c.Archive.Type)
	}
	if c.Archive.Enabled && c.Archive.Type == "s3" && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when archive type is s3")
	}

	return nil
}

// ShouldRunEngine returns true if the correlation engine should run.
func (c *Config) ShouldRunEngine() bool {
	return c.Mode == ModeAll || c.Mode == ModeEngine
}

// ShouldRunQuery returns true if the query API should run.
func (c *Config) ShouldRunQuery() bool {
	return c.Mode == ModeAll || c.Mode == ModeQuery
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
// Environment variables use the KESTREL_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("KESTREL_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("KESTREL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// HTTP configuration
	if v := os.Getenv("KESTREL_HTTP_INGEST_ADDR"); v != "" {
		cfg.HTTP.IngestAddr = v
	}
	if v := os.Getenv("KESTREL_HTTP_QUERY_ADDR"); v != "" {
		cfg.HTTP.QueryAddr = v
	}

	// Trigger configuration
	if v := os.Getenv("KESTREL_TRIGGER_SPEED_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Trigger.SpeedThreshold = f
		}
	}
	if v := os.Getenv("KESTREL_TRIGGER_MAGNITUDE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Trigger.MagnitudeThreshold = f
		}
	}
	if v := os.Getenv("KESTREL_TRIGGER_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Trigger.Cooldown = Duration(d)
		}
	}
	if v := os.Getenv("KESTREL_TRIGGER_ALLOWED_DIRECTIONS"); v != "" {
		cfg.Trigger.AllowedDirections = strings.Split(v, ",")
	}

	// Correlation configuration
	if v := os.Getenv("KESTREL_CORRELATION_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Correlation.Window = Duration(d)
		}
	}
	if v := os.Getenv("KESTREL_CORRELATION_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Correlation.Workers = n
		}
	}

	// Fusion configuration
	if v := os.Getenv("KESTREL_FUSION_DETECTION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Fusion.DetectionThreshold = f
		}
	}

	// Store configuration
	if v := os.Getenv("KESTREL_STORE_MEMORY_BUDGET_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Store.MemoryBudgetBytes = n
		}
	}
	if v := os.Getenv("KESTREL_STORE_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.SweepInterval = Duration(d)
		}
	}

	// Persistence configuration
	if v := os.Getenv("KESTREL_PERSISTENCE_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Persistence.QueueDepth = n
		}
	}
	if v := os.Getenv("KESTREL_PERSISTENCE_PENDING_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Persistence.PendingTTL = Duration(d)
		}
	}
	if v := os.Getenv("KESTREL_PERSISTENCE_RETENTION_HORIZON"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Persistence.RetentionHorizon = Duration(d)
		}
	}

	// Archive configuration
	if v := os.Getenv("KESTREL_ARCHIVE_ENABLED"); v != "" {
		cfg.Archive.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("KESTREL_ARCHIVE_TYPE"); v != "" {
		cfg.Archive.Type = v
	}
	if v := os.Getenv("KESTREL_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
	if v := os.Getenv("KESTREL_S3_BUCKET"); v != "" {
		cfg.Archive.S3.Bucket = v
	}
	if v := os.Getenv("KESTREL_S3_REGION"); v != "" {
		cfg.Archive.S3.Region = v
	}
	if v := os.Getenv("KESTREL_S3_ENDPOINT"); v != "" {
		cfg.Archive.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Persistence.JournalDir,
	}
	if c.Archive.Enabled && c.Archive.Type == "local" {
		dirs = append(dirs, c.Archive.Path)
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
