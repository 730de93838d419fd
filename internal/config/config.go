// Package config provides the configuration for partadvisor.
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

	"github.com/arkilian/partadvisor/internal/engine"
	"github.com/arkilian/partadvisor/internal/partition"
	"github.com/arkilian/partadvisor/internal/querylog"
)

// EnvPrefix is the prefix of every environment variable read by LoadFromEnv.
const EnvPrefix = "PARTADVISOR_"

// Mode represents how the binary runs.
type Mode string

const (
	// ModeRun executes one recommendation pass and exits.
	ModeRun Mode = "run"

	// ModeServe starts the HTTP/gRPC service and an optional periodic run loop.
	ModeServe Mode = "serve"
)

// Config holds the complete partadvisor configuration.
type Config struct {
	// Mode is run or serve
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for local state
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Table is the table to analyse, e.g. hive.analytics.page_views
	Table string `json:"table" yaml:"table"`

	// Verbose enables debug logging
	Verbose bool `json:"verbose" yaml:"verbose"`

	Logs        querylog.Config   `json:"logs" yaml:"logs"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Engine      engine.Config     `json:"engine" yaml:"engine"`
	Cardinality CardinalityConfig `json:"cardinality" yaml:"cardinality"`
	Partition   partition.Config  `json:"partition" yaml:"partition"`
	Apply       ApplyConfig       `json:"apply" yaml:"apply"`
	History     HistoryConfig     `json:"history" yaml:"history"`
	Reports     ReportsConfig     `json:"reports" yaml:"reports"`
	HTTP        HTTPConfig        `json:"http" yaml:"http"`
	GRPC        GRPCConfig        `json:"grpc" yaml:"grpc"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
	Schedule    ScheduleConfig    `json:"schedule" yaml:"schedule"`
}

// StorageConfig selects where query logs and reports live.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage root (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle addresses buckets by path, as MinIO needs
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`

	// MaxRetries bounds retries of a single request
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// CardinalityConfig controls cardinality lookups.
type CardinalityConfig struct {
	// Concurrency is the number of lookups in flight
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// Timeout bounds a single lookup
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// RatePerSec caps lookups started per second (0 = unlimited)
	RatePerSec float64 `json:"rate_per_sec" yaml:"rate_per_sec"`
}

// ApplyConfig controls DDL application.
type ApplyConfig struct {
	// Enabled issues the partition DDL after a recommendation
	Enabled bool `json:"enabled" yaml:"enabled"`

	// DryRun logs the statements instead of executing them
	DryRun bool `json:"dry_run" yaml:"dry_run"`

	// Optimize rewrites the table after a successful apply
	Optimize bool `json:"optimize" yaml:"optimize"`
}

// HistoryConfig controls the run history database.
type HistoryConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Path of the SQLite file (default <data_dir>/history.db)
	Path string `json:"path" yaml:"path"`
}

// ReportsConfig controls where run reports are written.
type ReportsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Prefix is the object-storage prefix for reports
	Prefix string `json:"prefix" yaml:"prefix"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// MaxBodyBytes bounds request bodies
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// MetricsConfig controls metrics export.
type MetricsConfig struct {
	// PushgatewayURL receives metrics at the end of a run-mode pass
	PushgatewayURL string `json:"pushgateway_url" yaml:"pushgateway_url"`

	// Job is the pushgateway job name
	Job string `json:"job" yaml:"job"`
}

// ScheduleConfig controls the periodic run loop in serve mode.
type ScheduleConfig struct {
	// Interval between runs; zero disables the loop
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeRun,
		DataDir: "./data/partadvisor",
		Logs:    querylog.DefaultConfig(),
		Storage: StorageConfig{
			Type: "local",
			S3: S3Config{
				MaxRetries: 3,
			},
		},
		Engine: engine.DefaultConfig(),
		Cardinality: CardinalityConfig{
			Concurrency: 4,
			Timeout:     30 * time.Second,
		},
		Partition: partition.DefaultConfig(),
		Apply: ApplyConfig{
			Optimize: true,
		},
		History: HistoryConfig{
			Enabled: true,
		},
		Reports: ReportsConfig{
			Prefix: "reports",
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  120 * time.Second,
			MaxBodyBytes: 32 << 20,
		},
		GRPC: GRPCConfig{
			Addr: ":9090",
		},
		Metrics: MetricsConfig{
			Job: "partadvisor",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/partadvisor"
	}

	// Resolve storage path
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}

	// Resolve history path
	if c.History.Path == "" {
		c.History.Path = filepath.Join(c.DataDir, "history.db")
	}

	if c.Metrics.Job == "" {
		c.Metrics.Job = "partadvisor"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeRun, ModeServe:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be run or serve)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Mode == ModeRun && c.Table == "" {
		return fmt.Errorf("table is required in run mode")
	}
	if c.Table != "" {
		if _, err := engine.ParseTable(c.Table); err != nil {
			return err
		}
	}
	if c.Mode == ModeServe && c.Schedule.Interval > 0 && c.Table == "" {
		return fmt.Errorf("table is required when schedule.interval is set")
	}
	if c.Schedule.Interval < 0 {
		return fmt.Errorf("schedule.interval must be >= 0, got %s", c.Schedule.Interval)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if err := c.Engine.Validate(); err != nil {
		return err
	}

	if err := c.Partition.Validate(); err != nil {
		return fmt.Errorf("partition: %w", err)
	}

	if c.Cardinality.Concurrency < 1 {
		return fmt.Errorf("cardinality.concurrency must be >= 1, got %d", c.Cardinality.Concurrency)
	}
	if c.Cardinality.Timeout <= 0 {
		return fmt.Errorf("cardinality.timeout must be > 0, got %s", c.Cardinality.Timeout)
	}
	if c.Cardinality.RatePerSec < 0 {
		return fmt.Errorf("cardinality.rate_per_sec must be >= 0, got %g", c.Cardinality.RatePerSec)
	}

	if c.Apply.Enabled && !c.Apply.DryRun && !c.Engine.Enabled() {
		return fmt.Errorf("apply.enabled requires engine.dialect (or apply.dry_run)")
	}

	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_bytes must be > 0, got %d", c.HTTP.MaxBodyBytes)
	}

	return nil
}

// ShouldServe returns true if the HTTP service should run.
func (c *Config) ShouldServe() bool {
	return c.Mode == ModeServe
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
// Environment variables use the PARTADVISOR_ prefix. Unparseable values are
// reported together; valid ones are still applied.
func LoadFromEnv(cfg *Config) error {
	e := envReader{}

	e.str("MODE", (*string)(&cfg.Mode))
	e.str("DATA_DIR", &cfg.DataDir)
	e.str("TABLE", &cfg.Table)
	e.boolean("VERBOSE", &cfg.Verbose)

	// Query logs
	e.str("LOGS_PREFIX", &cfg.Logs.Prefix)
	e.list("LOGS_KEYS", &cfg.Logs.Keys)
	e.str("LOGS_SQL_FIELD", &cfg.Logs.SQLField)
	e.str("LOGS_STATE_FIELD", &cfg.Logs.StateField)
	e.list("LOGS_ACCEPTED_STATES", &cfg.Logs.AcceptedStates)
	e.integer("LOGS_MAX_LINE_BYTES", &cfg.Logs.MaxLineBytes)

	// Storage configuration
	e.str("STORAGE_TYPE", &cfg.Storage.Type)
	e.str("STORAGE_PATH", &cfg.Storage.Path)
	e.str("S3_BUCKET", &cfg.Storage.S3.Bucket)
	e.str("S3_REGION", &cfg.Storage.S3.Region)
	e.str("S3_ENDPOINT", &cfg.Storage.S3.Endpoint)
	e.boolean("S3_USE_PATH_STYLE", &cfg.Storage.S3.UsePathStyle)
	e.integer("S3_MAX_RETRIES", &cfg.Storage.S3.MaxRetries)

	// Engine configuration
	e.str("ENGINE_DIALECT", &cfg.Engine.Dialect)
	e.str("ENGINE_DSN", &cfg.Engine.DSN)
	e.integer("ENGINE_MAX_OPEN_CONNS", &cfg.Engine.MaxOpenConns)
	e.duration("ENGINE_QUERY_TIMEOUT", &cfg.Engine.QueryTimeout)

	// Cardinality configuration
	e.integer("CARDINALITY_CONCURRENCY", &cfg.Cardinality.Concurrency)
	e.duration("CARDINALITY_TIMEOUT", &cfg.Cardinality.Timeout)
	e.float("CARDINALITY_RATE_PER_SEC", &cfg.Cardinality.RatePerSec)

	// Partition configuration
	e.int64("USAGE_THRESHOLD", &cfg.Partition.UsageThreshold)
	e.float("USAGE_RATE_PER_1K", &cfg.Partition.UsageRatePer1K)
	e.int64("HIGH_CARDINALITY_THRESHOLD", &cfg.Partition.HighCardinalityThreshold)
	e.int64("LOW_CARDINALITY_THRESHOLD", &cfg.Partition.LowCardinalityThreshold)
	e.integer("BUCKET_COUNT", &cfg.Partition.BucketCount)
	e.str("ORDER", (*string)(&cfg.Partition.Order))

	// Apply configuration
	e.boolean("APPLY", &cfg.Apply.Enabled)
	e.boolean("APPLY_DRY_RUN", &cfg.Apply.DryRun)
	e.boolean("APPLY_OPTIMIZE", &cfg.Apply.Optimize)

	// History and reports
	e.boolean("HISTORY_ENABLED", &cfg.History.Enabled)
	e.str("HISTORY_PATH", &cfg.History.Path)
	e.boolean("REPORTS_ENABLED", &cfg.Reports.Enabled)
	e.str("REPORTS_PREFIX", &cfg.Reports.Prefix)

	// HTTP and gRPC configuration
	e.str("HTTP_ADDR", &cfg.HTTP.Addr)
	e.str("GRPC_ADDR", &cfg.GRPC.Addr)
	e.boolean("GRPC_ENABLED", &cfg.GRPC.Enabled)

	// Metrics and schedule
	e.str("PUSHGATEWAY_URL", &cfg.Metrics.PushgatewayURL)
	e.duration("SCHEDULE_INTERVAL", &cfg.Schedule.Interval)

	if len(e.errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(e.errs, "; "))
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}
	if c.History.Enabled {
		dirs = append(dirs, filepath.Dir(c.History.Path))
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

type envReader struct {
	errs []string
}

func (e *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) fail(name, v string, err error) {
	e.errs = append(e.errs, fmt.Sprintf("%s%s=%q: %v", EnvPrefix, name, v, err))
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) list(name string, dst *[]string) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *envReader) boolean(name string, dst *bool) {
	if v, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) integer(name string, dst *int) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(name string, dst *int64) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(name string, dst *float64) {
	if v, ok := e.lookup(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if v, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = d
	}
}
