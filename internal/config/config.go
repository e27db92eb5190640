package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sethvargo/go-envconfig"
)

const (
	SinkTimestream = "timestream"
	SinkSQLite     = "sqlite"
	SinkRelay      = "relay"
)

type Config struct {
	Port     string `env:"TSW_PORT,default=9090"`
	LogLevel string `env:"TSW_LOG_LEVEL,default=info"`

	QueueCapacity    int           `env:"TSW_QUEUE_CAPACITY,default=1000"`
	Workers          int           `env:"TSW_WORKERS,default=32"`
	MaxRetryDuration time.Duration `env:"TSW_MAX_RETRY_DURATION,default=1m"`
	MetricsInterval  time.Duration `env:"TSW_METRICS_INTERVAL,default=30s"`

	CreateTable           bool  `env:"TSW_CREATE_TABLE,default=true"`
	MemoryRetentionHours  int64 `env:"TSW_MEMORY_RETENTION_HOURS,default=24"`
	MagneticRetentionDays int64 `env:"TSW_MAGNETIC_RETENTION_DAYS,default=7"`

	Sink           string        `env:"TSW_SINK,default=sqlite"`
	Region         string        `env:"TSW_REGION,default=us-east-1"`
	Endpoint       string        `env:"TSW_ENDPOINT"`
	MaxConnections int           `env:"TSW_MAX_CONNECTIONS,default=5000"`
	CallTimeout    time.Duration `env:"TSW_CALL_TIMEOUT,default=20s"`
	SDKMaxAttempts int           `env:"TSW_SDK_MAX_ATTEMPTS,default=10"`
	RelayEndpoint  string        `env:"TSW_RELAY_ENDPOINT"`

	DBPath                string        `env:"TSW_DB_PATH,default=/data/tswriter.db"`
	CleanupInterval       time.Duration `env:"TSW_CLEANUP_INTERVAL,default=5m"`
	WALCheckpointInterval time.Duration `env:"TSW_WAL_CHECKPOINT_INTERVAL,default=10m"`
	WALRestartThresholdB  int64         `env:"TSW_WAL_RESTART_THRESHOLD_BYTES,default=52428800"`

	Database         string        `env:"TSW_DATABASE,default=devops"`
	Table            string        `env:"TSW_TABLE,default=host_metrics"`
	Input            string        `env:"TSW_INPUT"`
	S3Region         string        `env:"TSW_S3_REGION"`
	SubmitRetryDelay time.Duration `env:"TSW_SUBMIT_RETRY_DELAY,default=1s"`
	ShiftToNow       bool          `env:"TSW_SHIFT_TO_NOW,default=true"`
	ExitAfterIngest  bool          `env:"TSW_EXIT_AFTER_INGEST,default=false"`
}

func Load(ctx context.Context) (*Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom reads the configuration from l and validates it.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("TSW_QUEUE_CAPACITY must be at least 1, got %d", c.QueueCapacity))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("TSW_WORKERS must be at least 1, got %d", c.Workers))
	}
	if c.MaxRetryDuration < 0 {
		errs = append(errs, fmt.Errorf("TSW_MAX_RETRY_DURATION must not be negative, got %s", c.MaxRetryDuration))
	}
	if c.MetricsInterval <= 0 {
		errs = append(errs, fmt.Errorf("TSW_METRICS_INTERVAL must be positive, got %s", c.MetricsInterval))
	}
	if c.CreateTable {
		if c.MemoryRetentionHours < 1 {
			errs = append(errs, fmt.Errorf("TSW_MEMORY_RETENTION_HOURS must be at least 1, got %d", c.MemoryRetentionHours))
		}
		if c.MagneticRetentionDays < 1 {
			errs = append(errs, fmt.Errorf("TSW_MAGNETIC_RETENTION_DAYS must be at least 1, got %d", c.MagneticRetentionDays))
		}
	}
	switch c.Sink {
	case SinkTimestream:
		if c.Region == "" {
			errs = append(errs, errors.New("TSW_REGION is required for the timestream sink"))
		}
	case SinkSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("TSW_DB_PATH is required for the sqlite sink"))
		}
		if c.CleanupInterval <= 0 || c.WALCheckpointInterval <= 0 {
			errs = append(errs, errors.New("TSW_CLEANUP_INTERVAL and TSW_WAL_CHECKPOINT_INTERVAL must be positive"))
		}
	case SinkRelay:
		if c.RelayEndpoint == "" {
			errs = append(errs, errors.New("TSW_RELAY_ENDPOINT is required for the relay sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("TSW_SINK must be one of %q, %q or %q, got %q", SinkSQLite, SinkTimestream, SinkRelay, c.Sink))
	}
	if c.Input != "" && (c.Database == "" || c.Table == "") {
		errs = append(errs, errors.New("TSW_DATABASE and TSW_TABLE are required with TSW_INPUT"))
	}
	return errors.Join(errs...)
}

func WriteHelp(w io.Writer, version string) {
	fmt.Fprintf(w, "tswriter %s\n\n", version)
	fmt.Fprintln(w, "Environment variables:")
	fmt.Fprintln(w, "  TSW_PORT=9090")
	fmt.Fprintln(w, "  TSW_LOG_LEVEL=info")
	fmt.Fprintln(w, "  TSW_QUEUE_CAPACITY=1000")
	fmt.Fprintln(w, "  TSW_WORKERS=32")
	fmt.Fprintln(w, "  TSW_MAX_RETRY_DURATION=1m")
	fmt.Fprintln(w, "  TSW_METRICS_INTERVAL=30s")
	fmt.Fprintln(w, "  TSW_CREATE_TABLE=true")
	fmt.Fprintln(w, "  TSW_MEMORY_RETENTION_HOURS=24")
	fmt.Fprintln(w, "  TSW_MAGNETIC_RETENTION_DAYS=7")
	fmt.Fprintln(w, "  TSW_SINK=sqlite            (sqlite|timestream|relay)")
	fmt.Fprintln(w, "  TSW_REGION=us-east-1")
	fmt.Fprintln(w, "  TSW_ENDPOINT=")
	fmt.Fprintln(w, "  TSW_MAX_CONNECTIONS=5000")
	fmt.Fprintln(w, "  TSW_CALL_TIMEOUT=20s")
	fmt.Fprintln(w, "  TSW_SDK_MAX_ATTEMPTS=10")
	fmt.Fprintln(w, "  TSW_RELAY_ENDPOINT=        (http://host:9090/v1/batches)")
	fmt.Fprintln(w, "  TSW_DB_PATH=/data/tswriter.db")
	fmt.Fprintln(w, "  TSW_CLEANUP_INTERVAL=5m")
	fmt.Fprintln(w, "  TSW_WAL_CHECKPOINT_INTERVAL=10m")
	fmt.Fprintln(w, "  TSW_WAL_RESTART_THRESHOLD_BYTES=52428800")
	fmt.Fprintln(w, "  TSW_DATABASE=devops")
	fmt.Fprintln(w, "  TSW_TABLE=host_metrics")
	fmt.Fprintln(w, "  TSW_INPUT=                 (local path or s3://bucket/key)")
	fmt.Fprintln(w, "  TSW_S3_REGION=")
	fmt.Fprintln(w, "  TSW_SUBMIT_RETRY_DELAY=1s")
	fmt.Fprintln(w, "  TSW_SHIFT_TO_NOW=true")
	fmt.Fprintln(w, "  TSW_EXIT_AFTER_INGEST=false")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  --help")
	fmt.Fprintln(w, "  --version")
}
