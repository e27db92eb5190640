package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultPollTimeout   = time.Second
	DefaultDrainInterval = time.Second
)

// Client performs one synchronous write call. It must be safe for concurrent use.
type Client interface {
	Write(ctx context.Context, batch *WriteBatch) error
}

type ClientFunc func(ctx context.Context, batch *WriteBatch) error

func (f ClientFunc) Write(ctx context.Context, batch *WriteBatch) error {
	return f(ctx, batch)
}

// TableCreator creates a destination table. It returns ErrConflict when the
// table already exists.
type TableCreator interface {
	CreateTable(ctx context.Context, database, table string, retention RetentionPolicy) error
}

type RetentionPolicy struct {
	MemoryStoreHours  int64
	MagneticStoreDays int64
}

type Config struct {
	QueueCapacity int
	Workers       int
	// MaxRetryDuration bounds how long a batch keeps being retried after it
	// leaves the queue, on top of whatever the client retries itself. Zero
	// means a single attempt.
	MaxRetryDuration time.Duration

	Client       Client
	TableCreator TableCreator
	// CreateTable enables lazy table creation on ErrResourceNotFound.
	CreateTable *RetentionPolicy

	PollTimeout   time.Duration
	DrainInterval time.Duration
	Logger        *slog.Logger
	Clock         clockwork.Clock
}

func (c Config) Validate() error {
	var errs []error
	if c.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("queue capacity (%d) must be >= 1", c.QueueCapacity))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("worker count (%d) must be >= 1", c.Workers))
	}
	if c.MaxRetryDuration < 0 {
		errs = append(errs, fmt.Errorf("max retry duration (%s) must be >= 0", c.MaxRetryDuration))
	}
	if c.Client == nil {
		errs = append(errs, errors.New("client is required"))
	}
	if c.CreateTable != nil {
		if c.CreateTable.MemoryStoreHours < 1 {
			errs = append(errs, fmt.Errorf("memory retention period (%d) must be >= 1", c.CreateTable.MemoryStoreHours))
		}
		if c.CreateTable.MagneticStoreDays < 1 {
			errs = append(errs, fmt.Errorf("magnetic retention period (%d) must be >= 1", c.CreateTable.MagneticStoreDays))
		}
		if c.TableCreator == nil {
			errs = append(errs, errors.New("table creator is required when table creation is enabled"))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) setDefaults() {
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}
