package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/jonboulle/clockwork"

	"github.com/kon-rad/tswriter/internal/writer"
)

var errQueueFull = errors.New("writer queue is full")

type Submitter interface {
	Submit(batch *writer.WriteBatch) (bool, error)
	IsWriteApproximatelyComplete() bool
}

type BatcherConfig struct {
	BatchSize   int
	FlushWindow time.Duration
	// RetryDelay is the wait before offering a batch again to a full queue.
	RetryDelay time.Duration
	// MaxSubmitAttempts bounds how often a batch is offered. Zero means no bound.
	MaxSubmitAttempts uint
	Clock             clockwork.Clock
}

// Batcher groups rows into write batches and hands them to the writer,
// waiting while its queue is full.
type Batcher struct {
	logger    *slog.Logger
	submitter Submitter
	mapper    Mapper
	cfg       BatcherConfig

	rows    atomic.Int64
	skipped atomic.Int64
	batches atomic.Int64
}

type Stats struct {
	Rows    int64
	Skipped int64
	Batches int64
}

func NewBatcher(logger *slog.Logger, submitter Submitter, mapper Mapper, cfg BatcherConfig) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = BatchSize
	}
	if cfg.FlushWindow <= 0 {
		cfg.FlushWindow = FlushWindow
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxSubmitAttempts == 0 {
		cfg.MaxSubmitAttempts = math.MaxUint32
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Batcher{
		logger:    logger,
		submitter: submitter,
		mapper:    mapper,
		cfg:       cfg,
	}
}

func (b *Batcher) Stats() Stats {
	return Stats{
		Rows:    b.rows.Load(),
		Skipped: b.skipped.Load(),
		Batches: b.batches.Load(),
	}
}

// Run consumes rows until the channel is closed, flushing a batch when it is
// full or when FlushWindow passes without one filling up.
func (b *Batcher) Run(ctx context.Context, rows <-chan Row) error {
	ticker := time.NewTicker(b.cfg.FlushWindow)
	defer ticker.Stop()

	buffer := make([]Row, 0, b.cfg.BatchSize)
	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		err := b.flush(ctx, buffer)
		buffer = buffer[:0]
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case row, ok := <-rows:
			if !ok {
				return flush()
			}
			b.rows.Add(1)
			buffer = append(buffer, row)
			if len(buffer) >= b.cfg.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

func (b *Batcher) flush(ctx context.Context, rows []Row) error {
	now := b.cfg.Clock.Now()
	records := make([]writer.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := b.mapper.Record(row, now)
		if err != nil {
			b.skipped.Add(1)
			b.logger.Warn("skipping csv row", "error", err, "hostname", row.Hostname, "measure_name", row.MeasureName)
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil
	}

	batch := writer.NewWriteBatch(b.mapper.Database, b.mapper.Table, records)
	if err := b.submit(ctx, batch); err != nil {
		return fmt.Errorf("submit batch %s: %w", batch.ID(), err)
	}
	b.batches.Add(1)
	return nil
}

func (b *Batcher) submit(ctx context.Context, batch *writer.WriteBatch) error {
	return retry.Do(
		func() error {
			ok, err := b.submitter.Submit(batch)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if !ok {
				return errQueueFull
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(b.cfg.MaxSubmitAttempts),
		retry.Delay(b.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("writer queue is full, retrying", "attempt", n+1, "delay", b.cfg.RetryDelay)
		}),
	)
}
