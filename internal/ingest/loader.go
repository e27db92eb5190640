package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// A pool is treated as idle only after this many consecutive idle checks.
	CompletionChecks   = 10
	CompletionCheckGap = 10 * time.Millisecond
	CompletionPoll     = time.Second
)

// Loader streams one input file through a Batcher into the writer.
type Loader struct {
	logger  *slog.Logger
	objects ObjectGetter
	batcher *Batcher
}

func NewLoader(logger *slog.Logger, objects ObjectGetter, batcher *Batcher) *Loader {
	return &Loader{logger: logger, objects: objects, batcher: batcher}
}

// Load reads input to the end and returns once every batch has been
// accepted by the writer. It does not wait for the writes themselves.
func (l *Loader) Load(ctx context.Context, input string) (Stats, error) {
	started := time.Now()
	rc, err := Open(ctx, input, l.objects)
	if err != nil {
		return Stats{}, err
	}
	defer rc.Close()

	rows := make(chan Row, RowBuffer)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(rows)
		return ReadRows(gctx, rc, rows)
	})
	g.Go(func() error {
		return l.batcher.Run(gctx, rows)
	})
	err = g.Wait()

	stats := l.batcher.Stats()
	if err != nil {
		return stats, fmt.Errorf("load %s: %w", input, err)
	}
	l.logger.Info("input submitted",
		"input", input,
		"rows", stats.Rows,
		"skipped", stats.Skipped,
		"batches", stats.Batches,
		"elapsed", time.Since(started))
	return stats, nil
}

// WaitForWrites blocks until the writer has been idle for CompletionChecks
// consecutive checks, polling every interval.
func WaitForWrites(ctx context.Context, s Submitter, interval time.Duration) error {
	for {
		if idle(ctx, s) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func idle(ctx context.Context, s Submitter) bool {
	for i := 0; i < CompletionChecks; i++ {
		if !s.IsWriteApproximatelyComplete() {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(CompletionCheckGap):
		}
	}
	return true
}
