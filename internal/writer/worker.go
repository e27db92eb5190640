package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	workerRunning int32 = iota
	workerStopping
	workerStopped
)

// Worker takes batches off the shared queue and writes them one at a time.
type Worker struct {
	id          int
	queue       <-chan *WriteBatch
	stop        <-chan struct{}
	state       atomic.Int32
	client      Client
	initializer *ResourceInitializer
	maxRetry    time.Duration
	pollTimeout time.Duration
	clock       clockwork.Clock
	logger      *slog.Logger

	// Shared with the pool.
	metrics  *InsertionMetrics
	inFlight *atomic.Int64
	pending  *atomic.Int64
}

func (w *Worker) Run(ctx context.Context) {
	defer w.state.Store(workerStopped)
	w.logger.Debug("worker started")

	for w.state.Load() == workerRunning {
		batch, ok := w.poll()
		if !ok {
			continue
		}
		w.process(ctx, batch)
	}
	w.logger.Debug("worker stopped")
}

// Stop asks the worker to exit after its current batch. It does not wait.
func (w *Worker) Stop() {
	w.state.CompareAndSwap(workerRunning, workerStopping)
}

func (w *Worker) Stopped() bool {
	return w.state.Load() == workerStopped
}

func (w *Worker) poll() (*WriteBatch, bool) {
	timer := time.NewTimer(w.pollTimeout)
	defer timer.Stop()

	select {
	case batch := <-w.queue:
		return batch, batch != nil
	case <-w.stop:
		return nil, false
	case <-timer.C:
		return nil, false
	}
}

func (w *Worker) process(ctx context.Context, batch *WriteBatch) {
	w.inFlight.Add(1)
	defer func() {
		w.inFlight.Add(-1)
		w.pending.Add(-1)
	}()

	dequeuedAt := w.clock.Now()
	for {
		m, retry := w.attempt(ctx, batch)
		if !retry {
			m.RecordLatency(w.clock.Since(dequeuedAt))
			w.metrics.Accumulate(m)
			return
		}

		age := w.clock.Since(dequeuedAt)
		if age > w.maxRetry {
			w.logger.Error("dropping batch after retry budget",
				"age", age,
				"max_retry_duration", w.maxRetry,
				"batch", batch)
			m.Add(RecordsDrop, int64(batch.Len()))
			m.Add(WritesDrop, 1)
			m.RecordLatency(age)
			w.metrics.Accumulate(m)
			return
		}
		w.metrics.Accumulate(m)
	}
}

// attempt performs one write and reports its metrics and whether the batch
// should be tried again. A panic anywhere in the write or its classification
// counts as an unknown error and is retried.
func (w *Worker) attempt(ctx context.Context, batch *WriteBatch) (m *InsertionMetrics, retry bool) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("write attempt panicked", "batch_id", batch.ID(), "panic", fmt.Sprint(p))
			m = NewInsertionMetrics()
			m.Add(WritesErrorAll, 1)
			m.Add(NonSDKRetries, 1)
			retry = true
		}
	}()

	m = NewInsertionMetrics()
	size := int64(batch.Len())

	err := w.client.Write(ctx, batch)
	var rejected *RejectedRecordsError
	switch {
	case err == nil:
		m.Add(WritesSuccess, 1)
		m.Add(RecordsSuccess, size)
		return m, false

	case errors.As(err, &rejected) && rejected != nil:
		n := min(int64(len(rejected.Records)), size)
		m.Add(WritesSuccess, 1)
		m.Add(RecordsSuccess, size-n)
		m.Add(RecordsRejectAll, n)
		for _, r := range rejected.Records {
			if isStaleVersion(r.Reason) {
				m.Add(RecordsRejectInvalidVersion, 1)
			}
			if r.Index >= 0 && r.Index < batch.Len() {
				w.logger.Warn("record rejected",
					"batch_id", batch.ID(),
					"index", r.Index,
					"reason", r.Reason,
					"record", batch.Record(r.Index))
			} else {
				w.logger.Warn("record rejected", "batch_id", batch.ID(), "index", r.Index, "reason", r.Reason)
			}
		}
		return m, false

	case errors.Is(err, ErrValidation):
		w.logger.Warn("batch rejected by validation", "error", err, "batch", batch)
		m.Add(WritesErrorAll, 1)
		m.Add(RecordsRejectAll, size)
		m.Add(RecordsRejectValidation, size)
		return m, false

	case errors.Is(err, ErrResourceNotFound):
		w.logger.Warn("table not found", "database", batch.Database(), "table", batch.Table(), "error", err)
		m.Add(WritesErrorAll, 1)
		m.Add(WritesResourceNotFound, 1)
		m.Add(NonSDKRetries, 1)
		if w.initializer != nil {
			w.initializer.Initialize(ctx, batch.Database(), batch.Table())
		}
		return m, true

	case errors.Is(err, ErrThrottled):
		w.logger.Debug("write throttled", "batch_id", batch.ID(), "error", err)
		m.Add(WritesErrorAll, 1)
		m.Add(WritesErrorThrottling, 1)
		m.Add(NonSDKRetries, 1)
		return m, true

	case errors.Is(err, ErrInternalServer):
		w.logger.Warn("internal server error", "batch_id", batch.ID(), "error", err)
		m.Add(WritesErrorAll, 1)
		m.Add(WritesErrorInternalServer, 1)
		m.Add(NonSDKRetries, 1)
		return m, true

	default:
		w.logger.Error("unknown write error", "batch_id", batch.ID(), "error", err)
		m.Add(WritesErrorAll, 1)
		m.Add(NonSDKRetries, 1)
		return m, true
	}
}
