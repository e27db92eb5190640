package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	stateStarted int32 = iota + 1
	stateShuttingDown
)

// Pool is a bounded queue of write batches served by a fixed set of workers.
// Producers call Submit; whoever owns the pool calls Shutdown exactly once at
// the end, though extra calls are harmless.
type Pool struct {
	cfg     Config
	logger  *slog.Logger
	queue   chan *WriteBatch
	stop    chan struct{}
	done    chan struct{}
	workers []*Worker
	wg      sync.WaitGroup

	state atomic.Int32
	// submitMu orders Submit's state check and offer against the state flip
	// in Shutdown. It is never held across a write.
	submitMu sync.RWMutex

	// pending counts batches accepted by Submit and not yet fully processed.
	pending  atomic.Int64
	inFlight atomic.Int64
	metrics  InsertionMetrics
}

func New(cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid writer config: %w", err)
	}
	cfg.setDefaults()

	p := &Pool{
		cfg:    cfg,
		logger: cfg.Logger,
		queue:  make(chan *WriteBatch, cfg.QueueCapacity),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	initializer := NewResourceInitializer(cfg.CreateTable, cfg.TableCreator, cfg.Logger)
	p.workers = make([]*Worker, cfg.Workers)
	for i := range p.workers {
		p.workers[i] = &Worker{
			id:          i,
			queue:       p.queue,
			stop:        p.stop,
			client:      cfg.Client,
			initializer: initializer,
			maxRetry:    cfg.MaxRetryDuration,
			pollTimeout: cfg.PollTimeout,
			clock:       cfg.Clock,
			logger:      cfg.Logger.With("worker", i),
			metrics:     &p.metrics,
			inFlight:    &p.inFlight,
			pending:     &p.pending,
		}
	}

	p.state.Store(stateStarted)
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(context.Background())
		}(w)
	}

	p.logger.Info("writer started",
		"workers", cfg.Workers,
		"queue_capacity", cfg.QueueCapacity,
		"max_retry_duration", cfg.MaxRetryDuration,
		"create_table", cfg.CreateTable != nil)
	return p, nil
}

// Submit offers the batch to the queue without blocking. It returns false
// when the queue is full and ErrShuttingDown once Shutdown has been called.
func (p *Pool) Submit(batch *WriteBatch) (bool, error) {
	if batch == nil {
		return false, errors.New("nil batch")
	}

	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if p.state.Load() != stateStarted {
		return false, ErrShuttingDown
	}

	p.pending.Add(1)
	select {
	case p.queue <- batch:
		return true, nil
	default:
		p.pending.Add(-1)
		return false, nil
	}
}

// Shutdown stops accepting batches, waits for every accepted batch to be
// written, dropped or rejected, then stops the workers. It blocks until done.
func (p *Pool) Shutdown() {
	p.submitMu.Lock()
	first := p.state.CompareAndSwap(stateStarted, stateShuttingDown)
	p.submitMu.Unlock()

	if !first {
		<-p.done
		return
	}
	defer close(p.done)

	p.logger.Info("shutting down writer", "queue_size", p.QueueSize(), "writes_in_flight", p.WritesInFlight())
	started := time.Now()

	ticker := time.NewTicker(p.cfg.DrainInterval)
	defer ticker.Stop()
	for p.pending.Load() > 0 {
		<-ticker.C
		p.logger.Info("waiting for queued writes",
			"queue_size", p.QueueSize(),
			"writes_in_flight", p.WritesInFlight())
	}

	for _, w := range p.workers {
		w.Stop()
	}
	close(p.stop)
	p.wg.Wait()

	p.logger.Info("writer shut down", "elapsed", time.Since(started))
}

func (p *Pool) QueueSize() int {
	return len(p.queue)
}

func (p *Pool) WritesInFlight() int {
	return int(p.inFlight.Load())
}

// IsWriteApproximatelyComplete reports whether nothing is queued or in flight.
// The two reads are not atomic together, so callers should confirm it over
// several checks.
func (p *Pool) IsWriteApproximatelyComplete() bool {
	return p.QueueSize() == 0 && p.WritesInFlight() == 0
}

func (p *Pool) GetAndClearMetrics() WriterMetrics {
	return WriterMetrics{
		Insertion:      p.metrics.GetAndClear(),
		QueueSize:      p.QueueSize(),
		WritesInFlight: p.WritesInFlight(),
	}
}
