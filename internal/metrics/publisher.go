package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kon-rad/tswriter/internal/writer"
)

type Source interface {
	GetAndClearMetrics() writer.WriterMetrics
}

// Publisher periodically drains the writer's metrics, keeps a lifetime total
// and logs both.
type Publisher struct {
	source   Source
	interval time.Duration
	logger   *slog.Logger
	exporter *Exporter
	process  processSampler

	mu    sync.Mutex
	total *writer.InsertionMetrics
}

func NewPublisher(source Source, interval time.Duration, logger *slog.Logger, exporter *Exporter) *Publisher {
	return &Publisher{
		source:   source,
		interval: interval,
		logger:   logger,
		exporter: exporter,
		total:    writer.NewInsertionMetrics(),
	}
}

func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			snapshot := p.Now()
			stats := p.process.sample(now)
			p.exporter.ObserveProcess(stats)
			p.logger.Info("writer metrics",
				"interval", p.interval,
				"last", snapshot,
				"total", p.Total(),
				"process", stats)
		}
	}
}

// Now drains the writer's counters, folds them into the lifetime total and
// returns the drained interval.
func (p *Publisher) Now() writer.WriterMetrics {
	snapshot := p.source.GetAndClearMetrics()
	if snapshot.Insertion == nil {
		snapshot.Insertion = writer.NewInsertionMetrics()
	}
	p.mu.Lock()
	p.total.Accumulate(snapshot.Insertion)
	p.mu.Unlock()
	p.exporter.Observe(snapshot)
	return snapshot
}

// Total returns a copy of everything observed since start or the last ClearTotal.
func (p *Publisher) Total() *writer.InsertionMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := writer.NewInsertionMetrics()
	out.Accumulate(p.total)
	return out
}

// ClearTotal resets the lifetime total and returns what it held. An interval
// folded in by a concurrent Now lands either in the returned value or in the
// new total.
func (p *Publisher) ClearTotal() *writer.InsertionMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total.GetAndClear()
}
