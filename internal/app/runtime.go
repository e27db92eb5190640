package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kon-rad/tswriter/internal/config"
	"github.com/kon-rad/tswriter/internal/db"
	"github.com/kon-rad/tswriter/internal/ingest"
	"github.com/kon-rad/tswriter/internal/metrics"
	"github.com/kon-rad/tswriter/internal/push"
	"github.com/kon-rad/tswriter/internal/server"
	"github.com/kon-rad/tswriter/internal/timestream"
	"github.com/kon-rad/tswriter/internal/writer"
)

type Runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	version    string
	startedAt  time.Time
	dbm        *db.Manager
	pool       *writer.Pool
	publisher  *metrics.Publisher
	batches    *server.BatchHandlers
	httpServer *http.Server
	ingestDone chan error
	bgCancel   context.CancelFunc
	bgWG       sync.WaitGroup
}

func New(cfg *config.Config, logger *slog.Logger, version string) *Runtime {
	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		version:   version,
		startedAt: time.Now(),
	}
}

// Run starts the writer, its HTTP surface and the optional file ingestion,
// and blocks until ctx is cancelled or ingestion finishes with
// TSW_EXIT_AFTER_INGEST set.
func (r *Runtime) Run(ctx context.Context) error {
	client, creator, err := r.openSink(ctx)
	if err != nil {
		return err
	}

	wcfg := writer.Config{
		QueueCapacity:    r.cfg.QueueCapacity,
		Workers:          r.cfg.Workers,
		MaxRetryDuration: r.cfg.MaxRetryDuration,
		Client:           client,
		TableCreator:     creator,
		Logger:           r.logger,
	}
	if r.cfg.CreateTable && creator != nil {
		wcfg.CreateTable = &writer.RetentionPolicy{
			MemoryStoreHours:  r.cfg.MemoryRetentionHours,
			MagneticStoreDays: r.cfg.MagneticRetentionDays,
		}
	}
	pool, err := writer.New(wcfg)
	if err != nil {
		_ = r.closeStore()
		return fmt.Errorf("start writer: %w", err)
	}
	r.pool = pool
	r.logger.Info("sink ready", "sink", r.cfg.Sink)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	exporter, err := metrics.NewExporter(reg)
	if err != nil {
		return errors.Join(fmt.Errorf("register metrics: %w", err), r.shutdown(context.Background()))
	}
	r.publisher = metrics.NewPublisher(pool, r.cfg.MetricsInterval, r.logger, exporter)

	var store server.StoreStats
	if r.dbm != nil {
		store = r.dbm
	}
	healthHandler := server.NewHealthHandler(store, r.startedAt, r.version, r.cfg.Sink, r)
	r.batches = server.NewBatchHandlers(pool, r.logger)
	r.httpServer = server.New(":"+r.cfg.Port, healthHandler, r.batches, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	bgCtx, bgCancel := context.WithCancel(context.Background())
	r.bgCancel = bgCancel
	r.startBackgroundLoops(bgCtx)

	serverErr := make(chan error, 1)
	go func() {
		r.logger.Info("Listening", "addr", ":"+r.cfg.Port)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	var ingestDone <-chan error
	if r.cfg.Input != "" {
		done := make(chan error, 1)
		r.ingestDone = done
		ingestDone = done
		go func() {
			done <- r.ingest(ctx)
		}()
	}

	for {
		select {
		case err := <-serverErr:
			shutdownErr := r.shutdown(context.Background())
			if err != nil {
				return errors.Join(fmt.Errorf("http server failed: %w", err), shutdownErr)
			}
			return shutdownErr
		case err := <-ingestDone:
			r.ingestDone = nil
			ingestDone = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("ingestion failed", "input", r.cfg.Input, "error", err)
			}
			if r.cfg.ExitAfterIngest {
				return errors.Join(err, r.shutdown(context.Background()))
			}
		case <-ctx.Done():
			r.logger.Info("SIGTERM received, shutting down...")
			return r.shutdown(context.Background())
		}
	}
}

func (r *Runtime) openSink(ctx context.Context) (writer.Client, writer.TableCreator, error) {
	switch r.cfg.Sink {
	case config.SinkRelay:
		// Tables are created by the receiving instance.
		r.logger.Info("Relaying batches", "endpoint", r.cfg.RelayEndpoint)
		return push.New(r.cfg.RelayEndpoint, r.cfg.CallTimeout, r.cfg.SDKMaxAttempts), nil, nil
	case config.SinkTimestream:
		client, err := timestream.Dial(ctx, timestream.Options{
			Region:         r.cfg.Region,
			Endpoint:       r.cfg.Endpoint,
			MaxConnections: r.cfg.MaxConnections,
			CallTimeout:    r.cfg.CallTimeout,
			MaxAttempts:    r.cfg.SDKMaxAttempts,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("dial timestream: %w", err)
		}
		r.logger.Info("Timestream client ready",
			"region", r.cfg.Region,
			"endpoint", r.cfg.Endpoint,
			"max_connections", r.cfg.MaxConnections,
			"call_timeout", r.cfg.CallTimeout,
			"sdk_max_attempts", r.cfg.SDKMaxAttempts,
		)
		return client, client, nil
	}

	dbm, err := db.Open(r.cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	r.dbm = dbm

	journalMode, busyTimeout, autoVacuum, err := dbm.Pragmas(ctx)
	if err != nil {
		_ = r.closeStore()
		return nil, nil, fmt.Errorf("query sqlite pragmas: %w", err)
	}
	r.logger.Info("SQLite opened",
		"path", r.cfg.DBPath,
		"journal_mode", journalMode,
		"busy_timeout", busyTimeout,
		"auto_vacuum", autoVacuum,
	)
	return dbm, dbm, nil
}

// ingest loads TSW_INPUT, waits for the writer to go idle and logs the
// metrics of the run.
func (r *Runtime) ingest(ctx context.Context) error {
	var objects ingest.ObjectGetter
	if strings.HasPrefix(r.cfg.Input, "s3://") {
		region := r.cfg.S3Region
		if region == "" {
			region = r.cfg.Region
		}
		client, err := ingest.NewS3Client(ctx, region)
		if err != nil {
			return err
		}
		objects = client
	}

	mapper := ingest.Mapper{Database: r.cfg.Database, Table: r.cfg.Table}
	if r.cfg.ShiftToNow {
		mapper.Reference = ingest.SampleMaxTimestamp
	}
	batcher := ingest.NewBatcher(r.logger, r.pool, mapper, ingest.BatcherConfig{
		RetryDelay: r.cfg.SubmitRetryDelay,
	})

	started := time.Now()
	stats, err := ingest.NewLoader(r.logger, objects, batcher).Load(ctx, r.cfg.Input)
	if err != nil {
		return err
	}
	if err := ingest.WaitForWrites(ctx, r.pool, ingest.CompletionPoll); err != nil {
		return fmt.Errorf("wait for writes: %w", err)
	}

	last := r.publisher.Now()
	r.logger.Info("ingestion complete",
		"input", r.cfg.Input,
		"rows", stats.Rows,
		"batches", stats.Batches,
		"elapsed", time.Since(started),
		"last", last,
		"total", r.publisher.ClearTotal())
	return nil
}

func (r *Runtime) Snapshot() server.RuntimeSnapshot {
	return server.RuntimeSnapshot{
		QueueSize:       r.pool.QueueSize(),
		WritesInFlight:  r.pool.WritesInFlight(),
		Idle:            r.pool.IsWriteApproximatelyComplete(),
		BatchesAccepted: r.batches.Accepted(),
		BatchesRejected: r.batches.Rejected(),
		Totals:          r.publisher.Total().Snapshot(),
	}
}

func (r *Runtime) shutdown(ctx context.Context) error {
	var joined error

	if r.httpServer != nil {
		httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(httpCtx); err != nil {
			joined = errors.Join(joined, fmt.Errorf("http shutdown: %w", err))
		}
	}

	if r.ingestDone != nil {
		select {
		case <-r.ingestDone:
		case <-time.After(5 * time.Second):
			joined = errors.Join(joined, errors.New("ingestion stop timeout"))
		}
		r.ingestDone = nil
	}

	if r.pool != nil {
		r.logger.Info("Draining writer", "queue_size", r.pool.QueueSize(), "writes_in_flight", r.pool.WritesInFlight())
		r.pool.Shutdown()
	}

	if r.bgCancel != nil {
		r.bgCancel()
		done := make(chan struct{})
		go func() {
			r.bgWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			joined = errors.Join(joined, errors.New("background loop shutdown timeout"))
		}
	}

	if r.publisher != nil {
		r.logger.Info("final writer metrics", "last", r.publisher.Now(), "total", r.publisher.Total())
	}

	if r.dbm != nil {
		cpCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := r.dbm.Checkpoint(cpCtx); err != nil {
			r.logger.Warn("WAL checkpoint failed", "error", err)
			joined = errors.Join(joined, fmt.Errorf("wal checkpoint: %w", err))
		}
		if err := r.closeStore(); err != nil {
			joined = errors.Join(joined, fmt.Errorf("db close: %w", err))
		}
	}

	r.logger.Info("Shutdown complete", "uptime", time.Since(r.startedAt).String())
	return joined
}

func (r *Runtime) closeStore() error {
	if r.dbm == nil {
		return nil
	}
	err := r.dbm.Close()
	r.dbm = nil
	return err
}

func (r *Runtime) startBackgroundLoops(ctx context.Context) {
	r.bgWG.Add(1)
	go func() {
		defer r.bgWG.Done()
		if err := r.publisher.Run(ctx); err != nil {
			r.logger.Warn("metrics publisher stopped", "error", err)
		}
	}()

	if r.dbm == nil {
		return
	}

	r.bgWG.Add(1)
	go func() {
		defer r.bgWG.Done()
		ticker := time.NewTicker(r.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				deleted, err := r.dbm.CleanupExpired(cleanupCtx)
				cancel()
				if err != nil {
					r.logger.Warn("cleanup failed", "error", err)
					continue
				}
				if deleted > 0 {
					r.logger.Info("expired records removed", "records", deleted)
				}
			}
		}
	}()

	r.bgWG.Add(1)
	go func() {
		defer r.bgWG.Done()
		ticker := time.NewTicker(r.cfg.WALCheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cpCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				_, err := r.dbm.CheckpointIfWALExceeds(cpCtx, r.cfg.WALRestartThresholdB)
				cancel()
				if err != nil {
					r.logger.Warn("wal checkpoint loop failed", "error", err)
				}
			}
		}
	}()
}
