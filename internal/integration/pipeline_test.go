package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kon-rad/tswriter/internal/db"
	"github.com/kon-rad/tswriter/internal/ingest"
	"github.com/kon-rad/tswriter/internal/writer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func openDB(t *testing.T) *db.Manager {
	t.Helper()
	dbm, err := db.Open(filepath.Join(t.TempDir(), "ts.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = dbm.Close() })
	return dbm
}

func writeSample(t *testing.T, rows int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("region,az,hostname,measure_name,measure_value,timestamp\n")
	for i := 0; i < rows; i++ {
		ts := ingest.SampleMaxTimestamp.Add(-time.Duration(i) * time.Second).UTC()
		fmt.Fprintf(&b, "us-east-1,us-east-1a,host-%d,cpu_user,%d.25,%s\n", i, i, ts.Format(ingest.TimestampLayout))
	}
	path := filepath.Join(t.TempDir(), "sample.csv")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path
}

func TestCSVIntoSQLiteCreatesTable(t *testing.T) {
	t.Parallel()

	dbm := openDB(t)
	pool, err := writer.New(writer.Config{
		QueueCapacity:    4,
		Workers:          3,
		MaxRetryDuration: 10 * time.Second,
		Client:           dbm,
		TableCreator:     dbm,
		CreateTable:      &writer.RetentionPolicy{MemoryStoreHours: 24, MagneticStoreDays: 7},
		Logger:           discardLogger(),
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Shutdown()

	mapper := ingest.Mapper{Database: "devops", Table: "host_metrics", Reference: ingest.SampleMaxTimestamp}
	batcher := ingest.NewBatcher(discardLogger(), pool, mapper, ingest.BatcherConfig{RetryDelay: 5 * time.Millisecond})
	stats, err := ingest.NewLoader(discardLogger(), nil, batcher).Load(context.Background(), writeSample(t, 250))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stats.Batches != 3 {
		t.Fatalf("batches = %d, want 3", stats.Batches)
	}
	if err := ingest.WaitForWrites(context.Background(), pool, 10*time.Millisecond); err != nil {
		t.Fatalf("wait for writes: %v", err)
	}
	pool.Shutdown()

	m := pool.GetAndClearMetrics().Insertion
	if got := m.Get(writer.RecordsSuccess); got != 250 {
		t.Fatalf("recordsSuccess = %d, want 250", got)
	}
	if got := m.Get(writer.WritesSuccess); got != 3 {
		t.Fatalf("writesSuccess = %d, want 3", got)
	}
	if m.Get(writer.WritesResourceNotFound) < 1 {
		t.Fatalf("writesResourceNotFound = 0, want the first write to miss the table")
	}
	if m.Get(writer.RecordsDrop) != 0 || m.Get(writer.RecordsRejectAll) != 0 {
		t.Fatalf("unexpected drops or rejects: %v", m.Snapshot())
	}

	count, err := dbm.RecordCount(context.Background(), "devops", "host_metrics")
	if err != nil {
		t.Fatalf("record count: %v", err)
	}
	if count != 250 {
		t.Fatalf("stored records = %d, want 250", count)
	}
	if _, err := dbm.Table(context.Background(), "devops", "host_metrics"); err != nil {
		t.Fatalf("table was not created: %v", err)
	}
}

func versionedBatch(table string, n int, value string, version int64, at time.Time) *writer.WriteBatch {
	records := make([]writer.Record, n)
	for i := range records {
		records[i] = writer.Record{
			Dimensions:       []writer.Dimension{{Name: "hostname", Value: "host-" + strconv.Itoa(i)}},
			MeasureName:      "cpu_user",
			MeasureValue:     value,
			MeasureValueType: writer.MeasureDouble,
			Time:             strconv.FormatInt(at.UnixMilli(), 10),
			TimeUnit:         writer.Milliseconds,
			Version:          version,
		}
	}
	return writer.NewWriteBatch("devops", table, records)
}

func TestEveryRecordIsAccountedFor(t *testing.T) {
	t.Parallel()

	dbm := openDB(t)
	if err := dbm.CreateTable(context.Background(), "devops", "host_metrics", writer.RetentionPolicy{MemoryStoreHours: 24, MagneticStoreDays: 7}); err != nil {
		t.Fatalf("create table: %v", err)
	}
	client := writer.ClientFunc(func(ctx context.Context, b *writer.WriteBatch) error {
		if b.Table() == "throttled" {
			return fmt.Errorf("%w: slow down", writer.ErrThrottled)
		}
		return dbm.Write(ctx, b)
	})
	pool, err := writer.New(writer.Config{
		QueueCapacity: 8,
		Workers:       2,
		Client:        client,
		Logger:        discardLogger(),
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Shutdown()

	submit := func(b *writer.WriteBatch) {
		t.Helper()
		ok, err := pool.Submit(b)
		if err != nil || !ok {
			t.Fatalf("submit = %v, %v", ok, err)
		}
		if err := ingest.WaitForWrites(context.Background(), pool, time.Millisecond); err != nil {
			t.Fatalf("wait for writes: %v", err)
		}
	}

	at := time.Now().Add(-time.Minute)
	submit(versionedBatch("host_metrics", 10, "1", 2, at))
	submit(versionedBatch("host_metrics", 10, "2", 1, at))
	submit(versionedBatch("throttled", 5, "3", 0, at))
	pool.Shutdown()

	m := pool.GetAndClearMetrics().Insertion
	success := m.Get(writer.RecordsSuccess)
	rejected := m.Get(writer.RecordsRejectAll)
	dropped := m.Get(writer.RecordsDrop)
	if success != 10 || rejected != 10 || dropped != 5 {
		t.Fatalf("success/rejected/dropped = %d/%d/%d, want 10/10/5", success, rejected, dropped)
	}
	if got := m.Get(writer.RecordsRejectInvalidVersion); got != 10 {
		t.Fatalf("recordsRejectInvalidVersion = %d, want 10", got)
	}
	if got := m.Get(writer.WritesErrorThrottling); got < 1 {
		t.Fatalf("writesErrorThrottling = %d, want at least 1", got)
	}
	if success+rejected+dropped != 25 {
		t.Fatalf("accounted records = %d, want 25", success+rejected+dropped)
	}
	if got := m.Get(writer.WriteLatencyMsCount); got != 3 {
		t.Fatalf("latency samples = %d, want 3", got)
	}
}
