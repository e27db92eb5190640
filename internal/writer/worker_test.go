package writer

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestWorkerFullSuccess(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	p := newTestPool(t, testConfig(client))
	m := submitAndShutdown(t, p, testBatch("ok", 100))

	assertCounters(t, m, map[Counter]int64{
		RecordsSuccess:      100,
		WritesSuccess:       1,
		WriteLatencyMsCount: 1,
	})
}

func TestWorkerPartialSuccess(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fn: func(int, *WriteBatch) error {
		return &RejectedRecordsError{Records: []RejectedRecord{
			{Index: 3, Reason: "Measure value out of range"},
			{Index: 17, Reason: StaleVersionReason + " Existing version: 2"},
			{Index: 42, Reason: "Measure value out of range"},
		}}
	}}
	p := newTestPool(t, testConfig(client))
	m := submitAndShutdown(t, p, testBatch("partial", 100))

	assertCounters(t, m, map[Counter]int64{
		RecordsSuccess:              97,
		RecordsRejectAll:            3,
		RecordsRejectInvalidVersion: 1,
		WritesSuccess:               1,
		WriteLatencyMsCount:         1,
	})
	if got := client.Calls(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestWorkerValidationIsNotRetried(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fn: func(int, *WriteBatch) error {
		return ErrValidation
	}}
	cfg := testConfig(client)
	cfg.MaxRetryDuration = time.Hour
	p := newTestPool(t, cfg)
	m := submitAndShutdown(t, p, testBatch("invalid", 20))

	assertCounters(t, m, map[Counter]int64{
		RecordsRejectAll:        20,
		RecordsRejectValidation: 20,
		WritesErrorAll:          1,
		WriteLatencyMsCount:     1,
	})
	if got := client.Calls(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestWorkerResourceNotFoundCreatesTable(t *testing.T) {
	t.Parallel()

	creator := &fakeCreator{}
	client := &fakeClient{fn: func(int, *WriteBatch) error {
		if creator.Calls() == 0 {
			return ErrResourceNotFound
		}
		return nil
	}}
	cfg := testConfig(client)
	cfg.MaxRetryDuration = time.Hour
	cfg.TableCreator = creator
	cfg.CreateTable = &RetentionPolicy{MemoryStoreHours: 24, MagneticStoreDays: 7}
	p := newTestPool(t, cfg)
	m := submitAndShutdown(t, p, testBatch("missing", 10))

	assertCounters(t, m, map[Counter]int64{
		RecordsSuccess:         10,
		WritesSuccess:          1,
		WritesErrorAll:         1,
		WritesResourceNotFound: 1,
		NonSDKRetries:          1,
		WriteLatencyMsCount:    1,
	})
	if got := creator.Calls(); got != 1 {
		t.Fatalf("create calls = %d, want 1", got)
	}
	if creator.tables[0] != "testdb.missing" {
		t.Fatalf("created %q, want testdb.missing", creator.tables[0])
	}
}

func TestWorkerResourceNotFoundWithoutCreationDrops(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	client := &fakeClient{clock: clock, step: time.Millisecond, fn: func(int, *WriteBatch) error {
		return ErrResourceNotFound
	}}
	cfg := testConfig(client)
	cfg.Clock = clock
	p := newTestPool(t, cfg)
	m := submitAndShutdown(t, p, testBatch("missing", 5))

	assertCounters(t, m, map[Counter]int64{
		RecordsDrop:            5,
		WritesDrop:             1,
		WritesErrorAll:         1,
		WritesResourceNotFound: 1,
		NonSDKRetries:          1,
		WriteLatencyMsCount:    1,
	})
}

func TestWorkerRetryBudget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		budget    time.Duration
		step      time.Duration
		wantCalls int
	}{
		// Ages after each attempt: 30, 60, 90, 120.
		{name: "exceeded", budget: 100 * time.Millisecond, step: 30 * time.Millisecond, wantCalls: 4},
		// Age 100 equals the budget and is retried once more.
		{name: "boundary", budget: 100 * time.Millisecond, step: 50 * time.Millisecond, wantCalls: 3},
		{name: "zero", budget: 0, step: 10 * time.Millisecond, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clock := clockwork.NewFakeClock()
			client := &fakeClient{clock: clock, step: tt.step, fn: func(int, *WriteBatch) error {
				return ErrThrottled
			}}
			cfg := testConfig(client)
			cfg.MaxRetryDuration = tt.budget
			cfg.Clock = clock
			p := newTestPool(t, cfg)
			m := submitAndShutdown(t, p, testBatch("throttled", 8))

			calls := int64(tt.wantCalls)
			assertCounters(t, m, map[Counter]int64{
				RecordsDrop:           8,
				WritesDrop:            1,
				WritesErrorAll:        calls,
				WritesErrorThrottling: calls,
				NonSDKRetries:         calls,
				WriteLatencyMsCount:   1,
			})
			if got := client.Calls(); got != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", got, tt.wantCalls)
			}
			if got, want := m.Get(WriteLatencyMsSum), (time.Duration(calls) * tt.step).Milliseconds(); got != want {
				t.Fatalf("latency sum = %d, want %d", got, want)
			}
		})
	}
}

func TestWorkerTransientThenSuccess(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	client := &fakeClient{clock: clock, step: 10 * time.Millisecond, fn: func(call int, _ *WriteBatch) error {
		switch call {
		case 1:
			return ErrInternalServer
		case 2:
			return errors.New("connection reset by peer")
		default:
			return nil
		}
	}}
	cfg := testConfig(client)
	cfg.MaxRetryDuration = time.Second
	cfg.Clock = clock
	p := newTestPool(t, cfg)
	m := submitAndShutdown(t, p, testBatch("flaky", 4))

	assertCounters(t, m, map[Counter]int64{
		RecordsSuccess:            4,
		WritesSuccess:             1,
		WritesErrorAll:            2,
		WritesErrorInternalServer: 1,
		NonSDKRetries:             2,
		WriteLatencyMsCount:       1,
	})
	if got := m.Get(WriteLatencyMsSum); got != 30 {
		t.Fatalf("latency sum = %d, want 30", got)
	}
}

func TestWorkerRecoversClientPanic(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fn: func(call int, _ *WriteBatch) error {
		if call == 1 {
			panic("boom")
		}
		return nil
	}}
	cfg := testConfig(client)
	cfg.MaxRetryDuration = time.Hour
	p := newTestPool(t, cfg)
	m := submitAndShutdown(t, p, testBatch("panicky", 3))

	assertCounters(t, m, map[Counter]int64{
		RecordsSuccess:      3,
		WritesSuccess:       1,
		WritesErrorAll:      1,
		NonSDKRetries:       1,
		WriteLatencyMsCount: 1,
	})
}

func TestWorkerTypedNilRejectionIsRetriedThenDropped(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	client := &fakeClient{clock: clock, step: 30 * time.Millisecond, fn: func(int, *WriteBatch) error {
		var rejected *RejectedRecordsError
		return rejected
	}}
	cfg := testConfig(client)
	cfg.MaxRetryDuration = 100 * time.Millisecond
	cfg.Clock = clock
	p := newTestPool(t, cfg)
	m := submitAndShutdown(t, p, testBatch("typednil", 6))

	// Ages after each attempt: 30, 60, 90, 120.
	assertCounters(t, m, map[Counter]int64{
		RecordsDrop:         6,
		WritesDrop:          1,
		WritesErrorAll:      4,
		NonSDKRetries:       4,
		WriteLatencyMsCount: 1,
	})
	if got := client.Calls(); got != 4 {
		t.Fatalf("calls = %d, want 4", got)
	}
}

type panicHandler struct{ msg string }

func (h panicHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h panicHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h panicHandler) WithGroup(string) slog.Handler { return h }

func (h panicHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Message == h.msg {
		panic("handler failed on " + r.Message)
	}
	return nil
}

func TestWorkerRecoversClassificationPanic(t *testing.T) {
	t.Parallel()

	client := &fakeClient{fn: func(call int, _ *WriteBatch) error {
		if call == 1 {
			return &RejectedRecordsError{Records: []RejectedRecord{{Index: 0, Reason: "bad"}}}
		}
		return nil
	}}
	cfg := testConfig(client)
	cfg.MaxRetryDuration = time.Hour
	cfg.Logger = slog.New(panicHandler{msg: "record rejected"})
	p := newTestPool(t, cfg)
	m := submitAndShutdown(t, p, testBatch("classify", 3))

	assertCounters(t, m, map[Counter]int64{
		RecordsSuccess:      3,
		WritesSuccess:       1,
		WritesErrorAll:      1,
		NonSDKRetries:       1,
		WriteLatencyMsCount: 1,
	})
	if got := client.Calls(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}
