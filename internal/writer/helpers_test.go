package writer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testRecords(n int) []Record {
	records := make([]Record, n)
	for i := range records {
		records[i] = Record{
			Dimensions:       []Dimension{{Name: "hostname", Value: fmt.Sprintf("host-%d", i)}},
			MeasureName:      "cpu_user",
			MeasureValue:     strconv.Itoa(i),
			MeasureValueType: MeasureDouble,
			Time:             strconv.FormatInt(int64(1_700_000_000_000+i), 10),
			TimeUnit:         Milliseconds,
		}
	}
	return records
}

func testBatch(table string, n int) *WriteBatch {
	return NewWriteBatch("testdb", table, testRecords(n))
}

// fakeClient counts calls and optionally advances a fake clock by step on
// every call, so retry budgets can be tested without sleeping.
type fakeClient struct {
	mu    sync.Mutex
	calls int
	clock clockwork.FakeClock
	step  time.Duration
	fn    func(call int, batch *WriteBatch) error
}

func (c *fakeClient) Write(_ context.Context, batch *WriteBatch) error {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.mu.Unlock()

	if c.clock != nil {
		c.clock.Advance(c.step)
	}
	if c.fn == nil {
		return nil
	}
	return c.fn(call, batch)
}

func (c *fakeClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeCreator struct {
	mu     sync.Mutex
	calls  int
	tables []string
	err    error
}

func (c *fakeCreator) CreateTable(_ context.Context, database, table string, _ RetentionPolicy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.tables = append(c.tables, database+"."+table)
	return c.err
}

func (c *fakeCreator) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func testConfig(client Client) Config {
	return Config{
		QueueCapacity: 10,
		Workers:       1,
		Client:        client,
		PollTimeout:   10 * time.Millisecond,
		DrainInterval: 5 * time.Millisecond,
		Logger:        discardLogger(),
	}
}

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(p.Shutdown)
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// submitAndShutdown writes every batch through the pool, retrying on a full
// queue, and returns the metrics collected once the pool has drained.
func submitAndShutdown(t *testing.T, p *Pool, batches ...*WriteBatch) *InsertionMetrics {
	t.Helper()
	for _, b := range batches {
		for {
			ok, err := p.Submit(b)
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if ok {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}
	p.Shutdown()
	return p.GetAndClearMetrics().Insertion
}

func assertCounters(t *testing.T, m *InsertionMetrics, want map[Counter]int64) {
	t.Helper()
	for _, c := range Counters() {
		if c == WriteLatencyMsSum {
			continue
		}
		w, ok := want[c]
		if !ok {
			if c == WriteLatencyMsCount {
				continue
			}
			w = 0
		}
		if got := m.Get(c); got != w {
			t.Errorf("%s = %d, want %d", c, got, w)
		}
	}
}
