package writer

import (
	"log/slog"
	"sync/atomic"
	"time"
)

type Counter int

const (
	RecordsSuccess Counter = iota
	RecordsRejectAll
	RecordsRejectInvalidVersion
	RecordsRejectValidation
	// WritesSuccess includes partially successful writes.
	WritesSuccess
	// RecordsDrop counts records given up on after the retry budget, not rejections.
	RecordsDrop
	WritesDrop
	WritesErrorAll
	WritesErrorThrottling
	WritesResourceNotFound
	WritesErrorInternalServer
	NonSDKRetries
	WriteLatencyMsSum
	WriteLatencyMsCount

	numCounters
)

var counterNames = [numCounters]string{
	RecordsSuccess:              "recordsSuccess",
	RecordsRejectAll:            "recordsRejectAll",
	RecordsRejectInvalidVersion: "recordsRejectInvalidVersion",
	RecordsRejectValidation:     "recordsRejectValidation",
	WritesSuccess:               "writesSuccess",
	RecordsDrop:                 "recordsDrop",
	WritesDrop:                  "writesDrop",
	WritesErrorAll:              "writesErrorAll",
	WritesErrorThrottling:       "writesErrorThrottling",
	WritesResourceNotFound:      "writesResourceNotFound",
	WritesErrorInternalServer:   "writesErrorInternalServer",
	NonSDKRetries:               "nonSDKRetries",
	WriteLatencyMsSum:           "writeLatencyMsSum",
	WriteLatencyMsCount:         "writeLatencyMsCount",
}

func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return "unknown"
	}
	return counterNames[c]
}

// Counters lists every counter in declaration order.
func Counters() []Counter {
	out := make([]Counter, numCounters)
	for i := range out {
		out[i] = Counter(i)
	}
	return out
}

// InsertionMetrics is a fixed set of atomic counters. The zero value is ready
// to use; it must not be copied after first use.
type InsertionMetrics struct {
	counters [numCounters]atomic.Int64
}

func NewInsertionMetrics() *InsertionMetrics {
	return &InsertionMetrics{}
}

func (m *InsertionMetrics) Add(c Counter, delta int64) {
	m.counters[c].Add(delta)
}

func (m *InsertionMetrics) Get(c Counter) int64 {
	return m.counters[c].Load()
}

func (m *InsertionMetrics) RecordLatency(d time.Duration) {
	m.counters[WriteLatencyMsSum].Add(d.Milliseconds())
	m.counters[WriteLatencyMsCount].Add(1)
}

func (m *InsertionMetrics) AverageLatencyMs() int64 {
	count := m.counters[WriteLatencyMsCount].Load()
	if count == 0 {
		return 0
	}
	return m.counters[WriteLatencyMsSum].Load() / count
}

// Accumulate adds every counter of other into m, pairwise.
func (m *InsertionMetrics) Accumulate(other *InsertionMetrics) {
	for i := range m.counters {
		if v := other.counters[i].Load(); v != 0 {
			m.counters[i].Add(v)
		}
	}
}

// GetAndClear moves the current values into a new InsertionMetrics. Each
// counter is swapped to zero on its own, so increments racing with the call
// land either in the result or in m, never nowhere.
func (m *InsertionMetrics) GetAndClear() *InsertionMetrics {
	out := &InsertionMetrics{}
	for i := range m.counters {
		out.counters[i].Store(m.counters[i].Swap(0))
	}
	return out
}

func (m *InsertionMetrics) IsZero() bool {
	for i := range m.counters {
		if m.counters[i].Load() != 0 {
			return false
		}
	}
	return true
}

func (m *InsertionMetrics) Snapshot() map[string]int64 {
	out := make(map[string]int64, numCounters+1)
	for i := range m.counters {
		out[counterNames[i]] = m.counters[i].Load()
	}
	out["writeLatencyMsAvg"] = m.AverageLatencyMs()
	return out
}

func (m *InsertionMetrics) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, numCounters+1)
	for i := range m.counters {
		attrs = append(attrs, slog.Int64(counterNames[i], m.counters[i].Load()))
	}
	attrs = append(attrs, slog.Int64("writeLatencyMsAvg", m.AverageLatencyMs()))
	return slog.GroupValue(attrs...)
}

// WriterMetrics is a point-in-time export of the pool.
type WriterMetrics struct {
	Insertion      *InsertionMetrics
	QueueSize      int
	WritesInFlight int
}

func (m WriterMetrics) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("insertion", m.Insertion),
		slog.Int("queue_size", m.QueueSize),
		slog.Int("writes_in_flight", m.WritesInFlight),
	)
}
