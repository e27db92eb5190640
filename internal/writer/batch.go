package writer

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type MeasureValueType string

const (
	MeasureDouble  MeasureValueType = "DOUBLE"
	MeasureBigint  MeasureValueType = "BIGINT"
	MeasureVarchar MeasureValueType = "VARCHAR"
	MeasureBoolean MeasureValueType = "BOOLEAN"
)

type TimeUnit string

const (
	Milliseconds TimeUnit = "MILLISECONDS"
	Seconds      TimeUnit = "SECONDS"
	Microseconds TimeUnit = "MICROSECONDS"
	Nanoseconds  TimeUnit = "NANOSECONDS"
)

type Dimension struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Record struct {
	Dimensions       []Dimension      `json:"dimensions"`
	MeasureName      string           `json:"measure_name"`
	MeasureValue     string           `json:"measure_value"`
	MeasureValueType MeasureValueType `json:"measure_value_type"`
	Time             string           `json:"time"`
	TimeUnit         TimeUnit         `json:"time_unit"`
	Version          int64            `json:"version,omitempty"`
}

// Timestamp resolves Time according to TimeUnit. An empty unit means milliseconds.
func (r Record) Timestamp() (time.Time, error) {
	v, err := strconv.ParseInt(r.Time, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse record time %q: %w", r.Time, err)
	}
	switch r.TimeUnit {
	case Milliseconds, "":
		return time.UnixMilli(v), nil
	case Seconds:
		return time.Unix(v, 0), nil
	case Microseconds:
		return time.UnixMicro(v), nil
	case Nanoseconds:
		return time.Unix(0, v), nil
	default:
		return time.Time{}, fmt.Errorf("unknown time unit %q", r.TimeUnit)
	}
}

// WriteBatch is the unit of work handed to the pool: every record goes to the
// same table in one write call. A batch is never mutated after NewWriteBatch.
type WriteBatch struct {
	id       string
	database string
	table    string
	records  []Record
}

func NewWriteBatch(database, table string, records []Record) *WriteBatch {
	copied := make([]Record, len(records))
	for i, rec := range records {
		rec.Dimensions = append([]Dimension(nil), rec.Dimensions...)
		copied[i] = rec
	}
	return &WriteBatch{
		id:       uuid.NewString(),
		database: database,
		table:    table,
		records:  copied,
	}
}

func (b *WriteBatch) ID() string       { return b.id }
func (b *WriteBatch) Database() string { return b.database }
func (b *WriteBatch) Table() string    { return b.table }
func (b *WriteBatch) Len() int         { return len(b.records) }

// Record returns a copy of the i-th record.
func (b *WriteBatch) Record(i int) Record {
	rec := b.records[i]
	rec.Dimensions = append([]Dimension(nil), rec.Dimensions...)
	return rec
}

// Records returns a copy of all records.
func (b *WriteBatch) Records() []Record {
	out := make([]Record, len(b.records))
	for i := range b.records {
		out[i] = b.Record(i)
	}
	return out
}

// LogValue logs the full batch so dropped or rejected batches can be replayed from the logs.
func (b *WriteBatch) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", b.id),
		slog.String("database", b.database),
		slog.String("table", b.table),
		slog.Int("size", len(b.records)),
		slog.Any("records", b.records),
	)
}
