package ingest

import (
	"fmt"
	"strconv"
	"time"

	"github.com/kon-rad/tswriter/internal/writer"
)

// Mapper turns CSV rows into DOUBLE measure records for one table.
type Mapper struct {
	Database string
	Table    string
	// Reference, when set, is the sample time that lands on "now": every row
	// keeps its distance to Reference, so old sample files stay inside the
	// memory store window.
	Reference time.Time
}

func (m Mapper) Record(row Row, now time.Time) (writer.Record, error) {
	ts, err := time.ParseInLocation(TimestampLayout, row.Timestamp, time.UTC)
	if err != nil {
		return writer.Record{}, fmt.Errorf("parse timestamp %q: %w", row.Timestamp, err)
	}
	if _, err := strconv.ParseFloat(row.MeasureValue, 64); err != nil {
		return writer.Record{}, fmt.Errorf("parse measure value %q: %w", row.MeasureValue, err)
	}
	if !m.Reference.IsZero() {
		ts = now.Add(-m.Reference.Sub(ts))
	}

	return writer.Record{
		Dimensions: []writer.Dimension{
			{Name: "region", Value: TruncateBytes(row.Region, MaxDimensionValueBytes)},
			{Name: "az", Value: TruncateBytes(row.AZ, MaxDimensionValueBytes)},
			{Name: "hostname", Value: TruncateBytes(row.Hostname, MaxDimensionValueBytes)},
		},
		MeasureName:      row.MeasureName,
		MeasureValue:     row.MeasureValue,
		MeasureValueType: writer.MeasureDouble,
		Time:             strconv.FormatInt(ts.UnixMilli(), 10),
		TimeUnit:         writer.Milliseconds,
	}, nil
}
