package ingest

import "time"

const (
	// BatchSize is the number of records per write call.
	BatchSize   = 100
	FlushWindow = 500 * time.Millisecond
	RowBuffer   = 1024

	// Dimension values longer than this are rejected by the write API.
	MaxDimensionValueBytes = 2048

	TimestampLayout = "2006-01-02 15:04:05.000"
)

// SampleMaxTimestamp is the newest timestamp in the bundled sample data set.
var SampleMaxTimestamp = time.UnixMilli(1584502929599)

// Row is one CSV line: a single host measurement.
type Row struct {
	Region       string
	AZ           string
	Hostname     string
	MeasureName  string
	MeasureValue string
	Timestamp    string
}
