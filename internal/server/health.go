package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kon-rad/tswriter/internal/db"
)

type RuntimeSnapshot struct {
	QueueSize       int
	WritesInFlight  int
	Idle            bool
	BatchesAccepted int64
	BatchesRejected int64
	Totals          map[string]int64
}

type SnapshotProvider interface {
	Snapshot() RuntimeSnapshot
}

// StoreStats is implemented by the local SQLite store.
type StoreStats interface {
	Stats() db.HealthStats
}

type HealthResponse struct {
	Status          string           `json:"status"`
	UptimeSeconds   int64            `json:"uptime_seconds"`
	Version         string           `json:"version"`
	Sink            string           `json:"sink"`
	DBStatus        string           `json:"db_status"`
	DBSizeBytes     int64            `json:"db_size_bytes"`
	WALSizeBytes    int64            `json:"wal_size_bytes"`
	Tables          int64            `json:"tables"`
	QueueSize       int              `json:"queue_size"`
	WritesInFlight  int              `json:"writes_in_flight"`
	Idle            bool             `json:"idle"`
	BatchesAccepted int64            `json:"batches_accepted"`
	BatchesRejected int64            `json:"batches_rejected"`
	Totals          map[string]int64 `json:"totals"`
	GeneratedAt     string           `json:"generated_at"`
	Warnings        []string         `json:"warnings,omitempty"`
}

type HealthHandler struct {
	store       StoreStats
	startTime   time.Time
	version     string
	sink        string
	snapshotter SnapshotProvider
}

// NewHealthHandler reports writer state. store may be nil when records go
// to Timestream.
func NewHealthHandler(store StoreStats, start time.Time, version, sink string, snapshotter SnapshotProvider) *HealthHandler {
	return &HealthHandler{
		store:       store,
		startTime:   start,
		version:     version,
		sink:        sink,
		snapshotter: snapshotter,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	snapshot := h.snapshotter.Snapshot()

	resp := HealthResponse{
		Status:          "ok",
		UptimeSeconds:   int64(time.Since(h.startTime).Seconds()),
		Version:         h.version,
		Sink:            h.sink,
		DBStatus:        "disabled",
		QueueSize:       snapshot.QueueSize,
		WritesInFlight:  snapshot.WritesInFlight,
		Idle:            snapshot.Idle,
		BatchesAccepted: snapshot.BatchesAccepted,
		BatchesRejected: snapshot.BatchesRejected,
		Totals:          snapshot.Totals,
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	if resp.Totals == nil {
		resp.Totals = map[string]int64{}
	}

	if h.store != nil {
		dbStats := h.store.Stats()
		resp.DBStatus = dbStats.DBStatus
		resp.DBSizeBytes = dbStats.DBSizeBytes
		resp.WALSizeBytes = dbStats.WALSize
		resp.Tables = dbStats.Tables
		if resp.DBStatus != "ok" {
			resp.Status = "degraded"
			resp.Warnings = append(resp.Warnings, "db_unavailable")
		}
	}
	if resp.Totals["writesErrorAll"] > 0 && resp.Totals["writesSuccess"] == 0 {
		resp.Status = "degraded"
		resp.Warnings = append(resp.Warnings, "no_successful_writes")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
