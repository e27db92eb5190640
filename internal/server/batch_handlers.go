package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/kon-rad/tswriter/internal/writer"
)

const (
	// MaxRecordsPerBatch matches the WriteRecords limit.
	MaxRecordsPerBatch = 100
	maxBodyBytes       = 4 << 20
	retryAfterSeconds  = "1"
)

type Submitter interface {
	Submit(batch *writer.WriteBatch) (bool, error)
}

type BatchHandlers struct {
	submitter Submitter
	logger    *slog.Logger

	accepted atomic.Int64
	rejected atomic.Int64
}

type batchRequest struct {
	Database string          `json:"database"`
	Table    string          `json:"table"`
	Records  []writer.Record `json:"records"`
}

type batchResponse struct {
	BatchID string `json:"batch_id"`
	Records int    `json:"records"`
}

func NewBatchHandlers(submitter Submitter, logger *slog.Logger) *BatchHandlers {
	return &BatchHandlers{submitter: submitter, logger: logger}
}

// Accepted and Rejected count POST /v1/batches outcomes; a rejection is a
// full queue or a writer that is shutting down.
func (h *BatchHandlers) Accepted() int64 { return h.accepted.Load() }
func (h *BatchHandlers) Rejected() int64 { return h.rejected.Load() }

func (h *BatchHandlers) PostBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req batchRequest
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Database == "" || req.Table == "" {
		http.Error(w, "database and table are required", http.StatusBadRequest)
		return
	}
	if len(req.Records) == 0 {
		http.Error(w, "records are required", http.StatusBadRequest)
		return
	}
	if len(req.Records) > MaxRecordsPerBatch {
		http.Error(w, fmt.Sprintf("at most %d records per batch", MaxRecordsPerBatch), http.StatusBadRequest)
		return
	}

	batch := writer.NewWriteBatch(req.Database, req.Table, req.Records)
	ok, err := h.submitter.Submit(batch)
	switch {
	case errors.Is(err, writer.ErrShuttingDown):
		h.rejected.Add(1)
		w.Header().Set("Retry-After", retryAfterSeconds)
		http.Error(w, "writer is shutting down", http.StatusServiceUnavailable)
		return
	case err != nil:
		h.logger.Error("submit batch failed", "error", err, "batch_id", batch.ID())
		http.Error(w, "submit failed", http.StatusInternalServerError)
		return
	case !ok:
		h.rejected.Add(1)
		w.Header().Set("Retry-After", retryAfterSeconds)
		http.Error(w, "writer queue is full", http.StatusServiceUnavailable)
		return
	}

	h.accepted.Add(1)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(batchResponse{BatchID: batch.ID(), Records: batch.Len()})
}
