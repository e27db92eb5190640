package server

import (
	"net/http"
	"time"
)

// New builds the HTTP surface. batchHandlers and metricsHandler are optional.
func New(addr string, healthHandler http.Handler, batchHandlers *BatchHandlers, metricsHandler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /health", healthHandler)
	if batchHandlers != nil {
		mux.HandleFunc("POST /v1/batches", batchHandlers.PostBatch)
	}
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
