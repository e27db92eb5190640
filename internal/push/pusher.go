package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/kon-rad/tswriter/internal/writer"
)

// MaxPayloadBytes is the largest body the receiving /v1/batches accepts.
const MaxPayloadBytes = 4 << 20

// Pusher forwards write batches to another tswriter's POST /v1/batches.
// A batch counts as written once the remote queue accepts it.
type Pusher struct {
	endpoint        string
	httpClient      *http.Client
	maxPayloadBytes int
	maxRetries      int
	baseBackoff     time.Duration

	mu     sync.Mutex
	random *rand.Rand
}

type payload struct {
	Database string          `json:"database"`
	Table    string          `json:"table"`
	Records  []writer.Record `json:"records"`
}

func New(endpoint string, timeout time.Duration, maxRetries int) *Pusher {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Pusher{
		endpoint:        endpoint,
		httpClient:      &http.Client{Timeout: timeout},
		maxPayloadBytes: MaxPayloadBytes,
		maxRetries:      maxRetries,
		baseBackoff:     500 * time.Millisecond,
		random:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *Pusher) SetTestOptions(client *http.Client, retries int, backoff time.Duration) {
	if client != nil {
		p.httpClient = client
	}
	p.maxRetries = retries
	p.baseBackoff = backoff
}

// Write implements writer.Client. Transport failures are retried here with
// jittered backoff; HTTP statuses are mapped onto the writer's error kinds.
func (p *Pusher) Write(ctx context.Context, batch *writer.WriteBatch) error {
	if p.endpoint == "" {
		return errors.New("push endpoint not configured")
	}
	body, err := json.Marshal(payload{
		Database: batch.Database(),
		Table:    batch.Table(),
		Records:  batch.Records(),
	})
	if err != nil {
		return fmt.Errorf("%w: encode batch: %w", writer.ErrValidation, err)
	}
	if len(body) > p.maxPayloadBytes {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", writer.ErrValidation, len(body), p.maxPayloadBytes)
	}
	return p.sendWithRetry(ctx, body)
}

func (p *Pusher) sendWithRetry(ctx context.Context, body []byte) error {
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.httpClient.Do(req)
		if err == nil {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return statusError(resp.StatusCode, bytes.TrimSpace(msg))
		}
		lastErr = err

		if attempt == p.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff(attempt)):
		}
	}
	return fmt.Errorf("push failed after retries: %w", lastErr)
}

func (p *Pusher) backoff(attempt int) time.Duration {
	maxSleep := p.baseBackoff * time.Duration(1<<attempt)
	if maxSleep > 30*time.Second {
		maxSleep = 30 * time.Second
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.random.Int63n(int64(maxSleep) + 1))
}

func statusError(code int, msg []byte) error {
	switch {
	case code == http.StatusAccepted || code == http.StatusOK:
		return nil
	case code == http.StatusServiceUnavailable || code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: push status %d: %s", writer.ErrThrottled, code, msg)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: push status %d: %s", writer.ErrResourceNotFound, code, msg)
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: push status %d: %s", writer.ErrValidation, code, msg)
	case code >= 500:
		return fmt.Errorf("%w: push status %d: %s", writer.ErrInternalServer, code, msg)
	default:
		return fmt.Errorf("push status %d", code)
	}
}
