// Package transport speaks the ingestion server's HTTP API from the client
// side: batched event delivery, fire-and-forget teardown posts, and the
// experiment registry.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gkobilansky/funnel-goat/internal/events"
)

// SessionHeader mirrors the server's session header.
const SessionHeader = "X-Session-ID"

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("POST %s: unexpected status %d: %s", e.URL, e.Status, e.Body)
}

// Permanent reports whether resending the same body cannot succeed: any 4xx
// except request timeout and rate limiting.
func (e *StatusError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 &&
		e.Status != http.StatusRequestTimeout && e.Status != http.StatusTooManyRequests
}

// HTTP posts JSON bodies with a shared client.
type HTTP struct {
	client        *http.Client
	logger        *zap.Logger
	beaconTimeout time.Duration

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

type HTTPOption func(*HTTP)

func WithClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

func WithLogger(logger *zap.Logger) HTTPOption {
	return func(h *HTTP) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithBeaconTimeout bounds each fire-and-forget post.
func WithBeaconTimeout(d time.Duration) HTTPOption {
	return func(h *HTTP) { h.beaconTimeout = d }
}

func NewHTTP(opts ...HTTPOption) *HTTP {
	h := &HTTP{
		client:        &http.Client{Timeout: 30 * time.Second},
		logger:        zap.NewNop(),
		beaconTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(zap.String("component", "transport"))
	return h
}

// PostJSON posts body and succeeds only on a 2xx response.
func (h *HTTP) PostJSON(ctx context.Context, url string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if session := sessionOf(body); session != "" {
		req.Header.Set(SessionHeader, session)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: url, Status: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// SendFireAndForget marshals body synchronously and posts it in the
// background. It returns false when the body cannot be encoded or the
// transport is closed; the response is never inspected.
func (h *HTTP) SendFireAndForget(url string, body any) bool {
	payload, err := json.Marshal(body)
	if err != nil {
		h.logger.Warn("failed to marshal beacon", zap.Error(err))
		return false
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.wg.Add(1)
	h.mu.Unlock()

	session := sessionOf(body)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.beaconTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if session != "" {
			req.Header.Set(SessionHeader, session)
		}
		resp, err := h.client.Do(req)
		if err != nil {
			h.logger.Debug("beacon failed", zap.String("url", url), zap.Error(err))
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	return true
}

// Close refuses new beacons and waits up to timeout for in-flight ones.
// It reports whether every beacon finished in time.
func (h *HTTP) Close(timeout time.Duration) bool {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func sessionOf(body any) string {
	switch b := body.(type) {
	case events.Batch:
		return b.SessionID
	case *events.Batch:
		return b.SessionID
	case events.Event:
		return b.SessionID
	case *events.Event:
		return b.SessionID
	}
	return ""
}
