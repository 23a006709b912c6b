// Package apilog correlates and logs outbound HTTP request/response/
// error triples without altering the calling code's control flow.
package apilog

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aistudycircle/telemetry"
	"github.com/google/uuid"
)

// Failure classification recorded under data["errorType"].
const (
	ErrorTypeResponse     = "response_error"
	ErrorTypeNetwork      = "network_error"
	ErrorTypeRequestSetup = "request_setup_error"
)

type Options struct {
	// Base is the wrapped transport. Default http.DefaultTransport.
	Base http.RoundTripper

	// SlowThreshold triggers an extra warning entry. Default 3s.
	SlowThreshold time.Duration
	// MaxBodyBytes caps logged request body previews. Default 1024.
	MaxBodyBytes int

	// LogHeaders includes sanitized request headers in the entry.
	LogHeaders bool
	// LogBody includes a truncated request body preview. Only bodies
	// reachable through req.GetBody are read, so the original request
	// is never disturbed.
	LogBody bool

	// Exclude lists URL prefixes that are never logged. List the
	// telemetry gateway's own base URL here to avoid a feedback loop.
	Exclude []string

	// PendingTTL evicts correlation state for calls that never
	// resolve (caller-side aborts outside this transport). Default 2m.
	PendingTTL time.Duration

	Now func() time.Time
}

type pendingCall struct {
	start  time.Time
	method string
	url    string
}

// Transport wraps an http.RoundTripper. It re-returns exactly what the
// wrapped transport produced; the only side effect is telemetry.
type Transport struct {
	client *telemetry.Client
	base   http.RoundTripper
	opts   Options
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]pendingCall
	closed  bool

	janitor *time.Ticker
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewTransport(client *telemetry.Client, opts Options) *Transport {
	if opts.Base == nil {
		opts.Base = http.DefaultTransport
	}
	if opts.SlowThreshold <= 0 {
		opts.SlowThreshold = 3 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1024
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 2 * time.Minute
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}

	t := &Transport{
		client:  client,
		base:    opts.Base,
		opts:    opts,
		now:     nowFn,
		pending: make(map[string]pendingCall),
		done:    make(chan struct{}),
	}

	t.janitor = time.NewTicker(opts.PendingTTL / 2)
	t.wg.Add(1)
	go t.sweepLoop()

	return t
}

func (t *Transport) sweepLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.janitor.C:
			t.sweep()
		case <-t.done:
			return
		}
	}
}

func (t *Transport) sweep() {
	cutoff := t.now().Add(-t.opts.PendingTTL)
	t.mu.Lock()
	for id, p := range t.pending {
		if p.start.Before(cutoff) {
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()
}

// PendingCount reports live correlation entries.
func (t *Transport) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Transport) excluded(url string) bool {
	for _, prefix := range t.opts.Exclude {
		if prefix != "" && strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	url := req.URL.String()
	if t.client == nil || t.excluded(url) {
		return t.base.RoundTrip(req)
	}

	requestID := uuid.NewString()
	start := t.now()

	t.mu.Lock()
	t.pending[requestID] = pendingCall{start: start, method: req.Method, url: url}
	t.mu.Unlock()

	t.logRequest(requestID, req, url)

	res, err := t.base.RoundTrip(req)

	duration := time.Duration(0)
	t.mu.Lock()
	if p, ok := t.pending[requestID]; ok {
		duration = t.now().Sub(p.start)
		delete(t.pending, requestID)
	}
	t.mu.Unlock()

	if err != nil {
		t.client.Error("api call failed", map[string]any{
			"requestId": requestID,
			"method":    req.Method,
			"url":       url,
			"duration":  duration.Milliseconds(),
			"errorType": classify(req, err),
			"error":     err.Error(),
		}, map[string]any{"category": telemetry.CategoryAPI})
		return res, err
	}

	data := map[string]any{"requestId": requestID}
	if t.opts.LogHeaders {
		data["responseHeaders"] = SanitizeHeaders(res.Header)
	}
	t.client.LogAPICall(req.Method, url, res.StatusCode, duration, data)

	if duration > t.opts.SlowThreshold {
		t.client.Warn("slow api call", map[string]any{
			"requestId":   requestID,
			"method":      req.Method,
			"url":         url,
			"duration":    duration.Milliseconds(),
			"thresholdMs": t.opts.SlowThreshold.Milliseconds(),
		}, map[string]any{"category": telemetry.CategoryAPI})
	}

	return res, err
}

func (t *Transport) logRequest(requestID string, req *http.Request, url string) {
	data := map[string]any{
		"requestId": requestID,
		"method":    req.Method,
		"url":       url,
	}
	if t.opts.LogHeaders {
		data["headers"] = SanitizeHeaders(req.Header)
	}
	if t.opts.LogBody {
		if preview, ok := t.bodyPreview(req); ok {
			data["body"] = preview
		}
	}
	t.client.Debug("api request", data, map[string]any{"category": telemetry.CategoryAPI})
}

// bodyPreview reads a copy of the body via GetBody so the request the
// server sees is untouched.
func (t *Transport) bodyPreview(req *http.Request) (string, bool) {
	if req.GetBody == nil {
		return "", false
	}
	rc, err := req.GetBody()
	if err != nil {
		return "", false
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(rc, int64(t.opts.MaxBodyBytes)+1)); err != nil {
		return "", false
	}
	return TruncateBody(buf.String(), t.opts.MaxBodyBytes), true
}

// classify sorts a transport error into the failure taxonomy: timeouts
// and connection problems are network errors; failures before the
// request could be sent at all are setup errors.
func classify(req *http.Request, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorTypeNetwork
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return ErrorTypeNetwork
	}
	if req.URL == nil || req.URL.Scheme == "" || req.URL.Host == "" {
		return ErrorTypeRequestSetup
	}
	msg := err.Error()
	if strings.Contains(msg, "unsupported protocol") || strings.Contains(msg, "missing URL") ||
		strings.Contains(msg, "invalid header") || strings.Contains(msg, "body") {
		return ErrorTypeRequestSetup
	}
	return ErrorTypeNetwork
}

// Close stops the eviction janitor. The transport remains usable as a
// plain pass-through afterwards but stops pruning state, so callers
// should stop issuing requests through it.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.janitor.Stop()
	close(t.done)
	t.wg.Wait()
}
