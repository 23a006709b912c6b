package telemetry

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func readBody(t *testing.T, r *http.Request) []byte {
	t.Helper()
	defer r.Body.Close()

	var rd io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Fatalf("gzip.NewReader: %v", err)
		}
		defer zr.Close()
		rd = zr
	}

	b, err := io.ReadAll(rd)
	if err != nil {
		t.Fatalf("io.ReadAll: %v", err)
	}
	return b
}

type capturedCall struct {
	Path    string
	Headers http.Header
	Batch   deliveryBatch
}

type captureServer struct {
	mu    sync.Mutex
	calls []capturedCall
	srv   *httptest.Server
}

func newCaptureServer(t *testing.T) *captureServer {
	t.Helper()
	cs := &captureServer{}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := readBody(t, r)
		var batch deliveryBatch
		if err := json.Unmarshal(body, &batch); err != nil {
			t.Errorf("unmarshal batch: %v (body=%s)", err, string(body))
		}
		cs.mu.Lock()
		cs.calls = append(cs.calls, capturedCall{Path: r.URL.Path, Headers: r.Header.Clone(), Batch: batch})
		cs.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *captureServer) snapshot() []capturedCall {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]capturedCall(nil), cs.calls...)
}

func newTestClient(t *testing.T, opts Options) *Client {
	t.Helper()
	if opts.ProjectID == 0 {
		opts.ProjectID = 1
	}
	if opts.FlushInterval == 0 {
		opts.FlushInterval = -1
	}
	opts.DisableStorage = true
	client, err := NewClient(opts)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	return client
}

func TestClient_FlushDeliversWholeQueue(t *testing.T) {
	t.Parallel()

	cs := newCaptureServer(t)
	client := newTestClient(t, Options{
		BaseURL:    cs.srv.URL,
		ProjectKey: "pk_test",
		Gzip:       true,
	})

	client.Info("first", map[string]any{"k": "v"}, nil)
	client.Warn("second", nil, nil)

	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	calls := cs.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected 1 request, got %d", len(calls))
	}
	call := calls[0]
	if call.Path != "/api/1/telemetry/" {
		t.Fatalf("unexpected path %q", call.Path)
	}
	if call.Headers.Get("X-Project-Key") != "pk_test" {
		t.Fatalf("missing X-Project-Key header")
	}
	if call.Headers.Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip content encoding")
	}
	if call.Batch.Source != "frontend" {
		t.Fatalf("source = %q, want frontend", call.Batch.Source)
	}
	if !strings.HasPrefix(call.Batch.SessionID, "s_") {
		t.Fatalf("sessionId = %q, want s_ prefix", call.Batch.SessionID)
	}
	if len(call.Batch.Logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(call.Batch.Logs))
	}
	if call.Batch.Logs[0].Message != "first" || call.Batch.Logs[1].Message != "second" {
		t.Fatalf("order not preserved: %q, %q", call.Batch.Logs[0].Message, call.Batch.Logs[1].Message)
	}
	if call.Batch.Logs[0].ID == "" || call.Batch.Logs[0].ID == call.Batch.Logs[1].ID {
		t.Fatalf("entry ids must be unique and non-empty")
	}
	if client.QueueLen() != 0 {
		t.Fatalf("queue not cleared after flush: %d", client.QueueLen())
	}
}

func TestClient_BatchSizeTriggersFlush(t *testing.T) {
	t.Parallel()

	cs := newCaptureServer(t)
	client := newTestClient(t, Options{
		BaseURL:   cs.srv.URL,
		BatchSize: 2,
	})

	client.Info("a", nil, nil)
	client.Info("b", nil, nil)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if calls := cs.snapshot(); len(calls) >= 1 {
			if got := len(calls[0].Batch.Logs); got != 2 {
				t.Fatalf("expected batch of 2, got %d", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch-size flush never happened")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if client.QueueLen() != 0 {
		t.Fatalf("queue not drained: %d", client.QueueLen())
	}
}

func TestClient_MaxQueueSizeDropsOldest(t *testing.T) {
	t.Parallel()

	cs := newCaptureServer(t)
	client := newTestClient(t, Options{
		BaseURL:      cs.srv.URL,
		MaxQueueSize: 3,
		BatchSize:    100,
	})

	for _, msg := range []string{"1", "2", "3", "4"} {
		client.Info(msg, nil, nil)
	}
	if client.QueueLen() != 3 {
		t.Fatalf("queue len = %d, want 3", client.QueueLen())
	}

	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	calls := cs.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected 1 request, got %d", len(calls))
	}
	var got []string
	for _, e := range calls[0].Batch.Logs {
		got = append(got, e.Message)
	}
	want := []string{"2", "3", "4"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kept %v, want %v", got, want)
		}
	}
}

func TestClient_LevelFilterStillReturnsID(t *testing.T) {
	t.Parallel()

	cs := newCaptureServer(t)
	client := newTestClient(t, Options{
		BaseURL:  cs.srv.URL,
		LogLevel: LevelWarn,
	})

	if id := client.Debug("nope", nil, nil); id == "" {
		t.Fatalf("filtered entry must still return an id")
	}
	if id := client.Info("nope", nil, nil); id == "" {
		t.Fatalf("filtered entry must still return an id")
	}
	client.Warn("yes", nil, nil)
	client.Error("also", nil, nil)

	if got := client.QueueLen(); got != 2 {
		t.Fatalf("queue len = %d, want 2", got)
	}
}

func TestClient_FlushFailureRestoresQueueInOrder(t *testing.T) {
	t.Parallel()

	var fail bool
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		f := fail
		mu.Unlock()
		if f {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	sink := &CountingSink{}
	client := newTestClient(t, Options{
		BaseURL: srv.URL,
		Sink:    sink,
	})

	mu.Lock()
	fail = true
	mu.Unlock()

	client.Info("a", nil, nil)
	client.Info("b", nil, nil)

	for i := 0; i < 3; i++ {
		if err := client.Flush(context.Background()); err == nil {
			t.Fatalf("expected flush error")
		}
	}
	if got := client.QueueLen(); got != 2 {
		t.Fatalf("queue len after failures = %d, want 2", got)
	}
	if got := sink.Count("flush"); got != 3 {
		t.Fatalf("sink flush count = %d, want 3", got)
	}

	mu.Lock()
	fail = false
	mu.Unlock()
	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("Flush after recovery: %v", err)
	}
	if got := client.QueueLen(); got != 0 {
		t.Fatalf("queue len after recovery = %d, want 0", got)
	}
}

func TestClient_EnqueueDuringFlushFormsNextBatch(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once

	var mu sync.Mutex
	var batches []deliveryBatch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := readBody(t, r)
		var batch deliveryBatch
		_ = json.Unmarshal(body, &batch)
		mu.Lock()
		batches = append(batches, batch)
		first := len(batches) == 1
		mu.Unlock()
		if first {
			once.Do(func() { close(entered) })
			<-release
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(t, Options{BaseURL: srv.URL, Timeout: 10 * time.Second})

	client.Info("in-flight", nil, nil)

	flushDone := make(chan error, 1)
	go func() { flushDone <- client.Flush(context.Background()) }()

	<-entered
	client.Info("late", nil, nil)
	close(release)

	if err := <-flushDone; err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := client.QueueLen(); got != 1 {
		t.Fatalf("late entry must survive the in-flight flush, queue len = %d", got)
	}
	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if len(batches[0].Logs) != 1 || batches[0].Logs[0].Message != "in-flight" {
		t.Fatalf("first batch wrong: %+v", batches[0].Logs)
	}
	if len(batches[1].Logs) != 1 || batches[1].Logs[0].Message != "late" {
		t.Fatalf("second batch wrong: %+v", batches[1].Logs)
	}
}

func TestClient_EmptyFlushMakesNoRequest(t *testing.T) {
	t.Parallel()

	cs := newCaptureServer(t)
	client := newTestClient(t, Options{BaseURL: cs.srv.URL})

	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if calls := cs.snapshot(); len(calls) != 0 {
		t.Fatalf("empty flush made %d requests", len(calls))
	}
}

func TestClient_LogAPICallEscalatesOnFailureStatus(t *testing.T) {
	t.Parallel()

	cs := newCaptureServer(t)
	client := newTestClient(t, Options{BaseURL: cs.srv.URL})

	client.LogAPICall("GET", "/v1/ok", 200, 120*time.Millisecond, nil)
	client.LogAPICall("POST", "/v1/fail", 502, 80*time.Millisecond, nil)

	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	calls := cs.snapshot()
	if len(calls) != 1 || len(calls[0].Batch.Logs) != 2 {
		t.Fatalf("unexpected delivery shape")
	}
	logs := calls[0].Batch.Logs
	if logs[0].Level != LevelInfo {
		t.Fatalf("2xx call level = %s, want info", logs[0].Level)
	}
	if logs[1].Level != LevelError {
		t.Fatalf("5xx call level = %s, want error", logs[1].Level)
	}
	if logs[1].Context["category"] != string(CategoryAPI) {
		t.Fatalf("category = %v, want %s", logs[1].Context["category"], CategoryAPI)
	}
}

func TestClient_SetUserAttachesIdentity(t *testing.T) {
	t.Parallel()

	cs := newCaptureServer(t)
	client := newTestClient(t, Options{BaseURL: cs.srv.URL})

	client.SetUser("u42", map[string]any{"plan": "pro"})
	client.Info("after", nil, nil)

	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	calls := cs.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected 1 request, got %d", len(calls))
	}
	logs := calls[0].Batch.Logs
	if len(logs) != 2 {
		t.Fatalf("expected identity entry plus log, got %d entries", len(logs))
	}
	if logs[0].Message != "user context updated" {
		t.Fatalf("first entry = %q", logs[0].Message)
	}
	for _, e := range logs {
		if e.Context["userId"] != "u42" {
			t.Fatalf("entry %q missing userId: %v", e.Message, e.Context)
		}
	}
}

func TestClient_CloseSendsBeacon(t *testing.T) {
	t.Parallel()

	cs := newCaptureServer(t)
	client := newTestClient(t, Options{BaseURL: cs.srv.URL, BatchSize: 100})

	client.Info("pending", nil, nil)
	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Idempotent.
	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	calls := cs.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected 1 beacon request, got %d", len(calls))
	}
	if calls[0].Path != "/api/1/telemetry/beacon/" {
		t.Fatalf("beacon path = %q", calls[0].Path)
	}
	if len(calls[0].Batch.Logs) != 1 || calls[0].Batch.Logs[0].Message != "pending" {
		t.Fatalf("beacon did not carry the queue")
	}
}

func TestClient_CloseBeaconFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	sink := &CountingSink{}
	client := newTestClient(t, Options{BaseURL: srv.URL, Sink: sink})

	client.Info("pending", nil, nil)
	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("Close must not surface beacon failure: %v", err)
	}
	if got := sink.Count("beacon"); got != 1 {
		t.Fatalf("sink beacon count = %d, want 1", got)
	}
}

func TestClient_DisabledIsNoOp(t *testing.T) {
	t.Parallel()

	client, err := NewClient(Options{Disabled: true})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if id := client.Info("ignored", nil, nil); id == "" {
		t.Fatalf("disabled client must still return ids")
	}
	if got := client.QueueLen(); got != 0 {
		t.Fatalf("disabled client queued %d entries", got)
	}
	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestClient_ConsoleMirror(t *testing.T) {
	t.Parallel()

	cs := newCaptureServer(t)
	var buf bytes.Buffer
	client := newTestClient(t, Options{
		BaseURL:       cs.srv.URL,
		EnableConsole: true,
		ConsoleWriter: &buf,
	})

	client.Warn("watch out", nil, nil)
	if !strings.Contains(buf.String(), "watch out") || !strings.Contains(buf.String(), "warn") {
		t.Fatalf("console mirror missing entry: %q", buf.String())
	}
}
