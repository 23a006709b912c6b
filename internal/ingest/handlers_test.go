package ingest

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type capturePublisher struct {
	mu     sync.Mutex
	single [][]byte
	multi  [][]byte
	fail   bool
}

func (p *capturePublisher) Publish(topic string, body []byte) error {
	if topic != Topic {
		return errors.New("wrong topic")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("queue down")
	}
	p.single = append(p.single, body)
	return nil
}

func (p *capturePublisher) MultiPublish(topic string, bodies [][]byte) error {
	if topic != Topic {
		return errors.New("wrong topic")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("queue down")
	}
	p.multi = append(p.multi, bodies...)
	return nil
}

func (p *capturePublisher) messages(t *testing.T) []QueueMessage {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []QueueMessage
	for _, b := range append(append([][]byte(nil), p.single...), p.multi...) {
		var msg QueueMessage
		if err := json.Unmarshal(b, &msg); err != nil {
			t.Fatalf("unmarshal queue message: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func newRouter(pub *capturePublisher) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/api/:projectId/telemetry/", TelemetryHandler(pub))
	router.POST("/api/:projectId/telemetry/beacon/", BeaconHandler(pub))
	return router
}

func postJSON(t *testing.T, router *gin.Engine, path string, payload any, gzipped bool) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var rd bytes.Buffer
	if gzipped {
		zw := gzip.NewWriter(&rd)
		if _, err := zw.Write(body); err != nil {
			t.Fatalf("gzip: %v", err)
		}
		_ = zw.Close()
	} else {
		rd.Write(body)
	}
	req := httptest.NewRequest(http.MethodPost, path, &rd)
	req.Header.Set("Content-Type", "application/json")
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func sampleBatch() Batch {
	ts := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	return Batch{
		Source:    "frontend",
		SessionID: "s_123",
		Logs: []EntryPayload{
			{ID: "e1", Timestamp: &ts, Level: "info", Message: "first"},
			{Message: "second"}, // id/level/timestamp defaulted
		},
	}
}

func TestTelemetryHandler_AcceptsBatch(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{}
	router := newRouter(pub)

	w := postJSON(t, router, "/api/42/telemetry/", sampleBatch(), false)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var res struct {
		Accepted int `json:"accepted"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil || res.Accepted != 2 {
		t.Fatalf("accepted = %d (err %v)", res.Accepted, err)
	}

	msgs := pub.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.Type != "telemetry_log" || m.ProjectID != "42" {
			t.Fatalf("message envelope wrong: %+v", m)
		}
		var entry EntryPayload
		if err := json.Unmarshal(m.Payload, &entry); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if entry.ID == "" || entry.Level == "" || entry.Timestamp == nil {
			t.Fatalf("defaults not applied: %+v", entry)
		}
		if entry.Source != "frontend" || entry.SessionID != "s_123" {
			t.Fatalf("batch fields not copied down: %+v", entry)
		}
	}
}

func TestTelemetryHandler_GzipBody(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{}
	router := newRouter(pub)

	w := postJSON(t, router, "/api/1/telemetry/", sampleBatch(), true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if len(pub.messages(t)) != 2 {
		t.Fatalf("gzip batch not published")
	}
}

func TestTelemetryHandler_Rejections(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{}
	router := newRouter(pub)

	if w := postJSON(t, router, "/api/1/telemetry/", Batch{Source: "frontend"}, false); w.Code != http.StatusBadRequest {
		t.Fatalf("empty logs: status = %d", w.Code)
	}
	if w := postJSON(t, router, "/api/1/telemetry/", Batch{Logs: []EntryPayload{{Message: "  "}}}, false); w.Code != http.StatusBadRequest {
		t.Fatalf("blank message: status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/1/telemetry/", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed json: status = %d", w.Code)
	}

	if len(pub.messages(t)) != 0 {
		t.Fatalf("rejected batches must not publish")
	}
}

func TestTelemetryHandler_QueueDown(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{fail: true}
	router := newRouter(pub)

	w := postJSON(t, router, "/api/1/telemetry/", sampleBatch(), false)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestBeaconHandler_AlwaysAccepts(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{fail: true}
	router := newRouter(pub)

	w := postJSON(t, router, "/api/1/telemetry/beacon/", sampleBatch(), false)
	if w.Code != http.StatusAccepted {
		t.Fatalf("beacon with queue down: status = %d, want 202", w.Code)
	}

	ok := &capturePublisher{}
	router = newRouter(ok)
	w = postJSON(t, router, "/api/1/telemetry/beacon/", sampleBatch(), false)
	if w.Code != http.StatusAccepted {
		t.Fatalf("beacon: status = %d", w.Code)
	}
	if len(ok.messages(t)) != 2 {
		t.Fatalf("beacon published %d messages, want 2", len(ok.messages(t)))
	}
}

func TestBeaconHandler_MalformedBodyStillAccepted(t *testing.T) {
	t.Parallel()

	pub := &capturePublisher{}
	router := newRouter(pub)

	// The sender never reads the response, so even garbage and empty
	// batches get a 202 and nothing is published.
	req := httptest.NewRequest(http.MethodPost, "/api/1/telemetry/beacon/", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("malformed beacon: status = %d, want 202", w.Code)
	}

	if w := postJSON(t, router, "/api/1/telemetry/beacon/", Batch{Source: "frontend"}, false); w.Code != http.StatusAccepted {
		t.Fatalf("empty beacon: status = %d, want 202", w.Code)
	}
	if w := postJSON(t, router, "/api/1/telemetry/beacon/", Batch{Logs: []EntryPayload{{Message: " "}}}, false); w.Code != http.StatusAccepted {
		t.Fatalf("blank-message beacon: status = %d, want 202", w.Code)
	}

	if len(pub.messages(t)) != 0 {
		t.Fatalf("unparseable beacons must not publish")
	}
}
