package ingest

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aistudycircle/telemetry/internal/queue"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Topic carries every ingested entry from the HTTP edge to the
// consumers.
const Topic = "telemetry"

// QueueMessage is the envelope published for each accepted entry.
type QueueMessage struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"project_id"`
	Received  time.Time       `json:"received"`
	Payload   json.RawMessage `json:"payload"`
	Meta      *MessageMeta    `json:"meta,omitempty"`
}

type MessageMeta struct {
	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// EntryPayload mirrors the SDK's LogEntry wire shape.
type EntryPayload struct {
	ID          string         `json:"id"`
	Timestamp   *time.Time     `json:"timestamp,omitempty"`
	Level       string         `json:"level"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Environment string         `json:"environment,omitempty"`
	Version     string         `json:"version,omitempty"`

	// Source/SessionID are copied down from the batch envelope before
	// publishing so consumers see self-contained messages.
	Source    string `json:"source,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Batch is the delivery shape posted by the SDK.
type Batch struct {
	Logs      []EntryPayload `json:"logs"`
	Source    string         `json:"source"`
	SessionID string         `json:"sessionId"`
}

// TelemetryHandler accepts a delivery batch and publishes one message
// per entry. Any 2xx answer acknowledges the whole batch.
func TelemetryHandler(publisher queue.Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, ok := decodeBatch(c)
		if !ok {
			return
		}
		bodies := make([][]byte, 0, len(entries))
		for _, entry := range entries {
			msg, err := marshalMessage(c, entry)
			if err != nil {
				c.Status(http.StatusBadRequest)
				return
			}
			bodies = append(bodies, msg)
		}
		if err := publishAll(publisher, bodies); err != nil {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"accepted": len(entries)})
	}
}

// BeaconHandler serves the teardown path: the sender has already moved
// on and never reads the response, so it answers 202 unconditionally.
// Malformed bodies and publish failures are silently dropped.
func BeaconHandler(publisher queue.Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Status(http.StatusAccepted)

		body, err := readBody(c, 5<<20)
		if err != nil {
			return
		}
		entries, err := parseBatch(body)
		if err != nil {
			return
		}
		for _, entry := range entries {
			msg, err := marshalMessage(c, entry)
			if err != nil {
				continue
			}
			_ = publisher.Publish(Topic, msg)
		}
	}
}

func decodeBatch(c *gin.Context) ([]EntryPayload, bool) {
	body, err := readBody(c, 5<<20)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return nil, false
	}
	entries, err := parseBatch(body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return nil, false
	}
	return entries, true
}

var (
	errEmptyBatch   = errors.New("batch has no logs")
	errBlankMessage = errors.New("entry has a blank message")
)

// parseBatch validates a delivery body and fills per-entry defaults.
func parseBatch(body []byte) ([]EntryPayload, error) {
	var batch Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, err
	}
	if len(batch.Logs) == 0 {
		return nil, errEmptyBatch
	}

	now := time.Now().UTC()
	for i := range batch.Logs {
		entry := &batch.Logs[i]
		if strings.TrimSpace(entry.Message) == "" {
			return nil, errBlankMessage
		}
		if strings.TrimSpace(entry.ID) == "" {
			entry.ID = uuid.NewString()
		}
		if strings.TrimSpace(entry.Level) == "" {
			entry.Level = "info"
		}
		if entry.Timestamp == nil {
			ts := now
			entry.Timestamp = &ts
		}
		entry.Source = batch.Source
		if entry.SessionID == "" {
			entry.SessionID = batch.SessionID
		}
	}
	return batch.Logs, nil
}

func marshalMessage(c *gin.Context, entry EntryPayload) ([]byte, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return json.Marshal(QueueMessage{
		Type:      "telemetry_log",
		ProjectID: c.Param("projectId"),
		Received:  time.Now().UTC(),
		Payload:   payload,
		Meta: &MessageMeta{
			ClientIP:  c.ClientIP(),
			UserAgent: c.GetHeader("User-Agent"),
		},
	})
}

func publishAll(publisher queue.Publisher, bodies [][]byte) error {
	if bp, ok := publisher.(queue.BatchPublisher); ok && len(bodies) > 1 {
		return bp.MultiPublish(Topic, bodies)
	}
	for _, b := range bodies {
		if err := publisher.Publish(Topic, b); err != nil {
			return err
		}
	}
	return nil
}

func readBody(c *gin.Context, limit int64) ([]byte, error) {
	defer c.Request.Body.Close()

	raw := io.LimitReader(c.Request.Body, limit)
	enc := strings.ToLower(strings.TrimSpace(c.GetHeader("Content-Encoding")))
	if strings.Contains(enc, "gzip") {
		zr, err := gzip.NewReader(raw)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(io.LimitReader(zr, limit))
	}
	return io.ReadAll(raw)
}
