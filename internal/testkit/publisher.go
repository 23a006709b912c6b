package testkit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aistudycircle/telemetry/internal/ingest"
	"github.com/aistudycircle/telemetry/internal/store"
	"gorm.io/gorm"
)

// InlinePublisher bypasses the message queue in tests by writing
// straight to the DB.
type InlinePublisher struct {
	DB *gorm.DB
}

func (p *InlinePublisher) Publish(_ string, body []byte) error {
	if p.DB == nil {
		return errors.New("testkit: DB is nil")
	}

	var msg ingest.QueueMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return err
	}
	if msg.Type != "telemetry_log" {
		return nil
	}

	var entry ingest.EntryPayload
	if err := json.Unmarshal(msg.Payload, &entry); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return store.Insert(ctx, p.DB, msg.ProjectID, entry)
}
