package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aistudycircle/telemetry/internal/ingest"
	"github.com/aistudycircle/telemetry/internal/model"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RowFromPayload maps one queued entry to its table row, extracting the
// indexed columns out of the context map.
func RowFromPayload(projectID string, entry ingest.EntryPayload) (model.TelemetryLog, error) {
	pid, err := parseProjectID(projectID)
	if err != nil {
		return model.TelemetryLog{}, err
	}
	if entry.Timestamp == nil {
		return model.TelemetryLog{}, errors.New("timestamp required")
	}
	if strings.TrimSpace(entry.ID) == "" {
		return model.TelemetryLog{}, errors.New("entry id required")
	}

	sessionID := entry.SessionID
	userID := ""
	category := ""
	page := ""
	if entry.Context != nil {
		if v, ok := entry.Context["sessionId"].(string); ok && v != "" {
			sessionID = v
		}
		if v, ok := entry.Context["userId"].(string); ok {
			userID = v
		}
		if v, ok := entry.Context["category"].(string); ok {
			category = v
		}
		if v, ok := entry.Context["page"].(string); ok {
			page = v
		}
	}

	data, _ := json.Marshal(entry.Data)
	entryCtx, _ := json.Marshal(entry.Context)

	return model.TelemetryLog{
		EntryID:     strings.TrimSpace(entry.ID),
		ProjectID:   pid,
		Timestamp:   entry.Timestamp.UTC(),
		SessionID:   strings.TrimSpace(sessionID),
		UserID:      strings.TrimSpace(userID),
		Source:      strings.TrimSpace(entry.Source),
		Level:       strings.TrimSpace(entry.Level),
		Category:    strings.TrimSpace(category),
		Page:        page,
		Message:     entry.Message,
		Environment: strings.TrimSpace(entry.Environment),
		Version:     strings.TrimSpace(entry.Version),
		Data:        datatypes.JSON(data),
		Context:     datatypes.JSON(entryCtx),
	}, nil
}

// InsertBatch writes rows, silently skipping entry ids already stored.
// Clients deliver at-least-once; the unique entry_id index plus
// DO NOTHING yields exactly-once rows.
func InsertBatch(ctx context.Context, db *gorm.DB, rows []model.TelemetryLog) error {
	if db == nil || len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "entry_id"}}, DoNothing: true}).
		CreateInBatches(&rows, 200).Error
}

// Insert writes a single row with the same dedup semantics.
func Insert(ctx context.Context, db *gorm.DB, projectID string, entry ingest.EntryPayload) error {
	row, err := RowFromPayload(projectID, entry)
	if err != nil {
		return err
	}
	return InsertBatch(ctx, db, []model.TelemetryLog{row})
}

// RecentLogs returns the newest rows for a project, newest first.
func RecentLogs(ctx context.Context, db *gorm.DB, projectID, limit int) ([]model.TelemetryLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []model.TelemetryLog
	err := db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func parseProjectID(s string) (int, error) {
	pid, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid project id %q", s)
	}
	return pid, nil
}
