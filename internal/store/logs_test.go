package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/aistudycircle/telemetry/internal/ingest"
	"github.com/aistudycircle/telemetry/internal/model"
	"github.com/aistudycircle/telemetry/internal/store"
	"github.com/aistudycircle/telemetry/internal/testkit"
)

func entry(id, msg string, ts time.Time) ingest.EntryPayload {
	return ingest.EntryPayload{
		ID:        id,
		Timestamp: &ts,
		Level:     "info",
		Message:   msg,
		Context: map[string]any{
			"sessionId": "s_abc",
			"userId":    "u1",
			"category":  "user_action",
			"page":      "/dashboard",
		},
		Source:    "frontend",
		SessionID: "s_batch",
	}
}

func TestRowFromPayload(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 2, 1, 10, 30, 0, 0, time.UTC)
	row, err := store.RowFromPayload("7", entry("e1", "clicked", ts))
	if err != nil {
		t.Fatalf("RowFromPayload: %v", err)
	}
	if row.ProjectID != 7 || row.EntryID != "e1" || row.Message != "clicked" {
		t.Fatalf("row = %+v", row)
	}
	// Context sessionId wins over the batch-level one.
	if row.SessionID != "s_abc" {
		t.Fatalf("sessionID = %q", row.SessionID)
	}
	if row.UserID != "u1" || row.Category != "user_action" || row.Page != "/dashboard" {
		t.Fatalf("extracted columns wrong: %+v", row)
	}
	if !row.Timestamp.Equal(ts) {
		t.Fatalf("timestamp = %v", row.Timestamp)
	}

	if _, err := store.RowFromPayload("abc", entry("e1", "m", ts)); err == nil {
		t.Fatalf("expected error for non-numeric project id")
	}
	if _, err := store.RowFromPayload("7", ingest.EntryPayload{ID: "x", Message: "m"}); err == nil {
		t.Fatalf("expected error for missing timestamp")
	}
	bad := entry("", "m", ts)
	if _, err := store.RowFromPayload("7", bad); err == nil {
		t.Fatalf("expected error for missing entry id")
	}
}

func TestInsertBatch_DeduplicatesByEntryID(t *testing.T) {
	t.Parallel()

	db := testkit.OpenTestDB(t)
	ctx := context.Background()
	ts := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	first, err := store.RowFromPayload("1", entry("dup", "original", ts))
	if err != nil {
		t.Fatalf("RowFromPayload: %v", err)
	}
	second, err := store.RowFromPayload("1", entry("dup", "redelivered", ts))
	if err != nil {
		t.Fatalf("RowFromPayload: %v", err)
	}
	third, err := store.RowFromPayload("1", entry("other", "distinct", ts))
	if err != nil {
		t.Fatalf("RowFromPayload: %v", err)
	}

	if err := store.InsertBatch(ctx, db, []model.TelemetryLog{first}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	// Redelivery of the same entry id is silently skipped.
	if err := store.InsertBatch(ctx, db, []model.TelemetryLog{second, third}); err != nil {
		t.Fatalf("InsertBatch redelivery: %v", err)
	}

	var count int64
	if err := db.Model(&model.TelemetryLog{}).Count(&count).Error; err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Fatalf("row count = %d, want 2", count)
	}

	var kept model.TelemetryLog
	if err := db.Where("entry_id = ?", "dup").First(&kept).Error; err != nil {
		t.Fatalf("First: %v", err)
	}
	if kept.Message != "original" {
		t.Fatalf("first write must win, got %q", kept.Message)
	}
}

func TestRecentLogs(t *testing.T) {
	t.Parallel()

	db := testkit.OpenTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	var rows []model.TelemetryLog
	for i := 0; i < 5; i++ {
		r, err := store.RowFromPayload("3", entry(
			"id"+string(rune('a'+i)),
			"msg",
			base.Add(time.Duration(i)*time.Minute),
		))
		if err != nil {
			t.Fatalf("RowFromPayload: %v", err)
		}
		rows = append(rows, r)
	}
	if err := store.InsertBatch(ctx, db, rows); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	got, err := store.RecentLogs(ctx, db, 3, 3)
	if err != nil {
		t.Fatalf("RecentLogs: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].EntryID != "ide" || got[2].EntryID != "idc" {
		t.Fatalf("newest-first ordering broken: %v, %v", got[0].EntryID, got[2].EntryID)
	}

	other, err := store.RecentLogs(ctx, db, 4, 10)
	if err != nil {
		t.Fatalf("store.RecentLogs(4): %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("project isolation broken: %d rows", len(other))
	}
}
