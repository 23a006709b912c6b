package model

import (
	"time"

	"gorm.io/datatypes"
)

// TelemetryLog is one ingested pipeline entry. EntryID is the client's
// own id and doubles as the dedup key: redelivery after a lost
// acknowledgement must not create a second row.
type TelemetryLog struct {
	ID        int64     `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	EntryID   string    `gorm:"type:varchar(64);not null;uniqueIndex;column:entry_id" json:"entry_id"`
	ProjectID int       `gorm:"not null;index:idx_telemetry_project_ts,priority:1;column:project_id" json:"project_id"`
	Timestamp time.Time `gorm:"not null;index:idx_telemetry_project_ts,priority:2,sort:desc;column:timestamp" json:"timestamp"`

	SessionID string `gorm:"type:varchar(64);index;column:session_id" json:"session_id,omitempty"`
	UserID    string `gorm:"type:varchar(255);index;column:user_id" json:"user_id,omitempty"`
	Source    string `gorm:"type:varchar(20);column:source" json:"source,omitempty"`

	Level    string `gorm:"type:varchar(20);column:level" json:"level"`
	Category string `gorm:"type:varchar(50);index;column:category" json:"category,omitempty"`
	Page     string `gorm:"type:varchar(500);column:page" json:"page,omitempty"`
	Message  string `gorm:"type:text;not null;column:message" json:"message"`

	Environment string `gorm:"type:varchar(50);column:environment" json:"environment,omitempty"`
	Version     string `gorm:"type:varchar(100);column:version" json:"version,omitempty"`

	Data    datatypes.JSON `gorm:"type:jsonb;not null;default:'{}';column:data" json:"data"`
	Context datatypes.JSON `gorm:"type:jsonb;not null;default:'{}';column:context" json:"context"`
}

func (TelemetryLog) TableName() string { return "telemetry_logs" }
