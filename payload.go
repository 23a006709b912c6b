package telemetry

import "time"

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var levelWeight = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Entry categories attached under context["category"].
const (
	CategoryUserAction  = "user_action"
	CategoryPerformance = "performance"
	CategoryAPI         = "api"
	CategoryNavigation  = "navigation"
	CategorySession     = "session"
)

// LogEntry is one telemetry record. Entries are immutable once created;
// only their position in the queue changes.
type LogEntry struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Level       Level          `json:"level"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Environment string         `json:"environment,omitempty"`
	Version     string         `json:"version,omitempty"`
}

// DeviceInfo is captured once at client construction.
type DeviceInfo struct {
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Runtime   string `json:"runtime"`
	Hostname  string `json:"hostname,omitempty"`
	NumCPU    int    `json:"num_cpu"`
	Locale    string `json:"locale,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

// deliveryBatch is the wire shape of one flush.
type deliveryBatch struct {
	Logs      []LogEntry `json:"logs"`
	Source    string     `json:"source"`
	SessionID string     `json:"sessionId"`
}
