package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

type persistedQueueState struct {
	V       int        `json:"v"`
	SavedAt *time.Time `json:"saved_at,omitempty"`
	Logs    []LogEntry `json:"logs,omitempty"`
}

// queueStore mirrors the in-memory queue to disk so a process restart
// can recover unsent entries. All failures are best-effort; the
// in-memory queue stays authoritative. A file lock guards against two
// processes sharing the same mirror path.
type queueStore struct {
	path string
	lock *flock.Flock
}

func newQueueStore(path string) *queueStore {
	return &queueStore{path: path, lock: flock.New(path + ".lock")}
}

func defaultQueueFilePath(projectID int64) string {
	base, err := os.UserCacheDir()
	if err != nil || strings.TrimSpace(base) == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "studycircle-telemetry")
	return filepath.Join(dir, "queue_"+strconv.FormatInt(projectID, 10)+".json")
}

func (s *queueStore) Load() (*persistedQueueState, error) {
	if s == nil || strings.TrimSpace(s.path) == "" {
		return nil, nil
	}
	if err := s.lock.Lock(); err == nil {
		defer s.lock.Unlock()
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st persistedQueueState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, err
	}
	if st.V == 0 {
		st.V = 1
	}
	return &st, nil
}

func (s *queueStore) Clear() error {
	if s == nil || strings.TrimSpace(s.path) == "" {
		return nil
	}
	if err := s.lock.Lock(); err == nil {
		defer s.lock.Unlock()
	}
	_ = os.Remove(s.path)
	return nil
}

func (s *queueStore) Save(st *persistedQueueState) error {
	if s == nil || strings.TrimSpace(s.path) == "" {
		return nil
	}
	if st == nil || len(st.Logs) == 0 {
		return s.Clear()
	}

	st.V = 1
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if err := s.lock.Lock(); err == nil {
		defer s.lock.Unlock()
	}

	tmp := s.path + ".tmp." + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(s.path)
		if err2 := os.Rename(tmp, s.path); err2 != nil {
			_ = os.Remove(tmp)
			return err2
		}
	}
	return nil
}

// loadPersistedQueue recovers at most half of maxQueueSize from a prior
// session, leaving headroom for the new session's own entries.
func (c *Client) loadPersistedQueue() {
	if c == nil || c.store == nil {
		return
	}
	st, err := c.store.Load()
	if err != nil {
		c.sink.Drop("storage_load", err)
		return
	}
	if st == nil || len(st.Logs) == 0 {
		return
	}

	keep := c.maxQueueSize / 2
	logs := st.Logs
	if keep > 0 && len(logs) > keep {
		logs = logs[len(logs)-keep:]
	}

	c.mu.Lock()
	c.queue = append([]LogEntry(nil), logs...)
	c.mu.Unlock()
}

func (c *Client) schedulePersist() {
	if c == nil || c.store == nil {
		return
	}
	if c.persistDebounce <= 0 {
		c.persistNow()
		return
	}

	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	if c.persistTimer != nil {
		_ = c.persistTimer.Reset(c.persistDebounce)
		return
	}
	c.persistTimer = time.AfterFunc(c.persistDebounce, func() {
		c.persistNow()
	})
}

func (c *Client) stopPersist() {
	if c == nil || c.store == nil {
		return
	}
	c.persistMu.Lock()
	if c.persistTimer != nil {
		c.persistTimer.Stop()
		c.persistTimer = nil
	}
	c.persistMu.Unlock()
	c.persistNow()
}

func (c *Client) persistNow() {
	if c == nil || c.store == nil {
		return
	}

	c.persistWriteMu.Lock()
	defer c.persistWriteMu.Unlock()

	c.persistMu.Lock()
	if c.persistTimer != nil {
		c.persistTimer.Stop()
		c.persistTimer = nil
	}
	c.persistMu.Unlock()

	var st persistedQueueState
	c.mu.Lock()
	st.Logs = append([]LogEntry(nil), c.queue...)
	c.mu.Unlock()
	now := time.Now().UTC()
	st.SavedAt = &now

	if err := c.store.Save(&st); err != nil {
		c.sink.Drop("storage_save", err)
	}
}
