// Package actions converts host interaction events into categorized
// user-action entries, with session-level aggregates (action count,
// scroll depth, idle state).
package actions

import (
	"strings"
	"sync"
	"time"

	"github.com/aistudycircle/telemetry"
)

// Config enumerates independently toggleable tracking categories.
type Config struct {
	Clicks     bool
	Forms      bool
	Navigation bool
	Scrolling  bool
	Focus      bool
	Keyboard   bool
	Touch      bool
	Viewport   bool
	Lifecycle  bool

	// ScrollThreshold is the milestone step in percent. Default 25.
	ScrollThreshold int
	// DebounceDelay bounds high-frequency sources (scroll, resize,
	// keyboard, touch). Default 100ms.
	DebounceDelay time.Duration
	// IdleTimeout is the inactivity window before the session is
	// classified idle. Default 5m.
	IdleTimeout time.Duration

	// MaxTextLen / MaxValueLen cap captured element text and input
	// value previews. Full values are never recorded.
	MaxTextLen  int
	MaxValueLen int
}

// DefaultConfig enables every category with the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Clicks:     true,
		Forms:      true,
		Navigation: true,
		Scrolling:  true,
		Focus:      true,
		Keyboard:   true,
		Touch:      true,
		Viewport:   true,
		Lifecycle:  true,
	}
}

// specialKeys are the only plain keys worth recording; everything else
// would amount to keystroke capture.
var specialKeys = map[string]bool{
	"Enter": true, "Escape": true, "Tab": true, "Backspace": true,
	"Delete": true, "ArrowUp": true, "ArrowDown": true, "ArrowLeft": true,
	"ArrowRight": true, "Home": true, "End": true, "PageUp": true,
	"PageDown": true,
}

// Tracker owns one session's interaction stream. Construct it with the
// client it feeds and Close it on teardown; Close emits a final
// session_end action carrying the session summary.
type Tracker struct {
	client *telemetry.Client
	cfg    Config
	now    func() time.Time

	mu          sync.Mutex
	started     time.Time
	actionCount int
	maxScroll   int
	milestones  map[int]bool
	idle        bool
	idleSince   time.Time
	idleTimer   *time.Timer
	debouncers  map[string]*time.Timer
	closed      bool
}

type Options struct {
	Config Config
	Now    func() time.Time
}

func NewTracker(client *telemetry.Client, opts Options) *Tracker {
	cfg := opts.Config
	if cfg.ScrollThreshold <= 0 || cfg.ScrollThreshold > 100 {
		cfg.ScrollThreshold = 25
	}
	if cfg.DebounceDelay == 0 {
		cfg.DebounceDelay = 100 * time.Millisecond
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.MaxTextLen <= 0 {
		cfg.MaxTextLen = 50
	}
	if cfg.MaxValueLen <= 0 {
		cfg.MaxValueLen = 20
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}

	t := &Tracker{
		client:     client,
		cfg:        cfg,
		now:        nowFn,
		started:    nowFn(),
		milestones: make(map[int]bool),
		debouncers: make(map[string]*time.Timer),
	}
	t.resetIdleTimer()
	return t
}

// TrackAction is the funnel through which every tracked event becomes
// an entry, annotated with a live snapshot of the session aggregates.
func (t *Tracker) TrackAction(action string, data map[string]any) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	wake := t.wakeLocked()
	t.mu.Unlock()

	if wake != nil {
		t.record("idle_end", wake)
	}
	t.record(action, data)
}

// record bypasses idle handling; idle_start/idle_end themselves must
// not count as activity.
func (t *Tracker) record(action string, data map[string]any) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.actionCount++
	snapshot := t.sessionSnapshotLocked()
	t.mu.Unlock()

	if data == nil {
		data = map[string]any{}
	}
	data["sessionData"] = snapshot
	if t.client != nil {
		t.client.LogUserAction(action, data)
	}
}

// wakeLocked flips idle back to active. Caller holds t.mu and emits the
// returned idle_end payload (nil when the session was already active)
// before the triggering action is recorded.
func (t *Tracker) wakeLocked() map[string]any {
	t.resetIdleTimerLocked()
	if !t.idle {
		return nil
	}
	t.idle = false
	return map[string]any{
		"idleMs": t.now().Sub(t.idleSince).Milliseconds(),
	}
}

func (t *Tracker) resetIdleTimer() {
	t.mu.Lock()
	t.resetIdleTimerLocked()
	t.mu.Unlock()
}

func (t *Tracker) resetIdleTimerLocked() {
	if t.closed {
		return
	}
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleTimer = time.AfterFunc(t.cfg.IdleTimeout, t.onIdleTimeout)
}

func (t *Tracker) onIdleTimeout() {
	t.mu.Lock()
	if t.closed || t.idle {
		t.mu.Unlock()
		return
	}
	t.idle = true
	t.idleSince = t.now()
	timeout := t.cfg.IdleTimeout
	t.mu.Unlock()

	t.record("idle_start", map[string]any{
		"timeoutMs": timeout.Milliseconds(),
	})
}

// IsIdle reports the session's idle classification.
func (t *Tracker) IsIdle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idle
}

func (t *Tracker) sessionSnapshotLocked() map[string]any {
	return map[string]any{
		"actions":     t.actionCount,
		"timeOnPage":  t.now().Sub(t.started).Milliseconds(),
		"scrollDepth": t.maxScroll,
	}
}

// debounce keeps only the last invocation per key within the window.
func (t *Tracker) debounce(key string, fn func()) {
	if t.cfg.DebounceDelay <= 0 {
		fn()
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if prev, ok := t.debouncers[key]; ok {
		prev.Stop()
	}
	t.debouncers[key] = time.AfterFunc(t.cfg.DebounceDelay, fn)
	t.mu.Unlock()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ClickEvent carries a deliberately limited element descriptor: a
// truncated text snippet, never a DOM serialization.
type ClickEvent struct {
	Element   string
	ElementID string
	Text      string
	X, Y      int
	Button    string
	Modifiers []string
}

func (t *Tracker) Click(e ClickEvent) {
	if !t.cfg.Clicks {
		return
	}
	t.TrackAction("click", map[string]any{
		"element":   e.Element,
		"elementId": e.ElementID,
		"text":      truncate(e.Text, t.cfg.MaxTextLen),
		"x":         e.X,
		"y":         e.Y,
		"button":    e.Button,
		"modifiers": e.Modifiers,
	})
}

// FieldEvent describes a form-field interaction. Only a short value
// preview is kept.
type FieldEvent struct {
	Form  string
	Field string
	Kind  string
	Value string
}

func (t *Tracker) FieldChange(e FieldEvent) {
	if !t.cfg.Forms {
		return
	}
	t.TrackAction("field_change", map[string]any{
		"form":         e.Form,
		"field":        e.Field,
		"kind":         e.Kind,
		"valuePreview": truncate(e.Value, t.cfg.MaxValueLen),
	})
}

func (t *Tracker) FormSubmit(form string, fieldCount int) {
	if !t.cfg.Forms {
		return
	}
	t.TrackAction("form_submit", map[string]any{
		"form":       form,
		"fieldCount": fieldCount,
	})
}

// Navigate records hash/popstate/link transitions.
func (t *Tracker) Navigate(kind, from, to string) {
	if !t.cfg.Navigation {
		return
	}
	t.TrackAction("navigation", map[string]any{
		"kind": kind,
		"from": from,
		"to":   to,
	})
}

// Scroll is debounced; the final position updates the session's
// high-water mark and emits any newly crossed milestones.
func (t *Tracker) Scroll(depthPercent int) {
	if !t.cfg.Scrolling {
		return
	}
	if depthPercent < 0 {
		depthPercent = 0
	}
	if depthPercent > 100 {
		depthPercent = 100
	}
	t.debounce("scroll", func() { t.scrollSettled(depthPercent) })
}

func (t *Tracker) scrollSettled(depth int) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if depth > t.maxScroll {
		t.maxScroll = depth
	}
	var crossed []int
	for m := t.cfg.ScrollThreshold; m <= 100; m += t.cfg.ScrollThreshold {
		if depth >= m && !t.milestones[m] {
			t.milestones[m] = true
			crossed = append(crossed, m)
		}
	}
	t.mu.Unlock()

	for _, m := range crossed {
		t.TrackAction("scroll_depth", map[string]any{"depth": m})
	}
}

// KeyDown records special keys and modifier combinations only; plain
// printable keys are ignored so typed content is never captured.
func (t *Tracker) KeyDown(key string, modifiers []string) {
	if !t.cfg.Keyboard {
		return
	}
	hasModifier := false
	for _, m := range modifiers {
		switch strings.ToLower(m) {
		case "ctrl", "alt", "meta":
			hasModifier = true
		}
	}
	if !specialKeys[key] && !hasModifier {
		return
	}
	t.debounce("key:"+key, func() {
		t.TrackAction("key_press", map[string]any{
			"key":       key,
			"modifiers": modifiers,
		})
	})
}

func (t *Tracker) Swipe(direction string, dx, dy int) {
	if !t.cfg.Touch {
		return
	}
	t.TrackAction("swipe", map[string]any{
		"direction": direction,
		"dx":        dx,
		"dy":        dy,
	})
}

// Resize is debounced; rapid viewport churn collapses to the last size.
func (t *Tracker) Resize(width, height int) {
	if !t.cfg.Viewport {
		return
	}
	t.debounce("resize", func() {
		t.TrackAction("viewport_resize", map[string]any{
			"width":  width,
			"height": height,
		})
	})
}

func (t *Tracker) OrientationChange(orientation string) {
	if !t.cfg.Viewport {
		return
	}
	t.TrackAction("orientation_change", map[string]any{
		"orientation": orientation,
	})
}

// VisibilityChange records tab/window visibility flips. Becoming
// visible counts as activity; hiding does not.
func (t *Tracker) VisibilityChange(visible bool) {
	if !t.cfg.Focus {
		return
	}
	if visible {
		t.TrackAction("visibility_visible", nil)
		return
	}
	t.record("visibility_hidden", nil)
}

func (t *Tracker) FocusChange(focused bool) {
	if !t.cfg.Focus {
		return
	}
	if focused {
		t.TrackAction("focus_gained", nil)
		return
	}
	t.record("focus_lost", nil)
}

func (t *Tracker) PageLoad(page string) {
	if !t.cfg.Lifecycle {
		return
	}
	t.TrackAction("page_load", map[string]any{"page": page})
}

// Close stops the idle and debounce timers and emits session_end with
// the final summary. Idempotent.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	for _, timer := range t.debouncers {
		timer.Stop()
	}
	t.debouncers = nil
	summary := t.sessionSnapshotLocked()
	summary["wasIdle"] = t.idle
	t.closed = true
	t.mu.Unlock()

	if t.client != nil {
		t.client.LogUserAction("session_end", map[string]any{
			"sessionData": summary,
		})
	}
}
