// Package perf converts raw performance observations into normalized
// metric entries pushed through the telemetry client.
package perf

import (
	"runtime"
	"sync"
	"time"

	"github.com/aistudycircle/telemetry"
)

const (
	CategoryPaint      = "paint"
	CategoryInput      = "input"
	CategoryLayout     = "layout"
	CategoryNavigation = "navigation"
	CategoryResource   = "resource"
	CategoryLongTask   = "longtask"
	CategoryMemory     = "memory"
	CategoryNetwork    = "network"
	CategoryCustom     = "custom"
)

const (
	RatingGood             = "good"
	RatingNeedsImprovement = "needs-improvement"
	RatingPoor             = "poor"
)

// Web-vitals style classification bounds, milliseconds unless noted.
var thresholds = map[string][2]float64{
	"lcp":       {2500, 4000},
	"fcp":       {1800, 3000},
	"fid":       {100, 300},
	"cls":       {0.1, 0.25}, // unitless score
	"ttfb":      {800, 1800},
	"long_task": {50, 200},
}

func rate(name string, value float64) string {
	t, ok := thresholds[name]
	if !ok {
		return ""
	}
	switch {
	case value <= t[0]:
		return RatingGood
	case value <= t[1]:
		return RatingNeedsImprovement
	default:
		return RatingPoor
	}
}

// Metric is one normalized measurement, mirrored in memory for
// Summary() and wrapped into a log entry on the way to the client.
type Metric struct {
	Name      string         `json:"name"`
	Value     float64        `json:"value"`
	Timestamp time.Time      `json:"timestamp"`
	Category  string         `json:"category"`
	Rating    string         `json:"rating,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// MemoryInfo is a point-in-time memory snapshot.
type MemoryInfo struct {
	HeapAlloc  uint64
	HeapSys    uint64
	NumGC      uint32
	Goroutines int
}

// ConnectionInfo describes network quality when the runtime exposes it.
type ConnectionInfo struct {
	EffectiveType string  // e.g. "4g", "wifi"
	RTTMillis     float64
	DownlinkMbps  float64
}

// Runtime abstracts the environment's observation capabilities. When
// Supported reports false the monitor is inert and records nothing.
type Runtime interface {
	Supported() bool
	Memory() (MemoryInfo, bool)
	Connection() (ConnectionInfo, bool)
}

// GoRuntime observes the local Go process.
type GoRuntime struct{}

func (GoRuntime) Supported() bool { return true }

func (GoRuntime) Memory() (MemoryInfo, bool) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemoryInfo{
		HeapAlloc:  ms.HeapAlloc,
		HeapSys:    ms.HeapSys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
	}, true
}

func (GoRuntime) Connection() (ConnectionInfo, bool) { return ConnectionInfo{}, false }

type Options struct {
	// Runtime defaults to GoRuntime.
	Runtime Runtime
	// SampleInterval controls periodic memory/connection sampling.
	// 0 means the default (30s); negative disables sampling.
	SampleInterval time.Duration
	// SlowResourceThreshold: resource loads faster than this are kept
	// out of the log stream. Default 1s.
	SlowResourceThreshold time.Duration
	// MaxMetrics bounds the in-memory mirror. Default 1000.
	MaxMetrics int

	Now func() time.Time
}

// Monitor funnels every observation through RecordMetric. Construct one
// per session and Close it when the owner tears down; Close is
// idempotent and leaves no timers behind.
type Monitor struct {
	client *telemetry.Client
	rt     Runtime
	now    func() time.Time

	sampleInterval time.Duration
	slowResource   time.Duration
	maxMetrics     int

	supported bool

	mu           sync.Mutex
	metrics      []Metric
	clsTotal     float64
	clsFinalized bool
	closed       bool

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewMonitor(client *telemetry.Client, opts Options) *Monitor {
	rt := opts.Runtime
	if rt == nil {
		rt = GoRuntime{}
	}

	sampleInterval := opts.SampleInterval
	if sampleInterval == 0 {
		sampleInterval = 30 * time.Second
	}
	slowResource := opts.SlowResourceThreshold
	if slowResource <= 0 {
		slowResource = time.Second
	}
	maxMetrics := opts.MaxMetrics
	if maxMetrics <= 0 {
		maxMetrics = 1000
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}

	m := &Monitor{
		client:         client,
		rt:             rt,
		now:            nowFn,
		sampleInterval: sampleInterval,
		slowResource:   slowResource,
		maxMetrics:     maxMetrics,
		supported:      rt.Supported(),
		done:           make(chan struct{}),
	}

	if m.supported && sampleInterval > 0 {
		m.ticker = time.NewTicker(sampleInterval)
		m.wg.Add(1)
		go m.sampleLoop()
	}

	return m
}

// IsSupported reports whether the runtime offers observation
// capability. An unsupported monitor quietly records nothing.
func (m *Monitor) IsSupported() bool { return m.supported }

func (m *Monitor) sampleLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ticker.C:
			m.sampleOnce()
		case <-m.done:
			return
		}
	}
}

func (m *Monitor) sampleOnce() {
	if mem, ok := m.rt.Memory(); ok {
		m.RecordMetric("memory_heap_alloc", float64(mem.HeapAlloc), map[string]any{
			"category":   CategoryMemory,
			"heap_sys":   mem.HeapSys,
			"num_gc":     mem.NumGC,
			"goroutines": mem.Goroutines,
		})
	}
	if conn, ok := m.rt.Connection(); ok {
		m.RecordMetric("connection_rtt", conn.RTTMillis, map[string]any{
			"category":       CategoryNetwork,
			"effective_type": conn.EffectiveType,
			"downlink_mbps":  conn.DownlinkMbps,
		})
	}
}

// ObservePaint records a paint timing such as "fcp" or "lcp".
func (m *Monitor) ObservePaint(name string, millis float64) {
	m.RecordMetric(name, millis, map[string]any{"category": CategoryPaint})
}

// ObserveInputDelay records a first-input-delay measurement.
func (m *Monitor) ObserveInputDelay(millis float64) {
	m.RecordMetric("fid", millis, map[string]any{"category": CategoryInput})
}

// ObserveLayoutShift accumulates the cumulative layout shift score.
// Shifts attributable to recent user input are excluded; the running
// sum is finalized exactly once, on Close.
func (m *Monitor) ObserveLayoutShift(score float64, hadRecentInput bool) {
	if !m.supported || hadRecentInput {
		return
	}
	m.mu.Lock()
	if m.closed || m.clsFinalized {
		m.mu.Unlock()
		return
	}
	m.clsTotal += score
	m.mu.Unlock()
}

// CLS reports the running cumulative layout shift sum.
func (m *Monitor) CLS() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clsTotal
}

// NavigationTiming carries the coarse navigation phases.
type NavigationTiming struct {
	DNSMillis              float64
	ConnectMillis          float64
	TTFBMillis             float64
	DOMContentLoadedMillis float64
	LoadMillis             float64
}

func (m *Monitor) ObserveNavigation(t NavigationTiming) {
	if !m.supported {
		return
	}
	m.RecordMetric("ttfb", t.TTFBMillis, map[string]any{
		"category":           CategoryNavigation,
		"dns":                t.DNSMillis,
		"connect":            t.ConnectMillis,
		"dom_content_loaded": t.DOMContentLoadedMillis,
		"load":               t.LoadMillis,
	})
}

// ResourceTiming describes one fetched asset.
type ResourceTiming struct {
	Name         string
	Duration     time.Duration
	TransferSize int64
	Initiator    string
}

// ObserveResource keeps only slow loads; fast ones would swamp the
// queue with noise.
func (m *Monitor) ObserveResource(r ResourceTiming) {
	if !m.supported || r.Duration < m.slowResource {
		return
	}
	m.RecordMetric("slow_resource", float64(r.Duration.Milliseconds()), map[string]any{
		"category":      CategoryResource,
		"resource":      r.Name,
		"transfer_size": r.TransferSize,
		"initiator":     r.Initiator,
	})
}

func (m *Monitor) ObserveLongTask(millis float64) {
	m.RecordMetric("long_task", millis, map[string]any{"category": CategoryLongTask})
}

// StartTiming begins a manual span; pass the result to EndTiming.
func (m *Monitor) StartTiming(name string) time.Time {
	_ = name
	return m.now()
}

// EndTiming closes a manual span and records its duration in
// milliseconds.
func (m *Monitor) EndTiming(name string, start time.Time) float64 {
	millis := float64(m.now().Sub(start)) / float64(time.Millisecond)
	m.RecordMetric(name, millis, map[string]any{"category": CategoryCustom})
	return millis
}

// RecordMetric is the single funnel: it classifies the value, mirrors
// it in memory, and forwards it to the client.
func (m *Monitor) RecordMetric(name string, value float64, meta map[string]any) {
	if !m.supported {
		return
	}

	category := CategoryCustom
	if c, ok := meta["category"].(string); ok && c != "" {
		category = c
	}
	metric := Metric{
		Name:      name,
		Value:     value,
		Timestamp: m.now().UTC(),
		Category:  category,
		Rating:    rate(name, value),
		Meta:      meta,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.metrics = append(m.metrics, metric)
	if len(m.metrics) > m.maxMetrics {
		m.metrics = append([]Metric(nil), m.metrics[len(m.metrics)-m.maxMetrics:]...)
	}
	m.mu.Unlock()

	data := map[string]any{"category": category}
	for k, v := range meta {
		data[k] = v
	}
	if metric.Rating != "" {
		data["rating"] = metric.Rating
	}
	if m.client != nil {
		m.client.LogPerformance(name, value, data)
	}
}

// Metrics returns a copy of the in-memory mirror.
func (m *Monitor) Metrics() []Metric {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Metric(nil), m.metrics...)
}

func (m *Monitor) MetricsByCategory(category string) []Metric {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Metric
	for _, metric := range m.metrics {
		if metric.Category == category {
			out = append(out, metric)
		}
	}
	return out
}

// Summary aggregates the mirror: per-name count, last value, and the
// worst (highest) observed value.
func (m *Monitor) Summary() map[string]map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[string]float64)
	for _, metric := range m.metrics {
		s, ok := out[metric.Name]
		if !ok {
			s = map[string]float64{"count": 0, "last": 0, "max": metric.Value}
			out[metric.Name] = s
		}
		s["count"]++
		s["last"] = metric.Value
		if metric.Value > s["max"] {
			s["max"] = metric.Value
		}
	}
	return out
}

// Close finalizes the cumulative layout shift, stops the sampler, and
// clears the mirror. Idempotent and safe to call concurrently: exactly
// one caller claims the teardown under the first lock, so close(done)
// runs once.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	finalizeCLS := m.supported && !m.clsFinalized
	cls := m.clsTotal
	m.clsFinalized = true
	m.metrics = nil
	m.mu.Unlock()

	// The mirror is gone at this point, so the final CLS value goes to
	// the client directly rather than through RecordMetric.
	if finalizeCLS && m.client != nil {
		data := map[string]any{"category": CategoryLayout}
		if rating := rate("cls", cls); rating != "" {
			data["rating"] = rating
		}
		m.client.LogPerformance("cls", cls, data)
	}

	if m.ticker != nil {
		m.ticker.Stop()
	}
	close(m.done)
	m.wg.Wait()
}
