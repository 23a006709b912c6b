package telemetry

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	SDKName    = "studycircle-telemetry-go"
	SDKVersion = "0.1.0"

	// Source tags every delivery batch; the ingestion side uses it to
	// separate pipelines feeding the same project.
	Source = "frontend"
)

type Options struct {
	BaseURL   string
	ProjectID int64

	ProjectKey string

	// Disabled turns the client into a no-op shell: ids are still
	// synthesized but nothing is queued or delivered.
	Disabled bool

	// LogLevel is the minimum severity accepted. Default debug.
	LogLevel Level

	// BatchSize is the queue length that triggers an immediate flush.
	BatchSize int
	// FlushInterval is the periodic flush period. 0 means the default
	// (10s); negative disables the timer (flushes still happen on
	// BatchSize and explicit Flush calls).
	FlushInterval time.Duration
	// MaxQueueSize caps retained unsent entries; oldest are dropped.
	MaxQueueSize int
	// Timeout bounds each delivery request. Expiry counts as a
	// delivery failure and the batch is restored.
	Timeout time.Duration

	Gzip bool

	// EnableConsole mirrors accepted entries to ConsoleWriter
	// (os.Stderr when nil).
	EnableConsole bool
	ConsoleWriter io.Writer

	// StoragePath overrides the durable queue mirror location.
	// DisableStorage turns the mirror off entirely.
	StoragePath    string
	DisableStorage bool
	// PersistDebounce coalesces mirror writes. 0 writes through on
	// every mutation.
	PersistDebounce time.Duration

	Environment string
	Version     string

	// Sink receives swallowed failures. Defaults to a no-op.
	Sink ErrorSink

	HTTPClient *http.Client
	Now        func() time.Time
}

// Client is the single point of truth for accepting, storing, and
// delivering telemetry. Producers (perf monitor, action tracker, API
// transport) only ever push entries in; nothing reads back except
// session context lookups.
type Client struct {
	baseURL    string
	projectID  string
	projectKey string

	disabled bool
	logLevel Level

	batchSize     int
	flushInterval time.Duration
	maxQueueSize  int
	timeout       time.Duration
	gzip          bool

	enableConsole bool
	consoleW      io.Writer

	httpClient *http.Client
	now        func() time.Time
	sink       ErrorSink

	environment string
	version     string

	mu         sync.Mutex
	queue      []LogEntry
	sessionID  string
	userID     string
	userCtx    map[string]any
	deviceInfo DeviceInfo
	page       string
	closed     bool

	flushMu sync.Mutex

	store           *queueStore
	persistDebounce time.Duration
	persistMu       sync.Mutex
	persistTimer    *time.Timer
	persistWriteMu  sync.Mutex

	ticker    *time.Ticker
	flushKick chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewClient(options Options) (*Client, error) {
	baseURL := strings.TrimSpace(options.BaseURL)
	if baseURL == "" && !options.Disabled {
		return nil, errors.New("baseURL is required")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if options.ProjectID <= 0 && !options.Disabled {
		return nil, errors.New("projectID must be > 0")
	}

	logLevel := options.LogLevel
	if _, ok := levelWeight[logLevel]; !ok {
		logLevel = LevelDebug
	}

	batchSize := options.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	flushInterval := options.FlushInterval
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	maxQueueSize := options.MaxQueueSize
	if maxQueueSize <= 0 {
		maxQueueSize = 100
	}

	timeout := options.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	nowFn := options.Now
	if nowFn == nil {
		nowFn = time.Now
	}

	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	sink := options.Sink
	if sink == nil {
		sink = nopSink{}
	}

	consoleW := options.ConsoleWriter
	if consoleW == nil {
		consoleW = io.Discard
		if options.EnableConsole {
			consoleW = stderr()
		}
	}

	c := &Client{
		baseURL:    baseURL,
		projectID:  strconv.FormatInt(options.ProjectID, 10),
		projectKey: strings.TrimSpace(options.ProjectKey),

		disabled: options.Disabled,
		logLevel: logLevel,

		batchSize:     batchSize,
		flushInterval: flushInterval,
		maxQueueSize:  maxQueueSize,
		timeout:       timeout,
		gzip:          options.Gzip,

		enableConsole: options.EnableConsole,
		consoleW:      consoleW,

		httpClient: httpClient,
		now:        nowFn,
		sink:       sink,

		environment: strings.TrimSpace(options.Environment),
		version:     strings.TrimSpace(options.Version),

		sessionID:  "s_" + uuid.NewString(),
		deviceInfo: captureDeviceInfo(),

		persistDebounce: options.PersistDebounce,

		flushKick: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	if !options.DisableStorage && !options.Disabled {
		path := strings.TrimSpace(options.StoragePath)
		if path == "" {
			path = defaultQueueFilePath(options.ProjectID)
		}
		c.store = newQueueStore(path)
		c.loadPersistedQueue()
	}

	if !c.disabled {
		if c.flushInterval > 0 {
			c.ticker = time.NewTicker(c.flushInterval)
		}
		c.wg.Add(1)
		go c.flushLoop()
	}

	return c, nil
}

func (c *Client) flushLoop() {
	defer c.wg.Done()
	var tick <-chan time.Time
	if c.ticker != nil {
		tick = c.ticker.C
	}
	for {
		select {
		case <-tick:
			_ = c.Flush(context.Background())
		case <-c.flushKick:
			_ = c.Flush(context.Background())
		case <-c.done:
			return
		}
	}
}

// SessionID is stable for the client's lifetime.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SetUser overwrites the session user context. Idempotent; every
// subsequent entry carries the new identity. An informational entry
// records the change.
func (c *Client) SetUser(userID string, userData map[string]any) {
	id := strings.TrimSpace(userID)
	c.mu.Lock()
	c.userID = id
	c.userCtx = jsonSafeAnyMap(userData)
	c.mu.Unlock()

	c.Info("user context updated", map[string]any{"userId": id}, map[string]any{
		"category": CategorySession,
	})
}

// SetPage records the host application's current page or screen; it is
// attached to every subsequent entry's context.
func (c *Client) SetPage(page string) {
	c.mu.Lock()
	c.page = strings.TrimSpace(page)
	c.mu.Unlock()
}

func (c *Client) Debug(message string, data, ctx map[string]any) string {
	return c.log(LevelDebug, message, data, ctx)
}

func (c *Client) Info(message string, data, ctx map[string]any) string {
	return c.log(LevelInfo, message, data, ctx)
}

func (c *Client) Warn(message string, data, ctx map[string]any) string {
	return c.log(LevelWarn, message, data, ctx)
}

func (c *Client) Error(message string, data, ctx map[string]any) string {
	return c.log(LevelError, message, data, ctx)
}

// LogUserAction shapes a user interaction record.
func (c *Client) LogUserAction(action string, data map[string]any) string {
	return c.Info(action, data, map[string]any{"category": CategoryUserAction})
}

// LogPageView records a navigation and updates the session's current
// page in one step.
func (c *Client) LogPageView(page string, data map[string]any) string {
	c.SetPage(page)
	d := mergeAnyMap(map[string]any{"page": page}, data)
	return c.Info("page_view", d, map[string]any{"category": CategoryNavigation})
}

// LogAPICall records an HTTP call outcome, escalating to error level
// when the status signals failure.
func (c *Client) LogAPICall(method, url string, status int, duration time.Duration, data map[string]any) string {
	d := mergeAnyMap(map[string]any{
		"method":   method,
		"url":      url,
		"status":   status,
		"duration": duration.Milliseconds(),
	}, data)
	ctx := map[string]any{"category": CategoryAPI}
	msg := fmt.Sprintf("%s %s -> %d", method, url, status)
	if status >= 400 {
		return c.Error(msg, d, ctx)
	}
	return c.Info(msg, d, ctx)
}

// LogPerformance records one performance metric sample.
func (c *Client) LogPerformance(metric string, value float64, data map[string]any) string {
	d := mergeAnyMap(map[string]any{"metric": metric, "value": value}, data)
	return c.Info(metric, d, map[string]any{"category": CategoryPerformance})
}

// log synthesizes the entry id before the level filter so the id space
// is identical whether or not the entry is accepted; filtered entries
// simply never reach the queue.
func (c *Client) log(level Level, message string, data, extraCtx map[string]any) string {
	now := c.now().UTC()
	id := newEntryID(now)

	if c.disabled {
		return id
	}
	if levelWeight[level] < levelWeight[c.logLevel] {
		return id
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return id
	}
	entryCtx := map[string]any{
		"sessionId":  c.sessionID,
		"deviceInfo": c.deviceInfo,
	}
	if c.userID != "" {
		entryCtx["userId"] = c.userID
	}
	if c.userCtx != nil {
		entryCtx["userContext"] = cloneAnyMap(c.userCtx)
	}
	if c.page != "" {
		entryCtx["page"] = c.page
	}
	c.mu.Unlock()

	for k, v := range jsonSafeAnyMap(extraCtx) {
		entryCtx[k] = v
	}

	entry := LogEntry{
		ID:          id,
		Timestamp:   now,
		Level:       level,
		Message:     message,
		Data:        jsonSafeAnyMap(data),
		Context:     entryCtx,
		Environment: c.environment,
		Version:     c.version,
	}

	if c.enableConsole {
		fmt.Fprintf(c.consoleW, "[%s] %s %s\n", level, now.Format(time.RFC3339), message)
	}

	c.enqueue(entry)
	return id
}

func (c *Client) enqueue(entry LogEntry) {
	c.mu.Lock()
	c.queue = append(c.queue, entry)
	if len(c.queue) > c.maxQueueSize {
		c.queue = append([]LogEntry(nil), c.queue[len(c.queue)-c.maxQueueSize:]...)
	}
	full := len(c.queue) >= c.batchSize
	c.mu.Unlock()

	c.schedulePersist()

	if full {
		select {
		case c.flushKick <- struct{}{}:
		default:
		}
	}
}

// QueueLen reports the number of unsent entries.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Flush delivers the entire current queue in one request. Entries
// enqueued while a flush is in flight form the next batch; they are
// never folded into the in-flight one. On failure the captured batch is
// restored to the front of the queue so ordering holds, and the failure
// is routed to the sink as well as returned.
func (c *Client) Flush(ctx context.Context) error {
	if c.disabled {
		return nil
	}
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	batch := c.queue
	c.queue = nil
	sessionID := c.sessionID
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := c.post(ctx, c.deliveryURL(""), deliveryBatch{
		Logs:      batch,
		Source:    Source,
		SessionID: sessionID,
	})
	if err != nil {
		c.mu.Lock()
		c.queue = append(append([]LogEntry(nil), batch...), c.queue...)
		if len(c.queue) > c.maxQueueSize {
			c.queue = append([]LogEntry(nil), c.queue[len(c.queue)-c.maxQueueSize:]...)
		}
		c.mu.Unlock()
		c.schedulePersist()
		c.sink.Drop("flush", err)
		return err
	}

	c.persistNow()
	return nil
}

// Close stops the timers and makes one best-effort, beacon-style
// delivery of whatever is queued. The send is never retried; if it
// fails the durable mirror keeps the entries for next-session recovery.
// Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.ticker != nil {
		c.ticker.Stop()
	}
	close(c.done)
	disabled := c.disabled
	c.mu.Unlock()

	if disabled {
		return nil
	}
	c.wg.Wait()

	c.stopPersist()

	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	batch := c.queue
	c.queue = nil
	sessionID := c.sessionID
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	beaconCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.post(beaconCtx, c.deliveryURL("beacon/"), deliveryBatch{
		Logs:      batch,
		Source:    Source,
		SessionID: sessionID,
	}); err != nil {
		c.sink.Drop("beacon", err)
		return nil
	}
	if c.store != nil {
		_ = c.store.Clear()
	}
	return nil
}

func (c *Client) deliveryURL(suffix string) string {
	return fmt.Sprintf("%s/api/%s/telemetry/%s", c.baseURL, c.projectID, suffix)
}

func (c *Client) post(ctx context.Context, url string, batch deliveryBatch) error {
	body, err := marshalBatch(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	var reqBody io.Reader = bytes.NewReader(body)
	contentEncoding := ""
	if c.gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			_ = zw.Close()
			return fmt.Errorf("gzip write: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("gzip close: %w", err)
		}
		reqBody = &buf
		contentEncoding = "gzip"
	}

	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, reqBody)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", SDKName+"/"+SDKVersion)
	if c.projectKey != "" {
		req.Header.Set("X-Project-Key", c.projectKey)
	}
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("delivery failed: status %d", res.StatusCode)
	}
	return nil
}
