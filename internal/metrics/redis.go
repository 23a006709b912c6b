package metrics

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRecorder keeps cheap per-day rollups next to the row store so
// dashboards never scan telemetry_logs. Counters per level and
// category, HyperLogLogs for distinct sessions and users, and hash
// distributions for enrichment dimensions.
type RedisRecorder struct {
	rdb     *redis.Client
	dayTTL  time.Duration
	distTTL time.Duration
}

type RecorderOption func(*RedisRecorder)

func WithTTLs(dayTTL, distTTL time.Duration) RecorderOption {
	return func(r *RedisRecorder) {
		if dayTTL > 0 {
			r.dayTTL = dayTTL
		}
		if distTTL > 0 {
			r.distTTL = distTTL
		}
	}
}

func NewRedisRecorder(rdb *redis.Client, opts ...RecorderOption) *RedisRecorder {
	r := &RedisRecorder{
		rdb:     rdb,
		dayTTL:  180 * 24 * time.Hour,
		distTTL: 90 * 24 * time.Hour,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *RedisRecorder) ObserveLog(ctx context.Context, projectID int, level, category, sessionID, userID string, ts time.Time) {
	if r == nil || r.rdb == nil {
		return
	}
	date := ts.UTC().Format("2006-01-02")
	level = strings.TrimSpace(level)
	category = strings.TrimSpace(category)
	sessionID = strings.TrimSpace(sessionID)
	userID = strings.TrimSpace(userID)

	pipe := r.rdb.Pipeline()
	expire := map[string]time.Duration{}

	logsDayKey := fmt.Sprintf("tm:logs:%d:%s", projectID, date)
	pipe.Incr(ctx, logsDayKey)
	expire[logsDayKey] = r.dayTTL
	pipe.Incr(ctx, fmt.Sprintf("tm:logs:%d:total", projectID))

	if level != "" {
		levelKey := fmt.Sprintf("tm:level:%s:%d:%s", level, projectID, date)
		pipe.Incr(ctx, levelKey)
		expire[levelKey] = r.dayTTL
	}
	if level == "error" {
		errorsDayKey := fmt.Sprintf("tm:errors:%d:%s", projectID, date)
		pipe.Incr(ctx, errorsDayKey)
		expire[errorsDayKey] = r.dayTTL
	}
	if category != "" {
		catKey := fmt.Sprintf("tm:cat:%d:%s", projectID, date)
		pipe.HIncrBy(ctx, catKey, category, 1)
		expire[catKey] = r.dayTTL
	}
	if sessionID != "" {
		sessKey := fmt.Sprintf("tm:sessions:%d:%s", projectID, date)
		pipe.PFAdd(ctx, sessKey, sessionID)
		expire[sessKey] = r.dayTTL
	}
	if userID != "" {
		usersKey := fmt.Sprintf("tm:users:%d:%s", projectID, date)
		pipe.PFAdd(ctx, usersKey, userID)
		expire[usersKey] = r.dayTTL
	}
	_, _ = pipe.Exec(ctx)
	r.expireKeys(ctx, expire)
}

// ObserveDist bumps per-day distribution hashes for enrichment
// dimensions such as country, os, or page.
func (r *RedisRecorder) ObserveDist(ctx context.Context, projectID int, ts time.Time, dims map[string]string) {
	if r == nil || r.rdb == nil || len(dims) == 0 {
		return
	}
	date := ts.UTC().Format("2006-01-02")

	pipe := r.rdb.Pipeline()
	expire := map[string]time.Duration{}
	for dim, key := range dims {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		hashKey := fmt.Sprintf("tm:dist:%s:%d:%s", dim, projectID, date)
		pipe.HIncrBy(ctx, hashKey, key, 1)
		expire[hashKey] = r.distTTL
	}
	_, _ = pipe.Exec(ctx)
	r.expireKeys(ctx, expire)
}

func (r *RedisRecorder) expireKeys(ctx context.Context, keys map[string]time.Duration) {
	if r == nil || r.rdb == nil || len(keys) == 0 {
		return
	}
	pipe := r.rdb.Pipeline()
	for k, ttl := range keys {
		if strings.TrimSpace(k) == "" || ttl <= 0 {
			continue
		}
		pipe.Expire(ctx, k, ttl)
	}
	_, _ = pipe.Exec(ctx)
}

type DaySummary struct {
	Logs     int64            `json:"logs"`
	Errors   int64            `json:"errors"`
	Sessions int64            `json:"sessions"`
	Users    int64            `json:"users"`
	ByLevel  map[string]int64 `json:"by_level"`
}

var levelNames = []string{"debug", "info", "warn", "error"}

// Today reads the current day's rollups. ok reports whether a recorder
// is configured at all.
func (r *RedisRecorder) Today(ctx context.Context, projectID int, now time.Time) (DaySummary, bool, error) {
	if r == nil || r.rdb == nil {
		return DaySummary{}, false, nil
	}
	date := now.UTC().Format("2006-01-02")

	pipe := r.rdb.Pipeline()
	logsCmd := pipe.Get(ctx, fmt.Sprintf("tm:logs:%d:%s", projectID, date))
	errorsCmd := pipe.Get(ctx, fmt.Sprintf("tm:errors:%d:%s", projectID, date))
	sessionsCmd := pipe.PFCount(ctx, fmt.Sprintf("tm:sessions:%d:%s", projectID, date))
	usersCmd := pipe.PFCount(ctx, fmt.Sprintf("tm:users:%d:%s", projectID, date))
	levelCmds := map[string]*redis.StringCmd{}
	for _, lvl := range levelNames {
		levelCmds[lvl] = pipe.Get(ctx, fmt.Sprintf("tm:level:%s:%d:%s", lvl, projectID, date))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return DaySummary{}, true, err
	}

	out := DaySummary{ByLevel: map[string]int64{}}
	out.Logs, _ = logsCmd.Int64()
	out.Errors, _ = errorsCmd.Int64()
	out.Sessions, _ = sessionsCmd.Result()
	out.Users, _ = usersCmd.Result()
	for lvl, cmd := range levelCmds {
		n, _ := cmd.Int64()
		if n > 0 {
			out.ByLevel[lvl] = n
		}
	}
	return out, true, nil
}

type DistItem struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Distribution sums one dimension's per-day hashes over a date range
// and returns the top keys.
func (r *RedisRecorder) Distribution(ctx context.Context, projectID int, dim string, start, end time.Time, limit int) ([]DistItem, error) {
	if r == nil || r.rdb == nil {
		return nil, nil
	}
	dim = strings.TrimSpace(dim)
	if dim == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	start = start.UTC()
	end = end.UTC()
	if end.Before(start) {
		start, end = end, start
	}

	acc := map[string]int64{}
	cur := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	for !cur.After(last) {
		hashKey := fmt.Sprintf("tm:dist:%s:%d:%s", dim, projectID, cur.Format("2006-01-02"))
		m, err := r.rdb.HGetAll(ctx, hashKey).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		for k, v := range m {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				continue
			}
			acc[k] += n
		}
		cur = cur.AddDate(0, 0, 1)
	}

	items := make([]DistItem, 0, len(acc))
	for k, v := range acc {
		items = append(items, DistItem{Key: k, Count: v})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Count == items[j].Count {
			return items[i].Key < items[j].Key
		}
		return items[i].Count > items[j].Count
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

type BucketCount struct {
	Bucket   string `json:"bucket"`
	Sessions int64  `json:"sessions"`
}

// SessionSeries returns distinct sessions per day across a date range.
func (r *RedisRecorder) SessionSeries(ctx context.Context, projectID int, start, end time.Time) ([]BucketCount, error) {
	if r == nil || r.rdb == nil {
		return nil, nil
	}
	start = start.UTC()
	end = end.UTC()
	if end.Before(start) {
		start, end = end, start
	}

	var out []BucketCount
	cur := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	for !cur.After(last) {
		b := cur.Format("2006-01-02")
		n, err := r.rdb.PFCount(ctx, fmt.Sprintf("tm:sessions:%d:%s", projectID, b)).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		out = append(out, BucketCount{Bucket: b, Sessions: n})
		cur = cur.AddDate(0, 0, 1)
	}
	return out, nil
}
