package httpserver

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aistudycircle/telemetry/internal/metrics"
	"github.com/aistudycircle/telemetry/internal/store"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func projectID(c *gin.Context) (int, bool) {
	pid, err := strconv.Atoi(strings.TrimSpace(c.Param("projectId")))
	if err != nil || pid <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"err": "invalid project id"})
		return 0, false
	}
	return pid, true
}

func recentLogsHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		pid, ok := projectID(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		rows, err := store.RecentLogs(c.Request.Context(), db, pid, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"err": "query failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"logs": rows})
	}
}

func metricsTodayHandler(recorder *metrics.RedisRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		pid, ok := projectID(c)
		if !ok {
			return
		}
		summary, configured, err := recorder.Today(c.Request.Context(), pid, time.Now())
		if !configured {
			c.JSON(http.StatusNotImplemented, gin.H{"err": "metrics not configured"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"err": "metrics read failed"})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func distributionHandler(recorder *metrics.RedisRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		pid, ok := projectID(c)
		if !ok {
			return
		}
		dim := strings.TrimSpace(c.Query("dim"))
		if dim == "" {
			c.JSON(http.StatusBadRequest, gin.H{"err": "dim required"})
			return
		}
		start, end, ok := dateRange(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		items, err := recorder.Distribution(c.Request.Context(), pid, dim, start, end, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"err": "metrics read failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"dim": dim, "items": items})
	}
}

func sessionSeriesHandler(recorder *metrics.RedisRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		pid, ok := projectID(c)
		if !ok {
			return
		}
		start, end, ok := dateRange(c)
		if !ok {
			return
		}
		series, err := recorder.SessionSeries(c.Request.Context(), pid, start, end)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"err": "metrics read failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"series": series})
	}
}

// dateRange parses start/end query params as YYYY-MM-DD, defaulting to
// the last seven days.
func dateRange(c *gin.Context) (time.Time, time.Time, bool) {
	now := time.Now().UTC()
	start := now.AddDate(0, 0, -6)
	end := now

	if s := strings.TrimSpace(c.Query("start")); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"err": "invalid start date"})
			return time.Time{}, time.Time{}, false
		}
		start = t
	}
	if s := strings.TrimSpace(c.Query("end")); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"err": "invalid end date"})
			return time.Time{}, time.Time{}, false
		}
		end = t
	}
	if end.Before(start) {
		start, end = end, start
	}
	if end.Sub(start) > 92*24*time.Hour {
		c.JSON(http.StatusBadRequest, gin.H{"err": "range too large"})
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}
