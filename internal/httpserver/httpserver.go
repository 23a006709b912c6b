package httpserver

import (
	"net/http"
	"time"

	"github.com/aistudycircle/telemetry/internal/config"
	"github.com/aistudycircle/telemetry/internal/ingest"
	"github.com/aistudycircle/telemetry/internal/metrics"
	"github.com/aistudycircle/telemetry/internal/queue"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// New wires the gateway routes. db and recorder are optional; the
// query routes only mount when the backing store is configured, the
// ingest routes always mount.
func New(cfg config.Config, publisher queue.Publisher, db *gorm.DB, recorder *metrics.RedisRecorder) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(maintenanceMiddleware(cfg.MaintenanceMode))

	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	ingestAPI := router.Group("/api/:projectId/telemetry")
	{
		ingestAPI.POST("/", ingest.TelemetryHandler(publisher))
		ingestAPI.POST("/beacon/", ingest.BeaconHandler(publisher))
	}

	queryAPI := router.Group("/api/:projectId")
	{
		if db != nil {
			queryAPI.GET("/logs/recent", recentLogsHandler(db))
		}
		if recorder != nil {
			queryAPI.GET("/metrics/today", metricsTodayHandler(recorder))
			queryAPI.GET("/analytics/dist", distributionHandler(recorder))
			queryAPI.GET("/analytics/sessions", sessionSeriesHandler(recorder))
		}
	}

	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
