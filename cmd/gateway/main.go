package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aistudycircle/telemetry/internal/config"
	"github.com/aistudycircle/telemetry/internal/consumer"
	"github.com/aistudycircle/telemetry/internal/db"
	"github.com/aistudycircle/telemetry/internal/enrich"
	"github.com/aistudycircle/telemetry/internal/httpserver"
	"github.com/aistudycircle/telemetry/internal/metrics"
	"github.com/aistudycircle/telemetry/internal/queue"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Printf("config: %s", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publisher, err := newPublisher(cfg)
	if err != nil {
		log.Fatalf("queue publisher: %v", err)
	}
	defer publisher.Stop()

	var gdb *gorm.DB
	if cfg.PostgresURL != "" || cfg.SQLitePath != "" {
		d, err := db.NewGorm(ctx, cfg.PostgresURL, cfg.SQLitePath, db.Options{})
		if err != nil {
			log.Fatalf("db: %v", err)
		}
		gdb = d
		sqlDB, err := gdb.DB()
		if err != nil {
			log.Fatalf("db: %v", err)
		}
		defer sqlDB.Close()

		migCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := db.AutoMigrate(migCtx, gdb); err != nil {
			cancel()
			log.Fatalf("db migrate: %v", err)
		}
		cancel()
	}

	var recorder *metrics.RedisRecorder
	if cfg.EnableMetrics {
		rdb, err := metrics.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping: %v", err)
		}
		cancel()
		defer rdb.Close()
		recorder = metrics.NewRedisRecorder(rdb)
	}

	enricher, err := enrich.New(cfg.GeoIPCityMMDB, cfg.GeoIPASNMMDB)
	if err != nil {
		log.Fatalf("geoip: %v", err)
	}
	if enricher != nil {
		defer enricher.Close()
	}

	srv := httpserver.New(cfg, publisher, gdb, recorder)

	var telemetryConsumer *consumer.NSQConsumer
	if cfg.RunConsumers {
		if gdb == nil {
			log.Fatalf("POSTGRES_URL or SQLITE_PATH required when RUN_CONSUMERS=true")
		}
		telemetryConsumer, err = consumer.NewNSQTelemetryConsumer(ctx, cfg, gdb, recorder, enricher)
		if err != nil {
			log.Fatalf("telemetry consumer: %v", err)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Printf("http listening on %s", cfg.HTTPAddr)

	select {
	case <-ctx.Done():
		log.Printf("shutdown requested")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if telemetryConsumer != nil {
		telemetryConsumer.Stop()
	}
}

type stoppablePublisher interface {
	queue.Publisher
	Stop()
}

func newPublisher(cfg config.Config) (stoppablePublisher, error) {
	if cfg.QueueDriver == "nats" {
		return queue.NewNATSPublisher(cfg.NATSURL)
	}
	return queue.NewNSQPublisher(cfg.NSQDAddress)
}
