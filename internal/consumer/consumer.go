package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aistudycircle/telemetry/internal/config"
	"github.com/aistudycircle/telemetry/internal/enrich"
	"github.com/aistudycircle/telemetry/internal/ingest"
	"github.com/aistudycircle/telemetry/internal/metrics"
	"github.com/aistudycircle/telemetry/internal/model"
	"github.com/aistudycircle/telemetry/internal/store"
	"github.com/nsqio/go-nsq"
	"gorm.io/gorm"
)

type NSQConsumer struct {
	consumer *nsq.Consumer
	onStop   []func()
}

// NewNSQTelemetryConsumer drains the telemetry topic into the row
// store. Rows are grouped by a Batcher so the database sees batch
// inserts rather than one round-trip per queue message; a message is
// only acknowledged after its batch committed.
func NewNSQTelemetryConsumer(ctx context.Context, cfg config.Config, db *gorm.DB, recorder *metrics.RedisRecorder, enricher *enrich.Enricher) (*NSQConsumer, error) {
	channel := cfg.NSQChannel
	if channel == "" {
		channel = "telemetry-consumer"
	}
	handler, cleanup := handleTelemetryMessage(cfg, db, recorder, enricher)
	c, err := newConsumer(ctx, cfg, ingest.Topic, channel, cfg.ConsumerConcurrency, handler)
	if err != nil {
		cleanup()
		return nil, err
	}
	c.onStop = append(c.onStop, cleanup)
	return c, nil
}

func (c *NSQConsumer) Stop() {
	if c == nil || c.consumer == nil {
		return
	}
	c.consumer.Stop()
	<-c.consumer.StopChan
	for _, fn := range c.onStop {
		if fn != nil {
			fn()
		}
	}
}

func newConsumer(ctx context.Context, cfg config.Config, topic, channel string, concurrency int, handler nsq.HandlerFunc) (*NSQConsumer, error) {
	nsqCfg := nsq.NewConfig()
	if cfg.NSQMaxInFlight > 0 {
		nsqCfg.MaxInFlight = cfg.NSQMaxInFlight
	} else {
		nsqCfg.MaxInFlight = 200
	}
	nsqCfg.MsgTimeout = 30 * time.Second
	cons, err := nsq.NewConsumer(topic, channel, nsqCfg)
	if err != nil {
		return nil, err
	}
	cons.SetLogger(log.New(log.Writer(), "nsq ", log.LstdFlags), nsq.LogLevelInfo)
	if concurrency <= 0 {
		concurrency = 1
	}
	cons.AddConcurrentHandlers(handler, concurrency)

	if err := connectToNSQDWithRetry(ctx, cons, cfg.NSQDAddress, topic, channel); err != nil {
		cons.Stop()
		return nil, err
	}
	return &NSQConsumer{consumer: cons}, nil
}

// connectToNSQDWithRetry keeps dialing while nsqd comes up, so the
// gateway and nsqd can start in any order.
func connectToNSQDWithRetry(ctx context.Context, cons *nsq.Consumer, addr, topic, channel string) error {
	const (
		totalWait = 2 * time.Minute
		maxDelay  = 5 * time.Second
	)
	deadline := time.Now().Add(totalWait)
	delay := 300 * time.Millisecond
	var lastErr error

	for {
		err := cons.ConnectToNSQD(addr)
		if err == nil {
			return nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return fmt.Errorf("connect nsqd addr=%s topic=%s channel=%s: %w", addr, topic, channel, lastErr)
		}
		log.Printf("nsq connect failed (addr=%s topic=%s channel=%s): %v; retrying in %s", addr, topic, channel, lastErr, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func handleTelemetryMessage(cfg config.Config, db *gorm.DB, recorder *metrics.RedisRecorder, enricher *enrich.Enricher) (nsq.HandlerFunc, func()) {
	batcher := NewBatcher[model.TelemetryLog](cfg.DBBatchSize, cfg.DBFlushInterval, 5*time.Second, func(ctx context.Context, rows []model.TelemetryLog) error {
		return store.InsertBatch(ctx, db, rows)
	})

	return nsq.HandlerFunc(func(m *nsq.Message) error {
		var msg ingest.QueueMessage
		if err := json.Unmarshal(m.Body, &msg); err != nil {
			// Malformed bodies never become valid; drop without requeue.
			return nil
		}
		if msg.Type != "telemetry_log" {
			return nil
		}
		var entry ingest.EntryPayload
		if err := json.Unmarshal(msg.Payload, &entry); err != nil {
			return nil
		}
		if entry.Timestamp == nil {
			now := time.Now().UTC()
			entry.Timestamp = &now
		}
		if entry.Message == "" {
			return nil
		}

		row, err := store.RowFromPayload(msg.ProjectID, entry)
		if err != nil {
			return nil
		}
		if err := batcher.Add(row); err != nil {
			return err
		}

		if recorder != nil {
			metricsCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			recorder.ObserveLog(metricsCtx, row.ProjectID, row.Level, row.Category, row.SessionID, row.UserID, row.Timestamp)

			dims := map[string]string{}
			if row.Page != "" {
				dims["page"] = row.Page
			}
			if msg.Meta != nil {
				for k, v := range enricher.Dims(msg.Meta.ClientIP, msg.Meta.UserAgent) {
					dims[k] = v
				}
			}
			recorder.ObserveDist(metricsCtx, row.ProjectID, row.Timestamp, dims)
		}
		return nil
	}), batcher.Close
}
