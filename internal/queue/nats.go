package queue

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher is the alternative ingest transport for deployments
// that already run NATS. Subjects are the topic name as-is; consumers
// are expected to subscribe out-of-process.
type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	if url == "" {
		return nil, errors.New("nats url is empty")
	}
	conn, err := nats.Connect(url,
		nats.Timeout(2*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: conn}, nil
}

func (p *NATSPublisher) Publish(topic string, body []byte) error {
	return p.conn.Publish(topic, body)
}

func (p *NATSPublisher) MultiPublish(topic string, bodies [][]byte) error {
	for _, b := range bodies {
		if err := p.conn.Publish(topic, b); err != nil {
			return err
		}
	}
	return p.conn.Flush()
}

func (p *NATSPublisher) Stop() {
	// Drain waits for buffered publishes before closing.
	_ = p.conn.Drain()
}
