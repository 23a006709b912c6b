package queue

// Publisher is the minimal interface ingest handlers need.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// BatchPublisher is optional; when available, handlers can cut
// round-trips for multi-entry batches.
type BatchPublisher interface {
	Publisher
	MultiPublish(topic string, bodies [][]byte) error
}
