package telemetry

import "sync"

// ErrorSink receives failures the pipeline swallows (delivery, storage,
// serialization). The pipeline never propagates these to the host
// application; a sink makes them observable and countable instead of
// silently discarded.
type ErrorSink interface {
	Drop(op string, err error)
}

type nopSink struct{}

func (nopSink) Drop(string, error) {}

// CountingSink tallies dropped failures per operation. The zero value
// is ready to use.
type CountingSink struct {
	mu     sync.Mutex
	counts map[string]int
	last   map[string]error
}

func (s *CountingSink) Drop(op string, err error) {
	if s == nil || err == nil {
		return
	}
	s.mu.Lock()
	if s.counts == nil {
		s.counts = make(map[string]int)
		s.last = make(map[string]error)
	}
	s.counts[op]++
	s.last[op] = err
	s.mu.Unlock()
}

func (s *CountingSink) Count(op string) int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[op]
}

func (s *CountingSink) Last(op string) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[op]
}
