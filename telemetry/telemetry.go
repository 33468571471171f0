// Package telemetry records one summary row per processed request. Sinks are
// fire-and-forget: recording never blocks or fails the request path.
package telemetry

import (
	"context"
	"sync"
	"time"
)

// Record summarizes a single processed request.
type Record struct {
	RequestID   string
	SessionID   string
	AgentID     string
	RoutedBy    string
	Provider    string
	Model       string
	Confidence  float64
	TotalTokens int
	Degraded    bool
	Fallback    bool
	Error       string
	Duration    time.Duration
	Timestamp   time.Time
}

// Sink accepts records asynchronously.
type Sink interface {
	// Record enqueues r. Implementations must not block on I/O.
	Record(ctx context.Context, r Record)
	// Close flushes pending records and releases the sink.
	Close(ctx context.Context) error
}

// NoOpSink discards everything.
type NoOpSink struct{}

func (NoOpSink) Record(context.Context, Record) {}
func (NoOpSink) Close(context.Context) error    { return nil }

// OrNoOp returns s or a NoOpSink when s is nil.
func OrNoOp(s Sink) Sink {
	if s == nil {
		return NoOpSink{}
	}
	return s
}

// InMemorySink keeps the most recent records in process memory. Useful for
// tests and local runs.
type InMemorySink struct {
	mu      sync.RWMutex
	records []Record
	limit   int
}

// NewInMemorySink creates a sink retaining at most limit records (0 = 1000).
func NewInMemorySink(limit int) *InMemorySink {
	if limit <= 0 {
		limit = 1000
	}
	return &InMemorySink{limit: limit}
}

func (s *InMemorySink) Record(_ context.Context, r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	if over := len(s.records) - s.limit; over > 0 {
		s.records = append(s.records[:0:0], s.records[over:]...)
	}
}

// Records returns a copy of the retained records, oldest first.
func (s *InMemorySink) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Len returns the number of retained records.
func (s *InMemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *InMemorySink) Close(context.Context) error { return nil }
