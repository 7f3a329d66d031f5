package audit

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/org/keygate/pkg/models"
)

// DefaultQueueSize is used when NewAsyncSink is given a non-positive size.
const DefaultQueueSize = 1024

var droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "keygate_audit_dropped_total",
	Help: "Audit entries dropped because the async queue was full or closed.",
})

func init() {
	prometheus.MustRegister(droppedTotal)
}

type queued struct {
	ctx   context.Context
	entry *models.AuditEntry
}

// AsyncSink hands entries to a background worker through a bounded queue.
// When the queue is full the entry is dropped and counted.
type AsyncSink struct {
	next  Sink
	queue chan queued
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsyncSink starts a worker forwarding entries to next.
func NewAsyncSink(next Sink, size int) *AsyncSink {
	if size <= 0 {
		size = DefaultQueueSize
	}
	s := &AsyncSink{
		next:  next,
		queue: make(chan queued, size),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for q := range s.queue {
		s.next.Record(q.ctx, q.entry)
	}
}

func (s *AsyncSink) Record(ctx context.Context, e *models.AuditEntry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		droppedTotal.Inc()
		return
	}
	select {
	case s.queue <- queued{ctx: context.WithoutCancel(ctx), entry: e}:
	default:
		droppedTotal.Inc()
	}
}

// Close stops accepting entries and waits for the queue to drain or ctx to
// expire.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
