// Package audit records the outcome of every gate decision.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/org/keygate/pkg/models"
)

// Sink receives one entry per gate decision. Record must not block the
// request path and never reports failure to the caller.
type Sink interface {
	Record(ctx context.Context, entry *models.AuditEntry)
}

// Writer persists audit entries. storage.AuditStore satisfies it.
type Writer interface {
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
}

// LogSink writes each entry as a structured log line.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, e *models.AuditEntry) {
	ev := s.log.Info().
		Str("request_id", e.RequestID).
		Time("timestamp", e.Timestamp).
		Str("method", e.Method).
		Str("endpoint", e.Endpoint).
		Int("status", e.Status).
		Float64("response_time_ms", e.ResponseTimeMs).
		Str("client_ip", e.ClientIP).
		Str("user_agent", e.UserAgent)
	if e.APIKey != nil {
		ev = ev.Str("api_key", *e.APIKey)
	} else {
		ev = ev.Interface("api_key", nil)
	}
	if e.Reason != "" {
		ev = ev.Str("reason", e.Reason)
	}
	ev.Msg("api_audit")
}

// StoreSink persists entries through a Writer. Write errors are logged.
type StoreSink struct {
	w       Writer
	log     zerolog.Logger
	timeout time.Duration
}

// NewStoreSink returns a sink writing through w. Each write gets its own
// timeout so a finished request cannot cancel its audit entry.
func NewStoreSink(w Writer, log zerolog.Logger) *StoreSink {
	return &StoreSink{
		w:       w,
		log:     log.With().Str("component", "audit_store").Logger(),
		timeout: 5 * time.Second,
	}
}

func (s *StoreSink) Record(ctx context.Context, e *models.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.w.WriteAuditEntry(ctx, e); err != nil {
		s.log.Error().Err(err).Str("request_id", e.RequestID).Msg("audit write failed")
	}
}

// MultiSink fans an entry out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, e *models.AuditEntry) {
	for _, s := range m {
		s.Record(ctx, e)
	}
}

// Discard drops every entry.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(context.Context, *models.AuditEntry) {}
