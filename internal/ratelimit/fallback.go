package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Fallback consults primary and, when it fails, answers from secondary.
// Counts kept by secondary are local to this process, so limits degrade to
// per-instance enforcement while the primary is unavailable.
type Fallback struct {
	primary   Limiter
	secondary Limiter
	log       zerolog.Logger
}

// NewFallback wraps primary with a local secondary limiter.
func NewFallback(primary, secondary Limiter, log zerolog.Logger) *Fallback {
	return &Fallback{
		primary:   primary,
		secondary: secondary,
		log:       log.With().Str("component", "ratelimit").Logger(),
	}
}

// Check implements Limiter.
func (f *Fallback) Check(ctx context.Context, key string, limit int, now time.Time) (Decision, error) {
	d, err := f.primary.Check(ctx, key, limit, now)
	if err == nil {
		return d, nil
	}
	f.log.Warn().Err(err).Msg("primary rate limiter failed, using local window")
	return f.secondary.Check(ctx, key, limit, now)
}
