// Package ratelimit implements per-key sliding-window request limiting.
//
// Every implementation follows the same algorithm: per key, keep the
// admission timestamps of the trailing Window. On each check, drop
// timestamps at or before now-Window; reject when the retained count has
// reached the limit, otherwise record now and admit.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Window is the length of the trailing interval requests are counted over.
const Window = 60 * time.Second

// ErrBackendUnavailable wraps failures of an external counter service.
var ErrBackendUnavailable = errors.New("rate limit backend unavailable")

// Decision is the outcome of one check.
type Decision struct {
	Allowed bool
	// Unknown is set when the key has no usable limit. It is distinct from
	// being rate limited and carries zero Remaining and ResetAt.
	Unknown   bool
	Limit     int
	Remaining int
	ResetAt   int64 // unix seconds
}

// RetryAfter returns the whole seconds until ResetAt, floored at zero.
func (d Decision) RetryAfter(now time.Time) int64 {
	if s := d.ResetAt - now.Unix(); s > 0 {
		return s
	}
	return 0
}

// Limiter decides whether a request for key may proceed under limit.
// Check must be atomic per key: concurrent calls never admit more than
// limit requests inside one window.
type Limiter interface {
	Check(ctx context.Context, key string, limit int, now time.Time) (Decision, error)
}

func unknownKey() Decision {
	return Decision{Unknown: true}
}

func windowSeconds() int64 {
	return int64(Window / time.Second)
}
