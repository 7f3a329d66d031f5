package ratelimit

import (
	"context"
	"hash/fnv"
	"slices"
	"sort"
	"sync"
	"time"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 64

// SlidingWindow is an in-process Limiter keeping an exact timestamp log per
// key. Keys are partitioned across shards, each guarded by its own mutex, so
// checks for different keys rarely contend.
type SlidingWindow struct {
	shards []*shard
}

type shard struct {
	mu      sync.Mutex
	windows map[string][]int64 // ascending admission times, unix seconds
}

// NewSlidingWindow creates a SlidingWindow with n shards (DefaultShards if n <= 0).
func NewSlidingWindow(n int) *SlidingWindow {
	if n <= 0 {
		n = DefaultShards
	}
	sw := &SlidingWindow{shards: make([]*shard, n)}
	for i := range sw.shards {
		sw.shards[i] = &shard{windows: make(map[string][]int64)}
	}
	return sw
}

func (sw *SlidingWindow) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key)) //nolint:errcheck
	return sw.shards[h.Sum32()%uint32(len(sw.shards))]
}

// Check implements Limiter. It never returns an error.
func (sw *SlidingWindow) Check(_ context.Context, key string, limit int, now time.Time) (Decision, error) {
	if key == "" || limit <= 0 {
		return unknownKey(), nil
	}
	ts := now.Unix()
	win := windowSeconds()

	s := sw.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	stamps := prune(s.windows[key], ts-win)
	if len(stamps) >= limit {
		s.windows[key] = stamps
		return Decision{Limit: limit, Remaining: 0, ResetAt: stamps[0] + win}, nil
	}

	// Wall clocks can step backwards; keep the log sorted regardless.
	i, _ := slices.BinarySearch(stamps, ts)
	stamps = slices.Insert(stamps, i, ts)
	s.windows[key] = stamps

	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(stamps),
		ResetAt:   ts + win,
	}, nil
}

// prune drops every timestamp <= cutoff, reusing the backing array.
func prune(stamps []int64, cutoff int64) []int64 {
	idx := sort.Search(len(stamps), func(i int) bool { return stamps[i] > cutoff })
	if idx == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[idx:]...)
}

// Sweep removes keys whose whole log has aged out and returns how many were
// removed. It keeps memory bounded by the set of recently active keys.
func (sw *SlidingWindow) Sweep(now time.Time) int {
	cutoff := now.Unix() - windowSeconds()
	removed := 0
	for _, s := range sw.shards {
		s.mu.Lock()
		for key, stamps := range s.windows {
			if len(stamps) == 0 || stamps[len(stamps)-1] <= cutoff {
				delete(s.windows, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of keys currently tracked.
func (sw *SlidingWindow) Len() int {
	n := 0
	for _, s := range sw.shards {
		s.mu.Lock()
		n += len(s.windows)
		s.mu.Unlock()
	}
	return n
}
