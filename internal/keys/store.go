package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/org/keygate/internal/storage"
	"github.com/org/keygate/pkg/models"
)

// KeyGetter is the minimal interface StoreRegistry needs from storage.
// Absent keys are reported as storage.ErrNotFound.
type KeyGetter interface {
	GetAPIKey(ctx context.Context, key string) (*models.KeyRecord, error)
}

// StoreConfig tunes a StoreRegistry.
type StoreConfig struct {
	CacheSize   int64         // max cached keys, default 10000
	TTL         time.Duration // positive entries, default 1m
	NegativeTTL time.Duration // unknown keys, default 10s
	// Breaker opens after this many consecutive backend failures (default 5)
	// and stays open for BreakerTimeout (default 30s).
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

type cacheEntry struct {
	rec *models.KeyRecord // nil for a cached miss
}

// StoreRegistry resolves keys from an external store through a read-through
// cache. Backend failures trip a circuit breaker and are reported as absent,
// so an unavailable store denies access instead of granting it.
type StoreRegistry struct {
	store   KeyGetter
	cache   *ristretto.Cache[string, cacheEntry]
	breaker *gobreaker.CircuitBreaker[*models.KeyRecord]
	cfg     StoreConfig
	log     zerolog.Logger
}

// NewStoreRegistry wraps store with caching and a circuit breaker.
func NewStoreRegistry(store KeyGetter, cfg StoreConfig, log zerolog.Logger) (*StoreRegistry, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10_000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	log = log.With().Str("component", "key_store").Logger()

	cache, err := ristretto.NewCache(&ristretto.Config[string, cacheEntry]{
		NumCounters: cfg.CacheSize * 10,
		MaxCost:     cfg.CacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating key cache: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker[*models.KeyRecord](gobreaker.Settings{
		Name:    "key-store",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, storage.ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("key store breaker state change")
		},
	})

	return &StoreRegistry{store: store, cache: cache, breaker: breaker, cfg: cfg, log: log}, nil
}

// Lookup implements Registry.
func (s *StoreRegistry) Lookup(ctx context.Context, key string) (*models.KeyRecord, bool) {
	if key == "" {
		return nil, false
	}
	if e, ok := s.cache.Get(key); ok {
		return e.rec, e.rec != nil
	}

	rec, err := s.breaker.Execute(func() (*models.KeyRecord, error) {
		return s.store.GetAPIKey(ctx, key)
	})
	switch {
	case err == nil:
		if verr := Validate(rec); verr != nil {
			s.log.Error().Err(verr).Msg("stored key record is invalid")
			return nil, false
		}
		rec = normalize(rec)
		s.cache.SetWithTTL(key, cacheEntry{rec: rec}, 1, s.cfg.TTL)
		return rec, true
	case errors.Is(err, storage.ErrNotFound):
		s.cache.SetWithTTL(key, cacheEntry{}, 1, s.cfg.NegativeTTL)
		return nil, false
	default:
		s.log.Error().Err(err).Str("key", models.MaskKey(key)).Msg("key store lookup failed")
		return nil, false
	}
}

// Invalidate drops a cached entry, e.g. after a key is revoked externally.
func (s *StoreRegistry) Invalidate(key string) {
	s.cache.Del(key)
}

// Close releases the cache.
func (s *StoreRegistry) Close() {
	s.cache.Close()
}
