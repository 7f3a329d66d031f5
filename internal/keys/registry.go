// Package keys resolves presented API keys to their registered records.
package keys

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/org/keygate/pkg/models"
)

var registryKeys = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "keygate_registry_keys",
	Help: "Number of API keys in the active in-memory registry snapshot.",
})

func init() {
	prometheus.MustRegister(registryKeys)
}

// ErrInvalidRecord is returned when a key record fails validation.
var ErrInvalidRecord = errors.New("invalid key record")

// Registry resolves an API key to its record. Lookup never fails: an unknown
// key, or any backend problem, is reported as absent. Returned records are
// shared and must not be modified.
type Registry interface {
	Lookup(ctx context.Context, key string) (*models.KeyRecord, bool)
}

// Source produces a complete key set, e.g. from a file or a secret store.
type Source interface {
	Load(ctx context.Context) ([]*models.KeyRecord, error)
}

// MemoryRegistry serves lookups from an immutable snapshot. Replace swaps in
// a new snapshot atomically; readers never observe a partial update.
type MemoryRegistry struct {
	snap atomic.Pointer[map[string]*models.KeyRecord]
}

// NewMemoryRegistry builds a registry from records.
func NewMemoryRegistry(records []*models.KeyRecord) (*MemoryRegistry, error) {
	m := &MemoryRegistry{}
	if err := m.Replace(records); err != nil {
		return nil, err
	}
	return m, nil
}

// Lookup implements Registry.
func (m *MemoryRegistry) Lookup(_ context.Context, key string) (*models.KeyRecord, bool) {
	snap := m.snap.Load()
	if snap == nil || key == "" {
		return nil, false
	}
	rec, ok := (*snap)[key]
	return rec, ok
}

// Replace validates records and publishes them as the new snapshot. On error
// the current snapshot is kept.
func (m *MemoryRegistry) Replace(records []*models.KeyRecord) error {
	next := make(map[string]*models.KeyRecord, len(records))
	for i, r := range records {
		if err := Validate(r); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		if _, dup := next[r.Key]; dup {
			return fmt.Errorf("record %d: %w: duplicate key %s", i, ErrInvalidRecord, r.KeyID())
		}
		next[r.Key] = normalize(r)
	}
	m.snap.Store(&next)
	registryKeys.Set(float64(len(next)))
	return nil
}

// Len returns the number of keys in the current snapshot.
func (m *MemoryRegistry) Len() int {
	if snap := m.snap.Load(); snap != nil {
		return len(*snap)
	}
	return 0
}

// Validate checks that a record can be served.
func Validate(r *models.KeyRecord) error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	case r.Key == "":
		return fmt.Errorf("%w: empty key", ErrInvalidRecord)
	case r.RateLimit <= 0:
		return fmt.Errorf("%w: key %s: rate_limit must be positive", ErrInvalidRecord, r.KeyID())
	case r.Secret == "":
		return fmt.Errorf("%w: key %s: secret is required", ErrInvalidRecord, r.KeyID())
	}
	return nil
}

// normalize returns a private copy with defaults applied.
func normalize(r *models.KeyRecord) *models.KeyRecord {
	c := r.Clone()
	if len(c.Permissions) == 0 {
		c.Permissions = []string{models.PermRead}
	}
	if c.Name == "" {
		c.Name = c.KeyID()
	}
	return c
}

// Reload loads src and publishes the result into m.
func Reload(ctx context.Context, src Source, m *MemoryRegistry) error {
	records, err := src.Load(ctx)
	if err != nil {
		return err
	}
	return m.Replace(records)
}

// DefaultRecords returns the built-in demo keys used when no source is
// configured.
func DefaultRecords() []*models.KeyRecord {
	return []*models.KeyRecord{
		{
			Key:         "test-api-key-12345",
			Name:        "Test Client",
			Tier:        "free",
			RateLimit:   100,
			Secret:      "test-secret-key-67890",
			Permissions: []string{models.PermRead},
		},
		{
			Key:         "prod-api-key-abcde",
			Name:        "Production Client",
			Tier:        "premium",
			RateLimit:   1000,
			Secret:      "prod-secret-key-xyz123",
			Permissions: []string{models.PermRead, models.PermWrite},
		},
		{
			Key:         "admin-api-key-fghij",
			Name:        "Operations",
			Tier:        "internal",
			RateLimit:   1000,
			Secret:      "admin-secret-key-456",
			Permissions: []string{models.PermRead, models.PermWrite, models.PermAdmin},
		},
	}
}
