package keys

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/keygate/pkg/models"
)

func TestMemoryRegistryLookup(t *testing.T) {
	reg, err := NewMemoryRegistry(DefaultRecords())
	require.NoError(t, err)
	ctx := context.Background()

	rec, ok := reg.Lookup(ctx, "test-api-key-12345")
	require.True(t, ok)
	assert.Equal(t, "Test Client", rec.Name)
	assert.Equal(t, "free", rec.Tier)
	assert.Equal(t, 100, rec.RateLimit)

	_, ok = reg.Lookup(ctx, "nope")
	assert.False(t, ok)
	_, ok = reg.Lookup(ctx, "")
	assert.False(t, ok)
}

func TestMemoryRegistryLookupIsIdempotent(t *testing.T) {
	reg, err := NewMemoryRegistry(DefaultRecords())
	require.NoError(t, err)
	ctx := context.Background()

	first, _ := reg.Lookup(ctx, "prod-api-key-abcde")
	want := first.Clone()
	for i := 0; i < 10; i++ {
		got, ok := reg.Lookup(ctx, "prod-api-key-abcde")
		require.True(t, ok)
		assert.Same(t, first, got)
		assert.Equal(t, want, got)
	}
}

func TestMemoryRegistryCopiesInput(t *testing.T) {
	in := []*models.KeyRecord{{Key: "k", RateLimit: 5, Secret: "s"}}
	reg, err := NewMemoryRegistry(in)
	require.NoError(t, err)

	in[0].RateLimit = 999
	rec, _ := reg.Lookup(context.Background(), "k")
	assert.Equal(t, 5, rec.RateLimit)
	assert.Equal(t, []string{models.PermRead}, rec.Permissions, "default permission applied")
}

func TestMemoryRegistryValidation(t *testing.T) {
	tests := []struct {
		name    string
		records []*models.KeyRecord
	}{
		{"nil record", []*models.KeyRecord{nil}},
		{"empty key", []*models.KeyRecord{{RateLimit: 1, Secret: "s"}}},
		{"zero limit", []*models.KeyRecord{{Key: "k", Secret: "s"}}},
		{"missing secret", []*models.KeyRecord{{Key: "k", RateLimit: 1}}},
		{"duplicate", []*models.KeyRecord{
			{Key: "k", RateLimit: 1, Secret: "s"},
			{Key: "k", RateLimit: 2, Secret: "t"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMemoryRegistry(tt.records)
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestMemoryRegistryReplaceKeepsSnapshotOnError(t *testing.T) {
	reg, err := NewMemoryRegistry(DefaultRecords())
	require.NoError(t, err)

	err = reg.Replace([]*models.KeyRecord{{Key: "bad"}})
	require.Error(t, err)
	assert.Equal(t, 3, reg.Len())

	require.NoError(t, reg.Replace([]*models.KeyRecord{{Key: "new", RateLimit: 1, Secret: "s"}}))
	_, ok := reg.Lookup(context.Background(), "test-api-key-12345")
	assert.False(t, ok)
	_, ok = reg.Lookup(context.Background(), "new")
	assert.True(t, ok)
}

func TestMemoryRegistryConcurrentReplace(t *testing.T) {
	a := []*models.KeyRecord{{Key: "k", Name: "A", Tier: "a", RateLimit: 1, Secret: "s"}}
	b := []*models.KeyRecord{{Key: "k", Name: "B", Tier: "b", RateLimit: 2, Secret: "s"}}
	reg, err := NewMemoryRegistry(a)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if i%2 == 0 {
				reg.Replace(b) //nolint:errcheck
			} else {
				reg.Replace(a) //nolint:errcheck
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			rec, ok := reg.Lookup(context.Background(), "k")
			if !ok {
				t.Error("key vanished during replace")
				return
			}
			// A record is never a mix of two snapshots.
			if (rec.Name == "A") != (rec.RateLimit == 1) {
				t.Errorf("torn record: %+v", rec)
				return
			}
		}
	}()
	wg.Wait()
}

func TestHasPermission(t *testing.T) {
	reg, _ := NewMemoryRegistry(DefaultRecords())
	ctx := context.Background()

	free, _ := reg.Lookup(ctx, "test-api-key-12345")
	admin, _ := reg.Lookup(ctx, "admin-api-key-fghij")

	assert.True(t, free.HasPermission(models.PermRead))
	assert.False(t, free.HasPermission(models.PermAdmin))
	assert.True(t, free.HasPermission(""))
	assert.True(t, admin.HasPermission("anything"))
}
