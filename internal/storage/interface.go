package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/keygate/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = errors.New("already exists")

// KeyStore persists API key records.
type KeyStore interface {
	GetAPIKey(ctx context.Context, key string) (*models.KeyRecord, error)
	PutAPIKey(ctx context.Context, rec *models.KeyRecord) error
	ListAPIKeys(ctx context.Context) ([]*models.KeyRecord, error)
}

// AuditStore persists audit entries.
type AuditStore interface {
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)
	Close() error
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	Endpoint string // prefix match
	Status   int
	Since    *time.Time
	Limit    int
	Offset   int
}
