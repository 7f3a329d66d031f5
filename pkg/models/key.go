package models

import (
	"slices"

	"github.com/samber/lo"
)

// Permission tags granted to API keys.
const (
	PermRead  = "read"
	PermWrite = "write"
	PermAdmin = "admin"
)

// KeyRecord is the metadata registered for one API key.
// Records are immutable once published to a registry.
type KeyRecord struct {
	Key         string   `json:"-" yaml:"key"`
	Name        string   `json:"name" yaml:"name"`
	Tier        string   `json:"tier" yaml:"tier"`
	RateLimit   int      `json:"rate_limit" yaml:"rate_limit"` // requests per 60s window
	Secret      string   `json:"-" yaml:"secret,omitempty"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

// HasPermission returns true if the record carries the given permission tag.
// The admin tag implies every other permission.
func (k *KeyRecord) HasPermission(perm string) bool {
	if perm == "" {
		return true
	}
	return lo.ContainsBy(k.Permissions, func(p string) bool {
		return p == perm || p == PermAdmin
	})
}

// Clone returns a deep copy of the record.
func (k *KeyRecord) Clone() *KeyRecord {
	c := *k
	c.Permissions = slices.Clone(k.Permissions)
	return &c
}

// KeyID returns a short, log-safe identifier for the key.
func (k *KeyRecord) KeyID() string {
	return MaskKey(k.Key)
}

// MaskKey reduces an API key to a prefix suitable for logs.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8] + "..."
}
