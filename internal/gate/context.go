package gate

import (
	"context"

	"github.com/org/keygate/internal/ratelimit"
	"github.com/org/keygate/pkg/models"
)

// Identity is attached to the context of every admitted request.
type Identity struct {
	Record            *models.KeyRecord
	Rate              ratelimit.Decision
	SignatureVerified bool
}

type identityKey struct{}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity admitted by the gate, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}
