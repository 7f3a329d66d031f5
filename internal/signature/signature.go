package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/org/keygate/pkg/models"
)

// MaxSkew is the largest accepted distance between the signed timestamp and
// the verifier's clock. The boundary itself is accepted.
const MaxSkew = 300 * time.Second

var (
	ErrMissingSignature   = errors.New("missing signature or timestamp")
	ErrMalformedTimestamp = errors.New("timestamp is not a unix integer")
	ErrStaleTimestamp     = errors.New("timestamp outside the accepted window")
	ErrSignatureMismatch  = errors.New("signature mismatch")
)

// Sign returns the hex signature for a timestamp header value and body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp)) //nolint:errcheck
	mac.Write(body)              //nolint:errcheck
	return hex.EncodeToString(mac.Sum(nil))
}

// Verifier checks request signatures against a key's secret.
type Verifier struct {
	maxSkew time.Duration
}

// NewVerifier returns a Verifier. A non-positive maxSkew selects MaxSkew.
func NewVerifier(maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = MaxSkew
	}
	return &Verifier{maxSkew: maxSkew}
}

// Verify validates signature over timestampHeader||body with the record's
// secret. It returns nil when the request is authentic and fresh, or one of
// the Err* sentinels otherwise.
func (v *Verifier) Verify(record *models.KeyRecord, sig, timestampHeader string, body []byte, now time.Time) error {
	if sig == "" || timestampHeader == "" {
		return ErrMissingSignature
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestampHeader), 10, 64)
	if err != nil {
		return ErrMalformedTimestamp
	}
	// Compare against bounds derived from now; ts-now can overflow.
	maxSkew := int64(v.maxSkew / time.Second)
	if ts < now.Unix()-maxSkew || ts > now.Unix()+maxSkew {
		return ErrStaleTimestamp
	}

	expected := Sign(record.Secret, timestampHeader, body)
	// hmac.Equal runs in constant time for equal-length inputs.
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return ErrSignatureMismatch
	}
	return nil
}
