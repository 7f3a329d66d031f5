// Package gate authenticates, rate limits and optionally verifies the
// signature of each request before it reaches a protected handler.
//
// Decision order is fixed: key presence, key lookup, rate check, signature,
// permission. The rate check runs before signature verification, so a
// request with a bad signature still consumes a slot.
package gate

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/org/keygate/internal/audit"
	"github.com/org/keygate/internal/keys"
	"github.com/org/keygate/internal/ratelimit"
	"github.com/org/keygate/internal/signature"
	"github.com/org/keygate/pkg/models"
)

var decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "keygate_gate_decisions_total",
	Help: "Gate decisions by outcome.",
}, []string{"reason"})

func init() {
	prometheus.MustRegister(decisionsTotal)
}

// DefaultMaxBodyBytes caps bodies read for signature verification.
const DefaultMaxBodyBytes = 1 << 20

// ErrBodyTooLarge marks a body that exceeded the configured cap.
var ErrBodyTooLarge = errors.New("request body too large")

// Route declares what a protected route requires beyond a valid key.
type Route struct {
	RequireSignature bool
	Permission       string // empty means none
}

// SignatureOutcome records what happened to the signature check.
type SignatureOutcome int

const (
	SignatureNotRequired SignatureOutcome = iota
	SignaturePassed
	SignatureFailed
)

// Request holds the credential material of one inbound request.
type Request struct {
	APIKey    string
	Signature string
	Timestamp string
	Body      []byte
	// ReadBody, when set, supplies Body on demand. It is called only once
	// the key is known, within its rate limit, and both signature headers
	// are present.
	ReadBody func() ([]byte, error)
}

// Result is the outcome of Decide.
type Result struct {
	Record *models.KeyRecord // nil when the key is missing or unknown
	// Rate is the limiter decision; valid when RateChecked.
	Rate        ratelimit.Decision
	RateChecked bool
	Signature   SignatureOutcome
	Reason      *Reason // nil when admitted
}

// Admitted reports whether the request may proceed.
func (r Result) Admitted() bool { return r.Reason == nil }

// Options configures a Gate. Registry and Limiter are required.
type Options struct {
	Registry     keys.Registry
	Limiter      ratelimit.Limiter
	Verifier     *signature.Verifier
	Sink         audit.Sink
	Logger       zerolog.Logger
	Now          func() time.Time
	MaxBodyBytes int64
}

// Gate is the per-request authorization orchestrator.
type Gate struct {
	registry keys.Registry
	limiter  ratelimit.Limiter
	verifier *signature.Verifier
	sink     audit.Sink
	log      zerolog.Logger
	now      func() time.Time
	maxBody  int64
}

// New returns a Gate with defaults filled in for unset options.
func New(opts Options) *Gate {
	g := &Gate{
		registry: opts.Registry,
		limiter:  opts.Limiter,
		verifier: opts.Verifier,
		sink:     opts.Sink,
		log:      opts.Logger.With().Str("component", "gate").Logger(),
		now:      opts.Now,
		maxBody:  opts.MaxBodyBytes,
	}
	if g.verifier == nil {
		g.verifier = signature.NewVerifier(signature.MaxSkew)
	}
	if g.sink == nil {
		g.sink = audit.Discard
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.maxBody <= 0 {
		g.maxBody = DefaultMaxBodyBytes
	}
	return g
}

// Decide runs the authorization state machine for one request. It mutates
// rate-limit state but performs no I/O on the response.
func (g *Gate) Decide(ctx context.Context, route Route, req Request, now time.Time) Result {
	var res Result

	if req.APIKey == "" {
		res.Reason = ReasonMissingKey
		return res
	}
	rec, ok := g.registry.Lookup(ctx, req.APIKey)
	if !ok {
		res.Reason = ReasonInvalidKey
		return res
	}

	dec, err := g.limiter.Check(ctx, rec.Key, rec.RateLimit, now)
	if err != nil {
		g.log.Error().Err(err).Str("key", rec.KeyID()).Msg("rate limiter failed, rejecting")
		res.Reason = ReasonLimiterUnavailable
		return res
	}
	if dec.Unknown {
		res.Reason = ReasonInvalidKey
		return res
	}
	res.Record = rec
	res.Rate = dec
	res.RateChecked = true
	if !dec.Allowed {
		res.Reason = ReasonRateLimited
		return res
	}

	if route.RequireSignature {
		if reason := g.checkSignature(rec, req, now); reason != nil {
			res.Signature = SignatureFailed
			res.Reason = reason
			return res
		}
		res.Signature = SignaturePassed
	}

	if !rec.HasPermission(route.Permission) {
		res.Reason = ReasonInsufficientPermissions
	}
	return res
}

func (g *Gate) checkSignature(rec *models.KeyRecord, req Request, now time.Time) *Reason {
	if req.Signature == "" || req.Timestamp == "" {
		return ReasonMissingSignature
	}
	body := req.Body
	if req.ReadBody != nil {
		var err error
		if body, err = req.ReadBody(); err != nil {
			if errors.Is(err, ErrBodyTooLarge) {
				return ReasonBodyTooLarge
			}
			return ReasonUnreadableBody
		}
	}
	switch err := g.verifier.Verify(rec, req.Signature, req.Timestamp, body, now); {
	case err == nil:
		return nil
	case errors.Is(err, signature.ErrMissingSignature):
		return ReasonMissingSignature
	case errors.Is(err, signature.ErrMalformedTimestamp):
		return ReasonInvalidTimestamp
	case errors.Is(err, signature.ErrStaleTimestamp):
		return ReasonRequestExpired
	default:
		return ReasonInvalidSignature
	}
}

func observe(res Result) {
	label := admittedLabel
	if res.Reason != nil {
		label = res.Reason.Code
	}
	decisionsTotal.WithLabelValues(label).Inc()
}
