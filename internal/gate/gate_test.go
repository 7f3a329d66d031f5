package gate

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/org/keygate/internal/keys"
	"github.com/org/keygate/internal/ratelimit"
	"github.com/org/keygate/internal/signature"
	"github.com/org/keygate/pkg/models"
)

const (
	freeKey     = "k1-free-key"
	freeSecret  = "k1-secret"
	adminKey    = "k2-admin-key"
	adminSecret = "k2-secret"
)

var epoch = time.Unix(1700000000, 0)

// memSink collects audit entries.
type memSink struct {
	mu      sync.Mutex
	entries []*models.AuditEntry
}

func (m *memSink) Record(_ context.Context, e *models.AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *memSink) all() []*models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.AuditEntry(nil), m.entries...)
}

// clock returns a fixed base time and advances by step on every read.
type clock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.t
	c.t = c.t.Add(c.step)
	return t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type failingLimiter struct{}

func (failingLimiter) Check(context.Context, string, int, time.Time) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, ratelimit.ErrBackendUnavailable
}

type harness struct {
	gate  *Gate
	sink  *memSink
	clock *clock
}

func newHarness(t *testing.T, opts ...func(*Options)) *harness {
	t.Helper()
	reg, err := keys.NewMemoryRegistry([]*models.KeyRecord{
		{Key: freeKey, Name: "Free", Tier: "free", RateLimit: 2, Secret: freeSecret},
		{Key: adminKey, Name: "Ops", Tier: "internal", RateLimit: 100, Secret: adminSecret, Permissions: []string{models.PermAdmin}},
	})
	require.NoError(t, err)

	h := &harness{sink: &memSink{}, clock: &clock{t: epoch}}
	o := Options{
		Registry:     reg,
		Limiter:      ratelimit.NewSlidingWindow(4),
		Sink:         h.sink,
		Logger:       zerolog.Nop(),
		Now:          h.clock.now,
		MaxBodyBytes: 64,
	}
	for _, fn := range opts {
		fn(&o)
	}
	h.gate = New(o)
	return h
}

// identityHandler echoes the admitted identity.
func identityHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !assert.True(t, ok) {
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"name":"`+id.Record.Name+`","remaining":`+strconv.Itoa(id.Rate.Remaining)+ //nolint:errcheck
			`,"verified":`+strconv.FormatBool(id.SignatureVerified)+`,"body":"`+string(body)+`"}`)
	})
}

func (h *harness) do(t *testing.T, route Route, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.gate.Middleware(route)(identityHandler(t)).ServeHTTP(rr, req)
	return rr
}

func signedRequest(key, secret, body string, ts int64) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/signed", strings.NewReader(body))
	tsHeader := strconv.FormatInt(ts, 10)
	req.Header.Set(HeaderAPIKey, key)
	req.Header.Set(HeaderTimestamp, tsHeader)
	req.Header.Set(HeaderSignature, signature.Sign(secret, tsHeader, []byte(body)))
	return req
}

func authedRequest(key string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/signed", nil)
	req.Header.Set(HeaderAPIKey, key)
	return req
}

func errorCode(rr *httptest.ResponseRecorder) string {
	return gjson.Get(rr.Body.String(), "error").String()
}

func TestMiddleware_MissingKey(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, Route{}, httptest.NewRequest(http.MethodGet, "/v1/protected", nil))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "missing_api_key", errorCode(rr))
	assert.NotEmpty(t, gjson.Get(rr.Body.String(), "message").String())
	assert.Empty(t, rr.Header().Get(HeaderLimit))

	entries := h.sink.all()
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].APIKey)
	assert.Equal(t, http.StatusUnauthorized, entries[0].Status)
	assert.Equal(t, "missing_api_key", entries[0].Reason)
}

func TestMiddleware_InvalidKey(t *testing.T) {
	h := newHarness(t)
	req := signedRequest("not-a-registered-key", freeSecret, "{}", epoch.Unix())
	rr := h.do(t, Route{RequireSignature: true, Permission: models.PermAdmin}, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "invalid_api_key", errorCode(rr))
	assert.Empty(t, rr.Header().Get(HeaderLimit))
	entries := h.sink.all()
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].APIKey)
	assert.Equal(t, "not-a-re...", *entries[0].APIKey)
}

func TestMiddleware_Admitted(t *testing.T) {
	h := newHarness(t)
	h.clock.step = 5 * time.Millisecond

	req := httptest.NewRequest(http.MethodGet, "/v1/protected", nil)
	req.Header.Set(HeaderAPIKey, freeKey)
	req.Header.Set("User-Agent", "keyctl/1")
	req.RemoteAddr = "192.0.2.7:5555"
	rr := h.do(t, Route{}, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "Free", gjson.Get(rr.Body.String(), "name").String())
	assert.Equal(t, int64(1), gjson.Get(rr.Body.String(), "remaining").Int())
	assert.False(t, gjson.Get(rr.Body.String(), "verified").Bool())
	assert.Equal(t, "2", rr.Header().Get(HeaderLimit))
	assert.Equal(t, "1", rr.Header().Get(HeaderRemaining))
	assert.Equal(t, strconv.FormatInt(epoch.Unix()+60, 10), rr.Header().Get(HeaderReset))

	entries := h.sink.all()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, http.StatusOK, e.Status)
	assert.Empty(t, e.Reason)
	assert.Equal(t, "/v1/protected", e.Endpoint)
	assert.Equal(t, "192.0.2.7", e.ClientIP)
	assert.Equal(t, "keyctl/1", e.UserAgent)
	assert.InDelta(t, 5.0, e.ResponseTimeMs, 0.001)
}

func TestMiddleware_RateLimited(t *testing.T) {
	h := newHarness(t)
	get := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/protected", nil)
		req.Header.Set(HeaderAPIKey, freeKey)
		return h.do(t, Route{}, req)
	}

	h.clock.set(epoch)
	assert.Equal(t, http.StatusOK, get().Code)
	h.clock.set(epoch.Add(10 * time.Second))
	assert.Equal(t, http.StatusOK, get().Code)

	h.clock.set(epoch.Add(20 * time.Second))
	rr := get()
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "rate_limited", errorCode(rr))
	assert.Equal(t, int64(2), gjson.Get(rr.Body.String(), "limit").Int())
	assert.Equal(t, epoch.Unix()+60, gjson.Get(rr.Body.String(), "reset_time").Int())
	assert.Equal(t, "40", rr.Header().Get("Retry-After"))
	assert.Equal(t, "0", rr.Header().Get(HeaderRemaining))

	h.clock.set(epoch.Add(61 * time.Second))
	assert.Equal(t, http.StatusOK, get().Code)

	statuses := make([]int, 0, 4)
	for _, e := range h.sink.all() {
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, []int{200, 200, 429, 200}, statuses)
}

func TestMiddleware_SignedRoute(t *testing.T) {
	route := Route{RequireSignature: true}

	t.Run("valid", func(t *testing.T) {
		h := newHarness(t)
		rr := h.do(t, route, signedRequest(freeKey, freeSecret, `ping`, epoch.Unix()))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.True(t, gjson.Get(rr.Body.String(), "verified").Bool())
		assert.Equal(t, "ping", gjson.Get(rr.Body.String(), "body").String())
	})

	tests := []struct {
		name   string
		mutate func(r *http.Request)
		status int
		code   string
	}{
		{"missing signature", func(r *http.Request) { r.Header.Del(HeaderSignature) }, 401, "missing_signature"},
		{"missing timestamp", func(r *http.Request) { r.Header.Del(HeaderTimestamp) }, 401, "missing_signature"},
		{"malformed timestamp", func(r *http.Request) { r.Header.Set(HeaderTimestamp, "yesterday") }, 400, "invalid_timestamp"},
		{"wrong signature", func(r *http.Request) { r.Header.Set(HeaderSignature, strings.Repeat("0", 64)) }, 401, "invalid_signature"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := signedRequest(freeKey, freeSecret, `ping`, epoch.Unix())
			tt.mutate(req)
			rr := h.do(t, route, req)
			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, tt.code, errorCode(rr))
			// The rate slot was consumed before the signature check.
			assert.Equal(t, "1", rr.Header().Get(HeaderRemaining))
		})
	}

	t.Run("expired", func(t *testing.T) {
		h := newHarness(t)
		rr := h.do(t, route, signedRequest(freeKey, freeSecret, `ping`, epoch.Unix()-301))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "request_expired", errorCode(rr))
	})

	t.Run("future dated", func(t *testing.T) {
		h := newHarness(t)
		rr := h.do(t, route, signedRequest(freeKey, freeSecret, `ping`, epoch.Unix()+301))
		assert.Equal(t, "request_expired", errorCode(rr))
	})

	t.Run("signed over a different body", func(t *testing.T) {
		h := newHarness(t)
		req := signedRequest(freeKey, freeSecret, `{"amount":1}`, epoch.Unix())
		req.Body = io.NopCloser(strings.NewReader(`{"amount":9}`))
		rr := h.do(t, route, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "invalid_signature", errorCode(rr))
	})

	t.Run("body too large", func(t *testing.T) {
		h := newHarness(t)
		rr := h.do(t, route, signedRequest(freeKey, freeSecret, strings.Repeat("x", 65), epoch.Unix()))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
		assert.Equal(t, "body_too_large", errorCode(rr))
	})
}

func TestMiddleware_Permissions(t *testing.T) {
	route := Route{Permission: models.PermAdmin}

	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/stats", nil)
	req.Header.Set(HeaderAPIKey, freeKey)
	rr := h.do(t, route, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "insufficient_permissions", errorCode(rr))
	assert.Equal(t, "Insufficient permissions.", gjson.Get(rr.Body.String(), "message").String())
	assert.Equal(t, "1", rr.Header().Get(HeaderRemaining))

	req = httptest.NewRequest(http.MethodGet, "/v1/admin/stats", nil)
	req.Header.Set(HeaderAPIKey, adminKey)
	rr = h.do(t, route, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Ops", gjson.Get(rr.Body.String(), "name").String())
}

func TestMiddleware_LimiterUnavailable(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Limiter = failingLimiter{} })
	req := httptest.NewRequest(http.MethodGet, "/v1/protected", nil)
	req.Header.Set(HeaderAPIKey, freeKey)
	rr := h.do(t, Route{}, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "rate_limiter_unavailable", errorCode(rr))
	require.Len(t, h.sink.all(), 1)
}

func TestMiddleware_AuditsHandlerStatus(t *testing.T) {
	h := newHarness(t)
	handler := h.gate.Middleware(Route{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/protected", nil)
	req.Header.Set(HeaderAPIKey, freeKey)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "2", rr.Header().Get(HeaderLimit))
	entries := h.sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, http.StatusCreated, entries[0].Status)
	assert.Equal(t, http.MethodPost, entries[0].Method)
}

func TestMiddleware_AuditsPanics(t *testing.T) {
	h := newHarness(t)
	handler := h.gate.Middleware(Route{})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(errors.New("boom"))
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/protected", nil)
	req.Header.Set(HeaderAPIKey, freeKey)

	assert.Panics(t, func() { handler.ServeHTTP(httptest.NewRecorder(), req) })
	entries := h.sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, http.StatusInternalServerError, entries[0].Status)
}

func TestDecide_Order(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.gate.Decide(ctx, Route{}, Request{}, epoch)
	assert.Same(t, ReasonMissingKey, res.Reason)
	assert.False(t, res.RateChecked)

	// Bad signature and missing permission: signature is reported first.
	res = h.gate.Decide(ctx, Route{RequireSignature: true, Permission: models.PermAdmin},
		Request{APIKey: freeKey, Signature: "bad", Timestamp: strconv.FormatInt(epoch.Unix(), 10)}, epoch)
	assert.Same(t, ReasonInvalidSignature, res.Reason)
	assert.Equal(t, SignatureFailed, res.Signature)
	assert.True(t, res.RateChecked)

	// The slot consumed above leaves one; this one passes signature but not permission.
	ts := strconv.FormatInt(epoch.Unix(), 10)
	res = h.gate.Decide(ctx, Route{RequireSignature: true, Permission: models.PermAdmin},
		Request{APIKey: freeKey, Signature: signature.Sign(freeSecret, ts, nil), Timestamp: ts}, epoch)
	assert.Same(t, ReasonInsufficientPermissions, res.Reason)
	assert.Equal(t, SignaturePassed, res.Signature)
	assert.Equal(t, 0, res.Rate.Remaining)

	// Window exhausted: rate limiting wins over every later check.
	res = h.gate.Decide(ctx, Route{RequireSignature: true}, Request{APIKey: freeKey}, epoch)
	assert.Same(t, ReasonRateLimited, res.Reason)
	assert.Equal(t, SignatureNotRequired, res.Signature)
}

func TestIdentityFromContext_Empty(t *testing.T) {
	_, ok := IdentityFromContext(context.Background())
	assert.False(t, ok)
}

// countingBody records how many bytes the gate pulled from the request.
type countingBody struct {
	r    io.Reader
	read int
}

func (c *countingBody) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += n
	return n, err
}

func (c *countingBody) Close() error { return nil }

func TestSignedRoute_BodyReadOnlyAfterAdmissionChecks(t *testing.T) {
	route := Route{RequireSignature: true}
	withBody := func(req *http.Request) (*http.Request, *countingBody) {
		cb := &countingBody{r: strings.NewReader("ping")}
		req.Body = cb
		return req, cb
	}

	t.Run("unknown key", func(t *testing.T) {
		h := newHarness(t)
		req, cb := withBody(signedRequest("nope-key-000000", freeSecret, "ping", epoch.Unix()))
		rr := h.do(t, route, req)
		assert.Equal(t, "invalid_api_key", errorCode(rr))
		assert.Zero(t, cb.read)
	})

	t.Run("rate limited key", func(t *testing.T) {
		h := newHarness(t)
		for i := 0; i < 2; i++ {
			h.do(t, Route{}, authedRequest(freeKey))
		}
		req, cb := withBody(signedRequest(freeKey, freeSecret, "ping", epoch.Unix()))
		rr := h.do(t, route, req)
		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.Zero(t, cb.read)
	})

	t.Run("missing signature headers", func(t *testing.T) {
		h := newHarness(t)
		req, cb := withBody(authedRequest(freeKey))
		rr := h.do(t, route, req)
		assert.Equal(t, "missing_signature", errorCode(rr))
		assert.Zero(t, cb.read)
	})

	t.Run("admission checks pass", func(t *testing.T) {
		h := newHarness(t)
		req, cb := withBody(signedRequest(freeKey, freeSecret, "ping", epoch.Unix()))
		rr := h.do(t, route, req)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, 4, cb.read)
	})
}

func TestDecide_ReadBodyCalledOnce(t *testing.T) {
	h := newHarness(t)
	ts := strconv.FormatInt(epoch.Unix(), 10)
	calls := 0
	res := h.gate.Decide(context.Background(), Route{RequireSignature: true}, Request{
		APIKey:    freeKey,
		Signature: signature.Sign(freeSecret, ts, []byte("ping")),
		Timestamp: ts,
		ReadBody: func() ([]byte, error) {
			calls++
			return []byte("ping"), nil
		},
	}, epoch)
	assert.True(t, res.Admitted())
	assert.Equal(t, 1, calls)

	res = h.gate.Decide(context.Background(), Route{RequireSignature: true}, Request{
		APIKey:    freeKey,
		Signature: "x",
		Timestamp: ts,
		ReadBody:  func() ([]byte, error) { return nil, errors.New("connection reset") },
	}, epoch)
	assert.Same(t, ReasonUnreadableBody, res.Reason)
}
