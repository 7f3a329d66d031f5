package gate

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/org/keygate/pkg/models"
)

// Header names read and written by the gate.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"

	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// statusRecorder captures the status code written downstream.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wrote {
		sr.status, sr.wrote = code, true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.wrote {
		sr.status, sr.wrote = http.StatusOK, true
	}
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// Middleware protects next with the requirements of route. Admitted requests
// reach next with an Identity in their context; rejected ones get a JSON
// error. Either way exactly one audit entry is recorded.
func (g *Gate) Middleware(route Route) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := g.now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			var res Result

			defer func() {
				p := recover()
				if p != nil && !rec.wrote {
					rec.status = http.StatusInternalServerError
				}
				g.record(r, res, rec.status, start)
				if p != nil {
					panic(p)
				}
			}()

			req := Request{
				APIKey:    r.Header.Get(HeaderAPIKey),
				Signature: r.Header.Get(HeaderSignature),
				Timestamp: r.Header.Get(HeaderTimestamp),
			}
			if route.RequireSignature {
				req.ReadBody = func() ([]byte, error) { return g.readBody(w, r) }
			}

			res = g.Decide(r.Context(), route, req, start)
			observe(res)

			if res.RateChecked {
				setRateHeaders(w.Header(), res)
			}
			if !res.Admitted() {
				writeRejection(rec, res, start)
				return
			}

			ctx := WithIdentity(r.Context(), &Identity{
				Record:            res.Record,
				Rate:              res.Rate,
				SignatureVerified: res.Signature == SignaturePassed,
			})
			next.ServeHTTP(rec, r.WithContext(ctx))
		})
	}
}

// readBody consumes the body up to the cap and restores it for next.
func (g *Gate) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxBody))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, ErrBodyTooLarge
		}
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func setRateHeaders(h http.Header, res Result) {
	h.Set(HeaderLimit, strconv.Itoa(res.Rate.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(res.Rate.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(res.Rate.ResetAt, 10))
}

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Limit     *int   `json:"limit,omitempty"`
	ResetTime *int64 `json:"reset_time,omitempty"`
}

func writeRejection(w http.ResponseWriter, res Result, now time.Time) {
	body := errorBody{Error: res.Reason.Code, Message: res.Reason.Message}
	if res.Reason == ReasonRateLimited {
		limit, reset := res.Rate.Limit, res.Rate.ResetAt
		body.Limit, body.ResetTime = &limit, &reset
		w.Header().Set("Retry-After", strconv.FormatInt(res.Rate.RetryAfter(now), 10))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Reason.Status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}

func (g *Gate) record(r *http.Request, res Result, status int, start time.Time) {
	var key *string
	if presented := r.Header.Get(HeaderAPIKey); presented != "" {
		masked := models.MaskKey(presented)
		key = &masked
	}
	entry := &models.AuditEntry{
		RequestID:      chimiddleware.GetReqID(r.Context()),
		Timestamp:      start.UTC(),
		APIKey:         key,
		Method:         r.Method,
		Endpoint:       r.URL.Path,
		Status:         status,
		ResponseTimeMs: float64(g.now().Sub(start)) / float64(time.Millisecond),
		ClientIP:       remoteHost(r.RemoteAddr),
		UserAgent:      r.UserAgent(),
	}
	if res.Reason != nil {
		entry.Reason = res.Reason.Code
	}
	g.sink.Record(r.Context(), entry)
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
