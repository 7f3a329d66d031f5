package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/keygate/internal/gate"
	"github.com/org/keygate/internal/ratelimit"
	"github.com/org/keygate/internal/storage"
	"github.com/org/keygate/pkg/models"
)

// HomeHandler handles GET /.
func (s *Server) HomeHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "keygate",
		"version": s.cfg.Version,
		"endpoints": map[string]string{
			"health":          "GET /health",
			"metrics":         "GET /metrics",
			"protected":       "GET /v1/protected (X-API-Key)",
			"signed":          "POST /v1/signed (X-API-Key, X-Timestamp, X-Signature)",
			"admin_stats":     "GET /v1/admin/stats (admin)",
			"admin_audit_log": "GET /v1/admin/audit-log (admin)",
		},
	})
}

// HealthHandler handles GET /health.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": s.cfg.Version,
	})
}

func rateLimitBody(d ratelimit.Decision) map[string]any {
	return map[string]any{
		"limit":     d.Limit,
		"remaining": d.Remaining,
		"reset":     d.ResetAt,
	}
}

func identity(w http.ResponseWriter, r *http.Request) (*gate.Identity, bool) {
	id, ok := gate.IdentityFromContext(r.Context())
	if !ok {
		// Routes below are only mounted behind the gate.
		writeError(w, http.StatusInternalServerError, "internal_error", "Request reached a protected handler without an identity.")
	}
	return id, ok
}

// ProtectedHandler handles GET /v1/protected.
func (s *Server) ProtectedHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"message":    "Hello " + id.Record.Name + "!",
		"api_key_id": id.Record.KeyID(),
		"tier":       id.Record.Tier,
		"rate_limit": rateLimitBody(id.Rate),
	})
}

// SignedHandler handles POST /v1/signed.
func (s *Server) SignedHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Request body could not be read.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"message":    "Signed request accepted for " + id.Record.Name + ".",
		"api_key_id": id.Record.KeyID(),
		"body_bytes": len(body),
		"security": map[string]any{
			"signature_verified": id.SignatureVerified,
		},
	})
}

// AdminStatsHandler handles GET /v1/admin/stats.
func (s *Server) AdminStatsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	stats := map[string]any{
		"uptime_seconds":  int64(time.Since(s.started).Seconds()),
		"tracked_clients": s.ipLimiter.Len(),
	}
	if s.keys != nil {
		stats["keys_registered"] = s.keys.Len()
	}
	if s.windows != nil {
		stats["active_windows"] = s.windows.Len()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "success",
		"requested_by": id.Record.KeyID(),
		"stats":        stats,
	})
}

// AuditLogHandler handles GET /v1/admin/audit-log.
// Query params: endpoint (prefix), status, since (unix seconds), limit, offset.
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		writeError(w, http.StatusNotImplemented, "audit_log_unavailable", "The configured audit backend cannot be queried.")
		return
	}
	filter, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	entries, err := s.auditLog.QueryAuditLog(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("audit log query failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Audit log query failed.")
		return
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func parseAuditFilter(r *http.Request) (storage.AuditFilter, error) {
	q := r.URL.Query()
	filter := storage.AuditFilter{Endpoint: q.Get("endpoint"), Limit: 100}

	ints := []struct {
		name string
		dst  *int
	}{
		{"status", &filter.Status},
		{"limit", &filter.Limit},
		{"offset", &filter.Offset},
	}
	for _, p := range ints {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errInvalidParam(p.name)
		}
		*p.dst = n
	}
	if filter.Limit > storage.MaxAuditRows {
		filter.Limit = storage.MaxAuditRows
	}
	if v := q.Get("since"); v != "" {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return filter, errInvalidParam("since")
		}
		since := time.Unix(sec, 0).UTC()
		filter.Since = &since
	}
	return filter, nil
}

type errInvalidParam string

func (e errInvalidParam) Error() string {
	return "invalid value for query parameter " + strconv.Quote(string(e))
}
