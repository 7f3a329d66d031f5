package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/org/keygate/internal/gate"
	"github.com/org/keygate/internal/storage"
	"github.com/org/keygate/pkg/models"
)

// Config holds server configuration.
type Config struct {
	ListenAddr      string
	TLSCertFile     string
	TLSKeyFile      string
	Version         string
	IPRatePerSecond float64
	IPBurst         int

	// TrustProxyHeaders applies X-Forwarded-For/X-Real-IP to RemoteAddr.
	// Leave off unless a proxy in front rewrites those headers.
	TrustProxyHeaders bool
}

// AuditQuerier reads back recorded audit entries.
type AuditQuerier interface {
	QueryAuditLog(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error)
}

// Counter reports the size of a component for admin stats.
type Counter interface {
	Len() int
}

// Deps are the collaborators the server routes to. Only Gate is required.
type Deps struct {
	Gate      *gate.Gate
	AuditLog  AuditQuerier // nil when the audit backend cannot be queried
	Keys      Counter
	Windows   Counter
	IPLimiter *IPLimiter
}

// Server is the API server.
type Server struct {
	gate      *gate.Gate
	auditLog  AuditQuerier
	keys      Counter
	windows   Counter
	ipLimiter *IPLimiter
	cfg       Config
	started   time.Time
	httpSrv   *http.Server
}

// NewServer creates a fully wired Server.
func NewServer(deps Deps, cfg Config) *Server {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	ipl := deps.IPLimiter
	if ipl == nil {
		ipl = NewIPLimiter(cfg.IPRatePerSecond, cfg.IPBurst)
	}
	return &Server{
		gate:      deps.Gate,
		auditLog:  deps.AuditLog,
		keys:      deps.Keys,
		windows:   deps.Windows,
		ipLimiter: ipl,
		cfg:       cfg,
		started:   time.Now(),
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	if s.cfg.TrustProxyHeaders {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(securityHeadersMiddleware)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(s.ipLimiter.middleware)

	r.Handle("/metrics", MetricsHandler())

	// Public routes
	r.Get("/", s.HomeHandler)
	r.Get("/health", s.HealthHandler)

	// Key-protected routes
	r.Route("/v1", func(r chi.Router) {
		r.With(s.gate.Middleware(gate.Route{})).
			Get("/protected", s.ProtectedHandler)
		r.With(s.gate.Middleware(gate.Route{RequireSignature: true})).
			Post("/signed", s.SignedHandler)

		r.Group(func(r chi.Router) {
			r.Use(s.gate.Middleware(gate.Route{Permission: models.PermAdmin}))
			r.Get("/admin/stats", s.AdminStatsHandler)
			r.Get("/admin/audit-log", s.AuditLogHandler)
		})
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
