// Package httpapi exposes the clinic, patient sign-in, import, content
// serialization and export endpoints over chi.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"cards/internal/auth"
	"cards/internal/export"
	"cards/internal/platform/logger"
	"cards/internal/platform/metrics"
	"cards/internal/serialize"
	"cards/pkg/domain"
)

// Store is the content repository used by the handlers.
type Store interface {
	View(ctx context.Context, fn func(domain.TransactionView) error) error
	RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error)
}

// Tokens validates and revokes bearer and cookie tokens.
type Tokens interface {
	Validate(ctx context.Context, token string) (*auth.Claims, error)
	Revoke(ctx context.Context, c *auth.Claims) error
}

// PatientAuthenticator signs patients in.
type PatientAuthenticator interface {
	Authenticate(ctx context.Context, c auth.Credentials) (auth.Session, error)
}

// Importer starts a background import.
type Importer interface {
	Trigger(ctx context.Context) error
}

// Exporter schedules and reports export jobs.
type Exporter interface {
	Enqueue(ctx context.Context, in export.Input) (export.Record, error)
	Get(id string) (export.Record, bool)
}

// Server holds the handler dependencies.
type Server struct {
	store         Store
	serializer    *serialize.Serializer
	tokens        Tokens
	patients      PatientAuthenticator
	importer      Importer
	exports       Exporter
	metrics       *metrics.Metrics
	logger        *slog.Logger
	secureCookies bool
	timeout       time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = logger.OrDiscard(l) }
}

// WithMetrics mounts /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithPatientAuth enables patient sign-in.
func WithPatientAuth(a PatientAuthenticator) Option {
	return func(s *Server) { s.patients = a }
}

// WithImporter enables the import trigger.
func WithImporter(i Importer) Option {
	return func(s *Server) { s.importer = i }
}

// WithExports enables the export endpoints.
func WithExports(e Exporter) Option {
	return func(s *Server) { s.exports = e }
}

// WithSecureCookies marks the auth cookie Secure.
func WithSecureCookies(secure bool) Option {
	return func(s *Server) { s.secureCookies = secure }
}

// WithTimeout bounds request handling.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// New builds a server.
func New(store Store, serializer *serialize.Serializer, tokens Tokens, opts ...Option) *Server {
	s := &Server{store: store, serializer: serializer, tokens: tokens, logger: logger.Discard(), timeout: 60 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	if s.patients != nil {
		r.Post("/Proms.validateCredentials", s.handleValidateCredentials)
	}
	r.Post("/logout", s.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(s.requireStaff(""))
		r.Get("/content/*", s.handleContent)
		if s.exports != nil {
			r.Post("/exports", s.handleCreateExport)
			r.Get("/exports/{id}", s.handleGetExport)
		}
	})
	r.Group(func(r chi.Router) {
		r.Use(s.requireStaff(auth.RoleAdmin))
		r.Post("/Proms/ClinicMapping", s.handleCreateClinic)
		if s.importer != nil {
			r.Get("/Subjects.importTorch", s.handleImport)
		}
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
