// Package api serves the statistics REST endpoints and the admin API.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/shineum/sendgrid-relay/internal/admin"
	"github.com/shineum/sendgrid-relay/internal/sendgrid"
	"github.com/shineum/sendgrid-relay/internal/settings"
)

const defaultTimeout = 30 * time.Second

// Admin is the admin service as seen by the HTTP layer.
type Admin interface {
	Settings(ctx context.Context) (settings.Settings, error)
	UpdateSettings(ctx context.Context, f admin.Form) admin.Report
	SendTest(ctx context.Context, t admin.TestEmail) error
	ASMGroups(ctx context.Context) []sendgrid.ASMGroup
	APIKeyValid(ctx context.Context) bool
	StatsCategories(ctx context.Context) ([]string, error)
	Statistics(ctx context.Context, category, start, end string) *admin.StatsReport
}

// Tokens issues, checks and revokes statistics bearer tokens.
type Tokens interface {
	Issue(ctx context.Context) (string, error)
	Valid(ctx context.Context, token string) (bool, error)
	Revoke(ctx context.Context, token string) error
}

// Config holds the dependencies of a Server.
type Config struct {
	Admin  Admin
	Tokens Tokens
	// AdminToken guards the /admin routes. An empty token disables them.
	AdminToken string
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Server is the HTTP front of the admin and statistics operations.
type Server struct {
	admin      Admin
	tokens     Tokens
	adminToken string
	timeout    time.Duration
	validate   *validator.Validate
	log        *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Server{
		admin:      cfg.Admin,
		tokens:     cfg.Tokens,
		adminToken: cfg.AdminToken,
		timeout:    timeout,
		validate:   validator.New(),
		log:        log.With("component", "http"),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/healthz", s.handleHealth)

	r.Route("/rest/v1/sgstats", func(r chi.Router) {
		r.Use(s.statsAuth)
		r.Get("/get/{category}/{start}/{end}", s.handleStats)
		r.Get("/token/invalidate/{token}", s.handleInvalidateToken)
		r.Post("/token/invalidate/{token}", s.handleInvalidateToken)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
		r.Post("/test-email", s.handleTestEmail)
		r.Get("/asm-groups", s.handleASMGroups)
		r.Post("/stats-token", s.handleIssueToken)
		r.Get("/stats-categories", s.handleStatsCategories)
	})

	return r
}

// ListenAndServe serves Routes on addr until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
