// Package api exposes the distributor over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"

	"reward-distributor/internal/claim"
	"reward-distributor/internal/domain"
	"reward-distributor/internal/observability"
	"reward-distributor/internal/prep"
	"reward-distributor/internal/ratelimit"
	"reward-distributor/internal/snapshot"
	"reward-distributor/internal/storage"
	"reward-distributor/internal/window"
)

// Preparer runs the prepare step on demand.
type Preparer interface {
	RunPrepare(ctx context.Context, cycleID int64) (prep.Result, error)
}

// Snapshotter takes and reads snapshots.
type Snapshotter interface {
	RunSnapshot(ctx context.Context, cycleID int64, now time.Time) (snapshot.Result, error)
	Get(ctx context.Context, cycleID int64) (*domain.Snapshot, error)
}

// Claimer builds and settles claims.
type Claimer interface {
	Preview(ctx context.Context, wallet string) (claim.PreviewResult, error)
	Submit(ctx context.Context, req claim.SubmitRequest) (claim.SubmitResult, error)
}

// Ledger answers balance questions.
type Ledger interface {
	Summary(ctx context.Context, wallet string) (domain.EntitlementSummary, error)
	RunningTotal(ctx context.Context) (domain.Amount, error)
}

// Config configures a Server.
type Config struct {
	Addr     string
	Schedule window.Schedule
	// Unit and Decimals govern how reward amounts cross the API.
	Unit     domain.Unit
	Decimals uint8

	Prep      Preparer
	Snapshots Snapshotter
	Claims    Claimer
	Ledger    Ledger
	History   storage.ClaimStore
	// Archive serves daily totals. Optional.
	Archive storage.ArchiveStore

	// JWTSecret enables POST /api/prepare. Empty disables it.
	JWTSecret   []byte
	CORSOrigins []string

	// Limiters are optional; nil disables that limit.
	IPLimiter      *ratelimit.Limiter
	PreviewLimiter *ratelimit.Limiter
	SubmitLimiter  *ratelimit.Limiter

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	cfg    Config
	router *chi.Mux
	srv    *http.Server
	clock  clockwork.Clock
	log    *slog.Logger
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Prep == nil || cfg.Snapshots == nil || cfg.Claims == nil || cfg.Ledger == nil || cfg.History == nil {
		return nil, errors.New("api: prep, snapshots, claims, ledger and history are required")
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Unit.Valid() {
		return nil, errors.New("api: invalid amount unit")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		clock:  cfg.Clock,
		log:    cfg.Logger,
	}
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.Middleware)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders: []string{"Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", observability.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/window", s.handleWindow)
		r.Get("/entitlements/{wallet}", s.handleEntitlements)
		r.Get("/snapshots/{cycleId}", s.handleSnapshot)
		r.Get("/claims/recent", s.handleRecentClaims)
		r.Get("/stats", s.handleStats)

		r.With(s.requireAdmin).Post("/prepare", s.handlePrepare)

		r.Route("/claim", func(r chi.Router) {
			if s.cfg.IPLimiter != nil {
				r.Use(ratelimit.Middleware(s.cfg.IPLimiter, ratelimit.ClientIP))
			}
			r.Post("/preview", s.handlePreview)
			r.Post("/submit", s.handleSubmit)
		})
	})
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info("api: listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
