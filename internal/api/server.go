package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marcus/runlog/internal/serverdb"
)

// Server is the HTTP API server for runlog-server.
type Server struct {
	config      Config
	http        *http.Server
	store       *serverdb.ServerDB
	dbPool      *ProjectDBPool
	metrics     *Metrics
	rateLimiter *RateLimiter
	cancel      context.CancelFunc
}

// NewServer creates a new Server with the given config and registry.
func NewServer(cfg Config, store *serverdb.ServerDB) (*Server, error) {
	if cfg.MaxBatchOps <= 0 {
		cfg.MaxBatchOps = 1000
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:      cfg,
		store:       store,
		dbPool:      NewProjectDBPool(cfg.ProjectDataDir),
		metrics:     NewMetrics(),
		rateLimiter: NewRateLimiter(ctx),
		cancel:      cancel,
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	return nil
}

// Shutdown gracefully stops the server and closes all project databases.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.http.Shutdown(ctx)
	s.dbPool.CloseAll()
	return err
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		recoverJSON,
		chimw.RealIP,
		chimw.RequestID,
		requestLogger,
		accessLog(s.metrics),
		chimw.RequestSize(s.config.MaxBodyBytes),
		rateLimitMiddleware(s.rateLimiter, s.config.RateLimitOps, s.config.RateLimitRead),
	)

	// Health & metrics
	r.Get("/healthz", s.handleHealth)
	r.Get("/metricz", s.handleMetrics)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Registry
		r.Post("/projects", s.handleCreateProject)
		r.Get("/projects", s.handleListProjects)
		r.Route("/projects/{project}", func(r chi.Router) {
			r.Use(s.projectCtx)
			r.Get("/", s.handleGetProject)
			r.Get("/entity", s.handleGetProjectEntity)
			r.Post("/runs", s.handleCreateRun)
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{run}", s.handleGetRun)
		})

		// Operations and fetch
		r.Route("/entities/{entity}", func(r chi.Router) {
			r.Use(readOnlyCORS(s.config.CORSAllowedOrigins), s.entityCtx)
			r.Post("/ops", s.handlePushOps)
			r.Get("/attributes", s.handleListAttributes)
			r.Get("/attributes/value", s.handleGetAttribute)
			r.Get("/series", s.handleGetSeries)
			r.Get("/files", s.handleGetFiles)
		})
	})

	return r
}

// handleHealth returns a health check response, pinging the registry DB.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics returns a snapshot of server metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
