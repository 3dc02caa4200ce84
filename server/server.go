// Package server renders the dashboard over HTTP and exposes the computed
// view as JSON.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/TFMV/hdbdash/config"
	"github.com/TFMV/hdbdash/db"
	"github.com/TFMV/hdbdash/query"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Dashboard is what the handlers read from. *hdbdash.Dashboard satisfies it.
type Dashboard interface {
	Compute(ctx context.Context, f query.Filter) (*query.Result, error)
	Options() query.Options
	DefaultFilter() query.Filter
	Table() *db.Table
}

// Server serves the dashboard page and its JSON API.
type Server struct {
	dash     Dashboard
	tmpl     *template.Template
	rowLimit int
	logger   *zap.Logger
	router   chi.Router
}

// New builds the router. rowLimit caps the rows rendered in the HTML table
// and returned by /api/view; zero means no cap.
func New(dash Dashboard, rowLimit int, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tmpl, err := template.New("dashboard").Funcs(funcs).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	s := &Server{
		dash:     dash,
		tmpl:     tmpl,
		rowLimit: rowLimit,
		logger:   logger,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(requestMetrics)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Get("/options", s.handleOptions)
		r.Get("/view", s.handleView)
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
// within cfg.ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, cfg config.ServerConfig) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      s,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// requestTimeout bounds filter computation for a single request.
const requestTimeout = 30 * time.Second
