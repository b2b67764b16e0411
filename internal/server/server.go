// Package server is the HTTP surface over the transfer engine: provider
// lifecycle, session lifecycle, the websocket progress feed, and the
// operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/driftbox/driftbox/internal/config"
	apperrors "github.com/driftbox/driftbox/internal/errors"
	"github.com/driftbox/driftbox/internal/metrics"
	"github.com/driftbox/driftbox/pkg/resolver"
	"github.com/driftbox/driftbox/pkg/session"
	"github.com/driftbox/driftbox/pkg/store"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Deps are the engine components the server fronts.
type Deps struct {
	Log      *zap.Logger
	Store    *store.Store
	Resolver *resolver.Resolver
	Sessions *session.Manager

	// Metrics is optional; when nil the /metrics route is not mounted.
	Metrics *metrics.Metrics
}

// Server hosts the HTTP API.
type Server struct {
	cfg  config.ServerConfig
	log  *zap.Logger
	deps Deps
	http *http.Server
}

// New builds the server and its router.
func New(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	s := &Server{cfg: cfg, log: deps.Log, deps: deps}
	s.http = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the router, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.logRequests)
	r.Use(chimiddleware.Recoverer)

	r.NotFound(apperrors.RespondNotFound)
	r.MethodNotAllowed(apperrors.RespondMethodNotAllowed)

	r.Get("/healthz", s.handleHealth)
	r.Get("/version", s.handleVersion)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/credentials", s.handleListCredentials)

		r.Route("/providers", func(r chi.Router) {
			r.Get("/registrations", s.handleListRegistrations)
			r.Post("/", s.handleConnectProvider)
			r.Get("/", s.handleListProviders)
			r.Route("/{providerID}", func(r chi.Router) {
				r.Get("/", s.handleGetProvider)
				r.Patch("/", s.handleRenameProvider)
				r.Delete("/", s.handleDisconnectProvider)
				r.Post("/test", s.handleTestProvider)
				r.Post("/quota/sync", s.handleSyncQuota)
				r.Get("/download", s.handleDownload)
			})
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleInitiateSession)
			r.Get("/", s.handleListSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Put("/chunks/{chunkNumber}", s.handleSubmitChunk)
				r.Post("/parts/{partNumber}", s.handleCompletePart)
				r.Post("/complete", s.handleCompleteSession)
				r.Post("/cancel", s.handleCancelSession)
				r.Post("/retry", s.handleRetrySession)
				r.Get("/events", s.handleSessionEvents)
			})
		})
	})

	return r
}

// Run serves until ctx is cancelled, then drains within the shutdown
// timeout.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("http server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}
