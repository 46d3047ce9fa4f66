// Package api provides the REST and streaming HTTP surface of the
// benchmark service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sitebench/sitebench/pkg/benchmark"
	"github.com/sitebench/sitebench/pkg/bus"
	"github.com/sitebench/sitebench/pkg/config"
	sberrors "github.com/sitebench/sitebench/pkg/errors"
	"github.com/sitebench/sitebench/pkg/logging"
	"github.com/sitebench/sitebench/pkg/relay"
	"github.com/sitebench/sitebench/pkg/storage"
)

// StreamOpener opens the execution backend's per-session event stream.
// Satisfied by *runner.Client.
type StreamOpener interface {
	OpenStream(ctx context.Context, externalSessionID string) (io.ReadCloser, error)
	Healthy(ctx context.Context) bool
}

// Server is the sitebench API server.
type Server struct {
	orchestrator *benchmark.Orchestrator
	streams      StreamOpener
	relay        *relay.Relay
	eventBus     bus.MessageBus
	store        *storage.Store
	logger       *logging.Logger
	httpServer   *http.Server
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Address to listen on (default: :8080)
	Address string

	// AllowedOrigins for CORS; empty means allow all.
	AllowedOrigins []string

	// Orchestrator drives the session lifecycle.
	Orchestrator *benchmark.Orchestrator

	// Streams opens backend event streams for the relay endpoints.
	Streams StreamOpener

	// Relay forwards backend streams to clients.
	Relay *relay.Relay

	// EventBus feeds the unified event stream (optional).
	EventBus bus.MessageBus

	// Store is observed for metrics (optional).
	Store *storage.Store

	// Logger for request and error logging.
	Logger *logging.Logger
}

// NewServer creates the API server and wires its routes.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Address == "" {
		cfg.Address = config.DefaultBindAddress
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	s := &Server{
		orchestrator: cfg.Orchestrator,
		streams:      cfg.Streams,
		relay:        cfg.Relay,
		eventBus:     cfg.EventBus,
		store:        cfg.Store,
		logger:       cfg.Logger,
	}
	if s.store != nil {
		s.store.AddObserver(newMetricsObserver())
	}

	router := chi.NewRouter()
	router.Use(withRequestID)
	router.Use(withCORS(cfg.AllowedOrigins))
	router.Use(withLogging(cfg.Logger))

	router.Get("/healthz", s.handleHealthz)
	router.Get("/readyz", s.handleReadyz)
	router.Get("/metrics", s.handleMetrics)

	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/benchmarks", s.handleCreateBenchmark)
		r.Get("/benchmarks", s.handleListBenchmarks)
		r.Get("/benchmarks/{externalID}", s.handleGetBenchmark)
		r.Delete("/benchmarks/{externalID}", s.handleDeleteBenchmark)
		r.Get("/benchmarks/{externalID}/stream", s.handleBenchmarkStream)
		r.Get("/models", s.handleListModels)
		r.Get("/stream", s.handleEventStream)
	})

	router.Route("/internal/v1", func(r chi.Router) {
		r.Post("/records/{recordID}/result", s.handleRecordResult)
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streams stay open indefinitely
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start starts the API server and blocks until it stops.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Middleware

// withRequestID tags every request with a correlation id, preserving one
// supplied by the caller.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func withLogging(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug(logging.CategoryAPI, "request", r.Method+" "+r.URL.Path, map[string]any{
				"remote":      r.RemoteAddr,
				"request_id":  r.Header.Get("X-Request-ID"),
				"duration_ms": time.Since(start).Milliseconds(),
			})
		})
	}
}

func withCORS(allowed []string) func(http.Handler) http.Handler {
	allowAll := len(allowed) == 0
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		allowedSet[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowedSet[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Owner-ID")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAppError maps a domain error to its HTTP status, preferring the
// user-facing message when one was attached.
func writeAppError(w http.ResponseWriter, err error) {
	status := sberrors.HTTPStatus(err)
	message := err.Error()
	var appErr *sberrors.Error
	if errors.As(err, &appErr) && appErr.UserMessage != "" {
		message = appErr.UserMessage
	}
	writeError(w, status, message)
}

// ownerID resolves the caller identity from the X-Owner-ID header or the
// owner_id query parameter. Authentication proper lives upstream; this
// service only scopes data by the opaque owner handle.
func ownerID(r *http.Request) string {
	if v := r.Header.Get("X-Owner-ID"); v != "" {
		return v
	}
	return r.URL.Query().Get("owner_id")
}
