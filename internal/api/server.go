// Package api serves the operational HTTP surface: prometheus metrics,
// health, live process status, and read endpoints over stored market
// data. The server is read-only except for dead-letter requeue and
// critical-event creation.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/cache"
	"github.com/quantfeed/quantfeed/internal/config"
	"github.com/quantfeed/quantfeed/internal/metrics"
	"github.com/quantfeed/quantfeed/internal/store"
	"github.com/quantfeed/quantfeed/internal/writer"
)

// Snapshot is the live process state reported by /status: session
// states, queue depths and drop counters, and breaker states, all keyed
// by their owner.
type Snapshot struct {
	Sessions map[string]string `json:"sessions,omitempty"`
	Queues   map[string]int    `json:"queues,omitempty"`
	Drops    map[string]int64  `json:"drops,omitempty"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

// Deps wires the server to the rest of the process. Nil fields degrade
// the matching endpoints instead of crashing.
type Deps struct {
	Store   *store.Store
	Cache   *cache.Cache
	Metrics *metrics.Registry
	Letters *writer.Ring
	Requeue writer.Requeuer

	// Live reports in-process state for /status.
	Live func() Snapshot
	// Ping verifies the database for /healthz.
	Ping func(ctx context.Context) error
}

// Server is the ops HTTP server.
type Server struct {
	router *mux.Router
	server *http.Server
	deps   Deps
	start  time.Time
}

// NewServer builds the server and its routes.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		start:  time.Now(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestID)
	s.router.Use(s.logRequests)

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods("GET")
	}

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentType)
	api.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/v1/candles", s.handleCandles).Methods("GET")
	api.HandleFunc("/v1/book/{exchange}/{symbol}", s.handleBook).Methods("GET")
	api.HandleFunc("/v1/quality", s.handleQuality).Methods("GET")
	api.HandleFunc("/v1/events", s.handleEventsList).Methods("GET")
	api.HandleFunc("/v1/events", s.handleEventsCreate).Methods("POST")
	api.HandleFunc("/v1/deadletters", s.handleDeadLetters).Methods("GET")
	api.HandleFunc("/v1/deadletters/{id}/requeue", s.handleRequeue).Methods("POST")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeErr(w, http.StatusNotFound, "not found")
	})
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("ops server listening")
	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router exposes the handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		id, _ := r.Context().Value(requestIDKey).(string)
		log.Info().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.code).
			Dur("elapsed", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("http request")
	})
}

func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the response code for the request log.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
