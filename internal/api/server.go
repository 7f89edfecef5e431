package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/lvbu1984/spotd/internal/arbiter"
	"github.com/lvbu1984/spotd/internal/logging"
	"github.com/lvbu1984/spotd/internal/notify"
	"github.com/lvbu1984/spotd/internal/storage"
)

const maxBodySize = 1 << 20 // 1MB

type Server struct {
	engine         *arbiter.Engine
	broker         *notify.Broker
	logger         logging.Logger
	identityHeader string
	limiter        *limiterStore
	metrics        http.Handler
	heartbeat      time.Duration
}

type Option func(*Server)

// WithIdentityHeader names the header carrying the caller's client id.
func WithIdentityHeader(h string) Option {
	return func(s *Server) {
		if h != "" {
			s.identityHeader = h
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithBroker enables GET /events.
func WithBroker(b *notify.Broker) Option {
	return func(s *Server) { s.broker = b }
}

// WithRateLimit enables a per-caller token bucket.
func WithRateLimit(rps float64, burst int, idleTTL time.Duration) Option {
	return func(s *Server) { s.limiter = newLimiterStore(rps, burst, idleTTL) }
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func NewServer(engine *arbiter.Engine, opts ...Option) *Server {
	s := &Server{
		engine:         engine,
		logger:         logging.NewNop(),
		identityHeader: "X-Client-Id",
		heartbeat:      15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the full HTTP surface with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /resources", s.handleResources)
	mux.HandleFunc("GET /spots", s.handleListSpots)
	mux.HandleFunc("GET /spots/{id}", s.handleGetSpot)
	mux.HandleFunc("POST /spots/{id}/acquire", s.handleAcquire)
	mux.HandleFunc("POST /spots/{id}/release", s.handleRelease)
	mux.HandleFunc("POST /spots/{id}/enqueue", s.handleEnqueue)
	mux.HandleFunc("POST /spots/{id}/dequeue", s.handleDequeue)
	mux.HandleFunc("GET /spots/{id}/promotion", s.handlePromotion)
	mux.HandleFunc("GET /spots/{id}/waitlist", s.handleSpotWaitlist)
	mux.HandleFunc("GET /leases", s.handleLeases)
	mux.HandleFunc("GET /waitlist", s.handleWaitlists)
	mux.HandleFunc("GET /me", s.handleMe)
	mux.HandleFunc("GET /dashboard", s.handleDashboard)
	if s.broker != nil {
		mux.HandleFunc("GET /events", s.handleEvents)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return s.withMiddleware(s.withRateLimit(mux))
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	if s.limiter != nil {
		s.limiter.startJanitor(ctx)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("spotd API running", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		start := time.Now()

		w.Header().Set("X-Request-Id", requestID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"client", r.Header.Get(s.identityHeader),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, map[string]string{
		"error":   errCode,
		"message": message,
	})
}

// writeRejection reports a business-rule refusal.
func writeRejection(w http.ResponseWriter, reason arbiter.Reason) {
	writeError(w, http.StatusConflict, string(reason), reasonMessages[reason])
}

var reasonMessages = map[arbiter.Reason]string{
	arbiter.ReasonAlreadyHolding:         "client already holds a spot",
	arbiter.ReasonAlreadyWaiting:         "client is already waiting for a spot",
	arbiter.ReasonResourceOccupied:       "spot is occupied",
	arbiter.ReasonResourceFree:           "spot is free, acquire it instead",
	arbiter.ReasonDurationExceedsMaximum: "requested duration exceeds the spot's maximum",
	arbiter.ReasonNotHolder:              "client does not hold this spot",
	arbiter.ReasonNotWaiting:             "client is not waiting for this spot",
	arbiter.ReasonNotFirstInLine:         "client is not first in line",
}

// writeEngineError maps non-domain failures onto HTTP.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, arbiter.ErrResourceNotFound):
		writeError(w, http.StatusNotFound, "not_found", "spot not found")
	case errors.Is(err, arbiter.ErrInvalidDuration):
		writeError(w, http.StatusBadRequest, "invalid_duration", err.Error())
	case errors.Is(err, arbiter.ErrInvalidClient):
		writeError(w, http.StatusUnauthorized, "missing_client", s.identityHeader+" header required")
	case errors.Is(err, storage.ErrTransient):
		s.logger.Warn("transient failure", "path", r.URL.Path, "error", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "temporarily unavailable, retry")
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
