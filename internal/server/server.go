// Package server is the HTTP side of the pipeline: the experiment registry,
// event ingestion, and the token protected admin and reporting API.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gkobilansky/funnel-goat/internal/metrics"
	"github.com/gkobilansky/funnel-goat/internal/store"
)

// SessionHeader carries the session id of an ingestion request.
const SessionHeader = "X-Session-ID"

type Options struct {
	Port      int
	Token     string // generated when empty
	TokenFile string
	Logger    *zap.Logger
	// Registry receives the server metrics and backs /metrics. A fresh
	// registry is used when nil.
	Registry *prometheus.Registry
	// RatePerSecond and RateBurst bound ingestion per session. Zero
	// disables the limiter.
	RatePerSecond float64
	RateBurst     int
	// Alpha is the default significance threshold for results.
	Alpha float64
	Now   func() time.Time
}

type Server struct {
	store     *store.SQLiteStore
	port      int
	token     string
	tokenFile string
	router    *http.ServeMux
	startTime time.Time
	logger    *zap.Logger
	metrics   *metrics.Server
	registry  *prometheus.Registry
	limiter   *sessionLimiter
	alpha     float64
	now       func() time.Time
}

func New(s *store.SQLiteStore, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	token := opts.Token
	if token == "" {
		token = generateToken()
	}

	srv := &Server{
		store:     s,
		port:      opts.Port,
		token:     token,
		tokenFile: opts.TokenFile,
		router:    http.NewServeMux(),
		startTime: opts.Now(),
		logger:    opts.Logger.With(zap.String("component", "server")),
		metrics:   metrics.NewServer(opts.Registry),
		registry:  opts.Registry,
		alpha:     opts.Alpha,
		now:       opts.Now,
	}
	if opts.RatePerSecond > 0 {
		srv.limiter = newSessionLimiter(opts.RatePerSecond, opts.RateBurst, opts.Now)
	}

	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	// Public endpoints
	s.handle("/health", "health", http.HandlerFunc(s.handleHealth))
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.handle("/api/experiments", "experiments", http.HandlerFunc(s.handleRegistry))
	s.handle("/api/events", "events", http.HandlerFunc(s.handleEvents))
	s.handle("/api/conversions", "conversions", http.HandlerFunc(s.handleConversion))
	s.handle("/api/errors", "errors", http.HandlerFunc(s.handleError))

	// Admin endpoints (protected)
	s.handle("/api/admin/experiments", "admin", s.authMiddleware(http.HandlerFunc(s.handleAdminExperiments)))
	s.handle("/api/admin/experiments/{id}", "admin", s.authMiddleware(http.HandlerFunc(s.handleAdminExperiment)))
	s.handle("/api/admin/experiments/{id}/results", "results", s.authMiddleware(http.HandlerFunc(s.handleResults)))
	s.handle("/api/admin/experiments/{id}/{action}", "admin", s.authMiddleware(http.HandlerFunc(s.handleLifecycle)))
}

// handle registers h and counts its responses by status class.
func (s *Server) handle(pattern, endpoint string, h http.Handler) {
	s.router.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		s.metrics.Request(endpoint, rec.status)
	}))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	// Write token to file for the token command
	if s.tokenFile != "" {
		if err := os.WriteFile(s.tokenFile, []byte(s.token), 0600); err != nil {
			s.logger.Warn("failed to write token file", zap.String("path", s.tokenFile), zap.Error(err))
		}
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.Int("port", s.port))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) Store() *store.SQLiteStore {
	return s.store
}

func (s *Server) StartTime() time.Time {
	return s.startTime
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func generateToken() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Sprintf("failed to generate admin token: %v", err))
	}
	return hex.EncodeToString(bytes)
}
