// Package server exposes the transcription pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"media-transcribe-go/internal/logger"
	"media-transcribe-go/internal/metrics"
	"media-transcribe-go/internal/pipeline"
	"media-transcribe-go/internal/types"
	"media-transcribe-go/internal/workspace"
)

// Transcriber runs one pipeline request.
type Transcriber interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
	Workspace() *workspace.Workspace
}

// HealthChecker reports tool and work root health.
type HealthChecker interface {
	Run() types.DiagnosticReport
}

// Config holds the request-surface limits.
type Config struct {
	MaxUploadBytes int64
	AllowedOrigin  string
}

// Server holds the router and its collaborators.
type Server struct {
	cfg      Config
	pipeline Transcriber
	health   HealthChecker
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	log      *logger.Logger
	router   *mux.Router

	inFlight    atomic.Int64
	cleanupWait time.Duration
}

// defaultCleanupWait bounds the wait for canceled runs to release their
// files. Canceled tools are killed with a WaitDelay of a few seconds.
const defaultCleanupWait = 15 * time.Second

// New builds the server and its routes.
func New(cfg Config, p Transcriber, health HealthChecker, m *metrics.Metrics, gatherer prometheus.Gatherer, log *logger.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		pipeline: p,
		health:   health,
		metrics:  m,
		gatherer: gatherer,
		log:      log,
		router:   mux.NewRouter(),

		cleanupWait: defaultCleanupWait,
	}
	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(s.withRecovery, s.withInFlight, s.withRequestLog, s.withMetrics, s.withCORS, mux.CORSMethodMiddleware(r))

	r.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/youtube", s.handleURL).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// InFlight reports how many requests are being handled.
func (s *Server) InFlight() int64 {
	return s.inFlight.Load()
}

// Shutdown stops hs, letting in-flight requests finish until ctx is done.
// If they outlive ctx, cancelRuns aborts them (hs must derive request
// contexts from the context cancelRuns controls, via BaseContext) and
// Shutdown waits for their runs to release tracked files before returning.
func (s *Server) Shutdown(ctx context.Context, hs *http.Server, cancelRuns context.CancelFunc) error {
	err := hs.Shutdown(ctx)
	if err == nil {
		return nil
	}

	s.log.WithField("in_flight", s.InFlight()).Warn("drain window closed, canceling in-flight runs")
	cancelRuns()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(s.cleanupWait)
	defer deadline.Stop()
	for s.InFlight() > 0 {
		select {
		case <-ticker.C:
		case <-deadline.C:
			return errors.Join(err, fmt.Errorf("%d requests still running after cancel", s.InFlight()))
		}
	}
	return err
}
