// Package server delivers router turn streams over HTTP.
//
// Routes:
//
//	POST /v1/conversations/{id}/turns   run a turn, events as server-sent events
//	GET  /v1/turns/ws                   run turns over a websocket, events as JSON frames
//	POST /v1/recordings                 upload a WAV recording, returns its audio_ref
//	GET  /healthz, /readyz              probes
//	GET  /metrics                       Prometheus scrape endpoint
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/meetflow/internal/health"
	"github.com/MrWong99/meetflow/internal/observe"
	"github.com/MrWong99/meetflow/internal/router"
)

const (
	defaultMaxUploadBytes = 512 << 20
	maxTurnBodyBytes      = 1 << 20
)

// TurnRouter starts a turn and streams its events.
type TurnRouter interface {
	RouteTurn(ctx context.Context, in router.TurnInput) (<-chan router.Event, error)
}

// Config configures a [Server].
type Config struct {
	ListenAddr string

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string

	// UploadDir receives uploaded recordings. Empty disables uploads.
	UploadDir string

	// MaxUploadBytes caps a recording upload. Default: 512 MiB.
	MaxUploadBytes int64

	// AllowedOrigins are host patterns accepted for cross-origin websocket
	// upgrades. Same-origin requests are always accepted.
	AllowedOrigins []string
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts h's probes.
func WithHealth(h *health.Handler) Option { return func(s *Server) { s.health = h } }

// WithMetrics sets the metrics recorded by the request middleware.
func WithMetrics(m *observe.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithMetricsHandler replaces the /metrics handler.
func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metricsHandler = h } }

// Server is the HTTP front end of the router.
type Server struct {
	cfg            Config
	router         TurnRouter
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler

	handler http.Handler
	srv     *http.Server
}

// New builds a Server. Call [Server.ListenAndServe] to start it.
func New(cfg Config, r TurnRouter, opts ...Option) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	s := &Server{cfg: cfg, router: r}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}
	if s.health == nil {
		s.health = health.New()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/conversations/{id}/turns", s.handleTurn)
	mux.HandleFunc("GET /v1/turns/ws", s.handleWebsocket)
	if cfg.UploadDir != "" {
		mux.HandleFunc("POST /v1/recordings", s.handleUpload)
	}
	s.health.Register(mux)
	mux.Handle("GET /metrics", s.metricsHandler)

	s.handler = observe.Middleware(s.metrics)(mux)
	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves until [Server.Shutdown] is called. It returns nil
// after a clean shutdown.
func (s *Server) ListenAndServe() error {
	slog.Info("http server listening", "addr", s.cfg.ListenAddr, "tls", s.cfg.CertFile != "")
	var err error
	if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
		err = s.srv.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
	} else {
		err = s.srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for active requests until
// ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
