// Package server exposes the age prediction HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/agepredict/pkg/predict"
)

// Paths excluded from tracing.
const (
	PathHealth  = "/healthz"
	PathMetrics = "/metrics"
)

// Options configures a Server.
type Options struct {
	Addr              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration
	GenerateRequestID bool

	Predictor      predict.Predictor
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	Propagator     propagation.TextMapPropagator
	// Metrics is optional; without it /metrics is not served.
	Metrics *Metrics
}

// Server is the HTTP front end of the service.
type Server struct {
	opts              Options
	predictor         predict.Predictor
	logger            *slog.Logger
	metrics           *Metrics
	generateRequestID bool

	handler    http.Handler
	httpServer *http.Server
	stopOnce   sync.Once
}

// New builds a Server and its routes.
func New(opts Options) (*Server, error) {
	if opts.Predictor == nil {
		return nil, errors.New("server: predictor is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	if opts.Propagator == nil {
		opts.Propagator = otel.GetTextMapPropagator()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		opts:              opts,
		predictor:         opts.Predictor,
		logger:            opts.Logger,
		metrics:           opts.Metrics,
		generateRequestID: opts.GenerateRequestID,
	}
	s.handler = s.routes()
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.handler,
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      opts.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(opts.Logger.Handler(), slog.LevelWarn),
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)

	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	r.Use(routeSpanName, s.requestLogger, s.recoverer)

	r.HandleFunc("/predict", s.handlePredict).Methods(http.MethodGet)
	r.HandleFunc("/error", s.handleError).Methods(http.MethodGet)
	r.HandleFunc(PathHealth, s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle(PathMetrics, s.metrics.Handler()).Methods(http.MethodGet)
	}

	return otelhttp.NewHandler(s.correlationMiddleware(r), "agepredict",
		otelhttp.WithTracerProvider(s.opts.TracerProvider),
		otelhttp.WithPropagators(s.opts.Propagator),
		otelhttp.WithFilter(traced),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// traced reports whether a request produces spans.
func traced(r *http.Request) bool {
	return r.URL.Path != PathHealth && r.URL.Path != PathMetrics
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled or the server fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening for requests", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops accepting new requests and waits for in-flight ones to
// finish or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("Shutting down service")
		s.httpServer.SetKeepAlivesEnabled(false)
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("HTTP server shutdown: %w", shutdownErr)
		}
	})
	return err
}
