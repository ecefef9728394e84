package stagesvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mediaflow/internal/artifact"
	"mediaflow/internal/logging"
)

const (
	defaultRetryAfter     = 5 * time.Second
	defaultRequestTimeout = 300 * time.Second
	maxJSONBody           = 8 << 20
)

// Server exposes a Backend over HTTP.
type Server struct {
	backend        Backend
	artifacts      *artifact.Store
	logger         *slog.Logger
	retryAfter     time.Duration
	requestTimeout time.Duration
	router         chi.Router
}

// Option customizes the server.
type Option func(*Server)

// WithRetryAfter sets the Retry-After hint sent with busy and transient
// failures.
func WithRetryAfter(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.retryAfter = d
		}
	}
}

// WithRequestTimeout bounds the handling of one request.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// New builds a server for backend. Outputs and inputs live in artifacts.
func New(backend Backend, artifacts *artifact.Store, logger *slog.Logger, opts ...Option) (*Server, error) {
	if backend == nil {
		return nil, errors.New("stage service requires a backend")
	}
	if artifacts == nil {
		return nil, errors.New("stage service requires an artifact store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		backend:        backend,
		artifacts:      artifacts,
		logger:         logging.NewComponentLogger(logger, "stage-"+backend.Name().String()),
		retryAfter:     defaultRetryAfter,
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/formats", s.handleCapability)
	r.Get("/models", s.handleCapability)
	r.Get("/download/{filename}", s.handleDownload)
	r.With(middleware.Timeout(s.requestTimeout)).Post(s.backend.Name().Path(), s.handleInvoke)

	if _, ok := s.backend.(ModelManager); ok {
		r.Post("/models/pull", s.handlePullModel)
		r.Delete("/models/{name}", s.handleDeleteModel)
	}
	return r
}

// Run listens on bind until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, bind string) error {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return errors.New("stage service bind address is empty")
	}
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("stage service listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	s.logger.Info("stage service listening",
		logging.String(logging.FieldEventType, "stage_service_start"),
		logging.String("address", listener.Addr().String()),
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("stage service: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("stage service shutdown: %w", err)
	}
	s.logger.Info("stage service stopped", logging.String(logging.FieldEventType, "stage_service_stop"))
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		level := slog.LevelDebug
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "request",
			logging.Args(
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path),
				logging.Int("status", ww.Status()),
				logging.Duration("duration", time.Since(start)),
				logging.String(logging.FieldCorrelationID, middleware.GetReqID(r.Context())),
			)...,
		)
	})
}
