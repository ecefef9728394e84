package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mediaflow/internal/api"
	"mediaflow/internal/artifact"
	"mediaflow/internal/config"
	"mediaflow/internal/logging"
	"mediaflow/internal/services"
	"mediaflow/internal/task"
)

type apiServer struct {
	bind   string
	router chi.Router
	daemon *Daemon
	logger *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	s := &apiServer{
		bind:   strings.TrimSpace(cfg.Paths.APIBind),
		daemon: d,
		logger: logging.NewComponentLogger(logger, "api"),
	}
	s.router = s.routes(cfg.Paths.APIToken)
	return s
}

func (s *apiServer) routes(token string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware(token))
		r.Get("/status", s.handleStatus)
		r.Get("/logs", s.handleLogs)
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleSubmit)
			r.Get("/", s.handleListTasks)
			r.Get("/{id}", s.handleGetTask)
			r.Post("/{id}/cancel", s.handleCancelTask)
			r.Get("/{id}/artifacts/{stage}", s.handleArtifact)
		})
	})
	return r
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		return errors.New("api bind address is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}

	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.server = server
	s.listener = listener
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()
	s.logger.Info("api server listening",
		logging.String(logging.FieldEventType, "api_server_start"),
		logging.String("address", listener.Addr().String()),
	)
	return nil
}

func (s *apiServer) stop() {
	s.mu.Lock()
	server := s.server
	done := s.done
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		s.logger.Warn("api server shutdown", logging.Error(err))
	}
	<-done
}

func (s *apiServer) address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) requestLogger(next http.Handler) http.Handler {
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

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := httpStatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("api request failed",
			logging.String("path", r.URL.Path),
			logging.String("kind", kind),
			logging.Error(err),
		)
	}
	s.writeJSON(w, status, api.ErrorResponse{Error: err.Error(), Kind: kind})
}

func (s *apiServer) writeMessage(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}

// httpStatusFor maps an error to its API status code and kind label.
func httpStatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, task.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound, string(services.KindClientInput)
	case errors.Is(err, task.ErrInvalidTransition), errors.Is(err, task.ErrExists):
		return http.StatusConflict, string(services.KindClientInput)
	}
	kind := services.KindOf(err)
	switch kind {
	case services.KindConfiguration:
		return http.StatusUnprocessableEntity, string(kind)
	case services.KindClientInput:
		return http.StatusBadRequest, string(kind)
	case services.KindTransient, services.KindResourceExhausted:
		return http.StatusServiceUnavailable, string(kind)
	default:
		return http.StatusInternalServerError, string(kind)
	}
}
