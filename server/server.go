// Package server exposes the operational HTTP endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"announcements-notifier/pkg/notifier"
	"announcements-notifier/storage"
)

// Runner runs every registered digest for a window ending at windowEnd.
type Runner interface {
	RunAll(ctx context.Context, windowEnd time.Time) ([]*notifier.RunResult, error)
}

// StateAdmin inspects and resets persisted digest state.
type StateAdmin interface {
	List(ctx context.Context) ([]*notifier.DigestState, error)
	Delete(ctx context.Context, digestType string) error
}

// Server handles HTTP requests.
type Server struct {
	runner Runner
	states StateAdmin
	logger *slog.Logger
	now    func() time.Time
}

// Config holds server configuration.
type Config struct {
	Runner Runner
	States StateAdmin
	Logger *slog.Logger
	Now    func() time.Time // Optional, defaults to time.Now
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		runner: cfg.Runner,
		states: cfg.States,
		logger: cfg.Logger,
		now:    now,
	}
}

// Router returns the routes served by the process.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/digestz", func(r chi.Router) {
		r.Get("/", s.handleListState)
		r.Post("/", s.handleRunDigest)
		r.Delete("/{digestType}", s.handleResetState)
	})
	return r
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Router(),
		ReadTimeout:       10 * time.Second,  // Time to read request headers and body
		WriteTimeout:      10 * time.Minute,  // Digest runs reply when every email is handed off
		IdleTimeout:       120 * time.Second, // Time to keep connection alive between requests
		ReadHeaderTimeout: 5 * time.Second,   // Time to read request headers only
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type runResponse struct {
	Status  string                `json:"status"`
	Results []*notifier.RunResult `json:"results"`
	Error   string                `json:"error,omitempty"`
}

func (s *Server) handleRunDigest(w http.ResponseWriter, r *http.Request) {
	windowEnd := s.now()
	s.logger.Info("Digest endpoint triggered", "window_end", windowEnd.Format(time.RFC3339))

	results, err := s.runner.RunAll(r.Context(), windowEnd)
	if results == nil {
		results = []*notifier.RunResult{}
	}
	if err != nil {
		s.logger.Error("Digest run failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, runResponse{Status: "failed", Results: results, Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, runResponse{Status: "completed", Results: results})
}

func (s *Server) handleListState(w http.ResponseWriter, r *http.Request) {
	states, err := s.states.List(r.Context())
	if err != nil {
		s.logger.Error("Failed to list digest state", "error", err)
		http.Error(w, "Failed to list digest state", http.StatusInternalServerError)
		return
	}
	if states == nil {
		states = []*notifier.DigestState{}
	}
	s.writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleResetState(w http.ResponseWriter, r *http.Request) {
	digestType := chi.URLParam(r, "digestType")
	if storage.StateKey(digestType) == "" {
		http.Error(w, "Invalid digest type", http.StatusBadRequest)
		return
	}

	if err := s.states.Delete(r.Context(), digestType); err != nil {
		s.logger.Error("Failed to reset digest state", "digest_type", digestType, "error", err)
		http.Error(w, "Failed to reset digest state", http.StatusInternalServerError)
		return
	}

	s.logger.Warn("Digest state reset", "digest_type", digestType)
	w.WriteHeader(http.StatusNoContent)
}
