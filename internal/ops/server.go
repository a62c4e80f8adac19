// Package ops exposes the operational surface of the pipeline: Prometheus
// metrics, liveness, and readiness endpoints.
package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Check reports whether one dependency of the process is healthy.
type Check func(ctx context.Context) error

// Server serves /healthz, /readyz and /metrics.
type Server struct {
	addr string
	log  *slog.Logger

	mu     sync.Mutex
	checks map[string]Check
}

// NewServer creates an ops server listening on addr.
func NewServer(addr string, log *slog.Logger) *Server {
	return &Server{
		addr:   addr,
		log:    log,
		checks: make(map[string]Check),
	}
}

// RegisterCheck adds a named readiness check. Later registrations under the
// same name replace earlier ones.
func (s *Server) RegisterCheck(name string, c Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = c
}

// RegisterRoutes registers the ops routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", MetricsHandler())
}

// Handler returns the complete ops handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	s.mu.Lock()
	checks := make(map[string]Check, len(s.checks))
	for name, c := range s.checks {
		checks[name] = c
	}
	s.mu.Unlock()

	status := make(map[string]string, len(checks))
	ready := true
	for name, c := range checks {
		if err := c(ctx); err != nil {
			status[name] = err.Error()
			ready = false
		} else {
			status[name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ops server listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
