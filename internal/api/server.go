// Package api serves daily summaries, climate norms, live frame statistics
// and the archive ingest endpoint over JSON.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server is the REST API server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
}

// NewServer creates a new API server with all routes registered. notify is
// called when a client requests a catch-up run.
func NewServer(sums Summaries, archive Archive, c Ingester, notify func(), logger *slog.Logger) *Server {
	h := &Handlers{
		Summaries: sums,
		Archive:   archive,
		Collector: c,
		Notify:    notify,
		Logger:    logger,
		StartTime: time.Now(),
	}

	// Apply middleware (outermost runs first).
	var handler http.Handler = h.routes()
	handler = ContentType(handler)
	handler = SecurityHeaders(handler)
	handler = Logger(logger)(handler)
	handler = RequestID(handler)
	handler = Recovery(handler)

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, handlers: h}
}

func (h *Handlers) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/summaries/{date}", h.GetSummary)
	mux.HandleFunc("GET /api/v1/norms", h.GetNorms)
	mux.HandleFunc("GET /api/v1/current", h.GetCurrent)
	mux.HandleFunc("GET /api/v1/archive/averages", h.GetAverages)
	mux.HandleFunc("POST /api/v1/archive", h.PostArchive)
	mux.HandleFunc("POST /api/v1/sync", h.PostSync)
	mux.HandleFunc("GET /api/v1/health", h.Health)
	return mux
}

// ListenAndServe starts the HTTP server. Blocks until context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer.Addr = addr
	s.handlers.logger().Info("api server starting", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// SetVersion sets the version string for the health endpoint.
func (s *Server) SetVersion(v string) { s.handlers.Version = v }
