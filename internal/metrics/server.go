package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthFunc reports engine health for /healthz. A nil error is healthy.
type HealthFunc func(ctx context.Context) error

// Server exposes /metrics and /healthz.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer builds the ops HTTP server. health may be nil.
func NewServer(addr string, gatherer prometheus.Gatherer, health HealthFunc, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(gatherer, health),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.Named("ops"),
	}
}

// NewRouter returns the chi router behind Server.
func NewRouter(gatherer prometheus.Gatherer, health HealthFunc) http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.Recoverer)

	rtr.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	rtr.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	return rtr
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", zap.String("addr", s.srv.Addr))
		errCh <- s.srv.ListenAndServe()
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
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
