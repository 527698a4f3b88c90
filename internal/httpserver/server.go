// Package httpserver mounts the pipeline's ambient operational surface:
// liveness/readiness probes and a Prometheus scrape endpoint. No domain
// routes live here — CLI/API surfaces are out of scope (spec.md §1).
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const shutdownGrace = 5 * time.Second

// Server is the admin HTTP surface: /healthz, /readyz, /metrics.
type Server struct {
	Router *chi.Mux
	db     *sqlx.DB
	redis  *redis.Client
	log    *logrus.Logger
}

// New builds a Server. db and redis back the readiness check; a nil value
// for either skips that leg (useful in tests with no live backend). reg is
// the Prometheus registry the caller has already registered every
// collector onto (see pkg/metrics.NewRegistry).
func New(db *sqlx.DB, redisClient *redis.Client, reg *prometheus.Registry, log *logrus.Logger) *Server {
	s := &Server{Router: chi.NewRouter(), db: db, redis: redisClient, log: log}

	s.Router.Use(middleware.RequestID)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			s.log.WithError(err).Warn("readiness check: database ping failed")
			http.Error(w, `{"status":"unavailable","reason":"database"}`, http.StatusServiceUnavailable)
			return
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.log.WithError(err).Warn("readiness check: redis ping failed")
			http.Error(w, `{"status":"unavailable","reason":"redis"}`, http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// Serve runs the server on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, log *logrus.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Info("shutting down admin http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
