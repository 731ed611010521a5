package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/services"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	util_log "github.com/kafgate/kafgate/pkg/util/log"
)

// Server runs the gateway's HTTP endpoint as a service: the resource routes,
// plus readiness, metrics and the runtime log level handler.
type Server struct {
	services.Service

	cfg      Config
	logger   log.Logger
	server   *http.Server
	listener net.Listener
}

// NewServer builds the server around the given API. ready gates the
// readiness endpoint; logLevel backs the runtime log level handler.
func NewServer(cfg Config, api *API, ready func() error, logLevel *dslog.Level, gatherer prometheus.Gatherer, logger log.Logger) *Server {
	router := mux.NewRouter()
	router.Use(requestLogger(logger))
	api.RegisterRoutes(router)
	router.Path("/ready").Methods("GET").HandlerFunc(readyHandler(ready))
	router.Path("/metrics").Methods("GET").Handler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	router.Path("/log_level").Methods("GET", "POST").Handler(util_log.LevelHandler(logLevel))

	s := &Server{
		cfg:    cfg,
		logger: logger,
		server: &http.Server{
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s
}

// Addr returns the address the server listens on. It is only valid once the
// service is running, and is mainly useful when the configured address holds
// port 0.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) starting(_ context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return err
	}
	s.listener = listener
	level.Info(s.logger).Log("msg", "server listening", "addr", listener.Addr())
	return nil
}

func (s *Server) running(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(s.listener)
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdownTimeout)
	defer cancel()
	err := s.server.Shutdown(ctx)
	level.Info(s.logger).Log("msg", "server stopped")
	return err
}

func readyHandler(check func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := check(); err != nil {
			http.Error(w, "Not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "ready", http.StatusOK)
	}
}

// requestLogger logs every handled request with its status and duration, at
// warn level for server errors.
func requestLogger(logger log.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			begin := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			l := level.Debug(logger)
			if rec.status >= 500 {
				l = level.Warn(logger)
			}
			l.Log("msg", "request handled",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(begin))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
