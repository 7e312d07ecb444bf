// Package api is the HTTP surface: a manual build trigger, return-file
// upload, and the probe/metrics listeners on their own ports.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/openassoc/sepa-collector/internal/batcher"
	"github.com/openassoc/sepa-collector/internal/health"
	"github.com/openassoc/sepa-collector/internal/recon"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// APIHandler is a custom handler type that returns data or an error.
type APIHandler func(w http.ResponseWriter, r *http.Request) (interface{}, error)

type Config struct {
	ListenAddr   string
	ListenPort   int
	MetricsPort  int
	ProbesPort   int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	config     *Config
	builder    *batcher.Builder
	recon      *recon.Processor
	checker    *health.Checker
	httpServer *http.Server
	log        *slog.Logger
}

func NewServer(config *Config, builder *batcher.Builder,
	processor *recon.Processor, checker *health.Checker) *Server {

	return &Server{
		config:  config,
		builder: builder,
		recon:   processor,
		checker: checker,
		log:     slog.With("component", "web-server"),
		httpServer: &http.Server{
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
	}
}

func (s *Server) StartProbesAndMetrics() {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		slog.Info("Serving metrics", "port", s.config.MetricsPort)

		addr := fmt.Sprintf(":%d", s.config.MetricsPort)
		slog.Error("Prometheus HTTP listener failed", "error",
			http.ListenAndServe(addr, nil))
	}()

	go func() {
		http.Handle("/health", WithMethod(
			WithJSONResponse(s.HealthHandler),
			http.MethodGet,
		))

		http.Handle("/ready", WithMethod(
			WithJSONResponse(s.ReadinessHandler),
			http.MethodGet,
		))

		slog.Info("Serving health probes", "port", s.config.ProbesPort)

		addr := fmt.Sprintf(":%d", s.config.ProbesPort)
		slog.Error("Health checks HTTP listener failed", "error",
			http.ListenAndServe(addr, nil))
	}()
}

func (s *Server) Start(ctx context.Context, stop <-chan os.Signal) {
	s.StartProbesAndMetrics()

	mux := http.NewServeMux()

	mux.HandleFunc("/batches", WithMethod(
		WithJSONResponse(s.BuildBatchHandler),
		http.MethodPost,
	))

	mux.HandleFunc("/returns", WithMethod(
		WithJSONResponse(s.IngestReturnHandler),
		http.MethodPost,
	))

	s.httpServer.Handler = http.TimeoutHandler(mux, s.config.WriteTimeout, "Timeout")

	go s.run(ctx)

	<-stop

	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server exiting")
}

func (s *Server) run(ctx context.Context) {
	slog.Info("Starting server", "port", s.config.ListenPort)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp",
		fmt.Sprintf("%s:%d", s.config.ListenAddr, s.config.ListenPort))
	if err != nil {
		slog.Error("Error creating listener", "error", err)
		return
	}
	defer listener.Close()

	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		slog.Error("Could not start server", "error", err.Error())
	}
}
