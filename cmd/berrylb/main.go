package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	gwerrors "github.com/berry-lb/gateway/internal/errors"
	"github.com/berry-lb/gateway/internal/loadbalance"
	"github.com/berry-lb/gateway/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	configPath := flag.String("config", "config.yaml", "Path to the load-balancer configuration file")
	httpPort := flag.Int("http-port", 8080, "HTTP listener port")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	if *showVersion {
		fmt.Printf("berrylb %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	logger, logCloser, err := logging.New(logging.Config{Level: *logLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	if logCloser != nil {
		defer logCloser.Close()
	}

	cfg, err := loadbalance.LoadConfigFromFile(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	svc, err := loadbalance.NewService(cfg, logger)
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	exporter := loadbalance.NewExporter(svc)
	if err := exporter.Register(registry); err != nil {
		logger.Fatal("failed to register prometheus collectors", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	svc.Start(ctx)
	defer svc.Stop()

	router := buildRouter(svc, exporter, registry)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", *httpPort),
		Handler: router,
	}

	go func() {
		logger.Info("berrylb listening", zap.Int("port", *httpPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down berrylb")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
}

// buildRouter wires a thin httprouter surface over the Service — enough to
// exercise select_backend/report_result/health end to end, not a full
// ingress (that's explicitly out of scope, spec.md §1).
func buildRouter(svc *loadbalance.Service, exporter *loadbalance.Exporter, registry *prometheus.Registry) *httprouter.Router {
	r := httprouter.New()

	r.GET("/v1/models/:model/select", func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		model := ps.ByName("model")
		tags := req.URL.Query()["tag"]
		backend, err := svc.SelectBackend(model, tags)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, backend)
	})

	r.POST("/v1/routes/:routeKey/result", func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		var body struct {
			Provider string  `json:"provider"`
			Model    string  `json:"model"`
			Success  bool    `json:"success"`
			LatencyMs int64  `json:"latency_ms"`
			Err      string  `json:"error"`
			Kind     string  `json:"kind"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, err)
			return
		}
		backend := loadbalance.SelectedBackend{
			Backend: loadbalance.RouteBackend{ProviderID: body.Provider, Model: body.Model},
		}
		outcome := loadbalance.Outcome{
			Success: body.Success,
			Latency: time.Duration(body.LatencyMs) * time.Millisecond,
			Err:     body.Err,
			Kind:    loadbalance.ErrorKind(body.Kind),
		}
		svc.ReportResult(backend, outcome)
		w.WriteHeader(http.StatusNoContent)
	})

	r.GET("/v1/health", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, svc.GetServiceHealth())
	})

	r.GET("/v1/health/backends", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, svc.GetHealthStats())
	})

	r.GET("/v1/cache/stats", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, svc.GetCacheStats())
	})

	r.GET("/v1/routes/stats", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, svc.GetRouteStats())
	})

	r.POST("/v1/health/check", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		svc.TriggerHealthCheck(req.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	r.Handler(http.MethodGet, "/metrics", promMetricsHandler(exporter, registry))

	return r
}

func promMetricsHandler(exporter *loadbalance.Exporter, registry *prometheus.Registry) http.Handler {
	inner := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exporter.Snapshot()
		inner.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	gwerrors.FromLoadBalanceError(err).WriteJSON(w)
}
