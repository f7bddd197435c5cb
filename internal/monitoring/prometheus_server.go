package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusServer serves the metrics and health endpoints
type PrometheusServer struct {
	server     *http.Server
	addr       string
	path       string
	healthPath string
	gatherer   prometheus.Gatherer
	log        *logrus.Entry
}

// NewPrometheusServer creates a new Prometheus server
func NewPrometheusServer(addr, path, healthPath string, gatherer prometheus.Gatherer, log *logrus.Entry) *PrometheusServer {
	if path == "" {
		path = "/metrics"
	}
	if healthPath == "" {
		healthPath = "/health"
	}
	return &PrometheusServer{
		addr:       addr,
		path:       path,
		healthPath: healthPath,
		gatherer:   gatherer,
		log:        log,
	}
}

// Handler returns the mux served by the Prometheus server
func (ps *PrometheusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(ps.path, promhttp.HandlerFor(ps.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc(ps.healthPath, ps.healthHandler)
	return mux
}

// Start binds the listener and serves in the background
func (ps *PrometheusServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", ps.addr)
	if err != nil {
		return err
	}

	ps.server = &http.Server{
		Handler:           ps.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := ps.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ps.log.WithError(err).Error("Prometheus server error")
		}
	}()

	ps.log.Infof("Prometheus server started on %s", listener.Addr())
	return nil
}

// Stop stops the Prometheus server
func (ps *PrometheusServer) Stop(ctx context.Context) error {
	if ps.server != nil {
		return ps.server.Shutdown(ctx)
	}
	return nil
}

// healthHandler handles health check requests
func (ps *PrometheusServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     "healthy",
		"time":       time.Now().Unix(),
		"goroutines": runtime.NumGoroutine(),
	})
}
