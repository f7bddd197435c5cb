package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/FlooooowY/SteelMount-Human-Gate/internal/config"
	"github.com/FlooooowY/SteelMount-Human-Gate/internal/gate"
	"github.com/FlooooowY/SteelMount-Human-Gate/internal/logger"
	"github.com/FlooooowY/SteelMount-Human-Gate/internal/monitoring"
	"github.com/FlooooowY/SteelMount-Human-Gate/internal/recaptcha"
	gatetransport "github.com/FlooooowY/SteelMount-Human-Gate/internal/transport/grpc"
)

// Server represents the human gate server
type Server struct {
	config *config.Config
	logger *logrus.Entry

	// Verification
	verifier *recaptcha.GoogleVerifier
	gate     *gate.Gate

	// HTTP server
	httpServer   *http.Server
	httpListener net.Listener

	// gRPC server
	grpcServer   *grpc.Server
	grpcListener net.Listener
	healthServer *health.Server

	// Monitoring
	registry         *prometheus.Registry
	metrics          *monitoring.Metrics
	metricsMW        *monitoring.MetricsMiddleware
	prometheusServer *monitoring.PrometheusServer

	instanceID string

	// Graceful shutdown
	ready      chan struct{}
	shutdownWG sync.WaitGroup
}

// New creates a new server instance
func New(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	instanceID := "humangate-" + uuid.NewString()
	log := logger.Component("server").WithField("instance_id", instanceID)

	srv := &Server{
		config:     cfg,
		logger:     log,
		instanceID: instanceID,
		ready:      make(chan struct{}),
	}

	// Create monitoring
	srv.registry = prometheus.NewRegistry()
	srv.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	srv.metrics = monitoring.NewMetricsWithRegistry(srv.registry)
	srv.metricsMW = monitoring.NewMetricsMiddleware(srv.metrics)
	if cfg.Monitoring.MetricsAddr != "" {
		srv.prometheusServer = monitoring.NewPrometheusServer(
			cfg.Monitoring.MetricsAddr,
			cfg.Monitoring.MetricsPath,
			cfg.Monitoring.HealthCheckPath,
			srv.registry,
			logger.Component("metrics"),
		)
	}

	// Create verifier and gate
	verifier, err := recaptcha.NewGoogleVerifier(recaptcha.Options{
		VerifyURL: cfg.Recaptcha.VerifyURL,
		Secret:    cfg.Recaptcha.Secret,
		RemoteIP:  cfg.Recaptcha.RemoteIP,
		Timeout:   cfg.Recaptcha.Timeout,
		Ignore:    cfg.Recaptcha.Ignore,
		Policy: recaptcha.Policy{
			AllowedHosts: cfg.Recaptcha.AllowedHosts,
			MinScore:     cfg.Recaptcha.MinScore,
			MaxAge:       cfg.Recaptcha.MaxChallengeAge,
			Skew:         recaptcha.SkewMode(cfg.Recaptcha.SkewMode),
		},
		Recorder: srv.metrics,
		Log:      logger.Component("verifier"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create verifier: %w", err)
	}
	srv.verifier = verifier

	srv.gate, err = gate.New(gate.Options{
		Verifier:     verifier,
		Debug:        cfg.Gate.Debug,
		TokenField:   cfg.Gate.TokenField,
		MaxBodyBytes: cfg.Gate.MaxBodyBytes,
		Recorder:     srv.metrics,
		Log:          logger.Component("gate"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gate: %w", err)
	}

	// Create HTTP server
	handler, err := srv.buildHandler()
	if err != nil {
		return nil, err
	}
	srv.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	// Create gRPC server with gate and metrics interceptors
	if cfg.Server.GRPCAddr != "" {
		interceptor := gatetransport.NewGateInterceptor(srv.gate, cfg.Gate.ExemptMethods, srv.metrics, logger.Component("grpc"))
		srv.grpcServer = grpc.NewServer(
			grpc.ChainUnaryInterceptor(
				srv.metricsMW.GRPCMetricsInterceptor(),
				interceptor.UnaryInterceptor(),
			),
			grpc.ChainStreamInterceptor(
				interceptor.StreamInterceptor(),
			),
			grpc.MaxRecvMsgSize(4*1024*1024), // 4MB
			grpc.MaxSendMsgSize(4*1024*1024), // 4MB
		)
		srv.healthServer = health.NewServer()
		healthpb.RegisterHealthServer(srv.grpcServer, srv.healthServer)
	}

	log.WithFields(logrus.Fields{
		"http_addr":    cfg.Server.HTTPAddr,
		"grpc_addr":    cfg.Server.GRPCAddr,
		"metrics_addr": cfg.Monitoring.MetricsAddr,
		"upstream":     cfg.Server.UpstreamURL,
		"ignore":       cfg.Recaptcha.Ignore,
		"debug":        cfg.Gate.Debug,
	}).Info("Server created")

	return srv, nil
}

// buildHandler wires the ungated health route and the gated catch-all route
func (s *Server) buildHandler() (http.Handler, error) {
	protected, err := s.protectedHandler()
	if err != nil {
		return nil, err
	}

	healthPath := s.config.Monitoring.HealthCheckPath
	if healthPath == "" {
		healthPath = "/health"
	}

	mux := http.NewServeMux()
	mux.Handle(healthPath, s.metricsMW.HTTPMiddleware("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("/", s.metricsMW.HTTPMiddleware("gated", s.gate.Middleware(protected)))
	return mux, nil
}

// protectedHandler proxies to the upstream application, or acknowledges the
// request when no upstream is configured.
func (s *Server) protectedHandler() (http.Handler, error) {
	if s.config.Server.UpstreamURL == "" {
		return http.HandlerFunc(s.handleAccepted), nil
	}

	target, err := url.Parse(s.config.Server.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("Upstream request failed")
		gate.WriteError(w, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "Upstream application is unavailable")
	}
	return proxy, nil
}

// Handler returns the HTTP handler served on the main listener
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start binds every listener and serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting server...")

	httpListener, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to create HTTP listener: %w", err)
	}
	s.httpListener = httpListener

	if s.grpcServer != nil {
		grpcListener, err := net.Listen("tcp", s.config.Server.GRPCAddr)
		if err != nil {
			httpListener.Close()
			return fmt.Errorf("failed to create gRPC listener: %w", err)
		}
		s.grpcListener = grpcListener
	}

	if s.prometheusServer != nil {
		if err := s.prometheusServer.Start(ctx); err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to start Prometheus server: %w", err)
		}
	}

	// Start HTTP server in a goroutine
	s.shutdownWG.Add(1)
	go func() {
		defer s.shutdownWG.Done()

		s.logger.Infof("Starting HTTP server on %s", httpListener.Addr())
		if err := s.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("HTTP server error: %v", err)
		}
	}()

	// Start gRPC server in a goroutine
	if s.grpcServer != nil {
		s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

		s.shutdownWG.Add(1)
		go func() {
			defer s.shutdownWG.Done()

			s.logger.Infof("Starting gRPC server on %s", s.grpcListener.Addr())
			if err := s.grpcServer.Serve(s.grpcListener); err != nil {
				s.logger.Errorf("gRPC server error: %v", err)
			}
		}()
	}

	close(s.ready)

	// Wait for context cancellation
	<-ctx.Done()

	return nil
}

// Stop stops the server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping server...")

	var errs []error

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	if s.grpcServer != nil {
		s.healthServer.Shutdown()

		grpcDone := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(grpcDone)
		}()

		select {
		case <-grpcDone:
			s.logger.Info("gRPC server stopped gracefully")
		case <-ctx.Done():
			s.logger.Warn("Graceful stop timeout, forcing gRPC stop")
			s.grpcServer.Stop()
		}
	}

	if s.prometheusServer != nil {
		if err := s.prometheusServer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("Prometheus shutdown: %w", err))
		}
	}

	// Wait for all goroutines to finish
	waitDone := make(chan struct{})
	go func() {
		s.shutdownWG.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		s.logger.Info("All goroutines stopped")
	case <-ctx.Done():
		s.logger.Warn("Shutdown timeout, some goroutines may still be running")
	}

	return errors.Join(errs...)
}

// Ready is closed once every listener is bound
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// HTTPAddr returns the bound HTTP address, valid after Ready
func (s *Server) HTTPAddr() net.Addr {
	return s.httpListener.Addr()
}

// GRPCAddr returns the bound gRPC address, nil when gRPC is disabled
func (s *Server) GRPCAddr() net.Addr {
	if s.grpcListener == nil {
		return nil
	}
	return s.grpcListener.Addr()
}

// GetInstanceID returns the server instance ID
func (s *Server) GetInstanceID() string {
	return s.instanceID
}

// GetMetrics returns the metrics instance
func (s *Server) GetMetrics() *monitoring.Metrics {
	return s.metrics
}

// GetGate returns the access gate
func (s *Server) GetGate() *gate.Gate {
	return s.gate
}

func (s *Server) closeListeners() {
	if s.httpListener != nil {
		s.httpListener.Close()
	}
	if s.grpcListener != nil {
		s.grpcListener.Close()
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "healthy",
		"time":        time.Now().Unix(),
		"instance_id": s.instanceID,
	}); err != nil {
		s.logger.WithError(err).Warn("Failed to encode health response")
	}
}

// handleAccepted stands in for the application when no upstream is set
func (s *Server) handleAccepted(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "accepted",
		"path":   r.URL.Path,
	}); err != nil {
		s.logger.WithError(err).Warn("Failed to encode accepted response")
	}
}
