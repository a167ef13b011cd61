package util

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type promhttpErrorLogger struct {
	promhttp.Logger

	baseLogger *slog.Logger
}

func (logger *promhttpErrorLogger) Println(v ...any) {
	logger.baseLogger.Error("error during handling of metrics request", "errorArgs", v)
}

// MetricsServer exposes one gatherer on "/metrics"
type MetricsServer struct {
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
}

// NewMetricsServer prepares a server for gatherer on address. Serving
// starts with Start.
func NewMetricsServer(address string, gatherer prometheus.Gatherer, logger *slog.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog: &promhttpErrorLogger{baseLogger: logger},
	}))

	return &MetricsServer{
		server: &http.Server{
			Handler:           mux,
			Addr:              address,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start listens on the server address and serves in the background
func (m *MetricsServer) Start(ctx context.Context) error {
	listenConfig := &net.ListenConfig{}
	listener, err := listenConfig.Listen(ctx, "tcp", m.server.Addr)
	if err != nil {
		return fmt.Errorf("metrics server: failed to listen on %s: %w", m.server.Addr, err)
	}
	m.listener = listener

	go func() {
		if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	m.logger.Info("metrics server started", "address", m.Addr())
	return nil
}

// Addr returns the listening address once started, the configured one before
func (m *MetricsServer) Addr() string {
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.server.Addr
}

// Shutdown stops the server, waiting for in-flight scrapes until ctx ends
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}

// StartMetricsServerIfEnabled starts a metrics server for gatherer when
// "<confPrefix>.enabled" is set, listening on "<confPrefix>.listen-address"
// and "<confPrefix>.listen-port". It returns nil when disabled.
func StartMetricsServerIfEnabled(configSpec ConfigSpec, confPrefix string,
	gatherer prometheus.Gatherer, logger *slog.Logger) (*MetricsServer, error) {
	if !configSpec.GetBool(confPrefix + ".enabled") {
		return nil, nil
	}
	if gatherer == nil {
		return nil, errors.New("metrics server: no gatherer to expose")
	}

	address := net.JoinHostPort(
		configSpec.GetString(confPrefix+".listen-address"),
		fmt.Sprint(configSpec.GetInt(confPrefix+".listen-port")))

	srv := NewMetricsServer(address, gatherer, logger)
	if err := srv.Start(context.Background()); err != nil {
		logger.Error("failed to start metrics server", "address", address, "error", err)
		return nil, err
	}
	return srv, nil
}
