package monitoring

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the monitoring components.
var Module = fx.Options(
	fx.Provide(NewPrometheusRegistry),
	fx.Provide(NewCollector),
	fx.Invoke(RegisterCollector),
	fx.Invoke(RegisterMetricsHandler),
)

// NewPrometheusRegistry creates a new Prometheus registry.
func NewPrometheusRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCollector registers the trading core collector.
func RegisterCollector(registry *prometheus.Registry, collector *Collector) error {
	return registry.Register(collector)
}

// RegisterMetricsHandler serves the registry over promhttp for the
// lifetime of the application.
func RegisterMetricsHandler(
	lifecycle fx.Lifecycle,
	registry *prometheus.Registry,
	logger *zap.Logger,
) {
	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	server := &http.Server{
		Addr:    ":9090",
		Handler: handler,
	}

	lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("Starting metrics server", zap.String("addr", server.Addr))

			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("Metrics server error", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Stopping metrics server")
			return server.Shutdown(ctx)
		},
	})
}
