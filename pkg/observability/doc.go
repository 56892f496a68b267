// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown for the portal.
//
// # Logging
//
//	log, err := observability.NewLogger("info", "json", os.Stdout)
//	log.WithField("username", username).Info("Login succeeded")
//
// FromContext decorates a logger with the request id and the active trace.
//
// # Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordLogin("standard", observability.ResultSuccess)
//
// Every Record method is safe on a nil *Metrics, so components can be built
// without metrics in tests.
//
// # Tracing
//
// InitOTel installs a global tracer provider exporting over OTLP/gRPC. When
// tracing is disabled the global no-op provider stays in place and the spans
// created by the store and the HTTP router cost nothing.
package observability
