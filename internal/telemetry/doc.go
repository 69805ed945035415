// Package telemetry provides OpenTelemetry instrumentation for forge.
//
// # Overview
//
// This package implements distributed tracing and metrics collection using the
// OpenTelemetry Go SDK. It exports telemetry data over OTLP (gRPC or
// HTTP/protobuf) to an OTEL Collector.
//
// # Usage
//
// Create a telemetry instance:
//
//	cfg := telemetry.NewDefaultConfig()
//	cfg.Enabled = true
//	tel, err := telemetry.New(ctx, cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(ctx)
//
// Use tracer and meter:
//
//	tracer := tel.Tracer("forge.pipeline")
//	ctx, span := tracer.Start(ctx, "pipeline.run")
//	defer span.End()
//
//	meter := tel.Meter("forge.pipeline")
//	counter, _ := meter.Int64Counter("forge.pipeline.runs_total")
//	counter.Add(ctx, 1)
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: "grpc"
//	  service_name: "forge"
//	  sampling:
//	    rate: 1.0  # 100% in dev, lower in prod
//	  metrics:
//	    enabled: true
//	    export_interval: "15s"
//
// # Error Handling
//
// Telemetry failures do not crash the application. If a provider cannot be
// initialized, the instance degrades gracefully and falls back to no-op
// providers.
//
// # Testing
//
// Use TestTelemetry for in-memory span and metric capture:
//
//	tt := telemetry.NewTestTelemetry()
//	tracer := tt.Tracer("test")
//	_, span := tracer.Start(ctx, "test-span")
//	span.End()
//	tt.AssertSpanExists(t, "test-span")
package telemetry
