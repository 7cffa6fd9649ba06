// Package telemetry provides observability instrumentation for stagehand.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and an ordered event stream used for
// run history.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Engine components take the bundle directly; telemetry.NewNop() satisfies
// every component in tests.
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("pipeline")
//	logger.WithRunID(runID).WithStage("Token", "DEPLOY").Info("stage executed")
//
// Components that expect a plain zerolog.Logger get one from Logger.Zerolog.
//
// # Tracing
//
// Runs, stages and backend calls each get a span:
//
//	ctx, span := tel.Tracer.StartStageSpan(ctx, "Token", "REGISTER")
//	defer span.End()
//
// Supported exporters: otlp (gRPC), stdout (written to stderr), none.
//
// # Metrics
//
//	tel.Metrics.RecordStage("REGISTER", "recovered", duration)
//	tel.Metrics.RecordRemoteFailure("already_registered")
//
// Every recording method is a no-op on a disabled or nil Metrics value.
// When metrics.listen_address is set, /metrics is served over HTTP.
//
// # Events
//
// Events are delivered to subscribers in publish order. The SQLite store
// subscribes to persist run history:
//
//	tel.Events.Subscribe(store.RecordEvent, nil)
//	tel.Events.PublishStageCompleted(runID, env, "Token", "DEPLOY", "executed", d)
package telemetry
