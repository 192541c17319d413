// Package telemetry provides observability instrumentation for confman.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring the configuration synchronization engine.
//
// # Usage
//
// Initialize telemetry at daemon startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	srv, err := tel.StartMetricsServer()
//
// # Structured Logging
//
// Component loggers carry the component name plus configuration identity fields:
//
//	logger := tel.Logger.NewComponentLogger("scanner").WithSource("etc")
//	logger.WithPID("org.example.http").Info("configuration changed")
//	logger.WithFactory("org.example.pool", "primary").Debug("factory entry resolved")
//
// Engine components accept a nil logger and fall back to NewNopLogger.
//
// # Distributed Tracing
//
// When tracing is enabled the provider is installed globally, so engine packages
// open spans with otel.Tracer(telemetry.InstrumentationName). Span names in use:
// scanner.tick, queue.apply, manager.update and manager.delete.
//
// Supported exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// Metrics live in a private Prometheus registry. A nil or disabled *Metrics is a
// valid recorder that does nothing:
//
//	tel.Metrics.RecordScan("etc", "success", d)
//	tel.Metrics.RecordChanges("etc", 1, 0, 2)
//	tel.Metrics.RecordCommandApplied("update", "success", d)
//	tel.Metrics.SetQueueDepth(3)
//
// # Event Publishing
//
// Events describe configuration lifecycle transitions:
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("%s %s\n", event.Type, event.PID)
//	}, telemetry.FilterByType(telemetry.EventTypeConfigDeleted))
//
// Event filters: FilterByLevel, FilterByType, FilterByPID
//
// # Graceful Shutdown
//
// Shutdown delivers buffered events and exports pending spans:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	_ = tel.Shutdown(ctx)
package telemetry
