// Package logging builds the process-wide zap logger from configuration.
//
// # Overview
//
// Library packages receive a plain *zap.Logger; only command wiring imports
// this package. It provides:
//   - JSON or console encoding to stderr (stdout stays free for command output)
//   - Optional bridging to the global OpenTelemetry logger provider
//   - Volume sampling (errors never sampled)
//   - Trace correlation fields from an active span
//
// # Usage
//
// Create a logger from config:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync(logger)
//
// Commands stash the logger in their context and handlers fetch it back:
//
//	ctx = logging.WithLogger(ctx, logger)
//	...
//	logging.FromContext(ctx).Info("checkpoint pruned", zap.String("id", id))
//
// Inside a traced operation, attach correlation fields:
//
//	logger.With(logging.ContextFields(ctx)...).Info("pipeline finished")
//
// # Sampling
//
// When enabled, entries below Error are capped per tick: the first Initial
// entries pass, then one in every Thereafter. Error and above always pass.
package logging
