package observability

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// flusher is implemented by SDK tracer providers that buffer spans.
type flusher interface {
	ForceFlush(ctx context.Context) error
}

// FlushTelemetry pushes buffered spans (when an SDK tracer provider is installed) and
// syncs the logger. Metrics are scraped, not pushed. Call after in-flight requests drain.
func FlushTelemetry(ctx context.Context, logger *zap.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var errs []error
	if tp, ok := otel.GetTracerProvider().(flusher); ok {
		if err := tp.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush spans: %w", err))
		}
	}
	if logger != nil {
		if err := logger.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("flush logs: %w", err))
		}
	}
	return errors.Join(errs...)
}
