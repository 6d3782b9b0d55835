package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span and metric attributes must stay low cardinality: operation names, status values,
// client and component names. Download ids, URIs and file paths belong in logs.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation instruments a generic operation with telemetry.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", duration.Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(ctx, operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentClientOperation instruments calls to external collaborators
// (content-length probe, media indexer, notification webhooks).
func (t *Telemetry) InstrumentClientOperation(ctx context.Context, client, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "client_"+operation, client, fn)

	t.RecordClientOperation(ctx, client, operation, statusOf(err))

	return err
}

// InstrumentDownload instruments a single download task.
func (t *Telemetry) InstrumentDownload(ctx context.Context, fn func(ctx context.Context) (int64, error)) error {
	if t == nil {
		_, err := fn(ctx)

		return err
	}

	start := time.Now()

	t.IncrementActiveDownloads(ctx)
	defer t.DecrementActiveDownloads(ctx)

	var written int64

	err := t.InstrumentOperation(ctx, "download", "downloader", func(ctx context.Context) error {
		var err error
		written, err = fn(ctx)

		return err
	})

	t.RecordDownload(ctx, statusOf(err), time.Since(start), written)

	return err
}

// InstrumentPass instruments one reconciliation pass.
func (t *Telemetry) InstrumentPass(ctx context.Context, trigger string, fn func(ctx context.Context) (bool, error)) (bool, error) {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	var active bool

	err := t.InstrumentOperation(ctx, "reconcile_pass", "reconcile", func(ctx context.Context) error {
		var err error
		active, err = fn(ctx)

		return err
	})

	result := "idle"

	switch {
	case err != nil:
		result = "error"
	case active:
		result = "active"
	}

	t.RecordPass(ctx, trigger, result, time.Since(start))

	return active, err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
