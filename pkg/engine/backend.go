package engine

import (
	"context"

	"github.com/openfroyo/stagehand/pkg/telemetry"
)

// instrumentedBackend records a span and a duration for every backend call.
type instrumentedBackend struct {
	inner Backend
	tel   *telemetry.Telemetry
}

// Instrument wraps backend with tracing and metrics from tel.
func Instrument(backend Backend, tel *telemetry.Telemetry) Backend {
	if tel == nil {
		return backend
	}
	if _, ok := backend.(*instrumentedBackend); ok {
		return backend
	}
	return &instrumentedBackend{inner: backend, tel: tel}
}

func (b *instrumentedBackend) Submit(ctx context.Context, op Operation) (*OperationHandle, error) {
	ctx, span := b.tel.Tracer.StartRemoteSpan(ctx, "submit_"+string(op.Kind), op.Target)
	defer span.End()
	timer := telemetry.NewTimer()

	handle, err := b.inner.Submit(ctx, op)
	b.tel.Metrics.RecordRemoteOperation("submit", timer.Duration())
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.RecordSuccess(span)
	return handle, nil
}

func (b *instrumentedBackend) Await(ctx context.Context, handle *OperationHandle, confirmations int) (*Receipt, error) {
	ctx, span := b.tel.Tracer.StartRemoteSpan(ctx, "await", handle.Target)
	defer span.End()
	timer := telemetry.NewTimer()

	receipt, err := b.inner.Await(ctx, handle, confirmations)
	b.tel.Metrics.RecordRemoteOperation("await", timer.Duration())
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.RecordSuccess(span)
	return receipt, nil
}

func (b *instrumentedBackend) Read(ctx context.Context, target, query string, args ...any) (any, error) {
	ctx, span := b.tel.Tracer.StartRemoteSpan(ctx, "read", target)
	defer span.End()
	timer := telemetry.NewTimer()

	v, err := b.inner.Read(ctx, target, query, args...)
	b.tel.Metrics.RecordRemoteOperation("read", timer.Duration())
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return v, nil
}
