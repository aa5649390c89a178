package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/wferrors"
)

const (
	RequestIDKey     = "approvalflow.request.id"
	WorkflowIDKey    = "approvalflow.workflow.id"
	OperationTypeKey = "approvalflow.operation"
	ApproverKey      = "approvalflow.approver"
	StepKey          = "approvalflow.step"
)

var tracer = otel.Tracer("github.com/RealZimboGuy/approvalflow/internal/engine")

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func setSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if code := wferrors.KindOf(err); code != 0 {
		span.SetAttributes(attribute.String("approvalflow.error.kind", code.String()))
	}
}

// withPersistenceRetry runs fn until it succeeds, fails with a non
// persistence error, or the retry budget is spent.
func (c *Coordinator) withPersistenceRetry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.settings.PersistenceRetryInitial
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.settings.PersistenceRetries)), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !wferrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "Retrying after persistence failure", "operation", op, "wait", wait, "error", err)
	})
}
