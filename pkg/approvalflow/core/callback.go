package core

import (
	"context"

	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/domain"
)

// Callback is the guarded operation. The engine calls exactly one of
// Proceed (no workflow applies), Commit (approved) or Abort (rejected or
// cancelled).
type Callback interface {
	Proceed(ctx context.Context) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context, reason string) error
}

// CallbackFactory rebuilds the callback of a persisted request, used when
// the process that submitted it is gone.
type CallbackFactory func(req domain.Request) (Callback, error)

// CallbackFuncs adapts plain functions to Callback. Nil funcs are no-ops.
type CallbackFuncs struct {
	ProceedFunc func(ctx context.Context) error
	CommitFunc  func(ctx context.Context) error
	AbortFunc   func(ctx context.Context, reason string) error
}

func (c CallbackFuncs) Proceed(ctx context.Context) error {
	if c.ProceedFunc != nil {
		return c.ProceedFunc(ctx)
	}
	return nil
}

func (c CallbackFuncs) Commit(ctx context.Context) error {
	if c.CommitFunc != nil {
		return c.CommitFunc(ctx)
	}
	return nil
}

func (c CallbackFuncs) Abort(ctx context.Context, reason string) error {
	if c.AbortFunc != nil {
		return c.AbortFunc(ctx, reason)
	}
	return nil
}
