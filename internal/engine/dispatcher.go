package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/RealZimboGuy/approvalflow/internal/events"
	"github.com/RealZimboGuy/approvalflow/internal/repository"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/core"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/domain"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/models"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/wferrors"
)

var errNoCallback = errors.New("no callback registered for operation")

// scheduleDispatch delivers the terminal callback in the background so the
// caller of the deciding operation is not blocked by the guarded operation.
func (c *Coordinator) scheduleDispatch(requestID int64) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		if err := c.Dispatch(context.Background(), requestID); err != nil {
			slog.Error("Callback dispatch failed", "request_id", requestID, "error", err)
		}
	}()
}

// Dispatch invokes the terminal callback of a request if it is due. The
// marker is claimed before invoking so that concurrent dispatchers and
// recovery never run the callback twice for the same claim.
func (c *Coordinator) Dispatch(ctx context.Context, requestID int64) error {
	ctx, span := startSpan(ctx, "approvalflow.dispatch", attribute.Int64(RequestIDKey, requestID))
	defer span.End()

	err := c.dispatch(ctx, requestID)
	setSpanError(span, err)
	return err
}

func (c *Coordinator) dispatch(ctx context.Context, requestID int64) error {
	unlock, err := c.locker.Lock(ctx, requestID)
	if err != nil {
		return err
	}
	defer unlock()

	req, err := c.requests.FindByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.release(requestID)
		}
		return c.lookupError(err, requestID)
	}
	now := c.clock.Now()
	if !c.dispatchDue(req) {
		if settled(req) {
			c.release(requestID)
		}
		slog.DebugContext(ctx, "Dispatch not due", "request_id", requestID, "dispatch_status", req.DispatchStatus)
		return nil
	}

	if err := c.requests.ClaimDispatch(ctx, requestID, req.Version, now); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			slog.InfoContext(ctx, "Dispatch claimed elsewhere", "request_id", requestID)
			return nil
		}
		return wferrors.PersistRequest.Wrap(err, requestID)
	}

	attempts := req.DispatchAttempts + 1
	cb, err := c.callbackFor(req)
	if err == nil {
		err = invoke(ctx, cb, req)
	}
	now = c.clock.Now()

	if err == nil {
		action := c.action(domain.ActionDispatched, dispatchName(req), fmt.Sprintf("attempt %d", attempts), now)
		if err := c.requests.CompleteDispatch(ctx, requestID, attempts, now, action); err != nil {
			slog.ErrorContext(ctx, "Callback ran but marking it dispatched failed", "request_id", requestID, "error", err)
			return err
		}
		c.release(requestID)
		slog.InfoContext(ctx, "Dispatched callback", "request_id", requestID, "status", req.Status, "attempt", attempts)
		c.publish(ctx, events.TopicCallbackDispatched, req, req.AbortReason)
		return nil
	}

	status := models.DispatchPending
	next := sql.NullTime{Time: now.Add(c.settings.DispatchRetry.SlidingInterval(attempts)), Valid: true}
	if c.settings.DispatchRetry.Exhausted(attempts) {
		status = models.DispatchFailed
		next = sql.NullTime{}
	}
	action := c.action(domain.ActionDispatchFailed, dispatchName(req), fmt.Sprintf("attempt %d: %v", attempts, err), now)
	if rerr := c.requests.RescheduleDispatch(ctx, requestID, status, attempts, next, now, action); rerr != nil {
		slog.ErrorContext(ctx, "Failed to reschedule dispatch", "request_id", requestID, "error", rerr)
	}
	if status == models.DispatchFailed {
		c.release(requestID)
		slog.ErrorContext(ctx, "Giving up on callback dispatch", "request_id", requestID, "attempts", attempts, "error", err)
	} else {
		slog.WarnContext(ctx, "Callback dispatch failed, will retry", "request_id", requestID, "attempt", attempts, "next", next.Time, "error", err)
	}
	return err
}

// dispatchDue reports whether the request waits for its callback now. A
// DISPATCHING marker older than the stale threshold belongs to a dispatcher
// that died mid-way.
func (c *Coordinator) dispatchDue(req *domain.Request) bool {
	if !req.Status.IsTerminal() {
		return false
	}
	now := c.clock.Now()
	switch req.DispatchStatus {
	case models.DispatchPending:
		return !req.NextDispatch.Valid || !req.NextDispatch.Time.After(now)
	case models.DispatchDispatching:
		return req.Modified.Before(now.Add(-c.settings.StaleAfter))
	}
	return false
}

// callbackFor prefers the callback held since Submit and falls back to the
// registered factories.
func (c *Coordinator) callbackFor(req *domain.Request) (core.Callback, error) {
	c.heldMu.Lock()
	cb, ok := c.held[req.ID]
	c.heldMu.Unlock()
	if ok {
		return cb, nil
	}
	factory, ok := c.factories[req.OperationType]
	if !ok {
		factory, ok = c.factories[AnyOperation]
	}
	if !ok {
		return nil, fmt.Errorf("%w %s", errNoCallback, req.OperationType)
	}
	return factory(*req)
}

func (c *Coordinator) release(requestID int64) {
	c.heldMu.Lock()
	delete(c.held, requestID)
	c.heldMu.Unlock()
}

// settled reports whether no executor will ever invoke the callback again.
func settled(req *domain.Request) bool {
	if !req.Status.IsTerminal() {
		return false
	}
	return req.DispatchStatus == models.DispatchDispatched || req.DispatchStatus == models.DispatchFailed
}

// pruneHeld drops callbacks held since Submit whose request was settled by
// another executor or has been deleted.
func (c *Coordinator) pruneHeld(ctx context.Context) int {
	c.heldMu.Lock()
	ids := make([]int64, 0, len(c.held))
	for id := range c.held {
		ids = append(ids, id)
	}
	c.heldMu.Unlock()

	pruned := 0
	for _, id := range ids {
		req, err := c.requests.FindByID(ctx, id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			slog.WarnContext(ctx, "Could not check held callback", "request_id", id, "error", err)
			continue
		case !settled(req):
			continue
		}
		c.release(id)
		pruned++
	}
	if pruned > 0 {
		slog.DebugContext(ctx, "Released held callbacks", "count", pruned)
	}
	return pruned
}

// invoke runs Commit or Abort, turning a panic into an error.
func invoke(ctx context.Context, cb core.Callback, req *domain.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	if req.Status == models.StatusApproved {
		return cb.Commit(ctx)
	}
	return cb.Abort(ctx, req.AbortReason)
}

func dispatchName(req *domain.Request) string {
	if req.Status == models.StatusApproved {
		return "commit"
	}
	return "abort"
}
