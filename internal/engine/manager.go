package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/domain"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/models"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/wferrors"
)

// StartEngine registers this executor and runs the recovery sweep, the
// dispatch sweep and the retention schedule until ctx is cancelled.
func (c *Coordinator) StartEngine(ctx context.Context) error {
	c.registerExecutorInstance(ctx)

	if _, err := c.Recover(ctx); err != nil {
		slog.ErrorContext(ctx, "Initial recovery sweep failed", "error", err)
	}

	scheduler := cron.New()
	if c.settings.RetentionSchedule != "" && c.settings.RetentionAge > 0 {
		if _, err := scheduler.AddFunc(c.settings.RetentionSchedule, func() {
			if _, err := c.CleanupRetention(ctx); err != nil {
				slog.ErrorContext(ctx, "Retention cleanup failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("invalid retention schedule %q: %w", c.settings.RetentionSchedule, err)
		}
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	recovery := time.NewTicker(c.settings.RecoveryInterval)
	defer recovery.Stop()
	dispatch := time.NewTicker(c.settings.DispatchInterval)
	defer dispatch.Stop()

	slog.InfoContext(ctx, "Approval engine started",
		"executor_id", c.executorID.Load(),
		"executor_group", c.settings.ExecutorGroup,
		"recovery_interval", c.settings.RecoveryInterval.String(),
		"dispatch_interval", c.settings.DispatchInterval.String())

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Approval engine stopping due to context cancel")
			c.Wait()
			return nil
		case <-recovery.C:
			if _, err := c.Recover(ctx); err != nil {
				slog.ErrorContext(ctx, "Recovery sweep failed", "error", err)
			}
		case <-dispatch.C:
			if _, err := c.DispatchPending(ctx); err != nil {
				slog.ErrorContext(ctx, "Dispatch sweep failed", "error", err)
			}
		}
	}
}

// Recover replays pending requests nobody touched for StaleAfter. Replay
// recomputes the outcome of the current step from its recorded decisions,
// so it yields exactly what live evaluation would have. It returns the
// number of requests replayed.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	before := c.clock.Now().Add(-c.settings.StaleAfter)
	var afterID int64
	replayed := 0
	for {
		ids, err := c.requests.FindStalePending(ctx, c.settings.ExecutorGroup, before, afterID, c.settings.BatchSize)
		if err != nil {
			return replayed, wferrors.RetrieveRequest.Wrap(err, "stale pending")
		}
		for _, id := range ids {
			afterID = id
			if err := c.withPersistenceRetry(ctx, "recover", func() error { return c.replay(ctx, id) }); err != nil {
				slog.ErrorContext(ctx, "Failed to replay request", "request_id", id, "error", err)
				continue
			}
			replayed++
		}
		if len(ids) < c.settings.BatchSize {
			break
		}
	}
	if replayed > 0 {
		slog.InfoContext(ctx, "Recovery sweep finished", "replayed", replayed)
	}
	return replayed, nil
}

func (c *Coordinator) replay(ctx context.Context, requestID int64) error {
	unlock, err := c.locker.Lock(ctx, requestID)
	if err != nil {
		return err
	}
	defer unlock()

	req, def, err := c.load(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != models.StatusPending {
		return nil
	}
	step, ok := def.Step(req.CurrentStep)
	if !ok {
		return wferrors.InvalidTransition.New(req.ID, req.Status, fmt.Sprintf("replay missing step %d", req.CurrentStep))
	}

	outcome := Evaluate(step.Policy, req.StepMembers[req.CurrentStep], req.StepDecisions(req.CurrentStep))
	t, err := ApplyOutcome(req, def.FinalOrdinal(), outcome)
	if err != nil {
		return err
	}
	now := c.clock.Now()
	t.Modified = now
	t.Actions = append([]domain.RequestAction{
		c.action(domain.ActionRecovered, "recovered", fmt.Sprintf("step %d replayed as %s", req.CurrentStep, outcome), now),
	}, c.transitionActions(req, t, now)...)
	if err := c.persist(ctx, t); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Replayed request", "request_id", requestID, "step", req.CurrentStep, "outcome", outcome, "status", t.Status)
	c.afterTransition(ctx, req, t)
	return nil
}

// DispatchPending delivers callbacks that are due, including retries and
// claims abandoned by a crashed dispatcher, after releasing held callbacks
// that another executor already settled. It returns the number attempted.
func (c *Coordinator) DispatchPending(ctx context.Context) (int, error) {
	c.pruneHeld(ctx)
	now := c.clock.Now()
	ids, err := c.requests.FindDispatchable(ctx, c.settings.ExecutorGroup, now, now.Add(-c.settings.StaleAfter), c.settings.BatchSize)
	if err != nil {
		return 0, wferrors.RetrieveRequest.Wrap(err, "dispatchable")
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err := c.Dispatch(ctx, id); err != nil {
			slog.WarnContext(ctx, "Dispatch attempt failed", "request_id", id, "error", err)
		}
	}
	return len(ids), nil
}

// CleanupRetention deletes terminal requests whose callback was delivered
// more than RetentionAge ago.
func (c *Coordinator) CleanupRetention(ctx context.Context) (int64, error) {
	if c.settings.RetentionAge <= 0 {
		return 0, nil
	}
	cutoff := c.clock.Now().Add(-c.settings.RetentionAge)
	n, err := c.requests.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, wferrors.PersistRequest.Wrap(err, "retention")
	}
	if n > 0 {
		slog.InfoContext(ctx, "Deleted finished requests", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func (c *Coordinator) registerExecutorInstance(ctx context.Context) {
	if c.executors == nil {
		return
	}
	name := c.settings.ExecutorName
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			name = "approval-engine"
		} else {
			name = hostname
		}
	}
	now := c.clock.Now()
	exec := &domain.Executor{Name: name, Started: now, LastActive: now}
	id, err := c.executors.Save(ctx, exec)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to register executor", "error", err)
		return
	}
	c.executorID.Store(id)
	slog.InfoContext(ctx, "Registered executor", "executor_id", id, "name", name)

	go func(executorID int64) {
		hb := time.NewTicker(c.settings.HeartbeatInterval)
		defer hb.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hb.C:
				if err := c.executors.UpdateLastActive(ctx, executorID, c.clock.Now()); err != nil {
					slog.Error("Failed to update executor last_active", "executor_id", executorID, "error", err)
				} else {
					slog.Debug("Updated executor last_active", "executor_id", executorID)
				}
			}
		}
	}(id)
}
