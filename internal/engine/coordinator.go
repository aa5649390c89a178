package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/RealZimboGuy/approvalflow/internal/events"
	"github.com/RealZimboGuy/approvalflow/internal/locking"
	"github.com/RealZimboGuy/approvalflow/internal/repository"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/core"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/domain"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/models"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/wferrors"
)

// AnyOperation registers a callback factory used for operation types that
// have none of their own.
const AnyOperation = "*"

// Dependencies are the stores and services a Coordinator runs on.
type Dependencies struct {
	Definitions  DefinitionRepo
	Associations AssociationRepo
	Requests     RequestRepo
	Actions      RequestActionRepo
	Executors    ExecutorRepo
	Locker       locking.Locker
	Directory    core.Directory
	Publisher    events.Publisher
	Clock        core.Clock
	// Callbacks rebuilds callbacks of requests submitted by another process
	// or before a restart, keyed by operation type.
	Callbacks map[string]core.CallbackFactory
}

// Handle is the result of Submit. Proceeded means no workflow applied and
// the callback already ran.
type Handle struct {
	Proceeded  bool   `json:"proceeded"`
	RequestID  int64  `json:"requestId,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
	WorkflowID int64  `json:"workflowId,omitempty"`
}

// DecisionResult reports the effect of a recorded decision.
type DecisionResult struct {
	Outcome     models.StepOutcome   `json:"outcome"`
	Status      models.RequestStatus `json:"status"`
	CurrentStep int                  `json:"currentStep"`
}

// RequestStatusView is the read model of a request and its decisions.
type RequestStatusView struct {
	RequestID      int64                   `json:"requestId"`
	ExternalID     string                  `json:"externalId"`
	WorkflowID     int64                   `json:"workflowId"`
	OperationType  string                  `json:"operation"`
	Status         models.RequestStatus    `json:"status"`
	CurrentStep    int                     `json:"currentStep"`
	AbortReason    string                  `json:"abortReason,omitempty"`
	DispatchStatus models.DispatchStatus   `json:"dispatchStatus"`
	Decisions      []domain.DecisionRecord `json:"decisions"`
}

// Coordinator is the entry point of the engine: it resolves workflows for
// guarded operations, applies approver decisions and dispatches the terminal
// callback of each request.
type Coordinator struct {
	Definitions *DefinitionStore
	Resolver    *Resolver

	definitions DefinitionRepo
	requests    RequestRepo
	actions     RequestActionRepo
	executors   ExecutorRepo
	locker      locking.Locker
	directory   core.Directory
	publisher   events.Publisher
	clock       core.Clock
	settings    Settings

	factories map[string]core.CallbackFactory
	heldMu    sync.Mutex
	held      map[int64]core.Callback

	executorID atomic.Int64
	inflight   sync.WaitGroup
}

// NewCoordinator wires the engine; StartEngine runs its background sweeps.
func NewCoordinator(deps Dependencies, settings Settings) *Coordinator {
	if deps.Clock == nil {
		deps.Clock = core.NewRealClock()
	}
	if deps.Locker == nil {
		deps.Locker = locking.NewLocalLocker()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	if deps.Directory == nil {
		deps.Directory = core.StaticDirectory{}
	}
	factories := make(map[string]core.CallbackFactory, len(deps.Callbacks))
	for op, f := range deps.Callbacks {
		factories[op] = f
	}
	return &Coordinator{
		Definitions: NewDefinitionStore(deps.Definitions, deps.Associations, deps.Requests, deps.Clock),
		Resolver:    NewResolver(deps.Associations, deps.Definitions, deps.Clock),
		definitions: deps.Definitions,
		requests:    deps.Requests,
		actions:     deps.Actions,
		executors:   deps.Executors,
		locker:      deps.Locker,
		directory:   deps.Directory,
		publisher:   deps.Publisher,
		clock:       deps.Clock,
		settings:    settings.withDefaults(),
		factories:   factories,
		held:        make(map[int64]core.Callback),
	}
}

// Submit runs the guarded operation now when no workflow applies, otherwise
// creates a pending request and holds the callback until the request ends.
func (c *Coordinator) Submit(ctx context.Context, operationType string, parameters map[string]any, callback core.Callback) (Handle, error) {
	ctx, span := startSpan(ctx, "approvalflow.submit", attribute.String(OperationTypeKey, operationType))
	defer span.End()

	h, err := c.submit(ctx, operationType, parameters, callback)
	setSpanError(span, err)
	return h, err
}

func (c *Coordinator) submit(ctx context.Context, operationType string, parameters map[string]any, callback core.Callback) (Handle, error) {
	if operationType == "" {
		return Handle{}, wferrors.SubmitInvalid.New(operationType, "operation type is required")
	}
	if callback == nil {
		return Handle{}, wferrors.SubmitInvalid.New(operationType, "callback is required")
	}
	if parameters == nil {
		parameters = map[string]any{}
	}

	def, assoc, err := c.Resolver.Resolve(ctx, operationType, parameters)
	if err != nil {
		return Handle{}, err
	}
	if def == nil {
		slog.InfoContext(ctx, "No workflow governs operation, proceeding", "operation", operationType)
		if err := callback.Proceed(ctx); err != nil {
			return Handle{Proceeded: true}, err
		}
		return Handle{Proceeded: true}, nil
	}

	members, err := c.expandMembers(ctx, def)
	if err != nil {
		return Handle{}, wferrors.SubmitInvalid.Wrap(err, operationType, err.Error())
	}

	now := c.clock.Now()
	req := &domain.Request{
		ExternalID:     uuid.NewString(),
		WorkflowID:     def.ID,
		AssociationID:  assoc.ID,
		OperationType:  operationType,
		Parameters:     parameters,
		StepMembers:    members,
		CurrentStep:    1,
		Status:         models.StatusPending,
		DispatchStatus: models.DispatchNone,
		ExecutorGroup:  c.settings.ExecutorGroup,
		Version:        1,
		Created:        now,
		Modified:       now,
	}
	created := c.action(domain.ActionCreated, "created",
		fmt.Sprintf("workflow %d (%s) via association %d", def.ID, def.Name, assoc.ID), now)

	err = c.withPersistenceRetry(ctx, "submit", func() error {
		if _, err := c.requests.Create(ctx, req, created); err != nil {
			return wferrors.PersistRequest.Wrap(err, req.ExternalID)
		}
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "Failed to create request", "operation", operationType, "workflow_id", def.ID, "error", err)
		return Handle{}, err
	}

	c.heldMu.Lock()
	c.held[req.ID] = callback
	c.heldMu.Unlock()

	slog.InfoContext(ctx, "Created approval request", "request_id", req.ID, "external_id", req.ExternalID, "workflow_id", def.ID, "operation", operationType)
	c.publish(ctx, events.TopicRequestCreated, req, "")
	return Handle{RequestID: req.ID, ExternalID: req.ExternalID, WorkflowID: def.ID}, nil
}

// expandMembers resolves every step's principals to user ids, freezing the
// approver sets for the lifetime of the request.
func (c *Coordinator) expandMembers(ctx context.Context, def *domain.WorkflowDefinition) (map[int][]string, error) {
	out := make(map[int][]string, len(def.Steps))
	for _, step := range def.Steps {
		seen := map[string]struct{}{}
		var members []string
		add := func(id string) {
			if _, ok := seen[id]; !ok && id != "" {
				seen[id] = struct{}{}
				members = append(members, id)
			}
		}
		for _, p := range step.Approvers {
			switch p.Type {
			case models.PrincipalUser:
				add(p.ID)
			case models.PrincipalGroup:
				ids, err := c.directory.GroupMembers(ctx, p.ID)
				if err != nil {
					return nil, fmt.Errorf("expand group %s of step %d: %w", p.ID, step.Ordinal, err)
				}
				for _, id := range ids {
					add(id)
				}
			}
		}
		if len(members) == 0 {
			return nil, fmt.Errorf("step %d has no approvers", step.Ordinal)
		}
		if step.Policy.Type == models.PolicyQuorum && step.Policy.Quorum > len(members) {
			return nil, fmt.Errorf("step %d quorum %d exceeds its %d approvers", step.Ordinal, step.Policy.Quorum, len(members))
		}
		out[step.Ordinal] = members
	}
	return out, nil
}

// RecordDecision applies one approver action to a request.
func (c *Coordinator) RecordDecision(ctx context.Context, requestID int64, in models.DecisionInput) (DecisionResult, error) {
	ctx, span := startSpan(ctx, "approvalflow.record_decision",
		attribute.Int64(RequestIDKey, requestID), attribute.String(ApproverKey, in.Approver))
	defer span.End()

	if err := validate.StructCtx(ctx, in); err != nil {
		err = wferrors.InvalidDecision.Wrap(err, validationReason(err))
		setSpanError(span, err)
		return DecisionResult{}, err
	}

	var result DecisionResult
	err := c.withPersistenceRetry(ctx, "record_decision", func() error {
		var err error
		result, err = c.decide(ctx, requestID, in)
		return err
	})
	setSpanError(span, err)
	return result, err
}

func (c *Coordinator) decide(ctx context.Context, requestID int64, in models.DecisionInput) (DecisionResult, error) {
	unlock, err := c.locker.Lock(ctx, requestID)
	if err != nil {
		return DecisionResult{}, err
	}
	defer unlock()

	req, def, err := c.load(ctx, requestID)
	if err != nil {
		return DecisionResult{}, err
	}
	now := c.clock.Now()

	outcome, record, err := RecordDecision(def, req, in, now)
	if err != nil {
		if wferrors.IsKind(err, wferrors.KindStaleRequest) {
			slog.InfoContext(ctx, "Discarded stale decision", "request_id", requestID, "approver", in.Approver, "step", in.Step, "reason", err.Error())
			c.audit(ctx, requestID, domain.ActionStaleDecision, in.Approver, err.Error(), now)
		} else {
			slog.WarnContext(ctx, "Decision refused", "request_id", requestID, "approver", in.Approver, "error", err)
		}
		return DecisionResult{}, err
	}

	t, err := ApplyOutcome(req, def.FinalOrdinal(), outcome)
	if err != nil {
		slog.ErrorContext(ctx, "Refused transition", "request_id", requestID, "status", req.Status, "outcome", outcome, "error", err)
		return DecisionResult{}, err
	}
	t.Decision = record
	t.Modified = now
	t.Actions = append([]domain.RequestAction{
		c.action(domain.ActionDecision, in.Approver, fmt.Sprintf("%s on step %d", in.Decision, record.StepOrdinal), now),
	}, c.transitionActions(req, t, now)...)

	if err := c.persist(ctx, t); err != nil {
		return DecisionResult{}, err
	}

	slog.InfoContext(ctx, "Recorded decision", "request_id", requestID, "approver", in.Approver, "decision", in.Decision,
		"step", record.StepOrdinal, "outcome", outcome, "status", t.Status, "current_step", t.CurrentStep)
	c.afterTransition(ctx, req, t)
	return DecisionResult{Outcome: outcome, Status: t.Status, CurrentStep: t.CurrentStep}, nil
}

// Cancel aborts a pending request, for example because the guarded entity
// disappeared before approval completed.
func (c *Coordinator) Cancel(ctx context.Context, requestID int64, reason string) error {
	ctx, span := startSpan(ctx, "approvalflow.cancel", attribute.Int64(RequestIDKey, requestID))
	defer span.End()

	if reason == "" {
		reason = "cancelled"
	}
	err := c.withPersistenceRetry(ctx, "cancel", func() error {
		return c.cancel(ctx, requestID, reason)
	})
	setSpanError(span, err)
	return err
}

func (c *Coordinator) cancel(ctx context.Context, requestID int64, reason string) error {
	unlock, err := c.locker.Lock(ctx, requestID)
	if err != nil {
		return err
	}
	defer unlock()

	req, _, err := c.load(ctx, requestID)
	if err != nil {
		return err
	}
	t, err := Cancel(req, reason)
	if err != nil {
		slog.ErrorContext(ctx, "Refused cancel", "request_id", requestID, "status", req.Status, "error", err)
		return err
	}
	now := c.clock.Now()
	t.Modified = now
	t.Actions = c.transitionActions(req, t, now)
	if err := c.persist(ctx, t); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Cancelled request", "request_id", requestID, "reason", reason)
	c.afterTransition(ctx, req, t)
	return nil
}

// GetRequestStatus loads a request by its internal id.
func (c *Coordinator) GetRequestStatus(ctx context.Context, requestID int64) (RequestStatusView, error) {
	req, err := c.requests.FindByID(ctx, requestID)
	if err != nil {
		return RequestStatusView{}, c.lookupError(err, requestID)
	}
	return statusView(req), nil
}

// GetRequestStatusByExternalID loads a request by the id handed out by Submit.
func (c *Coordinator) GetRequestStatusByExternalID(ctx context.Context, externalID string) (RequestStatusView, error) {
	req, err := c.requests.FindByExternalID(ctx, externalID)
	if err != nil {
		return RequestStatusView{}, c.lookupError(err, externalID)
	}
	return statusView(req), nil
}

// RequestActions returns the audit trail of a request, newest first.
func (c *Coordinator) RequestActions(ctx context.Context, requestID int64) ([]domain.RequestAction, error) {
	actions, err := c.actions.FindAllByRequestID(ctx, requestID)
	if err != nil {
		return nil, wferrors.RetrieveRequest.Wrap(err, requestID)
	}
	return *actions, nil
}

// ListExecutors returns recent executors ordered by last_active desc.
func (c *Coordinator) ListExecutors(ctx context.Context, limit int) ([]*domain.Executor, error) {
	return c.executors.GetExecutorsByLastActive(ctx, limit)
}

// Wait blocks until callbacks dispatched in the background have finished.
func (c *Coordinator) Wait() {
	c.inflight.Wait()
}

func statusView(req *domain.Request) RequestStatusView {
	return RequestStatusView{
		RequestID:      req.ID,
		ExternalID:     req.ExternalID,
		WorkflowID:     req.WorkflowID,
		OperationType:  req.OperationType,
		Status:         req.Status,
		CurrentStep:    req.CurrentStep,
		AbortReason:    req.AbortReason,
		DispatchStatus: req.DispatchStatus,
		Decisions:      req.Decisions,
	}
}

func (c *Coordinator) lookupError(err error, id any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return wferrors.RequestNotFound.Wrap(err, id)
	}
	return wferrors.RetrieveRequest.Wrap(err, id)
}

// load reads a request and its workflow. Deprecated workflows stay readable
// for the requests bound to them.
func (c *Coordinator) load(ctx context.Context, requestID int64) (*domain.Request, *domain.WorkflowDefinition, error) {
	req, err := c.requests.FindByID(ctx, requestID)
	if err != nil {
		return nil, nil, c.lookupError(err, requestID)
	}
	def, err := c.definitions.FindByID(ctx, req.WorkflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, wferrors.WorkflowNotFound.Wrap(err, req.WorkflowID)
	}
	if err != nil {
		return nil, nil, wferrors.RetrieveWorkflow.Wrap(err, req.WorkflowID)
	}
	return req, def, nil
}

func (c *Coordinator) persist(ctx context.Context, t domain.Transition) error {
	err := c.requests.ApplyTransition(ctx, t)
	if errors.Is(err, repository.ErrConflict) {
		return wferrors.ConcurrentUpdate.Wrap(err, t.RequestID)
	}
	if err != nil {
		return wferrors.PersistRequest.Wrap(err, t.RequestID)
	}
	return nil
}

// transitionActions describes a step or status change for the audit trail.
func (c *Coordinator) transitionActions(req *domain.Request, t domain.Transition, now time.Time) []domain.RequestAction {
	switch {
	case t.Status == models.StatusApproved && req.Status != models.StatusApproved:
		return []domain.RequestAction{c.action(domain.ActionApproved, "approved", fmt.Sprintf("final step %d satisfied", req.CurrentStep), now)}
	case t.Status == models.StatusRejected && req.Status != models.StatusRejected:
		return []domain.RequestAction{c.action(domain.ActionRejected, "rejected", t.AbortReason, now)}
	case t.Status == models.StatusAborted && req.Status != models.StatusAborted:
		return []domain.RequestAction{c.action(domain.ActionAborted, "aborted", t.AbortReason, now)}
	case t.CurrentStep != req.CurrentStep:
		return []domain.RequestAction{c.action(domain.ActionAdvanced, "advanced", fmt.Sprintf("step %d -> %d", req.CurrentStep, t.CurrentStep), now)}
	}
	return nil
}

// afterTransition publishes lifecycle events and, for terminal requests,
// schedules the callback dispatch.
func (c *Coordinator) afterTransition(ctx context.Context, before *domain.Request, t domain.Transition) {
	after := *before
	after.Status = t.Status
	after.CurrentStep = t.CurrentStep
	after.AbortReason = t.AbortReason

	if t.CurrentStep != before.CurrentStep {
		c.publish(ctx, events.TopicStepAdvanced, &after, "")
	}
	if t.Status.IsTerminal() {
		c.publish(ctx, events.TopicRequestCompleted, &after, t.AbortReason)
		if !c.settings.DeferDispatch {
			c.scheduleDispatch(before.ID)
		}
	}
}

func (c *Coordinator) action(actionType, name, text string, now time.Time) domain.RequestAction {
	return domain.RequestAction{
		ExecutorID: c.executorID.Load(),
		Type:       actionType,
		Name:       name,
		Text:       text,
		DateTime:   now,
	}
}

// audit records a standalone action; failures are only logged.
func (c *Coordinator) audit(ctx context.Context, requestID int64, actionType, name, text string, now time.Time) {
	a := c.action(actionType, name, text, now)
	a.RequestID = requestID
	if _, err := c.actions.Save(ctx, &a); err != nil {
		slog.WarnContext(ctx, "Failed to save request action", "request_id", requestID, "type", actionType, "error", err)
	}
}

func (c *Coordinator) publish(ctx context.Context, topic string, req *domain.Request, reason string) {
	evt := events.RequestEvent{
		RequestID:     req.ID,
		ExternalID:    req.ExternalID,
		WorkflowID:    req.WorkflowID,
		OperationType: req.OperationType,
		Status:        string(req.Status),
		Step:          req.CurrentStep,
		Reason:        reason,
		OccurredAt:    c.clock.Now(),
	}
	if err := c.publisher.Publish(ctx, topic, evt); err != nil {
		slog.WarnContext(ctx, "Failed to publish request event", "topic", topic, "request_id", req.ID, "error", err)
	}
}
