// Package common holds the approval scenarios every database backend runs.
// Callers point the AFLOW_DATABASE_* settings at a fresh database first.
package common

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/core"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/domain"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/models"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/wferrors"
	"github.com/RealZimboGuy/approvalflow/test/integration"
)

// Recorder counts how the engine resolved the guarded operations handed to it.
type Recorder struct {
	mu        sync.Mutex
	proceeded int
	committed int
	aborted   int
	reasons   []string
}

func (r *Recorder) Callback() core.Callback {
	return core.CallbackFuncs{
		ProceedFunc: func(context.Context) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.proceeded++
			return nil
		},
		CommitFunc: func(context.Context) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.committed++
			return nil
		},
		AbortFunc: func(_ context.Context, reason string) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.aborted++
			r.reasons = append(r.reasons, reason)
			return nil
		},
	}
}

// Factory rebuilds callbacks of requests submitted by an earlier engine.
func (r *Recorder) Factory() core.CallbackFactory {
	return func(domain.Request) (core.Callback, error) { return r.Callback(), nil }
}

func (r *Recorder) Counts() (proceeded, committed, aborted int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proceeded, r.committed, r.aborted
}

func (r *Recorder) Reasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

func NewEngine(t *testing.T, opts approvalflow.Options) *approvalflow.Engine {
	t.Helper()
	eng, err := approvalflow.New(t.Context(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func users(ids ...string) []domain.Principal {
	out := make([]domain.Principal, len(ids))
	for i, id := range ids {
		out[i] = domain.Principal{Type: models.PrincipalUser, ID: id}
	}
	return out
}

func step(ordinal int, policy models.PolicyType, quorum int, approvers ...domain.Principal) domain.Step {
	return domain.Step{Ordinal: ordinal, Policy: domain.Policy{Type: policy, Quorum: quorum}, Approvers: approvers}
}

// govern defines a workflow and binds it unconditionally to operation.
func govern(t *testing.T, eng *approvalflow.Engine, operation string, steps ...domain.Step) *domain.WorkflowDefinition {
	t.Helper()
	ctx := t.Context()
	def, err := eng.Definitions.Define(ctx, operation+" approval", "", steps)
	require.NoError(t, err)
	_, err = eng.Resolver.CreateAssociation(ctx, models.CreateAssociationRequest{
		Name:          operation,
		WorkflowID:    def.ID,
		OperationType: operation,
		Enabled:       true,
	})
	require.NoError(t, err)
	return def
}

func decide(t *testing.T, eng *approvalflow.Engine, requestID int64, approver string, decision models.Decision) engineResult {
	t.Helper()
	res, err := eng.RecordDecision(t.Context(), requestID, models.DecisionInput{Approver: approver, Decision: decision})
	require.NoError(t, err, "decision of %s", approver)
	return engineResult{Status: res.Status, Step: res.CurrentStep}
}

type engineResult struct {
	Status models.RequestStatus
	Step   int
}

func requireStatus(t *testing.T, eng *approvalflow.Engine, requestID int64, status models.RequestStatus, dispatch models.DispatchStatus) {
	t.Helper()
	view, err := eng.GetRequestStatus(t.Context(), requestID)
	require.NoError(t, err)
	assert.Equal(t, status, view.Status)
	assert.Equal(t, dispatch, view.DispatchStatus)
}

// RunThreeStepApproval drives ALL, ANY and QUORUM steps to approval and
// expects exactly one commit.
func RunThreeStepApproval(t *testing.T) {
	eng := NewEngine(t, approvalflow.Options{
		Directory: core.StaticDirectory{"finance": {"carol", "dave", "erin"}},
	})
	govern(t, eng, "payment.release",
		step(1, models.PolicyAllMustApprove, 0, users("alice", "bob")...),
		step(2, models.PolicyAnyOneApproves, 0, users("frank", "grace")...),
		step(3, models.PolicyQuorum, 2, domain.Principal{Type: models.PrincipalGroup, ID: "finance"}),
	)

	rec := &Recorder{}
	h, err := eng.Submit(t.Context(), "payment.release", map[string]any{"amount": 5000}, rec.Callback())
	require.NoError(t, err)
	require.False(t, h.Proceeded)
	require.NotEmpty(t, h.ExternalID)

	assert.Equal(t, engineResult{models.StatusPending, 1}, decide(t, eng, h.RequestID, "alice", models.DecisionApprove))
	assert.Equal(t, engineResult{models.StatusPending, 2}, decide(t, eng, h.RequestID, "bob", models.DecisionApprove))
	assert.Equal(t, engineResult{models.StatusPending, 3}, decide(t, eng, h.RequestID, "grace", models.DecisionApprove))
	assert.Equal(t, engineResult{models.StatusPending, 3}, decide(t, eng, h.RequestID, "carol", models.DecisionReject))
	assert.Equal(t, engineResult{models.StatusPending, 3}, decide(t, eng, h.RequestID, "dave", models.DecisionApprove))
	assert.Equal(t, engineResult{models.StatusApproved, 3}, decide(t, eng, h.RequestID, "erin", models.DecisionApprove))

	eng.Wait()
	_, committed, aborted := rec.Counts()
	assert.Equal(t, 1, committed)
	assert.Equal(t, 0, aborted)
	requireStatus(t, eng, h.RequestID, models.StatusApproved, models.DispatchDispatched)

	view, err := eng.GetRequestStatusByExternalID(t.Context(), h.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, h.RequestID, view.RequestID)
	assert.Len(t, view.Decisions, 6)

	_, err = eng.RecordDecision(t.Context(), h.RequestID, models.DecisionInput{Approver: "alice", Decision: models.DecisionReject})
	assert.True(t, wferrors.IsKind(err, wferrors.KindStaleRequest), "decisions after approval are stale: %v", err)
}

// RunRejectionAbortsOperation rejects at the second step.
func RunRejectionAbortsOperation(t *testing.T) {
	eng := NewEngine(t, approvalflow.Options{})
	govern(t, eng, "user.delete",
		step(1, models.PolicyAnyOneApproves, 0, users("alice")...),
		step(2, models.PolicyAllMustApprove, 0, users("bob", "carol")...),
	)

	completed, err := eng.Subscribe(t.Context(), approvalflow.TopicRequestCompleted)
	require.NoError(t, err)

	rec := &Recorder{}
	h, err := eng.Submit(t.Context(), "user.delete", map[string]any{"user": "mallory"}, rec.Callback())
	require.NoError(t, err)

	decide(t, eng, h.RequestID, "alice", models.DecisionApprove)
	assert.Equal(t, engineResult{models.StatusRejected, 2}, decide(t, eng, h.RequestID, "carol", models.DecisionReject))

	_, err = eng.RecordDecision(t.Context(), h.RequestID, models.DecisionInput{Approver: "zed", Decision: models.DecisionApprove})
	assert.Error(t, err)

	eng.Wait()
	_, committed, aborted := rec.Counts()
	assert.Equal(t, 0, committed)
	assert.Equal(t, 1, aborted)
	assert.Equal(t, []string{"rejected at step 2"}, rec.Reasons())
	requireStatus(t, eng, h.RequestID, models.StatusRejected, models.DispatchDispatched)

	select {
	case msg := <-completed:
		var evt approvalflow.RequestEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &evt))
		msg.Ack()
		assert.Equal(t, h.RequestID, evt.RequestID)
		assert.Equal(t, string(models.StatusRejected), evt.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no completion event")
	}
}

// RunUngovernedOperationProceeds submits an operation nothing governs and
// one whose condition does not match.
func RunUngovernedOperationProceeds(t *testing.T) {
	eng := NewEngine(t, approvalflow.Options{})
	def, err := eng.Definitions.Define(t.Context(), "big payments", "", []domain.Step{
		step(1, models.PolicyAnyOneApproves, 0, users("alice")...),
	})
	require.NoError(t, err)
	_, err = eng.Resolver.CreateAssociation(t.Context(), models.CreateAssociationRequest{
		Name:          "big payments",
		WorkflowID:    def.ID,
		OperationType: "payment",
		Condition:     `{"op":"gt","field":"amount","value":1000}`,
		Enabled:       true,
	})
	require.NoError(t, err)

	rec := &Recorder{}
	for _, submit := range []struct {
		op     string
		params map[string]any
	}{
		{"report.export", nil},
		{"payment", map[string]any{"amount": 10}},
	} {
		h, err := eng.Submit(t.Context(), submit.op, submit.params, rec.Callback())
		require.NoError(t, err)
		assert.True(t, h.Proceeded, submit.op)
	}
	h, err := eng.Submit(t.Context(), "payment", map[string]any{"amount": 1500}, rec.Callback())
	require.NoError(t, err)
	assert.False(t, h.Proceeded)
	assert.Equal(t, def.ID, h.WorkflowID)

	proceeded, committed, aborted := rec.Counts()
	assert.Equal(t, [3]int{2, 0, 0}, [3]int{proceeded, committed, aborted})
}

// RunConcurrentDecisions lets every approver of an ALL step decide at once.
func RunConcurrentDecisions(t *testing.T) {
	eng := NewEngine(t, approvalflow.Options{})
	approvers := make([]string, 8)
	for i := range approvers {
		approvers[i] = fmt.Sprintf("approver-%d", i)
	}
	govern(t, eng, "cluster.scale", step(1, models.PolicyAllMustApprove, 0, users(approvers...)...))

	rec := &Recorder{}
	h, err := eng.Submit(t.Context(), "cluster.scale", nil, rec.Callback())
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, len(approvers))
	for _, a := range approvers {
		wg.Add(1)
		go func(approver string) {
			defer wg.Done()
			_, err := eng.RecordDecision(context.Background(), h.RequestID, models.DecisionInput{Approver: approver, Decision: models.DecisionApprove})
			errs <- err
		}(a)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	eng.Wait()
	_, committed, _ := rec.Counts()
	assert.Equal(t, 1, committed)
	view, err := eng.GetRequestStatus(t.Context(), h.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, view.Status)
	assert.Len(t, view.Decisions, len(approvers), "no decision is lost")
}

// RunDispatchAfterRestart approves a request in an engine that defers its
// callbacks, then lets a second engine deliver it through a factory.
func RunDispatchAfterRestart(t *testing.T) {
	first, err := approvalflow.New(t.Context(), approvalflow.Options{DeferDispatch: true})
	require.NoError(t, err)
	govern(t, first, "db.migrate", step(1, models.PolicyAnyOneApproves, 0, users("alice")...))

	lost := &Recorder{}
	h, err := first.Submit(t.Context(), "db.migrate", nil, lost.Callback())
	require.NoError(t, err)
	decide(t, first, h.RequestID, "alice", models.DecisionApprove)
	requireStatus(t, first, h.RequestID, models.StatusApproved, models.DispatchPending)
	require.NoError(t, first.Close())

	rec := &Recorder{}
	second := NewEngine(t, approvalflow.Options{
		Callbacks: map[string]core.CallbackFactory{approvalflow.AnyOperation: rec.Factory()},
	})
	n, err := second.DispatchPending(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, committed, _ := rec.Counts()
	assert.Equal(t, 1, committed)
	_, lostCommits, _ := lost.Counts()
	assert.Equal(t, 0, lostCommits)
	requireStatus(t, second, h.RequestID, models.StatusApproved, models.DispatchDispatched)

	n, err = second.DispatchPending(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a delivered callback is not dispatched again")
}

// RunRecoveryAndRetention replays an idle request and then purges a
// finished one once it is old enough.
func RunRecoveryAndRetention(t *testing.T) {
	clock := integration.NewFakeClock(time.Now().UTC().Truncate(time.Second))
	eng := NewEngine(t, approvalflow.Options{Clock: clock})
	govern(t, eng, "vpn.grant",
		step(1, models.PolicyQuorum, 2, users("alice", "bob", "carol")...),
	)

	rec := &Recorder{}
	h, err := eng.Submit(t.Context(), "vpn.grant", nil, rec.Callback())
	require.NoError(t, err)
	decide(t, eng, h.RequestID, "alice", models.DecisionApprove)

	n, err := eng.Recover(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "recently touched requests are left alone")

	clock.Add(10 * time.Minute)
	n, err = eng.Recover(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	requireStatus(t, eng, h.RequestID, models.StatusPending, models.DispatchNone)
	n, err = eng.Recover(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "replay touches the request")

	decide(t, eng, h.RequestID, "carol", models.DecisionApprove)
	eng.Wait()
	requireStatus(t, eng, h.RequestID, models.StatusApproved, models.DispatchDispatched)

	removed, err := eng.CleanupRetention(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	clock.Add(31 * 24 * time.Hour)
	removed, err = eng.CleanupRetention(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = eng.GetRequestStatus(t.Context(), h.RequestID)
	assert.True(t, wferrors.IsKind(err, wferrors.KindNotFound), "got %v", err)
}

// RunAll runs every scenario against a fresh database from setup.
func RunAll(t *testing.T, setup func(t *testing.T)) {
	for name, scenario := range map[string]func(*testing.T){
		"ThreeStepApproval":           RunThreeStepApproval,
		"RejectionAbortsOperation":    RunRejectionAbortsOperation,
		"UngovernedOperationProceeds": RunUngovernedOperationProceeds,
		"ConcurrentDecisions":         RunConcurrentDecisions,
		"DispatchAfterRestart":        RunDispatchAfterRestart,
		"RecoveryAndRetention":        RunRecoveryAndRetention,
	} {
		t.Run(name, func(t *testing.T) {
			setup(t)
			scenario(t)
		})
	}
}
