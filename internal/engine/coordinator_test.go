package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RealZimboGuy/approvalflow/internal/events"
	"github.com/RealZimboGuy/approvalflow/internal/repository"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/core"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/domain"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/models"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/wferrors"
)

func TestSubmit_UngovernedOperationProceeds(t *testing.T) {
	h := newHarness(t, nil)
	cb := &recordingCallback{}

	handle, err := h.c.Submit(context.Background(), "user.create", map[string]any{"user": "bob"}, cb)
	require.NoError(t, err)
	assert.True(t, handle.Proceeded)
	assert.Zero(t, handle.RequestID)

	proceeded, committed, aborted := cb.counts()
	assert.Equal(t, 1, proceeded)
	assert.Zero(t, committed+aborted)
	assert.Empty(t, h.store.requests)
}

func TestSubmit_RequiresOperationAndCallback(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.c.Submit(context.Background(), "", nil, &recordingCallback{})
	assert.True(t, wferrors.IsKind(err, wferrors.KindValidation))
	_, err = h.c.Submit(context.Background(), "user.create", nil, nil)
	assert.True(t, wferrors.IsKind(err, wferrors.KindValidation))
}

func TestSubmit_CreatesPendingRequest(t *testing.T) {
	h := newHarness(t, nil)
	def := h.govern(t, "user.delete", step(1, models.PolicyAllMustApprove, 0, users("alice", "bob")...))
	cb := &recordingCallback{}

	handle, err := h.c.Submit(context.Background(), "user.delete", map[string]any{"user": "carol"}, cb)
	require.NoError(t, err)
	assert.False(t, handle.Proceeded)
	assert.Equal(t, def.ID, handle.WorkflowID)
	assert.NotEmpty(t, handle.ExternalID)

	req := h.request(t, handle.RequestID)
	assert.Equal(t, models.StatusPending, req.Status)
	assert.Equal(t, 1, req.CurrentStep)
	assert.Equal(t, []string{"alice", "bob"}, req.StepMembers[1])
	assert.Equal(t, models.DispatchNone, req.DispatchStatus)
	assert.Equal(t, []string{domain.ActionCreated}, h.store.actionTypes(handle.RequestID))
	assert.Equal(t, 1, h.pub.count(events.TopicRequestCreated))

	view, err := h.c.GetRequestStatusByExternalID(context.Background(), handle.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, handle.RequestID, view.RequestID)

	proceeded, committed, aborted := cb.counts()
	assert.Zero(t, proceeded+committed+aborted, "callback is held until the request ends")
}

func TestSubmit_ExpandsGroups(t *testing.T) {
	h := newHarness(t, core.StaticDirectory{"admins": {"alice", "bob", "carol"}})
	h.govern(t, "role.delete", step(1, models.PolicyAllMustApprove, 0,
		domain.Principal{Type: models.PrincipalGroup, ID: "admins"},
		domain.Principal{Type: models.PrincipalUser, ID: "bob"},
		domain.Principal{Type: models.PrincipalUser, ID: "dave"},
	))

	handle, err := h.c.Submit(context.Background(), "role.delete", nil, &recordingCallback{})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol", "dave"}, h.request(t, handle.RequestID).StepMembers[1])
}

func TestSubmit_UnsatisfiableMembership(t *testing.T) {
	h := newHarness(t, core.StaticDirectory{"pair": {"alice", "bob"}, "nobody": {}})
	ctx := context.Background()
	h.govern(t, "quorum", step(1, models.PolicyQuorum, 3, domain.Principal{Type: models.PrincipalGroup, ID: "pair"}))
	h.govern(t, "empty", step(1, models.PolicyAllMustApprove, 0, domain.Principal{Type: models.PrincipalGroup, ID: "nobody"}))
	h.govern(t, "unknown", step(1, models.PolicyAllMustApprove, 0, domain.Principal{Type: models.PrincipalGroup, ID: "ghosts"}))

	for _, op := range []string{"quorum", "empty", "unknown"} {
		_, err := h.c.Submit(ctx, op, nil, &recordingCallback{})
		require.Error(t, err, op)
		assert.True(t, wferrors.IsKind(err, wferrors.KindValidation), err.Error())
	}
	assert.Empty(t, h.store.requests)
}

func TestMultiStepApproval(t *testing.T) {
	h := newHarness(t, nil)
	h.govern(t, "payment",
		step(1, models.PolicyAllMustApprove, 0, users("A", "B")...),
		step(2, models.PolicyAnyOneApproves, 0, users("C", "D")...),
		step(3, models.PolicyQuorum, 2, users("E", "F", "G")...),
	)
	cb := &recordingCallback{}
	handle, err := h.c.Submit(context.Background(), "payment", map[string]any{"amount": 5000}, cb)
	require.NoError(t, err)
	id := handle.RequestID

	assert.Equal(t, DecisionResult{models.OutcomeStillPending, models.StatusPending, 1}, h.decide(t, id, "A", models.DecisionApprove))
	assert.Equal(t, DecisionResult{models.OutcomeStepSatisfied, models.StatusPending, 2}, h.decide(t, id, "B", models.DecisionApprove))
	assert.Equal(t, DecisionResult{models.OutcomeStillPending, models.StatusPending, 2}, h.decide(t, id, "D", models.DecisionReject))
	assert.Equal(t, DecisionResult{models.OutcomeStepSatisfied, models.StatusPending, 3}, h.decide(t, id, "C", models.DecisionApprove))
	assert.Equal(t, DecisionResult{models.OutcomeStillPending, models.StatusPending, 3}, h.decide(t, id, "E", models.DecisionApprove))
	assert.Equal(t, DecisionResult{models.OutcomeStepSatisfied, models.StatusApproved, 3}, h.decide(t, id, "G", models.DecisionApprove))
	h.c.Wait()

	_, committed, aborted := cb.counts()
	assert.Equal(t, 1, committed)
	assert.Zero(t, aborted)

	req := h.request(t, id)
	assert.Equal(t, models.StatusApproved, req.Status)
	assert.Equal(t, models.DispatchDispatched, req.DispatchStatus)
	assert.Len(t, req.Decisions, 6)
	assert.Equal(t, 2, h.pub.count(events.TopicStepAdvanced))
	assert.Equal(t, 1, h.pub.count(events.TopicRequestCompleted))
	assert.Equal(t, 1, h.pub.count(events.TopicCallbackDispatched))
	assert.Contains(t, h.store.actionTypes(id), domain.ActionApproved)
	assert.Contains(t, h.store.actionTypes(id), domain.ActionDispatched)
}

func TestRejectionAbortsWithReason(t *testing.T) {
	h := newHarness(t, nil)
	h.govern(t, "payment",
		step(1, models.PolicyAnyOneApproves, 0, users("A")...),
		step(2, models.PolicyAllMustApprove, 0, users("B", "C")...),
	)
	cb := &recordingCallback{}
	handle, err := h.c.Submit(context.Background(), "payment", nil, cb)
	require.NoError(t, err)

	h.decide(t, handle.RequestID, "A", models.DecisionApprove)
	h.decide(t, handle.RequestID, "B", models.DecisionApprove)
	res := h.decide(t, handle.RequestID, "C", models.DecisionReject)
	assert.Equal(t, models.StatusRejected, res.Status)
	h.c.Wait()

	_, committed, aborted := cb.counts()
	assert.Zero(t, committed)
	assert.Equal(t, 1, aborted)
	assert.Equal(t, "rejected at step 2", cb.reason)
	assert.Equal(t, "rejected at step 2", h.request(t, handle.RequestID).AbortReason)
}

func TestResubmittedDecisionIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.govern(t, "payment",
		step(1, models.PolicyAllMustApprove, 0, users("A", "B")...),
		step(2, models.PolicyAnyOneApproves, 0, users("C")...),
	)
	handle, err := h.c.Submit(context.Background(), "payment", nil, &recordingCallback{})
	require.NoError(t, err)
	id := handle.RequestID

	h.decide(t, id, "A", models.DecisionApprove)
	res := h.decide(t, id, "A", models.DecisionApprove)
	assert.Equal(t, 1, res.CurrentStep)
	assert.Len(t, h.request(t, id).Decisions, 1)

	res = h.decide(t, id, "B", models.DecisionApprove)
	assert.Equal(t, 2, res.CurrentStep)

	_, err = h.c.RecordDecision(context.Background(), id, models.DecisionInput{Approver: "B", Decision: models.DecisionApprove, Step: 1})
	assert.True(t, wferrors.IsKind(err, wferrors.KindStaleRequest))
	req := h.request(t, id)
	assert.Equal(t, 2, req.CurrentStep, "a replayed decision never advances twice")
	assert.Len(t, req.Decisions, 2)
}

func TestOutOfOrderDecisionIsStale(t *testing.T) {
	h := newHarness(t, nil)
	h.govern(t, "payment",
		step(1, models.PolicyAllMustApprove, 0, users("A")...),
		step(2, models.PolicyAnyOneApproves, 0, users("C")...),
	)
	handle, err := h.c.Submit(context.Background(), "payment", nil, &recordingCallback{})
	require.NoError(t, err)

	_, err = h.c.RecordDecision(context.Background(), handle.RequestID, models.DecisionInput{Approver: "C", Decision: models.DecisionApprove})
	require.Error(t, err)
	assert.True(t, wferrors.IsKind(err, wferrors.KindStaleRequest))

	req := h.request(t, handle.RequestID)
	assert.Equal(t, 1, req.CurrentStep)
	assert.Equal(t, models.StatusPending, req.Status)
	assert.Empty(t, req.Decisions)
	assert.Contains(t, h.store.actionTypes(handle.RequestID), domain.ActionStaleDecision)
}

func TestDecisionRefusals(t *testing.T) {
	h := newHarness(t, nil)
	h.govern(t, "payment", step(1, models.PolicyAllMustApprove, 0, users("A", "B")...))
	handle, err := h.c.Submit(context.Background(), "payment", nil, &recordingCallback{})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = h.c.RecordDecision(ctx, handle.RequestID, models.DecisionInput{Approver: "mallory", Decision: models.DecisionApprove})
	assert.True(t, wferrors.IsKind(err, wferrors.KindUnauthorizedApprover))
	_, err = h.c.RecordDecision(ctx, handle.RequestID, models.DecisionInput{Approver: "A", Decision: "MAYBE"})
	assert.True(t, wferrors.IsKind(err, wferrors.KindValidation))
	_, err = h.c.RecordDecision(ctx, handle.RequestID, models.DecisionInput{Decision: models.DecisionApprove})
	assert.True(t, wferrors.IsKind(err, wferrors.KindValidation))
	_, err = h.c.RecordDecision(ctx, 404, models.DecisionInput{Approver: "A", Decision: models.DecisionApprove})
	assert.True(t, wferrors.IsKind(err, wferrors.KindNotFound))

	h.decide(t, handle.RequestID, "B", models.DecisionReject)
	_, err = h.c.RecordDecision(ctx, handle.RequestID, models.DecisionInput{Approver: "A", Decision: models.DecisionApprove})
	assert.True(t, wferrors.IsKind(err, wferrors.KindStaleRequest), "terminal requests take no decisions")
}

func TestCancel_AbortsPendingRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.govern(t, "user.delete", step(1, models.PolicyAllMustApprove, 0, users("A")...))
	cb := &recordingCallback{}
	handle, err := h.c.Submit(context.Background(), "user.delete", nil, cb)
	require.NoError(t, err)

	require.NoError(t, h.c.Cancel(context.Background(), handle.RequestID, "user no longer exists"))
	h.c.Wait()

	_, _, aborted := cb.counts()
	assert.Equal(t, 1, aborted)
	assert.Equal(t, "user no longer exists", cb.reason)
	assert.Equal(t, models.StatusAborted, h.request(t, handle.RequestID).Status)

	err = h.c.Cancel(context.Background(), handle.RequestID, "again")
	assert.True(t, wferrors.IsKind(err, wferrors.KindInvalidTransition))
	err = h.c.Cancel(context.Background(), 404, "")
	assert.True(t, wferrors.IsKind(err, wferrors.KindNotFound))
}

func TestConcurrentDecisions_SingleExecutor(t *testing.T) {
	h := newHarness(t, nil)
	approvers := make([]string, 10)
	for i := range approvers {
		approvers[i] = fmt.Sprintf("u%d", i)
	}
	h.govern(t, "all", step(1, models.PolicyAllMustApprove, 0, users(approvers...)...))
	h.govern(t, "any", step(1, models.PolicyAnyOneApproves, 0, users(approvers...)...))
	allCB, anyCB := &recordingCallback{}, &recordingCallback{}
	all, err := h.c.Submit(context.Background(), "all", nil, allCB)
	require.NoError(t, err)
	anyOne, err := h.c.Submit(context.Background(), "any", nil, anyCB)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	anyApproved, anyStale := 0, 0
	for _, who := range approvers {
		wg.Add(2)
		go func(who string) {
			defer wg.Done()
			_, err := h.c.RecordDecision(context.Background(), all.RequestID, models.DecisionInput{Approver: who, Decision: models.DecisionApprove})
			assert.NoError(t, err)
		}(who)
		go func(who string) {
			defer wg.Done()
			res, err := h.c.RecordDecision(context.Background(), anyOne.RequestID, models.DecisionInput{Approver: who, Decision: models.DecisionApprove})
			mu.Lock()
			defer mu.Unlock()
			if err == nil && res.Status == models.StatusApproved {
				anyApproved++
			} else if wferrors.IsKind(err, wferrors.KindStaleRequest) {
				anyStale++
			}
		}(who)
	}
	wg.Wait()
	h.c.Wait()

	req := h.request(t, all.RequestID)
	assert.Equal(t, models.StatusApproved, req.Status)
	assert.Len(t, req.Decisions, len(approvers), "no decision is lost")
	_, committed, _ := allCB.counts()
	assert.Equal(t, 1, committed)

	assert.Equal(t, 1, anyApproved)
	assert.Equal(t, len(approvers)-1, anyStale)
	_, committed, _ = anyCB.counts()
	assert.Equal(t, 1, committed)
}

func TestConcurrentDecisions_AcrossExecutors(t *testing.T) {
	h := newHarness(t, nil)
	approvers := make([]string, 8)
	for i := range approvers {
		approvers[i] = fmt.Sprintf("u%d", i)
	}
	h.govern(t, "all", step(1, models.PolicyAllMustApprove, 0, users(approvers...)...))

	cb := &recordingCallback{}
	factories := map[string]core.CallbackFactory{
		AnyOperation: func(domain.Request) (core.Callback, error) { return cb, nil },
	}
	settings := testSettings()
	settings.PersistenceRetries = 50
	first := h.coordinator(nil, factories, settings)
	second := h.coordinator(nil, factories, settings)

	handle, err := first.Submit(context.Background(), "all", nil, cb)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i, who := range approvers {
		c := first
		if i%2 == 1 {
			c = second
		}
		wg.Add(1)
		go func(c *Coordinator, who string) {
			defer wg.Done()
			_, err := c.RecordDecision(context.Background(), handle.RequestID, models.DecisionInput{Approver: who, Decision: models.DecisionApprove})
			assert.NoError(t, err)
		}(c, who)
	}
	wg.Wait()
	first.Wait()
	second.Wait()

	req := h.request(t, handle.RequestID)
	assert.Equal(t, models.StatusApproved, req.Status)
	assert.Len(t, req.Decisions, len(approvers))
	_, committed, _ := cb.counts()
	assert.Equal(t, 1, committed)
}

func TestHeldCallbackReleasedWhenAnotherExecutorDispatches(t *testing.T) {
	h := newHarness(t, nil)
	h.govern(t, "user.delete", step(1, models.PolicyAnyOneApproves, 0, users("alice")...))

	remote := &recordingCallback{}
	other := h.coordinator(nil, map[string]core.CallbackFactory{
		AnyOperation: func(domain.Request) (core.Callback, error) { return remote, nil },
	}, testSettings())

	local := &recordingCallback{}
	handle, err := h.c.Submit(context.Background(), "user.delete", nil, local)
	require.NoError(t, err)

	_, err = other.RecordDecision(context.Background(), handle.RequestID, models.DecisionInput{Approver: "alice", Decision: models.DecisionApprove})
	require.NoError(t, err)
	other.Wait()

	assert.Equal(t, models.DispatchDispatched, h.request(t, handle.RequestID).DispatchStatus)
	_, committed, _ := remote.counts()
	assert.Equal(t, 1, committed)

	_, err = h.c.DispatchPending(context.Background())
	require.NoError(t, err)

	h.c.heldMu.Lock()
	assert.Empty(t, h.c.held)
	h.c.heldMu.Unlock()
	_, committed, aborted := local.counts()
	assert.Zero(t, committed+aborted)
}

func TestHeldCallbackReleasedWhenRequestIsGone(t *testing.T) {
	h := newHarness(t, nil)
	h.govern(t, "user.delete", step(1, models.PolicyAnyOneApproves, 0, users("alice")...))
	handle, err := h.c.Submit(context.Background(), "user.delete", nil, &recordingCallback{})
	require.NoError(t, err)

	h.store.mu.Lock()
	delete(h.store.requests, handle.RequestID)
	h.store.mu.Unlock()

	assert.Equal(t, 1, h.c.pruneHeld(context.Background()))
	h.c.heldMu.Lock()
	assert.Empty(t, h.c.held)
	h.c.heldMu.Unlock()
}

func TestPersistenceConflictIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.govern(t, "payment", step(1, models.PolicyAllMustApprove, 0, users("A", "B")...))
	handle, err := h.c.Submit(context.Background(), "payment", nil, &recordingCallback{})
	require.NoError(t, err)

	calls := 0
	h.store.ApplyTransitionFunc = func(domain.Transition) error {
		calls++
		if calls == 1 {
			return repository.ErrConflict
		}
		return nil
	}
	res := h.decide(t, handle.RequestID, "A", models.DecisionApprove)
	assert.Equal(t, models.OutcomeStillPending, res.Outcome)
	assert.Equal(t, 2, calls)
	assert.Len(t, h.request(t, handle.RequestID).Decisions, 1)
}

func TestPersistenceFailureSurfaces(t *testing.T) {
	h := newHarness(t, nil)
	h.govern(t, "payment", step(1, models.PolicyAllMustApprove, 0, users("A")...))
	cb := &recordingCallback{}
	handle, err := h.c.Submit(context.Background(), "payment", nil, cb)
	require.NoError(t, err)

	h.store.ApplyTransitionFunc = func(domain.Transition) error { return errors.New("disk full") }
	_, err = h.c.RecordDecision(context.Background(), handle.RequestID, models.DecisionInput{Approver: "A", Decision: models.DecisionApprove})
	require.Error(t, err)
	assert.True(t, wferrors.IsKind(err, wferrors.KindPersistence))

	req := h.request(t, handle.RequestID)
	assert.Equal(t, models.StatusPending, req.Status)
	assert.Empty(t, req.Decisions)
	_, committed, _ := cb.counts()
	assert.Zero(t, committed)
}

// backdate rewrites a stored request as if an executor died after writing it.
func (h *harness) backdate(id int64, mutate func(r *domain.Request)) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	r := h.store.requests[id]
	mutate(&r)
	h.store.requests[id] = r
}

func TestRecoveryReplayMatchesLiveEvaluation(t *testing.T) {
	steps := []domain.Step{
		step(1, models.PolicyQuorum, 2, users("A", "B", "C")...),
		step(2, models.PolicyAnyOneApproves, 0, users("D")...),
	}
	logged := []domain.DecisionRecord{
		{StepOrdinal: 1, Approver: "A", Decision: models.DecisionReject},
		{StepOrdinal: 1, Approver: "B", Decision: models.DecisionApprove},
		{StepOrdinal: 1, Approver: "A", Decision: models.DecisionApprove},
	}

	live := newHarness(t, nil)
	live.govern(t, "payment", steps...)
	liveHandle, err := live.c.Submit(context.Background(), "payment", nil, &recordingCallback{})
	require.NoError(t, err)
	var liveResult DecisionResult
	for _, d := range logged {
		res, err := live.c.RecordDecision(context.Background(), liveHandle.RequestID, models.DecisionInput{Approver: d.Approver, Decision: d.Decision})
		if err == nil {
			liveResult = res
		}
	}

	recovered := newHarness(t, nil)
	recovered.govern(t, "payment", steps...)
	handle, err := recovered.c.Submit(context.Background(), "payment", nil, &recordingCallback{})
	require.NoError(t, err)
	recovered.backdate(handle.RequestID, func(r *domain.Request) { r.Decisions = append(r.Decisions, logged...) })
	recovered.clock.Add(10 * time.Minute)

	n, err := recovered.c.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	req := recovered.request(t, handle.RequestID)
	liveReq := live.request(t, liveHandle.RequestID)
	assert.Equal(t, liveReq.Status, req.Status)
	assert.Equal(t, liveReq.CurrentStep, req.CurrentStep)
	assert.Equal(t, liveResult.CurrentStep, req.CurrentStep)
	assert.Equal(t, 2, req.CurrentStep)
	assert.Contains(t, recovered.store.actionTypes(handle.RequestID), domain.ActionRecovered)

	n, err = recovered.c.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "replay refreshes the request so the next sweep skips it")
}

func TestRecoveryPagesAndSkipsFreshRequests(t *testing.T) {
	h := newHarness(t, nil)
	h.govern(t, "payment", step(1, models.PolicyAllMustApprove, 0, users("A")...))
	for i := 0; i < 5; i++ {
		_, err := h.c.Submit(context.Background(), "payment", nil, &recordingCallback{})
		require.NoError(t, err)
	}

	n, err := h.c.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Add(6 * time.Minute)
	n, err = h.c.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n, "batches of two cover all five")
}

func TestRecoveryCompletesRequestAndDispatchesThroughFactory(t *testing.T) {
	h := newHarness(t, nil)
	h.govern(t, "payment", step(1, models.PolicyAllMustApprove, 0, users("A", "B")...))
	orphan := &recordingCallback{}
	handle, err := h.c.Submit(context.Background(), "payment", nil, orphan)
	require.NoError(t, err)
	h.backdate(handle.RequestID, func(r *domain.Request) {
		r.Decisions = []domain.DecisionRecord{
			{StepOrdinal: 1, Approver: "A", Decision: models.DecisionApprove},
			{StepOrdinal: 1, Approver: "B", Decision: models.DecisionApprove},
		}
	})
	h.clock.Add(10 * time.Minute)

	rebuilt := &recordingCallback{}
	restarted := h.coordinator(nil, map[string]core.CallbackFactory{
		"payment": func(req domain.Request) (core.Callback, error) {
			assert.Equal(t, handle.RequestID, req.ID)
			return rebuilt, nil
		},
	}, testSettings())

	n, err := restarted.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	restarted.Wait()

	assert.Equal(t, models.StatusApproved, h.request(t, handle.RequestID).Status)
	assert.Equal(t, models.DispatchDispatched, h.request(t, handle.RequestID).DispatchStatus)
	_, committed, _ := rebuilt.counts()
	assert.Equal(t, 1, committed)
	_, committed, _ = orphan.counts()
	assert.Zero(t, committed)
}

func TestDispatchRetriesThenGivesUp(t *testing.T) {
	h := newHarness(t, nil)
	h.govern(t, "payment", step(1, models.PolicyAnyOneApproves, 0, users("A")...))
	cb := &recordingCallback{commitErrs: []error{errDownstream, errDownstream, errDownstream}}
	handle, err := h.c.Submit(context.Background(), "payment", nil, cb)
	require.NoError(t, err)
	id := handle.RequestID

	h.decide(t, id, "A", models.DecisionApprove)
	h.c.Wait()
	req := h.request(t, id)
	assert.Equal(t, models.DispatchPending, req.DispatchStatus)
	assert.Equal(t, 1, req.DispatchAttempts)
	require.True(t, req.NextDispatch.Valid)
	assert.True(t, req.NextDispatch.Time.After(h.clock.Now()))

	n, err := h.c.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "not due before the retry interval")

	h.clock.Add(2 * time.Minute)
	n, err = h.c.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, h.request(t, id).DispatchAttempts)

	h.clock.Add(2 * time.Minute)
	_, err = h.c.DispatchPending(context.Background())
	require.NoError(t, err)
	req = h.request(t, id)
	assert.Equal(t, models.DispatchFailed, req.DispatchStatus)
	assert.Equal(t, 3, req.DispatchAttempts)
	assert.False(t, req.NextDispatch.Valid)

	h.clock.Add(time.Hour)
	n, err = h.c.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "failed dispatches are left to operators")
	_, committed, _ := cb.counts()
	assert.Equal(t, 3, committed)
	assert.Equal(t, models.StatusApproved, req.Status, "dispatch failures never change the decision")
}

func TestDispatchRecoversFromTransientFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.govern(t, "payment", step(1, models.PolicyAnyOneApproves, 0, users("A")...))
	cb := &recordingCallback{commitErrs: []error{errDownstream}}
	handle, err := h.c.Submit(context.Background(), "payment", nil, cb)
	require.NoError(t, err)

	h.decide(t, handle.RequestID, "A", models.DecisionApprove)
	h.c.Wait()
	h.clock.Add(time.Minute)
	_, err = h.c.DispatchPending(context.Background())
	require.NoError(t, err)

	req := h.request(t, handle.RequestID)
	assert.Equal(t, models.DispatchDispatched, req.DispatchStatus)
	assert.Equal(t, 2, req.DispatchAttempts)
	_, committed, _ := cb.counts()
	assert.Equal(t, 2, committed)
}

func TestDispatchWithoutCallbackIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.govern(t, "payment", step(1, models.PolicyAnyOneApproves, 0, users("A")...))
	handle, err := h.c.Submit(context.Background(), "payment", nil, &recordingCallback{})
	require.NoError(t, err)

	other := h.coordinator(nil, nil, testSettings())
	_, err = other.RecordDecision(context.Background(), handle.RequestID, models.DecisionInput{Approver: "A", Decision: models.DecisionApprove})
	require.NoError(t, err)
	other.Wait()

	req := h.request(t, handle.RequestID)
	assert.Equal(t, models.DispatchPending, req.DispatchStatus)
	assert.Equal(t, 1, req.DispatchAttempts)

	// the submitting process still holds the callback
	h.clock.Add(time.Minute)
	_, err = h.c.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.DispatchDispatched, h.request(t, handle.RequestID).DispatchStatus)
}

func TestDispatchRecoversPanickingCallback(t *testing.T) {
	h := newHarness(t, nil)
	h.govern(t, "payment", step(1, models.PolicyAnyOneApproves, 0, users("A")...))
	cb := core.CallbackFuncs{CommitFunc: func(context.Context) error { panic("boom") }}
	handle, err := h.c.Submit(context.Background(), "payment", nil, cb)
	require.NoError(t, err)

	h.decide(t, handle.RequestID, "A", models.DecisionApprove)
	h.c.Wait()
	req := h.request(t, handle.RequestID)
	assert.Equal(t, models.DispatchPending, req.DispatchStatus)
	assert.Contains(t, h.store.actionTypes(handle.RequestID), domain.ActionDispatchFailed)
}

func TestAbandonedDispatchIsReclaimed(t *testing.T) {
	h := newHarness(t, nil)
	h.govern(t, "payment", step(1, models.PolicyAnyOneApproves, 0, users("A")...))
	handle, err := h.c.Submit(context.Background(), "payment", nil, &recordingCallback{})
	require.NoError(t, err)
	h.backdate(handle.RequestID, func(r *domain.Request) {
		r.Status = models.StatusApproved
		r.DispatchStatus = models.DispatchDispatching
	})

	cb := &recordingCallback{}
	restarted := h.coordinator(nil, map[string]core.CallbackFactory{
		AnyOperation: func(domain.Request) (core.Callback, error) { return cb, nil },
	}, testSettings())

	n, err := restarted.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "a fresh claim belongs to a live dispatcher")

	h.clock.Add(6 * time.Minute)
	n, err = restarted.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.DispatchDispatched, h.request(t, handle.RequestID).DispatchStatus)
	_, committed, _ := cb.counts()
	assert.Equal(t, 1, committed)
}

func TestCleanupRetention(t *testing.T) {
	h := newHarness(t, nil)
	h.govern(t, "payment", step(1, models.PolicyAnyOneApproves, 0, users("A")...))
	done, err := h.c.Submit(context.Background(), "payment", nil, &recordingCallback{})
	require.NoError(t, err)
	open, err := h.c.Submit(context.Background(), "payment", nil, &recordingCallback{})
	require.NoError(t, err)
	h.decide(t, done.RequestID, "A", models.DecisionApprove)
	h.c.Wait()

	n, err := h.c.CleanupRetention(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Add(25 * time.Hour)
	n, err = h.c.CleanupRetention(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = h.c.GetRequestStatus(context.Background(), done.RequestID)
	assert.True(t, wferrors.IsKind(err, wferrors.KindNotFound))
	_, err = h.c.GetRequestStatus(context.Background(), open.RequestID)
	assert.NoError(t, err)
}

func TestStartEngineRegistersAndStops(t *testing.T) {
	h := newHarness(t, nil)
	settings := testSettings()
	settings.RecoveryInterval = 5 * time.Millisecond
	settings.DispatchInterval = 5 * time.Millisecond
	settings.RetentionSchedule = "@hourly"
	c := h.coordinator(nil, nil, settings)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.StartEngine(ctx) }()

	require.Eventually(t, func() bool {
		execs, err := c.ListExecutors(context.Background(), 10)
		return err == nil && len(execs) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestStartEngineRejectsBadSchedule(t *testing.T) {
	h := newHarness(t, nil)
	settings := testSettings()
	settings.RetentionSchedule = "every tuesday"
	c := h.coordinator(nil, nil, settings)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := c.StartEngine(ctx)
	assert.Error(t, err)
}

func TestDeferredDispatchWaitsForSweep(t *testing.T) {
	h := newHarness(t, nil)
	h.govern(t, "payment", step(1, models.PolicyAnyOneApproves, 0, users("A")...))
	cb := &recordingCallback{}
	handle, err := h.c.Submit(context.Background(), "payment", nil, cb)
	require.NoError(t, err)

	settings := testSettings()
	settings.DeferDispatch = true
	admin := h.coordinator(nil, nil, settings)
	_, err = admin.RecordDecision(context.Background(), handle.RequestID, models.DecisionInput{Approver: "A", Decision: models.DecisionApprove})
	require.NoError(t, err)
	admin.Wait()

	assert.Equal(t, models.DispatchPending, h.request(t, handle.RequestID).DispatchStatus)
	_, committed, _ := cb.counts()
	assert.Zero(t, committed)

	n, err := h.c.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, committed, _ = cb.counts()
	assert.Equal(t, 1, committed)
}
