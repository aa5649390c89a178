package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RealZimboGuy/approvalflow/internal/locking"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/core"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/domain"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/models"
	"github.com/RealZimboGuy/approvalflow/test/integration"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func testSettings() Settings {
	return Settings{
		ExecutorName:  "test",
		ExecutorGroup: "default",
		BatchSize:     2,
		StaleAfter:    5 * time.Minute,
		DispatchRetry: models.RetryConfig{
			MaxRetryCount:    3,
			RetryIntervalMin: time.Second,
			RetryIntervalMax: time.Minute,
		},
		PersistenceRetries:      3,
		PersistenceRetryInitial: time.Millisecond,
		RetentionAge:            24 * time.Hour,
	}
}

type harness struct {
	store *memStore
	clock *integration.FakeClock
	pub   *recordingPublisher
	c     *Coordinator
}

func newHarness(t *testing.T, directory core.StaticDirectory) *harness {
	t.Helper()
	h := &harness{store: newMemStore(), clock: integration.NewFakeClock(epoch), pub: &recordingPublisher{}}
	h.c = h.coordinator(directory, nil, testSettings())
	t.Cleanup(h.c.Wait)
	return h
}

// coordinator builds another coordinator over the same store, as a second
// executor or a restarted process would see it.
func (h *harness) coordinator(directory core.StaticDirectory, factories map[string]core.CallbackFactory, settings Settings) *Coordinator {
	return NewCoordinator(Dependencies{
		Definitions:  memDefinitions{h.store},
		Associations: memAssociations{h.store},
		Requests:     memRequests{h.store},
		Actions:      memActions{h.store},
		Executors:    memExecutors{h.store},
		Locker:       locking.NewLocalLocker(),
		Directory:    directory,
		Publisher:    h.pub,
		Clock:        h.clock,
		Callbacks:    factories,
	}, settings)
}

func users(ids ...string) []domain.Principal {
	out := make([]domain.Principal, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Principal{Type: models.PrincipalUser, ID: id})
	}
	return out
}

func step(ordinal int, policy models.PolicyType, quorum int, approvers ...domain.Principal) domain.Step {
	return domain.Step{Ordinal: ordinal, Approvers: approvers, Policy: domain.Policy{Type: policy, Quorum: quorum}}
}

// govern defines a workflow and binds it to operation without a condition.
func (h *harness) govern(t *testing.T, operation string, steps ...domain.Step) *domain.WorkflowDefinition {
	t.Helper()
	ctx := context.Background()
	def, err := h.c.Definitions.Define(ctx, operation+" approval", "", steps)
	require.NoError(t, err)
	_, err = h.c.Resolver.CreateAssociation(ctx, models.CreateAssociationRequest{
		Name: operation, WorkflowID: def.ID, OperationType: operation, Enabled: true,
	})
	require.NoError(t, err)
	return def
}

func (h *harness) request(t *testing.T, id int64) domain.Request {
	t.Helper()
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	req, ok := h.store.requests[id]
	require.True(t, ok, "request %d missing", id)
	return copyRequest(req)
}

func (h *harness) decide(t *testing.T, id int64, approver string, decision models.Decision) DecisionResult {
	t.Helper()
	res, err := h.c.RecordDecision(context.Background(), id, models.DecisionInput{Approver: approver, Decision: decision})
	require.NoError(t, err)
	return res
}

// recordingCallback counts calls; commitErrs fail the first commits in order.
type recordingCallback struct {
	mu         sync.Mutex
	proceeded  int
	committed  int
	aborted    int
	reason     string
	commitErrs []error
}

func (r *recordingCallback) Proceed(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proceeded++
	return nil
}

func (r *recordingCallback) Commit(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed++
	if len(r.commitErrs) > 0 {
		err := r.commitErrs[0]
		r.commitErrs = r.commitErrs[1:]
		return err
	}
	return nil
}

func (r *recordingCallback) Abort(_ context.Context, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted++
	r.reason = reason
	return nil
}

func (r *recordingCallback) counts() (proceeded, committed, aborted int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proceeded, r.committed, r.aborted
}

var errDownstream = errors.New("downstream unavailable")
