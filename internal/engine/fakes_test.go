package engine

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/RealZimboGuy/approvalflow/internal/events"
	"github.com/RealZimboGuy/approvalflow/internal/repository"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/domain"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/models"
)

// memStore is an in-memory stand-in for all repositories. The Func hooks
// override single operations, mirroring the hand-written mocks used
// elsewhere in the tests.
type memStore struct {
	mu           sync.Mutex
	nextID       int64
	definitions  map[int64]domain.WorkflowDefinition
	associations []domain.Association
	requests     map[int64]domain.Request
	actions      []domain.RequestAction
	executors    []domain.Executor

	ApplyTransitionFunc func(t domain.Transition) error
	CreateFunc          func(req *domain.Request) error
}

func newMemStore() *memStore {
	return &memStore{
		definitions: map[int64]domain.WorkflowDefinition{},
		requests:    map[int64]domain.Request{},
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func copyRequest(r domain.Request) domain.Request {
	r.Decisions = append([]domain.DecisionRecord(nil), r.Decisions...)
	return r
}

// definitions

type memDefinitions struct{ *memStore }

func (m memDefinitions) Save(_ context.Context, def *domain.WorkflowDefinition) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def.ID = m.id()
	m.definitions[def.ID] = *def
	return def.ID, nil
}

func (m memDefinitions) FindByID(_ context.Context, id int64) (*domain.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.definitions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &def, nil
}

func (m memDefinitions) FindAll(_ context.Context) (*[]domain.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.WorkflowDefinition{}
	for _, d := range m.definitions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return &out, nil
}

func (m memDefinitions) Update(_ context.Context, def *domain.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.definitions[def.ID] = *def
	return nil
}

func (m memDefinitions) SetDeprecated(_ context.Context, id int64, deprecated bool, updated time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def := m.definitions[id]
	def.Deprecated = deprecated
	def.Updated = updated
	m.definitions[id] = def
	return nil
}

func (m memDefinitions) MarkReferenced(_ context.Context, id int64, updated time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def := m.definitions[id]
	def.Referenced = true
	def.Updated = updated
	m.definitions[id] = def
	return nil
}

func (m memDefinitions) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.definitions[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.definitions, id)
	return nil
}

// associations

type memAssociations struct{ *memStore }

func (m memAssociations) Save(_ context.Context, a *domain.Association) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.id()
	m.associations = append(m.associations, *a)
	return a.ID, nil
}

func (m memAssociations) FindByID(_ context.Context, id int64) (*domain.Association, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.associations {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m memAssociations) FindAll(_ context.Context) (*[]domain.Association, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]domain.Association{}, m.associations...)
	return &out, nil
}

func (m memAssociations) FindEnabledByOperationType(_ context.Context, operationType string) (*[]domain.Association, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Association{}
	for _, a := range m.associations {
		if a.Enabled && a.OperationType == operationType {
			out = append(out, a)
		}
	}
	return &out, nil
}

func (m memAssociations) CountByWorkflowID(_ context.Context, workflowID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.associations {
		if a.WorkflowID == workflowID {
			n++
		}
	}
	return n, nil
}

func (m memAssociations) SetEnabled(_ context.Context, id int64, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.associations {
		if m.associations[i].ID == id {
			m.associations[i].Enabled = enabled
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m memAssociations) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.associations {
		if m.associations[i].ID == id {
			m.associations = append(m.associations[:i], m.associations[i+1:]...)
			return nil
		}
	}
	return sql.ErrNoRows
}

// requests

type memRequests struct{ *memStore }

func (m memRequests) Create(_ context.Context, req *domain.Request, action domain.RequestAction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateFunc != nil {
		if err := m.CreateFunc(req); err != nil {
			return 0, err
		}
	}
	req.ID = m.id()
	if req.Version == 0 {
		req.Version = 1
	}
	m.requests[req.ID] = copyRequest(*req)
	action.RequestID = req.ID
	m.actions = append(m.actions, action)
	return req.ID, nil
}

func (m memRequests) FindByID(_ context.Context, id int64) (*domain.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := copyRequest(r)
	return &out, nil
}

func (m memRequests) FindByExternalID(_ context.Context, externalID string) (*domain.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.ExternalID == externalID {
			out := copyRequest(r)
			return &out, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m memRequests) ApplyTransition(_ context.Context, t domain.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ApplyTransitionFunc != nil {
		if err := m.ApplyTransitionFunc(t); err != nil {
			return err
		}
	}
	r, ok := m.requests[t.RequestID]
	if !ok || r.Version != t.ExpectedVersion {
		return repository.ErrConflict
	}
	r.CurrentStep = t.CurrentStep
	r.Status = t.Status
	r.AbortReason = t.AbortReason
	r.DispatchStatus = t.DispatchStatus
	r.Modified = t.Modified
	r.Version++
	if t.Decision != nil {
		replaced := false
		for i, d := range r.Decisions {
			if d.StepOrdinal == t.Decision.StepOrdinal && d.Approver == t.Decision.Approver {
				r.Decisions[i].Decision = t.Decision.Decision
				r.Decisions[i].DateTime = t.Decision.DateTime
				replaced = true
			}
		}
		if !replaced {
			d := *t.Decision
			d.ID = m.id()
			r.Decisions = append(r.Decisions, d)
		}
	}
	m.requests[t.RequestID] = r
	for _, a := range t.Actions {
		a.RequestID = t.RequestID
		m.actions = append(m.actions, a)
	}
	return nil
}

func (m memRequests) ClaimDispatch(_ context.Context, id int64, expectedVersion int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.Version != expectedVersion ||
		(r.DispatchStatus != models.DispatchPending && r.DispatchStatus != models.DispatchDispatching) {
		return repository.ErrConflict
	}
	r.DispatchStatus = models.DispatchDispatching
	r.Modified = now
	r.Version++
	m.requests[id] = r
	return nil
}

func (m memRequests) CompleteDispatch(ctx context.Context, id int64, attempts int, now time.Time, action domain.RequestAction) error {
	return m.RescheduleDispatch(ctx, id, models.DispatchDispatched, attempts, sql.NullTime{}, now, action)
}

func (m memRequests) RescheduleDispatch(_ context.Context, id int64, status models.DispatchStatus, attempts int, next sql.NullTime, now time.Time, action domain.RequestAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.DispatchStatus != models.DispatchDispatching {
		return repository.ErrConflict
	}
	r.DispatchStatus = status
	r.DispatchAttempts = attempts
	r.NextDispatch = next
	r.Modified = now
	r.Version++
	m.requests[id] = r
	action.RequestID = id
	m.actions = append(m.actions, action)
	return nil
}

func (m memRequests) FindStalePending(_ context.Context, executorGroup string, before time.Time, afterID int64, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, r := range m.requests {
		if r.Status == models.StatusPending && r.ExecutorGroup == executorGroup && r.Modified.Before(before) && id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m memRequests) FindDispatchable(_ context.Context, executorGroup string, now time.Time, staleBefore time.Time, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, r := range m.requests {
		if r.ExecutorGroup != executorGroup {
			continue
		}
		due := r.DispatchStatus == models.DispatchPending && (!r.NextDispatch.Valid || !r.NextDispatch.Time.After(now))
		abandoned := r.DispatchStatus == models.DispatchDispatching && r.Modified.Before(staleBefore)
		if due || abandoned {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m memRequests) CountActiveByWorkflowID(_ context.Context, workflowID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.WorkflowID == workflowID && r.Status == models.StatusPending {
			n++
		}
	}
	return n, nil
}

func (m memRequests) DeleteTerminalBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.requests {
		if r.Status.IsTerminal() && r.DispatchStatus == models.DispatchDispatched && r.Modified.Before(before) {
			delete(m.requests, id)
			n++
		}
	}
	return n, nil
}

// actions and executors

type memActions struct{ *memStore }

func (m memActions) Save(_ context.Context, a *domain.RequestAction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = m.id()
	m.actions = append(m.actions, *a)
	return a.ID, nil
}

func (m memActions) FindAllByRequestID(_ context.Context, requestID int64) (*[]domain.RequestAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.RequestAction{}
	for i := len(m.actions) - 1; i >= 0; i-- {
		if m.actions[i].RequestID == requestID {
			out = append(out, m.actions[i])
		}
	}
	return &out, nil
}

func (m *memStore) actionTypes(requestID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, a := range m.actions {
		if a.RequestID == requestID {
			out = append(out, a.Type)
		}
	}
	return out
}

type memExecutors struct{ *memStore }

func (m memExecutors) Save(_ context.Context, e *domain.Executor) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = m.id()
	m.executors = append(m.executors, *e)
	return e.ID, nil
}

func (m memExecutors) UpdateLastActive(_ context.Context, id int64, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.executors {
		if m.executors[i].ID == id {
			m.executors[i].LastActive = ts
		}
	}
	return nil
}

func (m memExecutors) GetExecutorsByLastActive(_ context.Context, limit int) ([]*domain.Executor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Executor
	for i := range m.executors {
		e := m.executors[i]
		out = append(out, &e)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []events.RequestEvent
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, evt events.RequestEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}
