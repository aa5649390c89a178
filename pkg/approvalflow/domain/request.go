package domain

import (
	"database/sql"
	"time"

	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/models"
)

// Request is one guarded operation travelling through a workflow.
type Request struct {
	ID            int64
	ExternalID    string
	WorkflowID    int64
	AssociationID int64
	OperationType string
	Parameters    map[string]any
	// StepMembers holds the user ids allowed to decide each step, expanded
	// from the step's principals when the request was created.
	StepMembers      map[int][]string
	CurrentStep      int
	Status           models.RequestStatus
	AbortReason      string
	Decisions        []DecisionRecord
	DispatchStatus   models.DispatchStatus
	DispatchAttempts int
	NextDispatch     sql.NullTime
	ExecutorGroup    string
	Version          int
	Created          time.Time
	Modified         time.Time
}

type DecisionRecord struct {
	ID          int64           `json:"id"`
	RequestID   int64           `json:"requestId"`
	StepOrdinal int             `json:"step"`
	Approver    string          `json:"approver"`
	Decision    models.Decision `json:"decision"`
	DateTime    time.Time       `json:"dateTime"`
}

// StepDecisions returns the log entries recorded for one step, in log order.
func (r *Request) StepDecisions(ordinal int) []DecisionRecord {
	out := make([]DecisionRecord, 0, len(r.Decisions))
	for _, d := range r.Decisions {
		if d.StepOrdinal == ordinal {
			out = append(out, d)
		}
	}
	return out
}

// IsMember reports whether approver may decide the given step.
func (r *Request) IsMember(ordinal int, approver string) bool {
	for _, m := range r.StepMembers[ordinal] {
		if m == approver {
			return true
		}
	}
	return false
}

// Transition is the unit of persisted mutation for a request: the decision
// (if any), the new step/status and the dispatch marker are written together.
type Transition struct {
	RequestID       int64
	ExpectedVersion int
	Decision        *DecisionRecord
	CurrentStep     int
	Status          models.RequestStatus
	AbortReason     string
	DispatchStatus  models.DispatchStatus
	Actions         []RequestAction
	Modified        time.Time
}
