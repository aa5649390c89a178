package domain

import "time"

const (
	ActionCreated        = "CREATED"
	ActionDecision       = "DECISION"
	ActionStaleDecision  = "STALE_DECISION"
	ActionAdvanced       = "ADVANCED"
	ActionApproved       = "APPROVED"
	ActionRejected       = "REJECTED"
	ActionAborted        = "ABORTED"
	ActionDispatched     = "DISPATCHED"
	ActionDispatchFailed = "DISPATCH_FAILED"
	ActionRecovered      = "RECOVERED"
)

// RequestAction is one audit trail row for a request.
type RequestAction struct {
	ID         int64     // BIGSERIAL
	RequestID  int64     // BIGINT (foreign key)
	ExecutorID int64     // BIGINT (foreign key to executors.id)
	Type       string    // TEXT
	Name       string    // TEXT
	Text       string    // TEXT
	DateTime   time.Time // TIMESTAMP
}
