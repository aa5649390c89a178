package models

// RequestStatus is the lifecycle status of an approval request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "PENDING"
	StatusApproved RequestStatus = "APPROVED"
	StatusRejected RequestStatus = "REJECTED"
	StatusAborted  RequestStatus = "ABORTED"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusAborted
}

type PolicyType string

const (
	PolicyAllMustApprove PolicyType = "ALL_MUST_APPROVE"
	PolicyAnyOneApproves PolicyType = "ANY_ONE_APPROVES"
	PolicyQuorum         PolicyType = "QUORUM"
)

type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// StepOutcome is the result of evaluating a step against its decision log.
type StepOutcome string

const (
	OutcomeStillPending  StepOutcome = "STILL_PENDING"
	OutcomeStepSatisfied StepOutcome = "STEP_SATISFIED"
	OutcomeStepRejected  StepOutcome = "STEP_REJECTED"
)

// DispatchStatus tracks delivery of the terminal callback of a request.
//
//	NONE -> PENDING (set together with the terminal status)
//	PENDING -> DISPATCHING (claimed by an executor) -> DISPATCHED | PENDING (retry) | FAILED
type DispatchStatus string

const (
	DispatchNone        DispatchStatus = "NONE"
	DispatchPending     DispatchStatus = "PENDING"
	DispatchDispatching DispatchStatus = "DISPATCHING"
	DispatchDispatched  DispatchStatus = "DISPATCHED"
	DispatchFailed      DispatchStatus = "FAILED"
)

type PrincipalType string

const (
	PrincipalUser  PrincipalType = "USER"
	PrincipalGroup PrincipalType = "GROUP"
)
