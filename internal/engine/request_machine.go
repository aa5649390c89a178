package engine

import (
	"log/slog"
	"strconv"

	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/domain"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/models"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/wferrors"
)

// allowedTransitions lists every status change the machine may perform.
// Terminal statuses have no entry.
var allowedTransitions = map[models.RequestStatus][]models.RequestStatus{
	models.StatusPending: {models.StatusPending, models.StatusApproved, models.StatusRejected, models.StatusAborted},
}

func canTransition(from, to models.RequestStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ApplyOutcome maps a step outcome onto the next request state. Reaching a
// terminal status arms the dispatch marker in the same transition.
func ApplyOutcome(req *domain.Request, finalStep int, outcome models.StepOutcome) (domain.Transition, error) {
	next := domain.Transition{
		RequestID:       req.ID,
		ExpectedVersion: req.Version,
		CurrentStep:     req.CurrentStep,
		Status:          req.Status,
		AbortReason:     req.AbortReason,
		DispatchStatus:  req.DispatchStatus,
	}
	switch outcome {
	case models.OutcomeStepSatisfied:
		if req.CurrentStep >= finalStep {
			next.Status = models.StatusApproved
		} else {
			next.CurrentStep = req.CurrentStep + 1
		}
	case models.OutcomeStepRejected:
		next.Status = models.StatusRejected
		next.AbortReason = "rejected at step " + strconv.Itoa(req.CurrentStep)
	}
	return finish(req, next, string(outcome))
}

// Cancel aborts a pending request.
func Cancel(req *domain.Request, reason string) (domain.Transition, error) {
	next := domain.Transition{
		RequestID:       req.ID,
		ExpectedVersion: req.Version,
		CurrentStep:     req.CurrentStep,
		Status:          models.StatusAborted,
		AbortReason:     reason,
		DispatchStatus:  req.DispatchStatus,
	}
	return finish(req, next, "cancel")
}

func finish(req *domain.Request, next domain.Transition, action string) (domain.Transition, error) {
	if !canTransition(req.Status, next.Status) {
		err := wferrors.InvalidTransition.New(req.ID, req.Status, action)
		slog.Error("Rejected transition of request", "request_id", req.ID, "status", req.Status, "action", action, "error", err)
		return domain.Transition{}, err
	}
	if next.Status.IsTerminal() {
		next.DispatchStatus = models.DispatchPending
	}
	return next, nil
}
