package engine

import (
	"fmt"
	"time"

	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/domain"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/models"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/wferrors"
)

// Evaluate computes the outcome of one step from its members, its policy and
// the decisions recorded for it. Only the last decision of each member
// counts; decisions from anyone else are ignored. It is the single source of
// truth for live decisions and for recovery replay.
func Evaluate(policy domain.Policy, members []string, decisions []domain.DecisionRecord) models.StepOutcome {
	memberSet := make(map[string]struct{}, len(members))
	for _, m := range members {
		memberSet[m] = struct{}{}
	}
	latest := make(map[string]models.Decision, len(memberSet))
	for _, d := range decisions {
		if _, ok := memberSet[d.Approver]; ok {
			latest[d.Approver] = d.Decision
		}
	}

	var approvals, rejections int
	for _, d := range latest {
		switch d {
		case models.DecisionApprove:
			approvals++
		case models.DecisionReject:
			rejections++
		}
	}
	total := len(memberSet)
	if total == 0 {
		return models.OutcomeStillPending
	}

	switch policy.Type {
	case models.PolicyAllMustApprove:
		if rejections > 0 {
			return models.OutcomeStepRejected
		}
		if approvals == total {
			return models.OutcomeStepSatisfied
		}
	case models.PolicyAnyOneApproves:
		if approvals > 0 {
			return models.OutcomeStepSatisfied
		}
		if rejections == total {
			return models.OutcomeStepRejected
		}
	case models.PolicyQuorum:
		if approvals >= policy.Quorum {
			return models.OutcomeStepSatisfied
		}
		undecided := total - approvals - rejections
		if approvals+undecided < policy.Quorum {
			return models.OutcomeStepRejected
		}
	}
	return models.OutcomeStillPending
}

// RecordDecision checks one approver action against req and returns the
// resulting step outcome with the log entry to persist. req is not modified.
func RecordDecision(def *domain.WorkflowDefinition, req *domain.Request, in models.DecisionInput, now time.Time) (models.StepOutcome, *domain.DecisionRecord, error) {
	if !in.Decision.Valid() {
		return "", nil, wferrors.InvalidDecision.New(fmt.Sprintf("unknown decision %q", in.Decision))
	}
	if req.Status != models.StatusPending {
		return "", nil, wferrors.StaleRequest.New(in.Approver, req.ID, "request is already "+string(req.Status))
	}
	current := req.CurrentStep
	if in.Step != 0 && in.Step != current {
		return "", nil, wferrors.StaleRequest.New(in.Approver, req.ID,
			fmt.Sprintf("decision targets step %d but the request is on step %d", in.Step, current))
	}
	if !req.IsMember(current, in.Approver) {
		if other := memberOfOtherStep(req, in.Approver); other != 0 {
			return "", nil, wferrors.StaleRequest.New(in.Approver, req.ID,
				fmt.Sprintf("approver acts on step %d but the request is on step %d", other, current))
		}
		return "", nil, wferrors.UnauthorizedApprover.New(in.Approver, current, req.ID)
	}
	step, ok := def.Step(current)
	if !ok {
		return "", nil, wferrors.InvalidTransition.New(req.ID, req.Status, fmt.Sprintf("evaluate missing step %d", current))
	}

	record := &domain.DecisionRecord{
		RequestID:   req.ID,
		StepOrdinal: current,
		Approver:    in.Approver,
		Decision:    in.Decision,
		DateTime:    now,
	}
	decisions := append(req.StepDecisions(current), *record)
	return Evaluate(step.Policy, req.StepMembers[current], decisions), record, nil
}

// memberOfOtherStep returns the nearest step other than the current one the
// approver belongs to, or 0.
func memberOfOtherStep(req *domain.Request, approver string) int {
	found := 0
	for ordinal := range req.StepMembers {
		if ordinal == req.CurrentStep || !req.IsMember(ordinal, approver) {
			continue
		}
		if found == 0 || abs(ordinal-req.CurrentStep) < abs(found-req.CurrentStep) {
			found = ordinal
		}
	}
	return found
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
