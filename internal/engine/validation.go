package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/domain"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// validationReason flattens validator output into one line.
func validationReason(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

// checkSteps enforces what struct tags cannot: ordinals dense and unique
// from 1, no repeated principal in a step and a reachable quorum. It returns
// the steps ordered by ordinal.
func checkSteps(steps []domain.Step) ([]domain.Step, error) {
	if len(steps) == 0 {
		return nil, errors.New("a workflow needs at least one step")
	}
	ordered := make([]domain.Step, len(steps))
	seen := make([]bool, len(steps)+1)
	for _, s := range steps {
		if s.Ordinal < 1 || s.Ordinal > len(steps) {
			return nil, fmt.Errorf("step ordinals must be dense from 1 to %d, got %d", len(steps), s.Ordinal)
		}
		if seen[s.Ordinal] {
			return nil, fmt.Errorf("step ordinal %d is used twice", s.Ordinal)
		}
		seen[s.Ordinal] = true
		ordered[s.Ordinal-1] = s
	}

	for _, s := range ordered {
		if len(s.Approvers) == 0 {
			return nil, fmt.Errorf("step %d has no approvers", s.Ordinal)
		}
		principals := make(map[domain.Principal]struct{}, len(s.Approvers))
		onlyUsers := true
		for _, p := range s.Approvers {
			if _, dup := principals[p]; dup {
				return nil, fmt.Errorf("step %d lists %s %s twice", s.Ordinal, p.Type, p.ID)
			}
			principals[p] = struct{}{}
			if p.Type == models.PrincipalGroup {
				onlyUsers = false
			}
		}
		if s.Policy.Type == models.PolicyQuorum {
			if s.Policy.Quorum < 1 {
				return nil, fmt.Errorf("step %d quorum must be at least 1", s.Ordinal)
			}
			// groups are expanded per request, the upper bound is checked then
			if onlyUsers && s.Policy.Quorum > len(s.Approvers) {
				return nil, fmt.Errorf("step %d quorum %d exceeds its %d approvers", s.Ordinal, s.Policy.Quorum, len(s.Approvers))
			}
		}
	}
	return ordered, nil
}

func sameSteps(a, b []domain.Step) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Ordinal != b[i].Ordinal || a[i].Policy != b[i].Policy || len(a[i].Approvers) != len(b[i].Approvers) {
			return false
		}
		for j := range a[i].Approvers {
			if a[i].Approvers[j] != b[i].Approvers[j] {
				return false
			}
		}
	}
	return true
}
