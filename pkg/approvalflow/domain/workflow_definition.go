package domain

import (
	"time"

	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/models"
)

// Principal is a user or a group allowed to act on a step.
type Principal struct {
	Type models.PrincipalType `json:"type" yaml:"type" validate:"required,oneof=USER GROUP"`
	ID   string               `json:"id" yaml:"id" validate:"required"`
}

type Policy struct {
	Type   models.PolicyType `json:"type" yaml:"type" validate:"required,oneof=ALL_MUST_APPROVE ANY_ONE_APPROVES QUORUM"`
	Quorum int               `json:"quorum,omitempty" yaml:"quorum,omitempty" validate:"min=0"`
}

type Step struct {
	Ordinal   int         `json:"ordinal" yaml:"ordinal" validate:"min=1"`
	Approvers []Principal `json:"approvers" yaml:"approvers" validate:"required,min=1,dive"`
	Policy    Policy      `json:"policy" yaml:"policy"`
}

type WorkflowDefinition struct {
	ID          int64  `json:"id" yaml:"-"`
	Name        string `json:"name" yaml:"name" validate:"required,max=255"`
	Description string `json:"description" yaml:"description" validate:"max=1024"`
	Steps       []Step `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
	Deprecated  bool   `json:"deprecated" yaml:"-"`
	// Referenced is set once an association binds the definition and never
	// cleared; from then on the steps are frozen.
	Referenced bool      `json:"referenced" yaml:"-"`
	Created    time.Time `json:"created" yaml:"-"`
	Updated    time.Time `json:"updated" yaml:"-"`
}

// Step returns the step with the given ordinal.
func (d *WorkflowDefinition) Step(ordinal int) (Step, bool) {
	for _, s := range d.Steps {
		if s.Ordinal == ordinal {
			return s, true
		}
	}
	return Step{}, false
}

// FinalOrdinal is the ordinal of the last step; ordinals are dense from 1.
func (d *WorkflowDefinition) FinalOrdinal() int {
	return len(d.Steps)
}
