package models

// CreateAssociationRequest binds a workflow to a guarded operation type.
// Condition is a JSON encoded expression tree; empty means "always".
type CreateAssociationRequest struct {
	Name          string `json:"name" yaml:"name" validate:"required,max=255"`
	WorkflowID    int64  `json:"workflowId" yaml:"workflowId" validate:"required,gt=0"`
	OperationType string `json:"operation" yaml:"operation" validate:"required,max=255"`
	Condition     string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Enabled       bool   `json:"isEnabled" yaml:"isEnabled"`
}

// DecisionInput is one approver action against a request. Step 0 targets
// whatever step the request is currently on.
type DecisionInput struct {
	Approver string   `json:"approver" validate:"required"`
	Decision Decision `json:"decision" validate:"required,oneof=APPROVE REJECT"`
	Step     int      `json:"step,omitempty" validate:"min=0"`
}
