package domain

import "time"

type Association struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	WorkflowID    int64     `json:"workflowId"`
	OperationType string    `json:"operation"`
	Condition     string    `json:"condition,omitempty"` // JSON expression tree
	Enabled       bool      `json:"isEnabled"`
	Created       time.Time `json:"created"`
}
