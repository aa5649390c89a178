package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/domain"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/models"
)

// DefinitionRepo defines the interface for workflow definition persistence, matching repository.DefinitionRepository.
type DefinitionRepo interface {
	Save(ctx context.Context, def *domain.WorkflowDefinition) (int64, error)
	FindByID(ctx context.Context, id int64) (*domain.WorkflowDefinition, error)
	FindAll(ctx context.Context) (*[]domain.WorkflowDefinition, error)
	Update(ctx context.Context, def *domain.WorkflowDefinition) error
	SetDeprecated(ctx context.Context, id int64, deprecated bool, updated time.Time) error
	MarkReferenced(ctx context.Context, id int64, updated time.Time) error
	Delete(ctx context.Context, id int64) error
}

// AssociationRepo defines the interface for association persistence.
type AssociationRepo interface {
	Save(ctx context.Context, a *domain.Association) (int64, error)
	FindByID(ctx context.Context, id int64) (*domain.Association, error)
	FindAll(ctx context.Context) (*[]domain.Association, error)
	FindEnabledByOperationType(ctx context.Context, operationType string) (*[]domain.Association, error)
	CountByWorkflowID(ctx context.Context, workflowID int64) (int, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	Delete(ctx context.Context, id int64) error
}

// RequestRepo defines the interface for request persistence. Mutations other
// than Create are versioned and fail with repository.ErrConflict when lost.
type RequestRepo interface {
	Create(ctx context.Context, req *domain.Request, action domain.RequestAction) (int64, error)
	FindByID(ctx context.Context, id int64) (*domain.Request, error)
	FindByExternalID(ctx context.Context, externalID string) (*domain.Request, error)
	ApplyTransition(ctx context.Context, t domain.Transition) error
	ClaimDispatch(ctx context.Context, id int64, expectedVersion int, now time.Time) error
	CompleteDispatch(ctx context.Context, id int64, attempts int, now time.Time, action domain.RequestAction) error
	RescheduleDispatch(ctx context.Context, id int64, status models.DispatchStatus, attempts int, next sql.NullTime, now time.Time, action domain.RequestAction) error
	FindStalePending(ctx context.Context, executorGroup string, before time.Time, afterID int64, limit int) ([]int64, error)
	FindDispatchable(ctx context.Context, executorGroup string, now time.Time, staleBefore time.Time, limit int) ([]int64, error)
	CountActiveByWorkflowID(ctx context.Context, workflowID int64) (int, error)
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}

// RequestActionRepo defines the interface for the request audit trail.
type RequestActionRepo interface {
	Save(ctx context.Context, a *domain.RequestAction) (int64, error)
	FindAllByRequestID(ctx context.Context, requestID int64) (*[]domain.RequestAction, error)
}

// ExecutorRepo defines the interface for executor persistence.
type ExecutorRepo interface {
	Save(ctx context.Context, e *domain.Executor) (int64, error)
	UpdateLastActive(ctx context.Context, id int64, ts time.Time) error
	GetExecutorsByLastActive(ctx context.Context, limit int) ([]*domain.Executor, error)
}
