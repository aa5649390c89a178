package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/RealZimboGuy/approvalflow/internal/condition"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/core"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/domain"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/models"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/wferrors"
)

// Resolver decides which workflow, if any, governs an operation, and keeps
// the associations that drive that decision.
type Resolver struct {
	associations AssociationRepo
	definitions  DefinitionRepo
	clock        core.Clock
}

func NewResolver(associations AssociationRepo, definitions DefinitionRepo, clock core.Clock) *Resolver {
	return &Resolver{associations: associations, definitions: definitions, clock: clock}
}

// Resolve returns the workflow of the first enabled association, in creation
// order, whose condition holds for parameters. A nil definition means the
// operation is not governed. Broken conditions count as non-matching.
func (r *Resolver) Resolve(ctx context.Context, operationType string, parameters map[string]any) (*domain.WorkflowDefinition, *domain.Association, error) {
	candidates, err := r.associations.FindEnabledByOperationType(ctx, operationType)
	if err != nil {
		return nil, nil, wferrors.ListAssociations.Wrap(err)
	}
	for _, a := range *candidates {
		if !r.matches(ctx, a, parameters) {
			continue
		}
		def, err := r.definitions.FindByID(ctx, a.WorkflowID)
		if errors.Is(err, sql.ErrNoRows) {
			slog.WarnContext(ctx, "Association points at a missing workflow, skipping", "association_id", a.ID, "workflow_id", a.WorkflowID)
			continue
		}
		if err != nil {
			return nil, nil, wferrors.RetrieveWorkflow.Wrap(err, a.WorkflowID)
		}
		a := a
		slog.DebugContext(ctx, "Resolved workflow", "operation", operationType, "association_id", a.ID, "workflow_id", def.ID)
		return def, &a, nil
	}
	return nil, nil, nil
}

func (r *Resolver) matches(ctx context.Context, a domain.Association, parameters map[string]any) bool {
	expr, err := condition.Parse(a.Condition)
	if err != nil {
		slog.WarnContext(ctx, "Unparsable association condition treated as non-matching", "association_id", a.ID, "error", err)
		return false
	}
	ok, err := condition.Evaluate(expr, parameters)
	if err != nil {
		slog.WarnContext(ctx, "Association condition failed, treated as non-matching", "association_id", a.ID, "error", err)
		return false
	}
	return ok
}

func (r *Resolver) CreateAssociation(ctx context.Context, in models.CreateAssociationRequest) (*domain.Association, error) {
	if err := validate.StructCtx(ctx, in); err != nil {
		return nil, wferrors.AddAssociationInvalid.Wrap(err, in.Name, validationReason(err))
	}
	if _, err := condition.Parse(in.Condition); err != nil {
		return nil, wferrors.AddAssociationInvalid.Wrap(err, in.Name, "invalid condition: "+err.Error())
	}
	def, err := r.definitions.FindByID(ctx, in.WorkflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wferrors.AddAssociationInvalid.Wrap(err, in.Name, "unknown workflow")
	}
	if err != nil {
		return nil, wferrors.AddAssociation.Wrap(err, in.Name)
	}
	if def.Deprecated {
		return nil, wferrors.AddAssociationInvalid.New(in.Name, "workflow is deprecated")
	}

	if !def.Referenced {
		if err := r.definitions.MarkReferenced(ctx, def.ID, r.clock.Now()); err != nil {
			return nil, wferrors.AddAssociation.Wrap(err, in.Name)
		}
	}

	a := &domain.Association{
		Name:          in.Name,
		WorkflowID:    in.WorkflowID,
		OperationType: in.OperationType,
		Condition:     in.Condition,
		Enabled:       in.Enabled,
		Created:       r.clock.Now(),
	}
	if _, err := r.associations.Save(ctx, a); err != nil {
		return nil, wferrors.AddAssociation.Wrap(err, in.Name)
	}
	slog.InfoContext(ctx, "Created association", "association_id", a.ID, "workflow_id", a.WorkflowID, "operation", a.OperationType)
	return a, nil
}

func (r *Resolver) GetAssociation(ctx context.Context, id int64) (*domain.Association, error) {
	a, err := r.associations.FindByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wferrors.AssociationNotFound.Wrap(err, id)
	}
	if err != nil {
		return nil, wferrors.RetrieveAssociation.Wrap(err, id)
	}
	return a, nil
}

func (r *Resolver) ListAssociations(ctx context.Context) ([]domain.Association, error) {
	list, err := r.associations.FindAll(ctx)
	if err != nil {
		return nil, wferrors.ListAssociations.Wrap(err)
	}
	return *list, nil
}

// SetAssociationEnabled switches an association on or off. Enabling one that
// points at a deprecated workflow is allowed; deprecation only blocks new
// associations.
func (r *Resolver) SetAssociationEnabled(ctx context.Context, id int64, enabled bool) error {
	if _, err := r.GetAssociation(ctx, id); err != nil {
		return err
	}
	if err := r.associations.SetEnabled(ctx, id, enabled); err != nil {
		return wferrors.UpdateAssociation.Wrap(err, id)
	}
	return nil
}

func (r *Resolver) DeleteAssociation(ctx context.Context, id int64) error {
	err := r.associations.Delete(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return wferrors.AssociationNotFound.Wrap(err, id)
	}
	if err != nil {
		return wferrors.RemoveAssociation.Wrap(err, id)
	}
	return nil
}
