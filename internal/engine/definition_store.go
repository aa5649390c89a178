package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/core"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/domain"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/wferrors"
)

// DefinitionStore owns workflow definitions. Once an association has bound a
// definition its steps are frozen for good, even after the association is
// deleted; it can only be deprecated.
type DefinitionStore struct {
	definitions  DefinitionRepo
	associations AssociationRepo
	requests     RequestRepo
	clock        core.Clock
}

func NewDefinitionStore(definitions DefinitionRepo, associations AssociationRepo, requests RequestRepo, clock core.Clock) *DefinitionStore {
	return &DefinitionStore{definitions: definitions, associations: associations, requests: requests, clock: clock}
}

func (s *DefinitionStore) Define(ctx context.Context, name, description string, steps []domain.Step) (*domain.WorkflowDefinition, error) {
	def := &domain.WorkflowDefinition{Name: name, Description: description, Steps: steps}
	if err := validate.StructCtx(ctx, def); err != nil {
		return nil, wferrors.AddWorkflowInvalid.Wrap(err, validationReason(err))
	}
	ordered, err := checkSteps(steps)
	if err != nil {
		return nil, wferrors.AddWorkflowInvalid.Wrap(err, err.Error())
	}
	def.Steps = ordered
	def.Created = s.clock.Now()
	def.Updated = def.Created

	if _, err := s.definitions.Save(ctx, def); err != nil {
		slog.ErrorContext(ctx, "Failed to save workflow definition", "name", name, "error", err)
		return nil, wferrors.AddWorkflow.Wrap(err)
	}
	slog.InfoContext(ctx, "Defined workflow", "workflow_id", def.ID, "name", def.Name, "steps", len(def.Steps))
	return def, nil
}

func (s *DefinitionStore) Get(ctx context.Context, id int64) (*domain.WorkflowDefinition, error) {
	def, err := s.definitions.FindByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wferrors.WorkflowNotFound.Wrap(err, id)
	}
	if err != nil {
		return nil, wferrors.RetrieveWorkflow.Wrap(err, id)
	}
	return def, nil
}

func (s *DefinitionStore) List(ctx context.Context) ([]domain.WorkflowDefinition, error) {
	defs, err := s.definitions.FindAll(ctx)
	if err != nil {
		return nil, wferrors.ListWorkflows.Wrap(err)
	}
	return *defs, nil
}

// Update changes name, description and, until an association first binds the
// definition, its steps.
func (s *DefinitionStore) Update(ctx context.Context, id int64, name, description string, steps []domain.Step) (*domain.WorkflowDefinition, error) {
	def, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	candidate := &domain.WorkflowDefinition{Name: name, Description: description, Steps: steps}
	if err := validate.StructCtx(ctx, candidate); err != nil {
		return nil, wferrors.UpdateWorkflowInvalid.Wrap(err, id, validationReason(err))
	}
	ordered, err := checkSteps(steps)
	if err != nil {
		return nil, wferrors.UpdateWorkflowInvalid.Wrap(err, id, err.Error())
	}

	if !sameSteps(def.Steps, ordered) {
		if def.Referenced {
			return nil, wferrors.UpdateWorkflowInvalid.New(id, "steps of a workflow that has been bound to an association cannot change")
		}
		active, err := s.requests.CountActiveByWorkflowID(ctx, id)
		if err != nil {
			return nil, wferrors.UpdateWorkflow.Wrap(err, id)
		}
		if active > 0 {
			return nil, wferrors.UpdateWorkflowInvalid.New(id, "steps of a workflow with pending requests cannot change")
		}
	}

	def.Name = name
	def.Description = description
	def.Steps = ordered
	def.Updated = s.clock.Now()
	if err := s.definitions.Update(ctx, def); err != nil {
		return nil, wferrors.UpdateWorkflow.Wrap(err, id)
	}
	return def, nil
}

// Deprecate blocks new associations. Existing associations and in-flight
// requests keep using the definition.
func (s *DefinitionStore) Deprecate(ctx context.Context, id int64) error {
	def, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if def.Deprecated {
		return nil
	}
	if err := s.definitions.SetDeprecated(ctx, id, true, s.clock.Now()); err != nil {
		return wferrors.UpdateWorkflow.Wrap(err, id)
	}
	slog.InfoContext(ctx, "Deprecated workflow", "workflow_id", id)
	return nil
}

func (s *DefinitionStore) Remove(ctx context.Context, id int64) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	refs, err := s.associations.CountByWorkflowID(ctx, id)
	if err != nil {
		return wferrors.RemoveWorkflow.Wrap(err, id)
	}
	if refs > 0 {
		return wferrors.RemoveWorkflowInvalid.New(id, "it is referenced by an association, deprecate it instead")
	}
	active, err := s.requests.CountActiveByWorkflowID(ctx, id)
	if err != nil {
		return wferrors.RemoveWorkflow.Wrap(err, id)
	}
	if active > 0 {
		return wferrors.RemoveWorkflowInvalid.New(id, "it has pending requests")
	}
	if err := s.definitions.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return wferrors.WorkflowNotFound.Wrap(err, id)
		}
		return wferrors.RemoveWorkflow.Wrap(err, id)
	}
	return nil
}
