package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/domain"
)

type DefinitionRepository struct {
	db *sql.DB
}

func NewDefinitionRepository(db *sql.DB) *DefinitionRepository {
	return &DefinitionRepository{db: db}
}

const definitionColumns = ` id, name, description, steps, deprecated, referenced, created, updated `

// Save inserts a new workflow definition and sets its ID.
func (r *DefinitionRepository) Save(ctx context.Context, def *domain.WorkflowDefinition) (int64, error) {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return 0, err
	}
	base := `INSERT INTO workflow_definitions (name, description, steps, deprecated, created, updated)
		VALUES (` + placeholders(1, 6) + `)`
	id, err := insertReturningID(ctx, r.db, base,
		def.Name, def.Description, string(steps), def.Deprecated,
		formatDateInDatabase(def.Created), formatDateInDatabase(def.Updated))
	if err != nil {
		return 0, err
	}
	def.ID = id
	return id, nil
}

func (r *DefinitionRepository) FindByID(ctx context.Context, id int64) (*domain.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE id = ` + placeholder(1)
	def, err := scanDefinition(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	return def, nil
}

func (r *DefinitionRepository) FindAll(ctx context.Context) (*[]domain.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions ORDER BY id ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	defs := []domain.WorkflowDefinition{}
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return &defs, rows.Err()
}

// Update rewrites name, description and steps.
func (r *DefinitionRepository) Update(ctx context.Context, def *domain.WorkflowDefinition) error {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return err
	}
	query := `UPDATE workflow_definitions
		SET name = ` + placeholder(1) + `, description = ` + placeholder(2) + `, steps = ` + placeholder(3) + `, updated = ` + placeholder(4) + `
		WHERE id = ` + placeholder(5)
	_, err = r.db.ExecContext(ctx, query, def.Name, def.Description, string(steps), formatDateInDatabase(def.Updated), def.ID)
	return err
}

func (r *DefinitionRepository) SetDeprecated(ctx context.Context, id int64, deprecated bool, updated time.Time) error {
	query := `UPDATE workflow_definitions SET deprecated = ` + placeholder(1) + `, updated = ` + placeholder(2) + ` WHERE id = ` + placeholder(3)
	_, err := r.db.ExecContext(ctx, query, deprecated, formatDateInDatabase(updated), id)
	return err
}

// MarkReferenced freezes the steps of a definition. The flag is never cleared.
func (r *DefinitionRepository) MarkReferenced(ctx context.Context, id int64, updated time.Time) error {
	query := `UPDATE workflow_definitions SET referenced = ` + placeholder(1) + `, updated = ` + placeholder(2) + ` WHERE id = ` + placeholder(3)
	_, err := r.db.ExecContext(ctx, query, true, formatDateInDatabase(updated), id)
	return err
}

func (r *DefinitionRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM workflow_definitions WHERE id = `+placeholder(1), id)
	if err != nil {
		return err
	}
	return expectOneRow(res, sql.ErrNoRows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*domain.WorkflowDefinition, error) {
	var def domain.WorkflowDefinition
	var steps string
	if err := row.Scan(&def.ID, &def.Name, &def.Description, &steps, &def.Deprecated, &def.Referenced, &def.Created, &def.Updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &def.Steps); err != nil {
		return nil, err
	}
	return &def, nil
}

// expectOneRow maps "nothing updated" to errNone.
func expectOneRow(res sql.Result, errNone error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errNone
	}
	return nil
}
