package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/domain"
)

type AssociationRepository struct {
	db *sql.DB
}

func NewAssociationRepository(db *sql.DB) *AssociationRepository {
	return &AssociationRepository{db: db}
}

const associationColumns = ` id, name, workflow_id, operation_type, condition_expr, enabled, created `

func (r *AssociationRepository) Save(ctx context.Context, a *domain.Association) (int64, error) {
	if a.Created.IsZero() {
		a.Created = time.Now()
	}
	base := `INSERT INTO associations (name, workflow_id, operation_type, condition_expr, enabled, created)
		VALUES (` + placeholders(1, 6) + `)`
	id, err := insertReturningID(ctx, r.db, base,
		a.Name, a.WorkflowID, a.OperationType, a.Condition, a.Enabled, formatDateInDatabase(a.Created))
	if err != nil {
		return 0, err
	}
	a.ID = id
	return id, nil
}

func (r *AssociationRepository) FindByID(ctx context.Context, id int64) (*domain.Association, error) {
	query := `SELECT ` + associationColumns + ` FROM associations WHERE id = ` + placeholder(1)
	var a domain.Association
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.Name, &a.WorkflowID, &a.OperationType, &a.Condition, &a.Enabled, &a.Created)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AssociationRepository) FindAll(ctx context.Context) (*[]domain.Association, error) {
	return r.query(ctx, `SELECT `+associationColumns+` FROM associations ORDER BY id ASC`)
}

// FindEnabledByOperationType returns candidates in creation order, the
// order in which they are evaluated.
func (r *AssociationRepository) FindEnabledByOperationType(ctx context.Context, operationType string) (*[]domain.Association, error) {
	query := `SELECT ` + associationColumns + ` FROM associations
		WHERE operation_type = ` + placeholder(1) + ` AND enabled = ` + placeholder(2) + `
		ORDER BY id ASC`
	return r.query(ctx, query, operationType, true)
}

func (r *AssociationRepository) CountByWorkflowID(ctx context.Context, workflowID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM associations WHERE workflow_id = `+placeholder(1), workflowID).Scan(&n)
	return n, err
}

func (r *AssociationRepository) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE associations SET enabled = `+placeholder(1)+` WHERE id = `+placeholder(2), enabled, id)
	return err
}

func (r *AssociationRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM associations WHERE id = `+placeholder(1), id)
	if err != nil {
		return err
	}
	return expectOneRow(res, sql.ErrNoRows)
}

func (r *AssociationRepository) query(ctx context.Context, query string, args ...any) (*[]domain.Association, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Association{}
	for rows.Next() {
		var a domain.Association
		if err := rows.Scan(&a.ID, &a.Name, &a.WorkflowID, &a.OperationType, &a.Condition, &a.Enabled, &a.Created); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return &out, rows.Err()
}
