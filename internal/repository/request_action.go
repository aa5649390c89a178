package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/domain"
)

// RequestActionRepository reads and writes the request audit trail.
type RequestActionRepository struct {
	db *sql.DB
}

func NewRequestActionRepository(db *sql.DB) *RequestActionRepository {
	return &RequestActionRepository{db: db}
}

// Save inserts a standalone action outside of a request transition.
func (r *RequestActionRepository) Save(ctx context.Context, a *domain.RequestAction) (int64, error) {
	id, err := saveAction(ctx, r.db, a)
	if err != nil {
		slog.Error("Failed to save request action", "request_id", a.RequestID, "error", err)
	}
	return id, err
}

func saveAction(ctx context.Context, q queryer, a *domain.RequestAction) (int64, error) {
	base := `INSERT INTO request_actions (request_id, executor_id, type, name, text, date_time)
		VALUES (` + placeholders(1, 6) + `)`
	id, err := insertReturningID(ctx, q, base,
		a.RequestID, a.ExecutorID, a.Type, a.Name, a.Text, formatDateInDatabase(a.DateTime))
	if err != nil {
		return 0, err
	}
	a.ID = id
	return id, nil
}

// FindAllByRequestID returns the actions of a request, newest first.
func (r *RequestActionRepository) FindAllByRequestID(ctx context.Context, requestID int64) (*[]domain.RequestAction, error) {
	query := `
		SELECT id, request_id, executor_id, type, name, text, date_time
		FROM request_actions
		WHERE request_id = ` + placeholder(1) + `
		ORDER BY id DESC
	`
	rows, err := r.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	actions := []domain.RequestAction{}
	for rows.Next() {
		var a domain.RequestAction
		if err := rows.Scan(
			&a.ID,
			&a.RequestID,
			&a.ExecutorID,
			&a.Type,
			&a.Name,
			&a.Text,
			&a.DateTime,
		); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return &actions, rows.Err()
}
