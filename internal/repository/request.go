package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/RealZimboGuy/approvalflow/internal/config"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/domain"
	"github.com/RealZimboGuy/approvalflow/pkg/approvalflow/models"
)

type RequestRepository struct {
	db *sql.DB
}

func NewRequestRepository(db *sql.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

const requestColumns = ` id, external_id, workflow_id, association_id, operation_type, parameters, step_members,
		       current_step, status, abort_reason, dispatch_status, dispatch_attempts, next_dispatch,
		       executor_group, version, created, modified `

// Create inserts a new request together with its first audit action.
func (r *RequestRepository) Create(ctx context.Context, req *domain.Request, action domain.RequestAction) (int64, error) {
	params, err := json.Marshal(req.Parameters)
	if err != nil {
		return 0, err
	}
	members, err := encodeStepMembers(req.StepMembers)
	if err != nil {
		return 0, err
	}
	if req.Version == 0 {
		req.Version = 1
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	base := `INSERT INTO requests (
		external_id, workflow_id, association_id, operation_type, parameters, step_members,
		current_step, status, abort_reason, dispatch_status, dispatch_attempts, next_dispatch,
		executor_group, version, created, modified
	) VALUES (` + placeholders(1, 16) + `)`
	id, err := insertReturningID(ctx, tx, base,
		req.ExternalID, req.WorkflowID, req.AssociationID, req.OperationType, string(params), members,
		req.CurrentStep, req.Status, req.AbortReason, req.DispatchStatus, req.DispatchAttempts, formatDateInDatabaseNull(req.NextDispatch),
		req.ExecutorGroup, req.Version, formatDateInDatabase(req.Created), formatDateInDatabase(req.Modified))
	if err != nil {
		return 0, err
	}
	action.RequestID = id
	if _, err := saveAction(ctx, tx, &action); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	req.ID = id
	return id, nil
}

// FindByID loads a request with its decision log; sql.ErrNoRows if unknown.
func (r *RequestRepository) FindByID(ctx context.Context, id int64) (*domain.Request, error) {
	return r.findOne(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = `+placeholder(1), id)
}

func (r *RequestRepository) FindByExternalID(ctx context.Context, externalID string) (*domain.Request, error) {
	return r.findOne(ctx, `SELECT `+requestColumns+` FROM requests WHERE external_id = `+placeholder(1), externalID)
}

func (r *RequestRepository) findOne(ctx context.Context, query string, arg any) (*domain.Request, error) {
	req, err := scanRequest(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		return nil, err
	}
	decisions, err := r.findDecisions(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	req.Decisions = decisions
	return req, nil
}

func (r *RequestRepository) findDecisions(ctx context.Context, requestID int64) ([]domain.DecisionRecord, error) {
	query := `SELECT id, request_id, step_ordinal, approver, decision, date_time
		FROM request_decisions WHERE request_id = ` + placeholder(1) + ` ORDER BY id ASC`
	rows, err := r.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.DecisionRecord{}
	for rows.Next() {
		var d domain.DecisionRecord
		if err := rows.Scan(&d.ID, &d.RequestID, &d.StepOrdinal, &d.Approver, &d.Decision, &d.DateTime); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ApplyTransition writes the decision, the new step/status/dispatch marker and
// the audit actions in one transaction. It fails with ErrConflict when the
// stored version is not t.ExpectedVersion.
func (r *RequestRepository) ApplyTransition(ctx context.Context, t domain.Transition) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `UPDATE requests
		SET current_step = ` + placeholder(1) + `, status = ` + placeholder(2) + `, abort_reason = ` + placeholder(3) + `,
		    dispatch_status = ` + placeholder(4) + `, modified = ` + placeholder(5) + `, version = version + 1
		WHERE id = ` + placeholder(6) + ` AND version = ` + placeholder(7)
	res, err := tx.ExecContext(ctx, query,
		t.CurrentStep, t.Status, t.AbortReason, t.DispatchStatus, formatDateInDatabase(t.Modified), t.RequestID, t.ExpectedVersion)
	if err != nil {
		return err
	}
	if err := expectOneRow(res, ErrConflict); err != nil {
		return err
	}

	if t.Decision != nil {
		if err := upsertDecision(ctx, tx, t.RequestID, t.Decision); err != nil {
			return err
		}
	}
	for i := range t.Actions {
		t.Actions[i].RequestID = t.RequestID
		if _, err := saveAction(ctx, tx, &t.Actions[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// upsertDecision keeps one row per (request, step, approver); the latest
// decision replaces the earlier one.
func upsertDecision(ctx context.Context, tx *sql.Tx, requestID int64, d *domain.DecisionRecord) error {
	query := `INSERT INTO request_decisions (request_id, step_ordinal, approver, decision, date_time)
		VALUES (` + placeholders(1, 5) + `)`
	if config.GetSystemSettingString(config.DATABASE_TYPE) == config.DATABASE_TYPE_MYSQL {
		query += ` ON DUPLICATE KEY UPDATE decision = VALUES(decision), date_time = VALUES(date_time)`
	} else {
		query += ` ON CONFLICT (request_id, step_ordinal, approver)
		DO UPDATE SET decision = EXCLUDED.decision, date_time = EXCLUDED.date_time`
	}
	_, err := tx.ExecContext(ctx, query, requestID, d.StepOrdinal, d.Approver, d.Decision, formatDateInDatabase(d.DateTime))
	return err
}

// ClaimDispatch moves the dispatch marker to DISPATCHING. Only one caller
// can win for a given version.
func (r *RequestRepository) ClaimDispatch(ctx context.Context, id int64, expectedVersion int, now time.Time) error {
	query := `UPDATE requests
		SET dispatch_status = 'DISPATCHING', modified = ` + placeholder(1) + `, version = version + 1
		WHERE id = ` + placeholder(2) + ` AND version = ` + placeholder(3) + ` AND dispatch_status IN ('PENDING', 'DISPATCHING')`
	res, err := r.db.ExecContext(ctx, query, formatDateInDatabase(now), id, expectedVersion)
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrConflict)
}

// CompleteDispatch marks the callback as delivered.
func (r *RequestRepository) CompleteDispatch(ctx context.Context, id int64, attempts int, now time.Time, action domain.RequestAction) error {
	return r.finishDispatch(ctx, id, models.DispatchDispatched, attempts, sql.NullTime{}, now, action)
}

// RescheduleDispatch records a failed delivery. status is PENDING to retry at
// next, or FAILED when no retries are left.
func (r *RequestRepository) RescheduleDispatch(ctx context.Context, id int64, status models.DispatchStatus, attempts int, next sql.NullTime, now time.Time, action domain.RequestAction) error {
	return r.finishDispatch(ctx, id, status, attempts, next, now, action)
}

func (r *RequestRepository) finishDispatch(ctx context.Context, id int64, status models.DispatchStatus, attempts int, next sql.NullTime, now time.Time, action domain.RequestAction) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `UPDATE requests
		SET dispatch_status = ` + placeholder(1) + `, dispatch_attempts = ` + placeholder(2) + `, next_dispatch = ` + placeholder(3) + `,
		    modified = ` + placeholder(4) + `, version = version + 1
		WHERE id = ` + placeholder(5) + ` AND dispatch_status = 'DISPATCHING'`
	res, err := tx.ExecContext(ctx, query, status, attempts, formatDateInDatabaseNull(next), formatDateInDatabase(now), id)
	if err != nil {
		return err
	}
	if err := expectOneRow(res, ErrConflict); err != nil {
		return err
	}
	action.RequestID = id
	if _, err := saveAction(ctx, tx, &action); err != nil {
		return err
	}
	return tx.Commit()
}

// FindStalePending returns ids of PENDING requests of the group not modified
// since before, paged by id.
func (r *RequestRepository) FindStalePending(ctx context.Context, executorGroup string, before time.Time, afterID int64, limit int) ([]int64, error) {
	query := `SELECT id FROM requests
		WHERE status = 'PENDING'
		  AND executor_group = ` + placeholder(1) + `
		  AND ` + dateBefore("modified", 2) + `
		  AND id > ` + placeholder(3) + `
		ORDER BY id ASC
		LIMIT ` + placeholder(4)
	return r.ids(ctx, query, executorGroup, formatDateInDatabase(before), afterID, limit)
}

// FindDispatchable returns ids of requests whose callback is due, plus
// claims abandoned in DISPATCHING since staleBefore.
func (r *RequestRepository) FindDispatchable(ctx context.Context, executorGroup string, now time.Time, staleBefore time.Time, limit int) ([]int64, error) {
	query := `SELECT id FROM requests
		WHERE executor_group = ` + placeholder(1) + `
		  AND ((dispatch_status = 'PENDING' AND (next_dispatch IS NULL OR ` + dateNotAfter("next_dispatch", 2) + `))
		    OR (dispatch_status = 'DISPATCHING' AND ` + dateBefore("modified", 3) + `))
		ORDER BY id ASC
		LIMIT ` + placeholder(4)
	return r.ids(ctx, query, executorGroup, formatDateInDatabase(now), formatDateInDatabase(staleBefore), limit)
}

// CountActiveByWorkflowID counts non-terminal requests bound to a workflow.
func (r *RequestRepository) CountActiveByWorkflowID(ctx context.Context, workflowID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests WHERE workflow_id = `+placeholder(1)+` AND status = 'PENDING'`, workflowID).Scan(&n)
	return n, err
}

// DeleteTerminalBefore removes finished requests whose callback was delivered
// and that were last modified before the cutoff, with their decisions and actions.
func (r *RequestRepository) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	where := `status IN ('APPROVED', 'REJECTED', 'ABORTED') AND dispatch_status = 'DISPATCHED' AND ` + dateBefore("modified", 1)
	cutoff := formatDateInDatabase(before)

	if _, err := tx.ExecContext(ctx, `DELETE FROM request_decisions WHERE request_id IN (SELECT id FROM requests WHERE `+where+`)`, cutoff); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM request_actions WHERE request_id IN (SELECT id FROM requests WHERE `+where+`)`, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE `+where, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (r *RequestRepository) ids(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRequest(row rowScanner) (*domain.Request, error) {
	var req domain.Request
	var params, members string
	err := row.Scan(
		&req.ID,
		&req.ExternalID,
		&req.WorkflowID,
		&req.AssociationID,
		&req.OperationType,
		&params,
		&members,
		&req.CurrentStep,
		&req.Status,
		&req.AbortReason,
		&req.DispatchStatus,
		&req.DispatchAttempts,
		&req.NextDispatch,
		&req.ExecutorGroup,
		&req.Version,
		&req.Created,
		&req.Modified,
	)
	if err != nil {
		return nil, err
	}
	if req.Parameters, err = decodeParameters(params); err != nil {
		return nil, err
	}
	if req.StepMembers, err = decodeStepMembers(members); err != nil {
		return nil, err
	}
	return &req, nil
}

// decodeParameters keeps numbers as json.Number so integers survive the trip.
func decodeParameters(raw string) (map[string]any, error) {
	params := map[string]any{}
	if raw == "" || raw == "null" {
		return params, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil {
		return nil, err
	}
	return params, nil
}

func encodeStepMembers(m map[int][]string) (string, error) {
	b, err := json.Marshal(m)
	return string(b), err
}

func decodeStepMembers(raw string) (map[int][]string, error) {
	out := map[int][]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
