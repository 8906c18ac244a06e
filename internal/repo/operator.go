package repo

import (
	"context"
	"database/sql"

	"agritrace/internal/domain"
)

func (r Repo) InsertOperatorTask(ctx context.Context, tx *sql.Tx, t domain.OperatorTask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO operator_queue(kind,entity_kind,entity_id,reason,status,created_at) VALUES (?,?,?,?,'open',?)`,
		t.Kind, t.EntityKind, t.EntityID, t.Reason, t.CreatedAt)
	return err
}

func scanOperatorTask(scan func(...any) error) (domain.OperatorTask, error) {
	var t domain.OperatorTask
	var resolvedAt, resolvedBy sql.NullString
	err := scan(&t.ID, &t.Kind, &t.EntityKind, &t.EntityID, &t.Reason, &t.Status, &t.CreatedAt, &resolvedAt, &resolvedBy)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if resolvedAt.Valid {
		t.ResolvedAt = &resolvedAt.String
	}
	if resolvedBy.Valid {
		t.ResolvedBy = &resolvedBy.String
	}
	return t, nil
}

const operatorTaskCols = `id,kind,entity_kind,entity_id,reason,status,created_at,resolved_at,resolved_by`

func (r Repo) GetOperatorTask(ctx context.Context, id int64) (domain.OperatorTask, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+operatorTaskCols+` FROM operator_queue WHERE id=?`, id)
	return scanOperatorTask(row.Scan)
}

func (r Repo) ListOpenOperatorTasks(ctx context.Context, kind string, limit int) ([]domain.OperatorTask, error) {
	query := `SELECT ` + operatorTaskCols + ` FROM operator_queue WHERE status='open'`
	var args []any
	if kind != "" {
		query += ` AND kind=?`
		args = append(args, kind)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OperatorTask
	for rows.Next() {
		t, err := scanOperatorTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ResolveOperatorTask closes an open task. Resolving an already resolved
// task reports ErrNotFound.
func (r Repo) ResolveOperatorTask(ctx context.Context, tx *sql.Tx, id int64, resolvedBy, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE operator_queue SET status='resolved', resolved_at=?, resolved_by=? WHERE id=? AND status='open'`,
		resolvedAt, resolvedBy, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveOperatorTasksFor closes all open tasks of a kind attached to an
// entity, used when the underlying condition clears.
func (r Repo) ResolveOperatorTasksFor(ctx context.Context, tx *sql.Tx, kind, entityKind, entityID, resolvedBy, resolvedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE operator_queue SET status='resolved', resolved_at=?, resolved_by=? WHERE status='open' AND kind=? AND entity_kind=? AND entity_id=?`,
		resolvedAt, resolvedBy, kind, entityKind, entityID)
	return err
}
