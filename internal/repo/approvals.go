package repo

import (
	"context"
	"database/sql"

	"agritrace/internal/domain"
)

const approvalCols = `id,certificate_type,subject_ref,jurisdiction,requested_by,requested_by_role,status,reviewer_id,decision_at,rejection_reason,priority,version,requested_at,sent_at`

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.CertificateApproval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO certificate_approvals(`+approvalCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.CertificateType, a.SubjectRef, a.Jurisdiction, a.RequestedBy, a.RequestedByRole, a.Status,
		nullableStringPtr(a.ReviewerID), nullableStringPtr(a.DecisionAt), nullableStringPtr(a.RejectionReason),
		a.Priority, a.Version, a.RequestedAt, nullableStringPtr(a.SentAt))
	return err
}

func scanApproval(scan func(...any) error) (domain.CertificateApproval, error) {
	var a domain.CertificateApproval
	var reviewerID, decisionAt, rejectionReason, sentAt sql.NullString
	err := scan(&a.ID, &a.CertificateType, &a.SubjectRef, &a.Jurisdiction, &a.RequestedBy, &a.RequestedByRole,
		&a.Status, &reviewerID, &decisionAt, &rejectionReason, &a.Priority, &a.Version, &a.RequestedAt, &sentAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if reviewerID.Valid {
		a.ReviewerID = &reviewerID.String
	}
	if decisionAt.Valid {
		a.DecisionAt = &decisionAt.String
	}
	if rejectionReason.Valid {
		a.RejectionReason = &rejectionReason.String
	}
	if sentAt.Valid {
		a.SentAt = &sentAt.String
	}
	return a, nil
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.CertificateApproval, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+approvalCols+` FROM certificate_approvals WHERE id=?`, id)
	return scanApproval(row.Scan)
}

func (r Repo) GetApprovalTx(ctx context.Context, tx *sql.Tx, id string) (domain.CertificateApproval, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+approvalCols+` FROM certificate_approvals WHERE id=?`, id)
	return scanApproval(row.Scan)
}

// DecideApprovalCAS records a decision conditionally on the approval still
// being pending at the expected version. Zero rows affected means a
// concurrent reviewer already decided.
func (r Repo) DecideApprovalCAS(ctx context.Context, tx *sql.Tx, id, reviewerID, status string, rejectionReason *string, decisionAt string, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE certificate_approvals SET status=?, reviewer_id=?, decision_at=?, rejection_reason=?, version=version+1
WHERE id=? AND status='pending' AND version=?`,
		status, reviewerID, decisionAt, nullableStringPtr(rejectionReason), id, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// MarkApprovalSentCAS flips an approved record to sent.
func (r Repo) MarkApprovalSentCAS(ctx context.Context, tx *sql.Tx, id, sentAt string, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE certificate_approvals SET status='sent', sent_at=?, version=version+1
WHERE id=? AND status='approved' AND version=?`, sentAt, id, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ListPendingApprovals returns the reviewer queue: higher priority first,
// then oldest first.
func (r Repo) ListPendingApprovals(ctx context.Context, jurisdiction string, limit int) ([]domain.CertificateApproval, error) {
	query := `SELECT ` + approvalCols + ` FROM certificate_approvals WHERE status='pending'`
	var args []any
	if jurisdiction != "" {
		query += ` AND jurisdiction=?`
		args = append(args, jurisdiction)
	}
	query += ` ORDER BY priority DESC, requested_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CertificateApproval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
