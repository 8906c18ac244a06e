package repo

import (
	"context"
	"database/sql"

	"agritrace/internal/domain"
)

const offerCols = `id,seller_ref,commodity,quantity,remaining_quantity,price_per_unit,source_location,available_from,expires_at,eudr_compliant,status,version,created_at`

func (r Repo) InsertOffer(ctx context.Context, tx *sql.Tx, o domain.Offer) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO offers(`+offerCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.SellerRef, o.Commodity, o.Quantity, o.RemainingQuantity, o.PricePerUnit, o.SourceLocation,
		o.AvailableFrom, o.ExpiresAt, boolInt(o.EUDRCompliant), o.Status, o.Version, o.CreatedAt)
	return err
}

func scanOffer(scan func(...any) error) (domain.Offer, error) {
	var o domain.Offer
	var eudr int
	err := scan(&o.ID, &o.SellerRef, &o.Commodity, &o.Quantity, &o.RemainingQuantity, &o.PricePerUnit,
		&o.SourceLocation, &o.AvailableFrom, &o.ExpiresAt, &eudr, &o.Status, &o.Version, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.EUDRCompliant = eudr != 0
	return o, nil
}

func (r Repo) GetOffer(ctx context.Context, id string) (domain.Offer, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+offerCols+` FROM offers WHERE id=?`, id)
	return scanOffer(row.Scan)
}

func (r Repo) GetOfferTx(ctx context.Context, tx *sql.Tx, id string) (domain.Offer, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+offerCols+` FROM offers WHERE id=?`, id)
	return scanOffer(row.Scan)
}

// UpdateOfferCAS writes remaining quantity and status conditionally on the
// previous version.
func (r Repo) UpdateOfferCAS(ctx context.Context, tx *sql.Tx, o domain.Offer, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE offers SET remaining_quantity=?, status=?, version=version+1 WHERE id=? AND version=?`,
		o.RemainingQuantity, o.Status, o.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r Repo) ListOffers(ctx context.Context, status string, limit int) ([]domain.Offer, error) {
	query := `SELECT ` + offerCols + ` FROM offers`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Offer
	for rows.Next() {
		o, err := scanOffer(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// ListExpiredOpenOffers returns open offers whose expiry is at or before now.
func (r Repo) ListExpiredOpenOffers(ctx context.Context, now string) ([]domain.Offer, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+offerCols+` FROM offers WHERE status='open' AND expires_at<=?`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Offer
	for rows.Next() {
		o, err := scanOffer(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

const requestCols = `id,offer_ref,buyer_ref,requester_ref,quantity_requested,agreed_price,
review_status,reviewer_id,review_notes,
inspection_status,inspector_id,inspection_date,inspection_notes,
counterparty_status,overall_status,progress_percent,reject_reason,version,created_at,updated_at`

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, p domain.PurchaseRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO purchase_requests(`+requestCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OfferRef, p.BuyerRef, p.RequesterRef, p.QuantityRequested, p.AgreedPrice,
		p.ReviewStatus, nullableStringPtr(p.ReviewerID), nullableStringPtr(p.ReviewNotes),
		p.InspectionStatus, nullableStringPtr(p.InspectorID), nullableStringPtr(p.InspectionDate), nullableStringPtr(p.InspectionNotes),
		p.CounterpartyStatus, p.OverallStatus, p.ProgressPercent, nullableStringPtr(p.RejectReason), p.Version, p.CreatedAt, p.UpdatedAt)
	return err
}

func scanRequest(scan func(...any) error) (domain.PurchaseRequest, error) {
	var p domain.PurchaseRequest
	var reviewerID, reviewNotes, inspectorID, inspectionDate, inspectionNotes, rejectReason sql.NullString
	err := scan(&p.ID, &p.OfferRef, &p.BuyerRef, &p.RequesterRef, &p.QuantityRequested, &p.AgreedPrice,
		&p.ReviewStatus, &reviewerID, &reviewNotes,
		&p.InspectionStatus, &inspectorID, &inspectionDate, &inspectionNotes,
		&p.CounterpartyStatus, &p.OverallStatus, &p.ProgressPercent, &rejectReason, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if reviewerID.Valid {
		p.ReviewerID = &reviewerID.String
	}
	if reviewNotes.Valid {
		p.ReviewNotes = &reviewNotes.String
	}
	if inspectorID.Valid {
		p.InspectorID = &inspectorID.String
	}
	if inspectionDate.Valid {
		p.InspectionDate = &inspectionDate.String
	}
	if inspectionNotes.Valid {
		p.InspectionNotes = &inspectionNotes.String
	}
	if rejectReason.Valid {
		p.RejectReason = &rejectReason.String
	}
	return p, nil
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.PurchaseRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestCols+` FROM purchase_requests WHERE id=?`, id)
	return scanRequest(row.Scan)
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.PurchaseRequest, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+requestCols+` FROM purchase_requests WHERE id=?`, id)
	return scanRequest(row.Scan)
}

// UpdateRequestCAS writes the request conditionally on its previous version
// and the overall status the caller observed. A gate transition races past
// nobody: the losing writer gets ErrVersionConflict.
func (r Repo) UpdateRequestCAS(ctx context.Context, tx *sql.Tx, p domain.PurchaseRequest, expectedStatus string, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE purchase_requests SET
review_status=?, reviewer_id=?, review_notes=?,
inspection_status=?, inspector_id=?, inspection_date=?, inspection_notes=?,
counterparty_status=?, overall_status=?, progress_percent=?, reject_reason=?, version=version+1, updated_at=?
WHERE id=? AND overall_status=? AND version=?`,
		p.ReviewStatus, nullableStringPtr(p.ReviewerID), nullableStringPtr(p.ReviewNotes),
		p.InspectionStatus, nullableStringPtr(p.InspectorID), nullableStringPtr(p.InspectionDate), nullableStringPtr(p.InspectionNotes),
		p.CounterpartyStatus, p.OverallStatus, p.ProgressPercent, nullableStringPtr(p.RejectReason), p.UpdatedAt,
		p.ID, expectedStatus, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}

type RequestFilters struct {
	OfferRef      string
	OverallStatus string
	Limit         int
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.PurchaseRequest, error) {
	query := `SELECT ` + requestCols + ` FROM purchase_requests WHERE 1=1`
	var args []any
	if f.OfferRef != "" {
		query += ` AND offer_ref=?`
		args = append(args, f.OfferRef)
	}
	if f.OverallStatus != "" {
		query += ` AND overall_status=?`
		args = append(args, f.OverallStatus)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PurchaseRequest
	for rows.Next() {
		p, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
