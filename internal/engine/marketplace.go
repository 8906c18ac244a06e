package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agritrace/internal/domain"
	"agritrace/internal/events"
)

// Overall purchase request states.
const (
	RequestPending             = "pending"
	RequestUnderReview         = "under_review"
	RequestInspectionScheduled = "inspection_scheduled"
	RequestRevisionRequired    = "revision_required"
	RequestApproved            = "approved"
	RequestRejected            = "rejected"
	RequestContractSigned      = "contract_signed"
)

// Progress checkpoints: submitted, reviewed, inspected, accepted.
const (
	progressSubmitted = 25
	progressReviewed  = 50
	progressInspected = 75
	progressAccepted  = 100
)

type OfferInput struct {
	SellerRef      string
	Commodity      string
	Quantity       float64
	PricePerUnit   float64
	SourceLocation string
	AvailableFrom  string
	ExpiresAt      string
	EUDRCompliant  bool
}

// CreateOffer lists a commodity offer on the marketplace.
func (e *Engine) CreateOffer(ctx context.Context, actorID string, in OfferInput) (domain.Offer, error) {
	var missing []string
	if in.SellerRef == "" {
		missing = append(missing, "seller_ref")
	}
	if in.Commodity == "" {
		missing = append(missing, "commodity")
	}
	if in.SourceLocation == "" {
		missing = append(missing, "source_location")
	}
	if in.ExpiresAt == "" {
		missing = append(missing, "expires_at")
	}
	if len(missing) > 0 {
		return domain.Offer{}, &ValidationError{Msg: "missing required fields", Fields: missing}
	}
	if in.Quantity <= 0 {
		return domain.Offer{}, &ValidationError{Msg: "quantity must be positive", Fields: []string{"quantity"}}
	}
	if in.PricePerUnit <= 0 {
		return domain.Offer{}, &ValidationError{Msg: "price_per_unit must be positive", Fields: []string{"price_per_unit"}}
	}
	expiry, err := time.Parse(time.RFC3339, in.ExpiresAt)
	if err != nil {
		return domain.Offer{}, &ValidationError{Msg: "expires_at must be RFC 3339", Fields: []string{"expires_at"}}
	}
	now := e.now().UTC()
	if !expiry.After(now) {
		return domain.Offer{}, &ValidationError{Msg: "expires_at must be in the future", Fields: []string{"expires_at"}}
	}
	availableFrom := in.AvailableFrom
	if availableFrom == "" {
		availableFrom = now.Format(time.RFC3339)
	} else if _, err := time.Parse(time.RFC3339, availableFrom); err != nil {
		return domain.Offer{}, &ValidationError{Msg: "available_from must be RFC 3339", Fields: []string{"available_from"}}
	}

	o := domain.Offer{
		ID:                uuid.NewString(),
		SellerRef:         in.SellerRef,
		Commodity:         in.Commodity,
		Quantity:          in.Quantity,
		RemainingQuantity: in.Quantity,
		PricePerUnit:      in.PricePerUnit,
		SourceLocation:    in.SourceLocation,
		AvailableFrom:     availableFrom,
		ExpiresAt:         expiry.UTC().Format(time.RFC3339),
		EUDRCompliant:     in.EUDRCompliant,
		Status:            "open",
		Version:           1,
		CreatedAt:         now.Format(time.RFC3339),
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Offer{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOffer(ctx, tx, o); err != nil {
		return domain.Offer{}, err
	}
	err = e.Events.Append(ctx, tx, "offer.created", "offer", o.ID, actorID, events.EventPayload{
		"commodity": o.Commodity, "quantity": o.Quantity, "price_per_unit": o.PricePerUnit,
	})
	if err != nil {
		return domain.Offer{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Offer{}, err
	}
	return o, nil
}

// SubmitPurchaseRequest opens a purchase request against an offer and
// reserves the requested quantity.
func (e *Engine) SubmitPurchaseRequest(ctx context.Context, actorID, offerID, buyerRef string, quantity, agreedPrice float64) (domain.PurchaseRequest, error) {
	if buyerRef == "" {
		return domain.PurchaseRequest{}, &ValidationError{Msg: "missing required fields", Fields: []string{"buyer_ref"}}
	}
	if quantity <= 0 {
		return domain.PurchaseRequest{}, &ValidationError{Msg: "quantity_requested must be positive", Fields: []string{"quantity_requested"}}
	}
	if agreedPrice <= 0 {
		return domain.PurchaseRequest{}, &ValidationError{Msg: "agreed_price must be positive", Fields: []string{"agreed_price"}}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetOfferTx(ctx, tx, offerID)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	if expiry, perr := time.Parse(time.RFC3339, o.ExpiresAt); perr == nil && !expiry.After(now) {
		return domain.PurchaseRequest{}, &ExpirationError{EntityKind: "offer", EntityID: o.ID, ExpiredAt: o.ExpiresAt}
	}
	if o.Status != "open" {
		return domain.PurchaseRequest{}, &StateConflictError{EntityKind: "offer", EntityID: o.ID, CurrentState: o.Status, Attempted: "submit purchase request"}
	}
	if quantity > o.RemainingQuantity {
		return domain.PurchaseRequest{}, &PreconditionError{Msg: fmt.Sprintf("requested %.2f exceeds remaining %.2f on offer %s", quantity, o.RemainingQuantity, o.ID)}
	}

	prevVersion := o.Version
	o.RemainingQuantity -= quantity
	if o.RemainingQuantity == 0 {
		o.Status = "consumed"
	}
	if err := e.Repo.UpdateOfferCAS(ctx, tx, o, prevVersion); err != nil {
		return domain.PurchaseRequest{}, err
	}

	p := domain.PurchaseRequest{
		ID:                 uuid.NewString(),
		OfferRef:           o.ID,
		BuyerRef:           buyerRef,
		RequesterRef:       actorID,
		QuantityRequested:  quantity,
		AgreedPrice:        agreedPrice,
		ReviewStatus:       "pending",
		InspectionStatus:   "pending",
		CounterpartyStatus: "pending",
		OverallStatus:      RequestPending,
		ProgressPercent:    progressSubmitted,
		Version:            1,
		CreatedAt:          nowStr,
		UpdatedAt:          nowStr,
	}
	if err := e.Repo.InsertRequest(ctx, tx, p); err != nil {
		return domain.PurchaseRequest{}, err
	}
	err = e.Events.Append(ctx, tx, "request.submitted", "purchase_request", p.ID, actorID, events.EventPayload{
		"offer_ref": o.ID, "quantity": quantity, "agreed_price": agreedPrice,
	})
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PurchaseRequest{}, err
	}
	return p, nil
}

// ReviewRequest records the regulatory review decision. Approval moves the
// request to inspection_scheduled and files a port-inspection task; a
// revision request loops it back to the exporter; rejection releases the
// reserved quantity.
func (e *Engine) ReviewRequest(ctx context.Context, reviewerID, requestID, outcome, notes string) (domain.PurchaseRequest, error) {
	switch outcome {
	case "approve", "reject", "revision":
	default:
		return domain.PurchaseRequest{}, &ValidationError{Msg: "outcome must be approve, reject or revision", Fields: []string{"outcome"}}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	if p.OverallStatus != RequestPending && p.OverallStatus != RequestUnderReview {
		return domain.PurchaseRequest{}, &StateConflictError{EntityKind: "purchase_request", EntityID: p.ID, CurrentState: p.OverallStatus, Attempted: "review"}
	}

	now := e.nowRFC3339()
	prevStatus, prevVersion := p.OverallStatus, p.Version
	p.ReviewerID = &reviewerID
	if notes != "" {
		p.ReviewNotes = &notes
	}
	switch outcome {
	case "approve":
		p.ReviewStatus = "approved"
		p.OverallStatus = RequestInspectionScheduled
		p.ProgressPercent = progressReviewed
		task := domain.OperatorTask{Kind: "port_inspection", EntityKind: "purchase_request", EntityID: p.ID,
			Reason: "review approved; awaiting port inspection", CreatedAt: now}
		if err := e.Repo.InsertOperatorTask(ctx, tx, task); err != nil {
			return domain.PurchaseRequest{}, err
		}
	case "revision":
		p.ReviewStatus = "revision"
		p.OverallStatus = RequestRevisionRequired
		p.ProgressPercent = progressSubmitted
	case "reject":
		p.ReviewStatus = "rejected"
		p.OverallStatus = RequestRejected
		reason := "review_rejected"
		if notes != "" {
			reason = notes
		}
		p.RejectReason = &reason
		if err := e.releaseReservation(ctx, tx, p.OfferRef, p.QuantityRequested); err != nil {
			return domain.PurchaseRequest{}, err
		}
	}
	p.UpdatedAt = now
	if err := e.Repo.UpdateRequestCAS(ctx, tx, p, prevStatus, prevVersion); err != nil {
		return domain.PurchaseRequest{}, err
	}
	p.Version = prevVersion + 1

	err = e.Events.Append(ctx, tx, "request.reviewed", "purchase_request", p.ID, reviewerID, events.EventPayload{
		"outcome": outcome, "overall_status": p.OverallStatus,
	})
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PurchaseRequest{}, err
	}
	return p, nil
}

// Resubmit returns a revision_required request to the review queue.
func (e *Engine) Resubmit(ctx context.Context, actorID, requestID, notes string) (domain.PurchaseRequest, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	if p.OverallStatus != RequestRevisionRequired {
		return domain.PurchaseRequest{}, &StateConflictError{EntityKind: "purchase_request", EntityID: p.ID, CurrentState: p.OverallStatus, Attempted: "resubmit"}
	}

	now := e.nowRFC3339()
	prevVersion := p.Version
	p.ReviewStatus = "pending"
	p.ReviewerID = nil
	if notes != "" {
		p.ReviewNotes = &notes
	} else {
		p.ReviewNotes = nil
	}
	p.OverallStatus = RequestPending
	p.ProgressPercent = progressSubmitted
	p.UpdatedAt = now
	if err := e.Repo.UpdateRequestCAS(ctx, tx, p, RequestRevisionRequired, prevVersion); err != nil {
		return domain.PurchaseRequest{}, err
	}
	p.Version = prevVersion + 1

	if err := e.Events.Append(ctx, tx, "request.resubmitted", "purchase_request", p.ID, actorID, events.EventPayload{}); err != nil {
		return domain.PurchaseRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PurchaseRequest{}, err
	}
	return p, nil
}

// ScheduleInspection assigns the inspector and date on a review-approved
// request. The review approval already moved the request to
// inspection_scheduled; this fills in who and when.
func (e *Engine) ScheduleInspection(ctx context.Context, inspectorID, requestID, date string) (domain.PurchaseRequest, error) {
	if _, err := time.Parse(time.RFC3339, date); err != nil {
		return domain.PurchaseRequest{}, &ValidationError{Msg: "inspection_date must be RFC 3339", Fields: []string{"inspection_date"}}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	if p.ReviewStatus != "approved" {
		return domain.PurchaseRequest{}, &PreconditionError{Msg: "inspection requires an approved review; review is " + p.ReviewStatus}
	}
	if p.OverallStatus != RequestInspectionScheduled || p.InspectionStatus != "pending" {
		return domain.PurchaseRequest{}, &StateConflictError{EntityKind: "purchase_request", EntityID: p.ID,
			CurrentState: p.OverallStatus + "/" + p.InspectionStatus, Attempted: "schedule inspection"}
	}

	now := e.nowRFC3339()
	prevVersion := p.Version
	p.InspectionStatus = "scheduled"
	p.InspectorID = &inspectorID
	p.InspectionDate = &date
	p.UpdatedAt = now
	if err := e.Repo.UpdateRequestCAS(ctx, tx, p, RequestInspectionScheduled, prevVersion); err != nil {
		return domain.PurchaseRequest{}, err
	}
	p.Version = prevVersion + 1

	err = e.Events.Append(ctx, tx, "request.inspection_scheduled", "purchase_request", p.ID, inspectorID, events.EventPayload{
		"inspection_date": date,
	})
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PurchaseRequest{}, err
	}
	return p, nil
}

// SubmitInspectionResult records the physical inspection outcome. A
// conditional result parks the request for an explicit operator override.
func (e *Engine) SubmitInspectionResult(ctx context.Context, inspectorID, requestID, result, notes string) (domain.PurchaseRequest, error) {
	switch result {
	case "passed", "failed", "conditional":
	default:
		return domain.PurchaseRequest{}, &ValidationError{Msg: "result must be passed, failed or conditional", Fields: []string{"result"}}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	if p.OverallStatus != RequestInspectionScheduled || p.InspectionStatus != "scheduled" {
		return domain.PurchaseRequest{}, &StateConflictError{EntityKind: "purchase_request", EntityID: p.ID,
			CurrentState: p.OverallStatus + "/" + p.InspectionStatus, Attempted: "submit inspection result"}
	}

	now := e.nowRFC3339()
	prevVersion := p.Version
	p.InspectorID = &inspectorID
	if notes != "" {
		p.InspectionNotes = &notes
	}
	switch result {
	case "passed":
		p.InspectionStatus = "passed"
		p.OverallStatus = RequestApproved
		p.ProgressPercent = progressInspected
	case "failed":
		p.InspectionStatus = "failed"
		p.OverallStatus = RequestRejected
		reason := "inspection_failed"
		p.RejectReason = &reason
		if err := e.releaseReservation(ctx, tx, p.OfferRef, p.QuantityRequested); err != nil {
			return domain.PurchaseRequest{}, err
		}
	case "conditional":
		p.InspectionStatus = "conditional"
		task := domain.OperatorTask{Kind: "conditional_inspection", EntityKind: "purchase_request", EntityID: p.ID,
			Reason: "conditional inspection result awaits operator override", CreatedAt: now}
		if err := e.Repo.InsertOperatorTask(ctx, tx, task); err != nil {
			return domain.PurchaseRequest{}, err
		}
	}
	p.UpdatedAt = now
	if err := e.Repo.UpdateRequestCAS(ctx, tx, p, RequestInspectionScheduled, prevVersion); err != nil {
		return domain.PurchaseRequest{}, err
	}
	p.Version = prevVersion + 1

	if err := e.Repo.ResolveOperatorTasksFor(ctx, tx, "port_inspection", "purchase_request", p.ID, inspectorID, now); err != nil {
		return domain.PurchaseRequest{}, err
	}
	err = e.Events.Append(ctx, tx, "request.inspected", "purchase_request", p.ID, inspectorID, events.EventPayload{
		"result": result, "overall_status": p.OverallStatus,
	})
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PurchaseRequest{}, err
	}
	return p, nil
}

// OverrideInspection resolves a conditional inspection. Acceptance counts as
// a pass; denial rejects the request and releases the reservation.
func (e *Engine) OverrideInspection(ctx context.Context, operatorID, requestID string, accept bool, notes string) (domain.PurchaseRequest, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	if p.OverallStatus != RequestInspectionScheduled || p.InspectionStatus != "conditional" {
		return domain.PurchaseRequest{}, &StateConflictError{EntityKind: "purchase_request", EntityID: p.ID,
			CurrentState: p.OverallStatus + "/" + p.InspectionStatus, Attempted: "override inspection"}
	}

	now := e.nowRFC3339()
	prevVersion := p.Version
	if notes != "" {
		p.InspectionNotes = &notes
	}
	if accept {
		p.InspectionStatus = "passed"
		p.OverallStatus = RequestApproved
		p.ProgressPercent = progressInspected
	} else {
		p.InspectionStatus = "failed"
		p.OverallStatus = RequestRejected
		reason := "inspection_override_denied"
		p.RejectReason = &reason
		if err := e.releaseReservation(ctx, tx, p.OfferRef, p.QuantityRequested); err != nil {
			return domain.PurchaseRequest{}, err
		}
	}
	p.UpdatedAt = now
	if err := e.Repo.UpdateRequestCAS(ctx, tx, p, RequestInspectionScheduled, prevVersion); err != nil {
		return domain.PurchaseRequest{}, err
	}
	p.Version = prevVersion + 1

	if err := e.Repo.ResolveOperatorTasksFor(ctx, tx, "conditional_inspection", "purchase_request", p.ID, operatorID, now); err != nil {
		return domain.PurchaseRequest{}, err
	}
	err = e.Events.Append(ctx, tx, "request.inspection_overridden", "purchase_request", p.ID, operatorID, events.EventPayload{
		"accepted": accept, "overall_status": p.OverallStatus,
	})
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PurchaseRequest{}, err
	}
	return p, nil
}

// RespondAsCounterparty records the buyer's final word. Acceptance signs the
// contract; a contract signs only after review approval and a passed
// inspection.
func (e *Engine) RespondAsCounterparty(ctx context.Context, actorID, requestID string, accept bool, notes string) (domain.PurchaseRequest, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	if p.OverallStatus != RequestApproved {
		return domain.PurchaseRequest{}, &StateConflictError{EntityKind: "purchase_request", EntityID: p.ID, CurrentState: p.OverallStatus, Attempted: "counterparty response"}
	}
	if p.ReviewStatus != "approved" || p.InspectionStatus != "passed" {
		return domain.PurchaseRequest{}, &PreconditionError{Msg: "contract requires approved review and passed inspection"}
	}

	now := e.nowRFC3339()
	prevVersion := p.Version
	if accept {
		p.CounterpartyStatus = "accepted"
		p.OverallStatus = RequestContractSigned
		p.ProgressPercent = progressAccepted
	} else {
		p.CounterpartyStatus = "rejected"
		p.OverallStatus = RequestRejected
		reason := "counterparty_rejected"
		if notes != "" {
			reason = notes
		}
		p.RejectReason = &reason
		if err := e.releaseReservation(ctx, tx, p.OfferRef, p.QuantityRequested); err != nil {
			return domain.PurchaseRequest{}, err
		}
	}
	p.UpdatedAt = now
	if err := e.Repo.UpdateRequestCAS(ctx, tx, p, RequestApproved, prevVersion); err != nil {
		return domain.PurchaseRequest{}, err
	}
	p.Version = prevVersion + 1

	evtType := "request.contract_signed"
	if !accept {
		evtType = "request.counterparty_rejected"
	}
	err = e.Events.Append(ctx, tx, evtType, "purchase_request", p.ID, actorID, events.EventPayload{
		"overall_status": p.OverallStatus,
	})
	if err != nil {
		return domain.PurchaseRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PurchaseRequest{}, err
	}
	return p, nil
}

// releaseReservation returns quantity to an offer after a terminal
// rejection. A consumed offer with stock again and time left reopens.
func (e *Engine) releaseReservation(ctx context.Context, tx *sql.Tx, offerID string, quantity float64) error {
	o, err := e.Repo.GetOfferTx(ctx, tx, offerID)
	if err != nil {
		return err
	}
	prevVersion := o.Version
	o.RemainingQuantity += quantity
	if o.RemainingQuantity > o.Quantity {
		o.RemainingQuantity = o.Quantity
	}
	if o.Status == "consumed" {
		if expiry, perr := time.Parse(time.RFC3339, o.ExpiresAt); perr == nil && expiry.After(e.now().UTC()) {
			o.Status = "open"
		} else {
			o.Status = "expired"
		}
	}
	return e.Repo.UpdateOfferCAS(ctx, tx, o, prevVersion)
}
