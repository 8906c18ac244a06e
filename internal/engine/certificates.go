package engine

import (
	"context"

	"github.com/google/uuid"

	"agritrace/internal/domain"
	"agritrace/internal/events"
	"agritrace/internal/repo"
)

var certificateTypes = map[string]bool{
	"eudr_compliance": true,
	"quality_control": true,
	"origin":          true,
	"phytosanitary":   true,
}

// SubmitApproval files a certificate approval request into the reviewer
// queue.
func (e *Engine) SubmitApproval(ctx context.Context, actorID, actorRole, certificateType, subjectRef, jurisdiction string, priority int) (domain.CertificateApproval, error) {
	var missing []string
	if subjectRef == "" {
		missing = append(missing, "subject_ref")
	}
	if jurisdiction == "" {
		missing = append(missing, "jurisdiction")
	}
	if len(missing) > 0 {
		return domain.CertificateApproval{}, &ValidationError{Msg: "missing required fields", Fields: missing}
	}
	if !certificateTypes[certificateType] {
		return domain.CertificateApproval{}, &ValidationError{Msg: "unknown certificate type " + certificateType, Fields: []string{"certificate_type"}}
	}

	now := e.nowRFC3339()
	a := domain.CertificateApproval{
		ID:              uuid.NewString(),
		CertificateType: certificateType,
		SubjectRef:      subjectRef,
		Jurisdiction:    jurisdiction,
		RequestedBy:     actorID,
		RequestedByRole: actorRole,
		Status:          "pending",
		Priority:        priority,
		Version:         1,
		RequestedAt:     now,
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.CertificateApproval{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertApproval(ctx, tx, a); err != nil {
		return domain.CertificateApproval{}, err
	}
	err = e.Events.Append(ctx, tx, "certificate.requested", "certificate_approval", a.ID, actorID, events.EventPayload{
		"certificate_type": certificateType, "subject_ref": subjectRef, "jurisdiction": jurisdiction,
	})
	if err != nil {
		return domain.CertificateApproval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CertificateApproval{}, err
	}
	return a, nil
}

// DecideApproval records an approve or reject decision. Jurisdictions is the
// set the reviewer may decide for; an empty set means unrestricted. Exactly
// one decision wins a race: the loser sees a state conflict carrying the
// winning status.
func (e *Engine) DecideApproval(ctx context.Context, reviewerID string, jurisdictions []string, approvalID string, approve bool, rejectionReason string) (domain.CertificateApproval, error) {
	if !approve && rejectionReason == "" {
		return domain.CertificateApproval{}, &ValidationError{Msg: "missing required fields", Fields: []string{"rejection_reason"}}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.CertificateApproval{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetApprovalTx(ctx, tx, approvalID)
	if err != nil {
		return domain.CertificateApproval{}, err
	}
	if !jurisdictionCovered(jurisdictions, a.Jurisdiction) {
		return domain.CertificateApproval{}, &AuthorizationError{ActorID: reviewerID,
			Msg: "reviewer " + reviewerID + " is not assigned jurisdiction " + a.Jurisdiction}
	}
	if a.Status != "pending" {
		return domain.CertificateApproval{}, &StateConflictError{EntityKind: "certificate_approval", EntityID: a.ID, CurrentState: a.Status, Attempted: "decide"}
	}

	now := e.nowRFC3339()
	status := "approved"
	var reason *string
	if !approve {
		status = "rejected"
		reason = &rejectionReason
	}
	err = e.Repo.DecideApprovalCAS(ctx, tx, a.ID, reviewerID, status, reason, now, a.Version)
	if err == repo.ErrVersionConflict {
		// A concurrent reviewer decided first; report their decision.
		current, gerr := e.Repo.GetApproval(ctx, a.ID)
		if gerr != nil {
			return domain.CertificateApproval{}, gerr
		}
		return domain.CertificateApproval{}, &StateConflictError{EntityKind: "certificate_approval", EntityID: a.ID, CurrentState: current.Status, Attempted: "decide"}
	}
	if err != nil {
		return domain.CertificateApproval{}, err
	}

	a.Status = status
	a.ReviewerID = &reviewerID
	a.DecisionAt = &now
	a.RejectionReason = reason
	a.Version++

	evtType := "certificate.approved"
	evtPayload := events.EventPayload{"certificate_type": a.CertificateType, "subject_ref": a.SubjectRef}
	if !approve {
		evtType = "certificate.rejected"
		evtPayload["reason"] = rejectionReason
	}
	if err := e.Events.Append(ctx, tx, evtType, "certificate_approval", a.ID, reviewerID, evtPayload); err != nil {
		return domain.CertificateApproval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CertificateApproval{}, err
	}
	return a, nil
}

// SendCertificate transmits an approved certificate to its requester and
// marks it sent. Only approved certificates can be sent.
func (e *Engine) SendCertificate(ctx context.Context, actorID, approvalID string) (domain.CertificateApproval, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.CertificateApproval{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetApprovalTx(ctx, tx, approvalID)
	if err != nil {
		return domain.CertificateApproval{}, err
	}
	switch a.Status {
	case "approved":
	case "sent":
		// Resend is a no-op.
		return a, nil
	default:
		return domain.CertificateApproval{}, &PreconditionError{Msg: "certificate approval " + a.ID + " is " + a.Status + "; only approved certificates can be sent"}
	}

	now := e.nowRFC3339()
	if err := e.Repo.MarkApprovalSentCAS(ctx, tx, a.ID, now, a.Version); err != nil {
		return domain.CertificateApproval{}, err
	}
	a.Status = "sent"
	a.SentAt = &now
	a.Version++

	err = e.Events.Append(ctx, tx, "certificate.sent", "certificate_approval", a.ID, actorID, events.EventPayload{
		"certificate_type": a.CertificateType, "subject_ref": a.SubjectRef, "recipient": a.RequestedBy,
	})
	if err != nil {
		return domain.CertificateApproval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CertificateApproval{}, err
	}
	return a, nil
}

func jurisdictionCovered(assigned []string, jurisdiction string) bool {
	if len(assigned) == 0 {
		return true
	}
	for _, j := range assigned {
		if j == jurisdiction {
			return true
		}
	}
	return false
}
