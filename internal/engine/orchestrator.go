package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"agritrace/internal/domain"
	"agritrace/internal/events"
	"agritrace/internal/repo"
	"agritrace/internal/risk"
	"agritrace/internal/stage"
)

// CreateWorkflow opens a new commodity workflow at the registration stage.
func (e *Engine) CreateWorkflow(ctx context.Context, actorID, batchRef, farmerID, county string) (domain.Workflow, error) {
	var missing []string
	if batchRef == "" {
		missing = append(missing, "batch_ref")
	}
	if farmerID == "" {
		missing = append(missing, "farmer_id")
	}
	if county == "" {
		missing = append(missing, "county")
	}
	if len(missing) > 0 {
		return domain.Workflow{}, &ValidationError{Msg: "missing required fields", Fields: missing}
	}

	now := e.nowRFC3339()
	w := domain.Workflow{
		ID:           uuid.NewString(),
		BatchRef:     batchRef,
		FarmerID:     farmerID,
		County:       county,
		CurrentStage: stage.FarmerRegistration,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	payload := map[string]any{"farmer_id": farmerID, "county": county}
	payloadJSON, hash := hashPayload(stage.FarmerRegistration, payload)

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertWorkflow(ctx, tx, w); err != nil {
		return domain.Workflow{}, fmt.Errorf("insert workflow: %w", err)
	}
	rec := domain.StageRecord{WorkflowID: w.ID, Stage: w.CurrentStage, EnteredAt: now, PayloadJSON: payloadJSON, PayloadHash: hash}
	if err := e.Repo.AppendStageRecord(ctx, tx, rec); err != nil {
		return domain.Workflow{}, fmt.Errorf("append stage record: %w", err)
	}
	err = e.Events.Append(ctx, tx, "workflow.created", "workflow", w.ID, actorID, events.EventPayload{
		"batch_ref": batchRef, "county": county, "stage": w.CurrentStage,
	})
	if err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

// Advance moves a workflow into the next stage. The transition is validated
// against the stage registry, required payload keys are checked, and the
// EUDR assessment stage routes through the risk evaluator. A replay of the
// already-applied transition with an identical payload is a no-op. Reaching
// the terminal stage archives the workflow.
func (e *Engine) Advance(ctx context.Context, actorID, workflowID, toStage string, payload map[string]any) (domain.Workflow, error) {
	def, err := stage.Lookup(toStage)
	if err != nil {
		return domain.Workflow{}, &ValidationError{Msg: err.Error()}
	}
	if toStage == stage.ManualReview {
		return domain.Workflow{}, &ValidationError{Msg: "manual_review is not directly enterable"}
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, hash := hashPayload(toStage, payload)

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	last, err := e.Repo.LastStageRecord(ctx, tx, w.ID)
	if err != nil && err != repo.ErrNotFound {
		return domain.Workflow{}, err
	}
	if err == nil && last.PayloadHash == hash {
		if w.CurrentStage == toStage && last.Stage == toStage {
			// Replay of the applied transition.
			return w, nil
		}
		if w.CurrentStage == stage.ManualReview && last.Stage == stage.ManualReview && toStage == stage.EUDRAssessment {
			// Replay of the assessment that parked the workflow: the
			// evidence already went through the evaluator, routed here,
			// and filed its operator task.
			return w, nil
		}
	}

	if w.Archived {
		return domain.Workflow{}, &StateConflictError{EntityKind: "workflow", EntityID: w.ID, CurrentState: "archived", Attempted: "advance to " + toStage}
	}
	if w.Blocked {
		return domain.Workflow{}, &StateConflictError{EntityKind: "workflow", EntityID: w.ID, CurrentState: "blocked (" + derefOr(w.BlockReason, "no reason") + ")", Attempted: "advance to " + toStage}
	}

	cur, err := stage.Lookup(w.CurrentStage)
	if err != nil {
		return domain.Workflow{}, err
	}
	if cur.Terminal {
		return domain.Workflow{}, &StateConflictError{EntityKind: "workflow", EntityID: w.ID, CurrentState: w.CurrentStage, Attempted: "advance to " + toStage}
	}
	if !stage.ValidPredecessor(w.CurrentStage, toStage) {
		return domain.Workflow{}, &StateConflictError{EntityKind: "workflow", EntityID: w.ID, CurrentState: w.CurrentStage, Attempted: "advance to " + toStage}
	}
	if missing := stage.MissingInputs(def, payload); len(missing) > 0 {
		return domain.Workflow{}, &ValidationError{Msg: "missing stage inputs for " + toStage, Fields: missing}
	}

	now := e.nowRFC3339()
	var verdict *string
	nextStage := toStage

	switch toStage {
	case stage.EUDRAssessment:
		assessment, err := parseAssessmentInputs(payload)
		if err != nil {
			return domain.Workflow{}, err
		}
		v := assessment.Verdict
		verdict = &v
		// The stored payload carries the evaluator output, but the
		// idempotency hash stays over the caller's inputs only.
		payload["assessment"] = assessment
		payloadJSON, _ = hashPayload(toStage, payload)
		switch assessment.Verdict {
		case risk.VerdictReview:
			nextStage = stage.ManualReview
		case risk.VerdictReject:
			reason := fmt.Sprintf("risk evaluator rejected batch: score %d, level %s", assessment.Score, assessment.RiskLevel)
			w.Blocked = true
			w.BlockReason = &reason
		}
	case stage.CertificateIssuance, stage.ExportPackGenerated:
		approvalID, _ := payload["certificate_approval_id"].(string)
		if err := e.checkApprovalGate(ctx, tx, approvalID, toStage); err != nil {
			return domain.Workflow{}, err
		}
	}

	if err := e.Repo.CloseOpenStageRecord(ctx, tx, w.ID, now); err != nil {
		return domain.Workflow{}, err
	}
	rec := domain.StageRecord{WorkflowID: w.ID, Stage: toStage, EnteredAt: now, Verdict: verdict, PayloadJSON: payloadJSON, PayloadHash: hash}
	if err := e.Repo.AppendStageRecord(ctx, tx, rec); err != nil {
		return domain.Workflow{}, err
	}
	if nextStage == stage.ManualReview {
		if err := e.Repo.CloseOpenStageRecord(ctx, tx, w.ID, now); err != nil {
			return domain.Workflow{}, err
		}
		mr := domain.StageRecord{WorkflowID: w.ID, Stage: stage.ManualReview, EnteredAt: now, PayloadHash: hash}
		if err := e.Repo.AppendStageRecord(ctx, tx, mr); err != nil {
			return domain.Workflow{}, err
		}
		task := domain.OperatorTask{Kind: "manual_review", EntityKind: "workflow", EntityID: w.ID,
			Reason: "risk evaluator requested manual review", CreatedAt: now}
		if err := e.Repo.InsertOperatorTask(ctx, tx, task); err != nil {
			return domain.Workflow{}, err
		}
	}
	if w.Blocked {
		task := domain.OperatorTask{Kind: "blocked", EntityKind: "workflow", EntityID: w.ID,
			Reason: derefOr(w.BlockReason, "blocked"), CreatedAt: now}
		if err := e.Repo.InsertOperatorTask(ctx, tx, task); err != nil {
			return domain.Workflow{}, err
		}
	}
	if commodity, ok := payload["commodity"].(string); ok && toStage == stage.CommodityRegistration {
		w.Commodity = commodity
	}

	prevVersion := w.Version
	w.CurrentStage = nextStage
	if def.Terminal {
		w.Archived = true
	}
	w.UpdatedAt = now
	if err := e.Repo.UpdateWorkflowCAS(ctx, tx, w, prevVersion); err != nil {
		return domain.Workflow{}, err
	}
	w.Version = prevVersion + 1

	evtPayload := events.EventPayload{"stage": nextStage, "from": cur.Name}
	if w.Archived {
		evtPayload["archived"] = true
	}
	if verdict != nil {
		evtPayload["verdict"] = *verdict
	}
	if err := e.Events.Append(ctx, tx, "workflow.advanced", "workflow", w.ID, actorID, evtPayload); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

// checkApprovalGate enforces that certificate-gated stages reference a
// decided approval.
func (e *Engine) checkApprovalGate(ctx context.Context, tx *sql.Tx, approvalID, toStage string) error {
	a, err := e.Repo.GetApprovalTx(ctx, tx, approvalID)
	if err == repo.ErrNotFound {
		return &PreconditionError{Msg: "certificate approval " + approvalID + " not found"}
	}
	if err != nil {
		return err
	}
	if a.Status != "approved" && a.Status != "sent" {
		return &PreconditionError{Msg: fmt.Sprintf("certificate approval %s is %s; %s requires an approved certificate", a.ID, a.Status, toStage)}
	}
	if toStage == stage.ExportPackGenerated && a.CertificateType != "eudr_compliance" {
		return &PreconditionError{Msg: "export pack requires an eudr_compliance certificate, got " + a.CertificateType}
	}
	return nil
}

// Block marks a workflow blocked. Operator only.
func (e *Engine) Block(ctx context.Context, actorID, workflowID, reason string) (domain.Workflow, error) {
	if reason == "" {
		return domain.Workflow{}, &ValidationError{Msg: "missing required fields", Fields: []string{"reason"}}
	}
	return e.setBlocked(ctx, actorID, workflowID, true, &reason)
}

// Unblock clears a block and surfaces the workflow back to its current stage.
func (e *Engine) Unblock(ctx context.Context, actorID, workflowID string) (domain.Workflow, error) {
	return e.setBlocked(ctx, actorID, workflowID, false, nil)
}

func (e *Engine) setBlocked(ctx context.Context, actorID, workflowID string, blocked bool, reason *string) (domain.Workflow, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if w.Blocked == blocked {
		state := "unblocked"
		if w.Blocked {
			state = "blocked"
		}
		attempted := "unblock"
		if blocked {
			attempted = "block"
		}
		return domain.Workflow{}, &StateConflictError{EntityKind: "workflow", EntityID: w.ID, CurrentState: state, Attempted: attempted}
	}
	now := e.nowRFC3339()
	prevVersion := w.Version
	w.Blocked = blocked
	w.BlockReason = reason
	w.UpdatedAt = now
	if err := e.Repo.UpdateWorkflowCAS(ctx, tx, w, prevVersion); err != nil {
		return domain.Workflow{}, err
	}
	w.Version = prevVersion + 1

	evtType := "workflow.blocked"
	evtPayload := events.EventPayload{}
	if blocked {
		evtPayload["reason"] = *reason
		task := domain.OperatorTask{Kind: "blocked", EntityKind: "workflow", EntityID: w.ID, Reason: *reason, CreatedAt: now}
		if err := e.Repo.InsertOperatorTask(ctx, tx, task); err != nil {
			return domain.Workflow{}, err
		}
	} else {
		evtType = "workflow.unblocked"
		if err := e.Repo.ResolveOperatorTasksFor(ctx, tx, "blocked", "workflow", w.ID, actorID, now); err != nil {
			return domain.Workflow{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, evtType, "workflow", w.ID, actorID, evtPayload); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

// ResolveManualReview closes the manual review side state. Approval routes
// the workflow back to the assessment stage with a pass verdict; denial
// blocks it.
func (e *Engine) ResolveManualReview(ctx context.Context, actorID, workflowID string, approve bool, notes string) (domain.Workflow, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if w.CurrentStage != stage.ManualReview {
		return domain.Workflow{}, &StateConflictError{EntityKind: "workflow", EntityID: w.ID, CurrentState: w.CurrentStage, Attempted: "resolve manual review"}
	}

	now := e.nowRFC3339()
	prevVersion := w.Version
	verdict := risk.VerdictPass
	if approve {
		w.CurrentStage = stage.EUDRAssessment
	} else {
		verdict = risk.VerdictReject
		reason := "manual review denied"
		if notes != "" {
			reason = "manual review denied: " + notes
		}
		w.CurrentStage = stage.EUDRAssessment
		w.Blocked = true
		w.BlockReason = &reason
	}
	w.UpdatedAt = now
	if err := e.Repo.UpdateWorkflowCAS(ctx, tx, w, prevVersion); err != nil {
		return domain.Workflow{}, err
	}
	w.Version = prevVersion + 1

	if err := e.Repo.CloseOpenStageRecord(ctx, tx, w.ID, now); err != nil {
		return domain.Workflow{}, err
	}
	payload := map[string]any{"resolution": verdict, "notes": notes}
	payloadJSON, hash := hashPayload(stage.EUDRAssessment, payload)
	rec := domain.StageRecord{WorkflowID: w.ID, Stage: stage.EUDRAssessment, EnteredAt: now, Verdict: &verdict, PayloadJSON: payloadJSON, PayloadHash: hash}
	if err := e.Repo.AppendStageRecord(ctx, tx, rec); err != nil {
		return domain.Workflow{}, err
	}
	if err := e.Repo.ResolveOperatorTasksFor(ctx, tx, "manual_review", "workflow", w.ID, actorID, now); err != nil {
		return domain.Workflow{}, err
	}
	if w.Blocked {
		task := domain.OperatorTask{Kind: "blocked", EntityKind: "workflow", EntityID: w.ID, Reason: derefOr(w.BlockReason, "blocked"), CreatedAt: now}
		if err := e.Repo.InsertOperatorTask(ctx, tx, task); err != nil {
			return domain.Workflow{}, err
		}
	}
	err = e.Events.Append(ctx, tx, "workflow.review_resolved", "workflow", w.ID, actorID, events.EventPayload{
		"approved": approve, "verdict": verdict,
	})
	if err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

func parseAssessmentInputs(payload map[string]any) (risk.Assessment, error) {
	var geo risk.Geospatial
	var docs risk.Documentation
	if err := decodeField(payload["geospatial"], &geo); err != nil {
		return risk.Assessment{}, &ValidationError{Msg: "invalid geospatial evidence: " + err.Error()}
	}
	if err := decodeField(payload["documentation"], &docs); err != nil {
		return risk.Assessment{}, &ValidationError{Msg: "invalid documentation evidence: " + err.Error()}
	}
	grade, _ := payload["quality_grade"].(string)
	return risk.Evaluate(geo, docs, grade), nil
}

func decodeField(v any, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// hashPayload canonicalizes the stage payload for idempotency comparison.
// json.Marshal sorts map keys, so identical payloads hash identically.
func hashPayload(stageName string, payload map[string]any) (string, string) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	sum := sha256.Sum256(append([]byte(stageName+"\n"), data...))
	return string(data), hex.EncodeToString(sum[:])
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
