package engine_test

import (
	"errors"
	"testing"
	"time"

	"agritrace/internal/domain"
	"agritrace/internal/engine"
)

func openOffer(t *testing.T, env testEnv, quantity float64) domain.Offer {
	t.Helper()
	o, err := env.Engine.CreateOffer(env.Ctx, "seller-1", engine.OfferInput{
		SellerRef:      "seller-1",
		Commodity:      "coffee",
		Quantity:       quantity,
		PricePerUnit:   2750,
		SourceLocation: "Kericho",
		ExpiresAt:      env.Now.Add(72 * time.Hour).Format(time.RFC3339),
		EUDRCompliant:  true,
	})
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	return o
}

func TestPurchaseRequestHappyPath(t *testing.T) {
	env := newTestEnv(t)
	o := openOffer(t, env, 500)

	p, err := env.Engine.SubmitPurchaseRequest(env.Ctx, "buyer-1", o.ID, "buyer-1", 300, 2750)
	if err != nil {
		t.Fatalf("submit request: %v", err)
	}
	if p.OverallStatus != engine.RequestPending || p.ProgressPercent != 25 {
		t.Fatalf("submitted request = %s/%d, want pending/25", p.OverallStatus, p.ProgressPercent)
	}
	got, err := env.Engine.Repo.GetOffer(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if got.RemainingQuantity != 200 {
		t.Fatalf("remaining = %.0f, want 200 after reservation", got.RemainingQuantity)
	}

	p, err = env.Engine.ReviewRequest(env.Ctx, "rev-1", p.ID, "approve", "documents in order")
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if p.OverallStatus != engine.RequestInspectionScheduled || p.ProgressPercent != 50 {
		t.Fatalf("reviewed request = %s/%d, want inspection_scheduled/50", p.OverallStatus, p.ProgressPercent)
	}
	// Approval files the port-inspection task.
	tasks, err := env.Engine.Repo.ListOpenOperatorTasks(env.Ctx, "port_inspection", 10)
	if err != nil {
		t.Fatalf("operator queue: %v", err)
	}
	if len(tasks) != 1 || tasks[0].EntityID != p.ID {
		t.Fatalf("tasks = %+v, want one port_inspection task", tasks)
	}

	date := env.Now.Add(24 * time.Hour).Format(time.RFC3339)
	p, err = env.Engine.ScheduleInspection(env.Ctx, "insp-1", p.ID, date)
	if err != nil {
		t.Fatalf("schedule inspection: %v", err)
	}
	if p.InspectionStatus != "scheduled" || p.InspectorID == nil || *p.InspectorID != "insp-1" {
		t.Fatalf("request = %s by %v, want scheduled by insp-1", p.InspectionStatus, p.InspectorID)
	}

	p, err = env.Engine.SubmitInspectionResult(env.Ctx, "insp-1", p.ID, "passed", "")
	if err != nil {
		t.Fatalf("inspection result: %v", err)
	}
	if p.OverallStatus != engine.RequestApproved || p.ProgressPercent != 75 {
		t.Fatalf("inspected request = %s/%d, want approved/75", p.OverallStatus, p.ProgressPercent)
	}
	tasks, err = env.Engine.Repo.ListOpenOperatorTasks(env.Ctx, "port_inspection", 10)
	if err != nil {
		t.Fatalf("operator queue: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("port_inspection task not resolved on result: %+v", tasks)
	}

	p, err = env.Engine.RespondAsCounterparty(env.Ctx, "buyer-1", p.ID, true, "")
	if err != nil {
		t.Fatalf("counterparty accept: %v", err)
	}
	if p.OverallStatus != engine.RequestContractSigned || p.ProgressPercent != 100 {
		t.Fatalf("final request = %s/%d, want contract_signed/100", p.OverallStatus, p.ProgressPercent)
	}
	if p.CounterpartyStatus != "accepted" {
		t.Fatalf("counterparty status = %s, want accepted", p.CounterpartyStatus)
	}
}

func TestSubmitAgainstExpiredOffer(t *testing.T) {
	env := newTestEnv(t)
	o := openOffer(t, env, 100)
	env.advanceClock(96 * time.Hour)
	_, err := env.Engine.SubmitPurchaseRequest(env.Ctx, "buyer-1", o.ID, "buyer-1", 50, 2750)
	var exp *engine.ExpirationError
	if !errors.As(err, &exp) {
		t.Fatalf("err = %v, want ExpirationError", err)
	}
}

func TestSubmitOverRemainingQuantity(t *testing.T) {
	env := newTestEnv(t)
	o := openOffer(t, env, 100)
	if _, err := env.Engine.SubmitPurchaseRequest(env.Ctx, "buyer-1", o.ID, "buyer-1", 80, 2750); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, err := env.Engine.SubmitPurchaseRequest(env.Ctx, "buyer-2", o.ID, "buyer-2", 40, 2750)
	var pre *engine.PreconditionError
	if !errors.As(err, &pre) {
		t.Fatalf("err = %v, want PreconditionError", err)
	}
}

func TestOfferConsumedAtZeroRemaining(t *testing.T) {
	env := newTestEnv(t)
	o := openOffer(t, env, 100)
	if _, err := env.Engine.SubmitPurchaseRequest(env.Ctx, "buyer-1", o.ID, "buyer-1", 100, 2750); err != nil {
		t.Fatalf("request: %v", err)
	}
	got, err := env.Engine.Repo.GetOffer(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if got.Status != "consumed" {
		t.Fatalf("status = %s, want consumed", got.Status)
	}
	_, err = env.Engine.SubmitPurchaseRequest(env.Ctx, "buyer-2", o.ID, "buyer-2", 1, 2750)
	var conflict *engine.StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("submit on consumed offer: err = %v, want StateConflictError", err)
	}
}

func TestReviewRejectReleasesReservation(t *testing.T) {
	env := newTestEnv(t)
	o := openOffer(t, env, 100)
	p, err := env.Engine.SubmitPurchaseRequest(env.Ctx, "buyer-1", o.ID, "buyer-1", 100, 2750)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	p, err = env.Engine.ReviewRequest(env.Ctx, "rev-1", p.ID, "reject", "price manipulation suspected")
	if err != nil {
		t.Fatalf("review reject: %v", err)
	}
	if p.OverallStatus != engine.RequestRejected {
		t.Fatalf("status = %s, want rejected", p.OverallStatus)
	}
	got, err := env.Engine.Repo.GetOffer(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if got.RemainingQuantity != 100 || got.Status != "open" {
		t.Fatalf("offer = %.0f/%s, want full quantity back on a reopened offer", got.RemainingQuantity, got.Status)
	}
	// A rejected request is terminal.
	if _, err := env.Engine.ReviewRequest(env.Ctx, "rev-1", p.ID, "approve", ""); err == nil {
		t.Fatalf("review on rejected request must conflict")
	}
}

func TestRevisionLoop(t *testing.T) {
	env := newTestEnv(t)
	o := openOffer(t, env, 200)
	p, err := env.Engine.SubmitPurchaseRequest(env.Ctx, "buyer-1", o.ID, "buyer-1", 50, 2750)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	p, err = env.Engine.ReviewRequest(env.Ctx, "rev-1", p.ID, "revision", "missing import permit")
	if err != nil {
		t.Fatalf("review revision: %v", err)
	}
	if p.OverallStatus != engine.RequestRevisionRequired || p.ProgressPercent != 25 {
		t.Fatalf("request = %s/%d, want revision_required/25", p.OverallStatus, p.ProgressPercent)
	}
	// The reservation stays while a revision is pending.
	got, err := env.Engine.Repo.GetOffer(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if got.RemainingQuantity != 150 {
		t.Fatalf("remaining = %.0f, want 150", got.RemainingQuantity)
	}

	p, err = env.Engine.Resubmit(env.Ctx, "buyer-1", p.ID, "permit attached")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if p.OverallStatus != engine.RequestPending || p.ReviewStatus != "pending" || p.ReviewerID != nil {
		t.Fatalf("resubmitted request = %+v, want a fresh pending review", p)
	}
	if _, err := env.Engine.ReviewRequest(env.Ctx, "rev-2", p.ID, "approve", ""); err != nil {
		t.Fatalf("review after resubmit: %v", err)
	}
}

func TestInspectionRequiresApprovedReview(t *testing.T) {
	env := newTestEnv(t)
	o := openOffer(t, env, 100)
	p, err := env.Engine.SubmitPurchaseRequest(env.Ctx, "buyer-1", o.ID, "buyer-1", 50, 2750)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	date := env.Now.Add(24 * time.Hour).Format(time.RFC3339)
	_, err = env.Engine.ScheduleInspection(env.Ctx, "insp-1", p.ID, date)
	var pre *engine.PreconditionError
	if !errors.As(err, &pre) {
		t.Fatalf("err = %v, want PreconditionError", err)
	}

	// Once approved and scheduled, a second booking conflicts.
	if _, err := env.Engine.ReviewRequest(env.Ctx, "rev-1", p.ID, "approve", ""); err != nil {
		t.Fatalf("review: %v", err)
	}
	if _, err := env.Engine.ScheduleInspection(env.Ctx, "insp-1", p.ID, date); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	_, err = env.Engine.ScheduleInspection(env.Ctx, "insp-2", p.ID, date)
	var conflict *engine.StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("double schedule: err = %v, want StateConflictError", err)
	}
}

func TestFailedInspectionRejectsAndReleases(t *testing.T) {
	env := newTestEnv(t)
	o := openOffer(t, env, 100)
	p := scheduleInspected(t, env, o, 60)
	p, err := env.Engine.SubmitInspectionResult(env.Ctx, "insp-1", p.ID, "failed", "moisture out of range")
	if err != nil {
		t.Fatalf("inspection result: %v", err)
	}
	if p.OverallStatus != engine.RequestRejected || p.InspectionStatus != "failed" {
		t.Fatalf("request = %s/%s, want rejected/failed", p.OverallStatus, p.InspectionStatus)
	}
	if p.RejectReason == nil || *p.RejectReason != "inspection_failed" {
		t.Fatalf("reject reason = %v, want inspection_failed", p.RejectReason)
	}
	got, err := env.Engine.Repo.GetOffer(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if got.RemainingQuantity != 100 {
		t.Fatalf("remaining = %.0f, want reservation released", got.RemainingQuantity)
	}
	// No counterparty response on a rejected request.
	if _, err := env.Engine.RespondAsCounterparty(env.Ctx, "buyer-1", p.ID, true, ""); err == nil {
		t.Fatalf("counterparty response on rejected request must conflict")
	}
}

func TestConditionalInspectionOverride(t *testing.T) {
	env := newTestEnv(t)
	o := openOffer(t, env, 100)
	p := scheduleInspected(t, env, o, 60)
	p, err := env.Engine.SubmitInspectionResult(env.Ctx, "insp-1", p.ID, "conditional", "minor labeling defects")
	if err != nil {
		t.Fatalf("inspection result: %v", err)
	}
	if p.OverallStatus != engine.RequestInspectionScheduled || p.InspectionStatus != "conditional" {
		t.Fatalf("request = %s/%s, want parked conditional", p.OverallStatus, p.InspectionStatus)
	}
	tasks, err := env.Engine.Repo.ListOpenOperatorTasks(env.Ctx, "conditional_inspection", 10)
	if err != nil {
		t.Fatalf("operator queue: %v", err)
	}
	if len(tasks) != 1 || tasks[0].EntityID != p.ID {
		t.Fatalf("tasks = %+v, want one conditional_inspection task", tasks)
	}
	// The buyer cannot jump the queue while the override is pending.
	if _, err := env.Engine.RespondAsCounterparty(env.Ctx, "buyer-1", p.ID, true, ""); err == nil {
		t.Fatalf("counterparty response before override must conflict")
	}

	p, err = env.Engine.OverrideInspection(env.Ctx, "op-1", p.ID, true, "labels fixed at port")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if p.OverallStatus != engine.RequestApproved || p.InspectionStatus != "passed" {
		t.Fatalf("request = %s/%s, want approved/passed", p.OverallStatus, p.InspectionStatus)
	}
	tasks, err = env.Engine.Repo.ListOpenOperatorTasks(env.Ctx, "conditional_inspection", 10)
	if err != nil {
		t.Fatalf("operator queue: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("override must resolve the parked task: %+v", tasks)
	}
	if _, err := env.Engine.RespondAsCounterparty(env.Ctx, "buyer-1", p.ID, true, ""); err != nil {
		t.Fatalf("counterparty accept after override: %v", err)
	}
}

func TestConditionalOverrideDenied(t *testing.T) {
	env := newTestEnv(t)
	o := openOffer(t, env, 100)
	p := scheduleInspected(t, env, o, 100)
	p, err := env.Engine.SubmitInspectionResult(env.Ctx, "insp-1", p.ID, "conditional", "")
	if err != nil {
		t.Fatalf("inspection result: %v", err)
	}
	p, err = env.Engine.OverrideInspection(env.Ctx, "op-1", p.ID, false, "defects confirmed")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if p.OverallStatus != engine.RequestRejected {
		t.Fatalf("status = %s, want rejected", p.OverallStatus)
	}
	got, err := env.Engine.Repo.GetOffer(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if got.RemainingQuantity != 100 || got.Status != "open" {
		t.Fatalf("offer = %.0f/%s, want consumed offer reopened with stock back", got.RemainingQuantity, got.Status)
	}
}

func TestCounterpartyReject(t *testing.T) {
	env := newTestEnv(t)
	o := openOffer(t, env, 100)
	p := scheduleInspected(t, env, o, 40)
	p, err := env.Engine.SubmitInspectionResult(env.Ctx, "insp-1", p.ID, "passed", "")
	if err != nil {
		t.Fatalf("inspection result: %v", err)
	}
	p, err = env.Engine.RespondAsCounterparty(env.Ctx, "buyer-1", p.ID, false, "found a better price")
	if err != nil {
		t.Fatalf("counterparty reject: %v", err)
	}
	if p.OverallStatus != engine.RequestRejected || p.CounterpartyStatus != "rejected" {
		t.Fatalf("request = %s/%s, want rejected/rejected", p.OverallStatus, p.CounterpartyStatus)
	}
	got, err := env.Engine.Repo.GetOffer(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if got.RemainingQuantity != 100 {
		t.Fatalf("remaining = %.0f, want reservation released", got.RemainingQuantity)
	}
}

func TestCreateOfferValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateOffer(env.Ctx, "seller-1", engine.OfferInput{
		SellerRef:      "seller-1",
		Commodity:      "tea",
		Quantity:       10,
		PricePerUnit:   100,
		SourceLocation: "Nandi",
		ExpiresAt:      env.Now.Add(-time.Hour).Format(time.RFC3339),
	})
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("past expiry: err = %v, want ValidationError", err)
	}
	_, err = env.Engine.CreateOffer(env.Ctx, "seller-1", engine.OfferInput{
		SellerRef: "seller-1", Commodity: "tea", Quantity: -1, PricePerUnit: 100,
		SourceLocation: "Nandi", ExpiresAt: env.Now.Add(time.Hour).Format(time.RFC3339),
	})
	if !errors.As(err, &verr) {
		t.Fatalf("negative quantity: err = %v, want ValidationError", err)
	}
}

// scheduleInspected walks a fresh request to inspection_scheduled.
func scheduleInspected(t *testing.T, env testEnv, o domain.Offer, quantity float64) domain.PurchaseRequest {
	t.Helper()
	p, err := env.Engine.SubmitPurchaseRequest(env.Ctx, "buyer-1", o.ID, "buyer-1", quantity, o.PricePerUnit)
	if err != nil {
		t.Fatalf("submit request: %v", err)
	}
	p, err = env.Engine.ReviewRequest(env.Ctx, "rev-1", p.ID, "approve", "")
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	date := env.Now.Add(24 * time.Hour).Format(time.RFC3339)
	p, err = env.Engine.ScheduleInspection(env.Ctx, "insp-1", p.ID, date)
	if err != nil {
		t.Fatalf("schedule inspection: %v", err)
	}
	return p
}
