package engine_test

import (
	"errors"
	"testing"
	"time"

	"agritrace/internal/engine"
)

func TestSweepExpiresOffersAndRejectsPendingRequests(t *testing.T) {
	env := newTestEnv(t)
	o := openOffer(t, env, 300)

	pending, err := env.Engine.SubmitPurchaseRequest(env.Ctx, "buyer-1", o.ID, "buyer-1", 50, 2750)
	if err != nil {
		t.Fatalf("submit pending: %v", err)
	}
	revision, err := env.Engine.SubmitPurchaseRequest(env.Ctx, "buyer-2", o.ID, "buyer-2", 50, 2750)
	if err != nil {
		t.Fatalf("submit revision: %v", err)
	}
	if _, err := env.Engine.ReviewRequest(env.Ctx, "rev-1", revision.ID, "revision", "missing permit"); err != nil {
		t.Fatalf("review revision: %v", err)
	}
	reviewed, err := env.Engine.SubmitPurchaseRequest(env.Ctx, "buyer-3", o.ID, "buyer-3", 50, 2750)
	if err != nil {
		t.Fatalf("submit reviewed: %v", err)
	}
	if _, err := env.Engine.ReviewRequest(env.Ctx, "rev-1", reviewed.ID, "approve", ""); err != nil {
		t.Fatalf("review approve: %v", err)
	}

	// Not yet due.
	n, err := env.Engine.SweepExpiredOffers(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("swept %d offers before expiry, want 0", n)
	}

	env.advanceClock(96 * time.Hour)
	n, err = env.Engine.SweepExpiredOffers(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d offers, want 1", n)
	}

	got, err := env.Engine.Repo.GetOffer(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if got.Status != "expired" {
		t.Fatalf("offer status = %s, want expired", got.Status)
	}

	for _, tc := range []struct {
		name string
		id   string
		want string
	}{
		{"pending request auto-rejected", pending.ID, engine.RequestRejected},
		{"revision_required request auto-rejected", revision.ID, engine.RequestRejected},
		{"review-approved request untouched", reviewed.ID, engine.RequestInspectionScheduled},
	} {
		p, err := env.Engine.Repo.GetRequest(env.Ctx, tc.id)
		if err != nil {
			t.Fatalf("%s: get: %v", tc.name, err)
		}
		if p.OverallStatus != tc.want {
			t.Fatalf("%s: status = %s, want %s", tc.name, p.OverallStatus, tc.want)
		}
		if tc.want == engine.RequestRejected {
			if p.RejectReason == nil || *p.RejectReason != "offer_expired" {
				t.Fatalf("%s: reject reason = %v, want offer_expired", tc.name, p.RejectReason)
			}
		}
	}

	// Idempotent: a second sweep finds nothing.
	n, err = env.Engine.SweepExpiredOffers(env.Ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("second sweep expired %d offers, want 0", n)
	}
}

func TestExpireOfferOnDemand(t *testing.T) {
	env := newTestEnv(t)
	o := openOffer(t, env, 200)
	pending, err := env.Engine.SubmitPurchaseRequest(env.Ctx, "buyer-1", o.ID, "buyer-1", 50, 2750)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Force-expire well before the deadline.
	if err := env.Engine.ExpireOffer(env.Ctx, "op-1", o.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	got, err := env.Engine.Repo.GetOffer(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if got.Status != "expired" {
		t.Fatalf("offer status = %s, want expired", got.Status)
	}
	p, err := env.Engine.Repo.GetRequest(env.Ctx, pending.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if p.OverallStatus != engine.RequestRejected || p.RejectReason == nil || *p.RejectReason != "offer_expired" {
		t.Fatalf("request = %s reason %v, want rejected/offer_expired", p.OverallStatus, p.RejectReason)
	}

	err = env.Engine.ExpireOffer(env.Ctx, "op-1", o.ID)
	var conflict *engine.StateConflictError
	if !errors.As(err, &conflict) || conflict.CurrentState != "expired" {
		t.Fatalf("second expire: err = %v, want state conflict on expired", err)
	}
}

func TestSweepLeavesUnexpiredOffers(t *testing.T) {
	env := newTestEnv(t)
	fresh := openOffer(t, env, 100)
	n, err := env.Engine.SweepExpiredOffers(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("swept %d, want 0", n)
	}
	got, err := env.Engine.Repo.GetOffer(env.Ctx, fresh.ID)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if got.Status != "open" {
		t.Fatalf("status = %s, want open", got.Status)
	}
}
