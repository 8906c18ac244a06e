package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"agritrace/internal/db"
	"agritrace/internal/domain"
	"agritrace/internal/events"
	"agritrace/internal/migrate"
	"agritrace/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, conn
}

func inTx(t *testing.T, conn *sql.DB, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := conn.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestWorkflowCAS(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()
	w := domain.Workflow{
		ID: "wf-1", BatchRef: "B-1", FarmerID: "f-1", County: "Kericho",
		CurrentStage: "farmer_registration", Version: 1,
		CreatedAt: "2025-06-01T12:00:00Z", UpdatedAt: "2025-06-01T12:00:00Z",
	}
	inTx(t, conn, func(tx *sql.Tx) error { return r.InsertWorkflow(ctx, tx, w) })

	w.CurrentStage = "land_mapping"
	inTx(t, conn, func(tx *sql.Tx) error { return r.UpdateWorkflowCAS(ctx, tx, w, 1) })

	got, err := r.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 || got.CurrentStage != "land_mapping" {
		t.Fatalf("workflow = %+v, want land_mapping v2", got)
	}

	// A stale version loses.
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	err = r.UpdateWorkflowCAS(ctx, tx, w, 1)
	if !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("stale update: err = %v, want ErrVersionConflict", err)
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	r, _ := newTestRepo(t)
	_, err := r.GetWorkflow(context.Background(), "missing")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRequestCASGuardsStatus(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()
	o := domain.Offer{
		ID: "offer-1", SellerRef: "s-1", Commodity: "coffee", Quantity: 100, RemainingQuantity: 100,
		PricePerUnit: 2750, SourceLocation: "Kericho", AvailableFrom: "2025-06-01T12:00:00Z",
		ExpiresAt: "2025-07-01T12:00:00Z", Status: "open", Version: 1, CreatedAt: "2025-06-01T12:00:00Z",
	}
	p := domain.PurchaseRequest{
		ID: "req-1", OfferRef: "offer-1", BuyerRef: "b-1", RequesterRef: "b-1",
		QuantityRequested: 50, AgreedPrice: 2750,
		ReviewStatus: "pending", InspectionStatus: "pending", CounterpartyStatus: "pending",
		OverallStatus: "pending", ProgressPercent: 25, Version: 1,
		CreatedAt: "2025-06-01T12:00:00Z", UpdatedAt: "2025-06-01T12:00:00Z",
	}
	inTx(t, conn, func(tx *sql.Tx) error {
		if err := r.InsertOffer(ctx, tx, o); err != nil {
			return err
		}
		return r.InsertRequest(ctx, tx, p)
	})

	// Wrong expected status fails even with the right version.
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	p.OverallStatus = "under_review"
	err = r.UpdateRequestCAS(ctx, tx, p, "rejected", 1)
	if !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("wrong status: err = %v, want ErrVersionConflict", err)
	}
	tx.Rollback()

	inTx(t, conn, func(tx *sql.Tx) error { return r.UpdateRequestCAS(ctx, tx, p, "pending", 1) })
	got, err := r.GetRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OverallStatus != "under_review" || got.Version != 2 {
		t.Fatalf("request = %s v%d, want under_review v2", got.OverallStatus, got.Version)
	}
}

func TestEventFiltersAndCursor(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: conn}
	inTx(t, conn, func(tx *sql.Tx) error {
		for _, evt := range []struct{ typ, kind, id string }{
			{"workflow.created", "workflow", "wf-1"},
			{"workflow.advanced", "workflow", "wf-1"},
			{"offer.created", "offer", "offer-1"},
			{"workflow.advanced", "workflow", "wf-2"},
		} {
			if err := w.Append(ctx, tx, evt.typ, evt.kind, evt.id, "op-1", events.EventPayload{"k": "v"}); err != nil {
				return err
			}
		}
		return nil
	})

	advanced, err := r.LatestEvents(ctx, 10, "workflow.advanced", "", "")
	if err != nil {
		t.Fatalf("latest by type: %v", err)
	}
	if len(advanced) != 2 {
		t.Fatalf("advanced events = %d, want 2", len(advanced))
	}
	// Newest first.
	if advanced[0].EntityID != "wf-2" {
		t.Fatalf("first = %s, want wf-2", advanced[0].EntityID)
	}

	byEntity, err := r.LatestEvents(ctx, 10, "", "workflow", "wf-1")
	if err != nil {
		t.Fatalf("latest by entity: %v", err)
	}
	if len(byEntity) != 2 {
		t.Fatalf("wf-1 events = %d, want 2", len(byEntity))
	}

	latest, err := r.LatestEventID(ctx)
	if err != nil {
		t.Fatalf("latest id: %v", err)
	}
	after, err := r.EventsAfter(ctx, 10, latest-2)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("events after cursor = %d, want 2", len(after))
	}
	// Ascending for dispatch.
	if len(after) == 2 && after[0].ID > after[1].ID {
		t.Fatalf("dispatch order must ascend: %d then %d", after[0].ID, after[1].ID)
	}
}

func TestAPIKeyHashLookup(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()
	raw := "raw-test-key"
	inTx(t, conn, func(tx *sql.Tx) error {
		if err := r.EnsureActor(ctx, tx, "svc-1", "2025-06-01T12:00:00Z"); err != nil {
			return err
		}
		return r.InsertAPIKey(ctx, tx, domain.APIKey{
			ID: "key-1", ActorID: "svc-1", Name: "ingest", KeyHash: repo.HashAPIKey(raw), CreatedAt: "2025-06-01T12:00:00Z",
		})
	})
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(raw))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ActorID != "svc-1" {
		t.Fatalf("actor = %s, want svc-1", got.ActorID)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("other")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("wrong key: err = %v, want ErrNotFound", err)
	}
}

func TestActorRoles(t *testing.T) {
	r, conn := newTestRepo(t)
	ctx := context.Background()
	inTx(t, conn, func(tx *sql.Tx) error {
		if err := r.EnsureActor(ctx, tx, "a-1", "2025-06-01T12:00:00Z"); err != nil {
			return err
		}
		if err := r.AssignRole(ctx, tx, "a-1", "operator"); err != nil {
			return err
		}
		// Assigning twice is idempotent.
		if err := r.AssignRole(ctx, tx, "a-1", "operator"); err != nil {
			return err
		}
		return r.AssignRole(ctx, tx, "a-1", "buyer")
	})
	roles, err := r.ActorRoles(ctx, "a-1")
	if err != nil {
		t.Fatalf("roles: %v", err)
	}
	if len(roles) != 2 {
		t.Fatalf("roles = %v, want 2", roles)
	}
	inTx(t, conn, func(tx *sql.Tx) error { return r.RevokeRole(ctx, tx, "a-1", "buyer") })
	roles, err = r.ActorRoles(ctx, "a-1")
	if err != nil {
		t.Fatalf("roles: %v", err)
	}
	if len(roles) != 1 || roles[0] != "operator" {
		t.Fatalf("roles = %v, want [operator]", roles)
	}
}
