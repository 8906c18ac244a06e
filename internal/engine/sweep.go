package engine

import (
	"context"
	"log"
	"time"

	"agritrace/internal/events"
	"agritrace/internal/repo"
)

// SweepExpiredOffers expires every open offer past its deadline and
// auto-rejects the pending purchase requests attached to it. Returns the
// number of offers expired.
func (e *Engine) SweepExpiredOffers(ctx context.Context) (int, error) {
	now := e.now().UTC().Format(time.RFC3339)
	due, err := e.Repo.ListExpiredOpenOffers(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, o := range due {
		if err := e.expireOffer(ctx, o.ID, "system"); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// ExpireOffer closes an open offer ahead of its deadline on operator demand,
// with the same request fallout as the sweep.
func (e *Engine) ExpireOffer(ctx context.Context, actorID, offerID string) error {
	o, err := e.Repo.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	if o.Status != "open" {
		return &StateConflictError{EntityKind: "offer", EntityID: o.ID, CurrentState: o.Status, Attempted: "expire"}
	}
	return e.expireOffer(ctx, offerID, actorID)
}

// expireOffer runs one offer's expiry in its own transaction so a conflict
// on one offer does not roll back the whole sweep.
func (e *Engine) expireOffer(ctx context.Context, offerID, actorID string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetOfferTx(ctx, tx, offerID)
	if err != nil {
		return err
	}
	if o.Status != "open" {
		// Raced with a concurrent writer; nothing to do.
		return nil
	}
	now := e.nowRFC3339()
	prevVersion := o.Version
	o.Status = "expired"
	if err := e.Repo.UpdateOfferCAS(ctx, tx, o, prevVersion); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "offer.expired", "offer", o.ID, actorID, events.EventPayload{}); err != nil {
		return err
	}

	pending, err := e.Repo.ListRequests(ctx, repo.RequestFilters{OfferRef: o.ID})
	if err != nil {
		return err
	}
	for _, p := range pending {
		switch p.OverallStatus {
		case RequestPending, RequestRevisionRequired:
		default:
			continue
		}
		prevStatus, prevReqVersion := p.OverallStatus, p.Version
		reason := "offer_expired"
		p.OverallStatus = RequestRejected
		p.RejectReason = &reason
		p.UpdatedAt = now
		if err := e.Repo.UpdateRequestCAS(ctx, tx, p, prevStatus, prevReqVersion); err != nil {
			return err
		}
		err = e.Events.Append(ctx, tx, "request.rejected", "purchase_request", p.ID, actorID, events.EventPayload{
			"reason": reason, "offer_ref": o.ID,
		})
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RunSweeper ticks the expiration sweep until ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context) {
	interval := 60 * time.Second
	if e.Config != nil && e.Config.Sweep.IntervalSeconds > 0 {
		interval = time.Duration(e.Config.Sweep.IntervalSeconds) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.SweepExpiredOffers(ctx); err != nil {
				log.Printf("sweep: %v", err)
			} else if n > 0 {
				log.Printf("sweep: expired %d offers", n)
			}
		}
	}
}
