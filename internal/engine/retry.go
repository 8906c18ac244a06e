package engine

import (
	"context"
	"time"

	"agritrace/internal/domain"
	"agritrace/internal/events"
)

// Backoff returns the delay before the given 1-based attempt, doubling from
// the configured base up to the configured ceiling.
func (e *Engine) Backoff(attempt int) time.Duration {
	base := 200 * time.Millisecond
	max := 10 * time.Second
	if e.Config != nil {
		if e.Config.Retry.BaseBackoffMs > 0 {
			base = time.Duration(e.Config.Retry.BaseBackoffMs) * time.Millisecond
		}
		if e.Config.Retry.MaxBackoffMs > 0 {
			max = time.Duration(e.Config.Retry.MaxBackoffMs) * time.Millisecond
		}
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// MaxAttempts returns the configured retry budget for external deliveries.
func (e *Engine) MaxAttempts() int {
	if e.Config != nil && e.Config.Retry.MaxAttempts > 0 {
		return e.Config.Retry.MaxAttempts
	}
	return 5
}

// Retry runs fn up to the configured attempt budget with exponential
// backoff. On exhaustion it returns an ExternalServiceError wrapping the
// last failure.
func (e *Engine) Retry(ctx context.Context, service string, fn func() error) error {
	attempts := e.MaxAttempts()
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if last = fn(); last == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.Backoff(attempt)):
		}
	}
	return &ExternalServiceError{Service: service, Attempts: attempts, Err: last}
}

// ParkRetryExhausted records a delivery that used up its retry budget in the
// operator queue.
func (e *Engine) ParkRetryExhausted(ctx context.Context, entityKind, entityID, reason string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.nowRFC3339()
	task := domain.OperatorTask{Kind: "retry_exhausted", EntityKind: entityKind, EntityID: entityID, Reason: reason, CreatedAt: now}
	if err := e.Repo.InsertOperatorTask(ctx, tx, task); err != nil {
		return err
	}
	err = e.Events.Append(ctx, tx, "delivery.retry_exhausted", entityKind, entityID, "system", events.EventPayload{
		"reason": reason,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ResolveOperatorTask closes an operator queue entry.
func (e *Engine) ResolveOperatorTask(ctx context.Context, actorID string, taskID int64) (domain.OperatorTask, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.OperatorTask{}, err
	}
	defer tx.Rollback()
	now := e.nowRFC3339()
	if err := e.Repo.ResolveOperatorTask(ctx, tx, taskID, actorID, now); err != nil {
		return domain.OperatorTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.OperatorTask{}, err
	}
	return e.Repo.GetOperatorTask(ctx, taskID)
}
