package engine_test

import (
	"errors"
	"testing"
	"time"

	"agritrace/internal/engine"
)

func TestBackoffDoublesToCeiling(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Retry.BaseBackoffMs = 200
	env.Engine.Config.Retry.MaxBackoffMs = 1000
	want := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1000 * time.Millisecond,
		1000 * time.Millisecond,
	}
	for i, d := range want {
		if got := env.Engine.Backoff(i + 1); got != d {
			t.Fatalf("backoff(%d) = %v, want %v", i+1, got, d)
		}
	}
}

func TestRetrySucceedsMidway(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Retry.MaxAttempts = 4
	env.Engine.Config.Retry.BaseBackoffMs = 1
	env.Engine.Config.Retry.MaxBackoffMs = 2

	calls := 0
	err := env.Engine.Retry(env.Ctx, "test service", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustionParksOperatorTask(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Retry.MaxAttempts = 2
	env.Engine.Config.Retry.BaseBackoffMs = 1
	env.Engine.Config.Retry.MaxBackoffMs = 2

	err := env.Engine.Retry(env.Ctx, "test service", func() error {
		return errors.New("connection refused")
	})
	var svcErr *engine.ExternalServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("err = %v, want ExternalServiceError", err)
	}
	if svcErr.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", svcErr.Attempts)
	}

	if err := env.Engine.ParkRetryExhausted(env.Ctx, "event", "42", svcErr.Error()); err != nil {
		t.Fatalf("park: %v", err)
	}
	tasks, err := env.Engine.Repo.ListOpenOperatorTasks(env.Ctx, "retry_exhausted", 10)
	if err != nil {
		t.Fatalf("operator queue: %v", err)
	}
	if len(tasks) != 1 || tasks[0].EntityID != "42" {
		t.Fatalf("tasks = %+v, want one retry_exhausted task for event 42", tasks)
	}

	resolved, err := env.Engine.ResolveOperatorTask(env.Ctx, "op-1", tasks[0].ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != "resolved" || resolved.ResolvedBy == nil || *resolved.ResolvedBy != "op-1" {
		t.Fatalf("resolved task = %+v, want resolved by op-1", resolved)
	}
	// Resolving twice reports not found.
	if _, err := env.Engine.ResolveOperatorTask(env.Ctx, "op-1", tasks[0].ID); !engine.IsNotFound(err) {
		t.Fatalf("double resolve: err = %v, want not found", err)
	}
}
