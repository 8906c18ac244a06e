package engine_test

import (
	"context"
	"testing"
	"time"

	"agritrace/internal/config"
	"agritrace/internal/db"
	"agritrace/internal/engine"
	"agritrace/internal/migrate"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	Now    *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test-program")
	eng := engine.New(conn, cfg)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return now }
	eng.Events.Now = eng.Now
	env := testEnv{Engine: eng, Ctx: context.Background(), Now: &now}
	// Keep the clock pointer live for tests that advance time.
	eng.Now = func() time.Time { return *env.Now }
	eng.Events.Now = eng.Now
	return env
}

func (env *testEnv) advanceClock(d time.Duration) {
	*env.Now = env.Now.Add(d)
}

// passingAssessmentPayload is evidence the evaluator scores 100.
func passingAssessmentPayload() map[string]any {
	return map[string]any{
		"geospatial": map[string]any{
			"has_polygon":              true,
			"protected_area_overlap":   false,
			"deforestation_after_2020": false,
		},
		"documentation": map[string]any{
			"land_deed_present":          true,
			"origin_declaration_present": true,
			"chain_of_custody_present":   true,
		},
		"quality_grade": "A",
	}
}
