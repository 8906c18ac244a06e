package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"agritrace/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default("demo")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Program.ID != "demo" || cfg.Program.Kind != "compliance-program" {
		t.Fatalf("program = %+v", cfg.Program)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseBackoffMs != 200 || cfg.Retry.MaxBackoffMs != 10000 {
		t.Fatalf("retry defaults = %+v", cfg.Retry)
	}
	if cfg.Sweep.IntervalSeconds != 60 {
		t.Fatalf("sweep interval = %d, want 60", cfg.Sweep.IntervalSeconds)
	}
	for _, role := range []string{"operator", "field_inspector", "certificate_reviewer", "regulatory_reviewer", "port_inspector", "exporter", "buyer"} {
		if _, ok := cfg.RBAC.Roles[role]; !ok {
			t.Fatalf("default roles missing %s", role)
		}
	}
	if len(cfg.RBAC.ReviewerJurisdictions["certificate_reviewer"]) == 0 {
		t.Fatalf("default certificate_reviewer jurisdictions empty")
	}
}

func TestFromYAMLValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing program id", "program:\n  kind: compliance-program\nretry:\n  max_attempts: 3\n  base_backoff_ms: 100\n  max_backoff_ms: 1000\n"},
		{"wrong kind", "program:\n  id: x\n  kind: something-else\nretry:\n  max_attempts: 3\n  base_backoff_ms: 100\n  max_backoff_ms: 1000\n"},
		{"zero attempts", "program:\n  id: x\n  kind: compliance-program\nretry:\n  max_attempts: 0\n  base_backoff_ms: 100\n  max_backoff_ms: 1000\n"},
		{"inverted backoff bounds", "program:\n  id: x\n  kind: compliance-program\nretry:\n  max_attempts: 3\n  base_backoff_ms: 1000\n  max_backoff_ms: 100\n"},
		{"roles without operator", "program:\n  id: x\n  kind: compliance-program\nretry:\n  max_attempts: 3\n  base_backoff_ms: 100\n  max_backoff_ms: 1000\nrbac:\n  roles:\n    buyer:\n      permissions: [request.respond]\n"},
		{"jurisdictions on unknown role", "program:\n  id: x\n  kind: compliance-program\nretry:\n  max_attempts: 3\n  base_backoff_ms: 100\n  max_backoff_ms: 1000\nrbac:\n  roles:\n    operator:\n      permissions: [workflow.advance]\n  reviewer_jurisdictions:\n    ghost: [bong]\n"},
		{"sink without url", "program:\n  id: x\n  kind: compliance-program\nretry:\n  max_attempts: 3\n  base_backoff_ms: 100\n  max_backoff_ms: 1000\nsinks:\n  - events: [workflow.advanced]\n"},
		{"not yaml", "{{{"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := config.FromYAML([]byte(tc.yaml)); err == nil {
				t.Fatalf("config accepted: %s", tc.yaml)
			}
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg != nil {
		t.Fatalf("missing file must yield nil config")
	}

	content := "program:\n  id: farm-exports\n  kind: compliance-program\nretry:\n  max_attempts: 3\n  base_backoff_ms: 50\n  max_backoff_ms: 500\nsweep:\n  interval_seconds: 15\nsinks:\n  - url: https://hooks.example.com/agritrace\n    events: [offer.expired]\n    secret: shh\n"
	if err := os.WriteFile(filepath.Join(dir, "agritrace.yml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg == nil || cfg.Program.ID != "farm-exports" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Sinks) != 1 || cfg.Sinks[0].URL != "https://hooks.example.com/agritrace" {
		t.Fatalf("sinks = %+v", cfg.Sinks)
	}
	if cfg.Sweep.IntervalSeconds != 15 {
		t.Fatalf("sweep interval = %d, want 15", cfg.Sweep.IntervalSeconds)
	}
}
