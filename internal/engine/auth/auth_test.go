package auth_test

import (
	"context"
	"testing"

	"agritrace/internal/config"
	"agritrace/internal/engine/auth"
)

func TestPrincipalContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	if _, ok := auth.FromContext(ctx); ok {
		t.Fatalf("empty context must carry no principal")
	}
	want := auth.Principal{ActorID: "op-1", Roles: []string{"operator"}}
	ctx = auth.WithPrincipal(ctx, want)
	got, ok := auth.FromContext(ctx)
	if !ok || got.ActorID != "op-1" {
		t.Fatalf("got %+v ok=%v", got, ok)
	}
}

func TestCan(t *testing.T) {
	cfg := config.Default("test")
	cases := []struct {
		name  string
		roles []string
		perm  string
		want  bool
	}{
		{"operator advances", []string{"operator"}, "workflow.advance", true},
		{"buyer cannot advance", []string{"buyer"}, "workflow.advance", false},
		{"any matching role grants", []string{"buyer", "operator"}, "workflow.block", true},
		{"unknown role grants nothing", []string{"ghost"}, "workflow.advance", false},
		{"no roles grants nothing", nil, "workflow.advance", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := auth.Principal{ActorID: "a", Roles: tc.roles}
			if got := auth.Can(cfg, p, tc.perm); got != tc.want {
				t.Fatalf("Can(%v, %s) = %v, want %v", tc.roles, tc.perm, got, tc.want)
			}
		})
	}
}

func TestCanWithoutConfiguredRoles(t *testing.T) {
	p := auth.Principal{ActorID: "a"}
	if !auth.Can(nil, p, "anything") {
		t.Fatalf("nil config must allow")
	}
	var cfg config.Config
	cfg.Program.ID = "bare"
	if !auth.Can(&cfg, p, "anything") {
		t.Fatalf("config without roles must allow")
	}
}

func TestJurisdictions(t *testing.T) {
	cfg := config.Default("test")
	p := auth.Principal{ActorID: "rev-1", Roles: []string{"certificate_reviewer"}}
	got := auth.Jurisdictions(cfg, p)
	if len(got) == 0 {
		t.Fatalf("certificate_reviewer must be scoped by default")
	}
	// Roles with no assignment stay unrestricted.
	open := auth.Jurisdictions(cfg, auth.Principal{ActorID: "op-1", Roles: []string{"operator"}})
	if len(open) != 0 {
		t.Fatalf("operator jurisdictions = %v, want none", open)
	}
}
