package stage_test

import (
	"testing"

	"agritrace/internal/stage"
)

func TestChainOrder(t *testing.T) {
	want := []string{
		stage.FarmerRegistration,
		stage.LandMapping,
		stage.CommodityRegistration,
		stage.EUDRAssessment,
		stage.QualityAssessment,
		stage.CertificateIssuance,
		stage.HarvestScheduled,
		stage.HarvestRecorded,
		stage.TransportTracking,
		stage.WarehouseReceipt,
		stage.ExportPreparation,
		stage.CustomsClearance,
		stage.ExportPackGenerated,
	}
	all := stage.All()
	if len(all) != len(want) {
		t.Fatalf("chain length = %d, want %d", len(all), len(want))
	}
	for i, d := range all {
		if d.Name != want[i] {
			t.Fatalf("stage %d = %s, want %s", i, d.Name, want[i])
		}
	}
	if stage.First().Name != stage.FarmerRegistration {
		t.Fatalf("first = %s, want farmer_registration", stage.First().Name)
	}
	if !all[len(all)-1].Terminal {
		t.Fatalf("export_pack_generated must be terminal")
	}
	for _, d := range all[:len(all)-1] {
		if d.Terminal {
			t.Fatalf("%s marked terminal", d.Name)
		}
	}
}

func TestValidPredecessor(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{"", stage.FarmerRegistration, true},
		{stage.FarmerRegistration, stage.FarmerRegistration, false},
		{stage.FarmerRegistration, stage.LandMapping, true},
		{stage.LandMapping, stage.CommodityRegistration, true},
		{stage.FarmerRegistration, stage.CommodityRegistration, false},
		{stage.CommodityRegistration, stage.EUDRAssessment, true},
		// manual_review has no Advance exit; resolution is the only way out.
		{stage.ManualReview, stage.EUDRAssessment, false},
		{stage.ManualReview, stage.QualityAssessment, false},
		{stage.EUDRAssessment, stage.ManualReview, true},
		{stage.QualityAssessment, stage.ManualReview, false},
		{stage.CustomsClearance, stage.ExportPackGenerated, true},
		{stage.ExportPackGenerated, stage.CustomsClearance, false},
		{stage.LandMapping, "no_such_stage", false},
	}
	for _, tc := range cases {
		if got := stage.ValidPredecessor(tc.from, tc.to); got != tc.want {
			t.Fatalf("ValidPredecessor(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestLookupAndKnown(t *testing.T) {
	d, err := stage.Lookup(stage.EUDRAssessment)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(d.Requires) != 3 {
		t.Fatalf("eudr_assessment requires %v, want 3 keys", d.Requires)
	}
	if _, err := stage.Lookup("fermentation"); err == nil {
		t.Fatalf("unknown stage must not resolve")
	}
	if !stage.Known(stage.ManualReview) {
		t.Fatalf("manual_review is a registry member")
	}
	if stage.Known("") {
		t.Fatalf("empty name is not a stage")
	}
}

func TestMissingInputs(t *testing.T) {
	d, err := stage.Lookup(stage.CommodityRegistration)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	missing := stage.MissingInputs(d, map[string]any{"commodity": "coffee"})
	if len(missing) != 1 || missing[0] != "quantity_kg" {
		t.Fatalf("missing = %v, want [quantity_kg]", missing)
	}
	// Empty strings and explicit nulls do not satisfy a requirement.
	missing = stage.MissingInputs(d, map[string]any{"commodity": "", "quantity_kg": nil})
	if len(missing) != 2 {
		t.Fatalf("missing = %v, want both keys", missing)
	}
	missing = stage.MissingInputs(d, map[string]any{"commodity": "coffee", "quantity_kg": 500})
	if missing != nil {
		t.Fatalf("missing = %v, want none", missing)
	}
}
