// Package stage holds the static registry of commodity workflow stages.
package stage

import "fmt"

const (
	FarmerRegistration    = "farmer_registration"
	LandMapping           = "land_mapping"
	CommodityRegistration = "commodity_registration"
	EUDRAssessment        = "eudr_assessment"
	QualityAssessment     = "quality_assessment"
	CertificateIssuance   = "certificate_issuance"
	HarvestScheduled      = "harvest_scheduled"
	HarvestRecorded       = "harvest_recorded"
	TransportTracking     = "transport_tracking"
	WarehouseReceipt      = "warehouse_receipt"
	ExportPreparation     = "export_preparation"
	CustomsClearance      = "customs_clearance"
	ExportPackGenerated   = "export_pack_generated"

	// ManualReview is a side state entered on a "review" verdict at the
	// EUDR assessment stage. It is not part of the linear chain and is not
	// a predecessor of anything: the only way out is operator resolution,
	// which routes the workflow back to eudr_assessment itself.
	ManualReview = "manual_review"
)

// Definition describes one stage: the payload keys Advance requires and the
// stages it may be entered from.
type Definition struct {
	Name         string
	Requires     []string
	Predecessors []string
	Terminal     bool
}

var ordered = []Definition{
	{Name: FarmerRegistration, Requires: []string{"farmer_id", "county"}},
	{Name: LandMapping, Requires: []string{"gps_polygon"}, Predecessors: []string{FarmerRegistration}},
	{Name: CommodityRegistration, Requires: []string{"commodity", "quantity_kg"}, Predecessors: []string{LandMapping}},
	{Name: EUDRAssessment, Requires: []string{"geospatial", "documentation", "quality_grade"}, Predecessors: []string{CommodityRegistration}},
	{Name: QualityAssessment, Requires: []string{"quality_grade", "inspector_id"}, Predecessors: []string{EUDRAssessment}},
	{Name: CertificateIssuance, Requires: []string{"certificate_approval_id"}, Predecessors: []string{QualityAssessment}},
	{Name: HarvestScheduled, Requires: []string{"harvest_window"}, Predecessors: []string{CertificateIssuance}},
	{Name: HarvestRecorded, Requires: []string{"harvested_kg"}, Predecessors: []string{HarvestScheduled}},
	{Name: TransportTracking, Requires: []string{"transport_ref"}, Predecessors: []string{HarvestRecorded}},
	{Name: WarehouseReceipt, Requires: []string{"warehouse_id"}, Predecessors: []string{TransportTracking}},
	{Name: ExportPreparation, Requires: []string{"exporter_id"}, Predecessors: []string{WarehouseReceipt}},
	{Name: CustomsClearance, Requires: []string{"customs_ref"}, Predecessors: []string{ExportPreparation}},
	{Name: ExportPackGenerated, Requires: []string{"certificate_approval_id"}, Predecessors: []string{CustomsClearance}, Terminal: true},
}

var byName = func() map[string]Definition {
	m := make(map[string]Definition, len(ordered))
	for _, d := range ordered {
		m[d.Name] = d
	}
	m[ManualReview] = Definition{Name: ManualReview, Predecessors: []string{EUDRAssessment}}
	return m
}()

// Lookup returns the definition for a stage name.
func Lookup(name string) (Definition, error) {
	d, ok := byName[name]
	if !ok {
		return Definition{}, fmt.Errorf("unknown stage %s", name)
	}
	return d, nil
}

// Known reports whether name is a registry member (side states included).
func Known(name string) bool {
	_, ok := byName[name]
	return ok
}

// All returns the linear stage chain in order, side states excluded.
func All() []Definition {
	out := make([]Definition, len(ordered))
	copy(out, ordered)
	return out
}

// First returns the entry stage for a new workflow.
func First() Definition { return ordered[0] }

// ValidPredecessor reports whether a workflow currently at from may enter to.
// The empty string means the workflow has no stage yet and may only enter the
// first stage.
func ValidPredecessor(from, to string) bool {
	d, ok := byName[to]
	if !ok {
		return false
	}
	if len(d.Predecessors) == 0 {
		return from == ""
	}
	for _, p := range d.Predecessors {
		if p == from {
			return true
		}
	}
	return false
}

// MissingInputs returns the registry-declared payload keys absent from the
// given payload, in declaration order.
func MissingInputs(d Definition, payload map[string]any) []string {
	var missing []string
	for _, key := range d.Requires {
		v, ok := payload[key]
		if !ok || v == nil {
			missing = append(missing, key)
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			missing = append(missing, key)
		}
	}
	return missing
}
