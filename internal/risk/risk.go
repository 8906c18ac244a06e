// Package risk implements the deterministic EUDR risk evaluator.
package risk

// Geospatial captures the land-mapping evidence for a farm plot.
type Geospatial struct {
	HasPolygon             bool `json:"has_polygon"`
	ProtectedAreaOverlap   bool `json:"protected_area_overlap"`
	DeforestationAfter2020 bool `json:"deforestation_after_2020"`
}

// Documentation captures the documentary evidence for a batch.
type Documentation struct {
	LandDeedPresent          bool `json:"land_deed_present"`
	OriginDeclarationPresent bool `json:"origin_declaration_present"`
	ChainOfCustodyPresent    bool `json:"chain_of_custody_present"`
}

const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"

	VerdictPass   = "pass"
	VerdictReview = "review"
	VerdictReject = "reject"
)

// Assessment is the evaluator output the orchestrator treats as authoritative.
type Assessment struct {
	Score     int    `json:"score"`
	RiskLevel string `json:"risk_level" enum:"low,medium,high"`
	Verdict   string `json:"verdict" enum:"pass,review,reject"`
}

// Score deductions. A missing polygon dominates because nothing downstream
// can be verified without one.
const (
	penaltyNoPolygon     = 40
	penaltyProtectedArea = 35
	penaltyDeforestation = 50
	penaltyMissingDoc    = 10
	penaltyGradeB        = 5
	penaltyGradeC        = 15
	penaltyGradeUnknown  = 20
)

// Evaluate classifies a batch. It is pure: identical inputs always produce
// identical output.
func Evaluate(geo Geospatial, docs Documentation, qualityGrade string) Assessment {
	score := 100
	if !geo.HasPolygon {
		score -= penaltyNoPolygon
	}
	if geo.ProtectedAreaOverlap {
		score -= penaltyProtectedArea
	}
	if geo.DeforestationAfter2020 {
		score -= penaltyDeforestation
	}
	missingDocs := 0
	if !docs.LandDeedPresent {
		missingDocs++
	}
	if !docs.OriginDeclarationPresent {
		missingDocs++
	}
	if !docs.ChainOfCustodyPresent {
		missingDocs++
	}
	score -= missingDocs * penaltyMissingDoc
	switch qualityGrade {
	case "A":
	case "B":
		score -= penaltyGradeB
	case "C":
		score -= penaltyGradeC
	default:
		score -= penaltyGradeUnknown
	}
	if score < 0 {
		score = 0
	}

	level := RiskHigh
	switch {
	case score >= 80:
		level = RiskLow
	case score >= 50:
		level = RiskMedium
	}

	verdict := VerdictPass
	switch {
	case geo.DeforestationAfter2020 || geo.ProtectedAreaOverlap || level == RiskHigh:
		verdict = VerdictReject
	case level == RiskMedium || missingDocs > 0 || !geo.HasPolygon:
		verdict = VerdictReview
	}

	return Assessment{Score: score, RiskLevel: level, Verdict: verdict}
}
