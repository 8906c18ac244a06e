package domain

type Workflow struct {
	ID           string  `json:"id"`
	BatchRef     string  `json:"batch_ref"`
	FarmerID     string  `json:"farmer_id"`
	County       string  `json:"county"`
	Commodity    string  `json:"commodity,omitempty"`
	CurrentStage string  `json:"current_stage"`
	Blocked      bool    `json:"blocked"`
	BlockReason  *string `json:"block_reason,omitempty"`
	Archived     bool    `json:"archived"`
	Version      int64   `json:"version"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type StageRecord struct {
	ID          int64   `json:"id"`
	WorkflowID  string  `json:"workflow_id"`
	Stage       string  `json:"stage"`
	EnteredAt   string  `json:"entered_at" format:"date-time"`
	ExitedAt    *string `json:"exited_at,omitempty" format:"date-time"`
	Verdict     *string `json:"verdict,omitempty"`
	PayloadJSON string  `json:"payload_json,omitempty"`
	PayloadHash string  `json:"payload_hash"`
}

type CertificateApproval struct {
	ID              string  `json:"id"`
	CertificateType string  `json:"certificate_type" enum:"eudr_compliance,quality_control,origin,phytosanitary"`
	SubjectRef      string  `json:"subject_ref"`
	Jurisdiction    string  `json:"jurisdiction"`
	RequestedBy     string  `json:"requested_by"`
	RequestedByRole string  `json:"requested_by_role"`
	Status          string  `json:"status" enum:"pending,approved,rejected,sent"`
	ReviewerID      *string `json:"reviewer_id,omitempty"`
	DecisionAt      *string `json:"decision_at,omitempty" format:"date-time"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	Priority        int     `json:"priority"`
	Version         int64   `json:"version"`
	RequestedAt     string  `json:"requested_at" format:"date-time"`
	SentAt          *string `json:"sent_at,omitempty" format:"date-time"`
}

type Offer struct {
	ID                string  `json:"id"`
	SellerRef         string  `json:"seller_ref"`
	Commodity         string  `json:"commodity"`
	Quantity          float64 `json:"quantity"`
	RemainingQuantity float64 `json:"remaining_quantity"`
	PricePerUnit      float64 `json:"price_per_unit"`
	SourceLocation    string  `json:"source_location"`
	AvailableFrom     string  `json:"available_from" format:"date-time"`
	ExpiresAt         string  `json:"expires_at" format:"date-time"`
	EUDRCompliant     bool    `json:"eudr_compliant"`
	Status            string  `json:"status" enum:"open,expired,consumed"`
	Version           int64   `json:"version"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

type PurchaseRequest struct {
	ID                string  `json:"id"`
	OfferRef          string  `json:"offer_ref"`
	BuyerRef          string  `json:"buyer_ref"`
	RequesterRef      string  `json:"requester_ref"`
	QuantityRequested float64 `json:"quantity_requested"`
	AgreedPrice       float64 `json:"agreed_price"`

	ReviewStatus string  `json:"review_status" enum:"pending,approved,rejected,revision"`
	ReviewerID   *string `json:"reviewer_id,omitempty"`
	ReviewNotes  *string `json:"review_notes,omitempty"`

	InspectionStatus string  `json:"inspection_status" enum:"pending,scheduled,passed,failed,conditional"`
	InspectorID      *string `json:"inspector_id,omitempty"`
	InspectionDate   *string `json:"inspection_date,omitempty" format:"date-time"`
	InspectionNotes  *string `json:"inspection_notes,omitempty"`

	CounterpartyStatus string `json:"counterparty_status" enum:"pending,accepted,rejected"`

	OverallStatus   string  `json:"overall_status" enum:"pending,under_review,inspection_scheduled,revision_required,approved,rejected,contract_signed"`
	ProgressPercent int     `json:"progress_percent"`
	RejectReason    *string `json:"reject_reason,omitempty"`
	Version         int64   `json:"version"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// OperatorTask is a parked transition or alert surfaced to the operator queue.
type OperatorTask struct {
	ID         int64   `json:"id"`
	Kind       string  `json:"kind" enum:"retry_exhausted,manual_review,blocked,conditional_inspection"`
	EntityKind string  `json:"entity_kind"`
	EntityID   string  `json:"entity_id"`
	Reason     string  `json:"reason"`
	Status     string  `json:"status" enum:"open,resolved"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	ResolvedAt *string `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedBy *string `json:"resolved_by,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
