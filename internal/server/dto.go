package server

import (
	"agritrace/internal/domain"
)

type CreateWorkflowRequest struct {
	BatchRef string `json:"batch_ref" example:"LR-2025-000142"`
	FarmerID string `json:"farmer_id" example:"farmer-0042"`
	County   string `json:"county" example:"bong"`
}

type AdvanceRequest struct {
	Stage   string         `json:"stage" example:"land_mapping"`
	Payload map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type BlockRequest struct {
	Reason string `json:"reason" example:"document forgery suspected"`
}

type ResolveReviewRequest struct {
	Approve bool   `json:"approve"`
	Notes   string `json:"notes,omitempty"`
}

type WorkflowResponse struct {
	ID           string  `json:"id"`
	BatchRef     string  `json:"batch_ref"`
	FarmerID     string  `json:"farmer_id"`
	County       string  `json:"county"`
	Commodity    string  `json:"commodity,omitempty"`
	CurrentStage string  `json:"current_stage"`
	Blocked      bool    `json:"blocked"`
	BlockReason  *string `json:"block_reason,omitempty"`
	Version      int64   `json:"version"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

func workflowResponse(w domain.Workflow) WorkflowResponse {
	return WorkflowResponse{
		ID: w.ID, BatchRef: w.BatchRef, FarmerID: w.FarmerID, County: w.County,
		Commodity: w.Commodity, CurrentStage: w.CurrentStage, Blocked: w.Blocked,
		BlockReason: w.BlockReason, Version: w.Version, CreatedAt: w.CreatedAt, UpdatedAt: w.UpdatedAt,
	}
}

func mapWorkflows(items []domain.Workflow) []WorkflowResponse {
	out := make([]WorkflowResponse, 0, len(items))
	for _, w := range items {
		out = append(out, workflowResponse(w))
	}
	return out
}

type SubmitApprovalRequest struct {
	CertificateType string `json:"certificate_type" enum:"eudr_compliance,quality_control,origin,phytosanitary"`
	SubjectRef      string `json:"subject_ref" example:"LR-2025-000142"`
	Jurisdiction    string `json:"jurisdiction" example:"bong"`
	Priority        int    `json:"priority,omitempty"`
	RequestedByRole string `json:"requested_by_role,omitempty"`
}

type DecideApprovalRequest struct {
	Approve         bool   `json:"approve"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}

type OfferRequest struct {
	SellerRef      string  `json:"seller_ref"`
	Commodity      string  `json:"commodity" example:"cocoa"`
	Quantity       float64 `json:"quantity" example:"500"`
	PricePerUnit   float64 `json:"price_per_unit" example:"2750"`
	SourceLocation string  `json:"source_location" example:"bong"`
	AvailableFrom  string  `json:"available_from,omitempty" format:"date-time"`
	ExpiresAt      string  `json:"expires_at" format:"date-time"`
	EUDRCompliant  bool    `json:"eudr_compliant,omitempty"`
}

type PurchaseRequestInput struct {
	OfferRef          string  `json:"offer_ref"`
	BuyerRef          string  `json:"buyer_ref"`
	QuantityRequested float64 `json:"quantity_requested" example:"300"`
	AgreedPrice       float64 `json:"agreed_price" example:"2750"`
}

type ReviewDecisionRequest struct {
	Outcome string `json:"outcome" enum:"approve,reject,revision"`
	Notes   string `json:"notes,omitempty"`
}

type ScheduleInspectionRequest struct {
	InspectionDate string `json:"inspection_date" format:"date-time"`
}

type InspectionResultRequest struct {
	Result string `json:"result" enum:"passed,failed,conditional"`
	Notes  string `json:"notes,omitempty"`
}

type OverrideInspectionRequest struct {
	Accept bool   `json:"accept"`
	Notes  string `json:"notes,omitempty"`
}

type CounterpartyResponseRequest struct {
	Accept bool   `json:"accept"`
	Notes  string `json:"notes,omitempty"`
}

type RoleAssignmentRequest struct {
	Role string `json:"role" example:"certificate_reviewer"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at"`
}
