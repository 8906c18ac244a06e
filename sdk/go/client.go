package agritracesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal AgriTrace HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Workflow represents the API workflow model (partial).
type Workflow struct {
	ID           string `json:"id"`
	BatchRef     string `json:"batch_ref"`
	FarmerID     string `json:"farmer_id"`
	County       string `json:"county"`
	CurrentStage string `json:"current_stage"`
	Blocked      bool   `json:"blocked"`
	Version      int64  `json:"version"`
}

// CertificateApproval represents an approval queue entry.
type CertificateApproval struct {
	ID              string `json:"id"`
	CertificateType string `json:"certificate_type"`
	SubjectRef      string `json:"subject_ref"`
	Jurisdiction    string `json:"jurisdiction"`
	Status          string `json:"status"`
	Priority        int    `json:"priority"`
}

// Offer represents a marketplace listing.
type Offer struct {
	ID                string  `json:"id"`
	Commodity         string  `json:"commodity"`
	Quantity          float64 `json:"quantity"`
	RemainingQuantity float64 `json:"remaining_quantity"`
	PricePerUnit      float64 `json:"price_per_unit"`
	ExpiresAt         string  `json:"expires_at"`
	Status            string  `json:"status"`
}

// PurchaseRequest represents a marketplace request.
type PurchaseRequest struct {
	ID              string  `json:"id"`
	OfferRef        string  `json:"offer_ref"`
	BuyerRef        string  `json:"buyer_ref"`
	Quantity        float64 `json:"quantity_requested"`
	OverallStatus   string  `json:"overall_status"`
	ProgressPercent int     `json:"progress_percent"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateWorkflow opens a workflow at farmer registration.
func (c *Client) CreateWorkflow(ctx context.Context, batchRef, farmerID, county string) (Workflow, error) {
	body := map[string]any{
		"batch_ref": batchRef,
		"farmer_id": farmerID,
		"county":    county,
	}
	var resp Workflow
	err := c.do(ctx, http.MethodPost, "workflows", body, &resp)
	return resp, err
}

// Advance moves a workflow to the given stage.
func (c *Client) Advance(ctx context.Context, workflowID, stage string, payload map[string]any) (Workflow, error) {
	body := map[string]any{"stage": stage, "payload": payload}
	var resp Workflow
	endpoint := fmt.Sprintf("workflows/%s/advance", url.PathEscape(workflowID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CertificateQueue returns pending approvals, highest priority first.
func (c *Client) CertificateQueue(ctx context.Context, jurisdiction string) ([]CertificateApproval, error) {
	endpoint := "certificates/queue"
	if jurisdiction != "" {
		endpoint += "?jurisdiction=" + url.QueryEscape(jurisdiction)
	}
	var resp []CertificateApproval
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DecideCertificate approves or rejects an approval.
func (c *Client) DecideCertificate(ctx context.Context, approvalID string, approve bool, rejectionReason string) (CertificateApproval, error) {
	body := map[string]any{"approve": approve}
	if rejectionReason != "" {
		body["rejection_reason"] = rejectionReason
	}
	var resp CertificateApproval
	endpoint := fmt.Sprintf("certificates/%s/decide", url.PathEscape(approvalID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CreateOffer lists a commodity offer.
func (c *Client) CreateOffer(ctx context.Context, sellerRef, commodity string, quantity, price float64, sourceLocation, expiresAt string) (Offer, error) {
	body := map[string]any{
		"seller_ref":      sellerRef,
		"commodity":       commodity,
		"quantity":        quantity,
		"price_per_unit":  price,
		"source_location": sourceLocation,
		"expires_at":      expiresAt,
	}
	var resp Offer
	err := c.do(ctx, http.MethodPost, "offers", body, &resp)
	return resp, err
}

// SubmitRequest opens a purchase request against an offer.
func (c *Client) SubmitRequest(ctx context.Context, offerRef, buyerRef string, quantity, agreedPrice float64) (PurchaseRequest, error) {
	body := map[string]any{
		"offer_ref":          offerRef,
		"buyer_ref":          buyerRef,
		"quantity_requested": quantity,
		"agreed_price":       agreedPrice,
	}
	var resp PurchaseRequest
	err := c.do(ctx, http.MethodPost, "requests", body, &resp)
	return resp, err
}

// GetRequest fetches a purchase request.
func (c *Client) GetRequest(ctx context.Context, requestID string) (PurchaseRequest, error) {
	var resp PurchaseRequest
	endpoint := fmt.Sprintf("requests/%s", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
