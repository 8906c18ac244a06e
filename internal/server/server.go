// Package server exposes the compliance engine over HTTP with huma.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"agritrace/internal/domain"
	"agritrace/internal/engine"
	"agritrace/internal/engine/auth"
	"agritrace/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"state_conflict"`
	Message string         `json:"message" example:"workflow is blocked; advance not allowed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the AgriTrace API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema validation errors are the caller's fault.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("AgriTrace API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWorkflows(group, cfg.Engine)
	registerCertificates(group, cfg.Engine)
	registerOffers(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerOperatorQueue(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startSinkDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine errors onto the wire envelope. State conflicts
// carry the authoritative current state so callers resynchronize without a
// second read.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if len(ve.Fields) > 0 {
			details = map[string]any{"fields": ve.Fields}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Error(), details)
	}
	var ae *engine.AuthorizationError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusForbidden, "forbidden", ae.Error(), map[string]any{"actor_id": ae.ActorID})
	}
	var sc *engine.StateConflictError
	if errors.As(err, &sc) {
		return newAPIError(http.StatusConflict, "state_conflict", sc.Error(), map[string]any{
			"entity_kind":   sc.EntityKind,
			"entity_id":     sc.EntityID,
			"current_state": sc.CurrentState,
			"attempted":     sc.Attempted,
		})
	}
	var pe *engine.PreconditionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusUnprocessableEntity, "precondition_failed", pe.Error(), nil)
	}
	var xe *engine.ExpirationError
	if errors.As(err, &xe) {
		return newAPIError(http.StatusGone, "expired", xe.Error(), map[string]any{
			"entity_kind": xe.EntityKind,
			"entity_id":   xe.EntityID,
			"expired_at":  xe.ExpiredAt,
		})
	}
	var ee *engine.ExternalServiceError
	if errors.As(err, &ee) {
		return newAPIError(http.StatusBadGateway, "external_service_error", ee.Error(), map[string]any{
			"service": ee.Service, "attempts": ee.Attempts,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrVersionConflict) {
		return newAPIError(http.StatusConflict, "version_conflict", "concurrent update; re-read and retry", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "state_conflict"
	case http.StatusUnprocessableEntity:
		return "precondition_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusGone:
		return "expired"
	case http.StatusBadGateway:
		return "external_service_error"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requirePermission(ctx context.Context, e *engine.Engine, perm string) (auth.Principal, huma.StatusError) {
	principal, ok := auth.FromContext(ctx)
	if !ok || principal.ActorID == "" {
		return auth.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if !auth.Can(e.Config, principal, perm) {
		return auth.Principal{}, newAPIError(http.StatusForbidden, "forbidden", "permission "+perm+" required", map[string]any{"permission": perm})
	}
	return principal, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>AgriTrace API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerWorkflows(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Open a commodity workflow",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkflowRequest `json:"body"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, e, "workflow.advance")
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.CreateWorkflow(ctx, p.ActorID, input.Body.BatchRef, input.Body.FarmerID, input.Body.County)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows",
	}, func(ctx context.Context, input *struct {
		County  string `query:"county"`
		Stage   string `query:"stage"`
		Blocked *bool  `query:"blocked"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []WorkflowResponse `json:"body"`
	}, error) {
		if _, authErr := requirePermission(ctx, e, "workflow.advance"); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListWorkflows(ctx, repo.WorkflowFilters{
			County: input.County, Stage: input.Stage, Blocked: input.Blocked, Limit: input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WorkflowResponse `json:"body"`
		}{Body: mapWorkflows(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}",
		Summary:     "Get workflow",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		w, err := e.Repo.GetWorkflow(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-history",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/history",
		Summary:     "Stage history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body []domain.StageRecord `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetWorkflow(ctx, input.WorkflowID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListStageHistory(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StageRecord `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/advance",
		Summary:     "Advance to the next stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string         `path:"workflow_id"`
		Body       AdvanceRequest `json:"body"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, e, "workflow.advance")
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.Advance(ctx, p.ActorID, input.WorkflowID, input.Body.Stage, input.Body.Payload)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "block-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/block",
		Summary:     "Block a workflow",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		WorkflowID string       `path:"workflow_id"`
		Body       BlockRequest `json:"body"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, e, "workflow.block")
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.Block(ctx, p.ActorID, input.WorkflowID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unblock-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/unblock",
		Summary:     "Unblock a workflow",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, e, "workflow.unblock")
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.Unblock(ctx, p.ActorID, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-manual-review",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/review",
		Summary:     "Resolve a manual review",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		WorkflowID string               `path:"workflow_id"`
		Body       ResolveReviewRequest `json:"body"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, e, "workflow.review.resolve")
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.ResolveManualReview(ctx, p.ActorID, input.WorkflowID, input.Body.Approve, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w)}, nil
	})
}

func registerCertificates(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-certificate",
		Method:        http.MethodPost,
		Path:          "/certificates",
		Summary:       "Submit a certificate approval request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body SubmitApprovalRequest `json:"body"`
	}) (*struct {
		Body domain.CertificateApproval `json:"body"`
	}, error) {
		p, authErr := actorPrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		role := input.Body.RequestedByRole
		if role == "" && len(p.Roles) > 0 {
			role = p.Roles[0]
		}
		a, err := e.SubmitApproval(ctx, p.ActorID, role, input.Body.CertificateType, input.Body.SubjectRef, input.Body.Jurisdiction, input.Body.Priority)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CertificateApproval `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "certificate-queue",
		Method:      http.MethodGet,
		Path:        "/certificates/queue",
		Summary:     "Pending approvals, highest priority first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Jurisdiction string `query:"jurisdiction"`
		Limit        int    `query:"limit"`
	}) (*struct {
		Body []domain.CertificateApproval `json:"body"`
	}, error) {
		if _, authErr := requirePermission(ctx, e, "certificate.queue.read"); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListPendingApprovals(ctx, input.Jurisdiction, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CertificateApproval `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-certificate",
		Method:      http.MethodGet,
		Path:        "/certificates/{approval_id}",
		Summary:     "Get certificate approval",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApprovalID string `path:"approval_id"`
	}) (*struct {
		Body domain.CertificateApproval `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		a, err := e.Repo.GetApproval(ctx, input.ApprovalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CertificateApproval `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-certificate",
		Method:      http.MethodPost,
		Path:        "/certificates/{approval_id}/decide",
		Summary:     "Approve or reject a certificate",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ApprovalID string                `path:"approval_id"`
		Body       DecideApprovalRequest `json:"body"`
	}) (*struct {
		Body domain.CertificateApproval `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, e, "certificate.decide")
		if authErr != nil {
			return nil, authErr
		}
		jurisdictions := auth.Jurisdictions(e.Config, p)
		a, err := e.DecideApproval(ctx, p.ActorID, jurisdictions, input.ApprovalID, input.Body.Approve, input.Body.RejectionReason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CertificateApproval `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-certificate",
		Method:      http.MethodPost,
		Path:        "/certificates/{approval_id}/send",
		Summary:     "Send an approved certificate",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ApprovalID string `path:"approval_id"`
	}) (*struct {
		Body domain.CertificateApproval `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, e, "certificate.decide")
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.SendCertificate(ctx, p.ActorID, input.ApprovalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CertificateApproval `json:"body"`
		}{Body: a}, nil
	})
}

func registerOffers(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-offer",
		Method:        http.MethodPost,
		Path:          "/offers",
		Summary:       "List a commodity offer",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body OfferRequest `json:"body"`
	}) (*struct {
		Body domain.Offer `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, e, "offer.create")
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.CreateOffer(ctx, p.ActorID, engine.OfferInput{
			SellerRef:      input.Body.SellerRef,
			Commodity:      input.Body.Commodity,
			Quantity:       input.Body.Quantity,
			PricePerUnit:   input.Body.PricePerUnit,
			SourceLocation: input.Body.SourceLocation,
			AvailableFrom:  input.Body.AvailableFrom,
			ExpiresAt:      input.Body.ExpiresAt,
			EUDRCompliant:  input.Body.EUDRCompliant,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Offer `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-offers",
		Method:      http.MethodGet,
		Path:        "/offers",
		Summary:     "List offers",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.Offer `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListOffers(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Offer `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-offer",
		Method:      http.MethodGet,
		Path:        "/offers/{offer_id}",
		Summary:     "Get offer",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OfferID string `path:"offer_id"`
	}) (*struct {
		Body domain.Offer `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		o, err := e.Repo.GetOffer(ctx, input.OfferID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Offer `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expire-offer",
		Method:      http.MethodPost,
		Path:        "/offers/{offer_id}/expire",
		Summary:     "Expire an open offer ahead of its deadline",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		OfferID string `path:"offer_id"`
	}) (*struct {
		Body domain.Offer `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, e, "offer.expire")
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ExpireOffer(ctx, p.ActorID, input.OfferID); err != nil {
			return nil, handleError(err)
		}
		o, err := e.Repo.GetOffer(ctx, input.OfferID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Offer `json:"body"`
		}{Body: o}, nil
	})
}

func registerRequests(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Submit a purchase request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusGone,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body PurchaseRequestInput `json:"body"`
	}) (*struct {
		Body domain.PurchaseRequest `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, e, "request.submit")
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.SubmitPurchaseRequest(ctx, p.ActorID, input.Body.OfferRef, input.Body.BuyerRef, input.Body.QuantityRequested, input.Body.AgreedPrice)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PurchaseRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List purchase requests",
	}, func(ctx context.Context, input *struct {
		OfferRef string `query:"offer_ref"`
		Status   string `query:"status"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.PurchaseRequest `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListRequests(ctx, repo.RequestFilters{
			OfferRef: input.OfferRef, OverallStatus: input.Status, Limit: input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PurchaseRequest `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}",
		Summary:     "Get purchase request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body domain.PurchaseRequest `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		req, err := e.Repo.GetRequest(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PurchaseRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/review",
		Summary:     "Record the regulatory review decision",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RequestID string                `path:"request_id"`
		Body      ReviewDecisionRequest `json:"body"`
	}) (*struct {
		Body domain.PurchaseRequest `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, e, "request.review")
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.ReviewRequest(ctx, p.ActorID, input.RequestID, input.Body.Outcome, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PurchaseRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resubmit-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/resubmit",
		Summary:     "Resubmit after a revision request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
		Body      struct {
			Notes string `json:"notes,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.PurchaseRequest `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, e, "request.resubmit")
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Resubmit(ctx, p.ActorID, input.RequestID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PurchaseRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "schedule-inspection",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/inspection",
		Summary:     "Schedule the port inspection",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string                    `path:"request_id"`
		Body      ScheduleInspectionRequest `json:"body"`
	}) (*struct {
		Body domain.PurchaseRequest `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, e, "request.inspection.schedule")
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.ScheduleInspection(ctx, p.ActorID, input.RequestID, input.Body.InspectionDate)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PurchaseRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "inspection-result",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/inspection/result",
		Summary:     "Record the inspection outcome",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RequestID string                  `path:"request_id"`
		Body      InspectionResultRequest `json:"body"`
	}) (*struct {
		Body domain.PurchaseRequest `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, e, "request.inspection.result")
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.SubmitInspectionResult(ctx, p.ActorID, input.RequestID, input.Body.Result, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PurchaseRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "override-inspection",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/inspection/override",
		Summary:     "Override a conditional inspection",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RequestID string                    `path:"request_id"`
		Body      OverrideInspectionRequest `json:"body"`
	}) (*struct {
		Body domain.PurchaseRequest `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, e, "operator.queue.read")
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.OverrideInspection(ctx, p.ActorID, input.RequestID, input.Body.Accept, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PurchaseRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/respond",
		Summary:     "Record the counterparty response",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string                      `path:"request_id"`
		Body      CounterpartyResponseRequest `json:"body"`
	}) (*struct {
		Body domain.PurchaseRequest `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, e, "request.respond")
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.RespondAsCounterparty(ctx, p.ActorID, input.RequestID, input.Body.Accept, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PurchaseRequest `json:"body"`
		}{Body: req}, nil
	})
}

func registerOperatorQueue(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "operator-queue",
		Method:      http.MethodGet,
		Path:        "/operator/queue",
		Summary:     "Open operator tasks",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Kind  string `query:"kind"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body []domain.OperatorTask `json:"body"`
	}, error) {
		if _, authErr := requirePermission(ctx, e, "operator.queue.read"); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListOpenOperatorTasks(ctx, input.Kind, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.OperatorTask `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-operator-task",
		Method:      http.MethodPost,
		Path:        "/operator/queue/{task_id}/resolve",
		Summary:     "Resolve an operator task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID int64 `path:"task_id"`
	}) (*struct {
		Body domain.OperatorTask `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, e, "operator.queue.read")
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.ResolveOperatorTask(ctx, p.ActorID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OperatorTask `json:"body"`
		}{Body: task}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log, newest first",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		Before     int64  `query:"before"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit, input.Before, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerRBAC(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "assign-role",
		Method:      http.MethodPost,
		Path:        "/actors/{actor_id}/roles",
		Summary:     "Assign a role to an actor",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string                `path:"actor_id"`
		Body    RoleAssignmentRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, authErr := requirePermission(ctx, e, "operator.queue.read"); authErr != nil {
			return nil, authErr
		}
		if input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "role is required", nil)
		}
		if e.Config != nil && len(e.Config.RBAC.Roles) > 0 {
			if _, ok := e.Config.RBAC.Roles[input.Body.Role]; !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role "+input.Body.Role, nil)
			}
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		now := e.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.EnsureActor(ctx, tx, input.ActorID, now); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.AssignRole(ctx, tx, input.ActorID, input.Body.Role); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"actor_id": input.ActorID, "role": input.Body.Role}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actor-roles",
		Method:      http.MethodGet,
		Path:        "/actors/{actor_id}/roles",
		Summary:     "List an actor's roles",
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
	}) (*struct {
		Body []string `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		roles, err := e.Repo.ActorRoles(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: roles}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Issue an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := requirePermission(ctx, e, "operator.queue.read"); authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		raw := uuid.NewString() + uuid.NewString()
		now := e.Now().UTC().Format(time.RFC3339)
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   input.Body.ActorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(raw),
			CreatedAt: now,
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.EnsureActor(ctx, tx, key.ActorID, now); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		// The raw key is returned once and never stored.
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, ActorID: key.ActorID, Name: key.Name, Key: raw, CreatedAt: key.CreatedAt}}, nil
	})
}

func actorPrincipal(ctx context.Context) (auth.Principal, huma.StatusError) {
	p, ok := auth.FromContext(ctx)
	if !ok || p.ActorID == "" {
		return auth.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return p, nil
}
