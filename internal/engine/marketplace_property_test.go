package engine_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"agritrace/internal/engine"
)

// TestContractSigningProperty drives a purchase request through every
// combination of review, inspection and counterparty outcomes and checks
// that a contract signs only when all three approve.
func TestContractSigningProperty(t *testing.T) {
	env := newTestEnv(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 24
	properties := gopter.NewProperties(parameters)

	properties.Property("contract requires approval on every axis", prop.ForAll(
		func(reviewApprove, inspectionPass, counterpartyAccept bool) bool {
			o, err := env.Engine.CreateOffer(env.Ctx, "seller-1", engine.OfferInput{
				SellerRef:      "seller-1",
				Commodity:      "macadamia",
				Quantity:       1000,
				PricePerUnit:   400,
				SourceLocation: "Embu",
				ExpiresAt:      env.Now.Add(24 * time.Hour).Format(time.RFC3339),
			})
			if err != nil {
				t.Fatalf("create offer: %v", err)
			}
			p, err := env.Engine.SubmitPurchaseRequest(env.Ctx, "buyer-1", o.ID, "buyer-1", 100, 400)
			if err != nil {
				t.Fatalf("submit request: %v", err)
			}

			outcome := "reject"
			if reviewApprove {
				outcome = "approve"
			}
			p, err = env.Engine.ReviewRequest(env.Ctx, "rev-1", p.ID, outcome, "x")
			if err != nil {
				t.Fatalf("review: %v", err)
			}
			if reviewApprove {
				date := env.Now.Add(time.Hour).Format(time.RFC3339)
				p, err = env.Engine.ScheduleInspection(env.Ctx, "insp-1", p.ID, date)
				if err != nil {
					t.Fatalf("schedule: %v", err)
				}
				result := "failed"
				if inspectionPass {
					result = "passed"
				}
				p, err = env.Engine.SubmitInspectionResult(env.Ctx, "insp-1", p.ID, result, "")
				if err != nil {
					t.Fatalf("inspection: %v", err)
				}
			}
			if reviewApprove && inspectionPass {
				p, err = env.Engine.RespondAsCounterparty(env.Ctx, "buyer-1", p.ID, counterpartyAccept, "")
				if err != nil {
					t.Fatalf("counterparty: %v", err)
				}
			}

			final, err := env.Engine.Repo.GetRequest(env.Ctx, p.ID)
			if err != nil {
				t.Fatalf("get request: %v", err)
			}
			signed := final.OverallStatus == engine.RequestContractSigned
			wantSigned := reviewApprove && inspectionPass && counterpartyAccept
			if signed != wantSigned {
				return false
			}
			if signed {
				return final.ProgressPercent == 100 && final.CounterpartyStatus == "accepted"
			}
			// Any rejection hands the reserved quantity back.
			if final.OverallStatus == engine.RequestRejected {
				got, err := env.Engine.Repo.GetOffer(env.Ctx, o.ID)
				if err != nil {
					t.Fatalf("get offer: %v", err)
				}
				return got.RemainingQuantity == got.Quantity
			}
			return true
		},
		gen.Bool(), gen.Bool(), gen.Bool(),
	))

	properties.TestingRun(t)
}
