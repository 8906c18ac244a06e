package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agritrace/internal/app"
	"agritrace/internal/config"
	"agritrace/internal/db"
	"agritrace/internal/domain"
	"agritrace/internal/engine"
	"agritrace/internal/migrate"
	"agritrace/internal/repo"
	"agritrace/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "agritrace",
	Short: "AgriTrace CLI",
	Long: `AgriTrace runs agricultural export compliance end to end:
- Workflows: a commodity batch moves through thirteen stages from farmer
  registration to the export pack, each gated on required evidence.
- Risk: the deterministic evaluator scores geospatial and documentary
  evidence and can pass, park for manual review, or reject a batch.
- Certificates: approval requests queue to jurisdiction reviewers and gate
  the certificate issuance and export pack stages.
- Marketplace: offers, purchase requests, regulatory review, port
  inspection and counterparty acceptance culminating in a signed contract.
- Operator queue: blocked workflows, manual reviews, conditional
  inspections and undeliverable notifications surface for a human.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AGRITRACE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("program", "default", "compliance program id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("program", rootCmd.PersistentFlags().Lookup("program"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(certificateCmd())
	rootCmd.AddCommand(offerCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(operatorCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage program config"}
	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import config YAML into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			parsed, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				programID := viper.GetString("program")
				if err := r.UpsertProgramConfig(ctx, programID, parsed); err != nil {
					return err
				}
				fmt.Printf("imported config for program %s\n", programID)
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "path to config YAML")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	cfg.AddCommand(importCmd, showCmd)
	return cfg
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage commodity workflows"}
	wf.AddCommand(workflowCreateCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowHistoryCmd())
	wf.AddCommand(workflowAdvanceCmd())
	wf.AddCommand(workflowBlockCmd())
	wf.AddCommand(workflowUnblockCmd())
	wf.AddCommand(workflowReviewCmd())
	return wf
}

func workflowCreateCmd() *cobra.Command {
	var batchRef, farmerID, county string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a workflow at farmer registration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				w, err := e.CreateWorkflow(ctx, viper.GetString("actor-id"), batchRef, farmerID, county)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&batchRef, "batch", "", "batch reference")
	cmd.Flags().StringVar(&farmerID, "farmer", "", "farmer id")
	cmd.Flags().StringVar(&county, "county", "", "county")
	return cmd
}

func workflowListCmd() *cobra.Command {
	var county, stageName string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListWorkflows(ctx, repo.WorkflowFilters{County: county, Stage: stageName, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Batch", "County", "Stage", "Blocked"})
				for _, w := range items {
					t.AppendRow(table.Row{w.ID, w.BatchRef, w.County, w.CurrentStage, w.Blocked})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&county, "county", "", "county filter")
	cmd.Flags().StringVar(&stageName, "stage", "", "stage filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				w, err := e.Repo.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func workflowHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <workflow-id>",
		Short: "Stage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListStageHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Stage", "Entered", "Exited", "Verdict"})
				for _, rec := range items {
					t.AppendRow(table.Row{rec.Stage, rec.EnteredAt, deref(rec.ExitedAt), deref(rec.Verdict)})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func workflowAdvanceCmd() *cobra.Command {
	var stageName, payloadJSON string
	cmd := &cobra.Command{
		Use:   "advance <workflow-id>",
		Short: "Advance a workflow to the next stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid --payload JSON: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				w, err := e.Advance(ctx, viper.GetString("actor-id"), args[0], stageName, payload)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&stageName, "stage", "", "target stage")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "stage payload as JSON")
	return cmd
}

func workflowBlockCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block <workflow-id>",
		Short: "Block a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				w, err := e.Block(ctx, viper.GetString("actor-id"), args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "block reason")
	return cmd
}

func workflowUnblockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unblock <workflow-id>",
		Short: "Unblock a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				w, err := e.Unblock(ctx, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func workflowReviewCmd() *cobra.Command {
	var approve bool
	var notes string
	cmd := &cobra.Command{
		Use:   "review <workflow-id>",
		Short: "Resolve a manual review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				w, err := e.ResolveManualReview(ctx, viper.GetString("actor-id"), args[0], approve, notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the batch")
	cmd.Flags().StringVar(&notes, "notes", "", "review notes")
	return cmd
}

func certificateCmd() *cobra.Command {
	cert := &cobra.Command{Use: "certificate", Short: "Certificate approvals"}

	var certType, subjectRef, jurisdiction, role string
	var priority int
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Submit an approval request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.SubmitApproval(ctx, viper.GetString("actor-id"), role, certType, subjectRef, jurisdiction, priority)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	submit.Flags().StringVar(&certType, "type", "eudr_compliance", "certificate type")
	submit.Flags().StringVar(&subjectRef, "subject", "", "subject reference (batch)")
	submit.Flags().StringVar(&jurisdiction, "jurisdiction", "", "jurisdiction")
	submit.Flags().StringVar(&role, "role", "exporter", "requesting role")
	submit.Flags().IntVar(&priority, "priority", 0, "queue priority")

	var queueJurisdiction string
	var queueLimit int
	queue := &cobra.Command{
		Use:   "queue",
		Short: "Pending approvals, highest priority first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListPendingApprovals(ctx, queueJurisdiction, queueLimit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Type", "Subject", "Jurisdiction", "Priority", "Requested"})
				for _, a := range items {
					t.AppendRow(table.Row{a.ID, a.CertificateType, a.SubjectRef, a.Jurisdiction, a.Priority, a.RequestedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	queue.Flags().StringVar(&queueJurisdiction, "jurisdiction", "", "jurisdiction filter")
	queue.Flags().IntVar(&queueLimit, "limit", 0, "max rows")

	var approve bool
	var rejectionReason string
	decide := &cobra.Command{
		Use:   "decide <approval-id>",
		Short: "Approve or reject a certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.DecideApproval(ctx, viper.GetString("actor-id"), nil, args[0], approve, rejectionReason)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	decide.Flags().BoolVar(&approve, "approve", false, "approve the certificate")
	decide.Flags().StringVar(&rejectionReason, "reason", "", "rejection reason")

	send := &cobra.Command{
		Use:   "send <approval-id>",
		Short: "Send an approved certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.SendCertificate(ctx, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}

	cert.AddCommand(submit, queue, decide, send)
	return cert
}

func offerCmd() *cobra.Command {
	offer := &cobra.Command{Use: "offer", Short: "Marketplace offers"}

	var in engine.OfferInput
	create := &cobra.Command{
		Use:   "create",
		Short: "List a commodity offer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				o, err := e.CreateOffer(ctx, viper.GetString("actor-id"), in)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	create.Flags().StringVar(&in.SellerRef, "seller", "", "seller reference")
	create.Flags().StringVar(&in.Commodity, "commodity", "", "commodity")
	create.Flags().Float64Var(&in.Quantity, "quantity", 0, "quantity")
	create.Flags().Float64Var(&in.PricePerUnit, "price", 0, "price per unit")
	create.Flags().StringVar(&in.SourceLocation, "source", "", "source location")
	create.Flags().StringVar(&in.AvailableFrom, "available-from", "", "RFC 3339 availability")
	create.Flags().StringVar(&in.ExpiresAt, "expires-at", "", "RFC 3339 expiry")
	create.Flags().BoolVar(&in.EUDRCompliant, "eudr-compliant", false, "EUDR compliant")

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListOffers(ctx, status, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter")
	list.Flags().IntVar(&limit, "limit", 0, "max rows")

	show := &cobra.Command{
		Use:   "show <offer-id>",
		Short: "Show an offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				o, err := e.Repo.GetOffer(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}

	offer.AddCommand(create, list, show)
	return offer
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Purchase requests"}

	var offerRef, buyerRef string
	var quantity, price float64
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Submit a purchase request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.SubmitPurchaseRequest(ctx, viper.GetString("actor-id"), offerRef, buyerRef, quantity, price)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	submit.Flags().StringVar(&offerRef, "offer", "", "offer id")
	submit.Flags().StringVar(&buyerRef, "buyer", "", "buyer reference")
	submit.Flags().Float64Var(&quantity, "quantity", 0, "quantity requested")
	submit.Flags().Float64Var(&price, "price", 0, "agreed price")

	var outcome, notes string
	review := &cobra.Command{
		Use:   "review <request-id>",
		Short: "Record the regulatory review decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.ReviewRequest(ctx, viper.GetString("actor-id"), args[0], outcome, notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	review.Flags().StringVar(&outcome, "outcome", "", "approve, reject or revision")
	review.Flags().StringVar(&notes, "notes", "", "review notes")

	var resubmitNotes string
	resubmit := &cobra.Command{
		Use:   "resubmit <request-id>",
		Short: "Resubmit after a revision request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Resubmit(ctx, viper.GetString("actor-id"), args[0], resubmitNotes)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	resubmit.Flags().StringVar(&resubmitNotes, "notes", "", "resubmission notes")

	var date string
	schedule := &cobra.Command{
		Use:   "inspect <request-id>",
		Short: "Schedule the port inspection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.ScheduleInspection(ctx, viper.GetString("actor-id"), args[0], date)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	schedule.Flags().StringVar(&date, "date", "", "RFC 3339 inspection date")

	var result, resultNotes string
	inspectResult := &cobra.Command{
		Use:   "result <request-id>",
		Short: "Record the inspection outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.SubmitInspectionResult(ctx, viper.GetString("actor-id"), args[0], result, resultNotes)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	inspectResult.Flags().StringVar(&result, "result", "", "passed, failed or conditional")
	inspectResult.Flags().StringVar(&resultNotes, "notes", "", "inspection notes")

	var overrideAccept bool
	var overrideNotes string
	override := &cobra.Command{
		Use:   "override <request-id>",
		Short: "Override a conditional inspection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.OverrideInspection(ctx, viper.GetString("actor-id"), args[0], overrideAccept, overrideNotes)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	override.Flags().BoolVar(&overrideAccept, "accept", false, "accept despite the conditional result")
	override.Flags().StringVar(&overrideNotes, "notes", "", "override notes")

	var accept bool
	var respondNotes string
	respond := &cobra.Command{
		Use:   "respond <request-id>",
		Short: "Record the counterparty response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.RespondAsCounterparty(ctx, viper.GetString("actor-id"), args[0], accept, respondNotes)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	respond.Flags().BoolVar(&accept, "accept", false, "accept and sign the contract")
	respond.Flags().StringVar(&respondNotes, "notes", "", "response notes")

	var listOffer, listStatus string
	var listLimit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List purchase requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListRequests(ctx, repo.RequestFilters{OfferRef: listOffer, OverallStatus: listStatus, Limit: listLimit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Offer", "Buyer", "Qty", "Status", "Progress"})
				for _, p := range items {
					t.AppendRow(table.Row{p.ID, p.OfferRef, p.BuyerRef, p.QuantityRequested, p.OverallStatus, fmt.Sprintf("%d%%", p.ProgressPercent)})
				}
				t.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listOffer, "offer", "", "offer filter")
	list.Flags().StringVar(&listStatus, "status", "", "overall status filter")
	list.Flags().IntVar(&listLimit, "limit", 0, "max rows")

	show := &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a purchase request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Repo.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}

	req.AddCommand(submit, review, resubmit, schedule, inspectResult, override, respond, list, show)
	return req
}

func operatorCmd() *cobra.Command {
	op := &cobra.Command{Use: "operator", Short: "Operator queue"}

	var kind string
	var limit int
	queue := &cobra.Command{
		Use:   "queue",
		Short: "Open operator tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListOpenOperatorTasks(ctx, kind, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Kind", "Entity", "Reason", "Created"})
				for _, task := range items {
					t.AppendRow(table.Row{task.ID, task.Kind, task.EntityKind + "/" + task.EntityID, task.Reason, task.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	queue.Flags().StringVar(&kind, "kind", "", "task kind filter")
	queue.Flags().IntVar(&limit, "limit", 0, "max rows")

	resolve := &cobra.Command{
		Use:   "resolve <task-id>",
		Short: "Resolve an operator task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("task id must be numeric")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				task, err := e.ResolveOperatorTask(ctx, viper.GetString("actor-id"), id)
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}

	op.AddCommand(queue, resolve)
	return op
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire due offers once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				n, err := e.SweepExpiredOffers(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("expired %d offers\n", n)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit log"}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	lg.AddCommand(tail)
	return lg
}

func rbacCmd() *cobra.Command {
	rbac := &cobra.Command{Use: "rbac", Short: "Actors, roles and API keys"}

	var actor, role string
	assign := &cobra.Command{
		Use:   "assign",
		Short: "Assign a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if len(e.Config.RBAC.Roles) > 0 {
					if _, ok := e.Config.RBAC.Roles[role]; !ok {
						return fmt.Errorf("unknown role %s", role)
					}
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.EnsureActor(ctx, tx, actor, now); err != nil {
					return err
				}
				if err := e.Repo.AssignRole(ctx, tx, actor, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	assign.Flags().StringVar(&actor, "actor", "", "actor id")
	assign.Flags().StringVar(&role, "role", "", "role id")

	var keyActor, keyName string
	apikey := &cobra.Command{
		Use:   "apikey",
		Short: "Issue an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyActor == "" {
				return fmt.Errorf("--actor required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				raw := uuid.NewString() + uuid.NewString()
				now := time.Now().UTC().Format(time.RFC3339)
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   keyActor,
					Name:      keyName,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: now,
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.EnsureActor(ctx, tx, keyActor, now); err != nil {
					return err
				}
				if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Printf("api key (store it now, it is not retrievable): %s\n", raw)
				return nil
			})
		},
	}
	apikey.Flags().StringVar(&keyActor, "actor", "", "actor id")
	apikey.Flags().StringVar(&keyName, "name", "", "key name")

	rbac.AddCommand(assign, apikey)
	return rbac
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, viper.GetString("program"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("AGRITRACE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("AGRITRACE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			go e.RunSweeper(cmd.Context())
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving AgriTrace API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, viper.GetString("program"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
