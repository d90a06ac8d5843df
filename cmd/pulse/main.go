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

	"pulseline/internal/advisor"
	"pulseline/internal/app"
	"pulseline/internal/config"
	"pulseline/internal/db"
	"pulseline/internal/domain"
	"pulseline/internal/engine"
	"pulseline/internal/hub"
	"pulseline/internal/migrate"
	"pulseline/internal/repo"
	"pulseline/internal/scanner"
	"pulseline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Pulseline CLI",
	Long: `Pulseline watches the business solutions an org runs on and turns raw
records into signals, risks, forecasts, and recommendations.
- Workspace: the .pulseline directory holding the local database.
- Org: the tenant that owns all signals, risks, and forecasts.
- Signals: detected anomalies (overdue invoice, stalled project, idle deal).
- Risks: scored threats with a forward-only lifecycle, OPEN through CLOSED.
- Forecasts: projected metric values graded against actuals when they land.
- Recommendations: suggested actions to accept, dismiss, or defer.
- Scan: sweeps connected sources with detection rules and files signals.
- Event log: the audit diary, view with 'pulse log tail'.`,
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
	viper.SetEnvPrefix("PULSELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "org id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}

func registerCommands() {
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(riskCmd())
	rootCmd.AddCommand(forecastCmd())
	rootCmd.AddCommand(recommendCmd())
	rootCmd.AddCommand(learningCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage orgs"}
	org.AddCommand(orgInitCmd())
	org.AddCommand(orgListCmd())
	return org
}

func orgInitCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an org and seed a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg, hub.New())
			o, err := e.InitOrg(cmd.Context(), id, name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(id)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			return printJSONOrTable(o)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "org id")
	cmd.Flags().StringVar(&name, "name", "", "org display name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func orgListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List orgs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListOrgs(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show org health at a glance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				orgID := e.Config.Org.ID
				signals, err := e.Repo.SummarizeSignals(ctx, orgID)
				if err != nil {
					return err
				}
				recs, err := e.Repo.SummarizeRecommendations(ctx, orgID)
				if err != nil {
					return err
				}
				heatmap, err := e.RiskHeatmap(ctx, orgID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"org_id":          orgID,
					"signals":         signals,
					"recommendations": recs,
					"open_risks":      heatmap.Total,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Org: %s\n", orgID)
				fmt.Printf("Signals: %d total, %d unacknowledged\n", signals.Total, signals.Unacknowledged)
				fmt.Printf("Open risks: %d\n", heatmap.Total)
				fmt.Printf("Recommendations: %d total, %d pending\n", recs.Total, recs.Pending)
				return nil
			})
		},
	}
	return cmd
}

func signalCmd() *cobra.Command {
	sig := &cobra.Command{Use: "signal", Short: "Manage signals"}
	sig.AddCommand(signalListCmd())
	sig.AddCommand(signalAckCmd())
	sig.AddCommand(signalSummaryCmd())
	return sig
}

func signalListCmd() *cobra.Command {
	var severity, source, signalType string
	var unackedOnly bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f := repo.SignalFilters{
					OrgID:      e.Config.Org.ID,
					Severity:   severity,
					Source:     source,
					SignalType: signalType,
					Limit:      limit,
				}
				if unackedOnly {
					acked := false
					f.Acknowledged = &acked
				}
				signals, err := e.Repo.ListSignals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(signals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Severity", "Type", "Entity", "Title", "Ack"})
				for _, s := range signals {
					ack := ""
					if s.Acknowledged {
						ack = "yes"
					}
					tw.AppendRow(table.Row{s.ID, s.Severity, s.SignalType, s.EntityRef, s.Title, ack})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&severity, "severity", "", "severity filter")
	cmd.Flags().StringVar(&source, "source", "", "source solution filter")
	cmd.Flags().StringVar(&signalType, "type", "", "signal type filter")
	cmd.Flags().BoolVar(&unackedOnly, "unacked", false, "only unacknowledged signals")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func signalAckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack <signal-id>",
		Short: "Acknowledge a signal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.AcknowledgeSignal(ctx, e.Config.Org.ID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func signalSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Signal counts by severity and source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sum, err := e.Repo.SummarizeSignals(ctx, e.Config.Org.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(sum)
			})
		},
	}
}

func riskCmd() *cobra.Command {
	risk := &cobra.Command{Use: "risk", Short: "Manage risks"}
	risk.AddCommand(riskCreateCmd())
	risk.AddCommand(riskListCmd())
	risk.AddCommand(riskSetStatusCmd())
	risk.AddCommand(riskHeatmapCmd())
	return risk
}

func riskCreateCmd() *cobra.Command {
	var riskDomain, riskType, title, description string
	var probability, impact float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a risk",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rk, err := e.CreateRisk(ctx, engine.RiskCreateOptions{
					OrgID:       e.Config.Org.ID,
					Domain:      riskDomain,
					RiskType:    riskType,
					Title:       title,
					Description: description,
					Probability: probability,
					Impact:      impact,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rk)
			})
		},
	}
	cmd.Flags().StringVar(&riskDomain, "domain", "", "business domain")
	cmd.Flags().StringVar(&riskType, "type", "", "risk type")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().Float64Var(&probability, "probability", 0, "probability 0..1")
	cmd.Flags().Float64Var(&impact, "impact", 0, "impact 0..10")
	_ = cmd.MarkFlagRequired("domain")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func riskListCmd() *cobra.Command {
	var status, riskDomain string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List risks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				risks, err := e.Repo.ListRisks(ctx, repo.RiskFilters{
					OrgID:  e.Config.Org.ID,
					Status: status,
					Domain: riskDomain,
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(risks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Domain", "Title", "Status", "Score"})
				for _, rk := range risks {
					tw.AppendRow(table.Row{rk.ID, rk.Domain, rk.Title, rk.Status, fmt.Sprintf("%.2f", rk.Score)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&riskDomain, "domain", "", "domain filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func riskSetStatusCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "set-status <risk-id> <status>",
		Short: "Advance a risk's lifecycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rk, err := e.SetRiskStatus(ctx, e.Config.Org.ID, args[0], domain.RiskStatus(args[1]), notes, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rk)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "transition notes")
	return cmd
}

func riskHeatmapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heatmap",
		Short: "Probability/impact heatmap over open risks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				hm, err := e.RiskHeatmap(ctx, e.Config.Org.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(hm)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Probability", "Impact", "Count"})
				for _, cell := range hm.Cells {
					tw.AppendRow(table.Row{cell.Probability, cell.Impact, cell.Count})
				}
				tw.Render()
				fmt.Printf("Total: %d\n", hm.Total)
				return nil
			})
		},
	}
}

func forecastCmd() *cobra.Command {
	fc := &cobra.Command{Use: "forecast", Short: "Manage forecasts"}
	fc.AddCommand(forecastCreateCmd())
	fc.AddCommand(forecastListCmd())
	fc.AddCommand(forecastActualCmd())
	return fc
}

func forecastCreateCmd() *cobra.Command {
	var fcDomain, metric, horizon string
	var projected, lower, upper float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a forecast",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.CreateForecast(ctx, engine.ForecastCreateOptions{
					OrgID:      e.Config.Org.ID,
					Domain:     fcDomain,
					MetricName: metric,
					Horizon:    horizon,
					Projected:  projected,
					Lower:      lower,
					Upper:      upper,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&fcDomain, "domain", "", "business domain")
	cmd.Flags().StringVar(&metric, "metric", "", "metric name")
	cmd.Flags().StringVar(&horizon, "horizon", "", "horizon label, e.g. 2026-09")
	cmd.Flags().Float64Var(&projected, "projected", 0, "projected value")
	cmd.Flags().Float64Var(&lower, "lower", 0, "confidence lower bound")
	cmd.Flags().Float64Var(&upper, "upper", 0, "confidence upper bound")
	_ = cmd.MarkFlagRequired("metric")
	_ = cmd.MarkFlagRequired("horizon")
	return cmd
}

func forecastListCmd() *cobra.Command {
	var status, fcDomain string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List forecasts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListForecasts(ctx, repo.ForecastFilters{
					OrgID:  e.Config.Org.ID,
					Status: status,
					Domain: fcDomain,
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Metric", "Horizon", "Projected", "Status", "Accuracy"})
				for _, f := range items {
					accuracy := ""
					if f.Accuracy != nil {
						accuracy = fmt.Sprintf("%.2f", *f.Accuracy)
					}
					tw.AppendRow(table.Row{f.ID, f.MetricName, f.Horizon, f.Projected, f.Status, accuracy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&fcDomain, "domain", "", "domain filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func forecastActualCmd() *cobra.Command {
	var modelID string
	var actual float64
	cmd := &cobra.Command{
		Use:   "actual <forecast-id>",
		Short: "Record the observed value for a forecast",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.RecordActual(ctx, e.Config.Org.ID, args[0], actual, modelID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().Float64Var(&actual, "value", 0, "observed value")
	cmd.Flags().StringVar(&modelID, "model", "", "model id for the learning record")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func recommendCmd() *cobra.Command {
	rec := &cobra.Command{Use: "recommend", Short: "Manage recommendations"}
	rec.AddCommand(recommendListCmd())
	rec.AddCommand(recommendActCmd())
	rec.AddCommand(recommendSummaryCmd())
	return rec
}

func recommendListCmd() *cobra.Command {
	var status, targetModule string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recommendations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRecommendations(ctx, repo.RecommendationFilters{
					OrgID:        e.Config.Org.ID,
					Status:       status,
					TargetModule: targetModule,
					Limit:        limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Action", "Title", "Status", "Priority", "AI"})
				for _, rec := range items {
					ai := ""
					if rec.AIGenerated {
						ai = "yes"
					}
					tw.AppendRow(table.Row{rec.ID, rec.ActionType, rec.Title, rec.Status, rec.Priority, ai})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&targetModule, "module", "", "target module filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func recommendActCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "act <recommendation-id> <accepted|dismissed|deferred>",
		Short: "Act on a recommendation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.ActOnRecommendation(ctx, e.Config.Org.ID, args[0], domain.RecommendationStatus(args[1]), viper.GetString("actor-id"), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "decision notes")
	return cmd
}

func recommendSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Recommendation counts by status and action",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sum, err := e.Repo.SummarizeRecommendations(ctx, e.Config.Org.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(sum)
			})
		},
	}
}

func learningCmd() *cobra.Command {
	lc := &cobra.Command{Use: "learning", Short: "Prediction feedback and accuracy"}
	lc.AddCommand(learningAccuracyCmd())
	lc.AddCommand(learningFeedbackCmd())
	return lc
}

func learningAccuracyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accuracy",
		Short: "Accuracy grouped by model",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				buckets, err := e.Repo.AccuracyByModel(ctx, e.Config.Org.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(buckets)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Model", "Type", "Samples", "Avg Value", "Avg Deviation"})
				for _, b := range buckets {
					tw.AppendRow(table.Row{b.ModelID, b.PredictionType, b.Samples,
						fmt.Sprintf("%.2f", b.AvgValue), fmt.Sprintf("%.2f", b.AvgDeviation)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func learningFeedbackCmd() *cobra.Command {
	var modelID, predictionType, outcome string
	var value, deviation float64
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Record manual prediction feedback",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.RecordFeedback(ctx, engine.FeedbackOptions{
					OrgID:          e.Config.Org.ID,
					ModelID:        modelID,
					PredictionType: predictionType,
					Value:          value,
					Outcome:        outcome,
					Deviation:      deviation,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&modelID, "model", "", "model id")
	cmd.Flags().StringVar(&predictionType, "type", "", "prediction type")
	cmd.Flags().Float64Var(&value, "value", 0, "predicted value")
	cmd.Flags().StringVar(&outcome, "outcome", "", "observed outcome")
	cmd.Flags().Float64Var(&deviation, "deviation", 0, "deviation from actual")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func scanCmd() *cobra.Command {
	var only []string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Sweep connected sources for anomalies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				adv := newAdvisor(e)
				sources := scanner.SourcesFromConfig(e.Config)
				if len(sources) == 0 {
					return fmt.Errorf("no sources configured; add a sources section to %s", config.Path(viper.GetString("workspace")))
				}
				s := scanner.New(e, adv, e.Config, sources...)
				report, err := s.Scan(ctx, e.Config.Org.ID, only)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	cmd.Flags().StringSliceVar(&only, "source", nil, "limit the scan to named sources")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Org.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key bound to the current actor and org",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: viper.GetString("actor-id"),
					OrgID:   e.Config.Org.ID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// The plaintext is shown once; only the hash is stored.
				out := map[string]string{"id": key.ID, "name": key.Name, "key": secret}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Org", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.OrgID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			_, cfg, err := app.ResolveOrgAndConfig(cmd.Context(), workspace, viper.GetString("org"), r)
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("PULSELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PULSELINE_JWT_SECRET is required for bearer auth")
			}

			e := engine.New(conn, cfg, hub.New())
			adv := newAdvisor(e)
			runner := scanner.NewRunner(scanner.New(e, adv, cfg, scanner.SourcesFromConfig(cfg)...))
			runner.Start()
			defer runner.Stop()

			handler, err := server.New(server.Config{
				Engine:   e,
				Advisor:  adv,
				Runner:   runner,
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Pulseline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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

// newAdvisor builds the advisor service when the analyzer is enabled. The nil
// check happens before the interface assignment so a disabled analyzer stays a
// nil interface inside the service.
func newAdvisor(e engine.Engine) *advisor.Service {
	var an advisor.Analyzer
	if a := advisor.NewHTTPAnalyzer(e.Config); a != nil {
		an = a
	}
	return advisor.New(e, an)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
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
	_, cfg, err := app.ResolveOrgAndConfig(ctx, workspace, viper.GetString("org"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, hub.New())
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
