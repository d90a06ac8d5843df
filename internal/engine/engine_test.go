package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pulseline/internal/config"
	"pulseline/internal/db"
	"pulseline/internal/domain"
	"pulseline/internal/engine"
	"pulseline/internal/hub"
	"pulseline/internal/migrate"
	"pulseline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Hub    *hub.Hub
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("org-1")
	h := hub.New()
	eng := engine.New(conn, cfg, h)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitOrg(ctx, "org-1", "Test Org", "tester"); err != nil {
		t.Fatalf("init org: %v", err)
	}
	if _, err := eng.InitOrg(ctx, "org-2", "Other Org", "tester"); err != nil {
		t.Fatalf("init org-2: %v", err)
	}
	return testEnv{Engine: eng, Hub: h, Ctx: ctx}
}

func TestRiskScoreDerived(t *testing.T) {
	env := newTestEnv(t)
	rk, err := env.Engine.CreateRisk(env.Ctx, engine.RiskCreateOptions{
		OrgID:       "org-1",
		Domain:      "finance",
		Title:       "cash gap",
		Probability: 0.7,
		Impact:      8.5,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create risk: %v", err)
	}
	if rk.Score != 5.95 {
		t.Fatalf("risk_score = %v, want 5.95", rk.Score)
	}
	if rk.Status != domain.RiskOpen {
		t.Fatalf("new risk status = %s, want OPEN", rk.Status)
	}
}

func TestRiskScoreRounding(t *testing.T) {
	env := newTestEnv(t)
	rk, err := env.Engine.CreateRisk(env.Ctx, engine.RiskCreateOptions{
		OrgID: "org-1", Domain: "ops", Title: "r", Probability: 0.333, Impact: 3.333, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rk.Score != 1.11 {
		t.Fatalf("risk_score = %v, want 1.11", rk.Score)
	}
}

func TestRiskValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateRisk(env.Ctx, engine.RiskCreateOptions{
		OrgID: "org-1", Domain: "ops", Title: "r", Probability: 1.5, Impact: 5, ActorID: "tester",
	})
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for probability, got %v", err)
	}
	_, err = env.Engine.CreateRisk(env.Ctx, engine.RiskCreateOptions{
		OrgID: "org-1", Domain: "ops", Title: "r", Probability: 0.5, Impact: 11, ActorID: "tester",
	})
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for impact, got %v", err)
	}
}

func TestRiskStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	rk, err := env.Engine.CreateRisk(env.Ctx, engine.RiskCreateOptions{
		OrgID: "org-1", Domain: "ops", Title: "r", Probability: 0.5, Impact: 5, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	rk, err = env.Engine.SetRiskStatus(env.Ctx, "org-1", rk.ID, domain.RiskEscalating, "", "tester")
	if err != nil || rk.Status != domain.RiskEscalating {
		t.Fatalf("to ESCALATING: %v", err)
	}
	rk, err = env.Engine.SetRiskStatus(env.Ctx, "org-1", rk.ID, domain.RiskMitigated, "", "tester")
	if err != nil || rk.Status != domain.RiskMitigated {
		t.Fatalf("to MITIGATED: %v", err)
	}
	rk, err = env.Engine.SetRiskStatus(env.Ctx, "org-1", rk.ID, domain.RiskClosed, "", "tester")
	if err != nil || rk.Status != domain.RiskClosed {
		t.Fatalf("to CLOSED: %v", err)
	}
	_, err = env.Engine.SetRiskStatus(env.Ctx, "org-1", rk.ID, domain.RiskOpen, "", "tester")
	var cerr *engine.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected conflict reopening closed risk, got %v", err)
	}

	history, err := env.Engine.Repo.ListRiskHistory(env.Ctx, rk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 4 {
		t.Fatalf("history entries = %d, want 4", len(history))
	}
}

func TestRiskJumpToClosed(t *testing.T) {
	env := newTestEnv(t)
	rk, err := env.Engine.CreateRisk(env.Ctx, engine.RiskCreateOptions{
		OrgID: "org-1", Domain: "ops", Title: "r", Probability: 0.5, Impact: 5, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetRiskStatus(env.Ctx, "org-1", rk.ID, domain.RiskClosed, "false alarm", "tester"); err != nil {
		t.Fatalf("OPEN to CLOSED should be allowed: %v", err)
	}
	// backward jump is not
	rk2, _ := env.Engine.CreateRisk(env.Ctx, engine.RiskCreateOptions{
		OrgID: "org-1", Domain: "ops", Title: "r2", Probability: 0.5, Impact: 5, ActorID: "tester",
	})
	if _, err := env.Engine.SetRiskStatus(env.Ctx, "org-1", rk2.ID, domain.RiskMitigated, "", "tester"); err == nil {
		t.Fatalf("OPEN to MITIGATED should be rejected")
	}
}

func TestHeatmapPartition(t *testing.T) {
	env := newTestEnv(t)
	type pi struct{ p, i float64 }
	inputs := []pi{
		{0.9, 9}, {0.9, 5}, {0.9, 1},
		{0.5, 9}, {0.5, 5}, {0.5, 1},
		{0.1, 9}, {0.1, 5}, {0.1, 1},
		{0.66, 6.6}, // boundary lands in medium/medium
	}
	var closed string
	for n, in := range inputs {
		rk, err := env.Engine.CreateRisk(env.Ctx, engine.RiskCreateOptions{
			OrgID: "org-1", Domain: "ops", Title: "r", Probability: in.p, Impact: in.i, ActorID: "tester",
		})
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			closed = rk.ID
		}
	}
	// closed risks must not appear
	if _, err := env.Engine.SetRiskStatus(env.Ctx, "org-1", closed, domain.RiskClosed, "", "tester"); err != nil {
		t.Fatal(err)
	}
	hm, err := env.Engine.RiskHeatmap(env.Ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(hm.Cells) != 9 {
		t.Fatalf("cells = %d, want 9", len(hm.Cells))
	}
	total := 0
	for _, c := range hm.Cells {
		total += c.Count
	}
	if total != 9 || hm.Total != 9 {
		t.Fatalf("bucketed %d risks (total %d), want 9", total, hm.Total)
	}
	for _, c := range hm.Cells {
		if c.Probability == "medium" && c.Impact == "medium" && c.Count != 2 {
			t.Fatalf("medium/medium count = %d, want 2 (boundary values are not high)", c.Count)
		}
	}
}

func TestSignalDedup(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.SignalCreateOptions{
		OrgID:      "org-1",
		SignalType: "receivable_overdue",
		Severity:   domain.SeverityWarning,
		EntityRef:  "INV-1001",
		Title:      "Invoice overdue",
		ActorID:    "tester",
	}
	_, created, err := env.Engine.CreateSignal(env.Ctx, opts)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	_, created, err = env.Engine.CreateSignal(env.Ctx, opts)
	if err != nil {
		t.Fatalf("duplicate create errored: %v", err)
	}
	if created {
		t.Fatalf("duplicate open signal was created")
	}
	signals, err := env.Engine.Repo.ListSignals(env.Ctx, repo.SignalFilters{OrgID: "org-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(signals) != 1 {
		t.Fatalf("signals = %d, want 1", len(signals))
	}
}

func TestSignalDedupAllowsAfterAck(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.SignalCreateOptions{
		OrgID:      "org-1",
		SignalType: "deal_stale",
		Severity:   domain.SeverityWarning,
		EntityRef:  "DEAL-7",
		Title:      "Deal idle",
		ActorID:    "tester",
	}
	sig, _, err := env.Engine.CreateSignal(env.Ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcknowledgeSignal(env.Ctx, "org-1", sig.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	_, created, err := env.Engine.CreateSignal(env.Ctx, opts)
	if err != nil || !created {
		t.Fatalf("expected new signal after ack, created=%v err=%v", created, err)
	}
}

func TestAcknowledgeExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	sig, _, err := env.Engine.CreateSignal(env.Ctx, engine.SignalCreateOptions{
		OrgID: "org-1", SignalType: "t", Severity: domain.SeverityInfo, EntityRef: "e", Title: "s", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	acked, err := env.Engine.AcknowledgeSignal(env.Ctx, "org-1", sig.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !acked.Acknowledged || acked.AcknowledgedBy == nil || *acked.AcknowledgedBy != "alice" {
		t.Fatalf("unexpected ack state: %+v", acked)
	}
	_, err = env.Engine.AcknowledgeSignal(env.Ctx, "org-1", sig.ID, "bob")
	var cerr *engine.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("second ack should conflict, got %v", err)
	}
}

func TestSignalSeverityValidation(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.CreateSignal(env.Ctx, engine.SignalCreateOptions{
		OrgID: "org-1", SignalType: "t", Severity: "catastrophic", EntityRef: "e", Title: "s", ActorID: "tester",
	})
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	sig, _, err := env.Engine.CreateSignal(env.Ctx, engine.SignalCreateOptions{
		OrgID: "org-1", SignalType: "t", Severity: domain.SeverityInfo, EntityRef: "e", Title: "s", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Repo.GetSignal(env.Ctx, "org-2", sig.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("cross-org read should be not found, got %v", err)
	}
	if _, err := env.Engine.AcknowledgeSignal(env.Ctx, "org-2", sig.ID, "intruder"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("cross-org ack should be not found, got %v", err)
	}
}

func TestForecastAccuracy(t *testing.T) {
	env := newTestEnv(t)
	f, err := env.Engine.CreateForecast(env.Ctx, engine.ForecastCreateOptions{
		OrgID:      "org-1",
		Domain:     "finance",
		MetricName: "quarterly_revenue",
		Horizon:    "Q3",
		Projected:  28500000,
		Lower:      26000000,
		Upper:      31000000,
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	done, err := env.Engine.RecordActual(env.Ctx, "org-1", f.ID, 27000000, "", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.ForecastCompleted || done.Accuracy == nil {
		t.Fatalf("expected completed forecast with accuracy, got %+v", done)
	}
	got := *done.Accuracy
	if got < 0.947 || got > 0.948 {
		t.Fatalf("accuracy = %v, want about 0.9474", got)
	}

	// completed forecasts are immutable
	_, err = env.Engine.RecordActual(env.Ctx, "org-1", f.ID, 26000000, "", "tester")
	var cerr *engine.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("second actual should conflict, got %v", err)
	}
}

func TestForecastAccuracyBounds(t *testing.T) {
	env := newTestEnv(t)
	f, err := env.Engine.CreateForecast(env.Ctx, engine.ForecastCreateOptions{
		OrgID: "org-1", MetricName: "m", Horizon: "h", Projected: 100, Lower: 0, Upper: 200, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	done, err := env.Engine.RecordActual(env.Ctx, "org-1", f.ID, -500, "", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if acc := *done.Accuracy; acc < 0 || acc > 1 {
		t.Fatalf("accuracy %v out of [0,1]", acc)
	}
}

func TestRecordActualUnknownForecast(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RecordActual(env.Ctx, "org-1", "missing", 1, "", "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecommendationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.Engine.CreateRecommendation(env.Ctx, engine.RecommendationCreateOptions{
		OrgID:      "org-1",
		ActionType: domain.ActionPause,
		Title:      "Pause hiring",
		Confidence: 0.8,
		Priority:   4,
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.RecommendationPending {
		t.Fatalf("new recommendation status = %s, want pending", rec.Status)
	}
	acted, err := env.Engine.ActOnRecommendation(env.Ctx, "org-1", rec.ID, domain.RecommendationAccepted, "alice", "makes sense")
	if err != nil {
		t.Fatal(err)
	}
	if acted.Status != domain.RecommendationAccepted || acted.ActedBy == nil || *acted.ActedBy != "alice" {
		t.Fatalf("unexpected acted state: %+v", acted)
	}
	// terminal states reject further decisions
	_, err = env.Engine.ActOnRecommendation(env.Ctx, "org-1", rec.ID, domain.RecommendationDismissed, "bob", "")
	var cerr *engine.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("acting twice should conflict, got %v", err)
	}
	// acting writes a learning record
	recs, err := env.Engine.Repo.ListLearningRecords(env.Ctx, repo.LearningFilters{OrgID: "org-1", PredictionType: "recommendation"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Feedback != "accepted" || recs[0].PredictionValue != 0.8 {
		t.Fatalf("unexpected learning records: %+v", recs)
	}
}

func TestActRejectsUnknownDecision(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.Engine.CreateRecommendation(env.Ctx, engine.RecommendationCreateOptions{
		OrgID: "org-1", ActionType: domain.ActionReview, Title: "t", Confidence: 0.5, Priority: 2, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	var verr *engine.ValidationError
	if _, err := env.Engine.ActOnRecommendation(env.Ctx, "org-1", rec.ID, "pending", "alice", ""); !errors.As(err, &verr) {
		t.Fatalf("pending is not a decision, got %v", err)
	}
}

func TestFeedbackRecord(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.Engine.RecordFeedback(env.Ctx, engine.FeedbackOptions{
		OrgID:          "org-1",
		PredictionType: "forecast",
		Value:          0.6,
		Outcome:        "overestimate",
		Deviation:      1200,
		ActorID:        "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ModelID == "" {
		t.Fatalf("expected default model id")
	}
	buckets, err := env.Engine.Repo.AccuracyByModel(env.Ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(buckets) != 1 || buckets[0].Samples != 1 {
		t.Fatalf("unexpected accuracy buckets: %+v", buckets)
	}
}
