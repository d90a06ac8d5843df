package advisor

import (
	"context"
	"errors"
	"testing"

	"pulseline/internal/config"
	"pulseline/internal/db"
	"pulseline/internal/domain"
	"pulseline/internal/engine"
	"pulseline/internal/hub"
	"pulseline/internal/migrate"
	"pulseline/internal/repo"
)

type stubAnalyzer struct {
	advice *Advice
	err    error
}

func (s stubAnalyzer) Analyze(context.Context, Request) (*Advice, error) {
	return s.advice, s.err
}

func TestValidAdvice(t *testing.T) {
	cases := []struct {
		name   string
		advice *Advice
		want   bool
	}{
		{"nil", nil, false},
		{"ok", &Advice{Action: "pause", Rationale: "load too high", Priority: 4, Confidence: 0.9}, true},
		{"unknown action", &Advice{Action: "panic", Priority: 3}, false},
		{"priority out of range", &Advice{Action: "review", Priority: 6}, false},
		{"confidence out of range", &Advice{Action: "review", Priority: 3, Confidence: 1.2}, false},
		{"empty action", &Advice{Priority: 3}, false},
	}
	for _, tc := range cases {
		if got := validAdvice(tc.advice); got != tc.want {
			t.Errorf("%s: validAdvice=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestAnalyzeFallsBackOnError(t *testing.T) {
	s := &Service{Analyzer: stubAnalyzer{err: errors.New("connection refused")}}
	if advice := s.analyze(context.Background(), Request{}); advice != nil {
		t.Fatalf("expected nil advice on analyzer error, got %+v", advice)
	}
}

func TestAnalyzeFallsBackOnMalformedAdvice(t *testing.T) {
	s := &Service{Analyzer: stubAnalyzer{advice: &Advice{Action: "reboot", Priority: 9}}}
	if advice := s.analyze(context.Background(), Request{}); advice != nil {
		t.Fatalf("expected malformed advice to be discarded, got %+v", advice)
	}
}

func TestAnalyzeNilAnalyzer(t *testing.T) {
	s := &Service{}
	if advice := s.analyze(context.Background(), Request{}); advice != nil {
		t.Fatalf("expected nil advice without analyzer, got %+v", advice)
	}
}

func newAdvisorEnv(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("org-1"), hub.New())
	if _, err := eng.InitOrg(context.Background(), "org-1", "Test Org", "tester"); err != nil {
		t.Fatalf("init org: %v", err)
	}
	return eng
}

func criticalSignal(t *testing.T, eng engine.Engine, ref string) domain.Signal {
	t.Helper()
	sig, _, err := eng.CreateSignal(context.Background(), engine.SignalCreateOptions{
		OrgID:          "org-1",
		SourceSolution: "finance",
		SignalType:     "receivable_overdue",
		Severity:       domain.SeverityCritical,
		EntityRef:      ref,
		Title:          ref + " overdue",
		ActorID:        "tester",
	})
	if err != nil {
		t.Fatalf("create signal: %v", err)
	}
	return sig
}

func TestFromSignalFallback(t *testing.T) {
	eng := newAdvisorEnv(t)
	sig := criticalSignal(t, eng, "INV-5621")
	svc := New(eng, nil)

	rec, err := svc.FromSignal(context.Background(), sig, "scanner", true)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.RecommendationPending {
		t.Fatalf("status = %s, want pending", rec.Status)
	}
	if rec.ActionType != domain.ActionInvestigate {
		t.Fatalf("action = %s, want investigate", rec.ActionType)
	}
	if rec.Confidence != signalFallbackScore {
		t.Fatalf("confidence = %v, want %v", rec.Confidence, signalFallbackScore)
	}
	if rec.AIGenerated {
		t.Fatalf("fallback must not be marked ai_generated")
	}
	if rec.Priority != 5 {
		t.Fatalf("priority = %d, want 5 for critical signal", rec.Priority)
	}
	if rec.SourceSignalID == nil || *rec.SourceSignalID != sig.ID {
		t.Fatalf("source_signal_id = %v, want %s", rec.SourceSignalID, sig.ID)
	}
}

func TestFromSignalWithAdvice(t *testing.T) {
	eng := newAdvisorEnv(t)
	sig := criticalSignal(t, eng, "INV-7001")
	svc := New(eng, stubAnalyzer{advice: &Advice{Action: "pause", Rationale: "hold new shipments", Priority: 4}})

	rec, err := svc.FromSignal(context.Background(), sig, "scanner", true)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ActionType != domain.RecommendationAction("pause") {
		t.Fatalf("action = %s, want pause", rec.ActionType)
	}
	if !rec.AIGenerated {
		t.Fatalf("advice-backed recommendation must be ai_generated")
	}
	// Zero confidence in the advice falls back to the default.
	if rec.Confidence != aiConfidence {
		t.Fatalf("confidence = %v, want %v", rec.Confidence, aiConfidence)
	}
	if rec.Priority != 4 {
		t.Fatalf("priority = %d, want 4", rec.Priority)
	}
}

func TestFromRiskFallback(t *testing.T) {
	eng := newAdvisorEnv(t)
	svc := New(eng, nil)
	ctx := context.Background()

	crit, err := eng.CreateRisk(ctx, engine.RiskCreateOptions{
		OrgID: "org-1", Domain: "finance", Title: "Cash crunch",
		Probability: 0.9, Impact: 9, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	rec, err := svc.FromRisk(ctx, crit, "tester", false)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ActionType != domain.ActionEscalate || rec.Priority != 5 {
		t.Fatalf("critical risk fallback = %s/%d, want escalate/5", rec.ActionType, rec.Priority)
	}
	if rec.Confidence != riskFallbackScore {
		t.Fatalf("confidence = %v, want %v", rec.Confidence, riskFallbackScore)
	}
	if rec.AIGenerated {
		t.Fatalf("fallback must not be marked ai_generated")
	}
	if rec.SourceRiskID == nil || *rec.SourceRiskID != crit.ID {
		t.Fatalf("source_risk_id = %v, want %s", rec.SourceRiskID, crit.ID)
	}

	mild, err := eng.CreateRisk(ctx, engine.RiskCreateOptions{
		OrgID: "org-1", Domain: "operations", Title: "Minor slippage",
		Probability: 0.3, Impact: 2, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	rec, err = svc.FromRisk(ctx, mild, "tester", false)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ActionType != domain.ActionInvestigate || rec.Priority != 3 {
		t.Fatalf("mild risk fallback = %s/%d, want investigate/3", rec.ActionType, rec.Priority)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	eng := newAdvisorEnv(t)
	svc := New(eng, nil)
	ctx := context.Background()

	criticalSignal(t, eng, "INV-1")
	if _, _, err := eng.CreateSignal(ctx, engine.SignalCreateOptions{
		OrgID: "org-1", SourceSolution: "workforce", SignalType: "allocation_overload",
		Severity: domain.SeverityWarning, EntityRef: "emp-2", Title: "Sam near capacity", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CreateRisk(ctx, engine.RiskCreateOptions{
		OrgID: "org-1", Domain: "finance", Title: "Cash crunch",
		Probability: 0.9, Impact: 9, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CreateRisk(ctx, engine.RiskCreateOptions{
		OrgID: "org-1", Domain: "operations", Title: "Minor slippage",
		Probability: 0.2, Impact: 1, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}

	first, err := svc.Sweep(ctx, "org-1", "ops")
	if err != nil {
		t.Fatal(err)
	}
	if first.SignalsAnalyzed != 1 || first.RisksAnalyzed != 1 || first.Created != 2 || first.Skipped != 0 {
		t.Fatalf("first sweep = %+v, want 1 signal, 1 risk, 2 created", first)
	}

	second, err := svc.Sweep(ctx, "org-1", "ops")
	if err != nil {
		t.Fatal(err)
	}
	if second.Created != 0 || second.Skipped != 2 {
		t.Fatalf("second sweep = %+v, want 0 created, 2 skipped", second)
	}

	recs, err := eng.Repo.ListRecommendations(ctx, repo.RecommendationFilters{OrgID: "org-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("recommendations = %d, want 2", len(recs))
	}
	for _, rec := range recs {
		if rec.Status != domain.RecommendationPending {
			t.Fatalf("recommendation %s status = %s, want pending", rec.ID, rec.Status)
		}
	}
}

func TestSeverityPriority(t *testing.T) {
	if got := severityPriority(domain.SeverityCritical); got != 5 {
		t.Fatalf("critical priority = %d, want 5", got)
	}
	if got := severityPriority(domain.SeverityWarning); got != 3 {
		t.Fatalf("warning priority = %d, want 3", got)
	}
	if got := severityPriority(domain.SeverityInfo); got != 2 {
		t.Fatalf("info priority = %d, want 2", got)
	}
}
