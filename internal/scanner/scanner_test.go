package scanner_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pulseline/internal/advisor"
	"pulseline/internal/config"
	"pulseline/internal/db"
	"pulseline/internal/domain"
	"pulseline/internal/engine"
	"pulseline/internal/hub"
	"pulseline/internal/migrate"
	"pulseline/internal/repo"
	"pulseline/internal/scanner"
)

var scanNow = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func newScanEnv(t *testing.T, sources ...scanner.Source) (*scanner.Scanner, engine.Engine) {
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
	eng := engine.New(conn, cfg, hub.New())
	eng.Now = func() time.Time { return scanNow }
	if _, err := eng.InitOrg(context.Background(), "org-1", "Test Org", "tester"); err != nil {
		t.Fatalf("init org: %v", err)
	}
	s := scanner.New(eng, nil, cfg, sources...)
	s.Now = func() time.Time { return scanNow }
	return s, eng
}

func fixedSource(name string, candidates []scanner.Candidate) scanner.Source {
	return scanner.FuncSource{
		SourceName: name,
		FetchFunc: func(context.Context, string) ([]scanner.Candidate, error) {
			return candidates, nil
		},
	}
}

func TestScanCreatesSignals(t *testing.T) {
	finance := fixedSource("finance", []scanner.Candidate{
		{Kind: "receivable", Ref: "INV-1", Title: "INV-1", Overdue: true, DueDate: scanNow.AddDate(0, 0, -45), Amount: 1200},
		{Kind: "receivable", Ref: "INV-2", Title: "INV-2", Overdue: true, DueDate: scanNow.AddDate(0, 0, -5), Amount: 300},
		{Kind: "receivable", Ref: "INV-3", Title: "INV-3", Overdue: false},
	})
	workforce := fixedSource("workforce", []scanner.Candidate{
		{Kind: "allocation", Ref: "emp-1", Title: "Pat", Allocation: 130},
		{Kind: "allocation", Ref: "emp-2", Title: "Sam", Allocation: 95},
	})
	s, eng := newScanEnv(t, finance, workforce)

	report, err := s.Scan(context.Background(), "org-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.Created != 3 {
		t.Fatalf("created = %d, want 3", report.Created)
	}
	signals, err := eng.Repo.ListSignals(context.Background(), repo.SignalFilters{OrgID: "org-1"})
	if err != nil {
		t.Fatal(err)
	}
	critical := 0
	for _, sig := range signals {
		if sig.Severity == domain.SeverityCritical {
			critical++
		}
	}
	// 45 days overdue and 130% allocation are critical
	if critical != 2 {
		t.Fatalf("critical signals = %d, want 2", critical)
	}
}

func TestScanIsIdempotent(t *testing.T) {
	src := fixedSource("finance", []scanner.Candidate{
		{Kind: "receivable", Ref: "INV-1", Title: "INV-1", Overdue: true, DueDate: scanNow.AddDate(0, 0, -10)},
	})
	s, _ := newScanEnv(t, src)

	first, err := s.Scan(context.Background(), "org-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Scan(context.Background(), "org-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.Created != 1 || second.Created != 0 || second.Skipped != 1 {
		t.Fatalf("expected dedup on rerun: first=%+v second=%+v", first, second)
	}
}

func TestScanIsolatesSourceFailure(t *testing.T) {
	broken := scanner.FuncSource{
		SourceName: "commerce",
		FetchFunc: func(context.Context, string) ([]scanner.Candidate, error) {
			return nil, errors.New("connection reset")
		},
	}
	healthy := fixedSource("operations", []scanner.Candidate{
		{Kind: "project", Ref: "proj-9", Title: "Rollout", DueDate: scanNow.AddDate(0, 0, -3)},
	})
	s, _ := newScanEnv(t, broken, healthy)

	report, err := s.Scan(context.Background(), "org-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.Sources["commerce"].Error == "" {
		t.Fatalf("expected commerce error recorded, got %+v", report.Sources["commerce"])
	}
	if report.Sources["operations"].Created != 1 {
		t.Fatalf("healthy source should still create, got %+v", report.Sources["operations"])
	}
}

func TestScanUnknownSource(t *testing.T) {
	s, _ := newScanEnv(t, fixedSource("finance", nil))
	if _, err := s.Scan(context.Background(), "org-1", []string{"nonexistent"}); err == nil {
		t.Fatalf("expected unknown source error")
	}
}

func TestDetectRules(t *testing.T) {
	now := scanNow
	cases := []struct {
		name     string
		cand     scanner.Candidate
		wantRule string
		wantSev  domain.Severity
	}{
		{"overdue warning", scanner.Candidate{Kind: "receivable", Ref: "i", Title: "i", Overdue: true, DueDate: now.AddDate(0, 0, -10)}, scanner.RuleReceivableOverdue, domain.SeverityWarning},
		{"overdue critical", scanner.Candidate{Kind: "receivable", Ref: "i", Title: "i", Overdue: true, DueDate: now.AddDate(0, 0, -31)}, scanner.RuleReceivableOverdue, domain.SeverityCritical},
		{"overload warning", scanner.Candidate{Kind: "allocation", Ref: "e", Title: "e", Allocation: 110}, scanner.RuleAllocationOverload, domain.SeverityWarning},
		{"overload critical", scanner.Candidate{Kind: "allocation", Ref: "e", Title: "e", Allocation: 120}, scanner.RuleAllocationOverload, domain.SeverityCritical},
		{"stalled project", scanner.Candidate{Kind: "project", Ref: "p", Title: "p", DueDate: now.AddDate(0, 0, -1)}, scanner.RuleProjectStalled, domain.SeverityWarning},
		{"stale deal", scanner.Candidate{Kind: "deal", Ref: "d", Title: "d", Open: true, LastActivity: now.AddDate(0, 0, -20)}, scanner.RuleDealStale, domain.SeverityWarning},
	}
	for _, tc := range cases {
		f := scanner.Detect(now, tc.cand)
		if f == nil {
			t.Errorf("%s: expected finding", tc.name)
			continue
		}
		if f.Rule != tc.wantRule || f.Severity != tc.wantSev {
			t.Errorf("%s: got rule=%s sev=%s, want rule=%s sev=%s", tc.name, f.Rule, f.Severity, tc.wantRule, tc.wantSev)
		}
	}

	healthy := []scanner.Candidate{
		{Kind: "receivable", Ref: "i", Overdue: false},
		{Kind: "allocation", Ref: "e", Allocation: 100},
		{Kind: "project", Ref: "p", DueDate: now.AddDate(0, 0, 5)},
		{Kind: "deal", Ref: "d", Open: true, LastActivity: now.AddDate(0, 0, -2)},
		{Kind: "deal", Ref: "d2", Open: false, LastActivity: now.AddDate(0, 0, -60)},
	}
	for _, c := range healthy {
		if f := scanner.Detect(now, c); f != nil {
			t.Errorf("healthy candidate %s/%s produced finding %s", c.Kind, c.Ref, f.Rule)
		}
	}
}

type chanSubscriber chan hub.Envelope

func (c chanSubscriber) Send(_ context.Context, env hub.Envelope) error {
	select {
	case c <- env:
	default:
	}
	return nil
}

func TestScanAnalyzesCriticalSignals(t *testing.T) {
	src := fixedSource("finance", []scanner.Candidate{
		{Kind: "receivable", Ref: "INV-9", Title: "INV-9", Overdue: true, DueDate: scanNow.AddDate(0, 0, -45), Amount: 4000},
	})
	s, eng := newScanEnv(t, src)
	s.Advisor = advisor.New(eng, nil)

	envs := make(chanSubscriber, 16)
	sub := eng.Hub.Subscribe("org-1", envs)
	defer eng.Hub.Unsubscribe(sub)

	report, err := s.Scan(context.Background(), "org-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.Created != 1 {
		t.Fatalf("created = %d, want 1", report.Created)
	}

	// Analysis is dispatched off the scan goroutine; wait for it to land.
	var recs []domain.Recommendation
	deadline := time.Now().Add(5 * time.Second)
	for {
		recs, err = eng.Repo.ListRecommendations(context.Background(), repo.RecommendationFilters{OrgID: "org-1"})
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(recs) != 1 {
		t.Fatalf("recommendations = %d, want exactly 1", len(recs))
	}
	rec := recs[0]
	if rec.Status != domain.RecommendationPending {
		t.Fatalf("status = %s, want pending", rec.Status)
	}
	if rec.ActionType != domain.ActionInvestigate {
		t.Fatalf("action = %s, want investigate", rec.ActionType)
	}
	if rec.SourceSignalID == nil {
		t.Fatalf("recommendation not linked to the signal")
	}

	broadcastDeadline := time.After(5 * time.Second)
waitBroadcast:
	for {
		select {
		case env := <-envs:
			if env.Type == hub.TypeAutoRecommendation {
				if env.OrgID != "org-1" {
					t.Fatalf("broadcast org = %s, want org-1", env.OrgID)
				}
				break waitBroadcast
			}
		case <-broadcastDeadline:
			t.Fatalf("no %s broadcast received", hub.TypeAutoRecommendation)
		}
	}

	// A rerun deduplicates the signal, so no second recommendation appears.
	if _, err := s.Scan(context.Background(), "org-1", nil); err != nil {
		t.Fatal(err)
	}
	recs, err = eng.Repo.ListRecommendations(context.Background(), repo.RecommendationFilters{OrgID: "org-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("recommendations after rerun = %d, want 1", len(recs))
	}
}

func TestScanReturnsBeforeAnalysis(t *testing.T) {
	src := fixedSource("finance", []scanner.Candidate{
		{Kind: "receivable", Ref: "INV-10", Title: "INV-10", Overdue: true, DueDate: scanNow.AddDate(0, 0, -45), Amount: 4000},
	})
	s, eng := newScanEnv(t, src)
	release := make(chan struct{})
	s.Advisor = advisor.New(eng, blockingAnalyzer{release: release})
	defer close(release)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := s.Scan(context.Background(), "org-1", nil); err != nil {
			t.Error(err)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("scan blocked on the analyzer")
	}
}

type blockingAnalyzer struct {
	release chan struct{}
}

func (b blockingAnalyzer) Analyze(ctx context.Context, _ advisor.Request) (*advisor.Advice, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil, errors.New("analyzer unavailable")
}

func TestRunnerPrunesFinishedJobs(t *testing.T) {
	s, _ := newScanEnv(t)
	runner := scanner.NewRunner(s)
	runner.MaxFinishedJobs = 3
	runner.Start()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := runner.Trigger("org-1", nil)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	runner.Stop()

	retained := 0
	for _, id := range ids {
		if _, ok := runner.Job(id); ok {
			retained++
		}
	}
	if retained != 3 {
		t.Fatalf("retained jobs = %d, want 3", retained)
	}
}

func TestRunnerTriggerReturnsImmediately(t *testing.T) {
	fetched := make(chan struct{})
	slow := scanner.FuncSource{
		SourceName: "finance",
		FetchFunc: func(context.Context, string) ([]scanner.Candidate, error) {
			close(fetched)
			return nil, nil
		},
	}
	s, _ := newScanEnv(t, slow)
	runner := scanner.NewRunner(s)
	runner.Start()
	defer runner.Stop()

	jobID, err := runner.Trigger("org-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if jobID == "" {
		t.Fatalf("expected job id")
	}
	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatalf("scan never started")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		job, ok := runner.Job(jobID)
		if !ok {
			t.Fatalf("job %s missing", jobID)
		}
		if job.Status == "done" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunnerRejectsWhenStopped(t *testing.T) {
	s, _ := newScanEnv(t)
	runner := scanner.NewRunner(s)
	if _, err := runner.Trigger("org-1", nil); err == nil {
		t.Fatalf("expected error before Start")
	}
}
