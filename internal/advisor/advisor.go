// Package advisor turns signals and risks into recommendations, asking an
// external analysis service first and falling back to deterministic rules
// when it is unavailable.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"pulseline/internal/config"
	"pulseline/internal/domain"
	"pulseline/internal/engine"
	"pulseline/internal/repo"
)

// Request carries the entity under analysis to the Analyzer.
type Request struct {
	Prompt  string         `json:"prompt"`
	Context map[string]any `json:"context"`
}

// Advice is the analyzer's answer. Confidence zero means "use the default".
type Advice struct {
	Action     string  `json:"action"`
	Rationale  string  `json:"rationale"`
	Priority   int     `json:"priority"`
	Confidence float64 `json:"confidence"`
}

type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*Advice, error)
}

const (
	aiConfidence           = 0.85
	signalFallbackScore    = 0.75
	riskFallbackScore      = 0.70
	defaultAnalyzerTimeout = 10 * time.Second
)

// HTTPAnalyzer posts analysis requests to a configured endpoint.
type HTTPAnalyzer struct {
	Endpoint string
	Model    string
	Timeout  time.Duration
	Client   *http.Client
}

func NewHTTPAnalyzer(cfg *config.Config) *HTTPAnalyzer {
	if cfg == nil || !cfg.Advisor.Enabled || cfg.Advisor.Endpoint == "" {
		return nil
	}
	timeout := defaultAnalyzerTimeout
	if cfg.Advisor.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Advisor.TimeoutSeconds) * time.Second
	}
	return &HTTPAnalyzer{
		Endpoint: cfg.Advisor.Endpoint,
		Model:    cfg.Advisor.Model,
		Timeout:  timeout,
		Client:   &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, req Request) (*Advice, error) {
	body, err := json.Marshal(struct {
		Model string `json:"model,omitempty"`
		Request
	}{Model: a.Model, Request: req})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analyzer returned status %d", resp.StatusCode)
	}
	var advice Advice
	if err := json.NewDecoder(resp.Body).Decode(&advice); err != nil {
		return nil, fmt.Errorf("decode analyzer response: %w", err)
	}
	return &advice, nil
}

// Service generates and persists recommendations through the engine.
type Service struct {
	Engine   engine.Engine
	Analyzer Analyzer
}

func New(e engine.Engine, a Analyzer) *Service {
	return &Service{Engine: e, Analyzer: a}
}

func validAdvice(a *Advice) bool {
	if a == nil || a.Action == "" {
		return false
	}
	if !domain.ValidRecommendationAction(domain.RecommendationAction(a.Action)) {
		return false
	}
	if a.Priority < 1 || a.Priority > 5 {
		return false
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return false
	}
	return true
}

func (s *Service) analyze(ctx context.Context, req Request) *Advice {
	if s.Analyzer == nil {
		return nil
	}
	advice, err := s.Analyzer.Analyze(ctx, req)
	if err != nil {
		log.Printf("advisor: analysis failed, using fallback: %v", err)
		return nil
	}
	if !validAdvice(advice) {
		log.Printf("advisor: discarding malformed advice %+v", advice)
		return nil
	}
	return advice
}

func severityPriority(sev domain.Severity) int {
	switch sev {
	case domain.SeverityCritical:
		return 5
	case domain.SeverityWarning:
		return 3
	default:
		return 2
	}
}

// FromSignal produces a pending recommendation for a signal. Auto marks
// scanner-triggered analysis.
func (s *Service) FromSignal(ctx context.Context, sig domain.Signal, actorID string, auto bool) (domain.Recommendation, error) {
	advice := s.analyze(ctx, Request{
		Prompt: fmt.Sprintf("Recommend an action for %s signal %q on %s", sig.Severity, sig.SignalType, sig.EntityRef),
		Context: map[string]any{
			"signal_type": sig.SignalType,
			"severity":    string(sig.Severity),
			"source":      sig.SourceSolution,
			"entity":      sig.EntityRef,
			"title":       sig.Title,
		},
	})
	opts := engine.RecommendationCreateOptions{
		OrgID:          sig.OrgID,
		TargetModule:   sig.SourceSolution,
		SourceSignalID: sig.ID,
		ActorID:        actorID,
		Auto:           auto,
	}
	if advice != nil {
		opts.ActionType = domain.RecommendationAction(advice.Action)
		opts.Title = fmt.Sprintf("%s: %s", advice.Action, sig.Title)
		opts.Explanation = advice.Rationale
		opts.Priority = advice.Priority
		opts.Confidence = advice.Confidence
		if opts.Confidence == 0 {
			opts.Confidence = aiConfidence
		}
		opts.AIGenerated = true
	} else {
		opts.ActionType = domain.ActionInvestigate
		opts.Title = "Investigate: " + sig.Title
		opts.Explanation = fmt.Sprintf("Signal %s of severity %s detected on %s.", sig.SignalType, sig.Severity, sig.EntityRef)
		opts.RiskIfIgnored = "The underlying anomaly may worsen unobserved."
		opts.Priority = severityPriority(sig.Severity)
		opts.Confidence = signalFallbackScore
	}
	return s.Engine.CreateRecommendation(ctx, opts)
}

// SweepReport summarizes one auto-analysis pass over open findings.
type SweepReport struct {
	OrgID           string `json:"org_id"`
	SignalsAnalyzed int    `json:"signals_analyzed"`
	RisksAnalyzed   int    `json:"risks_analyzed"`
	Created         int    `json:"created"`
	Skipped         int    `json:"skipped"`
}

const sweepBatchLimit = 200

// Sweep walks unacknowledged critical signals and open risks at or above the
// critical score, generating a pending recommendation for every finding that
// does not have one yet. Findings already covered are counted as skipped, so
// re-running a sweep is safe.
func (s *Service) Sweep(ctx context.Context, orgID, actorID string) (SweepReport, error) {
	report := SweepReport{OrgID: orgID}
	unacked := false
	signals, err := s.Engine.Repo.ListSignals(ctx, repo.SignalFilters{
		OrgID:        orgID,
		Severity:     string(domain.SeverityCritical),
		Acknowledged: &unacked,
		Limit:        sweepBatchLimit,
	})
	if err != nil {
		return report, err
	}
	for _, sig := range signals {
		report.SignalsAnalyzed++
		covered, err := s.Engine.Repo.HasRecommendationForSignal(ctx, orgID, sig.ID)
		if err != nil {
			return report, err
		}
		if covered {
			report.Skipped++
			continue
		}
		if _, err := s.FromSignal(ctx, sig, actorID, true); err != nil {
			return report, err
		}
		report.Created++
	}

	risks, err := s.Engine.Repo.ListOpenRisks(ctx, orgID)
	if err != nil {
		return report, err
	}
	for _, rk := range risks {
		if !s.Engine.Critical(rk) {
			continue
		}
		report.RisksAnalyzed++
		covered, err := s.Engine.Repo.HasRecommendationForRisk(ctx, orgID, rk.ID)
		if err != nil {
			return report, err
		}
		if covered {
			report.Skipped++
			continue
		}
		if _, err := s.FromRisk(ctx, rk, actorID, true); err != nil {
			return report, err
		}
		report.Created++
	}
	return report, nil
}

// FromRisk produces a pending recommendation for a risk.
func (s *Service) FromRisk(ctx context.Context, rk domain.Risk, actorID string, auto bool) (domain.Recommendation, error) {
	advice := s.analyze(ctx, Request{
		Prompt: fmt.Sprintf("Recommend an action for risk %q scored %.2f in %s", rk.Title, rk.Score, rk.Domain),
		Context: map[string]any{
			"risk_type":   rk.RiskType,
			"domain":      rk.Domain,
			"probability": rk.Probability,
			"impact":      rk.Impact,
			"risk_score":  rk.Score,
		},
	})
	opts := engine.RecommendationCreateOptions{
		OrgID:        rk.OrgID,
		TargetModule: rk.Domain,
		SourceRiskID: rk.ID,
		ActorID:      actorID,
		Auto:         auto,
	}
	if advice != nil {
		opts.ActionType = domain.RecommendationAction(advice.Action)
		opts.Title = fmt.Sprintf("%s: %s", advice.Action, rk.Title)
		opts.Explanation = advice.Rationale
		opts.Priority = advice.Priority
		opts.Confidence = advice.Confidence
		if opts.Confidence == 0 {
			opts.Confidence = aiConfidence
		}
		opts.AIGenerated = true
	} else {
		action := domain.ActionInvestigate
		priority := 3
		if s.Engine.Critical(rk) {
			action = domain.ActionEscalate
			priority = 5
		}
		opts.ActionType = action
		opts.Title = fmt.Sprintf("%s: %s", action, rk.Title)
		opts.Explanation = fmt.Sprintf("Risk scored %.2f (probability %.2f, impact %.2f).", rk.Score, rk.Probability, rk.Impact)
		opts.RiskIfIgnored = "Unmitigated exposure in " + rk.Domain + "."
		opts.Priority = priority
		opts.Confidence = riskFallbackScore
	}
	return s.Engine.CreateRecommendation(ctx, opts)
}
