package engine

import (
	"context"
	"math"
	"strings"

	"github.com/google/uuid"

	"pulseline/internal/domain"
	"pulseline/internal/events"
	"pulseline/internal/hub"
)

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// RiskCreateOptions are parameters for registering a risk.
type RiskCreateOptions struct {
	OrgID       string
	Domain      string
	RiskType    string
	Title       string
	Description string
	Probability float64
	Impact      float64
	ActorID     string
}

// CreateRisk derives risk_score from probability and impact and opens the risk.
func (e Engine) CreateRisk(ctx context.Context, opts RiskCreateOptions) (domain.Risk, error) {
	if opts.OrgID == "" {
		return domain.Risk{}, invalid("org_id", "required")
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Risk{}, invalid("title", "required")
	}
	if strings.TrimSpace(opts.Domain) == "" {
		return domain.Risk{}, invalid("domain", "required")
	}
	if opts.Probability < 0 || opts.Probability > 1 {
		return domain.Risk{}, invalid("probability_score", "must be between 0 and 1")
	}
	if opts.Impact < 0 || opts.Impact > 10 {
		return domain.Risk{}, invalid("impact_score", "must be between 0 and 10")
	}
	if opts.RiskType == "" {
		opts.RiskType = "general"
	}
	now := e.nowRFC3339()
	rk := domain.Risk{
		ID:          uuid.NewString(),
		OrgID:       opts.OrgID,
		Domain:      opts.Domain,
		RiskType:    opts.RiskType,
		Title:       opts.Title,
		Description: opts.Description,
		Probability: opts.Probability,
		Impact:      opts.Impact,
		Score:       round2(opts.Probability * opts.Impact),
		Status:      domain.RiskOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Risk{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRisk(ctx, tx, rk); err != nil {
		return domain.Risk{}, err
	}
	if err := e.Repo.InsertRiskHistory(ctx, tx, domain.RiskHistoryEntry{
		RiskID:  rk.ID,
		Action:  "created",
		ActorID: opts.ActorID,
		TS:      now,
	}); err != nil {
		return domain.Risk{}, err
	}
	if err := e.Events.Append(ctx, tx, "risk.created", rk.OrgID, "risk", rk.ID, opts.ActorID, events.EventPayload{
		"risk_type":  rk.RiskType,
		"risk_score": rk.Score,
	}); err != nil {
		return domain.Risk{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Risk{}, err
	}
	e.broadcast(rk.OrgID, hub.TypeRiskCreated, rk)
	return rk, nil
}

// Critical reports whether a risk crosses the configured critical score.
func (e Engine) Critical(rk domain.Risk) bool {
	return rk.Score >= e.criticalScore()
}

func riskStatusRank(s domain.RiskStatus) int {
	switch s {
	case domain.RiskOpen:
		return 0
	case domain.RiskEscalating:
		return 1
	case domain.RiskMitigated:
		return 2
	case domain.RiskClosed:
		return 3
	}
	return -1
}

func ensureRiskTransition(from, to domain.RiskStatus) error {
	if !domain.ValidRiskStatus(to) {
		return invalid("status", "must be one of OPEN, ESCALATING, MITIGATED, CLOSED")
	}
	if from == domain.RiskClosed {
		return conflict("risk is closed")
	}
	if to == domain.RiskClosed {
		return nil
	}
	if riskStatusRank(to) != riskStatusRank(from)+1 {
		return conflict("cannot transition risk from %s to %s", from, to)
	}
	return nil
}

// SetRiskStatus advances the risk lifecycle and appends a history entry.
func (e Engine) SetRiskStatus(ctx context.Context, orgID, id string, status domain.RiskStatus, notes, actorID string) (domain.Risk, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Risk{}, err
	}
	defer tx.Rollback()

	rk, err := e.Repo.GetRiskTx(ctx, tx, orgID, id)
	if err != nil {
		return domain.Risk{}, err
	}
	if err := ensureRiskTransition(rk.Status, status); err != nil {
		return domain.Risk{}, err
	}
	now := e.nowRFC3339()
	if err := e.Repo.UpdateRiskStatus(ctx, tx, orgID, id, status, now); err != nil {
		return domain.Risk{}, err
	}
	if err := e.Repo.InsertRiskHistory(ctx, tx, domain.RiskHistoryEntry{
		RiskID:  id,
		Action:  "status:" + string(status),
		Notes:   notes,
		ActorID: actorID,
		TS:      now,
	}); err != nil {
		return domain.Risk{}, err
	}
	if err := e.Events.Append(ctx, tx, "risk.status.changed", orgID, "risk", id, actorID, events.EventPayload{
		"from": string(rk.Status),
		"to":   string(status),
	}); err != nil {
		return domain.Risk{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Risk{}, err
	}
	rk.Status = status
	rk.UpdatedAt = now
	e.broadcast(orgID, hub.TypeRiskStatusChanged, rk)
	return rk, nil
}

type HeatmapCell struct {
	Probability string   `json:"probability"`
	Impact      string   `json:"impact"`
	Count       int      `json:"count"`
	RiskIDs     []string `json:"risk_ids,omitempty"`
}

type Heatmap struct {
	OrgID string        `json:"org_id"`
	Total int           `json:"total"`
	Cells []HeatmapCell `json:"cells"`
}

var heatmapBands = []string{"high", "medium", "low"}

func (e Engine) probabilityBand(p float64) string {
	high, medium := 0.66, 0.33
	if e.Config != nil && e.Config.Risk.ProbabilityHigh > 0 {
		high, medium = e.Config.Risk.ProbabilityHigh, e.Config.Risk.ProbabilityMedium
	}
	switch {
	case p > high:
		return "high"
	case p > medium:
		return "medium"
	default:
		return "low"
	}
}

func (e Engine) impactBand(i float64) string {
	high, medium := 6.6, 3.3
	if e.Config != nil && e.Config.Risk.ImpactHigh > 0 {
		high, medium = e.Config.Risk.ImpactHigh, e.Config.Risk.ImpactMedium
	}
	switch {
	case i > high:
		return "high"
	case i > medium:
		return "medium"
	default:
		return "low"
	}
}

// RiskHeatmap partitions every non-closed risk into the 3x3 grid. All nine
// cells are present even when empty.
func (e Engine) RiskHeatmap(ctx context.Context, orgID string) (Heatmap, error) {
	risks, err := e.Repo.ListOpenRisks(ctx, orgID)
	if err != nil {
		return Heatmap{}, err
	}
	cells := make(map[string]*HeatmapCell, 9)
	ordered := make([]*HeatmapCell, 0, 9)
	for _, p := range heatmapBands {
		for _, i := range heatmapBands {
			c := &HeatmapCell{Probability: p, Impact: i}
			cells[p+"/"+i] = c
			ordered = append(ordered, c)
		}
	}
	for _, rk := range risks {
		c := cells[e.probabilityBand(rk.Probability)+"/"+e.impactBand(rk.Impact)]
		c.Count++
		c.RiskIDs = append(c.RiskIDs, rk.ID)
	}
	hm := Heatmap{OrgID: orgID, Total: len(risks), Cells: make([]HeatmapCell, 0, 9)}
	for _, c := range ordered {
		hm.Cells = append(hm.Cells, *c)
	}
	return hm, nil
}
