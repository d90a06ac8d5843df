package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"pulseline/internal/domain"
	"pulseline/internal/events"
	"pulseline/internal/hub"
)

// RecommendationCreateOptions are parameters for recording a recommendation.
type RecommendationCreateOptions struct {
	OrgID          string
	ActionType     domain.RecommendationAction
	TargetModule   string
	Title          string
	Explanation    string
	RiskIfIgnored  string
	Confidence     float64
	Priority       int
	AIGenerated    bool
	SourceSignalID string
	SourceRiskID   string
	ActorID        string
	// Auto marks recommendations generated by background analysis rather
	// than an explicit request; it changes the broadcast type only.
	Auto bool
}

func (e Engine) CreateRecommendation(ctx context.Context, opts RecommendationCreateOptions) (domain.Recommendation, error) {
	if opts.OrgID == "" {
		return domain.Recommendation{}, invalid("org_id", "required")
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Recommendation{}, invalid("title", "required")
	}
	if !domain.ValidRecommendationAction(opts.ActionType) {
		return domain.Recommendation{}, invalid("action_type", "must be one of review, pause, accelerate, escalate, investigate, approve")
	}
	if opts.Confidence < 0 || opts.Confidence > 1 {
		return domain.Recommendation{}, invalid("confidence_score", "must be between 0 and 1")
	}
	if opts.Priority < 1 || opts.Priority > 5 {
		return domain.Recommendation{}, invalid("priority", "must be between 1 and 5")
	}
	if opts.TargetModule == "" {
		opts.TargetModule = "general"
	}
	now := e.nowRFC3339()
	rec := domain.Recommendation{
		ID:             uuid.NewString(),
		OrgID:          opts.OrgID,
		ActionType:     opts.ActionType,
		TargetModule:   opts.TargetModule,
		Title:          opts.Title,
		Explanation:    opts.Explanation,
		RiskIfIgnored:  opts.RiskIfIgnored,
		Confidence:     opts.Confidence,
		Priority:       opts.Priority,
		Status:         domain.RecommendationPending,
		AIGenerated:    opts.AIGenerated,
		SourceSignalID: optionalString(opts.SourceSignalID),
		SourceRiskID:   optionalString(opts.SourceRiskID),
		CreatedAt:      now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Recommendation{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRecommendation(ctx, tx, rec); err != nil {
		return domain.Recommendation{}, err
	}
	if err := e.Events.Append(ctx, tx, "recommendation.created", rec.OrgID, "recommendation", rec.ID, opts.ActorID, events.EventPayload{
		"action_type":  string(rec.ActionType),
		"ai_generated": rec.AIGenerated,
		"priority":     rec.Priority,
	}); err != nil {
		return domain.Recommendation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Recommendation{}, err
	}
	msgType := hub.TypeRecommendationCreated
	if opts.Auto {
		msgType = hub.TypeAutoRecommendation
	}
	e.broadcast(rec.OrgID, msgType, rec)
	return rec, nil
}

// ActOnRecommendation applies a terminal decision to a pending recommendation
// and records the outcome in the learning ledger.
func (e Engine) ActOnRecommendation(ctx context.Context, orgID, id string, decision domain.RecommendationStatus, actorID, notes string) (domain.Recommendation, error) {
	if !domain.TerminalRecommendationStatus(decision) {
		return domain.Recommendation{}, invalid("action", "must be one of accepted, dismissed, deferred")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Recommendation{}, err
	}
	defer tx.Rollback()

	rec, err := e.Repo.GetRecommendationTx(ctx, tx, orgID, id)
	if err != nil {
		return domain.Recommendation{}, err
	}
	if rec.Status != domain.RecommendationPending {
		return domain.Recommendation{}, conflict("recommendation %s is already %s", id, rec.Status)
	}
	now := e.nowRFC3339()
	if err := e.Repo.MarkRecommendationActed(ctx, tx, orgID, id, decision, actorID, notes, now); err != nil {
		return domain.Recommendation{}, err
	}
	if err := e.Repo.InsertLearningRecord(ctx, tx, domain.LearningRecord{
		OrgID:           orgID,
		ModelID:         defaultModelID(e.Config),
		PredictionType:  "recommendation",
		PredictionValue: rec.Confidence,
		Feedback:        string(decision),
		RecordedAt:      now,
	}); err != nil {
		return domain.Recommendation{}, err
	}
	if err := e.Events.Append(ctx, tx, "recommendation.acted", orgID, "recommendation", id, actorID, events.EventPayload{
		"decision": string(decision),
	}); err != nil {
		return domain.Recommendation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Recommendation{}, err
	}
	rec.Status = decision
	rec.ActedBy = &actorID
	rec.ActedAt = &now
	rec.ActedNotes = notes
	e.broadcast(orgID, hub.TypeRecommendationActed, rec)
	return rec, nil
}
