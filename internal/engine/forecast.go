package engine

import (
	"context"
	"math"
	"strings"

	"github.com/google/uuid"

	"pulseline/internal/domain"
	"pulseline/internal/events"
)

// ForecastCreateOptions are parameters for registering a forecast.
type ForecastCreateOptions struct {
	OrgID      string
	Domain     string
	MetricName string
	Horizon    string
	Projected  float64
	Lower      float64
	Upper      float64
	ActorID    string
}

func (e Engine) CreateForecast(ctx context.Context, opts ForecastCreateOptions) (domain.Forecast, error) {
	if opts.OrgID == "" {
		return domain.Forecast{}, invalid("org_id", "required")
	}
	if strings.TrimSpace(opts.MetricName) == "" {
		return domain.Forecast{}, invalid("metric_name", "required")
	}
	if strings.TrimSpace(opts.Horizon) == "" {
		return domain.Forecast{}, invalid("horizon", "required")
	}
	if opts.Lower > opts.Upper {
		return domain.Forecast{}, invalid("confidence_lower", "must not exceed confidence_upper")
	}
	if opts.Domain == "" {
		opts.Domain = "general"
	}
	now := e.nowRFC3339()
	f := domain.Forecast{
		ID:         uuid.NewString(),
		OrgID:      opts.OrgID,
		Domain:     opts.Domain,
		MetricName: opts.MetricName,
		Horizon:    opts.Horizon,
		Projected:  opts.Projected,
		Lower:      opts.Lower,
		Upper:      opts.Upper,
		Status:     domain.ForecastActive,
		CreatedAt:  now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Forecast{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertForecast(ctx, tx, f); err != nil {
		return domain.Forecast{}, err
	}
	if err := e.Events.Append(ctx, tx, "forecast.created", f.OrgID, "forecast", f.ID, opts.ActorID, events.EventPayload{
		"metric_name": f.MetricName,
		"horizon":     f.Horizon,
	}); err != nil {
		return domain.Forecast{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Forecast{}, err
	}
	return f, nil
}

// forecastAccuracy converges to 1 as actual approaches projected; the max
// term keeps small-denominator cases from exploding.
func forecastAccuracy(projected, actual float64) float64 {
	denom := math.Max(math.Max(math.Abs(projected), math.Abs(actual)), 1)
	return clamp01(1 - math.Abs(projected-actual)/denom)
}

// RecordActual completes an active forecast with its observed value and writes
// a learning record pairing prediction with outcome.
func (e Engine) RecordActual(ctx context.Context, orgID, id string, actual float64, modelID, actorID string) (domain.Forecast, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Forecast{}, err
	}
	defer tx.Rollback()

	f, err := e.Repo.GetForecastTx(ctx, tx, orgID, id)
	if err != nil {
		return domain.Forecast{}, err
	}
	if f.Status != domain.ForecastActive {
		return domain.Forecast{}, conflict("forecast %s is already %s", id, f.Status)
	}
	accuracy := forecastAccuracy(f.Projected, actual)
	now := e.nowRFC3339()
	if err := e.Repo.CompleteForecast(ctx, tx, orgID, id, actual, accuracy, now); err != nil {
		return domain.Forecast{}, err
	}
	if modelID == "" {
		modelID = defaultModelID(e.Config)
	}
	if err := e.Repo.InsertLearningRecord(ctx, tx, domain.LearningRecord{
		OrgID:           orgID,
		ModelID:         modelID,
		PredictionType:  "forecast",
		PredictionValue: f.Projected,
		Feedback:        "actual_recorded",
		Deviation:       f.Projected - actual,
		RecordedAt:      now,
	}); err != nil {
		return domain.Forecast{}, err
	}
	if err := e.Events.Append(ctx, tx, "forecast.completed", orgID, "forecast", id, actorID, events.EventPayload{
		"actual":   actual,
		"accuracy": accuracy,
	}); err != nil {
		return domain.Forecast{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Forecast{}, err
	}
	f.Status = domain.ForecastCompleted
	f.Actual = &actual
	f.Accuracy = &accuracy
	f.CompletedAt = &now
	return f, nil
}

// Scenario is one projection drawn from a forecast's confidence band.
type Scenario struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Delta float64 `json:"delta"`
}

// ScenarioSet carries the band projections for a forecast.
type ScenarioSet struct {
	ForecastID string     `json:"forecast_id"`
	MetricName string     `json:"metric_name"`
	Horizon    string     `json:"horizon"`
	Projected  float64    `json:"projected_value"`
	Scenarios  []Scenario `json:"scenarios"`
}

// ForecastScenarios reads the pessimistic, expected and optimistic outcomes
// off the stored confidence band. Nothing is persisted.
func (e Engine) ForecastScenarios(ctx context.Context, orgID, id string) (ScenarioSet, error) {
	f, err := e.Repo.GetForecast(ctx, orgID, id)
	if err != nil {
		return ScenarioSet{}, err
	}
	return ScenarioSet{
		ForecastID: f.ID,
		MetricName: f.MetricName,
		Horizon:    f.Horizon,
		Projected:  f.Projected,
		Scenarios: []Scenario{
			{Name: "pessimistic", Value: f.Lower, Delta: round2(f.Lower - f.Projected)},
			{Name: "expected", Value: f.Projected, Delta: 0},
			{Name: "optimistic", Value: f.Upper, Delta: round2(f.Upper - f.Projected)},
		},
	}, nil
}

// Simulation compares an assumed outcome against a forecast without
// completing it.
type Simulation struct {
	ForecastID string  `json:"forecast_id"`
	MetricName string  `json:"metric_name"`
	Projected  float64 `json:"projected_value"`
	Assumed    float64 `json:"assumed_value"`
	Deviation  float64 `json:"deviation"`
	Accuracy   float64 `json:"accuracy"`
	WithinBand bool    `json:"within_band"`
}

// SimulateForecast scores a hypothetical actual with the same accuracy
// formula RecordActual uses. The forecast stays untouched, so any number of
// what-if values can be tried before recording the real one.
func (e Engine) SimulateForecast(ctx context.Context, orgID, id string, assumed float64) (Simulation, error) {
	f, err := e.Repo.GetForecast(ctx, orgID, id)
	if err != nil {
		return Simulation{}, err
	}
	return Simulation{
		ForecastID: f.ID,
		MetricName: f.MetricName,
		Projected:  f.Projected,
		Assumed:    assumed,
		Deviation:  f.Projected - assumed,
		Accuracy:   forecastAccuracy(f.Projected, assumed),
		WithinBand: assumed >= f.Lower && assumed <= f.Upper,
	}, nil
}

// FeedbackOptions are parameters for a manual learning record.
type FeedbackOptions struct {
	OrgID          string
	ModelID        string
	PredictionType string
	Value          float64
	Outcome        string
	Deviation      float64
	ActorID        string
}

func (e Engine) RecordFeedback(ctx context.Context, opts FeedbackOptions) (domain.LearningRecord, error) {
	if opts.OrgID == "" {
		return domain.LearningRecord{}, invalid("org_id", "required")
	}
	if strings.TrimSpace(opts.PredictionType) == "" {
		return domain.LearningRecord{}, invalid("prediction_type", "required")
	}
	if strings.TrimSpace(opts.Outcome) == "" {
		return domain.LearningRecord{}, invalid("outcome", "required")
	}
	if opts.ModelID == "" {
		opts.ModelID = defaultModelID(e.Config)
	}
	rec := domain.LearningRecord{
		OrgID:           opts.OrgID,
		ModelID:         opts.ModelID,
		PredictionType:  opts.PredictionType,
		PredictionValue: opts.Value,
		Feedback:        opts.Outcome,
		Deviation:       opts.Deviation,
		RecordedAt:      e.nowRFC3339(),
	}
	if err := e.Repo.InsertLearningRecord(ctx, nil, rec); err != nil {
		return domain.LearningRecord{}, err
	}
	return rec, nil
}
