package server

import (
	"encoding/json"

	"pulseline/internal/domain"
)

// Request payloads

type CreateSignalRequest struct {
	SourceSolution  string         `json:"source_solution,omitempty"`
	SignalType      string         `json:"signal_type"`
	Severity        string         `json:"severity" enum:"info,warning,critical"`
	EntityKind      string         `json:"entity_kind,omitempty"`
	EntityReference string         `json:"entity_reference"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	DetectedAt      *string        `json:"detected_at,omitempty" format:"date-time"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type CreateRiskRequest struct {
	Domain      string  `json:"domain"`
	RiskType    string  `json:"risk_type,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Probability float64 `json:"probability_score"`
	Impact      float64 `json:"impact_score"`
}

type SetRiskStatusRequest struct {
	Status string `json:"status" enum:"OPEN,ESCALATING,MITIGATED,CLOSED"`
	Notes  string `json:"notes,omitempty"`
}

type CreateForecastRequest struct {
	Domain     string  `json:"domain,omitempty"`
	MetricName string  `json:"metric_name"`
	Horizon    string  `json:"horizon"`
	Projected  float64 `json:"projected_value"`
	Lower      float64 `json:"confidence_lower"`
	Upper      float64 `json:"confidence_upper"`
}

type SimulateForecastRequest struct {
	Assumed float64 `json:"assumed_value"`
}

type RecordActualRequest struct {
	Actual  float64 `json:"actual_value"`
	ModelID string  `json:"model_id,omitempty"`
}

// CreateRecommendationRequest records a recommendation directly, or, when only
// a source id is supplied, asks the advisor to generate one. Action and title
// are therefore optional at the schema level; the engine validates the direct
// path.
type CreateRecommendationRequest struct {
	ActionType     string  `json:"action_type,omitempty" enum:"review,pause,accelerate,escalate,investigate,approve"`
	TargetModule   string  `json:"target_module,omitempty"`
	Title          string  `json:"title,omitempty"`
	Explanation    string  `json:"explanation,omitempty"`
	RiskIfIgnored  string  `json:"risk_if_ignored,omitempty"`
	Confidence     float64 `json:"confidence_score,omitempty" minimum:"0" maximum:"1"`
	Priority       int     `json:"priority,omitempty" minimum:"0"`
	SourceSignalID string  `json:"source_signal_id,omitempty"`
	SourceRiskID   string  `json:"source_risk_id,omitempty"`
}

type ActRecommendationRequest struct {
	Decision string `json:"decision" enum:"accepted,dismissed,deferred"`
	Notes    string `json:"notes,omitempty"`
}

type FeedbackRequest struct {
	ModelID        string  `json:"model_id,omitempty"`
	PredictionType string  `json:"prediction_type"`
	Value          float64 `json:"prediction_value"`
	Outcome        string  `json:"outcome"`
	Deviation      float64 `json:"deviation,omitempty"`
}

type ScanRequest struct {
	Sources []string `json:"sources,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	OrgID   string   `json:"org_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type SignalResponse struct {
	ID              string         `json:"id"`
	OrgID           string         `json:"org_id"`
	SourceSolution  string         `json:"source_solution"`
	SignalType      string         `json:"signal_type"`
	Severity        string         `json:"severity" enum:"info,warning,critical"`
	EntityKind      string         `json:"entity_kind,omitempty"`
	EntityReference string         `json:"entity_reference"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	DetectedAt      string         `json:"detected_at" format:"date-time"`
	Acknowledged    bool           `json:"acknowledged"`
	AcknowledgedBy  *string        `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *string        `json:"acknowledged_at,omitempty" format:"date-time"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	OrgID      string         `json:"org_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type ScanAcceptedResponse struct {
	JobID   string   `json:"job_id"`
	OrgID   string   `json:"org_id"`
	Status  string   `json:"status"`
	Sources []string `json:"sources,omitempty"`
}

type paginatedSignals struct {
	Items      []SignalResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type paginatedRisks struct {
	Items      []domain.Risk `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedForecasts struct {
	Items      []domain.Forecast `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedRecommendations struct {
	Items      []domain.Recommendation `json:"items"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func signalResponse(s domain.Signal) SignalResponse {
	return SignalResponse{
		ID:              s.ID,
		OrgID:           s.OrgID,
		SourceSolution:  s.SourceSolution,
		SignalType:      s.SignalType,
		Severity:        string(s.Severity),
		EntityKind:      s.EntityKind,
		EntityReference: s.EntityRef,
		Title:           s.Title,
		Description:     s.Description,
		DetectedAt:      s.DetectedAt,
		Acknowledged:    s.Acknowledged,
		AcknowledgedBy:  s.AcknowledgedBy,
		AcknowledgedAt:  s.AcknowledgedAt,
		Metadata:        decodeJSONMap(s.MetadataJSON),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		OrgID:      e.OrgID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func strPtr(in string) *string {
	return &in
}
