package domain

// Severity of a detected signal.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// RiskStatus values only move forward; CLOSED is reachable from any non-closed state.
type RiskStatus string

const (
	RiskOpen       RiskStatus = "OPEN"
	RiskEscalating RiskStatus = "ESCALATING"
	RiskMitigated  RiskStatus = "MITIGATED"
	RiskClosed     RiskStatus = "CLOSED"
)

func ValidRiskStatus(s RiskStatus) bool {
	switch s {
	case RiskOpen, RiskEscalating, RiskMitigated, RiskClosed:
		return true
	}
	return false
}

type RecommendationAction string

const (
	ActionReview      RecommendationAction = "review"
	ActionPause       RecommendationAction = "pause"
	ActionAccelerate  RecommendationAction = "accelerate"
	ActionEscalate    RecommendationAction = "escalate"
	ActionInvestigate RecommendationAction = "investigate"
	ActionApprove     RecommendationAction = "approve"
)

func ValidRecommendationAction(a RecommendationAction) bool {
	switch a {
	case ActionReview, ActionPause, ActionAccelerate, ActionEscalate, ActionInvestigate, ActionApprove:
		return true
	}
	return false
}

// RecommendationStatus stays pending until someone acts; every other value is terminal.
type RecommendationStatus string

const (
	RecommendationPending   RecommendationStatus = "pending"
	RecommendationAccepted  RecommendationStatus = "accepted"
	RecommendationDismissed RecommendationStatus = "dismissed"
	RecommendationDeferred  RecommendationStatus = "deferred"
)

func TerminalRecommendationStatus(s RecommendationStatus) bool {
	switch s {
	case RecommendationAccepted, RecommendationDismissed, RecommendationDeferred:
		return true
	}
	return false
}

const (
	ForecastActive    = "active"
	ForecastCompleted = "completed"
)

type Org struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Signal struct {
	ID             string   `json:"id"`
	OrgID          string   `json:"org_id"`
	SourceSolution string   `json:"source_solution"`
	SignalType     string   `json:"signal_type"`
	Severity       Severity `json:"severity" enum:"info,warning,critical"`
	EntityKind     string   `json:"entity_kind,omitempty"`
	EntityRef      string   `json:"entity_reference"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	DetectedAt     string   `json:"detected_at" format:"date-time"`
	Acknowledged   bool     `json:"acknowledged"`
	AcknowledgedBy *string  `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *string  `json:"acknowledged_at,omitempty" format:"date-time"`
	MetadataJSON   *string  `json:"metadata_json,omitempty"`
}

type Risk struct {
	ID          string     `json:"id"`
	OrgID       string     `json:"org_id"`
	Domain      string     `json:"domain"`
	RiskType    string     `json:"risk_type"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Probability float64    `json:"probability_score"`
	Impact      float64    `json:"impact_score"`
	Score       float64    `json:"risk_score"`
	Status      RiskStatus `json:"status" enum:"OPEN,ESCALATING,MITIGATED,CLOSED"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" format:"date-time"`
}

// RiskHistoryEntry rows are append-only, never updated or deleted.
type RiskHistoryEntry struct {
	ID      int64  `json:"id"`
	RiskID  string `json:"risk_id"`
	Action  string `json:"action"`
	Notes   string `json:"notes,omitempty"`
	ActorID string `json:"actor_id"`
	TS      string `json:"ts" format:"date-time"`
}

type Forecast struct {
	ID          string   `json:"id"`
	OrgID       string   `json:"org_id"`
	Domain      string   `json:"domain"`
	MetricName  string   `json:"metric_name"`
	Horizon     string   `json:"horizon"`
	Projected   float64  `json:"projected_value"`
	Lower       float64  `json:"confidence_lower"`
	Upper       float64  `json:"confidence_upper"`
	Status      string   `json:"status" enum:"active,completed"`
	Actual      *float64 `json:"actual_value,omitempty"`
	Accuracy    *float64 `json:"accuracy,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	CompletedAt *string  `json:"completed_at,omitempty" format:"date-time"`
}

type Recommendation struct {
	ID             string               `json:"id"`
	OrgID          string               `json:"org_id"`
	ActionType     RecommendationAction `json:"action_type" enum:"review,pause,accelerate,escalate,investigate,approve"`
	TargetModule   string               `json:"target_module"`
	Title          string               `json:"title"`
	Explanation    string               `json:"explanation,omitempty"`
	RiskIfIgnored  string               `json:"risk_if_ignored,omitempty"`
	Confidence     float64              `json:"confidence_score"`
	Priority       int                  `json:"priority"`
	Status         RecommendationStatus `json:"status" enum:"pending,accepted,dismissed,deferred"`
	AIGenerated    bool                 `json:"ai_generated"`
	SourceSignalID *string              `json:"source_signal_id,omitempty"`
	SourceRiskID   *string              `json:"source_risk_id,omitempty"`
	ActedBy        *string              `json:"acted_by,omitempty"`
	ActedAt        *string              `json:"acted_at,omitempty" format:"date-time"`
	ActedNotes     string               `json:"acted_notes,omitempty"`
	CreatedAt      string               `json:"created_at" format:"date-time"`
}

// LearningRecord is an immutable ledger row pairing a prediction with its outcome.
type LearningRecord struct {
	ID              int64   `json:"id"`
	OrgID           string  `json:"org_id"`
	ModelID         string  `json:"model_id"`
	PredictionType  string  `json:"prediction_type"`
	PredictionValue float64 `json:"prediction_value"`
	Feedback        string  `json:"feedback"`
	Deviation       float64 `json:"deviation"`
	RecordedAt      string  `json:"recorded_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
