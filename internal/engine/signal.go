package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"pulseline/internal/domain"
	"pulseline/internal/events"
	"pulseline/internal/hub"
)

// SignalCreateOptions are parameters for ingesting a signal.
type SignalCreateOptions struct {
	OrgID          string
	SourceSolution string
	SignalType     string
	Severity       domain.Severity
	EntityKind     string
	EntityRef      string
	Title          string
	Description    string
	DetectedAt     string
	Metadata       map[string]any
	ActorID        string
	// DedupWindowDays restricts the duplicate check to recent detections.
	// Zero means any open duplicate suppresses the new signal.
	DedupWindowDays int
}

// CreateSignal persists a signal unless an open duplicate exists for the same
// entity reference and type. The returned bool reports whether a row was
// created; a deduped call returns false with no error.
func (e Engine) CreateSignal(ctx context.Context, opts SignalCreateOptions) (domain.Signal, bool, error) {
	if opts.OrgID == "" {
		return domain.Signal{}, false, invalid("org_id", "required")
	}
	if strings.TrimSpace(opts.SignalType) == "" {
		return domain.Signal{}, false, invalid("signal_type", "required")
	}
	if strings.TrimSpace(opts.EntityRef) == "" {
		return domain.Signal{}, false, invalid("entity_reference", "required")
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Signal{}, false, invalid("title", "required")
	}
	if !domain.ValidSeverity(opts.Severity) {
		return domain.Signal{}, false, invalid("severity", "must be one of info, warning, critical")
	}
	if opts.SourceSolution == "" {
		opts.SourceSolution = "manual"
	}
	now := e.nowRFC3339()
	detectedAt := opts.DetectedAt
	if detectedAt == "" {
		detectedAt = now
	}

	var metaJSON *string
	if len(opts.Metadata) > 0 {
		b, err := json.Marshal(opts.Metadata)
		if err != nil {
			return domain.Signal{}, false, invalid("metadata", "not serializable")
		}
		s := string(b)
		metaJSON = &s
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Signal{}, false, err
	}
	defer tx.Rollback()

	sinceTS := ""
	if opts.DedupWindowDays > 0 {
		sinceTS = e.now().UTC().AddDate(0, 0, -opts.DedupWindowDays).Format(time.RFC3339)
	}
	dup, err := e.Repo.OpenDuplicateExists(ctx, tx, opts.OrgID, opts.EntityRef, opts.SignalType, sinceTS)
	if err != nil {
		return domain.Signal{}, false, err
	}
	if dup {
		return domain.Signal{}, false, nil
	}

	s := domain.Signal{
		ID:             uuid.NewString(),
		OrgID:          opts.OrgID,
		SourceSolution: opts.SourceSolution,
		SignalType:     opts.SignalType,
		Severity:       opts.Severity,
		EntityKind:     opts.EntityKind,
		EntityRef:      opts.EntityRef,
		Title:          opts.Title,
		Description:    opts.Description,
		DetectedAt:     detectedAt,
		MetadataJSON:   metaJSON,
	}
	if err := e.Repo.InsertSignal(ctx, tx, s); err != nil {
		return domain.Signal{}, false, err
	}
	if err := e.Events.Append(ctx, tx, "signal.created", s.OrgID, "signal", s.ID, opts.ActorID, events.EventPayload{
		"signal_type": s.SignalType,
		"severity":    string(s.Severity),
		"source":      s.SourceSolution,
	}); err != nil {
		return domain.Signal{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Signal{}, false, err
	}
	e.broadcast(s.OrgID, hub.TypeSignalCreated, s)
	return s, true, nil
}

// AcknowledgeSignal flips acknowledged exactly once.
func (e Engine) AcknowledgeSignal(ctx context.Context, orgID, id, actorID string) (domain.Signal, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Signal{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSignalTx(ctx, tx, orgID, id)
	if err != nil {
		return domain.Signal{}, err
	}
	if s.Acknowledged {
		return domain.Signal{}, conflict("signal %s already acknowledged", id)
	}
	now := e.nowRFC3339()
	if err := e.Repo.MarkSignalAcknowledged(ctx, tx, orgID, id, actorID, now); err != nil {
		return domain.Signal{}, err
	}
	if err := e.Events.Append(ctx, tx, "signal.acknowledged", orgID, "signal", id, actorID, nil); err != nil {
		return domain.Signal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Signal{}, err
	}
	s.Acknowledged = true
	s.AcknowledgedBy = &actorID
	s.AcknowledgedAt = &now
	e.broadcast(orgID, hub.TypeSignalAcknowledged, s)
	return s, nil
}
