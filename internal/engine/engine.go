package engine

import (
	"context"
	"database/sql"
	"time"

	"pulseline/internal/config"
	"pulseline/internal/domain"
	"pulseline/internal/events"
	"pulseline/internal/hub"
	"pulseline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Hub    *hub.Hub
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, h *hub.Hub) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Hub:    h,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// broadcast pushes an envelope after a successful commit. Never fails the caller.
func (e Engine) broadcast(orgID, msgType string, payload any) {
	if e.Hub == nil {
		return
	}
	e.Hub.BroadcastToOrg(orgID, hub.Envelope{
		Type:      msgType,
		Payload:   payload,
		Timestamp: e.nowRFC3339(),
	})
}

// InitOrg registers a tenant with migrations already run.
func (e Engine) InitOrg(ctx context.Context, orgID, name, actorID string) (domain.Org, error) {
	if orgID == "" {
		return domain.Org{}, invalid("org_id", "required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Org{}, err
	}
	defer tx.Rollback()

	o := domain.Org{
		ID:        orgID,
		Name:      name,
		Status:    "active",
		CreatedAt: e.nowRFC3339(),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO orgs(id,name,status,created_at) VALUES (?,?,?,?)`,
		o.ID, o.Name, o.Status, o.CreatedAt); err != nil {
		return domain.Org{}, err
	}
	if err := e.Events.Append(ctx, tx, "org.init", o.ID, "org", o.ID, actorID, events.EventPayload{"status": o.Status}); err != nil {
		return domain.Org{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Org{}, err
	}
	return o, nil
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func defaultModelID(cfg *config.Config) string {
	if cfg != nil && cfg.Advisor.Model != "" {
		return cfg.Advisor.Model
	}
	return "pulse-advisor-v1"
}

func (e Engine) criticalScore() float64 {
	if e.Config != nil && e.Config.Risk.CriticalScore > 0 {
		return e.Config.Risk.CriticalScore
	}
	return 7.0
}
