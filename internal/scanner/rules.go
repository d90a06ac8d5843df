package scanner

import (
	"fmt"
	"time"

	"pulseline/internal/domain"
)

// Candidate is one business record fetched from a source, flattened to the
// fields the detection rules inspect.
type Candidate struct {
	Kind         string    `json:"kind"`
	Ref          string    `json:"ref"`
	Title        string    `json:"title"`
	DueDate      time.Time `json:"due_date,omitempty"`
	Overdue      bool      `json:"overdue,omitempty"`
	Allocation   float64   `json:"allocation_pct,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
	Open         bool      `json:"open,omitempty"`
	Amount       float64   `json:"amount,omitempty"`
}

// Finding is a detected anomaly before persistence.
type Finding struct {
	Rule        string
	SignalType  string
	Severity    domain.Severity
	EntityKind  string
	EntityRef   string
	Title       string
	Description string
	Metadata    map[string]any
}

// Detection rule names. Dedup windows are configured per rule.
const (
	RuleReceivableOverdue  = "receivable_overdue"
	RuleAllocationOverload = "allocation_overload"
	RuleProjectStalled     = "project_stalled"
	RuleDealStale          = "deal_stale"
)

// Default dedup windows in days; zero means any open duplicate suppresses.
var defaultDedupWindows = map[string]int{
	RuleReceivableOverdue:  0,
	RuleAllocationOverload: 0,
	RuleProjectStalled:     7,
	RuleDealStale:          7,
}

const (
	criticalOverdueDays    = 30
	criticalAllocationPct  = 120
	staleDealIdleThreshold = 14 * 24 * time.Hour
)

// Detect applies the rule matching the candidate's kind. Nil means the
// candidate is healthy.
func Detect(now time.Time, c Candidate) *Finding {
	switch c.Kind {
	case "receivable":
		return detectOverdueReceivable(now, c)
	case "allocation":
		return detectAllocationOverload(c)
	case "project":
		return detectStalledProject(now, c)
	case "deal":
		return detectStaleDeal(now, c)
	}
	return nil
}

func detectOverdueReceivable(now time.Time, c Candidate) *Finding {
	if !c.Overdue || c.DueDate.IsZero() || !c.DueDate.Before(now) {
		return nil
	}
	overdueDays := int(now.Sub(c.DueDate).Hours() / 24)
	severity := domain.SeverityWarning
	if overdueDays > criticalOverdueDays {
		severity = domain.SeverityCritical
	}
	return &Finding{
		Rule:        RuleReceivableOverdue,
		SignalType:  RuleReceivableOverdue,
		Severity:    severity,
		EntityKind:  "receivable",
		EntityRef:   c.Ref,
		Title:       fmt.Sprintf("Receivable %s overdue by %d days", c.Title, overdueDays),
		Description: fmt.Sprintf("Due %s, amount %.2f.", c.DueDate.Format("2006-01-02"), c.Amount),
		Metadata:    map[string]any{"overdue_days": overdueDays, "amount": c.Amount},
	}
}

func detectAllocationOverload(c Candidate) *Finding {
	if c.Allocation <= 100 {
		return nil
	}
	severity := domain.SeverityWarning
	if c.Allocation >= criticalAllocationPct {
		severity = domain.SeverityCritical
	}
	return &Finding{
		Rule:        RuleAllocationOverload,
		SignalType:  RuleAllocationOverload,
		Severity:    severity,
		EntityKind:  "allocation",
		EntityRef:   c.Ref,
		Title:       fmt.Sprintf("%s allocated at %.0f%%", c.Title, c.Allocation),
		Description: "Allocation exceeds full capacity.",
		Metadata:    map[string]any{"allocation_pct": c.Allocation},
	}
}

func detectStalledProject(now time.Time, c Candidate) *Finding {
	if c.DueDate.IsZero() || !c.DueDate.Before(now) {
		return nil
	}
	if !c.LastActivity.IsZero() && c.LastActivity.After(c.DueDate) {
		return nil
	}
	return &Finding{
		Rule:        RuleProjectStalled,
		SignalType:  RuleProjectStalled,
		Severity:    domain.SeverityWarning,
		EntityKind:  "project",
		EntityRef:   c.Ref,
		Title:       fmt.Sprintf("Project %s past deadline with no activity", c.Title),
		Description: fmt.Sprintf("Deadline %s passed.", c.DueDate.Format("2006-01-02")),
		Metadata:    map[string]any{"deadline": c.DueDate.Format(time.RFC3339)},
	}
}

func detectStaleDeal(now time.Time, c Candidate) *Finding {
	if !c.Open || c.LastActivity.IsZero() {
		return nil
	}
	idle := now.Sub(c.LastActivity)
	if idle < staleDealIdleThreshold {
		return nil
	}
	idleDays := int(idle.Hours() / 24)
	return &Finding{
		Rule:        RuleDealStale,
		SignalType:  RuleDealStale,
		Severity:    domain.SeverityWarning,
		EntityKind:  "deal",
		EntityRef:   c.Ref,
		Title:       fmt.Sprintf("Deal %s idle for %d days", c.Title, idleDays),
		Description: fmt.Sprintf("No activity since %s.", c.LastActivity.Format("2006-01-02")),
		Metadata:    map[string]any{"idle_days": idleDays, "amount": c.Amount},
	}
}
