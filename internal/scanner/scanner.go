// Package scanner sweeps connected business sources for anomalies and turns
// findings into signals.
package scanner

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pulseline/internal/advisor"
	"pulseline/internal/config"
	"pulseline/internal/domain"
	"pulseline/internal/engine"
	"pulseline/internal/hub"
)

// Source exposes one business solution's records read-only.
type Source interface {
	Name() string
	Fetch(ctx context.Context, orgID string) ([]Candidate, error)
}

// FuncSource adapts a fetch function to the Source interface.
type FuncSource struct {
	SourceName string
	FetchFunc  func(ctx context.Context, orgID string) ([]Candidate, error)
}

func (f FuncSource) Name() string { return f.SourceName }

func (f FuncSource) Fetch(ctx context.Context, orgID string) ([]Candidate, error) {
	return f.FetchFunc(ctx, orgID)
}

// SourceReport summarizes one source's part of a scan.
type SourceReport struct {
	Created int    `json:"created"`
	Skipped int    `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

// ScanReport summarizes a full scan.
type ScanReport struct {
	OrgID      string                  `json:"org_id"`
	StartedAt  string                  `json:"started_at"`
	FinishedAt string                  `json:"finished_at"`
	Created    int                     `json:"created"`
	Skipped    int                     `json:"skipped"`
	Sources    map[string]SourceReport `json:"sources"`
}

// Scanner runs detection across registered sources.
type Scanner struct {
	Engine  engine.Engine
	Advisor *advisor.Service
	Config  *config.Config
	Sources []Source
	Workers int
	Now     func() time.Time
}

func New(e engine.Engine, adv *advisor.Service, cfg *config.Config, sources ...Source) *Scanner {
	workers := 4
	if cfg != nil && cfg.Scanner.Workers > 0 {
		workers = cfg.Scanner.Workers
	}
	return &Scanner{
		Engine:  e,
		Advisor: adv,
		Config:  cfg,
		Sources: sources,
		Workers: workers,
		Now:     time.Now,
	}
}

func (s *Scanner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// SourceNames lists registered sources in stable order.
func (s *Scanner) SourceNames() []string {
	names := make([]string, 0, len(s.Sources))
	for _, src := range s.Sources {
		names = append(names, src.Name())
	}
	sort.Strings(names)
	return names
}

func (s *Scanner) findSources(only []string) ([]Source, error) {
	if len(only) == 0 {
		return s.Sources, nil
	}
	byName := map[string]Source{}
	for _, src := range s.Sources {
		byName[src.Name()] = src
	}
	var selected []Source
	for _, name := range only {
		src, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown source %s; connected sources: %s", name, strings.Join(s.SourceNames(), ", "))
		}
		selected = append(selected, src)
	}
	return selected, nil
}

// Scan sweeps the selected sources concurrently. One source failing is
// recorded in the report and never aborts the others. Re-running a scan is
// safe: open duplicates are skipped.
func (s *Scanner) Scan(ctx context.Context, orgID string, only []string) (ScanReport, error) {
	sources, err := s.findSources(only)
	if err != nil {
		return ScanReport{}, err
	}
	report := ScanReport{
		OrgID:     orgID,
		StartedAt: s.now().UTC().Format(time.RFC3339),
		Sources:   map[string]SourceReport{},
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Workers)
	for _, src := range sources {
		g.Go(func() error {
			sr := s.scanSource(gctx, orgID, src)
			mu.Lock()
			report.Sources[src.Name()] = sr
			report.Created += sr.Created
			report.Skipped += sr.Skipped
			mu.Unlock()
			return nil
		})
	}
	// Workers never return errors; Wait only observes ctx cancellation.
	if err := g.Wait(); err != nil {
		return report, err
	}
	report.FinishedAt = s.now().UTC().Format(time.RFC3339)

	if err := s.recordScanCompleted(ctx, orgID, report); err != nil {
		log.Printf("scanner: record scan completion: %v", err)
	}
	if h := s.Engine.Hub; h != nil {
		h.BroadcastToOrg(orgID, hub.Envelope{Type: hub.TypeScanCompleted, Payload: report})
		for _, name := range only {
			h.BroadcastToOrg(orgID, hub.Envelope{
				Type:    strings.ToUpper(name) + "_SYNC_COMPLETED",
				Payload: report.Sources[name],
			})
		}
	}
	return report, nil
}

func (s *Scanner) scanSource(ctx context.Context, orgID string, src Source) SourceReport {
	var sr SourceReport
	candidates, err := src.Fetch(ctx, orgID)
	if err != nil {
		log.Printf("scanner: source %s failed: %v", src.Name(), err)
		sr.Error = err.Error()
		return sr
	}
	now := s.now().UTC()
	for _, c := range candidates {
		finding := Detect(now, c)
		if finding == nil {
			continue
		}
		window := defaultDedupWindows[finding.Rule]
		if s.Config != nil {
			window = s.Config.DedupWindowDays(finding.Rule, window)
		}
		sig, created, err := s.Engine.CreateSignal(ctx, engine.SignalCreateOptions{
			OrgID:           orgID,
			SourceSolution:  src.Name(),
			SignalType:      finding.SignalType,
			Severity:        finding.Severity,
			EntityKind:      finding.EntityKind,
			EntityRef:       finding.EntityRef,
			Title:           finding.Title,
			Description:     finding.Description,
			Metadata:        finding.Metadata,
			ActorID:         "scanner",
			DedupWindowDays: window,
		})
		if err != nil {
			log.Printf("scanner: persist finding %s/%s: %v", finding.Rule, finding.EntityRef, err)
			sr.Error = err.Error()
			continue
		}
		if !created {
			sr.Skipped++
			continue
		}
		sr.Created++
		if sig.Severity == domain.SeverityCritical && s.Advisor != nil {
			go s.analyzeSignal(sig)
		}
	}
	return sr
}

const analyzeDispatchTimeout = 30 * time.Second

// analyzeSignal runs detached from the scan's context; it outlives the scan
// that dispatched it, bounded by its own timeout.
func (s *Scanner) analyzeSignal(sig domain.Signal) {
	ctx, cancel := context.WithTimeout(context.Background(), analyzeDispatchTimeout)
	defer cancel()
	if _, err := s.Advisor.FromSignal(ctx, sig, "scanner", true); err != nil {
		log.Printf("scanner: advisor on signal %s: %v", sig.ID, err)
	}
}

func (s *Scanner) recordScanCompleted(ctx context.Context, orgID string, report ScanReport) error {
	tx, err := s.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Engine.Events.Append(ctx, tx, "scan.completed", orgID, "scan", "", "scanner", map[string]any{
		"created": report.Created,
		"skipped": report.Skipped,
		"sources": len(report.Sources),
	}); err != nil {
		return err
	}
	return tx.Commit()
}
