package scanner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job tracks one background scan request.
type Job struct {
	ID         string      `json:"id"`
	OrgID      string      `json:"org_id"`
	Sources    []string    `json:"sources,omitempty"`
	Status     string      `json:"status" enum:"queued,running,done,failed"`
	Report     *ScanReport `json:"report,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartedAt  string      `json:"started_at,omitempty"`
	FinishedAt string      `json:"finished_at,omitempty"`
}

const defaultMaxFinishedJobs = 100

// Runner executes scans on a bounded pool. Trigger returns immediately; the
// scan runs until completion or runner shutdown.
type Runner struct {
	Scanner *Scanner
	// MaxFinishedJobs caps how many completed job snapshots stay queryable.
	MaxFinishedJobs int

	mu       sync.Mutex
	jobs     map[string]*Job
	finished []string
	sem      chan struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	ctx      context.Context
	running  bool
}

func NewRunner(s *Scanner) *Runner {
	workers := s.Workers
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		Scanner:         s,
		MaxFinishedJobs: defaultMaxFinishedJobs,
		jobs:            map[string]*Job{},
		sem:             make(chan struct{}, workers),
	}
}

func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running = true
}

// Stop cancels in-flight scans and waits for workers to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.running = false
	r.mu.Unlock()
	r.wg.Wait()
}

// Trigger queues a scan and returns its job id without waiting.
func (r *Runner) Trigger(orgID string, sources []string) (string, error) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return "", fmt.Errorf("scan runner not running")
	}
	job := &Job{
		ID:      uuid.NewString(),
		OrgID:   orgID,
		Sources: sources,
		Status:  "queued",
	}
	r.jobs[job.ID] = job
	ctx := r.ctx
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-ctx.Done():
			r.finish(job.ID, nil, ctx.Err())
			return
		}
		r.setRunning(job.ID)
		report, err := r.Scanner.Scan(ctx, orgID, sources)
		r.finish(job.ID, &report, err)
	}()
	return job.ID, nil
}

func (r *Runner) setRunning(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		job.Status = "running"
		job.StartedAt = time.Now().UTC().Format(time.RFC3339)
	}
}

func (r *Runner) finish(id string, report *ScanReport, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return
	}
	job.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	job.Report = report
	if err != nil {
		job.Status = "failed"
		job.Error = err.Error()
		log.Printf("scanner: job %s failed: %v", id, err)
	} else {
		job.Status = "done"
	}
	r.pruneLocked(id)
}

// pruneLocked evicts the oldest finished snapshots once the cap is exceeded.
// Running and queued jobs are never evicted.
func (r *Runner) pruneLocked(id string) {
	r.finished = append(r.finished, id)
	limit := r.MaxFinishedJobs
	if limit < 1 {
		limit = defaultMaxFinishedJobs
	}
	for len(r.finished) > limit {
		delete(r.jobs, r.finished[0])
		r.finished = r.finished[1:]
	}
}

// Job returns a snapshot of a job by id.
func (r *Runner) Job(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	snapshot := *job
	return snapshot, true
}
