package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/seedload/internal/storage"
)

// EvalSource is what the eval poller reads.
type EvalSource interface {
	ListEvalJobs(ctx context.Context, projectID string) ([]storage.EvalJob, error)
	ListRecordsByProject(ctx context.Context, projectID string) ([]storage.SeedRecord, error)
}

// EvalSnapshot is the reconciled view once no job is active.
type EvalSnapshot struct {
	Jobs    []storage.EvalJob
	Records []storage.SeedRecord
}

// EvalPoller watches a project's evaluation jobs until none is active.
type EvalPoller struct {
	Source   EvalSource
	Interval time.Duration
	Logger   *slog.Logger
	OnState  func(State)

	// OnUpdate, if set, receives the merged job list after every tick.
	OnUpdate func([]storage.EvalJob)

	mu    sync.Mutex
	state State
}

func (p *EvalPoller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *EvalPoller) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	if p.OnState != nil {
		p.OnState(s)
	}
}

// Run folds the fetched job list into held every interval while any held job
// is PENDING or RUNNING. Once none is, it refetches records and jobs once to
// cover changes that fell between the last two ticks.
func (p *EvalPoller) Run(ctx context.Context, projectID string, held []storage.EvalJob) (EvalSnapshot, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("project_id", projectID)

	p.setState(StatePolling)
	for anyActive(held) {
		if err := sleep(ctx, interval); err != nil {
			return EvalSnapshot{}, err
		}
		fetched, err := p.Source.ListEvalJobs(ctx, projectID)
		if err != nil {
			if ctx.Err() != nil {
				return EvalSnapshot{}, ctx.Err()
			}
			logger.Warn("eval job check failed", "error", err)
			continue
		}
		held = MergeJobs(held, fetched)
		if p.OnUpdate != nil {
			p.OnUpdate(held)
		}
	}

	p.setState(StateReconciling)
	for {
		snap, err := p.reconcile(ctx, projectID)
		if err == nil {
			p.setState(StateDone)
			return snap, nil
		}
		if ctx.Err() != nil {
			return EvalSnapshot{}, ctx.Err()
		}
		logger.Warn("reconciliation fetch failed, retrying", "error", err)
		if err := sleep(ctx, interval); err != nil {
			return EvalSnapshot{}, err
		}
	}
}

func (p *EvalPoller) reconcile(ctx context.Context, projectID string) (EvalSnapshot, error) {
	records, err := p.Source.ListRecordsByProject(ctx, projectID)
	if err != nil {
		return EvalSnapshot{}, err
	}
	jobs, err := p.Source.ListEvalJobs(ctx, projectID)
	if err != nil {
		return EvalSnapshot{}, err
	}
	return EvalSnapshot{Jobs: jobs, Records: records}, nil
}

func anyActive(jobs []storage.EvalJob) bool {
	for _, j := range jobs {
		if j.Status.Active() {
			return true
		}
	}
	return false
}

// MergeJobs returns the union of held and fetched by ID. For an ID present in
// both, the entry with the later UpdatedAt wins; on a tie the fetched one
// wins. Held order is kept and new IDs are appended in fetched order.
func MergeJobs(held, fetched []storage.EvalJob) []storage.EvalJob {
	merged := make([]storage.EvalJob, 0, len(held)+len(fetched))
	index := make(map[string]int, len(held)+len(fetched))
	for _, j := range held {
		if i, ok := index[j.ID]; ok {
			if !merged[i].UpdatedAt.After(j.UpdatedAt) {
				merged[i] = j
			}
			continue
		}
		index[j.ID] = len(merged)
		merged = append(merged, j)
	}
	for _, j := range fetched {
		i, ok := index[j.ID]
		if !ok {
			index[j.ID] = len(merged)
			merged = append(merged, j)
			continue
		}
		if !merged[i].UpdatedAt.After(j.UpdatedAt) {
			merged[i] = j
		}
	}
	return merged
}
