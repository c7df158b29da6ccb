package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/seedload/internal/storage"
)

// ErrRunFailed is returned when the polled run ends in FAILED.
var ErrRunFailed = errors.New("ingestion run failed")

// RunSource is what the run poller reads. Both the HTTP client and the
// storage layer satisfy it.
type RunSource interface {
	GetRunStatus(ctx context.Context, runID string) (storage.RunStatus, error)
	ListRecordsByProject(ctx context.Context, projectID string) ([]storage.SeedRecord, error)
}

// RunPoller watches one run until it reaches a terminal status.
type RunPoller struct {
	Source   RunSource
	Interval time.Duration // <= 0 means DefaultInterval
	Logger   *slog.Logger

	// OnState, if set, is called on every state change.
	OnState func(State)

	mu      sync.Mutex
	state   State
	records []storage.SeedRecord
}

// State returns the current state.
func (p *RunPoller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Records returns the record list held after reconciliation.
func (p *RunPoller) Records() []storage.SeedRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records
}

func (p *RunPoller) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	if p.OnState != nil {
		p.OnState(s)
	}
}

// Run polls the run's status every interval. On COMPLETE it fetches the
// project's records exactly once, replaces the held list and returns it.
// On FAILED it returns ErrRunFailed without fetching. Status fetch errors are
// logged and polling continues; there is no timeout, so a run that never
// settles is polled until ctx is cancelled.
func (p *RunPoller) Run(ctx context.Context, runID, projectID string) ([]storage.SeedRecord, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("run_id", runID, "project_id", projectID)

	p.setState(StatePolling)
	for {
		if err := sleep(ctx, interval); err != nil {
			return nil, err
		}
		status, err := p.Source.GetRunStatus(ctx, runID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("run status check failed", "error", err)
			continue
		}
		logger.Debug("run status", "status", status)

		if status == storage.RunFailed {
			p.setState(StateDone)
			return nil, ErrRunFailed
		}
		if status == storage.RunComplete {
			break
		}
	}

	p.setState(StateReconciling)
	for {
		records, err := p.Source.ListRecordsByProject(ctx, projectID)
		if err == nil {
			p.mu.Lock()
			p.records = records
			p.mu.Unlock()
			p.setState(StateDone)
			return records, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("record fetch failed, retrying", "error", err)
		if err := sleep(ctx, interval); err != nil {
			return nil, err
		}
	}
}
