package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/seedload/internal/storage"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func job(id string, status storage.EvalStatus, updated time.Duration) storage.EvalJob {
	return storage.EvalJob{ID: id, ProjectID: "p1", Name: id, Status: status, CreatedAt: t0, UpdatedAt: t0.Add(updated)}
}

func TestMergeJobs(t *testing.T) {
	tests := []struct {
		name    string
		held    []storage.EvalJob
		fetched []storage.EvalJob
		want    []storage.EvalJob
	}{
		{
			name:    "new jobs are appended",
			held:    []storage.EvalJob{job("a", storage.EvalRunning, 0)},
			fetched: []storage.EvalJob{job("b", storage.EvalPending, 0)},
			want:    []storage.EvalJob{job("a", storage.EvalRunning, 0), job("b", storage.EvalPending, 0)},
		},
		{
			name:    "fresher fetched wins",
			held:    []storage.EvalJob{job("a", storage.EvalRunning, 0)},
			fetched: []storage.EvalJob{job("a", storage.EvalComplete, time.Second)},
			want:    []storage.EvalJob{job("a", storage.EvalComplete, time.Second)},
		},
		{
			name:    "stale fetched loses",
			held:    []storage.EvalJob{job("a", storage.EvalComplete, 2*time.Second)},
			fetched: []storage.EvalJob{job("a", storage.EvalRunning, time.Second)},
			want:    []storage.EvalJob{job("a", storage.EvalComplete, 2*time.Second)},
		},
		{
			name:    "tie prefers fetched",
			held:    []storage.EvalJob{job("a", storage.EvalRunning, time.Second)},
			fetched: []storage.EvalJob{job("a", storage.EvalFailed, time.Second)},
			want:    []storage.EvalJob{job("a", storage.EvalFailed, time.Second)},
		},
		{
			name:    "held jobs missing from fetch are kept",
			held:    []storage.EvalJob{job("a", storage.EvalRunning, 0), job("b", storage.EvalComplete, 0)},
			fetched: []storage.EvalJob{job("a", storage.EvalComplete, time.Second)},
			want:    []storage.EvalJob{job("a", storage.EvalComplete, time.Second), job("b", storage.EvalComplete, 0)},
		},
		{
			name: "empty inputs",
			want: []storage.EvalJob{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MergeJobs(tt.held, tt.fetched))
		})
	}
}

type fakeEvalSource struct {
	mu       sync.Mutex
	lists    [][]storage.EvalJob
	listErrs map[int]error
	jobCalls int
	records  []storage.SeedRecord
	recCalls int
}

func (f *fakeEvalSource) ListEvalJobs(context.Context, string) ([]storage.EvalJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.jobCalls
	f.jobCalls++
	if err := f.listErrs[call]; err != nil {
		return nil, err
	}
	if call < len(f.lists) {
		return f.lists[call], nil
	}
	return f.lists[len(f.lists)-1], nil
}

func (f *fakeEvalSource) ListRecordsByProject(context.Context, string) ([]storage.SeedRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recCalls++
	return f.records, nil
}

func TestEvalPollerStopsWhenNoneActiveThenReconciles(t *testing.T) {
	final := []storage.EvalJob{job("a", storage.EvalComplete, 3*time.Second), job("b", storage.EvalFailed, 3*time.Second)}
	src := &fakeEvalSource{
		lists: [][]storage.EvalJob{
			{job("a", storage.EvalRunning, time.Second), job("b", storage.EvalPending, time.Second)},
			{job("a", storage.EvalComplete, 2*time.Second), job("b", storage.EvalRunning, 2*time.Second)},
			nil, // failed fetch
			{job("a", storage.EvalComplete, 2*time.Second), job("b", storage.EvalFailed, 2*time.Second)},
			final,
		},
		listErrs: map[int]error{2: errors.New("flaky")},
		records:  sampleRecords(2),
	}
	var updates int
	var states []State
	p := &EvalPoller{
		Source:   src,
		Interval: testInterval,
		OnState:  func(s State) { states = append(states, s) },
		OnUpdate: func([]storage.EvalJob) { updates++ },
	}

	held := []storage.EvalJob{job("a", storage.EvalPending, 0)}
	snap, err := p.Run(context.Background(), "p1", held)
	require.NoError(t, err)

	assert.Equal(t, final, snap.Jobs, "snapshot comes from the reconciliation fetch")
	assert.Len(t, snap.Records, 2)
	assert.Equal(t, []State{StatePolling, StateReconciling, StateDone}, states)
	assert.Equal(t, 3, updates)

	src.mu.Lock()
	defer src.mu.Unlock()
	// Four polling fetches (one failed) plus one reconciliation fetch.
	assert.Equal(t, 5, src.jobCalls)
	assert.Equal(t, 1, src.recCalls)
}

func TestEvalPollerReconcilesImmediatelyWhenNothingActive(t *testing.T) {
	src := &fakeEvalSource{lists: [][]storage.EvalJob{{job("a", storage.EvalComplete, 0)}}}
	p := &EvalPoller{Source: src, Interval: time.Hour}

	snap, err := p.Run(context.Background(), "p1", []storage.EvalJob{job("a", storage.EvalComplete, 0)})
	require.NoError(t, err)
	assert.Len(t, snap.Jobs, 1)
	assert.Equal(t, StateDone, p.State())
}

func TestEvalPollerStopsOnCancel(t *testing.T) {
	src := &fakeEvalSource{lists: [][]storage.EvalJob{{job("a", storage.EvalRunning, 0)}}}
	p := &EvalPoller{Source: src, Interval: testInterval}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Run(ctx, "p1", []storage.EvalJob{job("a", storage.EvalRunning, 0)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatePolling, p.State())

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Zero(t, src.recCalls)
}
