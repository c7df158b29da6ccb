package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) < 2 {
		t.Fatalf("expected at least two applied migrations, got %v", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_ingestion_runs_project", "idx_seed_records_project", "idx_seed_records_source", "idx_eval_jobs_project"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestCreateAndGetRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateRun(ctx, Run{ID: "run-1", ProjectID: "p1", FileName: "file.jsonl"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if created.Status != RunStarting {
		t.Errorf("Status = %q, want %q", created.Status, RunStarting)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.ProjectID != "p1" || got.FileName != "file.jsonl" || got.Status != RunStarting {
		t.Errorf("GetRun = %+v", got)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created.CreatedAt)
	}
}

func TestCreateRunAssignsID(t *testing.T) {
	s := openTestStore(t)

	r, err := s.CreateRun(context.Background(), Run{ProjectID: "p1", FileName: "a.jsonl"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if r.ID == "" {
		t.Fatal("CreateRun returned empty ID")
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetRunStatus(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRunStatus error = %v, want ErrNotFound", err)
	}
	if _, err := s.UpdateRunStatus(context.Background(), "missing", RunRunning); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRunStatus error = %v, want ErrNotFound", err)
	}
}

func TestUpdateRunStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []RunStatus
		next    RunStatus
		wantErr error
	}{
		{"starting to running", nil, RunRunning, nil},
		{"starting to complete", nil, RunComplete, nil},
		{"running to complete", []RunStatus{RunRunning}, RunComplete, nil},
		{"running to failed", []RunStatus{RunRunning}, RunFailed, nil},
		{"same status is no-op", []RunStatus{RunRunning}, RunRunning, nil},
		{"complete again is no-op", []RunStatus{RunComplete}, RunComplete, nil},
		{"running back to starting", []RunStatus{RunRunning}, RunStarting, ErrInvalidTransition},
		{"complete to running", []RunStatus{RunComplete}, RunRunning, ErrTerminalRun},
		{"complete to failed", []RunStatus{RunComplete}, RunFailed, ErrTerminalRun},
		{"failed to complete", []RunStatus{RunFailed}, RunComplete, ErrTerminalRun},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			ctx := context.Background()
			if _, err := s.CreateRun(ctx, Run{ID: "r", ProjectID: "p", FileName: "f"}); err != nil {
				t.Fatalf("CreateRun: %v", err)
			}
			for _, st := range tt.path {
				if _, err := s.UpdateRunStatus(ctx, "r", st); err != nil {
					t.Fatalf("setup UpdateRunStatus(%s): %v", st, err)
				}
			}

			got, err := s.UpdateRunStatus(ctx, "r", tt.next)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("UpdateRunStatus: %v", err)
			}
			if got.Status != tt.next {
				t.Errorf("Status = %q, want %q", got.Status, tt.next)
			}
			status, err := s.GetRunStatus(ctx, "r")
			if err != nil {
				t.Fatalf("GetRunStatus: %v", err)
			}
			if status != tt.next {
				t.Errorf("stored status = %q, want %q", status, tt.next)
			}
		})
	}
}

func TestUpdateRunStatusRejectsUnknown(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateRun(ctx, Run{ID: "r", ProjectID: "p", FileName: "f"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := s.UpdateRunStatus(ctx, "r", RunStatus("DONE")); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.CreateRun(ctx, Run{ID: fmt.Sprintf("r%d", i), ProjectID: "p1", FileName: "f"}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := s.CreateRun(ctx, Run{ID: "other", ProjectID: "p2", FileName: "f"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	runs, err := s.ListRuns(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len = %d, want 3", len(runs))
	}
	if runs[0].ID != "r2" || runs[2].ID != "r0" {
		t.Errorf("order = %s,%s,%s, want r2,r1,r0", runs[0].ID, runs[1].ID, runs[2].ID)
	}
}

func TestListRecentRunsAcrossProjects(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, project := range []string{"p1", "p2", "p3"} {
		if _, err := s.CreateRun(ctx, Run{ID: fmt.Sprintf("r%d", i), ProjectID: project, FileName: "f"}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	runs, err := s.ListRecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecentRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "r2" || runs[1].ID != "r1" {
		t.Errorf("ListRecentRuns = %+v", runs)
	}
}

func TestCreateSeedRecordAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	payloads := []string{`{"a":1}`, `{"a":2}`, `[1,2,3]`}
	for _, p := range payloads {
		if _, err := s.CreateSeedRecord(ctx, NewSeedRecord{ProjectID: "p1", SourceFile: "f.jsonl", Payload: json.RawMessage(p)}); err != nil {
			t.Fatalf("CreateSeedRecord: %v", err)
		}
	}
	if _, err := s.CreateSeedRecord(ctx, NewSeedRecord{ProjectID: "p2", SourceFile: "f.jsonl", Payload: json.RawMessage(`1`)}); err != nil {
		t.Fatalf("CreateSeedRecord: %v", err)
	}

	recs, err := s.ListRecordsByProject(ctx, "p1")
	if err != nil {
		t.Fatalf("ListRecordsByProject: %v", err)
	}
	if len(recs) != len(payloads) {
		t.Fatalf("len = %d, want %d", len(recs), len(payloads))
	}
	for _, r := range recs {
		if r.ID == "" {
			t.Error("record has empty ID")
		}
		if r.ProjectID != "p1" || r.SourceFile != "f.jsonl" {
			t.Errorf("record envelope = %q/%q", r.ProjectID, r.SourceFile)
		}
	}

	n, err := s.CountRecords(ctx, "p1", "f.jsonl")
	if err != nil {
		t.Fatalf("CountRecords: %v", err)
	}
	if n != 3 {
		t.Errorf("CountRecords = %d, want 3", n)
	}
}

func TestParseTimeFractionWidths(t *testing.T) {
	want := time.Date(2025, 3, 4, 5, 6, 7, 850000000, time.UTC)
	for _, v := range []string{
		"2025-03-04T05:06:07.850000000Z",
		"2025-03-04T05:06:07.85Z",
		formatTime(want),
	} {
		got, err := parseTime("created_at", v)
		if err != nil {
			t.Fatalf("parseTime(%q): %v", v, err)
		}
		if !got.Equal(want) {
			t.Errorf("parseTime(%q) = %v, want %v", v, got, want)
		}
	}

	got, err := parseTime("created_at", "2025-03-04T05:06:07Z")
	if err != nil {
		t.Fatalf("parseTime without fraction: %v", err)
	}
	if got.Nanosecond() != 0 {
		t.Errorf("nanoseconds = %d, want 0", got.Nanosecond())
	}
}

// TestTrailingZeroTimestampsReadBack stores rows whose timestamps end in
// zeros, which the driver hands back with the zeros dropped.
func TestTrailingZeroTimestampsReadBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stamps := []time.Time{
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 1, 0, 0, 1, 100000000, time.UTC),
		time.Date(2025, 1, 1, 0, 0, 2, 856905920, time.UTC),
	}
	for i, ts := range stamps {
		id := fmt.Sprintf("run-%d", i)
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO ingestion_runs (id, project_id, file_name, status, created_at, updated_at)
			VALUES (?, 'p', 'f.jsonl', 'RUNNING', ?, ?)`, id, formatTime(ts), formatTime(ts))
		if err != nil {
			t.Fatalf("insert run: %v", err)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO seed_records (id, project_id, source_file, payload, created_at)
			VALUES (?, 'p', 'f.jsonl', '{}', ?)`, fmt.Sprintf("rec-%d", i), formatTime(ts))
		if err != nil {
			t.Fatalf("insert record: %v", err)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO eval_jobs (id, project_id, name, status, created_at, updated_at)
			VALUES (?, 'p', 'e', 'RUNNING', ?, ?)`, fmt.Sprintf("job-%d", i), formatTime(ts), formatTime(ts))
		if err != nil {
			t.Fatalf("insert eval job: %v", err)
		}
	}

	for i, ts := range stamps {
		id := fmt.Sprintf("run-%d", i)
		r, err := s.GetRun(ctx, id)
		if err != nil {
			t.Fatalf("GetRun(%s): %v", id, err)
		}
		if !r.CreatedAt.Equal(ts) {
			t.Errorf("CreatedAt = %v, want %v", r.CreatedAt, ts)
		}
		if _, err := s.UpdateRunStatus(ctx, id, RunComplete); err != nil {
			t.Errorf("UpdateRunStatus(%s): %v", id, err)
		}
	}

	recs, err := s.ListRecordsByProject(ctx, "p")
	if err != nil {
		t.Fatalf("ListRecordsByProject: %v", err)
	}
	if len(recs) != len(stamps) {
		t.Errorf("records = %d, want %d", len(recs), len(stamps))
	}
	jobs, err := s.ListEvalJobs(ctx, "p")
	if err != nil {
		t.Fatalf("ListEvalJobs: %v", err)
	}
	if len(jobs) != len(stamps) {
		t.Errorf("jobs = %d, want %d", len(jobs), len(stamps))
	}
}

func TestManyRunsAndRecordsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const runs = 300
	for i := 0; i < runs; i++ {
		r, err := s.CreateRun(ctx, Run{ProjectID: "p", FileName: "f.jsonl"})
		if err != nil {
			t.Fatalf("CreateRun %d: %v", i, err)
		}
		if _, err := s.GetRun(ctx, r.ID); err != nil {
			t.Fatalf("GetRun %d: %v", i, err)
		}
		if _, err := s.UpdateRunStatus(ctx, r.ID, RunComplete); err != nil {
			t.Fatalf("UpdateRunStatus %d: %v", i, err)
		}
	}

	const records = 600
	for i := 0; i < records; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"i":%d}`, i))
		if _, err := s.CreateSeedRecord(ctx, NewSeedRecord{ProjectID: "p", SourceFile: "f.jsonl", Payload: payload}); err != nil {
			t.Fatalf("CreateSeedRecord %d: %v", i, err)
		}
	}
	recs, err := s.ListRecordsByProject(ctx, "p")
	if err != nil {
		t.Fatalf("ListRecordsByProject: %v", err)
	}
	if len(recs) != records {
		t.Fatalf("records = %d, want %d", len(recs), records)
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].CreatedAt.Before(recs[i-1].CreatedAt) {
			t.Fatalf("record %d created before record %d", i, i-1)
		}
	}
}

func TestCreateSeedRecordRejectsInvalidPayload(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CreateSeedRecord(context.Background(), NewSeedRecord{ProjectID: "p", SourceFile: "f", Payload: json.RawMessage(`{`)})
	if err == nil {
		t.Fatal("expected error for invalid payload")
	}
}

// TestConcurrentCreateSeedRecord exercises the single-connection pool under fan-out.
func TestConcurrentCreateSeedRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := json.RawMessage(fmt.Sprintf(`{"i":%d}`, i))
			if _, err := s.CreateSeedRecord(ctx, NewSeedRecord{ProjectID: "p", SourceFile: "f", Payload: payload}); err != nil {
				t.Errorf("CreateSeedRecord %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.CountRecords(ctx, "p", "f")
	if err != nil {
		t.Fatalf("CountRecords: %v", err)
	}
	if got != n {
		t.Errorf("CountRecords = %d, want %d", got, n)
	}
}

func TestEvalJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job, err := s.CreateEvalJob(ctx, EvalJob{ProjectID: "p1", Name: "accuracy"})
	if err != nil {
		t.Fatalf("CreateEvalJob: %v", err)
	}
	if job.Status != EvalPending {
		t.Errorf("Status = %q, want %q", job.Status, EvalPending)
	}

	time.Sleep(time.Millisecond)
	updated, err := s.UpdateEvalJobStatus(ctx, job.ID, EvalComplete)
	if err != nil {
		t.Fatalf("UpdateEvalJobStatus: %v", err)
	}
	if updated.Status != EvalComplete {
		t.Errorf("Status = %q, want %q", updated.Status, EvalComplete)
	}
	if !updated.UpdatedAt.After(job.UpdatedAt) {
		t.Errorf("UpdatedAt %v not after %v", updated.UpdatedAt, job.UpdatedAt)
	}

	jobs, err := s.ListEvalJobs(ctx, "p1")
	if err != nil {
		t.Fatalf("ListEvalJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != EvalComplete {
		t.Errorf("ListEvalJobs = %+v", jobs)
	}

	if _, err := s.UpdateEvalJobStatus(ctx, "missing", EvalRunning); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}
