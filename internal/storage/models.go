package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrTerminalRun is returned when a status change is attempted on a run that
// already reached COMPLETE or FAILED.
var ErrTerminalRun = errors.New("run is in a terminal status")

// ErrInvalidTransition is returned for status changes that move a run backwards.
var ErrInvalidTransition = errors.New("invalid status transition")

// RunStatus is the lifecycle status of an ingestion run.
type RunStatus string

const (
	RunStarting RunStatus = "STARTING"
	RunRunning  RunStatus = "RUNNING"
	RunComplete RunStatus = "COMPLETE"
	RunFailed   RunStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunComplete || s == RunFailed
}

// Valid reports whether s is one of the known statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStarting, RunRunning, RunComplete, RunFailed:
		return true
	}
	return false
}

func (s RunStatus) rank() int {
	switch s {
	case RunStarting:
		return 0
	case RunRunning:
		return 1
	default:
		return 2
	}
}

// Run tracks one ingestion attempt for one uploaded file.
type Run struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	FileName  string    `json:"file_name"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SeedRecord is one ingested line. Payload is stored opaquely.
type SeedRecord struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"project_id"`
	SourceFile string          `json:"source_file"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewSeedRecord carries the fields a caller supplies when creating a record.
type NewSeedRecord struct {
	ProjectID  string
	SourceFile string
	Payload    json.RawMessage
}

// EvalStatus is the status of an evaluation job run by an external service.
type EvalStatus string

const (
	EvalPending  EvalStatus = "PENDING"
	EvalRunning  EvalStatus = "RUNNING"
	EvalComplete EvalStatus = "COMPLETE"
	EvalFailed   EvalStatus = "FAILED"
)

// Active reports whether the job is still expected to change.
func (s EvalStatus) Active() bool {
	return s == EvalPending || s == EvalRunning
}

// Valid reports whether s is one of the known statuses.
func (s EvalStatus) Valid() bool {
	switch s {
	case EvalPending, EvalRunning, EvalComplete, EvalFailed:
		return true
	}
	return false
}

type EvalJob struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	Name      string     `json:"name"`
	Status    EvalStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
