package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the flow_runs status column.
type RunStatus string

// Run statuses persisted in flow_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Run models one row of flow_runs.
type Run struct {
	ID         uuid.UUID
	Flow       string
	Action     string
	Identifier string
	Status     RunStatus
	StartedAt  time.Time
	// FinishedAt is nil until the run leaves the running status.
	FinishedAt *time.Time
	Completed  int64
	Failed     int64
	Total      int64
	Remaining  int64
	Cursor     int64
	Steps      int64
	// ErrorMessage holds the failure reason or final server message.
	ErrorMessage *string
	UpdatedAt    time.Time
}

// Progress is one step's contribution to a run.
type Progress struct {
	// Completed and Failed are deltas added to the stored counters.
	Completed int64
	Failed    int64
	Steps     int64
	// Total, Remaining and Cursor are absolute values after the step.
	Total     int64
	Remaining int64
	Cursor    int64
	At        time.Time
}

// RunRepository records flow run history. It is written by the progress
// pipeline and read by the control plane; flows never resume from it.
type RunRepository interface {
	// StartRun inserts a run in the running status. Repeated calls for the same
	// ID are no-ops.
	StartRun(ctx context.Context, run Run) error
	// AddProgress applies a step delta to a run.
	AddProgress(ctx context.Context, runID uuid.UUID, p Progress) error
	// CompleteRun moves the run to a terminal status.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, msg *string) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs newest first, optionally filtered by flow.
	ListRuns(ctx context.Context, flow *string, limit, offset int) ([]Run, error)
}
