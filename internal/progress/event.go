package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageFlowStart    Stage = "FLOW_START"
	StageFlowStep     Stage = "FLOW_STEP"
	StageFlowDone     Stage = "FLOW_DONE"
	StageFlowError    Stage = "FLOW_ERROR"
	StageFlowCanceled Stage = "FLOW_CANCELED"
)

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	switch s {
	case StageFlowDone, StageFlowError, StageFlowCanceled:
		return true
	default:
		return false
	}
}

// Event captures a single milestone of a flow run.
type Event struct {
	// RunID uniquely identifies a run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Flow is the flow kind (manual-sync, cache-refresh, cache).
	Flow string
	// Action is the admin-ajax action the run posts.
	Action string
	// Identifier is the selection the run was started for (connection ID).
	Identifier string
	// Completed is the per-step completion delta reported by the server.
	Completed int64
	// Failed is the per-step failure delta reported by the server.
	Failed int64
	// Total mirrors the server total after the step, when known.
	Total int64
	// Remaining is the remaining work after the step, when known.
	Remaining int64
	// Cursor is the offset the next step will send.
	Cursor int64
	// Dur is the step round trip for FLOW_STEP and the run wall time for
	// terminal stages.
	Dur time.Duration
	// Note carries the server message or failure reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageFlowStart, StageFlowStep, StageFlowDone, StageFlowError, StageFlowCanceled:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Flow == "" {
		return errors.New("flow is required")
	}
	if e.Completed < 0 || e.Failed < 0 {
		return errors.New("deltas must be >= 0")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
