package flow

import (
	"strings"
	"time"

	"github.com/JakeFAU/catalog-sync/internal/ajax"
)

// State is the progress record of one run. It is created by Start, mutated
// only by the driver's step handler and replaced by the next Start.
type State struct {
	RunID      string    `json:"run_id,omitempty"`
	Flow       Kind      `json:"flow"`
	Action     string    `json:"action,omitempty"`
	Identifier string    `json:"identifier,omitempty"`
	Phase      Phase     `json:"phase"`
	Running    bool      `json:"running"`
	Cursor     int64     `json:"cursor"`
	Completed  int64     `json:"completed"`
	Failed     int64     `json:"failed"`
	Total      int64     `json:"total"`
	TotalKnown bool      `json:"total_known"`
	Remaining  int64     `json:"remaining"`
	Errors     []string  `json:"errors,omitempty"`
	Message    string    `json:"message,omitempty"`
	Status     string    `json:"status,omitempty"`
	Steps      int       `json:"steps"`
	Notice     *Notice   `json:"notice,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// clone returns a deep copy safe to hand outside the driver lock.
func (s State) clone() State {
	if s.Errors != nil {
		s.Errors = append([]string(nil), s.Errors...)
	}
	if s.Notice != nil {
		n := *s.Notice
		n.Errors = append([]string(nil), n.Errors...)
		s.Notice = &n
	}
	return s
}

// delta is what one step contributed.
type delta struct {
	completed int64
	failed    int64
	errors    bool
}

// merge folds one well-formed payload into the state:
//   - total is overwritten when present
//   - completed/failed are additive and never decrease
//   - errors replace the list only when non-empty
//   - the cursor moves only to a server-supplied next_offset
//   - remaining prefers the server value, else max(total-cursor, 0)
func (s *State) merge(p *ajax.Payload) delta {
	var d delta
	if p == nil {
		return d
	}
	if p.Total != nil {
		s.Total = p.Total.Int64()
		s.TotalKnown = true
	}
	if c := p.CompletedDelta(); c > 0 {
		s.Completed += c
		d.completed = c
	}
	if f := p.FailedDelta(); f > 0 {
		s.Failed += f
		d.failed = f
	}
	if len(p.Errors) > 0 {
		s.Errors = append([]string(nil), p.Errors...)
		d.errors = true
	}
	if p.NextOffset != nil {
		s.Cursor = p.NextOffset.Int64()
	}
	switch {
	case p.Remaining != nil:
		s.Remaining = p.Remaining.Int64()
	case s.TotalKnown:
		s.Remaining = max(s.Total-s.Cursor, 0)
	}
	if msg := strings.TrimSpace(p.Message); msg != "" {
		s.Message = msg
	}
	if p.Status != "" {
		s.Status = p.Status
	}
	s.Steps++
	return d
}

// terminal applies the shape's completion predicate.
func terminal(shape Shape, p *ajax.Payload) bool {
	if p == nil {
		return false
	}
	if shape == ShapePoll {
		return p.Status == StatusDone
	}
	return bool(p.Done)
}
