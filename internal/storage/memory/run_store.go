// Package memory holds in-process store implementations for development and
// tests.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/catalog-sync/internal/store"
)

// RunStore provides an in-memory run ledger for development/testing. It is
// the default when no database is configured.
type RunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]store.Run
	// limit caps retained runs; the oldest finished runs are evicted first.
	limit int
}

// NewRunStore constructs a RunStore keeping at most limit runs (0 = no cap).
func NewRunStore(limit int) *RunStore {
	return &RunStore{
		runs:  make(map[uuid.UUID]store.Run),
		limit: limit,
	}
}

// StartRun stores a new run in the running status.
func (s *RunStore) StartRun(_ context.Context, run store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return nil
	}
	run.Status = store.RunRunning
	run.FinishedAt = nil
	run.UpdatedAt = run.StartedAt
	s.runs[run.ID] = run
	s.evictLocked()
	return nil
}

// AddProgress applies a step delta.
func (s *RunStore) AddProgress(_ context.Context, runID uuid.UUID, p store.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.Completed += p.Completed
	run.Failed += p.Failed
	run.Steps += p.Steps
	run.Total = p.Total
	run.Remaining = p.Remaining
	run.Cursor = p.Cursor
	if p.At.After(run.UpdatedAt) {
		run.UpdatedAt = p.At
	}
	s.runs[runID] = run
	return nil
}

// CompleteRun moves a run to a terminal status.
func (s *RunStore) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	msg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.Status = status
	run.FinishedAt = pointerTime(finishedAt)
	run.UpdatedAt = finishedAt
	if msg != nil {
		text := *msg
		run.ErrorMessage = &text
	}
	s.runs[runID] = run
	s.evictLocked()
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(_ context.Context, flow *string, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	out := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if flow != nil && run.Flow != *flow {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	if offset >= len(out) {
		return []store.Run{}, nil
	}
	out = out[max(offset, 0):]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *RunStore) evictLocked() {
	if s.limit <= 0 || len(s.runs) <= s.limit {
		return
	}
	all := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		all = append(all, run)
	}
	sortNewestFirst(all)
	// Running runs are never evicted; the cap is restored as they finish.
	excess := len(all) - s.limit
	for i := len(all) - 1; i >= 0 && excess > 0; i-- {
		if all[i].Status == store.RunRunning {
			continue
		}
		delete(s.runs, all[i].ID)
		excess--
	}
}

// sortNewestFirst orders by start time, then by ID; v7 IDs are time ordered.
func sortNewestFirst(runs []store.Run) {
	slices.SortFunc(runs, func(a, b store.Run) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return slices.Compare(b.ID[:], a.ID[:])
	})
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
