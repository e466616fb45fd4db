package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/progress"
	"github.com/JakeFAU/catalog-sync/internal/store"
)

// StoreSink persists run history via a store.RunRepository. Step deltas for
// the same run are collapsed per batch to reduce write amplification.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies the batch in order. It respects ctx deadlines and returns
// any repository errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[uuid.UUID]*store.Progress)
	var order []uuid.UUID

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageFlowStart:
			run := store.Run{
				ID:         runID,
				Flow:       evt.Flow,
				Action:     evt.Action,
				Identifier: evt.Identifier,
				StartedAt:  evt.TS,
			}
			if err := s.repo.StartRun(ctx, run); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageFlowStep:
			p := pending[runID]
			if p == nil {
				p = &store.Progress{}
				pending[runID] = p
				order = append(order, runID)
			}
			p.Completed += evt.Completed
			p.Failed += evt.Failed
			p.Steps++
			p.Total = evt.Total
			p.Remaining = evt.Remaining
			p.Cursor = evt.Cursor
			if evt.TS.After(p.At) {
				p.At = evt.TS
			}
		case progress.StageFlowDone, progress.StageFlowError, progress.StageFlowCanceled:
			if err := s.flush(ctx, runID, pending); err != nil {
				return err
			}
			var note *string
			if evt.Stage != progress.StageFlowDone && evt.Note != "" {
				note = &evt.Note
			}
			if err := s.repo.CompleteRun(ctx, runID, evt.TS, runStatus(evt.Stage), note); err != nil {
				return fmt.Errorf("complete run: %w", err)
			}
		}
	}

	for _, runID := range order {
		if err := s.flush(ctx, runID, pending); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) flush(ctx context.Context, runID uuid.UUID, pending map[uuid.UUID]*store.Progress) error {
	p, ok := pending[runID]
	if !ok {
		return nil
	}
	delete(pending, runID)
	if err := s.repo.AddProgress(ctx, runID, *p); err != nil {
		return fmt.Errorf("add run progress: %w", err)
	}
	return nil
}

func runStatus(stage progress.Stage) store.RunStatus {
	switch stage {
	case progress.StageFlowError:
		return store.RunFailed
	case progress.StageFlowCanceled:
		return store.RunCanceled
	default:
		return store.RunSucceeded
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
