package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/progress"
)

// Publisher delivers one message; *pubsub.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, attrs map[string]string, payload any) (string, error)
}

// RunNotification is the JSON body published when a run finishes.
type RunNotification struct {
	RunID      string    `json:"run_id"`
	Flow       string    `json:"flow"`
	Action     string    `json:"action,omitempty"`
	Identifier string    `json:"identifier,omitempty"`
	Result     string    `json:"result"`
	Total      int64     `json:"total"`
	Remaining  int64     `json:"remaining"`
	Cursor     int64     `json:"cursor"`
	DurationMS int64     `json:"duration_ms"`
	Note       string    `json:"note,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// PubSubSink publishes a RunNotification for every terminal event so other
// systems can react to finished syncs. Non-terminal events are ignored.
type PubSubSink struct {
	pub    Publisher
	logger *zap.Logger
}

// NewPubSubSink wires a publisher to the sink interface.
func NewPubSubSink(pub Publisher, logger *zap.Logger) *PubSubSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSink{pub: pub, logger: logger}
}

// Consume publishes terminal events in order and stops at the first failure.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		n := RunNotification{
			RunID:      evt.RunUUID().String(),
			Flow:       evt.Flow,
			Action:     evt.Action,
			Identifier: evt.Identifier,
			Result:     resultLabel(evt.Stage),
			Total:      evt.Total,
			Remaining:  evt.Remaining,
			Cursor:     evt.Cursor,
			DurationMS: evt.Dur.Milliseconds(),
			Note:       evt.Note,
			FinishedAt: evt.TS.UTC(),
		}
		attrs := map[string]string{
			"flow":   n.Flow,
			"result": n.Result,
		}
		id, err := s.pub.Publish(ctx, attrs, n)
		if err != nil {
			return fmt.Errorf("publish run %s: %w", n.RunID, err)
		}
		s.logger.Debug("run notification published", zap.String("run_id", n.RunID), zap.String("message_id", id))
	}
	return nil
}

// Close implements the Sink interface; the publisher is closed by its owner.
func (s *PubSubSink) Close(context.Context) error {
	return nil
}
