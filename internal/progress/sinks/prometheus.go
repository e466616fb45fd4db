package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/catalog-sync/internal/progress"
)

// PrometheusSink exports flow progress metrics via Prometheus. It owns all
// collectors for runs started/completed/running and per-flow item counters.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsRunning   *prometheus.GaugeVec
	runRuntime    *prometheus.HistogramVec

	itemsSynced  *prometheus.CounterVec
	itemsFailed  *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalogsync_flow_runs_started_total",
			Help: "Total flow runs that have started.",
		}, []string{"flow"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalogsync_flow_runs_completed_total",
			Help: "Total flow runs completed partitioned by result.",
		}, []string{"flow", "result"}),
		runsRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "catalogsync_flow_runs_running",
			Help: "Current number of running flow runs.",
		}, []string{"flow"}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catalogsync_flow_run_duration_seconds",
			Help:    "Wall time per finished flow run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"flow", "result"}),
		itemsSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalogsync_items_synced_total",
			Help: "Items the server reported as synced or completed.",
		}, []string{"flow"}),
		itemsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalogsync_items_failed_total",
			Help: "Items the server reported as failed.",
		}, []string{"flow"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "catalogsync_flow_step_duration_seconds",
			Help:    "Round trip of a single flow step.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"flow"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.itemsSynced,
		s.itemsFailed,
		s.stepDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	flow := evt.Flow
	if flow == "" {
		flow = "unknown"
	}
	switch evt.Stage {
	case progress.StageFlowStart:
		s.runsStarted.WithLabelValues(flow).Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.WithLabelValues(flow).Inc()
		}
	case progress.StageFlowStep:
		s.handleStep(flow, evt)
	case progress.StageFlowDone, progress.StageFlowError, progress.StageFlowCanceled:
		result := resultLabel(evt.Stage)
		s.runsCompleted.WithLabelValues(flow, result).Inc()
		if evt.Dur > 0 {
			s.runRuntime.WithLabelValues(flow, result).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.WithLabelValues(flow).Dec()
		}
	}
}

func (s *PrometheusSink) handleStep(flow string, evt progress.Event) {
	if evt.Completed > 0 {
		s.itemsSynced.WithLabelValues(flow).Add(float64(evt.Completed))
	}
	if evt.Failed > 0 {
		s.itemsFailed.WithLabelValues(flow).Add(float64(evt.Failed))
	}
	if evt.Dur > 0 {
		s.stepDuration.WithLabelValues(flow).Observe(evt.Dur.Seconds())
	}
}

func resultLabel(stage progress.Stage) string {
	switch stage {
	case progress.StageFlowError:
		return "error"
	case progress.StageFlowCanceled:
		return "canceled"
	default:
		return "success"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
