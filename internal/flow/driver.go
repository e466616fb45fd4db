package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/ajax"
	"github.com/JakeFAU/catalog-sync/internal/clock/system"
	uuidgen "github.com/JakeFAU/catalog-sync/internal/id/uuid"
	"github.com/JakeFAU/catalog-sync/internal/progress"
)

const (
	// DefaultPagedInterval is the fixed delay between paged steps.
	DefaultPagedInterval = 500 * time.Millisecond
	// DefaultPollInterval is the fixed delay between poll steps.
	DefaultPollInterval = 800 * time.Millisecond
	// DefaultReloadDelay separates a finished poll from the reload hook.
	DefaultReloadDelay = 1500 * time.Millisecond

	defaultIdentifierField = "connection_id"
	defaultCursorField     = "offset"
)

// Config describes one flow instance.
type Config struct {
	Kind  Kind
	Shape Shape
	// Action is posted when Start is not given an action key.
	Action string
	// Actions maps start-time keys (e.g. "refresh", "clear") to action names
	// for flows whose controls share one polling chain.
	Actions map[string]string
	// IdentifierField carries the selection (default "connection_id").
	IdentifierField string
	// CursorField carries the cursor on paged flows (default "offset").
	CursorField string
	// Interval is the fixed delay between steps; it is never computed.
	Interval time.Duration
	// ReloadDelay is how long after a finished poll the Reloader runs.
	ReloadDelay time.Duration
	Messages    Messages
}

func (c Config) withDefaults() Config {
	if c.IdentifierField == "" {
		c.IdentifierField = defaultIdentifierField
	}
	if c.CursorField == "" {
		c.CursorField = defaultCursorField
	}
	if c.Interval <= 0 {
		c.Interval = DefaultPagedInterval
		if c.Shape == ShapePoll {
			c.Interval = DefaultPollInterval
		}
	}
	if c.ReloadDelay <= 0 {
		c.ReloadDelay = DefaultReloadDelay
	}
	c.Messages = c.Messages.withDefaults()
	return c
}

// Option customizes a Driver.
type Option func(*Driver)

// WithNotifier sets where notices go (default: the driver's logger).
func WithNotifier(n Notifier) Option {
	return func(d *Driver) { d.notifier = n }
}

// WithEmitter sets the progress event emitter.
func WithEmitter(e progress.Emitter) Option {
	return func(d *Driver) { d.emitter = e }
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(d *Driver) { d.clock = c }
}

// WithReloader sets the hook run after a poll flow finishes.
func WithReloader(r Reloader) Option {
	return func(d *Driver) { d.reloader = r }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithRunIDs replaces the run ID generator.
func WithRunIDs(g RunIDGenerator) Option {
	return func(d *Driver) { d.ids = g }
}

// StartOption customizes a single run.
type StartOption func(*startOptions)

type startOptions struct {
	actionKey   string
	affordances []Affordance
}

// UseAction selects a keyed action from Config.Actions for this run.
func UseAction(key string) StartOption {
	return func(o *startOptions) { o.actionKey = key }
}

// WithAffordance attaches a control that is busy for the run's lifetime.
func WithAffordance(a Affordance) StartOption {
	return func(o *startOptions) {
		if a != nil {
			o.affordances = append(o.affordances, a)
		}
	}
}

// Driver runs one flow. It is safe for concurrent use; Start refuses to open a
// second request chain while one is active.
type Driver struct {
	cfg      Config
	poster   Poster
	notifier Notifier
	emitter  progress.Emitter
	clock    Clock
	ids      RunIDGenerator
	reloader Reloader
	logger   *zap.Logger

	mu      sync.Mutex
	state   State
	current *run
}

// run is the private bookkeeping of one Start.
type run struct {
	id          uuid.UUID
	action      string
	identifier  string
	parent      context.Context
	cancel      context.CancelFunc
	affordances []Affordance
	restoreOnce sync.Once
	done        chan struct{}
	final       State
}

// New builds a Driver for cfg posting through poster.
func New(cfg Config, poster Poster, opts ...Option) (*Driver, error) {
	if poster == nil {
		return nil, errors.New("flow poster is required")
	}
	if cfg.Kind == "" {
		return nil, errors.New("flow kind is required")
	}
	if cfg.Action == "" && len(cfg.Actions) == 0 {
		return nil, fmt.Errorf("flow %s: an action is required", cfg.Kind)
	}
	d := &Driver{
		cfg:    cfg.withDefaults(),
		poster: poster,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	d.logger = d.logger.With(zap.String("flow", string(cfg.Kind)))
	if d.notifier == nil {
		d.notifier = NewLogNotifier(d.logger)
	}
	if d.emitter == nil {
		d.emitter = progress.Discard
	}
	if d.clock == nil {
		d.clock = system.New()
	}
	if d.ids == nil {
		d.ids = uuidgen.New()
	}
	d.state = State{Flow: cfg.Kind, Phase: PhaseIdle}
	return d, nil
}

// Kind returns the flow kind.
func (d *Driver) Kind() Kind {
	return d.cfg.Kind
}

// Messages returns the fallback texts in effect.
func (d *Driver) Messages() Messages {
	return d.cfg.Messages
}

// Start begins a run for identifier and returns immediately. It returns
// ErrAlreadyRunning without side effects while a run is active, and
// ErrMissingSelection (after surfacing a warning notice) when identifier is
// blank; in both cases nothing is sent. ctx bounds the whole run, not just
// the call.
func (d *Driver) Start(ctx context.Context, identifier string, opts ...StartOption) error {
	var so startOptions
	for _, opt := range opts {
		opt(&so)
	}
	action, err := d.resolveAction(so.actionKey)
	if err != nil {
		return err
	}
	identifier = strings.TrimSpace(identifier)

	d.mu.Lock()
	if d.state.Running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	if identifier == "" {
		d.mu.Unlock()
		d.notifier.Notify(Notice{
			Flow:    d.cfg.Kind,
			Level:   LevelWarning,
			Message: d.cfg.Messages.MissingSelection,
			At:      d.clock.Now(),
		})
		return ErrMissingSelection
	}
	id, err := d.ids.NewRunID()
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("flow %s: %w", d.cfg.Kind, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		id:          id,
		action:      action,
		identifier:  identifier,
		parent:      ctx,
		cancel:      cancel,
		affordances: so.affordances,
		done:        make(chan struct{}),
	}
	now := d.clock.Now()
	d.state = State{
		RunID:      id.String(),
		Flow:       d.cfg.Kind,
		Action:     action,
		Identifier: identifier,
		Phase:      PhaseRunning,
		Running:    true,
		StartedAt:  now,
	}
	d.current = r
	d.mu.Unlock()

	for _, a := range r.affordances {
		a.Busy()
	}
	d.emit(r, progress.Event{Stage: progress.StageFlowStart, TS: now})
	d.logger.Info("flow started",
		zap.String("run_id", id.String()),
		zap.String("action", action),
		zap.String("identifier", identifier),
	)
	go d.loop(runCtx, r)
	return nil
}

// Cancel stops the active run, abandoning the pending timer or aborting the
// in-flight request. It reports whether a run was active.
func (d *Driver) Cancel() bool {
	d.mu.Lock()
	r := d.current
	running := d.state.Running
	d.mu.Unlock()
	if !running || r == nil {
		return false
	}
	r.cancel()
	return true
}

// Running reports whether a run is active.
func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Running
}

// Snapshot returns a copy of the current state.
func (d *Driver) Snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.clone()
}

// Wait blocks until the most recently started run (including a poll flow's
// reload hook) finishes, and returns its final state. Without any run it
// returns the idle state immediately.
func (d *Driver) Wait(ctx context.Context) (State, error) {
	d.mu.Lock()
	r := d.current
	d.mu.Unlock()
	if r == nil {
		return d.Snapshot(), nil
	}
	select {
	case <-r.done:
		return r.final.clone(), nil
	case <-ctx.Done():
		return d.Snapshot(), fmt.Errorf("wait for flow %s: %w", d.cfg.Kind, ctx.Err())
	}
}

func (d *Driver) resolveAction(key string) (string, error) {
	if key == "" {
		if d.cfg.Action == "" {
			return "", fmt.Errorf("%w: flow %s needs an action key", ErrUnknownAction, d.cfg.Kind)
		}
		return d.cfg.Action, nil
	}
	action, ok := d.cfg.Actions[key]
	if !ok || action == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, key)
	}
	return action, nil
}

func (d *Driver) loop(ctx context.Context, r *run) {
	defer close(r.done)
	for {
		cursor := d.cursor()
		stepStart := d.clock.Now()
		env, err := d.poster.Post(ctx, d.request(r, cursor))
		stepDur := d.clock.Now().Sub(stepStart)

		switch {
		case ctx.Err() != nil:
			d.finish(r, PhaseCanceled, LevelWarning, d.cfg.Messages.Canceled, ctx.Err())
			return
		case err != nil:
			d.finish(r, PhaseFailed, LevelError, d.cfg.Messages.RequestFailed, err)
			return
		case !env.OK():
			msg := env.Message()
			if msg == "" {
				msg = d.cfg.Messages.Rejected
			}
			d.finish(r, PhaseFailed, LevelError, msg, &ajax.ApplicationError{Action: r.action, Message: env.Message()})
			return
		}

		if d.applyStep(r, env.Data, stepDur) {
			msg := env.Message()
			if msg == "" {
				msg = d.cfg.Messages.Completed
			}
			final := d.finish(r, PhaseSucceeded, LevelSuccess, msg, nil)
			if d.cfg.Shape == ShapePoll {
				d.reload(r, final)
			}
			return
		}

		wait, stop := d.clock.After(d.cfg.Interval)
		select {
		case <-wait:
		case <-ctx.Done():
			stop()
			d.finish(r, PhaseCanceled, LevelWarning, d.cfg.Messages.Canceled, ctx.Err())
			return
		}
	}
}

func (d *Driver) cursor() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Cursor
}

func (d *Driver) request(r *run, cursor int64) ajax.Request {
	req := ajax.NewRequest(r.action).With(d.cfg.IdentifierField, r.identifier)
	if d.cfg.Shape == ShapePaged {
		req = req.WithInt(d.cfg.CursorField, cursor)
	}
	return req
}

// applyStep merges a well-formed payload and, for non-terminal steps, surfaces
// the in-progress notice. It reports whether the step was terminal.
func (d *Driver) applyStep(r *run, p *ajax.Payload, dur time.Duration) bool {
	done := terminal(d.cfg.Shape, p)

	d.mu.Lock()
	dl := d.state.merge(p)
	snap := d.state.clone()
	d.mu.Unlock()

	d.emit(r, progress.Event{
		Stage:     progress.StageFlowStep,
		TS:        d.clock.Now(),
		Completed: dl.completed,
		Failed:    dl.failed,
		Total:     snap.Total,
		Remaining: snap.Remaining,
		Cursor:    snap.Cursor,
		Dur:       dur,
		Note:      strings.TrimSpace(p.Message),
	})
	d.logger.Debug("flow step",
		zap.String("run_id", snap.RunID),
		zap.Int64("completed", snap.Completed),
		zap.Int64("failed", snap.Failed),
		zap.Int64("remaining", snap.Remaining),
		zap.Int64("cursor", snap.Cursor),
		zap.Bool("done", done),
	)
	if done {
		return true
	}

	switch {
	case dl.errors:
		d.surface(r, LevelWarning, firstNonEmpty(strings.TrimSpace(p.Message), d.cfg.Messages.StepErrors), snap.Errors)
	case strings.TrimSpace(p.Message) != "":
		d.surface(r, LevelInfo, strings.TrimSpace(p.Message), nil)
	}
	return false
}

func (d *Driver) surface(r *run, level Level, msg string, errs []string) {
	n := Notice{
		Flow:    d.cfg.Kind,
		RunID:   r.id.String(),
		Level:   level,
		Message: msg,
		Errors:  append([]string(nil), errs...),
		At:      d.clock.Now(),
	}
	d.mu.Lock()
	if d.current == r {
		d.state.Notice = &n
	}
	d.mu.Unlock()
	d.notifier.Notify(n)
}

// finish performs the single running→stopped transition of r. Later calls
// for the same run are no-ops.
func (d *Driver) finish(r *run, phase Phase, level Level, msg string, cause error) State {
	now := d.clock.Now()
	n := Notice{
		Flow:    d.cfg.Kind,
		RunID:   r.id.String(),
		Level:   level,
		Message: msg,
		At:      now,
	}

	d.mu.Lock()
	if d.current != r || !d.state.Running {
		final := r.final
		d.mu.Unlock()
		return final
	}
	if len(d.state.Errors) > 0 {
		n.Errors = append([]string(nil), d.state.Errors...)
	}
	d.state.Running = false
	d.state.Phase = phase
	d.state.FinishedAt = now
	d.state.Notice = &n
	if cause != nil {
		d.state.LastError = cause.Error()
	}
	final := d.state.clone()
	r.final = final
	d.mu.Unlock()

	r.cancel()
	r.restoreOnce.Do(func() {
		for _, a := range r.affordances {
			a.Restore()
		}
	})
	d.notifier.Notify(n)

	stage := progress.StageFlowDone
	switch phase {
	case PhaseFailed:
		stage = progress.StageFlowError
	case PhaseCanceled:
		stage = progress.StageFlowCanceled
	}
	note := msg
	if cause != nil && phase == PhaseFailed {
		note = cause.Error()
	}
	d.emit(r, progress.Event{
		Stage:     stage,
		TS:        now,
		Total:     final.Total,
		Remaining: final.Remaining,
		Cursor:    final.Cursor,
		Dur:       now.Sub(final.StartedAt),
		Note:      note,
	})

	fields := []zap.Field{
		zap.String("run_id", final.RunID),
		zap.String("phase", string(phase)),
		zap.Int64("completed", final.Completed),
		zap.Int64("failed", final.Failed),
		zap.Int("steps", final.Steps),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	if phase == PhaseFailed {
		d.logger.Warn("flow failed", fields...)
	} else {
		d.logger.Info("flow finished", fields...)
	}
	return final
}

func (d *Driver) reload(r *run, final State) {
	if d.reloader == nil {
		return
	}
	wait, stop := d.clock.After(d.cfg.ReloadDelay)
	select {
	case <-wait:
		d.reloader.Reload(r.parent, final)
	case <-r.parent.Done():
		stop()
	}
}

func (d *Driver) emit(r *run, evt progress.Event) {
	evt.RunID = progress.UUIDToBytes(r.id)
	evt.Flow = string(d.cfg.Kind)
	evt.Action = r.action
	evt.Identifier = r.identifier
	if evt.TS.IsZero() {
		evt.TS = d.clock.Now()
	}
	if evt.Dur < 0 {
		evt.Dur = 0
	}
	d.emitter.Emit(evt)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
