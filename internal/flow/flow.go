// Package flow implements the batch progress driver: it posts one step of a
// flow to the admin endpoint, folds the reported progress into an explicit
// State, and either stops on a terminal condition or schedules the next step
// after a fixed delay. At most one step of a flow is ever in flight.
//
// Two response shapes are supported. Paged flows send a cursor and stop when
// the server answers done=true. Poll flows send no cursor and stop when the
// server answers status="done", after which an optional Reloader runs.
package flow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/catalog-sync/internal/ajax"
)

// Kind names a flow instance.
type Kind string

// Flow kinds wired by the application.
const (
	KindManualSync   Kind = "manual-sync"
	KindCacheRefresh Kind = "cache-refresh"
	KindCache        Kind = "cache"
)

// Shape selects the payload interpretation and terminal predicate.
type Shape int

// Supported shapes.
const (
	ShapePaged Shape = iota
	ShapePoll
)

func (s Shape) String() string {
	if s == ShapePoll {
		return "poll"
	}
	return "paged"
}

// Phase is the lifecycle position of the current (or last) run.
type Phase string

// Run phases. Idle → Running → Succeeded | Failed | Canceled.
const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseCanceled  Phase = "canceled"
)

// StatusDone is the poll status that ends a poll flow successfully.
const StatusDone = "done"

// Sentinel errors returned by Start.
var (
	ErrAlreadyRunning   = errors.New("flow already running")
	ErrMissingSelection = errors.New("missing selection")
	ErrUnknownAction    = errors.New("unknown flow action")
)

// Poster sends one request to the admin endpoint. *ajax.Client satisfies it.
type Poster interface {
	Post(ctx context.Context, req ajax.Request) (ajax.Envelope, error)
}

// Clock abstracts time so step scheduling can be driven by tests.
type Clock interface {
	Now() time.Time
	// After returns a channel that fires once d elapses and a stop function.
	After(d time.Duration) (<-chan time.Time, func())
}

// RunIDGenerator issues run identifiers.
type RunIDGenerator interface {
	NewRunID() (uuid.UUID, error)
}

// Affordance is the control that triggered a run: it is marked busy when the
// run starts and restored exactly once when the run ends, whatever the reason.
type Affordance interface {
	Busy()
	Restore()
}

// AffordanceFuncs adapts plain functions to Affordance. Nil fields are skipped.
type AffordanceFuncs struct {
	OnBusy    func()
	OnRestore func()
}

// Busy implements Affordance.
func (a AffordanceFuncs) Busy() {
	if a.OnBusy != nil {
		a.OnBusy()
	}
}

// Restore implements Affordance.
func (a AffordanceFuncs) Restore() {
	if a.OnRestore != nil {
		a.OnRestore()
	}
}

// Reloader runs after a poll flow reports done, standing in for the page
// reload that makes server-side changes visible.
type Reloader interface {
	Reload(ctx context.Context, final State)
}

// ReloaderFunc adapts a function to Reloader.
type ReloaderFunc func(ctx context.Context, final State)

// Reload implements Reloader.
func (f ReloaderFunc) Reload(ctx context.Context, final State) {
	f(ctx, final)
}

// Messages are the fallback texts used when the server supplies none.
type Messages struct {
	MissingSelection string
	RequestFailed    string
	Rejected         string
	Completed        string
	StepErrors       string
	Canceled         string
}

// DefaultMessages returns the stock fallback texts.
func DefaultMessages() Messages {
	return Messages{
		MissingSelection: "Please select a connection first.",
		RequestFailed:    "Request failed. Please try again.",
		Rejected:         "The request could not be completed.",
		Completed:        "Completed.",
		StepErrors:       "Some items could not be processed.",
		Canceled:         "Canceled.",
	}
}

func (m Messages) withDefaults() Messages {
	d := DefaultMessages()
	if m.MissingSelection == "" {
		m.MissingSelection = d.MissingSelection
	}
	if m.RequestFailed == "" {
		m.RequestFailed = d.RequestFailed
	}
	if m.Rejected == "" {
		m.Rejected = d.Rejected
	}
	if m.Completed == "" {
		m.Completed = d.Completed
	}
	if m.StepErrors == "" {
		m.StepErrors = d.StepErrors
	}
	if m.Canceled == "" {
		m.Canceled = d.Canceled
	}
	return m
}
