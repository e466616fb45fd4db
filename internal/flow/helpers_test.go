package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/JakeFAU/catalog-sync/internal/ajax"
	"github.com/JakeFAU/catalog-sync/internal/progress"
)

// fakeClock hands every scheduled delay to the test, which fires it
// explicitly. In auto mode delays fire immediately.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	delays  []time.Duration
	pending chan chan time.Time
	auto    bool
}

func newFakeClock(auto bool) *fakeClock {
	return &fakeClock{
		now:     time.Unix(1700000000, 0).UTC(),
		pending: make(chan chan time.Time, 16),
		auto:    auto,
	}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) After(d time.Duration) (<-chan time.Time, func()) {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	if c.auto {
		ch <- c.Now()
		return ch, func() {}
	}
	c.pending <- ch
	return ch, func() {}
}

func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

// scheduled blocks until the driver schedules its next delay.
func (c *fakeClock) scheduled(t *testing.T) chan time.Time {
	t.Helper()
	select {
	case ch := <-c.pending:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("driver never scheduled a delay")
		return nil
	}
}

func (c *fakeClock) fire(ch chan time.Time) {
	ch <- c.Now()
}

type response struct {
	env   ajax.Envelope
	err   error
	block bool
}

// scriptedPoster answers requests from a fixed script.
type scriptedPoster struct {
	mu        sync.Mutex
	responses []response
	requests  []ajax.Request
}

func newPoster(responses ...response) *scriptedPoster {
	return &scriptedPoster{responses: responses}
}

func (p *scriptedPoster) Post(ctx context.Context, req ajax.Request) (ajax.Envelope, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	idx := len(p.requests) - 1
	p.mu.Unlock()
	if idx >= len(p.responses) {
		return ajax.Envelope{}, errors.New("unexpected request")
	}
	resp := p.responses[idx]
	if resp.block {
		<-ctx.Done()
		return ajax.Envelope{}, ctx.Err()
	}
	return resp.env, resp.err
}

func (p *scriptedPoster) Requests() []ajax.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ajax.Request(nil), p.requests...)
}

func ok(p ajax.Payload) response {
	return response{env: ajax.Envelope{Success: true, Data: &p}}
}

func rejected(message string) response {
	return response{env: ajax.Envelope{Success: false, Data: &ajax.Payload{Message: message}}}
}

func cnt(n int64) *ajax.Count {
	c := ajax.Count(n)
	return &c
}

type eventRecorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *eventRecorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) Stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

func (r *eventRecorder) Events() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

// countingAffordance tracks Busy/Restore calls.
type countingAffordance struct {
	mu       sync.Mutex
	busy     int
	restored int
}

func (a *countingAffordance) Busy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.busy++
}

func (a *countingAffordance) Restore() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.restored++
}

func (a *countingAffordance) Counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy, a.restored
}

type fixture struct {
	driver  *Driver
	poster  *scriptedPoster
	clock   *fakeClock
	notices *Recorder
	events  *eventRecorder
	reloads chan State
}

func newFixture(t *testing.T, cfg Config, auto bool, responses ...response) *fixture {
	t.Helper()
	f := &fixture{
		poster:  newPoster(responses...),
		clock:   newFakeClock(auto),
		notices: NewRecorder(0),
		events:  &eventRecorder{},
		reloads: make(chan State, 1),
	}
	d, err := New(cfg, f.poster,
		WithClock(f.clock),
		WithNotifier(f.notices),
		WithEmitter(f.events),
		WithReloader(ReloaderFunc(func(_ context.Context, final State) {
			f.reloads <- final
		})),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.driver = d
	return f
}

func (f *fixture) wait(t *testing.T) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := f.driver.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return st
}

func pagedConfig() Config {
	return Config{
		Kind:     KindManualSync,
		Shape:    ShapePaged,
		Action:   "catalog_sync_manual_batch",
		Interval: 500 * time.Millisecond,
	}
}

func pollConfig() Config {
	return Config{
		Kind:  KindCache,
		Shape: ShapePoll,
		Actions: map[string]string{
			"refresh": "catalog_sync_refresh_cache",
			"clear":   "catalog_sync_clear_cache",
		},
		Interval:    800 * time.Millisecond,
		ReloadDelay: 1500 * time.Millisecond,
	}
}
