package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-sync/internal/ajax"
	"github.com/JakeFAU/catalog-sync/internal/progress"
)

func TestPagedFlowProgressThenCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pagedConfig(), false,
		ok(ajax.Payload{Total: cnt(10), Synced: cnt(4), NextOffset: cnt(4), Done: false}),
		ok(ajax.Payload{Synced: cnt(6), Done: true, Message: "finished"}),
	)
	button := &countingAffordance{}

	require.NoError(t, f.driver.Start(context.Background(), "7", WithAffordance(button)))

	next := f.clock.scheduled(t)
	mid := f.driver.Snapshot()
	require.True(t, mid.Running)
	require.Equal(t, PhaseRunning, mid.Phase)
	require.Equal(t, int64(4), mid.Completed)
	require.Equal(t, int64(6), mid.Remaining)
	require.Equal(t, int64(4), mid.Cursor)
	require.Equal(t, []time.Duration{500 * time.Millisecond}, f.clock.Delays())

	f.clock.fire(next)
	final := f.wait(t)

	require.False(t, final.Running)
	require.Equal(t, PhaseSucceeded, final.Phase)
	require.Equal(t, int64(10), final.Completed)
	require.Equal(t, 2, final.Steps)
	require.NotNil(t, final.Notice)
	require.Equal(t, LevelSuccess, final.Notice.Level)
	require.Equal(t, "finished", final.Notice.Message)

	reqs := f.poster.Requests()
	require.Len(t, reqs, 2)
	require.Equal(t, "catalog_sync_manual_batch", reqs[0].Action)
	require.Equal(t, "7", reqs[0].Fields.Get("connection_id"))
	require.Equal(t, "0", reqs[0].Fields.Get("offset"))
	require.Equal(t, "4", reqs[1].Fields.Get("offset"))

	require.Len(t, f.clock.Delays(), 1, "no step may be scheduled after completion")
	busy, restored := button.Counts()
	require.Equal(t, 1, busy)
	require.Equal(t, 1, restored)
	require.Equal(t, []progress.Stage{
		progress.StageFlowStart,
		progress.StageFlowStep,
		progress.StageFlowStep,
		progress.StageFlowDone,
	}, f.events.Stages())
}

func TestPagedFlowRejectedResponse(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pagedConfig(), true, rejected("remote unreachable"))
	button := &countingAffordance{}

	require.NoError(t, f.driver.Start(context.Background(), "7", WithAffordance(button)))
	final := f.wait(t)

	require.False(t, final.Running)
	require.Equal(t, PhaseFailed, final.Phase)
	last, found := f.notices.Last()
	require.True(t, found)
	require.Equal(t, LevelError, last.Level)
	require.Equal(t, "remote unreachable", last.Message)
	_, restored := button.Counts()
	require.Equal(t, 1, restored)
	require.Len(t, f.poster.Requests(), 1)
	require.Equal(t, progress.StageFlowError, f.events.Stages()[len(f.events.Stages())-1])
}

func TestMalformedResponsesUseFallback(t *testing.T) {
	t.Parallel()

	cases := map[string]response{
		"success without data":  {env: ajax.Envelope{Success: true}},
		"failure without data":  {env: ajax.Envelope{Success: false}},
		"failure blank message": rejected("   "),
	}
	for name, resp := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, pagedConfig(), true, resp)
			require.NoError(t, f.driver.Start(context.Background(), "7"))
			final := f.wait(t)
			require.Equal(t, PhaseFailed, final.Phase)
			require.Equal(t, DefaultMessages().Rejected, final.Notice.Message)
		})
	}
}

func TestTransportFailureIsTerminal(t *testing.T) {
	t.Parallel()

	netErr := &ajax.TransportError{Action: "x", Err: errors.New("connection refused")}
	f := newFixture(t, pagedConfig(), true,
		ok(ajax.Payload{Total: cnt(10), Synced: cnt(2), NextOffset: cnt(2)}),
		response{err: netErr},
	)
	button := &countingAffordance{}

	require.NoError(t, f.driver.Start(context.Background(), "7", WithAffordance(button)))
	final := f.wait(t)

	require.Equal(t, PhaseFailed, final.Phase)
	require.False(t, final.Running)
	require.Equal(t, DefaultMessages().RequestFailed, final.Notice.Message)
	require.Equal(t, LevelError, final.Notice.Level)
	require.Contains(t, final.LastError, "connection refused")
	require.Equal(t, int64(2), final.Completed, "progress made before the failure is kept")
	_, restored := button.Counts()
	require.Equal(t, 1, restored)
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pagedConfig(), true, response{block: true})
	button := &countingAffordance{}

	require.NoError(t, f.driver.Start(context.Background(), "7", WithAffordance(button)))
	require.Eventually(t, func() bool { return len(f.poster.Requests()) == 1 }, time.Second, 5*time.Millisecond)

	second := &countingAffordance{}
	err := f.driver.Start(context.Background(), "8", WithAffordance(second))
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.Len(t, f.poster.Requests(), 1)
	require.Equal(t, "7", f.driver.Snapshot().Identifier)
	busy, _ := second.Counts()
	require.Zero(t, busy)

	require.True(t, f.driver.Cancel())
	final := f.wait(t)
	require.Equal(t, PhaseCanceled, final.Phase)
	require.Equal(t, LevelWarning, final.Notice.Level)
	_, restored := button.Counts()
	require.Equal(t, 1, restored)
	require.False(t, f.driver.Cancel(), "nothing left to cancel")
}

func TestMissingSelection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pagedConfig(), true)

	err := f.driver.Start(context.Background(), "   ")
	require.ErrorIs(t, err, ErrMissingSelection)
	require.False(t, f.driver.Running())
	require.Empty(t, f.poster.Requests())
	require.Empty(t, f.events.Stages())

	last, found := f.notices.Last()
	require.True(t, found)
	require.Equal(t, LevelWarning, last.Level)
	require.Equal(t, DefaultMessages().MissingSelection, last.Message)
	require.Equal(t, PhaseIdle, f.driver.Snapshot().Phase)
}

func TestPollFlowInProgressThenDone(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pollConfig(), false,
		ok(ajax.Payload{Status: "in_progress", Message: "50%"}),
		ok(ajax.Payload{Status: "done", Message: "cache rebuilt"}),
	)

	require.NoError(t, f.driver.Start(context.Background(), "3", UseAction("refresh")))

	next := f.clock.scheduled(t)
	info, found := f.notices.Last()
	require.True(t, found)
	require.Equal(t, LevelInfo, info.Level)
	require.Equal(t, "50%", info.Message)
	require.Equal(t, "in_progress", f.driver.Snapshot().Status)
	f.clock.fire(next)

	reload := f.clock.scheduled(t)
	success, _ := f.notices.Last()
	require.Equal(t, LevelSuccess, success.Level)
	require.Equal(t, "cache rebuilt", success.Message)
	require.False(t, f.driver.Running())
	select {
	case <-f.reloads:
		t.Fatal("reload must wait for its delay")
	default:
	}
	f.clock.fire(reload)

	select {
	case final := <-f.reloads:
		require.Equal(t, PhaseSucceeded, final.Phase)
		require.Equal(t, "done", final.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("reload hook never ran")
	}
	f.wait(t)

	require.Equal(t, []time.Duration{800 * time.Millisecond, 1500 * time.Millisecond}, f.clock.Delays())
	reqs := f.poster.Requests()
	require.Len(t, reqs, 2)
	require.Equal(t, "catalog_sync_refresh_cache", reqs[0].Action)
	require.Equal(t, "3", reqs[0].Fields.Get("connection_id"))
	require.Empty(t, reqs[0].Fields.Get("offset"), "poll flows carry no cursor")
}

func TestPollFlowClearAction(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pollConfig(), true, ok(ajax.Payload{Status: "done"}))
	require.NoError(t, f.driver.Start(context.Background(), "3", UseAction("clear")))
	final := f.wait(t)

	require.Equal(t, "catalog_sync_clear_cache", final.Action)
	require.Equal(t, DefaultMessages().Completed, final.Notice.Message)
	require.Equal(t, "catalog_sync_clear_cache", f.poster.Requests()[0].Action)
}

func TestPollFlowAnyOtherStatusContinues(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pollConfig(), true,
		ok(ajax.Payload{Status: "queued"}),
		ok(ajax.Payload{}),
		ok(ajax.Payload{Status: "in_progress", Done: true}),
		ok(ajax.Payload{Status: "DONE"}),
		ok(ajax.Payload{Status: " done "}),
		ok(ajax.Payload{Status: "done"}),
	)
	require.NoError(t, f.driver.Start(context.Background(), "3", UseAction("refresh")))
	final := f.wait(t)

	require.Equal(t, PhaseSucceeded, final.Phase)
	require.Len(t, f.poster.Requests(), 6, "only an exact done status ends a poll flow")
}

func TestUnknownActionKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pollConfig(), true)
	err := f.driver.Start(context.Background(), "3", UseAction("purge"))
	require.ErrorIs(t, err, ErrUnknownAction)
	err = f.driver.Start(context.Background(), "3")
	require.ErrorIs(t, err, ErrUnknownAction)
	require.Empty(t, f.poster.Requests())
}

func TestStepErrorsReplaceList(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pagedConfig(), true,
		ok(ajax.Payload{Total: cnt(3), Synced: cnt(1), Failed: cnt(1), Errors: []string{"a", "b"}, NextOffset: cnt(2)}),
		ok(ajax.Payload{Failed: cnt(1), Errors: []string{"c"}, NextOffset: cnt(3)}),
		ok(ajax.Payload{Done: true}),
	)
	require.NoError(t, f.driver.Start(context.Background(), "7"))
	final := f.wait(t)

	require.Equal(t, PhaseSucceeded, final.Phase)
	require.Equal(t, []string{"c"}, final.Errors)
	require.Equal(t, int64(1), final.Completed)
	require.Equal(t, int64(2), final.Failed)
	require.Equal(t, int64(0), final.Remaining)

	var warnings []Notice
	for _, n := range f.notices.Notices() {
		if n.Level == LevelWarning {
			warnings = append(warnings, n)
		}
	}
	require.Len(t, warnings, 2)
	require.Equal(t, []string{"a", "b"}, warnings[0].Errors)
	require.Equal(t, []string{"c"}, warnings[1].Errors)
	require.Equal(t, []string{"c"}, final.Notice.Errors)
}

func TestCancelWhileWaiting(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pagedConfig(), false,
		ok(ajax.Payload{Total: cnt(10), Synced: cnt(1), NextOffset: cnt(1)}),
	)
	require.NoError(t, f.driver.Start(context.Background(), "7"))
	f.clock.scheduled(t)

	require.True(t, f.driver.Cancel())
	final := f.wait(t)
	require.Equal(t, PhaseCanceled, final.Phase)
	require.Len(t, f.poster.Requests(), 1)
	require.Equal(t, progress.StageFlowCanceled, f.events.Stages()[len(f.events.Stages())-1])
}

func TestParentContextCancelsRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pagedConfig(), true, response{block: true})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.driver.Start(ctx, "7"))
	cancel()

	final := f.wait(t)
	require.Equal(t, PhaseCanceled, final.Phase)
	require.False(t, final.Running)
}

func TestRestartResetsState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pagedConfig(), true,
		ok(ajax.Payload{Total: cnt(5), Synced: cnt(5), NextOffset: cnt(5), Done: true}),
		ok(ajax.Payload{Total: cnt(2), Synced: cnt(1), Done: true}),
	)
	require.NoError(t, f.driver.Start(context.Background(), "7"))
	first := f.wait(t)
	require.NoError(t, f.driver.Start(context.Background(), "9"))
	second := f.wait(t)

	require.NotEqual(t, first.RunID, second.RunID)
	require.Equal(t, int64(5), first.Completed)
	require.Equal(t, int64(1), second.Completed)
	require.Equal(t, int64(0), second.Cursor)
	require.Equal(t, "0", f.poster.Requests()[1].Fields.Get("offset"))
}

func TestRunningFlagFlipsExactlyOnce(t *testing.T) {
	t.Parallel()

	scripts := map[string][]response{
		"success":   {ok(ajax.Payload{Done: true})},
		"rejected":  {rejected("no")},
		"transport": {{err: errors.New("boom")}},
	}
	for name, script := range scripts {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, pagedConfig(), true, script...)
			button := &countingAffordance{}
			require.NoError(t, f.driver.Start(context.Background(), "7", WithAffordance(button)))
			f.wait(t)
			f.driver.Cancel()

			terminal := 0
			for _, evt := range f.events.Events() {
				if evt.Stage.Terminal() {
					terminal++
				}
			}
			require.Equal(t, 1, terminal)
			busy, restored := button.Counts()
			require.Equal(t, 1, busy)
			require.Equal(t, 1, restored)
		})
	}
}

func TestWaitWithoutRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, pagedConfig(), true)
	st, err := f.driver.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, PhaseIdle, st.Phase)
	require.Equal(t, KindManualSync, f.driver.Kind())
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(pagedConfig(), nil)
	require.Error(t, err)
	_, err = New(Config{Action: "x"}, newPoster())
	require.Error(t, err)
	_, err = New(Config{Kind: KindManualSync}, newPoster())
	require.Error(t, err)
}
