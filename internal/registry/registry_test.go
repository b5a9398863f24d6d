package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/FocusDucker/internal/audio"
	"github.com/bryanchriswhite/FocusDucker/internal/audio/audiotest"
	"github.com/bryanchriswhite/FocusDucker/internal/pubsub"
)

const delta = 0.01

func newTestRegistry(t *testing.T, p *audiotest.Provider, policy Policy) *Registry {
	t.Helper()
	r := New(p, Options{Policy: policy, CreatedDelay: 50 * time.Millisecond})
	t.Cleanup(r.Close)
	return r
}

func mustBaseline(t *testing.T, r *Registry, pid int) float64 {
	t.Helper()
	b, ok := r.Baseline(pid)
	require.True(t, ok, "no baseline for pid %d", pid)
	return b
}

func TestReconcile_CapturesBaselineOnFirstObservation(t *testing.T) {
	p := audiotest.New()
	p.AddSession(100, "firefox", 0.73)
	r := newTestRegistry(t, p, DefaultPolicy())

	require.NoError(t, r.Reconcile(context.Background()))

	assert.InDelta(t, 0.73, mustBaseline(t, r, 100), 1e-9)
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.InDelta(t, 0.73, snap[0].Volume, 1e-9)
	assert.Equal(t, snap[0].Baseline, snap[0].Volume)
}

func TestScenario_ForegroundSwitch(t *testing.T) {
	ctx := context.Background()
	p := audiotest.New()
	p.AddSession(1, "p1", 1.0)
	p.AddSession(2, "p2", 0.8)
	r := newTestRegistry(t, p, Policy{BackgroundFactor: 0.5})

	require.NoError(t, r.Reconcile(ctx))
	require.NoError(t, r.SetForeground(ctx, 1))

	assert.InDelta(t, 1.0, p.Volume(1), delta)
	assert.InDelta(t, 0.4, p.Volume(2), delta)

	require.NoError(t, r.SetForeground(ctx, 2))

	assert.InDelta(t, 0.5, p.Volume(1), delta)
	assert.InDelta(t, 0.8, p.Volume(2), delta)
}

func TestScenario_UnsetForegroundDoesNotAttenuate(t *testing.T) {
	ctx := context.Background()
	p := audiotest.New()
	p.AddSession(1, "p1", 1.0)
	r := newTestRegistry(t, p, Policy{BackgroundFactor: 0.5})

	require.NoError(t, r.Reconcile(ctx))
	require.NoError(t, r.Rebalance(ctx))
	require.NoError(t, r.SetBackgroundFactor(ctx, 0.2))

	assert.Equal(t, NoForeground, r.Foreground())
	assert.InDelta(t, 1.0, p.Volume(1), delta)
	assert.Zero(t, p.SetCalls(1))

	// some other window takes focus: now p1 is background
	require.NoError(t, r.SetForeground(ctx, 999))
	assert.InDelta(t, 0.2, p.Volume(1), delta)
}

func TestRebalance_RoundTripRestoresBaseline(t *testing.T) {
	ctx := context.Background()
	p := audiotest.New()
	p.AddSession(1, "music", 0.65)
	p.AddSession(2, "browser", 0.9)
	r := newTestRegistry(t, p, Policy{BackgroundFactor: 0.3})

	require.NoError(t, r.Reconcile(ctx))
	require.NoError(t, r.SetForeground(ctx, 1))
	assert.InDelta(t, 0.65, p.Volume(1), delta)

	require.NoError(t, r.SetForeground(ctx, 2))
	assert.InDelta(t, 0.65*0.3, p.Volume(1), delta)

	require.NoError(t, r.SetForeground(ctx, 1))
	assert.InDelta(t, 0.65, p.Volume(1), delta)
	assert.InDelta(t, 0.9*0.3, p.Volume(2), delta)
}

func TestRebalance_BaselineInvariantUnderRepeatedPasses(t *testing.T) {
	ctx := context.Background()
	p := audiotest.New()
	p.AddSession(1, "a", 0.6)
	p.AddSession(2, "b", 0.9)
	r := newTestRegistry(t, p, Policy{BackgroundFactor: 0.5})
	require.NoError(t, r.Reconcile(ctx))

	for i := 0; i < 20; i++ {
		require.NoError(t, r.SetForeground(ctx, 1+i%2))
		require.NoError(t, r.SetBackgroundFactor(ctx, float64(i%5)/4))
		require.NoError(t, r.Rebalance(ctx))
		require.NoError(t, r.Reconcile(ctx))
	}

	assert.Equal(t, 0.6, mustBaseline(t, r, 1))
	assert.Equal(t, 0.9, mustBaseline(t, r, 2))
}

func TestSetBackgroundFactor(t *testing.T) {
	tests := []struct {
		name   string
		factor float64
		want   float64
	}{
		{"quarter", 0.25, 0.25},
		{"above one clamps", 1.7, 1.0},
		{"negative clamps", -0.3, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			p := audiotest.New()
			p.AddSession(1, "front", 1.0)
			p.AddSession(2, "back", 0.8)
			r := newTestRegistry(t, p, DefaultPolicy())
			require.NoError(t, r.Reconcile(ctx))
			require.NoError(t, r.SetForeground(ctx, 1))

			require.NoError(t, r.SetBackgroundFactor(ctx, tt.factor))

			assert.Equal(t, tt.want, r.Policy().BackgroundFactor)
			assert.InDelta(t, 0.8*tt.want, p.Volume(2), delta)
			assert.InDelta(t, 1.0, p.Volume(1), delta)
		})
	}
}

func TestReconcile_BaselineSurvivesRemoveAndReadd(t *testing.T) {
	ctx := context.Background()
	p := audiotest.New()
	p.AddSession(1, "front", 1.0)
	p.AddSession(2, "back", 0.8)
	r := newTestRegistry(t, p, Policy{BackgroundFactor: 0.5})
	require.NoError(t, r.Reconcile(ctx))
	require.NoError(t, r.SetForeground(ctx, 1))
	require.InDelta(t, 0.4, p.Volume(2), delta)

	// the stream stops; the provider keeps the attenuated level
	p.SetState(2, audio.StateInactive)
	require.NoError(t, r.Reconcile(ctx))
	require.Len(t, r.Snapshot(), 1)
	assert.Equal(t, 0.8, mustBaseline(t, r, 2))

	// it comes back still attenuated and is reported at 0.4
	p.SetState(2, audio.StateActive)
	require.NoError(t, r.Reconcile(ctx))
	assert.Equal(t, 0.8, mustBaseline(t, r, 2), "baseline must not be recaptured")

	require.NoError(t, r.SetForeground(ctx, 2))
	assert.InDelta(t, 0.8, p.Volume(2), delta)
}

func TestRebalance_ExcludedNeverAttenuated(t *testing.T) {
	ctx := context.Background()
	p := audiotest.New()
	p.AddSession(1, "editor", 1.0)
	p.AddSession(2, "Discord", 0.7)
	p.AddSession(3, "spotify", 0.9)
	r := newTestRegistry(t, p, Policy{BackgroundFactor: 0.1, Excluded: []string{"discord"}})
	require.NoError(t, r.Reconcile(ctx))

	for _, fg := range []int{1, 3, 2, 42} {
		require.NoError(t, r.SetForeground(ctx, fg))
		assert.InDelta(t, 0.7, p.Volume(2), delta, "foreground=%d", fg)
	}

	// live update: spotify joins the list
	require.NoError(t, r.SetForeground(ctx, 1))
	assert.InDelta(t, 0.09, p.Volume(3), delta)
	require.NoError(t, r.SetExcluded(ctx, []string{"Discord", "SPOTIFY"}))
	assert.InDelta(t, 0.9, p.Volume(3), delta)
	assert.Equal(t, []string{"discord", "spotify"}, r.Policy().Excluded)

	// and leaves again
	require.NoError(t, r.SetExcluded(ctx, nil))
	assert.InDelta(t, 0.09, p.Volume(3), delta)
	assert.InDelta(t, 0.07, p.Volume(2), delta)
}

func TestRebalance_EpsilonGuardSkipsTinyCorrections(t *testing.T) {
	ctx := context.Background()
	p := audiotest.New()
	p.AddSession(1, "front", 1.0)
	p.AddSession(2, "back", 0.8)
	r := newTestRegistry(t, p, Policy{BackgroundFactor: 0.5})
	require.NoError(t, r.Reconcile(ctx))
	require.NoError(t, r.SetForeground(ctx, 1))
	require.Equal(t, 1, p.SetCalls(2))
	require.Zero(t, p.SetCalls(1), "foreground already at baseline")

	require.NoError(t, r.SetBackgroundFactor(ctx, 0.505))
	assert.Equal(t, 1, p.SetCalls(2), "0.404 is within epsilon of 0.4")

	require.NoError(t, r.SetBackgroundFactor(ctx, 0.6))
	assert.Equal(t, 2, p.SetCalls(2))
	assert.InDelta(t, 0.48, p.Volume(2), delta)
}

func TestRebalance_StaleHandleRemovesSessionKeepsBaseline(t *testing.T) {
	ctx := context.Background()
	p := audiotest.New()
	p.AddSession(1, "front", 1.0)
	p.AddSession(2, "back", 0.8)
	r := newTestRegistry(t, p, Policy{BackgroundFactor: 0.5})
	require.NoError(t, r.Reconcile(ctx))

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := r.Events().Subscribe(subCtx)

	p.FailSet(2, errors.Join(errors.New("process exited"), audio.ErrStaleHandle))
	require.NoError(t, r.SetForeground(ctx, 1))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].PID)
	assert.Equal(t, 0.8, mustBaseline(t, r, 2))

	evt := nextEvent(t, events)
	assert.Equal(t, SessionRemoved, evt.Type)
	assert.Equal(t, 2, evt.Payload.PID)
}

func TestRebalance_TransientErrorIsRetried(t *testing.T) {
	ctx := context.Background()
	p := audiotest.New()
	p.AddSession(1, "front", 1.0)
	p.AddSession(2, "back", 0.8)
	r := newTestRegistry(t, p, Policy{BackgroundFactor: 0.5})
	require.NoError(t, r.Reconcile(ctx))

	p.FailSet(2, errors.New("connection refused"))
	require.NoError(t, r.SetForeground(ctx, 1))

	require.Len(t, r.Snapshot(), 2, "transient errors keep the session")
	assert.InDelta(t, 0.8, p.Volume(2), delta)

	p.FailSet(2, nil)
	require.NoError(t, r.Rebalance(ctx))
	assert.InDelta(t, 0.4, p.Volume(2), delta)
}

func TestReconcile_TransientReadErrorSkipsUntilNextPass(t *testing.T) {
	ctx := context.Background()
	p := audiotest.New()
	p.AddSession(1, "front", 0.5)
	p.FailGet(1, errors.New("busy"))
	r := newTestRegistry(t, p, DefaultPolicy())

	require.NoError(t, r.Reconcile(ctx))
	assert.Empty(t, r.Snapshot())
	_, ok := r.Baseline(1)
	assert.False(t, ok)

	p.FailGet(1, nil)
	require.NoError(t, r.Reconcile(ctx))
	assert.Len(t, r.Snapshot(), 1)
	assert.Equal(t, 0.5, mustBaseline(t, r, 1))
}

func TestReconcile_ListErrorLeavesStateAlone(t *testing.T) {
	ctx := context.Background()
	p := audiotest.New()
	p.AddSession(1, "front", 0.5)
	r := newTestRegistry(t, p, DefaultPolicy())
	require.NoError(t, r.Reconcile(ctx))

	p.FailList(errors.New("server gone"))
	require.Error(t, r.Reconcile(ctx))
	assert.Len(t, r.Snapshot(), 1)
}

func TestHandleProviderEvent_CreatedIsDeferred(t *testing.T) {
	p := audiotest.New()
	r := New(p, Options{Policy: DefaultPolicy(), CreatedDelay: 100 * time.Millisecond})
	t.Cleanup(r.Close)

	p.AddSession(7, "game", 0.9)
	r.HandleProviderEvent(audio.Event{Kind: audio.SessionCreated, PID: 7})
	assert.Empty(t, r.Snapshot(), "created sessions are reconciled after a delay")

	require.Eventually(t, func() bool { return len(r.Snapshot()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestHandleProviderEvent_DisconnectIsImmediate(t *testing.T) {
	ctx := context.Background()
	p := audiotest.New()
	p.AddSession(7, "game", 0.9)
	r := newTestRegistry(t, p, DefaultPolicy())
	require.NoError(t, r.Reconcile(ctx))

	p.RemoveSession(7)
	r.HandleProviderEvent(audio.Event{Kind: audio.SessionDisconnected, PID: 7})
	assert.Empty(t, r.Snapshot())

	p.AddSession(7, "game", 0.3)
	r.HandleProviderEvent(audio.Event{Kind: audio.SessionStateChanged, PID: 7})
	assert.Len(t, r.Snapshot(), 1)
	assert.Equal(t, 0.9, mustBaseline(t, r, 7))
}

func nextEvent(t *testing.T, ch <-chan pubsub.Event[Event]) pubsub.Event[Event] {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return evt
	case <-time.After(time.Second):
		require.FailNow(t, "timeout waiting for registry event")
	}
	return pubsub.Event[Event]{}
}

func TestEvents_AddVolumeRemove(t *testing.T) {
	ctx := context.Background()
	p := audiotest.New()
	p.AddSession(1, "front", 1.0)
	p.AddSession(2, "back", 0.8)
	r := newTestRegistry(t, p, Policy{BackgroundFactor: 0.5})

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := r.Events().Subscribe(subCtx)

	require.NoError(t, r.Reconcile(ctx))
	e1 := nextEvent(t, events)
	e2 := nextEvent(t, events)
	assert.Equal(t, SessionAdded, e1.Type)
	assert.Equal(t, 1, e1.Payload.PID)
	assert.Equal(t, SessionAdded, e2.Type)
	assert.Equal(t, 2, e2.Payload.PID)

	require.NoError(t, r.SetForeground(ctx, 1))
	e3 := nextEvent(t, events)
	assert.Equal(t, VolumeChanged, e3.Type)
	assert.Equal(t, 2, e3.Payload.PID)
	assert.InDelta(t, 0.4, e3.Payload.Volume, delta)

	p.RemoveSession(2)
	require.NoError(t, r.Reconcile(ctx))
	e4 := nextEvent(t, events)
	assert.Equal(t, SessionRemoved, e4.Type)
	assert.Equal(t, "back", e4.Payload.Session.DisplayName)
}

type refresherFunc func()

func (f refresherFunc) Refresh() { f() }

func TestReconcile_RefreshesForegroundWhenUnknown(t *testing.T) {
	ctx := context.Background()
	p := audiotest.New()
	r := newTestRegistry(t, p, DefaultPolicy())

	refreshed := make(chan struct{}, 4)
	r.SetRefresher(refresherFunc(func() { refreshed <- struct{}{} }))

	require.NoError(t, r.Reconcile(ctx))
	select {
	case <-refreshed:
		require.FailNow(t, "no sessions were added")
	case <-time.After(50 * time.Millisecond):
	}

	p.AddSession(1, "front", 1.0)
	require.NoError(t, r.Reconcile(ctx))
	select {
	case <-refreshed:
	case <-time.After(time.Second):
		require.FailNow(t, "refresher was not asked to re-read the foreground")
	}

	require.NoError(t, r.SetForeground(ctx, 1))
	p.AddSession(2, "back", 1.0)
	require.NoError(t, r.Reconcile(ctx))
	select {
	case <-refreshed:
		require.FailNow(t, "foreground is known, no refresh needed")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSnapshot_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	p := audiotest.New()
	p.AddSession(2, "back", 0.8)
	p.AddSession(1, "front", 1.0)
	r := newTestRegistry(t, p, Policy{BackgroundFactor: 0.5, Excluded: []string{"nothing"}})
	require.NoError(t, r.Reconcile(ctx))
	require.NoError(t, r.SetForeground(ctx, 1))

	want := []Session{
		{PID: 1, ProcessName: "front", DisplayName: "front", Volume: 1.0, Baseline: 1.0, Foreground: true},
		{PID: 2, ProcessName: "back", DisplayName: "back", Volume: 0.4, Baseline: 0.8},
	}
	snap := r.Snapshot()
	if diff := cmp.Diff(want, snap, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("unexpected snapshot (-want +got):\n%s", diff)
	}

	snap[0].Volume = 0
	snap[1].Baseline = 0
	again := r.Snapshot()
	assert.Equal(t, 1.0, again[0].Volume)
	assert.Equal(t, 0.8, again[1].Baseline)
}

func TestRegistry_ConcurrentOperations(t *testing.T) {
	ctx := context.Background()
	p := audiotest.New()
	for pid := 1; pid <= 5; pid++ {
		p.AddSession(pid, "app", 0.2*float64(pid))
	}
	r := newTestRegistry(t, p, Policy{BackgroundFactor: 0.5})
	require.NoError(t, r.Reconcile(ctx))

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				switch (g + i) % 4 {
				case 0:
					_ = r.SetForeground(ctx, 1+i%5)
				case 1:
					_ = r.Reconcile(ctx)
				case 2:
					_ = r.SetBackgroundFactor(ctx, float64(i%3)/2)
				case 3:
					_ = r.Snapshot()
				}
			}
		}(g)
	}
	wg.Wait()

	// settle on a known state and check the invariant
	require.NoError(t, r.SetBackgroundFactor(ctx, 0.5))
	require.NoError(t, r.SetForeground(ctx, 3))
	require.NoError(t, r.Rebalance(ctx))
	for pid := 1; pid <= 5; pid++ {
		baseline := mustBaseline(t, r, pid)
		assert.InDelta(t, 0.2*float64(pid), baseline, 1e-9)
		want := baseline * 0.5
		if pid == 3 {
			want = baseline
		}
		assert.InDelta(t, want, p.Volume(pid), delta, "pid %d", pid)
	}
}

func TestRestore_PutsBaselinesBack(t *testing.T) {
	ctx := context.Background()
	p := audiotest.New()
	p.AddSession(1, "p1", 0.9)
	p.AddSession(2, "p2", 0.6)
	r := newTestRegistry(t, p, Policy{BackgroundFactor: 0.25})

	require.NoError(t, r.Reconcile(ctx))
	require.NoError(t, r.SetForeground(ctx, 1))
	require.InDelta(t, 0.15, p.Volume(2), delta)

	require.NoError(t, r.Restore(ctx))
	assert.InDelta(t, 0.9, p.Volume(1), delta)
	assert.InDelta(t, 0.6, p.Volume(2), delta)

	r.Close()
	assert.ErrorIs(t, r.Restore(ctx), ErrClosed)
}

func TestRestore_CancelsDeferredReconcile(t *testing.T) {
	ctx := context.Background()
	p := audiotest.New()
	p.AddSession(1, "p1", 1.0)
	p.AddSession(2, "p2", 1.0)
	r := newTestRegistry(t, p, Policy{BackgroundFactor: 0.5})

	require.NoError(t, r.Reconcile(ctx))
	require.NoError(t, r.SetForeground(ctx, 1))
	require.InDelta(t, 0.5, p.Volume(2), delta)

	p.AddSession(3, "p3", 1.0)
	r.HandleProviderEvent(audio.Event{Kind: audio.SessionCreated, PID: 3})
	require.NoError(t, r.Restore(ctx))
	assert.InDelta(t, 1.0, p.Volume(2), delta)

	time.Sleep(120 * time.Millisecond)
	assert.InDelta(t, 1.0, p.Volume(2), delta, "nothing ducks after restore")
	assert.InDelta(t, 1.0, p.Volume(3), delta)

	assert.ErrorIs(t, r.Reconcile(ctx), ErrClosed)
	assert.ErrorIs(t, r.SetForeground(ctx, 2), ErrClosed)
	assert.ErrorIs(t, r.Rebalance(ctx), ErrClosed)
	assert.ErrorIs(t, r.Restore(ctx), ErrClosed)
	r.HandleProviderEvent(audio.Event{Kind: audio.SessionStateChanged})
	assert.InDelta(t, 1.0, p.Volume(2), delta)
}

func TestReconcile_NewStreamOfTrackedSessionIsRewritten(t *testing.T) {
	ctx := context.Background()
	p := audiotest.New()
	p.AddSession(1, "game", 1.0)
	p.AddSession(100, "music", 1.0)
	r := newTestRegistry(t, p, Policy{BackgroundFactor: 0.5})

	require.NoError(t, r.Reconcile(ctx))
	require.NoError(t, r.SetForeground(ctx, 1))
	require.InDelta(t, 0.5, p.Volume(100), delta)
	writes := p.SetCalls(100)

	// A second stream shows up at full volume while the session is ducked
	p.AddStream(100, 1.0)
	require.NoError(t, r.Reconcile(ctx))

	assert.InDelta(t, 0.5, p.Volume(100), delta)
	assert.Equal(t, writes+1, p.SetCalls(100))
	assert.InDelta(t, 1.0, mustBaseline(t, r, 100), 1e-9)

	// Unchanged streams do not cause extra writes
	require.NoError(t, r.Reconcile(ctx))
	assert.Equal(t, writes+1, p.SetCalls(100))
}

func TestRegistry_CloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := audiotest.New()
	r := New(p, Options{Policy: DefaultPolicy(), CreatedDelay: 50 * time.Millisecond})

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := r.Events().Subscribe(subCtx)

	p.AddSession(1, "late", 1.0)
	r.HandleProviderEvent(audio.Event{Kind: audio.SessionCreated, PID: 1})

	r.Close()
	r.Close()

	_, ok := <-events
	assert.False(t, ok, "broker closed")

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, r.Snapshot(), "pending reconcile was cancelled")

	assert.ErrorIs(t, r.Reconcile(ctx), ErrClosed)
	assert.ErrorIs(t, r.SetForeground(ctx, 1), ErrClosed)
	assert.ErrorIs(t, r.SetBackgroundFactor(ctx, 0.1), ErrClosed)
	assert.ErrorIs(t, r.SetExcluded(ctx, []string{"x"}), ErrClosed)
	assert.ErrorIs(t, r.Rebalance(ctx), ErrClosed)
	r.HandleProviderEvent(audio.Event{Kind: audio.SessionStateChanged})
}
