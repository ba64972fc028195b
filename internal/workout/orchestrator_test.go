package workout

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pacekit/interval-coach/internal/clock"
)

type fakeMusic struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeMusic) record(c string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeMusic) PlayHighIntensity() { f.record("high") }
func (f *fakeMusic) PlayRest()          { f.record("rest") }
func (f *fakeMusic) Pause()             { f.record("pause") }
func (f *fakeMusic) Resume()            { f.record("resume") }
func (f *fakeMusic) Stop()              { f.record("stop") }

func (f *fakeMusic) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var testPlan = Plan{TotalIntervals: 4, HighDuration: 240 * time.Second, RestDuration: 180 * time.Second}

func newSuspendedOrchestrator(t *testing.T) (*Orchestrator, *clock.MockClock, *fakeMusic) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC))
	music := &fakeMusic{}
	// No internal ticker: every tick comes from the test, which models a
	// suspended process relying on catch-up ticks.
	o := NewOrchestrator(clk, music, zap.NewNop(), WithoutScheduledTicker())
	return o, clk, music
}

func TestStartSetsFirstIntervalAndIssuesPlay(t *testing.T) {
	o, _, music := newSuspendedOrchestrator(t)
	require.NoError(t, o.Start(testPlan))

	state := o.State()
	assert.Equal(t, PhaseHigh, state.Phase)
	assert.Equal(t, 1, state.IntervalIndex)
	assert.Equal(t, 240*time.Second, state.Remaining)
	assert.Equal(t, "4:00", state.RemainingDisplay)
	assert.Equal(t, []string{"high"}, music.commands())
}

func TestStartRejectsInvalidPlan(t *testing.T) {
	o, _, _ := newSuspendedOrchestrator(t)
	assert.Error(t, o.Start(Plan{TotalIntervals: 0, HighDuration: time.Second, RestDuration: time.Second}))
	assert.Error(t, o.Start(Plan{TotalIntervals: 3, HighDuration: 0, RestDuration: time.Second}))
}

func TestReferenceScenario(t *testing.T) {
	o, clk, _ := newSuspendedOrchestrator(t)
	start := clk.Now()
	require.NoError(t, o.Start(testPlan))

	// tick at t+241s: one second past the high/rest boundary.
	clk.Set(start.Add(241 * time.Second))
	o.Tick()
	state := o.State()
	assert.Equal(t, PhaseRest, state.Phase)
	assert.Equal(t, 1, state.IntervalIndex)

	// tick at t+421s: past the rest boundary (180s after the late reset).
	clk.Set(start.Add(421 * time.Second))
	o.Tick()
	state = o.State()
	assert.Equal(t, PhaseHigh, state.Phase)
	assert.Equal(t, 2, state.IntervalIndex)
}

func TestTickGranularityDoesNotChangePhaseSequence(t *testing.T) {
	run := func(step time.Duration) []Phase {
		o, clk, _ := newSuspendedOrchestrator(t)
		require.NoError(t, o.Start(testPlan))

		seq := []Phase{o.State().Phase}
		for o.State().Phase != PhaseCompleted {
			clk.Advance(step)
			o.Tick()
			if s := o.State().Phase; s != seq[len(seq)-1] {
				seq = append(seq, s)
			}
		}
		return seq
	}

	want := []Phase{
		PhaseHigh, PhaseRest, PhaseHigh, PhaseRest,
		PhaseHigh, PhaseRest, PhaseHigh, PhaseRest, PhaseCompleted,
	}
	assert.Equal(t, want, run(100*time.Millisecond))
	assert.Equal(t, want, run(10*time.Second))
}

func TestCommandIssuedOncePerBoundaryDespiteChattyTicks(t *testing.T) {
	o, clk, music := newSuspendedOrchestrator(t)
	require.NoError(t, o.Start(testPlan))

	clk.Advance(240 * time.Second)
	for i := 0; i < 50; i++ {
		o.Tick()
	}

	assert.Equal(t, []string{"high", "rest"}, music.commands())
}

func TestPauseResumePreservesRemaining(t *testing.T) {
	o, clk, music := newSuspendedOrchestrator(t)
	require.NoError(t, o.Start(testPlan))

	clk.Advance(100 * time.Second)
	o.Tick()
	o.Pause()
	require.Equal(t, 140*time.Second, o.State().Remaining)

	// Time passing while paused is not charged to the phase.
	clk.Advance(10 * time.Minute)
	o.Tick()
	assert.Equal(t, 140*time.Second, o.State().Remaining)
	assert.Equal(t, PhaseHigh, o.State().Phase)

	o.Resume()
	assert.Equal(t, 140*time.Second, o.State().Remaining)

	clk.Advance(140 * time.Second)
	o.Tick()
	assert.Equal(t, PhaseRest, o.State().Phase)
	assert.Equal(t, []string{"high", "pause", "resume", "rest"}, music.commands())
}

func TestCompletionIssuesStop(t *testing.T) {
	o, clk, music := newSuspendedOrchestrator(t)
	require.NoError(t, o.Start(Plan{TotalIntervals: 2, HighDuration: 10 * time.Second, RestDuration: 5 * time.Second}))

	for i := 0; i < 8; i++ {
		clk.Advance(10 * time.Second)
		o.Tick()
	}

	state := o.State()
	assert.Equal(t, PhaseCompleted, state.Phase)
	cmds := music.commands()
	assert.Equal(t, "stop", cmds[len(cmds)-1])
	assert.False(t, o.Active())
}

func TestOvershootIsDiscardedNotCarriedForward(t *testing.T) {
	o, clk, _ := newSuspendedOrchestrator(t)
	require.NoError(t, o.Start(testPlan))

	// Wake up 30s past the boundary; the rest phase still gets its full
	// budget measured from the wake-up tick.
	clk.Advance(270 * time.Second)
	o.Tick()
	state := o.State()
	require.Equal(t, PhaseRest, state.Phase)
	assert.Equal(t, 180*time.Second, state.Remaining)
}

func TestStopDestroysSessionAndGuardsLateTicks(t *testing.T) {
	o, clk, music := newSuspendedOrchestrator(t)
	require.NoError(t, o.Start(testPlan))

	o.Stop()
	assert.Equal(t, PhaseNotStarted, o.State().Phase)
	assert.Equal(t, []string{"high", "stop"}, music.commands())

	// Ticks from the dead session change nothing.
	clk.Advance(time.Hour)
	o.Tick()
	assert.Equal(t, PhaseNotStarted, o.State().Phase)
	assert.Equal(t, []string{"high", "stop"}, music.commands())
}

func TestScheduledTickerAdvancesWithoutExternalEvents(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC))
	music := &fakeMusic{}
	o := NewOrchestrator(clk, music, zap.NewNop())
	require.NoError(t, o.Start(Plan{TotalIntervals: 1, HighDuration: 4 * time.Second, RestDuration: 3 * time.Second}))

	// No Tick calls at all: the internal timer drives the whole session.
	clk.Advance(8 * time.Second)

	assert.Equal(t, PhaseCompleted, o.State().Phase)
	assert.Equal(t, []string{"high", "rest", "stop"}, music.commands())
	o.Stop()
}

func TestScheduledTickerStopsWithSession(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC))
	music := &fakeMusic{}
	o := NewOrchestrator(clk, music, zap.NewNop())
	require.NoError(t, o.Start(testPlan))

	o.Stop()
	before := len(music.commands())
	clk.Advance(time.Hour)
	assert.Len(t, music.commands(), before)
}

func TestStatePublishedToListeners(t *testing.T) {
	o, clk, _ := newSuspendedOrchestrator(t)

	ch := make(chan SessionState, 64)
	o.ListenState(ch)

	require.NoError(t, o.Start(testPlan))
	clk.Advance(240 * time.Second)
	o.Tick()

	var last SessionState
	for {
		select {
		case s := <-ch:
			last = s
			continue
		default:
		}
		break
	}
	assert.Equal(t, PhaseRest, last.Phase)
	assert.Equal(t, "3:00", last.RemainingDisplay)
}
