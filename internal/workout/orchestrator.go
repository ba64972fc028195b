// Package workout drives the structured interval session: a wall-clock phase
// state machine that alternates high-intensity and rest phases and keeps the
// music collaborator in step with the current phase.
package workout

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pacekit/interval-coach/internal/clock"
	"github.com/pacekit/interval-coach/internal/events"
	"github.com/pacekit/interval-coach/internal/faults"
)

// Phase is the session's position in the workout protocol.
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseHigh
	PhaseRest
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not started"
	case PhaseHigh:
		return "high"
	case PhaseRest:
		return "rest"
	case PhaseCompleted:
		return "completed"
	}
	return "unknown"
}

// Plan describes one structured workout: TotalIntervals pairs of
// (high, rest) phases.
type Plan struct {
	TotalIntervals int
	HighDuration   time.Duration
	RestDuration   time.Duration
}

// Validate reports a ConfigurationError when the plan cannot run.
func (p Plan) Validate() error {
	if p.TotalIntervals < 1 {
		return &faults.ConfigurationError{Field: "totalIntervals", Reason: "must be at least 1"}
	}
	if p.HighDuration <= 0 {
		return &faults.ConfigurationError{Field: "highDuration", Reason: "must be positive"}
	}
	if p.RestDuration <= 0 {
		return &faults.ConfigurationError{Field: "restDuration", Reason: "must be positive"}
	}
	return nil
}

// MusicControl is the playback capability surface the orchestrator drives.
// Calls must not block: the implementation issues commands fire-and-forget
// and reports outcomes through its own recovery path.
type MusicControl interface {
	PlayHighIntensity()
	PlayRest()
	Pause()
	Resume()
	Stop()
}

// SessionState is the read-only view published to the UI collaborator.
type SessionState struct {
	Phase            Phase
	IntervalIndex    int
	TotalIntervals   int
	Remaining        time.Duration
	RemainingDisplay string
	Paused           bool
}

// tickInterval is the scheduled cadence. Ticks also arrive opportunistically
// from live events (heart-rate samples) so a suspended timer does not stall
// phase advancement for longer than the gap between events.
const tickInterval = time.Second

type commandKey struct {
	interval int
	phase    Phase
}

// Orchestrator owns the interval session state. All mutation is serialized
// through one mutex; external calls (music commands, state publication)
// happen after the lock is released, mirroring the decide-under-lock,
// act-outside-lock split.
type Orchestrator struct {
	clk    clock.Clock
	music  MusicControl
	logger *zap.Logger

	stateEvent *events.ChannelEvent[SessionState]

	mu             sync.Mutex
	plan           Plan
	phase          Phase
	intervalIndex  int
	phaseStart     time.Time
	paused         bool
	pausedAt       time.Time
	generation     uint64
	lastCommand    commandKey
	tickTimer      clock.Timer
	tickerDisabled bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithoutScheduledTicker disables the internal periodic timer. Phase
// advancement then depends entirely on externally delivered Tick calls,
// which models a suspended process whose timers do not fire.
func WithoutScheduledTicker() Option {
	return func(o *Orchestrator) { o.tickerDisabled = true }
}

// NewOrchestrator creates an Orchestrator issuing playback commands to music.
func NewOrchestrator(clk clock.Clock, music MusicControl, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		clk:        clk,
		music:      music,
		logger:     logger.Named("workout"),
		stateEvent: events.NewChannelEvent[SessionState](true),
		phase:      PhaseNotStarted,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ListenState registers ch to receive session state updates. The last state
// is replayed to late subscribers.
func (o *Orchestrator) ListenState(ch chan<- SessionState) func() {
	return o.stateEvent.Listen(ch)
}

// State returns the current session state.
func (o *Orchestrator) State() SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stateLocked(o.clk.Now())
}

// Start begins a new session at interval 1, high phase, and issues the first
// playback command. An already-running session must be stopped first.
func (o *Orchestrator) Start(plan Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	if o.phase == PhaseHigh || o.phase == PhaseRest {
		o.mu.Unlock()
		return &faults.ConfigurationError{Field: "session", Reason: "already running"}
	}
	now := o.clk.Now()
	o.plan = plan
	o.phase = PhaseHigh
	o.intervalIndex = 1
	o.phaseStart = now
	o.paused = false
	o.generation++
	o.lastCommand = commandKey{}
	cmd := o.commandForPhaseLocked()
	o.scheduleTickLocked()
	state := o.stateLocked(now)
	o.mu.Unlock()

	o.logger.Info("session started",
		zap.Int("totalIntervals", plan.TotalIntervals),
		zap.Duration("high", plan.HighDuration),
		zap.Duration("rest", plan.RestDuration))
	o.dispatch(cmd)
	o.stateEvent.Notify(state)
	return nil
}

// Tick re-evaluates the phase clock against now. It is idempotent and safe
// to call from any live event source, not only the scheduled timer; a tick
// that lands past a phase boundary advances the session.
func (o *Orchestrator) Tick() {
	o.tickAt(o.clk.Now())
}

// Pause freezes the phase clock. The remaining time is preserved by shifting
// phaseStart forward on resume rather than restarting the phase.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	if !o.activeLocked() || o.paused {
		o.mu.Unlock()
		return
	}
	o.paused = true
	o.pausedAt = o.clk.Now()
	o.stopTickLocked()
	state := o.stateLocked(o.pausedAt)
	o.mu.Unlock()

	o.logger.Info("session paused")
	o.music.Pause()
	o.stateEvent.Notify(state)
}

// Resume unfreezes the phase clock, crediting the paused duration back to
// the current phase.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	if !o.activeLocked() || !o.paused {
		o.mu.Unlock()
		return
	}
	now := o.clk.Now()
	o.phaseStart = o.phaseStart.Add(now.Sub(o.pausedAt))
	o.paused = false
	o.scheduleTickLocked()
	state := o.stateLocked(now)
	o.mu.Unlock()

	o.logger.Info("session resumed")
	o.music.Resume()
	o.stateEvent.Notify(state)
}

// Stop destroys the session. The generation bump turns any in-flight timer
// callback from the stopped session into a no-op.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.phase == PhaseNotStarted {
		o.mu.Unlock()
		return
	}
	wasActive := o.activeLocked()
	o.phase = PhaseNotStarted
	o.intervalIndex = 0
	o.paused = false
	o.generation++
	o.stopTickLocked()
	state := o.stateLocked(o.clk.Now())
	o.mu.Unlock()

	o.logger.Info("session stopped")
	if wasActive {
		o.music.Stop()
	}
	o.stateEvent.Notify(state)
}

// Active reports whether a session is currently in a high or rest phase
// (paused counts as active).
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeLocked()
}

func (o *Orchestrator) activeLocked() bool {
	return o.phase == PhaseHigh || o.phase == PhaseRest
}

func (o *Orchestrator) tickAt(now time.Time) {
	o.mu.Lock()
	if !o.activeLocked() || o.paused {
		o.mu.Unlock()
		return
	}

	// The advance decision uses the exact remaining value; the floored
	// display value would cost a spurious extra second at the boundary.
	phaseDur := o.phaseDurationLocked()
	remaining := phaseDur - now.Sub(o.phaseStart)

	var cmd func()
	if remaining <= 0 {
		cmd = o.advancePhaseLocked(now)
	}
	state := o.stateLocked(now)
	o.mu.Unlock()

	if cmd != nil {
		o.dispatch(cmd)
	}
	o.stateEvent.Notify(state)
}

// advancePhaseLocked moves to the next phase. The new phase starts at now,
// not at the theoretical boundary: overshoot from late ticks is discarded
// rather than charged against the next phase's budget.
func (o *Orchestrator) advancePhaseLocked(now time.Time) func() {
	if o.phase == PhaseHigh {
		o.phase = PhaseRest
	} else {
		o.intervalIndex++
		o.phase = PhaseHigh
	}
	o.phaseStart = now

	if o.intervalIndex > o.plan.TotalIntervals {
		o.phase = PhaseCompleted
		o.intervalIndex = o.plan.TotalIntervals
		o.stopTickLocked()
		o.logger.Info("session completed")
		return o.commandForPhaseLocked()
	}

	o.logger.Info("phase advanced",
		zap.Stringer("phase", o.phase),
		zap.Int("interval", o.intervalIndex))
	return o.commandForPhaseLocked()
}

// commandForPhaseLocked returns the playback command for the current phase,
// or nil when a command was already issued for this (interval, phase). The
// guard keeps a chatty tick source from double-issuing at a boundary.
func (o *Orchestrator) commandForPhaseLocked() func() {
	key := commandKey{interval: o.intervalIndex, phase: o.phase}
	if key == o.lastCommand {
		return nil
	}
	o.lastCommand = key

	switch o.phase {
	case PhaseHigh:
		return o.music.PlayHighIntensity
	case PhaseRest:
		return o.music.PlayRest
	case PhaseCompleted:
		return o.music.Stop
	}
	return nil
}

func (o *Orchestrator) dispatch(cmd func()) {
	if cmd != nil {
		cmd()
	}
}

func (o *Orchestrator) phaseDurationLocked() time.Duration {
	if o.phase == PhaseRest {
		return o.plan.RestDuration
	}
	return o.plan.HighDuration
}

func (o *Orchestrator) stateLocked(now time.Time) SessionState {
	state := SessionState{
		Phase:          o.phase,
		IntervalIndex:  o.intervalIndex,
		TotalIntervals: o.plan.TotalIntervals,
		Paused:         o.paused,
	}
	if o.activeLocked() {
		ref := now
		if o.paused {
			ref = o.pausedAt
		}
		remaining := o.phaseDurationLocked() - ref.Sub(o.phaseStart)
		if remaining < 0 {
			remaining = 0
		}
		state.Remaining = remaining
		state.RemainingDisplay = formatRemaining(remaining)
	} else {
		state.RemainingDisplay = "0:00"
	}
	return state
}

func formatRemaining(d time.Duration) string {
	secs := int(d.Seconds())
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

func (o *Orchestrator) scheduleTickLocked() {
	if o.tickerDisabled {
		return
	}
	gen := o.generation
	o.stopTickLocked()
	o.tickTimer = o.clk.AfterFunc(tickInterval, func() { o.onScheduledTick(gen) })
}

func (o *Orchestrator) stopTickLocked() {
	if o.tickTimer != nil {
		o.tickTimer.Stop()
		o.tickTimer = nil
	}
}

// onScheduledTick is the periodic timer path. A callback from a stopped or
// restarted session carries a stale generation and does nothing.
func (o *Orchestrator) onScheduledTick(gen uint64) {
	o.mu.Lock()
	if gen != o.generation || !o.activeLocked() || o.paused {
		o.mu.Unlock()
		return
	}
	o.tickTimer = nil
	o.mu.Unlock()

	o.tickAt(o.clk.Now())

	o.mu.Lock()
	if gen == o.generation && o.activeLocked() && !o.paused && o.tickTimer == nil {
		o.scheduleTickLocked()
	}
	o.mu.Unlock()
}
