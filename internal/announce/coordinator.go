// Package announce debounces zone-change announcements so the voice output
// never fires more than once per cooldown window, per training mode.
package announce

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pacekit/interval-coach/internal/clock"
	"github.com/pacekit/interval-coach/internal/zones"
)

// DefaultCooldown is the minimum spacing between two announcements.
const DefaultCooldown = 5 * time.Second

// Mode identifies a training mode. Zone/cooldown state is tracked per mode so
// switching modes never leaks a cooldown from one into the other, but only
// one mode is active at a time.
type Mode int

const (
	ModeFree Mode = iota
	ModeInterval
)

func (m Mode) String() string {
	switch m {
	case ModeFree:
		return "free"
	case ModeInterval:
		return "interval"
	}
	return "unknown"
}

// Sink receives the announcements that survive debouncing. Implemented by the
// audio collaborator.
type Sink interface {
	Announce(zone zones.Zone)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(zone zones.Zone)

func (f SinkFunc) Announce(zone zones.Zone) { f(zone) }

type modeState struct {
	currentZone     zones.Zone
	hasCurrent      bool
	lastAnnounced   zones.Zone
	hasAnnounced    bool
	lastAnnouncedAt time.Time
	pending         *zones.Zone
	cooldownTimer   clock.Timer
}

// Coordinator consumes classifier output and forwards debounced zone changes
// to the sink. All entry points are safe to call concurrently; a mutex
// serializes every mutation, including cooldown-timer callbacks.
type Coordinator struct {
	clk      clock.Clock
	sink     Sink
	logger   *zap.Logger
	cooldown time.Duration

	mu         sync.Mutex
	activeMode Mode
	states     map[Mode]*modeState
}

// NewCoordinator creates a Coordinator announcing through sink. A
// non-positive cooldown falls back to DefaultCooldown.
func NewCoordinator(clk clock.Clock, sink Sink, cooldown time.Duration, logger *zap.Logger) *Coordinator {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Coordinator{
		clk:      clk,
		sink:     sink,
		logger:   logger.Named("announce"),
		cooldown: cooldown,
		states:   make(map[Mode]*modeState),
	}
}

// SetActiveMode switches the mode whose state subsequent samples update.
func (c *Coordinator) SetActiveMode(mode Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeMode = mode
}

// ActiveMode returns the mode currently receiving samples.
func (c *Coordinator) ActiveMode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeMode
}

// CurrentZone returns the live zone of the active mode, false when no
// classified sample has arrived yet.
func (c *Coordinator) CurrentZone() (zones.Zone, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.states[c.activeMode]
	if st == nil || !st.hasCurrent {
		return 0, false
	}
	return st.currentZone, true
}

// OnSample feeds one classification result for the active mode. ok is false
// when the sample fell below the zone 1 floor; that clears the live zone
// without announcing anything.
func (c *Coordinator) OnSample(zone zones.Zone, ok bool) {
	var announce *zones.Zone

	c.mu.Lock()
	st := c.stateLocked(c.activeMode)
	if !ok {
		st.hasCurrent = false
		st.pending = nil
		c.mu.Unlock()
		return
	}

	if !st.hasCurrent || st.currentZone != zone {
		st.currentZone = zone
		st.hasCurrent = true
	}

	if st.hasAnnounced && st.lastAnnounced == zone {
		// Re-entering the last announced zone is suppressed for the rest of
		// the session; any stale pending value is dropped with it.
		st.pending = nil
		c.mu.Unlock()
		return
	}

	now := c.clk.Now()
	if !st.hasAnnounced || now.Sub(st.lastAnnouncedAt) >= c.cooldown {
		c.markAnnouncedLocked(st, zone, now)
		announce = &zone
	} else {
		// Inside the cooldown window: remember only the latest zone and make
		// sure a timer will revisit it at the deadline.
		z := zone
		st.pending = &z
		c.scheduleCooldownLocked(c.activeMode, st, st.lastAnnouncedAt.Add(c.cooldown).Sub(now))
	}
	c.mu.Unlock()

	if announce != nil {
		c.logger.Info("zone announced", zap.Int("zone", int(*announce)))
		c.sink.Announce(*announce)
	}
}

// Reset clears all per-mode state, ending session-scoped suppression. Called
// when a session stops or a new one starts.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	for _, st := range c.states {
		if st.cooldownTimer != nil {
			st.cooldownTimer.Stop()
		}
	}
	c.states = make(map[Mode]*modeState)
	c.mu.Unlock()
}

func (c *Coordinator) stateLocked(mode Mode) *modeState {
	st := c.states[mode]
	if st == nil {
		st = &modeState{}
		c.states[mode] = st
	}
	return st
}

func (c *Coordinator) markAnnouncedLocked(st *modeState, zone zones.Zone, now time.Time) {
	st.lastAnnounced = zone
	st.hasAnnounced = true
	st.lastAnnouncedAt = now
	st.pending = nil
	if st.cooldownTimer != nil {
		st.cooldownTimer.Stop()
		st.cooldownTimer = nil
	}
}

func (c *Coordinator) scheduleCooldownLocked(mode Mode, st *modeState, wait time.Duration) {
	if st.cooldownTimer != nil {
		return // a deadline is already pending
	}
	if wait < 0 {
		wait = 0
	}
	st.cooldownTimer = c.clk.AfterFunc(wait, func() { c.onCooldownExpired(mode) })
}

func (c *Coordinator) onCooldownExpired(mode Mode) {
	var announce *zones.Zone

	c.mu.Lock()
	st := c.stateLocked(mode)
	st.cooldownTimer = nil
	if st.pending != nil {
		pending := *st.pending
		// Announce only if the pending zone is still the live zone; a stale
		// pending value is dropped silently.
		if st.hasCurrent && st.currentZone == pending &&
			(!st.hasAnnounced || st.lastAnnounced != pending) {
			c.markAnnouncedLocked(st, pending, c.clk.Now())
			announce = &pending
		} else {
			st.pending = nil
		}
	}
	c.mu.Unlock()

	if announce != nil {
		c.logger.Info("pending zone announced", zap.Int("zone", int(*announce)))
		c.sink.Announce(*announce)
	}
}
