// Package coach is the composition root of the training side. It joins the
// heart-rate input, zone classification, and announcement debouncing, keeps
// the interval orchestrator ticking off live samples, and exposes read-only
// state events for the UI collaborator.
package coach

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pacekit/interval-coach/internal/announce"
	"github.com/pacekit/interval-coach/internal/clock"
	"github.com/pacekit/interval-coach/internal/events"
	"github.com/pacekit/interval-coach/internal/recovery"
	"github.com/pacekit/interval-coach/internal/workout"
	"github.com/pacekit/interval-coach/internal/zones"
)

// HeartRateSource delivers BPM readings. The real implementation sits behind
// a sensor transport; tests and offline runs use SimSource.
type HeartRateSource interface {
	Start(ctx context.Context) error
	Stop()
	// ListenBPM registers fn for every reading and returns a deregister func.
	ListenBPM(fn func(bpm int)) func()
}

// MusicSystem is the slice of the music controller the coach drives:
// lifecycle signals only, playback commands flow through the orchestrator.
type MusicSystem interface {
	SetSessionActive(active bool)
	SetAppPhase(phase recovery.AppPhase)
}

// CredentialMaintainer is the slice of the token cache the proactive
// refresher needs.
type CredentialMaintainer interface {
	ExpiringWithin(d time.Duration) bool
	Refresh(ctx context.Context) error
}

// Vitals is the live heart-rate view published to the UI.
type Vitals struct {
	BPM        int
	Zone       zones.Zone
	InZone     bool
	ObservedAt time.Time
}

const (
	// DefaultRefreshCutoff refreshes credentials this far before expiry.
	DefaultRefreshCutoff = 45 * time.Minute
	// DefaultRefreshProbe is how often the refresher checks the cutoff.
	DefaultRefreshProbe = time.Minute

	refreshTimeout = 15 * time.Second
)

// Config carries the coach's tunables.
type Config struct {
	Zones            zones.Settings
	AnnounceCooldown time.Duration
	RefreshCutoff    time.Duration
	RefreshProbe     time.Duration
}

// Coach wires the training pipeline together.
type Coach struct {
	clk    clock.Clock
	logger *zap.Logger
	cfg    Config

	announcer *announce.Coordinator
	orch      *workout.Orchestrator
	music     MusicSystem
	creds     CredentialMaintainer

	vitalsEvent *events.ChannelEvent[Vitals]

	mu       sync.Mutex
	settings zones.Settings
}

// New creates a Coach. music and creds may be nil for music-less runs.
func New(clk clock.Clock, cfg Config, orch *workout.Orchestrator, sink announce.Sink,
	music MusicSystem, creds CredentialMaintainer, logger *zap.Logger) (*Coach, error) {
	if err := cfg.Zones.Validate(); err != nil {
		return nil, err
	}
	if cfg.RefreshCutoff <= 0 {
		cfg.RefreshCutoff = DefaultRefreshCutoff
	}
	if cfg.RefreshProbe <= 0 {
		cfg.RefreshProbe = DefaultRefreshProbe
	}
	return &Coach{
		clk:         clk,
		logger:      logger.Named("coach"),
		cfg:         cfg,
		announcer:   announce.NewCoordinator(clk, sink, cfg.AnnounceCooldown, logger),
		orch:        orch,
		music:       music,
		creds:       creds,
		vitalsEvent: events.NewChannelEvent[Vitals](true),
		settings:    cfg.Zones,
	}, nil
}

// Run consumes src until ctx is cancelled, keeping the credential refresher
// alive alongside. It blocks.
func (c *Coach) Run(ctx context.Context, src HeartRateSource) error {
	if err := src.Start(ctx); err != nil {
		return err
	}
	defer src.Stop()
	defer src.ListenBPM(c.OnBPM)()

	c.refreshLoop(ctx)
	return ctx.Err()
}

// OnBPM feeds one heart-rate reading through classification, announcement,
// and the orchestrator's catch-up tick. Safe from any goroutine.
func (c *Coach) OnBPM(bpm int) {
	c.mu.Lock()
	settings := c.settings
	c.mu.Unlock()

	zone, ok := zones.Classify(bpm, settings)
	c.announcer.OnSample(zone, ok)
	c.vitalsEvent.Notify(Vitals{
		BPM:        bpm,
		Zone:       zone,
		InZone:     ok,
		ObservedAt: c.clk.Now(),
	})

	// Live samples double as opportunistic ticks, so phase advancement
	// survives a stalled scheduled timer.
	c.orch.Tick()
}

// StartSession begins an interval session with plan.
func (c *Coach) StartSession(plan workout.Plan) error {
	c.announcer.Reset()
	c.announcer.SetActiveMode(announce.ModeInterval)
	if err := c.orch.Start(plan); err != nil {
		c.announcer.SetActiveMode(announce.ModeFree)
		return err
	}
	if c.music != nil {
		c.music.SetSessionActive(true)
	}
	return nil
}

// StopSession ends the running session, if any.
func (c *Coach) StopSession() {
	c.orch.Stop()
	if c.music != nil {
		c.music.SetSessionActive(false)
	}
	c.announcer.SetActiveMode(announce.ModeFree)
	c.announcer.Reset()
}

// PauseSession freezes the running session.
func (c *Coach) PauseSession() { c.orch.Pause() }

// ResumeSession unfreezes a paused session.
func (c *Coach) ResumeSession() { c.orch.Resume() }

// SetAppPhase forwards the process lifecycle signal to the music side.
func (c *Coach) SetAppPhase(phase recovery.AppPhase) {
	if c.music != nil {
		c.music.SetAppPhase(phase)
	}
}

// SetZoneSettings swaps the zone configuration for subsequent samples.
func (c *Coach) SetZoneSettings(s zones.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
	c.logger.Info("zone settings updated",
		zap.Int("restingHR", s.RestingHR), zap.Int("maxHR", s.MaxHR))
	return nil
}

// ZoneBoundaries returns the effective zone boundaries for display.
func (c *Coach) ZoneBoundaries() zones.Boundaries {
	c.mu.Lock()
	defer c.mu.Unlock()
	return zones.ComputeBoundaries(c.settings)
}

// ListenVitals registers ch for heart-rate updates; the last value is
// replayed to late subscribers.
func (c *Coach) ListenVitals(ch chan<- Vitals) func() {
	return c.vitalsEvent.Listen(ch)
}

// ListenSession registers ch for session state updates.
func (c *Coach) ListenSession(ch chan<- workout.SessionState) func() {
	return c.orch.ListenState(ch)
}

// SessionState returns the orchestrator's current state.
func (c *Coach) SessionState() workout.SessionState {
	return c.orch.State()
}

// CurrentZone returns the live zone, false before the first classified
// sample.
func (c *Coach) CurrentZone() (zones.Zone, bool) {
	return c.announcer.CurrentZone()
}

// refreshLoop probes the credential cache and refreshes ahead of expiry, so
// an expiring token never interrupts a session. Exits when ctx is cancelled.
func (c *Coach) refreshLoop(ctx context.Context) {
	if c.creds == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clk.After(c.cfg.RefreshProbe):
		}
		if !c.creds.ExpiringWithin(c.cfg.RefreshCutoff) {
			continue
		}
		c.logger.Info("credential near expiry, refreshing")
		rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
		if err := c.creds.Refresh(rctx); err != nil {
			c.logger.Warn("proactive credential refresh failed", zap.Error(err))
		}
		cancel()
	}
}
