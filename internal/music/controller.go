package music

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pacekit/interval-coach/internal/async"
	"github.com/pacekit/interval-coach/internal/clock"
	"github.com/pacekit/interval-coach/internal/events"
	"github.com/pacekit/interval-coach/internal/faults"
	"github.com/pacekit/interval-coach/internal/recovery"
	"github.com/pacekit/interval-coach/internal/token"
)

// TokenSource provides credentials for the music service. Implemented by
// token.Cache.
type TokenSource interface {
	Get(ctx context.Context) (token.Credential, error)
	Invalidate()
}

// ChannelFactory builds the control channel with the controller's handlers
// already wired in.
type ChannelFactory func(onPush PushHandler, onDown DownHandler) ControlChannel

// Alert is a user-visible failure: retries are exhausted or the user must
// re-authorize. Everything else is absorbed internally.
type Alert struct {
	Message     string
	NeedsReauth bool
}

// dispatchTimeout bounds one fire-and-forget command, including its bounded
// retries.
const dispatchTimeout = 45 * time.Second

// Controller fronts the music service for the rest of the app. It implements
// the playback control surface the workout orchestrator drives, owns the
// connection state machine, and routes every failure through the recovery
// policy. A music failure never propagates to the training session; the
// session continues without music while recovery runs in the background.
type Controller struct {
	clk       clock.Clock
	logger    *zap.Logger
	sm        *StateMachine
	channel   ControlChannel
	api       CommandAPI
	tokens    TokenSource
	policy    *recovery.Policy
	rec       *Reconciler
	playlists Playlists

	alertEvent *events.ChannelEvent[Alert]

	mu               sync.Mutex
	appPhase         recovery.AppPhase
	sessionActive    bool
	reconnectAttempt int
	reconnectTimer   clock.Timer
	deferred         bool
	generation       uint64
}

// NewController wires a Controller. The factory receives the controller's
// push and channel-down handlers.
func NewController(clk clock.Clock, factory ChannelFactory, api CommandAPI, tokens TokenSource,
	playlists Playlists, logger *zap.Logger) *Controller {
	c := &Controller{
		clk:        clk,
		logger:     logger.Named("music"),
		sm:         NewStateMachine(logger),
		api:        api,
		tokens:     tokens,
		policy:     recovery.NewPolicy(logger),
		rec:        NewReconciler(clk, DefaultFreshness, logger),
		playlists:  playlists,
		alertEvent: events.NewChannelEvent[Alert](false),
	}
	c.channel = factory(c.handlePush, c.handleChannelDown)
	return c
}

// StateMachine exposes the connection state machine for observers.
func (c *Controller) StateMachine() *StateMachine { return c.sm }

// Reconciler exposes the now-playing reconciler for observers.
func (c *Controller) Reconciler() *Reconciler { return c.rec }

// ListenAlerts registers ch for user-visible failures.
func (c *Controller) ListenAlerts(ch chan<- Alert) func() {
	return c.alertEvent.Listen(ch)
}

// SetAppPhase records foreground/background. Returning to the foreground
// resumes any deferred channel recovery.
func (c *Controller) SetAppPhase(phase recovery.AppPhase) {
	c.mu.Lock()
	c.appPhase = phase
	resume := phase == recovery.Foreground && c.deferred
	c.mu.Unlock()
	if resume {
		c.scheduleReconnect()
	}
}

// SetSessionActive records whether a training session is running. A session
// starting resumes deferred channel recovery.
func (c *Controller) SetSessionActive(active bool) {
	c.mu.Lock()
	c.sessionActive = active
	resume := active && c.deferred
	c.mu.Unlock()
	if resume {
		c.scheduleReconnect()
	}
}

func (c *Controller) situation(attempt int) recovery.Situation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return recovery.Situation{
		SessionActive: c.sessionActive,
		AppPhase:      c.appPhase,
		Attempt:       attempt,
	}
}

// Connect drives the state machine to connected from wherever it currently
// is. It is resumable: recovery re-enters it after partial progress.
func (c *Controller) Connect(ctx context.Context) error {
	authRounds := 0
	for {
		switch c.sm.State() {
		case StateConnected:
			return nil

		case StateDisconnected:
			if err := c.sm.BeginAuthenticating(); err != nil {
				return err
			}

		case StateError:
			snap := c.sm.Snapshot()
			if snap.DemotedAuth {
				if err := c.sm.BeginAuthenticating(); err != nil {
					return err
				}
			} else if err := c.sm.BeginConnecting(); err != nil {
				return err
			}

		case StateAuthenticating:
			authRounds++
			if authRounds > 2 {
				err := &faults.ExhaustionError{Op: "music auth", Attempts: authRounds,
					Last: &faults.CredentialError{Reason: faults.CredentialExpired}}
				c.alert(Alert{Message: "could not authenticate with the music service"})
				return err
			}
			cred, err := c.tokens.Get(ctx)
			if err != nil {
				if reason, ok := faults.IsCredential(err); ok && reason == faults.CredentialRejected {
					_ = c.sm.EnterError("authorization rejected", true)
					c.alert(Alert{Message: "music authorization was revoked", NeedsReauth: true})
				}
				return err
			}
			if err := c.sm.SetAuthenticated(cred); err != nil {
				return err
			}

		case StateAuthenticated:
			if err := c.sm.BeginConnecting(); err != nil {
				return err
			}

		case StateConnecting:
			cred, ok := c.sm.Credential()
			if !ok || !cred.Valid(c.clk.Now(), 0) {
				_ = c.sm.CredentialInvalid()
				continue
			}
			if err := c.channel.Connect(ctx, cred.AccessToken); err != nil {
				if reason, isCred := faults.IsCredential(err); isCred {
					c.tokens.Invalidate()
					if reason == faults.CredentialRejected {
						_ = c.sm.EnterError("authorization rejected", true)
						c.alert(Alert{Message: "music authorization was revoked", NeedsReauth: true})
						return err
					}
					_ = c.sm.CredentialInvalid()
					continue
				}
				// Transport failure: stay in connecting and arm channel
				// recovery, so the re-dial schedule (or a later session
				// start, when deferred) picks it up even when this Connect
				// was not itself a recovery attempt.
				c.mu.Lock()
				c.reconnectAttempt++
				c.mu.Unlock()
				c.scheduleReconnect()
				return err
			}
			if err := c.sm.SetConnected(); err != nil {
				return err
			}
			c.mu.Lock()
			c.reconnectAttempt = 0
			c.deferred = false
			c.mu.Unlock()
			return nil
		}
	}
}

// Logout is the terminal user action: closes the channel, drops credentials
// and reconciliation state, and collapses to disconnected.
func (c *Controller) Logout() {
	c.mu.Lock()
	c.generation++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.deferred = false
	c.reconnectAttempt = 0
	c.mu.Unlock()

	_ = c.channel.Close()
	c.tokens.Invalidate()
	c.sm.Logout()
	c.rec.Reset()
}

// PollNowPlaying fetches the current playback state through the stateless
// API and feeds it to the reconciler.
func (c *Controller) PollNowPlaying(ctx context.Context) error {
	cred, err := c.tokens.Get(ctx)
	if err != nil {
		return err
	}
	snap, err := c.api.NowPlaying(ctx, cred.AccessToken)
	if err != nil {
		return err
	}
	c.rec.Submit(snap)
	return nil
}

// Playback control surface driven by the workout orchestrator. Calls return
// immediately; delivery and recovery run in the background.

func (c *Controller) PlayHighIntensity() {
	c.dispatchAsync(Command{Kind: KindPlayContext, ContextURI: c.playlists.HighIntensityURI})
}

func (c *Controller) PlayRest() {
	c.dispatchAsync(Command{Kind: KindPlayContext, ContextURI: c.playlists.RestURI})
}

func (c *Controller) Pause()  { c.dispatchAsync(Command{Kind: KindPause}) }
func (c *Controller) Resume() { c.dispatchAsync(Command{Kind: KindResume}) }
func (c *Controller) Stop()   { c.dispatchAsync(Command{Kind: KindStop}) }

func (c *Controller) dispatchAsync(cmd Command) {
	async.Go(c.logger, func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		c.dispatch(ctx, cmd)
	})
}

// dispatch delivers one command: channel first, API as fallback, bounded
// retries per the recovery policy. Failure never reaches the caller.
func (c *Controller) dispatch(ctx context.Context, cmd Command) {
	c.submitOptimistic(cmd)

	if c.channel.Connected() {
		if err := c.channel.SendCommand(cmd); err == nil {
			return
		}
		// SendCommand tore the channel down; demote and start channel
		// recovery, then fall back to the API for this command.
		_ = c.sm.ChannelLost()
		c.scheduleReconnect()
	}

	attempt := 0
	for {
		cred, err := c.tokens.Get(ctx)
		if err == nil {
			err = c.api.SendCommand(ctx, cred.AccessToken, cmd)
		}
		if err == nil {
			return
		}
		if !c.absorbDispatchError(ctx, cmd, err, &attempt) {
			return
		}
	}
}

// absorbDispatchError applies the recovery decision for err. It returns true
// when the dispatch loop should try again.
func (c *Controller) absorbDispatchError(ctx context.Context, cmd Command, err error, attempt *int) bool {
	d := c.policy.DecideError(err, c.situation(*attempt))
	switch d.Action {
	case recovery.ActionRefreshCredential:
		c.tokens.Invalidate()
		*attempt++
		return true

	case recovery.ActionWaitRetry:
		select {
		case <-ctx.Done():
			return false
		case <-c.clk.After(d.Wait):
		}
		*attempt++
		return true

	case recovery.ActionPromptReauth:
		c.tokens.Invalidate()
		_ = c.sm.EnterError("authorization rejected", true)
		c.alert(Alert{Message: "music authorization was revoked", NeedsReauth: true})
		return false

	case recovery.ActionGiveUp:
		c.logger.Warn("giving up on playback command",
			zap.Stringer("command", cmd.Kind), zap.Error(err))
		c.alert(Alert{Message: "music control unavailable, training continues without music"})
		return false

	default:
		return false
	}
}

// submitOptimistic records the locally predicted outcome of cmd so the UI
// moves immediately; a confirming snapshot from the channel or API will
// outrank it.
func (c *Controller) submitOptimistic(cmd Command) {
	now := c.clk.Now()
	switch cmd.Kind {
	case KindPlayContext:
		c.rec.Submit(TrackSnapshot{
			Source:     RankOptimistic,
			TrackID:    cmd.ContextURI,
			Title:      "",
			IsPlaying:  true,
			ObservedAt: now,
		})
	case KindPause, KindStop:
		if displayed, ok := c.rec.Displayed(); ok {
			displayed.Source = RankOptimistic
			displayed.IsPlaying = false
			displayed.ObservedAt = now
			c.rec.Submit(displayed)
		}
	case KindResume:
		if displayed, ok := c.rec.Displayed(); ok {
			displayed.Source = RankOptimistic
			displayed.IsPlaying = true
			displayed.ObservedAt = now
			c.rec.Submit(displayed)
		}
	}
}

func (c *Controller) handlePush(snap TrackSnapshot) {
	c.rec.Submit(snap)
}

// handleChannelDown runs when the live channel dies underneath us. The state
// machine demotes to connecting (credential retained) and the recovery
// policy decides whether to re-dial now or defer.
func (c *Controller) handleChannelDown(err error) {
	c.logger.Warn("control channel down", zap.Error(err))
	if trErr := c.sm.ChannelLost(); trErr != nil {
		// Not in connected state; nothing to demote.
		return
	}
	c.scheduleReconnect()
}

func (c *Controller) scheduleReconnect() {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.mu.Unlock()
		return
	}
	sit := recovery.Situation{
		SessionActive: c.sessionActive,
		AppPhase:      c.appPhase,
		Attempt:       c.reconnectAttempt,
	}
	d := c.policy.Decide(recovery.ChannelDisconnected, sit)
	if d.Action == recovery.ActionDefer {
		c.deferred = true
		c.mu.Unlock()
		c.logger.Info("channel recovery deferred until foreground session")
		return
	}
	c.deferred = false
	gen := c.generation
	c.reconnectTimer = c.clk.AfterFunc(d.Wait, func() { c.attemptReconnect(gen) })
	c.mu.Unlock()
}

func (c *Controller) attemptReconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		// Stale callback from before a logout.
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		// Transport failures re-arm themselves inside Connect; this covers
		// the remaining failure paths. scheduleReconnect is idempotent.
		c.scheduleReconnect()
	}
}

// alert publishes a user-visible failure.
func (c *Controller) alert(a Alert) {
	c.logger.Warn("user alert", zap.String("message", a.Message), zap.Bool("needsReauth", a.NeedsReauth))
	c.alertEvent.Notify(a)
}
