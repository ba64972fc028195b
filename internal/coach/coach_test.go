package coach

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pacekit/interval-coach/internal/announce"
	"github.com/pacekit/interval-coach/internal/clock"
	"github.com/pacekit/interval-coach/internal/recovery"
	"github.com/pacekit/interval-coach/internal/workout"
	"github.com/pacekit/interval-coach/internal/zones"
)

type recordingSink struct {
	mu    sync.Mutex
	zones []zones.Zone
}

func (r *recordingSink) Announce(z zones.Zone) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.zones = append(r.zones, z)
}

func (r *recordingSink) announced() []zones.Zone {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]zones.Zone(nil), r.zones...)
}

type recordingMusic struct {
	mu       sync.Mutex
	sessions []bool
	phases   []recovery.AppPhase
	plays    []string
}

func (r *recordingMusic) SetSessionActive(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, active)
}

func (r *recordingMusic) SetAppPhase(phase recovery.AppPhase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, phase)
}

func (r *recordingMusic) record(cmd string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plays = append(r.plays, cmd)
}

func (r *recordingMusic) PlayHighIntensity() { r.record("high") }
func (r *recordingMusic) PlayRest()          { r.record("rest") }
func (r *recordingMusic) Pause()             { r.record("pause") }
func (r *recordingMusic) Resume()            { r.record("resume") }
func (r *recordingMusic) Stop()              { r.record("stop") }

func (r *recordingMusic) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.plays...)
}

type fakeCreds struct {
	mu        sync.Mutex
	expiring  bool
	refreshes int
}

func (f *fakeCreds) ExpiringWithin(time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expiring
}

func (f *fakeCreds) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	f.expiring = false
	return nil
}

func (f *fakeCreds) refreshed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func autoSettings() zones.Settings {
	return zones.Settings{RestingHR: 60, MaxHR: 190, UseAutoZones: true}
}

type coachRig struct {
	clk   *clock.MockClock
	sink  *recordingSink
	music *recordingMusic
	creds *fakeCreds
	orch  *workout.Orchestrator
	coach *Coach
}

func newCoachRig(t *testing.T) *coachRig {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 6, 30, 0, 0, time.UTC))
	rig := &coachRig{
		clk:   clk,
		sink:  &recordingSink{},
		music: &recordingMusic{},
		creds: &fakeCreds{},
	}
	rig.orch = workout.NewOrchestrator(clk, rig.music, zap.NewNop(), workout.WithoutScheduledTicker())
	c, err := New(clk, Config{Zones: autoSettings()}, rig.orch, rig.sink, rig.music, rig.creds, zap.NewNop())
	require.NoError(t, err)
	rig.coach = c
	return rig
}

func TestNewRejectsInvalidZoneSettings(t *testing.T) {
	clk := clock.NewMockClock(time.Now())
	orch := workout.NewOrchestrator(clk, &recordingMusic{}, zap.NewNop())
	_, err := New(clk, Config{Zones: zones.Settings{RestingHR: 190, MaxHR: 60}},
		orch, &recordingSink{}, nil, nil, zap.NewNop())
	require.Error(t, err)
}

func TestOnBPMClassifiesAndAnnounces(t *testing.T) {
	rig := newCoachRig(t)
	vitals := make(chan Vitals, 4)
	defer rig.coach.ListenVitals(vitals)()

	// (60,190) boundaries: zone 2 is 139..151, 185 is zone 5.
	rig.coach.OnBPM(145)

	require.Equal(t, []zones.Zone{zones.Zone2}, rig.sink.announced())
	v := <-vitals
	assert.Equal(t, 145, v.BPM)
	assert.Equal(t, zones.Zone2, v.Zone)
	assert.True(t, v.InZone)

	zone, ok := rig.coach.CurrentZone()
	require.True(t, ok)
	assert.Equal(t, zones.Zone2, zone)
}

func TestOnBPMBelowFloorClearsZone(t *testing.T) {
	rig := newCoachRig(t)
	rig.coach.OnBPM(145)
	rig.coach.OnBPM(80)

	_, ok := rig.coach.CurrentZone()
	assert.False(t, ok)
	assert.Equal(t, []zones.Zone{zones.Zone2}, rig.sink.announced(), "sub-floor samples never announce")
}

func TestHeartRateSamplesDrivePhaseAdvancement(t *testing.T) {
	rig := newCoachRig(t)
	require.NoError(t, rig.coach.StartSession(workout.Plan{
		TotalIntervals: 2,
		HighDuration:   4 * time.Minute,
		RestDuration:   3 * time.Minute,
	}))

	// No scheduled ticker in this rig: only samples move the session.
	rig.clk.Advance(4*time.Minute + time.Second)
	rig.coach.OnBPM(150)

	assert.Equal(t, workout.PhaseRest, rig.coach.SessionState().Phase)
	assert.Equal(t, []string{"high", "rest"}, rig.music.commands())
}

func TestSessionLifecycleSignalsMusic(t *testing.T) {
	rig := newCoachRig(t)
	require.NoError(t, rig.coach.StartSession(workout.Plan{
		TotalIntervals: 1, HighDuration: time.Minute, RestDuration: time.Minute,
	}))
	assert.Equal(t, []bool{true}, rig.music.sessions)
	assert.Equal(t, announce.ModeInterval, rig.coach.announcer.ActiveMode())

	rig.coach.StopSession()
	assert.Equal(t, []bool{true, false}, rig.music.sessions)
	assert.Equal(t, announce.ModeFree, rig.coach.announcer.ActiveMode())
}

func TestStartSessionRejectsRunningSession(t *testing.T) {
	rig := newCoachRig(t)
	plan := workout.Plan{TotalIntervals: 1, HighDuration: time.Minute, RestDuration: time.Minute}
	require.NoError(t, rig.coach.StartSession(plan))

	err := rig.coach.StartSession(plan)
	require.Error(t, err)
	assert.Equal(t, announce.ModeFree, rig.coach.announcer.ActiveMode(),
		"a failed start must not leave interval mode active")
}

func TestSetZoneSettingsAffectsSubsequentSamples(t *testing.T) {
	rig := newCoachRig(t)
	rig.coach.OnBPM(145)
	require.Equal(t, []zones.Zone{zones.Zone2}, rig.sink.announced())

	require.NoError(t, rig.coach.SetZoneSettings(zones.Settings{
		RestingHR: 40, MaxHR: 150, UseAutoZones: true,
	}))
	rig.clk.Advance(announce.DefaultCooldown)
	rig.coach.OnBPM(145)

	got := rig.sink.announced()
	require.Len(t, got, 2)
	assert.Equal(t, zones.Zone5, got[1])
}

func TestSetAppPhaseForwardsToMusic(t *testing.T) {
	rig := newCoachRig(t)
	rig.coach.SetAppPhase(recovery.Background)
	rig.coach.SetAppPhase(recovery.Foreground)
	assert.Equal(t, []recovery.AppPhase{recovery.Background, recovery.Foreground}, rig.music.phases)
}

func TestRefreshLoopRefreshesNearExpiry(t *testing.T) {
	rig := newCoachRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		rig.coach.refreshLoop(ctx)
		close(done)
	}()

	rig.creds.mu.Lock()
	rig.creds.expiring = true
	rig.creds.mu.Unlock()

	// Walk the mock clock probe by probe until the loop observes the expiring
	// credential.
	advanceUntil(t, rig.clk, func() bool { return rig.creds.refreshed() == 0 })

	assert.Equal(t, 1, rig.creds.refreshed())
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh loop did not exit on cancellation")
	}
}

// advanceUntil advances the mock clock probe by probe while cond holds, with
// a real-time bound so a broken loop fails instead of hanging.
func advanceUntil(t *testing.T, clk *clock.MockClock, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for cond() && time.Now().Before(deadline) {
		clk.Advance(DefaultRefreshProbe)
		time.Sleep(2 * time.Millisecond)
	}
}
