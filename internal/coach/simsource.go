package coach

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pacekit/interval-coach/internal/async"
	"github.com/pacekit/interval-coach/internal/clock"
	"github.com/pacekit/interval-coach/internal/events"
	"github.com/pacekit/interval-coach/internal/faults"
)

// SimSource is a HeartRateSource that fabricates readings for offline runs
// and demos: a random walk that drifts toward a target BPM, with the target
// itself re-picked every so often to mimic effort changes.
type SimSource struct {
	clk    clock.Clock
	logger *zap.Logger

	bpmEvent *events.CallbackEvent[int]

	mu      sync.Mutex
	rng     *rand.Rand
	bpm     int
	target  int
	running bool
	cancel  context.CancelFunc
}

const (
	simSampleInterval = time.Second
	simRetargetEvery  = 45 // samples
	simFloorBPM       = 55
	simCeilBPM        = 185
)

// NewSimSource creates a simulated source starting at startBPM.
func NewSimSource(clk clock.Clock, startBPM int, logger *zap.Logger) *SimSource {
	if startBPM <= 0 {
		startBPM = 70
	}
	return &SimSource{
		clk:      clk,
		logger:   logger.Named("simhr"),
		bpmEvent: events.NewCallbackEvent[int](false),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		bpm:      startBPM,
		target:   startBPM,
	}
}

// Start begins emitting readings until Stop or ctx cancellation.
func (s *SimSource) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return &faults.ConfigurationError{Field: "simhr", Reason: "already started"}
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("simulated heart-rate source started", zap.Int("bpm", s.bpm))
	async.Go(s.logger, func() { s.run(runCtx) })
	return nil
}

// Stop halts emission. Safe to call more than once.
func (s *SimSource) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ListenBPM registers fn for every reading.
func (s *SimSource) ListenBPM(fn func(bpm int)) func() {
	return s.bpmEvent.Listen(fn)
}

func (s *SimSource) run(ctx context.Context) {
	samples := 0
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("simulated heart-rate source stopped")
			return
		case <-s.clk.After(simSampleInterval):
		}
		samples++
		s.bpmEvent.Notify(s.step(samples%simRetargetEvery == 0))
	}
}

// step advances the walk one sample: one or two BPM toward the target plus
// sensor noise, clamped to a plausible band.
func (s *SimSource) step(retarget bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if retarget {
		s.target = simFloorBPM + 10 + s.rng.Intn(simCeilBPM-simFloorBPM-20)
		s.logger.Debug("new effort target", zap.Int("target", s.target))
	}

	switch {
	case s.bpm < s.target:
		s.bpm += 1 + s.rng.Intn(2)
	case s.bpm > s.target:
		s.bpm -= 1 + s.rng.Intn(2)
	}
	s.bpm += s.rng.Intn(3) - 1

	if s.bpm < simFloorBPM {
		s.bpm = simFloorBPM
	}
	if s.bpm > simCeilBPM {
		s.bpm = simCeilBPM
	}
	return s.bpm
}
