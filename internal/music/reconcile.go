package music

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pacekit/interval-coach/internal/clock"
	"github.com/pacekit/interval-coach/internal/events"
)

// SourceRank orders now-playing data sources. Higher ranks win: a snapshot
// from a lower-ranked source can only displace the displayed one once it has
// gone stale.
type SourceRank int

const (
	// RankOptimistic is locally predicted state, recorded when a command is
	// issued before the service confirms it.
	RankOptimistic SourceRank = iota
	// RankAPI is the stateless request/response now-playing poll.
	RankAPI
	// RankChannel is a push from the low-latency control channel.
	RankChannel
)

func (r SourceRank) String() string {
	switch r {
	case RankOptimistic:
		return "optimistic"
	case RankAPI:
		return "api"
	case RankChannel:
		return "channel"
	}
	return "unknown"
}

// TrackSnapshot is one source's view of what is playing right now.
type TrackSnapshot struct {
	Source     SourceRank
	TrackID    string
	Title      string
	Artist     string
	IsPlaying  bool
	ObservedAt time.Time
}

// DefaultFreshness is how long a displayed snapshot outranks lower sources.
const DefaultFreshness = 5 * time.Second

// Reconciler merges snapshots from every source into the single displayed
// one, preventing a slower source from visibly reverting fresher state and
// deduplicating republishes whose (track, playing) pair did not change.
type Reconciler struct {
	clk       clock.Clock
	logger    *zap.Logger
	freshness time.Duration
	event     *events.ChannelEvent[TrackSnapshot]

	mu        sync.Mutex
	displayed *TrackSnapshot
	bySource  map[SourceRank]TrackSnapshot
}

// NewReconciler creates a Reconciler. A non-positive freshness falls back to
// DefaultFreshness.
func NewReconciler(clk clock.Clock, freshness time.Duration, logger *zap.Logger) *Reconciler {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Reconciler{
		clk:       clk,
		logger:    logger.Named("reconcile"),
		freshness: freshness,
		event:     events.NewChannelEvent[TrackSnapshot](true),
		bySource:  make(map[SourceRank]TrackSnapshot),
	}
}

// Listen registers ch to receive accepted, deduplicated snapshots.
func (r *Reconciler) Listen(ch chan<- TrackSnapshot) func() {
	return r.event.Listen(ch)
}

// Displayed returns the currently accepted snapshot, false when none yet.
func (r *Reconciler) Displayed() (TrackSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.displayed == nil {
		return TrackSnapshot{}, false
	}
	return *r.displayed, true
}

// LastFrom returns the last snapshot received from a source.
func (r *Reconciler) LastFrom(source SourceRank) (TrackSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bySource[source]
	return s, ok
}

// Submit offers a new snapshot. It is accepted when its rank is at least the
// displayed snapshot's rank, or when the displayed snapshot has gone stale.
// An accepted snapshot is republished downstream unless its (track, playing)
// pair matches what is already displayed.
func (r *Reconciler) Submit(s TrackSnapshot) {
	if s.ObservedAt.IsZero() {
		s.ObservedAt = r.clk.Now()
	}

	r.mu.Lock()
	r.bySource[s.Source] = s

	if r.displayed != nil {
		displayedStale := r.clk.Now().Sub(r.displayed.ObservedAt) > r.freshness
		if s.Source < r.displayed.Source && !displayedStale {
			r.mu.Unlock()
			r.logger.Debug("snapshot discarded",
				zap.Stringer("source", s.Source),
				zap.String("track", s.TrackID))
			return
		}
	}

	duplicate := r.displayed != nil &&
		r.displayed.TrackID == s.TrackID &&
		r.displayed.IsPlaying == s.IsPlaying
	r.displayed = &s
	r.mu.Unlock()

	if duplicate {
		return
	}
	r.logger.Debug("snapshot accepted",
		zap.Stringer("source", s.Source),
		zap.String("track", s.TrackID),
		zap.Bool("playing", s.IsPlaying))
	r.event.Notify(s)
}

// Reset drops all reconciliation state (logout or session teardown).
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.displayed = nil
	r.bySource = make(map[SourceRank]TrackSnapshot)
	r.mu.Unlock()
}
