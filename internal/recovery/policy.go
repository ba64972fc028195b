// Package recovery classifies music-service failures and decides how
// aggressively to recover. Aggressiveness depends on the current session
// state, not just the error: channel reconnects retry indefinitely during a
// foregrounded training session and defer entirely otherwise, while plain
// HTTP retries stay bounded.
package recovery

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pacekit/interval-coach/internal/faults"
)

// Classification buckets every failure the music side can produce.
type Classification int

const (
	ChannelDisconnected Classification = iota
	CredentialExpired
	RateLimited
	TransientNetwork
	PermanentAuthFailure
)

func (c Classification) String() string {
	switch c {
	case ChannelDisconnected:
		return "channel-disconnected"
	case CredentialExpired:
		return "credential-expired"
	case RateLimited:
		return "rate-limited"
	case TransientNetwork:
		return "transient-network"
	case PermanentAuthFailure:
		return "permanent-auth-failure"
	}
	return "unknown"
}

// Action is what the caller should do about a failure.
type Action int

const (
	// ActionReconnectChannel re-dials the control channel without re-auth.
	ActionReconnectChannel Action = iota
	// ActionRefreshCredential fetches a fresh credential, then retries.
	ActionRefreshCredential
	// ActionWaitRetry retries the same operation after Decision.Wait.
	ActionWaitRetry
	// ActionPromptReauth asks the user to re-authorize; nothing automatic
	// will fix this.
	ActionPromptReauth
	// ActionGiveUp surfaces the failure; retries are exhausted.
	ActionGiveUp
	// ActionDefer does nothing now: recovery resumes when the app
	// foregrounds or a session starts.
	ActionDefer
)

func (a Action) String() string {
	switch a {
	case ActionReconnectChannel:
		return "reconnect-channel"
	case ActionRefreshCredential:
		return "refresh-credential"
	case ActionWaitRetry:
		return "wait-then-retry"
	case ActionPromptReauth:
		return "prompt-reauth"
	case ActionGiveUp:
		return "give-up"
	case ActionDefer:
		return "defer"
	}
	return "unknown"
}

// AppPhase is the process lifecycle input to recovery decisions.
type AppPhase int

const (
	Foreground AppPhase = iota
	Background
)

// Situation describes the context a failure occurred in.
type Situation struct {
	SessionActive bool
	AppPhase      AppPhase
	// Attempt counts prior failed tries of this same operation, starting
	// at 0.
	Attempt int
}

// Decision is the policy output.
type Decision struct {
	Action Action
	Wait   time.Duration
}

const (
	// DefaultBaseDelay seeds the exponential backoff.
	DefaultBaseDelay = 2 * time.Second
	// DefaultMaxDelay caps a single backoff wait.
	DefaultMaxDelay = 2 * time.Minute
	// DefaultMaxAttempts bounds retries at the HTTP layer. Channel
	// reconnection during an active foregrounded session ignores this.
	DefaultMaxAttempts = 5
)

// Policy maps classified failures to recovery decisions.
type Policy struct {
	logger      *zap.Logger
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPolicy creates a Policy with the default backoff parameters.
func NewPolicy(logger *zap.Logger) *Policy {
	return &Policy{
		logger:      logger.Named("recovery"),
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		maxAttempts: DefaultMaxAttempts,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Classify buckets err using the shared error taxonomy. Protocol errors are
// treated as transient: the response was malformed but the transport works.
func Classify(err error) Classification {
	if reason, ok := faults.IsCredential(err); ok {
		if reason == faults.CredentialRejected {
			return PermanentAuthFailure
		}
		return CredentialExpired
	}
	if _, ok := faults.IsRateLimited(err); ok {
		return RateLimited
	}
	return TransientNetwork
}

// Decide maps a classified failure in a given situation to a decision.
func (p *Policy) Decide(class Classification, sit Situation) Decision {
	var d Decision
	switch class {
	case PermanentAuthFailure:
		d = Decision{Action: ActionPromptReauth}

	case CredentialExpired:
		d = Decision{Action: ActionRefreshCredential}

	case RateLimited:
		if sit.Attempt >= p.maxAttempts {
			d = Decision{Action: ActionGiveUp}
		} else {
			d = Decision{Action: ActionWaitRetry, Wait: p.Backoff(sit.Attempt)}
		}

	case ChannelDisconnected:
		if !sit.SessionActive || sit.AppPhase == Background {
			// No one is listening to music right now; reconnecting would
			// burn battery for nothing.
			d = Decision{Action: ActionDefer}
		} else {
			d = Decision{Action: ActionReconnectChannel, Wait: p.Backoff(sit.Attempt)}
		}

	case TransientNetwork:
		if sit.Attempt >= p.maxAttempts {
			d = Decision{Action: ActionGiveUp}
		} else {
			d = Decision{Action: ActionWaitRetry, Wait: p.Backoff(sit.Attempt)}
		}
	}

	p.logger.Debug("recovery decision",
		zap.Stringer("class", class),
		zap.Stringer("action", d.Action),
		zap.Duration("wait", d.Wait),
		zap.Int("attempt", sit.Attempt),
		zap.Bool("sessionActive", sit.SessionActive))
	return d
}

// DecideError is Decide over a raw error, honouring an explicit rate-limit
// retry hint when the backend provided one.
func (p *Policy) DecideError(err error, sit Situation) Decision {
	class := Classify(err)
	d := p.Decide(class, sit)
	if d.Action == ActionWaitRetry {
		if after, ok := faults.IsRateLimited(err); ok && after > d.Wait {
			d.Wait = after
		}
	}
	return d
}

// Backoff returns the exponential delay for attempt (0-based) with ±25%
// jitter, capped at the configured maximum.
func (p *Policy) Backoff(attempt int) time.Duration {
	delay := p.baseDelay
	for i := 0; i < attempt && delay < p.maxDelay; i++ {
		delay *= 2
	}
	if delay > p.maxDelay {
		delay = p.maxDelay
	}

	p.mu.Lock()
	jitter := time.Duration(p.rng.Int63n(int64(delay) / 2))
	p.mu.Unlock()
	return delay*3/4 + jitter
}
