package recovery

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/pacekit/interval-coach/internal/faults"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Classification
	}{
		{&faults.CredentialError{Reason: faults.CredentialExpired, Err: errors.New("401")}, CredentialExpired},
		{&faults.CredentialError{Reason: faults.CredentialMissing, Err: errors.New("404")}, CredentialExpired},
		{&faults.CredentialError{Reason: faults.CredentialRejected, Err: errors.New("403")}, PermanentAuthFailure},
		{&faults.RateLimitedError{RetryAfter: time.Minute}, RateLimited},
		{&faults.ConnectivityError{Op: "poll", Err: errors.New("timeout")}, TransientNetwork},
		{&faults.ProtocolError{Op: "poll", Detail: "bad json"}, TransientNetwork},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), "%v", tc.err)
	}
}

func TestChannelLossRecoveryDependsOnSessionState(t *testing.T) {
	p := NewPolicy(zap.NewNop())

	active := Situation{SessionActive: true, AppPhase: Foreground}
	d := p.Decide(ChannelDisconnected, active)
	assert.Equal(t, ActionReconnectChannel, d.Action)

	// Retries keep coming during an active foregrounded session, far past
	// the HTTP attempt bound.
	d = p.Decide(ChannelDisconnected, Situation{SessionActive: true, AppPhase: Foreground, Attempt: 50})
	assert.Equal(t, ActionReconnectChannel, d.Action)

	// Backgrounded or idle: defer entirely.
	d = p.Decide(ChannelDisconnected, Situation{SessionActive: true, AppPhase: Background})
	assert.Equal(t, ActionDefer, d.Action)
	d = p.Decide(ChannelDisconnected, Situation{SessionActive: false, AppPhase: Foreground})
	assert.Equal(t, ActionDefer, d.Action)
}

func TestTransientNetworkIsBounded(t *testing.T) {
	p := NewPolicy(zap.NewNop())
	sit := Situation{SessionActive: true, AppPhase: Foreground}

	sit.Attempt = 0
	assert.Equal(t, ActionWaitRetry, p.Decide(TransientNetwork, sit).Action)

	sit.Attempt = DefaultMaxAttempts
	assert.Equal(t, ActionGiveUp, p.Decide(TransientNetwork, sit).Action)
}

func TestRateLimitedIsBounded(t *testing.T) {
	p := NewPolicy(zap.NewNop())
	sit := Situation{SessionActive: true, AppPhase: Foreground}

	sit.Attempt = 0
	assert.Equal(t, ActionWaitRetry, p.Decide(RateLimited, sit).Action)

	// A backend that throttles forever must not loop forever.
	sit.Attempt = DefaultMaxAttempts
	d := p.Decide(RateLimited, sit)
	assert.Equal(t, ActionGiveUp, d.Action)

	// The retry-after hint only stretches waits, never a give-up.
	d = p.DecideError(&faults.RateLimitedError{RetryAfter: 10 * time.Minute}, sit)
	assert.Equal(t, ActionGiveUp, d.Action)
	assert.Zero(t, d.Wait)
}

func TestCredentialDecisions(t *testing.T) {
	p := NewPolicy(zap.NewNop())
	sit := Situation{SessionActive: true, AppPhase: Foreground}

	assert.Equal(t, ActionRefreshCredential, p.Decide(CredentialExpired, sit).Action)
	assert.Equal(t, ActionPromptReauth, p.Decide(PermanentAuthFailure, sit).Action)
}

func TestBackoffGrowsAndStaysBounded(t *testing.T) {
	p := NewPolicy(zap.NewNop())

	prevMax := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		// Jitter makes single samples noisy; use the theoretical envelope.
		d := p.Backoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, DefaultMaxDelay+DefaultMaxDelay/4)
		if attempt > 0 && attempt < 6 {
			assert.Greater(t, d, prevMax/4, "attempt %d collapsed", attempt)
		}
		prevMax = d
	}
}

func TestDecideErrorHonoursRetryAfterHint(t *testing.T) {
	p := NewPolicy(zap.NewNop())
	err := &faults.RateLimitedError{RetryAfter: 10 * time.Minute}

	d := p.DecideError(err, Situation{SessionActive: true})
	assert.Equal(t, ActionWaitRetry, d.Action)
	assert.GreaterOrEqual(t, d.Wait, 10*time.Minute)
}
