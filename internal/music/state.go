package music

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pacekit/interval-coach/internal/events"
	"github.com/pacekit/interval-coach/internal/token"
)

// ConnState is the connection lifecycle state. Authentication (possession of
// a valid credential) is deliberately separate from channel connectivity:
// losing the ephemeral control channel, the common case when the app
// backgrounds, demotes only to StateConnecting and skips re-authorization.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateAuthenticating
	StateAuthenticated
	StateConnecting
	StateConnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return "unknown"
}

// StateSnapshot is the read-only view of the machine published to observers.
type StateSnapshot struct {
	State ConnState
	// ErrorReason is set only in StateError.
	ErrorReason string
	// DemotedAuth records whether the error discarded the credential.
	DemotedAuth bool
}

// legalEdges is the complete transition table. Anything not listed here is
// rejected by transition().
var legalEdges = map[ConnState][]ConnState{
	StateDisconnected:   {StateAuthenticating},
	StateAuthenticating: {StateAuthenticated, StateError, StateDisconnected},
	StateAuthenticated:  {StateConnecting, StateAuthenticating, StateError, StateDisconnected},
	StateConnecting:     {StateConnected, StateAuthenticating, StateError, StateDisconnected},
	StateConnected:      {StateConnecting, StateAuthenticating, StateError, StateDisconnected},
	StateError:          {StateAuthenticating, StateConnecting, StateDisconnected},
}

// StateMachine is the single authority for connection state transitions.
type StateMachine struct {
	logger *zap.Logger
	event  *events.ChannelEvent[StateSnapshot]

	mu          sync.Mutex
	state       ConnState
	cred        *token.Credential
	errorReason string
	demotedAuth bool
}

// NewStateMachine starts in StateDisconnected.
func NewStateMachine(logger *zap.Logger) *StateMachine {
	return &StateMachine{
		logger: logger.Named("connstate"),
		event:  events.NewChannelEvent[StateSnapshot](true),
	}
}

// Listen registers ch to receive state snapshots; the last one is replayed.
func (m *StateMachine) Listen(ch chan<- StateSnapshot) func() {
	return m.event.Listen(ch)
}

// State returns the current state.
func (m *StateMachine) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Credential returns the retained credential, false when none is held.
func (m *StateMachine) Credential() (token.Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return token.Credential{}, false
	}
	return *m.cred, true
}

// Snapshot returns the current published view.
func (m *StateMachine) Snapshot() StateSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *StateMachine) snapshotLocked() StateSnapshot {
	return StateSnapshot{State: m.state, ErrorReason: m.errorReason, DemotedAuth: m.demotedAuth}
}

// transition moves to next if the edge exists, otherwise logs and rejects.
func (m *StateMachine) transition(next ConnState, mutate func()) error {
	m.mu.Lock()
	legal := false
	for _, to := range legalEdges[m.state] {
		if to == next {
			legal = true
			break
		}
	}
	if !legal {
		from := m.state
		m.mu.Unlock()
		m.logger.Warn("illegal transition rejected",
			zap.Stringer("from", from), zap.Stringer("to", next))
		return fmt.Errorf("illegal connection transition %s -> %s", from, next)
	}
	m.state = next
	if next != StateError {
		m.errorReason = ""
		m.demotedAuth = false
	}
	if mutate != nil {
		mutate()
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Debug("transition", zap.Stringer("to", next))
	m.event.Notify(snap)
	return nil
}

// BeginAuthenticating starts the auth flow from disconnected or error.
func (m *StateMachine) BeginAuthenticating() error {
	return m.transition(StateAuthenticating, nil)
}

// SetAuthenticated records the credential obtained by the auth flow.
func (m *StateMachine) SetAuthenticated(cred token.Credential) error {
	return m.transition(StateAuthenticated, func() { m.cred = &cred })
}

// BeginConnecting starts establishing the control channel.
func (m *StateMachine) BeginConnecting() error {
	return m.transition(StateConnecting, nil)
}

// SetConnected records a live control channel.
func (m *StateMachine) SetConnected() error {
	return m.transition(StateConnected, nil)
}

// ChannelLost demotes connected to connecting after a transient connectivity
// failure. The credential is retained: only the ephemeral channel is re-dialed.
func (m *StateMachine) ChannelLost() error {
	return m.transition(StateConnecting, nil)
}

// CredentialInvalid demotes to authenticating and discards the credential.
func (m *StateMachine) CredentialInvalid() error {
	return m.transition(StateAuthenticating, func() { m.cred = nil })
}

// EnterError records a structured failure. demotesAuth additionally discards
// the credential, so recovery must re-run the auth flow.
func (m *StateMachine) EnterError(reason string, demotesAuth bool) error {
	return m.transition(StateError, func() {
		m.errorReason = reason
		m.demotedAuth = demotesAuth
		if demotesAuth {
			m.cred = nil
		}
	})
}

// Logout is the terminal user action: any state collapses to disconnected
// and the credential is discarded.
func (m *StateMachine) Logout() {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.cred = nil
	m.errorReason = ""
	m.demotedAuth = false
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Info("logout")
	m.event.Notify(snap)
}
