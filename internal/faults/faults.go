// Package faults defines the error taxonomy shared by the orchestration
// components. Only ConfigurationError and ExhaustionError are meant to cross
// into the user-visible layer; everything else is absorbed and retried by the
// component that owns the failing operation.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// ConfigurationError reports invalid or missing settings. Fatal to session
// start and surfaced to the user.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// ConnectivityError is a transient transport failure, retried internally.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity: %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// CredentialReason narrows why a credential failed.
type CredentialReason int

const (
	CredentialExpired CredentialReason = iota
	CredentialMissing
	CredentialRejected
)

func (r CredentialReason) String() string {
	switch r {
	case CredentialExpired:
		return "expired"
	case CredentialMissing:
		return "missing"
	case CredentialRejected:
		return "rejected"
	}
	return "unknown"
}

// CredentialError reports an expired, missing, or rejected credential.
// Expired and missing trigger a refresh; rejected requires user re-auth.
type CredentialError struct {
	Reason CredentialReason
	Err    error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential %s: %v", e.Reason, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed response. Logged, then treated as
// transient.
type ProtocolError struct {
	Op     string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s: %s", e.Op, e.Detail)
}

// RateLimitedError reports a backend throttle with an optional retry hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// ExhaustionError reports that every retry or endpoint was consumed without
// success. Surfaced to the user.
type ExhaustionError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("%s: exhausted after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustionError) Unwrap() error { return e.Last }

// IsConnectivity reports whether err is (or wraps) a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// IsCredential reports whether err is a CredentialError, returning its
// reason when it is.
func IsCredential(err error) (CredentialReason, bool) {
	var ce *CredentialError
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return 0, false
}

// IsRateLimited reports whether err is a RateLimitedError, returning the
// retry-after hint when it is.
func IsRateLimited(err error) (time.Duration, bool) {
	var re *RateLimitedError
	if errors.As(err, &re) {
		return re.RetryAfter, true
	}
	return 0, false
}

// UserVisible reports whether err belongs to the categories that may cross
// into the UI layer.
func UserVisible(err error) bool {
	var cfg *ConfigurationError
	var exh *ExhaustionError
	return errors.As(err, &cfg) || errors.As(err, &exh)
}
