// Package token caches the music-service credential fetched from the
// companion backend. The cache is process-wide and is cleared only by TTL
// expiry, an explicit Invalidate, or a not-found response from the backend.
// App foreground/background transitions never clear it.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pacekit/interval-coach/internal/clock"
	"github.com/pacekit/interval-coach/internal/faults"
)

// Credential is one fetched access credential.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	FetchedAt    time.Time
}

// Valid reports whether the credential can still be served at now, keeping
// margin clear of the expiry.
func (c Credential) Valid(now time.Time, margin time.Duration) bool {
	return c.AccessToken != "" && now.Before(c.ExpiresAt.Add(-margin))
}

const (
	// DefaultSafetyMargin keeps a credential from being served right at the
	// edge of its lifetime.
	DefaultSafetyMargin = 60 * time.Second
	// DefaultMaxCacheAge bounds how long a fetch result is trusted even when
	// the reported expiry is far out.
	DefaultMaxCacheAge = 45 * time.Minute
	// DefaultAttemptTimeout bounds each endpoint attempt so failover stays
	// fast.
	DefaultAttemptTimeout = 3 * time.Second
)

type endpoint struct {
	baseURL string
	healthy bool
}

// Config configures a Cache.
type Config struct {
	// DeviceID is the path parameter of the backend token routes.
	DeviceID string
	// Endpoints are candidate base URLs in fixed priority order.
	Endpoints      []string
	SafetyMargin   time.Duration
	MaxCacheAge    time.Duration
	AttemptTimeout time.Duration
}

type fetchCall struct {
	done chan struct{}
	cred Credential
	err  error
}

// Cache is the TTL credential cache with single-flight fetch and ranked
// endpoint failover.
type Cache struct {
	clk    clock.Clock
	httpc  *http.Client
	logger *zap.Logger

	deviceID       string
	safetyMargin   time.Duration
	maxCacheAge    time.Duration
	attemptTimeout time.Duration

	mu        sync.Mutex
	endpoints []endpoint
	sticky    int // index of last healthy endpoint, tried first
	cached    *Credential
	call      *fetchCall
}

// NewCache creates a Cache. httpc may be nil, in which case
// http.DefaultClient is used.
func NewCache(clk clock.Clock, httpc *http.Client, cfg Config, logger *zap.Logger) (*Cache, error) {
	if cfg.DeviceID == "" {
		return nil, &faults.ConfigurationError{Field: "deviceID", Reason: "must not be empty"}
	}
	if len(cfg.Endpoints) == 0 {
		return nil, &faults.ConfigurationError{Field: "endpoints", Reason: "need at least one candidate"}
	}
	if httpc == nil {
		httpc = http.DefaultClient
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.MaxCacheAge <= 0 {
		cfg.MaxCacheAge = DefaultMaxCacheAge
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}

	eps := make([]endpoint, len(cfg.Endpoints))
	for i, u := range cfg.Endpoints {
		eps[i] = endpoint{baseURL: u, healthy: true}
	}
	return &Cache{
		clk:            clk,
		httpc:          httpc,
		logger:         logger.Named("token"),
		deviceID:       cfg.DeviceID,
		safetyMargin:   cfg.SafetyMargin,
		maxCacheAge:    cfg.MaxCacheAge,
		attemptTimeout: cfg.AttemptTimeout,
		endpoints:      eps,
	}, nil
}

// Get returns the cached credential when fresh, otherwise fetches one.
// Concurrent callers during a miss share a single outbound fetch.
func (c *Cache) Get(ctx context.Context) (Credential, error) {
	c.mu.Lock()
	if cred := c.cachedLocked(); cred != nil {
		out := *cred
		c.mu.Unlock()
		return out, nil
	}

	if c.call != nil {
		call := c.call
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return Credential{}, ctx.Err()
		case <-call.done:
			return call.cred, call.err
		}
	}

	call := &fetchCall{done: make(chan struct{})}
	c.call = call
	c.mu.Unlock()

	cred, err := c.fetch(ctx)

	c.mu.Lock()
	if err == nil {
		copied := cred
		c.cached = &copied
	}
	c.call = nil
	c.mu.Unlock()

	call.cred, call.err = cred, err
	close(call.done)
	return cred, err
}

// cachedLocked returns the cached credential if it is still servable.
func (c *Cache) cachedLocked() *Credential {
	if c.cached == nil {
		return nil
	}
	now := c.clk.Now()
	if !c.cached.Valid(now, c.safetyMargin) || now.Sub(c.cached.FetchedAt) >= c.maxCacheAge {
		c.cached = nil
		return nil
	}
	return c.cached
}

// ExpiringWithin reports whether the cached credential will stop being
// servable within d. Used for proactive background refresh.
func (c *Cache) ExpiringWithin(d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cred := c.cachedLocked()
	if cred == nil {
		return false
	}
	return !cred.Valid(c.clk.Now().Add(d), c.safetyMargin)
}

// Refresh drops the cached credential and fetches a replacement. Used by the
// proactive background refresher so a session never trips over an expiring
// credential mid-workout.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
	_, err := c.Get(ctx)
	return err
}

// Invalidate clears the cached credential (logout, credential rejected).
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
	c.logger.Info("credential cache invalidated")
}

// tokenResponse mirrors the backend wire format.
type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int    `json:"expiresIn"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
}

// fetch walks the ranked endpoint list, starting at the sticky index, until
// one responds healthily. A not-found answer is authoritative: the backend
// has no credential for this device, so iteration stops.
func (c *Cache) fetch(ctx context.Context) (Credential, error) {
	order := c.attemptOrder()
	var lastErr error
	attempts := 0

	for _, idx := range order {
		c.mu.Lock()
		base := c.endpoints[idx].baseURL
		c.mu.Unlock()

		attempts++
		cred, err := c.fetchFrom(ctx, base)
		switch {
		case err == nil:
			c.markEndpoint(idx, true)
			c.logger.Debug("credential fetched", zap.String("endpoint", base))
			return cred, nil
		case errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded):
			return Credential{}, ctx.Err()
		default:
			var credErr *faults.CredentialError
			if errors.As(err, &credErr) && credErr.Reason == faults.CredentialMissing {
				c.Invalidate()
				return Credential{}, err
			}
			c.markEndpoint(idx, false)
			c.logger.Warn("endpoint attempt failed",
				zap.String("endpoint", base), zap.Error(err))
			lastErr = err
		}
	}

	return Credential{}, &faults.ExhaustionError{Op: "token fetch", Attempts: attempts, Last: lastErr}
}

// attemptOrder yields endpoint indices with the sticky endpoint first, then
// the rest in priority order.
func (c *Cache) attemptOrder() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	order := make([]int, 0, len(c.endpoints))
	order = append(order, c.sticky)
	for i := range c.endpoints {
		if i != c.sticky {
			order = append(order, i)
		}
	}
	return order
}

func (c *Cache) markEndpoint(idx int, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints[idx].healthy = healthy
	if healthy {
		c.sticky = idx
	} else if c.sticky == idx {
		c.sticky = 0
	}
}

func (c *Cache) fetchFrom(ctx context.Context, base string) (Credential, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/devices/%s/token", base, c.deviceID)
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return Credential{}, &faults.ConnectivityError{Op: "build token request", Err: err}
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Credential{}, &faults.ConnectivityError{Op: "token fetch", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// parsed below
	case resp.StatusCode == http.StatusNotFound:
		return Credential{}, &faults.CredentialError{
			Reason: faults.CredentialMissing,
			Err:    fmt.Errorf("no credential stored for device %s", c.deviceID),
		}
	case resp.StatusCode == http.StatusTooManyRequests:
		return Credential{}, &faults.RateLimitedError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Credential{}, &faults.CredentialError{
			Reason: faults.CredentialRejected,
			Err:    fmt.Errorf("backend returned %d", resp.StatusCode),
		}
	default:
		return Credential{}, &faults.ConnectivityError{
			Op:  "token fetch",
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Credential{}, &faults.ProtocolError{Op: "token fetch", Detail: err.Error()}
	}
	if body.AccessToken == "" {
		return Credential{}, &faults.ProtocolError{Op: "token fetch", Detail: "empty accessToken"}
	}

	now := c.clk.Now()
	expiresAt := now.Add(time.Duration(body.ExpiresIn) * time.Second)
	if body.ExpiresAt != "" {
		if parsed, perr := time.Parse(time.RFC3339, body.ExpiresAt); perr == nil {
			expiresAt = parsed
		}
	}
	return Credential{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    expiresAt,
		FetchedAt:    now,
	}, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// Store pushes a freshly obtained credential to the backend (after the user
// completes the auth flow on another surface).
func (c *Cache) Store(ctx context.Context, cred Credential) error {
	payload, err := json.Marshal(map[string]any{
		"accessToken":  cred.AccessToken,
		"refreshToken": cred.RefreshToken,
		"expiresIn":    int(cred.ExpiresAt.Sub(c.clk.Now()).Seconds()),
	})
	if err != nil {
		return &faults.ProtocolError{Op: "token store", Detail: err.Error()}
	}
	return c.writeRequest(ctx, http.MethodPost, payload)
}

// Revoke deletes the stored credential on the backend and clears the cache.
func (c *Cache) Revoke(ctx context.Context) error {
	if err := c.writeRequest(ctx, http.MethodDelete, nil); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

func (c *Cache) writeRequest(ctx context.Context, method string, payload []byte) error {
	order := c.attemptOrder()
	var lastErr error

	for _, idx := range order {
		c.mu.Lock()
		base := c.endpoints[idx].baseURL
		c.mu.Unlock()

		err := c.writeOne(ctx, method, base, payload)
		if err == nil {
			c.markEndpoint(idx, true)
			return nil
		}
		c.markEndpoint(idx, false)
		lastErr = err
	}
	return &faults.ExhaustionError{Op: "token " + method, Attempts: len(order), Last: lastErr}
}

func (c *Cache) writeOne(ctx context.Context, method, base string, payload []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/devices/%s/token", base, c.deviceID)
	var req *http.Request
	var err error
	if payload != nil {
		req, err = http.NewRequestWithContext(attemptCtx, method, url, bytes.NewReader(payload))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req, err = http.NewRequestWithContext(attemptCtx, method, url, nil)
	}
	if err != nil {
		return &faults.ConnectivityError{Op: "build token request", Err: err}
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &faults.ConnectivityError{Op: "token " + method, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &faults.ConnectivityError{
		Op:  "token " + method,
		Err: fmt.Errorf("unexpected status %d", resp.StatusCode),
	}
}
