package music

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pacekit/interval-coach/internal/clock"
	"github.com/pacekit/interval-coach/internal/faults"
)

// CommandAPI is the stateless request/response surface of the music service.
// It covers the same capabilities as the control channel, at higher latency,
// and serves as the fallback path when the channel is down.
type CommandAPI interface {
	SendCommand(ctx context.Context, accessToken string, cmd Command) error
	NowPlaying(ctx context.Context, accessToken string) (TrackSnapshot, error)
}

// APIClient implements CommandAPI over plain HTTP.
type APIClient struct {
	baseURL string
	httpc   *http.Client
	clk     clock.Clock
	logger  *zap.Logger
}

// NewAPIClient creates an APIClient. httpc may be nil.
func NewAPIClient(baseURL string, httpc *http.Client, clk clock.Clock, logger *zap.Logger) *APIClient {
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &APIClient{
		baseURL: baseURL,
		httpc:   httpc,
		clk:     clk,
		logger:  logger.Named("musicapi"),
	}
}

type commandRequest struct {
	Command    string `json:"command"`
	ContextURI string `json:"contextUri,omitempty"`
}

type nowPlayingResponse struct {
	Track     *wireTrack `json:"track"`
	IsPlaying bool       `json:"isPlaying"`
}

// SendCommand issues cmd through the request/response API.
func (a *APIClient) SendCommand(ctx context.Context, accessToken string, cmd Command) error {
	payload, err := json.Marshal(commandRequest{Command: cmd.Kind.String(), ContextURI: cmd.ContextURI})
	if err != nil {
		return &faults.ProtocolError{Op: "player command", Detail: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/player/command", bytes.NewReader(payload))
	if err != nil {
		return &faults.ConnectivityError{Op: "player command", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpc.Do(req)
	if err != nil {
		return &faults.ConnectivityError{Op: "player command", Err: err}
	}
	defer resp.Body.Close()

	if err := statusToError("player command", resp); err != nil {
		return err
	}
	a.logger.Debug("command accepted", zap.Stringer("command", cmd.Kind))
	return nil
}

// NowPlaying polls the service's current playback state.
func (a *APIClient) NowPlaying(ctx context.Context, accessToken string) (TrackSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/player/now-playing", nil)
	if err != nil {
		return TrackSnapshot{}, &faults.ConnectivityError{Op: "now playing", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.httpc.Do(req)
	if err != nil {
		return TrackSnapshot{}, &faults.ConnectivityError{Op: "now playing", Err: err}
	}
	defer resp.Body.Close()

	if err := statusToError("now playing", resp); err != nil {
		return TrackSnapshot{}, err
	}

	var body nowPlayingResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return TrackSnapshot{}, &faults.ProtocolError{Op: "now playing", Detail: err.Error()}
	}
	if body.Track == nil {
		return TrackSnapshot{}, &faults.ProtocolError{Op: "now playing", Detail: "missing track"}
	}

	return TrackSnapshot{
		Source:     RankAPI,
		TrackID:    body.Track.ID,
		Title:      body.Track.Title,
		Artist:     body.Track.Artist,
		IsPlaying:  body.IsPlaying,
		ObservedAt: a.clk.Now(),
	}, nil
}

func statusToError(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return &faults.CredentialError{Reason: faults.CredentialExpired, Err: fmt.Errorf("%s: 401", op)}
	case resp.StatusCode == http.StatusForbidden:
		return &faults.CredentialError{Reason: faults.CredentialRejected, Err: fmt.Errorf("%s: 403", op)}
	case resp.StatusCode == http.StatusTooManyRequests:
		var after time.Duration
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				after = time.Duration(secs) * time.Second
			}
		}
		return &faults.RateLimitedError{RetryAfter: after}
	default:
		return &faults.ConnectivityError{Op: op, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
}
