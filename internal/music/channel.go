package music

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pacekit/interval-coach/internal/clock"
	"github.com/pacekit/interval-coach/internal/faults"
)

// ControlChannel is the persistent low-latency control path to the music
// service, as opposed to its stateless HTTP API.
type ControlChannel interface {
	// Connect dials and authenticates. On success a reader goroutine runs
	// until Close or a transport failure.
	Connect(ctx context.Context, accessToken string) error
	// SendCommand pushes one playback command over the live channel.
	SendCommand(cmd Command) error
	// Connected reports whether the channel is currently live.
	Connected() bool
	// Close tears the channel down without signaling a failure.
	Close() error
}

// PushHandler receives now-playing pushes from the channel.
type PushHandler func(TrackSnapshot)

// DownHandler is invoked once when a live channel is lost to a transport
// failure. It is not invoked for an explicit Close.
type DownHandler func(err error)

// wire formats of the control session. The handshake mirrors the backend:
// the client opens with an auth frame and waits for auth_ok before anything
// else flows.
type wireMessage struct {
	Type        string     `json:"type"`
	AccessToken string     `json:"accessToken,omitempty"`
	Command     string     `json:"command,omitempty"`
	ContextURI  string     `json:"contextUri,omitempty"`
	Track       *wireTrack `json:"track,omitempty"`
	IsPlaying   bool       `json:"isPlaying,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

type wireTrack struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
}

const defaultHandshakeTimeout = 10 * time.Second

// WSChannel is the websocket implementation of ControlChannel.
type WSChannel struct {
	url    string
	clk    clock.Clock
	logger *zap.Logger
	dialer *websocket.Dialer
	onPush PushHandler
	onDown DownHandler

	mu         sync.Mutex
	conn       *websocket.Conn
	connCancel context.CancelFunc
	writeMu    sync.Mutex
}

// NewWSChannel creates a channel client for url. onPush and onDown may be
// nil.
func NewWSChannel(url string, clk clock.Clock, onPush PushHandler, onDown DownHandler, logger *zap.Logger) *WSChannel {
	return &WSChannel{
		url:    url,
		clk:    clk,
		logger: logger.Named("channel"),
		dialer: &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout},
		onPush: onPush,
		onDown: onDown,
	}
}

// Connect dials the control session and performs the auth handshake.
func (c *WSChannel) Connect(ctx context.Context, accessToken string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return &faults.ConnectivityError{Op: "channel connect", Err: fmt.Errorf("already connected")}
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return &faults.ConnectivityError{Op: "channel dial", Err: err}
	}

	if err := conn.WriteJSON(wireMessage{Type: "auth", AccessToken: accessToken}); err != nil {
		conn.Close()
		return &faults.ConnectivityError{Op: "channel auth write", Err: err}
	}

	var reply wireMessage
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return &faults.ConnectivityError{Op: "channel auth read", Err: err}
	}
	switch reply.Type {
	case "auth_ok":
		// proceed
	case "auth_invalid":
		conn.Close()
		return &faults.CredentialError{
			Reason: faults.CredentialExpired,
			Err:    fmt.Errorf("channel rejected token: %s", reply.Reason),
		}
	default:
		conn.Close()
		return &faults.ProtocolError{Op: "channel auth", Detail: "unexpected reply " + reply.Type}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.connCancel = cancel
	c.mu.Unlock()

	go c.readLoop(connCtx, conn)
	c.logger.Info("channel connected")
	return nil
}

// readLoop consumes pushes until the connection dies. The conn-scoped
// context distinguishes an explicit Close from a transport failure; only the
// latter reaches onDown.
func (c *WSChannel) readLoop(connCtx context.Context, conn *websocket.Conn) {
	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if connCtx.Err() != nil {
				return
			}
			c.teardown(conn)
			c.logger.Warn("channel lost", zap.Error(err))
			if c.onDown != nil {
				c.onDown(&faults.ConnectivityError{Op: "channel read", Err: err})
			}
			return
		}

		switch msg.Type {
		case "player_state":
			if c.onPush == nil || msg.Track == nil {
				continue
			}
			c.onPush(TrackSnapshot{
				Source:     RankChannel,
				TrackID:    msg.Track.ID,
				Title:      msg.Track.Title,
				Artist:     msg.Track.Artist,
				IsPlaying:  msg.IsPlaying,
				ObservedAt: c.clk.Now(),
			})
		case "ping":
			c.writeMu.Lock()
			_ = conn.WriteJSON(wireMessage{Type: "pong"})
			c.writeMu.Unlock()
		default:
			c.logger.Debug("ignoring channel message", zap.String("type", msg.Type))
		}
	}
}

// SendCommand pushes cmd over the live channel.
func (c *WSChannel) SendCommand(cmd Command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &faults.ConnectivityError{Op: "channel send", Err: fmt.Errorf("not connected")}
	}

	msg := wireMessage{Type: "command", Command: cmd.Kind.String(), ContextURI: cmd.ContextURI}
	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		c.teardown(conn)
		return &faults.ConnectivityError{Op: "channel send", Err: err}
	}
	return nil
}

// Connected reports whether the channel is live.
func (c *WSChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close tears down the channel deliberately; the reader exits silently.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.connCancel
	c.conn = nil
	c.connCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// teardown clears connection state after a transport failure, but only if
// conn is still the current connection.
func (c *WSChannel) teardown(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		if c.connCancel != nil {
			c.connCancel()
			c.connCancel = nil
		}
	}
	c.mu.Unlock()
	conn.Close()
}
