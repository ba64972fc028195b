package music

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pacekit/interval-coach/internal/clock"
	"github.com/pacekit/interval-coach/internal/faults"
)

// fakeControlServer accepts one control session and records what it sees.
type fakeControlServer struct {
	t           *testing.T
	srv         *httptest.Server
	acceptToken string

	mu       sync.Mutex
	conn     *websocket.Conn
	commands []wireMessage
}

func newFakeControlServer(t *testing.T, acceptToken string) *fakeControlServer {
	f := &fakeControlServer{t: t, acceptToken: acceptToken}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		var auth wireMessage
		require.NoError(t, conn.ReadJSON(&auth))
		require.Equal(t, "auth", auth.Type)

		if auth.AccessToken != f.acceptToken {
			_ = conn.WriteJSON(wireMessage{Type: "auth_invalid", Reason: "bad token"})
			conn.Close()
			return
		}
		require.NoError(t, conn.WriteJSON(wireMessage{Type: "auth_ok"}))

		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()

		for {
			var msg wireMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.mu.Lock()
			f.commands = append(f.commands, msg)
			f.mu.Unlock()
		}
	}))
	return f
}

func (f *fakeControlServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeControlServer) push(msg wireMessage) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	require.NotNil(f.t, conn, "no session established")
	require.NoError(f.t, conn.WriteJSON(msg))
}

func (f *fakeControlServer) dropSession() {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (f *fakeControlServer) received() []wireMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wireMessage(nil), f.commands...)
}

func (f *fakeControlServer) close() { f.srv.Close() }

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWSChannelConnectAndCommand(t *testing.T) {
	server := newFakeControlServer(t, "good-token")
	defer server.close()

	ch := NewWSChannel(server.url(), clock.NewRealClock(), nil, nil, zap.NewNop())
	require.NoError(t, ch.Connect(context.Background(), "good-token"))
	defer ch.Close()
	assert.True(t, ch.Connected())

	require.NoError(t, ch.SendCommand(Command{Kind: KindPlayContext, ContextURI: "playlist:high"}))

	waitFor(t, func() bool { return len(server.received()) == 1 }, "command never arrived")
	got := server.received()[0]
	assert.Equal(t, "command", got.Type)
	assert.Equal(t, "play_context", got.Command)
	assert.Equal(t, "playlist:high", got.ContextURI)
}

func TestWSChannelRejectsBadToken(t *testing.T) {
	server := newFakeControlServer(t, "good-token")
	defer server.close()

	ch := NewWSChannel(server.url(), clock.NewRealClock(), nil, nil, zap.NewNop())
	err := ch.Connect(context.Background(), "expired-token")
	require.Error(t, err)

	reason, ok := faults.IsCredential(err)
	require.True(t, ok)
	assert.Equal(t, faults.CredentialExpired, reason)
	assert.False(t, ch.Connected())
}

func TestWSChannelDeliversPushes(t *testing.T) {
	server := newFakeControlServer(t, "good-token")
	defer server.close()

	pushes := make(chan TrackSnapshot, 4)
	ch := NewWSChannel(server.url(), clock.NewRealClock(),
		func(s TrackSnapshot) { pushes <- s }, nil, zap.NewNop())
	require.NoError(t, ch.Connect(context.Background(), "good-token"))
	defer ch.Close()

	server.push(wireMessage{
		Type:      "player_state",
		Track:     &wireTrack{ID: "track-9", Title: "Intervals", Artist: "Tempo"},
		IsPlaying: true,
	})

	select {
	case got := <-pushes:
		assert.Equal(t, RankChannel, got.Source)
		assert.Equal(t, "track-9", got.TrackID)
		assert.True(t, got.IsPlaying)
	case <-time.After(2 * time.Second):
		t.Fatal("push never delivered")
	}
}

func TestWSChannelReportsTransportLoss(t *testing.T) {
	server := newFakeControlServer(t, "good-token")
	defer server.close()

	downs := make(chan error, 1)
	ch := NewWSChannel(server.url(), clock.NewRealClock(), nil,
		func(err error) { downs <- err }, zap.NewNop())
	require.NoError(t, ch.Connect(context.Background(), "good-token"))

	server.dropSession()

	select {
	case err := <-downs:
		assert.True(t, faults.IsConnectivity(err))
	case <-time.After(2 * time.Second):
		t.Fatal("channel loss never reported")
	}
	assert.False(t, ch.Connected())
}

func TestWSChannelCloseIsSilent(t *testing.T) {
	server := newFakeControlServer(t, "good-token")
	defer server.close()

	downs := make(chan error, 1)
	ch := NewWSChannel(server.url(), clock.NewRealClock(), nil,
		func(err error) { downs <- err }, zap.NewNop())
	require.NoError(t, ch.Connect(context.Background(), "good-token"))

	require.NoError(t, ch.Close())

	select {
	case <-downs:
		t.Fatal("explicit close must not report a failure")
	case <-time.After(200 * time.Millisecond):
	}
	assert.False(t, ch.Connected())

	err := ch.SendCommand(Command{Kind: KindPause})
	assert.True(t, faults.IsConnectivity(err))
}
