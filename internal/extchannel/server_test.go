package extchannel

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extbridge/browserd/internal/protocol"
	"github.com/extbridge/browserd/internal/session"
)

type recorder struct {
	mu            sync.Mutex
	connected     []string
	disconnected  []string
	responses     []protocol.RawResponse
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnExtensionConnected: func(sessionID string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connected = append(r.connected, sessionID)
		},
		OnExtensionResponse: func(sessionID string, resp protocol.RawResponse) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.responses = append(r.responses, resp)
		},
		OnExtensionDisconnected: func(sessionID string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnected = append(r.disconnected, sessionID)
		},
	}
}

func (r *recorder) connectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected)
}

func (r *recorder) disconnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnected)
}

func dialExtension(t *testing.T, port int) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/", port), nil)
	require.NoError(t, err)
	return ws
}

func startTestServer(t *testing.T, heartbeatInterval, heartbeatTimeout time.Duration) (*Server, *session.Registry, *recorder) {
	t.Helper()
	registry := session.NewRegistry()
	rec := &recorder{}
	srv := New(registry, rec.handlers(), Options{
		Port:              0,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
	})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv, registry, rec
}

func TestServer_RegisterCreatesFreshSession(t *testing.T) {
	srv, registry, rec := startTestServer(t, time.Minute, time.Minute)

	ws := dialExtension(t, srv.Port())
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(protocol.RegisterMessage{Type: "register", WindowID: 1}))

	var assigned protocol.SessionAssignedMessage
	require.NoError(t, ws.ReadJSON(&assigned))
	assert.NotEmpty(t, assigned.SessionID)
	assert.Equal(t, "session_assigned", assigned.Type)

	require.Eventually(t, func() bool { return rec.connectedCount() == 1 }, time.Second, 10*time.Millisecond)

	sess, err := registry.Get(assigned.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StateConnected, sess.State)
}

func TestServer_AwaitingSessionWinsOverCache(t *testing.T) {
	srv, registry, _ := startTestServer(t, time.Minute, time.Minute)

	older := registry.Create(session.Options{})
	require.NoError(t, registry.SetState(older.ID, session.StateAwaitingExtension))

	cached := registry.Create(session.Options{})
	require.NoError(t, registry.SetState(cached.ID, session.StateDisconnected))

	ws := dialExtension(t, srv.Port())
	defer ws.Close()
	require.NoError(t, ws.WriteJSON(protocol.RegisterMessage{Type: "register", WindowID: 1, CachedSessionID: cached.ID}))

	var assigned protocol.SessionAssignedMessage
	require.NoError(t, ws.ReadJSON(&assigned))
	assert.Equal(t, older.ID, assigned.SessionID)
}

func TestServer_CachedReattach(t *testing.T) {
	srv, registry, _ := startTestServer(t, time.Minute, time.Minute)

	existing := registry.Create(session.Options{})
	require.NoError(t, registry.SetState(existing.ID, session.StateDisconnected))

	ws := dialExtension(t, srv.Port())
	defer ws.Close()
	require.NoError(t, ws.WriteJSON(protocol.RegisterMessage{Type: "register", WindowID: 1, CachedSessionID: existing.ID}))

	var assigned protocol.SessionAssignedMessage
	require.NoError(t, ws.ReadJSON(&assigned))
	assert.Equal(t, existing.ID, assigned.SessionID)
}

func TestServer_ReplacedConnectionDoesNotFireDisconnect(t *testing.T) {
	srv, _, rec := startTestServer(t, time.Minute, time.Minute)

	ws1 := dialExtension(t, srv.Port())
	defer ws1.Close()
	require.NoError(t, ws1.WriteJSON(protocol.RegisterMessage{Type: "register", WindowID: 1}))

	var assigned1 protocol.SessionAssignedMessage
	require.NoError(t, ws1.ReadJSON(&assigned1))

	// Second connection registers with the same cached id while the first is
	// still open; the first gets closed with 4001 and must not be reported
	// to the router as a disconnect.
	ws2 := dialExtension(t, srv.Port())
	defer ws2.Close()
	require.NoError(t, ws2.WriteJSON(protocol.RegisterMessage{Type: "register", WindowID: 1, CachedSessionID: assigned1.SessionID}))

	var assigned2 protocol.SessionAssignedMessage
	require.NoError(t, ws2.ReadJSON(&assigned2))
	assert.Equal(t, assigned1.SessionID, assigned2.SessionID)

	_, _, err := ws1.ReadMessage()
	assert.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, protocol.CloseNewConnectionForSession, closeErr.Code)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.disconnectedCount())
}

func TestServer_PeerCloseFiresDisconnect(t *testing.T) {
	srv, registry, rec := startTestServer(t, time.Minute, time.Minute)

	ws := dialExtension(t, srv.Port())
	require.NoError(t, ws.WriteJSON(protocol.RegisterMessage{Type: "register", WindowID: 1}))

	var assigned protocol.SessionAssignedMessage
	require.NoError(t, ws.ReadJSON(&assigned))

	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool { return rec.disconnectedCount() == 1 }, time.Second, 10*time.Millisecond)

	sess, err := registry.Get(assigned.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StateDisconnected, sess.State)
}

func TestServer_HeartbeatTimeoutClosesAndDisconnects(t *testing.T) {
	srv, _, rec := startTestServer(t, 50*time.Millisecond, 50*time.Millisecond)

	ws := dialExtension(t, srv.Port())
	defer ws.Close()
	require.NoError(t, ws.WriteJSON(protocol.RegisterMessage{Type: "register", WindowID: 1}))

	var assigned protocol.SessionAssignedMessage
	require.NoError(t, ws.ReadJSON(&assigned))

	// Never reply to pings.
	_, _, err := ws.ReadMessage() // consumes the ping
	require.NoError(t, err)

	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, protocol.CloseHeartbeatTimeout, closeErr.Code)

	require.Eventually(t, func() bool { return rec.disconnectedCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestServer_PongKeepsChannelAlive(t *testing.T) {
	srv, _, rec := startTestServer(t, 30*time.Millisecond, 100*time.Millisecond)

	ws := dialExtension(t, srv.Port())
	defer ws.Close()
	require.NoError(t, ws.WriteJSON(protocol.RegisterMessage{Type: "register", WindowID: 1}))

	var assigned protocol.SessionAssignedMessage
	require.NoError(t, ws.ReadJSON(&assigned))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			var msg protocol.TypedMessage
			if ws.ReadJSON(&msg) != nil {
				return
			}
			if msg.Type == "ping" {
				_ = ws.WriteJSON(protocol.TypedMessage{Type: "pong"})
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ping/pong exchange")
	}

	assert.Equal(t, 0, rec.disconnectedCount())
}

func TestServer_SendCommandRoundTrip(t *testing.T) {
	srv, _, _ := startTestServer(t, time.Minute, time.Minute)

	ws := dialExtension(t, srv.Port())
	defer ws.Close()
	require.NoError(t, ws.WriteJSON(protocol.RegisterMessage{Type: "register", WindowID: 1}))

	var assigned protocol.SessionAssignedMessage
	require.NoError(t, ws.ReadJSON(&assigned))

	ok := srv.SendCommand(assigned.SessionID, protocol.OutboundCommand{ID: "c1", Type: "snapshot"})
	assert.True(t, ok)

	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var got protocol.OutboundCommand
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "c1", got.ID)
}

func TestServer_SendCommandNoChannelReturnsFalse(t *testing.T) {
	srv, _, _ := startTestServer(t, time.Minute, time.Minute)
	ok := srv.SendCommand("missing", protocol.OutboundCommand{ID: "c1", Type: "snapshot"})
	assert.False(t, ok)
}

func TestServer_RawResponseDispatch(t *testing.T) {
	srv, _, rec := startTestServer(t, time.Minute, time.Minute)

	ws := dialExtension(t, srv.Port())
	defer ws.Close()
	require.NoError(t, ws.WriteJSON(protocol.RegisterMessage{Type: "register", WindowID: 1}))

	var assigned protocol.SessionAssignedMessage
	require.NoError(t, ws.ReadJSON(&assigned))

	require.NoError(t, ws.WriteJSON(protocol.RawResponse{ID: "c1", Success: true}))

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.responses) == 1
	}, time.Second, 10*time.Millisecond)
}
