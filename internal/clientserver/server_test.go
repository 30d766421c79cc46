package clientserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extbridge/browserd/internal/protocol"
	"github.com/extbridge/browserd/internal/session"
)

type fakeRouter struct {
	result protocol.CommandResult
}

func (f *fakeRouter) SubmitCommand(ctx context.Context, cmd protocol.Command) protocol.CommandResult {
	result := f.result
	result.ID = cmd.ID
	return result
}

func startTestClientServer(t *testing.T, router CommandSubmitter, registry *session.Registry) *Server {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "daemon.sock")
	s := New(Options{
		SocketPath: socketPath,
		Endpoint:   Endpoint{IP: "127.0.0.1", Port: 9222},
		Router:     router,
		Registry:   registry,
	})
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func roundTrip(t *testing.T, socketPath string, req protocol.Envelope) protocol.Envelope {
	t.Helper()
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	data, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)

	var resp protocol.Envelope
	require.NoError(t, json.Unmarshal(line, &resp))
	return resp
}

func TestServer_Ping(t *testing.T) {
	s := startTestClientServer(t, &fakeRouter{}, session.NewRegistry())
	resp := roundTrip(t, s.socketPath, protocol.Envelope{Type: "ping"})
	assert.Equal(t, "pong", resp.Type)
}

func TestServer_GetEndpoint(t *testing.T) {
	s := startTestClientServer(t, &fakeRouter{}, session.NewRegistry())
	resp := roundTrip(t, s.socketPath, protocol.Envelope{Type: "get_endpoint"})
	assert.Equal(t, "endpoint", resp.Type)

	var payload protocol.EndpointPayload
	require.NoError(t, json.Unmarshal(resp.Payload, &payload))
	assert.Equal(t, "127.0.0.1", payload.IP)
	assert.Equal(t, 9222, payload.Port)
}

func TestServer_RegisterExtensionReusesAwaitingSession(t *testing.T) {
	registry := session.NewRegistry()
	s := startTestClientServer(t, &fakeRouter{}, registry)

	first := roundTrip(t, s.socketPath, protocol.Envelope{Type: "register_extension"})
	assert.Equal(t, "registration", first.Type)
	var firstPayload protocol.RegistrationPayload
	require.NoError(t, json.Unmarshal(first.Payload, &firstPayload))

	second := roundTrip(t, s.socketPath, protocol.Envelope{Type: "register_extension"})
	var secondPayload protocol.RegistrationPayload
	require.NoError(t, json.Unmarshal(second.Payload, &secondPayload))

	assert.Equal(t, firstPayload.SessionID, secondPayload.SessionID)
}

func TestServer_CommandRoundTrip(t *testing.T) {
	router := &fakeRouter{result: protocol.CommandResult{Success: true, Data: json.RawMessage(`{"ok":true}`)}}
	s := startTestClientServer(t, router, session.NewRegistry())

	cmdPayload, _ := json.Marshal(protocol.Command{ID: "c1", SessionID: "s1", Type: protocol.CmdSnapshot})
	resp := roundTrip(t, s.socketPath, protocol.Envelope{Type: "command", Payload: cmdPayload})
	assert.Equal(t, "response", resp.Type)

	var result protocol.CommandResult
	require.NoError(t, json.Unmarshal(resp.Payload, &result))
	assert.Equal(t, "c1", result.ID)
	assert.True(t, result.Success)
}

func TestServer_MalformedRequestReturnsError(t *testing.T) {
	s := startTestClientServer(t, &fakeRouter{}, session.NewRegistry())

	conn, err := net.DialTimeout("unix", s.socketPath, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not json\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)

	var resp protocol.Envelope
	require.NoError(t, json.Unmarshal(line, &resp))
	assert.Equal(t, "error", resp.Type)
}

func TestServer_ClosesAfterOneReply(t *testing.T) {
	s := startTestClientServer(t, &fakeRouter{}, session.NewRegistry())

	conn, err := net.DialTimeout("unix", s.socketPath, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	data, _ := json.Marshal(protocol.Envelope{Type: "ping"})
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	_, err = reader.ReadBytes('\n')
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = reader.ReadByte()
	assert.Error(t, err, "server should close the connection after one reply")
}
