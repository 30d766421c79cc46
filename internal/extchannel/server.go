// Package extchannel is the extension channel server: it accepts extension
// connections, runs the registration handshake, maintains per-session
// liveness via ping/pong, delivers outbound commands, and surfaces inbound
// responses to the command router.
package extchannel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/extbridge/browserd/internal/codec"
	"github.com/extbridge/browserd/internal/log"
	"github.com/extbridge/browserd/internal/protocol"
	"github.com/extbridge/browserd/internal/session"
)

// maxMessageSize caps a single WebSocket message (10MB, large enough for a
// screenshot-sized payload).
const maxMessageSize = 10 * 1024 * 1024

var errClosed = errors.New("extension channel closed")

// Handlers are the callbacks the command router and orchestrator register to
// observe channel lifecycle events.
type Handlers struct {
	OnExtensionConnected    func(sessionID string)
	OnExtensionResponse     func(sessionID string, resp protocol.RawResponse)
	OnExtensionDisconnected func(sessionID string)
}

// Server is the WebSocket server extensions connect to.
type Server struct {
	registry *session.Registry
	handlers Handlers

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener
	port       int

	mu        sync.Mutex
	bySession map[string]*conn // sessionID -> current channel
}

// Options configures a new Server.
type Options struct {
	Port              int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// New creates a Server bound to registry, reporting lifecycle events via handlers.
func New(registry *session.Registry, handlers Handlers, opts Options) *Server {
	return &Server{
		registry:          registry,
		handlers:          handlers,
		heartbeatInterval: opts.HeartbeatInterval,
		heartbeatTimeout:  opts.HeartbeatTimeout,
		port:              opts.Port,
		bySession:         make(map[string]*conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxMessageSize,
			WriteBufferSize: maxMessageSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Port returns the port the server is listening on (useful when Options.Port
// was 0 and the OS assigned one).
func (s *Server) Port() int { return s.port }

// Start binds the listener and begins serving upgrade requests.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("listen on extension channel port %d: %w", s.port, err)
	}
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.listener = listener

	s.httpServer = &http.Server{Handler: mux}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("extension channel server stopped", "error", err)
		}
	}()

	return nil
}

// Stop closes every channel with code 1000 and halts the accept loop.
func (s *Server) Stop() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.bySession))
	for _, c := range s.bySession {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.stopHeartbeat()
		c.closeWithCode(protocol.CloseNormal, "server shutting down")
	}

	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
}

// SendCommand hands cmd to the extension attached to sessionID. Returns true
// if the command was handed to the transport, false if the session has no
// open channel. No retries.
func (s *Server) SendCommand(sessionID string, cmd protocol.OutboundCommand) bool {
	s.mu.Lock()
	c, ok := s.bySession[sessionID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return false
	}
	return c.send(data) == nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("extension channel upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	c := newConn(ws)
	s.serve(c)
}

// serve runs the registration handshake then the message loop for c. One
// goroutine per connection.
func (s *Server) serve(c *conn) {
	c.ws.SetReadDeadline(time.Now().Add(registrationDeadline))
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		c.closeWithCode(protocol.CloseProtocolError, "not ready")
		return
	}

	var reg protocol.RegisterMessage
	if err := json.Unmarshal(raw, &reg); err != nil || reg.Type != "register" {
		log.Debug("extension channel registration malformed", "error", err)
		c.closeWithCode(protocol.CloseProtocolError, "protocol error")
		return
	}

	sess := s.resolveSession(reg)
	c.sessionID = sess.ID
	s.adopt(sess.ID, c)

	assigned := protocol.SessionAssignedMessage{Type: "session_assigned", SessionID: sess.ID}
	data, _ := json.Marshal(assigned)
	if err := c.send(data); err != nil {
		log.Debug("failed to send session_assigned", "session", sess.ID, "error", err)
	}

	s.startHeartbeat(c)

	if s.handlers.OnExtensionConnected != nil {
		s.handlers.OnExtensionConnected(sess.ID)
	}

	s.readLoop(c)
}

// resolveSession picks which session a newly registering connection binds
// to: an existing session waiting on its browser launch takes priority,
// then a cached session id the extension remembers, then a fresh session.
func (s *Server) resolveSession(reg protocol.RegisterMessage) session.Session {
	if awaiting := s.registry.ListByState(session.StateAwaitingExtension); len(awaiting) > 0 {
		return awaiting[0]
	}

	if reg.CachedSessionID != "" {
		if sess, err := s.registry.Get(reg.CachedSessionID); err == nil {
			return sess
		}
	}

	return *s.registry.Create(session.Options{})
}

// adopt atomically swaps in c as the current channel for sessionID, closing
// (without firing a disconnect notification) whatever channel was there
// before.
func (s *Server) adopt(sessionID string, c *conn) {
	s.mu.Lock()
	old, hadOld := s.bySession[sessionID]
	s.bySession[sessionID] = c
	s.mu.Unlock()

	if hadOld {
		old.superseded.Store(true)
		old.stopHeartbeat()
		old.closeWithCode(protocol.CloseNewConnectionForSession, "new connection for session")
	}

	_ = s.registry.DetachExtension(sessionID)
	if err := s.registry.AttachExtension(sessionID, c.id); err != nil {
		log.Error("attach extension failed", "session", sessionID, "error", err)
	}
}

func (s *Server) readLoop(c *conn) {
	defer s.cleanup(c)

	for {
		c.ws.SetReadDeadline(time.Now().Add(s.heartbeatTimeout + s.heartbeatInterval))
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(c, raw)
	}
}

// dispatch handles one inbound extension channel message: ping/pong keepalive,
// the legacy wrapped response envelope, or a bare response.
func (s *Server) dispatch(c *conn, raw []byte) {
	msgType, ok := codec.PeekType(raw)
	if ok {
		switch msgType {
		case "pong":
			c.pingOutstanding.Store(false)
			c.mu.Lock()
			if c.deadlineTimer != nil {
				c.deadlineTimer.Stop()
			}
			c.mu.Unlock()
			return
		case "ping":
			data, _ := json.Marshal(protocol.TypedMessage{Type: "pong"})
			_ = c.send(data)
			return
		case "response":
			var legacy protocol.LegacyResponseEnvelope
			if err := codec.DecodeTyped(raw, &legacy); err != nil {
				log.Debug("malformed legacy response", "session", c.sessionID, "error", err)
				return
			}
			s.reportResponse(c.sessionID, legacy.Payload)
			return
		default:
			log.Debug("unknown extension message dropped", "session", c.sessionID, "type", msgType)
			return
		}
	}

	var resp protocol.RawResponse
	if err := json.Unmarshal(raw, &resp); err == nil && resp.ID != "" {
		s.reportResponse(c.sessionID, resp)
		return
	}

	log.Debug("malformed extension message dropped", "session", c.sessionID)
}

func (s *Server) reportResponse(sessionID string, resp protocol.RawResponse) {
	if s.handlers.OnExtensionResponse != nil {
		s.handlers.OnExtensionResponse(sessionID, resp)
	}
}

// cleanup runs once per connection when its read loop exits, for whatever
// reason (peer close, heartbeat timeout, or Stop()). A connection that was
// superseded by a reattach must not fire a disconnect notification — the
// session is already connected to the new channel.
func (s *Server) cleanup(c *conn) {
	c.stopHeartbeat()

	if c.superseded.Load() {
		return
	}

	s.mu.Lock()
	current, ok := s.bySession[c.sessionID]
	isCurrent := ok && current == c
	if isCurrent {
		delete(s.bySession, c.sessionID)
	}
	s.mu.Unlock()

	if !isCurrent {
		return
	}

	_ = s.registry.DetachExtension(c.sessionID)
	if s.handlers.OnExtensionDisconnected != nil {
		s.handlers.OnExtensionDisconnected(c.sessionID)
	}
}

// startHeartbeat begins the per-session ping/pong loop.
func (s *Server) startHeartbeat(c *conn) {
	go func() {
		ticker := time.NewTicker(s.heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-c.heartbeatStop:
				return
			case <-ticker.C:
				if c.pingOutstanding.Load() {
					continue
				}

				data, _ := json.Marshal(protocol.TypedMessage{Type: "ping"})
				if err := c.send(data); err != nil {
					return
				}
				c.pingOutstanding.Store(true)

				c.mu.Lock()
				c.deadlineTimer = time.AfterFunc(s.heartbeatTimeout, func() {
					if c.pingOutstanding.Load() {
						c.closeWithCode(protocol.CloseHeartbeatTimeout, "heartbeat timeout")
					}
				})
				c.mu.Unlock()
			}
		}
	}()
}
