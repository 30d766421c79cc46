// Package clientserver is the local client server: it accepts connections on
// the platform's local-socket mechanism, reads one line-delimited JSON
// request per connection, dispatches it, writes one reply, and closes.
package clientserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/extbridge/browserd/internal/codec"
	"github.com/extbridge/browserd/internal/log"
	"github.com/extbridge/browserd/internal/protocol"
	"github.com/extbridge/browserd/internal/session"
)

// connectionDeadline bounds how long a single connection may take to send
// its request and receive its reply.
const connectionDeadline = 60 * time.Second

// CommandSubmitter is the slice of router.Router the client server depends on.
type CommandSubmitter interface {
	SubmitCommand(ctx context.Context, cmd protocol.Command) protocol.CommandResult
}

// Endpoint is the extension channel's address, handed out via get_endpoint
// and register_extension.
type Endpoint struct {
	IP   string
	Port int
}

// Options configures a new Server.
type Options struct {
	SocketPath string
	Endpoint   Endpoint
	Router     CommandSubmitter
	Registry   *session.Registry
}

// Server accepts local client connections.
type Server struct {
	socketPath string
	endpoint   Endpoint
	router     CommandSubmitter
	registry   *session.Registry

	listener  net.Listener
	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Server. Start must be called before it accepts connections.
func New(opts Options) *Server {
	return &Server{
		socketPath: opts.SocketPath,
		endpoint:   opts.Endpoint,
		router:     opts.Router,
		registry:   opts.Registry,
		done:       make(chan struct{}),
	}
}

// Start binds the local socket and begins accepting connections. Bind
// errors are returned synchronously; per-connection errors are logged.
func (s *Server) Start() error {
	listener, err := listen(s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on local client socket %s: %w", s.socketPath, err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				log.Debug("local client accept error", "error", err)
				return
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Stop halts the accept loop, revokes the socket, and waits for every
// in-flight connection handler to finish.
func (s *Server) Stop() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
	s.wg.Wait()
	cleanup(s.socketPath)
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(connectionDeadline))
	reader := codec.NewLineReader(conn)

	raw, err := reader.ReadFrame()
	if err != nil {
		if !errors.Is(err, os.ErrClosed) {
			log.Debug("local client read error", "error", err)
		}
		return
	}

	reply := s.handleRequest(conn.RemoteAddr(), raw)
	if reply == nil {
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		log.Error("marshal client reply failed", "error", err)
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(connectionDeadline))
	if err := codec.WriteLine(conn, data); err != nil {
		log.Debug("local client write error", "error", err)
	}
}

// handleRequest dispatches one request envelope. Returns nil only when there
// is truly nothing to send back, which never happens today but keeps the
// seam open for future fire-and-forget request types.
func (s *Server) handleRequest(_ net.Addr, raw []byte) *protocol.Envelope {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		return errorEnvelope("malformed request")
	}

	switch protocol.RequestType(env.Type) {
	case protocol.ReqPing:
		return typedEnvelope(protocol.RespPong, nil)

	case protocol.ReqCommand:
		return s.handleCommand(env.Payload)

	case protocol.ReqGetEndpoint:
		payload, _ := json.Marshal(protocol.EndpointPayload{IP: s.endpoint.IP, Port: s.endpoint.Port})
		return &protocol.Envelope{Type: string(protocol.RespEndpoint), Payload: payload}

	case protocol.ReqRegisterExtension:
		return s.handleRegisterExtension()

	default:
		return errorEnvelope(fmt.Sprintf("unknown request type %q", env.Type))
	}
}

func (s *Server) handleCommand(payload json.RawMessage) *protocol.Envelope {
	var cmd protocol.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return errorEnvelope("malformed command payload")
	}

	ctx := context.Background()
	result := s.router.SubmitCommand(ctx, cmd)

	data, _ := json.Marshal(result)
	return &protocol.Envelope{Type: string(protocol.RespResponse), Payload: data}
}

// handleRegisterExtension creates or reuses an awaiting_extension session,
// used by the extension's host-messaging bootstrap.
func (s *Server) handleRegisterExtension() *protocol.Envelope {
	var sess session.Session
	if awaiting := s.registry.ListByState(session.StateAwaitingExtension); len(awaiting) > 0 {
		sess = awaiting[0]
	} else {
		created := s.registry.Create(session.Options{})
		_ = s.registry.SetState(created.ID, session.StateAwaitingExtension)
		sess = *created
		sess.State = session.StateAwaitingExtension
	}

	payload, _ := json.Marshal(protocol.RegistrationPayload{
		SessionID: sess.ID,
		IP:        s.endpoint.IP,
		Port:      s.endpoint.Port,
	})
	return &protocol.Envelope{Type: string(protocol.RespRegistration), Payload: payload}
}

func typedEnvelope(t protocol.ResponseType, payload json.RawMessage) *protocol.Envelope {
	return &protocol.Envelope{Type: string(t), Payload: payload}
}

func errorEnvelope(message string) *protocol.Envelope {
	payload, _ := json.Marshal(protocol.ErrorPayload{Error: message})
	return &protocol.Envelope{Type: string(protocol.RespError), Payload: payload}
}
