package extchannel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// registrationDeadline bounds how long a freshly opened channel has to send
// its register message before the server gives up on it.
const registrationDeadline = 10 * time.Second

// conn is one extension channel: a WebSocket bound to at most one session
// once registered.
type conn struct {
	id        string // opaque channel id, independent of the session it serves
	sessionID string
	ws        *websocket.Conn

	mu     sync.Mutex
	closed bool

	// superseded is set by the server when a newer connection takes over
	// this conn's session. The read loop's cleanup checks this to avoid
	// firing a spurious onExtensionDisconnected for a replace.
	superseded atomic.Bool

	// heartbeat state.
	pingOutstanding atomic.Bool
	deadlineTimer   *time.Timer
	heartbeatStop   chan struct{}
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		id:            uuid.New().String(),
		ws:            ws,
		heartbeatStop: make(chan struct{}),
	}
}

// send writes a text frame to the extension. Safe for concurrent use.
func (c *conn) send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClosed
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// closeWithCode closes the underlying WebSocket with a close frame carrying
// code/reason. Idempotent.
func (c *conn) closeWithCode(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(2*time.Second))
	_ = c.ws.Close()
}

func (c *conn) stopHeartbeat() {
	select {
	case <-c.heartbeatStop:
	default:
		close(c.heartbeatStop)
	}
	c.mu.Lock()
	if c.deadlineTimer != nil {
		c.deadlineTimer.Stop()
	}
	c.mu.Unlock()
}
