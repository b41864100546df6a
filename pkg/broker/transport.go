package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes agents act on.
const (
	// CloseRestart asks the agent to reconnect.
	CloseRestart = websocket.CloseServiceRestart
	// CloseNormal asks the agent to stop.
	CloseNormal = websocket.CloseNormalClosure
	// ClosePolicy rejects an agent that failed admission.
	ClosePolicy = websocket.ClosePolicyViolation
	// CloseInternal aborts a session after a broker-side invariant failure.
	CloseInternal = websocket.CloseInternalServerErr
	// CloseGoingAway is sent when the broker stops without an explicit
	// shutdown mode.
	CloseGoingAway = websocket.CloseGoingAway
)

// closeGrace bounds how long a session waits for the peer to answer a close.
const closeGrace = 2 * time.Second

// TransportOptions tunes a WebSocketTransport.
type TransportOptions struct {
	// PongWait is the read deadline extended by every pong; zero disables it.
	PongWait        time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

// WebSocketTransport adapts a gorilla websocket connection to Transport.
type WebSocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pongWait     time.Duration
	closeOnce    sync.Once
	closeErr     error

	// graceDeadline is the Shutdown read deadline in Unix nanoseconds.
	graceDeadline atomic.Int64
}

// NewWebSocketTransport wraps conn. Ownership of conn passes to the transport.
func NewWebSocketTransport(conn *websocket.Conn, opts TransportOptions) *WebSocketTransport {
	t := &WebSocketTransport{
		conn:         conn,
		writeTimeout: opts.WriteTimeout,
		pongWait:     opts.PongWait,
	}
	if t.writeTimeout <= 0 {
		t.writeTimeout = 10 * time.Second
	}
	if opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(opts.MaxMessageBytes)
	}
	if t.pongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t.pongWait))
		conn.SetPongHandler(func(string) error {
			t.extendReadDeadline()
			return nil
		})
	}
	return t
}

// extendReadDeadline runs on the reading goroutine only. Once Shutdown has
// armed the close grace period the deadline never moves past it.
func (t *WebSocketTransport) extendReadDeadline() {
	if t.pongWait <= 0 {
		return
	}
	_ = t.conn.SetReadDeadline(time.Now().Add(t.pongWait))
	if grace := t.graceDeadline.Load(); grace != 0 {
		_ = t.conn.SetReadDeadline(time.Unix(0, grace))
	}
}

func (t *WebSocketTransport) Read() ([]byte, error) {
	_, msg, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	t.extendReadDeadline()
	return msg, nil
}

func (t *WebSocketTransport) Write(msg []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

func (t *WebSocketTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

// Shutdown sends a close frame and arms a short read deadline so the pending
// Read returns once the peer answers or the grace period ends. It runs
// concurrently with Read, so the deadline goes to the net.Conn, whose
// methods are safe for concurrent use; websocket.Conn's read methods are not.
func (t *WebSocketTransport) Shutdown(code int, reason string) error {
	deadline := time.Now().Add(closeGrace)
	t.graceDeadline.Store(deadline.UnixNano())
	msg := websocket.FormatCloseMessage(code, reason)
	err := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeTimeout))
	_ = t.conn.NetConn().SetReadDeadline(deadline)
	return err
}

func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// RemoteAddr returns the peer address.
func (t *WebSocketTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// isExpectedClose reports read errors that end a session without fault.
func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseServiceRestart,
		websocket.ClosePolicyViolation,
	)
}
