package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	polistls "github.com/polisai/polis-relay/internal/tls"
	"github.com/polisai/polis-relay/pkg/config"
	"github.com/polisai/polis-relay/pkg/protocol"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

const (
	tracerName    = "github.com/polisai/polis-relay/pkg/agent"
	outboundQueue = 256
	writeTimeout  = 10 * time.Second
)

// Options configures a Client.
type Options struct {
	Logger *slog.Logger
	// CertificatePEM overrides reading cfg.CertFile.
	CertificatePEM string
	// OnRegistered is called with every identity the broker assigns.
	OnRegistered func(identity string)
}

// Client maintains the agent's connection to the broker.
type Client struct {
	cfg          *config.AgentConfig
	certPEM      string
	dialer       websocket.Dialer
	logger       *slog.Logger
	onRegistered func(string)

	mu     sync.Mutex
	active *link
}

// NewClient prepares a client. The certificate is read once here; rotate it
// by restarting the agent.
func NewClient(cfg *config.AgentConfig, opts Options) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("agent: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	certPEM := opts.CertificatePEM
	if certPEM == "" {
		data, err := os.ReadFile(cfg.CertFile)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, polistls.NewFileNotFoundError(cfg.CertFile)
			}
			return nil, fmt.Errorf("read certificate: %w", err)
		}
		certPEM = string(data)
	}

	u, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	var tlsConfig *tls.Config
	if u.Scheme == "wss" {
		tlsConfig, err = polistls.ClientConfig(cfg.TLS.CAFile, cfg.TLS.InsecureSkipVerify)
		if err != nil {
			return nil, err
		}
	}

	return &Client{
		cfg:     cfg,
		certPEM: strings.TrimSpace(certPEM),
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
			TLSClientConfig:  tlsConfig,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger:       logger,
		onRegistered: opts.OnRegistered,
	}, nil
}

// Identity returns the identity of the current broker session, or "".
func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.identity
}

// current returns the registered link, if any.
func (c *Client) current() *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Run connects, registers and serves until ctx is cancelled, the broker
// stops the agent with the normal close code, or registration is rejected.
// Any other disconnect is retried with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    c.cfg.Reconnect.Min,
		Max:    c.cfg.Reconnect.Max,
		Factor: c.cfg.Reconnect.Factor,
		Jitter: true,
	}

	for {
		registered, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if registered {
			b.Reset()
		}

		cause := "error"
		switch {
		case errors.Is(err, ErrAuthFailed):
			c.logger.Error("Registration rejected, not reconnecting", "error", err)
			return err
		case errors.Is(err, ErrBrokerStopped):
			c.logger.Info("Broker requested stop")
			return nil
		case errors.Is(err, errRestart):
			cause = "restart"
			c.logger.Info("Broker restarting, reconnecting")
		default:
			c.logger.Warn("Broker connection lost", "error", err)
		}
		telemetry.RecordReconnect(ctx, cause)

		delay := b.Duration()
		c.logger.Info("Reconnecting", "delay", delay, "attempt", int(b.Attempt()))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// session runs one transport from dial to disconnect.
func (c *Client) session(ctx context.Context) (bool, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "relay.agent.session")
	defer span.End()

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.Broker, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("dial %s: %w", c.cfg.Broker, err)
	}
	defer conn.Close()

	identity, err := c.register(conn)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	span.SetAttributes(attribute.String("relay.agent.identity", identity))
	c.logger.Info("Registered with broker", "identity", identity, "broker", c.cfg.Broker)

	l := newLink(conn, identity, c.logger)
	l.mux = NewMux(l.send, MuxOptions{
		DialHost:    c.cfg.DialHost,
		DialTimeout: c.cfg.DialTimeout,
		Logger:      c.logger,
	})

	c.mu.Lock()
	c.active = l
	c.mu.Unlock()
	if c.onRegistered != nil {
		c.onRegistered(identity)
	}

	go l.writeLoop()
	stop := context.AfterFunc(ctx, func() {
		l.shutdown(websocket.CloseNormalClosure, "agent stopping")
	})

	err = l.readLoop()

	stop()
	c.mu.Lock()
	if c.active == l {
		c.active = nil
	}
	c.mu.Unlock()
	l.close()
	l.mux.Close()

	return true, err
}

// register sends the certificate and waits for the assigned identity.
func (c *Client) register(conn *websocket.Conn) (string, error) {
	msg, err := protocol.Encode(protocol.Register{ID: c.certPEM})
	if err != nil {
		return "", err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return "", fmt.Errorf("send register: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.RegisterTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return "", classifyClose(closeErr, false)
			}
			return "", fmt.Errorf("await register ack: %w", err)
		}

		frame, err := protocol.Decode(msg)
		if err != nil {
			c.logger.Warn("Dropping undecodable frame", "error", err)
			continue
		}
		ack, ok := frame.(protocol.Register)
		if !ok {
			c.logger.Warn("Discarding frame received before register ack", "type", frame.Type())
			continue
		}
		if ack.ID == "" || strings.Contains(ack.ID, ":") {
			return "", fmt.Errorf("broker assigned unusable identity %q", ack.ID)
		}
		return ack.ID, nil
	}
}

// classifyClose maps the broker's close code to the agent's next step.
// Before registration any close other than restart or normal is a rejection.
func classifyClose(err *websocket.CloseError, registered bool) error {
	switch err.Code {
	case websocket.CloseServiceRestart:
		return errRestart
	case websocket.CloseNormalClosure:
		return ErrBrokerStopped
	}
	if !registered {
		return &AuthError{Code: err.Code, Reason: err.Text}
	}
	return fmt.Errorf("broker closed transport: %w", err)
}

// link is one registered broker transport.
type link struct {
	conn     *websocket.Conn
	identity string
	mux      *Mux
	logger   *slog.Logger

	outbound  chan protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newLink(conn *websocket.Conn, identity string, logger *slog.Logger) *link {
	return &link{
		conn:     conn,
		identity: identity,
		logger:   logger.With("identity", identity),
		outbound: make(chan protocol.Frame, outboundQueue),
		done:     make(chan struct{}),
	}
}

// send queues f, blocking while the queue is full.
func (l *link) send(f protocol.Frame) error {
	select {
	case <-l.done:
		return ErrDisconnected
	default:
	}
	select {
	case l.outbound <- f:
		return nil
	case <-l.done:
		return ErrDisconnected
	}
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}

// shutdown tells the broker the agent is leaving. The broker's echo ends
// readLoop. readLoop owns the websocket read side, so the fallback deadline
// is set on the net.Conn, which allows concurrent callers.
func (l *link) shutdown(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout)); err != nil {
		_ = l.conn.Close()
	}
	_ = l.conn.NetConn().SetReadDeadline(time.Now().Add(2 * time.Second))
}

func (l *link) readLoop() error {
	for {
		_, msg, err := l.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return classifyClose(closeErr, true)
			}
			return err
		}

		frame, err := protocol.Decode(msg)
		if err != nil {
			l.logger.Warn("Dropping undecodable frame", "error", err)
			continue
		}
		l.mux.Dispatch(frame)
	}
}

func (l *link) writeLoop() {
	for {
		select {
		case f := <-l.outbound:
			msg, err := protocol.Encode(f)
			if err != nil {
				l.logger.Error("Dropping unencodable frame", "error", err)
				continue
			}
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := l.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				l.logger.Debug("Broker write failed", "error", err)
				l.close()
				_ = l.conn.Close()
				return
			}
		case <-l.done:
			return
		}
	}
}
