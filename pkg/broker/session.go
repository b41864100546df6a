package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	polistls "github.com/polisai/polis-relay/internal/tls"
	"github.com/polisai/polis-relay/pkg/protocol"
)

// State is a session's position in its lifecycle.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SessionConfig holds the collaborators and tuning of a Session.
type SessionConfig struct {
	Registry Registry
	Router   *Router
	Verifier Verifier
	Metrics  *Metrics
	Logger   *slog.Logger

	QueueSize       int
	RegisterTimeout time.Duration
	// PingInterval of zero disables keepalive pings.
	PingInterval time.Duration
	// NewIdentity mints agent identities; defaults to random UUIDs.
	NewIdentity func() string
	// RemoteAddr is recorded on logs and spans.
	RemoteAddr string
}

// Session owns one transport to one agent. It is the Sink registered for the
// agent's identity once Register succeeds.
type Session struct {
	transport Transport
	cfg       SessionConfig
	logger    *slog.Logger

	outbound   chan protocol.Frame
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	removeOnce sync.Once

	mu          sync.Mutex
	state       State
	identity    string
	claim       *polistls.AgentClaim
	closeCode   int
	closeReason string
	authErr     error
}

// NewSession prepares a session over transport. Call Run to drive it.
func NewSession(transport Transport, cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = 30 * time.Second
	}
	if cfg.NewIdentity == nil {
		cfg.NewIdentity = uuid.NewString
	}

	return &Session{
		transport:  transport,
		cfg:        cfg,
		logger:     cfg.Logger.With("remote_addr", cfg.RemoteAddr),
		outbound:   make(chan protocol.Frame, cfg.QueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the assigned identity, or "" before Register completes.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Done is closed once the session stops accepting frames.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Enqueue queues f for the writer without blocking.
func (s *Session) Enqueue(f protocol.Frame) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}

	select {
	case s.outbound <- f:
		return nil
	case <-s.done:
		return ErrSinkClosed
	default:
		return ErrBackpressure
	}
}

// Close stops the session. A non-zero code is sent to the peer after the
// write in progress, if any. Only the first call has an effect.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.closeCode = code
		s.closeReason = reason
		s.mu.Unlock()

		close(s.done)
		s.unregister()
	})
}

// Run drives the session until the transport ends. It returns the admission
// error for a rejected agent, a transport error for an abnormal disconnect,
// and nil otherwise.
func (s *Session) Run(ctx context.Context) error {
	started := time.Now()
	s.cfg.Metrics.sessionOpened()

	ctx, span := startSessionSpan(ctx, s.cfg.RemoteAddr)

	go s.writeLoop()

	registerTimer := time.AfterFunc(s.cfg.RegisterTimeout, s.registerExpired)
	stopWatch := context.AfterFunc(ctx, func() {
		s.Close(CloseGoingAway, "broker stopping")
	})

	readErr := s.readLoop(ctx)

	stopWatch()
	registerTimer.Stop()
	s.Close(0, "")
	<-s.writerDone
	_ = s.transport.Close()

	s.mu.Lock()
	err := s.authErr
	identity := s.identity
	s.mu.Unlock()

	outcome := "closed"
	switch {
	case err != nil:
		outcome = "rejected"
	case identity == "":
		outcome = "unregistered"
	case readErr != nil:
		err = readErr
		outcome = "error"
	}

	s.cfg.Metrics.sessionClosed(outcome, time.Since(started))
	s.logger.Info("Session closed",
		"identity", identity,
		"outcome", outcome,
		"duration", time.Since(started))

	endSpan(span, err)
	return err
}

// readLoop returns when the transport fails or the peer closes. Read errors
// after the session asked to close are not reported.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		msg, err := s.transport.Read()
		if err != nil {
			if s.State() == StateClosed || isExpectedClose(err) {
				return nil
			}
			return fmt.Errorf("transport read: %w", err)
		}
		s.handleMessage(ctx, msg)
	}
}

func (s *Session) handleMessage(ctx context.Context, msg []byte) {
	frame, err := protocol.Decode(msg)
	if err != nil {
		s.cfg.Metrics.decodeError()
		s.logger.Warn("Dropping undecodable frame", "error", err, "bytes", len(msg))
		return
	}
	s.cfg.Metrics.frameReceived(string(frame.Type()))

	switch s.State() {
	case StateUnauthenticated:
		reg, ok := frame.(protocol.Register)
		if !ok {
			s.cfg.Metrics.frameRejected("unauthenticated")
			s.logger.Warn("Discarding frame received before register",
				"type", frame.Type(),
				"error", ErrUnauthenticated)
			return
		}
		s.register(ctx, reg)

	case StateAuthenticated:
		if _, ok := frame.(protocol.Register); ok {
			s.cfg.Metrics.frameRejected("duplicate_register")
			s.logger.Warn("Ignoring repeated register", "identity", s.Identity())
			return
		}
		if err := s.cfg.Router.Route(s.Identity(), frame, s); err != nil {
			s.logRouteError(frame, err)
		}

	default:
		// Closing: nothing more is accepted.
	}
}

func (s *Session) register(ctx context.Context, reg protocol.Register) {
	_, span := startRegisterSpan(ctx)

	claim, err := s.cfg.Verifier.Verify(reg.ID)
	if err != nil {
		reason, closeText := admissionFailure(err)
		s.cfg.Metrics.authFailure(reason)
		s.logger.Warn("Agent registration rejected", "reason", reason, "error", err)

		s.mu.Lock()
		s.authErr = fmt.Errorf("register: %w", err)
		s.mu.Unlock()
		s.Close(ClosePolicy, closeText)
		endSpan(span, err)
		return
	}

	identity := s.cfg.NewIdentity()

	// The acknowledgement is queued first so it precedes anything routed here.
	if err := s.Enqueue(protocol.Register{ID: identity}); err != nil {
		s.logger.Warn("Could not acknowledge register", "error", err)
		s.Close(CloseInternal, "internal error")
		endSpan(span, err)
		return
	}

	if err := s.cfg.Registry.Insert(identity, s); err != nil {
		s.logger.Error("Registry invariant violated", "identity", identity, "error", err)
		s.Close(CloseInternal, "internal error")
		endSpan(span, err)
		return
	}

	s.mu.Lock()
	closed := s.state == StateClosed
	if !closed {
		s.state = StateAuthenticated
		s.identity = identity
		s.claim = claim
	}
	s.mu.Unlock()

	if closed {
		// Lost a race with Close; the entry must not outlive the session.
		s.cfg.Registry.Remove(identity)
		endSpan(span, ErrSinkClosed)
		return
	}

	s.cfg.Metrics.agentRegistered()
	s.logger.Info("Agent registered",
		"identity", identity,
		"subject", claim.Subject,
		"spiffe_id", claim.SPIFFEID,
		"not_after", claim.NotAfter)

	recordAgent(span, identity, claim)
	endSpan(span, nil)
}

func (s *Session) registerExpired() {
	if s.State() != StateUnauthenticated {
		return
	}
	s.cfg.Metrics.authFailure("timeout")
	s.logger.Warn("Closing transport that did not register in time",
		"timeout", s.cfg.RegisterTimeout)
	s.Close(ClosePolicy, "register timeout")
}

// unregister removes the registry entry once, after the session is closed.
func (s *Session) unregister() {
	s.mu.Lock()
	identity := s.identity
	s.mu.Unlock()
	if identity == "" {
		return
	}

	s.removeOnce.Do(func() {
		s.cfg.Registry.Remove(identity)
		s.cfg.Metrics.agentRemoved()
	})
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)

	var ping <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-s.done:
			s.finish()
			return

		case f := <-s.outbound:
			if err := s.write(f); err != nil {
				s.logger.Debug("Transport write failed", "error", err)
				s.Close(0, "")
				_ = s.transport.Close()
				return
			}

		case <-ping:
			if err := s.transport.Ping(); err != nil {
				s.logger.Debug("Transport ping failed", "error", err)
				s.Close(0, "")
				_ = s.transport.Close()
				return
			}
		}
	}
}

func (s *Session) write(f protocol.Frame) error {
	msg, err := protocol.Encode(f)
	if err != nil {
		// Only broker-built frames reach here; skip rather than kill the session.
		s.logger.Error("Dropping unencodable frame", "error", err)
		return nil
	}
	if err := s.transport.Write(msg); err != nil {
		return err
	}
	s.cfg.Metrics.frameWritten()
	return nil
}

// finish delivers the close signal, or drops the transport when none was
// requested so the receive loop unblocks.
func (s *Session) finish() {
	s.mu.Lock()
	code, reason := s.closeCode, s.closeReason
	s.mu.Unlock()

	if code == 0 {
		_ = s.transport.Close()
		return
	}
	if err := s.transport.Shutdown(code, reason); err != nil {
		s.logger.Debug("Close signal not delivered", "code", code, "error", err)
		_ = s.transport.Close()
	}
}

func (s *Session) logRouteError(f protocol.Frame, err error) {
	connID := protocol.ConnIDOf(f)

	switch {
	case errors.Is(err, ErrRoutingMiss):
		// Normal when the other end has gone away.
		s.logger.Debug("Frame not delivered",
			"type", f.Type(),
			"conn_id", connID,
			"error", err)
	case errors.Is(err, protocol.ErrMalformedConnID):
		s.cfg.Metrics.frameRejected("malformed_conn_id")
		s.logger.Warn("Dropping frame with malformed conn_id",
			"type", f.Type(),
			"conn_id", connID)
	default:
		s.cfg.Metrics.frameRejected("unroutable")
		s.logger.Warn("Dropping unroutable frame", "type", f.Type(), "error", err)
	}
}

// admissionFailure maps a verifier error to a metrics label and the close
// reason sent to the agent.
func admissionFailure(err error) (reason, closeText string) {
	switch {
	case errors.Is(err, polistls.ErrMalformedCertificate):
		return "malformed_certificate", "malformed certificate"
	case errors.Is(err, polistls.ErrUntrustedCertificate):
		var tlsErr *polistls.TLSError
		if errors.As(err, &tlsErr) {
			return "untrusted_certificate", "untrusted certificate: " + tlsErr.Reason()
		}
		return "untrusted_certificate", "untrusted certificate"
	default:
		return "verifier_error", "certificate rejected"
	}
}
