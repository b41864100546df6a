package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	polistls "github.com/polisai/polis-relay/internal/tls"
	"github.com/polisai/polis-relay/pkg/protocol"
)

const waitFor = 2 * time.Second

type sessionHarness struct {
	transport *fakeTransport
	session   *Session
	registry  *MemoryRegistry
	metrics   *Metrics
	result    chan error
	cancel    context.CancelFunc
}

func startSession(t *testing.T, registry *MemoryRegistry, verifier Verifier, tweak func(*SessionConfig)) *sessionHarness {
	t.Helper()
	if registry == nil {
		registry = NewRegistry()
	}
	if verifier == nil {
		verifier = stubVerifier{}
	}
	metrics := NewMetrics()

	cfg := SessionConfig{
		Registry:        registry,
		Router:          NewRouter(registry, nil),
		Verifier:        verifier,
		Metrics:         metrics,
		QueueSize:       16,
		RegisterTimeout: time.Minute,
		RemoteAddr:      "test",
	}
	if tweak != nil {
		tweak(&cfg)
	}

	transport := newFakeTransport()
	h := &sessionHarness{
		transport: transport,
		session:   NewSession(transport, cfg),
		registry:  registry,
		metrics:   metrics,
		result:    make(chan error, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)

	go func() {
		h.result <- h.session.Run(ctx)
	}()
	return h
}

// register performs the handshake and returns the acknowledged identity.
func (h *sessionHarness) register(t *testing.T, candidate string) string {
	t.Helper()
	h.transport.deliver(protocol.Register{ID: candidate})
	f, err := h.transport.next(waitFor)
	require.NoError(t, err, "no register acknowledgement")
	ack, ok := f.(protocol.Register)
	require.True(t, ok, "first frame is %T, want Register", f)
	return ack.ID
}

func (h *sessionHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(waitFor):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestSessionRegisterAssignsIdentity(t *testing.T) {
	h := startSession(t, nil, nil, func(c *SessionConfig) {
		c.NewIdentity = sequentialIDs("agent-1")
	})

	identity := h.register(t, "cert")
	assert.Equal(t, "agent-1", identity)

	require.Eventually(t, func() bool {
		return h.session.State() == StateAuthenticated
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, "agent-1", h.session.Identity())

	sink, ok := h.registry.Lookup("agent-1")
	require.True(t, ok)
	assert.Same(t, h.session, sink)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.agentsRegistered))
}

func TestSessionDefaultIdentityIsUUID(t *testing.T) {
	h := startSession(t, nil, nil, nil)
	identity := h.register(t, "cert")
	assert.Len(t, identity, 36)
}

func TestSessionDiscardsFramesBeforeRegister(t *testing.T) {
	registry := NewRegistry()
	dest := &recordingSink{}
	require.NoError(t, registry.Insert("id2", dest))

	h := startSession(t, registry, nil, func(c *SessionConfig) {
		c.NewIdentity = sequentialIDs("id1")
	})

	h.transport.deliver(protocol.Open{ConnID: "id1::id2::n1", Target: "id2", Port: 80})
	h.transport.deliver(protocol.Data{ConnID: "id1::id2::n1", Data: []byte("early")})

	// The transport stays usable and the agent may still register.
	assert.Equal(t, "id1", h.register(t, "cert"))
	assert.Empty(t, dest.Frames())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.framesRejected.WithLabelValues("unauthenticated")))
}

func TestSessionRejectsUntrustedCertificate(t *testing.T) {
	rejection := polistls.NewUntrustedCertificateError("certificate has expired", nil)
	h := startSession(t, nil, stubVerifier{reject: map[string]error{"bad": rejection}}, nil)

	h.transport.deliver(protocol.Register{ID: "bad"})
	err := h.wait(t)

	require.Error(t, err)
	assert.ErrorIs(t, err, polistls.ErrUntrustedCertificate)
	assert.Equal(t, []closeSignal{{code: ClosePolicy, reason: "untrusted certificate: certificate has expired"}}, h.transport.Shutdowns())
	assert.Zero(t, h.registry.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.authFailures.WithLabelValues("untrusted_certificate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.sessionsTotal.WithLabelValues("rejected")))

	select {
	case f := <-h.transport.written:
		t.Fatalf("rejected session wrote %#v", f)
	default:
	}
}

func TestSessionRejectsMalformedCertificate(t *testing.T) {
	rejection := polistls.NewMalformedCertificateError("invalid pem certificate", errors.New("no pem block"))
	h := startSession(t, nil, stubVerifier{reject: map[string]error{"garbage": rejection}}, nil)

	h.transport.deliver(protocol.Register{ID: "garbage"})
	err := h.wait(t)

	assert.ErrorIs(t, err, polistls.ErrMalformedCertificate)
	assert.Equal(t, []closeSignal{{code: ClosePolicy, reason: "malformed certificate"}}, h.transport.Shutdowns())
}

func TestSessionIgnoresRepeatedRegister(t *testing.T) {
	h := startSession(t, nil, nil, func(c *SessionConfig) {
		c.NewIdentity = sequentialIDs("first", "second")
	})
	require.Equal(t, "first", h.register(t, "cert"))

	h.transport.deliver(protocol.Register{ID: "cert"})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.framesRejected.WithLabelValues("duplicate_register")) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, "first", h.session.Identity())
	assert.Equal(t, []string{"first"}, h.registry.Identities())
}

func TestSessionRegisterTimeout(t *testing.T) {
	h := startSession(t, nil, nil, func(c *SessionConfig) {
		c.RegisterTimeout = 20 * time.Millisecond
	})

	err := h.wait(t)
	assert.NoError(t, err)
	assert.Equal(t, []closeSignal{{code: ClosePolicy, reason: "register timeout"}}, h.transport.Shutdowns())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.authFailures.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.sessionsTotal.WithLabelValues("unregistered")))
}

func TestSessionUnregistersOnDisconnect(t *testing.T) {
	h := startSession(t, nil, nil, func(c *SessionConfig) {
		c.NewIdentity = sequentialIDs("agent-1")
	})
	h.register(t, "cert")
	require.Eventually(t, func() bool { return h.registry.Len() == 1 }, waitFor, 5*time.Millisecond)

	h.transport.hangUp()
	assert.ErrorIs(t, h.wait(t), errTransportClosed)

	_, ok := h.registry.Lookup("agent-1")
	assert.False(t, ok)
	assert.Equal(t, StateClosed, h.session.State())
	assert.Zero(t, testutil.ToFloat64(h.metrics.agentsRegistered))
	assert.ErrorIs(t, h.session.Enqueue(protocol.Close{ConnID: "a::b::c"}), ErrSinkClosed)
}

func TestSessionCloseSendsCodeAndUnregisters(t *testing.T) {
	h := startSession(t, nil, nil, func(c *SessionConfig) {
		c.NewIdentity = sequentialIDs("agent-1")
	})
	h.register(t, "cert")
	require.Eventually(t, func() bool { return h.registry.Len() == 1 }, waitFor, 5*time.Millisecond)

	h.session.Close(CloseRestart, "broker restarting")
	h.session.Close(CloseNormal, "ignored")

	assert.NoError(t, h.wait(t))
	assert.Equal(t, []closeSignal{{code: CloseRestart, reason: "broker restarting"}}, h.transport.Shutdowns())
	assert.Zero(t, h.registry.Len())
}

func TestSessionContextCancelClosesGoingAway(t *testing.T) {
	h := startSession(t, nil, nil, nil)
	h.register(t, "cert")

	h.cancel()

	assert.NoError(t, h.wait(t))
	assert.Equal(t, []closeSignal{{code: CloseGoingAway, reason: "broker stopping"}}, h.transport.Shutdowns())
}

func TestSessionEnqueueBackpressure(t *testing.T) {
	transport := newFakeTransport()
	// Not running: nothing drains the queue.
	s := NewSession(transport, SessionConfig{QueueSize: 2})

	require.NoError(t, s.Enqueue(protocol.Close{ConnID: "a::b::1"}))
	require.NoError(t, s.Enqueue(protocol.Close{ConnID: "a::b::2"}))
	assert.ErrorIs(t, s.Enqueue(protocol.Close{ConnID: "a::b::3"}), ErrBackpressure)

	s.Close(0, "")
	assert.ErrorIs(t, s.Enqueue(protocol.Close{ConnID: "a::b::4"}), ErrSinkClosed)
}

func TestSessionRoutesBetweenAgents(t *testing.T) {
	registry := NewRegistry()
	a := startSession(t, registry, nil, func(c *SessionConfig) {
		c.NewIdentity = sequentialIDs("id1")
	})
	b := startSession(t, registry, nil, func(c *SessionConfig) {
		c.NewIdentity = sequentialIDs("id2")
	})
	a.register(t, "cert-a")
	b.register(t, "cert-b")
	require.Eventually(t, func() bool { return registry.Len() == 2 }, waitFor, 5*time.Millisecond)

	a.transport.deliver(protocol.Open{ConnID: "id1::id2::n1", Target: "id2", Port: 22})
	a.transport.deliver(protocol.Data{ConnID: "id1::id2::n1", Data: []byte("ping")})
	b.transport.deliver(protocol.Data{ConnID: "id1::id2::n1", Data: []byte("pong")})

	f, err := b.transport.next(waitFor)
	require.NoError(t, err)
	assert.Equal(t, protocol.Open{ConnID: "id1::id2::n1", Port: 22}, f)

	f, err = b.transport.next(waitFor)
	require.NoError(t, err)
	assert.Equal(t, protocol.Data{ConnID: "id1::id2::n1", Data: []byte("ping")}, f)

	// B answers on the same conn_id and the frame travels back to A.
	f, err = a.transport.next(waitFor)
	require.NoError(t, err)
	assert.Equal(t, protocol.Data{ConnID: "id1::id2::n1", Data: []byte("pong")}, f)
}

func TestSessionSendsKeepalivePings(t *testing.T) {
	h := startSession(t, nil, nil, func(c *SessionConfig) {
		c.PingInterval = 5 * time.Millisecond
	})

	require.Eventually(t, func() bool {
		h.transport.mu.Lock()
		defer h.transport.mu.Unlock()
		return h.transport.pings >= 2
	}, waitFor, 5*time.Millisecond)
}

func TestSessionWriteFailureEndsSession(t *testing.T) {
	h := startSession(t, nil, nil, func(c *SessionConfig) {
		c.NewIdentity = sequentialIDs("agent-1")
	})
	h.register(t, "cert")
	require.Eventually(t, func() bool { return h.registry.Len() == 1 }, waitFor, 5*time.Millisecond)

	h.transport.mu.Lock()
	h.transport.writeErr = errors.New("broken pipe")
	h.transport.mu.Unlock()

	require.NoError(t, h.session.Enqueue(protocol.Close{ConnID: "x::agent-1::n"}))
	assert.NoError(t, h.wait(t))
	assert.Zero(t, h.registry.Len())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unauthenticated", StateUnauthenticated.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "state(9)", State(9).String())
}
