package broker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	polistls "github.com/polisai/polis-relay/internal/tls"
	"github.com/polisai/polis-relay/pkg/config"
	"github.com/polisai/polis-relay/pkg/protocol"
)

type testBroker struct {
	server *Server
	http   *httptest.Server
	ca     *polistls.Authority
}

func newTestBroker(t *testing.T, mutate func(*config.BrokerConfig), ids ...string) *testBroker {
	t.Helper()

	ca, err := polistls.NewAuthority(polistls.CertificateGenerationOptions{CommonName: "Relay Test CA"})
	require.NoError(t, err)
	anchor, err := polistls.ParseTrustAnchor(ca.CertPEM)
	require.NoError(t, err)
	verifier, err := polistls.NewVerifier(anchor)
	require.NoError(t, err)

	cfg := config.DefaultBroker()
	cfg.Session.PingInterval = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	opts := Options{
		Config:   cfg,
		Verifier: verifier,
		Metrics:  NewMetrics(),
	}
	if len(ids) > 0 {
		opts.NewIdentity = sequentialIDs(ids...)
	}
	srv, err := NewServer(opts)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx, false)
		ts.Close()
	})

	return &testBroker{server: srv, http: ts, ca: ca}
}

func (b *testBroker) issue(t *testing.T, name string) string {
	t.Helper()
	certPEM, _, err := b.ca.IssueClientCertificate(polistls.CertificateGenerationOptions{CommonName: name})
	require.NoError(t, err)
	return string(certPEM)
}

func (b *testBroker) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(b.http.URL, "http") + TunnelPath
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, f protocol.Frame) {
	t.Helper()
	msg, err := protocol.Encode(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))
}

func receive(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := protocol.Decode(msg)
	require.NoError(t, err)
	return f
}

// expectClose reads until the broker's close frame arrives.
func expectClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected close frame, got %v", err)
		return closeErr
	}
}

func (b *testBroker) register(t *testing.T, conn *websocket.Conn, name string) string {
	t.Helper()
	send(t, conn, protocol.Register{ID: b.issue(t, name)})
	ack, ok := receive(t, conn).(protocol.Register)
	require.True(t, ok)
	require.NotEmpty(t, ack.ID)
	require.Eventually(t, func() bool {
		_, ok := b.server.Registry().Lookup(ack.ID)
		return ok
	}, waitFor, 5*time.Millisecond)
	return ack.ID
}

func TestServerRelaysBetweenAgents(t *testing.T) {
	b := newTestBroker(t, nil, "id1", "id2")

	a := b.dial(t)
	require.Equal(t, "id1", b.register(t, a, "agent-a"))

	// id2 is offline: the Open goes nowhere and nothing breaks.
	open := protocol.Open{ConnID: "id1::id2::xyz", Target: "id2", Port: 22}
	send(t, a, open)

	peer := b.dial(t)
	require.Equal(t, "id2", b.register(t, peer, "agent-b"))

	send(t, a, open)
	assert.Equal(t, protocol.Open{ConnID: "id1::id2::xyz", Port: 22}, receive(t, peer))

	for _, chunk := range []string{"one", "two", "three"} {
		send(t, a, protocol.Data{ConnID: "id1::id2::xyz", Data: []byte(chunk)})
	}
	for _, chunk := range []string{"one", "two", "three"} {
		assert.Equal(t, protocol.Data{ConnID: "id1::id2::xyz", Data: []byte(chunk)}, receive(t, peer))
	}

	send(t, peer, protocol.Data{ConnID: "id1::id2::xyz", Data: []byte("reply")})
	assert.Equal(t, protocol.Data{ConnID: "id1::id2::xyz", Data: []byte("reply")}, receive(t, a))

	send(t, peer, protocol.Close{ConnID: "id1::id2::xyz"})
	assert.Equal(t, protocol.Close{ConnID: "id1::id2::xyz"}, receive(t, a))
}

func TestServerNotifiesRoutingMissWhenEnabled(t *testing.T) {
	b := newTestBroker(t, func(c *config.BrokerConfig) {
		c.NotifyRoutingMiss = true
	}, "id1")

	a := b.dial(t)
	b.register(t, a, "agent-a")

	send(t, a, protocol.Open{ConnID: "id1::gone::n", Target: "gone", Port: 80})
	assert.Equal(t, protocol.Close{ConnID: "id1::gone::n"}, receive(t, a))
}

func TestServerRejectsForeignCertificate(t *testing.T) {
	b := newTestBroker(t, nil)

	other, err := polistls.NewAuthority(polistls.CertificateGenerationOptions{CommonName: "Other CA"})
	require.NoError(t, err)
	foreign, _, err := other.IssueClientCertificate(polistls.CertificateGenerationOptions{CommonName: "intruder"})
	require.NoError(t, err)

	conn := b.dial(t)
	send(t, conn, protocol.Register{ID: string(foreign)})

	closeErr := expectClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Contains(t, closeErr.Text, "untrusted certificate")
	assert.Zero(t, b.server.Registry().Len())
}

func TestServerRejectsGarbageRegister(t *testing.T) {
	b := newTestBroker(t, nil)

	conn := b.dial(t)
	send(t, conn, protocol.Register{ID: "not a certificate"})

	closeErr := expectClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "malformed certificate", closeErr.Text)
}

func TestServerIgnoresUndecodableFrames(t *testing.T) {
	b := newTestBroker(t, nil, "id1")

	conn := b.dial(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Bogus"}`)))

	assert.Equal(t, "id1", b.register(t, conn, "agent-a"))
}

func TestServerShutdownSendsCloseCode(t *testing.T) {
	cases := []struct {
		name    string
		restart bool
		code    int
	}{
		{name: "restart", restart: true, code: websocket.CloseServiceRestart},
		{name: "normal", restart: false, code: websocket.CloseNormalClosure},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBroker(t, nil)
			conn := b.dial(t)
			b.register(t, conn, "agent")

			done := make(chan error, 1)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				done <- b.server.Shutdown(ctx, tc.restart)
			}()

			closeErr := expectClose(t, conn)
			assert.Equal(t, tc.code, closeErr.Code)

			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("shutdown did not complete")
			}
			assert.Zero(t, b.server.SessionCount())
			assert.Zero(t, b.server.Registry().Len())
		})
	}
}

func TestServerRefusesTransportsAfterShutdown(t *testing.T) {
	b := newTestBroker(t, nil)
	require.NoError(t, b.server.Shutdown(context.Background(), true))

	url := "ws" + strings.TrimPrefix(b.http.URL, "http") + TunnelPath
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServerThrottlesTransportsPerHost(t *testing.T) {
	b := newTestBroker(t, func(cfg *config.BrokerConfig) {
		cfg.Admission = config.AdmissionConfig{RatePerSecond: 0.01, Burst: 2}
	})

	b.dial(t)
	b.dial(t)

	url := "ws" + strings.TrimPrefix(b.http.URL, "http") + TunnelPath
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.server.metrics.transportsThrottled))
}

func TestServerHealthAndMetrics(t *testing.T) {
	b := newTestBroker(t, nil, "id1")
	conn := b.dial(t)
	b.register(t, conn, "agent-a")

	resp, err := http.Get(b.http.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok agents=1\n", string(body))

	resp, err = http.Get(b.http.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "relay_agents_registered 1")
	assert.Contains(t, string(body), `relay_frames_received_total{type="Register"} 1`)
}

func TestServerRequiresUpgrade(t *testing.T) {
	b := newTestBroker(t, nil)

	resp, err := http.Get(b.http.URL + TunnelPath)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestServerAcceptsBareRoot(t *testing.T) {
	b := newTestBroker(t, nil, "id1")

	url := "ws" + strings.TrimPrefix(b.http.URL, "http") + "/"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer conn.Close()

	assert.Equal(t, "id1", b.register(t, conn, "agent-a"))
}

func TestNewServerValidatesOptions(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)

	_, err = NewServer(Options{Config: config.DefaultBroker()})
	assert.Error(t, err)
}
