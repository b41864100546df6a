package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-relay/internal/governance"
	polistls "github.com/polisai/polis-relay/internal/tls"
	"github.com/polisai/polis-relay/pkg/config"
)

// TunnelPath is where agents open their transport. Agents that dial the bare
// broker address are served on "/" as well.
const TunnelPath = "/tunnel"

// Options configures a Server.
type Options struct {
	Config   *config.BrokerConfig
	Verifier Verifier
	Logger   *slog.Logger
	// Metrics may be nil to disable instrumentation.
	Metrics *Metrics
	// NewIdentity overrides identity minting, mainly for tests.
	NewIdentity func() string
	// RequestLog wraps the handler with a per-request access log.
	RequestLog bool
}

// Server accepts agent transports and runs a Session for each.
type Server struct {
	cfg         *config.BrokerConfig
	registry    *MemoryRegistry
	router      *Router
	verifier    Verifier
	metrics     *Metrics
	logger      *slog.Logger
	newIdentity func() string
	throttle    *governance.RateLimiter
	upgrader    websocket.Upgrader
	handler     http.Handler

	mu         sync.Mutex
	sessions   map[*Session]struct{}
	closing    bool
	closeCode  int
	closeText  string
	wg         sync.WaitGroup
	httpServer *http.Server
}

// NewServer wires the registry, router and HTTP routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("broker: config is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("broker: verifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := NewRegistry()
	s := &Server{
		cfg:         opts.Config,
		registry:    registry,
		verifier:    opts.Verifier,
		metrics:     opts.Metrics,
		logger:      logger,
		newIdentity: opts.NewIdentity,
		sessions:    make(map[*Session]struct{}),
		throttle: governance.NewRateLimiter(governance.RateLimiterConfig{
			RequestsPerSecond: opts.Config.Admission.RatePerSecond,
			BurstSize:         opts.Config.Admission.Burst,
		}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; admission is by certificate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.router = NewRouter(registry, logger,
		WithRoutingMissNotify(opts.Config.NotifyRoutingMiss),
		WithRouterMetrics(opts.Metrics),
	)

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	if opts.Config.Metrics.Enabled && opts.Metrics != nil {
		r.Method(http.MethodGet, opts.Config.Metrics.Path, opts.Metrics.Handler())
	}
	r.Get(TunnelPath, s.handleTunnel)
	r.Get("/", s.handleTunnel)

	var h http.Handler = otelhttp.NewHandler(r, "polis-broker")
	if opts.RequestLog {
		h = requestlog.Wrap(h)
	}
	s.handler = h

	return s, nil
}

// Handler returns the broker's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry returns the live agent directory.
func (s *Server) Registry() *MemoryRegistry {
	return s.registry
}

// SessionCount returns the number of open transports.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ListenAndServe listens on the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, terminating TLS when configured. It
// returns http.ErrServerClosed after Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if s.cfg.TLS.Enabled {
		tlsConfig, err := polistls.ServerConfig(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		if err != nil {
			_ = ln.Close()
			return err
		}
		version, err := config.ParseTLSVersion(s.cfg.TLS.MinVersion)
		if err != nil {
			_ = ln.Close()
			return err
		}
		if v := version.Uint16(); v > tlsConfig.MinVersion {
			tlsConfig.MinVersion = v
		}
		ln = tls.NewListener(ln, tlsConfig)
	}

	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ln.Close()
		return http.ErrServerClosed
	}
	s.httpServer = httpServer
	s.mu.Unlock()

	s.logger.Info("Broker listening",
		"addr", ln.Addr().String(),
		"tls", s.cfg.TLS.Enabled)
	return httpServer.Serve(ln)
}

// Shutdown closes every session with the restart or normal close code, stops
// accepting transports and waits for sessions to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context, restart bool) error {
	code, reason := CloseNormal, "broker shutting down"
	if restart {
		code, reason = CloseRestart, "broker restarting"
	}

	s.mu.Lock()
	s.closing = true
	s.closeCode, s.closeText = code, reason
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	s.logger.Info("Broker shutting down",
		"restart", restart,
		"sessions", len(sessions))

	for _, sess := range sessions {
		sess.Close(code, reason)
	}

	var err error
	if httpServer != nil {
		err = httpServer.Shutdown(ctx)
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ok agents=%d\n", s.registry.Len())
}

func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	if s.isClosing() {
		http.Error(w, "broker shutting down", http.StatusServiceUnavailable)
		return
	}
	if ok, wait := s.throttle.Allow(remoteHost(r.RemoteAddr)); !ok {
		s.metrics.transportThrottled()
		s.logger.Warn("Throttling transport", "remote_addr", r.RemoteAddr, "retry_after", wait)
		governance.WriteRetryAfter(w, wait)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Debug("Websocket upgrade failed", "error", err)
		return
	}

	sessionCfg := s.cfg.Session
	transport := NewWebSocketTransport(conn, TransportOptions{
		PongWait:        2 * sessionCfg.PingInterval,
		WriteTimeout:    sessionCfg.WriteTimeout,
		MaxMessageBytes: sessionCfg.MaxFrameBytes,
	})

	sess := NewSession(transport, SessionConfig{
		Registry:        s.registry,
		Router:          s.router,
		Verifier:        s.verifier,
		Metrics:         s.metrics,
		Logger:          s.logger,
		QueueSize:       sessionCfg.QueueSize,
		RegisterTimeout: sessionCfg.RegisterTimeout,
		PingInterval:    sessionCfg.PingInterval,
		NewIdentity:     s.newIdentity,
		RemoteAddr:      r.RemoteAddr,
	})

	if code, reason, ok := s.track(sess); !ok {
		_ = transport.Shutdown(code, reason)
		_ = transport.Close()
		return
	}
	defer s.untrack(sess)

	if err := sess.Run(r.Context()); err != nil {
		s.logger.Debug("Session ended with error", "error", err)
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// track registers sess with the server unless shutdown has begun, in which
// case it returns the close code the session should be sent.
func (s *Server) track(sess *Session) (int, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return s.closeCode, s.closeText, false
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	return 0, "", true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.wg.Done()
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
