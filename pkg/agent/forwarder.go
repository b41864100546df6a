package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/polisai/polis-relay/pkg/config"
	"github.com/polisai/polis-relay/pkg/protocol"
)

// Forwarder accepts local TCP connections and tunnels each one to a port on
// another agent.
type Forwarder struct {
	cfg    config.ForwardConfig
	client *Client
	logger *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

// NewForwarder creates a forwarder that tunnels through client.
func NewForwarder(cfg config.ForwardConfig, client *Client, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		cfg:    cfg,
		client: client,
		logger: logger.With("listen", cfg.Listen, "target", cfg.Target, "port", cfg.Port),
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (f *Forwarder) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", f.cfg.Listen)
	if err != nil {
		return fmt.Errorf("forward listen %s: %w", f.cfg.Listen, err)
	}
	return f.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or ln fails.
func (f *Forwarder) Serve(ctx context.Context, ln net.Listener) error {
	f.mu.Lock()
	f.ln = ln
	f.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	f.logger.Info("Forwarder listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		f.handle(conn)
	}
}

// Addr returns the listening address once Serve has started.
func (f *Forwarder) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ln == nil {
		return nil
	}
	return f.ln.Addr()
}

func (f *Forwarder) handle(conn net.Conn) {
	l := f.client.current()
	if l == nil {
		f.logger.Warn("Refusing local connection", "error", ErrNotRegistered)
		_ = conn.Close()
		return
	}

	id, err := protocol.NewConnID(l.identity, f.cfg.Target)
	if err != nil {
		f.logger.Error("Cannot address target", "error", err)
		_ = conn.Close()
		return
	}

	open := protocol.Open{
		ConnID: id.String(),
		Target: f.cfg.Target,
		Port:   uint16(f.cfg.Port),
	}
	if err := l.mux.Forward(conn, open); err != nil {
		f.logger.Warn("Tunnel not opened", "conn_id", open.ConnID, "error", err)
		_ = conn.Close()
	}
}
