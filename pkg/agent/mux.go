package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/polisai/polis-relay/pkg/protocol"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

const (
	// readChunk is the largest payload carried by one Data frame.
	readChunk = 32 * 1024
	// inboundQueue bounds Data frames buffered for one local connection.
	inboundQueue = 256
	// pumpWorkers is the readLocal and writeLocal pair run per connection.
	pumpWorkers = 2
)

// SendFunc queues a frame for the broker. It may block until there is room.
type SendFunc func(protocol.Frame) error

// MuxOptions configures a Mux.
type MuxOptions struct {
	DialHost    string
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Mux tracks the logical connections carried by one broker transport, keyed
// by conn_id.
type Mux struct {
	send        SendFunc
	dialHost    string
	dialTimeout time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	conns  map[string]*tunnelConn
	closed bool
	wg     sync.WaitGroup
}

// NewMux creates a mux that emits frames through send.
func NewMux(send SendFunc, opts MuxOptions) *Mux {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DialHost == "" {
		opts.DialHost = "127.0.0.1"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &Mux{
		send:        send,
		dialHost:    opts.DialHost,
		dialTimeout: opts.DialTimeout,
		logger:      opts.Logger,
		conns:       make(map[string]*tunnelConn),
	}
}

// tunnelConn is one logical connection bound to a local socket.
type tunnelConn struct {
	id        string
	direction string
	inbound   chan []byte
	done      chan struct{}
	once      sync.Once

	mu    sync.Mutex
	local net.Conn

	sent     atomic.Int64
	received atomic.Int64
	opened   time.Time
}

func newTunnelConn(id, direction string) *tunnelConn {
	return &tunnelConn{
		id:        id,
		direction: direction,
		inbound:   make(chan []byte, inboundQueue),
		done:      make(chan struct{}),
		opened:    time.Now(),
	}
}

// Dispatch handles one frame received from the broker.
func (m *Mux) Dispatch(f protocol.Frame) {
	switch frame := f.(type) {
	case protocol.Open:
		m.handleOpen(frame)
	case protocol.Data:
		m.handleData(frame)
	case protocol.Close:
		if tc := m.lookup(frame.ConnID); tc != nil {
			m.terminate(tc, false, "remote closed")
		}
	default:
		m.logger.Debug("Ignoring unexpected frame", "type", f.Type())
	}
}

// Len returns the number of open logical connections.
func (m *Mux) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Forward tunnels local through the broker. open is sent before any Data so
// the peer sees the connection in order.
func (m *Mux) Forward(local net.Conn, open protocol.Open) error {
	tc := newTunnelConn(open.ConnID, "outbound")
	if err := m.add(tc, pumpWorkers); err != nil {
		return err
	}
	if err := m.send(open); err != nil {
		m.remove(tc)
		m.wg.Add(-pumpWorkers)
		return fmt.Errorf("send open: %w", err)
	}
	m.start(tc, local)
	m.logger.Info("Tunnel opened",
		"conn_id", open.ConnID,
		"target", open.Target,
		"port", open.Port)
	return nil
}

// Close tears down every logical connection without notifying peers and
// waits for their pumps to stop.
func (m *Mux) Close() {
	m.mu.Lock()
	m.closed = true
	conns := make([]*tunnelConn, 0, len(m.conns))
	for _, tc := range m.conns {
		conns = append(conns, tc)
	}
	m.mu.Unlock()

	for _, tc := range conns {
		m.terminate(tc, false, "transport closed")
	}
	m.wg.Wait()
}

func (m *Mux) handleOpen(open protocol.Open) {
	tc := newTunnelConn(open.ConnID, "inbound")
	// One worker for the dial, then the pumps.
	if err := m.add(tc, 1+pumpWorkers); err != nil {
		m.logger.Warn("Ignoring open", "conn_id", open.ConnID, "error", err)
		return
	}

	addr := net.JoinHostPort(m.dialHost, strconv.Itoa(int(open.Port)))
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
		defer cancel()
		go func() {
			// Abandon the dial if the connection is torn down first.
			select {
			case <-tc.done:
				cancel()
			case <-ctx.Done():
			}
		}()

		var dialer net.Dialer
		local, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			m.logger.Warn("Local dial failed",
				"conn_id", open.ConnID,
				"addr", addr,
				"error", err)
			m.terminate(tc, true, "dial failed")
			m.wg.Add(-pumpWorkers)
			return
		}

		m.logger.Info("Serving tunnel", "conn_id", open.ConnID, "addr", addr)
		m.start(tc, local)
	}()
}

func (m *Mux) handleData(data protocol.Data) {
	tc := m.lookup(data.ConnID)
	if tc == nil {
		m.logger.Debug("Data for unknown connection", "conn_id", data.ConnID)
		return
	}
	if len(data.Data) == 0 {
		return
	}

	select {
	case tc.inbound <- data.Data:
	case <-tc.done:
	default:
		m.logger.Warn("Local connection not keeping up, closing", "conn_id", data.ConnID)
		m.terminate(tc, true, "inbound overflow")
	}
}

// add registers tc and reserves workers goroutines on m.wg. Reserving under
// m.mu, before Close can mark the mux closed, keeps every Add ahead of
// Close's Wait.
func (m *Mux) add(tc *tunnelConn, workers int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMuxClosed
	}
	if _, exists := m.conns[tc.id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, tc.id)
	}
	m.conns[tc.id] = tc
	m.wg.Add(workers)
	return nil
}

func (m *Mux) lookup(id string) *tunnelConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[id]
}

func (m *Mux) remove(tc *tunnelConn) {
	m.mu.Lock()
	if m.conns[tc.id] == tc {
		delete(m.conns, tc.id)
	}
	m.mu.Unlock()
}

// start binds local to tc and runs its pumps on the worker slots reserved by
// add. If tc was torn down while the local side was being set up, local is
// closed immediately and the slots are released.
func (m *Mux) start(tc *tunnelConn, local net.Conn) {
	tc.mu.Lock()
	select {
	case <-tc.done:
		tc.mu.Unlock()
		_ = local.Close()
		m.wg.Add(-pumpWorkers)
		return
	default:
	}
	tc.local = local
	tc.mu.Unlock()

	go m.readLocal(tc, local)
	go m.writeLocal(tc, local)
}

// readLocal turns bytes from the local socket into Data frames until EOF.
func (m *Mux) readLocal(tc *tunnelConn, local net.Conn) {
	defer m.wg.Done()

	buf := make([]byte, readChunk)
	for {
		n, err := local.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if serr := m.send(protocol.Data{ConnID: tc.id, Data: payload}); serr != nil {
				m.terminate(tc, false, "transport closed")
				return
			}
			tc.sent.Add(int64(n))
		}
		if err != nil {
			reason := "local closed"
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				reason = "local error"
			}
			m.terminate(tc, true, reason)
			return
		}
	}
}

func (m *Mux) writeLocal(tc *tunnelConn, local net.Conn) {
	defer m.wg.Done()

	for {
		select {
		case payload := <-tc.inbound:
			if _, err := local.Write(payload); err != nil {
				m.terminate(tc, true, "local write failed")
				return
			}
			tc.received.Add(int64(len(payload)))
		case <-tc.done:
			return
		}
	}
}

// terminate ends tc once. notify sends Close to the peer.
func (m *Mux) terminate(tc *tunnelConn, notify bool, reason string) {
	tc.once.Do(func() {
		m.remove(tc)

		tc.mu.Lock()
		close(tc.done)
		local := tc.local
		tc.mu.Unlock()

		if local != nil {
			_ = local.Close()
		}
		if notify {
			if err := m.send(protocol.Close{ConnID: tc.id}); err != nil {
				m.logger.Debug("Close not sent", "conn_id", tc.id, "error", err)
			}
		}

		sent, received := tc.sent.Load(), tc.received.Load()
		lifetime := time.Since(tc.opened)
		telemetry.RecordTunnel(context.Background(), telemetry.TunnelMetrics{
			Direction: tc.direction,
			Reason:    reason,
			Sent:      sent,
			Received:  received,
			Duration:  lifetime,
		})
		m.logger.Info("Tunnel closed",
			"conn_id", tc.id,
			"direction", tc.direction,
			"reason", reason,
			"sent", sizestr.ToString(sent),
			"received", sizestr.ToString(received),
			"duration", lifetime)
	})
}
