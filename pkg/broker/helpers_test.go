package broker

import (
	"errors"
	"io"
	"sync"
	"time"

	polistls "github.com/polisai/polis-relay/internal/tls"
	"github.com/polisai/polis-relay/pkg/protocol"
)

// recordingSink collects enqueued frames and can be told to refuse them.
type recordingSink struct {
	mu     sync.Mutex
	frames []protocol.Frame
	err    error
}

func (s *recordingSink) Enqueue(f protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordingSink) Frames() []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Frame(nil), s.frames...)
}

var errTransportClosed = errors.New("fake transport closed")

// fakeTransport is an in-memory Transport. Tests push inbound messages with
// deliver and observe outbound frames on written.
type fakeTransport struct {
	inbound chan []byte
	written chan protocol.Frame

	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	shutdowns []closeSignal
	pings     int
	writeErr  error
}

type closeSignal struct {
	code   int
	reason string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 64),
		written: make(chan protocol.Frame, 64),
		closed:  make(chan struct{}),
	}
}

func (t *fakeTransport) deliver(f protocol.Frame) {
	msg, err := protocol.Encode(f)
	if err != nil {
		panic(err)
	}
	t.inbound <- msg
}

func (t *fakeTransport) Read() ([]byte, error) {
	select {
	case msg := <-t.inbound:
		return msg, nil
	case <-t.closed:
		return nil, errTransportClosed
	}
}

func (t *fakeTransport) Write(msg []byte) error {
	t.mu.Lock()
	err := t.writeErr
	t.mu.Unlock()
	if err != nil {
		return err
	}
	f, err := protocol.Decode(msg)
	if err != nil {
		return err
	}
	t.written <- f
	return nil
}

func (t *fakeTransport) Ping() error {
	t.mu.Lock()
	t.pings++
	t.mu.Unlock()
	return nil
}

// Shutdown behaves like a peer that answers the close immediately.
func (t *fakeTransport) Shutdown(code int, reason string) error {
	t.mu.Lock()
	t.shutdowns = append(t.shutdowns, closeSignal{code: code, reason: reason})
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// hangUp simulates the peer dropping the connection.
func (t *fakeTransport) hangUp() {
	t.closeOnce.Do(func() { close(t.closed) })
}

func (t *fakeTransport) Shutdowns() []closeSignal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]closeSignal(nil), t.shutdowns...)
}

func (t *fakeTransport) next(timeout time.Duration) (protocol.Frame, error) {
	select {
	case f := <-t.written:
		return f, nil
	case <-time.After(timeout):
		return nil, io.ErrNoProgress
	}
}

// stubVerifier admits any candidate except the rejected one.
type stubVerifier struct {
	reject map[string]error
}

func (v stubVerifier) Verify(candidate string) (*polistls.AgentClaim, error) {
	if err, ok := v.reject[candidate]; ok {
		return nil, err
	}
	return &polistls.AgentClaim{Subject: "CN=" + candidate}, nil
}

// sequentialIDs mints predictable identities.
func sequentialIDs(ids ...string) func() string {
	var mu sync.Mutex
	i := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[i%len(ids)]
		i++
		return id
	}
}
