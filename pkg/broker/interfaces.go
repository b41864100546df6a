package broker

import (
	polistls "github.com/polisai/polis-relay/internal/tls"
	"github.com/polisai/polis-relay/pkg/protocol"
)

// Sink accepts frames for delivery to one agent. Enqueue never blocks: it
// fails with ErrBackpressure when the queue is full and ErrSinkClosed once the
// owning session has closed.
type Sink interface {
	Enqueue(f protocol.Frame) error
}

// Registry maps live agent identities to their sinks.
type Registry interface {
	// Insert fails with ErrRegistryCollision if identity is already present.
	Insert(identity string, sink Sink) error

	// Lookup returns the sink for identity. Absence is not an error.
	Lookup(identity string) (Sink, bool)

	// Remove deletes identity. Removing an absent identity is a no-op.
	Remove(identity string)
}

// Verifier admits agents by the certificate carried in Register.
type Verifier interface {
	Verify(candidatePEM string) (*polistls.AgentClaim, error)
}

// Transport is one persistent, message-framed connection to an agent. Read is
// only called from the receive loop and Write only from the writer; Ping,
// Shutdown and Close may be called from the writer concurrently with Read.
type Transport interface {
	// Read blocks until the next message arrives.
	Read() ([]byte, error)

	// Write sends one message.
	Write(msg []byte) error

	// Ping sends a keepalive probe.
	Ping() error

	// Shutdown sends a close signal carrying code and reason. The pending
	// Read returns once the peer acknowledges or a short grace period ends.
	Shutdown(code int, reason string) error

	// Close releases the connection. It is safe to call more than once.
	Close() error
}
