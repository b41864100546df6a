package broker

import (
	"log/slog"

	"github.com/polisai/polis-relay/pkg/protocol"
)

// Router decides the next hop for Open, Data and Close frames. It holds no
// state of its own beyond the Registry it was given and is safe for
// concurrent use by every session.
type Router struct {
	registry   Registry
	notifyMiss bool
	metrics    *Metrics
	logger     *slog.Logger
}

// RouterOption customises a Router.
type RouterOption func(*Router)

// WithRoutingMissNotify makes an undeliverable Open answer the initiator with
// a Close for the same conn_id.
func WithRoutingMissNotify(enabled bool) RouterOption {
	return func(r *Router) {
		r.notifyMiss = enabled
	}
}

// WithRouterMetrics records routing outcomes on m.
func WithRouterMetrics(m *Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

// NewRouter creates a router over registry.
func NewRouter(registry Registry, logger *slog.Logger, opts ...RouterOption) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{registry: registry, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route forwards f, received from the authenticated agent sender, to its
// destination. reply is the sender's own sink, used only for the optional
// Close on an Open routing miss.
//
// Errors are per-frame: a *RoutingError (matching ErrRoutingMiss) when the
// destination is offline or cannot accept the frame, protocol.ErrMalformedConnID
// for a bad Data or Close address, ErrUnroutable for Register.
func (r *Router) Route(sender string, f protocol.Frame, reply Sink) error {
	switch frame := f.(type) {
	case protocol.Open:
		return r.routeOpen(frame, reply)
	case protocol.Data:
		return r.forward(sender, frame.ConnID, frame, len(frame.Data))
	case protocol.Close:
		return r.forward(sender, frame.ConnID, frame, 0)
	default:
		return ErrUnroutable
	}
}

func (r *Router) routeOpen(open protocol.Open, reply Sink) error {
	destination := open.Target
	if destination == "" {
		// Fall back to the address when the sender omitted target.
		var err error
		if destination, err = protocol.DestinationOf(open.ConnID); err != nil {
			return err
		}
	}

	// The recipient knows who it is; only conn_id and port travel on.
	out := protocol.Open{ConnID: open.ConnID, Port: open.Port}

	err := r.deliver(destination, open.ConnID, out, 0)
	if err != nil && r.notifyMiss && reply != nil {
		if nerr := reply.Enqueue(protocol.Close{ConnID: open.ConnID}); nerr != nil {
			r.logger.Debug("Routing miss notification dropped",
				"conn_id", open.ConnID,
				"error", nerr)
		}
	}
	return err
}

// forward sends f along the logical connection. The destination agent's own
// frames travel back to the source segment.
func (r *Router) forward(sender, connID string, f protocol.Frame, payload int) error {
	id, err := protocol.ParseConnID(connID)
	if err != nil {
		return err
	}
	next := id.Destination
	if sender != "" && sender == id.Destination {
		next = id.Source
	}
	return r.deliver(next, connID, f, payload)
}

// deliver copies the sink out of the registry before enqueueing so no lock is
// held across delivery.
func (r *Router) deliver(destination, connID string, f protocol.Frame, payload int) error {
	frameType := string(f.Type())

	sink, ok := r.registry.Lookup(destination)
	if !ok {
		miss := &RoutingError{Destination: destination, ConnID: connID}
		r.metrics.routingMiss(frameType, miss.Reason())
		return miss
	}

	if err := sink.Enqueue(f); err != nil {
		miss := &RoutingError{Destination: destination, ConnID: connID, Cause: err}
		r.metrics.routingMiss(frameType, miss.Reason())
		return miss
	}

	r.metrics.frameRouted(frameType, payload)
	return nil
}
