package broker

import (
	"errors"
	"fmt"
)

// Sentinel errors for routing and session management
var (
	// ErrRoutingMiss indicates a frame could not be delivered to its destination
	ErrRoutingMiss = errors.New("routing miss")

	// ErrBackpressure indicates the destination's outbound queue is full
	ErrBackpressure = errors.New("outbound queue full")

	// ErrSinkClosed indicates the destination session has closed
	ErrSinkClosed = errors.New("session closed")

	// ErrUnauthenticated indicates a frame arrived before Register completed
	ErrUnauthenticated = errors.New("session not authenticated")

	// ErrRegistryCollision indicates an identity was inserted twice
	ErrRegistryCollision = errors.New("registry identity collision")

	// ErrUnroutable indicates a frame type the router does not forward
	ErrUnroutable = errors.New("frame is not routable")
)

// RoutingError describes an undeliverable frame. It matches ErrRoutingMiss and
// unwraps to the enqueue failure, if any.
type RoutingError struct {
	Destination string
	ConnID      string
	Cause       error
}

func (e *RoutingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("routing miss: destination %q conn_id %q: %v", e.Destination, e.ConnID, e.Cause)
	}
	return fmt.Sprintf("routing miss: destination %q offline (conn_id %q)", e.Destination, e.ConnID)
}

func (e *RoutingError) Is(target error) bool {
	return target == ErrRoutingMiss
}

func (e *RoutingError) Unwrap() error {
	return e.Cause
}

// Reason is a short label for metrics.
func (e *RoutingError) Reason() string {
	switch {
	case errors.Is(e.Cause, ErrBackpressure):
		return "backpressure"
	case errors.Is(e.Cause, ErrSinkClosed):
		return "closed"
	default:
		return "offline"
	}
}

// CollisionError reports a duplicate registry identity.
type CollisionError struct {
	Identity string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("registry identity collision: %s", e.Identity)
}

func (e *CollisionError) Is(target error) bool {
	return target == ErrRegistryCollision
}

// IsRoutingMiss checks if the error indicates an undeliverable frame
func IsRoutingMiss(err error) bool {
	return errors.Is(err, ErrRoutingMiss)
}
