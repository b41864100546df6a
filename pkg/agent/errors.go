package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthFailed indicates the broker closed the transport before
	// acknowledging Register. Retrying with the same certificate is pointless.
	ErrAuthFailed = errors.New("broker rejected registration")

	// ErrBrokerStopped indicates the broker closed with the normal close code
	// and the agent must not reconnect.
	ErrBrokerStopped = errors.New("broker stopped")

	// ErrNotRegistered indicates no broker session is currently established
	ErrNotRegistered = errors.New("agent not registered")

	// ErrDisconnected indicates the transport ended while a frame was queued
	ErrDisconnected = errors.New("broker transport disconnected")

	// ErrMuxClosed indicates the connection mux has been torn down
	ErrMuxClosed = errors.New("connection mux closed")

	// ErrDuplicateConnection indicates a conn_id is already in use
	ErrDuplicateConnection = errors.New("duplicate conn_id")
)

// errRestart is returned for the broker's restart close code.
var errRestart = errors.New("broker restarting")

// AuthError carries the broker's close reason for a rejected registration.
type AuthError struct {
	Code   int
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("broker rejected registration (close %d)", e.Code)
	}
	return fmt.Sprintf("broker rejected registration (close %d): %s", e.Code, e.Reason)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuthFailed
}
