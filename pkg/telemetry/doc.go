// Package telemetry wires OpenTelemetry tracing and meters for the relay
// binaries.
//
// It centralises trace provider setup, applies relay resource attributes and
// records the agent's tunnel metrics through the global meter provider.
package telemetry
