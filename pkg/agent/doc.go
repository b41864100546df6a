// Package agent implements the relay agent: it connects outward to the
// broker, registers with its client certificate and multiplexes logical
// connections over the single transport.
//
// Inbound Open frames are served by dialing a local port. Forwarders do the
// reverse, tunnelling locally accepted connections to another agent.
package agent
