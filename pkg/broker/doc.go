// Package broker implements the relay broker: admission of agents by client
// certificate, the registry of live agents, per-transport sessions and the
// router that forwards Open, Data and Close frames between them.
//
// Each session runs a receive loop that decodes frames and hands them to the
// Router, and a writer that drains the session's bounded outbound queue onto
// the transport. The Registry is the only state shared between sessions and no
// registry operation performs I/O while holding its lock.
package broker
