// Package protocol defines the relay wire protocol shared by the broker and
// its agents.
//
// Every websocket text message carries exactly one Frame encoded as a JSON
// record. The "type" field names the variant (Register, Open, Data, Close) and
// the "v" field carries the protocol version. Logical connections are
// multiplexed over one transport per agent using a ConnID of the form
// source::destination::nonce; the broker only ever inspects the destination
// segment.
package protocol
