package protocol

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ConnIDSeparator joins the three conn_id segments.
const ConnIDSeparator = "::"

// ConnID names one logical connection. It is minted by the initiating agent
// and never rewritten afterwards.
type ConnID struct {
	Source      string
	Destination string
	Nonce       string
}

// NewConnID mints a ConnID with a fresh random nonce.
func NewConnID(source, destination string) (ConnID, error) {
	for _, seg := range []string{source, destination} {
		if seg == "" || strings.Contains(seg, ":") {
			return ConnID{}, fmt.Errorf("%w: invalid segment %q", ErrMalformedConnID, seg)
		}
	}
	return ConnID{
		Source:      source,
		Destination: destination,
		Nonce:       uuid.NewString(),
	}, nil
}

// String renders the canonical source::destination::nonce form.
func (c ConnID) String() string {
	return c.Source + ConnIDSeparator + c.Destination + ConnIDSeparator + c.Nonce
}

// ParseConnID splits s into its three segments. The canonical "::" separator
// is tried first; strings without "::" are split on single colons.
func ParseConnID(s string) (ConnID, error) {
	var parts []string
	if strings.Contains(s, ConnIDSeparator) {
		parts = strings.Split(s, ConnIDSeparator)
	} else {
		parts = strings.Split(s, ":")
	}

	if len(parts) != 3 {
		return ConnID{}, fmt.Errorf("%w: %q has %d segments", ErrMalformedConnID, s, len(parts))
	}
	for _, p := range parts {
		if p == "" {
			return ConnID{}, fmt.Errorf("%w: %q has an empty segment", ErrMalformedConnID, s)
		}
	}

	return ConnID{Source: parts[0], Destination: parts[1], Nonce: parts[2]}, nil
}

// DestinationOf returns the middle segment of a conn_id string.
func DestinationOf(s string) (string, error) {
	id, err := ParseConnID(s)
	if err != nil {
		return "", err
	}
	return id.Destination, nil
}
