package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Version is the protocol version written into every encoded frame.
const Version = 1

// FrameType is the wire discriminator naming a Frame variant.
type FrameType string

const (
	TypeRegister FrameType = "Register"
	TypeOpen     FrameType = "Open"
	TypeData     FrameType = "Data"
	TypeClose    FrameType = "Close"
)

// Frame is one protocol message. The concrete types are Register, Open, Data
// and Close; the set is closed.
type Frame interface {
	Type() FrameType
	isFrame()
}

// Register is sent by an agent with its PEM client certificate in ID, and
// echoed back by the broker with the identity it assigned.
type Register struct {
	ID string
}

// Open asks the agent named by Target to establish a logical connection to
// its local service on Port. The broker clears Target when forwarding.
type Open struct {
	ConnID string
	Target string
	Port   uint16
}

// Data carries an opaque payload for an open logical connection. nil is the
// canonical empty payload: an empty Data decodes with a nil slice.
type Data struct {
	ConnID string
	Data   []byte
}

// Close ends the logical connection identified by ConnID.
type Close struct {
	ConnID string
}

func (Register) Type() FrameType { return TypeRegister }
func (Open) Type() FrameType     { return TypeOpen }
func (Data) Type() FrameType     { return TypeData }
func (Close) Type() FrameType    { return TypeClose }

func (Register) isFrame() {}
func (Open) isFrame()     {}
func (Data) isFrame()     {}
func (Close) isFrame()    {}

// ConnIDOf returns the conn_id carried by f, or "" for Register.
func ConnIDOf(f Frame) string {
	switch v := f.(type) {
	case Open:
		return v.ConnID
	case Data:
		return v.ConnID
	case Close:
		return v.ConnID
	default:
		return ""
	}
}

// envelope is the flat wire record. Pointers distinguish an absent field
// from a zero value so required fields can be enforced on decode.
type envelope struct {
	Type    FrameType `json:"type"`
	Version *int      `json:"v,omitempty"`
	ID      *string   `json:"id,omitempty"`
	ConnID  *string   `json:"conn_id,omitempty"`
	Target  *string   `json:"target,omitempty"`
	Port    *uint16   `json:"port,omitempty"`
	Data    *[]byte   `json:"data,omitempty"`
}

// wireFields are the envelope keys. Decode matches them case-sensitively.
var wireFields = []string{"type", "v", "id", "conn_id", "target", "port", "data"}

// Encode serializes f into its JSON wire form. String fields must be valid
// UTF-8.
func Encode(f Frame) ([]byte, error) {
	if f == nil {
		return nil, ErrNilFrame
	}

	version := Version
	env := envelope{Type: f.Type(), Version: &version}

	switch v := f.(type) {
	case Register:
		env.ID = &v.ID
	case Open:
		env.ConnID = &v.ConnID
		env.Target = &v.Target
		env.Port = &v.Port
	case Data:
		env.ConnID = &v.ConnID
		payload := v.Data
		if payload == nil {
			payload = []byte{}
		}
		env.Data = &payload
	case Close:
		env.ConnID = &v.ConnID
	default:
		return nil, fmt.Errorf("protocol: unsupported frame %T", f)
	}

	for name, field := range map[string]*string{"id": env.ID, "conn_id": env.ConnID, "target": env.Target} {
		if field != nil && !utf8.ValidString(*field) {
			return nil, fmt.Errorf("%w: %s %s", ErrInvalidUTF8, f.Type(), name)
		}
	}

	return json.Marshal(env)
}

// checkFieldCase rejects keys that only match an envelope field
// case-insensitively, which encoding/json would otherwise accept.
func checkFieldCase(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return decodeErrorf(err, "invalid json")
	}
	for key := range raw {
		for _, field := range wireFields {
			if key != field && strings.EqualFold(key, field) {
				return decodeErrorf(nil, "field %q must be spelled %q", key, field)
			}
		}
	}
	return nil
}

// Decode parses one wire message. Any failure is a *DecodeError matching
// ErrDecode; Decode never panics on hostile input.
func Decode(b []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, decodeErrorf(err, "invalid json")
	}
	if err := checkFieldCase(b); err != nil {
		return nil, err
	}

	if env.Version != nil && *env.Version != Version {
		return nil, decodeErrorf(nil, "unsupported version %d", *env.Version)
	}

	switch env.Type {
	case TypeRegister:
		if env.ID == nil {
			return nil, missingField(env.Type, "id")
		}
		return Register{ID: *env.ID}, nil

	case TypeOpen:
		if env.ConnID == nil {
			return nil, missingField(env.Type, "conn_id")
		}
		if env.Port == nil {
			return nil, missingField(env.Type, "port")
		}
		open := Open{ConnID: *env.ConnID, Port: *env.Port}
		if env.Target != nil {
			open.Target = *env.Target
		}
		return open, nil

	case TypeData:
		if env.ConnID == nil {
			return nil, missingField(env.Type, "conn_id")
		}
		if env.Data == nil {
			return nil, missingField(env.Type, "data")
		}
		payload := *env.Data
		if len(payload) == 0 {
			payload = nil
		}
		return Data{ConnID: *env.ConnID, Data: payload}, nil

	case TypeClose:
		if env.ConnID == nil {
			return nil, missingField(env.Type, "conn_id")
		}
		return Close{ConnID: *env.ConnID}, nil

	case "":
		return nil, decodeErrorf(nil, "missing type")
	default:
		return nil, decodeErrorf(nil, "unknown type %q", env.Type)
	}
}

func missingField(t FrameType, field string) *DecodeError {
	return decodeErrorf(nil, "%s frame missing %q", t, field)
}
