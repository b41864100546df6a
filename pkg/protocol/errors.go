package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode is the sentinel matched by every *DecodeError.
	ErrDecode = errors.New("protocol: malformed frame")

	// ErrMalformedConnID indicates a conn_id that is not exactly three
	// non-empty colon-delimited segments.
	ErrMalformedConnID = errors.New("protocol: malformed conn_id")

	// ErrNilFrame is returned when encoding a nil Frame.
	ErrNilFrame = errors.New("protocol: nil frame")

	// ErrInvalidUTF8 is returned when encoding a frame whose string fields
	// are not valid UTF-8. JSON would silently rewrite them.
	ErrInvalidUTF8 = errors.New("protocol: string field is not valid UTF-8")
)

// DecodeError describes why an inbound message could not be turned into a
// Frame. It is always recoverable: callers log it and drop the message.
type DecodeError struct {
	Reason string
	Cause  error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("decode frame: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func decodeErrorf(cause error, format string, args ...interface{}) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...), Cause: cause}
}
