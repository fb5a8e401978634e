package protocol

import (
	"errors"
	"fmt"
)

// ErrUnsupportedContentType is wrapped by a ProtocolError when the declared
// content type and encoding pair has no registered serializer.
var ErrUnsupportedContentType = errors.New("taskwire: unsupported content type")

// ErrUnsupportedCompression is wrapped by a ProtocolError when the compression
// header names an unregistered compressor.
var ErrUnsupportedCompression = errors.New("taskwire: unsupported compression")

// ErrInvalidUTF8 is wrapped by a SerializationError when a string argument
// cannot be represented in a UTF-8 content encoding.
var ErrInvalidUTF8 = errors.New("taskwire: string is not valid UTF-8")

// ProtocolError reports a malformed or undecodable message. Such messages are never retried.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "taskwire: protocol error: " + e.Reason
	}
	return fmt.Sprintf("taskwire: protocol error: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// SerializationError reports a producer-side failure to encode a message.
type SerializationError struct {
	ContentType string
	Err         error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("taskwire: cannot serialize as %s: %v", e.ContentType, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err is (or wraps) a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func protoErr(reason string, err error) error {
	return &ProtocolError{Reason: reason, Err: err}
}
