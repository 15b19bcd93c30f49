package signaling

import (
	"errors"
	"fmt"
)

// ErrTransportClosed is returned by [Transport.Send] once the relay link is
// down. The transport never reconnects; every error returned by
// [Transport.Err] wraps it.
var ErrTransportClosed = errors.New("signaling: transport closed")

// SerializationError reports a message that could not be encoded or decoded.
// Only the offending message is lost.
type SerializationError struct {
	// Kind is the message type, when it could be determined.
	Kind Kind
	Err  error
}

func (e *SerializationError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("signaling: malformed message: %v", e.Err)
	}
	return fmt.Sprintf("signaling: malformed %s message: %v", e.Kind, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
