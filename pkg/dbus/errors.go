package dbus

import (
	"github.com/pkg/errors"
)

var (
	// ErrEncoding is the class of programming errors caught while
	// building a message: mismatched signatures, containers closed out
	// of order or left open, invalid strings.
	ErrEncoding = errors.New("dbus: invalid message encoding")

	// ErrSignature marks a malformed type signature.
	ErrSignature = errors.New("dbus: invalid signature")

	// ErrDecoding marks a received message that does not parse.
	ErrDecoding = errors.New("dbus: malformed message")

	// ErrAuth is returned when the bus rejects the SASL handshake.
	ErrAuth = errors.New("dbus: authentication rejected")
)

// Error is a structured error reply sent by a remote peer.
type Error struct {
	Name    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}
