package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport covers connect, read, write and timeout failures.
	ErrTransport = errors.New("transport failure")
	// ErrFraming is returned when a reply is too short to carry a header.
	ErrFraming = errors.New("framing failure")
	// ErrDecode is returned when reply text is not the expected JSON.
	ErrDecode = errors.New("decode failure")
)

// TransportError describes a failed network operation against a device.
type TransportError struct {
	Op   string // "connect", "write", "read", "listen", "send", "receive"
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports ErrTransport so callers can match the category without a type switch.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }
