package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"
)

const (
	// DefaultTimeout bounds a whole TCP exchange: dial, write and read.
	DefaultTimeout = 5 * time.Second

	readChunk = 4096
)

// SendTCP performs one request/response exchange with a device. A fresh
// connection is opened per call. The context may shorten the deadline but
// does not cancel an exchange already past the dial.
func SendTCP(ctx context.Context, addr netip.AddrPort, msg string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return "", &TransportError{Op: "connect", Addr: addr.String(), Err: err}
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return "", &TransportError{Op: "deadline", Addr: addr.String(), Err: err}
	}
	if _, err := conn.Write(Encrypt(msg)); err != nil {
		return "", &TransportError{Op: "write", Addr: addr.String(), Err: err}
	}

	frame, err := readFrame(conn)
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			te.Addr = addr.String()
		}
		return "", err
	}
	return Decrypt(frame[headerLen:]), nil
}

// readFrame accumulates reads until the declared length is satisfied or the
// peer stops sending. The length field is parsed only once four bytes are
// buffered, however the reads were split.
func readFrame(r io.Reader) ([]byte, error) {
	buf := make([]byte, 0, readChunk)
	chunk := make([]byte, readChunk)
	want := -1

	for {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)

		if want < 0 && len(buf) >= headerLen {
			want = headerLen + declaredLength(buf)
		}
		if want >= 0 && len(buf) >= want {
			buf = buf[:want]
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, &TransportError{Op: "read", Err: err}
		}
		if n == 0 {
			break
		}
	}

	if len(buf) < headerLen {
		return nil, fmt.Errorf("%w: received %d bytes, need at least %d", ErrFraming, len(buf), headerLen)
	}
	return buf, nil
}

// Client sends framed requests over TCP with a fixed timeout.
type Client struct {
	Timeout time.Duration
}

// NewClient returns a client whose exchanges are bounded by timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{Timeout: timeout}
}

// Exchange sends msg to addr and returns the decrypted reply.
func (c *Client) Exchange(ctx context.Context, addr netip.AddrPort, msg string) (string, error) {
	return SendTCP(ctx, addr, msg, c.Timeout)
}

// ParseAddress accepts "ip" or "ip:port" and defaults the port to 9999.
func ParseAddress(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse device address %q: %w", s, err)
	}
	return netip.AddrPortFrom(ip, Port), nil
}
