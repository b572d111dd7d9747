package protocol

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"
)

const datagramSize = 4096

// DefaultBroadcast is the local-subnet endpoint discovery queries are sent to.
var DefaultBroadcast = netip.AddrPortFrom(netip.AddrFrom4([4]byte{192, 168, 1, 255}), Port)

// BroadcastConfig controls one broadcast exchange.
type BroadcastConfig struct {
	Source        netip.Addr     // local IPv4 to bind
	Target        netip.AddrPort // zero value means DefaultBroadcast
	ListenTimeout time.Duration
}

// Reply is one decrypted datagram and the address it came from.
type Reply struct {
	Addr netip.AddrPort
	Text string
}

// Broadcast sends query without its length header and collects replies until
// the listen timeout expires. The first datagram from each address wins.
func Broadcast(ctx context.Context, cfg BroadcastConfig, query string, logger *slog.Logger) ([]Reply, error) {
	target := cfg.Target
	if !target.IsValid() {
		target = DefaultBroadcast
	}
	local := &net.UDPAddr{Port: 0}
	if cfg.Source.IsValid() {
		local.IP = cfg.Source.AsSlice()
	}

	// Go enables SO_BROADCAST on IPv4 datagram sockets.
	conn, err := net.ListenUDP("udp4", local)
	if err != nil {
		return nil, &TransportError{Op: "listen", Addr: local.String(), Err: err}
	}
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(cfg.ListenTimeout)); err != nil {
		return nil, &TransportError{Op: "deadline", Addr: local.String(), Err: err}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.WriteToUDPAddrPort(Encrypt(query)[headerLen:], target); err != nil {
		return nil, &TransportError{Op: "send", Addr: target.String(), Err: err}
	}

	var replies []Reply
	seen := make(map[netip.AddrPort]struct{})
	buf := make([]byte, datagramSize)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			return replies, &TransportError{Op: "receive", Addr: local.String(), Err: err}
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		if _, dup := seen[from]; dup {
			logger.Debug("duplicate discovery reply", "addr", from)
			continue
		}
		seen[from] = struct{}{}
		replies = append(replies, Reply{Addr: from, Text: Decrypt(buf[:n])})
	}
	return replies, nil
}
