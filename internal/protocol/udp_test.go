package protocol

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDevice listens on loopback and answers each datagram count times.
func fakeDevice(t *testing.T, reply string, count int) netip.AddrPort {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, datagramSize)
		for {
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			if Decrypt(buf[:n]) != `{"probe":1}` {
				continue
			}
			for i := 0; i < count; i++ {
				conn.WriteToUDPAddrPort(Encrypt(reply)[headerLen:], from)
			}
		}
	}()

	return netip.MustParseAddrPort(conn.LocalAddr().String())
}

func TestBroadcastDedupesByAddress(t *testing.T) {
	dev := fakeDevice(t, `{"system":{"get_sysinfo":{"alias":"Lamp"}}}`, 3)

	cfg := BroadcastConfig{
		Source:        netip.MustParseAddr("127.0.0.1"),
		Target:        dev,
		ListenTimeout: 300 * time.Millisecond,
	}
	replies, err := Broadcast(context.Background(), cfg, `{"probe":1}`, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	if replies[0].Addr != dev {
		t.Errorf("reply addr = %s, want %s", replies[0].Addr, dev)
	}
	if replies[0].Text != `{"system":{"get_sysinfo":{"alias":"Lamp"}}}` {
		t.Errorf("reply text = %q", replies[0].Text)
	}
}

func TestBroadcastNoReplies(t *testing.T) {
	// A bound socket that never answers.
	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()

	cfg := BroadcastConfig{
		Source:        netip.MustParseAddr("127.0.0.1"),
		Target:        netip.MustParseAddrPort(silent.LocalAddr().String()),
		ListenTimeout: 100 * time.Millisecond,
	}
	replies, err := Broadcast(context.Background(), cfg, `{"probe":1}`, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(replies) != 0 {
		t.Errorf("got %d replies, want none", len(replies))
	}
}

func TestBroadcastCancelEndsListening(t *testing.T) {
	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	cfg := BroadcastConfig{
		Source:        netip.MustParseAddr("127.0.0.1"),
		Target:        netip.MustParseAddrPort(silent.LocalAddr().String()),
		ListenTimeout: 5 * time.Second,
	}
	start := time.Now()
	if _, err := Broadcast(ctx, cfg, `{"probe":1}`, newTestLogger()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("broadcast ran %v after cancel", elapsed)
	}
}
