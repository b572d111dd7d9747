package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestEncryptKnownVector(t *testing.T) {
	// First byte: '{' (0x7B) ^ 0xAB = 0xD0; second: '}' (0x7D) ^ 0xD0 = 0xAD.
	got := Encrypt("{}")
	want := []byte{0x00, 0x00, 0x00, 0x02, 0xD0, 0xAD}
	if !bytes.Equal(got, want) {
		t.Errorf("Encrypt({}) = % X, want % X", got, want)
	}
}

func TestEncryptHeaderIsPlaintextLength(t *testing.T) {
	msg := `{"system":{"get_sysinfo":null}}`
	frame := Encrypt(msg)
	if n := binary.BigEndian.Uint32(frame[:4]); int(n) != len(msg) {
		t.Errorf("header = %d, want %d", n, len(msg))
	}
	if len(frame) != len(msg)+4 {
		t.Errorf("frame len = %d, want %d", len(frame), len(msg)+4)
	}
}

func TestDecryptRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"query", `{"system":{"get_sysinfo":null}}`},
		{"unicode alias", `{"alias":"Küche Lampe ☀"}`},
		{"long", string(bytes.Repeat([]byte("abcdefgh"), 1024))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decrypt(Encrypt(tt.in)[4:])
			if got != tt.in {
				t.Errorf("round trip = %q, want %q", got, tt.in)
			}
		})
	}
}

func TestDecryptReplacesInvalidUTF8(t *testing.T) {
	// Encrypt raw bytes that are not valid UTF-8.
	raw := string([]byte{'o', 'k', 0xFF, 0xFE})
	got := Decrypt(Encrypt(raw)[4:])
	if got != "ok\uFFFD" {
		t.Errorf("Decrypt = %q, want %q", got, "ok\uFFFD")
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"192.168.1.20", "192.168.1.20:9999", false},
		{"192.168.1.20:9999", "192.168.1.20:9999", false},
		{"10.0.0.5:1234", "10.0.0.5:1234", false},
		{"not-an-ip", "", true},
	}

	for _, tt := range tests {
		got, err := ParseAddress(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAddress(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got.String() != tt.want {
			t.Errorf("ParseAddress(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
