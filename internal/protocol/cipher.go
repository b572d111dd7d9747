package protocol

import (
	"bytes"
	"encoding/binary"
)

const (
	// Port is the TCP and UDP port every device listens on.
	Port = 9999

	headerLen = 4
	seedKey   = 0xAB
)

// Encrypt frames plaintext for the wire: a 4-byte big-endian length of the
// plaintext followed by the autokey XOR stream.
func Encrypt(plaintext string) []byte {
	out := make([]byte, headerLen+len(plaintext))
	binary.BigEndian.PutUint32(out, uint32(len(plaintext)))
	key := byte(seedKey)
	for i := 0; i < len(plaintext); i++ {
		key ^= plaintext[i]
		out[headerLen+i] = key
	}
	return out
}

// Decrypt reverses the autokey stream on a payload that has already had its
// length header stripped. Invalid UTF-8 is replaced, never rejected.
func Decrypt(payload []byte) string {
	plain := make([]byte, len(payload))
	key := byte(seedKey)
	for i, c := range payload {
		plain[i] = c ^ key
		key = c
	}
	return string(bytes.ToValidUTF8(plain, []byte("\uFFFD")))
}

// declaredLength reads the plaintext length from a frame header.
func declaredLength(header []byte) int {
	return int(binary.BigEndian.Uint32(header[:headerLen]))
}
