package util

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HexToBytes converts a hex string to bytes
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to hex string without prefix
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// MustHexToBytes converts hex string to bytes, panics on error
func MustHexToBytes(s string) []byte {
	b, err := HexToBytes(s)
	if err != nil {
		panic(fmt.Sprintf("invalid hex string: %s", s))
	}
	return b
}

// ReverseBytes reverses a byte slice in place
func ReverseBytes(b []byte) []byte {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}

// ReverseBytesCopy returns a reversed copy of a byte slice
func ReverseBytesCopy(b []byte) []byte {
	result := make([]byte, len(b))
	for i, j := 0, len(b)-1; j >= 0; i, j = i+1, j-1 {
		result[i] = b[j]
	}
	return result
}

// ReverseByteOrder swaps the byte order of each 32-bit word of a 32-byte
// buffer, then reverses the whole buffer. This is the display transform
// applied to previous-block hashes and merkle roots on the stratum wire.
func ReverseByteOrder(b []byte) []byte {
	if len(b) != 32 {
		return ReverseBytesCopy(b)
	}
	out := make([]byte, 32)
	for i := 0; i < 8; i++ {
		out[i*4+0] = b[i*4+3]
		out[i*4+1] = b[i*4+2]
		out[i*4+2] = b[i*4+1]
		out[i*4+3] = b[i*4+0]
	}
	return ReverseBytes(out)
}

// PadBytes pads bytes to specified length (left-pad with zeros)
func PadBytes(b []byte, length int) []byte {
	if len(b) >= length {
		return b
	}
	padded := make([]byte, length)
	copy(padded[length-len(b):], b)
	return padded
}

// IsValidHex checks if string is valid hexadecimal
func IsValidHex(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	_, err := hex.DecodeString(s)
	return err == nil
}

// Uint32ToHexLE renders a uint32 as 8 hex chars, little-endian byte order
func Uint32ToHexLE(n uint32) string {
	b := []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
	return hex.EncodeToString(b)
}

// Uint32ToHexBE renders a uint32 as 8 hex chars, big-endian byte order
func Uint32ToHexBE(n uint32) string {
	b := []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	return hex.EncodeToString(b)
}
