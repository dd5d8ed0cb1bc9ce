// Package coinutil implements Bitcoin-family encoding primitives used by
// the job manager and the payout address pipeline.
package coinutil

import (
	"crypto/sha256"
	"encoding/binary"
)

// Sha256d returns sha256(sha256(b))
func Sha256d(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}

// Sha256dPair hashes the concatenation of two buffers, the merkle step
func Sha256dPair(left, right []byte) []byte {
	buf := make([]byte, 0, len(left)+len(right))
	buf = append(buf, left...)
	buf = append(buf, right...)
	return Sha256d(buf)
}

// VarInt encodes n in the Bitcoin variable-length integer format:
// 1, 3, 5 or 9 bytes depending on magnitude.
func VarInt(n uint64) []byte {
	switch {
	case n < 0xfd:
		return []byte{byte(n)}
	case n < 0x10000:
		buf := make([]byte, 3)
		buf[0] = 0xfd
		binary.LittleEndian.PutUint16(buf[1:], uint16(n))
		return buf
	case n < 0x100000000:
		buf := make([]byte, 5)
		buf[0] = 0xfe
		binary.LittleEndian.PutUint32(buf[1:], uint32(n))
		return buf
	default:
		buf := make([]byte, 9)
		buf[0] = 0xff
		binary.LittleEndian.PutUint64(buf[1:], n)
		return buf
	}
}

// DecodeVarInt decodes a Bitcoin varint, returning the value and the
// number of bytes consumed. Consumed is 0 when the buffer is too short.
func DecodeVarInt(b []byte) (uint64, int) {
	if len(b) == 0 {
		return 0, 0
	}
	switch b[0] {
	case 0xfd:
		if len(b) < 3 {
			return 0, 0
		}
		return uint64(binary.LittleEndian.Uint16(b[1:3])), 3
	case 0xfe:
		if len(b) < 5 {
			return 0, 0
		}
		return uint64(binary.LittleEndian.Uint32(b[1:5])), 5
	case 0xff:
		if len(b) < 9 {
			return 0, 0
		}
		return binary.LittleEndian.Uint64(b[1:9]), 9
	default:
		return uint64(b[0]), 1
	}
}

// SerializeNumber encodes n as a Bitcoin script integer. Values 1..16 use
// the single-byte OP_1..OP_16 form; everything else is length-prefixed
// minimal little-endian per BIP-34.
func SerializeNumber(n int64) []byte {
	if n >= 1 && n <= 16 {
		return []byte{0x50 + byte(n)}
	}

	var payload []byte
	v := n
	neg := v < 0
	if neg {
		v = -v
	}
	for v > 0 {
		payload = append(payload, byte(v&0xff))
		v >>= 8
	}
	if len(payload) == 0 {
		payload = []byte{0}
	}
	// Keep the encoding unsigned: a set top bit needs an extra byte.
	if payload[len(payload)-1]&0x80 != 0 {
		if neg {
			payload = append(payload, 0x80)
		} else {
			payload = append(payload, 0x00)
		}
	} else if neg {
		payload[len(payload)-1] |= 0x80
	}

	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(len(payload)))
	return append(out, payload...)
}

// SerializeString encodes a byte string with a varint length prefix
func SerializeString(s []byte) []byte {
	out := VarInt(uint64(len(s)))
	return append(out, s...)
}

// PackUint32LE encodes n as 4 little-endian bytes
func PackUint32LE(n uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, n)
	return buf
}

// PackUint32BE encodes n as 4 big-endian bytes
func PackUint32BE(n uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, n)
	return buf
}

// PackUint64LE encodes n as 8 little-endian bytes
func PackUint64LE(n uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, n)
	return buf
}
