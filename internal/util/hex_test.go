package util

import (
	"bytes"
	"testing"
)

func TestHexRoundTrip(t *testing.T) {
	b := []byte{0xde, 0xad, 0xbe, 0xef}
	s := BytesToHex(b)
	if s != "deadbeef" {
		t.Errorf("BytesToHex = %q", s)
	}
	back, err := HexToBytes(s)
	if err != nil {
		t.Fatalf("HexToBytes: %v", err)
	}
	if !bytes.Equal(b, back) {
		t.Errorf("round trip mismatch: %x", back)
	}
}

func TestHexToBytesPrefix(t *testing.T) {
	b, err := HexToBytes("0x1234")
	if err != nil {
		t.Fatalf("HexToBytes with prefix: %v", err)
	}
	if !bytes.Equal(b, []byte{0x12, 0x34}) {
		t.Errorf("got %x", b)
	}
}

func TestReverseBytesCopy(t *testing.T) {
	in := []byte{1, 2, 3, 4}
	out := ReverseBytesCopy(in)
	if !bytes.Equal(out, []byte{4, 3, 2, 1}) {
		t.Errorf("ReverseBytesCopy = %v", out)
	}
	if !bytes.Equal(in, []byte{1, 2, 3, 4}) {
		t.Error("ReverseBytesCopy mutated its input")
	}
}

func TestReverseByteOrder(t *testing.T) {
	in := make([]byte, 32)
	for i := range in {
		in[i] = byte(i)
	}

	out := ReverseByteOrder(in)
	if len(out) != 32 {
		t.Fatalf("length %d", len(out))
	}

	// First word of the input is 00 01 02 03; after the per-word swap it
	// is 03 02 01 00, and after the full reverse it lands at the end
	// as 00 01 02 03.
	if !bytes.Equal(out[28:32], []byte{0, 1, 2, 3}) {
		t.Errorf("tail = %v", out[28:32])
	}
	if !bytes.Equal(out[0:4], []byte{28, 29, 30, 31}) {
		t.Errorf("head = %v", out[0:4])
	}

	// Applying the transform twice restores the original.
	if !bytes.Equal(ReverseByteOrder(out), in) {
		t.Error("ReverseByteOrder is not an involution")
	}
}

func TestPadBytes(t *testing.T) {
	if got := PadBytes([]byte{1}, 4); !bytes.Equal(got, []byte{0, 0, 0, 1}) {
		t.Errorf("PadBytes = %v", got)
	}
	long := []byte{1, 2, 3, 4, 5}
	if got := PadBytes(long, 4); !bytes.Equal(got, long) {
		t.Errorf("PadBytes should not truncate: %v", got)
	}
}

func TestUint32Hex(t *testing.T) {
	if got := Uint32ToHexBE(0x01020304); got != "01020304" {
		t.Errorf("Uint32ToHexBE = %q", got)
	}
	if got := Uint32ToHexLE(0x01020304); got != "04030201" {
		t.Errorf("Uint32ToHexLE = %q", got)
	}
}
