package hashing

import (
	"bytes"
	"testing"

	"github.com/zenith-network/zenith-pool/internal/coinutil"
)

func TestForAlgorithmSha256d(t *testing.T) {
	fn, err := ForAlgorithm("sha256d")
	if err != nil {
		t.Fatalf("ForAlgorithm: %v", err)
	}
	header := []byte("header bytes")
	if !bytes.Equal(fn(header), coinutil.Sha256d(header)) {
		t.Error("sha256d strategy disagrees with coinutil.Sha256d")
	}
}

func TestForAlgorithmBlake3(t *testing.T) {
	fn, err := ForAlgorithm("blake3")
	if err != nil {
		t.Fatalf("ForAlgorithm: %v", err)
	}
	out := fn([]byte("header bytes"))
	if len(out) != 32 {
		t.Errorf("blake3 output length = %d", len(out))
	}
	// Deterministic.
	if !bytes.Equal(out, fn([]byte("header bytes"))) {
		t.Error("blake3 strategy is not deterministic")
	}
}

func TestForAlgorithmUnknown(t *testing.T) {
	if _, err := ForAlgorithm("scrypt"); err == nil {
		t.Error("unknown algorithm should error")
	}
}

func TestSupported(t *testing.T) {
	names := Supported()
	if len(names) < 2 {
		t.Errorf("Supported = %v", names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Errorf("Supported not sorted: %v", names)
		}
	}
}
