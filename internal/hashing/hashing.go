// Package hashing maps algorithm names to header hash functions. The
// pool never verifies full proof-of-work solutions itself; it only needs
// the header hash to rank a share against the share and network targets.
package hashing

import (
	"fmt"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/zenith-network/zenith-pool/internal/coinutil"
)

// HashFunc computes the 32-byte header hash for a serialized header
type HashFunc func(header []byte) []byte

var strategies = map[string]HashFunc{
	"sha256d": func(header []byte) []byte {
		return coinutil.Sha256d(header)
	},
	"blake3": func(header []byte) []byte {
		sum := blake3.Sum256(header)
		return sum[:]
	},
}

// ForAlgorithm resolves the hash strategy for an algorithm name. Unknown
// algorithms are a configuration error, surfaced at pool startup.
func ForAlgorithm(name string) (HashFunc, error) {
	fn, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown hash algorithm %q (supported: %v)", name, Supported())
	}
	return fn, nil
}

// Supported lists the registered algorithm names, sorted
func Supported() []string {
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
