package jobs

import (
	"github.com/zenith-network/zenith-pool/internal/coinutil"
)

const (
	coinbaseSequence = 0xffffffff
	txVersion        = 1
)

// coinbaseParts builds the two halves of the coinbase transaction. The
// extranonce (extraNonce1 + extraNonce2) is spliced between them by the
// miner, so the scriptSig length must account for it up front.
func coinbaseParts(height int64, value int64, payoutScript []byte, tag []byte, extraNonceLen int) (p1, p2 []byte) {
	heightPush := coinutil.SerializeNumber(height)

	scriptSigLen := len(heightPush) + extraNonceLen + len(tag)

	// First half: everything up to the extranonce insertion point.
	p1 = make([]byte, 0, 64+len(heightPush))
	p1 = append(p1, coinutil.PackUint32LE(txVersion)...)
	p1 = append(p1, coinutil.VarInt(1)...) // one input
	p1 = append(p1, make([]byte, 32)...)   // null prevout hash
	p1 = append(p1, 0xff, 0xff, 0xff, 0xff)
	p1 = append(p1, coinutil.VarInt(uint64(scriptSigLen))...)
	p1 = append(p1, heightPush...)

	// Second half: scriptSig tail, sequence, outputs, locktime.
	p2 = make([]byte, 0, 64+len(tag)+len(payoutScript))
	p2 = append(p2, tag...)
	p2 = append(p2, coinutil.PackUint32LE(coinbaseSequence)...)
	p2 = append(p2, coinutil.VarInt(1)...) // one output
	p2 = append(p2, coinutil.PackUint64LE(uint64(value))...)
	p2 = append(p2, coinutil.SerializeString(payoutScript)...)
	p2 = append(p2, coinutil.PackUint32LE(0)...) // locktime

	return p1, p2
}

// merkleSteps precomputes the branch hashes a miner needs to fold the
// coinbase hash up to the merkle root. Input hashes are little-endian.
func merkleSteps(txHashes [][]byte) [][]byte {
	var steps [][]byte

	// The coinbase occupies a virtual first slot.
	level := make([][]byte, 0, len(txHashes)+1)
	level = append(level, nil)
	level = append(level, txHashes...)

	for len(level) > 1 {
		steps = append(steps, level[1])

		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		next := make([][]byte, 0, len(level)/2)
		next = append(next, nil)
		for i := 2; i < len(level); i += 2 {
			next = append(next, coinutil.Sha256dPair(level[i], level[i+1]))
		}
		level = next
	}

	return steps
}

// merkleRootWith folds the coinbase hash through the precomputed steps
func merkleRootWith(coinbaseHash []byte, steps [][]byte) []byte {
	root := coinbaseHash
	for _, step := range steps {
		root = coinutil.Sha256dPair(root, step)
	}
	return root
}
