package util

import (
	"math"
	"math/big"
)

var (
	// MaxTarget is the maximum representable 256-bit target
	MaxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	// Diff1Target is the difficulty 1 target for Bitcoin-family chains
	Diff1Target = new(big.Int).SetBytes([]byte{
		0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	})
)

// CompactToTarget expands a compact-bits value to a 256-bit target.
// target = mantissa * 256^(exponent-3)
func CompactToTarget(compact uint32) *big.Int {
	exponent := uint(compact >> 24)
	mantissa := int64(compact & 0x007fffff)

	var target *big.Int
	if exponent <= 3 {
		target = big.NewInt(mantissa >> (8 * (3 - exponent)))
	} else {
		target = big.NewInt(mantissa)
		target.Lsh(target, 8*(exponent-3))
	}
	return target
}

// TargetToCompact packs a 256-bit target into compact-bits form. When the
// mantissa's high bit would be set, the mantissa is shifted down and the
// exponent bumped so the stored value stays unsigned.
func TargetToCompact(target *big.Int) uint32 {
	if target.Sign() <= 0 {
		return 0
	}

	bytes := target.Bytes()
	size := uint32(len(bytes))

	var compact uint32
	if size <= 3 {
		compact = uint32(target.Uint64()) << (8 * (3 - size))
	} else {
		compact = uint32(new(big.Int).Rsh(target, 8*(uint(size)-3)).Uint64())
	}

	if compact&0x00800000 != 0 {
		compact >>= 8
		size++
	}

	return compact | size<<24
}

// DifficultyToTarget converts a (possibly fractional) share difficulty to
// its 256-bit target
func DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 {
		return new(big.Int).Set(MaxTarget)
	}
	t := new(big.Float).SetInt(Diff1Target)
	t.Quo(t, big.NewFloat(difficulty))
	target, _ := t.Int(nil)
	if target.Sign() == 0 {
		return big.NewInt(1)
	}
	return target
}

// TargetToDifficulty converts a 256-bit target to share difficulty
func TargetToDifficulty(target *big.Int) float64 {
	if target.Sign() <= 0 {
		return 0
	}
	d := new(big.Float).SetInt(Diff1Target)
	d.Quo(d, new(big.Float).SetInt(target))
	diff, _ := d.Float64()
	return diff
}

// HashToDifficulty computes the actual difficulty a 32-byte hash achieved
func HashToDifficulty(hash []byte) float64 {
	if len(hash) != 32 {
		return 0
	}
	hashInt := new(big.Int).SetBytes(hash)
	if hashInt.Sign() == 0 {
		return math.MaxFloat64
	}
	return TargetToDifficulty(hashInt)
}

// HashMeetsTarget reports whether hash <= target
func HashMeetsTarget(hash []byte, target *big.Int) bool {
	if len(hash) != 32 {
		return false
	}
	return new(big.Int).SetBytes(hash).Cmp(target) <= 0
}

// NextPowerOfTwo quantizes a difficulty to the nearest power of two not
// below it, keeping pushed vardiff values stable across retargets
func NextPowerOfTwo(diff float64) float64 {
	if diff <= 0 {
		return 1
	}
	return math.Pow(2, math.Ceil(math.Log2(diff)))
}

// NetworkHashrate estimates network hashrate from difficulty and block time
func NetworkHashrate(difficulty float64, blockTimeSeconds float64) float64 {
	if blockTimeSeconds <= 0 {
		return 0
	}
	return difficulty * math.Pow(2, 32) / blockTimeSeconds
}
