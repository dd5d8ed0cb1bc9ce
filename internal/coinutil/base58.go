package coinutil

import (
	"fmt"
	"math/big"
)

const b58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var b58Index [256]int8

func init() {
	for i := range b58Index {
		b58Index[i] = -1
	}
	for i, c := range b58Alphabet {
		b58Index[c] = int8(i)
	}
}

// Base58Encode encodes b in the Bitcoin base58 alphabet
func Base58Encode(b []byte) string {
	x := new(big.Int).SetBytes(b)
	radix := big.NewInt(58)
	mod := new(big.Int)

	out := make([]byte, 0, len(b)*138/100+1)
	for x.Sign() > 0 {
		x.DivMod(x, radix, mod)
		out = append(out, b58Alphabet[mod.Int64()])
	}
	// Leading zero bytes map to leading '1's.
	for _, c := range b {
		if c != 0 {
			break
		}
		out = append(out, '1')
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// Base58Decode decodes a base58 string into bytes
func Base58Decode(s string) ([]byte, error) {
	x := big.NewInt(0)
	radix := big.NewInt(58)
	for i := 0; i < len(s); i++ {
		digit := b58Index[s[i]]
		if digit < 0 {
			return nil, fmt.Errorf("invalid base58 character %q", s[i])
		}
		x.Mul(x, radix)
		x.Add(x, big.NewInt(int64(digit)))
	}

	decoded := x.Bytes()
	zeros := 0
	for zeros < len(s) && s[zeros] == '1' {
		zeros++
	}
	out := make([]byte, zeros+len(decoded))
	copy(out[zeros:], decoded)
	return out, nil
}

// Base58CheckDecode decodes a base58check payload and verifies the
// 4-byte sha256d checksum. Returns the payload without the checksum.
func Base58CheckDecode(s string) ([]byte, error) {
	raw, err := Base58Decode(s)
	if err != nil {
		return nil, err
	}
	if len(raw) < 5 {
		return nil, fmt.Errorf("base58check payload too short: %d bytes", len(raw))
	}
	payload := raw[:len(raw)-4]
	checksum := raw[len(raw)-4:]
	expected := Sha256d(payload)[:4]
	for i := 0; i < 4; i++ {
		if checksum[i] != expected[i] {
			return nil, fmt.Errorf("base58check checksum mismatch")
		}
	}
	return payload, nil
}

// Base58CheckEncode appends the sha256d checksum and base58-encodes
func Base58CheckEncode(payload []byte) string {
	checksum := Sha256d(payload)[:4]
	buf := make([]byte, 0, len(payload)+4)
	buf = append(buf, payload...)
	buf = append(buf, checksum...)
	return Base58Encode(buf)
}
