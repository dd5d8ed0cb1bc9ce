package coinutil

import (
	"fmt"
	"strings"
)

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var bech32CharsetRev [128]int8

func init() {
	for i := range bech32CharsetRev {
		bech32CharsetRev[i] = -1
	}
	for i, c := range bech32Charset {
		bech32CharsetRev[c] = int8(i)
	}
}

func bech32Polymod(values []byte) uint32 {
	gen := []uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := uint32(1)
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ uint32(v)
		for i := 0; i < 5; i++ {
			if (top>>uint(i))&1 == 1 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func bech32HrpExpand(hrp string) []byte {
	out := make([]byte, 0, len(hrp)*2+1)
	for _, c := range hrp {
		out = append(out, byte(c>>5))
	}
	out = append(out, 0)
	for _, c := range hrp {
		out = append(out, byte(c&31))
	}
	return out
}

// Bech32Decode splits a bech32 string into its human-readable part and
// 5-bit data groups, verifying the checksum
func Bech32Decode(s string) (string, []byte, error) {
	if strings.ToLower(s) != s && strings.ToUpper(s) != s {
		return "", nil, fmt.Errorf("bech32 string mixes case")
	}
	s = strings.ToLower(s)

	sep := strings.LastIndex(s, "1")
	if sep < 1 || sep+7 > len(s) {
		return "", nil, fmt.Errorf("invalid bech32 separator position")
	}
	hrp := s[:sep]
	for _, c := range hrp {
		if c < 33 || c > 126 {
			return "", nil, fmt.Errorf("invalid bech32 hrp character")
		}
	}

	data := make([]byte, 0, len(s)-sep-1)
	for i := sep + 1; i < len(s); i++ {
		c := s[i]
		if c >= 128 || bech32CharsetRev[c] < 0 {
			return "", nil, fmt.Errorf("invalid bech32 data character %q", c)
		}
		data = append(data, byte(bech32CharsetRev[c]))
	}

	check := append(bech32HrpExpand(hrp), data...)
	if bech32Polymod(check) != 1 {
		return "", nil, fmt.Errorf("bech32 checksum mismatch")
	}

	return hrp, data[:len(data)-6], nil
}

// Bech32Encode assembles a bech32 string from hrp and 5-bit data groups
func Bech32Encode(hrp string, data []byte) string {
	values := append(bech32HrpExpand(hrp), data...)
	values = append(values, 0, 0, 0, 0, 0, 0)
	polymod := bech32Polymod(values) ^ 1

	var sb strings.Builder
	sb.WriteString(hrp)
	sb.WriteByte('1')
	for _, d := range data {
		sb.WriteByte(bech32Charset[d])
	}
	for i := 0; i < 6; i++ {
		sb.WriteByte(bech32Charset[(polymod>>uint(5*(5-i)))&31])
	}
	return sb.String()
}
