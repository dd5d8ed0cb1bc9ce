package coinutil

import "fmt"

// Sapling shielded addresses carry 69 five-bit groups after the hrp.
const saplingDataLen = 69

// AddressParams describes the address forms a coin accepts: the
// transparent base58check version bytes and any shielded bech32 hrps.
type AddressParams struct {
	PubKeyHashVersions []byte
	ScriptHashVersions []byte
	Bech32HRPs         []string
}

// DefaultAddressParams covers the common Zcash-family transparent and
// sapling forms, used when a pool config names no overrides.
func DefaultAddressParams() AddressParams {
	return AddressParams{
		PubKeyHashVersions: []byte{0x00, 0x3c},
		ScriptHashVersions: []byte{0x05, 0x55},
		Bech32HRPs:         []string{"zs"},
	}
}

// DecodeAddress base58check-decodes a transparent address into its
// version byte and hash160. Two-byte versioned chains are handled by
// treating the leading bytes before the final 20 as the version.
func DecodeAddress(addr string) (version []byte, hash160 []byte, err error) {
	payload, err := Base58CheckDecode(addr)
	if err != nil {
		return nil, nil, err
	}
	if len(payload) < 21 {
		return nil, nil, fmt.Errorf("address payload too short: %d bytes", len(payload))
	}
	split := len(payload) - 20
	return payload[:split], payload[split:], nil
}

// ValidateAddress reports whether addr is acceptable under params,
// checking base58check versions first and falling back to bech32 hrps.
func (p AddressParams) ValidateAddress(addr string) bool {
	if addr == "" {
		return false
	}

	if version, _, err := DecodeAddress(addr); err == nil {
		if len(version) == 1 {
			for _, v := range p.PubKeyHashVersions {
				if version[0] == v {
					return true
				}
			}
			for _, v := range p.ScriptHashVersions {
				if version[0] == v {
					return true
				}
			}
		}
		// Two-byte versions (Zcash t-addrs) are matched pairwise.
		if len(version) == 2 {
			for i := 0; i+1 < len(p.PubKeyHashVersions); i += 2 {
				if version[0] == p.PubKeyHashVersions[i] && version[1] == p.PubKeyHashVersions[i+1] {
					return true
				}
			}
			for i := 0; i+1 < len(p.ScriptHashVersions); i += 2 {
				if version[0] == p.ScriptHashVersions[i] && version[1] == p.ScriptHashVersions[i+1] {
					return true
				}
			}
		}
		return false
	}

	hrp, data, err := Bech32Decode(addr)
	if err != nil {
		return false
	}
	for _, want := range p.Bech32HRPs {
		if hrp == want {
			if hrp == "zs" {
				return len(data) == saplingDataLen
			}
			return len(data) > 0
		}
	}
	return false
}

// PayoutScript builds the output script paying to a transparent address:
// P2PKH for pubkey-hash versions, P2SH otherwise.
func (p AddressParams) PayoutScript(addr string) ([]byte, error) {
	version, hash160, err := DecodeAddress(addr)
	if err != nil {
		return nil, err
	}

	isScriptHash := false
	if len(version) == 1 {
		for _, v := range p.ScriptHashVersions {
			if version[0] == v {
				isScriptHash = true
				break
			}
		}
	}

	if isScriptHash {
		// OP_HASH160 <20> OP_EQUAL
		script := make([]byte, 0, 23)
		script = append(script, 0xa9, 0x14)
		script = append(script, hash160...)
		return append(script, 0x87), nil
	}

	// OP_DUP OP_HASH160 <20> OP_EQUALVERIFY OP_CHECKSIG
	script := make([]byte, 0, 25)
	script = append(script, 0x76, 0xa9, 0x14)
	script = append(script, hash160...)
	return append(script, 0x88, 0xac), nil
}
