package pool

import (
	"testing"
	"time"

	"github.com/zenith-network/zenith-pool/internal/config"
	"github.com/zenith-network/zenith-pool/internal/coinutil"
)

func fill(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

var (
	poolAddr   = coinutil.Base58CheckEncode(append([]byte{0x00}, fill(20, 0x01)...))
	minerAddr  = coinutil.Base58CheckEncode(append([]byte{0x00}, fill(20, 0x02)...))
	bannedAddr = coinutil.Base58CheckEncode(append([]byte{0x00}, fill(20, 0x03)...))
)

func testPoolConfig() *config.PoolConfig {
	return &config.PoolConfig{
		Enabled:                true,
		Coin:                   config.CoinConfig{Name: "testcoin", Algorithm: "sha256d", Precision: 8},
		Address:                poolAddr,
		ValidateWorkerUsername: true,
		BannedAddresses: config.BannedAddressesConfig{
			Enabled: true,
			Banned:  []string{bannedAddr},
		},
		Banning: config.BanningConfig{
			Enabled:        true,
			CheckThreshold: 100,
			InvalidPercent: 50,
			BanTime:        time.Minute,
			PurgeInterval:  time.Minute,
		},
		Ports: map[string]config.PortConfig{
			"3032": {Diff: 8},
		},
		Daemons: []config.DaemonConfig{{Host: "127.0.0.1", Port: 1}},
	}
}

func TestNewPoolValidatesOwnAddress(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Address = "garbage"
	if _, err := New(cfg); err == nil {
		t.Error("invalid pool address should fail construction")
	}
}

func TestNewPoolUnknownAlgorithm(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Coin.Algorithm = "x11"
	if _, err := New(cfg); err == nil {
		t.Error("unknown algorithm should fail construction")
	}
}

func TestAuthorizeValidWorker(t *testing.T) {
	p, err := New(testPoolConfig())
	if err != nil {
		t.Fatal(err)
	}

	ok, _ := p.authorize("1.2.3.4", minerAddr+".rig1", "x")
	if !ok {
		t.Error("valid worker rejected")
	}
}

func TestAuthorizeBannedAddress(t *testing.T) {
	p, err := New(testPoolConfig())
	if err != nil {
		t.Fatal(err)
	}

	ok, disconnect := p.authorize("1.2.3.4", bannedAddr+".rig1", "x")
	if ok || !disconnect {
		t.Errorf("banned address: ok=%v disconnect=%v", ok, disconnect)
	}
}

func TestAuthorizeInvalidAddress(t *testing.T) {
	p, err := New(testPoolConfig())
	if err != nil {
		t.Fatal(err)
	}

	ok, disconnect := p.authorize("1.2.3.4", "notanaddress.rig1", "x")
	if ok {
		t.Error("invalid address accepted with validation on")
	}
	if disconnect {
		t.Error("invalid address should be rejected without a disconnect")
	}
}

func TestAuthorizeInvalidAddressAllowedWhenValidationOff(t *testing.T) {
	cfg := testPoolConfig()
	cfg.ValidateWorkerUsername = false
	p, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ok, _ := p.authorize("1.2.3.4", "notanaddress.rig1", "x")
	if !ok {
		t.Error("validation off should accept any username")
	}
}

func TestAddressParamsForCustomVersions(t *testing.T) {
	params, err := AddressParamsFor(config.CoinConfig{
		Name:               "custom",
		PubKeyHashVersions: []string{"3c"},
		Bech32HRPs:         []string{"zs"},
	})
	if err != nil {
		t.Fatalf("AddressParamsFor: %v", err)
	}

	addr := coinutil.Base58CheckEncode(append([]byte{0x3c}, fill(20, 0x09)...))
	if !params.ValidateAddress(addr) {
		t.Error("custom version address rejected")
	}
	// The default 0x00 version is no longer allowed.
	if params.ValidateAddress(minerAddr) {
		t.Error("unconfigured version accepted")
	}
}

func TestAddressParamsForBadHex(t *testing.T) {
	if _, err := AddressParamsFor(config.CoinConfig{
		PubKeyHashVersions: []string{"zz"},
	}); err == nil {
		t.Error("bad hex version should fail")
	}
}

func TestSplitWorker(t *testing.T) {
	addr, rest := splitWorker("abc.rig1")
	if addr != "abc" || rest != "rig1" {
		t.Errorf("splitWorker = %q, %q", addr, rest)
	}
	addr, rest = splitWorker("abc")
	if addr != "abc" || rest != "" {
		t.Errorf("splitWorker = %q, %q", addr, rest)
	}
}
