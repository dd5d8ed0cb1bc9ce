package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

const testCoin = "testcoin"

var bg = context.Background()

// setupTestRedis returns the client under test plus a raw connection
// for seeding and assertions.
func setupTestRedis(t *testing.T) (*RedisClient, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client, err := NewRedisClient("tcp", mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("Failed to create Redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { raw.Close() })

	return client, raw
}

func TestNewRedisClientInvalid(t *testing.T) {
	if _, err := NewRedisClient("tcp", "127.0.0.1:1", "", 0); err == nil {
		t.Error("NewRedisClient should fail when nothing is listening")
	}
}

func TestWriteShareValid(t *testing.T) {
	client, raw := setupTestRedis(t)

	err := client.WriteShare(testCoin, ShareData{
		Worker: "addr1.rig1",
		Diff:   8,
		Valid:  true,
		Height: 100,
	})
	if err != nil {
		t.Fatalf("WriteShare: %v", err)
	}

	if got := raw.HGet(bg, "testcoin:shares:roundCurrent", "addr1.rig1").Val(); got != "8" {
		t.Errorf("roundCurrent share = %q", got)
	}
	if got := raw.HGet(bg, "testcoin:stats", "validShares").Val(); got != "1" {
		t.Errorf("validShares = %q", got)
	}
	if got := raw.HGet(bg, "testcoin:lastSeen", "addr1.rig1").Val(); got == "" {
		t.Error("lastSeen not set")
	}

	members := raw.ZRange(bg, "testcoin:hashrate", 0, -1).Val()
	if len(members) != 1 {
		t.Fatalf("hashrate members: %v", members)
	}
	if !strings.HasPrefix(members[0], "8:addr1.rig1:") {
		t.Errorf("hashrate member = %q", members[0])
	}
}

func TestWriteShareInvalid(t *testing.T) {
	client, raw := setupTestRedis(t)

	err := client.WriteShare(testCoin, ShareData{
		Worker: "addr1.rig1",
		Diff:   8,
		Valid:  false,
	})
	if err != nil {
		t.Fatalf("WriteShare: %v", err)
	}

	if got := raw.HGet(bg, "testcoin:stats", "invalidShares").Val(); got != "1" {
		t.Errorf("invalidShares = %q", got)
	}
	if raw.Exists(bg, "testcoin:shares:roundCurrent").Val() != 0 {
		t.Error("invalid share must not touch the round")
	}

	// The hashrate sample carries a negative difficulty.
	members := raw.ZRange(bg, "testcoin:hashrate", 0, -1).Val()
	if len(members) != 1 || !strings.HasPrefix(members[0], "-8:") {
		t.Errorf("hashrate member = %v", members)
	}
}

func TestWriteShareBlockFreezesRound(t *testing.T) {
	client, raw := setupTestRedis(t)

	// Two shares before the block.
	client.WriteShare(testCoin, ShareData{Worker: "a.r", Diff: 4, Valid: true, Height: 99})
	client.WriteShare(testCoin, ShareData{Worker: "b.r", Diff: 6, Valid: true, Height: 99})

	// The block share itself.
	err := client.WriteShare(testCoin, ShareData{
		Worker:    "a.r",
		Diff:      10,
		Valid:     true,
		Height:    100,
		BlockHash: "deadbeef",
		TxHash:    "cafef00d",
	})
	if err != nil {
		t.Fatalf("WriteShare block: %v", err)
	}

	// All three shares (4+6+10) froze into round100.
	if got := raw.HGet(bg, "testcoin:shares:round100", "a.r").Val(); got != "14" {
		t.Errorf("frozen a.r = %q", got)
	}
	if got := raw.HGet(bg, "testcoin:shares:round100", "b.r").Val(); got != "6" {
		t.Errorf("frozen b.r = %q", got)
	}
	if raw.Exists(bg, "testcoin:shares:roundCurrent").Val() != 0 {
		t.Error("roundCurrent should be gone after the freeze")
	}

	// Shares after the block land in a fresh round.
	client.WriteShare(testCoin, ShareData{Worker: "c.r", Diff: 3, Valid: true, Height: 100})
	if got := raw.HGet(bg, "testcoin:shares:roundCurrent", "c.r").Val(); got != "3" {
		t.Errorf("fresh round c.r = %q", got)
	}
	if got := raw.HGet(bg, "testcoin:shares:round100", "c.r").Val(); got != "" {
		t.Error("post-block share leaked into the frozen round")
	}

	members := raw.SMembers(bg, "testcoin:blocksPending").Val()
	if len(members) != 1 {
		t.Fatalf("blocksPending = %v", members)
	}
	block, err := ParsePendingBlock(members[0])
	if err != nil {
		t.Fatalf("ParsePendingBlock: %v", err)
	}
	if block.BlockHash != "deadbeef" || block.TxHash != "cafef00d" || block.Height != 100 || block.MinedBy != "a.r" {
		t.Errorf("pending block = %+v", block)
	}

	if got := raw.HGet(bg, "testcoin:stats", "validBlocks").Val(); got != "1" {
		t.Errorf("validBlocks = %q", got)
	}

	pbaas := raw.SMembers(bg, "testcoin:pbaasPending").Val()
	if len(pbaas) != 1 || !strings.HasPrefix(pbaas[0], "deadbeef:a.r:") {
		t.Errorf("pbaasPending = %v", pbaas)
	}
}

func TestWriteShareAuxOnlyBlock(t *testing.T) {
	client, raw := setupTestRedis(t)

	client.WriteShare(testCoin, ShareData{Worker: "a.r", Diff: 4, Valid: true, Height: 99})
	err := client.WriteShare(testCoin, ShareData{
		Worker:         "a.r",
		Diff:           10,
		Valid:          true,
		Height:         100,
		BlockHash:      "auxhash",
		BlockOnlyPBaaS: true,
	})
	if err != nil {
		t.Fatalf("WriteShare: %v", err)
	}

	// A pure auxiliary block must not freeze the main round.
	if raw.Exists(bg, "testcoin:shares:roundCurrent").Val() != 1 {
		t.Error("aux-only block froze the round")
	}
	if raw.Exists(bg, "testcoin:shares:round100").Val() != 0 {
		t.Error("aux-only block created a frozen round")
	}
	if members := raw.SMembers(bg, "testcoin:blocksPending").Val(); len(members) != 0 {
		t.Errorf("aux-only block landed in blocksPending: %v", members)
	}
	if pbaas := raw.SMembers(bg, "testcoin:pbaasPending").Val(); len(pbaas) != 1 {
		t.Errorf("pbaasPending = %v", pbaas)
	}
}

func TestWriteShareBlockRejected(t *testing.T) {
	client, raw := setupTestRedis(t)

	err := client.WriteShare(testCoin, ShareData{
		Worker:       "a.r",
		Diff:         10,
		Valid:        true,
		Height:       100,
		BlockInvalid: true,
	})
	if err != nil {
		t.Fatalf("WriteShare: %v", err)
	}
	if got := raw.HGet(bg, "testcoin:stats", "invalidBlocks").Val(); got != "1" {
		t.Errorf("invalidBlocks = %q", got)
	}
}

func TestWriteShareBlockWithEmptyRound(t *testing.T) {
	client, _ := setupTestRedis(t)

	// A block with no prior shares: the round rename has nothing to move
	// but the write must still succeed.
	err := client.WriteShare(testCoin, ShareData{
		Worker:    "a.r",
		Diff:      10,
		Valid:     true,
		Height:    100,
		BlockHash: "hash",
	})
	if err != nil {
		t.Fatalf("WriteShare on empty round: %v", err)
	}
}

func TestPendingBlockSerializeRoundTrip(t *testing.T) {
	b := PendingBlock{
		BlockHash: "aa", TxHash: "bb", Height: 123, MinedBy: "addr.rig", Time: 1700000000000,
	}
	parsed, err := ParsePendingBlock(b.Serialize())
	if err != nil {
		t.Fatalf("ParsePendingBlock: %v", err)
	}
	if parsed.BlockHash != "aa" || parsed.TxHash != "bb" || parsed.Height != 123 ||
		parsed.MinedBy != "addr.rig" || parsed.Time != 1700000000000 {
		t.Errorf("round trip = %+v", parsed)
	}

	if _, err := ParsePendingBlock("too:few"); err == nil {
		t.Error("malformed record should fail to parse")
	}
}

func TestGetBalances(t *testing.T) {
	client, raw := setupTestRedis(t)

	raw.HSet(bg, "testcoin:balances", "addr1", "1.5", "addr2", "0.25")

	balances, err := client.GetBalances(testCoin)
	if err != nil {
		t.Fatalf("GetBalances: %v", err)
	}
	if balances["addr1"] != 1.5 || balances["addr2"] != 0.25 {
		t.Errorf("balances = %v", balances)
	}
}

func TestExecAtomic(t *testing.T) {
	client, raw := setupTestRedis(t)

	raw.SAdd(bg, "testcoin:blocksPending", "rec1")

	cmds := []Command{
		Cmd("hincrbyfloat", "balances", "addr1", 0.5),
		Cmd("smove", "blocksPending", "blocksConfirmed", "rec1"),
		Cmd("hset", "blocksPendingConfirms", "hash1", "7"),
		Cmd("zadd", "payments", int64(1700000000000), `{"txid":"t"}`),
		Cmd("del", "shares:round100"),
	}
	if err := client.ExecAtomic(testCoin, cmds); err != nil {
		t.Fatalf("ExecAtomic: %v", err)
	}

	if got := raw.HGet(bg, "testcoin:balances", "addr1").Val(); got != "0.5" {
		t.Errorf("balances = %q", got)
	}
	confirmed := raw.SMembers(bg, "testcoin:blocksConfirmed").Val()
	if len(confirmed) != 1 || confirmed[0] != "rec1" {
		t.Errorf("blocksConfirmed = %v", confirmed)
	}
	if pending := raw.SMembers(bg, "testcoin:blocksPending").Val(); len(pending) != 0 {
		t.Errorf("blocksPending = %v", pending)
	}
	if got := raw.HGet(bg, "testcoin:blocksPendingConfirms", "hash1").Val(); got != "7" {
		t.Errorf("confirms = %q", got)
	}
}

func TestExecAtomicRejectsUnknownCommand(t *testing.T) {
	client, _ := setupTestRedis(t)
	err := client.ExecAtomic(testCoin, []Command{{Name: "flushall"}})
	if err == nil {
		t.Error("unsupported command should be rejected before execution")
	}
}

func TestPayoutLock(t *testing.T) {
	client, _ := setupTestRedis(t)

	ok, err := client.LockPayouts(testCoin, "run1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first lock: %v %v", ok, err)
	}

	ok, err = client.LockPayouts(testCoin, "run2", time.Minute)
	if err != nil || ok {
		t.Fatalf("second lock should be refused: %v %v", ok, err)
	}

	// Only the holder can unlock.
	if err := client.UnlockPayouts(testCoin, "run2"); err != nil {
		t.Fatalf("UnlockPayouts: %v", err)
	}
	ok, _ = client.LockPayouts(testCoin, "run3", time.Minute)
	if ok {
		t.Error("non-holder unlock released the lock")
	}

	client.UnlockPayouts(testCoin, "run1")
	ok, _ = client.LockPayouts(testCoin, "run3", time.Minute)
	if !ok {
		t.Error("lock not released by holder")
	}
}

func TestWorkerTimeAndLastSeen(t *testing.T) {
	client, raw := setupTestRedis(t)

	if err := client.IncrWorkerTime(testCoin, "addr1.zenith", 12.5); err != nil {
		t.Fatalf("IncrWorkerTime: %v", err)
	}
	if got := raw.HGet(bg, "testcoin:shares:timesCurrent", "addr1.zenith").Val(); got != "12.5" {
		t.Errorf("timesCurrent = %q", got)
	}

	if err := client.SetLastSeen(testCoin, "addr1.rig", 1700000000000); err != nil {
		t.Fatalf("SetLastSeen: %v", err)
	}
	last, err := client.GetLastSeen(testCoin, "addr1.rig")
	if err != nil || last != 1700000000000 {
		t.Errorf("GetLastSeen = %d, %v", last, err)
	}

	// Unknown workers read as zero.
	last, err = client.GetLastSeen(testCoin, "nobody")
	if err != nil || last != 0 {
		t.Errorf("GetLastSeen(nobody) = %d, %v", last, err)
	}
}

func TestProxyState(t *testing.T) {
	client, _ := setupTestRedis(t)

	if err := client.SetProxyState("proxy", "sha256d", "testcoin"); err != nil {
		t.Fatalf("SetProxyState: %v", err)
	}
	state, err := client.GetProxyState("proxy")
	if err != nil {
		t.Fatalf("GetProxyState: %v", err)
	}
	if state["sha256d"] != "testcoin" {
		t.Errorf("state = %v", state)
	}
}

func TestAddPaymentAndHistory(t *testing.T) {
	client, _ := setupTestRedis(t)

	rec := PaymentRecord{
		Time: 1700000000000, TxID: "tx1", Amount: 1.25, Fee: 0.0001,
		Workers: 2, Paid: map[string]float64{"a": 1.0, "b": 0.25},
	}
	if err := client.AddPayment(testCoin, rec); err != nil {
		t.Fatalf("AddPayment: %v", err)
	}

	history, err := client.GetRecentPayments(testCoin, 10)
	if err != nil || len(history) != 1 {
		t.Fatalf("GetRecentPayments: %v %v", history, err)
	}
	if history[0].TxID != "tx1" || history[0].Paid["a"] != 1.0 {
		t.Errorf("history = %+v", history[0])
	}
}

func TestRoundSharesAndTimes(t *testing.T) {
	client, raw := setupTestRedis(t)

	raw.HSet(bg, "testcoin:shares:round100", "a.r", "10")
	raw.HSet(bg, "testcoin:shares:times100", "a.zenith", "450.5")

	shares, err := client.GetRoundShares(testCoin, 100)
	if err != nil || shares["a.r"] != 10 {
		t.Errorf("shares = %v, %v", shares, err)
	}
	times, err := client.GetRoundTimes(testCoin, 100)
	if err != nil || times["a.zenith"] != 450.5 {
		t.Errorf("times = %v, %v", times, err)
	}
}

func TestGetPendingConfirms(t *testing.T) {
	client, raw := setupTestRedis(t)

	raw.HSet(bg, "testcoin:blocksPendingConfirms", "hashA", "3")

	confirms, err := client.GetPendingConfirms(testCoin)
	if err != nil || confirms["hashA"] != 3 {
		t.Errorf("confirms = %v, %v", confirms, err)
	}
}
