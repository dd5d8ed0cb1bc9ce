package pplnt

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/zenith-network/zenith-pool/internal/storage"
)

var bg = context.Background()

func setup(t *testing.T) (*Tracker, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)

	store, err := storage.NewRedisClient("tcp", mr.Addr(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { raw.Close() })

	return NewTracker(store, "zenith"), raw
}

func timesValue(t *testing.T, raw *redis.Client, field string) float64 {
	t.Helper()
	v := raw.HGet(bg, "testcoin:shares:timesCurrent", field).Val()
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		t.Fatalf("bad times value %q", v)
	}
	return f
}

func TestFirstShareInitializesOnly(t *testing.T) {
	tracker, raw := setup(t)

	tracker.OnShare("testcoin", "addr.rig", time.Now())

	if got := timesValue(t, raw, "addr.zenith"); got != 0 {
		t.Errorf("first share credited %v seconds", got)
	}
}

func TestContinuousMiningAccumulates(t *testing.T) {
	tracker, raw := setup(t)

	base := time.Now()
	tracker.OnShare("testcoin", "addr.rig", base)
	tracker.OnShare("testcoin", "addr.rig", base.Add(30*time.Second))
	tracker.OnShare("testcoin", "addr.rig", base.Add(50*time.Second))

	got := timesValue(t, raw, "addr.zenith")
	if got < 49.9 || got > 50.1 {
		t.Errorf("accumulated time = %v, want ~50", got)
	}

	// The store's lastSeen is stamped along the way.
	if raw.HGet(bg, "testcoin:lastSeen", "addr.rig").Val() == "" {
		t.Error("lastSeen not stamped")
	}
}

func TestGapResetsWithoutCredit(t *testing.T) {
	tracker, raw := setup(t)

	base := time.Now()
	tracker.OnShare("testcoin", "addr.rig", base)
	tracker.OnShare("testcoin", "addr.rig", base.Add(60*time.Second))

	// A 20-minute absence: rejoin, no credit for the gap.
	tracker.OnShare("testcoin", "addr.rig", base.Add(21*time.Minute))

	got := timesValue(t, raw, "addr.zenith")
	if got < 59.9 || got > 60.1 {
		t.Errorf("time after gap = %v, want ~60", got)
	}

	// Mining resumes accumulating after the rejoin.
	tracker.OnShare("testcoin", "addr.rig", base.Add(21*time.Minute+30*time.Second))
	got = timesValue(t, raw, "addr.zenith")
	if got < 89.9 || got > 90.1 {
		t.Errorf("time after rejoin = %v, want ~90", got)
	}
}

func TestStoreLastSeenWins(t *testing.T) {
	tracker, raw := setup(t)

	base := time.Now()
	tracker.OnShare("testcoin", "addr.rig", base)

	// Another worker process stamped a newer lastSeen; the unified
	// timestamp must use it, shrinking the credited delta.
	raw.HSet(bg, "testcoin:lastSeen", "addr.rig", strconv.FormatInt(base.Add(40*time.Second).UnixMilli(), 10))

	tracker.OnShare("testcoin", "addr.rig", base.Add(60*time.Second))

	got := timesValue(t, raw, "addr.zenith")
	if got < 19.9 || got > 20.1 {
		t.Errorf("credited %v seconds, want ~20 (store lastSeen should win)", got)
	}
}

func TestOnBlockWipesState(t *testing.T) {
	tracker, raw := setup(t)

	base := time.Now()
	tracker.OnShare("testcoin", "addr.rig", base)
	tracker.OnShare("testcoin", "addr.rig", base.Add(30*time.Second))
	tracker.OnBlock("testcoin")

	// The next share re-initializes instead of crediting the span since
	// the pre-block share.
	raw.HDel(bg, "testcoin:lastSeen", "addr.rig")
	tracker.OnShare("testcoin", "addr.rig", base.Add(90*time.Second))

	got := timesValue(t, raw, "addr.zenith")
	if got < 29.9 || got > 30.1 {
		t.Errorf("time after block = %v, want ~30 (wipe should reset continuity)", got)
	}
}

func TestCoinsAreScoped(t *testing.T) {
	tracker, raw := setup(t)

	base := time.Now()
	tracker.OnShare("testcoin", "addr.rig", base)
	tracker.OnShare("othercoin", "addr.rig", base.Add(10*time.Second))
	tracker.OnShare("testcoin", "addr.rig", base.Add(30*time.Second))

	got := timesValue(t, raw, "addr.zenith")
	if got < 29.9 || got > 30.1 {
		t.Errorf("testcoin time = %v, want ~30", got)
	}
	if v := raw.HGet(bg, "othercoin:shares:timesCurrent", "addr.zenith").Val(); v != "" {
		t.Errorf("othercoin credited %v on first share", v)
	}
}
