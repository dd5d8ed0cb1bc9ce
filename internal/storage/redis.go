package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/zenith-network/zenith-pool/internal/util"
)

// RedisClient wraps store operations for all coins. Every key is
// prefixed "<coin>:".
type RedisClient struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisClient connects to the shared store
func NewRedisClient(network, addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Network:  network,
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Info("Connected to Redis at ", addr)
	return &RedisClient{client: client, ctx: ctx}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

func k(coin string, parts ...string) string {
	return coin + ":" + strings.Join(parts, ":")
}

// WriteShare records one share event in a single transaction. The round
// rename and the blocksPending add are adjacent in the same MULTI, which
// is what freezes the round exactly at the block boundary.
func (r *RedisClient) WriteShare(coin string, s ShareData) error {
	now := time.Now()
	ms := now.UnixMilli()

	pipe := r.client.TxPipeline()

	if s.Valid {
		pipe.HIncrByFloat(r.ctx, k(coin, "shares", "pbaasCurrent"), s.Worker, s.Diff)
		pipe.HIncrByFloat(r.ctx, k(coin, "shares", "roundCurrent"), s.Worker, s.Diff)
		pipe.HIncrBy(r.ctx, k(coin, "stats"), "validShares", 1)
		pipe.HSet(r.ctx, k(coin, "lastSeen"), s.Worker, ms)
	} else {
		pipe.HIncrBy(r.ctx, k(coin, "stats"), "invalidShares", 1)
	}

	// The epoch-ms suffix keeps members unique; a negative diff encodes
	// an invalid share.
	diff := s.Diff
	if !s.Valid {
		diff = -diff
	}
	member := fmt.Sprintf("%s:%s:%d", strconv.FormatFloat(diff, 'f', -1, 64), s.Worker, ms)
	pipe.ZAdd(r.ctx, k(coin, "hashrate"), &redis.Z{Score: float64(now.Unix()), Member: member})

	if s.BlockHash != "" {
		pipe.SAdd(r.ctx, k(coin, "pbaasPending"), fmt.Sprintf("%s:%s:%d", s.BlockHash, s.Worker, ms))
		if !s.BlockOnlyPBaaS {
			pipe.Rename(r.ctx, k(coin, "shares", "roundCurrent"), k(coin, "shares", fmt.Sprintf("round%d", s.Height)))
			pipe.Rename(r.ctx, k(coin, "shares", "timesCurrent"), k(coin, "shares", fmt.Sprintf("times%d", s.Height)))
			record := PendingBlock{
				BlockHash: s.BlockHash,
				TxHash:    s.TxHash,
				Height:    s.Height,
				MinedBy:   s.Worker,
				Time:      ms,
			}
			pipe.SAdd(r.ctx, k(coin, "blocksPending"), record.Serialize())
			pipe.HIncrBy(r.ctx, k(coin, "stats"), "validBlocks", 1)
		}
	} else if s.BlockInvalid {
		pipe.HIncrBy(r.ctx, k(coin, "stats"), "invalidBlocks", 1)
	}

	_, err := pipe.Exec(r.ctx)
	// Renaming an empty round fails when the block arrives before any
	// share landed in the fresh round; nothing to freeze then.
	if err != nil && strings.Contains(err.Error(), "no such key") {
		return nil
	}
	return err
}

// GetBalances returns all accrued balances for a coin, in coin units
func (r *RedisClient) GetBalances(coin string) (map[string]float64, error) {
	raw, err := r.client.HGetAll(r.ctx, k(coin, "balances")).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(raw))
	for addr, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt balance for %s: %q", addr, v)
		}
		out[addr] = f
	}
	return out, nil
}

// GetPendingBlocks parses every member of blocksPending
func (r *RedisClient) GetPendingBlocks(coin string) ([]PendingBlock, error) {
	members, err := r.client.SMembers(r.ctx, k(coin, "blocksPending")).Result()
	if err != nil {
		return nil, err
	}
	blocks := make([]PendingBlock, 0, len(members))
	for _, m := range members {
		b, err := ParsePendingBlock(m)
		if err != nil {
			util.Warnf("[%s] skipping %v", coin, err)
			continue
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// GetRoundShares returns the frozen share map for a height
func (r *RedisClient) GetRoundShares(coin string, height int64) (map[string]float64, error) {
	return r.hGetAllFloat(k(coin, "shares", fmt.Sprintf("round%d", height)))
}

// GetRoundTimes returns the frozen PPLNT time map for a height
func (r *RedisClient) GetRoundTimes(coin string, height int64) (map[string]float64, error) {
	return r.hGetAllFloat(k(coin, "shares", fmt.Sprintf("times%d", height)))
}

func (r *RedisClient) hGetAllFloat(key string) (map[string]float64, error) {
	raw, err := r.client.HGetAll(r.ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(raw))
	for field, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		out[field] = f
	}
	return out, nil
}

// GetLastSeen returns a worker's most recent valid-share timestamp (epoch-ms)
func (r *RedisClient) GetLastSeen(coin, worker string) (int64, error) {
	v, err := r.client.HGet(r.ctx, k(coin, "lastSeen"), worker).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// IncrWorkerTime accumulates PPLNT continuous-mining seconds for
// "<address>.<poolId>" in the current round
func (r *RedisClient) IncrWorkerTime(coin, addrPoolID string, seconds float64) error {
	return r.client.HIncrByFloat(r.ctx, k(coin, "shares", "timesCurrent"), addrPoolID, seconds).Err()
}

// SetLastSeen stamps a worker's last valid share time (epoch-ms)
func (r *RedisClient) SetLastSeen(coin, worker string, ms int64) error {
	return r.client.HSet(r.ctx, k(coin, "lastSeen"), worker, ms).Err()
}

// SetStats writes display counters (networkDiff, networkSols, ...)
func (r *RedisClient) SetStats(coin string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	return r.client.HSet(r.ctx, k(coin, "stats"), args...).Err()
}

// GetStats reads the stats hash for display
func (r *RedisClient) GetStats(coin string) (map[string]string, error) {
	return r.client.HGetAll(r.ctx, k(coin, "stats")).Result()
}

// GetPendingConfirms returns current confirmation counts per block hash
func (r *RedisClient) GetPendingConfirms(coin string) (map[string]int64, error) {
	raw, err := r.client.HGetAll(r.ctx, k(coin, "blocksPendingConfirms")).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for hash, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[hash] = n
	}
	return out, nil
}

// AddPayment appends a payment-history record scored by its timestamp
func (r *RedisClient) AddPayment(coin string, p PaymentRecord) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.client.ZAdd(r.ctx, k(coin, "payments"), &redis.Z{
		Score:  float64(p.Time),
		Member: string(body),
	}).Err()
}

// GetRecentPayments returns the newest payment records
func (r *RedisClient) GetRecentPayments(coin string, limit int64) ([]PaymentRecord, error) {
	raw, err := r.client.ZRevRange(r.ctx, k(coin, "payments"), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]PaymentRecord, 0, len(raw))
	for _, m := range raw {
		var p PaymentRecord
		if err := json.Unmarshal([]byte(m), &p); err == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetProxyState returns the last selected coin per algorithm
func (r *RedisClient) GetProxyState(coin string) (map[string]string, error) {
	return r.client.HGetAll(r.ctx, k(coin, "proxyState")).Result()
}

// SetProxyState persists an algorithm's selected coin
func (r *RedisClient) SetProxyState(scope, algorithm, coin string) error {
	return r.client.HSet(r.ctx, k(scope, "proxyState"), algorithm, coin).Err()
}

// MoveKickedBlock moves a pending record straight to blocksKicked,
// used by the height-collision check before classification.
func (r *RedisClient) MoveKickedBlock(coin string, b PendingBlock) error {
	return r.client.SMove(r.ctx, k(coin, "blocksPending"), k(coin, "blocksKicked"), b.Raw).Err()
}

// ExecAtomic applies a command list in one MULTI/EXEC. The payment
// processor's stage-5 commit goes through here so a failure leaves the
// exact command list available for the recovery dump.
func (r *RedisClient) ExecAtomic(coin string, cmds []Command) error {
	if len(cmds) == 0 {
		return nil
	}

	pipe := r.client.TxPipeline()
	for _, c := range cmds {
		if err := queueCommand(r.ctx, pipe, coin, c); err != nil {
			return err
		}
	}
	_, err := pipe.Exec(r.ctx)
	return err
}

func queueCommand(ctx context.Context, pipe redis.Pipeliner, coin string, c Command) error {
	key := func(i int) string { return coin + ":" + c.Args[i] }

	switch c.Name {
	case "hincrbyfloat":
		if len(c.Args) != 3 {
			return fmt.Errorf("hincrbyfloat wants 3 args, got %d", len(c.Args))
		}
		f, err := strconv.ParseFloat(c.Args[2], 64)
		if err != nil {
			return err
		}
		pipe.HIncrByFloat(ctx, key(0), c.Args[1], f)
	case "hincrby":
		if len(c.Args) != 3 {
			return fmt.Errorf("hincrby wants 3 args, got %d", len(c.Args))
		}
		n, err := strconv.ParseInt(c.Args[2], 10, 64)
		if err != nil {
			return err
		}
		pipe.HIncrBy(ctx, key(0), c.Args[1], n)
	case "hset":
		if len(c.Args) != 3 {
			return fmt.Errorf("hset wants 3 args, got %d", len(c.Args))
		}
		pipe.HSet(ctx, key(0), c.Args[1], c.Args[2])
	case "hdel":
		if len(c.Args) != 2 {
			return fmt.Errorf("hdel wants 2 args, got %d", len(c.Args))
		}
		pipe.HDel(ctx, key(0), c.Args[1])
	case "sadd":
		if len(c.Args) != 2 {
			return fmt.Errorf("sadd wants 2 args, got %d", len(c.Args))
		}
		pipe.SAdd(ctx, key(0), c.Args[1])
	case "smove":
		if len(c.Args) != 3 {
			return fmt.Errorf("smove wants 3 args, got %d", len(c.Args))
		}
		pipe.SMove(ctx, key(0), key(1), c.Args[2])
	case "zadd":
		if len(c.Args) != 3 {
			return fmt.Errorf("zadd wants 3 args, got %d", len(c.Args))
		}
		score, err := strconv.ParseFloat(c.Args[1], 64)
		if err != nil {
			return err
		}
		pipe.ZAdd(ctx, key(0), &redis.Z{Score: score, Member: c.Args[2]})
	case "del":
		if len(c.Args) != 1 {
			return fmt.Errorf("del wants 1 arg, got %d", len(c.Args))
		}
		pipe.Del(ctx, key(0))
	case "rename":
		if len(c.Args) != 2 {
			return fmt.Errorf("rename wants 2 args, got %d", len(c.Args))
		}
		pipe.Rename(ctx, key(0), key(1))
	default:
		return fmt.Errorf("unsupported store command %q", c.Name)
	}
	return nil
}

// Payout locking, so two processes never pay one coin concurrently.

// LockPayouts acquires the coin's payout lock
func (r *RedisClient) LockPayouts(coin, lockID string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(r.ctx, k(coin, "payout", "lock"), lockID, ttl).Result()
}

// UnlockPayouts releases the payout lock if held by lockID
func (r *RedisClient) UnlockPayouts(coin, lockID string) error {
	current, err := r.client.Get(r.ctx, k(coin, "payout", "lock")).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if current == lockID {
		return r.client.Del(r.ctx, k(coin, "payout", "lock")).Err()
	}
	return nil
}

// GetHashrateEntries returns hashrate samples newer than the window,
// for the operator status endpoint.
func (r *RedisClient) GetHashrateEntries(coin string, window time.Duration) ([]string, error) {
	minTime := time.Now().Add(-window).Unix()
	return r.client.ZRangeByScore(r.ctx, k(coin, "hashrate"), &redis.ZRangeBy{
		Min: strconv.FormatInt(minTime, 10),
		Max: "+inf",
	}).Result()
}

// PurgeStaleHashrate trims hashrate samples older than the window
func (r *RedisClient) PurgeStaleHashrate(coin string, window time.Duration) error {
	maxTime := time.Now().Add(-window).Unix()
	return r.client.ZRemRangeByScore(r.ctx, k(coin, "hashrate"), "-inf", strconv.FormatInt(maxTime, 10)).Err()
}
