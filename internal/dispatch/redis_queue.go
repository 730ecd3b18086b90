package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue shares the task queue across processes. Keys, under one
// prefix: a pending list, a claimed list, a lease hash (task id ->
// deadline, unix ms) and a payload hash (task id -> task JSON).
type RedisQueue struct {
	client   *redis.Client
	prefix   string
	capacity int
	leaseTTL time.Duration
}

func NewRedisQueue(client *redis.Client, prefix string, capacity int, leaseTTL time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "oratio:speech"
	}
	if capacity <= 0 {
		capacity = 64
	}
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	return &RedisQueue{client: client, prefix: prefix, capacity: capacity, leaseTTL: leaseTTL}
}

func (q *RedisQueue) pendingKey() string { return q.prefix + ":pending" }
func (q *RedisQueue) claimedKey() string { return q.prefix + ":claimed" }
func (q *RedisQueue) leaseKey() string   { return q.prefix + ":lease" }
func (q *RedisQueue) payloadKey() string { return q.prefix + ":payload" }

// claimScript moves the next pending id onto the claimed list and records
// its lease in the same step. A worker dying mid-claim must never leave an
// id on the claimed list without a lease entry, or the sweeper cannot see
// it. KEYS: pending, claimed, lease. ARGV: lease deadline, unix ms.
var claimScript = redis.NewScript(`
local id = redis.call("LMOVE", KEYS[1], KEYS[2], "RIGHT", "LEFT")
if not id then
	return false
end
redis.call("HSET", KEYS[3], id, ARGV[1])
return id`)

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	// The depth check and the push are separate commands, so concurrent
	// submitters can overshoot capacity by a few tasks. The bound is
	// backpressure, not an admission guarantee.
	depth, err := q.client.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return fmt.Errorf("queue depth check: %w", err)
	}
	if depth >= int64(q.capacity) {
		return ErrQueueSaturated
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.payloadKey(), t.ID, payload)
	pipe.LPush(ctx, q.pendingKey(), t.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context) (Task, error) {
	keys := []string{q.pendingKey(), q.claimedKey(), q.leaseKey()}
	for {
		deadline := time.Now().Add(q.leaseTTL).UnixMilli()
		id, err := claimScript.Run(ctx, q.client, keys, deadline).Text()
		if errors.Is(err, redis.Nil) {
			select {
			case <-ctx.Done():
				return Task{}, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			return Task{}, fmt.Errorf("claim task: %w", err)
		}

		raw, err := q.client.HGet(ctx, q.payloadKey(), id).Result()
		if errors.Is(err, redis.Nil) {
			// Payload already acked under a racing redelivery; drop the claim.
			_ = q.client.LRem(ctx, q.claimedKey(), 1, id).Err()
			_ = q.client.HDel(ctx, q.leaseKey(), id).Err()
			continue
		}
		if err != nil {
			return Task{}, fmt.Errorf("load task payload: %w", err)
		}
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return Task{}, fmt.Errorf("decode task payload: %w", err)
		}
		return t, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.claimedKey(), 1, taskID)
	pipe.HDel(ctx, q.leaseKey(), taskID)
	pipe.HDel(ctx, q.payloadKey(), taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.claimedKey(), 1, taskID)
	pipe.HDel(ctx, q.leaseKey(), taskID)
	pipe.LPush(ctx, q.pendingKey(), taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack task: %w", err)
	}
	return nil
}

func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	leases, err := q.client.HGetAll(ctx, q.leaseKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("scan leases: %w", err)
	}

	requeued := 0
	nowMS := now.UnixMilli()
	for id, raw := range leases {
		deadline, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || deadline > nowMS {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.claimedKey(), 1, id)
		pipe.HDel(ctx, q.leaseKey(), id)
		pipe.LPush(ctx, q.pendingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, fmt.Errorf("requeue expired task %s: %w", id, err)
		}
		requeued++
	}
	return requeued, nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return int(n), nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
