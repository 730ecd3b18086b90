package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisQueue(t *testing.T, capacity int, leaseTTL time.Duration) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, "test:speech", capacity, leaseTTL)
}

func TestRedisQueueEnqueueClaimAck(t *testing.T) {
	q := newTestRedisQueue(t, 4, time.Minute)
	ctx := context.Background()

	task := Task{ID: "t1", SessionID: "s1", AudioB64: "cGNt", Language: "fr"}
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	claimed, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if claimed.ID != "t1" || claimed.SessionID != "s1" || claimed.Language != "fr" {
		t.Fatalf("claimed task = %+v, want original payload", claimed)
	}

	if err := q.Ack(ctx, "t1"); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != 0 {
		t.Fatalf("depth after ack = %d, want 0", depth)
	}
}

func TestRedisQueueClaimRecordsLeaseWithClaim(t *testing.T) {
	q := newTestRedisQueue(t, 4, time.Minute)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Task{ID: "t1", SessionID: "s1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := q.Claim(ctx); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	// Claim and lease are one atomic step; an id on the claimed list
	// without a lease entry would be invisible to the sweeper forever.
	claimed, err := q.client.LRange(ctx, q.claimedKey(), 0, -1).Result()
	if err != nil {
		t.Fatalf("LRange(claimed) error = %v", err)
	}
	if len(claimed) != 1 || claimed[0] != "t1" {
		t.Fatalf("claimed list = %v, want [t1]", claimed)
	}
	leased, err := q.client.HExists(ctx, q.leaseKey(), "t1").Result()
	if err != nil {
		t.Fatalf("HExists(lease) error = %v", err)
	}
	if !leased {
		t.Fatal("claimed task has no lease entry")
	}
}

func TestRedisQueueSaturation(t *testing.T) {
	q := newTestRedisQueue(t, 1, time.Minute)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Task{ID: "t1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := q.Enqueue(ctx, Task{ID: "t2"}); !errors.Is(err, ErrQueueSaturated) {
		t.Fatalf("Enqueue() on full queue error = %v, want ErrQueueSaturated", err)
	}
}

func TestRedisQueueLeaseExpiryRedelivers(t *testing.T) {
	q := newTestRedisQueue(t, 4, 10*time.Millisecond)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Task{ID: "t1", SessionID: "s1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := q.Claim(ctx); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	n, err := q.RequeueExpired(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("RequeueExpired() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued = %d, want 1", n)
	}

	again, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("second Claim() error = %v", err)
	}
	if again.ID != "t1" {
		t.Fatalf("redelivered task = %q, want %q", again.ID, "t1")
	}
}

func TestRedisQueueNack(t *testing.T) {
	q := newTestRedisQueue(t, 4, time.Minute)
	ctx := context.Background()

	_ = q.Enqueue(ctx, Task{ID: "t1"})
	claimed, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := q.Nack(ctx, claimed.ID); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != 1 {
		t.Fatalf("depth after nack = %d, want 1", depth)
	}
}
