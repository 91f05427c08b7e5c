package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newRedisClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, zap.NewNop())
}

func TestLeaseAckRoundTrip(t *testing.T) {
	c := newRedisClient(t)
	ctx := context.Background()
	const qn = "playwright-exec-us-east"

	id, err := c.Enqueue(ctx, qn, []byte(`{"run_id":"run-1"}`), Options{EntityID: "run-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := c.Lease(ctx, []string{qn}, "w-1", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if job == nil || job.ID != id || job.EntityID != "run-1" || job.Attempt != 1 {
		t.Fatalf("leased job: %+v", job)
	}

	if err := c.Ack(ctx, job, nil); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if exists, _ := c.rdb.Exists(ctx, jobKey(id)).Result(); exists != 0 {
		t.Fatal("settled job record must be deleted")
	}
	if again, _ := c.Lease(ctx, []string{qn}, "w-1", time.Minute); again != nil {
		t.Fatalf("queue should be empty, leased %+v", again)
	}
}

func TestStaleAckAfterReclaimKeepsRecord(t *testing.T) {
	c := newRedisClient(t)
	ctx := context.Background()
	const qn = "playwright-exec-us-east"

	id, err := c.Enqueue(ctx, qn, []byte(`{"run_id":"run-1"}`), Options{EntityID: "run-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := c.Lease(ctx, []string{qn}, "w-1", 10*time.Millisecond)
	if err != nil || first == nil {
		t.Fatalf("lease: %v %v", first, err)
	}
	time.Sleep(50 * time.Millisecond)
	n, err := c.ReclaimStalled(ctx, qn)
	if err != nil || n != 1 {
		t.Fatalf("reclaim = %d, %v", n, err)
	}

	// The original worker settles late; the redelivery still owns the job.
	if err := c.Ack(ctx, first, nil); err != nil {
		t.Fatalf("stale ack: %v", err)
	}
	if exists, _ := c.rdb.Exists(ctx, jobKey(id)).Result(); exists == 0 {
		t.Fatal("stale ack must not delete the reclaimed job's record")
	}

	second, err := c.Lease(ctx, []string{qn}, "w-2", time.Minute)
	if err != nil {
		t.Fatalf("lease redelivery: %v", err)
	}
	if second == nil || second.ID != id || second.Attempt != 2 {
		t.Fatalf("redelivery: %+v", second)
	}
	if err := c.Ack(ctx, second, nil); err != nil {
		t.Fatalf("ack redelivery: %v", err)
	}
	if exists, _ := c.rdb.Exists(ctx, jobKey(id)).Result(); exists != 0 {
		t.Fatal("redelivery settle must delete the record")
	}
}

func TestGateCapsInflight(t *testing.T) {
	c := newRedisClient(t)
	ctx := context.Background()
	const qn = "k6-exec-us-east"

	if err := c.SetGate(ctx, qn, 1); err != nil {
		t.Fatalf("set gate: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := c.Enqueue(ctx, qn, []byte(`{}`), Options{}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	first, err := c.Lease(ctx, []string{qn}, "w-1", time.Minute)
	if err != nil || first == nil {
		t.Fatalf("lease: %v %v", first, err)
	}
	if blocked, _ := c.Lease(ctx, []string{qn}, "w-2", time.Minute); blocked != nil {
		t.Fatalf("gate must hold the second job back, leased %+v", blocked)
	}

	if err := c.Ack(ctx, first, nil); err != nil {
		t.Fatalf("ack: %v", err)
	}
	second, err := c.Lease(ctx, []string{qn}, "w-2", time.Minute)
	if err != nil || second == nil {
		t.Fatalf("lease after ack: %v %v", second, err)
	}
}
