package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAcquireRunLock(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)

	lock, err := AcquireRunLock(context.Background(), rdb, "orders.dlq", "run-1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireRunLock: %v", err)
	}

	got, err := mr.Get("requeue:lock:orders.dlq")
	if err != nil || got != "run-1" {
		t.Errorf("lock value = %q (%v), want run-1", got, err)
	}
	if ttl := mr.TTL("requeue:lock:orders.dlq"); ttl != time.Minute {
		t.Errorf("lock TTL = %v, want 1m", ttl)
	}

	if err := lock.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if mr.Exists("requeue:lock:orders.dlq") {
		t.Error("lock should be deleted after release")
	}
}

func TestAcquireRunLock_Contention(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)

	if _, err := AcquireRunLock(context.Background(), rdb, "orders.dlq", "run-1", time.Minute); err != nil {
		t.Fatalf("first AcquireRunLock: %v", err)
	}

	_, err := AcquireRunLock(context.Background(), rdb, "orders.dlq", "run-2", time.Minute)
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("second AcquireRunLock error = %v, want ErrLockHeld", err)
	}

	if _, err := AcquireRunLock(context.Background(), rdb, "billing.dlq", "run-2", time.Minute); err != nil {
		t.Errorf("lock on another queue should succeed: %v", err)
	}
}

func TestRunLock_ReleaseDoesNotDeleteForeignLock(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)

	lock, err := AcquireRunLock(context.Background(), rdb, "orders.dlq", "run-1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireRunLock: %v", err)
	}

	// Our lock expired and another run took over.
	mr.FastForward(2 * time.Minute)
	if _, err := AcquireRunLock(context.Background(), rdb, "orders.dlq", "run-2", time.Minute); err != nil {
		t.Fatalf("takeover AcquireRunLock: %v", err)
	}

	if err := lock.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	got, _ := mr.Get("requeue:lock:orders.dlq")
	if got != "run-2" {
		t.Errorf("lock value = %q, want run-2 to keep its lock", got)
	}
}

func TestRunLock_Refresh(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)

	lock, err := AcquireRunLock(context.Background(), rdb, "orders.dlq", "run-1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireRunLock: %v", err)
	}

	mr.FastForward(40 * time.Second)
	held, err := lock.Refresh(context.Background())
	if err != nil || !held {
		t.Fatalf("Refresh = %v, %v, want true", held, err)
	}
	if ttl := mr.TTL("requeue:lock:orders.dlq"); ttl != time.Minute {
		t.Errorf("TTL after refresh = %v, want 1m", ttl)
	}

	mr.FastForward(2 * time.Minute)
	held, err = lock.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if held {
		t.Error("Refresh should report a lost lock after expiry")
	}
}
