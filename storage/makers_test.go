package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"exchange-coordinator/models"
	"exchange-coordinator/staticerr"
)

func TestMakerLockStorage_SecondAcquireKeepsFirstLock(t *testing.T) {
	client, s := newTestClient(t)
	locks := NewMakerLockStorage(client)
	ctx := context.Background()

	if err := locks.Acquire(ctx, 1, "mm1", models.MakerLock{OrderId: 10, ConnId: "c1"}, 300*time.Second); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	s.FastForward(100 * time.Second)

	err := locks.Acquire(ctx, 1, "mm1", models.MakerLock{OrderId: 11, ConnId: "c2"}, 300*time.Second)
	if !errors.Is(err, staticerr.ErrorResourceIsLocked) {
		t.Fatalf("expected ErrorResourceIsLocked, got %v", err)
	}

	lock, err := locks.Get(ctx, 1, "mm1")
	if err != nil || lock == nil {
		t.Fatalf("get: lock=%v err=%v", lock, err)
	}
	if lock.OrderId != 10 || lock.ConnId != "c1" {
		t.Fatalf("expected original lock, got %+v", lock)
	}

	left, err := locks.RemainingTimeout(ctx, 1, "mm1")
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if left != 200*time.Second {
		t.Fatalf("expected TTL to keep running from first acquire, got %s", left)
	}
}

func TestMakerLockStorage_ExpiresImplicitly(t *testing.T) {
	client, s := newTestClient(t)
	locks := NewMakerLockStorage(client)
	ctx := context.Background()

	_ = locks.Acquire(ctx, 1, "mm1", models.MakerLock{OrderId: 10}, 5*time.Second)
	s.FastForward(6 * time.Second)

	lock, err := locks.Get(ctx, 1, "mm1")
	if err != nil || lock != nil {
		t.Fatalf("expected no lock after ttl, got %v (%v)", lock, err)
	}

	left, err := locks.RemainingTimeout(ctx, 1, "mm1")
	if err != nil || left != 0 {
		t.Fatalf("expected zero remaining timeout, got %s (%v)", left, err)
	}

	if err := locks.Acquire(ctx, 1, "mm1", models.MakerLock{OrderId: 12}, 5*time.Second); err != nil {
		t.Fatalf("expected acquire after expiry: %v", err)
	}
}

func TestMakerLockStorage_ReleaseComparesAssignment(t *testing.T) {
	client, _ := newTestClient(t)
	locks := NewMakerLockStorage(client)
	ctx := context.Background()
	held := models.MakerLock{OrderId: 10, ConnId: "c1"}

	_ = locks.Acquire(ctx, 1, "mm1", held, time.Minute)

	err := locks.Release(ctx, 1, "mm1", models.MakerLock{OrderId: 99, ConnId: "c1"})
	if !errors.Is(err, staticerr.ErrorResourceIsLocked) {
		t.Fatalf("expected foreign release to fail, got %v", err)
	}

	if err := locks.Release(ctx, 1, "mm1", held); err != nil {
		t.Fatalf("release: %v", err)
	}

	if lock, _ := locks.Get(ctx, 1, "mm1"); lock != nil {
		t.Fatalf("expected lock to be gone")
	}
}

func TestMakerLockStorage_BusyMakersAndPassive(t *testing.T) {
	client, _ := newTestClient(t)
	locks := NewMakerLockStorage(client)
	ctx := context.Background()

	_ = locks.Acquire(ctx, 1, "mm1", models.MakerLock{OrderId: 1}, time.Minute)
	_ = locks.Acquire(ctx, 1000, "mm2", models.MakerLock{OrderId: 2}, time.Minute)

	makers, err := locks.BusyMakers(ctx, 1)
	if err != nil {
		t.Fatalf("busy makers: %v", err)
	}
	if len(makers) != 1 || makers[0] != "mm1" {
		t.Fatalf("expected [mm1], got %v", makers)
	}

	if err := locks.MarkPassive(ctx, 1, "mm1", 1, 30*time.Second); err != nil {
		t.Fatalf("mark passive: %v", err)
	}
	if err := locks.MarkPassive(ctx, 1, "mm1", 5, 60*time.Second); err != nil {
		t.Fatalf("mark passive twice: %v", err)
	}

	orderId, left, err := locks.Passive(ctx, 1, "mm1")
	if err != nil || orderId == nil {
		t.Fatalf("passive: %v %v", orderId, err)
	}
	if *orderId != "1" || left != 30*time.Second {
		t.Fatalf("expected first flag to be kept, got order %s ttl %s", *orderId, left)
	}
}
