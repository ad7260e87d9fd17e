package lock

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available, skipping: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return &Manager{client: client, prefix: "test:lock:"}
}

func TestTryLockRejectsSecondHolder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h1, err := m.TryLock(ctx, "manifest-pve-01", time.Minute)
	if err != nil {
		t.Fatalf("first TryLock: %v", err)
	}
	if _, err := m.TryLock(ctx, "manifest-pve-01", time.Minute); err != ErrAlreadyHeld {
		t.Fatalf("expected ErrAlreadyHeld, got %v", err)
	}

	if err := m.Unlock(ctx, h1); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	if _, err := m.TryLock(ctx, "manifest-pve-01", time.Minute); err != nil {
		t.Fatalf("expected lock to be free after unlock, got %v", err)
	}
}

func TestUnlockWithStaleTokenFails(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h, err := m.TryLock(ctx, "manifest-pve-02", time.Minute)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	forged := &Handle{key: h.key, token: "not-the-real-token"}
	if err := m.Unlock(ctx, forged); err != ErrNotHeld {
		t.Fatalf("expected ErrNotHeld for a stale token, got %v", err)
	}

	// The real holder can still release it.
	if err := m.Unlock(ctx, h); err != nil {
		t.Fatalf("expected the real holder's unlock to succeed, got %v", err)
	}
}

func TestRefreshExtendsOnlyForCurrentHolder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h, err := m.TryLock(ctx, "manifest-pve-03", 2*time.Second)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if err := m.Refresh(ctx, h, time.Minute); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	forged := &Handle{key: h.key, token: "bogus"}
	if err := m.Refresh(ctx, forged, time.Minute); err != ErrNotHeld {
		t.Fatalf("expected ErrNotHeld for a stale token, got %v", err)
	}
}

func TestAwaitLockBlocksUntilReleased(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h, err := m.TryLock(ctx, "manifest-pve-04", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(50 * time.Millisecond)
		_ = m.Unlock(context.Background(), h)
	}()

	awaitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := m.AwaitLock(awaitCtx, "manifest-pve-04", time.Minute, 10*time.Millisecond); err != nil {
		t.Fatalf("AwaitLock: %v", err)
	}
	<-done
}
