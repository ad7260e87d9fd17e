// Package lock implements an optional Redis-backed distributed lock
// guarding a manifest path, so two orchestrator processes racing to
// provision against the same node's manifest cannot interleave their
// UpsertVersion/Write calls. Grounded on the atomic Lua-script pattern
// teacher's internal/ratelimit/ratelimit.go uses for its token bucket:
// a single round trip to Redis, checked and released with a script so the
// check-then-act is never split across two network calls.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotHeld means Unlock or Refresh was called with a token that no
// longer (or never did) own the lock — it expired, or another holder
// acquired it first.
var ErrNotHeld = errors.New("lock: not held")

// ErrAlreadyHeld means TryLock found the key already owned by someone
// else.
var ErrAlreadyHeld = errors.New("lock: already held")

// releaseScript deletes KEYS[1] only if its value still matches ARGV[1],
// so a holder can never release a lock it no longer owns (e.g. after its
// TTL expired and someone else acquired it in between).
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
else
    return 0
end
`)

// refreshScript extends KEYS[1]'s TTL only if its value still matches
// ARGV[1], for the same reason releaseScript guards its delete.
var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
    return 0
end
`)

// Manager acquires and releases locks over a shared Redis client.
type Manager struct {
	client *redis.Client
	prefix string
}

// Config configures a Manager.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string // default "provisioner:lock:"
}

// New builds a Manager from cfg.
func New(cfg Config) *Manager {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "provisioner:lock:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Manager{client: client, prefix: prefix}
}

func (m *Manager) Close() error {
	return m.client.Close()
}

// Handle identifies one successful acquisition, returned by TryLock and
// required by Unlock/Refresh so an expired or stolen lock can never be
// released by its former holder.
type Handle struct {
	key   string
	token string
}

// TryLock attempts to acquire the lock named by name (e.g. a manifest
// path or node id) for at most ttl, without blocking. It returns
// ErrAlreadyHeld if another process currently holds it.
func (m *Manager) TryLock(ctx context.Context, name string, ttl time.Duration) (*Handle, error) {
	key := m.prefix + name
	token := generateToken()

	ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %q: %w", name, err)
	}
	if !ok {
		return nil, ErrAlreadyHeld
	}
	return &Handle{key: key, token: token}, nil
}

// AwaitLock polls TryLock every pollInterval until it succeeds or ctx is
// done, for callers that want to block rather than fail fast.
func (m *Manager) AwaitLock(ctx context.Context, name string, ttl, pollInterval time.Duration) (*Handle, error) {
	for {
		h, err := m.TryLock(ctx, name, ttl)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, ErrAlreadyHeld) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Unlock releases h, if it is still the current holder. Unlocking a
// handle that has already expired or been stolen returns ErrNotHeld
// rather than silently deleting someone else's lock.
func (m *Manager) Unlock(ctx context.Context, h *Handle) error {
	n, err := releaseScript.Run(ctx, m.client, []string{h.key}, h.token).Int()
	if err != nil {
		return fmt.Errorf("lock: release: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Refresh extends h's TTL, for long-running holders (a multi-preset Run)
// that want to renew periodically rather than pick one upfront TTL long
// enough to cover the whole run.
func (m *Manager) Refresh(ctx context.Context, h *Handle, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, m.client, []string{h.key}, h.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lock: refresh: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func generateToken() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), atomic.AddInt64(&tokenCounter, 1))
}

// tokenCounter disambiguates tokens minted within the same nanosecond,
// since time.Now().UnixNano() alone is not guaranteed unique under a fast
// clock or across goroutines.
var tokenCounter int64
