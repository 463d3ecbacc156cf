// Package lock is the distributed lock manager: SET NX EX to acquire, a
// Lua compare-and-delete to release, grounded on
// original_source/block-builder/src/app/storage/redis_storage.rs
// (RedisLockManager::acquire_lock / release_lock / with_lock).
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/InternetMaximalism/intmax2/kv"
	"github.com/InternetMaximalism/intmax2/observability"
)

// ErrNotAcquired is returned by TryLock when another holder already has the
// lock. Every caller treats this as "another instance is already doing
// this step", not as an operational error to propagate.
var ErrNotAcquired = errors.New("lock: not acquired")

// Manager issues and releases named, TTL-bounded locks over a kv.Store.
type Manager struct {
	store   *kv.Store
	ownerID string
	metrics *observability.BuilderMetrics
}

// New constructs a lock manager. ownerID should be stable for the process
// lifetime (typically the builder's per-process id) so held-lock ownership is
// recognisable in monitoring.
func New(store *kv.Store, ownerID string) *Manager {
	return &Manager{store: store, ownerID: ownerID, metrics: observability.Builder()}
}

// Guard represents a held lock; Release must be called exactly once.
type Guard struct {
	name  string
	token string
}

func randomToken() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// TryLock attempts to acquire name for ttl, returning ErrNotAcquired if
// another owner currently holds it.
func (m *Manager) TryLock(ctx context.Context, name string, ttl time.Duration) (*Guard, error) {
	token := fmt.Sprintf("%s:%s", m.ownerID, randomToken())
	ok, err := m.store.SetNX(ctx, lockKey(name), token, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.metrics.RecordLockContention(name)
		return nil, ErrNotAcquired
	}
	return &Guard{name: name, token: token}, nil
}

// Release drops the lock if and only if this guard's token is still the
// current holder — a lock that expired and was reacquired by someone else
// is left alone.
func (m *Manager) Release(ctx context.Context, g *Guard) error {
	if g == nil {
		return nil
	}
	_, err := m.store.DelIfEqual(ctx, lockKey(g.name), g.token)
	return err
}

// WithLock runs fn while holding name, releasing unconditionally afterward.
// It returns ErrNotAcquired (not an operational error) if the lock is busy.
func (m *Manager) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	guard, err := m.TryLock(ctx, name, ttl)
	if err != nil {
		return err
	}
	defer func() { _ = m.Release(ctx, guard) }()
	return fn(ctx)
}

func lockKey(name string) string {
	return "lock:" + name
}
