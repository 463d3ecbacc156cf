// Package kv is the KV Store Abstraction: the minimal primitive set every
// other component needs, backed by Redis via github.com/redis/go-redis/v9.
// The primitive set and key-naming conventions are grounded on
// original_source/block-builder/src/app/storage/redis_storage.rs
// (RedisKeyManager and the RedisStorage methods built atop raw Redis calls).
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/InternetMaximalism/intmax2/errkind"
)

// ErrNotFound is returned by Get/HGet when the key or field is absent.
var ErrNotFound = errors.New("kv: not found")

// Store is the subset of Redis operations the builder depends on. Every
// method takes a context. A missing key or field is reported as ErrNotFound
// (or as an empty result); every other Redis error, whatever its cause, is
// wrapped as errkind.Transient. No method returns errkind.Inconsistent.
//
// All keys are namespaced under the store's prefix so several builder
// clusters can share one Redis deployment without key collisions.
type Store struct {
	client redis.Cmdable
	prefix string
}

// New dials a real Redis server at the given URL (e.g. "redis://localhost:6379/0").
func New(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errkind.NewFatal("kv.New: parse redis url", err)
	}
	return &Store{client: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing redis.Cmdable (a *redis.Client, a
// *redis.ClusterClient, or — in tests — a miniredis-backed client).
func NewFromClient(client redis.Cmdable) *Store {
	return &Store{client: client}
}

// WithPrefix returns a view of the store with every key namespaced under
// "block_builder:{clusterID}:".
func (s *Store) WithPrefix(clusterID string) *Store {
	return &Store{client: s.client, prefix: "block_builder:" + clusterID + ":"}
}

func (s *Store) k(key string) string { return s.prefix + key }

func wrapTransient(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	return errkind.NewTransient(op, err)
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errkind.NewTransient("kv.Get", err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapTransient("kv.Set", s.client.Set(ctx, s.k(key), value, ttl).Err())
}

// SetNX is the primitive backing the lock manager's acquire step: SET key
// value NX EX ttl, returning whether this call was the one that set it.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.k(key), value, ttl).Result()
	if err != nil {
		return false, errkind.NewTransient("kv.SetNX", err)
	}
	return ok, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = s.k(key)
	}
	return wrapTransient("kv.Del", s.client.Del(ctx, full...).Err())
}

// delIfEqualScript is the lock manager's compare-and-delete: only the
// holder that set the value may release it, preventing an expired-then-
// reacquired lock from being torn down by its original, now-late owner.
var delIfEqualScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('del', KEYS[1])
else
	return 0
end
`)

// DelIfEqual deletes key only if its current value equals expected,
// reporting whether the delete happened.
func (s *Store) DelIfEqual(ctx context.Context, key, expected string) (bool, error) {
	res, err := delIfEqualScript.Run(ctx, s.client, []string{s.k(key)}, expected).Int64()
	if err != nil {
		return false, errkind.NewTransient("kv.DelIfEqual", err)
	}
	return res == 1, nil
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Incr(ctx, s.k(key)).Result()
	if err != nil {
		return 0, errkind.NewTransient("kv.Incr", err)
	}
	return v, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapTransient("kv.Expire", s.client.Expire(ctx, s.k(key), ttl).Err())
}

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	return wrapTransient("kv.HSet", s.client.HSet(ctx, s.k(key), field, value).Err())
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, s.k(key), field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errkind.NewTransient("kv.HGet", err)
	}
	return v, nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	return wrapTransient("kv.HDel", s.client.HDel(ctx, s.k(key), fields...).Err())
}

func (s *Store) HKeys(ctx context.Context, key string) ([]string, error) {
	v, err := s.client.HKeys(ctx, s.k(key)).Result()
	if err != nil {
		return nil, errkind.NewTransient("kv.HKeys", err)
	}
	return v, nil
}

func (s *Store) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return wrapTransient("kv.RPush", s.client.RPush(ctx, s.k(key), args...).Err())
}

// LPush returns a value to the head of a list, used when a dequeued task
// must be retried before anything queued behind it.
func (s *Store) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return wrapTransient("kv.LPush", s.client.LPush(ctx, s.k(key), args...).Err())
}

func (s *Store) LPop(ctx context.Context, key string) (string, error) {
	v, err := s.client.LPop(ctx, s.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errkind.NewTransient("kv.LPop", err)
	}
	return v, nil
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	v, err := s.client.LLen(ctx, s.k(key)).Result()
	if err != nil {
		return 0, errkind.NewTransient("kv.LLen", err)
	}
	return v, nil
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := s.client.LRange(ctx, s.k(key), start, stop).Result()
	if err != nil {
		return nil, errkind.NewTransient("kv.LRange", err)
	}
	return v, nil
}

func (s *Store) LIndex(ctx context.Context, key string, index int64) (string, error) {
	v, err := s.client.LIndex(ctx, s.k(key), index).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errkind.NewTransient("kv.LIndex", err)
	}
	return v, nil
}

// BLPop blocks up to timeout waiting for an element on any of keys, used by
// the low-priority posting consumer to idle without busy-polling.
func (s *Store) BLPop(ctx context.Context, timeout time.Duration, keys ...string) ([]string, error) {
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = s.k(key)
	}
	v, err := s.client.BLPop(ctx, timeout, full...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errkind.NewTransient("kv.BLPop", err)
	}
	return v, nil
}

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrapTransient("kv.ZAdd", s.client.ZAdd(ctx, s.k(key), redis.Z{Score: score, Member: member}).Err())
}

func (s *Store) ZRem(ctx context.Context, key string, member string) error {
	return wrapTransient("kv.ZRem", s.client.ZRem(ctx, s.k(key), member).Err())
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := s.client.ZRange(ctx, s.k(key), start, stop).Result()
	if err != nil {
		return nil, errkind.NewTransient("kv.ZRange", err)
	}
	return v, nil
}

func (s *Store) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	return wrapTransient("kv.ZRemRangeByScore", s.client.ZRemRangeByScore(ctx, s.k(key), min, max).Err())
}
