package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewFromClient(client), mr
}

func TestGetSetDel(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	v, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", v)

	require.NoError(t, store.Del(ctx, "k"))
	_, err = store.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetNXOnlyFirstWins(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "lock", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.SetNX(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	v, err := store.Get(ctx, "lock")
	require.NoError(t, err)
	require.Equal(t, "a", v)
}

func TestDelIfEqual(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "lock", "owner-1", 0))

	deleted, err := store.DelIfEqual(ctx, "lock", "owner-2")
	require.NoError(t, err)
	require.False(t, deleted)

	deleted, err = store.DelIfEqual(ctx, "lock", "owner-1")
	require.NoError(t, err)
	require.True(t, deleted)

	_, err = store.Get(ctx, "lock")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListOperations(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RPush(ctx, "q", "a", "b", "c"))

	n, err := store.LLen(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	head, err := store.LIndex(ctx, "q", 0)
	require.NoError(t, err)
	require.Equal(t, "a", head)

	v, err := store.LPop(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, "a", v)

	require.NoError(t, store.LPush(ctx, "q", "a"))
	all, err := store.LRange(ctx, "q", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, all)

	_, err = store.LPop(ctx, "empty")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSortedSetOperations(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ZAdd(ctx, "reserved", 7, "7"))
	require.NoError(t, store.ZAdd(ctx, "reserved", 5, "5"))
	require.NoError(t, store.ZAdd(ctx, "reserved", 9, "9"))

	lowest, err := store.ZRange(ctx, "reserved", 0, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"5"}, lowest)

	require.NoError(t, store.ZRemRangeByScore(ctx, "reserved", "-inf", "(7"))
	remaining, err := store.ZRange(ctx, "reserved", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"7", "9"}, remaining)

	require.NoError(t, store.ZRem(ctx, "reserved", "7"))
	remaining, err = store.ZRange(ctx, "reserved", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"9"}, remaining)
}

func TestPrefixIsolation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	a := store.WithPrefix("cluster-a")
	b := store.WithPrefix("cluster-b")

	require.NoError(t, a.Set(ctx, "k", "from-a", 0))
	_, err := b.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	v, err := a.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "from-a", v)
}

func TestHashOperations(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.HSet(ctx, "memos", "id-1", "memo-1"))
	require.NoError(t, store.HSet(ctx, "memos", "id-2", "memo-2"))

	keys, err := store.HKeys(ctx, "memos")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"id-1", "id-2"}, keys)

	v, err := store.HGet(ctx, "memos", "id-1")
	require.NoError(t, err)
	require.Equal(t, "memo-1", v)

	require.NoError(t, store.HDel(ctx, "memos", "id-1"))
	_, err = store.HGet(ctx, "memos", "id-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExpire(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	require.NoError(t, store.Expire(ctx, "k", time.Minute))

	mr.FastForward(2 * time.Minute)
	_, err := store.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}
