// Package nonce implements the per-domain monotonic nonce manager, grounded
// on original_source/block-builder/src/app/storage/nonce_manager/redis_nonce_manager.rs:
// INCR to mint, a sorted set to track outstanding reservations, and a sync
// step that reconciles with the on-chain nonce before every reservation.
package nonce

import (
	"context"
	"fmt"
	"strconv"

	"github.com/InternetMaximalism/intmax2/errkind"
	"github.com/InternetMaximalism/intmax2/kv"
	"github.com/InternetMaximalism/intmax2/observability"
	"github.com/InternetMaximalism/intmax2/types"
)

// ChainReader reads the next expected nonce from the rollup contract for a
// given block type, so the local counter never falls behind on-chain state
// after a restart.
type ChainReader interface {
	NextNonce(ctx context.Context, blockType types.BlockType) (uint64, error)
}

// Manager mints and tracks nonces for exactly one BlockType.
type Manager struct {
	store     *kv.Store
	chain     ChainReader
	blockType types.BlockType
	metrics   *observability.BuilderMetrics
}

// New constructs a nonce manager for one block type.
func New(store *kv.Store, chain ChainReader, blockType types.BlockType) *Manager {
	return &Manager{store: store, chain: chain, blockType: blockType, metrics: observability.Builder()}
}

func (m *Manager) nextKey() string     { return fmt.Sprintf("nonce:%s:next", m.blockType) }
func (m *Manager) reservedKey() string { return fmt.Sprintf("nonce:%s:reserved", m.blockType) }

// SyncWithChain reconciles the local next-nonce counter with the on-chain
// value, raising the local counter if the chain has moved ahead (e.g. after
// a restart or an out-of-band post), and drops any reservation below it —
// it has clearly already been consumed on-chain.
func (m *Manager) SyncWithChain(ctx context.Context) error {
	onchain, err := m.chain.NextNonce(ctx, m.blockType)
	if err != nil {
		return errkind.NewTransient("nonce.SyncWithChain", err)
	}
	cur, err := m.store.Get(ctx, m.nextKey())
	var curVal uint64
	if err == nil {
		curVal, _ = strconv.ParseUint(cur, 10, 64)
	}
	if onchain > curVal {
		if err := m.store.Set(ctx, m.nextKey(), strconv.FormatUint(onchain, 10), 0); err != nil {
			return err
		}
	}
	if err := m.store.ZRemRangeByScore(ctx, m.reservedKey(), "-inf", fmt.Sprintf("(%d", onchain)); err != nil {
		return err
	}
	return nil
}

// Reserve syncs with the chain then mints the next nonce via INCR, adding it
// to the reserved set so SmallestReserved can report the low-water mark for
// the high-priority dequeue's wait condition.
func (m *Manager) Reserve(ctx context.Context) (uint64, error) {
	if err := m.SyncWithChain(ctx); err != nil {
		return 0, err
	}
	next, err := m.store.Incr(ctx, m.nextKey())
	if err != nil {
		return 0, err
	}
	nonce := uint64(next) - 1
	if err := m.store.ZAdd(ctx, m.reservedKey(), float64(nonce), strconv.FormatUint(nonce, 10)); err != nil {
		return 0, err
	}
	return nonce, nil
}

// Release removes a nonce from the reserved set once its block has been
// posted (or its task has been discarded as stale).
func (m *Manager) Release(ctx context.Context, n uint64) error {
	return m.store.ZRem(ctx, m.reservedKey(), strconv.FormatUint(n, 10))
}

// SmallestReserved returns the lowest outstanding reserved nonce, used by the
// high-priority consumer to decide whether it must wait for an
// earlier-nonce block to post first.
func (m *Manager) SmallestReserved(ctx context.Context) (uint64, bool, error) {
	vals, err := m.store.ZRange(ctx, m.reservedKey(), 0, 0)
	if err != nil {
		return 0, false, err
	}
	if len(vals) == 0 {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(vals[0], 10, 64)
	if err != nil {
		return 0, false, errkind.NewInconsistent("nonce.SmallestReserved", err)
	}
	return n, true, nil
}
