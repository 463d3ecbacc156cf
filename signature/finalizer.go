package signature

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/InternetMaximalism/intmax2/bls"
	"github.com/InternetMaximalism/intmax2/errkind"
	"github.com/InternetMaximalism/intmax2/fee"
	"github.com/InternetMaximalism/intmax2/kv"
	"github.com/InternetMaximalism/intmax2/lock"
	"github.com/InternetMaximalism/intmax2/nonce"
	"github.com/InternetMaximalism/intmax2/observability"
	"github.com/InternetMaximalism/intmax2/types"
)

// Finalizer drives memos past their proposing window into block post tasks.
type Finalizer struct {
	store  *kv.Store
	locks  *lock.Manager
	nonces map[types.BlockType]*nonce.Manager

	proposingBlockInterval time.Duration
	useFee                 bool
	useCollateral          bool

	logger  *slog.Logger
	metrics *observability.BuilderMetrics
}

// NewFinalizer wires the finalizer loop.
func NewFinalizer(store *kv.Store, locks *lock.Manager, nonces map[types.BlockType]*nonce.Manager,
	proposingBlockInterval time.Duration, useFee, useCollateral bool, logger *slog.Logger) *Finalizer {
	return &Finalizer{
		store:                  store,
		locks:                  locks,
		nonces:                 nonces,
		proposingBlockInterval: proposingBlockInterval,
		useFee:                 useFee,
		useCollateral:          useCollateral,
		logger:                 logger,
		metrics:                observability.Builder(),
	}
}

// ProcessSignatures is one tick of the finalizer loop: under its lock, every
// memo older than the proposing interval is drained, aggregated, and turned
// into a posting task (or its collateral fallback, or released).
func (f *Finalizer) ProcessSignatures(ctx context.Context) error {
	err := f.locks.WithLock(ctx, types.ProcessSignaturesLock, types.LockTTL, func(ctx context.Context) error {
		return f.processLocked(ctx)
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil
	}
	return err
}

func (f *Finalizer) processLocked(ctx context.Context) error {
	blockIDs, err := f.store.HKeys(ctx, types.MemosKey)
	if err != nil {
		return err
	}
	for _, blockID := range blockIDs {
		if err := f.processSingleMemo(ctx, blockID); err != nil {
			f.logger.Error("process memo", "error", err, "block_id", blockID)
		}
	}
	return nil
}

func (f *Finalizer) processSingleMemo(ctx context.Context, blockID string) error {
	serialized, err := f.store.HGet(ctx, types.MemosKey, blockID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var memo types.ProposalMemo
	if err := json.Unmarshal([]byte(serialized), &memo); err != nil {
		return errkind.NewInconsistent("signature.processSingleMemo", err)
	}
	if time.Since(memo.CreatedAt) < f.proposingBlockInterval {
		return nil
	}

	signatures, err := f.drainSignatures(ctx, &memo)
	if err != nil {
		return err
	}

	switch {
	case len(signatures) > 0:
		task, err := f.buildTask(&memo, signatures)
		if err != nil {
			return err
		}
		if err := f.enqueue(ctx, types.BlockPostTasksHiKey, task); err != nil {
			return err
		}
		f.logger.Info("block post task enqueued",
			"block_id", memo.BlockID, "block_type", memo.BlockType.String(),
			"nonce", memo.Nonce, "signatures", len(signatures))
	case f.useCollateral && firstCollateral(&memo) != nil:
		// No signatures arrived: post the pre-signed collateral under the
		// memo's own nonce, consuming it so the withheld block can never
		// land.
		cb := firstCollateral(&memo)
		task := fee.BuildCollateralTask(cb, memo.BlockType, memo.Nonce)
		if err := f.enqueue(ctx, types.BlockPostTasksHiKey, task); err != nil {
			return err
		}
		f.logger.Info("collateral block enqueued",
			"block_id", memo.BlockID, "block_type", memo.BlockType.String(), "nonce", memo.Nonce)
	default:
		// Nothing to post: hand the nonce back so the posting scheduler's
		// gap wait does not stall on it.
		if err := f.nonces[memo.BlockType].Release(ctx, memo.Nonce); err != nil {
			return err
		}
		f.logger.Info("memo discarded without signatures",
			"block_id", memo.BlockID, "block_type", memo.BlockType.String(), "nonce", memo.Nonce)
	}

	return f.cleanup(ctx, &memo, signatures)
}

// drainSignatures reads and deduplicates the memo's signature list; the
// first signature per pubkey wins.
func (f *Finalizer) drainSignatures(ctx context.Context, memo *types.ProposalMemo) ([]types.SignatureEntry, error) {
	raw, err := f.store.LRange(ctx, types.SignaturesKey(memo.BlockID), 0, -1)
	if err != nil {
		return nil, err
	}
	seen := make(map[[32]byte]bool)
	var signatures []types.SignatureEntry
	for _, item := range raw {
		var entry types.SignatureEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			f.logger.Error("dropping undecodable signature entry", "error", err, "block_id", memo.BlockID)
			continue
		}
		key := entry.Pubkey.Bytes32()
		if seen[key] {
			continue
		}
		seen[key] = true
		signatures = append(signatures, entry)
	}
	return signatures, nil
}

// buildTask aggregates the collected signatures and assembles the posting
// task: signatures are applied in pubkey-slot order regardless of arrival,
// and the attendance bitmap marks which of the 32 slots contributed.
func (f *Finalizer) buildTask(memo *types.ProposalMemo, signatures []types.SignatureEntry) (*types.BlockPostTask, error) {
	byPubkey := make(map[[32]byte]types.SignatureEntry, len(signatures))
	for _, entry := range signatures {
		byPubkey[entry.Pubkey.Bytes32()] = entry
	}

	var senderFlags uint32
	var ordered []*bls.Signature
	for i, pk := range memo.Pubkeys {
		entry, ok := byPubkey[pk.Bytes32()]
		if !ok {
			continue
		}
		sig, err := bls.ParseSignature(entry.Signature)
		if err != nil {
			return nil, errkind.NewInconsistent("signature.buildTask", err)
		}
		ordered = append(ordered, sig)
		senderFlags |= 1 << (31 - uint(i))
	}
	aggregated, err := bls.Aggregate(ordered)
	if err != nil {
		return nil, errkind.NewInconsistent("signature.buildTask", err)
	}

	task := &types.BlockPostTask{
		BlockID:        memo.BlockID,
		BlockType:      memo.BlockType,
		TxTreeRoot:     memo.TxTreeRoot,
		Pubkeys:        memo.Pubkeys,
		PubkeyHash:     memo.PubkeyHash,
		AggregatedSig:  aggregated.Bytes(),
		SenderFlags:    senderFlags,
		Nonce:          memo.Nonce,
		IsRegistration: memo.BlockType == types.Registration,
		EnqueuedAt:     time.Now().UTC(),
	}
	if memo.BlockType == types.NonRegistration {
		task.AccountIDPacked = packAccountIDs(memo)
	}
	return task, nil
}

// packAccountIDs packs each sender slot's 40-bit account id big-endian into
// the byte layout the non-registration entry point expects. Padding slots
// carry account id 1, the dummy account.
func packAccountIDs(memo *types.ProposalMemo) types.AccountIDPacked {
	byPubkey := make(map[[32]byte]uint64, len(memo.TxRequests))
	for _, req := range memo.TxRequests {
		byPubkey[req.Pubkey.Bytes32()] = req.AccountID
	}
	packed := make([]byte, 0, types.NumSendersInBlock*5)
	for _, pk := range memo.Pubkeys {
		id, ok := byPubkey[pk.Bytes32()]
		if !ok {
			id = 1
		}
		for shift := 32; shift >= 0; shift -= 8 {
			packed = append(packed, byte(id>>uint(shift)))
		}
	}
	return packed
}

func firstCollateral(memo *types.ProposalMemo) *types.CollateralBlock {
	for _, req := range memo.TxRequests {
		if req.FeeProof != nil && req.FeeProof.CollateralBlock != nil {
			return req.FeeProof.CollateralBlock
		}
	}
	return nil
}

func (f *Finalizer) enqueue(ctx context.Context, queue string, task *types.BlockPostTask) error {
	serialized, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := f.store.RPush(ctx, queue, string(serialized)); err != nil {
		return err
	}
	return f.store.Expire(ctx, queue, types.GeneralTTL)
}

// cleanup removes the memo and its signature list, and hands the collection
// off to the fee loop when fees are on.
func (f *Finalizer) cleanup(ctx context.Context, memo *types.ProposalMemo, signatures []types.SignatureEntry) error {
	if f.useFee {
		collection := fee.Collection{
			UseCollateral: f.useCollateral,
			Memo:          *memo,
			Signatures:    signatures,
		}
		serialized, err := json.Marshal(&collection)
		if err != nil {
			return err
		}
		if err := f.store.RPush(ctx, types.FeeCollectionTasksKey, string(serialized)); err != nil {
			return err
		}
		if err := f.store.Expire(ctx, types.FeeCollectionTasksKey, types.GeneralTTL); err != nil {
			return err
		}
	}
	if err := f.store.HDel(ctx, types.MemosKey, memo.BlockID.String()); err != nil {
		return err
	}
	return f.store.Del(ctx, types.SignaturesKey(memo.BlockID))
}

// Run drives the finalizer loop until ctx is cancelled.
func (f *Finalizer) Run(ctx context.Context, tick, restartWait time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := f.ProcessSignatures(ctx); err != nil {
			f.logger.Error("process signatures", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartWait):
			}
		}
	}
}
