// Package signature implements the signature collector and the block
// finalizer: the second and third phases of the request/propose/sign
// protocol. Grounded on original_source/block-builder/src/app/storage/redis_storage.rs
// (add_signature, process_signatures_inner, process_single_memo,
// enqueue_block_post_task, cleanup_memo_and_create_fee_task).
package signature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/InternetMaximalism/intmax2/bls"
	"github.com/InternetMaximalism/intmax2/errkind"
	"github.com/InternetMaximalism/intmax2/kv"
	"github.com/InternetMaximalism/intmax2/observability"
	"github.com/InternetMaximalism/intmax2/types"
)

// Sentinel validation errors surfaced to the HTTP layer.
var (
	ErrUnknownRequest   = errors.New("signature: unknown request")
	ErrInvalidSignature = errors.New("signature: invalid signature")
	ErrUnknownSender    = errors.New("signature: sender not in block")
)

// Collector accepts and verifies individual sender signatures.
type Collector struct {
	store   *kv.Store
	logger  *slog.Logger
	metrics *observability.BuilderMetrics
}

// NewCollector wires a signature collector over the shared KV store.
func NewCollector(store *kv.Store, logger *slog.Logger) *Collector {
	return &Collector{store: store, logger: logger, metrics: observability.Builder()}
}

// PostSignature verifies one sender's BLS signature over the memo's sign
// payload and appends it to the memo's signature list. Posting the same
// (request, pubkey, signature) twice is harmless; the finalizer dedupes.
func (c *Collector) PostSignature(ctx context.Context, entry *types.SignatureEntry) error {
	memo, err := c.resolveMemo(ctx, entry.RequestID)
	if err != nil {
		return err
	}

	inBlock := false
	for _, pk := range memo.Pubkeys {
		if pk.Eq(entry.Pubkey) {
			inBlock = true
			break
		}
	}
	if !inBlock {
		c.metrics.RecordSignature(memo.BlockType.String(), "unknown_sender")
		return errkind.NewValidation("signature.PostSignature", ErrUnknownSender)
	}

	word := entry.Pubkey.Bytes32()
	pub, err := bls.ParsePublicKey(word[:])
	if err != nil {
		c.metrics.RecordSignature(memo.BlockType.String(), "invalid")
		return errkind.NewValidation("signature.PostSignature", fmt.Errorf("%w: %v", ErrInvalidSignature, err))
	}
	sig, err := bls.ParseSignature(entry.Signature)
	if err != nil {
		c.metrics.RecordSignature(memo.BlockType.String(), "invalid")
		return errkind.NewValidation("signature.PostSignature", fmt.Errorf("%w: %v", ErrInvalidSignature, err))
	}
	ok, err := bls.Verify(pub, memo.BlockSignPayload, sig)
	if err != nil {
		return errkind.NewTransient("signature.PostSignature", err)
	}
	if !ok {
		c.metrics.RecordSignature(memo.BlockType.String(), "invalid")
		return errkind.NewValidation("signature.PostSignature", ErrInvalidSignature)
	}

	serialized, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	sigKey := types.SignaturesKey(memo.BlockID)
	if err := c.store.RPush(ctx, sigKey, string(serialized)); err != nil {
		return err
	}
	if err := c.store.Expire(ctx, sigKey, types.GeneralTTL); err != nil {
		return err
	}
	c.metrics.RecordSignature(memo.BlockType.String(), "accepted")
	return nil
}

func (c *Collector) resolveMemo(ctx context.Context, requestID uuid.UUID) (*types.ProposalMemo, error) {
	blockID, err := c.store.HGet(ctx, types.RequestIDToBlockIDKey, requestID.String())
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errkind.NewValidation("signature.PostSignature", ErrUnknownRequest)
	}
	if err != nil {
		return nil, err
	}
	serialized, err := c.store.HGet(ctx, types.MemosKey, blockID)
	if errors.Is(err, kv.ErrNotFound) {
		// Memo already finalized or expired; late signatures are rejected.
		return nil, errkind.NewValidation("signature.PostSignature", ErrUnknownRequest)
	}
	if err != nil {
		return nil, err
	}
	var memo types.ProposalMemo
	if err := json.Unmarshal([]byte(serialized), &memo); err != nil {
		return nil, errkind.NewInconsistent("signature.PostSignature", err)
	}
	return &memo, nil
}
