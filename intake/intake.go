// Package intake implements the request intake and proposal engine: it
// validates and queues incoming tx requests, and in timed batches turns the
// queue into proposal memos with per-request Merkle proofs. Grounded on
// original_source/block-builder/src/app/block_builder.rs (send_tx_request,
// query_proposal) and original_source/block-builder/src/app/storage/redis_storage.rs
// (process_requests_inner, get_and_validate_tx_requests,
// store_memo_and_update_mappings).
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/InternetMaximalism/intmax2/errkind"
	"github.com/InternetMaximalism/intmax2/fee"
	"github.com/InternetMaximalism/intmax2/kv"
	"github.com/InternetMaximalism/intmax2/lock"
	"github.com/InternetMaximalism/intmax2/merkle"
	"github.com/InternetMaximalism/intmax2/nonce"
	"github.com/InternetMaximalism/intmax2/observability"
	"github.com/InternetMaximalism/intmax2/pubkey"
	"github.com/InternetMaximalism/intmax2/types"
)

// Sentinel validation errors surfaced to the HTTP layer.
var (
	ErrUnknownSender     = errors.New("intake: unknown sender")
	ErrFeePaymentInvalid = errors.New("intake: fee payment invalid")
	ErrBackpressure      = errors.New("intake: queue full")
	ErrPending           = errors.New("intake: proposal not ready")
	ErrUnknownRequest    = errors.New("intake: unknown request")
)

// AccountSource resolves registration status and account ids, implemented by
// the Validity Prover client.
type AccountSource interface {
	AccountInfo(ctx context.Context, pk *uint256.Int) (isRegistered bool, accountID uint64, err error)
}

// Engine owns intake and batching for both domains.
type Engine struct {
	store    *kv.Store
	locks    *lock.Manager
	nonces   map[types.BlockType]*nonce.Manager
	accounts AccountSource
	fees     *fee.Validator
	builder  common.Address

	acceptingTxInterval time.Duration
	maxQueue            int

	logger  *slog.Logger
	metrics *observability.BuilderMetrics
}

// New wires an intake engine. fees may be nil when fee validation is off.
func New(store *kv.Store, locks *lock.Manager, nonces map[types.BlockType]*nonce.Manager,
	accounts AccountSource, fees *fee.Validator, builder common.Address,
	acceptingTxInterval time.Duration, maxQueue int, logger *slog.Logger) *Engine {
	return &Engine{
		store:               store,
		locks:               locks,
		nonces:              nonces,
		accounts:            accounts,
		fees:                fees,
		builder:             builder,
		acceptingTxInterval: acceptingTxInterval,
		maxQueue:            maxQueue,
		logger:              logger,
		metrics:             observability.Builder(),
	}
}

// SubmitTxRequest validates a sender's submission and enqueues it for the
// next batching cycle, returning the assigned request id.
func (e *Engine) SubmitTxRequest(ctx context.Context, bt types.BlockType, req *types.TxRequest) (uuid.UUID, error) {
	if req.Pubkey == nil || req.Pubkey.IsZero() || req.Pubkey.Eq(types.DummyPubkey) {
		e.metrics.RecordTxRequest(bt.String(), "rejected")
		return uuid.Nil, errkind.NewValidation("intake.SubmitTxRequest", fmt.Errorf("malformed sender pubkey"))
	}

	isRegistered, accountID, err := e.accounts.AccountInfo(ctx, req.Pubkey)
	if err != nil {
		return uuid.Nil, err
	}
	if bt == types.Registration && isRegistered {
		e.metrics.RecordTxRequest(bt.String(), "rejected")
		return uuid.Nil, errkind.NewValidation("intake.SubmitTxRequest",
			fmt.Errorf("%w: already registered, use a non-registration block", ErrUnknownSender))
	}
	if bt == types.NonRegistration {
		if !isRegistered {
			e.metrics.RecordTxRequest(bt.String(), "rejected")
			return uuid.Nil, errkind.NewValidation("intake.SubmitTxRequest",
				fmt.Errorf("%w: no account id, use a registration block", ErrUnknownSender))
		}
		req.AccountID = accountID
	}

	if e.fees != nil {
		if err := e.fees.ValidateFeeProof(ctx, bt == types.Registration, req.FeeProof); err != nil {
			e.metrics.RecordTxRequest(bt.String(), "fee_rejected")
			return uuid.Nil, errkind.NewValidation("intake.SubmitTxRequest",
				fmt.Errorf("%w: %v", ErrFeePaymentInvalid, err))
		}
	}

	queueLen, err := e.store.LLen(ctx, types.QueueKey(bt))
	if err != nil {
		return uuid.Nil, err
	}
	if queueLen >= int64(e.maxQueue*types.NumSendersInBlock) {
		e.metrics.RecordTxRequest(bt.String(), "backpressure")
		return uuid.Nil, errkind.NewValidation("intake.SubmitTxRequest", ErrBackpressure)
	}

	req.RequestID = uuid.New()
	queued := types.QueuedRequest{TxRequest: *req, QueuedAt: time.Now().UTC()}
	payload, err := json.Marshal(&queued)
	if err != nil {
		return uuid.Nil, err
	}
	if err := e.store.RPush(ctx, types.QueueKey(bt), string(payload)); err != nil {
		return uuid.Nil, err
	}
	if err := e.store.Expire(ctx, types.QueueKey(bt), types.GeneralTTL); err != nil {
		return uuid.Nil, err
	}
	e.metrics.RecordTxRequest(bt.String(), "accepted")
	e.metrics.SetQueueDepth(types.QueueKey(bt), int(queueLen)+1)
	return req.RequestID, nil
}

// ProcessRequests is one tick of the per-domain batching loop: under the
// domain's lock, decide whether a batch is due, drain up to a block's worth
// of requests, and materialize the proposal memo. A lock held elsewhere is
// not an error; the other instance is doing the work.
func (e *Engine) ProcessRequests(ctx context.Context, bt types.BlockType) error {
	err := e.locks.WithLock(ctx, types.ProcessRequestsLock(bt), types.LockTTL, func(ctx context.Context) error {
		return e.processRequestsLocked(ctx, bt)
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil
	}
	return err
}

func (e *Engine) processRequestsLocked(ctx context.Context, bt types.BlockType) error {
	queueLen, err := e.store.LLen(ctx, types.QueueKey(bt))
	if err != nil {
		return err
	}
	e.metrics.SetQueueDepth(types.QueueKey(bt), int(queueLen))
	if queueLen == 0 {
		return nil
	}
	if queueLen < types.NumSendersInBlock {
		due, err := e.batchDue(ctx, bt)
		if err != nil {
			return err
		}
		if !due {
			return nil
		}
	}

	start := time.Now()
	requests, err := e.popBatch(ctx, bt)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		return nil
	}

	memo, err := e.buildMemo(ctx, bt, requests)
	if err != nil {
		// The nonce inside the failed memo (if reserved) is reclaimed by
		// sync once the chain passes it; the requests go back to the head
		// of the queue for the next tick.
		e.restoreRequests(ctx, bt, requests)
		return err
	}

	if err := e.storeMemo(ctx, memo); err != nil {
		if relErr := e.nonces[bt].Release(ctx, memo.Nonce); relErr != nil {
			e.logger.Error("release nonce after memo store failure", "error", relErr, "nonce", memo.Nonce)
		}
		e.restoreRequests(ctx, bt, requests)
		return err
	}

	if err := e.store.Set(ctx, types.LastProcessedAtKey(bt),
		fmt.Sprintf("%d", time.Now().UTC().Unix()), 0); err != nil {
		return err
	}
	e.metrics.ObserveProposalLatency(bt.String(), time.Since(start))
	e.logger.Info("proposal memo formed",
		"block_id", memo.BlockID, "block_type", bt.String(),
		"num_requests", len(requests), "nonce", memo.Nonce)
	return nil
}

// batchDue reports whether the accepting interval has elapsed since the last
// batch in this domain.
func (e *Engine) batchDue(ctx context.Context, bt types.BlockType) (bool, error) {
	raw, err := e.store.Get(ctx, types.LastProcessedAtKey(bt))
	if errors.Is(err, kv.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	var last int64
	if _, err := fmt.Sscanf(raw, "%d", &last); err != nil {
		return true, nil
	}
	return time.Since(time.Unix(last, 0)) >= e.acceptingTxInterval, nil
}

func (e *Engine) popBatch(ctx context.Context, bt types.BlockType) ([]types.TxRequest, error) {
	seen := make(map[[32]byte]bool)
	var requests []types.TxRequest
	for len(requests) < types.NumSendersInBlock {
		raw, err := e.store.LPop(ctx, types.QueueKey(bt))
		if errors.Is(err, kv.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		var queued types.QueuedRequest
		if err := json.Unmarshal([]byte(raw), &queued); err != nil {
			e.logger.Error("dropping undecodable queued request", "error", err, "block_type", bt.String())
			continue
		}
		// Pubkeys are unique per batch; a second request from the same
		// sender waits for the next block.
		key := queued.Pubkey.Bytes32()
		if seen[key] {
			e.restoreRequests(ctx, bt, []types.TxRequest{queued.TxRequest})
			break
		}
		seen[key] = true
		requests = append(requests, queued.TxRequest)
	}
	return requests, nil
}

func (e *Engine) restoreRequests(ctx context.Context, bt types.BlockType, requests []types.TxRequest) {
	// Push back in reverse so the original order is restored at the head.
	for i := len(requests) - 1; i >= 0; i-- {
		queued := types.QueuedRequest{TxRequest: requests[i], QueuedAt: time.Now().UTC()}
		payload, err := json.Marshal(&queued)
		if err != nil {
			continue
		}
		if err := e.store.LPush(ctx, types.QueueKey(bt), string(payload)); err != nil {
			e.logger.Error("restore queued request", "error", err, "request_id", requests[i].RequestID)
		}
	}
}

// buildMemo turns a drained batch into a complete proposal memo: sorted
// padded sender set, tx tree, reserved nonce, sign payload, and one Merkle
// proof per request.
func (e *Engine) buildMemo(ctx context.Context, bt types.BlockType, requests []types.TxRequest) (*types.ProposalMemo, error) {
	sorted := pubkey.SortDescending(requests)
	padded := pubkey.PadToBlockSize(sorted)

	pubkeys := make([]*uint256.Int, types.NumSendersInBlock)
	for i, r := range padded {
		pubkeys[i] = r.Pubkey
	}
	pubkeyHash := pubkey.Hash(pubkeys)

	leaves := make([]common.Hash, types.NumSendersInBlock)
	for i, r := range padded {
		leaves[i] = types.TxLeafHash(r)
	}
	tree := merkle.NewTxTree(types.TxTreeHeight, leaves)
	root := tree.Root()

	reserved, err := e.nonces[bt].Reserve(ctx)
	if err != nil {
		return nil, err
	}

	payload := types.SignPayload(root, pubkeyHash, bt == types.Registration, reserved, e.builder)

	now := time.Now().UTC()
	memo := &types.ProposalMemo{
		BlockID:          uuid.New(),
		BlockType:        bt,
		TxTreeRoot:       root,
		Expiry:           now.Add(types.GeneralTTL),
		Pubkeys:          pubkeys,
		PubkeyHash:       pubkeyHash,
		TxRequests:       requests,
		Proposals:        make(map[uuid.UUID]types.BlockProposal, len(requests)),
		Nonce:            reserved,
		BlockSignPayload: payload,
		CreatedAt:        now,
	}

	for _, req := range requests {
		idx := sortedPosition(padded, req.Pubkey)
		memo.Proposals[req.RequestID] = types.BlockProposal{
			TxTreeRoot:    root,
			TxIndex:       idx,
			TxMerkleProof: tree.Prove(idx),
			Pubkeys:       pubkeys,
			PubkeysHash:   pubkeyHash,
		}
	}
	return memo, nil
}

func sortedPosition(padded []types.TxRequest, pk *uint256.Int) uint32 {
	for i, r := range padded {
		if r.Pubkey.Eq(pk) {
			return uint32(i)
		}
	}
	// Unreachable: every request's pubkey is in the padded array by
	// construction.
	return 0
}

func (e *Engine) storeMemo(ctx context.Context, memo *types.ProposalMemo) error {
	serialized, err := json.Marshal(memo)
	if err != nil {
		return err
	}
	if err := e.store.HSet(ctx, types.MemosKey, memo.BlockID.String(), string(serialized)); err != nil {
		return err
	}
	if err := e.store.Expire(ctx, types.MemosKey, types.GeneralTTL); err != nil {
		return err
	}
	for _, req := range memo.TxRequests {
		if err := e.store.HSet(ctx, types.RequestIDToBlockIDKey, req.RequestID.String(), memo.BlockID.String()); err != nil {
			return err
		}
	}
	return e.store.Expire(ctx, types.RequestIDToBlockIDKey, types.GeneralTTL)
}

// QueryProposal resolves a request id to its Merkle proof once the request
// has been batched, returning ErrPending while it still sits in the queue.
func (e *Engine) QueryProposal(ctx context.Context, requestID uuid.UUID) (*types.BlockProposal, error) {
	blockID, err := e.store.HGet(ctx, types.RequestIDToBlockIDKey, requestID.String())
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrPending
	}
	if err != nil {
		return nil, err
	}
	serialized, err := e.store.HGet(ctx, types.MemosKey, blockID)
	if errors.Is(err, kv.ErrNotFound) {
		// The mapping outlived its memo; from the caller's view the request
		// no longer exists.
		return nil, errkind.NewValidation("intake.QueryProposal", ErrUnknownRequest)
	}
	if err != nil {
		return nil, err
	}
	var memo types.ProposalMemo
	if err := json.Unmarshal([]byte(serialized), &memo); err != nil {
		return nil, errkind.NewInconsistent("intake.QueryProposal", err)
	}
	proposal, ok := memo.GetProposal(requestID)
	if !ok {
		return nil, errkind.NewInconsistent("intake.QueryProposal",
			fmt.Errorf("memo %s has no proposal for request %s", blockID, requestID))
	}
	return &proposal, nil
}

// Run drives the batching loop for one domain until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, bt types.BlockType, tick, restartWait time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := e.ProcessRequests(ctx, bt); err != nil {
			e.logger.Error("process requests", "error", err, "block_type", bt.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartWait):
			}
		}
	}
}
