// Package scheduler is the block posting scheduler: the two-priority queue
// consumers that pull finished tasks, enforce nonce order against on-chain
// state, and submit to the rollup contract. Grounded on
// original_source/block-builder/src/app/storage/redis_storage.rs
// (try_dequeue_high_priority_task / try_dequeue_low_priority_task,
// enqueue_empty_block_inner) and original_source/block-builder/src/app/jobs.rs
// (post_block_inner, post_empty_block_job) plus block_post.rs (post_block).
package scheduler

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

	"github.com/InternetMaximalism/intmax2/deadletter"
	"github.com/InternetMaximalism/intmax2/errkind"
	"github.com/InternetMaximalism/intmax2/external/rollup"
	"github.com/InternetMaximalism/intmax2/kv"
	"github.com/InternetMaximalism/intmax2/lock"
	"github.com/InternetMaximalism/intmax2/merkle"
	"github.com/InternetMaximalism/intmax2/nonce"
	"github.com/InternetMaximalism/intmax2/observability"
	"github.com/InternetMaximalism/intmax2/pubkey"
	"github.com/InternetMaximalism/intmax2/types"
)

// maxPostAttempts bounds transient retries before a task is dead-lettered.
const maxPostAttempts = 5

// pollInterval paces the high-priority consumer when its queue is empty.
const pollInterval = 2 * time.Second

// blpopTimeout bounds the low-priority consumer's blocking wait so shutdown
// stays responsive.
const blpopTimeout = 5 * time.Second

// Contract is the rollup-contract surface the scheduler depends on,
// implemented by external/rollup.Client.
type Contract interface {
	NextNonce(ctx context.Context, bt types.BlockType) (uint64, error)
	PostBlock(ctx context.Context, task *types.BlockPostTask) (common.Hash, error)
}

// DepositSource is the Validity Prover surface the deposit watcher needs.
type DepositSource interface {
	NextDepositIndex(ctx context.Context) (uint64, error)
	LatestIncludedDepositIndex(ctx context.Context) (uint64, bool, error)
}

// FeeFinalizer marks a block's pending fee entries settled after posting.
type FeeFinalizer interface {
	FinalizeFees(ctx context.Context, blockID uuid.UUID) error
}

// Scheduler runs the posting consumers and the deposit watcher.
type Scheduler struct {
	store    *kv.Store
	locks    *lock.Manager
	nonces   map[types.BlockType]*nonce.Manager
	contract Contract
	deposits DepositSource
	fees     FeeFinalizer
	dead     *deadletter.Store

	nonceWaitingTime     time.Duration
	depositCheckInterval time.Duration

	logger  *slog.Logger
	metrics *observability.BuilderMetrics
}

// New wires a scheduler. deposits and fees may be nil to disable the
// deposit watcher and fee finalization respectively.
func New(store *kv.Store, locks *lock.Manager, nonces map[types.BlockType]*nonce.Manager,
	contract Contract, deposits DepositSource, fees FeeFinalizer, dead *deadletter.Store,
	nonceWaitingTime, depositCheckInterval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:                store,
		locks:                locks,
		nonces:               nonces,
		contract:             contract,
		deposits:             deposits,
		fees:                 fees,
		dead:                 dead,
		nonceWaitingTime:     nonceWaitingTime,
		depositCheckInterval: depositCheckInterval,
		logger:               logger,
		metrics:              observability.Builder(),
	}
}

// RunHighPriority consumes user-signed blocks, holding each task until its
// nonce is the smallest outstanding reservation in its domain (or the nonce
// wait expires, in which case it posts anyway and lets the contract's own
// nonce check arbitrate).
func (s *Scheduler) RunHighPriority(ctx context.Context, restartWait time.Duration) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.stepHighPriority(ctx); err != nil {
			s.logger.Error("high priority consumer", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartWait):
			}
		}
	}
}

func (s *Scheduler) stepHighPriority(ctx context.Context) error {
	head, err := s.store.LIndex(ctx, types.BlockPostTasksHiKey, 0)
	if errors.Is(err, kv.ErrNotFound) {
		select {
		case <-ctx.Done():
		case <-time.After(pollInterval):
		}
		return nil
	}
	if err != nil {
		return err
	}
	var task types.BlockPostTask
	if err := json.Unmarshal([]byte(head), &task); err != nil {
		// Drop the undecodable head or the queue wedges forever.
		_, _ = s.store.LPop(ctx, types.BlockPostTasksHiKey)
		return errkind.NewInconsistent("scheduler.stepHighPriority", err)
	}

	if err := s.waitForNonceTurn(ctx, &task); err != nil {
		return err
	}

	popped, err := s.store.LPop(ctx, types.BlockPostTasksHiKey)
	if errors.Is(err, kv.ErrNotFound) {
		// Another instance took it first.
		return nil
	}
	if err != nil {
		return err
	}
	if popped != head {
		// The head moved between peek and pop; whatever we popped is still
		// a valid task, just not the one we peeked. Submit it regardless.
		if err := json.Unmarshal([]byte(popped), &task); err != nil {
			return errkind.NewInconsistent("scheduler.stepHighPriority", err)
		}
	}
	return s.submit(ctx, &task, types.BlockPostTasksHiKey)
}

// waitForNonceTurn blocks until the task's nonce is the smallest reserved
// nonce in its domain, or the configured wait elapses. Expiry is not an
// error: posting proceeds and the chain's nonce check arbitrates, which
// unwedges queues stranded by a crashed reserver.
func (s *Scheduler) waitForNonceTurn(ctx context.Context, task *types.BlockPostTask) error {
	deadline := time.Now().Add(s.nonceWaitingTime)
	for {
		minReserved, ok, err := s.nonces[task.BlockType].SmallestReserved(ctx)
		if err != nil {
			return err
		}
		if !ok || minReserved >= task.Nonce {
			return nil
		}
		s.metrics.SetNonceGap(task.BlockType.String(), int64(task.Nonce)-int64(minReserved))
		if time.Now().After(deadline) {
			s.logger.Warn("nonce wait expired, posting anyway",
				"block_id", task.BlockID, "nonce", task.Nonce, "min_reserved", minReserved)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// RunLowPriority consumes empty and fee-collection blocks FIFO.
func (s *Scheduler) RunLowPriority(ctx context.Context, restartWait time.Duration) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.stepLowPriority(ctx); err != nil {
			s.logger.Error("low priority consumer", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartWait):
			}
		}
	}
}

func (s *Scheduler) stepLowPriority(ctx context.Context) error {
	popped, err := s.store.BLPop(ctx, blpopTimeout, types.BlockPostTasksLoKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	// BLPop returns [key, value].
	if len(popped) < 2 {
		return errkind.NewInconsistent("scheduler.stepLowPriority", fmt.Errorf("blpop returned %d elements", len(popped)))
	}
	var task types.BlockPostTask
	if err := json.Unmarshal([]byte(popped[1]), &task); err != nil {
		return errkind.NewInconsistent("scheduler.stepLowPriority", err)
	}
	return s.submit(ctx, &task, types.BlockPostTasksLoKey)
}

// submit enforces the on-chain nonce check, posts, and classifies failures:
// stale tasks are discarded, early tasks requeued at the head, transient
// failures retried with a bounded attempt count, and permanent failures
// dead-lettered.
func (s *Scheduler) submit(ctx context.Context, task *types.BlockPostTask, queue string) error {
	ctx, span := observability.Tracer("scheduler").Start(ctx, "submit_block")
	defer span.End()

	onchain, err := s.contract.NextNonce(ctx, task.BlockType)
	if err != nil {
		return s.requeue(ctx, task, queue)
	}
	if task.Nonce < onchain {
		// Someone else already posted this nonce; the task is dead weight.
		s.logger.Info("discarding stale block post task",
			"block_id", task.BlockID, "nonce", task.Nonce, "onchain", onchain)
		s.metrics.RecordBlockPosted(task.BlockType.String(), "stale")
		return s.nonces[task.BlockType].Release(ctx, task.Nonce)
	}
	if task.Nonce > onchain {
		if err := s.nonces[task.BlockType].SyncWithChain(ctx); err != nil {
			s.logger.Error("sync with chain", "error", err, "block_type", task.BlockType.String())
		}
		return s.requeue(ctx, task, queue)
	}

	start := time.Now()
	txHash, err := s.contract.PostBlock(ctx, task)
	if err != nil {
		return s.handlePostFailure(ctx, task, queue, err)
	}
	s.metrics.ObservePostLatency(task.BlockType.String(), time.Since(start))
	s.metrics.RecordBlockPosted(task.BlockType.String(), "posted")
	s.logger.Info("block posted",
		"block_id", task.BlockID, "block_type", task.BlockType.String(),
		"nonce", task.Nonce, "tx_hash", txHash, "is_collateral", task.IsCollateral, "is_empty", task.IsEmpty)

	if err := s.nonces[task.BlockType].Release(ctx, task.Nonce); err != nil {
		return err
	}
	if s.fees != nil && !task.IsEmpty {
		if err := s.fees.FinalizeFees(ctx, task.BlockID); err != nil {
			s.logger.Error("finalize fees", "error", err, "block_id", task.BlockID)
		}
	}
	return nil
}

func (s *Scheduler) handlePostFailure(ctx context.Context, task *types.BlockPostTask, queue string, postErr error) error {
	switch {
	case errors.Is(postErr, rollup.ErrNonceMismatch):
		s.metrics.RecordBlockPosted(task.BlockType.String(), "nonce_mismatch")
		if err := s.nonces[task.BlockType].SyncWithChain(ctx); err != nil {
			s.logger.Error("sync with chain", "error", err, "block_type", task.BlockType.String())
		}
		return s.requeue(ctx, task, queue)
	case errkind.IsTransient(postErr):
		task.Attempts++
		if task.Attempts >= maxPostAttempts {
			return s.deadLetter(ctx, task, postErr)
		}
		s.metrics.RecordBlockPosted(task.BlockType.String(), "retry")
		// Exponential backoff before the task becomes visible again.
		backoff := time.Duration(1<<uint(task.Attempts)) * time.Second
		s.logger.Warn("block post failed, backing off",
			"error", postErr, "block_id", task.BlockID, "attempt", task.Attempts, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		return s.requeue(ctx, task, queue)
	default:
		return s.deadLetter(ctx, task, postErr)
	}
}

// requeue returns a task to the head of its queue so ordering is preserved.
func (s *Scheduler) requeue(ctx context.Context, task *types.BlockPostTask, queue string) error {
	serialized, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := s.store.LPush(ctx, queue, string(serialized)); err != nil {
		return err
	}
	if err := s.store.Expire(ctx, queue, types.GeneralTTL); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pollInterval):
	}
	return nil
}

// deadLetter parks a failed task for manual inspection. Its nonce is
// released so the pipeline does not stall waiting for a block that will
// never post; sync reconciles if the chain disagrees.
func (s *Scheduler) deadLetter(ctx context.Context, task *types.BlockPostTask, cause error) error {
	s.metrics.RecordBlockPosted(task.BlockType.String(), "dead_letter")
	s.logger.Error("block post task dead-lettered",
		"error", cause, "block_id", task.BlockID, "nonce", task.Nonce, "attempts", task.Attempts)
	if s.dead != nil {
		if err := s.dead.Append(task, cause.Error()); err != nil {
			s.logger.Error("append dead letter", "error", err, "block_id", task.BlockID)
		}
	}
	return s.nonces[task.BlockType].Release(ctx, task.Nonce)
}

// RunDepositWatcher enqueues an empty non-registration block when new L1
// deposits are pending but no user block is queued to sweep them in.
func (s *Scheduler) RunDepositWatcher(ctx context.Context, restartWait time.Duration) {
	if s.deposits == nil {
		return
	}
	ticker := time.NewTicker(s.depositCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.checkDeposits(ctx); err != nil {
			s.logger.Error("deposit watcher", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartWait):
			}
		}
	}
}

func (s *Scheduler) checkDeposits(ctx context.Context) error {
	err := s.locks.WithLock(ctx, types.EnqueueEmptyBlockLock, types.LockTTL, func(ctx context.Context) error {
		return s.checkDepositsLocked(ctx)
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil
	}
	return err
}

func (s *Scheduler) checkDepositsLocked(ctx context.Context) error {
	pending, err := s.pendingDeposits(ctx)
	if err != nil {
		return err
	}
	if !pending {
		return nil
	}

	// No empty block while user blocks are queued: they will sweep the
	// deposits in themselves.
	hiLen, err := s.store.LLen(ctx, types.BlockPostTasksHiKey)
	if err != nil {
		return err
	}
	if hiLen > 0 {
		return nil
	}

	lastRaw, err := s.store.Get(ctx, types.EmptyBlockPostedAtKey)
	if err == nil {
		var last int64
		if _, scanErr := fmt.Sscanf(lastRaw, "%d", &last); scanErr == nil {
			if time.Since(time.Unix(last, 0)) <= s.depositCheckInterval {
				return nil
			}
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		return err
	}

	task, err := s.buildEmptyBlockTask(ctx)
	if err != nil {
		return err
	}
	serialized, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := s.store.RPush(ctx, types.BlockPostTasksLoKey, string(serialized)); err != nil {
		return err
	}
	if err := s.store.Expire(ctx, types.BlockPostTasksLoKey, types.GeneralTTL); err != nil {
		return err
	}
	if err := s.store.Set(ctx, types.EmptyBlockPostedAtKey,
		fmt.Sprintf("%d", time.Now().UTC().Unix()), 0); err != nil {
		return err
	}
	s.logger.Info("empty block enqueued for pending deposits", "nonce", task.Nonce)
	return nil
}

func (s *Scheduler) pendingDeposits(ctx context.Context) (bool, error) {
	next, err := s.deposits.NextDepositIndex(ctx)
	if err != nil {
		return false, err
	}
	latest, ok, err := s.deposits.LatestIncludedDepositIndex(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return next > 0, nil
	}
	return next > latest+1, nil
}

// buildEmptyBlockTask synthesizes a fully-padded zero-signature block that
// exists only to advance the chain and pull pending deposits in.
func (s *Scheduler) buildEmptyBlockTask(ctx context.Context) (*types.BlockPostTask, error) {
	n, err := s.nonces[types.NonRegistration].Reserve(ctx)
	if err != nil {
		return nil, err
	}

	pubkeys := make([]*uint256.Int, types.NumSendersInBlock)
	leaves := make([]common.Hash, types.NumSendersInBlock)
	dummy := types.DefaultTxRequest()
	for i := range pubkeys {
		pubkeys[i] = dummy.Pubkey
		leaves[i] = types.TxLeafHash(dummy)
	}
	tree := merkle.NewTxTree(types.TxTreeHeight, leaves)

	packed := make([]byte, 0, types.NumSendersInBlock*5)
	for range pubkeys {
		packed = append(packed, 0, 0, 0, 0, 1)
	}

	return &types.BlockPostTask{
		BlockID:         uuid.New(),
		BlockType:       types.NonRegistration,
		TxTreeRoot:      tree.Root(),
		Pubkeys:         pubkeys,
		PubkeyHash:      pubkey.Hash(pubkeys),
		AccountIDPacked: packed,
		AggregatedSig:   make([]byte, 64),
		Nonce:           n,
		IsEmpty:         true,
		EnqueuedAt:      time.Now().UTC(),
	}, nil
}
