package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// KV key names shared between the intake engine, the signature finalizer,
// the fee collector, and the posting scheduler. Every key is further
// prefixed with "block_builder:{cluster_id}:" by the kv store itself, so
// helpers here only name the logical suffix.
const (
	MemosKey              = "memos"
	RequestIDToBlockIDKey = "request_id_to_block_id"
	BlockPostTasksHiKey   = "block_post_tasks_hi"
	BlockPostTasksLoKey   = "block_post_tasks_lo"
	FeeCollectionTasksKey = "fee_collection_tasks"
	EmptyBlockPostedAtKey = "empty_block_posted_at"
)

// GeneralTTL bounds the lifetime of every non-lock, non-nonce KV record: a
// memo whose signatures never arrive, a queue entry never batched, a task
// never dequeued — all evaporate after this interval.
const GeneralTTL = 20 * time.Minute

// LockTTL bounds how long any critical section may run before its lock is
// forcibly reclaimable by another instance.
const LockTTL = 10 * time.Second

// QueueKey names the per-domain intake queue.
func QueueKey(bt BlockType) string {
	return fmt.Sprintf("queue:%s", bt)
}

// LastProcessedAtKey names the per-domain batch-timer record.
func LastProcessedAtKey(bt BlockType) string {
	return fmt.Sprintf("last_processed_at:%s", bt)
}

// SignaturesKey names the per-memo signature list.
func SignaturesKey(blockID uuid.UUID) string {
	return fmt.Sprintf("signatures:%s", blockID)
}

// Lock names, one per critical section.
func ProcessRequestsLock(bt BlockType) string {
	return fmt.Sprintf("process_requests:%s", bt)
}

const (
	ProcessSignaturesLock    = "process_signatures"
	ProcessFeeCollectionLock = "process_fee_collection"
	EnqueueEmptyBlockLock    = "enqueue_empty_block"
	NonceSyncLock            = "nonce_sync"
)
