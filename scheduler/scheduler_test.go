package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/InternetMaximalism/intmax2/errkind"
	"github.com/InternetMaximalism/intmax2/external/rollup"
	"github.com/InternetMaximalism/intmax2/kv"
	"github.com/InternetMaximalism/intmax2/lock"
	"github.com/InternetMaximalism/intmax2/nonce"
	"github.com/InternetMaximalism/intmax2/types"
)

type fakeContract struct {
	nonce   uint64
	postErr error
	posted  []uint64
}

func (f *fakeContract) NextNonce(ctx context.Context, bt types.BlockType) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeContract) PostBlock(ctx context.Context, task *types.BlockPostTask) (common.Hash, error) {
	if f.postErr != nil {
		return common.Hash{}, f.postErr
	}
	f.posted = append(f.posted, task.Nonce)
	f.nonce = task.Nonce + 1
	return common.HexToHash("0xdead"), nil
}

type fakeDeposits struct {
	next   uint64
	latest uint64
	hasAny bool
}

func (f *fakeDeposits) NextDepositIndex(ctx context.Context) (uint64, error) {
	return f.next, nil
}

func (f *fakeDeposits) LatestIncludedDepositIndex(ctx context.Context) (uint64, bool, error) {
	return f.latest, f.hasAny, nil
}

type fakeFees struct {
	finalized []uuid.UUID
}

func (f *fakeFees) FinalizeFees(ctx context.Context, blockID uuid.UUID) error {
	f.finalized = append(f.finalized, blockID)
	return nil
}

type testEnv struct {
	store    *kv.Store
	nonces   map[types.BlockType]*nonce.Manager
	contract *fakeContract
	deposits *fakeDeposits
	fees     *fakeFees
	sched    *Scheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := kv.NewFromClient(client)
	contract := &fakeContract{nonce: 5}
	nonces := map[types.BlockType]*nonce.Manager{
		types.Registration:    nonce.New(store, contract, types.Registration),
		types.NonRegistration: nonce.New(store, contract, types.NonRegistration),
	}
	deposits := &fakeDeposits{}
	fees := &fakeFees{}
	sched := New(store, lock.New(store, "test-builder"), nonces, contract, deposits, fees, nil,
		200*time.Millisecond, time.Minute, slog.Default())
	return &testEnv{store: store, nonces: nonces, contract: contract, deposits: deposits, fees: fees, sched: sched}
}

func task(bt types.BlockType, n uint64) *types.BlockPostTask {
	return &types.BlockPostTask{
		BlockID:        uuid.New(),
		BlockType:      bt,
		TxTreeRoot:     common.HexToHash("0x01"),
		Pubkeys:        []*uint256.Int{uint256.NewInt(9)},
		PubkeyHash:     common.HexToHash("0x02"),
		AggregatedSig:  make([]byte, 64),
		Nonce:          n,
		IsRegistration: bt == types.Registration,
		EnqueuedAt:     time.Now().UTC(),
	}
}

func push(t *testing.T, store *kv.Store, queue string, task *types.BlockPostTask) {
	t.Helper()
	raw, err := json.Marshal(task)
	require.NoError(t, err)
	require.NoError(t, store.RPush(context.Background(), queue, string(raw)))
}

func TestSubmitPostsMatchingNonce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	n, err := env.nonces[types.Registration].Reserve(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), n)

	tk := task(types.Registration, 5)
	require.NoError(t, env.sched.submit(ctx, tk, types.BlockPostTasksHiKey))

	require.Equal(t, []uint64{5}, env.contract.posted)
	require.Equal(t, uint64(6), env.contract.nonce)
	require.Equal(t, []uuid.UUID{tk.BlockID}, env.fees.finalized)

	_, ok, err := env.nonces[types.Registration].SmallestReserved(ctx)
	require.NoError(t, err)
	require.False(t, ok, "posted nonce must be released")
}

func TestSubmitDiscardsStaleTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.sched.submit(ctx, task(types.Registration, 3), types.BlockPostTasksHiKey))
	require.Empty(t, env.contract.posted, "stale task must never reach the contract")
}

func TestSubmitRequeuesAheadOfChainTask(t *testing.T) {
	env := newTestEnv(t)

	// Short deadline skips the post-requeue pacing sleep.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	tk := task(types.Registration, 9)
	_ = env.sched.submit(ctx, tk, types.BlockPostTasksHiKey)

	head, err := env.store.LIndex(context.Background(), types.BlockPostTasksHiKey, 0)
	require.NoError(t, err)
	var requeued types.BlockPostTask
	require.NoError(t, json.Unmarshal([]byte(head), &requeued))
	require.Equal(t, tk.BlockID, requeued.BlockID)
	require.Empty(t, env.contract.posted)
}

func TestSubmitRequeuesOnNonceMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.contract.postErr = errkind.NewValidation("rollup.PostBlock",
		fmt.Errorf("%w: execution reverted", rollup.ErrNonceMismatch))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	tk := task(types.Registration, 5)
	_ = env.sched.submit(ctx, tk, types.BlockPostTasksHiKey)

	head, err := env.store.LIndex(context.Background(), types.BlockPostTasksHiKey, 0)
	require.NoError(t, err)
	var requeued types.BlockPostTask
	require.NoError(t, json.Unmarshal([]byte(head), &requeued))
	require.Equal(t, tk.BlockID, requeued.BlockID)
}

func TestSubmitDeadLettersAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	env.contract.postErr = errkind.NewTransient("rollup.PostBlock", fmt.Errorf("connection refused"))
	ctx := context.Background()

	n, err := env.nonces[types.Registration].Reserve(ctx)
	require.NoError(t, err)

	tk := task(types.Registration, n)
	tk.Attempts = maxPostAttempts - 1
	require.NoError(t, env.sched.submit(ctx, tk, types.BlockPostTasksHiKey))

	// Not requeued, and the nonce is back in circulation.
	_, err = env.store.LIndex(ctx, types.BlockPostTasksHiKey, 0)
	require.ErrorIs(t, err, kv.ErrNotFound)
	_, ok, err := env.nonces[types.Registration].SmallestReserved(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStepHighPriorityPostsInNonceOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	n, err := env.nonces[types.Registration].Reserve(ctx)
	require.NoError(t, err)
	push(t, env.store, types.BlockPostTasksHiKey, task(types.Registration, n))

	require.NoError(t, env.sched.stepHighPriority(ctx))
	require.Equal(t, []uint64{n}, env.contract.posted)
}

func TestStepHighPriorityWaitExpiryPostsAnyway(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Two reservations; the queued task holds the larger nonce, so its
	// turn never comes (the instance holding the smaller one is "crashed").
	n1, err := env.nonces[types.Registration].Reserve(ctx)
	require.NoError(t, err)
	n2, err := env.nonces[types.Registration].Reserve(ctx)
	require.NoError(t, err)
	require.Less(t, n1, n2)

	push(t, env.store, types.BlockPostTasksHiKey, task(types.Registration, n2))

	// After the 200ms nonce wait expires the task is submitted; the chain
	// nonce check then requeues it instead of posting out of order.
	stepCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = env.sched.stepHighPriority(stepCtx)

	require.Empty(t, env.contract.posted)
	head, err := env.store.LIndex(ctx, types.BlockPostTasksHiKey, 0)
	require.NoError(t, err)
	var requeued types.BlockPostTask
	require.NoError(t, json.Unmarshal([]byte(head), &requeued))
	require.Equal(t, n2, requeued.Nonce)
}

func TestStepLowPrioritySubmitsFIFO(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	n, err := env.nonces[types.NonRegistration].Reserve(ctx)
	require.NoError(t, err)
	push(t, env.store, types.BlockPostTasksLoKey, task(types.NonRegistration, n))

	require.NoError(t, env.sched.stepLowPriority(ctx))
	require.Equal(t, []uint64{n}, env.contract.posted)
}

func TestDepositWatcherEnqueuesEmptyBlock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.deposits.next = 3
	env.deposits.hasAny = true
	env.deposits.latest = 0

	require.NoError(t, env.sched.checkDeposits(ctx))

	raw, err := env.store.LRange(ctx, types.BlockPostTasksLoKey, 0, -1)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	var tk types.BlockPostTask
	require.NoError(t, json.Unmarshal([]byte(raw[0]), &tk))
	require.True(t, tk.IsEmpty)
	require.Equal(t, types.NonRegistration, tk.BlockType)
	require.Len(t, tk.Pubkeys, types.NumSendersInBlock)

	// A second check inside the suppression window does nothing.
	require.NoError(t, env.sched.checkDeposits(ctx))
	raw, err = env.store.LRange(ctx, types.BlockPostTasksLoKey, 0, -1)
	require.NoError(t, err)
	require.Len(t, raw, 1)
}

func TestDepositWatcherSkipsWhenUserBlocksPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.deposits.next = 3
	env.deposits.hasAny = true

	push(t, env.store, types.BlockPostTasksHiKey, task(types.Registration, 5))
	require.NoError(t, env.sched.checkDeposits(ctx))

	raw, err := env.store.LRange(ctx, types.BlockPostTasksLoKey, 0, -1)
	require.NoError(t, err)
	require.Empty(t, raw, "no empty block while user blocks queue")
}

func TestDepositWatcherSkipsWithoutDeposits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.deposits.next = 1
	env.deposits.hasAny = true
	env.deposits.latest = 0

	require.NoError(t, env.sched.checkDeposits(ctx))
	raw, err := env.store.LRange(ctx, types.BlockPostTasksLoKey, 0, -1)
	require.NoError(t, err)
	require.Empty(t, raw)
}
