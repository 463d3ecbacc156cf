package signature

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/InternetMaximalism/intmax2/fee"
	"github.com/InternetMaximalism/intmax2/kv"
	"github.com/InternetMaximalism/intmax2/lock"
	"github.com/InternetMaximalism/intmax2/nonce"
	"github.com/InternetMaximalism/intmax2/types"
)

// blsKey is a test BLS keypair whose pubkey doubles as the sender's
// 256-bit identity (the compressed G1 encoding).
type blsKey struct {
	secret *big.Int
	pubkey *uint256.Int
}

func newBLSKey(t *testing.T) *blsKey {
	t.Helper()
	secret, err := rand.Int(rand.Reader, fr.Modulus())
	require.NoError(t, err)
	_, _, g1Gen, _ := bn254.Generators()
	var pub bn254.G1Affine
	pub.ScalarMultiplication(&g1Gen, secret)
	compressed := pub.Bytes()
	pk := new(uint256.Int).SetBytes(compressed[:])
	return &blsKey{secret: secret, pubkey: pk}
}

func (k *blsKey) sign(t *testing.T, payload []byte) []byte {
	t.Helper()
	hm, err := bn254.HashToG2(payload, []byte("INTMAX2_BLOCK_BUILDER_BLS_SIG"))
	require.NoError(t, err)
	var sig bn254.G2Affine
	sig.ScalarMultiplication(&hm, k.secret)
	b := sig.Bytes()
	return b[:]
}

type testEnv struct {
	store     *kv.Store
	locks     *lock.Manager
	nonces    map[types.BlockType]*nonce.Manager
	collector *Collector
}

type fakeChain struct{ nonce uint64 }

func (f *fakeChain) NextNonce(ctx context.Context, bt types.BlockType) (uint64, error) {
	return f.nonce, nil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := kv.NewFromClient(client)
	chain := &fakeChain{}
	nonces := map[types.BlockType]*nonce.Manager{
		types.Registration:    nonce.New(store, chain, types.Registration),
		types.NonRegistration: nonce.New(store, chain, types.NonRegistration),
	}
	return &testEnv{
		store:     store,
		locks:     lock.New(store, "test-builder"),
		nonces:    nonces,
		collector: NewCollector(store, slog.Default()),
	}
}

// storeMemo writes a memo plus request-id mappings, the state the intake
// engine leaves behind.
func (env *testEnv) storeMemo(t *testing.T, memo *types.ProposalMemo) {
	t.Helper()
	ctx := context.Background()
	serialized, err := json.Marshal(memo)
	require.NoError(t, err)
	require.NoError(t, env.store.HSet(ctx, types.MemosKey, memo.BlockID.String(), string(serialized)))
	for _, req := range memo.TxRequests {
		require.NoError(t, env.store.HSet(ctx, types.RequestIDToBlockIDKey,
			req.RequestID.String(), memo.BlockID.String()))
	}
}

func makeMemo(t *testing.T, key *blsKey, createdAt time.Time) (*types.ProposalMemo, uuid.UUID) {
	t.Helper()
	reqID := uuid.New()
	pubkeys := make([]*uint256.Int, types.NumSendersInBlock)
	pubkeys[0] = key.pubkey
	for i := 1; i < types.NumSendersInBlock; i++ {
		pubkeys[i] = new(uint256.Int).Set(types.DummyPubkey)
	}
	payload := types.SignPayload(common.HexToHash("0x01"), common.HexToHash("0x02"), true, 5, common.HexToAddress("0x03"))
	return &types.ProposalMemo{
		BlockID:          uuid.New(),
		BlockType:        types.Registration,
		TxTreeRoot:       common.HexToHash("0x01"),
		Pubkeys:          pubkeys,
		PubkeyHash:       common.HexToHash("0x02"),
		TxRequests:       []types.TxRequest{{RequestID: reqID, Pubkey: key.pubkey}},
		Proposals:        map[uuid.UUID]types.BlockProposal{},
		Nonce:            5,
		BlockSignPayload: payload,
		CreatedAt:        createdAt,
	}, reqID
}

func TestPostSignatureAcceptsValid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := newBLSKey(t)
	memo, reqID := makeMemo(t, key, time.Now().UTC())
	env.storeMemo(t, memo)

	entry := &types.SignatureEntry{
		RequestID: reqID,
		Pubkey:    key.pubkey,
		Signature: key.sign(t, memo.BlockSignPayload),
	}
	require.NoError(t, env.collector.PostSignature(ctx, entry))

	sigs, err := env.store.LRange(ctx, types.SignaturesKey(memo.BlockID), 0, -1)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
}

func TestPostSignatureRejectsWrongPayload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := newBLSKey(t)
	memo, reqID := makeMemo(t, key, time.Now().UTC())
	env.storeMemo(t, memo)

	entry := &types.SignatureEntry{
		RequestID: reqID,
		Pubkey:    key.pubkey,
		Signature: key.sign(t, []byte("some other payload")),
	}
	require.ErrorIs(t, env.collector.PostSignature(ctx, entry), ErrInvalidSignature)
}

func TestPostSignatureRejectsOutsider(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := newBLSKey(t)
	outsider := newBLSKey(t)
	memo, reqID := makeMemo(t, key, time.Now().UTC())
	env.storeMemo(t, memo)

	entry := &types.SignatureEntry{
		RequestID: reqID,
		Pubkey:    outsider.pubkey,
		Signature: outsider.sign(t, memo.BlockSignPayload),
	}
	require.ErrorIs(t, env.collector.PostSignature(ctx, entry), ErrUnknownSender)
}

func TestPostSignatureUnknownRequest(t *testing.T) {
	env := newTestEnv(t)
	key := newBLSKey(t)
	entry := &types.SignatureEntry{
		RequestID: uuid.New(),
		Pubkey:    key.pubkey,
		Signature: key.sign(t, []byte("payload")),
	}
	require.ErrorIs(t, env.collector.PostSignature(context.Background(), entry), ErrUnknownRequest)
}

func TestFinalizerEmitsTaskAndDedupes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := newBLSKey(t)
	memo, reqID := makeMemo(t, key, time.Now().UTC().Add(-time.Minute))
	env.storeMemo(t, memo)

	// The same signature posted twice (S6): both accepted, one aggregated.
	entry := &types.SignatureEntry{
		RequestID: reqID,
		Pubkey:    key.pubkey,
		Signature: key.sign(t, memo.BlockSignPayload),
	}
	require.NoError(t, env.collector.PostSignature(ctx, entry))
	require.NoError(t, env.collector.PostSignature(ctx, entry))

	finalizer := NewFinalizer(env.store, env.locks, env.nonces, 30*time.Second, false, false, slog.Default())
	require.NoError(t, finalizer.ProcessSignatures(ctx))

	raw, err := env.store.LRange(ctx, types.BlockPostTasksHiKey, 0, -1)
	require.NoError(t, err)
	require.Len(t, raw, 1)

	var task types.BlockPostTask
	require.NoError(t, json.Unmarshal([]byte(raw[0]), &task))
	require.Equal(t, memo.BlockID, task.BlockID)
	require.Equal(t, uint64(5), task.Nonce)
	require.Equal(t, uint32(1)<<31, task.SenderFlags, "only slot 0 signed")
	require.Equal(t, entry.Signature, task.AggregatedSig, "single signature aggregates to itself")
	require.True(t, task.IsRegistration)

	// Memo and signature list are cleaned up.
	ids, err := env.store.HKeys(ctx, types.MemosKey)
	require.NoError(t, err)
	require.Empty(t, ids)
	_, err = env.store.LPop(ctx, types.SignaturesKey(memo.BlockID))
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestFinalizerSkipsYoungMemo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := newBLSKey(t)
	memo, _ := makeMemo(t, key, time.Now().UTC())
	env.storeMemo(t, memo)

	finalizer := NewFinalizer(env.store, env.locks, env.nonces, 30*time.Second, false, false, slog.Default())
	require.NoError(t, finalizer.ProcessSignatures(ctx))

	ids, err := env.store.HKeys(ctx, types.MemosKey)
	require.NoError(t, err)
	require.Len(t, ids, 1, "memo inside the proposing window must survive")
}

func TestFinalizerReleasesNonceWithoutSignatures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := newBLSKey(t)

	// Reserve so the memo's nonce is actually outstanding.
	reserved, err := env.nonces[types.Registration].Reserve(ctx)
	require.NoError(t, err)

	memo, _ := makeMemo(t, key, time.Now().UTC().Add(-time.Minute))
	memo.Nonce = reserved
	env.storeMemo(t, memo)

	finalizer := NewFinalizer(env.store, env.locks, env.nonces, 30*time.Second, false, false, slog.Default())
	require.NoError(t, finalizer.ProcessSignatures(ctx))

	_, ok, err := env.nonces[types.Registration].SmallestReserved(ctx)
	require.NoError(t, err)
	require.False(t, ok, "unsigned memo's nonce must be released")

	raw, err := env.store.LRange(ctx, types.BlockPostTasksHiKey, 0, -1)
	require.NoError(t, err)
	require.Empty(t, raw)
}

func TestFinalizerPostsCollateralWhenUnsigned(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := newBLSKey(t)

	memo, _ := makeMemo(t, key, time.Now().UTC().Add(-time.Minute))
	memo.TxRequests[0].FeeProof = &types.FeeProof{
		CollateralBlock: &types.CollateralBlock{
			SenderPubkey: key.pubkey,
			Tx:           types.Tx{TxHash: common.HexToHash("0x0c"), Nonce: 1},
			Signature:    key.sign(t, []byte("collateral payload")),
		},
	}
	env.storeMemo(t, memo)

	finalizer := NewFinalizer(env.store, env.locks, env.nonces, 30*time.Second, true, true, slog.Default())
	require.NoError(t, finalizer.ProcessSignatures(ctx))

	raw, err := env.store.LRange(ctx, types.BlockPostTasksHiKey, 0, -1)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	var task types.BlockPostTask
	require.NoError(t, json.Unmarshal([]byte(raw[0]), &task))
	require.True(t, task.IsCollateral)
	require.Equal(t, memo.Nonce, task.Nonce, "collateral consumes the withheld block's nonce")

	// Fee collection hand-off happened too.
	feeTasks, err := env.store.LRange(ctx, types.FeeCollectionTasksKey, 0, -1)
	require.NoError(t, err)
	require.Len(t, feeTasks, 1)
	var collection fee.Collection
	require.NoError(t, json.Unmarshal([]byte(feeTasks[0]), &collection))
	require.True(t, collection.UseCollateral)
	require.Equal(t, memo.BlockID, collection.Memo.BlockID)
}

func TestFinalizerAggregatesMultipleSigners(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	keyA := newBLSKey(t)
	keyB := newBLSKey(t)

	reqA, reqB := uuid.New(), uuid.New()
	pubkeys := make([]*uint256.Int, types.NumSendersInBlock)
	// Descending slot order.
	first, second := keyA, keyB
	if keyA.pubkey.Cmp(keyB.pubkey) < 0 {
		first, second = keyB, keyA
	}
	pubkeys[0], pubkeys[1] = first.pubkey, second.pubkey
	for i := 2; i < types.NumSendersInBlock; i++ {
		pubkeys[i] = new(uint256.Int).Set(types.DummyPubkey)
	}
	payload := types.SignPayload(common.HexToHash("0x01"), common.HexToHash("0x02"), true, 8, common.HexToAddress("0x03"))
	memo := &types.ProposalMemo{
		BlockID:          uuid.New(),
		BlockType:        types.Registration,
		TxTreeRoot:       common.HexToHash("0x01"),
		Pubkeys:          pubkeys,
		PubkeyHash:       common.HexToHash("0x02"),
		TxRequests:       []types.TxRequest{{RequestID: reqA, Pubkey: keyA.pubkey}, {RequestID: reqB, Pubkey: keyB.pubkey}},
		Proposals:        map[uuid.UUID]types.BlockProposal{},
		Nonce:            8,
		BlockSignPayload: payload,
		CreatedAt:        time.Now().UTC().Add(-time.Minute),
	}
	env.storeMemo(t, memo)

	require.NoError(t, env.collector.PostSignature(ctx, &types.SignatureEntry{
		RequestID: reqA, Pubkey: keyA.pubkey, Signature: keyA.sign(t, payload)}))
	require.NoError(t, env.collector.PostSignature(ctx, &types.SignatureEntry{
		RequestID: reqB, Pubkey: keyB.pubkey, Signature: keyB.sign(t, payload)}))

	finalizer := NewFinalizer(env.store, env.locks, env.nonces, 30*time.Second, false, false, slog.Default())
	require.NoError(t, finalizer.ProcessSignatures(ctx))

	raw, err := env.store.LRange(ctx, types.BlockPostTasksHiKey, 0, -1)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	var task types.BlockPostTask
	require.NoError(t, json.Unmarshal([]byte(raw[0]), &task))
	require.Equal(t, uint32(0b11)<<30, task.SenderFlags, "slots 0 and 1 signed")
	require.Len(t, task.AggregatedSig, 64)
}
