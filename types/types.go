// Package types holds the block builder's core data model: tx requests,
// queued requests, proposal memos, signature entries, block post tasks, and
// collateral blocks, as named and shaped by the block builder specification
// (original_source/block-builder/src/app/types.rs).
package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// BlockType distinguishes the two independent pipelines the builder runs
// side by side. It is passed explicitly through every domain-parameterized
// component instead of branching on a bool, per the design note against
// polymorphism-over-block-type dispatch duplication.
type BlockType int

const (
	Registration BlockType = iota
	NonRegistration
)

func (t BlockType) String() string {
	if t == Registration {
		return "registration"
	}
	return "non_registration"
}

// NumSendersInBlock is the fixed leaf count of every transaction tree.
const NumSendersInBlock = 32

// TxTreeHeight is log2(NumSendersInBlock).
const TxTreeHeight = 5

// DummyPubkey fills unused sender slots after sorting and padding.
var DummyPubkey = uint256.NewInt(1)

// Tx is the opaque, already-validated transfer-tree commitment a sender
// wants included in a block. The builder never inspects its contents beyond
// hashing it into the transaction tree.
type Tx struct {
	TxHash common.Hash `json:"tx_hash"`
	Nonce  uint64      `json:"nonce"`
}

// FeeProof carries the sender's proof that the posting fee (and, if the
// collateral block path is taken, the collateral fee) has been paid.
type FeeProof struct {
	MainFee         *FeeTransfer     `json:"main_fee,omitempty"`
	CollateralFee   *FeeTransfer     `json:"collateral_fee,omitempty"`
	CollateralBlock *CollateralBlock `json:"collateral_block,omitempty"`
}

// CollateralBlock is a pre-signed single-sender block submitted alongside a
// tx request. If no sender signs the real block, the finalizer posts this
// block under that block's reserved nonce instead, which consumes the nonce
// and makes the withheld block unpostable. If the real block is signed by
// some senders but not this one, the fee loop posts this block under a
// freshly reserved nonce and the real block is posted as well.
type CollateralBlock struct {
	SenderPubkey *uint256.Int `json:"sender_pubkey"`
	Tx           Tx           `json:"tx"`
	Signature    []byte       `json:"signature"`
	FeeTransfer  FeeTransfer  `json:"fee_transfer"`
}

// FeeTransfer identifies a single fee payment to validate against the Store
// Vault sender proof set.
type FeeTransfer struct {
	SenderProofSetHash  common.Hash `json:"sender_proof_set_hash"`
	TransferIndex       uint32      `json:"transfer_index"`
	TransferMerkleProof [][]byte    `json:"transfer_merkle_proof"`
}

// TxRequest is a single sender's submission for one block cycle.
type TxRequest struct {
	RequestID uuid.UUID    `json:"request_id"`
	Pubkey    *uint256.Int `json:"pubkey"`
	AccountID uint64       `json:"account_id"`
	Tx        Tx           `json:"tx"`
	FeeProof  *FeeProof    `json:"fee_proof,omitempty"`
}

// DefaultTxRequest returns the padding entry used to fill a proposal memo up
// to NumSendersInBlock: dummy pubkey, account id 1, zeroed tx.
func DefaultTxRequest() TxRequest {
	return TxRequest{Pubkey: new(uint256.Int).Set(DummyPubkey), AccountID: 1}
}

// QueuedRequest is a TxRequest as it sits in the per-domain intake queue,
// stamped with arrival order so batches can be formed FIFO within a cycle.
type QueuedRequest struct {
	TxRequest
	QueuedAt time.Time `json:"queued_at"`
}

// BlockProposal is what one sender receives back from QueryProposal: their
// position in the tree and the sibling hashes needed to prove it.
type BlockProposal struct {
	TxTreeRoot    common.Hash    `json:"tx_tree_root"`
	TxIndex       uint32         `json:"tx_index"`
	TxMerkleProof []common.Hash  `json:"tx_merkle_proof"`
	Pubkeys       []*uint256.Int `json:"pubkeys"`
	PubkeysHash   common.Hash    `json:"pubkeys_hash"`
}

// ProposalMemo is the batch the builder forms each proposing cycle: the
// sorted, padded sender set, the tx tree built over it, and one
// BlockProposal per original (non-padding) request.
type ProposalMemo struct {
	BlockID          uuid.UUID                   `json:"block_id"`
	BlockType        BlockType                   `json:"block_type"`
	TxTreeRoot       common.Hash                 `json:"tx_tree_root"`
	Expiry           time.Time                   `json:"expiry"`
	Pubkeys          []*uint256.Int              `json:"pubkeys"`
	PubkeyHash       common.Hash                 `json:"pubkey_hash"`
	TxRequests       []TxRequest                 `json:"tx_requests"`
	Proposals        map[uuid.UUID]BlockProposal `json:"proposals"`
	Nonce            uint64                      `json:"nonce"`
	BlockSignPayload []byte                      `json:"block_sign_payload"`
	IsCollateral     bool                        `json:"is_collateral"`
	CreatedAt        time.Time                   `json:"created_at"`
}

// GetProposal looks up the caller's proposal by request id.
func (m *ProposalMemo) GetProposal(requestID uuid.UUID) (BlockProposal, bool) {
	p, ok := m.Proposals[requestID]
	return p, ok
}

// SignatureEntry is one sender's BLS signature over a memo's
// block_sign_payload, as collected by the signature collector.
type SignatureEntry struct {
	RequestID uuid.UUID    `json:"request_id"`
	Pubkey    *uint256.Int `json:"pubkey"`
	Signature []byte       `json:"signature"`
}

// AccountIDPacked is the packed account-id representation required for
// non-registration blocks posted to the rollup contract.
type AccountIDPacked []byte

// BlockPostTask is a fully-signed (or collateral-fallback) block ready to be
// submitted to the rollup contract, sitting on one of the two priority
// queues until a posting consumer dequeues it.
type BlockPostTask struct {
	BlockID         uuid.UUID       `json:"block_id"`
	BlockType       BlockType       `json:"block_type"`
	TxTreeRoot      common.Hash     `json:"tx_tree_root"`
	Pubkeys         []*uint256.Int  `json:"pubkeys"`
	PubkeyHash      common.Hash     `json:"pubkey_hash"`
	AccountIDPacked AccountIDPacked `json:"account_id_packed,omitempty"`
	AggregatedSig   []byte          `json:"aggregated_signature"`
	SenderFlags     uint32          `json:"sender_flags"`
	Nonce           uint64          `json:"nonce"`
	IsRegistration  bool            `json:"is_registration"`
	IsCollateral    bool            `json:"is_collateral"`
	IsEmpty         bool            `json:"is_empty"`
	Attempts        int             `json:"attempts"`
	EnqueuedAt      time.Time       `json:"enqueued_at"`
}
