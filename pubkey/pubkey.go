// Package pubkey implements the strict-descending sort and dummy-padding
// rule that turns a batch of tx requests into the fixed 32-slot sender set
// of a proposal memo, grounded on
// original_source/block-builder/src/app/types.rs (ProposalMemo::from_tx_requests).
package pubkey

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/InternetMaximalism/intmax2/types"
)

// SortDescending returns a new slice of tx requests ordered strictly
// descending by pubkey, matching the rollup contract's expected sender
// ordering.
func SortDescending(reqs []types.TxRequest) []types.TxRequest {
	sorted := make([]types.TxRequest, len(reqs))
	copy(sorted, reqs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Pubkey.Cmp(sorted[j].Pubkey) > 0
	})
	return sorted
}

// PadToBlockSize resizes a sorted request slice up to
// types.NumSendersInBlock, filling new slots with types.DefaultTxRequest.
// It never truncates: a caller violating the block-size invariant is a bug
// upstream, not something this function silently papers over.
func PadToBlockSize(sorted []types.TxRequest) []types.TxRequest {
	if len(sorted) > types.NumSendersInBlock {
		panic("pubkey: request count exceeds block size")
	}
	padded := make([]types.TxRequest, types.NumSendersInBlock)
	copy(padded, sorted)
	for i := len(sorted); i < types.NumSendersInBlock; i++ {
		padded[i] = types.DefaultTxRequest()
	}
	return padded
}

// Hash computes the pubkey_hash committed to by a proposal memo: the
// Keccak256 digest of the pubkeys in their final (sorted, padded) order,
// each encoded as a 32-byte big-endian word.
func Hash(pubkeys []*uint256.Int) common.Hash {
	buf := make([]byte, 0, len(pubkeys)*32)
	for _, pk := range pubkeys {
		word := pk.Bytes32()
		buf = append(buf, word[:]...)
	}
	return crypto.Keccak256Hash(buf)
}
