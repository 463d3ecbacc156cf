// Package merkle implements the fixed-height, index-keyed Merkle tree used
// for the per-block transaction tree. Leaves are keyed by sorted sender
// position, not submission order, and duplicate dummy leaves are legal —
// properties github.com/wealdtech/go-merkletree does not support (it hashes
// and indexes by leaf *value*, which collapses duplicate dummy leaves into
// one proof target). This package is the justified stdlib-adjacent
// exception recorded in DESIGN.md; hashing itself still goes through
// go-ethereum's Keccak256 rather than a hand-rolled digest.
package merkle

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ZeroHash is the leaf value used for the (never reached, height is always
// exactly TxTreeHeight) implicit padding above NumSendersInBlock leaves.
var ZeroHash common.Hash

// TxTree is a complete binary Merkle tree with exactly 1<<height leaves,
// addressable by index.
type TxTree struct {
	height int
	leaves []common.Hash
	layers [][]common.Hash
}

// NewTxTree builds the tree bottom-up from leaves, which must number exactly
// 1<<height. The caller (package intake) is responsible for having already
// sorted and padded the sender set before hashing each entry into a leaf.
func NewTxTree(height int, leaves []common.Hash) *TxTree {
	want := 1 << uint(height)
	if len(leaves) != want {
		panic("merkle: leaf count does not match tree height")
	}
	t := &TxTree{height: height, leaves: leaves}
	t.layers = make([][]common.Hash, height+1)
	t.layers[0] = leaves
	for level := 0; level < height; level++ {
		cur := t.layers[level]
		next := make([]common.Hash, len(cur)/2)
		for i := range next {
			next[i] = hashPair(cur[2*i], cur[2*i+1])
		}
		t.layers[level+1] = next
	}
	return t
}

func hashPair(left, right common.Hash) common.Hash {
	buf := make([]byte, 0, 64)
	buf = append(buf, left.Bytes()...)
	buf = append(buf, right.Bytes()...)
	return crypto.Keccak256Hash(buf)
}

// Root returns the tree's root hash.
func (t *TxTree) Root() common.Hash {
	return t.layers[t.height][0]
}

// Prove returns the sibling hashes on the path from leaf index to the root,
// ordered bottom-up, the format the on-chain verifier and QueryProposal
// response both expect.
func (t *TxTree) Prove(index uint32) []common.Hash {
	if int(index) >= len(t.leaves) {
		panic("merkle: index out of range")
	}
	proof := make([]common.Hash, t.height)
	idx := int(index)
	for level := 0; level < t.height; level++ {
		siblingIdx := idx ^ 1
		proof[level] = t.layers[level][siblingIdx]
		idx /= 2
	}
	return proof
}

// VerifyProof recomputes the root from a leaf, its index, and a proof, and
// reports whether it matches the expected root. Used by tests; the builder
// itself only ever needs Prove.
func VerifyProof(leaf common.Hash, index uint32, proof []common.Hash, root common.Hash) bool {
	cur := leaf
	idx := index
	for _, sibling := range proof {
		if idx&1 == 0 {
			cur = hashPair(cur, sibling)
		} else {
			cur = hashPair(sibling, cur)
		}
		idx /= 2
	}
	return cur == root
}
