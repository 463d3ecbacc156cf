package types

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignPayload derives the canonical bytes every sender in a block signs:
// the Keccak256 digest over the tx tree root, the sender-set commitment,
// the block type tag, the reserved nonce, and the builder address. Changing
// any of these invalidates all previously collected signatures, which is
// exactly the property the three-phase protocol relies on.
func SignPayload(txTreeRoot, pubkeyHash common.Hash, isRegistration bool, nonce uint64, builder common.Address) []byte {
	buf := make([]byte, 0, 32+32+1+8+20)
	buf = append(buf, txTreeRoot.Bytes()...)
	buf = append(buf, pubkeyHash.Bytes()...)
	if isRegistration {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	buf = append(buf, nonceBytes[:]...)
	buf = append(buf, builder.Bytes()...)
	return crypto.Keccak256(buf)
}

// TxLeafHash is the canonical tx-tree leaf encoding: Keccak256 over the
// sender pubkey, the tx hash, and the tx nonce. Padding slots hash the
// dummy request, so every builder instance derives the identical tree.
func TxLeafHash(r TxRequest) common.Hash {
	word := r.Pubkey.Bytes32()
	buf := make([]byte, 0, 32+32+8)
	buf = append(buf, word[:]...)
	buf = append(buf, r.Tx.TxHash.Bytes()...)
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], r.Tx.Nonce)
	buf = append(buf, nb[:]...)
	return crypto.Keccak256Hash(buf)
}
