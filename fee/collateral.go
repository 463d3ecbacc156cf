package fee

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/InternetMaximalism/intmax2/merkle"
	"github.com/InternetMaximalism/intmax2/pubkey"
	"github.com/InternetMaximalism/intmax2/types"
)

// BuildCollateralTask expands a pre-signed collateral mini-block into a full
// posting task: a one-sender block with the remaining 31 slots padded, the
// sender's pre-signed BLS signature standing in for the aggregate. The
// caller picks the nonce — the finalizer reuses the withheld memo's nonce so
// posting the collateral permanently precludes the intended block, while the
// fee loop reserves a fresh one.
func BuildCollateralTask(cb *types.CollateralBlock, bt types.BlockType, nonce uint64) *types.BlockPostTask {
	reqs := []types.TxRequest{{
		RequestID: uuid.New(),
		Pubkey:    cb.SenderPubkey,
		Tx:        cb.Tx,
	}}
	padded := pubkey.PadToBlockSize(pubkey.SortDescending(reqs))

	pubkeys := make([]*uint256.Int, types.NumSendersInBlock)
	leaves := make([]common.Hash, types.NumSendersInBlock)
	for i, r := range padded {
		pubkeys[i] = r.Pubkey
		leaves[i] = types.TxLeafHash(r)
	}
	tree := merkle.NewTxTree(types.TxTreeHeight, leaves)

	return &types.BlockPostTask{
		BlockID:        uuid.New(),
		BlockType:      bt,
		TxTreeRoot:     tree.Root(),
		Pubkeys:        pubkeys,
		PubkeyHash:     pubkey.Hash(pubkeys),
		AggregatedSig:  cb.Signature,
		SenderFlags:    1 << 31,
		Nonce:          nonce,
		IsRegistration: bt == types.Registration,
		IsCollateral:   true,
		EnqueuedAt:     time.Now().UTC(),
	}
}
