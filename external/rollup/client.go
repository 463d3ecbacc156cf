// Package rollup is the L2 rollup contract client: the final sink of the
// block builder pipeline. It wraps go-ethereum's bound-contract machinery
// around the two posting entry points and the per-domain nonce read,
// grounded on original_source/block-builder/src/app/block_post.rs::post_block
// (RollupContract::post_registration_block / post_non_registration_block).
package rollup

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/InternetMaximalism/intmax2/errkind"
	"github.com/InternetMaximalism/intmax2/types"
)

// ErrNonceMismatch marks a contract rejection caused by submitting a block
// out of nonce order; the scheduler re-syncs and requeues on it.
var ErrNonceMismatch = errors.New("rollup: nonce mismatch")

const rollupABI = `[
	{"type":"function","name":"currentNonce","stateMutability":"view","inputs":[{"name":"builder","type":"address"},{"name":"isRegistration","type":"bool"}],"outputs":[{"name":"","type":"uint64"}]},
	{"type":"function","name":"postRegistrationBlock","stateMutability":"payable","inputs":[{"name":"txTreeRoot","type":"bytes32"},{"name":"senderCommitment","type":"bytes32"},{"name":"aggregatedSignature","type":"bytes"},{"name":"senderFlags","type":"uint32"},{"name":"nonce","type":"uint64"},{"name":"senderPublicKeys","type":"uint256[]"}],"outputs":[]},
	{"type":"function","name":"postNonRegistrationBlock","stateMutability":"payable","inputs":[{"name":"txTreeRoot","type":"bytes32"},{"name":"senderCommitment","type":"bytes32"},{"name":"aggregatedSignature","type":"bytes"},{"name":"senderFlags","type":"uint32"},{"name":"nonce","type":"uint64"},{"name":"senderAccountIds","type":"bytes"}],"outputs":[]}
]`

// Client posts blocks to (and reads nonces from) the rollup contract on
// behalf of one builder key.
type Client struct {
	contract  *bind.BoundContract
	eth       *ethclient.Client
	key       *ecdsa.PrivateKey
	builder   common.Address
	chainID   *big.Int
	allowance *big.Int
}

// Dial connects to the L2 RPC endpoint and binds the rollup contract.
// allowance is the ETH value attached to every posting transaction
// (ETH_ALLOWANCE_FOR_BLOCK), which the contract draws gas refunds from.
func Dial(ctx context.Context, rpcURL string, contractAddr common.Address, key *ecdsa.PrivateKey, allowance *big.Int) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errkind.NewFatal("rollup.Dial", err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, errkind.NewFatal("rollup.Dial: chain id", err)
	}
	parsed, err := abi.JSON(strings.NewReader(rollupABI))
	if err != nil {
		return nil, errkind.NewFatal("rollup.Dial: parse abi", err)
	}
	return &Client{
		contract:  bind.NewBoundContract(contractAddr, parsed, eth, eth, eth),
		eth:       eth,
		key:       key,
		builder:   crypto.PubkeyToAddress(key.PublicKey),
		chainID:   chainID,
		allowance: allowance,
	}, nil
}

// BuilderAddress returns the address the client signs postings with.
func (c *Client) BuilderAddress() common.Address {
	return c.builder
}

// NextNonce reads the contract's current nonce for this builder in the
// given domain: the nonce the next accepted block must carry.
func (c *Client) NextNonce(ctx context.Context, blockType types.BlockType) (uint64, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "currentNonce", c.builder, blockType == types.Registration)
	if err != nil {
		return 0, errkind.NewTransient("rollup.NextNonce", err)
	}
	nonce, ok := out[0].(uint64)
	if !ok {
		return 0, errkind.NewInconsistent("rollup.NextNonce", fmt.Errorf("unexpected return type %T", out[0]))
	}
	return nonce, nil
}

// PostBlock submits a finished block post task to the matching contract
// entry point, returning the L2 transaction hash once the transaction is
// mined and its receipt reports success.
func (c *Client) PostBlock(ctx context.Context, task *types.BlockPostTask) (common.Hash, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return common.Hash{}, errkind.NewFatal("rollup.PostBlock: transactor", err)
	}
	opts.Context = ctx
	opts.Value = c.allowance

	var root [32]byte
	copy(root[:], task.TxTreeRoot.Bytes())
	var commitment [32]byte
	copy(commitment[:], task.PubkeyHash.Bytes())

	var tx *ethtypes.Transaction
	if task.IsRegistration {
		pubkeys := make([]*big.Int, len(task.Pubkeys))
		for i, pk := range task.Pubkeys {
			pubkeys[i] = pk.ToBig()
		}
		t, err := c.contract.Transact(opts, "postRegistrationBlock",
			root, commitment, task.AggregatedSig, task.SenderFlags, task.Nonce, pubkeys)
		if err != nil {
			return common.Hash{}, classify("rollup.PostBlock", err)
		}
		tx = t
	} else {
		t, err := c.contract.Transact(opts, "postNonRegistrationBlock",
			root, commitment, task.AggregatedSig, task.SenderFlags, task.Nonce, []byte(task.AccountIDPacked))
		if err != nil {
			return common.Hash{}, classify("rollup.PostBlock", err)
		}
		tx = t
	}
	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return common.Hash{}, errkind.NewTransient("rollup.PostBlock: wait mined", err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return common.Hash{}, errkind.NewValidation("rollup.PostBlock", fmt.Errorf("%w: transaction %s reverted", ErrNonceMismatch, tx.Hash()))
	}
	return tx.Hash(), nil
}

// classify maps a contract/RPC error onto the builder's error taxonomy.
// Nonce rejections get their own sentinel so the scheduler can requeue
// instead of backing off.
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "nonce") {
		return errkind.NewValidation(op, fmt.Errorf("%w: %v", ErrNonceMismatch, err))
	}
	if strings.Contains(msg, "insufficient funds") || strings.Contains(msg, "gas") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") {
		return errkind.NewTransient(op, err)
	}
	return errkind.NewValidation(op, err)
}
