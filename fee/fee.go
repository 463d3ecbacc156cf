// Package fee implements fee-proof validation at intake time and the
// fee-collection background loop that records earned fees once blocks are
// finalized. Grounded on original_source/block-builder/src/app/fee.rs
// (validate_fee_proof / validate_fee_single / FeeCollection) and
// redis_storage.rs (process_fee_collection_inner).
package fee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/InternetMaximalism/intmax2/config"
	"github.com/InternetMaximalism/intmax2/errkind"
	"github.com/InternetMaximalism/intmax2/external/storevault"
	"github.com/InternetMaximalism/intmax2/kv"
	"github.com/InternetMaximalism/intmax2/lock"
	"github.com/InternetMaximalism/intmax2/types"
)

// Vault is the Store Vault surface the fee path depends on.
type Vault interface {
	ValidateFeeTransfer(ctx context.Context, transfer *types.FeeTransfer) error
	RecordFees(ctx context.Context, entries []storevault.FeeEntry) error
}

// Validator checks fee proofs during intake against the configured fee
// tables.
type Validator struct {
	vault Vault
	cfg   *config.Config
}

// NewValidator returns nil when no fee is configured, which switches fee
// validation off entirely.
func NewValidator(vault Vault, cfg *config.Config) *Validator {
	if !cfg.UseFee() {
		return nil
	}
	return &Validator{vault: vault, cfg: cfg}
}

// ValidateFeeProof enforces the domain's fee policy on one submission: the
// main fee transfer must be present and vault-valid, and when collateral is
// required the pre-signed collateral block and its fee must be present too.
func (v *Validator) ValidateFeeProof(ctx context.Context, isRegistration bool, proof *types.FeeProof) error {
	required := v.cfg.RequiredFee(isRegistration)
	if len(required) == 0 {
		return nil
	}
	if proof == nil || proof.MainFee == nil {
		return errors.New("fee proof required")
	}
	if err := v.vault.ValidateFeeTransfer(ctx, proof.MainFee); err != nil {
		return fmt.Errorf("main fee: %w", err)
	}

	collateral := v.cfg.RequiredCollateralFee(isRegistration)
	if len(collateral) == 0 {
		return nil
	}
	if proof.CollateralBlock == nil {
		return errors.New("collateral block is missing")
	}
	if proof.CollateralFee == nil {
		return errors.New("collateral fee is missing")
	}
	if err := v.vault.ValidateFeeTransfer(ctx, proof.CollateralFee); err != nil {
		return fmt.Errorf("collateral fee: %w", err)
	}
	return nil
}

// Collection is the finalizer's hand-off to the fee loop: the finished memo
// together with the set of signatures that arrived for it.
type Collection struct {
	UseCollateral bool                   `json:"use_collateral"`
	Memo          types.ProposalMemo     `json:"memo"`
	Signatures    []types.SignatureEntry `json:"signatures"`
}

// NonceReserver mints fresh nonces for collateral blocks enqueued by the
// fee loop.
type NonceReserver interface {
	Reserve(ctx context.Context) (uint64, error)
}

// Collector drains the fee-collection task queue.
type Collector struct {
	store  *kv.Store
	locks  *lock.Manager
	vault  Vault
	nonces map[types.BlockType]NonceReserver
	logger *slog.Logger
}

// NewCollector wires the fee-collection loop.
func NewCollector(store *kv.Store, locks *lock.Manager, vault Vault,
	nonces map[types.BlockType]NonceReserver, logger *slog.Logger) *Collector {
	return &Collector{store: store, locks: locks, vault: vault, nonces: nonces, logger: logger}
}

// ProcessFeeCollection is one tick of the fee loop: under its lock, pop one
// collection task and settle it. Signed senders have their main fee
// recorded; with collateral enabled, each non-signer's pre-signed collateral
// block is enqueued on the low-priority queue under a fresh nonce and its
// collateral fee recorded instead.
func (c *Collector) ProcessFeeCollection(ctx context.Context) error {
	err := c.locks.WithLock(ctx, types.ProcessFeeCollectionLock, types.LockTTL, func(ctx context.Context) error {
		return c.processLocked(ctx)
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil
	}
	return err
}

func (c *Collector) processLocked(ctx context.Context) error {
	raw, err := c.store.LPop(ctx, types.FeeCollectionTasksKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var collection Collection
	if err := json.Unmarshal([]byte(raw), &collection); err != nil {
		return errkind.NewInconsistent("fee.ProcessFeeCollection", err)
	}

	signed := make(map[[32]byte]bool, len(collection.Signatures))
	for _, sig := range collection.Signatures {
		signed[sig.Pubkey.Bytes32()] = true
	}

	var entries []storevault.FeeEntry
	var collateralTasks []types.BlockPostTask
	for _, req := range collection.Memo.TxRequests {
		if req.FeeProof == nil {
			continue
		}
		if signed[req.Pubkey.Bytes32()] {
			if req.FeeProof.MainFee != nil {
				entries = append(entries, storevault.FeeEntry{
					BlockID:     collection.Memo.BlockID,
					SenderProof: req.FeeProof.MainFee.SenderProofSetHash,
					TokenIndex:  req.FeeProof.MainFee.TransferIndex,
				})
			}
			continue
		}
		if !collection.UseCollateral || req.FeeProof.CollateralBlock == nil {
			continue
		}
		task, err := c.collateralTask(ctx, collection.Memo.BlockType, req.FeeProof.CollateralBlock)
		if err != nil {
			c.logger.Error("build collateral task", "error", err,
				"block_id", collection.Memo.BlockID, "request_id", req.RequestID)
			continue
		}
		collateralTasks = append(collateralTasks, *task)
		entries = append(entries, storevault.FeeEntry{
			BlockID:      collection.Memo.BlockID,
			SenderProof:  req.FeeProof.CollateralFee.SenderProofSetHash,
			TokenIndex:   req.FeeProof.CollateralFee.TransferIndex,
			IsCollateral: true,
		})
	}

	for _, task := range collateralTasks {
		serialized, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		if err := c.store.RPush(ctx, types.BlockPostTasksLoKey, string(serialized)); err != nil {
			return err
		}
	}
	if len(collateralTasks) > 0 {
		if err := c.store.Expire(ctx, types.BlockPostTasksLoKey, types.GeneralTTL); err != nil {
			return err
		}
	}

	if len(entries) > 0 {
		if err := c.vault.RecordFees(ctx, entries); err != nil {
			return err
		}
	}
	c.logger.Info("fee collection processed",
		"block_id", collection.Memo.BlockID, "fees", len(entries), "collateral_blocks", len(collateralTasks))
	return nil
}

// collateralTask turns one pre-signed collateral block into a postable
// single-sender task under a freshly reserved nonce in the memo's domain.
func (c *Collector) collateralTask(ctx context.Context, bt types.BlockType, cb *types.CollateralBlock) (*types.BlockPostTask, error) {
	n, err := c.nonces[bt].Reserve(ctx)
	if err != nil {
		return nil, err
	}
	return BuildCollateralTask(cb, bt, n), nil
}

// Info is the /fee-info response body.
type Info struct {
	Version                      string      `json:"version"`
	BlockBuilderAddress          string      `json:"block_builder_address"`
	Beneficiary                  string      `json:"beneficiary"`
	RegistrationFee              []InfoEntry `json:"registration_fee"`
	NonRegistrationFee           []InfoEntry `json:"non_registration_fee"`
	RegistrationCollateralFee    []InfoEntry `json:"registration_collateral_fee,omitempty"`
	NonRegistrationCollateralFee []InfoEntry `json:"non_registration_collateral_fee,omitempty"`
}

// InfoEntry advertises one acceptable fee denomination.
type InfoEntry struct {
	TokenIndex uint32 `json:"token_index"`
	Amount     string `json:"amount"`
}

// BuildInfo renders the advertised fee tables for the /fee-info endpoint.
func BuildInfo(version string, builder common.Address, cfg *config.Config) *Info {
	return &Info{
		Version:                      version,
		BlockBuilderAddress:          builder.Hex(),
		Beneficiary:                  builder.Hex(),
		RegistrationFee:              infoEntries(cfg.RegistrationFee),
		NonRegistrationFee:           infoEntries(cfg.NonRegistrationFee),
		RegistrationCollateralFee:    infoEntries(cfg.RegistrationCollateralFee),
		NonRegistrationCollateralFee: infoEntries(cfg.NonRegistrationCollateralFee),
	}
}

func infoEntries(fee config.Fee) []InfoEntry {
	if len(fee) == 0 {
		return nil
	}
	entries := make([]InfoEntry, 0, len(fee))
	for token, amount := range fee {
		entries = append(entries, InfoEntry{TokenIndex: token, Amount: new(big.Int).Set(amount).String()})
	}
	return entries
}

// Run drives the fee-collection loop until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, tick, restartWait time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.ProcessFeeCollection(ctx); err != nil {
			c.logger.Error("process fee collection", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartWait):
			}
		}
	}
}
