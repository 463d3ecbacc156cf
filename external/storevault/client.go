// Package storevault is the HTTP client for the Store Vault: the service
// that holds sender proof sets and records collected fees, grounded on
// original_source/block-builder/src/app/fee.rs (validate_fee_proof /
// validate_fee_single against the StoreVaultServerClient) and the
// STORE_VAULT_SERVER_BASE_URL client from original_source/block-builder/src/lib.rs.
package storevault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/InternetMaximalism/intmax2/errkind"
	"github.com/InternetMaximalism/intmax2/types"
)

// Client talks to a single Store Vault instance over JSON/HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a client against baseURL with a bounded request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

// FeeEntry is one collected fee, recorded against the block that earned it.
type FeeEntry struct {
	BlockID      uuid.UUID   `json:"block_id"`
	SenderProof  common.Hash `json:"sender_proof_set_hash"`
	TokenIndex   uint32      `json:"token_index"`
	IsCollateral bool        `json:"is_collateral"`
}

// RecordFees stores collected fee entries as pending. Entries stay pending
// until FinalizeFees confirms the block they belong to landed on-chain.
func (c *Client) RecordFees(ctx context.Context, entries []FeeEntry) error {
	body, err := json.Marshal(map[string]any{"entries": entries})
	if err != nil {
		return err
	}
	return c.post(ctx, "/record-fees", body, nil)
}

// FinalizeFees marks a block's pending fee entries as settled, called by the
// posting scheduler once the contract accepts the block.
func (c *Client) FinalizeFees(ctx context.Context, blockID uuid.UUID) error {
	body, err := json.Marshal(map[string]string{"block_id": blockID.String()})
	if err != nil {
		return err
	}
	return c.post(ctx, "/finalize-fees", body, nil)
}

// ValidateFeeTransfer checks a single fee transfer's Merkle proof against
// the referenced sender proof set on the vault side, returning a Validation
// error when the proof does not check out.
func (c *Client) ValidateFeeTransfer(ctx context.Context, transfer *types.FeeTransfer) error {
	body, err := json.Marshal(transfer)
	if err != nil {
		return err
	}
	var out struct {
		Valid  bool   `json:"valid"`
		Reason string `json:"reason"`
	}
	if err := c.post(ctx, "/validate-fee-transfer", body, &out); err != nil {
		return err
	}
	if !out.Valid {
		return errkind.NewValidation("storevault.ValidateFeeTransfer", fmt.Errorf("rejected: %s", out.Reason))
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return errkind.NewTransient("storevault"+path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return errkind.NewTransient("storevault"+path, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return errkind.NewValidation("storevault"+path, fmt.Errorf("status %d", resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errkind.NewTransient("storevault"+path, err)
	}
	return nil
}
