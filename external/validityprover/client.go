// Package validityprover is the HTTP client for the Validity Prover, used
// during intake to confirm a sender's pubkey is registered (and to resolve
// its account id for non-registration blocks), grounded on
// original_source/block-builder/src/app/block_post.rs (account id / eliminated
// pubkey resolution calls) and the VALIDITY_PROVER_BASE_URL client described
// in original_source/block-builder/src/lib.rs.
package validityprover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/holiman/uint256"

	"github.com/InternetMaximalism/intmax2/errkind"
)

// Client talks to a single Validity Prover instance over JSON/HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a client against baseURL with a bounded request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

// AccountInfo is what the validity prover knows about a pubkey: whether it
// is registered on-chain and, if so, its account id.
type AccountInfo struct {
	IsRegistered bool   `json:"is_registered"`
	AccountID    uint64 `json:"account_id"`
}

// GetAccountInfo resolves registration status and account id for a pubkey.
func (c *Client) GetAccountInfo(ctx context.Context, pubkey *uint256.Int) (*AccountInfo, error) {
	body, err := json.Marshal(map[string]string{"pubkey": pubkey.Hex()})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/account-info", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errkind.NewTransient("validityprover.GetAccountInfo", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, errkind.NewTransient("validityprover.GetAccountInfo", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, errkind.NewValidation("validityprover.GetAccountInfo", fmt.Errorf("status %d", resp.StatusCode))
	}
	var info AccountInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, errkind.NewTransient("validityprover.GetAccountInfo", err)
	}
	return &info, nil
}

// AccountInfo is the flattened form of GetAccountInfo the intake engine
// consumes.
func (c *Client) AccountInfo(ctx context.Context, pk *uint256.Int) (bool, uint64, error) {
	info, err := c.GetAccountInfo(ctx, pk)
	if err != nil {
		return false, 0, err
	}
	return info.IsRegistered, info.AccountID, nil
}

// NextDepositIndex returns the index the next L1 deposit will take, i.e. the
// total number of deposits observed so far.
func (c *Client) NextDepositIndex(ctx context.Context) (uint64, error) {
	return c.getUint(ctx, "/next-deposit-index", "next_deposit_index")
}

// LatestIncludedDepositIndex returns the highest deposit index already
// included in an L2 block, or ok=false if no deposit has been included yet.
// The deposit watcher compares this against NextDepositIndex to decide
// whether an empty block is needed to sweep pending deposits in.
func (c *Client) LatestIncludedDepositIndex(ctx context.Context) (uint64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/latest-included-deposit-index", nil)
	if err != nil {
		return 0, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, false, errkind.NewTransient("validityprover.LatestIncludedDepositIndex", err)
	}
	defer resp.Body.Close()
	var out struct {
		LatestIncludedDepositIndex *uint64 `json:"latest_included_deposit_index"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, false, errkind.NewTransient("validityprover.LatestIncludedDepositIndex", err)
	}
	if out.LatestIncludedDepositIndex == nil {
		return 0, false, nil
	}
	return *out.LatestIncludedDepositIndex, true, nil
}

func (c *Client) getUint(ctx context.Context, path, field string) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errkind.NewTransient("validityprover"+path, err)
	}
	defer resp.Body.Close()
	var out map[string]uint64
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, errkind.NewTransient("validityprover"+path, err)
	}
	return out[field], nil
}
