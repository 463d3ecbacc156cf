// Package config loads the block builder's configuration from the
// environment. Every knob the coordinator exposes is an environment
// variable; Load applies defaults, parses durations and fees, and rejects
// misconfiguration before any component starts.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/InternetMaximalism/intmax2/errkind"
)

// Fee maps a token index to the required fee amount in that token.
type Fee map[uint32]*big.Int

// Config is the fully-parsed process configuration.
type Config struct {
	Port            int
	BlockBuilderURL string
	ClusterID       string

	L2RPCURL              string
	RollupContractAddress common.Address
	BlockBuilderPrivKey   string
	EthAllowanceForBlock  *big.Int

	StoreVaultBaseURL     string
	ValidityProverBaseURL string
	RedisURL              string

	TxTimeout              time.Duration
	AcceptingTxInterval    time.Duration
	ProposingBlockInterval time.Duration
	DepositCheckInterval   time.Duration
	NonceWaitingTime       time.Duration

	RegistrationFee              Fee
	NonRegistrationFee           Fee
	RegistrationCollateralFee    Fee
	NonRegistrationCollateralFee Fee

	// MaxQueue bounds the intake queue at MaxQueue * NumSendersInBlock
	// entries per domain before Backpressure is returned.
	MaxQueue int

	// LogFile, when set, mirrors structured logs into a size-rotated file
	// alongside stdout.
	LogFile string
}

// UseFee reports whether fee validation and collection are active at all.
func (c *Config) UseFee() bool {
	return len(c.RegistrationFee) > 0 || len(c.NonRegistrationFee) > 0
}

// UseCollateral reports whether collateral blocks are required alongside
// fee proofs.
func (c *Config) UseCollateral() bool {
	return len(c.RegistrationCollateralFee) > 0 || len(c.NonRegistrationCollateralFee) > 0
}

// RequiredFee returns the fee table for a domain, nil when fees are off.
func (c *Config) RequiredFee(isRegistration bool) Fee {
	if isRegistration {
		return c.RegistrationFee
	}
	return c.NonRegistrationFee
}

// RequiredCollateralFee returns the collateral fee table for a domain.
func (c *Config) RequiredCollateralFee(isRegistration bool) Fee {
	if isRegistration {
		return c.RegistrationCollateralFee
	}
	return c.NonRegistrationCollateralFee
}

// Load reads and validates the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	if cfg.Port, err = intEnv("PORT", 9004); err != nil {
		return nil, err
	}
	cfg.BlockBuilderURL = os.Getenv("BLOCK_BUILDER_URL")
	cfg.ClusterID = strings.TrimSpace(os.Getenv("CLUSTER_ID"))
	if cfg.ClusterID == "" {
		cfg.ClusterID = "default"
	}

	cfg.L2RPCURL = os.Getenv("L2_RPC_URL")
	if cfg.L2RPCURL == "" {
		return nil, errkind.NewFatal("config.Load", fmt.Errorf("L2_RPC_URL is required"))
	}
	addr := os.Getenv("ROLLUP_CONTRACT_ADDRESS")
	if !common.IsHexAddress(addr) {
		return nil, errkind.NewFatal("config.Load", fmt.Errorf("ROLLUP_CONTRACT_ADDRESS %q is not a hex address", addr))
	}
	cfg.RollupContractAddress = common.HexToAddress(addr)
	cfg.BlockBuilderPrivKey = os.Getenv("BLOCK_BUILDER_PRIVATE_KEY")
	if cfg.BlockBuilderPrivKey == "" {
		return nil, errkind.NewFatal("config.Load", fmt.Errorf("BLOCK_BUILDER_PRIVATE_KEY is required"))
	}

	allowance := os.Getenv("ETH_ALLOWANCE_FOR_BLOCK")
	if allowance == "" {
		allowance = "0"
	}
	wei, ok := new(big.Int).SetString(allowance, 10)
	if !ok {
		return nil, errkind.NewFatal("config.Load", fmt.Errorf("ETH_ALLOWANCE_FOR_BLOCK %q is not an integer wei amount", allowance))
	}
	cfg.EthAllowanceForBlock = wei

	cfg.StoreVaultBaseURL = os.Getenv("STORE_VAULT_SERVER_BASE_URL")
	cfg.ValidityProverBaseURL = os.Getenv("VALIDITY_PROVER_BASE_URL")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, errkind.NewFatal("config.Load", fmt.Errorf("REDIS_URL is required"))
	}

	if cfg.TxTimeout, err = durationEnv("TX_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.AcceptingTxInterval, err = durationEnv("ACCEPTING_TX_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ProposingBlockInterval, err = durationEnv("PROPOSING_BLOCK_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.DepositCheckInterval, err = durationEnv("DEPOSIT_CHECK_INTERVAL", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.NonceWaitingTime, err = durationEnv("NONCE_WAITING_TIME", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxQueue, err = intEnv("MAX_QUEUE", 10); err != nil {
		return nil, err
	}
	cfg.LogFile = os.Getenv("LOG_FILE")

	if cfg.RegistrationFee, err = feeEnv("REGISTRATION_FEE"); err != nil {
		return nil, err
	}
	if cfg.NonRegistrationFee, err = feeEnv("NON_REGISTRATION_FEE"); err != nil {
		return nil, err
	}
	if cfg.RegistrationCollateralFee, err = feeEnv("REGISTRATION_COLLATERAL_FEE"); err != nil {
		return nil, err
	}
	if cfg.NonRegistrationCollateralFee, err = feeEnv("NON_REGISTRATION_COLLATERAL_FEE"); err != nil {
		return nil, err
	}
	if cfg.UseCollateral() && !cfg.UseFee() {
		return nil, errkind.NewFatal("config.Load", fmt.Errorf("collateral fees require base fees to be configured"))
	}

	return cfg, nil
}

func intEnv(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errkind.NewFatal("config.Load", fmt.Errorf("%s %q is not an integer", name, raw))
	}
	return v, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	// Bare numbers are seconds, matching the operational convention of the
	// deployment manifests; anything else must be a Go duration string.
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errkind.NewFatal("config.Load", fmt.Errorf("%s %q is not a duration", name, raw))
	}
	return d, nil
}

// feeEnv parses "tokenIndex:amount" pairs separated by commas, e.g.
// "0:2500000000" or "0:100,1:2000".
func feeEnv(name string) (Fee, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	fee := make(Fee)
	for _, pair := range strings.Split(raw, ",") {
		idx, amount, found := strings.Cut(strings.TrimSpace(pair), ":")
		if !found {
			return nil, errkind.NewFatal("config.Load", fmt.Errorf("%s entry %q is not tokenIndex:amount", name, pair))
		}
		token, err := strconv.ParseUint(idx, 10, 32)
		if err != nil {
			return nil, errkind.NewFatal("config.Load", fmt.Errorf("%s token index %q is not a uint32", name, idx))
		}
		v, ok := new(big.Int).SetString(amount, 10)
		if !ok || v.Sign() < 0 {
			return nil, errkind.NewFatal("config.Load", fmt.Errorf("%s amount %q is not a non-negative integer", name, amount))
		}
		fee[uint32(token)] = v
	}
	return fee, nil
}
