// Command blockbuilder runs the INTMAX2 block builder coordinator: HTTP
// intake, per-domain batching loops, the signature finalizer, the posting
// consumers, and the optional deposit watcher and fee-collection loops, all
// sharing state through Redis so multiple instances can run side by side.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/InternetMaximalism/intmax2/api"
	"github.com/InternetMaximalism/intmax2/config"
	"github.com/InternetMaximalism/intmax2/deadletter"
	"github.com/InternetMaximalism/intmax2/external/rollup"
	"github.com/InternetMaximalism/intmax2/external/storevault"
	"github.com/InternetMaximalism/intmax2/external/validityprover"
	"github.com/InternetMaximalism/intmax2/fee"
	"github.com/InternetMaximalism/intmax2/identity"
	"github.com/InternetMaximalism/intmax2/intake"
	"github.com/InternetMaximalism/intmax2/kv"
	"github.com/InternetMaximalism/intmax2/lock"
	"github.com/InternetMaximalism/intmax2/nonce"
	"github.com/InternetMaximalism/intmax2/observability/logging"
	"github.com/InternetMaximalism/intmax2/scheduler"
	"github.com/InternetMaximalism/intmax2/signature"
	"github.com/InternetMaximalism/intmax2/types"
)

const version = "0.1.0"

// restartWaitInterval is how long a background loop sleeps after an error
// before resuming.
const restartWaitInterval = 10 * time.Second

// nonceSyncInterval paces the periodic chain reconciliation.
const nonceSyncInterval = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var logger *slog.Logger
	if cfg.LogFile != "" {
		rotated := logging.NewRotatingFile(cfg.LogFile, 100, 5, 28, true)
		defer rotated.Close()
		logger = logging.SetupWithWriter("block-builder", cfg.ClusterID, io.MultiWriter(os.Stdout, rotated))
	} else {
		logger = logging.Setup("block-builder", cfg.ClusterID)
	}

	ident, err := identity.New(cfg.BlockBuilderPrivKey)
	if err != nil {
		return err
	}
	logger = logger.With("block_builder_id", ident.BuilderID)
	logger.Info("starting block builder",
		"version", version, "address", ident.Address, "url", cfg.BlockBuilderURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := kv.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	store = store.WithPrefix(cfg.ClusterID)
	locks := lock.New(store, ident.BuilderID)

	contract, err := rollup.Dial(ctx, cfg.L2RPCURL, cfg.RollupContractAddress, ident.Key, cfg.EthAllowanceForBlock)
	if err != nil {
		return err
	}

	nonces := map[types.BlockType]*nonce.Manager{
		types.Registration:    nonce.New(store, contract, types.Registration),
		types.NonRegistration: nonce.New(store, contract, types.NonRegistration),
	}

	var prover *validityprover.Client
	if cfg.ValidityProverBaseURL != "" {
		prover = validityprover.New(cfg.ValidityProverBaseURL, cfg.TxTimeout)
	} else {
		return errors.New("VALIDITY_PROVER_BASE_URL is required")
	}

	var vault *storevault.Client
	if cfg.StoreVaultBaseURL != "" {
		vault = storevault.New(cfg.StoreVaultBaseURL, cfg.TxTimeout)
	}
	if cfg.UseFee() && vault == nil {
		return errors.New("fees are configured but STORE_VAULT_SERVER_BASE_URL is not set")
	}

	var feeValidator *fee.Validator
	if vault != nil {
		feeValidator = fee.NewValidator(vault, cfg)
	}

	dead, err := deadletter.Open("data/dead_letter")
	if err != nil {
		return err
	}
	defer dead.Close()

	engine := intake.New(store, locks, nonces, prover, feeValidator, ident.Address,
		cfg.AcceptingTxInterval, cfg.MaxQueue, logger)
	collector := signature.NewCollector(store, logger)
	finalizer := signature.NewFinalizer(store, locks, nonces,
		cfg.ProposingBlockInterval, cfg.UseFee(), cfg.UseCollateral(), logger)

	var feeFinalizer scheduler.FeeFinalizer
	if cfg.UseFee() {
		feeFinalizer = vault
	}
	sched := scheduler.New(store, locks, nonces, contract, prover, feeFinalizer, dead,
		cfg.NonceWaitingTime, cfg.DepositCheckInterval, logger)

	feeInfo := fee.BuildInfo(version, ident.Address, cfg)
	server := api.NewServer(engine, collector, feeInfo, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Handler(),
	}

	var wg sync.WaitGroup
	spawn := func(name string, fn func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("background loop panicked", "loop", name, "panic", r)
				}
			}()
			fn(ctx)
		}()
	}

	spawn("proposal-registration", func(ctx context.Context) {
		engine.Run(ctx, types.Registration, cfg.AcceptingTxInterval, restartWaitInterval)
	})
	spawn("proposal-non-registration", func(ctx context.Context) {
		engine.Run(ctx, types.NonRegistration, cfg.AcceptingTxInterval, restartWaitInterval)
	})
	spawn("finalizer", func(ctx context.Context) {
		finalizer.Run(ctx, cfg.ProposingBlockInterval, restartWaitInterval)
	})
	spawn("post-high", func(ctx context.Context) {
		sched.RunHighPriority(ctx, restartWaitInterval)
	})
	spawn("post-low", func(ctx context.Context) {
		sched.RunLowPriority(ctx, restartWaitInterval)
	})
	spawn("deposit-watcher", func(ctx context.Context) {
		sched.RunDepositWatcher(ctx, restartWaitInterval)
	})
	spawn("nonce-sync", func(ctx context.Context) {
		runNonceSync(ctx, locks, nonces, logger)
	})
	if cfg.UseFee() {
		feeCollector := fee.NewCollector(store, locks, vault, reserverView(nonces), logger)
		spawn("fee-collection", func(ctx context.Context) {
			feeCollector.Run(ctx, cfg.ProposingBlockInterval, restartWaitInterval)
		})
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("http server listening", "port", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		wg.Wait()
		return err
	}
	wg.Wait()
	logger.Info("block builder stopped")
	return nil
}

// runNonceSync periodically reconciles both nonce domains with the chain,
// serialized across instances by the nonce_sync lock.
func runNonceSync(ctx context.Context, locks *lock.Manager, nonces map[types.BlockType]*nonce.Manager, logger *slog.Logger) {
	ticker := time.NewTicker(nonceSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := locks.WithLock(ctx, types.NonceSyncLock, types.LockTTL, func(ctx context.Context) error {
			for _, mgr := range nonces {
				if err := mgr.SyncWithChain(ctx); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, lock.ErrNotAcquired) {
			logger.Error("nonce sync", "error", err)
		}
	}
}

func reserverView(nonces map[types.BlockType]*nonce.Manager) map[types.BlockType]fee.NonceReserver {
	view := make(map[types.BlockType]fee.NonceReserver, len(nonces))
	for bt, mgr := range nonces {
		view[bt] = mgr
	}
	return view
}
