package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/graduator/config"
	"github.com/alejandrodnm/graduator/internal/adapters/notify"
	"github.com/alejandrodnm/graduator/internal/adapters/storage"
	"github.com/alejandrodnm/graduator/internal/adapters/sui"
	"github.com/alejandrodnm/graduator/internal/application/fees"
	"github.com/alejandrodnm/graduator/internal/application/graduation"
	"github.com/alejandrodnm/graduator/internal/application/retry"
	"github.com/alejandrodnm/graduator/internal/domain"
	"github.com/alejandrodnm/graduator/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func runDaemon(ctx context.Context, cfg *config.Config, store *storage.Store, once, resumeOnly bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()
	if cfg.Metrics.Addr != "" && !once && !resumeOnly {
		go func() {
			if err := observability.Serve(ctx, cfg.Metrics.Addr, observability.Handler(reg, health)); err != nil {
				slog.Error("metrics server failed", "err", err, "addr", cfg.Metrics.Addr)
			}
		}()
	}

	signer, err := sui.NewSigner(cfg.Signer.PrivateKey)
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}
	ledger, err := sui.Dial(ctx, ledgerConfig(cfg), signer)
	if err != nil {
		return err
	}
	defer ledger.Close()
	ledger.SetReservedSource(store.ReservedCoinIDs)
	slog.Info("custodial account", "address", ledger.Address())

	rc := retry.New(retry.Config{
		MaxRetries: cfg.Saga.MaxRetries,
		Base:       cfg.RetryBase(),
		MaxDelay:   cfg.RetryMaxDelay(),
	}).WithHook(func(op string, _ int, _ time.Duration, _ error) {
		metrics.Retry(op)
	})

	exec := graduation.NewExecutor(ledger, store, rc, graduation.ExecutorConfig{
		MinSafeReserve: cfg.Saga.MinSafeReserve,
		ReserveType:    cfg.Ledger.ReserveType,
		FeeTier:        cfg.AMM.FeeTier,
		TickSpacing:    cfg.AMM.TickSpacing,
		AssetOrder:     domain.AssetOrder(cfg.AMM.AssetOrder),
		StepRetries:    cfg.Saga.StepRetries,
		StepPause:      time.Second,
	}).WithMetrics(metrics)

	if cfg.Indexer.BaseURL != "" {
		exec.WithNotifier(notify.NewIndexer(cfg.Indexer.BaseURL, cfg.IndexerTimeout()))
	}
	if cfg.NATS.URL != "" {
		pub, err := notify.ConnectNATS(ctx, cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			// Lifecycle events are informational; the saga runs without them.
			slog.Warn("nats unavailable, task events will not be published", "err", err, "url", cfg.NATS.URL)
		} else {
			defer pub.Close()
			exec.WithPublisher(pub)
		}
	}

	poller := graduation.NewPoller(ledger, store, store, graduation.PollerConfig{
		Packages: cfg.Ledger.CurvePackages,
		PageSize: cfg.Poller.PageSize,
		MaxPages: cfg.Poller.MaxPages,
	})
	resumer := graduation.NewResumer(ledger, store, rc)
	orch := graduation.NewOrchestrator(poller, exec, resumer, store, store, graduation.Config{
		PollInterval:    cfg.PollInterval(),
		Retention:       cfg.Retention(),
		CleanupInterval: cfg.CleanupInterval(),
	}).WithMetrics(metrics).WithHealth(health)

	if cfg.Fees.Enabled && !once && !resumeOnly {
		collector, closeFn, err := feeCollector(ctx, cfg, store, ledger, rc)
		if err != nil {
			return err
		}
		defer closeFn()
		orch.WithLoop(collector.WithMetrics(metrics))
	}

	slog.Info("orchestrator run", "run", orch.RunID())
	switch {
	case resumeOnly:
		if err := orch.Start(ctx); err != nil {
			return err
		}
		orch.Drain(ctx)
		exec.Wait()
		return nil
	case once:
		if err := orch.Start(ctx); err != nil {
			return err
		}
		orch.Tick(ctx)
		exec.Wait()
		return nil
	default:
		return orch.Run(ctx)
	}
}

// feeCollector uses the lock account's key when it differs from the
// custodial one (custodian lock mode).
func feeCollector(ctx context.Context, cfg *config.Config, store *storage.Store, ledger *sui.Client, rc *retry.Controller) (*fees.Collector, func(), error) {
	fcfg := fees.Config{Interval: cfg.FeeInterval(), Treasury: cfg.Fees.Treasury}
	if cfg.Fees.PrivateKey == "" {
		return fees.NewCollector(ledger, rc, fcfg), func() {}, nil
	}

	signer, err := sui.NewSigner(cfg.Fees.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("fees signer: %w", err)
	}
	lockLedger, err := sui.Dial(ctx, ledgerConfig(cfg), signer)
	if err != nil {
		return nil, nil, err
	}
	lockLedger.SetReservedSource(store.ReservedCoinIDs)
	slog.Info("fee collector account", "address", lockLedger.Address())
	return fees.NewCollector(lockLedger, rc, fcfg), lockLedger.Close, nil
}

func ledgerConfig(cfg *config.Config) sui.Config {
	return sui.Config{
		RPCURL:      cfg.Ledger.RPCURL,
		RatePerSec:  cfg.Ledger.RatePerSec,
		Timeout:     cfg.LedgerTimeout(),
		CurveModule: cfg.Ledger.CurveModule,
		CurveStruct: cfg.Ledger.CurveStruct,
		EventStruct: cfg.Ledger.EventStruct,
		AdminCapID:  cfg.Ledger.AdminCapID,
		ReserveType: cfg.Ledger.ReserveType,
		GasBudget:   cfg.Ledger.GasBudget,
		GasObjectID: cfg.Ledger.GasObjectID,
		AMM: sui.AMMConfig{
			PackageID:      cfg.AMM.PackageID,
			GlobalConfigID: cfg.AMM.GlobalConfigID,
			PoolsID:        cfg.AMM.PoolsID,
			ClockID:        cfg.AMM.ClockID,
			BurnPackageID:  cfg.AMM.BurnPackageID,
			BurnManagerID:  cfg.AMM.BurnManagerID,
			LockMode:       cfg.AMM.LockMode,
			Custodian:      cfg.AMM.Custodian,
		},
	}
}
