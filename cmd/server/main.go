package main

import (
	"context"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gohivebridge/EVMRPC"
	"gohivebridge/HIVERPC"
	"gohivebridge/config"
	"gohivebridge/dedup"
	"gohivebridge/events"
	"gohivebridge/fees"
	"gohivebridge/ledger"
	"gohivebridge/metrics"
	"gohivebridge/payout"
	"gohivebridge/postgres"
	"gohivebridge/reconciler"
	"gohivebridge/redis"
	"gohivebridge/refund"
	"gohivebridge/secrets"
	"gohivebridge/sequencer"
	"gohivebridge/submitter"
	"gohivebridge/types"
	"gohivebridge/workers"
	"gohivebridge/workers/handlers"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	zcfg := zap.NewProductionConfig()
	// readable date instead of an epoch time
	zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "log level %q", level)
	}
	zcfg.Level = lvl

	logger, err := zcfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "creating logger")
	}
	return logger.Sugar(), nil
}

func openStore(ctx context.Context, cfg *config.Configuration) (ledger.Store, error) {
	switch cfg.Server.Store {
	case "postgres":
		return postgres.Open(ctx, cfg.Server.PostgresDSN)
	}
	s := redis.New(redis.NewPool(cfg.Server.RedisHost, cfg.Server.RedisPort, cfg.Server.RedisPassword, cfg.Server.RedisDB))
	// without persistence do not continue
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "redis")
	}
	return s, nil
}

func newOracle(cfg *config.Configuration, evm *EVMRPC.Client) sequencer.Oracle {
	if cfg.Gas.Oracle == "gastracker" {
		return sequencer.NewGasTrackerOracle(cfg.Gas.TrackerURL, cfg.Gas.TrackerAPIKey, cfg.GasPremium())
	}
	return sequencer.NodeOracle{Node: evm}
}

func newPublishers(cfg *config.Configuration, m *metrics.BridgeMetrics, log *zap.SugaredLogger) ([]events.Publisher, error) {
	pubs := []events.Publisher{m}
	if len(cfg.Events.KafkaBrokers) == 0 {
		return append(pubs, events.NewLogPublisher(log)), nil
	}
	kp, err := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
	if err != nil {
		return nil, err
	}
	return append(pubs, kp), nil
}

// evmBalances reads the signer balances served on /balance/evm.
type evmBalances struct {
	*EVMRPC.Client
	contract common.Address
}

func (b evmBalances) TokenBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	return payout.TokenBalance(ctx, b.Client, b.contract, account)
}

// approveSpender lets spender move the relay's payout tokens. The approval is
// a transaction of the relay signer like any payout, the reconciler settles it.
func approveSpender(ctx context.Context, sub *submitter.Submitter, spender common.Address, log *zap.SugaredLogger) {
	res, err := sub.Approve(ctx, spender, math.MaxBig256)
	switch {
	case errors.Is(err, submitter.ErrPayoutExists):
		log.Infow("token approval already submitted", "spender", spender.Hex())
	case err != nil:
		log.Errorw("token approval not submitted", "spender", spender.Hex(), "error", err)
	default:
		log.Infow("token approval submitted", "spender", spender.Hex(), "txHash", res.Tx.DestinationTxHash, "outcome", res.Outcome)
	}
}

func run() error {
	config.Init()
	cfg := &config.Config

	log, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()
	log.Infow("starting Hive/EVM bridge",
		"account", cfg.Hive.Account,
		"denomination", cfg.Hive.Denomination,
		"chainId", cfg.EVM.ChainID,
		"function", cfg.EVM.ContractFunction,
		"store", cfg.Server.Store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var provider secrets.Provider
	if cfg.EVM.PrivateKey == "" {
		if provider, err = secrets.NewAWS(ctx, cfg.EVM.AWSRegion); err != nil {
			return err
		}
	}
	key, err := secrets.SigningKey(ctx, cfg.EVM.PrivateKey, cfg.EVM.PrivateKeySecret, provider)
	if err != nil {
		return errors.Wrap(err, "signing key")
	}
	signer := EVMRPC.NewLocalSigner(key)
	if !strings.EqualFold(signer.Address().Hex(), cfg.EVM.PublicAddress) {
		return errors.Errorf("signing key belongs to %s, not ETHEREUM_ADDRESS %s", signer.Address().Hex(), cfg.EVM.PublicAddress)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer store.Close()

	hive := HIVERPC.NewClient(cfg.Hive.RPCNodes, cfg.Hive.PollInterval, log.Named("hive"))
	wallet := HIVERPC.NewWallet(cfg.Hive.WalletURL, cfg.Hive.Account)
	evm := EVMRPC.NewClient(cfg.EVM.Endpoints, log.Named("evm"))
	defer evm.Close()

	chainID := big.NewInt(cfg.EVM.ChainID)
	if remote, err := evm.ChainID(ctx); err != nil {
		log.Warnw("could not read chain id", "error", err)
	} else if remote.Cmp(chainID) != 0 {
		return errors.Errorf("endpoint serves chain %s, configured %s", remote, chainID)
	}

	m := metrics.NewBridgeMetrics("bridge")
	pubs, err := newPublishers(cfg, m, log.Named("events"))
	if err != nil {
		return errors.Wrap(err, "event publishers")
	}
	bus := events.NewBus(log.Named("events"), pubs...)
	defer bus.Close()

	seq := sequencer.New(evm, store, newOracle(cfg, evm), signer.Address(), sequencer.Config{
		Fallback:      cfg.GasPriceFallback(),
		Ceiling:       cfg.GasPriceCeiling(),
		OracleTimeout: cfg.Gas.OracleTimeout,
	}, log.Named("sequencer"))

	contract := common.HexToAddress(cfg.EVM.ContractAddress)
	strategy, err := payout.New(cfg.EVM.ContractFunction, payout.Deps{
		Contract: contract,
		ChainID:  chainID,
		Caller:   evm,
		Signer:   signer,
		Nonces:   seq,
	}, cfg.Gas.StaleAfter)
	if err != nil {
		return err
	}

	issuer := refund.New(wallet, store, refund.Config{
		Denomination:       cfg.Hive.Denomination,
		Precision:          cfg.Hive.Precision,
		TokenSymbol:        cfg.EVM.TokenSymbol,
		DepositHashSenders: cfg.Bridge.DepositHashSenders,
		MaxAttempts:        cfg.Bridge.RefundMaxAttempts,
	}, log.Named("refund"))

	sub := submitter.New(evm, seq, store, strategy, signer, submitter.Config{
		ChainID:  chainID,
		GasLimit: cfg.EVM.GasLimit,
	}, log.Named("submitter"))

	if cfg.EVM.ApproveSpender != "" {
		approveSpender(ctx, sub, common.HexToAddress(cfg.EVM.ApproveSpender), log)
	}

	rec := reconciler.New(evm, store, seq, sub, issuer, bus, log.Named("reconciler")).WithObserver(m)

	gate := dedup.New(store, dedup.Rules{Min: cfg.Bridge.Min, Max: cfg.Bridge.Max},
		cfg.Bridge.DedupCacheSize, cfg.Bridge.DedupCacheTTL, log.Named("dedup"))

	pipeline := workers.NewPipeline(gate, sub, issuer, bus, workers.PipelineConfig{
		Fees: fees.Policy{
			PercentFee:           cfg.Bridge.FeePercent,
			FixedFee:             cfg.Bridge.Fixed,
			DestinationPrecision: cfg.EVM.Precision,
		},
		Workers: cfg.Bridge.Workers,
	}, log.Named("pipeline"))

	recovery := workers.NewRecovery(store, gate, pipeline, issuer, bus, cfg.Bridge.RecoveryAfter, log.Named("recovery"))

	watcher := workers.NewWatcher(hive, gate, store, workers.WatcherConfig{
		Account:          cfg.Hive.Account,
		Denomination:     cfg.Hive.Denomination,
		SafetyWindow:     cfg.Hive.SafetyWindow,
		ResubscribeDelay: cfg.Hive.ResubscribeDelay,
	}, log.Named("watcher")).WithObserver(m)
	if cfg.Hive.VerifySecondaryNode {
		watcher.WithVerifier(HIVERPC.NewVerifier(cfg.Hive.SecondaryEndpoint))
	}

	converter := workers.NewConverter(evm, issuer, store, bus, workers.ConversionConfig{
		Contract:       contract,
		Confirmations:  cfg.EVM.Confirmations,
		BlockBatch:     cfg.EVM.BlockBatch,
		FeePercent:     cfg.Bridge.FeePercent,
		TokenPrecision: cfg.EVM.Precision,
		HivePrecision:  cfg.Hive.Precision,
		TokenSymbol:    cfg.EVM.TokenSymbol,
	}, log.Named("converter")).WithObserver(m)

	api := &handlers.API{
		Store:            store,
		Hive:             hive,
		EVM:              evmBalances{Client: evm, contract: contract},
		HiveAccount:      cfg.Hive.Account,
		HiveDenomination: cfg.Hive.Denomination,
		Signer:           signer.Address(),
		TokenSymbol:      cfg.EVM.TokenSymbol,
		TokenPrecision:   cfg.EVM.Precision,
		Log:              log.Named("http"),
	}
	if p, ok := store.(handlers.Pinger); ok {
		api.Pinger = p
	}

	// there are 7 worker tasks:
	// * watch Hive blocks and record deposits
	// * decide and pay out recorded deposits
	// * reconcile pending payouts
	// * recover deposits left half way
	// * retry failed refunds and conversion payouts
	// * pay out token conversions on Hive
	// * API and metrics HTTP server
	recorded := make(chan types.DepositRecord, 256)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(recorded)
		return watcher.Run(ctx, recorded)
	})
	g.Go(func() error { return pipeline.Run(ctx, recorded) })
	g.Go(func() error { return rec.Run(ctx, cfg.Gas.ReconcileEvery) })
	g.Go(func() error {
		return workers.Periodic(ctx, "recovery", cfg.Bridge.RecoveryEvery, recovery.Sweep, log.Named("recovery"))
	})
	g.Go(func() error {
		return workers.Periodic(ctx, "refund retry", cfg.Bridge.RefundRetryEvery, func(ctx context.Context) error {
			sent, err := issuer.RetryFailed(ctx)
			if sent > 0 {
				log.Infow("failed refunds resent", "count", sent)
			}
			return err
		}, log.Named("refund"))
	})
	g.Go(func() error {
		if cfg.EVM.ScanEvery == 0 {
			log.Infow("conversion sweep turned off")
			return nil
		}
		return workers.Periodic(ctx, "conversion sweep", cfg.EVM.ScanEvery, converter.Sweep, log.Named("converter"))
	})
	g.Go(func() error {
		return workers.Worker_HTTP(ctx, workers.NewRouter(api, m.Handler()), workers.HTTPConfig{
			Port:     cfg.Server.HTTPPort,
			UseSSL:   cfg.Server.UseSSL,
			CertFile: "certchain.pem",
			KeyFile:  "privatekey.pem",
		}, log.Named("http"))
	})

	err = g.Wait()
	log.Infow("bridge stopped", "error", err)
	return err
}
