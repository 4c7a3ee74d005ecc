package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stethkeeper/internal/config"
	"stethkeeper/internal/engine"
	"stethkeeper/internal/gateway"
	"stethkeeper/internal/history"
	"stethkeeper/internal/loop"
	"stethkeeper/internal/oracle"
	"stethkeeper/internal/state"
	"stethkeeper/internal/tracker"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newStore() *state.Store {
	return state.NewStore(a.Config.State.Path, a.Logger)
}

func (a *App) newGateway() (*gateway.EthGateway, error) {
	return gateway.NewEthGateway(gateway.EthOptions{
		RPCURL:          a.Config.Ethereum.RPCURL,
		ChainID:         a.Config.Ethereum.ChainID,
		PrivateKey:      a.Config.Ethereum.PrivateKey,
		Timeout:         a.Config.Ethereum.RequestTimeout,
		LidoAddress:     a.Config.Ethereum.LidoAddress,
		QueueAddress:    a.Config.Ethereum.WithdrawalQueueAddress,
		StETHAddress:    a.Config.Ethereum.StETHAddress,
		ReferralAddress: a.Config.Ethereum.ReferralAddress,
	}, a.Logger)
}

func (a *App) newOracle(reader oracle.PoolReader) *oracle.PoolOracle {
	return oracle.New(oracle.Options{
		Pool:        common.HexToAddress(a.Config.Ethereum.PoolAddress),
		StakedAsset: common.HexToAddress(a.Config.Ethereum.StETHAddress),
		BaseAsset:   common.HexToAddress(a.Config.Ethereum.WETHAddress),
	}, reader, a.Logger)
}

func (a *App) engineConfig(wallet common.Address) engine.Config {
	strat := a.Config.Strategy
	return engine.Config{
		ThresholdPct:       decimal.NewFromFloat(strat.ThresholdPct),
		SafetyBufferETH:    decimal.NewFromFloat(strat.SafetyBufferETH),
		MinTradeETH:        decimal.NewFromFloat(strat.MinTradeETH),
		MinTradeStETH:      decimal.NewFromFloat(strat.MinTradeStETH),
		Cooldown:           strat.Cooldown,
		MinHold:            strat.MinHold,
		ConfirmationChecks: strat.ConfirmationChecks,
		Wallet:             wallet,
	}
}

func (a *App) openHistory(ctx context.Context) (*history.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := history.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := history.NewStore(pool)
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}

	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running rebalancing loop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gw, err := a.newGateway()
	if err != nil {
		return err
	}

	hist, closeHistory, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	if hist == nil {
		a.Logger.Warn().Msg("database.dsn not configured; tick history disabled")
	}
	if closeHistory != nil {
		defer closeHistory()
	}

	wallet := gw.Wallet()
	eng := engine.New(a.engineConfig(wallet), gw, a.Logger)
	trk := tracker.New(gw, gw, a.Logger)

	var recorder history.Recorder
	if hist != nil {
		recorder = hist
	}

	lp := loop.New(loop.Options{
		Interval:     a.Config.Loop.Interval,
		BackoffFloor: a.Config.Loop.BackoffFloor,
		BackoffCap:   a.Config.Loop.BackoffCap,
		StartupDelay: a.Config.Loop.StartupDelay,
		Wallet:       wallet,
	}, a.newStore(), a.newOracle(gw), gw, eng, trk, recorder, a.Logger)

	a.Logger.Info().Str("wallet", wallet.Hex()).Msg("starting rebalancing loop")
	err = lp.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("loop terminated with error")
		return err
	}

	a.Logger.Info().Msg("rebalancing loop stopped")
	return nil
}

// ExportOptions hold parameters for exporting tick history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// StatusOptions configure the status command.
type StatusOptions struct {
	ActionLimit int
}
