// Package loop orchestrates one tick of the rebalancing agent on a fixed
// interval: read market and balances, update counters, reconcile
// withdrawals, decide, act, persist.
package loop

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"stethkeeper/internal/engine"
	"stethkeeper/internal/gateway"
	"stethkeeper/internal/history"
	"stethkeeper/internal/state"
	"stethkeeper/internal/tracker"
)

// RatioSource yields the current staked/base price ratio.
type RatioSource interface {
	Ratio(ctx context.Context) (decimal.Decimal, error)
}

// Options tune loop behaviour.
type Options struct {
	Interval     time.Duration
	BackoffFloor time.Duration
	BackoffCap   time.Duration
	StartupDelay time.Duration
	Wallet       common.Address
}

// Loop is the single-writer control loop. One tick runs to completion (or
// failure) before the next begins; a failed tick is retried after an
// exponentially increasing backoff, reset on the first success.
type Loop struct {
	opts    Options
	store   *state.Store
	ratios  RatioSource
	gw      gateway.Gateway
	engine  *engine.Engine
	tracker *tracker.Tracker
	history history.Recorder
	logger  zerolog.Logger
	now     func() time.Time
}

// New constructs a Loop. history may be nil when persistence of tick
// observations is disabled.
func New(opts Options, store *state.Store, ratios RatioSource, gw gateway.Gateway, eng *engine.Engine, trk *tracker.Tracker, hist history.Recorder, logger zerolog.Logger) *Loop {
	return &Loop{
		opts:    opts,
		store:   store,
		ratios:  ratios,
		gw:      gw,
		engine:  eng,
		tracker: trk,
		history: hist,
		logger:  logger.With().Str("component", "loop").Logger(),
		now:     time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if l.opts.StartupDelay > 0 {
		if err := sleepCtx(ctx, l.opts.StartupDelay); err != nil {
			return err
		}
	}

	backoff := l.opts.BackoffFloor
	for {
		if err := l.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			l.logger.Error().
				Str("event", "loop_error").
				Err(err).
				Dur("retry_in", backoff).
				Msg("tick failed")

			if err := sleepCtx(ctx, backoff); err != nil {
				return err
			}
			backoff = min(backoff*2, l.opts.BackoffCap)
			continue
		}

		backoff = l.opts.BackoffFloor
		if err := sleepCtx(ctx, l.opts.Interval); err != nil {
			return err
		}
	}
}

// Tick executes one full pass of the control flow. Any failure aborts the
// tick and propagates to Run; nothing inside retries.
func (l *Loop) Tick(ctx context.Context) error {
	st, err := l.store.Load()
	if err != nil {
		return err
	}

	ratio, ethBalance, stethBalance, err := l.readMarket(ctx)
	if err != nil {
		return err
	}

	discountPct, premiumPct := engine.Deviation(ratio)

	l.logger.Info().
		Str("event", "tick").
		Str("ratio", ratio.String()).
		Str("discount_pct", discountPct.String()).
		Str("premium_pct", premiumPct.String()).
		Str("eth_balance", ethBalance.String()).
		Str("steth_balance", stethBalance.String()).
		Msg("tick observed")

	// Counters update unconditionally and are persisted before anything
	// else happens this tick.
	st = st.WithCounters(l.engine.UpdateCounters(st.Consecutive, discountPct, premiumPct))
	if err := l.store.Save(st); err != nil {
		return err
	}

	requests, err := l.tracker.Reconcile(ctx, st.Requests, func(reqs []state.WithdrawalRequest) error {
		st = st.WithRequests(reqs)
		return l.store.Save(st)
	})
	if err != nil {
		return err
	}
	st = st.WithRequests(requests)

	decision := l.engine.Decide(st, discountPct, premiumPct)

	l.logger.Info().
		Str("event", "decision").
		Str("action", string(decision.Action)).
		Str("reason", string(decision.Reason)).
		Int("discount_count", st.Consecutive.Discount).
		Int("premium_count", st.Consecutive.Premium).
		Msg("decision made")

	actionRecord, err := l.act(ctx, &st, decision, ethBalance, stethBalance)
	if err != nil {
		return err
	}

	l.record(ctx, history.TickRecord{
		TS:           l.now().UTC(),
		Ratio:        ratio,
		DiscountPct:  discountPct,
		PremiumPct:   premiumPct,
		ETHBalance:   ethBalance,
		StETHBalance: stethBalance,
		Action:       string(decision.Action),
		Reason:       string(decision.Reason),
	}, actionRecord)

	return nil
}

func (l *Loop) readMarket(ctx context.Context) (ratio, ethBalance, stethBalance decimal.Decimal, err error) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		ratio, err = l.ratios.Ratio(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		ethBalance, err = l.gw.Balance(gctx, gateway.AssetETH, l.opts.Wallet)
		return err
	})
	g.Go(func() error {
		var err error
		stethBalance, err = l.gw.Balance(gctx, gateway.AssetStETH, l.opts.Wallet)
		return err
	})

	err = g.Wait()
	return ratio, ethBalance, stethBalance, err
}

func (l *Loop) act(ctx context.Context, st *state.StrategyState, decision engine.Decision, ethBalance, stethBalance decimal.Decimal) (*history.ActionRecord, error) {
	switch decision.Action {
	case engine.ActionStake:
		out, err := l.engine.ExecuteStake(ctx, ethBalance)
		if err != nil {
			return nil, err
		}
		if !out.Executed {
			return nil, nil
		}

		now := l.now().UTC()
		next := st.WithLastAction(state.ActionStake, now)
		if err := l.store.Save(next); err != nil {
			return nil, err
		}
		*st = next

		return &history.ActionRecord{
			TS:     now,
			Type:   string(state.ActionStake),
			Amount: out.Amount,
			TxHash: out.TxHash,
		}, nil

	case engine.ActionWithdraw:
		out, err := l.engine.ExecuteWithdraw(ctx, stethBalance)
		if err != nil {
			return nil, err
		}
		if !out.Executed {
			return nil, nil
		}

		now := l.now().UTC()
		next := st.AppendRequests(out.Requests...).WithLastAction(state.ActionWithdraw, now)
		if err := l.store.Save(next); err != nil {
			return nil, err
		}
		*st = next

		ids := make([]string, len(out.Requests))
		for i, req := range out.Requests {
			ids[i] = req.RequestID
		}
		return &history.ActionRecord{
			TS:         now,
			Type:       string(state.ActionWithdraw),
			Amount:     out.Amount,
			TxHash:     out.TxHash,
			RequestIDs: ids,
		}, nil
	}

	return nil, nil
}

// record writes history rows when a recorder is configured. History is
// observability, not state: failures are logged, never fatal to the tick.
func (l *Loop) record(ctx context.Context, tick history.TickRecord, action *history.ActionRecord) {
	if l.history == nil {
		return
	}

	if err := l.history.InsertTick(ctx, tick); err != nil {
		l.logger.Error().Err(err).Msg("failed to persist tick history")
	}
	if action != nil {
		if _, err := l.history.InsertAction(ctx, *action); err != nil {
			l.logger.Error().Err(err).Msg("failed to persist action history")
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
