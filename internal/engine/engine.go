// Package engine decides, once per tick, whether to stake, request a
// withdrawal, or do nothing, applying cooldown and anti-flip-flop gates.
package engine

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stethkeeper/internal/gateway"
	"stethkeeper/internal/state"
)

// Action is the decided direction for a tick.
type Action string

const (
	ActionNone     Action = "none"
	ActionStake    Action = "stake"
	ActionWithdraw Action = "withdraw"
)

// Reason explains why an action was (or was not) decided.
type Reason string

const (
	ReasonNoSignal        Reason = "no_signal"
	ReasonCooldownActive  Reason = "cooldown_active"
	ReasonDiscountSignal  Reason = "discount_signal"
	ReasonPremiumSignal   Reason = "premium_signal"
	ReasonStakeConfirming Reason = "stake_waiting_for_confirmation"
	ReasonWithdrawConfirm Reason = "withdraw_waiting_for_confirmation"
)

// Decision is the tagged outcome of one evaluation.
type Decision struct {
	Action Action
	Reason Reason
}

var hundred = decimal.NewFromInt(100)

// Deviation derives the discount and premium percentages from a ratio,
// where ratio 1.0 is parity.
func Deviation(ratio decimal.Decimal) (discountPct, premiumPct decimal.Decimal) {
	one := decimal.NewFromInt(1)
	discountPct = one.Sub(ratio).Mul(hundred)
	premiumPct = ratio.Sub(one).Mul(hundred)
	return discountPct, premiumPct
}

// Config fixes the engine thresholds for the process lifetime.
type Config struct {
	ThresholdPct       decimal.Decimal
	SafetyBufferETH    decimal.Decimal
	MinTradeETH        decimal.Decimal
	MinTradeStETH      decimal.Decimal
	Cooldown           time.Duration
	MinHold            time.Duration
	ConfirmationChecks int
	Wallet             common.Address
}

// Engine evaluates the per-tick state machine and executes the chosen
// action through the gateway.
type Engine struct {
	cfg    Config
	gw     gateway.Gateway
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs an Engine.
func New(cfg Config, gw gateway.Gateway, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		gw:     gw,
		logger: logger.With().Str("component", "engine").Logger(),
		now:    time.Now,
	}
}

// UpdateCounters applies the unconditional per-tick counter rule: a
// counter increments by one while its percentage exceeds the threshold and
// resets to zero the moment it does not. The two counters are independent.
func (e *Engine) UpdateCounters(prev state.Counters, discountPct, premiumPct decimal.Decimal) state.Counters {
	next := state.Counters{}
	if discountPct.GreaterThan(e.cfg.ThresholdPct) {
		next.Discount = prev.Discount + 1
	}
	if premiumPct.GreaterThan(e.cfg.ThresholdPct) {
		next.Premium = prev.Premium + 1
	}
	return next
}

// Decide evaluates one transition. st.Consecutive must already hold this
// tick's updated counters. Discount is checked before premium, so a tie
// always favors staking.
func (e *Engine) Decide(st state.StrategyState, discountPct, premiumPct decimal.Decimal) Decision {
	now := e.now()

	if st.LastAction != nil && now.Sub(st.LastAction.Timestamp) < e.cfg.Cooldown {
		return Decision{Action: ActionNone, Reason: ReasonCooldownActive}
	}

	if discountPct.GreaterThan(e.cfg.ThresholdPct) {
		if st.LastAction != nil && st.LastAction.Type == state.ActionWithdraw &&
			!e.canFlip(*st.LastAction, st.Consecutive.Discount, now) {
			return Decision{Action: ActionNone, Reason: ReasonStakeConfirming}
		}
		return Decision{Action: ActionStake, Reason: ReasonDiscountSignal}
	}

	if premiumPct.GreaterThan(e.cfg.ThresholdPct) {
		if st.LastAction != nil && st.LastAction.Type == state.ActionStake &&
			!e.canFlip(*st.LastAction, st.Consecutive.Premium, now) {
			return Decision{Action: ActionNone, Reason: ReasonWithdrawConfirm}
		}
		return Decision{Action: ActionWithdraw, Reason: ReasonPremiumSignal}
	}

	return Decision{Action: ActionNone, Reason: ReasonNoSignal}
}

// canFlip authorizes reversing the prior action when EITHER the position
// has been held for the minimum duration OR the signal has repeated for
// enough consecutive ticks. The OR keeps single-tick noise from flipping a
// fresh position while a persistent signal can still exit quickly.
func (e *Engine) canFlip(last state.LastAction, confirmations int, now time.Time) bool {
	if now.Sub(last.Timestamp) >= e.cfg.MinHold {
		return true
	}
	return confirmations >= e.cfg.ConfirmationChecks
}

// StakeOutcome reports an attempted stake execution.
type StakeOutcome struct {
	Executed bool
	Amount   decimal.Decimal
	TxHash   string
}

// ExecuteStake stakes the full spendable ETH balance (balance minus the
// safety buffer). Below the minimum trade size the stake is skipped and
// no action is recorded.
func (e *Engine) ExecuteStake(ctx context.Context, ethBalance decimal.Decimal) (StakeOutcome, error) {
	spendable := ethBalance.Sub(e.cfg.SafetyBufferETH)
	if spendable.Sign() < 0 {
		spendable = decimal.Zero
	}

	if spendable.LessThan(e.cfg.MinTradeETH) {
		e.logger.Info().
			Str("event", "stake_skipped").
			Str("eth_balance", ethBalance.String()).
			Str("spendable", spendable.String()).
			Str("min_trade", e.cfg.MinTradeETH.String()).
			Msg("spendable balance below minimum trade size")
		return StakeOutcome{}, nil
	}

	res, err := e.gw.SubmitStake(ctx, spendable)
	if err != nil {
		return StakeOutcome{}, err
	}

	e.logger.Info().
		Str("event", "stake_sent").
		Str("amount_eth", spendable.String()).
		Str("tx_hash", res.TxHash).
		Msg("stake transaction confirmed")

	return StakeOutcome{Executed: true, Amount: spendable, TxHash: res.TxHash}, nil
}

// WithdrawOutcome reports an attempted withdrawal request.
type WithdrawOutcome struct {
	Executed bool
	Amount   decimal.Decimal
	TxHash   string
	Requests []state.WithdrawalRequest
}

// ExecuteWithdraw requests withdrawal of the entire staked balance as a
// single request and returns the new pending ledger entries.
func (e *Engine) ExecuteWithdraw(ctx context.Context, stethBalance decimal.Decimal) (WithdrawOutcome, error) {
	if stethBalance.LessThan(e.cfg.MinTradeStETH) {
		e.logger.Info().
			Str("event", "withdraw_skipped").
			Str("steth_balance", stethBalance.String()).
			Str("min_trade", e.cfg.MinTradeStETH.String()).
			Msg("staked balance below minimum trade size")
		return WithdrawOutcome{}, nil
	}

	res, err := e.gw.RequestWithdrawal(ctx, stethBalance, e.cfg.Wallet)
	if err != nil {
		return WithdrawOutcome{}, err
	}

	now := e.now().UTC()
	requests := make([]state.WithdrawalRequest, len(res.RequestIDs))
	for i, id := range res.RequestIDs {
		amount := stethBalance
		if i < len(res.Amounts) {
			amount = res.Amounts[i]
		}
		requests[i] = state.WithdrawalRequest{
			RequestID:   id,
			AmountStETH: amount,
			Status:      state.StatusPending,
			TxHash:      res.TxHash,
			CreatedAt:   now,
		}
	}

	e.logger.Info().
		Str("event", "withdraw_requested").
		Str("amount_steth", stethBalance.String()).
		Strs("request_ids", res.RequestIDs).
		Str("tx_hash", res.TxHash).
		Msg("withdrawal request confirmed")

	return WithdrawOutcome{Executed: true, Amount: stethBalance, TxHash: res.TxHash, Requests: requests}, nil
}
