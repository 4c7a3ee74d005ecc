package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stethkeeper/internal/gateway"
	"stethkeeper/internal/state"
)

type fakeGateway struct {
	stakeCalls    []decimal.Decimal
	withdrawCalls []decimal.Decimal
	requestIDs    []string
	amounts       []decimal.Decimal
	err           error
}

func (f *fakeGateway) Balance(ctx context.Context, asset gateway.Asset, address common.Address) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeGateway) SubmitStake(ctx context.Context, amount decimal.Decimal) (gateway.TxResult, error) {
	if f.err != nil {
		return gateway.TxResult{}, f.err
	}
	f.stakeCalls = append(f.stakeCalls, amount)
	return gateway.TxResult{TxHash: "0xstake"}, nil
}

func (f *fakeGateway) RequestWithdrawal(ctx context.Context, amount decimal.Decimal, owner common.Address) (gateway.WithdrawalResult, error) {
	if f.err != nil {
		return gateway.WithdrawalResult{}, f.err
	}
	f.withdrawCalls = append(f.withdrawCalls, amount)
	return gateway.WithdrawalResult{TxHash: "0xwithdraw", RequestIDs: f.requestIDs, Amounts: f.amounts}, nil
}

func (f *fakeGateway) WithdrawalStatuses(ctx context.Context, requestIDs []string) ([]gateway.WithdrawalStatus, error) {
	return nil, nil
}

func (f *fakeGateway) ClaimWithdrawals(ctx context.Context, requestIDs []string) (gateway.TxResult, error) {
	return gateway.TxResult{}, nil
}

func (f *fakeGateway) PoolState(ctx context.Context, pool common.Address) (gateway.PoolState, error) {
	return gateway.PoolState{}, nil
}

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		ThresholdPct:       decimal.NewFromFloat(0.4),
		SafetyBufferETH:    decimal.NewFromFloat(0.02),
		MinTradeETH:        decimal.NewFromFloat(0.01),
		MinTradeStETH:      decimal.NewFromFloat(0.01),
		Cooldown:           60 * time.Minute,
		MinHold:            time.Hour,
		ConfirmationChecks: 3,
	}
}

func newEngine(cfg Config, gw gateway.Gateway) *Engine {
	eng := New(cfg, gw, zerolog.Nop())
	eng.now = func() time.Time { return baseTime }
	return eng
}

func deviationFor(t *testing.T, ratio string) (decimal.Decimal, decimal.Decimal) {
	t.Helper()
	return Deviation(decimal.RequireFromString(ratio))
}

func TestDeviation(t *testing.T) {
	discount, premium := deviationFor(t, "0.99")
	if !discount.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected 1%% discount, got %s", discount)
	}
	if !premium.Equal(decimal.NewFromInt(-1)) {
		t.Fatalf("expected -1%% premium, got %s", premium)
	}
}

func TestUpdateCountersIncrementAndReset(t *testing.T) {
	eng := newEngine(testConfig(), nil)

	discount, premium := deviationFor(t, "0.99")
	counters := eng.UpdateCounters(state.Counters{Discount: 2, Premium: 5}, discount, premium)
	if counters.Discount != 3 {
		t.Fatalf("discount should increment to 3, got %d", counters.Discount)
	}
	if counters.Premium != 0 {
		t.Fatalf("premium should reset to 0, got %d", counters.Premium)
	}

	discount, premium = deviationFor(t, "1.01")
	counters = eng.UpdateCounters(counters, discount, premium)
	if counters.Discount != 0 || counters.Premium != 1 {
		t.Fatalf("expected discount reset and premium 1, got %+v", counters)
	}

	discount, premium = deviationFor(t, "1.001")
	counters = eng.UpdateCounters(counters, discount, premium)
	if counters.Discount != 0 || counters.Premium != 0 {
		t.Fatalf("sub-threshold tick must reset both, got %+v", counters)
	}
}

func TestDecideDiscountNoHistory(t *testing.T) {
	// ratio 0.990 at 0.4% threshold: 1.0% discount, fresh state.
	eng := newEngine(testConfig(), nil)
	discount, premium := deviationFor(t, "0.990")

	st := state.Default().WithCounters(state.Counters{Discount: 1})
	d := eng.Decide(st, discount, premium)
	if d.Action != ActionStake || d.Reason != ReasonDiscountSignal {
		t.Fatalf("expected stake/discount_signal, got %+v", d)
	}
}

func TestDecideCooldownBlocksEverything(t *testing.T) {
	// Last stake 30 minutes ago with a 60 minute cooldown.
	eng := newEngine(testConfig(), nil)
	discount, premium := deviationFor(t, "1.002")

	st := state.Default().WithLastAction(state.ActionStake, baseTime.Add(-30*time.Minute))
	d := eng.Decide(st, discount, premium)
	if d.Action != ActionNone || d.Reason != ReasonCooldownActive {
		t.Fatalf("expected none/cooldown_active, got %+v", d)
	}

	// Cooldown wins regardless of signal strength.
	discount, premium = deviationFor(t, "0.90")
	st = st.WithCounters(state.Counters{Discount: 99})
	d = eng.Decide(st, discount, premium)
	if d.Action != ActionNone || d.Reason != ReasonCooldownActive {
		t.Fatalf("cooldown must override strong signals, got %+v", d)
	}
}

func TestDecideFlipAfterMinHold(t *testing.T) {
	// ratio 1.006, last stake 2h ago, minHold 1h, no cooldown.
	cfg := testConfig()
	cfg.Cooldown = 0
	eng := newEngine(cfg, nil)
	discount, premium := deviationFor(t, "1.006")

	st := state.Default().
		WithLastAction(state.ActionStake, baseTime.Add(-2*time.Hour)).
		WithCounters(state.Counters{Premium: 1})
	d := eng.Decide(st, discount, premium)
	if d.Action != ActionWithdraw || d.Reason != ReasonPremiumSignal {
		t.Fatalf("expected withdraw after hold satisfied, got %+v", d)
	}
}

func TestDecideFlipGateIsOr(t *testing.T) {
	cfg := testConfig()
	cfg.Cooldown = 0
	eng := newEngine(cfg, nil)
	discount, premium := deviationFor(t, "1.006")

	// Fresh position, one confirmation: neither OR branch holds.
	st := state.Default().
		WithLastAction(state.ActionStake, baseTime.Add(-10*time.Minute)).
		WithCounters(state.Counters{Premium: 1})
	d := eng.Decide(st, discount, premium)
	if d.Action != ActionNone || d.Reason != ReasonWithdrawConfirm {
		t.Fatalf("fresh position with weak confirmation must wait, got %+v", d)
	}

	// Same fresh position, enough repeated confirmations: flip allowed.
	st = st.WithCounters(state.Counters{Premium: 3})
	d = eng.Decide(st, discount, premium)
	if d.Action != ActionWithdraw {
		t.Fatalf("confirmations alone must authorize the flip, got %+v", d)
	}

	// Mirror direction: withdraw then discount signal.
	st = state.Default().
		WithLastAction(state.ActionWithdraw, baseTime.Add(-10*time.Minute)).
		WithCounters(state.Counters{Discount: 1})
	discount, premium = deviationFor(t, "0.990")
	d = eng.Decide(st, discount, premium)
	if d.Action != ActionNone || d.Reason != ReasonStakeConfirming {
		t.Fatalf("fresh withdraw must gate the stake flip, got %+v", d)
	}

	st = st.WithCounters(state.Counters{Discount: 3})
	d = eng.Decide(st, discount, premium)
	if d.Action != ActionStake {
		t.Fatalf("confirmations alone must authorize the stake flip, got %+v", d)
	}
}

func TestDecideDiscountBeforePremium(t *testing.T) {
	// With threshold 0 and bad data both sides can exceed; stake wins.
	cfg := testConfig()
	cfg.ThresholdPct = decimal.Zero
	cfg.Cooldown = 0
	eng := newEngine(cfg, nil)

	d := eng.Decide(state.Default(), decimal.NewFromInt(1), decimal.NewFromInt(1))
	if d.Action != ActionStake {
		t.Fatalf("discount must be checked before premium, got %+v", d)
	}
}

func TestDecideNoSignal(t *testing.T) {
	eng := newEngine(testConfig(), nil)
	discount, premium := deviationFor(t, "1.001")

	d := eng.Decide(state.Default(), discount, premium)
	if d.Action != ActionNone || d.Reason != ReasonNoSignal {
		t.Fatalf("expected none/no_signal, got %+v", d)
	}
}

func TestExecuteStakeSkipsBelowMinimum(t *testing.T) {
	// balance 0.015 with buffer 0.02: spendable clamps to zero.
	gw := &fakeGateway{}
	eng := newEngine(testConfig(), gw)

	out, err := eng.ExecuteStake(context.Background(), decimal.NewFromFloat(0.015))
	if err != nil {
		t.Fatalf("skip is not an error: %v", err)
	}
	if out.Executed {
		t.Fatal("stake must be skipped")
	}
	if len(gw.stakeCalls) != 0 {
		t.Fatal("no transaction may be submitted on skip")
	}
}

func TestExecuteStakeSpendsBalanceMinusBuffer(t *testing.T) {
	gw := &fakeGateway{}
	eng := newEngine(testConfig(), gw)

	out, err := eng.ExecuteStake(context.Background(), decimal.NewFromFloat(1.02))
	if err != nil {
		t.Fatalf("stake failed: %v", err)
	}
	if !out.Executed || out.TxHash != "0xstake" {
		t.Fatalf("expected executed stake, got %+v", out)
	}
	if len(gw.stakeCalls) != 1 || !gw.stakeCalls[0].Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected stake of 1 ETH, got %+v", gw.stakeCalls)
	}
}

func TestExecuteStakePropagatesGatewayError(t *testing.T) {
	gw := &fakeGateway{err: errors.New("revert")}
	eng := newEngine(testConfig(), gw)

	if _, err := eng.ExecuteStake(context.Background(), decimal.NewFromInt(1)); err == nil {
		t.Fatal("gateway failure must propagate")
	}
}

func TestExecuteWithdrawBuildsLedgerEntries(t *testing.T) {
	gw := &fakeGateway{
		requestIDs: []string{"101", "102"},
		amounts:    []decimal.Decimal{decimal.NewFromInt(1000), decimal.NewFromFloat(500.5)},
	}
	eng := newEngine(testConfig(), gw)

	out, err := eng.ExecuteWithdraw(context.Background(), decimal.NewFromFloat(1500.5))
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if !out.Executed || len(out.Requests) != 2 {
		t.Fatalf("expected two pending entries, got %+v", out)
	}
	for i, req := range out.Requests {
		if req.Status != state.StatusPending {
			t.Fatalf("entry %d must be pending, got %s", i, req.Status)
		}
		if req.TxHash != "0xwithdraw" {
			t.Fatalf("entry %d missing tx hash", i)
		}
	}
	if out.Requests[0].RequestID != "101" || !out.Requests[0].AmountStETH.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("unexpected first entry: %+v", out.Requests[0])
	}
}

func TestExecuteWithdrawSkipsBelowMinimum(t *testing.T) {
	gw := &fakeGateway{}
	eng := newEngine(testConfig(), gw)

	out, err := eng.ExecuteWithdraw(context.Background(), decimal.NewFromFloat(0.001))
	if err != nil {
		t.Fatalf("skip is not an error: %v", err)
	}
	if out.Executed || len(gw.withdrawCalls) != 0 {
		t.Fatal("withdraw must be skipped without a transaction")
	}
}
