package loop

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stethkeeper/internal/engine"
	"stethkeeper/internal/gateway"
	"stethkeeper/internal/state"
	"stethkeeper/internal/tracker"
)

type fakeGateway struct {
	ethBalance   decimal.Decimal
	stethBalance decimal.Decimal
	statuses     map[string]gateway.WithdrawalStatus
	stakes       []decimal.Decimal
	withdrawals  []decimal.Decimal
	claims       [][]string
	balanceErr   error
}

func (f *fakeGateway) Balance(ctx context.Context, asset gateway.Asset, address common.Address) (decimal.Decimal, error) {
	if f.balanceErr != nil {
		return decimal.Decimal{}, f.balanceErr
	}
	if asset == gateway.AssetETH {
		return f.ethBalance, nil
	}
	return f.stethBalance, nil
}

func (f *fakeGateway) SubmitStake(ctx context.Context, amount decimal.Decimal) (gateway.TxResult, error) {
	f.stakes = append(f.stakes, amount)
	return gateway.TxResult{TxHash: "0xstake"}, nil
}

func (f *fakeGateway) RequestWithdrawal(ctx context.Context, amount decimal.Decimal, owner common.Address) (gateway.WithdrawalResult, error) {
	f.withdrawals = append(f.withdrawals, amount)
	return gateway.WithdrawalResult{
		TxHash:     "0xwithdraw",
		RequestIDs: []string{"55"},
		Amounts:    []decimal.Decimal{amount},
	}, nil
}

func (f *fakeGateway) WithdrawalStatuses(ctx context.Context, requestIDs []string) ([]gateway.WithdrawalStatus, error) {
	out := make([]gateway.WithdrawalStatus, len(requestIDs))
	for i, id := range requestIDs {
		out[i] = f.statuses[id]
		out[i].RequestID = id
	}
	return out, nil
}

func (f *fakeGateway) ClaimWithdrawals(ctx context.Context, requestIDs []string) (gateway.TxResult, error) {
	f.claims = append(f.claims, requestIDs)
	return gateway.TxResult{TxHash: "0xclaim"}, nil
}

func (f *fakeGateway) PoolState(ctx context.Context, pool common.Address) (gateway.PoolState, error) {
	return gateway.PoolState{}, nil
}

type staticRatio struct {
	ratio decimal.Decimal
	err   error
}

func (s *staticRatio) Ratio(ctx context.Context) (decimal.Decimal, error) {
	return s.ratio, s.err
}

func engineConfig() engine.Config {
	return engine.Config{
		ThresholdPct:       decimal.NewFromFloat(0.4),
		SafetyBufferETH:    decimal.NewFromFloat(0.02),
		MinTradeETH:        decimal.NewFromFloat(0.01),
		MinTradeStETH:      decimal.NewFromFloat(0.01),
		Cooldown:           time.Hour,
		MinHold:            time.Hour,
		ConfirmationChecks: 3,
	}
}

func newTestLoop(t *testing.T, gw *fakeGateway, ratio RatioSource) (*Loop, *state.Store) {
	t.Helper()

	logger := zerolog.Nop()
	store := state.NewStore(filepath.Join(t.TempDir(), "strategy.json"), logger)
	eng := engine.New(engineConfig(), gw, logger)
	trk := tracker.New(gw, gw, logger)

	lp := New(Options{
		Interval:     time.Minute,
		BackoffFloor: time.Second,
		BackoffCap:   time.Minute,
	}, store, ratio, gw, eng, trk, nil, logger)

	return lp, store
}

func TestTickStakesOnDiscount(t *testing.T) {
	gw := &fakeGateway{ethBalance: decimal.NewFromFloat(1.02)}
	lp, store := newTestLoop(t, gw, &staticRatio{ratio: decimal.RequireFromString("0.99")})

	if err := lp.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if len(gw.stakes) != 1 || !gw.stakes[0].Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected one stake of 1 ETH, got %+v", gw.stakes)
	}

	st, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.LastAction == nil || st.LastAction.Type != state.ActionStake {
		t.Fatalf("last action must record the stake: %+v", st.LastAction)
	}
	if st.Consecutive.Discount != 1 || st.Consecutive.Premium != 0 {
		t.Fatalf("counters not persisted: %+v", st.Consecutive)
	}
}

func TestTickWithdrawAppendsLedger(t *testing.T) {
	gw := &fakeGateway{stethBalance: decimal.NewFromInt(5)}
	lp, store := newTestLoop(t, gw, &staticRatio{ratio: decimal.RequireFromString("1.01")})

	if err := lp.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if len(gw.withdrawals) != 1 {
		t.Fatalf("expected one withdrawal request, got %+v", gw.withdrawals)
	}

	st, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.LastAction == nil || st.LastAction.Type != state.ActionWithdraw {
		t.Fatalf("last action must record the withdrawal: %+v", st.LastAction)
	}
	if len(st.Requests) != 1 || st.Requests[0].RequestID != "55" || st.Requests[0].Status != state.StatusPending {
		t.Fatalf("pending ledger entry missing: %+v", st.Requests)
	}
}

func TestTickSkipGuardLeavesLastActionUntouched(t *testing.T) {
	// Spendable clamps to zero: signal fires but the stake is skipped.
	gw := &fakeGateway{ethBalance: decimal.NewFromFloat(0.015)}
	lp, store := newTestLoop(t, gw, &staticRatio{ratio: decimal.RequireFromString("0.99")})

	if err := lp.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if len(gw.stakes) != 0 {
		t.Fatal("no transaction may be sent on a skipped stake")
	}

	st, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.LastAction != nil {
		t.Fatalf("skip must not record an action: %+v", st.LastAction)
	}
	if st.Consecutive.Discount != 1 {
		t.Fatalf("counters still update on skipped ticks: %+v", st.Consecutive)
	}
}

func TestTickCooldownDoesNotAct(t *testing.T) {
	gw := &fakeGateway{ethBalance: decimal.NewFromInt(2)}
	lp, store := newTestLoop(t, gw, &staticRatio{ratio: decimal.RequireFromString("0.99")})

	seed := state.Default().WithLastAction(state.ActionStake, time.Now().UTC().Add(-10*time.Minute))
	if err := store.Save(seed); err != nil {
		t.Fatal(err)
	}

	if err := lp.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(gw.stakes) != 0 {
		t.Fatal("cooldown must suppress the stake")
	}
}

func TestTickReconcilesOutstandingWithdrawals(t *testing.T) {
	gw := &fakeGateway{
		statuses: map[string]gateway.WithdrawalStatus{
			"7": {IsFinalized: true},
		},
	}
	lp, store := newTestLoop(t, gw, &staticRatio{ratio: decimal.NewFromInt(1)})

	seed := state.Default().AppendRequests(state.WithdrawalRequest{
		RequestID: "7",
		Status:    state.StatusPending,
		CreatedAt: time.Now().UTC(),
	})
	if err := store.Save(seed); err != nil {
		t.Fatal(err)
	}

	if err := lp.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if len(gw.claims) != 1 {
		t.Fatalf("finalized request must be claimed, got %+v", gw.claims)
	}

	st, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.Requests[0].Status != state.StatusClaimed {
		t.Fatalf("ledger must record the claim: %+v", st.Requests[0])
	}
}

func TestTickAbortsOnPriceFailure(t *testing.T) {
	gw := &fakeGateway{}
	lp, store := newTestLoop(t, gw, &staticRatio{err: errors.New("pool read failed")})

	if err := lp.Tick(context.Background()); err == nil {
		t.Fatal("price failure must abort the tick")
	}

	st, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.Consecutive.Discount != 0 || st.Consecutive.Premium != 0 {
		t.Fatalf("aborted tick must not touch counters: %+v", st.Consecutive)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	gw := &fakeGateway{balanceErr: errors.New("down")}
	lp, _ := newTestLoop(t, gw, &staticRatio{ratio: decimal.NewFromInt(1)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- lp.Run(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancellation")
	}
}
