package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"stethkeeper/internal/gateway"
	"stethkeeper/internal/state"
)

type fakeQueue struct {
	statuses    map[string]gateway.WithdrawalStatus
	statusErr   error
	claimErr    error
	statusCalls [][]string
	claimCalls  [][]string
}

func (f *fakeQueue) WithdrawalStatuses(ctx context.Context, ids []string) ([]gateway.WithdrawalStatus, error) {
	f.statusCalls = append(f.statusCalls, ids)
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	out := make([]gateway.WithdrawalStatus, len(ids))
	for i, id := range ids {
		st, ok := f.statuses[id]
		if !ok {
			st = gateway.WithdrawalStatus{RequestID: id}
		}
		out[i] = st
	}
	return out, nil
}

func (f *fakeQueue) ClaimWithdrawals(ctx context.Context, ids []string) (gateway.TxResult, error) {
	f.claimCalls = append(f.claimCalls, ids)
	if f.claimErr != nil {
		return gateway.TxResult{}, f.claimErr
	}
	return gateway.TxResult{TxHash: "0xclaim"}, nil
}

func newTracker(q *fakeQueue) *Tracker {
	trk := New(q, q, zerolog.Nop())
	trk.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return trk
}

func pending(id string) state.WithdrawalRequest {
	return state.WithdrawalRequest{RequestID: id, Status: state.StatusPending}
}

func finalized(id string) gateway.WithdrawalStatus {
	return gateway.WithdrawalStatus{RequestID: id, IsFinalized: true}
}

func claimed(id string) gateway.WithdrawalStatus {
	return gateway.WithdrawalStatus{RequestID: id, IsFinalized: true, IsClaimed: true}
}

func noSave([]state.WithdrawalRequest) error { return nil }

func TestReconcilePromotesAndClaimsFinalized(t *testing.T) {
	// Request 1 finalized and unclaimed, request 2 still pending.
	q := &fakeQueue{statuses: map[string]gateway.WithdrawalStatus{
		"1": finalized("1"),
	}}
	trk := newTracker(q)

	out, err := trk.Reconcile(context.Background(), []state.WithdrawalRequest{pending("1"), pending("2")}, noSave)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	if out[0].Status != state.StatusClaimed {
		t.Fatalf("request 1 should be claimed after the batch claim, got %s", out[0].Status)
	}
	if out[0].ClaimedAt == nil {
		t.Fatal("claimed entry must carry claimedAt")
	}
	if out[1].Status != state.StatusPending {
		t.Fatalf("request 2 must remain pending, got %s", out[1].Status)
	}
	if len(q.claimCalls) != 1 || len(q.claimCalls[0]) != 1 || q.claimCalls[0][0] != "1" {
		t.Fatalf("expected one claim covering request 1, got %+v", q.claimCalls)
	}
}

func TestReconcileBatchesAllReadyIntoOneClaim(t *testing.T) {
	q := &fakeQueue{statuses: map[string]gateway.WithdrawalStatus{
		"1": finalized("1"),
		"2": finalized("2"),
	}}
	trk := newTracker(q)

	reqs := []state.WithdrawalRequest{
		pending("1"),
		pending("2"),
		// Left ready by a failed claim on a previous tick.
		{RequestID: "3", Status: state.StatusReady},
	}
	q.statuses["3"] = finalized("3")

	out, err := trk.Reconcile(context.Background(), reqs, noSave)
	if err != nil {
		t.Fatal(err)
	}

	if len(q.claimCalls) != 1 {
		t.Fatalf("expected single batched claim, got %d", len(q.claimCalls))
	}
	if len(q.claimCalls[0]) != 3 {
		t.Fatalf("claim must cover all ready entries, got %+v", q.claimCalls[0])
	}
	for _, req := range out {
		if req.Status != state.StatusClaimed {
			t.Fatalf("all entries should be claimed, got %+v", out)
		}
	}
}

func TestReconcileConvergesOutOfBandClaims(t *testing.T) {
	q := &fakeQueue{statuses: map[string]gateway.WithdrawalStatus{
		"1": claimed("1"),
	}}
	trk := newTracker(q)

	out, err := trk.Reconcile(context.Background(), []state.WithdrawalRequest{pending("1")}, noSave)
	if err != nil {
		t.Fatal(err)
	}
	if out[0].Status != state.StatusClaimed {
		t.Fatalf("externally claimed entry must converge to claimed, got %s", out[0].Status)
	}
	if len(q.claimCalls) != 0 {
		t.Fatal("no claim transaction may be sent for an already claimed entry")
	}
}

func TestReconcileIdempotentWithUnchangedResponses(t *testing.T) {
	q := &fakeQueue{statuses: map[string]gateway.WithdrawalStatus{
		"1": finalized("1"),
	}}
	trk := newTracker(q)

	first, err := trk.Reconcile(context.Background(), []state.WithdrawalRequest{pending("1"), pending("2")}, noSave)
	if err != nil {
		t.Fatal(err)
	}

	// After the claim the queue reports the request claimed.
	q.statuses["1"] = claimed("1")

	second, err := trk.Reconcile(context.Background(), first, noSave)
	if err != nil {
		t.Fatal(err)
	}

	if len(q.claimCalls) != 1 {
		t.Fatalf("second pass must not claim again, got %d claims", len(q.claimCalls))
	}
	if second[0].Status != state.StatusClaimed || second[1].Status != state.StatusPending {
		t.Fatalf("second pass must not change state: %+v", second)
	}
	if !second[0].ClaimedAt.Equal(*first[0].ClaimedAt) {
		t.Fatal("claimedAt must not move on a no-op pass")
	}
}

func TestReconcileStatusQueryFailureAbortsTick(t *testing.T) {
	q := &fakeQueue{statusErr: errors.New("rpc down")}
	trk := newTracker(q)

	saved := false
	_, err := trk.Reconcile(context.Background(), []state.WithdrawalRequest{pending("1")}, func([]state.WithdrawalRequest) error {
		saved = true
		return nil
	})
	if err == nil {
		t.Fatal("status query failure must abort")
	}
	if saved {
		t.Fatal("nothing may be persisted after a failed status query")
	}
	if len(q.claimCalls) != 0 {
		t.Fatal("no claim may follow a failed status query")
	}
}

func TestReconcileClaimFailureLeavesReadyPersisted(t *testing.T) {
	q := &fakeQueue{
		statuses: map[string]gateway.WithdrawalStatus{"1": finalized("1")},
		claimErr: errors.New("revert"),
	}
	trk := newTracker(q)

	var persisted []state.WithdrawalRequest
	_, err := trk.Reconcile(context.Background(), []state.WithdrawalRequest{pending("1")}, func(reqs []state.WithdrawalRequest) error {
		persisted = reqs
		return nil
	})
	if err == nil {
		t.Fatal("claim failure must abort the tick")
	}
	if len(persisted) != 1 || persisted[0].Status != state.StatusReady {
		t.Fatalf("ready promotion must be persisted before the claim attempt: %+v", persisted)
	}
}

func TestReconcileSkipsClaimedEntries(t *testing.T) {
	claimedAt := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	q := &fakeQueue{}
	trk := newTracker(q)

	reqs := []state.WithdrawalRequest{{RequestID: "1", Status: state.StatusClaimed, ClaimedAt: &claimedAt}}
	out, err := trk.Reconcile(context.Background(), reqs, noSave)
	if err != nil {
		t.Fatal(err)
	}
	if len(q.statusCalls) != 0 {
		t.Fatal("all-claimed ledger must not hit the gateway")
	}
	if out[0].Status != state.StatusClaimed || !out[0].ClaimedAt.Equal(claimedAt) {
		t.Fatalf("claimed entry must never regress: %+v", out[0])
	}
}
