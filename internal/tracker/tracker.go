// Package tracker reconciles the outstanding withdrawal-request ledger
// against the settlement queue and claims finalized requests.
package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"stethkeeper/internal/gateway"
	"stethkeeper/internal/state"
)

// StatusReader is the slice of the gateway the sync pass needs.
type StatusReader interface {
	WithdrawalStatuses(ctx context.Context, requestIDs []string) ([]gateway.WithdrawalStatus, error)
}

// Claimer is the slice of the gateway the claim pass needs.
type Claimer interface {
	ClaimWithdrawals(ctx context.Context, requestIDs []string) (gateway.TxResult, error)
}

// Tracker promotes ledger entries through pending → ready → claimed.
// Claimed entries are terminal and permanently skipped.
type Tracker struct {
	statuses StatusReader
	claimer  Claimer
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs a Tracker.
func New(statuses StatusReader, claimer Claimer, logger zerolog.Logger) *Tracker {
	return &Tracker{
		statuses: statuses,
		claimer:  claimer,
		logger:   logger.With().Str("component", "tracker").Logger(),
		now:      time.Now,
	}
}

// Reconcile runs one full pass: sync queue statuses into the ledger,
// persist, then claim everything ready in a single transaction and
// persist again. A failed status query aborts before any mutation; a
// failed claim leaves entries ready (already persisted) so the next pass
// retries the claim without re-deriving readiness.
func (t *Tracker) Reconcile(ctx context.Context, requests []state.WithdrawalRequest, save func([]state.WithdrawalRequest) error) ([]state.WithdrawalRequest, error) {
	synced, changed, err := t.SyncStatuses(ctx, requests)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := save(synced); err != nil {
			return nil, err
		}
	}

	claimed, executed, err := t.ClaimReady(ctx, synced)
	if err != nil {
		return nil, err
	}
	if executed {
		if err := save(claimed); err != nil {
			return nil, err
		}
	}
	return claimed, nil
}

// SyncStatuses batch-queries the queue for every pending or ready entry
// and applies the reported state: already-claimed entries converge to
// claimed (covers out-of-band claims), finalized-and-unclaimed entries
// become ready, everything else is left untouched. Returns a new ledger
// snapshot and whether anything changed.
func (t *Tracker) SyncStatuses(ctx context.Context, requests []state.WithdrawalRequest) ([]state.WithdrawalRequest, bool, error) {
	outstanding := make([]string, 0, len(requests))
	for _, req := range requests {
		if req.Status != state.StatusClaimed {
			outstanding = append(outstanding, req.RequestID)
		}
	}
	if len(outstanding) == 0 {
		return cloneRequests(requests), false, nil
	}

	statuses, err := t.statuses.WithdrawalStatuses(ctx, outstanding)
	if err != nil {
		return nil, false, fmt.Errorf("query withdrawal statuses: %w", err)
	}

	byID := make(map[string]gateway.WithdrawalStatus, len(statuses))
	for _, st := range statuses {
		byID[st.RequestID] = st
	}

	next := cloneRequests(requests)
	changed := false
	for i := range next {
		if next[i].Status == state.StatusClaimed {
			continue
		}

		reported, ok := byID[next[i].RequestID]
		if !ok {
			continue
		}

		t.logger.Info().
			Str("event", "withdrawal_status").
			Str("request_id", next[i].RequestID).
			Bool("is_finalized", reported.IsFinalized).
			Bool("is_claimed", reported.IsClaimed).
			Str("ledger_status", string(next[i].Status)).
			Msg("withdrawal request status")

		switch {
		case reported.IsClaimed:
			if next[i].Status != state.StatusClaimed {
				t.markClaimed(&next[i])
				changed = true
			}
		case reported.IsFinalized:
			if next[i].Status != state.StatusReady {
				next[i].Status = state.StatusReady
				changed = true
			}
		}
	}

	return next, changed, nil
}

// ClaimReady submits one batched claim transaction covering every ready
// entry and, on confirmation, marks them all claimed. Returns the new
// ledger snapshot and whether a claim was executed.
func (t *Tracker) ClaimReady(ctx context.Context, requests []state.WithdrawalRequest) ([]state.WithdrawalRequest, bool, error) {
	ready := make([]string, 0, len(requests))
	for _, req := range requests {
		if req.Status == state.StatusReady {
			ready = append(ready, req.RequestID)
		}
	}
	if len(ready) == 0 {
		return cloneRequests(requests), false, nil
	}

	res, err := t.claimer.ClaimWithdrawals(ctx, ready)
	if err != nil {
		return nil, false, fmt.Errorf("claim withdrawals: %w", err)
	}

	next := cloneRequests(requests)
	for i := range next {
		if next[i].Status == state.StatusReady {
			t.markClaimed(&next[i])
		}
	}

	t.logger.Info().
		Str("event", "withdraw_claimed").
		Strs("request_ids", ready).
		Str("tx_hash", res.TxHash).
		Msg("withdrawals claimed")

	return next, true, nil
}

func (t *Tracker) markClaimed(req *state.WithdrawalRequest) {
	now := t.now().UTC()
	req.Status = state.StatusClaimed
	req.ClaimedAt = &now
}

func cloneRequests(requests []state.WithdrawalRequest) []state.WithdrawalRequest {
	out := make([]state.WithdrawalRequest, len(requests))
	copy(out, requests)
	return out
}
