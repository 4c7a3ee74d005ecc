package state

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionType identifies the direction of an executed rebalancing action.
type ActionType string

const (
	ActionStake    ActionType = "stake"
	ActionWithdraw ActionType = "withdraw"
)

// RequestStatus tracks a withdrawal request through its lifecycle.
type RequestStatus string

const (
	StatusPending RequestStatus = "pending"
	StatusReady   RequestStatus = "ready"
	StatusClaimed RequestStatus = "claimed"
)

// LastAction records the most recent executed action. Guarded skips
// (insufficient balance, cooldown) never write it.
type LastAction struct {
	Type      ActionType `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
}

// Counters holds the per-direction consecutive signal counts. Each counter
// resets to zero on any tick where its percentage does not exceed the
// threshold, independent of the other.
type Counters struct {
	Discount int `json:"discount"`
	Premium  int `json:"premium"`
}

// WithdrawalRequest is one entry in the append-only withdrawal ledger.
// Identity is the protocol-assigned request id, known only after the
// request transaction is mined.
type WithdrawalRequest struct {
	RequestID   string          `json:"requestId"`
	AmountStETH decimal.Decimal `json:"amountSteth"`
	Status      RequestStatus   `json:"status"`
	TxHash      string          `json:"txHash"`
	CreatedAt   time.Time       `json:"createdAt"`
	ClaimedAt   *time.Time      `json:"claimedAt,omitempty"`
}

// StrategyState is the aggregate persisted between ticks. It is treated as
// an immutable snapshot: mutations produce a new value which replaces the
// stored one wholesale.
type StrategyState struct {
	LastAction  *LastAction         `json:"lastAction,omitempty"`
	Consecutive Counters            `json:"consecutive"`
	Requests    []WithdrawalRequest `json:"requests"`
}

// Default returns the zero-valued state used when nothing has been
// persisted yet.
func Default() StrategyState {
	return StrategyState{Requests: []WithdrawalRequest{}}
}

// Normalize repairs a state loaded from disk: a nil ledger becomes an
// empty one so callers can range and append without nil checks.
func (s StrategyState) Normalize() StrategyState {
	if s.Requests == nil {
		s.Requests = []WithdrawalRequest{}
	}
	return s
}

// WithLastAction returns a copy with the last action replaced.
func (s StrategyState) WithLastAction(t ActionType, at time.Time) StrategyState {
	s.LastAction = &LastAction{Type: t, Timestamp: at}
	return s
}

// WithCounters returns a copy with the consecutive counters replaced.
func (s StrategyState) WithCounters(c Counters) StrategyState {
	s.Consecutive = c
	return s
}

// WithRequests returns a copy with the withdrawal ledger replaced.
func (s StrategyState) WithRequests(reqs []WithdrawalRequest) StrategyState {
	s.Requests = reqs
	return s
}

// AppendRequests returns a copy with new ledger entries appended.
func (s StrategyState) AppendRequests(reqs ...WithdrawalRequest) StrategyState {
	merged := make([]WithdrawalRequest, 0, len(s.Requests)+len(reqs))
	merged = append(merged, s.Requests...)
	merged = append(merged, reqs...)
	s.Requests = merged
	return s
}

// OutstandingRequests returns the entries still moving through the
// lifecycle, i.e. everything not yet claimed.
func (s StrategyState) OutstandingRequests() []WithdrawalRequest {
	out := make([]WithdrawalRequest, 0, len(s.Requests))
	for _, req := range s.Requests {
		if req.Status != StatusClaimed {
			out = append(out, req)
		}
	}
	return out
}
