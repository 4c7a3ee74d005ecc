package gateway

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Asset selects which balance a gateway read refers to.
type Asset string

const (
	AssetETH   Asset = "eth"
	AssetStETH Asset = "steth"
)

// TxResult reports a mined transaction.
type TxResult struct {
	TxHash string
}

// WithdrawalResult reports a mined withdrawal request and the
// protocol-assigned request ids it produced.
type WithdrawalResult struct {
	TxHash     string
	RequestIDs []string
	Amounts    []decimal.Decimal
}

// WithdrawalStatus is the settlement queue's view of one request.
type WithdrawalStatus struct {
	RequestID   string
	IsFinalized bool
	IsClaimed   bool
}

// PoolState is a raw snapshot of a concentrated-liquidity pool: its two
// token identities and the instantaneous sqrt price in Q64.96 fixed point.
type PoolState struct {
	Token0       common.Address
	Token1       common.Address
	SqrtPriceX96 *big.Int
}

// Gateway executes chain reads and writes against the staking protocol.
// Write operations block until the transaction is mined.
type Gateway interface {
	Balance(ctx context.Context, asset Asset, address common.Address) (decimal.Decimal, error)
	SubmitStake(ctx context.Context, amount decimal.Decimal) (TxResult, error)
	RequestWithdrawal(ctx context.Context, amount decimal.Decimal, owner common.Address) (WithdrawalResult, error)
	WithdrawalStatuses(ctx context.Context, requestIDs []string) ([]WithdrawalStatus, error)
	ClaimWithdrawals(ctx context.Context, requestIDs []string) (TxResult, error)
	PoolState(ctx context.Context, pool common.Address) (PoolState, error)
}

// Error wraps any failed gateway read or write with the operation that
// produced it. The core never interprets revert reasons; the underlying
// transport or contract message is carried through verbatim.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func opErr(op string, err error) error {
	return &Error{Op: op, Err: err}
}
