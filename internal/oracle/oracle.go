// Package oracle normalizes a pooled-market price into the value of one
// unit of staked asset expressed in base-asset units, where 1.0 is parity.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stethkeeper/internal/gateway"
)

// ErrPriceUnavailable indicates the pool read failed or produced an
// unusable price.
var ErrPriceUnavailable = errors.New("oracle: price unavailable")

// AssetMismatchError indicates the pool's token pair does not match the
// configured staked/base pair in either order.
type AssetMismatchError struct {
	Token0 common.Address
	Token1 common.Address
	Staked common.Address
	Base   common.Address
}

func (e *AssetMismatchError) Error() string {
	return fmt.Sprintf("oracle: pool tokens %s/%s do not match configured pair %s/%s",
		e.Token0.Hex(), e.Token1.Hex(), e.Staked.Hex(), e.Base.Hex())
}

var (
	scale1e18 = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	scale1e36 = new(big.Int).Exp(big.NewInt(10), big.NewInt(36), nil)
	q192      = new(big.Int).Lsh(big.NewInt(1), 192)
)

// PoolReader is the slice of the chain gateway the oracle needs.
type PoolReader interface {
	PoolState(ctx context.Context, pool common.Address) (gateway.PoolState, error)
}

// Options parameterise the oracle.
type Options struct {
	Pool        common.Address
	StakedAsset common.Address
	BaseAsset   common.Address
}

// PoolOracle derives the staked/base ratio from a concentrated-liquidity
// pool's sqrt price. Both assets are assumed to carry the same decimal
// precision (18), so no decimal-adjustment factor is applied; reuse with
// assets of differing precision would require one.
type PoolOracle struct {
	opts   Options
	reader PoolReader
	logger zerolog.Logger
}

// New constructs a PoolOracle.
func New(opts Options, reader PoolReader, logger zerolog.Logger) *PoolOracle {
	return &PoolOracle{
		opts:   opts,
		reader: reader,
		logger: logger.With().Str("component", "pool_oracle").Logger(),
	}
}

// Ratio reads the pool and returns base-asset units per one staked-asset
// unit as an 18-decimal value.
func (o *PoolOracle) Ratio(ctx context.Context) (decimal.Decimal, error) {
	pool, err := o.reader.PoolState(ctx, o.opts.Pool)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}

	if err := o.checkAssets(pool); err != nil {
		return decimal.Decimal{}, err
	}

	if pool.SqrtPriceX96 == nil || pool.SqrtPriceX96.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: pool reported zero price", ErrPriceUnavailable)
	}

	// sqrtPriceX96 squared and rescaled yields token1 per token0 at
	// 18-decimal fixed point.
	price := new(big.Int).Mul(pool.SqrtPriceX96, pool.SqrtPriceX96)
	price.Mul(price, scale1e18)
	price.Quo(price, q192)

	if price.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: price rounds to zero", ErrPriceUnavailable)
	}

	ratio := price
	if o.opts.StakedAsset != pool.Token0 {
		// Staked asset is token1: invert via fixed-point reciprocal,
		// never floating-point division.
		ratio = new(big.Int).Quo(scale1e36, price)
	}

	return decimal.NewFromBigInt(ratio, -18), nil
}

func (o *PoolOracle) checkAssets(pool gateway.PoolState) error {
	forward := pool.Token0 == o.opts.StakedAsset && pool.Token1 == o.opts.BaseAsset
	reverse := pool.Token0 == o.opts.BaseAsset && pool.Token1 == o.opts.StakedAsset
	if forward || reverse {
		return nil
	}
	return &AssetMismatchError{
		Token0: pool.Token0,
		Token1: pool.Token1,
		Staked: o.opts.StakedAsset,
		Base:   o.opts.BaseAsset,
	}
}
