package gateway

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	lidoABIJSON  = `[{"inputs":[{"internalType":"address","name":"_referral","type":"address"}],"name":"submit","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"payable","type":"function"}]`
	erc20ABIJSON = `[{"inputs":[{"internalType":"address","name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},{"inputs":[{"internalType":"address","name":"_spender","type":"address"},{"internalType":"uint256","name":"_amount","type":"uint256"}],"name":"approve","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},{"inputs":[{"internalType":"address","name":"_owner","type":"address"},{"internalType":"address","name":"_spender","type":"address"}],"name":"allowance","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`
	queueABIJSON = `[{"inputs":[{"internalType":"uint256[]","name":"_amounts","type":"uint256[]"},{"internalType":"address","name":"_owner","type":"address"}],"name":"requestWithdrawals","outputs":[{"internalType":"uint256[]","name":"requestIds","type":"uint256[]"}],"stateMutability":"nonpayable","type":"function"},{"inputs":[{"internalType":"uint256[]","name":"_requestIds","type":"uint256[]"}],"name":"getWithdrawalStatus","outputs":[{"components":[{"internalType":"uint256","name":"amountOfStETH","type":"uint256"},{"internalType":"uint256","name":"amountOfShares","type":"uint256"},{"internalType":"address","name":"owner","type":"address"},{"internalType":"uint256","name":"timestamp","type":"uint256"},{"internalType":"bool","name":"isFinalized","type":"bool"},{"internalType":"bool","name":"isClaimed","type":"bool"}],"internalType":"struct WithdrawalQueueBase.WithdrawalRequestStatus[]","name":"statuses","type":"tuple[]"}],"stateMutability":"view","type":"function"},{"inputs":[{"internalType":"uint256[]","name":"_requestIds","type":"uint256[]"},{"internalType":"uint256[]","name":"_hints","type":"uint256[]"}],"name":"claimWithdrawals","outputs":[],"stateMutability":"nonpayable","type":"function"},{"inputs":[{"internalType":"uint256[]","name":"_requestIds","type":"uint256[]"},{"internalType":"uint256","name":"_firstIndex","type":"uint256"},{"internalType":"uint256","name":"_lastIndex","type":"uint256"}],"name":"findCheckpointHints","outputs":[{"internalType":"uint256[]","name":"hintIds","type":"uint256[]"}],"stateMutability":"view","type":"function"},{"inputs":[],"name":"getLastCheckpointIndex","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`
	poolABIJSON  = `[{"inputs":[],"name":"slot0","outputs":[{"internalType":"uint160","name":"sqrtPriceX96","type":"uint160"},{"internalType":"int24","name":"tick","type":"int24"},{"internalType":"uint16","name":"observationIndex","type":"uint16"},{"internalType":"uint16","name":"observationCardinality","type":"uint16"},{"internalType":"uint16","name":"observationCardinalityNext","type":"uint16"},{"internalType":"uint8","name":"feeProtocol","type":"uint8"},{"internalType":"bool","name":"unlocked","type":"bool"}],"stateMutability":"view","type":"function"},{"inputs":[],"name":"token0","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},{"inputs":[],"name":"token1","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}]`
)

var (
	lidoABI  abi.ABI
	erc20ABI abi.ABI
	queueABI abi.ABI
	poolABI  abi.ABI
)

func init() {
	for _, entry := range []struct {
		name string
		json string
		dst  *abi.ABI
	}{
		{"lido", lidoABIJSON, &lidoABI},
		{"erc20", erc20ABIJSON, &erc20ABI},
		{"withdrawal queue", queueABIJSON, &queueABI},
		{"pool", poolABIJSON, &poolABI},
	} {
		parsed, err := abi.JSON(strings.NewReader(entry.json))
		if err != nil {
			panic("failed to parse " + entry.name + " ABI: " + err.Error())
		}
		*entry.dst = parsed
	}
}

var wei1e18 = decimal.New(1, 18)

// maxRequestStETH is the protocol cap for a single withdrawal request;
// larger amounts are split into multiple requests in one transaction.
var maxRequestStETH = decimal.NewFromInt(1000)

// EthOptions parameterise the Ethereum gateway.
type EthOptions struct {
	RPCURL          string
	ChainID         int64
	PrivateKey      string
	Timeout         time.Duration
	LidoAddress     string
	QueueAddress    string
	StETHAddress    string
	ReferralAddress string
}

// EthGateway implements Gateway against Ethereum JSON-RPC: Lido for
// staking, the Lido withdrawal queue for the request lifecycle, and plain
// ERC-20 reads for balances.
type EthGateway struct {
	opts      EthOptions
	logger    zerolog.Logger
	key       *ecdsa.PrivateKey
	wallet    common.Address
	lido      common.Address
	queue     common.Address
	steth     common.Address
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewEthGateway builds a gateway from options, deriving the wallet
// address from the configured private key.
func NewEthGateway(opts EthOptions, logger zerolog.Logger) (*EthGateway, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	if opts.PrivateKey == "" {
		return nil, errors.New("wallet private key not configured")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKey, "0x"))
	if err != nil {
		return nil, errors.New("invalid wallet private key")
	}

	return &EthGateway{
		opts:   opts,
		logger: logger.With().Str("component", "eth_gateway").Logger(),
		key:    key,
		wallet: crypto.PubkeyToAddress(key.PublicKey),
		lido:   common.HexToAddress(opts.LidoAddress),
		queue:  common.HexToAddress(opts.QueueAddress),
		steth:  common.HexToAddress(opts.StETHAddress),
	}, nil
}

// Wallet returns the address derived from the configured private key.
func (g *EthGateway) Wallet() common.Address {
	return g.wallet
}

// Balance reads the ETH or stETH balance of address.
func (g *EthGateway) Balance(ctx context.Context, asset Asset, address common.Address) (decimal.Decimal, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	client, err := g.getClient(ctx)
	if err != nil {
		return decimal.Decimal{}, opErr("dial", err)
	}

	switch asset {
	case AssetETH:
		wei, err := client.BalanceAt(ctx, address, nil)
		if err != nil {
			return decimal.Decimal{}, opErr("eth balance", err)
		}
		return fromWei(wei), nil
	case AssetStETH:
		wei, err := g.callUint(ctx, g.steth, erc20ABI, "balanceOf", address)
		if err != nil {
			return decimal.Decimal{}, opErr("steth balance", err)
		}
		return fromWei(wei), nil
	default:
		return decimal.Decimal{}, opErr("balance", errors.New("unknown asset "+string(asset)))
	}
}

// SubmitStake sends amount ETH to Lido's submit and waits for the mine.
func (g *EthGateway) SubmitStake(ctx context.Context, amount decimal.Decimal) (TxResult, error) {
	payload, err := lidoABI.Pack("submit", common.HexToAddress(g.opts.ReferralAddress))
	if err != nil {
		return TxResult{}, opErr("pack submit", err)
	}

	receipt, err := g.sendTransaction(ctx, g.lido, toWei(amount), payload)
	if err != nil {
		return TxResult{}, opErr("submit stake", err)
	}
	return TxResult{TxHash: receipt.TxHash.Hex()}, nil
}

// RequestWithdrawal requests withdrawal of amount stETH for owner. The
// amount is split into protocol-sized chunks, the assigned request ids are
// learned through a pre-flight eth_call, and the transaction is then
// submitted and mined.
func (g *EthGateway) RequestWithdrawal(ctx context.Context, amount decimal.Decimal, owner common.Address) (WithdrawalResult, error) {
	chunks := splitAmount(amount, maxRequestStETH)
	if len(chunks) == 0 {
		return WithdrawalResult{}, opErr("request withdrawal", errors.New("amount rounds to zero"))
	}

	weiAmounts := make([]*big.Int, len(chunks))
	total := new(big.Int)
	for i, chunk := range chunks {
		weiAmounts[i] = toWei(chunk)
		total.Add(total, weiAmounts[i])
	}

	if err := g.ensureAllowance(ctx, total); err != nil {
		return WithdrawalResult{}, err
	}

	payload, err := queueABI.Pack("requestWithdrawals", weiAmounts, owner)
	if err != nil {
		return WithdrawalResult{}, opErr("pack requestWithdrawals", err)
	}

	ids, err := g.dryRunRequestIDs(ctx, payload)
	if err != nil {
		return WithdrawalResult{}, err
	}

	receipt, err := g.sendTransaction(ctx, g.queue, nil, payload)
	if err != nil {
		return WithdrawalResult{}, opErr("request withdrawal", err)
	}

	return WithdrawalResult{
		TxHash:     receipt.TxHash.Hex(),
		RequestIDs: ids,
		Amounts:    chunks,
	}, nil
}

// WithdrawalStatuses batch-queries the queue for finalization and claim
// state of the given request ids.
func (g *EthGateway) WithdrawalStatuses(ctx context.Context, requestIDs []string) ([]WithdrawalStatus, error) {
	if len(requestIDs) == 0 {
		return []WithdrawalStatus{}, nil
	}

	ids, err := parseRequestIDs(requestIDs)
	if err != nil {
		return nil, opErr("withdrawal statuses", err)
	}

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	out, err := g.call(ctx, g.queue, queueABI, "getWithdrawalStatus", ids)
	if err != nil {
		return nil, opErr("withdrawal statuses", err)
	}

	raw := abi.ConvertType(out[0], new([]queueRequestStatus)).(*[]queueRequestStatus)
	if len(*raw) != len(requestIDs) {
		return nil, opErr("withdrawal statuses", errors.New("status count does not match request count"))
	}

	statuses := make([]WithdrawalStatus, len(*raw))
	for i, st := range *raw {
		statuses[i] = WithdrawalStatus{
			RequestID:   requestIDs[i],
			IsFinalized: st.IsFinalized,
			IsClaimed:   st.IsClaimed,
		}
	}
	return statuses, nil
}

// ClaimWithdrawals claims all given request ids in one transaction,
// resolving checkpoint hints first.
func (g *EthGateway) ClaimWithdrawals(ctx context.Context, requestIDs []string) (TxResult, error) {
	ids, err := parseRequestIDs(requestIDs)
	if err != nil {
		return TxResult{}, opErr("claim withdrawals", err)
	}

	hints, err := g.checkpointHints(ctx, ids)
	if err != nil {
		return TxResult{}, err
	}

	payload, err := queueABI.Pack("claimWithdrawals", ids, hints)
	if err != nil {
		return TxResult{}, opErr("pack claimWithdrawals", err)
	}

	receipt, err := g.sendTransaction(ctx, g.queue, nil, payload)
	if err != nil {
		return TxResult{}, opErr("claim withdrawals", err)
	}
	return TxResult{TxHash: receipt.TxHash.Hex()}, nil
}

// PoolState reads token identities and the instantaneous sqrt price from
// a Uniswap V3 style pool.
func (g *EthGateway) PoolState(ctx context.Context, pool common.Address) (PoolState, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	slot0, err := g.call(ctx, pool, poolABI, "slot0")
	if err != nil {
		return PoolState{}, opErr("pool slot0", err)
	}
	sqrtPrice, ok := slot0[0].(*big.Int)
	if !ok {
		return PoolState{}, opErr("pool slot0", errors.New("unexpected sqrtPriceX96 type"))
	}

	token0, err := g.callAddress(ctx, pool, poolABI, "token0")
	if err != nil {
		return PoolState{}, opErr("pool token0", err)
	}
	token1, err := g.callAddress(ctx, pool, poolABI, "token1")
	if err != nil {
		return PoolState{}, opErr("pool token1", err)
	}

	return PoolState{Token0: token0, Token1: token1, SqrtPriceX96: sqrtPrice}, nil
}

type queueRequestStatus struct {
	AmountOfStETH  *big.Int
	AmountOfShares *big.Int
	Owner          common.Address
	Timestamp      *big.Int
	IsFinalized    bool
	IsClaimed      bool
}

func (g *EthGateway) ensureAllowance(ctx context.Context, total *big.Int) error {
	readCtx, cancel := g.withTimeout(ctx)
	allowance, err := g.callUint(readCtx, g.steth, erc20ABI, "allowance", g.wallet, g.queue)
	cancel()
	if err != nil {
		return opErr("steth allowance", err)
	}
	if allowance.Cmp(total) >= 0 {
		return nil
	}

	payload, err := erc20ABI.Pack("approve", g.queue, total)
	if err != nil {
		return opErr("pack approve", err)
	}
	if _, err := g.sendTransaction(ctx, g.steth, nil, payload); err != nil {
		return opErr("approve steth", err)
	}
	return nil
}

func (g *EthGateway) dryRunRequestIDs(ctx context.Context, payload []byte) ([]string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	client, err := g.getClient(ctx)
	if err != nil {
		return nil, opErr("dial", err)
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{From: g.wallet, To: &g.queue, Data: payload}, nil)
	if err != nil {
		return nil, opErr("dry-run requestWithdrawals", err)
	}

	out, err := queueABI.Unpack("requestWithdrawals", res)
	if err != nil {
		return nil, opErr("decode requestWithdrawals", err)
	}

	raw, ok := out[0].([]*big.Int)
	if !ok || len(raw) == 0 {
		return nil, opErr("decode requestWithdrawals", errors.New("no request ids returned"))
	}

	ids := make([]string, len(raw))
	for i, id := range raw {
		ids[i] = id.String()
	}
	return ids, nil
}

func (g *EthGateway) checkpointHints(ctx context.Context, ids []*big.Int) ([]*big.Int, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	lastIndex, err := g.callUint(ctx, g.queue, queueABI, "getLastCheckpointIndex")
	if err != nil {
		return nil, opErr("last checkpoint index", err)
	}

	out, err := g.call(ctx, g.queue, queueABI, "findCheckpointHints", ids, big.NewInt(1), lastIndex)
	if err != nil {
		return nil, opErr("checkpoint hints", err)
	}

	hints, ok := out[0].([]*big.Int)
	if !ok || len(hints) != len(ids) {
		return nil, opErr("checkpoint hints", errors.New("unexpected hint response"))
	}
	return hints, nil
}

func (g *EthGateway) call(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	client, err := g.getClient(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, nil)
	if err != nil {
		return nil, err
	}

	return contractABI.Unpack(method, res)
}

func (g *EthGateway) callUint(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) (*big.Int, error) {
	out, err := g.call(ctx, to, contractABI, method, args...)
	if err != nil {
		return nil, err
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, errors.New("unexpected " + method + " response")
	}
	return value, nil
}

func (g *EthGateway) callAddress(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) (common.Address, error) {
	out, err := g.call(ctx, to, contractABI, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	value, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, errors.New("unexpected " + method + " response")
	}
	return value, nil
}

// sendTransaction signs, submits, and waits for a dynamic-fee transaction.
// Mining is awaited on the caller's context, not the per-read timeout.
func (g *EthGateway) sendTransaction(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	client, err := g.getClient(ctx)
	if err != nil {
		return nil, err
	}

	nonce, err := client.PendingNonceAt(ctx, g.wallet)
	if err != nil {
		return nil, err
	}

	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, err
	}

	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}

	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	msg := ethereum.CallMsg{From: g.wallet, To: &to, Value: value, Data: data}
	gasLimit, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return nil, err
	}

	chainID := big.NewInt(g.opts.ChainID)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), g.key)
	if err != nil {
		return nil, err
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}

	g.logger.Debug().Str("tx_hash", signed.Hash().Hex()).Str("to", to.Hex()).Msg("transaction submitted, waiting for mine")

	receipt, err := bind.WaitMined(ctx, client, signed)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, errors.New("transaction reverted: " + receipt.TxHash.Hex())
	}
	return receipt, nil
}

func (g *EthGateway) getClient(ctx context.Context) (*ethclient.Client, error) {
	g.clientMux.Lock()
	defer g.clientMux.Unlock()

	if g.client != nil {
		return g.client, nil
	}

	client, err := ethclient.DialContext(ctx, g.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	g.client = client
	return client, nil
}

func (g *EthGateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := g.opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func toWei(amount decimal.Decimal) *big.Int {
	return amount.Mul(wei1e18).Round(0).BigInt()
}

func fromWei(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -18)
}

func splitAmount(amount, max decimal.Decimal) []decimal.Decimal {
	if amount.Sign() <= 0 {
		return nil
	}

	chunks := make([]decimal.Decimal, 0, 1)
	remaining := amount
	for remaining.GreaterThan(max) {
		chunks = append(chunks, max)
		remaining = remaining.Sub(max)
	}
	if remaining.Sign() > 0 {
		chunks = append(chunks, remaining)
	}
	return chunks
}

func parseRequestIDs(requestIDs []string) ([]*big.Int, error) {
	ids := make([]*big.Int, len(requestIDs))
	for i, raw := range requestIDs {
		id, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, errors.New("invalid request id " + raw)
		}
		ids[i] = id
	}
	return ids, nil
}

var _ Gateway = (*EthGateway)(nil)
