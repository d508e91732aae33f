package settle

import (
	"context"
	"errors"
	"fmt"

	"carry-vault-bot/internal/venue/chain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNoFunds means nothing is left to pay out after fees; no transfer is
// attempted.
var ErrNoFunds = errors.New("no funds available for payout")

type Totals struct {
	Balance decimal.Decimal
	Profit  decimal.Decimal
	Fee     decimal.Decimal
	Payout  decimal.Decimal
}

// ComputeFee derives the performance fee from the custodial balance and the
// deposits tracked since the last close. Losses never produce a negative fee
// or payout.
func ComputeFee(currentBalance, trackedDeposit decimal.Decimal, feeBps int64) Totals {
	profit := currentBalance.Sub(trackedDeposit)
	if profit.Sign() < 0 {
		profit = decimal.Zero
	}
	fee := profit.Mul(decimal.NewFromInt(feeBps)).Div(decimal.NewFromInt(10000))
	payout := currentBalance.Sub(fee)
	if payout.Sign() < 0 {
		payout = decimal.Zero
	}
	return Totals{
		Balance: currentBalance,
		Profit:  profit,
		Fee:     fee,
		Payout:  payout,
	}
}

type ChainClient interface {
	Wallet() common.Address
	TokenBalance(ctx context.Context, token, owner common.Address, decimals int) (decimal.Decimal, error)
	Submit(ctx context.Context, tx chain.SignableTx) (chain.Pending, error)
	Confirm(ctx context.Context, p chain.Pending) (chain.Receipt, error)
}

// Engine computes and pays out the user's share of the settlement asset at
// close time. The fee stays in the custodial wallet.
type Engine struct {
	chain    ChainClient
	token    common.Address
	decimals int
	feeBps   int64
	log      *zap.Logger
}

func NewEngine(chainClient ChainClient, token common.Address, decimals int, feeBps int64, log *zap.Logger) *Engine {
	return &Engine{
		chain:    chainClient,
		token:    token,
		decimals: decimals,
		feeBps:   feeBps,
		log:      log,
	}
}

// Settle reads the custodial balance, derives the payout and sends it to the
// recipient. Returns ErrNoFunds without submitting when the payout is zero.
func (e *Engine) Settle(ctx context.Context, trackedDeposit decimal.Decimal, recipient common.Address) (Totals, string, error) {
	balance, err := e.chain.TokenBalance(ctx, e.token, e.chain.Wallet(), e.decimals)
	if err != nil {
		return Totals{}, "", fmt.Errorf("settle: balance: %w", err)
	}
	totals := ComputeFee(balance, trackedDeposit, e.feeBps)
	if totals.Payout.Sign() <= 0 {
		return totals, "", ErrNoFunds
	}
	tx, err := chain.BuildTransferTx(e.token, recipient, totals.Payout, e.decimals)
	if err != nil {
		return totals, "", fmt.Errorf("settle: build transfer: %w", err)
	}
	pending, err := e.chain.Submit(ctx, tx)
	if err != nil {
		return totals, "", fmt.Errorf("settle: submit: %w", err)
	}
	receipt, err := e.chain.Confirm(ctx, pending)
	if err != nil {
		return totals, receipt.TxHash, fmt.Errorf("settle: confirm: %w", err)
	}
	if !receipt.Succeeded {
		return totals, receipt.TxHash, fmt.Errorf("settle: payout transaction reverted: %s", receipt.TxHash)
	}
	e.log.Info("payout sent",
		zap.String("recipient", recipient.Hex()),
		zap.String("payout", totals.Payout.String()),
		zap.String("fee", totals.Fee.String()),
		zap.String("tx", receipt.TxHash),
	)
	return totals, receipt.TxHash, nil
}
