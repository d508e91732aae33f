package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const erc20ABIJSON = `[
  {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ToUnits converts a human amount to raw token units.
func ToUnits(amount decimal.Decimal, decimals int) *big.Int {
	return amount.Shift(int32(decimals)).BigInt()
}

// FromUnits converts raw token units to a human amount.
func FromUnits(raw *big.Int, decimals int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, 0).Shift(-int32(decimals))
}

// TokenBalance reads an ERC20 balance as a human amount.
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address, decimals int) (decimal.Decimal, error) {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return decimal.Zero, err
	}
	result, err := c.Call(ctx, token, data)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balanceOf call: %w", err)
	}
	return FromUnits(new(big.Int).SetBytes(result), decimals), nil
}

// BuildTransferTx packs an ERC20 transfer of a human amount.
func BuildTransferTx(token, to common.Address, amount decimal.Decimal, decimals int) (SignableTx, error) {
	data, err := erc20ABI.Pack("transfer", to, ToUnits(amount, decimals))
	if err != nil {
		return SignableTx{}, err
	}
	return SignableTx{To: token, Value: big.NewInt(0), Data: data}, nil
}

// BuildApproveTx packs an unlimited ERC20 approval for a spender.
func BuildApproveTx(token, spender common.Address) (SignableTx, error) {
	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	data, err := erc20ABI.Pack("approve", spender, maxUint256)
	if err != nil {
		return SignableTx{}, err
	}
	return SignableTx{To: token, Value: big.NewInt(0), Data: data}, nil
}

// Allowance reads the current ERC20 allowance in raw units.
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	result, err := c.Call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("allowance call: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}
