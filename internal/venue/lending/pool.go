package lending

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"carry-vault-bot/internal/config"
	"carry-vault-bot/internal/venue/chain"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const poolABIJSON = `[
  {"name":"borrowedOf","type":"function","stateMutability":"view","inputs":[{"name":"asset","type":"address"},{"name":"profileId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"collateralOf","type":"function","stateMutability":"view","inputs":[{"name":"asset","type":"address"},{"name":"profileId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"supplyCollateral","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"profileId","type":"uint256"}],"outputs":[]},
  {"name":"borrow","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"profileId","type":"uint256"}],"outputs":[]},
  {"name":"repay","type":"function","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"profileId","type":"uint256"}],"outputs":[]},
  {"name":"utilization","type":"function","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// Pool is a money-market client. Reads go through eth_call; mutations are
// returned as signable transactions for the chain client to submit.
type Pool struct {
	chain     *chain.Client
	pool      common.Address
	profileID uint64
	abi       abi.ABI
	assets    map[string]assetInfo
	log       *zap.Logger
}

type assetInfo struct {
	addr     common.Address
	decimals int
}

func NewPool(cfg config.LendingConfig, spotCfg config.SpotConfig, chainClient *chain.Client, log *zap.Logger) (*Pool, error) {
	poolABI, err := abi.JSON(strings.NewReader(poolABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	assets := map[string]assetInfo{
		"base":  {addr: common.HexToAddress(spotCfg.BaseToken), decimals: spotCfg.BaseDecimals},
		"quote": {addr: common.HexToAddress(spotCfg.QuoteToken), decimals: spotCfg.QuoteDecimals},
	}
	return &Pool{
		chain:     chainClient,
		pool:      common.HexToAddress(cfg.PoolAddress),
		profileID: cfg.ProfileID,
		abi:       poolABI,
		assets:    assets,
		log:       log,
	}, nil
}

func (p *Pool) asset(role string) (assetInfo, error) {
	info, ok := p.assets[role]
	if !ok {
		return assetInfo{}, fmt.Errorf("unknown asset role %q", role)
	}
	return info, nil
}

func (p *Pool) readAmount(ctx context.Context, method, assetRole string) (decimal.Decimal, error) {
	info, err := p.asset(assetRole)
	if err != nil {
		return decimal.Zero, err
	}
	data, err := p.abi.Pack(method, info.addr, new(big.Int).SetUint64(p.profileID))
	if err != nil {
		return decimal.Zero, err
	}
	result, err := p.chain.Call(ctx, p.pool, data)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s call: %w", method, err)
	}
	return chain.FromUnits(new(big.Int).SetBytes(result), info.decimals), nil
}

// OutstandingLoan reads the current debt for the asset under this profile.
func (p *Pool) OutstandingLoan(ctx context.Context, assetRole string) (decimal.Decimal, error) {
	return p.readAmount(ctx, "borrowedOf", assetRole)
}

// DepositedCollateral reads the collateral currently posted for the profile.
func (p *Pool) DepositedCollateral(ctx context.Context, assetRole string) (decimal.Decimal, error) {
	return p.readAmount(ctx, "collateralOf", assetRole)
}

// Utilization reads pool utilization for the asset as a fraction in [0, 1].
// Feeds the borrow-cost side of the profitability model.
func (p *Pool) Utilization(ctx context.Context, assetRole string) (float64, error) {
	info, err := p.asset(assetRole)
	if err != nil {
		return 0, err
	}
	data, err := p.abi.Pack("utilization", info.addr)
	if err != nil {
		return 0, err
	}
	result, err := p.chain.Call(ctx, p.pool, data)
	if err != nil {
		return 0, fmt.Errorf("utilization call: %w", err)
	}
	// Scaled 1e18 on chain.
	u, _ := chain.FromUnits(new(big.Int).SetBytes(result), 18).Float64()
	return u, nil
}

func (p *Pool) buildTx(method, assetRole string, amount decimal.Decimal) (chain.SignableTx, error) {
	info, err := p.asset(assetRole)
	if err != nil {
		return chain.SignableTx{}, err
	}
	if amount.Sign() <= 0 {
		return chain.SignableTx{}, fmt.Errorf("%s amount must be positive, got %s", method, amount)
	}
	data, err := p.abi.Pack(method, info.addr, chain.ToUnits(amount, info.decimals), new(big.Int).SetUint64(p.profileID))
	if err != nil {
		return chain.SignableTx{}, err
	}
	return chain.SignableTx{To: p.pool, Value: big.NewInt(0), Data: data}, nil
}

func (p *Pool) BuildSupplyCollateralTx(assetRole string, amount decimal.Decimal) (chain.SignableTx, error) {
	return p.buildTx("supplyCollateral", assetRole, amount)
}

func (p *Pool) BuildBorrowTx(assetRole string, amount decimal.Decimal) (chain.SignableTx, error) {
	return p.buildTx("borrow", assetRole, amount)
}

func (p *Pool) BuildRepayTx(assetRole string, amount decimal.Decimal) (chain.SignableTx, error) {
	return p.buildTx("repay", assetRole, amount)
}
