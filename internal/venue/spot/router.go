package spot

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"carry-vault-bot/internal/config"
	"carry-vault-bot/internal/venue/chain"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNoRoute means the router cannot quote the requested pair for the
// requested size. The caller must abort the leg sequence before any
// submission.
var ErrNoRoute = errors.New("no viable swap route")

const swapDeadline = 15 * time.Minute

const routerABIJSON = `[
  {"name":"getAmountsOut","type":"function","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
  {"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

// Route is a quoted single-hop swap, amounts in raw token units.
type Route struct {
	FromToken common.Address
	ToToken   common.Address
	AmountIn  *big.Int
	AmountOut *big.Int
	InHuman   decimal.Decimal
	OutHuman  decimal.Decimal
}

// Router quotes and builds swaps against a UniswapV2-style router contract.
type Router struct {
	chain         *chain.Client
	router        common.Address
	baseToken     common.Address
	quoteToken    common.Address
	baseDecimals  int
	quoteDecimals int
	abi           abi.ABI
	log           *zap.Logger
}

func NewRouter(cfg config.SpotConfig, chainClient *chain.Client, log *zap.Logger) (*Router, error) {
	routerABI, err := abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}
	return &Router{
		chain:         chainClient,
		router:        common.HexToAddress(cfg.RouterAddress),
		baseToken:     common.HexToAddress(cfg.BaseToken),
		quoteToken:    common.HexToAddress(cfg.QuoteToken),
		baseDecimals:  cfg.BaseDecimals,
		quoteDecimals: cfg.QuoteDecimals,
		abi:           routerABI,
		log:           log,
	}, nil
}

func (r *Router) tokenFor(asset string) (common.Address, int, error) {
	switch asset {
	case "base":
		return r.baseToken, r.baseDecimals, nil
	case "quote":
		return r.quoteToken, r.quoteDecimals, nil
	}
	return common.Address{}, 0, fmt.Errorf("unknown asset role %q", asset)
}

// Quote asks the router for the output of swapping amount of fromAsset into
// toAsset. Asset roles are "base" and "quote". Returns ErrNoRoute when the
// router has no usable path or quotes zero output.
func (r *Router) Quote(ctx context.Context, fromAsset, toAsset string, amount decimal.Decimal) (*Route, error) {
	fromToken, fromDec, err := r.tokenFor(fromAsset)
	if err != nil {
		return nil, err
	}
	toToken, toDec, err := r.tokenFor(toAsset)
	if err != nil {
		return nil, err
	}
	amountIn := chain.ToUnits(amount, fromDec)
	if amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("quote amount must be positive, got %s", amount)
	}
	path := []common.Address{fromToken, toToken}
	data, err := r.abi.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, err
	}
	result, err := r.chain.Call(ctx, r.router, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRoute, err)
	}
	outputs, err := r.abi.Unpack("getAmountsOut", result)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrNoRoute, err)
	}
	amounts, ok := outputs[0].([]*big.Int)
	if !ok || len(amounts) < 2 || amounts[len(amounts)-1].Sign() <= 0 {
		return nil, ErrNoRoute
	}
	amountOut := amounts[len(amounts)-1]
	return &Route{
		FromToken: fromToken,
		ToToken:   toToken,
		AmountIn:  amountIn,
		AmountOut: amountOut,
		InHuman:   amount,
		OutHuman:  chain.FromUnits(amountOut, toDec),
	}, nil
}

// BuildSwapTx packs the swap for a previously quoted route, protecting the
// output with the given slippage in basis points.
func (r *Router) BuildSwapTx(route *Route, slippageBps float64, recipient common.Address) (chain.SignableTx, error) {
	if route == nil || route.AmountOut == nil || route.AmountOut.Sign() <= 0 {
		return chain.SignableTx{}, ErrNoRoute
	}
	minOut := applySlippage(route.AmountOut, slippageBps)
	deadline := big.NewInt(time.Now().Add(swapDeadline).Unix())
	path := []common.Address{route.FromToken, route.ToToken}
	data, err := r.abi.Pack("swapExactTokensForTokens", route.AmountIn, minOut, path, recipient, deadline)
	if err != nil {
		return chain.SignableTx{}, err
	}
	return chain.SignableTx{To: r.router, Value: big.NewInt(0), Data: data}, nil
}

// EnsureAllowance approves the router for the input token when the current
// allowance does not cover the route.
func (r *Router) EnsureAllowance(ctx context.Context, route *Route) (*chain.SignableTx, error) {
	current, err := r.chain.Allowance(ctx, route.FromToken, r.chain.Wallet(), r.router)
	if err != nil {
		return nil, err
	}
	if current.Cmp(route.AmountIn) >= 0 {
		return nil, nil
	}
	tx, err := chain.BuildApproveTx(route.FromToken, r.router)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func applySlippage(amount *big.Int, slippageBps float64) *big.Int {
	if slippageBps <= 0 {
		return new(big.Int).Set(amount)
	}
	bps := big.NewInt(int64(10000 - slippageBps))
	if bps.Sign() <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, bps)
	return out.Div(out, big.NewInt(10000))
}
