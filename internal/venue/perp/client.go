package perp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"carry-vault-bot/internal/config"
	"carry-vault-bot/internal/venue/chain"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Orders and collateral moves go through the venue's on-chain router; market
// data (limits, funding, positions) comes from its REST info endpoint.
const routerABIJSON = `[
  {"name":"depositCollateral","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
  {"name":"createMarketOrder","type":"function","stateMutability":"nonpayable","inputs":[{"name":"pairIndex","type":"uint256"},{"name":"sizeDelta","type":"uint256"},{"name":"collateralDelta","type":"uint256"},{"name":"isLong","type":"bool"},{"name":"isIncrease","type":"bool"}],"outputs":[]}
]`

const (
	sizeScale       = 18
	collateralScale = 6
	fundingMaxAge   = 2 * time.Minute
)

type Client struct {
	baseURL string
	http    *http.Client
	router  common.Address
	abi     abi.ABI
	pairIdx map[string]uint64
	log     *zap.Logger

	mu          sync.Mutex
	fundingRate float64
	fundingPair string
	fundingAt   time.Time
}

func NewClient(cfg config.PerpConfig, log *zap.Logger) (*Client, error) {
	routerABI, err := abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse perp router abi: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		router:  common.HexToAddress(cfg.RouterAddress),
		abi:     routerABI,
		pairIdx: map[string]uint64{cfg.Pair: 0},
		log:     log,
	}, nil
}

func (c *Client) post(ctx context.Context, req any, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/info", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("perp info: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) PairLimits(ctx context.Context, pair string) (PairLimits, error) {
	var limits PairLimits
	err := c.post(ctx, map[string]string{"type": "pairLimits", "pair": pair}, &limits)
	if err != nil {
		return PairLimits{}, err
	}
	return limits, nil
}

// FundingRate returns the signed funding rate in percent per hour. A fresh
// websocket observation wins; otherwise the REST endpoint is asked.
func (c *Client) FundingRate(ctx context.Context, pair string) (float64, error) {
	c.mu.Lock()
	rate, at, cachedPair := c.fundingRate, c.fundingAt, c.fundingPair
	c.mu.Unlock()
	if cachedPair == pair && !at.IsZero() && time.Since(at) < fundingMaxAge {
		return rate, nil
	}
	var out struct {
		FundingRate float64 `json:"fundingRate"`
	}
	if err := c.post(ctx, map[string]string{"type": "funding", "pair": pair}, &out); err != nil {
		return 0, err
	}
	c.setFunding(pair, out.FundingRate)
	return out.FundingRate, nil
}

func (c *Client) setFunding(pair string, rate float64) {
	c.mu.Lock()
	c.fundingPair = pair
	c.fundingRate = rate
	c.fundingAt = time.Now()
	c.mu.Unlock()
}

// Position returns the open position for the pair, or nil when flat.
func (c *Client) Position(ctx context.Context, pair string) (*Position, error) {
	var out struct {
		Position *Position `json:"position"`
	}
	if err := c.post(ctx, map[string]string{"type": "position", "pair": pair}, &out); err != nil {
		return nil, err
	}
	if out.Position == nil || out.Position.SizeBase == 0 {
		return nil, nil
	}
	return out.Position, nil
}

func (c *Client) CollateralBalance(ctx context.Context) (float64, error) {
	var out struct {
		Collateral float64 `json:"collateral"`
	}
	if err := c.post(ctx, map[string]string{"type": "collateral"}, &out); err != nil {
		return 0, err
	}
	return out.Collateral, nil
}

func (c *Client) pairIndex(pair string) (uint64, error) {
	idx, ok := c.pairIdx[pair]
	if !ok {
		return 0, fmt.Errorf("unknown pair %q", pair)
	}
	return idx, nil
}

func (c *Client) BuildDepositCollateralTx(amount float64) (chain.SignableTx, error) {
	if amount <= 0 {
		return chain.SignableTx{}, fmt.Errorf("collateral deposit must be positive, got %f", amount)
	}
	data, err := c.abi.Pack("depositCollateral", toScaled(amount, collateralScale))
	if err != nil {
		return chain.SignableTx{}, err
	}
	return chain.SignableTx{To: c.router, Value: big.NewInt(0), Data: data}, nil
}

func (c *Client) BuildMarketOrderTx(pair string, sizeDelta, collateralDelta float64, isLong, isIncrease bool) (chain.SignableTx, error) {
	idx, err := c.pairIndex(pair)
	if err != nil {
		return chain.SignableTx{}, err
	}
	if sizeDelta <= 0 {
		return chain.SignableTx{}, fmt.Errorf("size delta must be positive, got %f", sizeDelta)
	}
	data, err := c.abi.Pack("createMarketOrder",
		new(big.Int).SetUint64(idx),
		toScaled(sizeDelta, sizeScale),
		toScaled(collateralDelta, collateralScale),
		isLong,
		isIncrease,
	)
	if err != nil {
		return chain.SignableTx{}, err
	}
	return chain.SignableTx{To: c.router, Value: big.NewInt(0), Data: data}, nil
}

func toScaled(amount float64, decimals int) *big.Int {
	return chain.ToUnits(decimal.NewFromFloat(amount), decimals)
}
