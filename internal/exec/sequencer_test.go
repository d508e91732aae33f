package exec

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"carry-vault-bot/internal/strategy"
	"carry-vault-bot/internal/venue/chain"
	"carry-vault-bot/internal/venue/perp"
	"carry-vault-bot/internal/venue/spot"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string][]byte)}
}

func (m *memoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key string, value []byte) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

type fakeChain struct {
	submitted []chain.SignableTx
	failOn    string
}

func (f *fakeChain) Wallet() common.Address { return common.Address{} }

func (f *fakeChain) Submit(ctx context.Context, tx chain.SignableTx) (chain.Pending, error) {
	_ = ctx
	f.submitted = append(f.submitted, tx)
	return chain.Pending{}, nil
}

func (f *fakeChain) Confirm(ctx context.Context, p chain.Pending) (chain.Receipt, error) {
	_ = ctx
	_ = p
	if f.failOn != "" && len(f.submitted) > 0 {
		last := string(f.submitted[len(f.submitted)-1].Data)
		if strings.Contains(last, f.failOn) {
			return chain.Receipt{TxHash: "0xdead", Succeeded: false}, nil
		}
	}
	return chain.Receipt{TxHash: "0xbeef", Succeeded: true}, nil
}

func (f *fakeChain) submittedSteps() []string {
	out := make([]string, 0, len(f.submitted))
	for _, tx := range f.submitted {
		out = append(out, string(tx.Data))
	}
	return out
}

type fakeSpot struct {
	quoteCalls int
	noRoute    bool
	// output per unit of input
	rate decimal.Decimal
}

func (f *fakeSpot) Quote(ctx context.Context, fromAsset, toAsset string, amount decimal.Decimal) (*spot.Route, error) {
	_ = ctx
	f.quoteCalls++
	if f.noRoute {
		return nil, spot.ErrNoRoute
	}
	rate := f.rate
	if rate.IsZero() {
		rate = decimal.NewFromInt(1)
	}
	return &spot.Route{
		InHuman:  amount,
		OutHuman: amount.Mul(rate),
	}, nil
}

func (f *fakeSpot) BuildSwapTx(route *spot.Route, slippageBps float64, recipient common.Address) (chain.SignableTx, error) {
	_ = slippageBps
	_ = recipient
	return chain.SignableTx{Data: []byte("swap:" + route.InHuman.String())}, nil
}

func (f *fakeSpot) EnsureAllowance(ctx context.Context, route *spot.Route) (*chain.SignableTx, error) {
	_ = ctx
	_ = route
	return nil, nil
}

type fakePerp struct {
	limits     perp.PairLimits
	position   *perp.Position
	collateral float64

	lastOrderIsLong     bool
	lastOrderIsIncrease bool
	lastSizeDelta       float64
	lastCollateralDelta float64
}

func (f *fakePerp) PairLimits(ctx context.Context, pair string) (perp.PairLimits, error) {
	_ = ctx
	_ = pair
	return f.limits, nil
}

func (f *fakePerp) Position(ctx context.Context, pair string) (*perp.Position, error) {
	_ = ctx
	_ = pair
	return f.position, nil
}

func (f *fakePerp) CollateralBalance(ctx context.Context) (float64, error) {
	_ = ctx
	return f.collateral, nil
}

func (f *fakePerp) BuildDepositCollateralTx(amount float64) (chain.SignableTx, error) {
	return chain.SignableTx{Data: []byte("depositCollateral")}, nil
}

func (f *fakePerp) BuildMarketOrderTx(pair string, sizeDelta, collateralDelta float64, isLong, isIncrease bool) (chain.SignableTx, error) {
	_ = pair
	f.lastSizeDelta = sizeDelta
	f.lastCollateralDelta = collateralDelta
	f.lastOrderIsLong = isLong
	f.lastOrderIsIncrease = isIncrease
	if isIncrease {
		return chain.SignableTx{Data: []byte("openOrder")}, nil
	}
	return chain.SignableTx{Data: []byte("closeOrder")}, nil
}

type fakeLending struct {
	outstanding decimal.Decimal
	collateral  decimal.Decimal
}

func (f *fakeLending) OutstandingLoan(ctx context.Context, assetRole string) (decimal.Decimal, error) {
	_ = ctx
	_ = assetRole
	return f.outstanding, nil
}

func (f *fakeLending) DepositedCollateral(ctx context.Context, assetRole string) (decimal.Decimal, error) {
	_ = ctx
	_ = assetRole
	return f.collateral, nil
}

func (f *fakeLending) BuildSupplyCollateralTx(assetRole string, amount decimal.Decimal) (chain.SignableTx, error) {
	return chain.SignableTx{Data: []byte("supplyCollateral")}, nil
}

func (f *fakeLending) BuildBorrowTx(assetRole string, amount decimal.Decimal) (chain.SignableTx, error) {
	return chain.SignableTx{Data: []byte("borrow")}, nil
}

func (f *fakeLending) BuildRepayTx(assetRole string, amount decimal.Decimal) (chain.SignableTx, error) {
	return chain.SignableTx{Data: []byte("repay:" + amount.String())}, nil
}

func newTestSequencer(spotV *fakeSpot, perpV *fakePerp, lendingV *fakeLending, chainV *fakeChain) (*Sequencer, *memoryStore) {
	store := newMemoryStore()
	seq := NewSequencer(spotV, perpV, lendingV, chainV, store, zap.NewNop())
	return seq, store
}

func TestOpenLongSpotSkipsBorrow(t *testing.T) {
	spotV := &fakeSpot{rate: decimal.RequireFromString("0.0005")} // quote->base
	perpV := &fakePerp{limits: perp.PairLimits{MaxLeverage: 50}}
	lendingV := &fakeLending{}
	chainV := &fakeChain{}
	seq, _ := newTestSequencer(spotV, perpV, lendingV, chainV)

	size, err := seq.Open(context.Background(), "run-1", OpenParams{
		Direction:       strategy.DirectionLongSpotShortPerp,
		Pair:            "ETH-USDC",
		SwapQuote:       decimal.RequireFromString("800"),
		CollateralQuote: 200,
		SlippageBps:     50,
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if size != 0.4 {
		t.Fatalf("hedge size: got %f want 0.4", size)
	}
	steps := chainV.submittedSteps()
	for _, step := range steps {
		if strings.Contains(step, "borrow") || strings.Contains(step, "supplyCollateral") {
			t.Fatalf("long-spot open must not touch the lending pool, got %v", steps)
		}
	}
	if !perpV.lastOrderIsIncrease || perpV.lastOrderIsLong {
		t.Fatalf("expected increase short order, got long=%v increase=%v", perpV.lastOrderIsLong, perpV.lastOrderIsIncrease)
	}
}

func TestOpenShortSpotBorrowsAndHedgesLong(t *testing.T) {
	spotV := &fakeSpot{rate: decimal.RequireFromString("2000")} // base->quote
	perpV := &fakePerp{limits: perp.PairLimits{MaxLeverage: 50}, collateral: 500}
	lendingV := &fakeLending{collateral: decimal.RequireFromString("1000")}
	chainV := &fakeChain{}
	seq, _ := newTestSequencer(spotV, perpV, lendingV, chainV)

	size, err := seq.Open(context.Background(), "run-2", OpenParams{
		Direction:           strategy.DirectionShortSpotLongPerp,
		Pair:                "ETH-USDC",
		BorrowBase:          decimal.RequireFromString("0.5"),
		LoanCollateralQuote: decimal.RequireFromString("1000.005"),
		CollateralQuote:     400,
		SlippageBps:         50,
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if size != 0.5 {
		t.Fatalf("hedge size: got %f want 0.5", size)
	}
	steps := chainV.submittedSteps()
	// Collateral deficit of 0.005 is under the dust threshold, so no supply.
	for _, step := range steps {
		if strings.Contains(step, "supplyCollateral") {
			t.Fatalf("dust collateral deficit must be skipped, got %v", steps)
		}
		if strings.Contains(step, "depositCollateral") {
			t.Fatalf("sufficient perp collateral must not be topped up, got %v", steps)
		}
	}
	if steps[0] != "borrow" {
		t.Fatalf("expected borrow first, got %v", steps)
	}
	if !perpV.lastOrderIsLong || !perpV.lastOrderIsIncrease {
		t.Fatalf("expected increase long order, got long=%v increase=%v", perpV.lastOrderIsLong, perpV.lastOrderIsIncrease)
	}
}

func TestOpenAbortsOnNoRoute(t *testing.T) {
	spotV := &fakeSpot{noRoute: true}
	perpV := &fakePerp{limits: perp.PairLimits{MaxLeverage: 50}}
	chainV := &fakeChain{}
	seq, _ := newTestSequencer(spotV, perpV, &fakeLending{}, chainV)

	_, err := seq.Open(context.Background(), "run-3", OpenParams{
		Direction:       strategy.DirectionLongSpotShortPerp,
		Pair:            "ETH-USDC",
		SwapQuote:       decimal.RequireFromString("800"),
		CollateralQuote: 200,
	})
	if !errors.Is(err, spot.ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
	if len(chainV.submitted) != 0 {
		t.Fatalf("no transactions may be submitted after no-route, got %d", len(chainV.submitted))
	}
}

func TestOpenTopsUpExactPerpDeficit(t *testing.T) {
	spotV := &fakeSpot{rate: decimal.RequireFromString("0.001")}
	perpV := &fakePerp{limits: perp.PairLimits{MaxLeverage: 50}, collateral: 120}
	chainV := &fakeChain{}
	seq, _ := newTestSequencer(spotV, perpV, &fakeLending{}, chainV)

	_, err := seq.Open(context.Background(), "run-4", OpenParams{
		Direction:       strategy.DirectionLongSpotShortPerp,
		Pair:            "ETH-USDC",
		SwapQuote:       decimal.RequireFromString("800"),
		CollateralQuote: 200,
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	found := false
	for _, step := range chainV.submittedSteps() {
		if step == "depositCollateral" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected collateral top-up, got %v", chainV.submittedSteps())
	}
}

func TestOpenResumeSkipsCompletedSteps(t *testing.T) {
	spotV := &fakeSpot{rate: decimal.RequireFromString("0.0005")}
	perpV := &fakePerp{limits: perp.PairLimits{MaxLeverage: 50}}
	chainV := &fakeChain{}
	seq, store := newTestSequencer(spotV, perpV, &fakeLending{}, chainV)
	ctx := context.Background()

	// Simulate a prior run that completed the swap before crashing.
	if err := seq.recordStep(ctx, "run-5", "swap", "0.4"); err != nil {
		t.Fatalf("record step: %v", err)
	}
	_ = store

	size, err := seq.Open(ctx, "run-5", OpenParams{
		Direction:       strategy.DirectionLongSpotShortPerp,
		Pair:            "ETH-USDC",
		SwapQuote:       decimal.RequireFromString("800"),
		CollateralQuote: 200,
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if spotV.quoteCalls != 0 {
		t.Fatalf("resumed run must not re-quote, got %d calls", spotV.quoteCalls)
	}
	if size != 0.4 {
		t.Fatalf("hedge size from record: got %f want 0.4", size)
	}
}

func TestOpenStopsAtRejectedStep(t *testing.T) {
	spotV := &fakeSpot{rate: decimal.RequireFromString("0.0005")}
	perpV := &fakePerp{limits: perp.PairLimits{MaxLeverage: 50}}
	chainV := &fakeChain{failOn: "swap"}
	seq, _ := newTestSequencer(spotV, perpV, &fakeLending{}, chainV)

	_, err := seq.Open(context.Background(), "run-6", OpenParams{
		Direction:       strategy.DirectionLongSpotShortPerp,
		Pair:            "ETH-USDC",
		SwapQuote:       decimal.RequireFromString("800"),
		CollateralQuote: 200,
	})
	if !errors.Is(err, ErrVenueRejected) {
		t.Fatalf("expected ErrVenueRejected, got %v", err)
	}
	// Only the rejected swap may have been submitted.
	if len(chainV.submitted) != 1 {
		t.Fatalf("sequence must stop at the failed step, got %v", chainV.submittedSteps())
	}
}

func TestCloseWrongDirectionAborts(t *testing.T) {
	perpV := &fakePerp{position: &perp.Position{Pair: "ETH-USDC", IsLong: true, SizeBase: 0.5}}
	chainV := &fakeChain{}
	seq, _ := newTestSequencer(&fakeSpot{}, perpV, &fakeLending{}, chainV)

	_, err := seq.Close(context.Background(), "run-7", strategy.DirectionLongSpotShortPerp, CloseParams{Pair: "ETH-USDC"})
	if !errors.Is(err, ErrWrongDirection) {
		t.Fatalf("expected ErrWrongDirection, got %v", err)
	}
	if len(chainV.submitted) != 0 {
		t.Fatalf("wrong-direction close must not submit, got %v", chainV.submittedSteps())
	}
}

func TestCloseNoPositionIsNoOp(t *testing.T) {
	chainV := &fakeChain{}
	seq, _ := newTestSequencer(&fakeSpot{}, &fakePerp{}, &fakeLending{}, chainV)

	result, err := seq.Close(context.Background(), "run-8", strategy.DirectionLongSpotShortPerp, CloseParams{Pair: "ETH-USDC"})
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if result.PositionClosed {
		t.Fatal("expected no close with no position")
	}
	if len(chainV.submitted) != 0 {
		t.Fatalf("no-op close must not submit, got %v", chainV.submittedSteps())
	}
}

func TestCloseFullCycleWithLoan(t *testing.T) {
	spotV := &fakeSpot{rate: decimal.NewFromInt(1)}
	perpV := &fakePerp{position: &perp.Position{Pair: "ETH-USDC", IsLong: true, SizeBase: 0.5}}
	lendingV := &fakeLending{outstanding: decimal.RequireFromString("0.5")}
	chainV := &fakeChain{}
	seq, _ := newTestSequencer(spotV, perpV, lendingV, chainV)

	result, err := seq.Close(context.Background(), "run-9", strategy.DirectionShortSpotLongPerp, CloseParams{Pair: "ETH-USDC", SlippageBps: 50})
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !result.PositionClosed || result.SizeClosedBase != 0.5 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !result.LoanRepaid.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("loan repaid: got %s want 0.5", result.LoanRepaid)
	}
	// The close order must flip the direction flag and decrease.
	if perpV.lastOrderIsLong || perpV.lastOrderIsIncrease {
		t.Fatalf("expected flipped decrease order, got long=%v increase=%v", perpV.lastOrderIsLong, perpV.lastOrderIsIncrease)
	}
	if perpV.lastCollateralDelta != 0 {
		t.Fatalf("close order collateral delta must be zero, got %f", perpV.lastCollateralDelta)
	}
	steps := chainV.submittedSteps()
	if len(steps) != 3 || steps[0] != "closeOrder" || !strings.HasPrefix(steps[1], "swap:") || !strings.HasPrefix(steps[2], "repay:") {
		t.Fatalf("unexpected step order: %v", steps)
	}
}

func TestCloseSkipsRepayWhenNoLoan(t *testing.T) {
	perpV := &fakePerp{position: &perp.Position{Pair: "ETH-USDC", IsLong: false, SizeBase: 0.4}}
	chainV := &fakeChain{}
	seq, _ := newTestSequencer(&fakeSpot{}, perpV, &fakeLending{}, chainV)

	result, err := seq.Close(context.Background(), "run-10", strategy.DirectionLongSpotShortPerp, CloseParams{Pair: "ETH-USDC"})
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !result.PositionClosed {
		t.Fatal("expected position closed")
	}
	steps := chainV.submittedSteps()
	if len(steps) != 1 || steps[0] != "closeOrder" {
		t.Fatalf("expected only the close order, got %v", steps)
	}
}
