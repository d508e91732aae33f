package app

import (
	"context"
	"strings"
	"testing"

	"carry-vault-bot/internal/config"
	"carry-vault-bot/internal/exec"
	"carry-vault-bot/internal/metrics"
	"carry-vault-bot/internal/state"
	"carry-vault-bot/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type memoryStore struct {
	data map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string][]byte)}
}

func (m *memoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key string, value []byte) error {
	_ = ctx
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

func testApp(cfg *config.Config) *App {
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &App{cfg: cfg, log: zap.NewNop(), store: newMemoryStore()}
}

type countingSequencer struct {
	opens  int
	closes int
}

func (c *countingSequencer) Open(ctx context.Context, runID string, params exec.OpenParams) (float64, error) {
	_ = ctx
	_ = runID
	_ = params
	c.opens++
	return 1, nil
}

func (c *countingSequencer) Close(ctx context.Context, runID string, recorded strategy.Direction, params exec.CloseParams) (exec.CloseResult, error) {
	_ = ctx
	_ = runID
	_ = recorded
	_ = params
	c.closes++
	return exec.CloseResult{}, nil
}

func (c *countingSequencer) ClearRun(ctx context.Context, runID string) {
	_ = ctx
	_ = runID
}

func TestTryOpenRefusesOnFailedRun(t *testing.T) {
	ctx := context.Background()
	a := testApp(nil)
	seq := &countingSequencer{}
	a.sequencer = seq
	a.metrics = metrics.NewNoop()
	a.guard = &localGuard{}

	record := state.NewRunRecord()
	record.RunID = "old-run"
	record.Direction = string(strategy.DirectionLongSpotShortPerp)
	record.Phase = state.PhaseFailed
	record.SetTrackedDeposit(decimal.RequireFromString("100"))
	if err := state.SaveRunRecord(ctx, a.store, record); err != nil {
		t.Fatalf("save record: %v", err)
	}

	err := a.tryOpen(ctx)
	if err == nil {
		t.Fatal("expected error while a failed run has stranded legs")
	}
	if !strings.Contains(err.Error(), "old-run") {
		t.Fatalf("error should name the failed run, got %v", err)
	}
	if seq.opens != 0 {
		t.Fatalf("no open sequence may start on top of a failed run, got %d", seq.opens)
	}

	got, _, err := state.LoadRunRecord(ctx, a.store)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if got.Phase != state.PhaseFailed || got.RunID != "old-run" {
		t.Fatalf("failed record must be left intact, got %+v", got)
	}
}

func TestParseOperatorCommand(t *testing.T) {
	cmd, args, ok := parseOperatorCommand("  /Close 0xAbC arg2 ")
	if !ok {
		t.Fatal("expected command to parse")
	}
	if cmd != "close" {
		t.Fatalf("expected close, got %q", cmd)
	}
	if len(args) != 2 || args[0] != "0xAbC" {
		t.Fatalf("unexpected args: %v", args)
	}
	if _, _, ok := parseOperatorCommand("hello"); ok {
		t.Fatal("non-command text must not parse")
	}
	if _, _, ok := parseOperatorCommand("   "); ok {
		t.Fatal("blank text must not parse")
	}
}

func TestPausedFlagPersists(t *testing.T) {
	a := testApp(nil)
	ctx := context.Background()
	if a.isPaused() {
		t.Fatal("fresh app must not be paused")
	}
	a.setPaused(ctx, true)
	if !a.isPaused() {
		t.Fatal("expected paused after setPaused(true)")
	}

	restarted := &App{cfg: a.cfg, log: a.log, store: a.store}
	restarted.loadPaused(ctx)
	if !restarted.isPaused() {
		t.Fatal("paused flag must survive restart")
	}
	restarted.setPaused(ctx, false)
	restarted.loadPaused(ctx)
	if restarted.isPaused() {
		t.Fatal("expected running after setPaused(false)")
	}
}

func TestOperatorOffsetRoundTrip(t *testing.T) {
	a := testApp(nil)
	ctx := context.Background()
	if got := a.loadOperatorOffset(ctx); got != 0 {
		t.Fatalf("expected zero offset, got %d", got)
	}
	a.saveOperatorOffset(ctx, 77)
	if got := a.loadOperatorOffset(ctx); got != 77 {
		t.Fatalf("expected offset 77, got %d", got)
	}
}

func TestBuildOpenParamsLongSplit(t *testing.T) {
	cfg := &config.Config{}
	cfg.Perp.Pair = "ETH/USD"
	cfg.Spot.SlippageBps = 50
	cfg.Strategy.LeverageTarget = 3
	a := testApp(cfg)

	params, err := a.buildOpenParams(context.Background(), strategy.DirectionLongSpotShortPerp, decimal.RequireFromString("400"))
	if err != nil {
		t.Fatalf("buildOpenParams: %v", err)
	}
	// leverage 3: collateral = 400/4 = 100, swap = 300
	if params.CollateralQuote != 100 {
		t.Fatalf("expected collateral 100, got %v", params.CollateralQuote)
	}
	if !params.SwapQuote.Equal(decimal.RequireFromString("300")) {
		t.Fatalf("expected swap 300, got %s", params.SwapQuote)
	}
	if params.Direction != strategy.DirectionLongSpotShortPerp {
		t.Fatalf("unexpected direction %s", params.Direction)
	}
	if params.Pair != "ETH/USD" {
		t.Fatalf("unexpected pair %s", params.Pair)
	}
	if !params.BorrowBase.IsZero() || !params.LoanCollateralQuote.IsZero() {
		t.Fatal("long direction must not size a borrow")
	}
}

func TestBuildOpenParamsClampsLeverage(t *testing.T) {
	cfg := &config.Config{}
	cfg.Perp.Pair = "ETH/USD"
	cfg.Strategy.LeverageTarget = 0
	a := testApp(cfg)

	params, err := a.buildOpenParams(context.Background(), strategy.DirectionLongSpotShortPerp, decimal.RequireFromString("100"))
	if err != nil {
		t.Fatalf("buildOpenParams: %v", err)
	}
	// leverage floor 1: an even split between spot and collateral
	if params.CollateralQuote != 50 {
		t.Fatalf("expected collateral 50, got %v", params.CollateralQuote)
	}
	if !params.SwapQuote.Equal(decimal.RequireFromString("50")) {
		t.Fatalf("expected swap 50, got %s", params.SwapQuote)
	}
}

func TestCostInputsMapping(t *testing.T) {
	cfg := &config.Config{}
	cfg.Strategy.SpotRoundTripBps = 50
	cfg.Strategy.PerpRoundTripBps = 10
	cfg.Strategy.GasRoundTripBps = 5
	cfg.Strategy.CapitalAprPct = 6
	cfg.Strategy.HoldHours = 12
	cfg.Strategy.ZScore = 2
	a := testApp(cfg)

	in := a.costInputs()
	if in.SpotRoundTripBps != 50 || in.PerpRoundTripBps != 10 || in.GasRoundTripBps != 5 {
		t.Fatalf("trading cost inputs not mapped: %+v", in)
	}
	if in.CapitalAprPct != 6 || in.HoldHours != 12 || in.ZScore != 2 {
		t.Fatalf("carry inputs not mapped: %+v", in)
	}
}
