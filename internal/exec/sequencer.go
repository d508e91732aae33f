package exec

import (
	"context"
	"errors"
	"fmt"

	"carry-vault-bot/internal/state"
	"carry-vault-bot/internal/strategy"
	"carry-vault-bot/internal/venue/chain"
	"carry-vault-bot/internal/venue/perp"
	"carry-vault-bot/internal/venue/spot"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

var (
	// ErrWrongDirection means a close was requested against a position whose
	// long/short flag does not match the recorded run.
	ErrWrongDirection = errors.New("open position direction does not match close request")
	// ErrVenueRejected wraps an on-chain revert of a submitted step.
	ErrVenueRejected = errors.New("venue rejected transaction")
)

// Collateral top-ups below this many units of the collateral asset are
// skipped as dust.
const dustCollateral = 0.01

type SpotVenue interface {
	Quote(ctx context.Context, fromAsset, toAsset string, amount decimal.Decimal) (*spot.Route, error)
	BuildSwapTx(route *spot.Route, slippageBps float64, recipient common.Address) (chain.SignableTx, error)
	EnsureAllowance(ctx context.Context, route *spot.Route) (*chain.SignableTx, error)
}

type PerpVenue interface {
	PairLimits(ctx context.Context, pair string) (perp.PairLimits, error)
	Position(ctx context.Context, pair string) (*perp.Position, error)
	CollateralBalance(ctx context.Context) (float64, error)
	BuildDepositCollateralTx(amount float64) (chain.SignableTx, error)
	BuildMarketOrderTx(pair string, sizeDelta, collateralDelta float64, isLong, isIncrease bool) (chain.SignableTx, error)
}

type LendingVenue interface {
	OutstandingLoan(ctx context.Context, assetRole string) (decimal.Decimal, error)
	DepositedCollateral(ctx context.Context, assetRole string) (decimal.Decimal, error)
	BuildSupplyCollateralTx(assetRole string, amount decimal.Decimal) (chain.SignableTx, error)
	BuildBorrowTx(assetRole string, amount decimal.Decimal) (chain.SignableTx, error)
	BuildRepayTx(assetRole string, amount decimal.Decimal) (chain.SignableTx, error)
}

type ChainClient interface {
	Wallet() common.Address
	Submit(ctx context.Context, tx chain.SignableTx) (chain.Pending, error)
	Confirm(ctx context.Context, p chain.Pending) (chain.Receipt, error)
}

// OpenParams size one entry. SwapQuote and CollateralQuote partition the
// deposited quote amount; BorrowBase and LoanCollateralQuote are only used by
// the short-spot direction.
type OpenParams struct {
	Direction           strategy.Direction
	Pair                string
	SwapQuote           decimal.Decimal
	CollateralQuote     float64
	BorrowBase          decimal.Decimal
	LoanCollateralQuote decimal.Decimal
	SlippageBps         float64
}

type CloseParams struct {
	Pair        string
	SlippageBps float64
	// SwapBackQuote lets an explicitly sized spot-only unwind run even when
	// no perp position exists.
	SwapBackQuote decimal.Decimal
}

type CloseResult struct {
	PositionClosed bool
	LoanRepaid     decimal.Decimal
	SizeClosedBase float64
}

// Sequencer executes the ordered legs of one strategy run. Every completed
// step is recorded in the store before the next begins, so a resumed run
// skips work that already settled on chain. Each venue call is a single
// attempt: on error the sequencer stops at the current step and reports it.
type Sequencer struct {
	spot    SpotVenue
	perp    PerpVenue
	lending LendingVenue
	chain   ChainClient
	store   state.Store
	log     *zap.Logger
}

func NewSequencer(spotVenue SpotVenue, perpVenue PerpVenue, lendingVenue LendingVenue, chainClient ChainClient, store state.Store, log *zap.Logger) *Sequencer {
	return &Sequencer{
		spot:    spotVenue,
		perp:    perpVenue,
		lending: lendingVenue,
		chain:   chainClient,
		store:   store,
		log:     log,
	}
}

type stepRecord struct {
	Completed bool   `msgpack:"completed"`
	Value     string `msgpack:"value"`
}

func stepKey(runID, step string) string {
	return "run:" + runID + ":step:" + step
}

func (s *Sequencer) stepDone(ctx context.Context, runID, step string) (stepRecord, bool, error) {
	raw, ok, err := s.store.Get(ctx, stepKey(runID, step))
	if err != nil || !ok {
		return stepRecord{}, false, err
	}
	var rec stepRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return stepRecord{}, false, err
	}
	return rec, rec.Completed, nil
}

func (s *Sequencer) recordStep(ctx context.Context, runID, step, value string) error {
	raw, err := msgpack.Marshal(stepRecord{Completed: true, Value: value})
	if err != nil {
		return err
	}
	return s.store.Set(ctx, stepKey(runID, step), raw)
}

// ClearRun drops all recorded steps for a run. Called after a successful
// close so the next run starts clean.
func (s *Sequencer) ClearRun(ctx context.Context, runID string) {
	for _, step := range []string{"loan_collateral", "borrow", "swap", "perp_collateral", "open_order", "close_order", "swap_back", "repay"} {
		if err := s.store.Delete(ctx, stepKey(runID, step)); err != nil {
			s.log.Warn("failed to clear step record", zap.String("step", step), zap.Error(err))
		}
	}
}

func (s *Sequencer) submitAndConfirm(ctx context.Context, step string, tx chain.SignableTx) (chain.Receipt, error) {
	pending, err := s.chain.Submit(ctx, tx)
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("%s: submit: %w", step, err)
	}
	receipt, err := s.chain.Confirm(ctx, pending)
	if err != nil {
		return receipt, fmt.Errorf("%s: confirm: %w", step, err)
	}
	if !receipt.Succeeded {
		return receipt, fmt.Errorf("%s: %w: %s", step, ErrVenueRejected, receipt.TxHash)
	}
	return receipt, nil
}

// Open runs the entry legs for one direction. Returns the hedge size in base
// currency that was opened.
func (s *Sequencer) Open(ctx context.Context, runID string, params OpenParams) (float64, error) {
	if params.Direction.RequiresBorrow() {
		if err := s.openBorrow(ctx, runID, params); err != nil {
			return 0, err
		}
	}
	sizeBase, err := s.openSwap(ctx, runID, params)
	if err != nil {
		return 0, err
	}
	if err := s.openPerpCollateral(ctx, runID, params); err != nil {
		return 0, err
	}
	if err := s.openOrder(ctx, runID, params, sizeBase); err != nil {
		return 0, err
	}
	return sizeBase, nil
}

func (s *Sequencer) openBorrow(ctx context.Context, runID string, params OpenParams) error {
	if _, done, err := s.stepDone(ctx, runID, "borrow"); err != nil {
		return err
	} else if done {
		s.log.Info("borrow already completed, skipping", zap.String("run", runID))
		return nil
	}
	if _, done, err := s.stepDone(ctx, runID, "loan_collateral"); err != nil {
		return err
	} else if !done {
		existing, err := s.lending.DepositedCollateral(ctx, "quote")
		if err != nil {
			return fmt.Errorf("loan collateral: %w", err)
		}
		deficit := params.LoanCollateralQuote.Sub(existing)
		if deficitF, _ := deficit.Float64(); deficitF > dustCollateral {
			tx, err := s.lending.BuildSupplyCollateralTx("quote", deficit)
			if err != nil {
				return fmt.Errorf("loan collateral: %w", err)
			}
			if _, err := s.submitAndConfirm(ctx, "loan_collateral", tx); err != nil {
				return err
			}
			s.log.Info("loan collateral supplied", zap.String("deficit", deficit.String()))
		}
		if err := s.recordStep(ctx, runID, "loan_collateral", ""); err != nil {
			return err
		}
	}
	tx, err := s.lending.BuildBorrowTx("base", params.BorrowBase)
	if err != nil {
		return fmt.Errorf("borrow: %w", err)
	}
	if _, err := s.submitAndConfirm(ctx, "borrow", tx); err != nil {
		return err
	}
	s.log.Info("borrowed base asset", zap.String("amount", params.BorrowBase.String()))
	return s.recordStep(ctx, runID, "borrow", params.BorrowBase.String())
}

func (s *Sequencer) openSwap(ctx context.Context, runID string, params OpenParams) (float64, error) {
	if rec, done, err := s.stepDone(ctx, runID, "swap"); err != nil {
		return 0, err
	} else if done {
		s.log.Info("swap already completed, skipping", zap.String("run", runID))
		prev, err := decimal.NewFromString(rec.Value)
		if err != nil {
			return 0, fmt.Errorf("swap: corrupt step record %q", rec.Value)
		}
		f, _ := prev.Float64()
		return f, nil
	}
	var route *spot.Route
	var err error
	if params.Direction.RequiresBorrow() {
		// Sell the borrowed base for quote; the hedge covers the borrow.
		route, err = s.spot.Quote(ctx, "base", "quote", params.BorrowBase)
	} else {
		route, err = s.spot.Quote(ctx, "quote", "base", params.SwapQuote)
	}
	if err != nil {
		return 0, fmt.Errorf("swap: %w", err)
	}
	if approveTx, err := s.spot.EnsureAllowance(ctx, route); err != nil {
		return 0, fmt.Errorf("swap: allowance: %w", err)
	} else if approveTx != nil {
		if _, err := s.submitAndConfirm(ctx, "swap_approve", *approveTx); err != nil {
			return 0, err
		}
	}
	tx, err := s.spot.BuildSwapTx(route, params.SlippageBps, s.chain.Wallet())
	if err != nil {
		return 0, fmt.Errorf("swap: %w", err)
	}
	if _, err := s.submitAndConfirm(ctx, "swap", tx); err != nil {
		return 0, err
	}
	var sizeBase decimal.Decimal
	if params.Direction.RequiresBorrow() {
		sizeBase = params.BorrowBase
	} else {
		sizeBase = route.OutHuman
	}
	s.log.Info("spot swap executed",
		zap.String("in", route.InHuman.String()),
		zap.String("out", route.OutHuman.String()),
		zap.String("hedge_size_base", sizeBase.String()),
	)
	if err := s.recordStep(ctx, runID, "swap", sizeBase.String()); err != nil {
		return 0, err
	}
	f, _ := sizeBase.Float64()
	return f, nil
}

func (s *Sequencer) openPerpCollateral(ctx context.Context, runID string, params OpenParams) error {
	if _, done, err := s.stepDone(ctx, runID, "perp_collateral"); err != nil {
		return err
	} else if done {
		s.log.Info("perp collateral already completed, skipping", zap.String("run", runID))
		return nil
	}
	balance, err := s.perp.CollateralBalance(ctx)
	if err != nil {
		return fmt.Errorf("perp collateral: %w", err)
	}
	if balance < params.CollateralQuote {
		deficit := params.CollateralQuote - balance
		tx, err := s.perp.BuildDepositCollateralTx(deficit)
		if err != nil {
			return fmt.Errorf("perp collateral: %w", err)
		}
		if _, err := s.submitAndConfirm(ctx, "perp_collateral", tx); err != nil {
			return err
		}
		s.log.Info("perp collateral deposited", zap.Float64("deficit", deficit))
	} else {
		s.log.Info("perp collateral sufficient, skipping deposit", zap.Float64("balance", balance))
	}
	return s.recordStep(ctx, runID, "perp_collateral", "")
}

func (s *Sequencer) openOrder(ctx context.Context, runID string, params OpenParams, sizeBase float64) error {
	if _, done, err := s.stepDone(ctx, runID, "open_order"); err != nil {
		return err
	} else if done {
		s.log.Info("open order already completed, skipping", zap.String("run", runID))
		return nil
	}
	limits, err := s.perp.PairLimits(ctx, params.Pair)
	if err != nil {
		return fmt.Errorf("open order: %w", err)
	}
	sizeDelta, collateralDelta := ClampOrder(sizeBase, params.CollateralQuote, limits)
	tx, err := s.perp.BuildMarketOrderTx(params.Pair, sizeDelta, collateralDelta, params.Direction.PerpIsLong(), true)
	if err != nil {
		return fmt.Errorf("open order: %w", err)
	}
	if _, err := s.submitAndConfirm(ctx, "open_order", tx); err != nil {
		return err
	}
	s.log.Info("hedge position opened",
		zap.String("pair", params.Pair),
		zap.Float64("size_delta", sizeDelta),
		zap.Float64("collateral_delta", collateralDelta),
		zap.Bool("is_long", params.Direction.PerpIsLong()),
	)
	return s.recordStep(ctx, runID, "open_order", "")
}

// Close unwinds the run: full position close, optional swap back, optional
// loan repay. The recorded direction, when present, must match the live
// position or nothing is submitted.
func (s *Sequencer) Close(ctx context.Context, runID string, recorded strategy.Direction, params CloseParams) (CloseResult, error) {
	var result CloseResult

	position, err := s.perp.Position(ctx, params.Pair)
	if err != nil {
		return result, fmt.Errorf("close: %w", err)
	}
	if position != nil {
		actual := strategy.DirectionForPerpPosition(position.IsLong)
		if recorded != "" && recorded != actual {
			return result, fmt.Errorf("%w: recorded %s, position is %s", ErrWrongDirection, recorded, actual)
		}
		if err := s.closeOrder(ctx, runID, position, params); err != nil {
			return result, err
		}
		result.PositionClosed = true
		result.SizeClosedBase = position.SizeBase
	} else if params.SwapBackQuote.Sign() <= 0 {
		s.log.Info("no open position, close is a no-op")
		return result, nil
	}

	repaid, err := s.closeLoan(ctx, runID, params)
	if err != nil {
		return result, err
	}
	result.LoanRepaid = repaid
	return result, nil
}

func (s *Sequencer) closeOrder(ctx context.Context, runID string, position *perp.Position, params CloseParams) error {
	if _, done, err := s.stepDone(ctx, runID, "close_order"); err != nil {
		return err
	} else if done {
		s.log.Info("close order already completed, skipping", zap.String("run", runID))
		return nil
	}
	tx, err := s.perp.BuildMarketOrderTx(params.Pair, position.SizeBase, 0, !position.IsLong, false)
	if err != nil {
		return fmt.Errorf("close order: %w", err)
	}
	if _, err := s.submitAndConfirm(ctx, "close_order", tx); err != nil {
		return err
	}
	s.log.Info("hedge position closed",
		zap.String("pair", params.Pair),
		zap.Float64("size", position.SizeBase),
	)
	return s.recordStep(ctx, runID, "close_order", "")
}

func (s *Sequencer) closeLoan(ctx context.Context, runID string, params CloseParams) (decimal.Decimal, error) {
	outstanding, err := s.lending.OutstandingLoan(ctx, "base")
	if err != nil {
		return decimal.Zero, fmt.Errorf("repay: %w", err)
	}
	if outstanding.Sign() <= 0 {
		s.log.Info("no outstanding loan, skipping repay")
		return decimal.Zero, nil
	}
	if err := s.swapBack(ctx, runID, outstanding, params); err != nil {
		return decimal.Zero, err
	}
	if _, done, err := s.stepDone(ctx, runID, "repay"); err != nil {
		return decimal.Zero, err
	} else if done {
		s.log.Info("repay already completed, skipping", zap.String("run", runID))
		return outstanding, nil
	}
	tx, err := s.lending.BuildRepayTx("base", outstanding)
	if err != nil {
		return decimal.Zero, fmt.Errorf("repay: %w", err)
	}
	if _, err := s.submitAndConfirm(ctx, "repay", tx); err != nil {
		return decimal.Zero, err
	}
	s.log.Info("loan repaid", zap.String("amount", outstanding.String()))
	if err := s.recordStep(ctx, runID, "repay", outstanding.String()); err != nil {
		return decimal.Zero, err
	}
	return outstanding, nil
}

func (s *Sequencer) swapBack(ctx context.Context, runID string, outstanding decimal.Decimal, params CloseParams) error {
	if _, done, err := s.stepDone(ctx, runID, "swap_back"); err != nil {
		return err
	} else if done {
		s.log.Info("swap back already completed, skipping", zap.String("run", runID))
		return nil
	}
	// Price the debt, then buy it back with a slippage cushion.
	quoteNeeded := params.SwapBackQuote
	if quoteNeeded.Sign() <= 0 {
		pricing, err := s.spot.Quote(ctx, "base", "quote", outstanding)
		if err != nil {
			return fmt.Errorf("swap back: %w", err)
		}
		cushion := decimal.NewFromFloat(1 + params.SlippageBps/10000)
		quoteNeeded = pricing.OutHuman.Mul(cushion)
	}
	route, err := s.spot.Quote(ctx, "quote", "base", quoteNeeded)
	if err != nil {
		return fmt.Errorf("swap back: %w", err)
	}
	if approveTx, err := s.spot.EnsureAllowance(ctx, route); err != nil {
		return fmt.Errorf("swap back: allowance: %w", err)
	} else if approveTx != nil {
		if _, err := s.submitAndConfirm(ctx, "swap_back_approve", *approveTx); err != nil {
			return err
		}
	}
	tx, err := s.spot.BuildSwapTx(route, params.SlippageBps, s.chain.Wallet())
	if err != nil {
		return fmt.Errorf("swap back: %w", err)
	}
	if _, err := s.submitAndConfirm(ctx, "swap_back", tx); err != nil {
		return err
	}
	s.log.Info("swap back executed",
		zap.String("in", route.InHuman.String()),
		zap.String("out", route.OutHuman.String()),
	)
	return s.recordStep(ctx, runID, "swap_back", route.OutHuman.String())
}
