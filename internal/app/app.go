package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"carry-vault-bot/internal/alerts"
	"carry-vault-bot/internal/config"
	"carry-vault-bot/internal/deposit"
	"carry-vault-bot/internal/exec"
	"carry-vault-bot/internal/feed"
	"carry-vault-bot/internal/history"
	"carry-vault-bot/internal/metrics"
	"carry-vault-bot/internal/settle"
	"carry-vault-bot/internal/state"
	"carry-vault-bot/internal/state/sqlite"
	"carry-vault-bot/internal/strategy"
	"carry-vault-bot/internal/venue/chain"
	"carry-vault-bot/internal/venue/lending"
	"carry-vault-bot/internal/venue/perp"
	"carry-vault-bot/internal/venue/spot"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNotProfitable means the observed funding rate does not clear the
// breakeven threshold for any candidate direction.
var ErrNotProfitable = errors.New("funding below breakeven threshold")

// Fraction of the lending collateral's quote value that gets borrowed as
// base when opening the short-spot direction.
const borrowValueFraction = 0.7

type sequencer interface {
	Open(ctx context.Context, runID string, params exec.OpenParams) (float64, error)
	Close(ctx context.Context, runID string, recorded strategy.Direction, params exec.CloseParams) (exec.CloseResult, error)
	ClearRun(ctx context.Context, runID string)
}

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	feed      *feed.Client
	watermark *deposit.Watermark
	chain     *chain.Client
	spot      *spot.Router
	perp      *perp.Client
	lending   *lending.Pool
	funding   *perp.FundingStream
	sequencer sequencer
	settler   *settle.Engine
	guard     Guard
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	alerts    *alerts.Telegram
	history   *history.Writer
	depositor string

	opsMu          sync.RWMutex
	paused         bool
	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	privateKey := strings.TrimSpace(os.Getenv("CVB_PRIVATE_KEY"))
	if privateKey == "" {
		return nil, errors.New("CVB_PRIVATE_KEY is required")
	}
	depositor := strings.TrimSpace(os.Getenv("CVB_DEPOSITOR_ADDRESS"))
	if depositor == "" {
		return nil, errors.New("CVB_DEPOSITOR_ADDRESS is required")
	}
	chainClient, err := chain.NewClient(cfg.Chain, privateKey, log)
	if err != nil {
		return nil, err
	}
	custodial := strings.TrimSpace(os.Getenv("CVB_CUSTODIAL_ADDRESS"))
	if custodial == "" {
		custodial = chainClient.Wallet().Hex()
	}
	spotRouter, err := spot.NewRouter(cfg.Spot, chainClient, log)
	if err != nil {
		return nil, err
	}
	perpClient, err := perp.NewClient(cfg.Perp, log)
	if err != nil {
		return nil, err
	}
	lendingPool, err := lending.NewPool(cfg.Lending, cfg.Spot, chainClient, log)
	if err != nil {
		return nil, err
	}
	guard, err := NewGuard(cfg.Guard)
	if err != nil {
		return nil, err
	}
	historyWriter, err := history.New(cfg.History, log)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(cfg.Strategy.SettlementAsset) {
		return nil, fmt.Errorf("invalid settlement asset address %q", cfg.Strategy.SettlementAsset)
	}
	settlementToken := common.HexToAddress(cfg.Strategy.SettlementAsset)
	settler := settle.NewEngine(chainClient, settlementToken, cfg.Spot.QuoteDecimals, cfg.Strategy.FeeBps, log)

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.ListenAddr != "" {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}
	var fundingStream *perp.FundingStream
	if cfg.Perp.WSURL != "" {
		fundingStream = perp.NewFundingStream(cfg.Perp.WSURL, cfg.Perp.Pair, cfg.Perp.ReconnectDelay, perpClient, log)
	}
	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		feed:      feed.New(cfg.Feed.URL, cfg.Feed.Timeout, log),
		watermark: deposit.NewWatermark(store, depositor, custodial),
		chain:     chainClient,
		spot:      spotRouter,
		perp:      perpClient,
		lending:   lendingPool,
		funding:   fundingStream,
		sequencer: exec.NewSequencer(spotRouter, perpClient, lendingPool, chainClient, store, log),
		settler:   settler,
		guard:     guard,
		metrics:   m,
		prom:      prom,
		alerts:    alerts.NewTelegram(cfg.Telegram, log),
		history:   historyWriter,
		depositor: depositor,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.chain.Close()
	defer func() { _ = a.history.Close() }()

	a.loadPaused(ctx)
	a.history.Start(ctx)
	if a.funding != nil {
		go func() {
			if err := a.funding.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("funding stream stopped", zap.Error(err))
			}
		}()
	}
	if a.prom != nil {
		go a.serveMetrics(ctx)
	}
	a.startOperator(ctx)

	if err := a.reconcile(ctx); err != nil {
		a.log.Warn("startup reconciliation failed", zap.Error(err))
	}

	ticker := time.NewTicker(a.cfg.Feed.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.tick(ctx); err != nil {
				a.log.Warn("poll tick failed", zap.Error(err))
			}
		}
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Warn("metrics server stopped", zap.Error(err))
	}
}

// reconcile compares the persisted run record against the live perp position
// and finishes an interrupted open sequence if one was in flight.
func (a *App) reconcile(ctx context.Context) error {
	record, found, err := state.LoadRunRecord(ctx, a.store)
	if err != nil {
		return err
	}
	if !found || record.Phase == state.PhaseIdle {
		return nil
	}
	position, err := a.perp.Position(ctx, a.cfg.Perp.Pair)
	if err != nil {
		a.log.Warn("live position unavailable during reconciliation", zap.Error(err))
		position = nil
	}
	switch record.Phase {
	case state.PhaseOpen:
		if position == nil {
			a.log.Warn("run record says OPEN but no live perp position",
				zap.String("run", record.RunID), zap.String("pair", record.Pair))
		}
	case state.PhaseOpening:
		a.log.Info("resuming interrupted open sequence", zap.String("run", record.RunID))
		return a.resumeOpen(ctx, record)
	case state.PhaseClosing, state.PhaseFailed:
		a.log.Warn("run left in non-terminal phase, operator action required",
			zap.String("run", record.RunID), zap.String("phase", record.Phase))
	}
	return nil
}

func (a *App) resumeOpen(ctx context.Context, record state.RunRecord) error {
	release, err := a.guard.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	direction := strategy.Direction(record.Direction)
	params, err := a.buildOpenParams(ctx, direction, record.TrackedDeposit())
	if err != nil {
		return err
	}
	if _, err := a.sequencer.Open(ctx, record.RunID, params); err != nil {
		a.metrics.OpenFailed.Inc()
		record.Phase = state.PhaseFailed
		record.UpdatedAtMS = time.Now().UnixMilli()
		_ = state.SaveRunRecord(ctx, a.store, record)
		return err
	}
	record.Phase = state.PhaseOpen
	record.UpdatedAtMS = time.Now().UnixMilli()
	if err := state.SaveRunRecord(ctx, a.store, record); err != nil {
		return err
	}
	a.metrics.RunsOpened.Inc()
	a.log.Info("resumed run is open", zap.String("run", record.RunID))
	return nil
}

func (a *App) tick(ctx context.Context) error {
	if a.isPaused() {
		return nil
	}
	ev, err := a.feed.Poll(ctx)
	if err != nil {
		a.metrics.FeedPollFailures.Inc()
		return fmt.Errorf("feed poll: %w", err)
	}
	cls, err := a.watermark.Classify(ctx, ev)
	if err != nil {
		return fmt.Errorf("deposit classify: %w", err)
	}
	switch cls {
	case deposit.NoNew:
		return nil
	case deposit.NewIrrelevant:
		a.metrics.DepositsIgnored.Inc()
		a.log.Info("unrelated deposit ignored",
			zap.String("version", ev.Version), zap.String("from", ev.FromAddress))
		a.history.EnqueueDeposit(history.DepositRecord{
			Time:        time.Now().UTC(),
			Version:     ev.Version,
			FromAddress: ev.FromAddress,
			Amount:      ev.Amount.String(),
			Matched:     false,
		})
		return nil
	case deposit.NewMatching:
		a.metrics.DepositsMatched.Inc()
		a.log.Info("matching deposit detected",
			zap.String("version", ev.Version), zap.String("amount", ev.Amount.String()))
		a.history.EnqueueDeposit(history.DepositRecord{
			Time:        time.Now().UTC(),
			Version:     ev.Version,
			FromAddress: ev.FromAddress,
			Amount:      ev.Amount.String(),
			Matched:     true,
		})
		return a.onDeposit(ctx, ev.Amount)
	}
	return nil
}

func (a *App) onDeposit(ctx context.Context, amount decimal.Decimal) error {
	record, _, err := state.LoadRunRecord(ctx, a.store)
	if err != nil {
		return err
	}
	record.SetTrackedDeposit(record.TrackedDeposit().Add(amount))
	record.UpdatedAtMS = time.Now().UnixMilli()
	if err := state.SaveRunRecord(ctx, a.store, record); err != nil {
		return err
	}
	if record.Phase == state.PhaseOpen || record.Phase == state.PhaseOpening {
		a.log.Info("deposit added to tracked total of live run",
			zap.String("run", record.RunID),
			zap.String("tracked_total", record.TrackedDepositTotal))
		return nil
	}
	return a.tryOpen(ctx)
}

func (a *App) tryOpen(ctx context.Context) error {
	release, err := a.guard.Acquire(ctx)
	if errors.Is(err, ErrGuardHeld) {
		a.log.Info("another sequence holds the guard, will retry next tick")
		return nil
	}
	if err != nil {
		return err
	}
	defer release()

	record, _, err := state.LoadRunRecord(ctx, a.store)
	if err != nil {
		return err
	}
	if record.Phase == state.PhaseOpen || record.Phase == state.PhaseOpening {
		return nil
	}
	// A failed run may have stranded partial legs on chain. Opening a second
	// run on top of them would double the exposure, so nothing opens until
	// the operator unwinds with /close.
	if record.Phase == state.PhaseFailed {
		return fmt.Errorf("run %s is in phase %s, operator /close required before a new open", record.RunID, record.Phase)
	}
	total := record.TrackedDeposit()
	if total.Sign() <= 0 {
		return nil
	}

	funding, err := a.perp.FundingRate(ctx, a.cfg.Perp.Pair)
	if err != nil {
		a.log.Warn("funding rate unavailable, treating as unknown", zap.Error(err))
		funding = 0
	}
	breakdown := strategy.ComputeMinFundingBreakdown(a.costInputs())
	candidates := strategy.SelectCandidates(funding)

	var lastErr error
	for _, direction := range candidates {
		earned := funding
		threshold := breakdown.TotalPctPerHour
		if direction == strategy.DirectionShortSpotLongPerp {
			earned = -funding
			threshold += a.borrowCostPctPerHour(ctx)
		}
		if a.cfg.Strategy.RequireProfitable && earned < threshold {
			lastErr = fmt.Errorf("%s: %w: funding %.6f%%/h, need %.6f%%/h",
				direction, ErrNotProfitable, earned, threshold)
			continue
		}
		params, err := a.buildOpenParams(ctx, direction, total)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", direction, err)
			if errors.Is(err, spot.ErrNoRoute) {
				continue
			}
			break
		}
		runID := uuid.New().String()
		record.RunID = runID
		record.Direction = string(direction)
		record.Pair = a.cfg.Perp.Pair
		record.Phase = state.PhaseOpening
		record.UpdatedAtMS = time.Now().UnixMilli()
		if err := state.SaveRunRecord(ctx, a.store, record); err != nil {
			return err
		}
		sizeBase, err := a.sequencer.Open(ctx, runID, params)
		if err != nil {
			a.metrics.OpenFailed.Inc()
			lastErr = fmt.Errorf("%s: %w", direction, err)
			// A route miss happens before anything is submitted, so the
			// opposite direction is still safe to try. Any later failure
			// leaves partial legs behind and needs the operator.
			if errors.Is(err, spot.ErrNoRoute) {
				record.Phase = state.PhaseIdle
				record.RunID = ""
				record.Direction = ""
				record.UpdatedAtMS = time.Now().UnixMilli()
				_ = state.SaveRunRecord(ctx, a.store, record)
				a.sequencer.ClearRun(ctx, runID)
				continue
			}
			record.Phase = state.PhaseFailed
			record.UpdatedAtMS = time.Now().UnixMilli()
			_ = state.SaveRunRecord(ctx, a.store, record)
			break
		}
		record.Phase = state.PhaseOpen
		record.OpenedAtMS = time.Now().UnixMilli()
		record.UpdatedAtMS = record.OpenedAtMS
		if err := state.SaveRunRecord(ctx, a.store, record); err != nil {
			return err
		}
		a.metrics.RunsOpened.Inc()
		a.history.EnqueueLeg(history.LegRecord{
			Time:      time.Now().UTC(),
			RunID:     runID,
			Step:      "open_complete",
			Direction: string(direction),
			Pair:      record.Pair,
			Detail:    fmt.Sprintf("hedge_size_base=%.8f", sizeBase),
		})
		a.log.Info("carry position opened",
			zap.String("run", runID),
			zap.String("direction", string(direction)),
			zap.Float64("hedge_size_base", sizeBase),
		)
		a.notify(ctx, fmt.Sprintf("Opened %s on %s, hedge size %.6f", direction, record.Pair, sizeBase))
		return nil
	}
	if lastErr != nil {
		a.notify(ctx, fmt.Sprintf("Open failed: %v", lastErr))
		return lastErr
	}
	return nil
}

// closeAndSettle unwinds the live run and pays the depositor share out to
// recipient. Called from the telegram operator.
func (a *App) closeAndSettle(ctx context.Context, recipient common.Address) (string, error) {
	release, err := a.guard.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	record, found, err := state.LoadRunRecord(ctx, a.store)
	if err != nil {
		return "", err
	}
	if !found || record.RunID == "" {
		return "", errors.New("no run to close")
	}
	record.Phase = state.PhaseClosing
	record.UpdatedAtMS = time.Now().UnixMilli()
	if err := state.SaveRunRecord(ctx, a.store, record); err != nil {
		return "", err
	}
	result, err := a.sequencer.Close(ctx, record.RunID, strategy.Direction(record.Direction), exec.CloseParams{
		Pair:        record.Pair,
		SlippageBps: a.cfg.Spot.SlippageBps,
	})
	if err != nil {
		a.metrics.CloseFailed.Inc()
		record.Phase = state.PhaseFailed
		record.UpdatedAtMS = time.Now().UnixMilli()
		_ = state.SaveRunRecord(ctx, a.store, record)
		return "", fmt.Errorf("close: %w", err)
	}
	a.metrics.ClosesCompleted.Inc()
	a.history.EnqueueLeg(history.LegRecord{
		Time:      time.Now().UTC(),
		RunID:     record.RunID,
		Step:      "close_complete",
		Direction: record.Direction,
		Pair:      record.Pair,
		Detail:    fmt.Sprintf("size_closed_base=%.8f loan_repaid=%s", result.SizeClosedBase, result.LoanRepaid),
	})

	totals, txHash, err := a.settler.Settle(ctx, record.TrackedDeposit(), recipient)
	if err != nil && !errors.Is(err, settle.ErrNoFunds) {
		a.metrics.PayoutFailed.Inc()
		return "", fmt.Errorf("settle: %w", err)
	}
	summary := "closed, no funds to pay out"
	if err == nil {
		a.metrics.PayoutsSent.Inc()
		a.history.EnqueueSettlement(history.SettlementRecord{
			Time:           time.Now().UTC(),
			RunID:          record.RunID,
			Balance:        totals.Balance.String(),
			TrackedDeposit: record.TrackedDepositTotal,
			Profit:         totals.Profit.String(),
			Fee:            totals.Fee.String(),
			Payout:         totals.Payout.String(),
			TxHash:         txHash,
		})
		summary = fmt.Sprintf("closed, payout %s (profit %s, fee %s) tx %s",
			totals.Payout, totals.Profit, totals.Fee, txHash)
	}

	a.sequencer.ClearRun(ctx, record.RunID)
	fresh := state.NewRunRecord()
	fresh.UpdatedAtMS = time.Now().UnixMilli()
	if err := state.SaveRunRecord(ctx, a.store, fresh); err != nil {
		return summary, err
	}
	a.log.Info("run settled and reset", zap.String("run", record.RunID), zap.String("summary", summary))
	a.notify(ctx, summary)
	return summary, nil
}

func (a *App) buildOpenParams(ctx context.Context, direction strategy.Direction, total decimal.Decimal) (exec.OpenParams, error) {
	leverage := a.cfg.Strategy.LeverageTarget
	if leverage < 1 || math.IsNaN(leverage) || math.IsInf(leverage, 0) {
		leverage = 1
	}
	// The perp leg needs notional/leverage collateral; the rest of the
	// deposit funds the spot or lending leg.
	perpCollateral := total.Div(decimal.NewFromFloat(leverage + 1))
	rest := total.Sub(perpCollateral)
	collateralQuote, _ := perpCollateral.Float64()

	params := exec.OpenParams{
		Direction:       direction,
		Pair:            a.cfg.Perp.Pair,
		CollateralQuote: collateralQuote,
		SlippageBps:     a.cfg.Spot.SlippageBps,
	}
	if !direction.RequiresBorrow() {
		params.SwapQuote = rest
		return params, nil
	}
	params.LoanCollateralQuote = rest
	borrowQuote := rest.Mul(decimal.NewFromFloat(borrowValueFraction))
	route, err := a.spot.Quote(ctx, "quote", "base", borrowQuote)
	if err != nil {
		return exec.OpenParams{}, fmt.Errorf("size borrow: %w", err)
	}
	params.BorrowBase = route.OutHuman
	return params, nil
}

// borrowCostPctPerHour projects the money-market borrow rate for the short
// direction from live pool utilization. Unreachable pool reads cost nothing:
// the short leg then competes on the base threshold alone.
func (a *App) borrowCostPctPerHour(ctx context.Context) float64 {
	utilization, err := a.lending.Utilization(ctx, "base")
	if err != nil {
		a.log.Warn("pool utilization unavailable", zap.Error(err))
		return 0
	}
	l := a.cfg.Lending
	apr := strategy.BorrowAPR(utilization, l.OptimalUtilization, l.BaseRate, l.RateSlope1, l.RateSlope2)
	return apr * 100 / (365 * 24)
}

func (a *App) costInputs() strategy.CostInputs {
	s := a.cfg.Strategy
	return strategy.CostInputs{
		SpotRoundTripBps:     s.SpotRoundTripBps,
		PerpRoundTripBps:     s.PerpRoundTripBps,
		GasRoundTripBps:      s.GasRoundTripBps,
		CapitalAprPct:        s.CapitalAprPct,
		HoldHours:            s.HoldHours,
		FundingStdPctPerHour: s.FundingStdPctPerHour,
		ZScore:               s.ZScore,
		BasisPremiumPctPerHr: s.BasisPremiumPctPerHr,
	}
}

func (a *App) notify(ctx context.Context, message string) {
	if err := a.alerts.Send(ctx, message); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}
