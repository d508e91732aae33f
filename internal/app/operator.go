package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"carry-vault-bot/internal/alerts"
	"carry-vault-bot/internal/state"
	"carry-vault-bot/internal/strategy"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const (
	operatorOffsetKey = "telegram:operator:last_update_id"
	pausedKey         = "ops:paused"
)

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `json:"update_id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Command      string    `json:"command"`
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ChatID       int64     `json:"chat_id"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || a.log == nil {
		return
	}
	if !a.cfg.Telegram.OperatorEnabled || !a.alerts.Enabled() {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
		if len(updates) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(ctx), nil
	case "pause":
		before := a.isPaused()
		a.setPaused(ctx, true)
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:     meta.UpdateID,
			Time:         time.Now().UTC(),
			Action:       "pause",
			Command:      meta.Raw,
			UserID:       meta.UserID,
			Username:     meta.Username,
			ChatID:       meta.ChatID,
			PausedBefore: before,
			PausedAfter:  true,
		})
		if before {
			return "already paused", nil
		}
		return "paused", nil
	case "resume":
		before := a.isPaused()
		a.setPaused(ctx, false)
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:     meta.UpdateID,
			Time:         time.Now().UTC(),
			Action:       "resume",
			Command:      meta.Raw,
			UserID:       meta.UserID,
			Username:     meta.Username,
			ChatID:       meta.ChatID,
			PausedBefore: before,
			PausedAfter:  false,
		})
		if !before {
			return "already running", nil
		}
		return "resumed", nil
	case "close":
		if len(args) != 1 || !common.IsHexAddress(args[0]) {
			return "", fmt.Errorf("usage: /close <recipient address>")
		}
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID: meta.UpdateID,
			Time:     time.Now().UTC(),
			Action:   "close",
			Command:  meta.Raw,
			UserID:   meta.UserID,
			Username: meta.Username,
			ChatID:   meta.ChatID,
		})
		return a.closeAndSettle(ctx, common.HexToAddress(args[0]))
	case "breakeven":
		return a.breakevenStatus(ctx), nil
	case "help":
		return operatorHelpText(), nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) operatorStatus(ctx context.Context) string {
	record, _, err := state.LoadRunRecord(ctx, a.store)
	if err != nil {
		return fmt.Sprintf("status unavailable: %v", err)
	}
	funding, fundingErr := a.perp.FundingRate(ctx, a.cfg.Perp.Pair)
	fundingLine := "funding_rate: n/a"
	if fundingErr == nil {
		fundingLine = fmt.Sprintf("funding_rate: %.8f %%/h", funding)
	}
	lines := []string{
		fmt.Sprintf("phase: %s", record.Phase),
		fmt.Sprintf("direction: %s", orDash(record.Direction)),
		fmt.Sprintf("pair: %s", orDash(record.Pair)),
		fmt.Sprintf("run_id: %s", orDash(record.RunID)),
		fmt.Sprintf("tracked_deposit: %s", record.TrackedDepositTotal),
		fundingLine,
		fmt.Sprintf("paused: %t", a.isPaused()),
	}
	// Funds that landed in the custodial wallet without a matching feed
	// event show up as a balance above the tracked total.
	if record.Phase == state.PhaseIdle {
		token := common.HexToAddress(a.cfg.Strategy.SettlementAsset)
		balance, err := a.chain.TokenBalance(ctx, token, a.chain.Wallet(), a.cfg.Spot.QuoteDecimals)
		if err == nil && balance.GreaterThan(record.TrackedDeposit()) {
			lines = append(lines, fmt.Sprintf("warning: custodial balance %s exceeds tracked deposit %s",
				balance, record.TrackedDepositTotal))
		}
	}
	return strings.Join(lines, "\n")
}

func (a *App) breakevenStatus(ctx context.Context) string {
	breakdown := strategy.ComputeMinFundingBreakdown(a.costInputs())
	lines := []string{
		fmt.Sprintf("trading_cost: %.6f %%/h", breakdown.TradingCostPctPerHour),
		fmt.Sprintf("capital_cost: %.6f %%/h", breakdown.CapitalCostPctPerHour),
		fmt.Sprintf("risk_buffer: %.6f %%/h", breakdown.RiskBufferPctPerHour),
		fmt.Sprintf("basis_premium: %.6f %%/h", breakdown.BasisPremiumPctPerHr),
		fmt.Sprintf("min_funding: %.6f %%/h", breakdown.TotalPctPerHour),
	}
	funding, err := a.perp.FundingRate(ctx, a.cfg.Perp.Pair)
	if err == nil {
		hold := strategy.ComputeBreakevenHold(a.costInputs(), funding)
		if hold.Possible {
			lines = append(lines, fmt.Sprintf("breakeven_hold: %.1f h (%.2f d) at funding %.6f %%/h",
				hold.HoldHours, hold.HoldDays, funding))
		} else {
			lines = append(lines, fmt.Sprintf("breakeven_hold: not reachable at funding %.6f %%/h", funding))
		}
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - run phase, tracked deposit and funding",
		"/pause - stop acting on new deposits",
		"/resume - resume acting on new deposits",
		"/close <addr> - unwind the run and pay out to addr",
		"/breakeven - minimum funding and breakeven hold",
	}, "\n")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

func (a *App) setPaused(ctx context.Context, paused bool) {
	a.opsMu.Lock()
	a.paused = paused
	a.opsMu.Unlock()
	val := []byte("0")
	if paused {
		val = []byte("1")
	}
	if err := a.store.Set(ctx, pausedKey, val); err != nil {
		a.log.Warn("paused flag persist failed", zap.Error(err))
	}
}

func (a *App) loadPaused(ctx context.Context) {
	raw, ok, err := a.store.Get(ctx, pausedKey)
	if err != nil || !ok {
		return
	}
	a.opsMu.Lock()
	a.paused = string(raw) == "1"
	a.opsMu.Unlock()
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	_ = a.store.Set(ctx, operatorOffsetKey, []byte(strconv.FormatInt(offset, 10)))
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	_ = a.store.Set(ctx, key, payload)
}
