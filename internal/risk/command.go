package risk

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/quantfab/tradelink/internal/riskstore"
	"github.com/quantfab/tradelink/internal/wire"
)

// parseFields splits a command payload of comma separated key:value pairs
// and checks the keys positionally.
func parseFields(payload string, keys ...string) ([]string, error) {
	parts := strings.Split(payload, ",")
	if len(parts) != len(keys) {
		return nil, fmt.Errorf("want %d fields, got %d", len(keys), len(parts))
	}
	values := make([]string, len(keys))
	for i, part := range parts {
		k, v, found := strings.Cut(strings.TrimSpace(part), ":")
		if !found || k != keys[i] {
			return nil, fmt.Errorf("field %d: want key %q, got %q", i, keys[i], part)
		}
		values[i] = v
	}
	return values, nil
}

func parsePositiveInt(name, s string) (int32, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", name, n)
	}
	return int32(n), nil
}

// HandleCommand applies one operator command, persisting its effect and
// returning the reports to publish. Malformed or invalid commands produce
// an error report and change nothing.
func (e *Engine) HandleCommand(ctx context.Context, cmd *wire.Command) []wire.Message {
	switch cmd.CmdType {
	case wire.CmdUpdateRiskLimit:
		return e.updateRiskLimit(ctx, cmd)
	case wire.CmdUpdateAccountLocked:
		return e.updateAccountLocked(ctx, cmd)
	default:
		return []wire.Message{e.eventReport(cmd.Account, "",
			fmt.Sprintf("unsupported command type %d", cmd.CmdType))}
	}
}

func (e *Engine) updateRiskLimit(ctx context.Context, cmd *wire.Command) []wire.Message {
	values, err := parseFields(cmd.Payload,
		"RiskID", "FlowLimit", "TickerCancelLimit", "OrderCancelLimit", "Trader")
	if err != nil {
		return []wire.Message{e.eventReport(cmd.Account, "",
			fmt.Sprintf("UpdateRiskLimit rejected: %v", err))}
	}

	riskID, trader := values[0], values[4]
	flowLimit, err := parsePositiveInt("FlowLimit", values[1])
	if err == nil {
		var tickerLimit, orderLimit int32
		if tickerLimit, err = parsePositiveInt("TickerCancelLimit", values[2]); err == nil {
			if orderLimit, err = parsePositiveInt("OrderCancelLimit", values[3]); err == nil {
				return e.applyRiskLimit(ctx, Limits{
					RiskID:            riskID,
					FlowLimit:         flowLimit,
					TickerCancelLimit: tickerLimit,
					OrderCancelLimit:  orderLimit,
					Trader:            trader,
				})
			}
		}
	}
	return []wire.Message{e.eventReport(cmd.Account, "",
		fmt.Sprintf("UpdateRiskLimit rejected: %v", err))}
}

func (e *Engine) applyRiskLimit(ctx context.Context, next Limits) []wire.Message {
	prev := e.state.limits
	e.state.limits = next
	now := e.stamp()

	event := "Risk Limit Updated"
	if err := e.store.UpsertRiskLimit(ctx, riskstore.RiskLimitRow{
		RiskID:            next.RiskID,
		FlowLimit:         next.FlowLimit,
		TickerCancelLimit: next.TickerCancelLimit,
		OrderCancelLimit:  next.OrderCancelLimit,
		Trader:            next.Trader,
		UpdateTime:        now,
	}); err != nil {
		e.log.Error("persist risk limit", zap.Error(err))
		event = fmt.Sprintf("persist risk limit failed: %v", err)
	}
	if next.TickerCancelLimit != prev.TickerCancelLimit {
		if err := e.store.UpdateUpperLimits(ctx, next.TickerCancelLimit, next.Trader, now); err != nil {
			e.log.Error("cascade upper limits", zap.Error(err))
			event = fmt.Sprintf("cascade upper limits failed: %v", err)
		}
	}
	e.log.Info("risk limit updated",
		zap.String("riskID", next.RiskID),
		zap.Int32("flowLimit", next.FlowLimit),
		zap.Int32("tickerCancelLimit", next.TickerCancelLimit),
		zap.Int32("orderCancelLimit", next.OrderCancelLimit))
	return []wire.Message{e.limitReport(event, now)}
}

func (e *Engine) updateAccountLocked(ctx context.Context, cmd *wire.Command) []wire.Message {
	values, err := parseFields(cmd.Payload,
		"RiskID", "Account", "Ticker", "LockedSide", "Trader")
	if err != nil {
		return []wire.Message{e.eventReport(cmd.Account, "",
			fmt.Sprintf("UpdateAccountLocked rejected: %v", err))}
	}
	riskID, account, ticker, trader := values[0], values[1], values[2], values[4]
	sideN, err := strconv.Atoi(values[3])
	if err != nil || sideN < int(wire.Unlock) || sideN > int(wire.LockAll) {
		return []wire.Message{e.eventReport(account, ticker,
			fmt.Sprintf("UpdateAccountLocked rejected: bad LockedSide %q", values[3]))}
	}
	side := wire.LockedSide(sideN)
	now := e.stamp()

	if side == wire.Unlock {
		if _, locked := e.state.locks[account]; !locked {
			return []wire.Message{e.eventReport(account, ticker,
				"UpdateAccountLocked rejected: account not locked")}
		}
		delete(e.state.locks, account)
		event := "Account Unlocked"
		if err := e.store.DeleteLockedAccount(ctx, account); err != nil {
			e.log.Error("persist unlock", zap.String("account", account), zap.Error(err))
			event = fmt.Sprintf("persist unlock failed: %v", err)
		}
		return []wire.Message{e.lockReport(account, ticker, side, riskID, trader, event, now)}
	}

	e.state.locks[account] = lock{side: side, ticker: ticker, riskID: riskID, trader: trader}
	event := "Account Locked"
	if err := e.store.UpsertLockedAccount(ctx, riskstore.LockedAccountRow{
		Account:    account,
		Ticker:     ticker,
		LockedSide: int32(side),
		RiskID:     riskID,
		Trader:     trader,
		UpdateTime: now,
	}); err != nil {
		e.log.Error("persist lock", zap.String("account", account), zap.Error(err))
		event = fmt.Sprintf("persist lock failed: %v", err)
	}
	e.log.Info("account lock updated",
		zap.String("account", account), zap.String("ticker", ticker),
		zap.Int("lockedSide", sideN))
	return []wire.Message{e.lockReport(account, ticker, side, riskID, trader, event, now)}
}

func (e *Engine) lockReport(account, ticker string, side wire.LockedSide, riskID, trader, event, updateTime string) wire.Message {
	return wire.Message{Type: wire.MsgRiskReport, RiskReport: wire.RiskReport{
		ReportType: wire.ReportAccountLocked,
		Colo:       e.colo,
		Account:    account,
		Ticker:     ticker,
		LockedSide: side,
		Event:      event,
		RiskID:     riskID,
		Trader:     trader,
		UpdateTime: updateTime,
	}}
}
