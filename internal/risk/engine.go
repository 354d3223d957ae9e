package risk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quantfab/tradelink/internal/riskstore"
	"github.com/quantfab/tradelink/internal/wire"
)

const timeFormat = "2006-01-02 15:04:05.000000"

// Reject messages placed into ErrorMsg of a refused request.
const (
	msgFlowLimited         = "Flow Limited"
	msgBuyLocked           = "Account Buy Locked"
	msgSellLocked          = "Account Sell Locked"
	msgSelfMatched         = "Self Matched"
	msgTickerCancelLimited = "Ticker Cancel Limited"
	msgOrderCancelLimited  = "Order Cancel Limited"
	msgCheckInit           = "Risk Check Init"
)

// Engine runs the pre-trade checks against one State and persists durable
// pieces through the store. Call sites drive it from a single goroutine.
type Engine struct {
	log   *zap.Logger
	store *riskstore.Store
	state *State
	colo  string

	now func() time.Time
}

// NewEngine builds an engine over store with empty state; call Replay to
// rebuild state from previous runs.
func NewEngine(store *riskstore.Store, colo string, log *zap.Logger) *Engine {
	return &Engine{
		log:   log,
		store: store,
		state: NewState(),
		colo:  colo,
		now:   time.Now,
	}
}

// Limits returns the profile in force.
func (e *Engine) Limits() Limits { return e.state.Limits() }

func (e *Engine) stamp() string { return e.now().Format(timeFormat) }

// Replay loads limits, cancel counters and account locks written by
// previous runs and returns one report per restored row so downstream
// monitors converge on the durable state.
func (e *Engine) Replay(ctx context.Context) ([]wire.Message, error) {
	var out []wire.Message

	limits, err := e.store.ListRiskLimits(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay risk limits: %w", err)
	}
	for i, row := range limits {
		if i == 0 {
			e.state.limits = Limits{
				RiskID:            row.RiskID,
				FlowLimit:         row.FlowLimit,
				TickerCancelLimit: row.TickerCancelLimit,
				OrderCancelLimit:  row.OrderCancelLimit,
				Trader:            row.Trader,
			}
		}
		out = append(out, e.limitReport("Risk Limit Restored", row.UpdateTime))
	}

	counts, err := e.store.ListCancelledCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay cancelled counts: %w", err)
	}
	for _, row := range counts {
		e.state.setCancelledCount(row.Account, row.Ticker, row.CancelledCount)
		m := wire.Message{Type: wire.MsgRiskReport, RiskReport: wire.RiskReport{
			ReportType:     wire.ReportTickerCancelled,
			Colo:           e.colo,
			Account:        row.Account,
			Ticker:         row.Ticker,
			CancelledCount: row.CancelledCount,
			UpperLimit:     row.UpperLimit,
			Event:          "Cancelled Count Restored",
			RiskID:         e.state.limits.RiskID,
			Trader:         row.Trader,
			UpdateTime:     row.UpdateTime,
		}}
		out = append(out, m)
	}

	locks, err := e.store.ListLockedAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay locked accounts: %w", err)
	}
	for _, row := range locks {
		e.state.locks[row.Account] = lock{
			side:   wire.LockedSide(row.LockedSide),
			ticker: row.Ticker,
			riskID: row.RiskID,
			trader: row.Trader,
		}
		m := wire.Message{Type: wire.MsgRiskReport, RiskReport: wire.RiskReport{
			ReportType: wire.ReportAccountLocked,
			Colo:       e.colo,
			Account:    row.Account,
			Ticker:     row.Ticker,
			LockedSide: wire.LockedSide(row.LockedSide),
			Event:      "Account Lock Restored",
			RiskID:     row.RiskID,
			Trader:     row.Trader,
			UpdateTime: row.UpdateTime,
		}}
		out = append(out, m)
	}

	e.log.Info("state restored",
		zap.Int("limits", len(limits)),
		zap.Int("cancelledCounts", len(counts)),
		zap.Int("lockedAccounts", len(locks)))
	return out, nil
}

// CheckOrder applies the order checks to req in place, advancing its
// RiskStatus and filling ErrorID and ErrorMsg on refusal. The returned
// messages are audit reports for the watcher.
func (e *Engine) CheckOrder(ctx context.Context, req *wire.OrderRequest) []wire.Message {
	switch req.RiskStatus {
	case wire.NoCheck:
		return nil
	case wire.CheckInit:
		req.RiskID = e.state.limits.RiskID
		req.ErrorID = -1
		req.ErrorMsg = msgCheckInit
		req.UpdateTime = e.stamp()
		return nil
	}

	if n := e.state.countFlow(req.Account, e.now()); n > e.state.limits.FlowLimit {
		return e.rejectOrder(req, wire.FlowLimited, msgFlowLimited)
	}

	side := e.state.lockedSide(req.Account, req.Ticker)
	if req.Direction == wire.Buy && side&wire.LockBuy != 0 {
		return e.rejectOrder(req, wire.BuyLocked, msgBuyLocked)
	}
	if req.Direction == wire.Sell && side&wire.LockSell != 0 {
		return e.rejectOrder(req, wire.SellLocked, msgSellLocked)
	}

	if e.state.wouldSelfMatch(req.Account, req.Ticker, req.Direction, req.Price) {
		return e.rejectOrder(req, wire.SelfMatched, msgSelfMatched)
	}

	req.RiskStatus = wire.CheckedPass
	req.RiskID = e.state.limits.RiskID
	req.UpdateTime = e.stamp()
	return nil
}

// CheckAction applies the cancel checks to req in place. A permitted
// cancel of a pending order consumes one of that order's cancel requests
// whether or not the exchange later honors it.
func (e *Engine) CheckAction(ctx context.Context, req *wire.ActionRequest) []wire.Message {
	switch req.RiskStatus {
	case wire.NoCheck:
		return nil
	case wire.CheckInit:
		req.RiskID = e.state.limits.RiskID
		req.ErrorID = -1
		req.ErrorMsg = msgCheckInit
		req.UpdateTime = e.stamp()
		return nil
	}

	if n := e.state.countFlow(req.Account, e.now()); n > e.state.limits.FlowLimit {
		return e.rejectAction(req, wire.FlowLimited, msgFlowLimited)
	}

	p := e.state.pendingOrderOf(req.Account, req.OrderRef)
	if p != nil {
		if e.state.cancelledCount(req.Account, p.ticker) >= e.state.limits.TickerCancelLimit {
			return e.rejectAction(req, wire.TickerActionLimited, msgTickerCancelLimited)
		}
		if p.cancelRequests >= e.state.limits.OrderCancelLimit {
			return e.rejectAction(req, wire.OrderActionLimited, msgOrderCancelLimited)
		}
		p.cancelRequests++
	}

	req.RiskStatus = wire.CheckedPass
	req.RiskID = e.state.limits.RiskID
	req.UpdateTime = e.stamp()
	return nil
}

// OnOrderStatus keeps the pending order book current and advances the
// durable cancel counter when a limit order ends cancelled.
func (e *Engine) OnOrderStatus(ctx context.Context, status *wire.OrderStatus) []wire.Message {
	var out []wire.Message

	switch status.Status {
	case wire.OrderSended, wire.ExchangeACK, wire.PartTraded:
		e.state.upsertPending(status)
	case wire.AllTraded, wire.PartTradedCancelled, wire.Cancelled, wire.BrokerError, wire.ExchangeError:
		if report := e.recordCancelled(ctx, status); report != nil {
			out = append(out, *report)
		}
		e.state.removePending(status.Account, status.OrderRef)
	}
	return out
}

// recordCancelled bumps the cancel counter for a limit order that ended in
// a cancelled state and persists the new value. A persistence failure is
// carried in the report's event text rather than blocking the verdict.
func (e *Engine) recordCancelled(ctx context.Context, status *wire.OrderStatus) *wire.Message {
	switch status.Status {
	case wire.PartTradedCancelled, wire.Cancelled, wire.ExchangeError:
	default:
		return nil
	}
	if status.OrderType != wire.OrderLimit {
		return nil
	}

	n := e.state.cancelledCount(status.Account, status.Ticker) + 1
	e.state.setCancelledCount(status.Account, status.Ticker, n)

	now := e.stamp()
	event := "Ticker Cancelled Count Updated"
	err := e.store.UpsertCancelledCount(ctx, riskstore.CancelledCountRow{
		Account:        status.Account,
		Ticker:         status.Ticker,
		CancelledCount: n,
		UpperLimit:     e.state.limits.TickerCancelLimit,
		Trader:         e.state.limits.Trader,
		UpdateTime:     now,
	})
	if err != nil {
		e.log.Error("persist cancelled count", zap.String("account", status.Account),
			zap.String("ticker", status.Ticker), zap.Error(err))
		event = fmt.Sprintf("persist cancelled count failed: %v", err)
	}

	m := wire.Message{Type: wire.MsgRiskReport, RiskReport: wire.RiskReport{
		ReportType:     wire.ReportTickerCancelled,
		Colo:           e.colo,
		Broker:         status.Broker,
		Product:        status.Product,
		Account:        status.Account,
		Ticker:         status.Ticker,
		ExchangeID:     status.ExchangeID,
		CancelledCount: n,
		UpperLimit:     e.state.limits.TickerCancelLimit,
		Event:          event,
		RiskID:         e.state.limits.RiskID,
		Trader:         e.state.limits.Trader,
		UpdateTime:     now,
	}}
	return &m
}

func (e *Engine) rejectOrder(req *wire.OrderRequest, reason wire.RejectReason, msg string) []wire.Message {
	req.RiskStatus = wire.CheckedNoPass
	req.RiskID = e.state.limits.RiskID
	req.ErrorID = int32(reason)
	req.ErrorMsg = msg
	req.UpdateTime = e.stamp()
	e.log.Info("order rejected",
		zap.String("account", req.Account), zap.String("ticker", req.Ticker),
		zap.String("reason", msg))
	return []wire.Message{e.eventReport(req.Account, req.Ticker,
		fmt.Sprintf("order rejected: %s", msg))}
}

func (e *Engine) rejectAction(req *wire.ActionRequest, reason wire.RejectReason, msg string) []wire.Message {
	req.RiskStatus = wire.CheckedNoPass
	req.RiskID = e.state.limits.RiskID
	req.ErrorID = int32(reason)
	req.ErrorMsg = msg
	req.UpdateTime = e.stamp()
	e.log.Info("action rejected",
		zap.String("account", req.Account), zap.String("orderRef", req.OrderRef),
		zap.String("reason", msg))
	return []wire.Message{e.eventReport(req.Account, "",
		fmt.Sprintf("cancel rejected: %s", msg))}
}

func (e *Engine) eventReport(account, ticker, event string) wire.Message {
	return wire.Message{Type: wire.MsgRiskReport, RiskReport: wire.RiskReport{
		ReportType: wire.ReportRiskEvent,
		Colo:       e.colo,
		Account:    account,
		Ticker:     ticker,
		Event:      event,
		RiskID:     e.state.limits.RiskID,
		Trader:     e.state.limits.Trader,
		UpdateTime: e.stamp(),
	}}
}

func (e *Engine) limitReport(event, updateTime string) wire.Message {
	l := e.state.limits
	return wire.Message{Type: wire.MsgRiskReport, RiskReport: wire.RiskReport{
		ReportType:        wire.ReportRiskLimit,
		Colo:              e.colo,
		FlowLimit:         l.FlowLimit,
		TickerCancelLimit: l.TickerCancelLimit,
		OrderCancelLimit:  l.OrderCancelLimit,
		Event:             event,
		RiskID:            l.RiskID,
		Trader:            l.Trader,
		UpdateTime:        updateTime,
	}}
}
