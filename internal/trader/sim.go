package trader

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfab/tradelink/internal/ring"
	"github.com/quantfab/tradelink/internal/wire"
)

// SimConfig tunes the simulated broker. RejectPct injects broker rejects,
// DelayMsMin/Max inject acknowledgement latency; zero values mean a clean
// instant broker.
type SimConfig struct {
	RejectPct  int
	DelayMsMin int
	DelayMsMax int
	Seed       int64
}

// SimGateway is an in-process broker: orders are acknowledged and rest
// until cancelled or filled by test hooks. Failure injection is seeded so
// runs are reproducible.
type SimGateway struct {
	account string
	cfg     SimConfig
	log     *zap.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	nextRef int64
	resting map[string]*wire.OrderStatus
	fund    wire.AccountFund

	// reports is single-consumer; mu serialises the producing side.
	reports *ring.Ring[wire.Message]
}

// NewSimGateway builds a simulated broker for one account.
func NewSimGateway(account string, cfg SimConfig, log *zap.Logger) *SimGateway {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	g := &SimGateway{
		account: account,
		cfg:     cfg,
		log:     log,
		rng:     rand.New(rand.NewSource(seed)),
		resting: make(map[string]*wire.OrderStatus),
		reports: ring.New[wire.Message](256),
	}
	g.fund = wire.AccountFund{Account: account, Available: 1_000_000, Balance: 1_000_000}
	return g
}

func (g *SimGateway) Name() string                      { return "sim" }
func (g *SimGateway) Reports() *ring.Ring[wire.Message] { return g.reports }

func (g *SimGateway) Close() error { return nil }

func (g *SimGateway) maybeDelay(ctx context.Context) error {
	if g.cfg.DelayMsMax == 0 {
		return nil
	}
	g.mu.Lock()
	delayMs := g.cfg.DelayMsMin
	if g.cfg.DelayMsMax > g.cfg.DelayMsMin {
		delayMs += g.rng.Intn(g.cfg.DelayMsMax - g.cfg.DelayMsMin + 1)
	}
	g.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(delayMs) * time.Millisecond):
		return nil
	}
}

func (g *SimGateway) maybeReject() bool {
	if g.cfg.RejectPct == 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Intn(100) < g.cfg.RejectPct
}

// sideOf maps the request direction and offset onto the resting side.
func sideOf(direction wire.Direction, offset wire.OffsetFlag) wire.OrderSide {
	if direction == wire.Buy {
		switch offset {
		case wire.Open:
			return wire.OpenLong
		case wire.CloseYesterday:
			return wire.CloseYdShort
		default:
			return wire.CloseTdShort
		}
	}
	switch offset {
	case wire.Open:
		return wire.OpenShort
	case wire.CloseYesterday:
		return wire.CloseYdLong
	default:
		return wire.CloseTdLong
	}
}

// SendOrder acknowledges the order and leaves it resting.
func (g *SimGateway) SendOrder(ctx context.Context, req *wire.OrderRequest) error {
	if err := g.maybeDelay(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	g.nextRef++
	ref := fmt.Sprintf("%012d", g.nextRef)
	g.mu.Unlock()

	status := wire.OrderStatus{
		Colo:       req.Colo,
		Broker:     "sim",
		Product:    req.Product,
		Account:    req.Account,
		Ticker:     req.Ticker,
		ExchangeID: req.ExchangeID,
		OrderRef:   ref,
		OrderSysID: "sim-" + ref,
		OrderToken: req.OrderToken,
		EngineID:   req.EngineID,
		OrderType:  req.OrderType,
		OrderSide:  sideOf(req.Direction, req.Offset),
		SendPrice:  req.Price,
		SendVolume: uint32(req.Volume),
		RiskID:     req.RiskID,
		Trader:     req.Trader,
		SendTime:   req.SendTime,
		UpdateTime: time.Now().Format("2006-01-02 15:04:05.000000"),
	}

	if g.maybeReject() {
		status.Status = wire.BrokerError
		status.ErrorID = 1
		status.ErrorMsg = "simulated broker reject"
		g.emit(status)
		return nil
	}

	status.Status = wire.ExchangeACK
	g.mu.Lock()
	copyStatus := status
	g.resting[ref] = &copyStatus
	g.mu.Unlock()
	g.emit(status)
	return nil
}

// CancelOrder cancels a resting order; a cancel for an unknown reference
// reports an action error.
func (g *SimGateway) CancelOrder(ctx context.Context, req *wire.ActionRequest) error {
	if err := g.maybeDelay(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	status, ok := g.resting[req.OrderRef]
	if ok {
		delete(g.resting, req.OrderRef)
	}
	g.mu.Unlock()

	if !ok {
		g.emit(wire.OrderStatus{
			Account:    req.Account,
			OrderRef:   req.OrderRef,
			ExchangeID: req.ExchangeID,
			Status:     wire.ActionError,
			ErrorID:    1,
			ErrorMsg:   "unknown order reference",
			RiskID:     req.RiskID,
			Trader:     req.Trader,
			UpdateTime: time.Now().Format("2006-01-02 15:04:05.000000"),
		})
		return nil
	}

	out := *status
	out.Status = wire.Cancelled
	out.CanceledVolume = out.SendVolume - out.TotalTradedVolume
	out.UpdateTime = time.Now().Format("2006-01-02 15:04:05.000000")
	g.emit(out)
	return nil
}

// Fill trades a resting order out completely. Used by simulations driving
// the book.
func (g *SimGateway) Fill(orderRef string) bool {
	g.mu.Lock()
	status, ok := g.resting[orderRef]
	if ok {
		delete(g.resting, orderRef)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	out := *status
	out.Status = wire.AllTraded
	out.TradedVolume = out.SendVolume
	out.TotalTradedVolume = out.SendVolume
	out.TradedPrice = out.SendPrice
	out.TradedAvgPrice = out.SendPrice
	out.UpdateTime = time.Now().Format("2006-01-02 15:04:05.000000")
	g.emit(out)
	return true
}

// TransferFund moves amount in or out of the simulated account and reports
// the new fund snapshot.
func (g *SimGateway) TransferFund(amount float64, in bool) wire.AccountFund {
	g.mu.Lock()
	if in {
		g.fund.Deposit += amount
		g.fund.Available += amount
		g.fund.Balance += amount
	} else {
		g.fund.Withdraw += amount
		g.fund.Available -= amount
		g.fund.Balance -= amount
	}
	g.fund.UpdateTime = time.Now().Format("2006-01-02 15:04:05.000000")
	snapshot := g.fund
	g.mu.Unlock()
	g.emit2(wire.Message{Type: wire.MsgAccountFund, AccountFund: snapshot})
	return snapshot
}

func (g *SimGateway) emit(status wire.OrderStatus) {
	g.emit2(wire.Message{Type: wire.MsgOrderStatus, OrderStatus: status})
}

func (g *SimGateway) emit2(m wire.Message) {
	g.mu.Lock()
	ok := g.reports.Push(m)
	g.mu.Unlock()
	if !ok {
		g.log.Warn("report ring full, dropping", zap.String("type", m.Type.String()))
	}
}
