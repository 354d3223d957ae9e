package trader

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quantfab/tradelink/internal/config"
	"github.com/quantfab/tradelink/internal/ring"
	"github.com/quantfab/tradelink/internal/transport"
	"github.com/quantfab/tradelink/internal/wire"
)

const (
	statsInterval   = 30 * time.Second
	shmPollInterval = time.Millisecond

	// ShmChannelCount is the geometry both sides of the shared memory
	// segment must agree on.
	ShmChannelCount = 8
)

// ReportChannel names the shm channel carrying reports back to the
// strategy owning account.
func ReportChannel(account string) string { return account + ".rpt" }

// Router is the order routing loop: strategy requests go to the risk
// engine, approved requests go to the gateway, gateway reports fan back to
// the strategy, the risk engine and the watcher.
type Router struct {
	log     *zap.Logger
	cfg     config.TraderConfig
	colo    string
	gw      Gateway
	server  *transport.Server
	risk    *transport.Client
	watcher *transport.Client
	shm     *ring.Channels
	phases  phases
	started time.Time

	ordersIn      atomic.Int64
	actionsIn     atomic.Int64
	rejects       atomic.Int64
	reportsRouted atomic.Int64
}

// NewRouter wires the router: a server for strategies, clients to the risk
// engine and watcher, a gateway adapter and an optional shared memory
// order channel.
func NewRouter(cfg config.TraderConfig, colo string, gw Gateway, log *zap.Logger) (*Router, error) {
	server, err := transport.NewServer(cfg.ListenAddr, log.Named("server"))
	if err != nil {
		return nil, fmt.Errorf("trader server: %w", err)
	}

	ps, err := parsePhases(cfg.TradingPhases)
	if err != nil {
		server.Close()
		return nil, err
	}

	login := wire.LoginRequest{ClientType: wire.ClientTrader, Colo: colo, Account: cfg.Account}
	r := &Router{
		log:     log,
		cfg:     cfg,
		colo:    colo,
		gw:      gw,
		server:  server,
		risk:    transport.NewClient(cfg.RiskJudgeAddr, login, log.Named("risk")),
		watcher: transport.NewClient(cfg.WatcherAddr, login, log.Named("watcher")),
		phases:  ps,
		started: time.Now(),
	}

	if cfg.ShmName != "" {
		shm, err := ring.OpenChannels(cfg.ShmName, ShmChannelCount, cfg.ShmSlots, wire.MessageSize)
		if err != nil {
			server.Close()
			return nil, fmt.Errorf("open shm channels: %w", err)
		}
		err = shm.Register(cfg.Account)
		if err == nil {
			err = shm.Register(ReportChannel(cfg.Account))
		}
		if err != nil {
			server.Close()
			shm.Close()
			return nil, fmt.Errorf("register shm channels: %w", err)
		}
		r.shm = shm
	}
	return r, nil
}

// Addr returns the strategy-facing listen address.
func (r *Router) Addr() string { return r.server.Addr() }

// Connected reports whether the risk engine link is up.
func (r *Router) Connected() bool { return r.risk.Connected() }

// Run drives the router until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	go r.server.Serve(ctx)
	go r.risk.Run(ctx)
	go r.watcher.Run(ctx)

	r.announce()
	r.probeRisk()

	shmTicker := time.NewTicker(shmPollInterval)
	defer shmTicker.Stop()
	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()

	shmBuf := make([]byte, wire.MessageSize)
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case env := <-r.server.Inbound():
			r.handleStrategy(ctx, env.Msg)
		case <-shmTicker.C:
			r.drainRings(ctx)
			r.drainShm(ctx, shmBuf)
		case <-statsTicker.C:
			r.log.Info("router stats",
				zap.Int64("ordersIn", r.ordersIn.Load()),
				zap.Int64("actionsIn", r.actionsIn.Load()),
				zap.Int64("rejects", r.rejects.Load()),
				zap.Int64("reportsRouted", r.reportsRouted.Load()))
		}
	}
}

func (r *Router) shutdown() {
	r.server.Close()
	if r.shm != nil {
		r.shm.Close()
	}
}

// announce registers this process with the watcher.
func (r *Router) announce() {
	now := time.Now().Format("2006-01-02 15:04:05")
	msg := wire.Message{Type: wire.MsgAppStatus, AppStatus: wire.AppStatus{
		Colo:       r.colo,
		Account:    r.cfg.Account,
		AppName:    "trader",
		PID:        int32(os.Getpid()),
		Status:     "running",
		StartTime:  r.started.Format("2006-01-02 15:04:05"),
		UpdateTime: now,
	}}
	if err := r.watcher.Send(&msg); err != nil {
		r.log.Warn("announce failed", zap.Error(err))
	}
}

// probeRisk sends the startup liveness probe; the echo confirms the risk
// engine answers before real flow starts.
func (r *Router) probeRisk() {
	probe := wire.Message{Type: wire.MsgOrderRequest, OrderRequest: wire.OrderRequest{
		Colo:       r.colo,
		Account:    r.cfg.Account,
		RiskStatus: wire.CheckInit,
		SendTime:   time.Now().Format("2006-01-02 15:04:05.000000"),
	}}
	if err := r.risk.Send(&probe); err != nil {
		r.log.Warn("risk probe failed", zap.Error(err))
	}
}

// drainRings empties the inbound rings on every poll tick. Each ring has
// one producer and this loop as its only consumer.
func (r *Router) drainRings(ctx context.Context) {
	for {
		msg, ok := r.risk.Inbound().Pop()
		if !ok {
			break
		}
		r.handleRisk(ctx, msg)
	}
	for {
		msg, ok := r.watcher.Inbound().Pop()
		if !ok {
			break
		}
		r.handleWatcher(ctx, msg)
	}
	for {
		msg, ok := r.gw.Reports().Pop()
		if !ok {
			break
		}
		r.routeReport(&msg)
	}
}

func (r *Router) drainShm(ctx context.Context, buf []byte) {
	if r.shm == nil {
		return
	}
	for r.shm.Pop(r.cfg.Account, buf) {
		msg, err := wire.Decode(buf)
		if err != nil {
			r.log.Warn("undecodable shm record", zap.Error(err))
			continue
		}
		r.handleStrategy(ctx, msg)
	}
}

func (r *Router) handleStrategy(ctx context.Context, msg wire.Message) {
	switch msg.Type {
	case wire.MsgOrderRequest:
		r.ordersIn.Add(1)
		req := &msg.OrderRequest
		if !r.phases.open(time.Now()) && req.RiskStatus != wire.CheckInit {
			r.rejectOrderLocal(req, "outside trading phase")
			return
		}
		if req.RiskStatus == wire.NoCheck {
			r.sendToGateway(ctx, req)
			return
		}
		if err := r.risk.Send(&msg); err != nil {
			r.log.Error("forward order to risk", zap.Error(err))
		}
	case wire.MsgActionRequest:
		r.actionsIn.Add(1)
		req := &msg.ActionRequest
		if req.RiskStatus == wire.NoCheck {
			r.cancelAtGateway(ctx, req)
			return
		}
		if err := r.risk.Send(&msg); err != nil {
			r.log.Error("forward action to risk", zap.Error(err))
		}
	default:
		r.log.Debug("ignoring strategy message", zap.String("type", msg.Type.String()))
	}
}

func (r *Router) handleRisk(ctx context.Context, msg wire.Message) {
	switch msg.Type {
	case wire.MsgOrderRequest:
		req := &msg.OrderRequest
		switch req.RiskStatus {
		case wire.CheckedPass:
			r.sendToGateway(ctx, req)
		case wire.CheckedNoPass:
			r.rejects.Add(1)
			status := rejectedOrderStatus(req, wire.RiskOrderRejected)
			r.publishStatus(status)
		case wire.CheckInit:
			r.log.Info("risk engine ready", zap.String("riskID", req.RiskID))
		}
	case wire.MsgActionRequest:
		req := &msg.ActionRequest
		switch req.RiskStatus {
		case wire.CheckedPass:
			r.cancelAtGateway(ctx, req)
		case wire.CheckedNoPass:
			r.rejects.Add(1)
			status := wire.OrderStatus{
				Colo:       r.colo,
				Account:    req.Account,
				OrderRef:   req.OrderRef,
				ExchangeID: req.ExchangeID,
				EngineID:   req.EngineID,
				Status:     wire.RiskActionRejected,
				RiskID:     req.RiskID,
				Trader:     req.Trader,
				ErrorID:    req.ErrorID,
				ErrorMsg:   req.ErrorMsg,
				UpdateTime: req.UpdateTime,
			}
			r.publishStatus(status)
		}
	default:
		r.log.Debug("ignoring risk message", zap.String("type", msg.Type.String()))
	}
}

// handleWatcher processes traffic relayed down from the watcher: operator
// commands, and manual orders or cancels entered from a console, which go
// through the same path as strategy requests.
func (r *Router) handleWatcher(ctx context.Context, msg wire.Message) {
	switch msg.Type {
	case wire.MsgOrderRequest, wire.MsgActionRequest:
		r.handleStrategy(ctx, msg)
	case wire.MsgCommand:
		cmd := &msg.Command
		switch cmd.CmdType {
		case wire.CmdTransferFundIn, wire.CmdTransferFundOut:
			r.transferFund(cmd)
		default:
			r.log.Warn("unsupported command", zap.Uint8("cmdType", uint8(cmd.CmdType)))
		}
	}
}

// transferFund applies a fund transfer command against the sim gateway;
// real gateways carry their own transfer APIs.
func (r *Router) transferFund(cmd *wire.Command) {
	sim, ok := r.gw.(*SimGateway)
	if !ok {
		r.log.Warn("fund transfer unsupported by gateway", zap.String("gateway", r.gw.Name()))
		return
	}
	amount, err := strconv.ParseFloat(cmd.Payload, 64)
	if err != nil || amount <= 0 {
		r.log.Warn("bad fund transfer amount", zap.String("payload", cmd.Payload))
		return
	}
	in := cmd.CmdType == wire.CmdTransferFundIn
	fund := sim.TransferFund(amount, in)
	r.log.Info("fund transferred",
		zap.Float64("amount", amount), zap.Bool("in", in),
		zap.Float64("available", fund.Available))
}

func (r *Router) sendToGateway(ctx context.Context, req *wire.OrderRequest) {
	if err := r.gw.SendOrder(ctx, req); err != nil {
		r.log.Error("gateway send", zap.Error(err))
		r.rejectOrderLocal(req, fmt.Sprintf("gateway send failed: %v", err))
	}
}

func (r *Router) cancelAtGateway(ctx context.Context, req *wire.ActionRequest) {
	if err := r.gw.CancelOrder(ctx, req); err != nil {
		r.log.Error("gateway cancel", zap.Error(err))
	}
}

func (r *Router) rejectOrderLocal(req *wire.OrderRequest, reason string) {
	r.rejects.Add(1)
	status := rejectedOrderStatus(req, wire.BrokerError)
	status.ErrorID = 1
	status.ErrorMsg = reason
	r.publishStatus(status)
}

// publishStatus fans one order status out to the owning strategy, the risk
// engine and the watcher. A strategy attached over shared memory reads the
// same status from the report channel.
func (r *Router) publishStatus(status wire.OrderStatus) {
	msg := wire.Message{Type: wire.MsgOrderStatus, OrderStatus: status}
	r.server.SendToAccount(status.Account, &msg)
	r.pushShmReport(&msg)
	if err := r.risk.Send(&msg); err != nil {
		r.log.Error("status to risk", zap.Error(err))
	}
	if err := r.watcher.Send(&msg); err != nil {
		r.log.Error("status to watcher", zap.Error(err))
	}
	r.reportsRouted.Add(1)
}

func (r *Router) pushShmReport(msg *wire.Message) {
	if r.shm == nil {
		return
	}
	buf, err := wire.Encode(msg)
	if err != nil {
		r.log.Error("encode shm report", zap.Error(err))
		return
	}
	if !r.shm.Push(ReportChannel(r.cfg.Account), buf) {
		r.log.Warn("shm report channel full, dropping",
			zap.String("type", msg.Type.String()))
	}
}

// routeReport fans a gateway report out to the interested parties.
func (r *Router) routeReport(msg *wire.Message) {
	switch msg.Type {
	case wire.MsgOrderStatus:
		msg.OrderStatus.Colo = r.colo
		r.publishStatus(msg.OrderStatus)
	case wire.MsgAccountFund, wire.MsgAccountPosition:
		r.server.SendToAccount(msg.Account(), msg)
		r.pushShmReport(msg)
		if err := r.watcher.Send(msg); err != nil {
			r.log.Error("report to watcher", zap.Error(err))
		}
		r.reportsRouted.Add(1)
	}
}

func rejectedOrderStatus(req *wire.OrderRequest, state wire.OrderState) wire.OrderStatus {
	return wire.OrderStatus{
		Colo:       req.Colo,
		Broker:     req.Broker,
		Product:    req.Product,
		Account:    req.Account,
		Ticker:     req.Ticker,
		ExchangeID: req.ExchangeID,
		OrderToken: req.OrderToken,
		EngineID:   req.EngineID,
		OrderType:  req.OrderType,
		OrderSide:  sideOf(req.Direction, req.Offset),
		Status:     state,
		SendPrice:  req.Price,
		SendVolume: uint32(req.Volume),
		SendTime:   req.SendTime,
		RiskID:     req.RiskID,
		Trader:     req.Trader,
		ErrorID:    req.ErrorID,
		ErrorMsg:   req.ErrorMsg,
		UpdateTime: req.UpdateTime,
	}
}
