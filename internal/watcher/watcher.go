// Package watcher is the monitoring hub: traders and operator consoles
// connect to it, and it subscribes to the risk engine's report stream. It
// relays reports to the consoles, routes operator commands to the process
// that executes them, tracks which applications run where, and publishes a
// periodic host health snapshot. When a central server address is
// configured it also forwards the stamped report stream upstream and
// accepts commands back down.
package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfab/tradelink/internal/config"
	"github.com/quantfab/tradelink/internal/transport"
	"github.com/quantfab/tradelink/internal/wire"
)

// Watcher is the report routing loop.
type Watcher struct {
	log      *zap.Logger
	cfg      config.WatcherConfig
	colo     string
	server   *transport.Server
	risk     *transport.Client
	upstream *transport.Client
	sampler  *Sampler

	mu   sync.Mutex
	apps map[string]wire.AppStatus
}

// New wires the watcher: a server for traders and consoles, a client to
// the risk engine, and a client to the central server when one is
// configured.
func New(cfg config.WatcherConfig, colo string, log *zap.Logger) (*Watcher, error) {
	server, err := transport.NewServer(cfg.ListenAddr, log.Named("server"))
	if err != nil {
		return nil, fmt.Errorf("watcher server: %w", err)
	}
	login := wire.LoginRequest{ClientType: wire.ClientWatcher, Colo: colo, Account: "watcher"}
	w := &Watcher{
		log:     log,
		cfg:     cfg,
		colo:    colo,
		server:  server,
		risk:    transport.NewClient(cfg.RiskJudgeAddr, login, log.Named("risk")),
		sampler: NewSampler(colo),
		apps:    make(map[string]wire.AppStatus),
	}
	if cfg.ServerAddr != "" {
		w.upstream = transport.NewClient(cfg.ServerAddr, login, log.Named("upstream"))
	}
	return w, nil
}

// Addr returns the listen address.
func (w *Watcher) Addr() string { return w.server.Addr() }

// Connected reports whether the risk engine link is up.
func (w *Watcher) Connected() bool { return w.risk.Connected() }

// Run drives the watcher until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	go w.server.Serve(ctx)
	go w.risk.Run(ctx)
	if w.upstream != nil {
		go w.upstream.Run(ctx)
	}

	interval := time.Duration(w.cfg.ColoStatusSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	statusTicker := time.NewTicker(interval)
	defer statusTicker.Stop()
	pollTicker := time.NewTicker(time.Millisecond)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.server.Close()
			return nil
		case env := <-w.server.Inbound():
			w.handlePeer(env)
		case <-pollTicker.C:
			w.drainRings()
		case <-statusTicker.C:
			w.publishColoStatus()
		}
	}
}

// drainRings empties the client inbound rings on every poll tick.
func (w *Watcher) drainRings() {
	for {
		msg, ok := w.risk.Inbound().Pop()
		if !ok {
			break
		}
		w.handleRisk(msg)
	}
	if w.upstream == nil {
		return
	}
	for {
		msg, ok := w.upstream.Inbound().Pop()
		if !ok {
			break
		}
		w.handleUpstream(msg)
	}
}

func (w *Watcher) handlePeer(env transport.Envelope) {
	msg := env.Msg
	switch msg.Type {
	case wire.MsgCommand:
		w.routeCommand(&msg.Command)
	case wire.MsgAppStatus:
		w.recordApp(msg.AppStatus)
		w.server.SendToType(wire.ClientMonitor, &msg)
		w.sendUpstream(&msg)
	case wire.MsgOrderRequest, wire.MsgActionRequest:
		// Manual orders from a console go to the trader owning the account.
		if n := w.server.SendToAccount(msg.Account(), &msg); n == 0 {
			w.log.Warn("no trader for manual request",
				zap.String("account", msg.Account()),
				zap.String("type", msg.Type.String()))
		}
	case wire.MsgOrderStatus, wire.MsgAccountFund, wire.MsgAccountPosition,
		wire.MsgEventLog, wire.MsgTick:
		w.server.SendToType(wire.ClientMonitor, &msg)
		w.sendUpstream(&msg)
	default:
		w.log.Debug("ignoring peer message",
			zap.String("type", msg.Type.String()),
			zap.String("account", env.From.Account))
	}
}

// routeCommand hands an operator command to the process that executes it:
// risk commands to the risk engine, the rest to the trader owning the
// account.
func (w *Watcher) routeCommand(cmd *wire.Command) {
	cmd.Colo = w.colo
	msg := wire.Message{Type: wire.MsgCommand, Command: *cmd}
	switch cmd.CmdType {
	case wire.CmdUpdateRiskLimit, wire.CmdUpdateAccountLocked:
		if err := w.risk.Send(&msg); err != nil {
			w.log.Error("command to risk", zap.Error(err))
		}
	case wire.CmdTransferFundIn, wire.CmdTransferFundOut, wire.CmdKillApp, wire.CmdStartApp:
		if n := w.server.SendToAccount(cmd.Account, &msg); n == 0 {
			w.log.Warn("no trader for command",
				zap.String("account", cmd.Account),
				zap.Uint8("cmdType", uint8(cmd.CmdType)))
		}
	default:
		w.log.Warn("unknown command type", zap.Uint8("cmdType", uint8(cmd.CmdType)))
	}
}

func (w *Watcher) handleRisk(msg wire.Message) {
	switch msg.Type {
	case wire.MsgRiskReport:
		msg.RiskReport.Colo = w.colo
		w.server.SendToType(wire.ClientMonitor, &msg)
		w.sendUpstream(&msg)
	case wire.MsgLoginResponse:
	default:
		w.log.Debug("ignoring risk message", zap.String("type", msg.Type.String()))
	}
}

// handleUpstream processes traffic from the central server: operator
// commands and manual requests entered there take the same paths as the
// local ones.
func (w *Watcher) handleUpstream(msg wire.Message) {
	switch msg.Type {
	case wire.MsgCommand:
		w.routeCommand(&msg.Command)
	case wire.MsgOrderRequest, wire.MsgActionRequest:
		if n := w.server.SendToAccount(msg.Account(), &msg); n == 0 {
			w.log.Warn("no trader for central request",
				zap.String("account", msg.Account()),
				zap.String("type", msg.Type.String()))
		}
	case wire.MsgLoginResponse:
	default:
		w.log.Debug("ignoring central message", zap.String("type", msg.Type.String()))
	}
}

func (w *Watcher) sendUpstream(msg *wire.Message) {
	if w.upstream == nil {
		return
	}
	if err := w.upstream.Send(msg); err != nil {
		w.log.Error("report to central server", zap.Error(err))
	}
}

func (w *Watcher) recordApp(status wire.AppStatus) {
	key := status.AppName + ":" + status.Account
	w.mu.Lock()
	prev, seen := w.apps[key]
	if seen && prev.StartTime != status.StartTime {
		status.LastStartTime = prev.StartTime
	}
	w.apps[key] = status
	w.mu.Unlock()
	w.log.Info("app status",
		zap.String("app", status.AppName),
		zap.String("account", status.Account),
		zap.String("status", status.Status))
}

// Apps snapshots the known applications.
func (w *Watcher) Apps() []wire.AppStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]wire.AppStatus, 0, len(w.apps))
	for _, a := range w.apps {
		out = append(out, a)
	}
	return out
}

func (w *Watcher) publishColoStatus() {
	msg := wire.Message{Type: wire.MsgColoStatus, ColoStatus: w.sampler.Sample()}
	w.server.SendToType(wire.ClientMonitor, &msg)
	w.sendUpstream(&msg)
}
