// Command strategy is a sample order flow driver: it connects to the
// trader, submits limit orders at a fixed rate and cancels every other
// acknowledged order, logging the verdicts that come back. It exists to
// exercise a deployment end to end. It attaches over TCP, or over the
// trader's shared memory channels when shm_name is configured.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantfab/tradelink/internal/config"
	"github.com/quantfab/tradelink/internal/logging"
	"github.com/quantfab/tradelink/internal/ring"
	"github.com/quantfab/tradelink/internal/trader"
	"github.com/quantfab/tradelink/internal/transport"
	"github.com/quantfab/tradelink/internal/wire"
)

// link abstracts how the strategy reaches its trader.
type link interface {
	Send(msg *wire.Message) error
	Poll() (wire.Message, bool)
}

type tcpLink struct{ cli *transport.Client }

func (l *tcpLink) Send(msg *wire.Message) error { return l.cli.Send(msg) }
func (l *tcpLink) Poll() (wire.Message, bool)   { return l.cli.Inbound().Pop() }

// shmLink writes orders into the account's shared memory channel and
// drains reports from the paired report channel.
type shmLink struct {
	shm     *ring.Channels
	account string
	buf     []byte
}

func openShmLink(sc config.StrategyConfig) (*shmLink, error) {
	shm, err := ring.OpenChannels(sc.ShmName, trader.ShmChannelCount, sc.ShmSlots, wire.MessageSize)
	if err != nil {
		return nil, err
	}
	err = shm.Register(sc.Account)
	if err == nil {
		err = shm.Register(trader.ReportChannel(sc.Account))
	}
	if err != nil {
		shm.Close()
		return nil, err
	}
	return &shmLink{shm: shm, account: sc.Account, buf: make([]byte, wire.MessageSize)}, nil
}

func (l *shmLink) Send(msg *wire.Message) error {
	buf, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if !l.shm.Push(l.account, buf) {
		return fmt.Errorf("order channel %s full", l.account)
	}
	return nil
}

func (l *shmLink) Poll() (wire.Message, bool) {
	if !l.shm.Pop(trader.ReportChannel(l.account), l.buf) {
		return wire.Message{}, false
	}
	msg, err := wire.Decode(l.buf)
	if err != nil {
		return wire.Message{}, false
	}
	return msg, true
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	rate := flag.Duration("rate", time.Second, "delay between orders")
	count := flag.Int("count", 0, "orders to send, 0 means unlimited")
	price := flag.Float64("price", 4000, "limit price")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger("strategy", cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sc := cfg.Strategy
	logger.Info("starting strategy",
		zap.String("trader_addr", sc.TraderAddr),
		zap.String("shm_name", sc.ShmName),
		zap.String("account", sc.Account),
		zap.String("ticker", sc.Ticker),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var lnk link
	if sc.ShmName != "" {
		shm, err := openShmLink(sc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to attach shm: %v\n", err)
			os.Exit(1)
		}
		defer shm.shm.Close()
		lnk = shm
	} else {
		cli := transport.NewClient(sc.TraderAddr, wire.LoginRequest{
			ClientType: wire.ClientQuant,
			Colo:       cfg.Colo,
			Account:    sc.Account,
			UUID:       uuid.NewString(),
		}, logger.Named("client"))
		go cli.Run(ctx)
		lnk = &tcpLink{cli: cli}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(*rate)
	defer ticker.Stop()
	pollTicker := time.NewTicker(time.Millisecond)
	defer pollTicker.Stop()

	var sent, filled, rejected int
	var token int32
	direction := wire.Buy
	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			logger.Info("strategy stopped",
				zap.Int("sent", sent), zap.Int("filled", filled), zap.Int("rejected", rejected))
			return
		case <-pollTicker.C:
			for {
				msg, ok := lnk.Poll()
				if !ok {
					break
				}
				handleReport(logger, lnk, msg, &filled, &rejected)
			}
		case <-ticker.C:
			if *count > 0 && sent >= *count {
				continue
			}
			token++
			order := wire.Message{Type: wire.MsgOrderRequest, OrderRequest: wire.OrderRequest{
				Colo:       cfg.Colo,
				Account:    sc.Account,
				Ticker:     sc.Ticker,
				OrderType:  wire.OrderLimit,
				Direction:  direction,
				Offset:     wire.Open,
				RiskStatus: wire.PrepareChecked,
				OrderToken: token,
				EngineID:   int32(sc.EngineID),
				Price:      *price,
				Volume:     1,
				SendTime:   time.Now().Format("2006-01-02 15:04:05.000000"),
			}}
			if err := lnk.Send(&order); err != nil {
				logger.Error("send order", zap.Error(err))
				continue
			}
			sent++
			if direction == wire.Buy {
				direction = wire.Sell
			} else {
				direction = wire.Buy
			}
		}
	}
}

func handleReport(logger *zap.Logger, lnk link, msg wire.Message, filled, rejected *int) {
	switch msg.Type {
	case wire.MsgOrderStatus:
		st := msg.OrderStatus
		switch st.Status {
		case wire.ExchangeACK:
			// Cancel every other resting order.
			if st.OrderToken%2 == 0 {
				action := wire.Message{Type: wire.MsgActionRequest, ActionRequest: wire.ActionRequest{
					Account:    st.Account,
					OrderRef:   st.OrderRef,
					ExchangeID: st.ExchangeID,
					EngineID:   st.EngineID,
					RiskStatus: wire.PrepareChecked,
				}}
				if err := lnk.Send(&action); err != nil {
					logger.Error("send action", zap.Error(err))
				}
			}
		case wire.AllTraded:
			*filled++
		case wire.RiskOrderRejected, wire.RiskActionRejected, wire.BrokerError:
			*rejected++
			logger.Warn("request rejected",
				zap.String("status", fmt.Sprintf("%d", st.Status)),
				zap.Int32("errorID", st.ErrorID),
				zap.String("errorMsg", st.ErrorMsg))
		}
	case wire.MsgAccountFund:
		logger.Info("fund snapshot",
			zap.Float64("available", msg.AccountFund.Available),
			zap.Float64("balance", msg.AccountFund.Balance))
	}
}
