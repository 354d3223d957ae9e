package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quantfab/tradelink/internal/config"
	"github.com/quantfab/tradelink/internal/transport"
	"github.com/quantfab/tradelink/internal/wire"
)

func startWatcher(t *testing.T, ctx context.Context, riskAddr string) *Watcher {
	t.Helper()
	w, err := New(config.WatcherConfig{
		ListenAddr:        "127.0.0.1:0",
		RiskJudgeAddr:     riskAddr,
		ColoStatusSeconds: 1,
	}, "colo-test", zaptest.NewLogger(t))
	require.NoError(t, err)
	go w.Run(ctx)
	return w
}

func connect(t *testing.T, ctx context.Context, addr, account string, ct wire.ClientType) *transport.Client {
	t.Helper()
	cli := transport.NewClient(addr, wire.LoginRequest{
		ClientType: ct, Account: account, Colo: "colo-test",
	}, zaptest.NewLogger(t).Named(account))
	go cli.Run(ctx)
	return cli
}

func awaitType(t *testing.T, cli *transport.Client, want wire.MsgType) wire.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg, ok := cli.Inbound().Pop()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		if msg.Type == want {
			return msg
		}
	}
	t.Fatalf("no %v message", want)
	return wire.Message{}
}

func TestRiskReportsAreStampedAndRelayed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	risk, err := transport.NewServer("127.0.0.1:0", zaptest.NewLogger(t).Named("fake-risk"))
	require.NoError(t, err)
	go risk.Serve(ctx)
	defer risk.Close()

	w := startWatcher(t, ctx, risk.Addr())
	monitor := connect(t, ctx, w.Addr(), "ops-console", wire.ClientMonitor)
	awaitType(t, monitor, wire.MsgLoginResponse)

	// Wait for the watcher to subscribe to the risk stream.
	deadline := time.Now().Add(3 * time.Second)
	for len(risk.Peers()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	report := wire.Message{Type: wire.MsgRiskReport, RiskReport: wire.RiskReport{
		ReportType: wire.ReportTickerCancelled,
		Account:    "188795",
		Ticker:     "rb2305",
	}}
	require.Equal(t, 1, risk.SendToType(wire.ClientWatcher, &report))

	got := awaitType(t, monitor, wire.MsgRiskReport)
	assert.Equal(t, "colo-test", got.RiskReport.Colo)
	assert.Equal(t, "188795", got.RiskReport.Account)
}

func TestCommandsRouteByKind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	risk, err := transport.NewServer("127.0.0.1:0", zaptest.NewLogger(t).Named("fake-risk"))
	require.NoError(t, err)
	go risk.Serve(ctx)
	defer risk.Close()

	w := startWatcher(t, ctx, risk.Addr())
	trader := connect(t, ctx, w.Addr(), "188795", wire.ClientTrader)
	monitor := connect(t, ctx, w.Addr(), "ops-console", wire.ClientMonitor)
	awaitType(t, trader, wire.MsgLoginResponse)
	awaitType(t, monitor, wire.MsgLoginResponse)

	riskCmd := wire.Message{Type: wire.MsgCommand, Command: wire.Command{
		CmdType: wire.CmdUpdateRiskLimit,
		Payload: "RiskID:risk-1,FlowLimit:10,TickerCancelLimit:400,OrderCancelLimit:5,Trader:ops",
	}}
	require.NoError(t, monitor.Send(&riskCmd))

	select {
	case env := <-risk.Inbound():
		assert.Equal(t, wire.MsgCommand, env.Msg.Type)
		assert.Equal(t, wire.CmdUpdateRiskLimit, env.Msg.Command.CmdType)
		assert.Equal(t, "colo-test", env.Msg.Command.Colo)
	case <-time.After(5 * time.Second):
		t.Fatal("risk command never reached the risk engine")
	}

	fundCmd := wire.Message{Type: wire.MsgCommand, Command: wire.Command{
		CmdType: wire.CmdTransferFundIn,
		Account: "188795",
		Payload: "10000",
	}}
	require.NoError(t, monitor.Send(&fundCmd))

	got := awaitType(t, trader, wire.MsgCommand)
	assert.Equal(t, wire.CmdTransferFundIn, got.Command.CmdType)
	assert.Equal(t, "10000", got.Command.Payload)
}

func TestManualRequestsReachTheOwningTrader(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := startWatcher(t, ctx, "127.0.0.1:1")
	trader := connect(t, ctx, w.Addr(), "188795", wire.ClientTrader)
	monitor := connect(t, ctx, w.Addr(), "ops-console", wire.ClientMonitor)
	awaitType(t, trader, wire.MsgLoginResponse)
	awaitType(t, monitor, wire.MsgLoginResponse)

	order := wire.Message{Type: wire.MsgOrderRequest, OrderRequest: wire.OrderRequest{
		Account:    "188795",
		Ticker:     "rb2305",
		Direction:  wire.Buy,
		Price:      4100,
		Volume:     1,
		RiskStatus: wire.PrepareChecked,
	}}
	require.NoError(t, monitor.Send(&order))

	got := awaitType(t, trader, wire.MsgOrderRequest)
	assert.Equal(t, "rb2305", got.OrderRequest.Ticker)
	assert.Equal(t, wire.PrepareChecked, got.OrderRequest.RiskStatus)
}

func TestAppStatusTracking(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := startWatcher(t, ctx, "127.0.0.1:1")
	trader := connect(t, ctx, w.Addr(), "188795", wire.ClientTrader)
	awaitType(t, trader, wire.MsgLoginResponse)

	first := wire.Message{Type: wire.MsgAppStatus, AppStatus: wire.AppStatus{
		Colo: "colo-test", Account: "188795", AppName: "trader",
		PID: 100, Status: "running", StartTime: "2024-03-01 09:00:00",
	}}
	require.NoError(t, trader.Send(&first))

	deadline := time.Now().Add(3 * time.Second)
	for len(w.Apps()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	apps := w.Apps()
	require.Len(t, apps, 1)
	assert.Equal(t, "trader", apps[0].AppName)

	// A restart carries the previous start time forward.
	second := first
	second.AppStatus.PID = 200
	second.AppStatus.StartTime = "2024-03-01 10:00:00"
	require.NoError(t, trader.Send(&second))

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		apps = w.Apps()
		if len(apps) == 1 && apps[0].PID == 200 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, apps, 1)
	assert.Equal(t, int32(200), apps[0].PID)
	assert.Equal(t, "2024-03-01 09:00:00", apps[0].LastStartTime)
}

func TestColoStatusPublished(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := startWatcher(t, ctx, "127.0.0.1:1")
	monitor := connect(t, ctx, w.Addr(), "ops-console", wire.ClientMonitor)

	got := awaitType(t, monitor, wire.MsgColoStatus)
	assert.Equal(t, "colo-test", got.ColoStatus.Colo)
	assert.Greater(t, got.ColoStatus.CPUs, int32(0))
}

func TestSamplerFillsLinuxFields(t *testing.T) {
	s := NewSampler("colo-test")
	first := s.Sample()
	assert.Equal(t, "colo-test", first.Colo)
	assert.Greater(t, first.CPUs, int32(0))
	assert.Greater(t, first.MemTotal, 0.0)
	assert.Greater(t, first.DiskTotal, 0.0)
	assert.NotEmpty(t, first.KernelVersion)

	// First sample has no CPU baseline.
	assert.Equal(t, 0.0, first.CPUUsedRate)
	second := s.Sample()
	assert.GreaterOrEqual(t, second.CPUUsedRate, 0.0)
	assert.LessOrEqual(t, second.CPUUsedRate, 100.0)
}

func TestReportsForwardToCentralServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	risk, err := transport.NewServer("127.0.0.1:0", zaptest.NewLogger(t).Named("fake-risk"))
	require.NoError(t, err)
	go risk.Serve(ctx)
	defer risk.Close()

	central, err := transport.NewServer("127.0.0.1:0", zaptest.NewLogger(t).Named("fake-central"))
	require.NoError(t, err)
	go central.Serve(ctx)
	defer central.Close()

	w, err := New(config.WatcherConfig{
		ListenAddr:        "127.0.0.1:0",
		RiskJudgeAddr:     risk.Addr(),
		ServerAddr:        central.Addr(),
		ColoStatusSeconds: 1,
	}, "colo-test", zaptest.NewLogger(t))
	require.NoError(t, err)
	go w.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for (len(risk.Peers()) == 0 || len(central.Peers()) == 0) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	report := wire.Message{Type: wire.MsgRiskReport, RiskReport: wire.RiskReport{
		ReportType: wire.ReportTickerCancelled,
		Account:    "188795",
		Ticker:     "rb2305",
	}}
	require.Equal(t, 1, risk.SendToType(wire.ClientWatcher, &report))

	for {
		select {
		case env := <-central.Inbound():
			if env.Msg.Type != wire.MsgRiskReport {
				continue
			}
			assert.Equal(t, "colo-test", env.Msg.RiskReport.Colo)
			assert.Equal(t, "188795", env.Msg.RiskReport.Account)
			return
		case <-time.After(5 * time.Second):
			t.Fatal("report never reached the central server")
		}
	}
}

func TestCentralCommandsRouteDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	central, err := transport.NewServer("127.0.0.1:0", zaptest.NewLogger(t).Named("fake-central"))
	require.NoError(t, err)
	go central.Serve(ctx)
	defer central.Close()

	w, err := New(config.WatcherConfig{
		ListenAddr:        "127.0.0.1:0",
		RiskJudgeAddr:     "127.0.0.1:1",
		ServerAddr:        central.Addr(),
		ColoStatusSeconds: 1,
	}, "colo-test", zaptest.NewLogger(t))
	require.NoError(t, err)
	go w.Run(ctx)

	trader := connect(t, ctx, w.Addr(), "188795", wire.ClientTrader)
	awaitType(t, trader, wire.MsgLoginResponse)

	deadline := time.Now().Add(3 * time.Second)
	for len(central.Peers()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cmd := wire.Message{Type: wire.MsgCommand, Command: wire.Command{
		CmdType: wire.CmdTransferFundIn,
		Account: "188795",
		Payload: "5000",
	}}
	require.Equal(t, 1, central.SendToType(wire.ClientWatcher, &cmd))

	got := awaitType(t, trader, wire.MsgCommand)
	assert.Equal(t, wire.CmdTransferFundIn, got.Command.CmdType)
	assert.Equal(t, "5000", got.Command.Payload)
}
