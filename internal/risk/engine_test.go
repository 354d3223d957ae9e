package risk

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quantfab/tradelink/internal/riskstore"
	"github.com/quantfab/tradelink/internal/wire"
)

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time           { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(t *testing.T) (*Engine, *clock, *riskstore.Store) {
	t.Helper()
	store, err := riskstore.Open(filepath.Join(t.TempDir(), "risk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e := NewEngine(store, "colo-test", zaptest.NewLogger(t))
	c := &clock{t: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)}
	e.now = c.now
	return e, c, store
}

func newOrder(account, ticker string, dir wire.Direction, price float64) *wire.OrderRequest {
	return &wire.OrderRequest{
		Account:    account,
		Ticker:     ticker,
		Direction:  dir,
		Offset:     wire.Open,
		OrderType:  wire.OrderLimit,
		RiskStatus: wire.PrepareChecked,
		Price:      price,
		Volume:     1,
	}
}

func newStatus(account, ticker, orderRef string, side wire.OrderSide, state wire.OrderState, price float64) *wire.OrderStatus {
	return &wire.OrderStatus{
		Account:   account,
		Ticker:    ticker,
		OrderRef:  orderRef,
		OrderSide: side,
		OrderType: wire.OrderLimit,
		Status:    state,
		SendPrice: price,
	}
}

func TestFlowLimitRejectsEleventhInWindow(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < DefaultFlowLimit; i++ {
		req := newOrder("188795", "rb2305", wire.Buy, 4000)
		e.CheckOrder(ctx, req)
		require.Equal(t, wire.CheckedPass, req.RiskStatus, "request %d", i+1)
	}
	req := newOrder("188795", "rb2305", wire.Buy, 4000)
	reports := e.CheckOrder(ctx, req)
	assert.Equal(t, wire.CheckedNoPass, req.RiskStatus)
	assert.Equal(t, int32(wire.FlowLimited), req.ErrorID)
	assert.Equal(t, msgFlowLimited, req.ErrorMsg)
	require.Len(t, reports, 1)
	assert.Equal(t, wire.ReportRiskEvent, reports[0].RiskReport.ReportType)
}

func TestFlowLimitResetsOnNextSecond(t *testing.T) {
	e, c, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i <= DefaultFlowLimit; i++ {
		e.CheckOrder(ctx, newOrder("188795", "rb2305", wire.Buy, 4000))
	}
	c.advance(time.Second)
	req := newOrder("188795", "rb2305", wire.Buy, 4000)
	e.CheckOrder(ctx, req)
	assert.Equal(t, wire.CheckedPass, req.RiskStatus)
}

func TestFlowWindowRollsFromFirstRequest(t *testing.T) {
	e, c, _ := newTestEngine(t)
	ctx := context.Background()

	// The window opens at the first request, not at a second boundary.
	c.advance(600 * time.Millisecond)
	for i := 0; i < DefaultFlowLimit; i++ {
		req := newOrder("188795", "rb2305", wire.Buy, 4000)
		e.CheckOrder(ctx, req)
		require.Equal(t, wire.CheckedPass, req.RiskStatus, "request %d", i+1)
		c.advance(50 * time.Millisecond)
	}
	// Past the second edge on the wall clock but only 500ms into the
	// window; a burst straddling the edge is still throttled.
	req := newOrder("188795", "rb2305", wire.Buy, 4000)
	e.CheckOrder(ctx, req)
	assert.Equal(t, wire.CheckedNoPass, req.RiskStatus)
	assert.Equal(t, int32(wire.FlowLimited), req.ErrorID)

	c.advance(600 * time.Millisecond)
	late := newOrder("188795", "rb2305", wire.Buy, 4000)
	e.CheckOrder(ctx, late)
	assert.Equal(t, wire.CheckedPass, late.RiskStatus)
}

func TestFlowWindowIsSharedAcrossAccounts(t *testing.T) {
	e, c, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < DefaultFlowLimit; i++ {
		e.CheckOrder(ctx, newOrder("188795", "rb2305", wire.Buy, 4000))
	}
	// Another account's request moves into the same window and passes
	// with its own counter.
	other := newOrder("237477", "rb2305", wire.Buy, 4000)
	e.CheckOrder(ctx, other)
	assert.Equal(t, wire.CheckedPass, other.RiskStatus)

	// A new second resets everyone at once.
	c.advance(time.Second)
	again := newOrder("188795", "rb2305", wire.Buy, 4000)
	e.CheckOrder(ctx, again)
	assert.Equal(t, wire.CheckedPass, again.RiskStatus)
}

func TestAccountLockBlocksOnlyLockedSide(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	cmd := &wire.Command{CmdType: wire.CmdUpdateAccountLocked,
		Payload: "RiskID:risk-1,Account:188795,Ticker:,LockedSide:1,Trader:ops"}
	reports := e.HandleCommand(ctx, cmd)
	require.Len(t, reports, 1)
	assert.Equal(t, wire.ReportAccountLocked, reports[0].RiskReport.ReportType)

	buy := newOrder("188795", "rb2305", wire.Buy, 4000)
	e.CheckOrder(ctx, buy)
	assert.Equal(t, wire.CheckedNoPass, buy.RiskStatus)
	assert.Equal(t, int32(wire.BuyLocked), buy.ErrorID)

	sell := newOrder("188795", "rb2305", wire.Sell, 4000)
	e.CheckOrder(ctx, sell)
	assert.Equal(t, wire.CheckedPass, sell.RiskStatus)
}

func TestAccountLockTickerScope(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	// Every instrument the scope lists is locked; the rest trade on.
	e.HandleCommand(ctx, &wire.Command{CmdType: wire.CmdUpdateAccountLocked,
		Payload: "RiskID:risk-1,Account:188795,Ticker:rb2305;ag2306,LockedSide:1,Trader:ops"})

	rb := newOrder("188795", "rb2305", wire.Buy, 4000)
	e.CheckOrder(ctx, rb)
	assert.Equal(t, wire.CheckedNoPass, rb.RiskStatus)

	ag := newOrder("188795", "ag2306", wire.Buy, 5000)
	e.CheckOrder(ctx, ag)
	assert.Equal(t, wire.CheckedNoPass, ag.RiskStatus)

	au := newOrder("188795", "au2308", wire.Buy, 450)
	e.CheckOrder(ctx, au)
	assert.Equal(t, wire.CheckedPass, au.RiskStatus)
}

func TestFullLockIgnoresTickerScope(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	e.HandleCommand(ctx, &wire.Command{CmdType: wire.CmdUpdateAccountLocked,
		Payload: "RiskID:risk-1,Account:188795,Ticker:rb2305,LockedSide:3,Trader:ops"})

	outside := newOrder("188795", "ag2306", wire.Sell, 5000)
	e.CheckOrder(ctx, outside)
	assert.Equal(t, wire.CheckedNoPass, outside.RiskStatus)
	assert.Equal(t, int32(wire.SellLocked), outside.ErrorID)
}

func TestUnlockRequiresExistingLock(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	reports := e.HandleCommand(ctx, &wire.Command{CmdType: wire.CmdUpdateAccountLocked,
		Payload: "RiskID:risk-1,Account:188795,Ticker:,LockedSide:0,Trader:ops"})
	require.Len(t, reports, 1)
	assert.Equal(t, wire.ReportRiskEvent, reports[0].RiskReport.ReportType)
	assert.Contains(t, reports[0].RiskReport.Event, "not locked")

	e.HandleCommand(ctx, &wire.Command{CmdType: wire.CmdUpdateAccountLocked,
		Payload: "RiskID:risk-1,Account:188795,Ticker:,LockedSide:2,Trader:ops"})
	reports = e.HandleCommand(ctx, &wire.Command{CmdType: wire.CmdUpdateAccountLocked,
		Payload: "RiskID:risk-1,Account:188795,Ticker:,LockedSide:0,Trader:ops"})
	require.Len(t, reports, 1)
	assert.Equal(t, "Account Unlocked", reports[0].RiskReport.Event)

	sell := newOrder("188795", "rb2305", wire.Sell, 4000)
	e.CheckOrder(ctx, sell)
	assert.Equal(t, wire.CheckedPass, sell.RiskStatus)
}

func TestSelfMatchBuyAgainstRestingSell(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	e.OnOrderStatus(ctx, newStatus("188795", "rb2305", "ref-1", wire.OpenShort, wire.ExchangeACK, 4000))

	// Crossing at the resting price is a self match.
	atPrice := newOrder("188795", "rb2305", wire.Buy, 4000)
	e.CheckOrder(ctx, atPrice)
	assert.Equal(t, wire.CheckedNoPass, atPrice.RiskStatus)
	assert.Equal(t, int32(wire.SelfMatched), atPrice.ErrorID)

	below := newOrder("188795", "rb2305", wire.Buy, 3999.5)
	e.CheckOrder(ctx, below)
	assert.Equal(t, wire.CheckedPass, below.RiskStatus)

	otherTicker := newOrder("188795", "ag2306", wire.Buy, 4000)
	e.CheckOrder(ctx, otherTicker)
	assert.Equal(t, wire.CheckedPass, otherTicker.RiskStatus)

	otherAccount := newOrder("237477", "rb2305", wire.Buy, 4000)
	e.CheckOrder(ctx, otherAccount)
	assert.Equal(t, wire.CheckedPass, otherAccount.RiskStatus)
}

func TestSelfMatchSellAgainstRestingBuy(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	e.OnOrderStatus(ctx, newStatus("188795", "rb2305", "ref-1", wire.OpenLong, wire.PartTraded, 4000))

	at := newOrder("188795", "rb2305", wire.Sell, 4000)
	e.CheckOrder(ctx, at)
	assert.Equal(t, wire.CheckedNoPass, at.RiskStatus)

	above := newOrder("188795", "rb2305", wire.Sell, 4000.5)
	e.CheckOrder(ctx, above)
	assert.Equal(t, wire.CheckedPass, above.RiskStatus)
}

func TestSelfMatchClearsWhenOrderLeavesBook(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	e.OnOrderStatus(ctx, newStatus("188795", "rb2305", "ref-1", wire.OpenShort, wire.ExchangeACK, 4000))
	e.OnOrderStatus(ctx, newStatus("188795", "rb2305", "ref-1", wire.OpenShort, wire.AllTraded, 4000))

	req := newOrder("188795", "rb2305", wire.Buy, 4100)
	e.CheckOrder(ctx, req)
	assert.Equal(t, wire.CheckedPass, req.RiskStatus)
}

func TestOrderCancelLimitRatchets(t *testing.T) {
	e, c, _ := newTestEngine(t)
	ctx := context.Background()

	e.OnOrderStatus(ctx, newStatus("188795", "rb2305", "ref-1", wire.OpenLong, wire.ExchangeACK, 4000))

	for i := 0; i < DefaultOrderCancelLimit; i++ {
		c.advance(time.Second) // keep the flow window out of the way
		req := &wire.ActionRequest{Account: "188795", OrderRef: "ref-1", RiskStatus: wire.PrepareChecked}
		e.CheckAction(ctx, req)
		require.Equal(t, wire.CheckedPass, req.RiskStatus, "cancel %d", i+1)
	}
	c.advance(time.Second)
	req := &wire.ActionRequest{Account: "188795", OrderRef: "ref-1", RiskStatus: wire.PrepareChecked}
	e.CheckAction(ctx, req)
	assert.Equal(t, wire.CheckedNoPass, req.RiskStatus)
	assert.Equal(t, int32(wire.OrderActionLimited), req.ErrorID)
}

func TestCancelOfUnknownOrderPasses(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	req := &wire.ActionRequest{Account: "188795", OrderRef: "no-such", RiskStatus: wire.PrepareChecked}
	e.CheckAction(ctx, req)
	assert.Equal(t, wire.CheckedPass, req.RiskStatus)
}

func TestTickerCancelLimitBlocksFurtherCancels(t *testing.T) {
	e, c, store := newTestEngine(t)
	ctx := context.Background()

	// Lower the ceiling so the durable counter can reach it quickly.
	e.HandleCommand(ctx, &wire.Command{CmdType: wire.CmdUpdateRiskLimit,
		Payload: "RiskID:risk-1,FlowLimit:10,TickerCancelLimit:2,OrderCancelLimit:5,Trader:ops"})

	for i := 0; i < 2; i++ {
		ref := fmt.Sprintf("ref-%d", i)
		e.OnOrderStatus(ctx, newStatus("188795", "rb2305", ref, wire.OpenLong, wire.ExchangeACK, 4000))
		reports := e.OnOrderStatus(ctx, newStatus("188795", "rb2305", ref, wire.OpenLong, wire.Cancelled, 4000))
		require.Len(t, reports, 1)
		assert.Equal(t, int32(i+1), reports[0].RiskReport.CancelledCount)
	}

	rows, err := store.ListCancelledCounts(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int32(2), rows[0].CancelledCount)

	e.OnOrderStatus(ctx, newStatus("188795", "rb2305", "ref-live", wire.OpenLong, wire.ExchangeACK, 4000))
	c.advance(time.Second)
	req := &wire.ActionRequest{Account: "188795", OrderRef: "ref-live", RiskStatus: wire.PrepareChecked}
	e.CheckAction(ctx, req)
	assert.Equal(t, wire.CheckedNoPass, req.RiskStatus)
	assert.Equal(t, int32(wire.TickerActionLimited), req.ErrorID)
}

func TestMarketOrderCancelDoesNotCount(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	st := newStatus("188795", "rb2305", "ref-1", wire.OpenLong, wire.Cancelled, 4000)
	st.OrderType = wire.OrderMarket
	reports := e.OnOrderStatus(ctx, st)
	assert.Empty(t, reports)
}

func TestCheckInitAnsweredImmediately(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	req := newOrder("188795", "rb2305", wire.Buy, 4000)
	req.RiskStatus = wire.CheckInit
	reports := e.CheckOrder(ctx, req)
	assert.Empty(t, reports)
	assert.Equal(t, wire.CheckInit, req.RiskStatus)
	assert.Equal(t, int32(-1), req.ErrorID)
	assert.Equal(t, msgCheckInit, req.ErrorMsg)
}

func TestNoCheckBypassesEverything(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	e.HandleCommand(ctx, &wire.Command{CmdType: wire.CmdUpdateAccountLocked,
		Payload: "RiskID:risk-1,Account:188795,Ticker:,LockedSide:3,Trader:ops"})

	req := newOrder("188795", "rb2305", wire.Buy, 4000)
	req.RiskStatus = wire.NoCheck
	e.CheckOrder(ctx, req)
	assert.Equal(t, wire.NoCheck, req.RiskStatus)
	assert.Equal(t, int32(0), req.ErrorID)
}

func TestUpdateRiskLimitCommand(t *testing.T) {
	e, _, store := newTestEngine(t)
	ctx := context.Background()

	reports := e.HandleCommand(ctx, &wire.Command{CmdType: wire.CmdUpdateRiskLimit,
		Payload: "RiskID:risk-2,FlowLimit:3,TickerCancelLimit:100,OrderCancelLimit:2,Trader:ops"})
	require.Len(t, reports, 1)
	rep := reports[0].RiskReport
	assert.Equal(t, wire.ReportRiskLimit, rep.ReportType)
	assert.Equal(t, int32(3), rep.FlowLimit)
	assert.Equal(t, "Risk Limit Updated", rep.Event)

	assert.Equal(t, int32(3), e.Limits().FlowLimit)
	assert.Equal(t, "risk-2", e.Limits().RiskID)

	rows, err := store.ListRiskLimits(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int32(100), rows[0].TickerCancelLimit)

	// The tightened flow limit takes effect at once.
	for i := 0; i < 3; i++ {
		req := newOrder("188795", "rb2305", wire.Buy, 4000)
		e.CheckOrder(ctx, req)
		require.Equal(t, wire.CheckedPass, req.RiskStatus)
	}
	req := newOrder("188795", "rb2305", wire.Buy, 4000)
	e.CheckOrder(ctx, req)
	assert.Equal(t, wire.CheckedNoPass, req.RiskStatus)
}

func TestUpdateRiskLimitCascadesUpperLimit(t *testing.T) {
	e, _, store := newTestEngine(t)
	ctx := context.Background()

	e.OnOrderStatus(ctx, newStatus("188795", "rb2305", "ref-1", wire.OpenLong, wire.Cancelled, 4000))

	e.HandleCommand(ctx, &wire.Command{CmdType: wire.CmdUpdateRiskLimit,
		Payload: "RiskID:risk-1,FlowLimit:10,TickerCancelLimit:500,OrderCancelLimit:5,Trader:ops"})

	rows, err := store.ListCancelledCounts(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int32(500), rows[0].UpperLimit)
}

func TestMalformedCommandRejected(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	for _, payload := range []string{
		"",
		"RiskID:risk-1",
		"RiskID:risk-1,FlowLimit:abc,TickerCancelLimit:100,OrderCancelLimit:2,Trader:ops",
		"RiskID:risk-1,FlowLimit:-5,TickerCancelLimit:100,OrderCancelLimit:2,Trader:ops",
		"Account:x,FlowLimit:1,TickerCancelLimit:100,OrderCancelLimit:2,Trader:ops",
	} {
		reports := e.HandleCommand(ctx, &wire.Command{CmdType: wire.CmdUpdateRiskLimit, Payload: payload})
		require.Len(t, reports, 1, "payload %q", payload)
		assert.Equal(t, wire.ReportRiskEvent, reports[0].RiskReport.ReportType)
		assert.Equal(t, DefaultFlowLimit, int(e.Limits().FlowLimit), "limits must not change")
	}
}

func TestReplayRestoresDurableState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "risk.db")
	ctx := context.Background()

	store, err := riskstore.Open(path)
	require.NoError(t, err)
	e1 := NewEngine(store, "colo-test", zaptest.NewLogger(t))
	e1.HandleCommand(ctx, &wire.Command{CmdType: wire.CmdUpdateRiskLimit,
		Payload: "RiskID:risk-9,FlowLimit:7,TickerCancelLimit:300,OrderCancelLimit:4,Trader:ops"})
	e1.HandleCommand(ctx, &wire.Command{CmdType: wire.CmdUpdateAccountLocked,
		Payload: "RiskID:risk-9,Account:188795,Ticker:rb,LockedSide:1,Trader:ops"})
	e1.OnOrderStatus(ctx, newStatus("188795", "rb2305", "ref-1", wire.OpenLong, wire.Cancelled, 4000))
	require.NoError(t, store.Close())

	store2, err := riskstore.Open(path)
	require.NoError(t, err)
	defer store2.Close()
	e2 := NewEngine(store2, "colo-test", zaptest.NewLogger(t))
	reports, err := e2.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 3)

	byType := map[wire.ReportType]wire.RiskReport{}
	for _, m := range reports {
		byType[m.RiskReport.ReportType] = m.RiskReport
	}
	assert.Equal(t, int32(7), byType[wire.ReportRiskLimit].FlowLimit)
	assert.Equal(t, int32(1), byType[wire.ReportTickerCancelled].CancelledCount)
	assert.Equal(t, wire.LockBuy, byType[wire.ReportAccountLocked].LockedSide)

	assert.Equal(t, "risk-9", e2.Limits().RiskID)
	assert.Equal(t, int32(7), e2.Limits().FlowLimit)

	// Restored lock and counter are live.
	buy := newOrder("188795", "rb2305", wire.Buy, 4000)
	e2.CheckOrder(ctx, buy)
	assert.Equal(t, wire.CheckedNoPass, buy.RiskStatus)
	assert.Equal(t, int32(1), e2.state.cancelledCount("188795", "rb2305"))
}

func TestReplayIsIdempotent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	e.HandleCommand(ctx, &wire.Command{CmdType: wire.CmdUpdateAccountLocked,
		Payload: "RiskID:risk-1,Account:188795,Ticker:,LockedSide:1,Trader:ops"})

	first, err := e.Replay(ctx)
	require.NoError(t, err)
	second, err := e.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(first), len(second))
	assert.Equal(t, wire.LockBuy, e.state.locks["188795"].side)
}
