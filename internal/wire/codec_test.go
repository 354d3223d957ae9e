package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderRequestRoundTrip(t *testing.T) {
	in := Message{
		Type: MsgOrderRequest,
		OrderRequest: OrderRequest{
			Colo:       "colo-sh",
			Broker:     "ctp",
			Product:    "prod1",
			Account:    "188795",
			Ticker:     "rb2305",
			ExchangeID: "SHFE",
			OrderType:  OrderLimit,
			Direction:  Buy,
			Offset:     Open,
			RiskStatus: PrepareChecked,
			OrderToken: 42,
			EngineID:   9100,
			Price:      4015.5,
			Volume:     3,
			SendTime:   "2024-03-01 09:30:00.000123",
			RiskID:     "risk-1",
			Trader:     "ops",
		},
	}
	buf, err := Encode(&in)
	require.NoError(t, err)
	require.Len(t, buf, MessageSize)

	out, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestOrderStatusRoundTrip(t *testing.T) {
	in := Message{
		Type: MsgOrderStatus,
		OrderStatus: OrderStatus{
			Account:        "188795",
			Ticker:         "rb2305",
			OrderRef:       "000000000017",
			OrderSysID:     "sys-17",
			OrderToken:     17,
			OrderType:      OrderLimit,
			OrderSide:      OpenLong,
			Status:         PartTraded,
			SendPrice:      4012,
			SendVolume:     10,
			TradedVolume:   4,
			TradedPrice:    4011.5,
			TradedAvgPrice: 4011.5,
			UpdateTime:     "2024-03-01 09:30:01.000456",
		},
	}
	buf, err := Encode(&in)
	require.NoError(t, err)

	out, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRiskReportRoundTrip(t *testing.T) {
	in := Message{
		Type: MsgRiskReport,
		RiskReport: RiskReport{
			ReportType:        ReportTickerCancelled,
			Account:           "188795",
			Ticker:            "rb2305",
			CancelledCount:    6,
			UpperLimit:        400,
			LockedSide:        LockBuy,
			FlowLimit:         10,
			TickerCancelLimit: 400,
			OrderCancelLimit:  5,
			Event:             "Ticker Cancelled Count Updated",
			RiskID:            "risk-1",
			Trader:            "ops",
		},
	}
	buf, err := Encode(&in)
	require.NoError(t, err)

	out, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	m := Message{Type: MsgHeartbeat}
	buf, err := Encode(&m)
	require.NoError(t, err)

	buf[0] = Version + 1
	_, err = Decode(buf)
	assert.ErrorIs(t, err, ErrVersion)
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, err := Decode(make([]byte, MessageSize-1))
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	m := Message{Type: MsgType(0x7777)}
	_, err := Encode(&m)
	assert.Error(t, err)
}

func TestEncodeTruncatesOversizedStrings(t *testing.T) {
	long := make([]byte, lenAccount*2)
	for i := range long {
		long[i] = 'a'
	}
	m := Message{Type: MsgLoginRequest, LoginRequest: LoginRequest{
		ClientType: ClientTrader,
		Account:    string(long),
	}}
	buf, err := Encode(&m)
	require.NoError(t, err)

	out, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, string(long[:lenAccount]), out.LoginRequest.Account)
}

func TestMessageAccount(t *testing.T) {
	m := Message{Type: MsgOrderStatus}
	m.OrderStatus.Account = "188795"
	assert.Equal(t, "188795", m.Account())

	m = Message{Type: MsgHeartbeat}
	assert.Equal(t, "", m.Account())
}
