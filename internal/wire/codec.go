package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// MessageSize is the fixed encoded size of every Message. Shared memory
// channels size their slots with it and the TCP framing always carries
// exactly this many payload bytes, so readers never chase pointers or
// variable lengths.
const MessageSize = 1024

// Version is the wire format revision stamped into byte 0 of every encoded
// message and validated on decode.
const Version = 1

// Field widths, shared by encode and decode.
const (
	lenColo     = 16
	lenAccount  = 16
	lenTicker   = 32
	lenOrderRef = 32
	lenTime     = 32
	lenRiskID   = 16
	lenTrader   = 16
	lenErrorMsg = 128
	lenEvent    = 256
	lenPayload  = 384
	lenPassword = 32
	lenUUID     = 64
	lenName     = 32
	lenScript   = 256
)

var (
	// ErrShortBuffer reports an encode or decode buffer smaller than
	// MessageSize.
	ErrShortBuffer = fmt.Errorf("wire: buffer shorter than %d bytes", MessageSize)
	// ErrVersion reports a record whose version byte does not match.
	ErrVersion = fmt.Errorf("wire: unsupported version")
)

type writer struct {
	buf []byte
	off int
}

func (w *writer) u8(v uint8) {
	w.buf[w.off] = v
	w.off++
}

func (w *writer) u16(v uint16) {
	binary.LittleEndian.PutUint16(w.buf[w.off:], v)
	w.off += 2
}

func (w *writer) i32(v int32) {
	binary.LittleEndian.PutUint32(w.buf[w.off:], uint32(v))
	w.off += 4
}

func (w *writer) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[w.off:], v)
	w.off += 4
}

func (w *writer) f64(v float64) {
	binary.LittleEndian.PutUint64(w.buf[w.off:], math.Float64bits(v))
	w.off += 8
}

// str writes s into a fixed n-byte cell, truncating long values and zero
// padding short ones.
func (w *writer) str(s string, n int) {
	cell := w.buf[w.off : w.off+n]
	copied := copy(cell, s)
	for i := copied; i < n; i++ {
		cell[i] = 0
	}
	w.off += n
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) u8() uint8 {
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) i32() int32 {
	v := int32(binary.LittleEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	return v
}

func (r *reader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) f64() float64 {
	v := math.Float64frombits(binary.LittleEndian.Uint64(r.buf[r.off:]))
	r.off += 8
	return v
}

func (r *reader) str(n int) string {
	cell := r.buf[r.off : r.off+n]
	r.off += n
	if i := bytes.IndexByte(cell, 0); i >= 0 {
		cell = cell[:i]
	}
	return string(cell)
}

// EncodeTo serializes m into dst, which must hold at least MessageSize
// bytes. The unused tail of the envelope is zeroed so encoded records
// compare byte for byte.
func EncodeTo(dst []byte, m *Message) error {
	if len(dst) < MessageSize {
		return ErrShortBuffer
	}
	for i := range dst[:MessageSize] {
		dst[i] = 0
	}
	w := &writer{buf: dst}
	w.u8(Version)
	w.u8(0)
	w.u16(uint16(m.Type))
	switch m.Type {
	case MsgHeartbeat:
	case MsgLoginRequest:
		p := &m.LoginRequest
		w.u8(uint8(p.ClientType))
		w.str(p.Colo, lenColo)
		w.str(p.Account, lenAccount)
		w.str(p.Password, lenPassword)
		w.str(p.UUID, lenUUID)
	case MsgLoginResponse:
		p := &m.LoginResponse
		w.u8(uint8(p.ClientType))
		w.str(p.Account, lenAccount)
		w.i32(p.ErrorID)
		w.str(p.ErrorMsg, lenErrorMsg)
	case MsgCommand:
		p := &m.Command
		w.u8(uint8(p.CmdType))
		w.str(p.Colo, lenColo)
		w.str(p.Account, lenAccount)
		w.str(p.Payload, lenPayload)
	case MsgEventLog:
		p := &m.EventLog
		w.str(p.Colo, lenColo)
		w.str(p.Broker, lenColo)
		w.str(p.Product, lenColo)
		w.str(p.Account, lenAccount)
		w.str(p.Ticker, lenTicker)
		w.str(p.ExchangeID, lenColo)
		w.str(p.App, lenName)
		w.str(p.Event, lenEvent)
		w.i32(p.Level)
		w.str(p.UpdateTime, lenTime)
	case MsgOrderStatus:
		p := &m.OrderStatus
		w.str(p.Colo, lenColo)
		w.str(p.Broker, lenColo)
		w.str(p.Product, lenColo)
		w.str(p.Account, lenAccount)
		w.str(p.Ticker, lenTicker)
		w.str(p.ExchangeID, lenColo)
		w.str(p.OrderRef, lenOrderRef)
		w.str(p.OrderSysID, lenOrderRef)
		w.str(p.OrderLocalID, lenOrderRef)
		w.i32(p.OrderToken)
		w.i32(p.EngineID)
		w.u8(uint8(p.OrderType))
		w.u8(uint8(p.OrderSide))
		w.u8(uint8(p.Status))
		w.f64(p.SendPrice)
		w.u32(p.SendVolume)
		w.u32(p.TotalTradedVolume)
		w.f64(p.TradedAvgPrice)
		w.u32(p.TradedVolume)
		w.f64(p.TradedPrice)
		w.u32(p.CanceledVolume)
		w.str(p.SendTime, lenTime)
		w.str(p.InsertTime, lenTime)
		w.str(p.RiskID, lenRiskID)
		w.str(p.Trader, lenTrader)
		w.i32(p.ErrorID)
		w.str(p.ErrorMsg, lenErrorMsg)
		w.str(p.UpdateTime, lenTime)
	case MsgAccountFund:
		p := &m.AccountFund
		w.str(p.Colo, lenColo)
		w.str(p.Broker, lenColo)
		w.str(p.Product, lenColo)
		w.str(p.Account, lenAccount)
		w.f64(p.Deposit)
		w.f64(p.Withdraw)
		w.f64(p.CurrMargin)
		w.f64(p.Commission)
		w.f64(p.CloseProfit)
		w.f64(p.PositionProfit)
		w.f64(p.Available)
		w.f64(p.Balance)
		w.f64(p.PreBalance)
		w.str(p.UpdateTime, lenTime)
	case MsgAccountPosition:
		p := &m.AccountPosition
		w.str(p.Colo, lenColo)
		w.str(p.Broker, lenColo)
		w.str(p.Product, lenColo)
		w.str(p.Account, lenAccount)
		w.str(p.Ticker, lenTicker)
		w.str(p.ExchangeID, lenColo)
		w.i32(p.LongVolume)
		w.i32(p.LongOpening)
		w.i32(p.LongClosing)
		w.i32(p.ShortVolume)
		w.i32(p.ShortOpening)
		w.i32(p.ShortClosing)
		w.str(p.UpdateTime, lenTime)
	case MsgOrderRequest:
		p := &m.OrderRequest
		w.str(p.Colo, lenColo)
		w.str(p.Broker, lenColo)
		w.str(p.Product, lenColo)
		w.str(p.Account, lenAccount)
		w.str(p.Ticker, lenTicker)
		w.str(p.ExchangeID, lenColo)
		w.u8(uint8(p.OrderType))
		w.u8(uint8(p.Direction))
		w.u8(uint8(p.Offset))
		w.u8(uint8(p.RiskStatus))
		w.i32(p.OrderToken)
		w.i32(p.EngineID)
		w.f64(p.Price)
		w.i32(p.Volume)
		w.str(p.SendTime, lenTime)
		w.str(p.RiskID, lenRiskID)
		w.str(p.Trader, lenTrader)
		w.i32(p.ErrorID)
		w.str(p.ErrorMsg, lenErrorMsg)
		w.str(p.UpdateTime, lenTime)
	case MsgActionRequest:
		p := &m.ActionRequest
		w.str(p.Colo, lenColo)
		w.str(p.Account, lenAccount)
		w.str(p.OrderRef, lenOrderRef)
		w.str(p.ExchangeID, lenColo)
		w.i32(p.EngineID)
		w.u8(uint8(p.RiskStatus))
		w.str(p.RiskID, lenRiskID)
		w.str(p.Trader, lenTrader)
		w.i32(p.ErrorID)
		w.str(p.ErrorMsg, lenErrorMsg)
		w.str(p.UpdateTime, lenTime)
	case MsgRiskReport:
		p := &m.RiskReport
		w.u8(uint8(p.ReportType))
		w.str(p.Colo, lenColo)
		w.str(p.Broker, lenColo)
		w.str(p.Product, lenColo)
		w.str(p.Account, lenAccount)
		w.str(p.Ticker, lenTicker)
		w.str(p.ExchangeID, lenColo)
		w.i32(p.FlowLimit)
		w.i32(p.TickerCancelLimit)
		w.i32(p.OrderCancelLimit)
		w.i32(int32(p.LockedSide))
		w.i32(p.CancelledCount)
		w.i32(p.UpperLimit)
		w.str(p.Event, lenEvent)
		w.str(p.RiskID, lenRiskID)
		w.str(p.Trader, lenTrader)
		w.str(p.UpdateTime, lenTime)
	case MsgColoStatus:
		p := &m.ColoStatus
		w.str(p.Colo, lenColo)
		w.str(p.OSVersion, lenName)
		w.str(p.KernelVersion, lenName)
		w.f64(p.Load1)
		w.f64(p.Load5)
		w.f64(p.Load15)
		w.i32(p.CPUs)
		w.f64(p.CPUUsedRate)
		w.f64(p.MemTotal)
		w.f64(p.MemFree)
		w.f64(p.MemUsedRate)
		w.f64(p.DiskTotal)
		w.f64(p.DiskFree)
		w.f64(p.DiskUsedRate)
		w.str(p.UpdateTime, lenTime)
	case MsgAppStatus:
		p := &m.AppStatus
		w.str(p.Colo, lenColo)
		w.str(p.Account, lenAccount)
		w.str(p.AppName, lenName)
		w.i32(p.PID)
		w.str(p.Status, lenRiskID)
		w.str(p.StartTime, lenTime)
		w.str(p.LastStartTime, lenTime)
		w.str(p.CommitID, lenName)
		w.str(p.StartScript, lenScript)
		w.str(p.UpdateTime, lenTime)
	case MsgTick:
		p := &m.Tick
		w.str(p.Colo, lenColo)
		w.str(p.Ticker, lenTicker)
		w.str(p.ExchangeID, lenColo)
		w.f64(p.LastPrice)
		w.f64(p.BidPrice)
		w.f64(p.AskPrice)
		w.i32(p.BidVolume)
		w.i32(p.AskVolume)
		w.i32(p.Volume)
		w.str(p.UpdateTime, lenTime)
	default:
		return fmt.Errorf("wire: encode unknown message type %d", m.Type)
	}
	return nil
}

// Encode serializes m into a fresh MessageSize byte slice.
func Encode(m *Message) ([]byte, error) {
	buf := make([]byte, MessageSize)
	if err := EncodeTo(buf, m); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode deserializes one Message from src, validating the version byte and
// the type tag.
func Decode(src []byte) (Message, error) {
	var m Message
	if len(src) < MessageSize {
		return m, ErrShortBuffer
	}
	if src[0] != Version {
		return m, fmt.Errorf("%w: got %d want %d", ErrVersion, src[0], Version)
	}
	r := &reader{buf: src, off: 2}
	m.Type = MsgType(r.u16())
	switch m.Type {
	case MsgHeartbeat:
	case MsgLoginRequest:
		p := &m.LoginRequest
		p.ClientType = ClientType(r.u8())
		p.Colo = r.str(lenColo)
		p.Account = r.str(lenAccount)
		p.Password = r.str(lenPassword)
		p.UUID = r.str(lenUUID)
	case MsgLoginResponse:
		p := &m.LoginResponse
		p.ClientType = ClientType(r.u8())
		p.Account = r.str(lenAccount)
		p.ErrorID = r.i32()
		p.ErrorMsg = r.str(lenErrorMsg)
	case MsgCommand:
		p := &m.Command
		p.CmdType = CommandType(r.u8())
		p.Colo = r.str(lenColo)
		p.Account = r.str(lenAccount)
		p.Payload = r.str(lenPayload)
	case MsgEventLog:
		p := &m.EventLog
		p.Colo = r.str(lenColo)
		p.Broker = r.str(lenColo)
		p.Product = r.str(lenColo)
		p.Account = r.str(lenAccount)
		p.Ticker = r.str(lenTicker)
		p.ExchangeID = r.str(lenColo)
		p.App = r.str(lenName)
		p.Event = r.str(lenEvent)
		p.Level = r.i32()
		p.UpdateTime = r.str(lenTime)
	case MsgOrderStatus:
		p := &m.OrderStatus
		p.Colo = r.str(lenColo)
		p.Broker = r.str(lenColo)
		p.Product = r.str(lenColo)
		p.Account = r.str(lenAccount)
		p.Ticker = r.str(lenTicker)
		p.ExchangeID = r.str(lenColo)
		p.OrderRef = r.str(lenOrderRef)
		p.OrderSysID = r.str(lenOrderRef)
		p.OrderLocalID = r.str(lenOrderRef)
		p.OrderToken = r.i32()
		p.EngineID = r.i32()
		p.OrderType = OrderType(r.u8())
		p.OrderSide = OrderSide(r.u8())
		p.Status = OrderState(r.u8())
		p.SendPrice = r.f64()
		p.SendVolume = r.u32()
		p.TotalTradedVolume = r.u32()
		p.TradedAvgPrice = r.f64()
		p.TradedVolume = r.u32()
		p.TradedPrice = r.f64()
		p.CanceledVolume = r.u32()
		p.SendTime = r.str(lenTime)
		p.InsertTime = r.str(lenTime)
		p.RiskID = r.str(lenRiskID)
		p.Trader = r.str(lenTrader)
		p.ErrorID = r.i32()
		p.ErrorMsg = r.str(lenErrorMsg)
		p.UpdateTime = r.str(lenTime)
	case MsgAccountFund:
		p := &m.AccountFund
		p.Colo = r.str(lenColo)
		p.Broker = r.str(lenColo)
		p.Product = r.str(lenColo)
		p.Account = r.str(lenAccount)
		p.Deposit = r.f64()
		p.Withdraw = r.f64()
		p.CurrMargin = r.f64()
		p.Commission = r.f64()
		p.CloseProfit = r.f64()
		p.PositionProfit = r.f64()
		p.Available = r.f64()
		p.Balance = r.f64()
		p.PreBalance = r.f64()
		p.UpdateTime = r.str(lenTime)
	case MsgAccountPosition:
		p := &m.AccountPosition
		p.Colo = r.str(lenColo)
		p.Broker = r.str(lenColo)
		p.Product = r.str(lenColo)
		p.Account = r.str(lenAccount)
		p.Ticker = r.str(lenTicker)
		p.ExchangeID = r.str(lenColo)
		p.LongVolume = r.i32()
		p.LongOpening = r.i32()
		p.LongClosing = r.i32()
		p.ShortVolume = r.i32()
		p.ShortOpening = r.i32()
		p.ShortClosing = r.i32()
		p.UpdateTime = r.str(lenTime)
	case MsgOrderRequest:
		p := &m.OrderRequest
		p.Colo = r.str(lenColo)
		p.Broker = r.str(lenColo)
		p.Product = r.str(lenColo)
		p.Account = r.str(lenAccount)
		p.Ticker = r.str(lenTicker)
		p.ExchangeID = r.str(lenColo)
		p.OrderType = OrderType(r.u8())
		p.Direction = Direction(r.u8())
		p.Offset = OffsetFlag(r.u8())
		p.RiskStatus = RiskStatus(r.u8())
		p.OrderToken = r.i32()
		p.EngineID = r.i32()
		p.Price = r.f64()
		p.Volume = r.i32()
		p.SendTime = r.str(lenTime)
		p.RiskID = r.str(lenRiskID)
		p.Trader = r.str(lenTrader)
		p.ErrorID = r.i32()
		p.ErrorMsg = r.str(lenErrorMsg)
		p.UpdateTime = r.str(lenTime)
	case MsgActionRequest:
		p := &m.ActionRequest
		p.Colo = r.str(lenColo)
		p.Account = r.str(lenAccount)
		p.OrderRef = r.str(lenOrderRef)
		p.ExchangeID = r.str(lenColo)
		p.EngineID = r.i32()
		p.RiskStatus = RiskStatus(r.u8())
		p.RiskID = r.str(lenRiskID)
		p.Trader = r.str(lenTrader)
		p.ErrorID = r.i32()
		p.ErrorMsg = r.str(lenErrorMsg)
		p.UpdateTime = r.str(lenTime)
	case MsgRiskReport:
		p := &m.RiskReport
		p.ReportType = ReportType(r.u8())
		p.Colo = r.str(lenColo)
		p.Broker = r.str(lenColo)
		p.Product = r.str(lenColo)
		p.Account = r.str(lenAccount)
		p.Ticker = r.str(lenTicker)
		p.ExchangeID = r.str(lenColo)
		p.FlowLimit = r.i32()
		p.TickerCancelLimit = r.i32()
		p.OrderCancelLimit = r.i32()
		p.LockedSide = LockedSide(r.i32())
		p.CancelledCount = r.i32()
		p.UpperLimit = r.i32()
		p.Event = r.str(lenEvent)
		p.RiskID = r.str(lenRiskID)
		p.Trader = r.str(lenTrader)
		p.UpdateTime = r.str(lenTime)
	case MsgColoStatus:
		p := &m.ColoStatus
		p.Colo = r.str(lenColo)
		p.OSVersion = r.str(lenName)
		p.KernelVersion = r.str(lenName)
		p.Load1 = r.f64()
		p.Load5 = r.f64()
		p.Load15 = r.f64()
		p.CPUs = r.i32()
		p.CPUUsedRate = r.f64()
		p.MemTotal = r.f64()
		p.MemFree = r.f64()
		p.MemUsedRate = r.f64()
		p.DiskTotal = r.f64()
		p.DiskFree = r.f64()
		p.DiskUsedRate = r.f64()
		p.UpdateTime = r.str(lenTime)
	case MsgAppStatus:
		p := &m.AppStatus
		p.Colo = r.str(lenColo)
		p.Account = r.str(lenAccount)
		p.AppName = r.str(lenName)
		p.PID = r.i32()
		p.Status = r.str(lenRiskID)
		p.StartTime = r.str(lenTime)
		p.LastStartTime = r.str(lenTime)
		p.CommitID = r.str(lenName)
		p.StartScript = r.str(lenScript)
		p.UpdateTime = r.str(lenTime)
	case MsgTick:
		p := &m.Tick
		p.Colo = r.str(lenColo)
		p.Ticker = r.str(lenTicker)
		p.ExchangeID = r.str(lenColo)
		p.LastPrice = r.f64()
		p.BidPrice = r.f64()
		p.AskPrice = r.f64()
		p.BidVolume = r.i32()
		p.AskVolume = r.i32()
		p.Volume = r.i32()
		p.UpdateTime = r.str(lenTime)
	default:
		return m, fmt.Errorf("wire: decode unknown message type %d", m.Type)
	}
	return m, nil
}
