// Package wire defines the fixed-size binary message exchanged between the
// strategy, trader, risk and watcher processes, over TCP frames and through
// shared memory channels alike. Every payload is pointer-free and encodes
// into the same MessageSize byte envelope, and every payload begins with
// the keys used to route it (Account at minimum).
package wire

// MsgType tags the payload carried by a Message.
type MsgType uint16

const (
	MsgUnknown MsgType = iota
	MsgHeartbeat
	MsgLoginRequest
	MsgLoginResponse
	MsgCommand
	MsgEventLog
	MsgOrderStatus
	MsgAccountFund
	MsgAccountPosition
	MsgOrderRequest
	MsgActionRequest
	MsgRiskReport
	MsgColoStatus
	MsgAppStatus
	MsgTick
)

func (t MsgType) String() string {
	switch t {
	case MsgHeartbeat:
		return "Heartbeat"
	case MsgLoginRequest:
		return "LoginRequest"
	case MsgLoginResponse:
		return "LoginResponse"
	case MsgCommand:
		return "Command"
	case MsgEventLog:
		return "EventLog"
	case MsgOrderStatus:
		return "OrderStatus"
	case MsgAccountFund:
		return "AccountFund"
	case MsgAccountPosition:
		return "AccountPosition"
	case MsgOrderRequest:
		return "OrderRequest"
	case MsgActionRequest:
		return "ActionRequest"
	case MsgRiskReport:
		return "RiskReport"
	case MsgColoStatus:
		return "ColoStatus"
	case MsgAppStatus:
		return "AppStatus"
	case MsgTick:
		return "Tick"
	default:
		return "Unknown"
	}
}

// ClientType identifies the kind of peer behind a connection.
type ClientType uint8

const (
	ClientUnknown ClientType = iota
	ClientTrader
	ClientMonitor
	ClientMarketCenter
	ClientRiskJudge
	ClientWatcher
	ClientQuant
)

// OrderType is the order's execution style.
type OrderType uint8

const (
	OrderFAK OrderType = iota + 1
	OrderFOK
	OrderLimit
	OrderMarket
)

// Direction is the request direction.
type Direction uint8

const (
	Buy Direction = iota + 1
	Sell
)

// OffsetFlag says whether the order opens or closes a position.
type OffsetFlag uint8

const (
	Open OffsetFlag = iota + 1
	Close
	CloseToday
	CloseYesterday
)

// RiskStatus is the per-request risk state machine. A strategy submits
// requests at PrepareChecked (or NoCheck to bypass); only the risk engine
// advances them to CheckedPass or CheckedNoPass. CheckInit is used once at
// startup as a liveness probe.
type RiskStatus uint8

const (
	PrepareChecked RiskStatus = iota + 1
	CheckedPass
	CheckedNoPass
	NoCheck
	CheckInit
)

// OrderState is the exchange-side order lifecycle.
type OrderState uint8

const (
	OrderSended OrderState = iota + 1
	BrokerACK
	ExchangeACK
	PartTraded
	AllTraded
	Cancelling
	Cancelled
	PartTradedCancelled
	BrokerError
	ExchangeError
	ActionError
	RiskOrderRejected
	RiskActionRejected
	RiskCheckInit
)

// OrderSide is the resting side of a pending order, finer grained than
// Direction because self-trade checks care about open/close distinctions.
type OrderSide uint8

const (
	OpenLong OrderSide = iota + 1
	CloseTdLong
	CloseYdLong
	OpenShort
	CloseTdShort
	CloseYdShort
)

// RejectReason is the machine-readable verdict reason.
type RejectReason int32

const (
	FlowLimited RejectReason = iota + 1
	SelfMatched
	AccountLocked
	BuyLocked
	SellLocked
	TickerActionLimited
	OrderActionLimited
)

// LockedSide is a bitmask of locked directions for one account.
type LockedSide int32

const (
	Unlock   LockedSide = 0
	LockBuy  LockedSide = 1
	LockSell LockedSide = 1 << 1
	LockAll  LockedSide = LockBuy | LockSell
)

// CommandType classifies operator commands.
type CommandType uint8

const (
	CmdUpdateRiskLimit CommandType = iota + 1
	CmdUpdateAccountLocked
	CmdKillApp
	CmdStartApp
	CmdTransferFundIn
	CmdTransferFundOut
)

// ReportType classifies risk reports.
type ReportType uint8

const (
	ReportRiskLimit ReportType = iota + 1
	ReportAccountLocked
	ReportTickerCancelled
	ReportRiskEvent
)

// Event log levels.
const (
	LevelInfo int32 = iota + 1
	LevelWarning
	LevelError
)

// LoginRequest binds a connection to a client kind and account. It must be
// the first payload sent on a new connection for routing by account to work.
type LoginRequest struct {
	ClientType ClientType
	Colo       string
	Account    string
	Password   string
	UUID       string
}

// LoginResponse acknowledges a login.
type LoginResponse struct {
	ClientType ClientType
	Account    string
	ErrorID    int32
	ErrorMsg   string
}

// OrderRequest is a new-order request flowing strategy -> trader -> risk ->
// trader -> gateway.
type OrderRequest struct {
	Colo       string
	Broker     string
	Product    string
	Account    string
	Ticker     string
	ExchangeID string
	OrderType  OrderType
	Direction  Direction
	Offset     OffsetFlag
	RiskStatus RiskStatus
	OrderToken int32
	EngineID   int32
	Price      float64
	Volume     int32
	SendTime   string
	RiskID     string
	Trader     string
	ErrorID    int32
	ErrorMsg   string
	UpdateTime string
}

// ActionRequest cancels an order by its original reference.
type ActionRequest struct {
	Colo       string
	Account    string
	OrderRef   string
	ExchangeID string
	EngineID   int32
	RiskStatus RiskStatus
	RiskID     string
	Trader     string
	ErrorID    int32
	ErrorMsg   string
	UpdateTime string
}

// OrderStatus is the exchange-facing order snapshot reported back through
// the pipeline; the risk engine derives pending orders from it.
type OrderStatus struct {
	Colo              string
	Broker            string
	Product           string
	Account           string
	Ticker            string
	ExchangeID        string
	OrderRef          string
	OrderSysID        string
	OrderLocalID      string
	OrderToken        int32
	EngineID          int32
	OrderType         OrderType
	OrderSide         OrderSide
	Status            OrderState
	SendPrice         float64
	SendVolume        uint32
	TotalTradedVolume uint32
	TradedAvgPrice    float64
	TradedVolume      uint32
	TradedPrice       float64
	CanceledVolume    uint32
	SendTime          string
	InsertTime        string
	RiskID            string
	Trader            string
	ErrorID           int32
	ErrorMsg          string
	UpdateTime        string
}

// AccountFund is a fund snapshot for one account.
type AccountFund struct {
	Colo           string
	Broker         string
	Product        string
	Account        string
	Deposit        float64
	Withdraw       float64
	CurrMargin     float64
	Commission     float64
	CloseProfit    float64
	PositionProfit float64
	Available      float64
	Balance        float64
	PreBalance     float64
	UpdateTime     string
}

// AccountPosition is a position snapshot for one account and ticker.
type AccountPosition struct {
	Colo         string
	Broker       string
	Product      string
	Account      string
	Ticker       string
	ExchangeID   string
	LongVolume   int32
	LongOpening  int32
	LongClosing  int32
	ShortVolume  int32
	ShortOpening int32
	ShortClosing int32
	UpdateTime   string
}

// RiskReport is the audit record the risk engine emits for every verdict,
// limit change, lock change and counter change, and for startup replay.
type RiskReport struct {
	ReportType        ReportType
	Colo              string
	Broker            string
	Product           string
	Account           string
	Ticker            string
	ExchangeID        string
	FlowLimit         int32
	TickerCancelLimit int32
	OrderCancelLimit  int32
	LockedSide        LockedSide
	CancelledCount    int32
	UpperLimit        int32
	Event             string
	RiskID            string
	Trader            string
	UpdateTime        string
}

// Command is an operator command; Payload is a comma-separated key:value
// string parsed positionally by the receiver.
type Command struct {
	CmdType CommandType
	Colo    string
	Account string
	Payload string
}

// EventLog is a free-form operational event.
type EventLog struct {
	Colo       string
	Broker     string
	Product    string
	Account    string
	Ticker     string
	ExchangeID string
	App        string
	Event      string
	Level      int32
	UpdateTime string
}

// AppStatus describes one running process at a site.
type AppStatus struct {
	Colo          string
	Account       string
	AppName       string
	PID           int32
	Status        string
	StartTime     string
	LastStartTime string
	CommitID      string
	StartScript   string
	UpdateTime    string
}

// ColoStatus is the periodic host health snapshot a watcher publishes.
type ColoStatus struct {
	Colo          string
	OSVersion     string
	KernelVersion string
	Load1         float64
	Load5         float64
	Load15        float64
	CPUs          int32
	CPUUsedRate   float64
	MemTotal      float64
	MemFree       float64
	MemUsedRate   float64
	DiskTotal     float64
	DiskFree      float64
	DiskUsedRate  float64
	UpdateTime    string
}

// Tick is a minimal market data record relayed through the watcher.
type Tick struct {
	Colo       string
	Ticker     string
	ExchangeID string
	LastPrice  float64
	BidPrice   float64
	AskPrice   float64
	BidVolume  int32
	AskVolume  int32
	Volume     int32
	UpdateTime string
}

// Message is the tagged union moved through every ring and socket. Exactly
// the payload named by Type is meaningful.
type Message struct {
	Type            MsgType
	LoginRequest    LoginRequest
	LoginResponse   LoginResponse
	Command         Command
	EventLog        EventLog
	OrderStatus     OrderStatus
	AccountFund     AccountFund
	AccountPosition AccountPosition
	OrderRequest    OrderRequest
	ActionRequest   ActionRequest
	RiskReport      RiskReport
	ColoStatus      ColoStatus
	AppStatus       AppStatus
	Tick            Tick
}

// Account returns the routing account of the active payload, empty when the
// payload carries none.
func (m *Message) Account() string {
	switch m.Type {
	case MsgLoginRequest:
		return m.LoginRequest.Account
	case MsgLoginResponse:
		return m.LoginResponse.Account
	case MsgCommand:
		return m.Command.Account
	case MsgEventLog:
		return m.EventLog.Account
	case MsgOrderStatus:
		return m.OrderStatus.Account
	case MsgAccountFund:
		return m.AccountFund.Account
	case MsgAccountPosition:
		return m.AccountPosition.Account
	case MsgOrderRequest:
		return m.OrderRequest.Account
	case MsgActionRequest:
		return m.ActionRequest.Account
	case MsgRiskReport:
		return m.RiskReport.Account
	case MsgAppStatus:
		return m.AppStatus.Account
	default:
		return ""
	}
}
