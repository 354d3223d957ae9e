// Package risk implements the pre-trade checks: order flow throttling,
// account locks, self trade prevention and cancel rationing. All mutable
// state lives in an explicit State value owned by one Engine, rebuilt from
// the store on startup.
package risk

import (
	"strings"
	"time"

	"github.com/quantfab/tradelink/internal/wire"
)

// Default limits used until an operator installs a profile.
const (
	DefaultFlowLimit         = 10
	DefaultTickerCancelLimit = 400
	DefaultOrderCancelLimit  = 5
)

// Limits is the limit profile in force.
type Limits struct {
	RiskID            string
	FlowLimit         int32
	TickerCancelLimit int32
	OrderCancelLimit  int32
	Trader            string
}

// pendingOrder is one live order tracked for self trade and cancel checks.
type pendingOrder struct {
	ticker         string
	side           wire.OrderSide
	orderType      wire.OrderType
	price          float64
	cancelRequests int32
}

// lock is one account lock; ticker lists the instruments the lock covers,
// an empty ticker or a full lock covers the whole account.
type lock struct {
	side   wire.LockedSide
	ticker string
	riskID string
	trader string
}

// State holds every mutable structure the checks consult. It is not safe
// for concurrent use; the Engine serializes access.
type State struct {
	limits Limits

	// order flow, one rolling one second window shared by every account
	windowStart time.Time
	flowCounts  map[string]int32

	locks map[string]lock

	// account -> order ref -> pending order
	pending map[string]map[string]*pendingOrder

	// account -> ticker -> cancelled count
	cancelled map[string]map[string]int32
}

// NewState returns an empty state carrying the default limits.
func NewState() *State {
	return &State{
		limits: Limits{
			FlowLimit:         DefaultFlowLimit,
			TickerCancelLimit: DefaultTickerCancelLimit,
			OrderCancelLimit:  DefaultOrderCancelLimit,
		},
		flowCounts: make(map[string]int32),
		locks:      make(map[string]lock),
		pending:    make(map[string]map[string]*pendingOrder),
		cancelled:  make(map[string]map[string]int32),
	}
}

// Limits returns the profile in force.
func (s *State) Limits() Limits { return s.limits }

// countFlow counts one request for account inside the rolling one second
// window and returns the new count. The window starts at the first request
// after the previous one expires; expiry restarts every account's counter
// at once.
func (s *State) countFlow(account string, now time.Time) int32 {
	if now.Sub(s.windowStart) >= time.Second {
		s.windowStart = now
		for k := range s.flowCounts {
			delete(s.flowCounts, k)
		}
	}
	s.flowCounts[account]++
	return s.flowCounts[account]
}

// lockedSide returns the lock directions covering account and ticker. A
// full lock covers every instrument; a one sided lock applies only when
// its scope lists the requested ticker or is empty.
func (s *State) lockedSide(account, ticker string) wire.LockedSide {
	l, ok := s.locks[account]
	if !ok {
		return wire.Unlock
	}
	if l.side == wire.LockAll {
		return l.side
	}
	if l.ticker != "" && !strings.Contains(l.ticker, ticker) {
		return wire.Unlock
	}
	return l.side
}

// wouldSelfMatch reports whether an incoming order would cross one of the
// account's own resting orders on the same ticker.
func (s *State) wouldSelfMatch(account, ticker string, direction wire.Direction, price float64) bool {
	for _, p := range s.pending[account] {
		if p.ticker != ticker {
			continue
		}
		switch direction {
		case wire.Buy:
			switch p.side {
			case wire.CloseYdLong, wire.CloseTdLong, wire.OpenShort:
				if price >= p.price {
					return true
				}
			}
		case wire.Sell:
			switch p.side {
			case wire.OpenLong, wire.CloseYdShort, wire.CloseTdShort:
				if price <= p.price {
					return true
				}
			}
		}
	}
	return false
}

func (s *State) pendingOrderOf(account, orderRef string) *pendingOrder {
	return s.pending[account][orderRef]
}

func (s *State) upsertPending(status *wire.OrderStatus) {
	byRef := s.pending[status.Account]
	if byRef == nil {
		byRef = make(map[string]*pendingOrder)
		s.pending[status.Account] = byRef
	}
	p := byRef[status.OrderRef]
	if p == nil {
		p = &pendingOrder{}
		byRef[status.OrderRef] = p
	}
	p.ticker = status.Ticker
	p.side = status.OrderSide
	p.orderType = status.OrderType
	p.price = status.SendPrice
}

func (s *State) removePending(account, orderRef string) {
	if byRef := s.pending[account]; byRef != nil {
		delete(byRef, orderRef)
	}
}

// cancelledCount returns the durable cancel counter for account and ticker.
func (s *State) cancelledCount(account, ticker string) int32 {
	return s.cancelled[account][ticker]
}

func (s *State) setCancelledCount(account, ticker string, n int32) {
	byTicker := s.cancelled[account]
	if byTicker == nil {
		byTicker = make(map[string]int32)
		s.cancelled[account] = byTicker
	}
	byTicker[ticker] = n
}
