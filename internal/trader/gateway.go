// Package trader routes order flow: requests from strategies go through the
// risk engine to a broker gateway, reports from the gateway fan back out to
// the strategy, the risk engine and the watcher.
package trader

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/quantfab/tradelink/internal/ring"
	"github.com/quantfab/tradelink/internal/wire"
)

// Gateway is one broker connection. Implementations deliver exchange
// reports on the Reports ring until Close; the router is the only
// consumer.
type Gateway interface {
	Name() string
	SendOrder(ctx context.Context, req *wire.OrderRequest) error
	CancelOrder(ctx context.Context, req *wire.ActionRequest) error
	Reports() *ring.Ring[wire.Message]
	Close() error
}

// NewGateway builds the adapter selected by name.
func NewGateway(name, account string, log *zap.Logger) (Gateway, error) {
	switch name {
	case "sim":
		return NewSimGateway(account, SimConfig{}, log), nil
	default:
		return nil, fmt.Errorf("unknown gateway %q", name)
	}
}
