package risk

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/quantfab/tradelink/internal/config"
	"github.com/quantfab/tradelink/internal/riskstore"
	"github.com/quantfab/tradelink/internal/transport"
	"github.com/quantfab/tradelink/internal/wire"
)

// Service binds the engine to the transport: traders connect, send their
// requests and statuses, and get verdicts back; watchers get the report
// stream.
type Service struct {
	log    *zap.Logger
	server *transport.Server
	store  *riskstore.Store
	engine *Engine
}

// NewService opens the store and the listener.
func NewService(cfg config.RiskJudgeConfig, colo string, log *zap.Logger) (*Service, error) {
	store, err := riskstore.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open risk store: %w", err)
	}
	server, err := transport.NewServer(cfg.ListenAddr, log.Named("server"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("risk server: %w", err)
	}
	return &Service{
		log:    log,
		server: server,
		store:  store,
		engine: NewEngine(store, colo, log.Named("engine")),
	}, nil
}

// Addr returns the listen address.
func (s *Service) Addr() string { return s.server.Addr() }

// Engine exposes the check engine, mainly for tests.
func (s *Service) Engine() *Engine { return s.engine }

// Run replays durable state and serves requests until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	go s.server.Serve(ctx)

	replayed, err := s.engine.Replay(ctx)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	s.publish(replayed)

	for {
		select {
		case <-ctx.Done():
			s.server.Close()
			s.store.Close()
			return nil
		case env := <-s.server.Inbound():
			s.handle(ctx, env)
		}
	}
}

func (s *Service) handle(ctx context.Context, env transport.Envelope) {
	msg := env.Msg
	switch msg.Type {
	case wire.MsgOrderRequest:
		reports := s.engine.CheckOrder(ctx, &msg.OrderRequest)
		s.server.SendToAccount(env.From.Account, &msg)
		s.publish(reports)
	case wire.MsgActionRequest:
		reports := s.engine.CheckAction(ctx, &msg.ActionRequest)
		s.server.SendToAccount(env.From.Account, &msg)
		s.publish(reports)
	case wire.MsgOrderStatus:
		s.publish(s.engine.OnOrderStatus(ctx, &msg.OrderStatus))
	case wire.MsgCommand:
		s.publish(s.engine.HandleCommand(ctx, &msg.Command))
	default:
		s.log.Debug("ignoring message",
			zap.String("type", msg.Type.String()),
			zap.String("account", env.From.Account))
	}
}

func (s *Service) publish(reports []wire.Message) {
	for i := range reports {
		s.server.SendToType(wire.ClientWatcher, &reports[i])
	}
}
