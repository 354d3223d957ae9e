package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfab/tradelink/internal/wire"
)

// Identity is what a peer declared in its login.
type Identity struct {
	ClientType wire.ClientType
	Account    string
	Colo       string
	UUID       string
}

// Envelope is an inbound message together with the identity of the
// connection that delivered it.
type Envelope struct {
	From Identity
	Msg  wire.Message
}

type serverConn struct {
	netConn  net.Conn
	id       Identity
	loggedIn bool

	writeMu sync.Mutex
}

func (c *serverConn) send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.netConn, payload)
}

// Server accepts framed connections, learns each peer's identity from the
// first LoginRequest it sends, and routes outbound messages by account or
// client type. Messages received before login are delivered with an empty
// identity; the connection only becomes routable once it logs in.
type Server struct {
	log     *zap.Logger
	ln      net.Listener
	inbound chan Envelope

	mu    sync.Mutex
	conns map[*serverConn]struct{}
}

// NewServer listens on addr. Serve must be called to accept connections.
func NewServer(addr string, log *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Server{
		log:     log,
		ln:      ln,
		inbound: make(chan Envelope, 1024),
		conns:   make(map[*serverConn]struct{}),
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Inbound returns the stream of messages from logged-in peers.
func (s *Server) Inbound() <-chan Envelope { return s.inbound }

// Serve accepts connections until ctx is done or the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	for {
		netConn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		c := &serverConn{netConn: netConn}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		go s.readLoop(ctx, c)
	}
}

func (s *Server) readLoop(ctx context.Context, c *serverConn) {
	defer s.drop(c)
	for {
		// A peer that goes two heartbeat intervals without traffic is
		// presumed dead.
		c.netConn.SetReadDeadline(time.Now().Add(2 * heartbeatInterval))
		payload, err := ReadFrame(c.netConn)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("connection closed",
					zap.String("remote", c.netConn.RemoteAddr().String()),
					zap.Error(err))
			}
			return
		}
		msg, err := wire.Decode(payload)
		if err != nil {
			s.log.Warn("dropping undecodable frame",
				zap.String("remote", c.netConn.RemoteAddr().String()),
				zap.Error(err))
			return
		}
		if msg.Type == wire.MsgLoginRequest {
			s.handleLogin(c, &msg.LoginRequest)
			continue
		}
		if msg.Type == wire.MsgHeartbeat {
			continue
		}
		select {
		case s.inbound <- Envelope{From: c.id, Msg: msg}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleLogin(c *serverConn, req *wire.LoginRequest) {
	s.mu.Lock()
	c.id = Identity{
		ClientType: req.ClientType,
		Account:    req.Account,
		Colo:       req.Colo,
		UUID:       req.UUID,
	}
	c.loggedIn = true
	s.mu.Unlock()
	s.log.Info("peer logged in",
		zap.String("remote", c.netConn.RemoteAddr().String()),
		zap.String("account", req.Account),
		zap.Uint8("clientType", uint8(req.ClientType)))

	resp := wire.Message{Type: wire.MsgLoginResponse, LoginResponse: wire.LoginResponse{
		ClientType: req.ClientType,
		Account:    req.Account,
	}}
	if err := s.sendTo(c, &resp); err != nil {
		s.log.Warn("login response failed", zap.Error(err))
	}
}

func (s *Server) drop(c *serverConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.netConn.Close()
}

func (s *Server) sendTo(c *serverConn, m *wire.Message) error {
	buf, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return c.send(buf)
}

// SendToAccount delivers m to every logged-in connection bound to account
// and reports how many received it.
func (s *Server) SendToAccount(account string, m *wire.Message) int {
	return s.sendWhere(m, func(id Identity) bool { return id.Account == account })
}

// SendToType delivers m to every logged-in connection of the given client
// type.
func (s *Server) SendToType(ct wire.ClientType, m *wire.Message) int {
	return s.sendWhere(m, func(id Identity) bool { return id.ClientType == ct })
}

// Broadcast delivers m to every logged-in connection.
func (s *Server) Broadcast(m *wire.Message) int {
	return s.sendWhere(m, func(Identity) bool { return true })
}

func (s *Server) sendWhere(m *wire.Message, match func(Identity) bool) int {
	buf, err := wire.Encode(m)
	if err != nil {
		s.log.Error("encode outbound", zap.Error(err))
		return 0
	}
	s.mu.Lock()
	targets := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		if c.loggedIn && match(c.id) {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	sent := 0
	for _, c := range targets {
		c.netConn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.send(buf); err != nil {
			s.log.Warn("send failed, dropping connection",
				zap.String("account", c.id.Account), zap.Error(err))
			s.drop(c)
			continue
		}
		sent++
	}
	return sent
}

// Peers snapshots the identities of the logged-in connections.
func (s *Server) Peers() []Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Identity, 0, len(s.conns))
	for c := range s.conns {
		if c.loggedIn {
			out = append(out, c.id)
		}
	}
	return out
}

// Close stops the listener and closes every connection.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.netConn.Close()
	}
	s.conns = make(map[*serverConn]struct{})
	s.mu.Unlock()
	return err
}
