package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfab/tradelink/internal/ring"
	"github.com/quantfab/tradelink/internal/wire"
)

const (
	reconnectInterval = 5 * time.Second
	heartbeatInterval = 30 * time.Second
	// Outbound messages buffered while the link is down; the oldest are
	// dropped once the backlog is full.
	backlogLimit = 4096
)

// Client keeps one framed connection to a Server. It logs in on every
// (re)connect, retries lost connections on a fixed interval, and buffers
// outbound messages while disconnected, flushing them in order once the
// link is back.
type Client struct {
	log   *zap.Logger
	addr  string
	login wire.LoginRequest

	mu      sync.Mutex
	conn    net.Conn
	backlog [][]byte

	// Serializes frame writes; Send, the reconnect flush, and the
	// heartbeat loop all write to the same socket.
	writeMu sync.Mutex

	// Single producer (the read loop), single consumer (the owning
	// engine's poll loop).
	inbound *ring.Ring[wire.Message]
}

func (c *Client) writeFrame(conn net.Conn, buf []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(conn, buf)
}

// NewClient prepares a client for addr; login is replayed on every
// reconnect so the server can rebind the identity. Run starts the
// connection.
func NewClient(addr string, login wire.LoginRequest, log *zap.Logger) *Client {
	return &Client{
		log:     log,
		addr:    addr,
		login:   login,
		inbound: ring.New[wire.Message](1024),
	}
}

// Inbound returns the ring of decoded messages from the server. The
// owning engine polls it from one goroutine.
func (c *Client) Inbound() *ring.Ring[wire.Message] { return c.inbound }

// Connected reports whether the link is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send delivers m now when connected, otherwise queues it for the next
// reconnect. It only fails when m cannot be encoded.
func (c *Client) Send(m *wire.Message) error {
	buf, err := wire.Encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		if len(c.backlog) >= backlogLimit {
			c.backlog = c.backlog[1:]
		}
		c.backlog = append(c.backlog, buf)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.writeFrame(conn, buf); err != nil {
		c.log.Warn("send failed, queueing for reconnect", zap.Error(err))
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			conn.Close()
		}
		c.backlog = append(c.backlog, buf)
		c.mu.Unlock()
	}
	return nil
}

// Run connects, reads until the connection drops, then retries every
// reconnect interval until ctx is done.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()
	for {
		if err := c.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("connection lost", zap.String("addr", c.addr), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) connectAndRead(ctx context.Context) error {
	d := net.Dialer{Timeout: reconnectInterval}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(heartbeatInterval)
	}

	loginMsg := wire.Message{Type: wire.MsgLoginRequest, LoginRequest: c.login}
	loginBuf, err := wire.Encode(&loginMsg)
	if err != nil {
		conn.Close()
		return err
	}
	if err := c.writeFrame(conn, loginBuf); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	pending := c.backlog
	c.backlog = nil
	c.mu.Unlock()
	c.log.Info("connected", zap.String("addr", c.addr),
		zap.String("account", c.login.Account), zap.Int("flushed", len(pending)))

	for _, buf := range pending {
		if err := c.writeFrame(conn, buf); err != nil {
			c.detach(conn)
			return err
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		hb := wire.Message{Type: wire.MsgHeartbeat}
		buf, _ := wire.Encode(&hb)
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := c.writeFrame(conn, buf); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()
	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			c.detach(conn)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		msg, err := wire.Decode(payload)
		if err != nil {
			c.log.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		if msg.Type == wire.MsgHeartbeat {
			continue
		}
		if !c.inbound.Push(msg) {
			c.log.Warn("inbound ring full, dropping",
				zap.String("type", msg.Type.String()))
		}
	}
}

func (c *Client) detach(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}
