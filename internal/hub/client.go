package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/courier-chat/courier/internal/envelope"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"golang.org/x/time/rate"
)

// ConnectionID identifies one accepted WebSocket for the lifetime of the
// process. IDs are UUIDv7 rendered in base58 and are never reused.
type ConnectionID string

func newConnectionID() ConnectionID {
	id := uuid.Must(uuid.NewV7())
	return ConnectionID(base58.Encode(id[:]))
}

// Options tunes every connection served by a Hub.
type Options struct {
	SendQueueSize  int
	MaxMessageSize int64
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	RateLimit      rate.Limit
	RateBurst      int
}

// DefaultOptions matches the defaults of the relay configuration.
func DefaultOptions() Options {
	return Options{
		SendQueueSize:  256,
		MaxMessageSize: 64 << 10,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    10 * time.Second,
		RateLimit:      20,
		RateBurst:      40,
	}
}

// Client is one WebSocket connection. Its send queue is closed by the
// Registry when the connection is unregistered, which also cancels ctx.
// WritePump owns the socket's shutdown: once ctx is done it stops draining the
// queue and sends the recorded close frame, which in turn ends ReadPump.
type Client struct {
	id       ConnectionID
	conn     *websocket.Conn
	identity envelope.UserID
	send     chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
	limiter  *rate.Limiter
	opts     Options
	log      *slog.Logger
	pumps    sync.WaitGroup

	mu          sync.Mutex
	closeSet    bool
	closeStatus websocket.StatusCode
	closeReason string
}

// NewClient wraps conn. identity is the user authenticated during the
// upgrade, empty when the relay runs without authentication.
func NewClient(parent context.Context, conn *websocket.Conn, identity envelope.UserID, opts Options, log *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(parent)
	id := newConnectionID()
	if conn != nil {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	return &Client{
		id:          id,
		conn:        conn,
		identity:    identity,
		send:        make(chan []byte, opts.SendQueueSize),
		ctx:         ctx,
		cancel:      cancel,
		limiter:     rate.NewLimiter(opts.RateLimit, opts.RateBurst),
		opts:        opts,
		log:         log.With("conn", id),
		closeStatus: websocket.StatusNormalClosure,
	}
}

// Done is closed once the connection has been shut down.
func (c *Client) Done() <-chan struct{} { return c.ctx.Done() }

// setClose records the close frame sent to the peer. The first caller wins,
// so a later shutdown does not mask an eviction.
func (c *Client) setClose(status websocket.StatusCode, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeSet {
		return
	}
	c.closeSet = true
	c.closeStatus = status
	c.closeReason = reason
}

func (c *Client) closeFrame() (websocket.StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeStatus, c.closeReason
}

// ReadPump reads frames until the connection fails or is closed, handing
// every well-formed envelope to the router. Malformed and rate limited
// frames are logged and dropped without closing the connection.
//
// Reads are not bound to ctx: cancelling a read would tear the socket down
// before WritePump gets to send the close frame.
func (c *Client) ReadPump(r *Router) {
	readCtx := context.WithoutCancel(c.ctx)
	for {
		typ, data, err := c.conn.Read(readCtx)
		if err != nil {
			c.logReadError(err)
			return
		}
		if typ != websocket.MessageText {
			c.log.Warn("discarding binary frame", "bytes", len(data))
			continue
		}
		if !c.limiter.Allow() {
			c.log.Warn("rate limit exceeded, discarding frame",
				"limit", float64(c.opts.RateLimit),
				"burst", c.opts.RateBurst,
			)
			continue
		}
		env, err := envelope.Decode(data)
		if err != nil {
			c.log.Warn("discarding malformed envelope", "error", err)
			continue
		}
		r.Dispatch(c.ctx, c, env)
	}
}

func (c *Client) logReadError(err error) {
	switch status := websocket.CloseStatus(err); {
	case c.ctx.Err() != nil:
		c.log.Debug("connection shut down", "error", err)
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		c.log.Debug("client closed connection", "status", status)
	case status == websocket.StatusMessageTooBig:
		c.log.Warn("frame exceeded read limit", "limit", c.opts.MaxMessageSize)
	case status != -1:
		c.log.Info("client closed connection", "status", status, "error", err)
	default:
		c.log.Info("read error", "error", err)
	}
}

// WritePump drains the send queue onto the socket until the connection is
// shut down, then sends the close frame recorded by the registry. Frames
// still queued at that point are dropped.
func (c *Client) WritePump() {
	defer func() {
		status, reason := c.closeFrame()
		_ = c.conn.Close(status, reason)
	}()
	writeCtx := context.WithoutCancel(c.ctx)
	for {
		if c.ctx.Err() != nil {
			return
		}
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(writeCtx, c.opts.WriteTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.log.Debug("write error", "error", err)
				c.cancel()
				return
			}
		}
	}
}

// HeartbeatLoop pings the peer every PingInterval. A ping that is not
// answered within PongTimeout unregisters the connection from r, which closes
// it with StatusPolicyViolation.
func (c *Client) HeartbeatLoop(r *Registry) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	pingCtx := context.WithoutCancel(c.ctx)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(pingCtx, c.opts.PongTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.log.Info("heartbeat failed, closing connection", "error", err)
				}
				c.setClose(websocket.StatusPolicyViolation, "pong timeout")
				r.Unregister(c.id)
				return
			}
		}
	}
}
