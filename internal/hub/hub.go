// Package hub implements the relay core: a registry mapping user ids to
// their live WebSocket connections, a router that registers connections and
// relays one-to-one messages, and the per-connection lifecycle that ties them
// together.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/courier-chat/courier/internal/envelope"
)

// ErrShuttingDown is returned by Serve once Shutdown has started.
var ErrShuttingDown = errors.New("hub shutting down")

// Hub owns the registry and router for the lifetime of the server and runs
// every accepted connection.
type Hub struct {
	registry *Registry
	router   *Router
	opts     Options
	log      *slog.Logger

	mu      sync.Mutex
	closing bool
	serving sync.WaitGroup
}

// NewHub creates a Hub serving connections with opts.
func NewHub(registry *Registry, router *Router, opts Options, log *slog.Logger) *Hub {
	return &Hub{
		registry: registry,
		router:   router,
		opts:     opts,
		log:      log,
	}
}

// Registry returns the registry shared by every connection.
func (h *Hub) Registry() *Registry { return h.registry }

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	n, _ := h.registry.Stats()
	return n
}

// Serve runs conn until it closes: the calling goroutine reads, two more
// write and ping. The connection is unregistered exactly once whichever way
// it ends, and Serve returns only after its goroutines have exited.
//
// Cancelling ctx closes the connection with StatusGoingAway, the same frame
// Shutdown sends.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, identity envelope.UserID) error {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return ErrShuttingDown
	}
	h.serving.Add(1)
	h.mu.Unlock()
	defer h.serving.Done()

	c := NewClient(context.WithoutCancel(ctx), conn, identity, h.opts, h.log)
	if err := h.registry.AddConnection(c); err != nil {
		c.cancel()
		_ = conn.Close(websocket.StatusTryAgainLater, "relay unavailable")
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		c.setClose(websocket.StatusGoingAway, "server shutting down")
		h.registry.Unregister(c.id)
	})
	defer stop()
	c.log.Info("connection opened", "identity", identity, "connections", h.ClientCount())

	c.pumps.Add(2)
	go func() {
		defer c.pumps.Done()
		c.WritePump()
	}()
	go func() {
		defer c.pumps.Done()
		c.HeartbeatLoop(h.registry)
	}()

	defer func() {
		h.registry.Unregister(c.id)
		c.pumps.Wait()
		_ = conn.CloseNow()
		c.log.Info("connection closed", "connections", h.ClientCount())
	}()

	c.ReadPump(h.router)
	return nil
}

// Run logs registry statistics every interval until ctx is done.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conns, users := h.registry.Stats()
			h.log.Debug("registry stats", "connections", conns, "users", users)
		}
	}
}

// Shutdown closes every connection, refuses new ones and waits for the
// connection goroutines and pending message appends to finish, or for ctx.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	n := h.registry.Close()
	h.log.Info("hub shutting down", "connections", n)

	done := make(chan struct{})
	go func() {
		h.serving.Wait()
		h.router.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub stopped")
		return nil
	case <-ctx.Done():
		h.log.Warn("hub shutdown timed out, some connections may still be closing")
		return ctx.Err()
	}
}
