package hub

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/courier-chat/courier/internal/envelope"
	"github.com/mama165/sdk-go/logs"
)

func testLogger() *slog.Logger {
	return logs.GetLoggerFromLevel(slog.LevelDebug)
}

// newTestClient builds a Client without a socket, enough for registry and
// router tests that only look at the send queue.
func newTestClient(identity envelope.UserID, queue int) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	id := newConnectionID()
	return &Client{
		id:       id,
		identity: identity,
		send:     make(chan []byte, queue),
		ctx:      ctx,
		cancel:   cancel,
		opts:     DefaultOptions(),
		log:      testLogger().With("conn", id),
	}
}

func addClient(t *testing.T, r *Registry, identity envelope.UserID) *Client {
	t.Helper()
	c := newTestClient(identity, 8)
	if err := r.AddConnection(c); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	return c
}

func registerClient(t *testing.T, r *Registry, user envelope.UserID) *Client {
	t.Helper()
	c := addClient(t, r, "")
	if _, err := r.Register(c.id, user); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return c
}

func receive(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("no message queued on %s", c.id)
		return nil
	}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		if ok {
			t.Fatalf("unexpected message on %s: %s", c.id, msg)
		}
	default:
	}
}
