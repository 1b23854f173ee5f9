package hub

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/courier-chat/courier/internal/envelope"
	"github.com/samber/lo"
)

var (
	ErrDuplicateConnection = errors.New("connection already added")
	ErrUnknownConnection   = errors.New("unknown connection")
	ErrRegistryClosed      = errors.New("registry closed")
)

type connSet map[ConnectionID]struct{}

// Registry maps users to their live connections. It is the only state
// shared between connection goroutines and is guarded by a single RWMutex.
//
// Sends onto a client's queue happen under the read lock and the queue is
// only closed under the write lock, so a concurrent Unregister can never make
// a fan-out send on a closed channel: the message is dropped instead.
//
// A connection is registered under at most one user. Registering it again
// under another user moves it.
type Registry struct {
	mu     sync.RWMutex
	conns  map[ConnectionID]*Client
	users  map[envelope.UserID]connSet
	owners map[ConnectionID]envelope.UserID
	closed bool
	log    *slog.Logger
}

// NewRegistry returns an empty, open registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[ConnectionID]*Client),
		users:  make(map[envelope.UserID]connSet),
		owners: make(map[ConnectionID]envelope.UserID),
		log:    log,
	}
}

// AddConnection records a freshly accepted connection with no user yet.
func (r *Registry) AddConnection(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if _, ok := r.conns[c.id]; ok {
		return ErrDuplicateConnection
	}
	r.conns[c.id] = c
	return nil
}

// Register binds id to user and returns the user it was previously bound to,
// if any.
func (r *Registry) Register(id ConnectionID, user envelope.UserID) (envelope.UserID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return "", ErrUnknownConnection
	}
	previous := r.owners[id]
	if previous == user {
		return previous, nil
	}
	r.detach(id)

	set, ok := r.users[user]
	if !ok {
		set = make(connSet)
		r.users[user] = set
	}
	set[id] = struct{}{}
	r.owners[id] = user
	return previous, nil
}

// detach removes id from its user's set. Caller holds the write lock.
func (r *Registry) detach(id ConnectionID) {
	user, ok := r.owners[id]
	if !ok {
		return
	}
	delete(r.owners, id)
	if set := r.users[user]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(r.users, user)
		}
	}
}

// Unregister forgets id, closes its send queue and cancels its context. It
// reports whether id was known; calling it again is a no-op.
func (r *Registry) Unregister(id ConnectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return false
	}
	delete(r.conns, id)
	r.detach(id)
	close(c.send)
	c.cancel()
	return true
}

// UserOf returns the user id is registered under.
func (r *Registry) UserOf(id ConnectionID) (envelope.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.owners[id]
	return u, ok
}

// Lookup returns the live client for id.
func (r *Registry) Lookup(id ConnectionID) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// ConnectionsFor returns a snapshot of user's live connections. It is empty
// when the user is offline.
func (r *Registry) ConnectionsFor(user envelope.UserID) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(lo.Keys(r.users[user]), func(id ConnectionID, _ int) *Client {
		return r.conns[id]
	})
}

// Deliver queues payload on every connection of user and returns how many
// accepted it. Connections whose queue is full are evicted.
func (r *Registry) Deliver(user envelope.UserID, payload []byte) int {
	r.mu.RLock()
	delivered := 0
	var full []ConnectionID
	for id := range r.users[user] {
		select {
		case r.conns[id].send <- payload:
			delivered++
		default:
			full = append(full, id)
		}
	}
	r.mu.RUnlock()

	r.evict(full)
	return delivered
}

// SendTo queues payload on a single connection.
func (r *Registry) SendTo(id ConnectionID, payload []byte) bool {
	r.mu.RLock()
	c, ok := r.conns[id]
	sent := false
	if ok {
		select {
		case c.send <- payload:
			sent = true
		default:
		}
	}
	r.mu.RUnlock()

	if ok && !sent {
		r.evict([]ConnectionID{id})
	}
	return sent
}

// evict shuts down slow consumers. Must be called without the lock held.
func (r *Registry) evict(ids []ConnectionID) {
	for _, id := range ids {
		c, ok := r.Lookup(id)
		if !ok {
			continue
		}
		c.setClose(websocket.StatusPolicyViolation, "slow consumer")
		if r.Unregister(id) {
			r.log.Warn("evicted connection with full send queue", "conn", id)
		}
	}
}

// Close unregisters every connection and refuses new ones. It returns the
// number of connections that were shut down.
func (r *Registry) Close() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0
	}
	r.closed = true
	n := len(r.conns)
	for id, c := range r.conns {
		c.setClose(websocket.StatusGoingAway, "server shutting down")
		close(c.send)
		c.cancel()
		delete(r.conns, id)
	}
	clear(r.users)
	clear(r.owners)
	return n
}

// Stats returns the number of live connections and of users with at least
// one registered connection.
func (r *Registry) Stats() (connections, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), len(r.users)
}
