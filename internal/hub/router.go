package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/courier-chat/courier/internal/envelope"
)

// MessageAppender is the durable side of a relayed message.
type MessageAppender interface {
	AppendMessage(ctx context.Context, sender, receiver, body string, at time.Time) error
}

// Router turns inbound envelopes into registry operations. Delivery and
// persistence are independent: a message is queued to every live connection
// of its recipient and, separately, appended to the message log. Neither
// outcome affects the other and the sender is never told about either.
type Router struct {
	registry       *Registry
	messages       MessageAppender
	persistTimeout time.Duration
	now            func() time.Time
	log            *slog.Logger
	inflight       sync.WaitGroup
}

// NewRouter builds a router. messages may be nil, in which case nothing is
// persisted.
func NewRouter(registry *Registry, messages MessageAppender, persistTimeout time.Duration, log *slog.Logger) *Router {
	return &Router{
		registry:       registry,
		messages:       messages,
		persistTimeout: persistTimeout,
		now:            time.Now,
		log:            log,
	}
}

// Dispatch handles one envelope received on from.
func (r *Router) Dispatch(ctx context.Context, from *Client, env envelope.Envelope) {
	switch e := env.(type) {
	case envelope.Register:
		r.register(from, e)
	case envelope.Message:
		r.relay(ctx, from, e)
	default:
		r.log.Debug("ignoring envelope", "conn", from.id, "command", env.Command())
	}
}

func (r *Router) register(from *Client, e envelope.Register) {
	if from.identity != "" && e.UserID != from.identity {
		r.log.Warn("rejecting register for another user",
			"conn", from.id,
			"identity", from.identity,
			"user", e.UserID,
		)
		return
	}

	previous, err := r.registry.Register(from.id, e.UserID)
	if err != nil {
		r.log.Warn("register failed", "conn", from.id, "user", e.UserID, "error", err)
		return
	}
	if previous != "" && previous != e.UserID {
		r.log.Info("connection re-registered", "conn", from.id, "from", previous, "to", e.UserID)
	} else {
		r.log.Info("connection registered", "conn", from.id, "user", e.UserID)
	}

	ack, err := envelope.Encode(envelope.Registered{UserID: e.UserID, ConnectionID: string(from.id)})
	if err != nil {
		r.log.Error("encode registered ack", "error", err)
		return
	}
	r.registry.SendTo(from.id, ack)
}

func (r *Router) relay(ctx context.Context, from *Client, e envelope.Message) {
	if from.identity != "" && e.From != from.identity {
		r.log.Warn("dropping message with forged sender",
			"conn", from.id,
			"identity", from.identity,
			"from", e.From,
		)
		return
	}

	payload, err := envelope.Encode(e)
	if err != nil {
		r.log.Error("encode message", "conn", from.id, "error", err)
		return
	}

	if n := r.registry.Deliver(e.To, payload); n == 0 {
		r.log.Debug("recipient offline, message dropped", "from", e.From, "to", e.To)
	} else {
		r.log.Debug("message delivered", "from", e.From, "to", e.To, "connections", n)
	}

	r.persist(ctx, e)
}

// persist appends e on its own goroutine. The connection's cancellation is
// detached so a sender disconnecting right after sending does not lose the
// record.
func (r *Router) persist(ctx context.Context, e envelope.Message) {
	if r.messages == nil {
		return
	}
	at := r.now().UTC()
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
		defer cancel()
		if err := r.messages.AppendMessage(ctx, string(e.From), string(e.To), e.Body, at); err != nil {
			r.log.Error("persist message failed", "from", e.From, "to", e.To, "error", err)
		}
	}()
}

// Wait blocks until every pending append has finished.
func (r *Router) Wait() {
	r.inflight.Wait()
}
