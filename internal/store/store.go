//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks

// Package store persists relayed chat messages. Two backends implement
// MessageLog: a bbolt file (the default) and a Badger directory.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DriverBolt   = "bolt"
	DriverBadger = "badger"
)

// Separators used to build conversation keys. Participants containing them
// are rejected; user ids never carry control characters.
const (
	participantSep  = "\x1f"
	conversationEnd = "\x1e"
)

var (
	ErrInvalidParticipant = errors.New("invalid conversation participant")
	ErrUnknownDriver      = errors.New("unknown store driver")
)

// Record is one persisted chat message.
type Record struct {
	ID       uuid.UUID `json:"id"`
	Sender   string    `json:"sender"`
	Receiver string    `json:"receiver"`
	Body     string    `json:"message"`
	At       time.Time `json:"createdAt"`
}

// MessageLog is the durable message log behind the relay.
type MessageLog interface {
	// AppendMessage stores one message sent from sender to receiver at the
	// given time.
	AppendMessage(ctx context.Context, sender, receiver, body string, at time.Time) error
	// History returns the most recent limit messages exchanged between a and
	// b, in either direction, ordered by creation time ascending. A limit of
	// zero or less returns the whole conversation.
	History(ctx context.Context, a, b string, limit int) ([]Record, error)
	// Sweep deletes messages older than ttl and returns how many were removed.
	Sweep(ttl time.Duration) (int, error)
	Close() error
}

// Open opens the backend selected by driver at path.
func Open(driver, path string, retention time.Duration, log *slog.Logger) (MessageLog, error) {
	switch driver {
	case DriverBolt:
		db, err := OpenDB(path)
		if err != nil {
			return nil, err
		}
		ml, err := NewBoltLog(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return ml, nil
	case DriverBadger:
		db, err := OpenBadger(path)
		if err != nil {
			return nil, err
		}
		return NewBadgerLog(db, retention, log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// RunRetention sweeps ml every interval until ctx is done.
func RunRetention(ctx context.Context, ml MessageLog, ttl, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ml.Sweep(ttl)
			if err != nil {
				log.Error("message retention sweep failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("expired messages removed", "count", n, "ttl", ttl)
			}
		}
	}
}

// conversationKey orders the two participants so both directions of a
// conversation share one key.
func conversationKey(a, b string) (string, error) {
	for _, p := range []string{a, b} {
		if p == "" || strings.ContainsAny(p, participantSep+conversationEnd) {
			return "", fmt.Errorf("%w: %q", ErrInvalidParticipant, p)
		}
	}
	if b < a {
		a, b = b, a
	}
	return a + participantSep + b, nil
}

func newRecord(sender, receiver, body string, at time.Time) Record {
	return Record{
		ID:       uuid.New(),
		Sender:   sender,
		Receiver: receiver,
		Body:     body,
		At:       at.UTC(),
	}
}
