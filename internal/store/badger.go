package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
)

const badgerPrefix = "msg" + conversationEnd

// OpenBadger opens (creating if needed) the Badger directory at dir.
func OpenBadger(dir string) (*badger.DB, error) {
	return badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
}

// BadgerLog is a Badger-backed MessageLog.
//
// Keys are formatted as "msg␞{a}␟{b}␞{timestamp}␞{uuid}" where the timestamp is
// zero padded to 19 digits so lexicographical order is chronological, and the
// uuid keeps two messages written in the same nanosecond apart. When a
// retention is configured every entry carries a Badger TTL and expires on its
// own.
type BadgerLog struct {
	db        *badger.DB
	retention time.Duration
	log       *slog.Logger
}

// NewBadgerLog wraps db. A positive retention sets a TTL on every new entry.
func NewBadgerLog(db *badger.DB, retention time.Duration, log *slog.Logger) *BadgerLog {
	return &BadgerLog{db: db, retention: retention, log: log}
}

// AppendMessage stores one message under its conversation prefix.
func (bl *BadgerLog) AppendMessage(ctx context.Context, sender, receiver, body string, at time.Time) error {
	conv, err := conversationKey(sender, receiver)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := newRecord(sender, receiver, body, at)
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%019d%s%s",
		conversationPrefix(conv), record.At.UnixNano(), conversationEnd, record.ID)

	entry := badger.NewEntry([]byte(key), data)
	if bl.retention > 0 {
		entry = entry.WithTTL(bl.retention)
	}
	return bl.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

// History scans the conversation prefix backwards from its newest key and
// stops once limit messages were collected.
func (bl *BadgerLog) History(ctx context.Context, a, b string, limit int) ([]Record, error) {
	conv, err := conversationKey(a, b)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(conversationPrefix(conv))
	var records []Record
	err = bl.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(append(append([]byte{}, prefix...), 0xff)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(records) == limit {
				bl.log.Debug("history limit reached", "limit", limit)
				break
			}
			err := it.Item().Value(func(value []byte) error {
				var r Record
				if err := json.Unmarshal(value, &r); err != nil {
					return err
				}
				records = append(records, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lo.Reverse(records), nil
}

// Sweep deletes entries older than ttl. Entries written while a retention was
// configured expire by TTL already; this covers the ones written before.
func (bl *BadgerLog) Sweep(ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl).UnixNano()
	var toDelete [][]byte
	err := bl.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		options.Prefix = []byte(badgerPrefix)
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			at, ok := badgerKeyTime(string(key))
			if !ok {
				bl.log.Warn("skipping unparsable message key", "key", string(key))
				continue
			}
			if at < cutoff {
				toDelete = append(toDelete, key)
			}
		}
		return nil
	})
	if err != nil || len(toDelete) == 0 {
		return 0, err
	}

	wb := bl.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range toDelete {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(toDelete), nil
}

// Close closes the underlying database.
func (bl *BadgerLog) Close() error {
	return bl.db.Close()
}

func conversationPrefix(conv string) string {
	return badgerPrefix + conv + conversationEnd
}

// badgerKeyTime extracts the timestamp segment of a message key.
func badgerKeyTime(key string) (int64, bool) {
	parts := strings.Split(key, conversationEnd)
	if len(parts) != 4 {
		return 0, false
	}
	at, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, false
	}
	return at, true
}
