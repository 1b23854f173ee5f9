package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/samber/lo"
	bolt "go.etcd.io/bbolt"
)

var messagesBucket = []byte("messages")

// OpenDB opens (creating if needed) the bbolt file at path.
func OpenDB(path string) (*bolt.DB, error) {
	return bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
}

// BoltLog is a bbolt-backed MessageLog. Every conversation gets its own nested
// bucket under "messages"; keys are the big-endian creation time in
// nanoseconds followed by the bucket sequence, so a cursor walks a
// conversation in creation order.
type BoltLog struct {
	db *bolt.DB
}

// NewBoltLog creates or opens the message bucket in the given database.
func NewBoltLog(db *bolt.DB) (*BoltLog, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(messagesBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &BoltLog{db: db}, nil
}

// AppendMessage stores one message. bbolt has no cancellation, so ctx is only
// checked before the write transaction starts.
func (bl *BoltLog) AppendMessage(ctx context.Context, sender, receiver, body string, at time.Time) error {
	conv, err := conversationKey(sender, receiver)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(newRecord(sender, receiver, body, at))
	if err != nil {
		return err
	}

	return bl.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(messagesBucket).CreateBucketIfNotExists([]byte(conv))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(boltKey(at, seq), data)
	})
}

// History returns the last limit messages of the conversation between a and b.
func (bl *BoltLog) History(ctx context.Context, a, b string, limit int) ([]Record, error) {
	conv, err := conversationKey(a, b)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []Record
	err = bl.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messagesBucket).Bucket([]byte(conv))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) == limit {
				break
			}
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			records = append(records, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lo.Reverse(records), nil
}

// Sweep removes messages created more than ttl ago and drops conversations
// left empty.
func (bl *BoltLog) Sweep(ttl time.Duration) (int, error) {
	cutoff := boltKey(time.Now().Add(-ttl), 0)
	removed := 0
	err := bl.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(messagesBucket)
		var conversations [][]byte
		if err := root.ForEachBucket(func(k []byte) error {
			conversations = append(conversations, append([]byte{}, k...))
			return nil
		}); err != nil {
			return err
		}

		for _, conv := range conversations {
			b := root.Bucket(conv)
			var toDelete [][]byte
			c := b.Cursor()
			for k, _ := c.First(); k != nil && string(k) < string(cutoff); k, _ = c.Next() {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
			for _, k := range toDelete {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			removed += len(toDelete)

			if k, _ := b.Cursor().First(); k == nil {
				if err := root.DeleteBucket(conv); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return removed, err
}

// Close closes the underlying database.
func (bl *BoltLog) Close() error {
	return bl.db.Close()
}

func boltKey(at time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(at.UnixNano()))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}
