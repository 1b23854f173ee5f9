package store

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestConversationKey_IsSymmetric(t *testing.T) {
	ab, err := conversationKey("alice", "bob")
	if err != nil {
		t.Fatalf("conversationKey: %v", err)
	}
	ba, err := conversationKey("bob", "alice")
	if err != nil {
		t.Fatalf("conversationKey: %v", err)
	}
	if ab != ba {
		t.Fatalf("expected symmetric keys, got %q and %q", ab, ba)
	}
}

func TestConversationKey_RejectsSeparators(t *testing.T) {
	for _, p := range []string{"", "a\x1fb", "a\x1eb"} {
		if _, err := conversationKey(p, "bob"); !errors.Is(err, ErrInvalidParticipant) {
			t.Errorf("participant %q: expected ErrInvalidParticipant, got %v", p, err)
		}
	}
}

func TestBoltKey_OrdersByTimeThenSequence(t *testing.T) {
	at := time.Unix(1700000000, 0)

	if bytes.Compare(boltKey(at, 2), boltKey(at.Add(time.Nanosecond), 1)) >= 0 {
		t.Error("expected earlier timestamp to sort first")
	}
	if bytes.Compare(boltKey(at, 1), boltKey(at, 2)) >= 0 {
		t.Error("expected lower sequence to sort first")
	}
}

func TestBadgerKeyTime(t *testing.T) {
	conv, _ := conversationKey("1", "2")
	key := conversationPrefix(conv) + "0001700000000000000000" + conversationEnd + "id"
	if _, ok := badgerKeyTime(key); !ok {
		t.Fatal("expected key to parse")
	}
	if _, ok := badgerKeyTime("garbage"); ok {
		t.Fatal("expected garbage key to be rejected")
	}
}
