package conversation

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func msgAt(id, sender string, sec int64) Message {
	return Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Text:           "msg-" + id,
		CreatedAt:      time.Unix(sec, 0),
		Status:         StatusDelivered,
	}
}

func TestUpsertInsertsAndDeduplicates(t *testing.T) {
	s := NewStore()

	s.UpsertMessage("c1", msgAt("m1", "a", 1))
	s.UpsertMessage("c1", msgAt("m2", "b", 2))
	// Duplicate delivery of m1 must replace, not append.
	s.UpsertMessage("c1", msgAt("m1", "a", 1))

	conv := s.Get("c1")
	if conv == nil {
		t.Fatal("conversation not created by upsert")
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(conv.Messages))
	}
	if conv.LastMessage == nil || conv.LastMessage.ID != "m2" {
		t.Errorf("last message not maintained: %+v", conv.LastMessage)
	}
}

func TestUpsertResortsOutOfOrderArrival(t *testing.T) {
	s := NewStore()

	s.UpsertMessage("c1", msgAt("m3", "a", 3))
	s.UpsertMessage("c1", msgAt("m1", "a", 1))
	s.UpsertMessage("c1", msgAt("m2", "a", 2))

	conv := s.Get("c1")
	want := []string{"m1", "m2", "m3"}
	for i, id := range want {
		if conv.Messages[i].ID != id {
			t.Errorf("index %d: expected %s, got %s", i, id, conv.Messages[i].ID)
		}
	}
}

func TestReplacePlaceholderPreservesPosition(t *testing.T) {
	s := NewStore()

	s.UpsertMessage("c1", msgAt("m1", "b", 1))
	placeholder := msgAt("local-1", "a", 2)
	placeholder.Status = StatusSending
	placeholder.Placeholder = true
	s.UpsertMessage("c1", placeholder)
	s.UpsertMessage("c1", msgAt("m3", "b", 3))

	confirmed := msgAt("m2", "a", 2)
	if !s.ReplacePlaceholder("c1", "local-1", confirmed) {
		t.Fatal("expected placeholder swap to succeed")
	}

	conv := s.Get("c1")
	if len(conv.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(conv.Messages))
	}
	if conv.Messages[1].ID != "m2" {
		t.Errorf("confirmed message not in placeholder position: %+v", conv.Messages)
	}
	if conv.Messages[1].Status != StatusDelivered {
		t.Errorf("expected delivered status, got %s", conv.Messages[1].Status)
	}
}

func TestReplacePlaceholderMissing(t *testing.T) {
	s := NewStore()
	s.UpsertMessage("c1", msgAt("m1", "a", 1))

	if s.ReplacePlaceholder("c1", "local-gone", msgAt("m2", "a", 2)) {
		t.Fatal("expected swap of unknown placeholder to report false")
	}
	if s.ReplacePlaceholder("nope", "local-gone", msgAt("m2", "a", 2)) {
		t.Fatal("expected swap on unknown conversation to report false")
	}
}

func TestRemoveMessage(t *testing.T) {
	s := NewStore()
	s.UpsertMessage("c1", msgAt("m1", "a", 1))
	s.UpsertMessage("c1", msgAt("m2", "a", 2))

	s.RemoveMessage("c1", "m2")

	conv := s.Get("c1")
	if len(conv.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(conv.Messages))
	}
	if conv.LastMessage == nil || conv.LastMessage.ID != "m1" {
		t.Errorf("last message not recomputed after removal")
	}

	// Removing again must be a no-op.
	s.RemoveMessage("c1", "m2")
	s.RemoveMessage("absent", "m2")
}

func TestUnreadClampAndTotal(t *testing.T) {
	s := NewStore()
	s.Put(&Conversation{ID: "c1"})
	s.Put(&Conversation{ID: "c2"})

	s.SetUnread("c1", 3)
	s.SetUnread("c2", -5)

	if got := s.Get("c1").Unread; got != 3 {
		t.Errorf("expected unread 3, got %d", got)
	}
	if got := s.Get("c2").Unread; got != 0 {
		t.Errorf("expected clamped unread 0, got %d", got)
	}
	if got := s.UnreadTotal(); got != 3 {
		t.Errorf("expected total 3, got %d", got)
	}
}

func TestWatchDeliversSnapshots(t *testing.T) {
	s := NewStore()
	s.Put(&Conversation{ID: "c1"})

	ch, watchID := s.Watch("c1")
	defer s.Unwatch("c1", watchID)

	s.UpsertMessage("c1", msgAt("m1", "a", 1))

	select {
	case snap := <-ch:
		if len(snap.Messages) != 1 || snap.Messages[0].ID != "m1" {
			t.Errorf("unexpected snapshot: %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered to watcher")
	}
}

func TestUnwatchClosesChannel(t *testing.T) {
	s := NewStore()
	ch, watchID := s.Watch("c1")
	s.Unwatch("c1", watchID)

	if _, open := <-ch; open {
		t.Fatal("expected watcher channel to be closed")
	}

	// Mutations after unwatch must not panic.
	s.UpsertMessage("c1", msgAt("m1", "a", 1))
}

func TestSnapshotIsolation(t *testing.T) {
	s := NewStore()
	s.UpsertMessage("c1", msgAt("m1", "a", 1))

	conv := s.Get("c1")
	conv.Messages[0].Text = "tampered"
	conv.Unread = 99

	fresh := s.Get("c1")
	if fresh.Messages[0].Text == "tampered" {
		t.Error("store state leaked through snapshot copy")
	}
	if fresh.Unread == 99 {
		t.Error("unread leaked through snapshot copy")
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore()
	goroutines := 50
	perGoroutine := 20

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for m := 0; m < perGoroutine; m++ {
				s.UpsertMessage("c1", msgAt(fmt.Sprintf("g%d-m%d", id, m), "a", int64(id*perGoroutine+m)))
				_ = s.Get("c1")
				s.SetTyping("c1", m%2 == 0)
			}
		}(g)
	}
	wg.Wait()

	conv := s.Get("c1")
	if len(conv.Messages) != goroutines*perGoroutine {
		t.Fatalf("expected %d messages, got %d", goroutines*perGoroutine, len(conv.Messages))
	}
	for i := 1; i < len(conv.Messages); i++ {
		if conv.Messages[i].CreatedAt.Before(conv.Messages[i-1].CreatedAt) {
			t.Fatal("messages out of chronological order after concurrent upserts")
		}
	}
}
