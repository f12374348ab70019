package event

import (
	"testing"
	"time"

	"github.com/parley/sync-engine/internal/conversation"
)

func TestDecodeMessageCreated(t *testing.T) {
	data := []byte(`{
		"event_id": "e1",
		"conversation_id": "c1",
		"message_id": "m1",
		"sender_id": "a",
		"text": "hello",
		"created_at": "2026-08-30T12:00:00Z"
	}`)

	out, err := Decode(KindMessageCreated, data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	ev, ok := out.(*MessageCreated)
	if !ok {
		t.Fatalf("expected *MessageCreated, got %T", out)
	}
	if ev.MessageID != "m1" || ev.SenderID != "a" || ev.Text != "hello" {
		t.Errorf("unexpected event fields: %+v", ev)
	}

	msg := ev.Message()
	if msg.Status != conversation.StatusDelivered {
		t.Errorf("expected delivered status, got %s", msg.Status)
	}
	if !msg.CreatedAt.Equal(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected timestamp: %s", msg.CreatedAt)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	if _, err := Decode("presence-pulse", []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestDecodeMalformedPayload(t *testing.T) {
	if _, err := Decode(KindTyping, []byte(`{nope`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestEncodeDecodeTyping(t *testing.T) {
	data, err := Encode(&Typing{ConversationID: "c1", SenderID: "a", IsTyping: true})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	out, err := Decode(KindTyping, data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	ev := out.(*Typing)
	if !ev.IsTyping || ev.SenderID != "a" {
		t.Errorf("unexpected typing event: %+v", ev)
	}
}
