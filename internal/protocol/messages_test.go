package protocol

import (
	"encoding/json"
	"testing"

	"github.com/parley/sync-engine/internal/conversation"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","conversation_id":"abc-123","text":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.ConversationID != "abc-123" {
		t.Errorf("expected conversation_id %q, got %q", "abc-123", sm.ConversationID)
	}
	if sm.Text != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", sm.Text)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid typing message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Typing(t *testing.T) {
	input := []byte(`{"type":"typing","conversation_id":"abc-123","is_typing":true}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeTyping {
		t.Fatalf("expected type %q, got %q", TypeTyping, msgType)
	}

	tm, ok := msg.(TypingMsg)
	if !ok {
		t.Fatalf("expected TypingMsg, got %T", msg)
	}
	if !tm.IsTyping {
		t.Error("expected is_typing to be true")
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a conversation_state server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_ConversationState(t *testing.T) {
	payload := ConversationStateMsg{
		Conversation: &conversation.Conversation{
			ID:     "conv-1",
			Unread: 3,
		},
	}

	data, err := NewServerMessage(TypeConversationState, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Decode back and verify structure.
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeConversationState {
		t.Errorf("expected type %q, got %v", TypeConversationState, result["type"])
	}

	conv, ok := result["conversation"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected conversation to be an object, got %T", result["conversation"])
	}
	if conv["id"] != "conv-1" {
		t.Errorf("expected conversation id %q, got %v", "conv-1", conv["id"])
	}
	unread, ok := conv["unread"].(float64)
	if !ok {
		t.Fatalf("expected unread to be a number, got %T", conv["unread"])
	}
	if int(unread) != 3 {
		t.Errorf("expected unread 3, got %v", unread)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Round-trip fidelity (marshal -> unmarshal)
// ---------------------------------------------------------------------------

func TestRoundTrip_SendAccepted(t *testing.T) {
	original := SendAcceptedMsg{
		Type:           TypeSendAccepted,
		ConversationID: "conv-1",
		MessageID:      "pending-42",
	}

	// Create server message bytes.
	data, err := NewServerMessage(TypeSendAccepted, original)
	if err != nil {
		t.Fatalf("failed to create server message: %v", err)
	}

	// Unmarshal back into the struct.
	var decoded SendAcceptedMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if decoded.Type != TypeSendAccepted {
		t.Errorf("type mismatch: expected %q, got %q", TypeSendAccepted, decoded.Type)
	}
	if decoded.ConversationID != original.ConversationID {
		t.Errorf("conversation_id mismatch: expected %q, got %q", original.ConversationID, decoded.ConversationID)
	}
	if decoded.MessageID != original.MessageID {
		t.Errorf("message_id mismatch: expected %q, got %q", original.MessageID, decoded.MessageID)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"list_conversations", `{"type":"list_conversations"}`, TypeListConversations},
		{"open_conversation", `{"type":"open_conversation","conversation_id":"id1"}`, TypeOpenConversation},
		{"close_conversation", `{"type":"close_conversation","conversation_id":"id1"}`, TypeCloseConversation},
		{"send_message", `{"type":"send_message","conversation_id":"id1","text":"hi"}`, TypeSendMessage},
		{"mark_read", `{"type":"mark_read","conversation_id":"id1"}`, TypeMarkRead},
		{"typing", `{"type":"typing","conversation_id":"id1","is_typing":true}`, TypeTyping},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
