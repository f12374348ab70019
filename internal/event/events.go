// Package event defines the realtime event payloads exchanged over
// conversation and account channels. All payloads are serialized as JSON
// and validated once at ingestion into a concrete struct per event kind;
// nothing deeper in the pipeline handles raw bytes.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/parley/sync-engine/internal/conversation"
)

// Event kinds carried on conversation channels.
const (
	KindMessageCreated = "message-created"
	KindMessageUpdated = "message-updated"
	KindTyping         = "typing"
)

// Event kinds carried on the account-wide channel.
const (
	KindWatermarkChanged = "watermark-changed"
	KindMembership       = "new-membership"
)

// MessageCreated announces a server-confirmed message.
type MessageCreated struct {
	EventID        string    `json:"event_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`

	Attachments []conversation.Attachment `json:"attachments,omitempty"`
}

// Message converts the event into a store-ready confirmed message.
func (e *MessageCreated) Message() conversation.Message {
	return conversation.Message{
		ID:             e.MessageID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		Text:           e.Text,
		Attachments:    e.Attachments,
		CreatedAt:      e.CreatedAt,
		Status:         conversation.StatusDelivered,
	}
}

// MessageUpdated announces an edit to an existing message's content.
type MessageUpdated struct {
	EventID        string `json:"event_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Text           string `json:"text"`
}

// Typing is the ephemeral typing indicator. It is never persisted.
type Typing struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	IsTyping       bool   `json:"is_typing"`
}

// WatermarkChanged announces that a participant's read watermark moved,
// possibly from another device.
type WatermarkChanged struct {
	ConversationID string    `json:"conversation_id"`
	ParticipantID  string    `json:"participant_id"`
	Watermark      time.Time `json:"watermark"`
}

// Membership announces that the local participant was added to a
// conversation; the engine responds with a fresh load.
type Membership struct {
	ConversationID string `json:"conversation_id"`
	ParticipantID  string `json:"participant_id"`
}

// Decode parses the raw payload of an event of the given kind into its
// concrete struct. Unknown kinds and malformed payloads are errors; the
// subscription layer drops such events at the boundary.
func Decode(kind string, data []byte) (interface{}, error) {
	var (
		out interface{}
		err error
	)
	switch kind {
	case KindMessageCreated:
		var e MessageCreated
		err = json.Unmarshal(data, &e)
		out = &e
	case KindMessageUpdated:
		var e MessageUpdated
		err = json.Unmarshal(data, &e)
		out = &e
	case KindTyping:
		var e Typing
		err = json.Unmarshal(data, &e)
		out = &e
	case KindWatermarkChanged:
		var e WatermarkChanged
		err = json.Unmarshal(data, &e)
		out = &e
	case KindMembership:
		var e Membership
		err = json.Unmarshal(data, &e)
		out = &e
	default:
		return nil, fmt.Errorf("event: unknown kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("event: decode %q payload: %w", kind, err)
	}
	return out, nil
}

// Encode serializes an event payload for broadcast.
func Encode(payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("event: encode: %w", err)
	}
	return data, nil
}
