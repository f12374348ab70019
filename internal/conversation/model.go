// Package conversation holds the client-side cache of conversations,
// messages, and derived state (unread counts, typing flags). The Store is
// the single source of truth observed by the UI layer; every other
// component mutates it through merge-aware methods and never performs I/O
// from inside the store.
package conversation

import (
	"time"
)

// DeliveryStatus tracks a message through the optimistic-send pipeline.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"   // local placeholder, not yet confirmed
	StatusDelivered DeliveryStatus = "delivered" // server-confirmed
	StatusRead      DeliveryStatus = "read"      // covered by a remote read watermark
)

// Presence states for participants, updated by the external presence feed.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Participant is one member of a conversation. Everything except Presence
// and LastActive is immutable once resolved.
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Presence    string    `json:"presence"`
	LastActive  time.Time `json:"last_active"`
}

// Attachment is a media reference carried by a message.
type Attachment struct {
	URL  string `json:"url"`
	Kind string `json:"kind"` // "image", "video", "audio", "file"
}

// Reaction is a single emoji reaction by a participant.
type Reaction struct {
	ParticipantID string `json:"participant_id"`
	Emoji         string `json:"emoji"`
}

// Message is one entry in a conversation's chronological sequence. While a
// send is in flight the ID is a locally generated placeholder id and
// Placeholder is true; reconciliation swaps in the server record.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Text           string         `json:"text"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	Reactions      []Reaction     `json:"reactions,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Status         DeliveryStatus `json:"status"`
	Placeholder    bool           `json:"placeholder,omitempty"`
}

// Conversation is the cached view of one multi-party conversation.
// Messages are ordered by creation timestamp. The struct is owned by the
// Store; callers receive copies and never mutate shared state directly.
type Conversation struct {
	ID           string                 `json:"id"`
	Messages     []Message              `json:"messages"`
	Participants map[string]Participant `json:"participants"`
	LastMessage  *Message               `json:"last_message,omitempty"`
	Unread       int                    `json:"unread"`
	IsTyping     bool                   `json:"is_typing"`
}

// LastActivity returns the timestamp of the newest message, or the zero
// time for an empty conversation. Used by the retention sweeper to rank
// conversations.
func (c *Conversation) LastActivity() time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.CreatedAt
}

// clone produces a deep enough copy for handing out to observers: the
// message slice and participant map are copied, message contents are
// value types apart from attachment/reaction slices which are never
// mutated in place.
func (c *Conversation) clone() *Conversation {
	out := &Conversation{
		ID:       c.ID,
		Unread:   c.Unread,
		IsTyping: c.IsTyping,
	}
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	out.Participants = make(map[string]Participant, len(c.Participants))
	for id, p := range c.Participants {
		out.Participants[id] = p
	}
	if n := len(out.Messages); n > 0 {
		last := out.Messages[n-1]
		out.LastMessage = &last
	}
	return out
}
