// Package backend defines the persisted-store boundary the engine syncs
// against, and provides the PostgreSQL implementation. Every call is
// fallible and context-aware; the engine never assumes a call succeeded.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/parley/sync-engine/internal/conversation"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("backend: not found")

// ConversationSummary is one row of a participant's conversation listing.
type ConversationSummary struct {
	ID           string
	LastActivity time.Time
}

// Store is the persisted source of truth behind the in-memory cache.
type Store interface {
	// ListConversations returns the conversations a participant belongs
	// to, most recently active first.
	ListConversations(ctx context.Context, participantID string) ([]ConversationSummary, error)

	// ListMessages returns up to limit most recent messages of a
	// conversation in chronological order.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error)

	// CreateMessage persists a new message and returns the confirmed
	// record with its server-assigned id and timestamp.
	CreateMessage(ctx context.Context, conversationID, senderID, text string) (*conversation.Message, error)

	// SetWatermark records a participant's read watermark. Watermarks are
	// last-write-wins but never move backward.
	SetWatermark(ctx context.Context, conversationID, participantID string, watermark time.Time) error

	// GetWatermark returns a participant's read watermark for a
	// conversation, or the zero time if none was ever set.
	GetWatermark(ctx context.Context, conversationID, participantID string) (time.Time, error)

	// ListParticipants returns the members of a conversation.
	ListParticipants(ctx context.Context, conversationID string) ([]conversation.Participant, error)
}
