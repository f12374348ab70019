package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // postgres driver

	"github.com/parley/sync-engine/internal/conversation"
)

// PostgresStore implements Store against PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool for the given DSN and verifies
// connectivity.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("backend: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("backend: postgres connection failed: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// ListConversations returns the participant's conversations ordered by
// most recent message, newest first. Conversations with no messages sort
// last.
func (s *PostgresStore) ListConversations(ctx context.Context, participantID string) ([]ConversationSummary, error) {
	const query = `
		SELECT c.id, COALESCE(MAX(m.created_at), 'epoch'::timestamptz)
		FROM conversations c
		JOIN conversation_members cm ON cm.conversation_id = c.id
		LEFT JOIN messages m ON m.conversation_id = c.id
		WHERE cm.participant_id = $1
		GROUP BY c.id
		ORDER BY 2 DESC`

	rows, err := s.db.QueryContext(ctx, query, participantID)
	if err != nil {
		return nil, fmt.Errorf("backend: list conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var cs ConversationSummary
		if err := rows.Scan(&cs.ID, &cs.LastActivity); err != nil {
			return nil, fmt.Errorf("backend: scan conversation: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// ListMessages returns the limit most recent messages in chronological
// order.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error) {
	const query = `
		SELECT id, sender_id, body, created_at
		FROM (
			SELECT id, sender_id, body, created_at
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("backend: list messages: %w", err)
	}
	defer rows.Close()

	var out []conversation.Message
	for rows.Next() {
		msg := conversation.Message{
			ConversationID: conversationID,
			Status:         conversation.StatusDelivered,
		}
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.Text, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("backend: scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// CreateMessage inserts a message and returns the confirmed record. The
// id is generated here; the creation timestamp is assigned by the
// database so ordering is consistent across writers.
func (s *PostgresStore) CreateMessage(ctx context.Context, conversationID, senderID, text string) (*conversation.Message, error) {
	const query = `
		INSERT INTO messages (id, conversation_id, sender_id, body)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	msg := &conversation.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		Status:         conversation.StatusDelivered,
	}
	err := s.db.QueryRowContext(ctx, query, msg.ID, conversationID, senderID, text).Scan(&msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("backend: create message: %w", err)
	}
	return msg, nil
}

// SetWatermark upserts a read watermark. GREATEST keeps the watermark
// monotonic under concurrent reads from multiple devices.
func (s *PostgresStore) SetWatermark(ctx context.Context, conversationID, participantID string, watermark time.Time) error {
	const query = `
		INSERT INTO read_watermarks (conversation_id, participant_id, watermark)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, participant_id)
		DO UPDATE SET watermark = GREATEST(read_watermarks.watermark, EXCLUDED.watermark)`

	if _, err := s.db.ExecContext(ctx, query, conversationID, participantID, watermark); err != nil {
		return fmt.Errorf("backend: set watermark: %w", err)
	}
	return nil
}

// GetWatermark returns the stored watermark, or the zero time when the
// participant has never read the conversation.
func (s *PostgresStore) GetWatermark(ctx context.Context, conversationID, participantID string) (time.Time, error) {
	const query = `
		SELECT watermark
		FROM read_watermarks
		WHERE conversation_id = $1 AND participant_id = $2`

	var wm time.Time
	err := s.db.QueryRowContext(ctx, query, conversationID, participantID).Scan(&wm)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("backend: get watermark: %w", err)
	}
	return wm, nil
}

// ListParticipants returns the members of a conversation.
func (s *PostgresStore) ListParticipants(ctx context.Context, conversationID string) ([]conversation.Participant, error) {
	const query = `
		SELECT participant_id, display_name, avatar_url
		FROM conversation_members
		WHERE conversation_id = $1`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("backend: list participants: %w", err)
	}
	defer rows.Close()

	var out []conversation.Participant
	for rows.Next() {
		p := conversation.Participant{Presence: conversation.PresenceOffline}
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, fmt.Errorf("backend: scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
