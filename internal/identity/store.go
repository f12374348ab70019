package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parley/sync-engine/internal/conversation"
)

const (
	// ParticipantPrefix is the Redis key prefix for participant hashes.
	ParticipantPrefix = "participant:"

	// PresenceTTL is how long a participant record stays warm without a
	// Touch. After it lapses, the participant reads as offline.
	PresenceTTL = 1 * time.Hour
)

// Store keeps participant identity and presence state in Redis. Presence
// and last-active are the only mutable fields; everything else is written
// once at registration.
type Store struct {
	client *redis.Client
}

// NewStore creates a participant store connected to Redis.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("identity: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// record is the Redis hash layout for a participant.
type record struct {
	ID          string `redis:"id"`
	DisplayName string `redis:"display_name"`
	AvatarURL   string `redis:"avatar_url"`
	Presence    string `redis:"presence"`
	LastActive  int64  `redis:"last_active"`
}

// Register writes a participant record with online presence and the
// standard TTL.
func (s *Store) Register(ctx context.Context, p *conversation.Participant) error {
	key := ParticipantPrefix + p.ID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":           p.ID,
		"display_name": p.DisplayName,
		"avatar_url":   p.AvatarURL,
		"presence":     conversation.PresenceOnline,
		"last_active":  now,
	})
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a participant. Returns nil if not found.
func (s *Store) Get(ctx context.Context, participantID string) (*conversation.Participant, error) {
	key := ParticipantPrefix + participantID
	var rec record
	if err := s.client.HGetAll(ctx, key).Scan(&rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		return nil, nil // not found
	}
	return &conversation.Participant{
		ID:          rec.ID,
		DisplayName: rec.DisplayName,
		AvatarURL:   rec.AvatarURL,
		Presence:    rec.Presence,
		LastActive:  time.Unix(rec.LastActive, 0),
	}, nil
}

// SetPresence updates a participant's presence state and last-active
// timestamp, refreshing the TTL.
func (s *Store) SetPresence(ctx context.Context, participantID, presence string) error {
	key := ParticipantPrefix + participantID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "presence", presence, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch refreshes last-active and the TTL without changing presence.
func (s *Store) Touch(ctx context.Context, participantID string) error {
	key := ParticipantPrefix + participantID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages
// (rate limiter).
func (s *Store) Client() *redis.Client {
	return s.client
}

// Resolver returns a Resolver bound to one participant id. Resolution
// fails with ErrUnresolved until the participant record exists in Redis.
func (s *Store) Resolver(participantID string) Resolver {
	return &storeResolver{store: s, participantID: participantID}
}

type storeResolver struct {
	store         *Store
	participantID string
}

func (r *storeResolver) ResolveCurrentIdentity(ctx context.Context) (*conversation.Participant, error) {
	p, err := r.store.Get(ctx, r.participantID)
	if err != nil {
		return nil, fmt.Errorf("identity: resolve %s: %w", r.participantID, err)
	}
	if p == nil {
		return nil, ErrUnresolved
	}
	return p, nil
}
