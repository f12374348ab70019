// Package retention bounds the in-memory conversation cache. A periodic
// sweep ranks cached conversations by recency and evicts the ones past
// the capacity or age limits, always through the engine's eviction path
// so channel teardown precedes cache removal.
package retention

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/parley/sync-engine/internal/conversation"
	"github.com/parley/sync-engine/internal/metrics"
)

// Config tunes the sweeper. The zero value selects all defaults.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration

	// MaxAge evicts conversations whose newest message is older than
	// this. Zero disables the age limit. Conversations with no messages
	// are exempt; they are ranked last by the capacity limit instead.
	MaxAge time.Duration

	// MaxConversations caps the cache size; the least recently active
	// conversations are evicted past it. Zero disables the cap.
	MaxConversations int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         time.Minute,
		MaxAge:           24 * time.Hour,
		MaxConversations: 200,
	}
}

// Evictor removes one conversation: channel teardown first, then the
// cache entry. The engine implements this.
type Evictor interface {
	EvictConversation(conversationID string)
}

// Sweeper runs the retention policy over a conversation store.
type Sweeper struct {
	cfg     Config
	store   *conversation.Store
	evictor Evictor
}

// NewSweeper creates a sweeper. Zero config fields take defaults.
func NewSweeper(cfg Config, store *conversation.Store, evictor Evictor) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Sweeper{cfg: cfg, store: store, evictor: evictor}
}

// Run sweeps on every tick until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.Printf("[retention] sweeper running interval=%s max_age=%s max_conversations=%d",
		s.cfg.Interval, s.cfg.MaxAge, s.cfg.MaxConversations)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[retention] sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep applies the age limit, then the capacity limit, most recently
// active conversations kept first.
func (s *Sweeper) Sweep() {
	convs := s.store.All()
	now := time.Now()

	kept := convs[:0]
	aged := 0
	for _, conv := range convs {
		last := conv.LastActivity()
		if s.cfg.MaxAge > 0 && !last.IsZero() && now.Sub(last) > s.cfg.MaxAge {
			s.evictor.EvictConversation(conv.ID)
			metrics.Evictions.WithLabelValues("age").Inc()
			aged++
			continue
		}
		kept = append(kept, conv)
	}

	capped := 0
	if s.cfg.MaxConversations > 0 && len(kept) > s.cfg.MaxConversations {
		// Rank by recency, id as the tie-break so repeated sweeps agree.
		sort.Slice(kept, func(i, j int) bool {
			ai, aj := kept[i].LastActivity(), kept[j].LastActivity()
			if !ai.Equal(aj) {
				return ai.After(aj)
			}
			return kept[i].ID < kept[j].ID
		})
		for _, conv := range kept[s.cfg.MaxConversations:] {
			s.evictor.EvictConversation(conv.ID)
			metrics.Evictions.WithLabelValues("capacity").Inc()
			capped++
		}
	}

	if aged > 0 || capped > 0 {
		log.Printf("[retention] swept aged=%d capacity=%d remaining=%d", aged, capped, len(kept)-capped)
	}
}
