// Package dedupe tracks recently seen event ids so duplicate inbound
// deliveries can be dropped at the subscription boundary. Duplicates are
// expected, not exceptional: the same message-created event can arrive
// via the live channel and via the direct send response.
package dedupe

import (
	"sync"
	"time"
)

// Guard is a goroutine-safe, TTL-bounded, size-bounded set of seen keys.
// Capacity is enforced with a fixed-size ring of keys: inserting into a
// full guard evicts the oldest key. A background goroutine expires stale
// entries so the map does not grow past capacity between insertions.
type Guard struct {
	mu     sync.Mutex
	seen   map[string]time.Time // key -> expiry deadline
	ring   []string             // insertion order, oldest overwritten first
	pos    int
	ttl    time.Duration
	done   chan struct{}
	closed bool
}

// NewGuard creates a guard that remembers keys for ttl, holding at most
// capacity keys at once.
func NewGuard(ttl time.Duration, capacity int) *Guard {
	g := &Guard{
		seen: make(map[string]time.Time, capacity),
		ring: make([]string, capacity),
		ttl:  ttl,
		done: make(chan struct{}),
	}
	go g.expireLoop()
	return g
}

// Seen atomically checks whether key was recorded within the TTL and
// records it if not. Returns true for a duplicate, false for a fresh key.
//
// Eviction is best-effort: a key re-recorded after expiry can be dropped
// early when its stale ring slot cycles out. Store mutations are
// idempotent, so a rare duplicate slipping through is harmless.
func (g *Guard) Seen(key string) bool {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if deadline, ok := g.seen[key]; ok && now.Before(deadline) {
		return true
	}

	if old := g.ring[g.pos]; old != "" {
		delete(g.seen, old)
	}
	g.ring[g.pos] = key
	g.pos = (g.pos + 1) % len(g.ring)
	g.seen[key] = now.Add(g.ttl)
	return false
}

// Len returns the number of keys currently tracked (including entries
// past their TTL that the expire loop has not yet collected).
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// Close stops the background expiry goroutine. Safe to call repeatedly.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		close(g.done)
		g.closed = true
	}
}

func (g *Guard) expireLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.expire()
		}
	}
}

func (g *Guard) expire() {
	now := time.Now()
	g.mu.Lock()
	for key, deadline := range g.seen {
		if now.After(deadline) {
			delete(g.seen, key)
		}
	}
	g.mu.Unlock()
}
