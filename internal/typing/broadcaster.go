// Package typing advertises the local participant's typing state and
// enforces its self-expiry. Typing is best-effort and ephemeral: a stop
// signal lost on the wire must never leave a remote view stuck on
// "typing", so every start arms a timer that broadcasts the stop on the
// sender's behalf.
package typing

import (
	"log"
	"sync"
	"time"
)

// DefaultExpiry is how long a typing-start stays valid without an
// explicit stop or a refreshing start.
const DefaultExpiry = 5 * time.Second

// SendFunc broadcasts the local typing state on a conversation's channel.
type SendFunc func(conversationID string, isTyping bool) error

// Broadcaster manages per-conversation self-expiry timers around a
// broadcast function.
type Broadcaster struct {
	expiry time.Duration
	send   SendFunc

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewBroadcaster creates a broadcaster. A zero expiry selects
// DefaultExpiry.
func NewBroadcaster(expiry time.Duration, send SendFunc) *Broadcaster {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Broadcaster{
		expiry: expiry,
		send:   send,
		timers: make(map[string]*time.Timer),
	}
}

// SetTyping broadcasts the local participant's typing state. A start arms
// (or rewinds) the expiry timer; a stop cancels it and broadcasts
// immediately. Broadcast failures are returned so the caller can log the
// degraded state, but the timer bookkeeping stays consistent either way.
func (b *Broadcaster) SetTyping(conversationID string, isTyping bool) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	if timer, ok := b.timers[conversationID]; ok {
		timer.Stop()
		delete(b.timers, conversationID)
	}
	if isTyping {
		b.timers[conversationID] = time.AfterFunc(b.expiry, func() {
			b.expire(conversationID)
		})
	}
	b.mu.Unlock()

	return b.send(conversationID, isTyping)
}

// expire fires when a typing-start was never followed by a stop.
func (b *Broadcaster) expire(conversationID string) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	delete(b.timers, conversationID)
	b.mu.Unlock()

	if err := b.send(conversationID, false); err != nil {
		log.Printf("[typing] expiry broadcast conversation=%s: %v", conversationID, err)
	}
}

// Stop cancels all pending expiry timers. No further broadcasts are
// emitted after Stop returns.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	for id, timer := range b.timers {
		timer.Stop()
		delete(b.timers, id)
	}
}
