// Package subscription maintains the live event channels: exactly one per
// conversation known to the cache, plus one account-wide channel for
// membership and watermark changes belonging to the local participant.
// Inbound payloads are decoded once at this boundary and handed to typed
// callbacks.
package subscription

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/parley/sync-engine/internal/event"
	"github.com/parley/sync-engine/internal/realtime"
)

// State is the lifecycle state of one channel. A dropped channel is not
// tracked separately: it reads as closed and is reopened by the next
// EnsureConversationChannel call from a user-visible operation.
type State string

const (
	StateClosed  State = "closed"
	StateOpening State = "opening"
	StateOpen    State = "open"
)

// Handlers receives decoded inbound events. Nil entries drop that kind.
type Handlers struct {
	MessageCreated   func(*event.MessageCreated)
	MessageUpdated   func(*event.MessageUpdated)
	Typing           func(*event.Typing)
	WatermarkChanged func(*event.WatermarkChanged)
	Membership       func(*event.Membership)
}

// Manager owns all channel handles. At most one handle exists per
// conversation id at any time; handles are released on teardown, on
// eviction, and on shutdown.
type Manager struct {
	transport realtime.Transport
	handlers  Handlers

	mu       sync.Mutex
	channels map[string]*channel // conversation id -> channel
	account  *channel
}

type channel struct {
	state  State
	handle realtime.Handle
}

// NewManager creates a manager over the given transport.
func NewManager(transport realtime.Transport, handlers Handlers) *Manager {
	return &Manager{
		transport: transport,
		handlers:  handlers,
		channels:  make(map[string]*channel),
	}
}

// EnsureConversationChannel opens the conversation's event channel if no
// handle exists yet. It is idempotent: with a live or opening handle it
// returns immediately. An open failure leaves the conversation in
// degraded (non-realtime) mode and is returned for logging; the engine
// remains usable through direct request/response.
func (m *Manager) EnsureConversationChannel(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	if ch, ok := m.channels[conversationID]; ok && ch.state != StateClosed {
		m.mu.Unlock()
		return nil
	}
	ch := &channel{state: StateOpening}
	m.channels[conversationID] = ch
	m.mu.Unlock()

	handle, err := m.transport.Open(ctx, realtime.ConversationChannel(conversationID))
	if err == nil {
		err = m.subscribeConversation(handle, conversationID)
	}
	if err != nil {
		m.mu.Lock()
		if m.channels[conversationID] == ch {
			delete(m.channels, conversationID)
		}
		m.mu.Unlock()
		return fmt.Errorf("subscription: open conversation channel %s: %w", conversationID, err)
	}

	m.mu.Lock()
	ch.state = StateOpen
	ch.handle = handle
	m.mu.Unlock()

	log.Printf("[subscription] channel open conversation=%s", conversationID)
	return nil
}

// TeardownConversationChannel releases the conversation's handle. It must
// run before the conversation is evicted from the cache, never after.
// Tearing down an absent channel is a no-op.
func (m *Manager) TeardownConversationChannel(conversationID string) {
	m.mu.Lock()
	ch, ok := m.channels[conversationID]
	if ok {
		delete(m.channels, conversationID)
	}
	m.mu.Unlock()

	if !ok || ch.handle == nil {
		return
	}
	if err := m.transport.Close(ch.handle); err != nil {
		log.Printf("[subscription] close channel conversation=%s: %v", conversationID, err)
	}
	log.Printf("[subscription] channel closed conversation=%s", conversationID)
}

// EnsureAccountChannel opens the account-wide channel for the local
// participant. Idempotent like EnsureConversationChannel.
func (m *Manager) EnsureAccountChannel(ctx context.Context, participantID string) error {
	m.mu.Lock()
	if m.account != nil && m.account.state != StateClosed {
		m.mu.Unlock()
		return nil
	}
	ch := &channel{state: StateOpening}
	m.account = ch
	m.mu.Unlock()

	handle, err := m.transport.Open(ctx, realtime.AccountChannel(participantID))
	if err == nil {
		err = m.subscribeAccount(handle)
	}
	if err != nil {
		m.mu.Lock()
		if m.account == ch {
			m.account = nil
		}
		m.mu.Unlock()
		return fmt.Errorf("subscription: open account channel: %w", err)
	}

	m.mu.Lock()
	ch.state = StateOpen
	ch.handle = handle
	m.mu.Unlock()

	log.Printf("[subscription] account channel open participant=%s", participantID)
	return nil
}

// HasConversationChannel reports whether a live handle exists for the
// conversation. The reconciliation pipeline uses this to decide whether a
// send confirmation will arrive over the channel or must be merged from
// the direct response payload.
func (m *Manager) HasConversationChannel(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[conversationID]
	return ok && ch.state == StateOpen
}

// ConversationState returns the lifecycle state of a conversation's
// channel.
func (m *Manager) ConversationState(conversationID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[conversationID]; ok {
		return ch.state
	}
	return StateClosed
}

// OpenCount returns the number of conversation channels currently open.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ch := range m.channels {
		if ch.state == StateOpen {
			n++
		}
	}
	return n
}

// Broadcast publishes an event payload on a conversation's channel.
// Returns realtime.ErrUnavailable (wrapped) when no live handle exists.
func (m *Manager) Broadcast(conversationID, kind string, payload []byte) error {
	m.mu.Lock()
	ch, ok := m.channels[conversationID]
	var handle realtime.Handle
	if ok && ch.state == StateOpen {
		handle = ch.handle
	}
	m.mu.Unlock()

	if handle == nil {
		return fmt.Errorf("subscription: conversation %s: %w", conversationID, realtime.ErrUnavailable)
	}
	return m.transport.Broadcast(handle, kind, payload)
}

// Shutdown releases every open handle, the account channel included.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	channels := m.channels
	account := m.account
	m.channels = make(map[string]*channel)
	m.account = nil
	m.mu.Unlock()

	for id, ch := range channels {
		if ch.handle == nil {
			continue
		}
		if err := m.transport.Close(ch.handle); err != nil {
			log.Printf("[subscription] close channel conversation=%s: %v", id, err)
		}
	}
	if account != nil && account.handle != nil {
		if err := m.transport.Close(account.handle); err != nil {
			log.Printf("[subscription] close account channel: %v", err)
		}
	}
	log.Printf("[subscription] all channels released")
}

func (m *Manager) subscribeConversation(handle realtime.Handle, conversationID string) error {
	kinds := []string{event.KindMessageCreated, event.KindMessageUpdated, event.KindTyping}
	for _, kind := range kinds {
		kind := kind
		if err := m.transport.Subscribe(handle, kind, func(data []byte) {
			m.dispatch(kind, data)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) subscribeAccount(handle realtime.Handle) error {
	kinds := []string{event.KindWatermarkChanged, event.KindMembership}
	for _, kind := range kinds {
		kind := kind
		if err := m.transport.Subscribe(handle, kind, func(data []byte) {
			m.dispatch(kind, data)
		}); err != nil {
			return err
		}
	}
	return nil
}

// dispatch decodes a raw payload and routes it to the typed handler.
// Malformed payloads are logged and dropped here, at the boundary.
func (m *Manager) dispatch(kind string, data []byte) {
	decoded, err := event.Decode(kind, data)
	if err != nil {
		log.Printf("[subscription] drop event kind=%s: %v", kind, err)
		return
	}

	switch ev := decoded.(type) {
	case *event.MessageCreated:
		if m.handlers.MessageCreated != nil {
			m.handlers.MessageCreated(ev)
		}
	case *event.MessageUpdated:
		if m.handlers.MessageUpdated != nil {
			m.handlers.MessageUpdated(ev)
		}
	case *event.Typing:
		if m.handlers.Typing != nil {
			m.handlers.Typing(ev)
		}
	case *event.WatermarkChanged:
		if m.handlers.WatermarkChanged != nil {
			m.handlers.WatermarkChanged(ev)
		}
	case *event.Membership:
		if m.handlers.Membership != nil {
			m.handlers.Membership(ev)
		}
	}
}
