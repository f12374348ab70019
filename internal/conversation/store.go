package conversation

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// watcherBufferSize is the channel buffer for each watcher. Snapshots are
// dropped for watchers that fall this far behind; the next mutation
// delivers a fresh snapshot, so nothing is permanently lost.
const watcherBufferSize = 16

// Store is the in-memory, goroutine-safe cache of all conversations known
// to the engine. Mutations are synchronous, idempotent where duplicates
// are expected, and observable: every mutation publishes a snapshot of
// the affected conversation to its watchers.
type Store struct {
	mu       sync.RWMutex
	convs    map[string]*Conversation
	watchers map[string]map[string]chan *Conversation // conversation id -> watch id -> ch
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		convs:    make(map[string]*Conversation),
		watchers: make(map[string]map[string]chan *Conversation),
	}
}

// Get returns a copy of the conversation, or nil if it is not cached.
func (s *Store) Get(id string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[id]
	if !ok {
		return nil
	}
	return conv.clone()
}

// IDs returns the ids of all cached conversations.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	return ids
}

// All returns copies of every cached conversation.
func (s *Store) All() []*Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		out = append(out, conv.clone())
	}
	return out
}

// Put inserts or replaces a whole conversation, e.g. on first load from
// the persisted store. Messages are sorted by creation timestamp on the
// way in so later upserts can assume near-sorted order.
func (s *Store) Put(conv *Conversation) {
	s.mu.Lock()
	c := conv.clone()
	sortMessages(c.Messages)
	if n := len(c.Messages); n > 0 {
		last := c.Messages[n-1]
		c.LastMessage = &last
	}
	if c.Participants == nil {
		c.Participants = make(map[string]Participant)
	}
	s.convs[c.ID] = c
	s.notifyLocked(c)
	s.mu.Unlock()
}

// Delete evicts a conversation from the cache. Watchers of the entry are
// not removed; they simply receive no further snapshots until the
// conversation is loaded again. Deleting an absent id is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.convs, id)
	s.mu.Unlock()
}

// UpsertMessage inserts a message by id, or replaces the existing entry
// with the same id. The sequence is re-sorted only when the insert lands
// out of timestamp order; messages normally arrive close to chronological
// order, so the defensive resort is rare.
func (s *Store) UpsertMessage(conversationID string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		conv = &Conversation{ID: conversationID, Participants: make(map[string]Participant)}
		s.convs[conversationID] = conv
	}

	replaced := false
	for i := range conv.Messages {
		if conv.Messages[i].ID == msg.ID {
			conv.Messages[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		conv.Messages = append(conv.Messages, msg)
		if n := len(conv.Messages); n > 1 && msg.CreatedAt.Before(conv.Messages[n-2].CreatedAt) {
			sortMessages(conv.Messages)
		}
	} else {
		if !messagesSorted(conv.Messages) {
			sortMessages(conv.Messages)
		}
	}

	s.refreshLastLocked(conv)
	s.notifyLocked(conv)
}

// ReplacePlaceholder swaps the placeholder message for its confirmed
// counterpart in place, preserving the message's position in the
// sequence. Returns false if no message with placeholderID exists; the
// caller is expected to fall back to UpsertMessage in that case.
func (s *Store) ReplacePlaceholder(conversationID, placeholderID string, confirmed Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return false
	}

	for i := range conv.Messages {
		if conv.Messages[i].ID != placeholderID {
			continue
		}
		conv.Messages[i] = confirmed
		if !messagesSorted(conv.Messages) {
			sortMessages(conv.Messages)
		}
		s.refreshLastLocked(conv)
		s.notifyLocked(conv)
		return true
	}
	return false
}

// RemoveMessage deletes a message by id, e.g. to roll back an optimistic
// placeholder after a failed persist. Removing an absent id is a no-op.
func (s *Store) RemoveMessage(conversationID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return
	}
	for i := range conv.Messages {
		if conv.Messages[i].ID == messageID {
			conv.Messages = append(conv.Messages[:i], conv.Messages[i+1:]...)
			s.refreshLastLocked(conv)
			s.notifyLocked(conv)
			return
		}
	}
}

// SetUnread sets the unread count for a conversation. Negative counts are
// clamped to zero.
func (s *Store) SetUnread(conversationID string, count int) {
	if count < 0 {
		count = 0
	}
	s.mu.Lock()
	if conv, ok := s.convs[conversationID]; ok && conv.Unread != count {
		conv.Unread = count
		s.notifyLocked(conv)
	}
	s.mu.Unlock()
}

// SetTyping sets the ephemeral typing flag for a conversation.
func (s *Store) SetTyping(conversationID string, isTyping bool) {
	s.mu.Lock()
	if conv, ok := s.convs[conversationID]; ok && conv.IsTyping != isTyping {
		conv.IsTyping = isTyping
		s.notifyLocked(conv)
	}
	s.mu.Unlock()
}

// SetParticipant inserts or updates a participant record (presence feed,
// membership load).
func (s *Store) SetParticipant(conversationID string, p Participant) {
	s.mu.Lock()
	if conv, ok := s.convs[conversationID]; ok {
		conv.Participants[p.ID] = p
		s.notifyLocked(conv)
	}
	s.mu.Unlock()
}

// UpdateMessageText replaces the text of an existing message (inbound
// message-updated events). Unknown message ids are ignored.
func (s *Store) UpdateMessageText(conversationID, messageID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return
	}
	for i := range conv.Messages {
		if conv.Messages[i].ID == messageID {
			conv.Messages[i].Text = text
			s.refreshLastLocked(conv)
			s.notifyLocked(conv)
			return
		}
	}
}

// MarkReadUpTo flips messages sent by senderID at or before watermark
// from delivered to read. Used when a remote participant's read watermark
// advances past the local participant's sent messages.
func (s *Store) MarkReadUpTo(conversationID, senderID string, watermark time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return
	}
	changed := false
	for i := range conv.Messages {
		m := &conv.Messages[i]
		if m.SenderID == senderID && m.Status == StatusDelivered && !m.CreatedAt.After(watermark) {
			m.Status = StatusRead
			changed = true
		}
	}
	if changed {
		s.refreshLastLocked(conv)
		s.notifyLocked(conv)
	}
}

// UnreadTotal returns the sum of unread counts across all cached
// conversations.
func (s *Store) UnreadTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, conv := range s.convs {
		total += conv.Unread
	}
	return total
}

// Watch registers an observer for one conversation. It returns a channel
// of conversation snapshots and a watch id for Unwatch. Snapshot delivery
// is non-blocking: a slow watcher misses intermediate states, never
// blocks a mutation.
func (s *Store) Watch(conversationID string) (<-chan *Conversation, string) {
	watchID := uuid.New().String()
	ch := make(chan *Conversation, watcherBufferSize)

	s.mu.Lock()
	if _, ok := s.watchers[conversationID]; !ok {
		s.watchers[conversationID] = make(map[string]chan *Conversation)
	}
	s.watchers[conversationID][watchID] = ch
	s.mu.Unlock()

	return ch, watchID
}

// Unwatch removes a watcher and closes its channel. Unknown ids are
// ignored.
func (s *Store) Unwatch(conversationID, watchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, ok := s.watchers[conversationID]
	if !ok {
		return
	}
	ch, ok := subs[watchID]
	if !ok {
		return
	}
	delete(subs, watchID)
	close(ch)
	if len(subs) == 0 {
		delete(s.watchers, conversationID)
	}
}

// notifyLocked publishes a snapshot to all watchers of conv. Must be
// called with mu held (write).
func (s *Store) notifyLocked(conv *Conversation) {
	subs, ok := s.watchers[conv.ID]
	if !ok || len(subs) == 0 {
		return
	}
	snapshot := conv.clone()
	for _, ch := range subs {
		select {
		case ch <- snapshot:
		default:
			// watcher is behind; drop this snapshot
		}
	}
}

// refreshLastLocked recomputes the cached last message. Must be called
// with mu held (write).
func (s *Store) refreshLastLocked(conv *Conversation) {
	if n := len(conv.Messages); n > 0 {
		last := conv.Messages[n-1]
		conv.LastMessage = &last
	} else {
		conv.LastMessage = nil
	}
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func messagesSorted(msgs []Message) bool {
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			return false
		}
	}
	return true
}
