// Package engine ties the conversation cache, the persisted store, and
// the live event channels into one synchronization facade. All writes go
// through the engine: user operations update the cache optimistically
// and then persist, inbound channel events merge through a single
// reconciliation path, and unread counts are recomputed from watermarks
// rather than counted incrementally.
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley/sync-engine/internal/backend"
	"github.com/parley/sync-engine/internal/conversation"
	"github.com/parley/sync-engine/internal/dedupe"
	"github.com/parley/sync-engine/internal/event"
	"github.com/parley/sync-engine/internal/identity"
	"github.com/parley/sync-engine/internal/metrics"
	"github.com/parley/sync-engine/internal/realtime"
	"github.com/parley/sync-engine/internal/subscription"
	"github.com/parley/sync-engine/internal/typing"
)

// Config tunes the engine. The zero value selects all defaults.
type Config struct {
	// ReconcileWindow bounds the timestamp distance within which a
	// confirmed message may claim a pending placeholder from the same
	// sender.
	ReconcileWindow time.Duration

	// TypingExpiry is how long a typing-start stays valid without a stop.
	TypingExpiry time.Duration

	// HistoryLimit caps how many messages a fresh conversation load pulls
	// from the persisted store.
	HistoryLimit int

	// DedupeTTL and DedupeCapacity bound the seen-event guard.
	DedupeTTL      time.Duration
	DedupeCapacity int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ReconcileWindow: 5 * time.Second,
		TypingExpiry:    typing.DefaultExpiry,
		HistoryLimit:    50,
		DedupeTTL:       2 * time.Minute,
		DedupeCapacity:  4096,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ReconcileWindow <= 0 {
		c.ReconcileWindow = d.ReconcileWindow
	}
	if c.TypingExpiry <= 0 {
		c.TypingExpiry = d.TypingExpiry
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = d.DedupeTTL
	}
	if c.DedupeCapacity <= 0 {
		c.DedupeCapacity = d.DedupeCapacity
	}
}

// Engine is the synchronization facade. One engine serves one local
// participant.
type Engine struct {
	cfg      Config
	store    *conversation.Store
	backend  backend.Store
	resolver identity.Resolver
	subs     *subscription.Manager
	typing   *typing.Broadcaster
	seen     *dedupe.Guard

	mu         sync.Mutex
	self       *conversation.Participant
	watermarks map[string]time.Time // conversation id -> local read watermark
	deferred   map[string]struct{}  // unread recompute pending identity resolution
}

// New wires an engine over the given transport, persisted store, and
// identity resolver.
func New(cfg Config, persisted backend.Store, transport realtime.Transport, resolver identity.Resolver) *Engine {
	cfg.applyDefaults()

	e := &Engine{
		cfg:        cfg,
		store:      conversation.NewStore(),
		backend:    persisted,
		resolver:   resolver,
		seen:       dedupe.NewGuard(cfg.DedupeTTL, cfg.DedupeCapacity),
		watermarks: make(map[string]time.Time),
		deferred:   make(map[string]struct{}),
	}
	e.subs = subscription.NewManager(transport, subscription.Handlers{
		MessageCreated:   e.handleMessageCreated,
		MessageUpdated:   e.handleMessageUpdated,
		Typing:           e.handleTyping,
		WatermarkChanged: e.handleWatermarkChanged,
		Membership:       e.handleMembership,
	})
	e.typing = typing.NewBroadcaster(cfg.TypingExpiry, e.broadcastTyping)
	return e
}

// Start resolves the local identity, opens the account-wide channel, and
// loads the participant's conversations into the cache.
func (e *Engine) Start(ctx context.Context) error {
	self, err := e.resolveSelf(ctx)
	if err != nil {
		return err
	}
	if err := e.subs.EnsureAccountChannel(ctx, self.ID); err != nil {
		// Degraded mode: watermark and membership changes from other
		// devices are missed until the channel opens.
		log.Printf("[engine] account channel unavailable: %v", err)
	}

	summaries, err := e.backend.ListConversations(ctx, self.ID)
	if err != nil {
		return &PersistenceError{Op: "list conversations", Err: err}
	}
	for _, s := range summaries {
		if err := e.OpenConversation(ctx, s.ID); err != nil {
			log.Printf("[engine] load conversation %s: %v", s.ID, err)
		}
	}
	log.Printf("[engine] started participant=%s conversations=%d", self.ID, len(summaries))
	return nil
}

// OpenConversation performs a fresh load of one conversation: messages,
// participants, and the local read watermark come from the persisted
// store, the cache entry is replaced wholesale, and the event channel is
// ensured. Channel failures leave the conversation usable in degraded
// mode and are not returned.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) error {
	self, err := e.resolveSelf(ctx)
	if err != nil {
		return err
	}

	msgs, err := e.backend.ListMessages(ctx, conversationID, e.cfg.HistoryLimit)
	if err != nil {
		return &PersistenceError{Op: "list messages", Err: err}
	}
	participants, err := e.backend.ListParticipants(ctx, conversationID)
	if err != nil {
		return &PersistenceError{Op: "list participants", Err: err}
	}
	watermark, err := e.backend.GetWatermark(ctx, conversationID, self.ID)
	if err != nil {
		return &PersistenceError{Op: "get watermark", Err: err}
	}

	conv := &conversation.Conversation{
		ID:           conversationID,
		Messages:     msgs,
		Participants: make(map[string]conversation.Participant, len(participants)),
	}
	for _, p := range participants {
		conv.Participants[p.ID] = p
	}
	e.store.Put(conv)

	e.mu.Lock()
	e.watermarks[conversationID] = watermark
	e.mu.Unlock()
	e.recomputeUnread(conversationID)

	if err := e.subs.EnsureConversationChannel(ctx, conversationID); err != nil {
		log.Printf("[engine] conversation %s degraded: %v", conversationID, err)
	}
	e.updateGauges()
	return nil
}

// CloseConversation hides a conversation from the active view. The cache
// entry and the event channel stay alive so background merges continue;
// the retention sweeper decides actual eviction. The local typing state
// is stopped so remote views do not show a stale indicator.
func (e *Engine) CloseConversation(conversationID string) {
	if err := e.typing.SetTyping(conversationID, false); err != nil {
		log.Printf("[engine] stop typing conversation=%s: %v", conversationID, err)
	}
}

// EvictConversation tears down the conversation's channel and drops its
// cache entry. Teardown runs first so no event handler can observe the
// conversation after it is gone; a later open is a fresh load.
func (e *Engine) EvictConversation(conversationID string) {
	e.subs.TeardownConversationChannel(conversationID)
	e.store.Delete(conversationID)

	e.mu.Lock()
	delete(e.watermarks, conversationID)
	delete(e.deferred, conversationID)
	e.mu.Unlock()
	e.updateGauges()
}

// Send performs an optimistic send: a placeholder message appears in the
// cache immediately, then the call blocks until the persisted store
// confirms or rejects it. On failure the placeholder is removed and a
// PersistenceError returned. On success the placeholder is left for the
// channel event to reconcile; if no live channel exists the confirmed
// record is merged from the direct response instead.
func (e *Engine) Send(ctx context.Context, conversationID, text string) (*conversation.Message, error) {
	self, err := e.resolveSelf(ctx)
	if err != nil {
		return nil, err
	}
	if err := conversation.ValidateText(text); err != nil {
		return nil, err
	}

	placeholder := conversation.Message{
		ID:             "pending-" + uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       self.ID,
		Text:           text,
		CreatedAt:      time.Now(),
		Status:         conversation.StatusSending,
		Placeholder:    true,
	}
	e.store.UpsertMessage(conversationID, placeholder)

	started := time.Now()
	confirmed, err := e.backend.CreateMessage(ctx, conversationID, self.ID, text)
	if err != nil {
		e.store.RemoveMessage(conversationID, placeholder.ID)
		metrics.SendsTotal.WithLabelValues("failed").Inc()
		return nil, &PersistenceError{Op: "create message", Err: err}
	}
	metrics.SendsTotal.WithLabelValues("ok").Inc()
	metrics.SendLatency.Observe(time.Since(started).Seconds())

	if !e.subs.HasConversationChannel(conversationID) {
		// Degraded mode, or the channel dropped mid-flight: no event will
		// arrive, so merge the confirmation from the response payload.
		msg := *confirmed
		msg.Status = conversation.StatusDelivered
		e.applyConfirmed(msg, "msg:"+msg.ID)
	}
	return &placeholder, nil
}

// MarkRead moves the local participant's read watermark to now, both in
// the persisted store and locally, and zeroes the conversation's unread
// count. Calling it with nothing unread is a cheap no-op at the store
// thanks to the monotonic watermark.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	self, err := e.resolveSelf(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	if err := e.backend.SetWatermark(ctx, conversationID, self.ID, now); err != nil {
		return &PersistenceError{Op: "set watermark", Err: err}
	}

	e.mu.Lock()
	if now.After(e.watermarks[conversationID]) {
		e.watermarks[conversationID] = now
	}
	e.mu.Unlock()

	e.store.SetUnread(conversationID, 0)
	metrics.UnreadTotal.Set(float64(e.store.UnreadTotal()))
	return nil
}

// SetTyping advertises the local participant's typing state on the
// conversation's channel. Broadcast failures are logged, not returned:
// typing is best-effort and self-expires on the remote side regardless.
func (e *Engine) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	if _, err := e.resolveSelf(ctx); err != nil {
		return err
	}
	if err := e.typing.SetTyping(conversationID, isTyping); err != nil {
		log.Printf("[engine] typing broadcast conversation=%s: %v", conversationID, err)
	}
	return nil
}

// Conversation returns a snapshot of one cached conversation, or nil.
func (e *Engine) Conversation(conversationID string) *conversation.Conversation {
	return e.store.Get(conversationID)
}

// Conversations returns snapshots of every cached conversation.
func (e *Engine) Conversations() []*conversation.Conversation {
	return e.store.All()
}

// UnreadTotal returns the account-wide unread count.
func (e *Engine) UnreadTotal() int {
	return e.store.UnreadTotal()
}

// Watch subscribes to snapshots of one conversation.
func (e *Engine) Watch(conversationID string) (<-chan *conversation.Conversation, string) {
	return e.store.Watch(conversationID)
}

// Unwatch cancels a Watch subscription.
func (e *Engine) Unwatch(conversationID, watchID string) {
	e.store.Unwatch(conversationID, watchID)
}

// Store exposes the underlying cache for read-model composition, e.g.
// the retention sweeper and the gateway.
func (e *Engine) Store() *conversation.Store {
	return e.store
}

// Shutdown stops timers and releases every channel handle.
func (e *Engine) Shutdown() {
	e.typing.Stop()
	e.subs.Shutdown()
	e.seen.Close()
	log.Printf("[engine] shut down")
}

// resolveSelf returns the cached identity or asks the resolver. The
// first successful resolution flushes any unread recomputes that were
// deferred while the identity was unknown.
func (e *Engine) resolveSelf(ctx context.Context) (*conversation.Participant, error) {
	e.mu.Lock()
	if e.self != nil {
		self := e.self
		e.mu.Unlock()
		return self, nil
	}
	e.mu.Unlock()

	self, err := e.resolver.ResolveCurrentIdentity(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.self == nil {
		e.self = self
	}
	self = e.self
	pending := make([]string, 0, len(e.deferred))
	for id := range e.deferred {
		pending = append(pending, id)
	}
	e.deferred = make(map[string]struct{})
	e.mu.Unlock()

	for _, id := range pending {
		e.recomputeUnread(id)
	}
	return self, nil
}

// currentSelf returns the cached identity without resolving, or nil.
func (e *Engine) currentSelf() *conversation.Participant {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self
}

// broadcastTyping is the typing.Broadcaster send function.
func (e *Engine) broadcastTyping(conversationID string, isTyping bool) error {
	self := e.currentSelf()
	if self == nil {
		return ErrIdentityUnresolved
	}
	payload, err := event.Encode(&event.Typing{
		ConversationID: conversationID,
		SenderID:       self.ID,
		IsTyping:       isTyping,
	})
	if err != nil {
		return err
	}
	return e.subs.Broadcast(conversationID, event.KindTyping, payload)
}

func (e *Engine) updateGauges() {
	metrics.OpenChannels.Set(float64(e.subs.OpenCount()))
	metrics.CachedConversations.Set(float64(len(e.store.IDs())))
	metrics.UnreadTotal.Set(float64(e.store.UnreadTotal()))
}
