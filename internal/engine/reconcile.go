package engine

import (
	"context"
	"log"
	"time"

	"github.com/parley/sync-engine/internal/conversation"
	"github.com/parley/sync-engine/internal/event"
	"github.com/parley/sync-engine/internal/metrics"
)

// membershipLoadTimeout bounds the fresh load triggered by a
// new-membership event.
const membershipLoadTimeout = 10 * time.Second

// handleMessageCreated is the single merge path for confirmed messages
// arriving over a conversation channel.
func (e *Engine) handleMessageCreated(ev *event.MessageCreated) {
	if ev.EventID != "" && e.seen.Seen("event:"+ev.EventID) {
		metrics.Reconciliations.WithLabelValues("duplicate").Inc()
		return
	}
	e.applyConfirmed(ev.Message(), "msg:"+ev.MessageID)
}

// applyConfirmed merges one confirmed message into the cache. Messages
// sent by the local participant claim their pending placeholder when one
// sits within the reconcile window; everything else is appended. Events
// for conversations no longer cached are dropped, never resurrected.
func (e *Engine) applyConfirmed(msg conversation.Message, dedupeKey string) {
	if dedupeKey != "" && e.seen.Seen(dedupeKey) {
		// Already merged via the other delivery path (channel event vs
		// direct response).
		metrics.Reconciliations.WithLabelValues("duplicate").Inc()
		return
	}

	conv := e.store.Get(msg.ConversationID)
	if conv == nil {
		log.Printf("[engine] drop event for evicted conversation=%s", msg.ConversationID)
		return
	}

	self := e.currentSelf()
	if self != nil && msg.SenderID == self.ID {
		if id, ok := closestPlaceholder(conv, msg, e.cfg.ReconcileWindow); ok {
			if e.store.ReplacePlaceholder(msg.ConversationID, id, msg) {
				metrics.Reconciliations.WithLabelValues("matched").Inc()
				return
			}
		}
		log.Printf("[engine] no placeholder for own message=%s conversation=%s, appending",
			msg.ID, msg.ConversationID)
	}

	e.store.UpsertMessage(msg.ConversationID, msg)
	metrics.Reconciliations.WithLabelValues("appended").Inc()

	if self == nil || msg.SenderID != self.ID {
		e.recomputeUnread(msg.ConversationID)
	}
}

// closestPlaceholder finds the pending placeholder from the same sender
// whose timestamp is nearest to the confirmed message, within window.
// Closest-first matching keeps concurrent sends stable even when
// confirmations arrive out of order.
func closestPlaceholder(conv *conversation.Conversation, msg conversation.Message, window time.Duration) (string, bool) {
	var (
		bestID    string
		bestDelta time.Duration
		found     bool
	)
	for i := range conv.Messages {
		m := &conv.Messages[i]
		if !m.Placeholder || m.Status != conversation.StatusSending || m.SenderID != msg.SenderID {
			continue
		}
		delta := msg.CreatedAt.Sub(m.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta > window {
			continue
		}
		if !found || delta < bestDelta {
			bestID = m.ID
			bestDelta = delta
			found = true
		}
	}
	return bestID, found
}

// handleMessageUpdated applies an edit to an already-merged message.
func (e *Engine) handleMessageUpdated(ev *event.MessageUpdated) {
	if ev.EventID != "" && e.seen.Seen("event:"+ev.EventID) {
		return
	}
	e.store.UpdateMessageText(ev.ConversationID, ev.MessageID, ev.Text)
}

// handleTyping applies a remote typing indicator. The local
// participant's own echoes are ignored.
func (e *Engine) handleTyping(ev *event.Typing) {
	if self := e.currentSelf(); self != nil && ev.SenderID == self.ID {
		return
	}
	e.store.SetTyping(ev.ConversationID, ev.IsTyping)
}

// handleWatermarkChanged reacts to a read watermark moving. The local
// participant's watermark (possibly advanced from another device) drives
// an unread recompute; a remote participant's watermark flips the local
// participant's delivered messages to read.
func (e *Engine) handleWatermarkChanged(ev *event.WatermarkChanged) {
	self := e.currentSelf()
	if self != nil && ev.ParticipantID == self.ID {
		e.mu.Lock()
		if ev.Watermark.After(e.watermarks[ev.ConversationID]) {
			e.watermarks[ev.ConversationID] = ev.Watermark
		}
		e.mu.Unlock()
		e.recomputeUnread(ev.ConversationID)
		return
	}
	e.store.MarkReadUpTo(ev.ConversationID, selfID(self), ev.Watermark)
}

// handleMembership responds to the local participant joining a new
// conversation with a fresh load.
func (e *Engine) handleMembership(ev *event.Membership) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), membershipLoadTimeout)
		defer cancel()
		if err := e.OpenConversation(ctx, ev.ConversationID); err != nil {
			log.Printf("[engine] load joined conversation=%s: %v", ev.ConversationID, err)
		}
	}()
}

// recomputeUnread derives the unread count from the local watermark:
// messages newer than it, sent by someone else, placeholders excluded.
// Unread is never incremented in place; recomputing makes duplicate and
// out-of-order events harmless. With no resolved identity the recompute
// is deferred until resolution.
func (e *Engine) recomputeUnread(conversationID string) {
	self := e.currentSelf()
	if self == nil {
		e.mu.Lock()
		e.deferred[conversationID] = struct{}{}
		e.mu.Unlock()
		return
	}

	conv := e.store.Get(conversationID)
	if conv == nil {
		return
	}

	e.mu.Lock()
	watermark := e.watermarks[conversationID]
	e.mu.Unlock()

	count := 0
	for i := range conv.Messages {
		m := &conv.Messages[i]
		if m.Placeholder || m.SenderID == self.ID {
			continue
		}
		if m.CreatedAt.After(watermark) {
			count++
		}
	}
	e.store.SetUnread(conversationID, count)
	metrics.UnreadTotal.Set(float64(e.store.UnreadTotal()))
}

func selfID(p *conversation.Participant) string {
	if p == nil {
		return ""
	}
	return p.ID
}
