package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley/sync-engine/internal/backend"
	"github.com/parley/sync-engine/internal/conversation"
	"github.com/parley/sync-engine/internal/event"
	"github.com/parley/sync-engine/internal/identity"
	"github.com/parley/sync-engine/internal/realtime"
)

// fakeBackend is an in-memory backend.Store. With emitEvents set it
// publishes the message-created event on the conversation channel from
// inside CreateMessage, mimicking a server whose channel event can
// arrive before the send response does.
type fakeBackend struct {
	mu           sync.Mutex
	messages     map[string][]conversation.Message
	participants map[string][]conversation.Participant
	watermarks   map[string]time.Time
	summaries    []backend.ConversationSummary
	seq          int

	failCreate error
	emitEvents bool
	transport  *realtime.MemoryTransport
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		messages:     make(map[string][]conversation.Message),
		participants: make(map[string][]conversation.Participant),
		watermarks:   make(map[string]time.Time),
	}
}

func (f *fakeBackend) ListConversations(context.Context, string) ([]backend.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.ConversationSummary(nil), f.summaries...), nil
}

func (f *fakeBackend) ListMessages(_ context.Context, conversationID string, limit int) ([]conversation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[conversationID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]conversation.Message(nil), msgs...), nil
}

func (f *fakeBackend) CreateMessage(_ context.Context, conversationID, senderID, text string) (*conversation.Message, error) {
	f.mu.Lock()
	if f.failCreate != nil {
		err := f.failCreate
		f.mu.Unlock()
		return nil, err
	}
	f.seq++
	msg := conversation.Message{
		ID:             fmt.Sprintf("srv-%d", f.seq),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      time.Now(),
		Status:         conversation.StatusDelivered,
	}
	f.messages[conversationID] = append(f.messages[conversationID], msg)
	emit := f.emitEvents && f.transport != nil
	f.mu.Unlock()

	if emit {
		payload, _ := event.Encode(&event.MessageCreated{
			EventID:        "ev-" + msg.ID,
			ConversationID: conversationID,
			MessageID:      msg.ID,
			SenderID:       senderID,
			Text:           text,
			CreatedAt:      msg.CreatedAt,
		})
		f.transport.Publish(realtime.ConversationChannel(conversationID), event.KindMessageCreated, payload)
	}
	return &msg, nil
}

func (f *fakeBackend) SetWatermark(_ context.Context, conversationID, participantID string, watermark time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := conversationID + "/" + participantID
	if watermark.After(f.watermarks[key]) {
		f.watermarks[key] = watermark
	}
	return nil
}

func (f *fakeBackend) GetWatermark(_ context.Context, conversationID, participantID string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watermarks[conversationID+"/"+participantID], nil
}

func (f *fakeBackend) ListParticipants(_ context.Context, conversationID string) ([]conversation.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]conversation.Participant(nil), f.participants[conversationID]...), nil
}

func newTestEngine(t *testing.T, fake *fakeBackend) (*Engine, *realtime.MemoryTransport) {
	t.Helper()
	transport := realtime.NewMemoryTransport()
	fake.transport = transport
	eng := New(Config{}, fake, transport, identity.StaticResolver{
		Participant: &conversation.Participant{ID: "alice", DisplayName: "Alice"},
	})
	t.Cleanup(eng.Shutdown)
	return eng, transport
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendReconcilesViaChannelEvent(t *testing.T) {
	fake := newFakeBackend()
	fake.emitEvents = true
	eng, _ := newTestEngine(t, fake)

	require.NoError(t, eng.OpenConversation(context.Background(), "c1"))

	// The fake publishes the channel event from inside CreateMessage, so
	// the confirmation is merged before Send returns.
	_, err := eng.Send(context.Background(), "c1", "hello")
	require.NoError(t, err)

	conv := eng.Conversation("c1")
	require.NotNil(t, conv)
	require.Len(t, conv.Messages, 1, "placeholder and confirmation must merge into one message")
	assert.Equal(t, "srv-1", conv.Messages[0].ID)
	assert.Equal(t, conversation.StatusDelivered, conv.Messages[0].Status)
	assert.False(t, conv.Messages[0].Placeholder)
	assert.Zero(t, conv.Unread, "own sends never count as unread")
}

func TestSendReconcilesAfterResponse(t *testing.T) {
	fake := newFakeBackend()
	eng, transport := newTestEngine(t, fake)

	require.NoError(t, eng.OpenConversation(context.Background(), "c1"))

	_, err := eng.Send(context.Background(), "c1", "hello")
	require.NoError(t, err)

	// Confirmation not yet arrived: the placeholder is still visible.
	conv := eng.Conversation("c1")
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, conversation.StatusSending, conv.Messages[0].Status)

	payload, _ := event.Encode(&event.MessageCreated{
		EventID: "e1", ConversationID: "c1", MessageID: "srv-1",
		SenderID: "alice", Text: "hello", CreatedAt: time.Now(),
	})
	transport.Publish(realtime.ConversationChannel("c1"), event.KindMessageCreated, payload)

	conv = eng.Conversation("c1")
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "srv-1", conv.Messages[0].ID)
	assert.Equal(t, conversation.StatusDelivered, conv.Messages[0].Status)
}

func TestDuplicateEventsMergeOnce(t *testing.T) {
	fake := newFakeBackend()
	fake.emitEvents = true
	eng, transport := newTestEngine(t, fake)

	require.NoError(t, eng.OpenConversation(context.Background(), "c1"))
	_, err := eng.Send(context.Background(), "c1", "hello")
	require.NoError(t, err)

	// Redeliver the same event; the merge must stay idempotent.
	conv := eng.Conversation("c1")
	require.Len(t, conv.Messages, 1)
	payload, _ := event.Encode(&event.MessageCreated{
		EventID: "ev-srv-1", ConversationID: "c1", MessageID: "srv-1",
		SenderID: "alice", Text: "hello", CreatedAt: conv.Messages[0].CreatedAt,
	})
	transport.Publish(realtime.ConversationChannel("c1"), event.KindMessageCreated, payload)
	transport.Publish(realtime.ConversationChannel("c1"), event.KindMessageCreated, payload)

	assert.Len(t, eng.Conversation("c1").Messages, 1)
}

func TestSendMergesDirectResponseWhenDegraded(t *testing.T) {
	fake := newFakeBackend()
	transport := realtime.NewMemoryTransport()
	transport.SetOffline(true)
	fake.transport = transport
	eng := New(Config{}, fake, transport, identity.StaticResolver{
		Participant: &conversation.Participant{ID: "alice"},
	})
	t.Cleanup(eng.Shutdown)

	// Open succeeds in degraded mode: the cache loads, the channel fails.
	require.NoError(t, eng.OpenConversation(context.Background(), "c1"))

	_, err := eng.Send(context.Background(), "c1", "hello")
	require.NoError(t, err)

	conv := eng.Conversation("c1")
	require.Len(t, conv.Messages, 1, "direct response must reconcile without a channel")
	assert.Equal(t, "srv-1", conv.Messages[0].ID)
	assert.Equal(t, conversation.StatusDelivered, conv.Messages[0].Status)
}

func TestFailedSendRollsBackPlaceholder(t *testing.T) {
	fake := newFakeBackend()
	fake.failCreate = errors.New("boom")
	eng, _ := newTestEngine(t, fake)

	require.NoError(t, eng.OpenConversation(context.Background(), "c1"))

	_, err := eng.Send(context.Background(), "c1", "hello")
	require.Error(t, err)
	var pe *PersistenceError
	assert.ErrorAs(t, err, &pe)

	conv := eng.Conversation("c1")
	assert.Empty(t, conv.Messages, "failed send must leave no placeholder behind")
}

func TestReversedConfirmationsClaimOwnPlaceholders(t *testing.T) {
	fake := newFakeBackend()
	eng, transport := newTestEngine(t, fake)
	require.NoError(t, eng.OpenConversation(context.Background(), "c1"))

	t0 := time.Now()
	eng.Store().UpsertMessage("c1", conversation.Message{
		ID: "pending-a", ConversationID: "c1", SenderID: "alice",
		Text: "first", CreatedAt: t0,
		Status: conversation.StatusSending, Placeholder: true,
	})
	eng.Store().UpsertMessage("c1", conversation.Message{
		ID: "pending-b", ConversationID: "c1", SenderID: "alice",
		Text: "second", CreatedAt: t0.Add(2 * time.Second),
		Status: conversation.StatusSending, Placeholder: true,
	})

	// Confirmations arrive in reverse order; each must claim the
	// placeholder with the nearest timestamp.
	for _, ev := range []*event.MessageCreated{
		{EventID: "e2", ConversationID: "c1", MessageID: "srv-2", SenderID: "alice",
			Text: "second", CreatedAt: t0.Add(2*time.Second + 50*time.Millisecond)},
		{EventID: "e1", ConversationID: "c1", MessageID: "srv-1", SenderID: "alice",
			Text: "first", CreatedAt: t0.Add(50 * time.Millisecond)},
	} {
		payload, err := event.Encode(ev)
		require.NoError(t, err)
		transport.Publish(realtime.ConversationChannel("c1"), event.KindMessageCreated, payload)
	}

	conv := eng.Conversation("c1")
	require.Len(t, conv.Messages, 2)
	byID := map[string]conversation.Message{}
	for _, m := range conv.Messages {
		require.False(t, m.Placeholder)
		byID[m.ID] = m
	}
	assert.Equal(t, "first", byID["srv-1"].Text)
	assert.Equal(t, "second", byID["srv-2"].Text)
}

func TestConfirmationOutsideWindowAppends(t *testing.T) {
	fake := newFakeBackend()
	eng, transport := newTestEngine(t, fake)
	require.NoError(t, eng.OpenConversation(context.Background(), "c1"))

	t0 := time.Now()
	eng.Store().UpsertMessage("c1", conversation.Message{
		ID: "pending-a", ConversationID: "c1", SenderID: "alice",
		Text: "stuck", CreatedAt: t0.Add(-time.Minute),
		Status: conversation.StatusSending, Placeholder: true,
	})

	payload, _ := event.Encode(&event.MessageCreated{
		EventID: "e1", ConversationID: "c1", MessageID: "srv-1",
		SenderID: "alice", Text: "from another device", CreatedAt: t0,
	})
	transport.Publish(realtime.ConversationChannel("c1"), event.KindMessageCreated, payload)

	conv := eng.Conversation("c1")
	require.Len(t, conv.Messages, 2, "a confirmation outside the window appends instead of claiming")
	assert.True(t, conv.Messages[0].Placeholder)
	assert.Equal(t, "srv-1", conv.Messages[1].ID)
}

func TestUnreadRecomputedFromWatermark(t *testing.T) {
	fake := newFakeBackend()
	base := time.Now().Add(-time.Hour)
	fake.messages["c1"] = []conversation.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "bob", Text: "old", CreatedAt: base,
			Status: conversation.StatusDelivered},
		{ID: "m2", ConversationID: "c1", SenderID: "bob", Text: "new", CreatedAt: base.Add(30 * time.Minute),
			Status: conversation.StatusDelivered},
		{ID: "m3", ConversationID: "c1", SenderID: "alice", Text: "mine", CreatedAt: base.Add(40 * time.Minute),
			Status: conversation.StatusDelivered},
	}
	fake.watermarks["c1/alice"] = base.Add(10 * time.Minute)

	eng, transport := newTestEngine(t, fake)
	require.NoError(t, eng.OpenConversation(context.Background(), "c1"))

	// m2 is past the watermark, m1 is covered, m3 is the local
	// participant's own message.
	assert.Equal(t, 1, eng.Conversation("c1").Unread)
	assert.Equal(t, 1, eng.UnreadTotal())

	// A new remote message recomputes, never increments blindly: the same
	// event twice still yields one more unread.
	payload, _ := event.Encode(&event.MessageCreated{
		EventID: "e4", ConversationID: "c1", MessageID: "m4",
		SenderID: "bob", Text: "again", CreatedAt: base.Add(50 * time.Minute),
	})
	transport.Publish(realtime.ConversationChannel("c1"), event.KindMessageCreated, payload)
	transport.Publish(realtime.ConversationChannel("c1"), event.KindMessageCreated, payload)
	assert.Equal(t, 2, eng.Conversation("c1").Unread)
}

func TestMarkReadIdempotent(t *testing.T) {
	fake := newFakeBackend()
	base := time.Now().Add(-time.Hour)
	fake.messages["c1"] = []conversation.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "bob", Text: "hi", CreatedAt: base,
			Status: conversation.StatusDelivered},
	}
	eng, _ := newTestEngine(t, fake)
	require.NoError(t, eng.OpenConversation(context.Background(), "c1"))
	require.Equal(t, 1, eng.Conversation("c1").Unread)

	require.NoError(t, eng.MarkRead(context.Background(), "c1"))
	first := fake.watermarks["c1/alice"]
	assert.Zero(t, eng.Conversation("c1").Unread)

	require.NoError(t, eng.MarkRead(context.Background(), "c1"))
	assert.Zero(t, eng.Conversation("c1").Unread)
	assert.False(t, fake.watermarks["c1/alice"].Before(first), "watermark never moves backward")
}

func TestOwnWatermarkFromOtherDevice(t *testing.T) {
	fake := newFakeBackend()
	base := time.Now().Add(-time.Hour)
	fake.messages["c1"] = []conversation.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "bob", Text: "hi", CreatedAt: base,
			Status: conversation.StatusDelivered},
	}
	fake.summaries = []backend.ConversationSummary{{ID: "c1", LastActivity: base}}

	eng, transport := newTestEngine(t, fake)
	require.NoError(t, eng.Start(context.Background()))
	require.Equal(t, 1, eng.Conversation("c1").Unread)

	payload, _ := event.Encode(&event.WatermarkChanged{
		ConversationID: "c1", ParticipantID: "alice", Watermark: time.Now(),
	})
	transport.Publish(realtime.AccountChannel("alice"), event.KindWatermarkChanged, payload)

	assert.Zero(t, eng.Conversation("c1").Unread)
}

func TestRemoteWatermarkMarksOwnMessagesRead(t *testing.T) {
	fake := newFakeBackend()
	base := time.Now().Add(-time.Hour)
	fake.messages["c1"] = []conversation.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "alice", Text: "hi", CreatedAt: base,
			Status: conversation.StatusDelivered},
	}
	fake.summaries = []backend.ConversationSummary{{ID: "c1", LastActivity: base}}

	eng, transport := newTestEngine(t, fake)
	require.NoError(t, eng.Start(context.Background()))

	payload, _ := event.Encode(&event.WatermarkChanged{
		ConversationID: "c1", ParticipantID: "bob", Watermark: time.Now(),
	})
	transport.Publish(realtime.AccountChannel("alice"), event.KindWatermarkChanged, payload)

	conv := eng.Conversation("c1")
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, conversation.StatusRead, conv.Messages[0].Status)
}

func TestEvictedConversationIgnoresEvents(t *testing.T) {
	fake := newFakeBackend()
	eng, transport := newTestEngine(t, fake)
	require.NoError(t, eng.OpenConversation(context.Background(), "c1"))

	eng.EvictConversation("c1")
	require.Nil(t, eng.Conversation("c1"))

	payload, _ := event.Encode(&event.MessageCreated{
		EventID: "e1", ConversationID: "c1", MessageID: "m1",
		SenderID: "bob", Text: "late", CreatedAt: time.Now(),
	})
	transport.Publish(realtime.ConversationChannel("c1"), event.KindMessageCreated, payload)

	assert.Nil(t, eng.Conversation("c1"), "events after eviction must not resurrect the cache entry")
}

func TestRemoteTypingAppliedOwnEchoIgnored(t *testing.T) {
	fake := newFakeBackend()
	eng, transport := newTestEngine(t, fake)
	require.NoError(t, eng.OpenConversation(context.Background(), "c1"))

	// Broadcasting the local state loops back over the in-process
	// transport; the engine must not flag its own conversation.
	require.NoError(t, eng.SetTyping(context.Background(), "c1", true))
	assert.False(t, eng.Conversation("c1").IsTyping)

	payload, _ := event.Encode(&event.Typing{ConversationID: "c1", SenderID: "bob", IsTyping: true})
	transport.Publish(realtime.ConversationChannel("c1"), event.KindTyping, payload)
	assert.True(t, eng.Conversation("c1").IsTyping)

	payload, _ = event.Encode(&event.Typing{ConversationID: "c1", SenderID: "bob", IsTyping: false})
	transport.Publish(realtime.ConversationChannel("c1"), event.KindTyping, payload)
	assert.False(t, eng.Conversation("c1").IsTyping)
}

func TestMembershipEventLoadsConversation(t *testing.T) {
	fake := newFakeBackend()
	fake.summaries = nil
	eng, transport := newTestEngine(t, fake)
	require.NoError(t, eng.Start(context.Background()))
	require.Nil(t, eng.Conversation("c9"))

	fake.mu.Lock()
	fake.messages["c9"] = []conversation.Message{
		{ID: "m1", ConversationID: "c9", SenderID: "bob", Text: "welcome", CreatedAt: time.Now(),
			Status: conversation.StatusDelivered},
	}
	fake.mu.Unlock()

	payload, _ := event.Encode(&event.Membership{ConversationID: "c9", ParticipantID: "alice"})
	transport.Publish(realtime.AccountChannel("alice"), event.KindMembership, payload)

	waitFor(t, func() bool { return eng.Conversation("c9") != nil }, "membership event never loaded the conversation")
	assert.Len(t, eng.Conversation("c9").Messages, 1)
}

func TestMessageUpdatedEditsText(t *testing.T) {
	fake := newFakeBackend()
	base := time.Now()
	fake.messages["c1"] = []conversation.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "bob", Text: "tpyo", CreatedAt: base,
			Status: conversation.StatusDelivered},
	}
	eng, transport := newTestEngine(t, fake)
	require.NoError(t, eng.OpenConversation(context.Background(), "c1"))

	payload, _ := event.Encode(&event.MessageUpdated{
		EventID: "e1", ConversationID: "c1", MessageID: "m1", Text: "typo",
	})
	transport.Publish(realtime.ConversationChannel("c1"), event.KindMessageUpdated, payload)

	assert.Equal(t, "typo", eng.Conversation("c1").Messages[0].Text)
}

func TestUnresolvedIdentityRejectsOperations(t *testing.T) {
	fake := newFakeBackend()
	transport := realtime.NewMemoryTransport()
	eng := New(Config{}, fake, transport, identity.StaticResolver{})
	t.Cleanup(eng.Shutdown)

	_, err := eng.Send(context.Background(), "c1", "hello")
	assert.ErrorIs(t, err, ErrIdentityUnresolved)
	assert.ErrorIs(t, eng.OpenConversation(context.Background(), "c1"), ErrIdentityUnresolved)
	assert.ErrorIs(t, eng.MarkRead(context.Background(), "c1"), ErrIdentityUnresolved)
}

func TestWatchObservesSendLifecycle(t *testing.T) {
	fake := newFakeBackend()
	fake.emitEvents = true
	eng, _ := newTestEngine(t, fake)
	require.NoError(t, eng.OpenConversation(context.Background(), "c1"))

	ch, watchID := eng.Watch("c1")
	defer eng.Unwatch("c1", watchID)

	_, err := eng.Send(context.Background(), "c1", "hello")
	require.NoError(t, err)

	var sawSending, sawDelivered bool
	for {
		select {
		case snap := <-ch:
			for _, m := range snap.Messages {
				switch m.Status {
				case conversation.StatusSending:
					sawSending = true
				case conversation.StatusDelivered:
					sawDelivered = true
				}
			}
			if sawSending && sawDelivered {
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("watch missed send lifecycle: sending=%v delivered=%v", sawSending, sawDelivered)
		}
	}
}
