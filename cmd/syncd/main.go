package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/parley/sync-engine/internal/backend"
	"github.com/parley/sync-engine/internal/conversation"
	"github.com/parley/sync-engine/internal/engine"
	"github.com/parley/sync-engine/internal/identity"
	"github.com/parley/sync-engine/internal/metrics"
	"github.com/parley/sync-engine/internal/protocol"
	"github.com/parley/sync-engine/internal/ratelimit"
	"github.com/parley/sync-engine/internal/realtime"
	"github.com/parley/sync-engine/internal/retention"
	"github.com/parley/sync-engine/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	participantID := os.Getenv("PARTICIPANT_ID")
	if participantID == "" {
		log.Fatal("PARTICIPANT_ID is required")
	}

	metricsAddr := ":9090"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}

	// --- Engine tunables ---
	engineConfig := engine.DefaultConfig()
	if v := os.Getenv("RECONCILE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			engineConfig.ReconcileWindow = d
		}
	}
	if v := os.Getenv("TYPING_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			engineConfig.TypingExpiry = d
		}
	}
	if v := os.Getenv("HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			engineConfig.HistoryLimit = n
		}
	}

	retentionConfig := retention.DefaultConfig()
	if v := os.Getenv("RETENTION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			retentionConfig.Interval = d
		}
	}
	if v := os.Getenv("RETENTION_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			retentionConfig.MaxAge = d
		}
	}
	if v := os.Getenv("RETENTION_MAX_CONVERSATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			retentionConfig.MaxConversations = n
		}
	}

	// --- NATS ---
	natsConfig := realtime.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	transport, err := realtime.NewNATSTransport(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	identityStore, err := identity.NewStore(redisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(identityStore.Client())

	// Seed the participant record when a display name is provided;
	// otherwise resolution waits for the authentication flow to write it.
	if name := os.Getenv("DISPLAY_NAME"); name != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := identityStore.Register(ctx, &conversation.Participant{
			ID:          participantID,
			DisplayName: name,
			AvatarURL:   os.Getenv("AVATAR_URL"),
		}); err != nil {
			log.Printf("failed to register participant: %v", err)
		}
		cancel()
	}

	// --- Postgres ---
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = "postgres://localhost:5432/parley?sslmode=disable"
	}
	if err := backend.RunMigrations(databaseURL); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	persisted, err := backend.NewPostgresStore(databaseURL)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}

	log.Printf("Parley sync daemon starting")
	log.Printf("  participant:      %s", participantID)
	log.Printf("  listen_addr:      %s", config.ListenAddr)
	log.Printf("  metrics_addr:     %s", metricsAddr)
	log.Printf("  worker_pool:      %d", config.WorkerPoolSize)
	log.Printf("  nats_url:         %s", natsConfig.URL)
	log.Printf("  redis_addr:       %s", redisAddr)
	log.Printf("  reconcile_window: %s", engineConfig.ReconcileWindow)
	log.Printf("  retention:        max_age=%s max_conversations=%d", retentionConfig.MaxAge, retentionConfig.MaxConversations)

	eng := engine.New(engineConfig, persisted, transport, identityStore.Resolver(participantID))

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := eng.Start(startCtx); err != nil {
		log.Printf("engine start incomplete: %v", err)
	}
	startCancel()

	// Retention sweeper.
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	sweeper := retention.NewSweeper(retentionConfig, eng.Store(), eng)
	go sweeper.Run(sweepCtx)

	// Declare server early so closures can capture it.
	var server *ws.Server

	// Each opened conversation gets one watch goroutine that pushes state
	// snapshots to every connected UI client.
	var watchMu sync.Mutex
	watched := make(map[string]string) // conversation id -> watch id
	ensureWatched := func(conversationID string) {
		watchMu.Lock()
		if _, ok := watched[conversationID]; ok {
			watchMu.Unlock()
			return
		}
		snapshots, watchID := eng.Watch(conversationID)
		watched[conversationID] = watchID
		watchMu.Unlock()

		go func() {
			for snap := range snapshots {
				data, err := protocol.NewServerMessage(protocol.TypeConversationState, protocol.ConversationStateMsg{
					Conversation: snap,
				})
				if err != nil {
					log.Printf("[push] build state conversation=%s: %v", conversationID, err)
					continue
				}
				server.Connections().Broadcast(data)
			}
		}()
	}

	sendList := func(conn *ws.Connection) {
		convs := eng.Conversations()
		summaries := make([]protocol.ConversationSummary, 0, len(convs))
		for _, c := range convs {
			summaries = append(summaries, protocol.ConversationSummary{
				ConversationID: c.ID,
				LastMessage:    c.LastMessage,
				Unread:         c.Unread,
				IsTyping:       c.IsTyping,
			})
		}
		data, err := protocol.NewServerMessage(protocol.TypeConversationList, protocol.ConversationListMsg{
			Conversations: summaries,
			UnreadTotal:   eng.UnreadTotal(),
		})
		if err != nil {
			log.Printf("[push] build list: %v", err)
			return
		}
		if err := conn.WriteMessage(data); err != nil {
			log.Printf("[push] send list conn=%s: %v", conn.ID, err)
		}
	}

	sendEngineError := func(conn *ws.Connection, err error) {
		code := "internal_error"
		var pe *engine.PersistenceError
		switch {
		case errors.Is(err, engine.ErrIdentityUnresolved):
			code = "identity_unresolved"
		case errors.As(err, &pe):
			code = "persistence_error"
		}
		data, buildErr := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code: code, Message: err.Error(),
		})
		if buildErr != nil {
			return
		}
		if writeErr := conn.WriteMessage(data); writeErr != nil {
			log.Printf("[push] send error conn=%s: %v", conn.ID, writeErr)
		}
	}

	dispatcher := ws.NewMessageDispatcher(nil)

	// -----------------------------------------------------------------------
	// list_conversations
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeListConversations, func(conn *ws.Connection, msg interface{}) {
		sendList(conn)
	})

	// -----------------------------------------------------------------------
	// open_conversation — fresh load, channel ensure, state push
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeOpenConversation, func(conn *ws.Connection, msg interface{}) {
		openMsg, ok := msg.(protocol.OpenConversationMsg)
		if !ok || openMsg.ConversationID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := eng.OpenConversation(ctx, openMsg.ConversationID); err != nil {
			log.Printf("open_conversation conn=%s conversation=%s: %v", conn.ID, openMsg.ConversationID, err)
			sendEngineError(conn, err)
			return
		}
		ensureWatched(openMsg.ConversationID)

		data, err := protocol.NewServerMessage(protocol.TypeConversationState, protocol.ConversationStateMsg{
			Conversation: eng.Conversation(openMsg.ConversationID),
		})
		if err == nil {
			_ = conn.WriteMessage(data)
		}
		log.Printf("open_conversation conn=%s conversation=%s", conn.ID, openMsg.ConversationID)
	})

	// -----------------------------------------------------------------------
	// close_conversation — hide from the active view
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeCloseConversation, func(conn *ws.Connection, msg interface{}) {
		closeMsg, ok := msg.(protocol.CloseConversationMsg)
		if !ok {
			return
		}
		eng.CloseConversation(closeMsg.ConversationID)
		log.Printf("close_conversation conn=%s conversation=%s", conn.ID, closeMsg.ConversationID)
	})

	// -----------------------------------------------------------------------
	// send_message — optimistic send through the engine
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := conversation.ValidateText(sendMsg.Text); err != nil {
			data, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: "invalid_message", Message: err.Error(),
			})
			_ = conn.WriteMessage(data)
			return
		}

		allowed, _ := limiter.Allow(ctx, participantID, ratelimit.RuleSend)
		if !allowed {
			data, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(ratelimit.RuleSend.Window.Seconds()),
			})
			_ = conn.WriteMessage(data)
			return
		}

		placeholder, err := eng.Send(ctx, sendMsg.ConversationID, sendMsg.Text)
		if err != nil {
			log.Printf("send_message conn=%s conversation=%s: %v", conn.ID, sendMsg.ConversationID, err)
			sendEngineError(conn, err)
			return
		}

		data, err := protocol.NewServerMessage(protocol.TypeSendAccepted, protocol.SendAcceptedMsg{
			ConversationID: sendMsg.ConversationID,
			MessageID:      placeholder.ID,
		})
		if err == nil {
			_ = conn.WriteMessage(data)
		}
	})

	// -----------------------------------------------------------------------
	// mark_read — advance the read watermark
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMarkRead, func(conn *ws.Connection, msg interface{}) {
		readMsg, ok := msg.(protocol.MarkReadMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := eng.MarkRead(ctx, readMsg.ConversationID); err != nil {
			log.Printf("mark_read conn=%s conversation=%s: %v", conn.ID, readMsg.ConversationID, err)
			sendEngineError(conn, err)
			return
		}

		data, err := protocol.NewServerMessage(protocol.TypeUnreadTotal, protocol.UnreadTotalMsg{
			Total: eng.UnreadTotal(),
		})
		if err == nil {
			_ = conn.WriteMessage(data)
		}
	})

	// -----------------------------------------------------------------------
	// typing — advertise local typing state
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		allowed, _ := limiter.Allow(ctx, participantID, ratelimit.RuleTyping)
		if !allowed {
			return
		}
		if err := eng.SetTyping(ctx, typingMsg.ConversationID, typingMsg.IsTyping); err != nil {
			log.Printf("typing conn=%s conversation=%s: %v", conn.ID, typingMsg.ConversationID, err)
		}
	})

	server = ws.NewServer(config, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// Greet each new UI client with the current conversation list, and keep
	// the participant's presence warm while clients are attached.
	server.SetOnConnect(func(conn *ws.Connection) {
		sendList(conn)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := identityStore.Touch(ctx, participantID); err != nil {
			log.Printf("presence touch failed: %v", err)
		}
	})
	server.SetOnDisconnect(func(connID string) {
		log.Printf("client disconnected conn=%s (remaining=%d)", connID, server.Connections().Count())
	})

	// Prometheus metrics endpoint on its own listener.
	metricsServer := &http.Server{Addr: metricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		sweepCancel()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()

		eng.Shutdown()
		transport.Shutdown()
		if err := persisted.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
		if err := identityStore.Close(); err != nil {
			log.Printf("identity store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
