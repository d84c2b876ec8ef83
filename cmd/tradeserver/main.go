package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skillswap/trade-engine/internal/delivery"
	"github.com/skillswap/trade-engine/internal/identity"
	"github.com/skillswap/trade-engine/internal/messaging"
	"github.com/skillswap/trade-engine/internal/metrics"
	"github.com/skillswap/trade-engine/internal/models"
	"github.com/skillswap/trade-engine/internal/presence"
	"github.com/skillswap/trade-engine/internal/protocol"
	"github.com/skillswap/trade-engine/internal/ratelimit"
	"github.com/skillswap/trade-engine/internal/room"
	"github.com/skillswap/trade-engine/internal/session"
	"github.com/skillswap/trade-engine/internal/store"
	"github.com/skillswap/trade-engine/internal/trade"
	"github.com/skillswap/trade-engine/internal/ws"
)

// offlineEnvelope is the payload handed to the notifier worker for recipients
// with no live connection.
type offlineEnvelope struct {
	UserID  string         `json:"user_id"`
	Message models.Message `json:"message"`
}

// offlineNotifier publishes offline-recipient envelopes to NATS. It satisfies
// delivery.Notifier and never blocks the send path.
type offlineNotifier struct {
	nats *messaging.Client
}

func (n *offlineNotifier) NotifyOffline(userID string, msg *models.Message) {
	data, err := json.Marshal(offlineEnvelope{UserID: userID, Message: *msg})
	if err != nil {
		log.Printf("[notify] marshal offline envelope for user=%s: %v", userID, err)
		return
	}
	if err := n.nats.PublishOfflineNotify(userID, data); err != nil {
		log.Printf("[notify] publish offline envelope for user=%s: %v", userID, err)
	}
}

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

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	metricsAddr := ":9100"
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		metricsAddr = v
	}

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis (rate limiting) ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	pingCancel()
	limiter := ratelimit.NewLimiter(rdb)

	// --- Storage ---
	var (
		userStore    store.UserStore
		tradeStore   store.TradeStore
		messageStore store.MessageStore
		pg           *store.Postgres
	)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err = store.NewPostgres(dsn)
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		migrationsDir := "migrations"
		if v := os.Getenv("MIGRATIONS_DIR"); v != "" {
			migrationsDir = v
		}
		if err := store.RunMigrations(pg.DB(), migrationsDir); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		userStore, tradeStore, messageStore = pg, pg, pg
	} else {
		log.Printf("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
		mem := store.NewMemory()
		userStore, tradeStore, messageStore = mem, mem, mem
	}

	log.Printf("trade engine starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  metrics_addr:    %s", metricsAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)

	registry := session.NewRegistry()
	provider := identity.NewJWTProvider(jwtSecret, userStore)

	dispatcher := ws.NewMessageDispatcher(nil)
	server := ws.NewServer(config, provider, registry, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	rooms := room.NewManager(tradeStore, messageStore, server)
	pipeline := delivery.NewPipeline(tradeStore, messageStore, registry, rooms,
		&offlineNotifier{nats: natsClient})
	machine := trade.NewMachine(tradeStore, pipeline)
	presenceNotifier := presence.NewNotifier(tradeStore, registry, server, natsClient)

	// sendError reports a rejected operation back to the originating client.
	// The connection stays open.
	sendError := func(conn *ws.Connection, code, message string) {
		data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code:    code,
			Message: message,
		})
		if err != nil {
			log.Printf("failed to build error message: %v", err)
			return
		}
		if err := conn.WriteMessage(data); err != nil {
			log.Printf("failed to send error message conn=%s: %v", conn.ID, err)
		}
	}

	// fail maps domain errors onto wire error codes.
	fail := func(conn *ws.Connection, err error) {
		switch {
		case errors.Is(err, identity.ErrAuthentication):
			sendError(conn, "auth_error", "authentication failed")
		case errors.Is(err, trade.ErrNotAuthorized):
			sendError(conn, "not_authorized", "you are not a participant of this trade")
		case errors.Is(err, trade.ErrInvalidTransition):
			sendError(conn, "invalid_transition", err.Error())
		case errors.Is(err, store.ErrNotFound):
			sendError(conn, "not_found", "resource not found")
		case errors.Is(err, store.ErrTransient):
			sendError(conn, "storage_error", "temporary storage failure, try again")
		default:
			sendError(conn, "invalid_request", err.Error())
		}
	}

	// -----------------------------------------------------------------------
	// trade:join — subscribe to a trade's room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTradeJoin, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.TradeJoinMsg)
		if !ok {
			return
		}
		ctx := context.Background()

		recent, err := rooms.Join(ctx, conn.User, joinMsg.TradeID)
		if err != nil {
			fail(conn, err)
			return
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeTradeJoined, protocol.TradeJoinedMsg{
			TradeID:        joinMsg.TradeID,
			RecentMessages: recent,
		})
		if err := conn.WriteMessage(resp); err != nil {
			log.Printf("trade:join reply failed conn=%s: %v", conn.ID, err)
		}
		log.Printf("trade:join user=%s trade=%s", conn.User.ID, joinMsg.TradeID)
	})

	// -----------------------------------------------------------------------
	// trade:leave — unsubscribe from a trade's room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTradeLeave, func(conn *ws.Connection, msg interface{}) {
		leaveMsg, ok := msg.(protocol.TradeLeaveMsg)
		if !ok {
			return
		}

		rooms.Leave(conn.User.ID, leaveMsg.TradeID)

		resp, _ := protocol.NewServerMessage(protocol.TypeTradeLeft, protocol.TradeLeftMsg{
			TradeID: leaveMsg.TradeID,
		})
		_ = conn.WriteMessage(resp)
		log.Printf("trade:leave user=%s trade=%s", conn.User.ID, leaveMsg.TradeID)
	})

	// -----------------------------------------------------------------------
	// message:send — persist and broadcast a chat message
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMessageSend, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.MessageSendMsg)
		if !ok {
			return
		}
		ctx := context.Background()

		if allowed, _ := limiter.Allow(ctx, conn.User.ID, ratelimit.RuleMessage); !allowed {
			sendError(conn, "rate_limited", "too many messages, slow down")
			return
		}

		started := time.Now()
		if _, err := pipeline.Send(ctx, conn.User.ID, sendMsg.TradeID, sendMsg.Content,
			sendMsg.MessageType, sendMsg.ReplyTo); err != nil {
			fail(conn, err)
			return
		}
		metrics.MessageLatency.Observe(time.Since(started).Seconds())
	})

	// -----------------------------------------------------------------------
	// message:read — advance read receipts
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMessageRead, func(conn *ws.Connection, msg interface{}) {
		readMsg, ok := msg.(protocol.MessageReadMsg)
		if !ok {
			return
		}
		ctx := context.Background()

		if err := pipeline.MarkRead(ctx, conn.User.ID, readMsg.TradeID, readMsg.MessageID); err != nil {
			fail(conn, err)
		}
	})

	// -----------------------------------------------------------------------
	// typing:start / typing:stop — relay typing indicators
	// -----------------------------------------------------------------------
	relayTyping := func(eventType string) ws.MessageHandler {
		return func(conn *ws.Connection, msg interface{}) {
			typingMsg, ok := msg.(protocol.TypingMsg)
			if !ok {
				return
			}
			// Typing indicators are ephemeral: only room members may emit
			// them, and they are never persisted.
			if !rooms.IsMember(conn.User.ID, typingMsg.TradeID) {
				return
			}
			data, _ := protocol.NewServerMessage(eventType, protocol.TypingEvent{
				TradeID: typingMsg.TradeID,
				UserID:  conn.User.ID,
			})
			rooms.Broadcast(typingMsg.TradeID, data, conn.User.ID)
		}
	}
	dispatcher.Register(protocol.TypeTypingStart, relayTyping(protocol.TypeTypingStart))
	dispatcher.Register(protocol.TypeTypingStop, relayTyping(protocol.TypeTypingStop))

	// -----------------------------------------------------------------------
	// trade:update — status transition, progress, milestones
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTradeUpdate, func(conn *ws.Connection, msg interface{}) {
		updateMsg, ok := msg.(protocol.TradeUpdateMsg)
		if !ok {
			return
		}
		ctx := context.Background()
		userID := conn.User.ID

		if allowed, _ := limiter.Allow(ctx, userID, ratelimit.RuleTradeUpdate); !allowed {
			sendError(conn, "rate_limited", "too many trade updates, slow down")
			return
		}

		broadcastUpdated := func(res *trade.Result) {
			data, err := protocol.NewServerMessage(protocol.TypeTradeUpdated, protocol.TradeUpdatedMsg{
				Trade:         *res.Trade,
				SystemMessage: res.SystemMessage,
				UpdatedBy:     userID,
			})
			if err != nil {
				log.Printf("failed to build trade:updated: %v", err)
				return
			}
			rooms.Broadcast(updateMsg.TradeID, data, "")
		}

		if updateMsg.Status != "" {
			res, err := machine.Transition(ctx, userID, updateMsg.TradeID, updateMsg.Status)
			if err != nil {
				fail(conn, err)
				return
			}
			metrics.TradeTransitionsTotal.WithLabelValues(updateMsg.Status).Inc()
			broadcastUpdated(res)
			log.Printf("trade:update user=%s trade=%s status=%s", userID, updateMsg.TradeID, updateMsg.Status)
		}

		if updateMsg.Progress != nil {
			res, err := machine.UpdateProgress(ctx, userID, updateMsg.TradeID, *updateMsg.Progress)
			if err != nil {
				fail(conn, err)
				return
			}
			if res.Trade.Status == models.StatusCompleted {
				metrics.TradeTransitionsTotal.WithLabelValues(models.StatusCompleted).Inc()
			}
			broadcastUpdated(res)
		}

		if updateMsg.Milestone != nil {
			var (
				res *trade.Result
				err error
			)
			switch updateMsg.Milestone.Action {
			case protocol.MilestoneActionAdd:
				if updateMsg.Milestone.Data == nil {
					sendError(conn, "invalid_request", "milestone add requires data")
					return
				}
				res, err = machine.AddMilestone(ctx, userID, updateMsg.TradeID,
					updateMsg.Milestone.Data.Title, updateMsg.Milestone.Data.Description,
					updateMsg.Milestone.Data.DueDate)
			case protocol.MilestoneActionComplete:
				res, err = machine.CompleteMilestone(ctx, userID, updateMsg.TradeID,
					updateMsg.Milestone.MilestoneID)
			default:
				sendError(conn, "invalid_request", "unknown milestone action")
				return
			}
			if err != nil {
				fail(conn, err)
				return
			}
			broadcastUpdated(res)
		}
	})

	// -----------------------------------------------------------------------
	// status:update — self-reported presence
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeStatusUpdate, func(conn *ws.Connection, msg interface{}) {
		statusMsg, ok := msg.(protocol.StatusUpdateMsg)
		if !ok {
			return
		}
		if !protocol.ValidPresence(statusMsg.Status) {
			sendError(conn, "invalid_request", "unknown presence status")
			return
		}

		registry.SetStatus(conn.User.ID, statusMsg.Status)
		go presenceNotifier.Notify(context.Background(), conn.User.ID, statusMsg.Status)
	})

	// Connect throttling per IP, before authentication.
	server.SetConnectGate(func(ip string) bool {
		allowed, _ := limiter.Allow(context.Background(), ip, ratelimit.RuleConnect)
		return allowed
	})

	// Presence fan-out on connect and disconnect. Fan-out is best-effort and
	// must not block the connection paths.
	server.SetOnConnect(func(conn *ws.Connection) {
		go presenceNotifier.Notify(context.Background(), conn.User.ID, protocol.PresenceOnline)
	})
	server.SetOnDisconnect(func(conn *ws.Connection) {
		left := rooms.DropUser(conn.User.ID)
		if left > 0 {
			log.Printf("disconnect cleanup user=%s rooms_left=%d", conn.User.ID, left)
		}
		go presenceNotifier.Notify(context.Background(), conn.User.ID, protocol.PresenceOffline)
	})

	// Presence events published by other instances: deliver to locally
	// connected users, drop the rest.
	if err := natsClient.SubscribePresence(func(userID string, data []byte) {
		if !registry.IsOnline(userID) {
			return
		}
		if err := server.SendToUser(userID, data); err != nil {
			log.Printf("presence relay to user=%s failed: %v", userID, err)
		}
	}); err != nil {
		log.Fatalf("failed to subscribe to presence events: %v", err)
	}

	// Prometheus metrics endpoint.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if pg != nil {
			if err := pg.Close(); err != nil {
				log.Printf("postgres close error: %v", err)
			}
		}
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
