// Package delivery implements the Message Delivery Pipeline: it creates,
// persists, and advances the delivery state of chat messages between the
// two parties of a trade, and fans the results out through the trade's
// room.
package delivery

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/skillswap/trade-engine/internal/metrics"
	"github.com/skillswap/trade-engine/internal/models"
	"github.com/skillswap/trade-engine/internal/protocol"
	"github.com/skillswap/trade-engine/internal/store"
	"github.com/skillswap/trade-engine/internal/trade"
)

// Broadcaster fans an event out to a trade's room. Implemented by
// room.Manager.
type Broadcaster interface {
	Broadcast(tradeID string, data []byte, excludeUserID string)
	Remember(tradeID string, msg models.Message)
}

// Presence answers whether a user currently holds a live connection.
// Implemented by session.Registry.
type Presence interface {
	IsOnline(userID string) bool
}

// Notifier signals the out-of-scope push-notification collaborator that a
// message arrived for an offline recipient. Implementations must never
// block or fail the send path.
type Notifier interface {
	NotifyOffline(userID string, msg *models.Message)
}

// Pipeline wires the stores, registry, room manager, and notifier together
// for message sends and read receipts.
type Pipeline struct {
	trades   store.TradeStore
	messages store.MessageStore
	presence Presence
	rooms    Broadcaster
	notifier Notifier
	now      func() time.Time
}

// NewPipeline creates a delivery pipeline. notifier may be nil when no
// offline notification hook is configured.
func NewPipeline(trades store.TradeStore, messages store.MessageStore, presence Presence, rooms Broadcaster, notifier Notifier) *Pipeline {
	return &Pipeline{
		trades:   trades,
		messages: messages,
		presence: presence,
		rooms:    rooms,
		notifier: notifier,
		now:      time.Now,
	}
}

// Send creates, persists, and broadcasts a chat message from senderID
// within the trade. The recipient is always the other participant. A
// storage failure aborts the operation before any broadcast; the message is
// neither persisted partially nor announced.
func (p *Pipeline) Send(ctx context.Context, senderID, tradeID, content, msgType, replyTo string) (*models.Message, error) {
	t, err := p.trades.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.IsParticipant(senderID) {
		return nil, trade.ErrNotAuthorized
	}

	if err := ValidateContent(content); err != nil {
		return nil, err
	}
	if msgType == "" {
		msgType = models.MessageText
	}
	if !models.ValidMessageType(msgType) {
		return nil, fmt.Errorf("invalid message type %q", msgType)
	}

	now := p.now()
	msg := &models.Message{
		ID:        uuid.New().String(),
		TradeID:   tradeID,
		Sender:    senderID,
		Recipient: t.OtherParticipant(senderID),
		Content:   content,
		Type:      msgType,
		Status:    models.DeliverySent,
		ReplyTo:   replyTo,
		CreatedAt: now,
	}

	// Best-effort delivery promotion: if the recipient holds a live
	// connection right now, record the message as delivered before
	// persistence. A recipient disconnecting in the race window simply
	// acknowledges receipt later through the read path.
	recipientOnline := p.presence.IsOnline(msg.Recipient)
	if recipientOnline {
		msg.Status = models.DeliveryDelivered
		msg.DeliveredAt = &now
	}

	if err := p.messages.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	if err := p.trades.IncrementMessageCount(ctx, tradeID, now); err != nil {
		return nil, err
	}

	p.broadcastNew(tradeID, msg, t.MessageCount+1)
	metrics.MessagesTotal.WithLabelValues(msg.Status).Inc()

	if !recipientOnline && p.notifier != nil {
		p.notifier.NotifyOffline(msg.Recipient, msg)
	}
	return msg, nil
}

// Record persists a message synthesized by the server, bumping the trade's
// counters, without the authorization and recipient-resolution steps of
// Send. It is the persistence path for system messages; broadcasting is the
// caller's concern.
func (p *Pipeline) Record(ctx context.Context, msg *models.Message) error {
	now := msg.CreatedAt
	if now.IsZero() {
		now = p.now()
		msg.CreatedAt = now
	}
	if p.presence.IsOnline(msg.Recipient) {
		msg.Status = models.DeliveryDelivered
		msg.DeliveredAt = &now
	}
	if err := p.messages.CreateMessage(ctx, msg); err != nil {
		return err
	}
	if err := p.trades.IncrementMessageCount(ctx, msg.TradeID, now); err != nil {
		return err
	}
	metrics.MessagesTotal.WithLabelValues(models.MessageSystem).Inc()
	return nil
}

// MarkRead advances read state and reports it to the room. With a message
// id, only that message is advanced and only when the reader is its
// recipient — otherwise the call is a silent no-op and nothing is
// broadcast, so the existence of other users' messages never leaks. Without
// a message id, every unread message addressed to the reader within the
// trade is advanced. Delivery status never regresses.
func (p *Pipeline) MarkRead(ctx context.Context, readerID, tradeID, messageID string) error {
	now := p.now()

	if messageID != "" {
		updated, err := p.messages.MarkMessageRead(ctx, messageID, readerID, now)
		if err != nil {
			return err
		}
		if updated == nil {
			return nil
		}
	} else {
		if _, err := p.messages.MarkTradeMessagesRead(ctx, tradeID, readerID, now); err != nil {
			return err
		}
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessageRead, protocol.MessageReadEvent{
		TradeID:   tradeID,
		MessageID: messageID,
		ReadBy:    readerID,
		ReadAt:    now,
	})
	if err != nil {
		log.Printf("delivery: failed to build message:read event: %v", err)
		return nil
	}
	p.rooms.Broadcast(tradeID, data, readerID)
	return nil
}

// broadcastNew announces a persisted message to the trade's room, sender
// included, and remembers it for join replay.
func (p *Pipeline) broadcastNew(tradeID string, msg *models.Message, messageCount int) {
	data, err := protocol.NewServerMessage(protocol.TypeMessageNew, protocol.MessageNewMsg{
		Message: *msg,
		Trade: protocol.TradeCounters{
			ID:           tradeID,
			MessageCount: messageCount,
		},
	})
	if err != nil {
		log.Printf("delivery: failed to build message:new event: %v", err)
		return
	}
	p.rooms.Broadcast(tradeID, data, "")
	p.rooms.Remember(tradeID, *msg)
}
