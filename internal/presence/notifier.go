// Package presence implements the Presence Notifier. Whenever a user's
// connection state or self-reported status changes, the partner of every
// live trade involving that user receives a presence:update on their
// personal channel — not the trade room, so it reaches them before they
// join.
package presence

import (
	"context"
	"log"
	"time"

	"github.com/skillswap/trade-engine/internal/metrics"
	"github.com/skillswap/trade-engine/internal/protocol"
	"github.com/skillswap/trade-engine/internal/session"
	"github.com/skillswap/trade-engine/internal/store"
)

// Sender pushes a payload to a locally connected user. Implemented by the
// WebSocket server.
type Sender interface {
	SendToUser(userID string, data []byte) error
}

// Publisher forwards a presence event toward a user who is not connected to
// this instance; another instance holding their connection delivers it.
// Implemented by messaging.Client.
type Publisher interface {
	PublishPresence(userID string, data []byte) error
}

// Notifier resolves a user's live trades and fans presence events out to
// each counterpart.
type Notifier struct {
	trades    store.TradeStore
	registry  *session.Registry
	sender    Sender
	publisher Publisher
}

// NewNotifier creates a Notifier. publisher may be nil on single-instance
// deployments.
func NewNotifier(trades store.TradeStore, registry *session.Registry, sender Sender, publisher Publisher) *Notifier {
	return &Notifier{trades: trades, registry: registry, sender: sender, publisher: publisher}
}

// Notify pushes a presence:update for userID's new status to the partner of
// every live trade (pending, negotiating, accepted, in_progress) involving
// the user. Presence is best-effort: a storage failure is logged and
// swallowed, and the connect/disconnect path is never blocked by it.
func (n *Notifier) Notify(ctx context.Context, userID, status string) {
	trades, err := n.trades.ActiveTradesByUser(ctx, userID)
	if err != nil {
		log.Printf("presence: failed to resolve trades for user=%s: %v", userID, err)
		return
	}

	now := time.Now()
	for _, t := range trades {
		partner := t.OtherParticipant(userID)
		if partner == "" {
			continue
		}

		data, err := protocol.NewServerMessage(protocol.TypePresenceUpdate, protocol.PresenceUpdateMsg{
			UserID:    userID,
			Status:    status,
			TradeID:   t.ID,
			Timestamp: now,
		})
		if err != nil {
			log.Printf("presence: failed to build presence:update: %v", err)
			continue
		}

		if n.registry.IsOnline(partner) {
			if err := n.sender.SendToUser(partner, data); err != nil {
				log.Printf("presence: send to user=%s failed: %v", partner, err)
			}
			metrics.PresenceEventsTotal.Inc()
			continue
		}

		// The partner may be connected to another instance; hand the
		// event to the bus and let that instance deliver it.
		if n.publisher != nil {
			if err := n.publisher.PublishPresence(partner, data); err != nil {
				log.Printf("presence: publish for user=%s failed: %v", partner, err)
			}
		}
	}
}
