// Package room implements the Room Manager: the ephemeral grouping of live
// connections by trade identifier, so a trade's events fan out only to its
// participants. Rooms are created lazily on first join, discarded when their
// member set empties, and never persisted.
package room

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/skillswap/trade-engine/internal/metrics"
	"github.com/skillswap/trade-engine/internal/models"
	"github.com/skillswap/trade-engine/internal/protocol"
	"github.com/skillswap/trade-engine/internal/store"
	"github.com/skillswap/trade-engine/internal/trade"
)

// Sender pushes a payload to a user's live connection, if any. Implemented
// by the WebSocket server.
type Sender interface {
	SendToUser(userID string, data []byte) error
}

// room is one trade's member set plus a small replay buffer of recent
// messages.
type room struct {
	members map[string]models.User
	recent  *ringBuffer
}

// Manager is the mutex-guarded table of trade rooms. All mutations
// (join, leave, snapshot-and-broadcast) are atomic with respect to each
// other, so a broadcast never delivers to a stale or double-counted member.
type Manager struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	trades   store.TradeStore
	messages store.MessageStore
	sender   Sender
}

// NewManager creates a Manager that validates participation against the
// given trade store, replays history from the message store, and delivers
// events through sender.
func NewManager(trades store.TradeStore, messages store.MessageStore, sender Sender) *Manager {
	return &Manager{
		rooms:    make(map[string]*room),
		trades:   trades,
		messages: messages,
		sender:   sender,
	}
}

// Join subscribes the user to the trade's room, creating it if absent, and
// notifies the room's other members with participant-joined. The caller
// must be one of the trade's two participants or an admin; otherwise
// trade.ErrNotAuthorized is returned and no room is created as a side
// effect. The returned slice replays the room's recent messages; when the
// in-memory buffer is empty (fresh room) the message store backfills it.
func (m *Manager) Join(ctx context.Context, user models.User, tradeID string) ([]models.Message, error) {
	t, err := m.trades.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.IsParticipant(user.ID) && !user.IsAdmin() {
		return nil, trade.ErrNotAuthorized
	}

	m.mu.Lock()
	r, ok := m.rooms[tradeID]
	if !ok {
		r = &room{
			members: make(map[string]models.User),
			recent:  newRingBuffer(maxRecentMessages),
		}
		m.rooms[tradeID] = r
	}
	r.members[user.ID] = user
	others := r.otherMembers(user.ID)
	recent := r.recent.snapshot()
	metrics.ActiveRooms.Set(float64(len(m.rooms)))
	m.mu.Unlock()

	if len(recent) == 0 {
		hist, err := m.messages.ListTradeMessages(ctx, tradeID, maxRecentMessages)
		if err != nil {
			log.Printf("room: history backfill for trade=%s failed: %v", tradeID, err)
		} else {
			recent = hist
		}
	}

	m.notify(others, protocol.TypeParticipantJoined, protocol.ParticipantJoinedMsg{
		TradeID:   tradeID,
		User:      user,
		Timestamp: time.Now(),
	})
	return recent, nil
}

// Leave unsubscribes the user from the trade's room and notifies the
// remaining members with participant-left. An empty room is discarded.
// Leaving a room the user is not in is a no-op.
func (m *Manager) Leave(userID, tradeID string) {
	m.mu.Lock()
	r, ok := m.rooms[tradeID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, member := r.members[userID]; !member {
		m.mu.Unlock()
		return
	}
	delete(r.members, userID)
	if len(r.members) == 0 {
		delete(m.rooms, tradeID)
	}
	remaining := r.otherMembers(userID)
	metrics.ActiveRooms.Set(float64(len(m.rooms)))
	m.mu.Unlock()

	m.notify(remaining, protocol.TypeParticipantLeft, protocol.ParticipantLeftMsg{
		TradeID:   tradeID,
		UserID:    userID,
		Timestamp: time.Now(),
	})
}

// Broadcast delivers a pre-encoded event to every member of the trade's
// room except excludeUserID (pass "" to include everyone). A room with zero
// members is a no-op, not an error — events are not queued for absent
// rooms. Membership is snapshotted under the lock; writes happen outside it.
func (m *Manager) Broadcast(tradeID string, data []byte, excludeUserID string) {
	m.mu.RLock()
	r, ok := m.rooms[tradeID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	recipients := make([]string, 0, len(r.members))
	for id := range r.members {
		if id != excludeUserID {
			recipients = append(recipients, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range recipients {
		if err := m.sender.SendToUser(id, data); err != nil {
			log.Printf("room: broadcast to user=%s trade=%s failed: %v", id, tradeID, err)
		}
	}
}

// Remember appends a delivered message to the room's replay buffer. Absent
// rooms keep nothing; replay exists only for members who were briefly away.
func (m *Manager) Remember(tradeID string, msg models.Message) {
	m.mu.Lock()
	if r, ok := m.rooms[tradeID]; ok {
		r.recent.add(msg)
	}
	m.mu.Unlock()
}

// DropUser removes the user from every room they are a member of, emitting
// the corresponding participant-left events. Called on disconnect. Returns
// the number of rooms left.
func (m *Manager) DropUser(userID string) int {
	type departure struct {
		tradeID   string
		remaining []string
	}

	m.mu.Lock()
	var departures []departure
	for tradeID, r := range m.rooms {
		if _, member := r.members[userID]; !member {
			continue
		}
		delete(r.members, userID)
		if len(r.members) == 0 {
			delete(m.rooms, tradeID)
		}
		departures = append(departures, departure{tradeID, r.otherMembers(userID)})
	}
	metrics.ActiveRooms.Set(float64(len(m.rooms)))
	m.mu.Unlock()

	for _, d := range departures {
		m.notify(d.remaining, protocol.TypeParticipantLeft, protocol.ParticipantLeftMsg{
			TradeID:   d.tradeID,
			UserID:    userID,
			Timestamp: time.Now(),
		})
	}
	return len(departures)
}

// IsMember reports whether the user is currently subscribed to the trade's
// room.
func (m *Manager) IsMember(userID, tradeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[tradeID]
	if !ok {
		return false
	}
	_, member := r.members[userID]
	return member
}

// MemberCount returns the trade room's current size; zero when the room
// does not exist.
func (m *Manager) MemberCount(tradeID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.rooms[tradeID]; ok {
		return len(r.members)
	}
	return 0
}

// RoomCount returns the number of live rooms.
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	n := len(m.rooms)
	m.mu.RUnlock()
	return n
}

// notify encodes and delivers an event to a fixed recipient list. Send
// failures are logged; dead connections are cleaned up by the server's read
// path.
func (m *Manager) notify(recipients []string, msgType string, payload interface{}) {
	if len(recipients) == 0 {
		return
	}
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("room: failed to build %s event: %v", msgType, err)
		return
	}
	for _, id := range recipients {
		if err := m.sender.SendToUser(id, data); err != nil {
			log.Printf("room: notify %s to user=%s failed: %v", msgType, id, err)
		}
	}
}

// otherMembers returns the member IDs except userID. Caller must hold the
// manager lock.
func (r *room) otherMembers(userID string) []string {
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}
