package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/skillswap/trade-engine/internal/models"
)

// Memory is an in-memory implementation of UserStore, TradeStore, and
// MessageStore. All mutations are guarded by a single mutex; returned values
// are copies so callers can mutate them freely before writing back.
type Memory struct {
	mu       sync.RWMutex
	users    map[string]models.User
	trades   map[string]models.Trade
	messages map[string]models.Message
	order    []string // message IDs in insertion order
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]models.User),
		trades:   make(map[string]models.Trade),
		messages: make(map[string]models.Message),
	}
}

// PutUser inserts or replaces a user record.
func (m *Memory) PutUser(user models.User) {
	m.mu.Lock()
	m.users[user.ID] = user
	m.mu.Unlock()
}

// GetUser returns the user with the given id.
func (m *Memory) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := u
	return &out, nil
}

// PutTrade inserts or replaces a trade record.
func (m *Memory) PutTrade(trade models.Trade) {
	m.mu.Lock()
	m.trades[trade.ID] = trade
	m.mu.Unlock()
}

// GetTrade returns the trade with the given id.
func (m *Memory) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := t
	out.Milestones = append([]models.Milestone(nil), t.Milestones...)
	return &out, nil
}

// UpdateTrade persists the trade's mutable fields.
func (m *Memory) UpdateTrade(ctx context.Context, trade *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.trades[trade.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Status = trade.Status
	existing.RequesterProgress = trade.RequesterProgress
	existing.ProviderProgress = trade.ProviderProgress
	existing.Milestones = append([]models.Milestone(nil), trade.Milestones...)
	existing.Timeline = trade.Timeline
	existing.UpdatedAt = time.Now()
	m.trades[trade.ID] = existing
	return nil
}

// IncrementMessageCount bumps the trade's message counter and last-message
// timestamp.
func (m *Memory) IncrementMessageCount(ctx context.Context, tradeID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[tradeID]
	if !ok {
		return ErrNotFound
	}
	t.MessageCount++
	t.LastMessageAt = at
	m.trades[tradeID] = t
	return nil
}

// ActiveTradesByUser returns all live, non-archived trades the user
// participates in.
func (m *Memory) ActiveTradesByUser(ctx context.Context, userID string) ([]models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Trade
	for _, t := range m.trades {
		if t.Archived || !t.IsParticipant(userID) || !t.Live() {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateMessage inserts a new message.
func (m *Memory) CreateMessage(ctx context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = *msg
	m.order = append(m.order, msg.ID)
	return nil
}

// GetMessage returns a copy of the message with the given id, for tests.
func (m *Memory) GetMessage(id string) (models.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	return msg, ok
}

// MarkMessageRead advances a single message to read when readerID is its
// recipient and the move is forward. Returns (nil, nil) when nothing was
// advanced.
func (m *Memory) MarkMessageRead(ctx context.Context, messageID, readerID string, at time.Time) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok || msg.Recipient != readerID {
		return nil, nil
	}
	if !models.DeliveryAdvances(msg.Status, models.DeliveryRead) {
		return nil, nil
	}
	msg.Status = models.DeliveryRead
	msg.ReadAt = &at
	if msg.DeliveredAt == nil {
		msg.DeliveredAt = &at
	}
	m.messages[messageID] = msg
	out := msg
	return &out, nil
}

// MarkTradeMessagesRead advances every unread message addressed to readerID
// within the trade.
func (m *Memory) MarkTradeMessagesRead(ctx context.Context, tradeID, readerID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, msg := range m.messages {
		if msg.TradeID != tradeID || msg.Recipient != readerID {
			continue
		}
		if !models.DeliveryAdvances(msg.Status, models.DeliveryRead) {
			continue
		}
		msg.Status = models.DeliveryRead
		msg.ReadAt = &at
		if msg.DeliveredAt == nil {
			msg.DeliveredAt = &at
		}
		m.messages[id] = msg
		n++
	}
	return n, nil
}

// ListTradeMessages returns the most recent messages for a trade in
// chronological order, up to limit.
func (m *Memory) ListTradeMessages(ctx context.Context, tradeID string, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Message
	for _, id := range m.order {
		msg := m.messages[id]
		if msg.TradeID == tradeID {
			out = append(out, msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
