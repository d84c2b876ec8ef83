// Package store defines the persistence interfaces consumed by the trade
// collaboration engine and ships two implementations: a PostgreSQL store for
// production and a mutex-guarded in-memory store for tests and local
// development. The core packages only ever see the interfaces.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/skillswap/trade-engine/internal/models"
)

var (
	// ErrNotFound indicates the referenced user, trade, or message does
	// not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrTransient indicates a persistence call failed or timed out. The
	// operation that triggered it must be aborted before any broadcast;
	// retrying is the client's responsibility.
	ErrTransient = errors.New("store: transient storage error")
)

// UserStore resolves user records for the identity layer.
type UserStore interface {
	// GetUser returns the user with the given id, or ErrNotFound.
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// TradeStore provides read/update access to trade records. Trades are
// created by the out-of-scope trade-creation flow and never hard-deleted.
type TradeStore interface {
	// GetTrade returns the trade with the given id, or ErrNotFound.
	GetTrade(ctx context.Context, id string) (*models.Trade, error)

	// UpdateTrade persists the trade's mutable fields: status, progress,
	// milestones, and timeline.
	UpdateTrade(ctx context.Context, trade *models.Trade) error

	// IncrementMessageCount bumps the trade's message counter and
	// last-message timestamp.
	IncrementMessageCount(ctx context.Context, tradeID string, at time.Time) error

	// ActiveTradesByUser returns all non-archived trades where the user is
	// a participant and the status still receives presence updates
	// (pending, negotiating, accepted, in_progress).
	ActiveTradesByUser(ctx context.Context, userID string) ([]models.Trade, error)
}

// MessageStore persists chat messages and advances their delivery state.
type MessageStore interface {
	// CreateMessage inserts a new message.
	CreateMessage(ctx context.Context, msg *models.Message) error

	// MarkMessageRead advances a single message to read, but only when
	// readerID is its recipient and the move is forward. Returns the
	// updated message, or (nil, nil) when nothing was advanced. The
	// silent no-op avoids leaking the existence of other users' messages.
	MarkMessageRead(ctx context.Context, messageID, readerID string, at time.Time) (*models.Message, error)

	// MarkTradeMessagesRead advances every unread message addressed to
	// readerID within the trade. Returns the number of messages advanced.
	MarkTradeMessagesRead(ctx context.Context, tradeID, readerID string, at time.Time) (int, error)

	// ListTradeMessages returns the most recent messages for a trade,
	// newest last, up to limit.
	ListTradeMessages(ctx context.Context, tradeID string, limit int) ([]models.Message, error)
}
