package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/skillswap/trade-engine/internal/models"
)

// Postgres implements UserStore, TradeStore, and MessageStore on top of
// PostgreSQL. Milestones and system-event payloads are stored as JSONB.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool for the given DSN and verifies it with
// a ping.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: postgres ping: %w", err)
	}
	return &Postgres{db: db}, nil
}

// DB exposes the underlying handle for migrations.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// transient tags a driver error with ErrTransient so callers can classify it
// without inspecting driver internals.
func transient(op string, err error) error {
	return fmt.Errorf("store: %s: %w", op, errors.Join(ErrTransient, err))
}

// GetUser returns the user with the given id, or ErrNotFound.
func (p *Postgres) GetUser(ctx context.Context, id string) (*models.User, error) {
	const query = `
		SELECT id, first_name, last_name, avatar, role, active, created_at
		FROM users
		WHERE id = $1`

	var u models.User
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.FirstName, &u.LastName, &u.Avatar, &u.Role, &u.Active, &u.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, transient("get user", err)
	}
	return &u, nil
}

// GetTrade returns the trade with the given id, or ErrNotFound.
func (p *Postgres) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	const query = `
		SELECT id, requester, provider, status,
		       requester_progress, provider_progress, milestones,
		       message_count, last_message_at,
		       proposed_at, accepted_at, started_at, completed_at, cancelled_at,
		       archived, created_at, updated_at
		FROM trades
		WHERE id = $1`

	var (
		t          models.Trade
		milestones []byte
	)
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.Requester, &t.Provider, &t.Status,
		&t.RequesterProgress, &t.ProviderProgress, &milestones,
		&t.MessageCount, &t.LastMessageAt,
		&t.Timeline.ProposedAt, &t.Timeline.AcceptedAt, &t.Timeline.StartedAt,
		&t.Timeline.CompletedAt, &t.Timeline.CancelledAt,
		&t.Archived, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, transient("get trade", err)
	}
	if len(milestones) > 0 {
		if err := json.Unmarshal(milestones, &t.Milestones); err != nil {
			return nil, fmt.Errorf("store: unmarshal milestones for trade %s: %w", id, err)
		}
	}
	return &t, nil
}

// UpdateTrade persists the trade's mutable fields.
func (p *Postgres) UpdateTrade(ctx context.Context, trade *models.Trade) error {
	milestones, err := json.Marshal(trade.Milestones)
	if err != nil {
		return fmt.Errorf("store: marshal milestones for trade %s: %w", trade.ID, err)
	}

	const query = `
		UPDATE trades
		SET status = $2,
		    requester_progress = $3,
		    provider_progress = $4,
		    milestones = $5,
		    accepted_at = $6,
		    started_at = $7,
		    completed_at = $8,
		    cancelled_at = $9,
		    updated_at = NOW()
		WHERE id = $1`

	res, err := p.db.ExecContext(ctx, query,
		trade.ID, trade.Status,
		trade.RequesterProgress, trade.ProviderProgress, milestones,
		trade.Timeline.AcceptedAt, trade.Timeline.StartedAt,
		trade.Timeline.CompletedAt, trade.Timeline.CancelledAt,
	)
	if err != nil {
		return transient("update trade", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementMessageCount bumps the trade's message counter and last-message
// timestamp.
func (p *Postgres) IncrementMessageCount(ctx context.Context, tradeID string, at time.Time) error {
	const query = `
		UPDATE trades
		SET message_count = message_count + 1,
		    last_message_at = $2,
		    updated_at = NOW()
		WHERE id = $1`

	res, err := p.db.ExecContext(ctx, query, tradeID, at)
	if err != nil {
		return transient("increment message count", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveTradesByUser returns all live, non-archived trades the user
// participates in.
func (p *Postgres) ActiveTradesByUser(ctx context.Context, userID string) ([]models.Trade, error) {
	const query = `
		SELECT id, requester, provider, status,
		       requester_progress, provider_progress, milestones,
		       message_count, last_message_at,
		       proposed_at, accepted_at, started_at, completed_at, cancelled_at,
		       archived, created_at, updated_at
		FROM trades
		WHERE (requester = $1 OR provider = $1)
		  AND NOT archived
		  AND status IN ('pending', 'negotiating', 'accepted', 'in_progress')
		ORDER BY created_at`

	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, transient("active trades by user", err)
	}
	defer rows.Close()

	var out []models.Trade
	for rows.Next() {
		var (
			t          models.Trade
			milestones []byte
		)
		if err := rows.Scan(
			&t.ID, &t.Requester, &t.Provider, &t.Status,
			&t.RequesterProgress, &t.ProviderProgress, &milestones,
			&t.MessageCount, &t.LastMessageAt,
			&t.Timeline.ProposedAt, &t.Timeline.AcceptedAt, &t.Timeline.StartedAt,
			&t.Timeline.CompletedAt, &t.Timeline.CancelledAt,
			&t.Archived, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, transient("scan trade", err)
		}
		if len(milestones) > 0 {
			if err := json.Unmarshal(milestones, &t.Milestones); err != nil {
				return nil, fmt.Errorf("store: unmarshal milestones for trade %s: %w", t.ID, err)
			}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("iterate trades", err)
	}
	return out, nil
}

// CreateMessage inserts a new message.
func (p *Postgres) CreateMessage(ctx context.Context, msg *models.Message) error {
	var sysEvent []byte
	if msg.SystemEvent != nil {
		var err error
		sysEvent, err = json.Marshal(msg.SystemEvent)
		if err != nil {
			return fmt.Errorf("store: marshal system event: %w", err)
		}
	}

	const query = `
		INSERT INTO messages (id, trade_id, sender, recipient, content,
		                      message_type, status, reply_to, system_event,
		                      delivered_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11)`

	_, err := p.db.ExecContext(ctx, query,
		msg.ID, msg.TradeID, msg.Sender, msg.Recipient, msg.Content,
		msg.Type, msg.Status, msg.ReplyTo, sysEvent,
		msg.DeliveredAt, msg.CreatedAt,
	)
	if err != nil {
		return transient("create message", err)
	}
	return nil
}

// MarkMessageRead advances a single message to read when readerID is its
// recipient. The WHERE clause enforces both the recipient check and the
// monotonicity of the delivery state; a non-matching row is a silent no-op.
func (p *Postgres) MarkMessageRead(ctx context.Context, messageID, readerID string, at time.Time) (*models.Message, error) {
	const query = `
		UPDATE messages
		SET status = 'read',
		    read_at = $3,
		    delivered_at = COALESCE(delivered_at, $3)
		WHERE id = $1 AND recipient = $2 AND status <> 'read'
		RETURNING id, trade_id, sender, recipient, content, message_type,
		          status, COALESCE(reply_to, ''), delivered_at, read_at, created_at`

	var msg models.Message
	err := p.db.QueryRowContext(ctx, query, messageID, readerID, at).Scan(
		&msg.ID, &msg.TradeID, &msg.Sender, &msg.Recipient, &msg.Content,
		&msg.Type, &msg.Status, &msg.ReplyTo, &msg.DeliveredAt, &msg.ReadAt,
		&msg.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, transient("mark message read", err)
	}
	return &msg, nil
}

// MarkTradeMessagesRead advances every unread message addressed to readerID
// within the trade.
func (p *Postgres) MarkTradeMessagesRead(ctx context.Context, tradeID, readerID string, at time.Time) (int, error) {
	const query = `
		UPDATE messages
		SET status = 'read',
		    read_at = $3,
		    delivered_at = COALESCE(delivered_at, $3)
		WHERE trade_id = $1 AND recipient = $2 AND status <> 'read'`

	res, err := p.db.ExecContext(ctx, query, tradeID, readerID, at)
	if err != nil {
		return 0, transient("mark trade messages read", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListTradeMessages returns the most recent messages for a trade in
// chronological order, up to limit.
func (p *Postgres) ListTradeMessages(ctx context.Context, tradeID string, limit int) ([]models.Message, error) {
	const query = `
		SELECT id, trade_id, sender, recipient, content, message_type,
		       status, COALESCE(reply_to, ''), system_event,
		       delivered_at, read_at, created_at
		FROM messages
		WHERE trade_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, tradeID, limit)
	if err != nil {
		return nil, transient("list trade messages", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var (
			msg      models.Message
			sysEvent []byte
		)
		if err := rows.Scan(
			&msg.ID, &msg.TradeID, &msg.Sender, &msg.Recipient, &msg.Content,
			&msg.Type, &msg.Status, &msg.ReplyTo, &sysEvent,
			&msg.DeliveredAt, &msg.ReadAt, &msg.CreatedAt,
		); err != nil {
			return nil, transient("scan message", err)
		}
		if len(sysEvent) > 0 {
			if err := json.Unmarshal(sysEvent, &msg.SystemEvent); err != nil {
				return nil, fmt.Errorf("store: unmarshal system event for message %s: %w", msg.ID, err)
			}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("iterate messages", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
