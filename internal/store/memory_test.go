package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skillswap/trade-engine/internal/models"
)

func seedMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	m.PutUser(models.User{ID: "alice", FirstName: "Alice", Active: true})
	m.PutTrade(models.Trade{ID: "trade-1", Requester: "alice", Provider: "bob", Status: models.StatusInProgress})
	return m
}

// ---------------------------------------------------------------------------
// Test: lookups return ErrNotFound for absent records
// ---------------------------------------------------------------------------

func TestMemory_NotFound(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	if _, err := m.GetUser(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown user, got %v", err)
	}
	if _, err := m.GetTrade(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown trade, got %v", err)
	}
	if err := m.UpdateTrade(ctx, &models.Trade{ID: "ghost"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound updating unknown trade, got %v", err)
	}
	if err := m.IncrementMessageCount(ctx, "ghost", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound incrementing unknown trade, got %v", err)
	}
}

// Returned trades are copies: mutating them must not touch the store.
func TestMemory_GetTradeReturnsCopy(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	tr, _ := m.GetTrade(ctx, "trade-1")
	tr.Status = models.StatusCancelled
	tr.Milestones = append(tr.Milestones, models.Milestone{ID: "m1"})

	stored, _ := m.GetTrade(ctx, "trade-1")
	if stored.Status != models.StatusInProgress {
		t.Errorf("expected stored status unchanged, got %q", stored.Status)
	}
	if len(stored.Milestones) != 0 {
		t.Errorf("expected no milestones in store, got %d", len(stored.Milestones))
	}
}

// ---------------------------------------------------------------------------
// Test: message counter and last-message timestamp
// ---------------------------------------------------------------------------

func TestMemory_IncrementMessageCount(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if err := m.IncrementMessageCount(ctx, "trade-1", at); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.IncrementMessageCount(ctx, "trade-1", at.Add(time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tr, _ := m.GetTrade(ctx, "trade-1")
	if tr.MessageCount != 2 {
		t.Errorf("expected count 2, got %d", tr.MessageCount)
	}
	if !tr.LastMessageAt.Equal(at.Add(time.Minute)) {
		t.Errorf("expected last message at %v, got %v", at.Add(time.Minute), tr.LastMessageAt)
	}
}

// ---------------------------------------------------------------------------
// Test: ActiveTradesByUser filters by participation, liveness, and archive
// ---------------------------------------------------------------------------

func TestMemory_ActiveTradesByUser(t *testing.T) {
	m := NewMemory()
	m.PutTrade(models.Trade{ID: "a", Requester: "alice", Provider: "bob", Status: models.StatusPending})
	m.PutTrade(models.Trade{ID: "b", Requester: "bob", Provider: "alice", Status: models.StatusInProgress})
	m.PutTrade(models.Trade{ID: "c", Requester: "alice", Provider: "bob", Status: models.StatusCompleted})
	m.PutTrade(models.Trade{ID: "d", Requester: "alice", Provider: "bob", Status: models.StatusAccepted, Archived: true})
	m.PutTrade(models.Trade{ID: "e", Requester: "carol", Provider: "dave", Status: models.StatusAccepted})

	trades, err := m.ActiveTradesByUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 active trades, got %d", len(trades))
	}
	if trades[0].ID != "a" || trades[1].ID != "b" {
		t.Errorf("expected trades a,b; got %s,%s", trades[0].ID, trades[1].ID)
	}
}

// ---------------------------------------------------------------------------
// Test: message listing keeps chronology and honors the limit
// ---------------------------------------------------------------------------

func TestMemory_ListTradeMessages(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		if err := m.CreateMessage(ctx, &models.Message{ID: id, TradeID: "trade-1"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := m.CreateMessage(ctx, &models.Message{ID: "other", TradeID: "trade-2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs, err := m.ListTradeMessages(ctx, "trade-1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if msgs[i].ID != want {
			t.Errorf("msgs[%d]: expected %q, got %q", i, want, msgs[i].ID)
		}
	}

	all, _ := m.ListTradeMessages(ctx, "trade-1", 0)
	if len(all) != 4 {
		t.Errorf("expected 4 messages with no limit, got %d", len(all))
	}
}

// ---------------------------------------------------------------------------
// Test: read state never regresses
// ---------------------------------------------------------------------------

func TestMemory_MarkMessageRead(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	msg := &models.Message{
		ID: "m1", TradeID: "trade-1",
		Sender: "alice", Recipient: "bob",
		Status: models.DeliverySent,
	}
	if err := m.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	at := time.Now()
	updated, err := m.MarkMessageRead(ctx, "m1", "bob", at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated == nil {
		t.Fatal("expected an updated message")
	}
	if updated.Status != models.DeliveryRead {
		t.Errorf("expected read, got %q", updated.Status)
	}

	// Repeat read and wrong-reader read both no-op.
	if again, _ := m.MarkMessageRead(ctx, "m1", "bob", at); again != nil {
		t.Error("expected nil for repeat read")
	}
	if wrong, _ := m.MarkMessageRead(ctx, "m1", "alice", at); wrong != nil {
		t.Error("expected nil when reader is not the recipient")
	}
	if missing, _ := m.MarkMessageRead(ctx, "ghost", "bob", at); missing != nil {
		t.Error("expected nil for unknown message")
	}
}

func TestMemory_MarkTradeMessagesRead(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	for i, recipient := range []string{"bob", "bob", "alice"} {
		if err := m.CreateMessage(ctx, &models.Message{
			ID: string(rune('a' + i)), TradeID: "trade-1",
			Recipient: recipient, Status: models.DeliverySent,
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	n, err := m.MarkTradeMessagesRead(ctx, "trade-1", "bob", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 messages advanced, got %d", n)
	}

	// Second pass finds nothing unread.
	n, _ = m.MarkTradeMessagesRead(ctx, "trade-1", "bob", time.Now())
	if n != 0 {
		t.Errorf("expected 0 on repeat, got %d", n)
	}
}
