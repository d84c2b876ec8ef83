package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/skillswap/trade-engine/internal/models"
	"github.com/skillswap/trade-engine/internal/store"
	"github.com/skillswap/trade-engine/internal/trade"
)

// senderStub records every payload pushed to a user.
type senderStub struct {
	mu    sync.Mutex
	sends map[string][][]byte
}

func newSenderStub() *senderStub {
	return &senderStub{sends: make(map[string][][]byte)}
}

func (s *senderStub) SendToUser(userID string, data []byte) error {
	s.mu.Lock()
	s.sends[userID] = append(s.sends[userID], data)
	s.mu.Unlock()
	return nil
}

func (s *senderStub) count(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends[userID])
}

func (s *senderStub) lastType(t *testing.T, userID string) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.sends[userID]
	if len(msgs) == 0 {
		t.Fatalf("no messages sent to %s", userID)
	}
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msgs[len(msgs)-1], &env); err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
	return env.Type
}

func setupManager(t *testing.T) (*Manager, *senderStub) {
	t.Helper()
	mem := store.NewMemory()
	mem.PutTrade(models.Trade{
		ID:        "trade-1",
		Requester: "alice",
		Provider:  "bob",
		Status:    models.StatusInProgress,
	})
	sender := newSenderStub()
	return NewManager(mem, mem, sender), sender
}

func user(id string) models.User {
	return models.User{ID: id, Active: true}
}

// ---------------------------------------------------------------------------
// Test: participants can join, outsiders cannot, admins always can
// ---------------------------------------------------------------------------

func TestJoin_Authorization(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	if _, err := m.Join(ctx, user("alice"), "trade-1"); err != nil {
		t.Fatalf("participant join failed: %v", err)
	}

	_, err := m.Join(ctx, user("mallory"), "trade-1")
	if !errors.Is(err, trade.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if m.IsMember("mallory", "trade-1") {
		t.Error("rejected user must not be a member")
	}

	admin := models.User{ID: "root", Role: models.RoleAdmin, Active: true}
	if _, err := m.Join(ctx, admin, "trade-1"); err != nil {
		t.Fatalf("admin join failed: %v", err)
	}
}

// A failed join against an absent room must not create the room as a side
// effect.
func TestJoin_NoRoomOnRejection(t *testing.T) {
	m, _ := setupManager(t)

	if _, err := m.Join(context.Background(), user("mallory"), "trade-1"); err == nil {
		t.Fatal("expected join to fail")
	}
	if m.RoomCount() != 0 {
		t.Errorf("expected 0 rooms, got %d", m.RoomCount())
	}
}

func TestJoin_UnknownTrade(t *testing.T) {
	m, _ := setupManager(t)

	_, err := m.Join(context.Background(), user("alice"), "no-such-trade")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: join notifies existing members, not the joiner
// ---------------------------------------------------------------------------

func TestJoin_NotifiesOthers(t *testing.T) {
	m, sender := setupManager(t)
	ctx := context.Background()

	if _, err := m.Join(ctx, user("alice"), "trade-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender.count("alice") != 0 {
		t.Errorf("first joiner must receive nothing, got %d", sender.count("alice"))
	}

	if _, err := m.Join(ctx, user("bob"), "trade-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender.count("alice") != 1 {
		t.Fatalf("expected 1 notification for alice, got %d", sender.count("alice"))
	}
	if typ := sender.lastType(t, "alice"); typ != "participant-joined" {
		t.Errorf("expected participant-joined, got %q", typ)
	}
	if sender.count("bob") != 0 {
		t.Errorf("joiner must not be notified about itself, got %d", sender.count("bob"))
	}
}

// ---------------------------------------------------------------------------
// Test: the replay buffer hands recent messages to late joiners
// ---------------------------------------------------------------------------

func TestJoin_ReplaysRecentMessages(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	if _, err := m.Join(ctx, user("alice"), "trade-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Remember("trade-1", models.Message{ID: "m1", TradeID: "trade-1", Content: "hi"})
	m.Remember("trade-1", models.Message{ID: "m2", TradeID: "trade-1", Content: "there"})

	recent, err := m.Join(ctx, user("bob"), "trade-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 replayed messages, got %d", len(recent))
	}
	if recent[0].ID != "m1" || recent[1].ID != "m2" {
		t.Errorf("expected chronological order m1,m2, got %s,%s", recent[0].ID, recent[1].ID)
	}
}

// A fresh room has an empty buffer; the first joiner gets history from the
// message store instead.
func TestJoin_BackfillsFromStore(t *testing.T) {
	mem := store.NewMemory()
	mem.PutTrade(models.Trade{ID: "trade-1", Requester: "alice", Provider: "bob", Status: models.StatusInProgress})
	ctx := context.Background()
	for _, id := range []string{"m1", "m2"} {
		if err := mem.CreateMessage(ctx, &models.Message{ID: id, TradeID: "trade-1", Sender: "alice", Recipient: "bob", Content: id}); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}
	m := NewManager(mem, mem, newSenderStub())

	recent, err := m.Join(ctx, user("bob"), "trade-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 backfilled messages, got %d", len(recent))
	}
	if recent[0].ID != "m1" || recent[1].ID != "m2" {
		t.Errorf("expected chronological order m1,m2, got %s,%s", recent[0].ID, recent[1].ID)
	}
}

// The buffer is bounded: only the most recent messages survive.
func TestRingBuffer_Overflow(t *testing.T) {
	rb := newRingBuffer(3)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		rb.add(models.Message{ID: id})
	}
	snap := rb.snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(snap))
	}
	for i, want := range []string{"c", "d", "e"} {
		if snap[i].ID != want {
			t.Errorf("snapshot[%d]: expected %q, got %q", i, want, snap[i].ID)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: broadcast reaches members, honors exclusion, skips absent rooms
// ---------------------------------------------------------------------------

func TestBroadcast(t *testing.T) {
	m, sender := setupManager(t)
	ctx := context.Background()

	m.Join(ctx, user("alice"), "trade-1")
	m.Join(ctx, user("bob"), "trade-1")
	sender.mu.Lock()
	sender.sends = make(map[string][][]byte) // discard join notifications
	sender.mu.Unlock()

	m.Broadcast("trade-1", []byte(`{"type":"message:new"}`), "")
	if sender.count("alice") != 1 || sender.count("bob") != 1 {
		t.Errorf("expected both members to receive the event, got alice=%d bob=%d",
			sender.count("alice"), sender.count("bob"))
	}

	m.Broadcast("trade-1", []byte(`{"type":"message:read"}`), "alice")
	if sender.count("alice") != 1 {
		t.Errorf("excluded member must not receive the event")
	}
	if sender.count("bob") != 2 {
		t.Errorf("expected bob to receive the second event, got %d", sender.count("bob"))
	}

	// Absent room: no error, no delivery.
	m.Broadcast("no-such-trade", []byte(`{}`), "")
}

// ---------------------------------------------------------------------------
// Test: leave discards empty rooms and notifies the remainder
// ---------------------------------------------------------------------------

func TestLeave(t *testing.T) {
	m, sender := setupManager(t)
	ctx := context.Background()

	m.Join(ctx, user("alice"), "trade-1")
	m.Join(ctx, user("bob"), "trade-1")

	m.Leave("alice", "trade-1")
	if m.IsMember("alice", "trade-1") {
		t.Error("alice must no longer be a member")
	}
	if typ := sender.lastType(t, "bob"); typ != "participant-left" {
		t.Errorf("expected participant-left, got %q", typ)
	}

	m.Leave("bob", "trade-1")
	if m.RoomCount() != 0 {
		t.Errorf("expected empty room to be discarded, got %d rooms", m.RoomCount())
	}

	// Leaving twice is a no-op.
	m.Leave("bob", "trade-1")
}

// ---------------------------------------------------------------------------
// Test: DropUser removes the user from every room at once
// ---------------------------------------------------------------------------

func TestDropUser(t *testing.T) {
	mem := store.NewMemory()
	mem.PutTrade(models.Trade{ID: "trade-1", Requester: "alice", Provider: "bob", Status: models.StatusInProgress})
	mem.PutTrade(models.Trade{ID: "trade-2", Requester: "alice", Provider: "carol", Status: models.StatusAccepted})
	sender := newSenderStub()
	m := NewManager(mem, mem, sender)
	ctx := context.Background()

	m.Join(ctx, user("alice"), "trade-1")
	m.Join(ctx, user("bob"), "trade-1")
	m.Join(ctx, user("alice"), "trade-2")
	m.Join(ctx, user("carol"), "trade-2")

	left := m.DropUser("alice")
	if left != 2 {
		t.Fatalf("expected alice dropped from 2 rooms, got %d", left)
	}
	if m.IsMember("alice", "trade-1") || m.IsMember("alice", "trade-2") {
		t.Error("alice must be out of all rooms")
	}
	if typ := sender.lastType(t, "bob"); typ != "participant-left" {
		t.Errorf("expected participant-left for bob, got %q", typ)
	}
	if typ := sender.lastType(t, "carol"); typ != "participant-left" {
		t.Errorf("expected participant-left for carol, got %q", typ)
	}

	if m.DropUser("alice") != 0 {
		t.Error("second drop must be a no-op")
	}
}
