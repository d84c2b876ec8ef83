package trade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skillswap/trade-engine/internal/models"
	"github.com/skillswap/trade-engine/internal/store"
)

// recorderStub captures system messages instead of persisting them.
type recorderStub struct {
	recorded []models.Message
	err      error
}

func (r *recorderStub) Record(ctx context.Context, msg *models.Message) error {
	if r.err != nil {
		return r.err
	}
	r.recorded = append(r.recorded, *msg)
	return nil
}

func setupMachine(t *testing.T, status string) (*Machine, *store.Memory, *recorderStub) {
	t.Helper()
	mem := store.NewMemory()
	mem.PutTrade(models.Trade{
		ID:        "trade-1",
		Requester: "alice",
		Provider:  "bob",
		Status:    status,
	})
	rec := &recorderStub{}
	return NewMachine(mem, rec), mem, rec
}

// ---------------------------------------------------------------------------
// Test: the full transition table, legal and illegal moves
// ---------------------------------------------------------------------------

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to string }{
		{models.StatusPending, models.StatusAccepted},
		{models.StatusPending, models.StatusCancelled},
		{models.StatusNegotiating, models.StatusAccepted},
		{models.StatusNegotiating, models.StatusCancelled},
		{models.StatusAccepted, models.StatusInProgress},
		{models.StatusAccepted, models.StatusCancelled},
		{models.StatusInProgress, models.StatusCompleted},
		{models.StatusInProgress, models.StatusCancelled},
		{models.StatusInProgress, models.StatusDisputed},
		{models.StatusDisputed, models.StatusInProgress},
		{models.StatusDisputed, models.StatusCancelled},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to string }{
		{models.StatusPending, models.StatusInProgress},
		{models.StatusPending, models.StatusCompleted},
		{models.StatusNegotiating, models.StatusInProgress},
		{models.StatusAccepted, models.StatusCompleted},
		{models.StatusAccepted, models.StatusDisputed},
		{models.StatusCompleted, models.StatusInProgress},
		{models.StatusCompleted, models.StatusCancelled},
		{models.StatusCancelled, models.StatusPending},
		{models.StatusCancelled, models.StatusAccepted},
		{models.StatusDisputed, models.StatusCompleted},
		{models.StatusInProgress, models.StatusAccepted},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be illegal", tc.from, tc.to)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Transition applies the change, stamps the timeline, and records
// exactly one system message
// ---------------------------------------------------------------------------

func TestTransition_Accept(t *testing.T) {
	m, mem, rec := setupMachine(t, models.StatusPending)
	ctx := context.Background()

	res, err := m.Transition(ctx, "alice", "trade-1", models.StatusAccepted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Trade.Status != models.StatusAccepted {
		t.Errorf("expected status accepted, got %q", res.Trade.Status)
	}
	if res.Trade.Timeline.AcceptedAt == nil {
		t.Error("expected AcceptedAt to be stamped")
	}
	if res.SystemMessage == nil {
		t.Fatal("expected a system message")
	}
	if res.SystemMessage.Content != "Trade proposal has been accepted!" {
		t.Errorf("unexpected system message content: %q", res.SystemMessage.Content)
	}
	if res.SystemMessage.SystemEvent == nil || res.SystemMessage.SystemEvent.Action != "trade_accepted" {
		t.Errorf("unexpected system event: %+v", res.SystemMessage.SystemEvent)
	}
	if len(rec.recorded) != 1 {
		t.Fatalf("expected exactly 1 recorded message, got %d", len(rec.recorded))
	}

	// The store sees the new status too.
	stored, err := mem.GetTrade(ctx, "trade-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Status != models.StatusAccepted {
		t.Errorf("expected stored status accepted, got %q", stored.Status)
	}
}

func TestTransition_Illegal(t *testing.T) {
	m, mem, rec := setupMachine(t, models.StatusPending)
	ctx := context.Background()

	_, err := m.Transition(ctx, "alice", "trade-1", models.StatusCompleted)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// Rejection leaves the trade untouched and records nothing.
	stored, _ := mem.GetTrade(ctx, "trade-1")
	if stored.Status != models.StatusPending {
		t.Errorf("expected status unchanged, got %q", stored.Status)
	}
	if len(rec.recorded) != 0 {
		t.Errorf("expected no system message, got %d", len(rec.recorded))
	}
}

func TestTransition_NonParticipant(t *testing.T) {
	m, _, _ := setupMachine(t, models.StatusPending)

	_, err := m.Transition(context.Background(), "mallory", "trade-1", models.StatusAccepted)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestTransition_UnknownTrade(t *testing.T) {
	m, _, _ := setupMachine(t, models.StatusPending)

	_, err := m.Transition(context.Background(), "alice", "no-such-trade", models.StatusAccepted)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// Timeline timestamps are stamped on first entry only: a disputed trade
// returning to in_progress keeps its original StartedAt.
func TestTransition_TimelineFirstEntryOnly(t *testing.T) {
	m, mem, _ := setupMachine(t, models.StatusInProgress)
	ctx := context.Background()

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr, _ := mem.GetTrade(ctx, "trade-1")
	tr.Timeline.StartedAt = &started
	if err := mem.UpdateTrade(ctx, tr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := m.Transition(ctx, "bob", "trade-1", models.StatusDisputed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := m.Transition(ctx, "bob", "trade-1", models.StatusInProgress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Trade.Timeline.StartedAt == nil || !res.Trade.Timeline.StartedAt.Equal(started) {
		t.Errorf("expected StartedAt to keep its original value, got %v", res.Trade.Timeline.StartedAt)
	}
}

// ---------------------------------------------------------------------------
// Test: progress updates — clamping, side assignment, mutual completion
// ---------------------------------------------------------------------------

func TestUpdateProgress_Clamp(t *testing.T) {
	m, _, _ := setupMachine(t, models.StatusInProgress)
	ctx := context.Background()

	res, err := m.UpdateProgress(ctx, "alice", "trade-1", 150)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Trade.RequesterProgress != 100 {
		t.Errorf("expected requester progress clamped to 100, got %d", res.Trade.RequesterProgress)
	}
	if res.Trade.ProviderProgress != 0 {
		t.Errorf("expected provider progress untouched, got %d", res.Trade.ProviderProgress)
	}
	// One side at 100 does not complete the trade.
	if res.Trade.Status != models.StatusInProgress {
		t.Errorf("expected status in_progress, got %q", res.Trade.Status)
	}

	res, err = m.UpdateProgress(ctx, "bob", "trade-1", -25)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Trade.ProviderProgress != 0 {
		t.Errorf("expected provider progress clamped to 0, got %d", res.Trade.ProviderProgress)
	}
}

func TestUpdateProgress_MutualCompletion(t *testing.T) {
	// Either order of reaching 100/100 forces completion.
	orders := [][2]string{{"alice", "bob"}, {"bob", "alice"}}
	for _, order := range orders {
		m, _, rec := setupMachine(t, models.StatusInProgress)
		ctx := context.Background()

		res, err := m.UpdateProgress(ctx, order[0], "trade-1", 100)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Trade.Status != models.StatusInProgress {
			t.Fatalf("first 100%% must not complete the trade, got %q", res.Trade.Status)
		}

		res, err = m.UpdateProgress(ctx, order[1], "trade-1", 100)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Trade.Status != models.StatusCompleted {
			t.Errorf("expected forced completion, got %q", res.Trade.Status)
		}
		if res.Trade.Timeline.CompletedAt == nil {
			t.Error("expected CompletedAt to be stamped")
		}
		// Each progress update records exactly one system message.
		if len(rec.recorded) != 2 {
			t.Errorf("expected 2 system messages, got %d", len(rec.recorded))
		}
	}
}

// A cancelled trade is not resurrected by a late progress report, but a
// disputed one settles into completed when both sides report 100.
func TestUpdateProgress_TerminalAndDisputed(t *testing.T) {
	m, mem, _ := setupMachine(t, models.StatusCancelled)
	ctx := context.Background()

	tr, _ := mem.GetTrade(ctx, "trade-1")
	tr.RequesterProgress = 100
	if err := mem.UpdateTrade(ctx, tr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := m.UpdateProgress(ctx, "bob", "trade-1", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Trade.Status != models.StatusCancelled {
		t.Errorf("expected cancelled to stay cancelled, got %q", res.Trade.Status)
	}

	m2, mem2, _ := setupMachine(t, models.StatusDisputed)
	tr2, _ := mem2.GetTrade(ctx, "trade-1")
	tr2.RequesterProgress = 100
	if err := mem2.UpdateTrade(ctx, tr2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err = m2.UpdateProgress(ctx, "bob", "trade-1", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Trade.Status != models.StatusCompleted {
		t.Errorf("expected disputed trade to complete at 100/100, got %q", res.Trade.Status)
	}
}

// ---------------------------------------------------------------------------
// Test: milestones — defaults, completion, unknown ids
// ---------------------------------------------------------------------------

func TestAddMilestone_DefaultDueDate(t *testing.T) {
	m, _, rec := setupMachine(t, models.StatusInProgress)
	ctx := context.Background()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	res, err := m.AddMilestone(ctx, "alice", "trade-1", "First session", "intro call", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Trade.Milestones) != 1 {
		t.Fatalf("expected 1 milestone, got %d", len(res.Trade.Milestones))
	}
	ms := res.Trade.Milestones[0]
	if ms.ID == "" {
		t.Error("expected milestone id to be assigned")
	}
	if !ms.DueDate.Equal(now.Add(DefaultMilestoneDue)) {
		t.Errorf("expected due date 7 days out, got %v", ms.DueDate)
	}
	if ms.Completed {
		t.Error("new milestone must not be completed")
	}
	// Additions do not synthesize a system message.
	if res.SystemMessage != nil || len(rec.recorded) != 0 {
		t.Errorf("expected no system message on add, got %d", len(rec.recorded))
	}
}

func TestCompleteMilestone(t *testing.T) {
	m, _, rec := setupMachine(t, models.StatusInProgress)
	ctx := context.Background()

	added, err := m.AddMilestone(ctx, "alice", "trade-1", "First session", "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msID := added.Trade.Milestones[0].ID

	res, err := m.CompleteMilestone(ctx, "bob", "trade-1", msID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ms := res.Trade.Milestones[0]
	if !ms.Completed {
		t.Error("expected milestone completed")
	}
	if ms.CompletedBy != "bob" {
		t.Errorf("expected completed by bob, got %q", ms.CompletedBy)
	}
	if ms.CompletedAt == nil {
		t.Error("expected completion timestamp")
	}
	if len(rec.recorded) != 1 {
		t.Fatalf("expected 1 system message, got %d", len(rec.recorded))
	}
	if rec.recorded[0].SystemEvent.Action != "milestone_completed" {
		t.Errorf("unexpected action %q", rec.recorded[0].SystemEvent.Action)
	}
}

func TestCompleteMilestone_Unknown(t *testing.T) {
	m, _, rec := setupMachine(t, models.StatusInProgress)

	_, err := m.CompleteMilestone(context.Background(), "alice", "trade-1", "no-such-milestone")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(rec.recorded) != 0 {
		t.Errorf("expected no system message, got %d", len(rec.recorded))
	}
}

// A recorder failure propagates: the caller must not broadcast an update
// whose system message was never persisted.
func TestTransition_RecorderFailure(t *testing.T) {
	mem := store.NewMemory()
	mem.PutTrade(models.Trade{ID: "trade-1", Requester: "alice", Provider: "bob", Status: models.StatusPending})
	rec := &recorderStub{err: errors.New("boom")}
	m := NewMachine(mem, rec)

	_, err := m.Transition(context.Background(), "alice", "trade-1", models.StatusAccepted)
	if err == nil {
		t.Fatal("expected error from recorder")
	}
}
