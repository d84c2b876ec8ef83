// Package trade implements the trade lifecycle state machine: status
// transitions, per-participant progress tracking, and milestones. Every
// successful change synthesizes exactly one system message through the
// delivery pipeline's persistence path.
package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skillswap/trade-engine/internal/models"
	"github.com/skillswap/trade-engine/internal/store"
)

var (
	// ErrNotAuthorized indicates the caller is authenticated but not a
	// participant of the trade. The operation is rejected; the connection
	// stays open.
	ErrNotAuthorized = errors.New("trade: not a participant")

	// ErrInvalidTransition indicates a status change outside the
	// lifecycle's adjacency table.
	ErrInvalidTransition = errors.New("trade: invalid status transition")
)

// transitions is the lifecycle adjacency table. Statuses absent from the map
// (completed, cancelled) are terminal.
var transitions = map[string][]string{
	models.StatusPending:     {models.StatusAccepted, models.StatusCancelled},
	models.StatusNegotiating: {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:    {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress:  {models.StatusCompleted, models.StatusCancelled, models.StatusDisputed},
	models.StatusDisputed:    {models.StatusInProgress, models.StatusCancelled},
}

// CanTransition reports whether moving from one status to another is legal
// per the adjacency table.
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// DefaultMilestoneDue is how far out a milestone's due date defaults when
// the caller does not supply one.
const DefaultMilestoneDue = 7 * 24 * time.Hour

// Recorder persists a synthesized system message, bypassing the delivery
// pipeline's authorization and recipient-resolution steps. Implemented by
// delivery.Pipeline.
type Recorder interface {
	Record(ctx context.Context, msg *models.Message) error
}

// Result carries the outcome of a state machine operation: the updated trade
// snapshot and the synthesized system message, if the operation produces one.
type Result struct {
	Trade         *models.Trade
	SystemMessage *models.Message
}

// Machine validates and applies trade mutations. It is the only component
// that writes trade state.
type Machine struct {
	trades   store.TradeStore
	recorder Recorder
	now      func() time.Time
}

// NewMachine creates a state machine over the given trade store and system
// message recorder.
func NewMachine(trades store.TradeStore, recorder Recorder) *Machine {
	return &Machine{trades: trades, recorder: recorder, now: time.Now}
}

// Transition moves the trade to a new status. The caller must be a
// participant and the move must be legal per the adjacency table; on
// rejection the trade's status is unchanged and no system message is
// created.
func (m *Machine) Transition(ctx context.Context, userID, tradeID, newStatus string) (*Result, error) {
	t, err := m.trades.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.IsParticipant(userID) {
		return nil, ErrNotAuthorized
	}
	if !CanTransition(t.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, newStatus)
	}

	prev := t.Status
	t.Status = newStatus
	m.stampTimeline(t)

	if err := m.trades.UpdateTrade(ctx, t); err != nil {
		return nil, err
	}

	sysMsg, err := m.recordSystem(ctx, t, userID, "trade_"+newStatus, prev, newStatus,
		statusNotice(newStatus))
	if err != nil {
		return nil, err
	}
	return &Result{Trade: t, SystemMessage: sysMsg}, nil
}

// UpdateProgress clamps percent to [0,100] and assigns it to whichever side
// the user plays. When both sides reach 100 the trade is forced to completed
// regardless of the adjacency table — unless the trade is already terminal,
// which stays as it is (a cancelled trade is not resurrected by a late
// progress report). Disputed trades are overridden: objectively finished
// work settles the dispute.
func (m *Machine) UpdateProgress(ctx context.Context, userID, tradeID string, percent int) (*Result, error) {
	t, err := m.trades.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.IsParticipant(userID) {
		return nil, ErrNotAuthorized
	}

	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	switch userID {
	case t.Requester:
		t.RequesterProgress = percent
	case t.Provider:
		t.ProviderProgress = percent
	}

	if t.RequesterProgress == 100 && t.ProviderProgress == 100 && !t.Terminal() {
		t.Status = models.StatusCompleted
		m.stampTimeline(t)
	}

	if err := m.trades.UpdateTrade(ctx, t); err != nil {
		return nil, err
	}

	sysMsg, err := m.recordSystem(ctx, t, userID, "progress_updated", "",
		fmt.Sprintf("%d", percent), fmt.Sprintf("Progress updated to %d%%", percent))
	if err != nil {
		return nil, err
	}
	return &Result{Trade: t, SystemMessage: sysMsg}, nil
}

// AddMilestone appends a milestone to the trade. A missing due date defaults
// to 7 days out. Titles are not required to be unique. Milestone additions
// do not synthesize a system message; only completions do.
func (m *Machine) AddMilestone(ctx context.Context, userID, tradeID, title, description string, due *time.Time) (*Result, error) {
	t, err := m.trades.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.IsParticipant(userID) {
		return nil, ErrNotAuthorized
	}

	dueDate := m.now().Add(DefaultMilestoneDue)
	if due != nil {
		dueDate = *due
	}
	t.Milestones = append(t.Milestones, models.Milestone{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		DueDate:     dueDate,
	})

	if err := m.trades.UpdateTrade(ctx, t); err != nil {
		return nil, err
	}
	return &Result{Trade: t}, nil
}

// CompleteMilestone marks a milestone complete, recording who completed it
// and when. An unknown milestone id yields ErrNotFound and no change.
func (m *Machine) CompleteMilestone(ctx context.Context, userID, tradeID, milestoneID string) (*Result, error) {
	t, err := m.trades.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.IsParticipant(userID) {
		return nil, ErrNotAuthorized
	}

	ms := t.Milestone(milestoneID)
	if ms == nil {
		return nil, fmt.Errorf("milestone %s: %w", milestoneID, store.ErrNotFound)
	}
	now := m.now()
	ms.Completed = true
	ms.CompletedBy = userID
	ms.CompletedAt = &now

	if err := m.trades.UpdateTrade(ctx, t); err != nil {
		return nil, err
	}

	sysMsg, err := m.recordSystem(ctx, t, userID, "milestone_completed", "", ms.Title,
		fmt.Sprintf("Milestone %q has been completed!", ms.Title))
	if err != nil {
		return nil, err
	}
	return &Result{Trade: t, SystemMessage: sysMsg}, nil
}

// stampTimeline sets the timeline timestamp for the trade's current status
// on first entry only.
func (m *Machine) stampTimeline(t *models.Trade) {
	now := m.now()
	switch t.Status {
	case models.StatusAccepted:
		if t.Timeline.AcceptedAt == nil {
			t.Timeline.AcceptedAt = &now
		}
	case models.StatusInProgress:
		if t.Timeline.StartedAt == nil {
			t.Timeline.StartedAt = &now
		}
	case models.StatusCompleted:
		if t.Timeline.CompletedAt == nil {
			t.Timeline.CompletedAt = &now
		}
	case models.StatusCancelled:
		if t.Timeline.CancelledAt == nil {
			t.Timeline.CancelledAt = &now
		}
	}
}

// recordSystem builds and persists the system message describing a state
// change. The actor is already known, so the authorization and recipient
// resolution of the normal send path are skipped.
func (m *Machine) recordSystem(ctx context.Context, t *models.Trade, actor, action, prev, next, content string) (*models.Message, error) {
	msg := &models.Message{
		ID:        uuid.New().String(),
		TradeID:   t.ID,
		Sender:    actor,
		Recipient: t.OtherParticipant(actor),
		Content:   content,
		Type:      models.MessageSystem,
		Status:    models.DeliverySent,
		SystemEvent: &models.SystemEvent{
			Action:        action,
			PreviousValue: prev,
			NewValue:      next,
		},
		CreatedAt: m.now(),
	}
	if err := m.recorder.Record(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// statusNotice returns the human-readable system message content for a
// status transition.
func statusNotice(status string) string {
	switch status {
	case models.StatusAccepted:
		return "Trade proposal has been accepted!"
	case models.StatusInProgress:
		return "Trade has started. Good luck!"
	case models.StatusCompleted:
		return "Trade has been completed successfully!"
	case models.StatusCancelled:
		return "Trade has been cancelled."
	case models.StatusDisputed:
		return "Trade has been marked as disputed."
	}
	return "Trade status updated to " + status
}
