package models

import "time"

// Trade lifecycle statuses.
const (
	StatusPending     = "pending"
	StatusNegotiating = "negotiating"
	StatusAccepted    = "accepted"
	StatusInProgress  = "in_progress"
	StatusCompleted   = "completed"
	StatusCancelled   = "cancelled"
	StatusDisputed    = "disputed"
)

// Milestone is a single entry in a trade's ordered milestone list.
type Milestone struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DueDate     time.Time  `json:"due_date"`
	Completed   bool       `json:"completed"`
	CompletedBy string     `json:"completed_by,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Timeline records when a trade first entered each lifecycle stage. A zero
// time means the trade never reached that stage.
type Timeline struct {
	ProposedAt  time.Time  `json:"proposed_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Trade is a two-party skill exchange agreement. Exactly two users are bound
// to a trade: the requester and the provider. The two-party shape is an
// invariant enforced at creation time; OtherParticipant relies on it.
type Trade struct {
	ID                string      `json:"id"`
	Requester         string      `json:"requester"`
	Provider          string      `json:"provider"`
	Status            string      `json:"status"`
	RequesterProgress int         `json:"requester_progress"`
	ProviderProgress  int         `json:"provider_progress"`
	Milestones        []Milestone `json:"milestones"`
	MessageCount      int         `json:"message_count"`
	LastMessageAt     time.Time   `json:"last_message_at"`
	Timeline          Timeline    `json:"timeline"`
	Archived          bool        `json:"-"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// IsParticipant reports whether userID is one of the trade's two parties.
func (t *Trade) IsParticipant(userID string) bool {
	return t.Requester == userID || t.Provider == userID
}

// OtherParticipant returns the counterpart of userID, or "" if userID is not
// a participant. Valid only under the strict two-party invariant.
func (t *Trade) OtherParticipant(userID string) string {
	switch userID {
	case t.Requester:
		return t.Provider
	case t.Provider:
		return t.Requester
	}
	return ""
}

// Terminal reports whether the trade has reached a final state from which no
// further transitions are allowed.
func (t *Trade) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusCancelled
}

// Live reports whether the trade should still receive presence updates.
// Completed, cancelled, and disputed trades are excluded.
func (t *Trade) Live() bool {
	switch t.Status {
	case StatusPending, StatusNegotiating, StatusAccepted, StatusInProgress:
		return true
	}
	return false
}

// Milestone returns the milestone with the given id, or nil if absent.
func (t *Trade) Milestone(id string) *Milestone {
	for i := range t.Milestones {
		if t.Milestones[i].ID == id {
			return &t.Milestones[i]
		}
	}
	return nil
}
