package models

import "time"

// Message types.
const (
	MessageText           = "text"
	MessageSystem         = "system"
	MessageProposal       = "proposal"
	MessageMeetingRequest = "meeting_request"
	MessageFile           = "file"
	MessageMilestone      = "milestone"
	MessageCompletion     = "completion"
)

// Message delivery statuses. The delivery state advances monotonically
// sent -> delivered -> read and never regresses.
const (
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryRead      = "read"
)

// deliveryRank orders delivery statuses for monotonicity checks.
var deliveryRank = map[string]int{
	DeliverySent:      0,
	DeliveryDelivered: 1,
	DeliveryRead:      2,
}

// DeliveryAdvances reports whether moving from one delivery status to
// another is a forward step. Backward moves and unknown statuses are not
// advances.
func DeliveryAdvances(from, to string) bool {
	fr, ok := deliveryRank[from]
	if !ok {
		return false
	}
	tr, ok := deliveryRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// ValidMessageType reports whether t is one of the allowed message types.
func ValidMessageType(t string) bool {
	switch t {
	case MessageText, MessageSystem, MessageProposal, MessageMeetingRequest,
		MessageFile, MessageMilestone, MessageCompletion:
		return true
	}
	return false
}

// SystemEvent is the structured payload attached to system messages,
// describing the state change that produced them.
type SystemEvent struct {
	Action        string `json:"action"`
	PreviousValue string `json:"previous_value,omitempty"`
	NewValue      string `json:"new_value,omitempty"`
}

// Message is a single chat-stream entry within a trade. Sender and recipient
// are always the trade's two participants.
type Message struct {
	ID          string       `json:"id"`
	TradeID     string       `json:"trade_id"`
	Sender      string       `json:"sender"`
	Recipient   string       `json:"recipient"`
	Content     string       `json:"content"`
	Type        string       `json:"message_type"`
	Status      string       `json:"status"`
	ReplyTo     string       `json:"reply_to,omitempty"`
	SystemEvent *SystemEvent `json:"system_event,omitempty"`
	DeliveredAt *time.Time   `json:"delivered_at,omitempty"`
	ReadAt      *time.Time   `json:"read_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}
