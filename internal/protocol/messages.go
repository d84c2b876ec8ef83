// Package protocol defines the WebSocket message types and structures used
// for communication between the client and server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/skillswap/trade-engine/internal/models"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeTradeJoin    = "trade:join"
	TypeTradeLeave   = "trade:leave"
	TypeMessageSend  = "message:send"
	TypeMessageRead  = "message:read"
	TypeTypingStart  = "typing:start"
	TypeTypingStop   = "typing:stop"
	TypeTradeUpdate  = "trade:update"
	TypeStatusUpdate = "status:update"
	TypePing         = "ping"
)

// Server -> Client message types. TypeMessageRead, TypeTypingStart, and
// TypeTypingStop are shared with the client-side constants above: the server
// echoes them to the rest of the room.
const (
	TypeConnectionSuccess = "connection:success"
	TypeTradeJoined       = "trade:joined"
	TypeTradeLeft         = "trade:left"
	TypeParticipantJoined = "participant-joined"
	TypeParticipantLeft   = "participant-left"
	TypeMessageNew        = "message:new"
	TypeTradeUpdated      = "trade:updated"
	TypePresenceUpdate    = "presence:update"
	TypeError             = "error"
	TypePong              = "pong"
)

// Presence statuses a client may self-report via status:update.
const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceBusy    = "busy"
	PresenceOffline = "offline"
)

// ValidPresence reports whether s is one of the allowed presence statuses.
func ValidPresence(s string) bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// Milestone actions accepted inside a trade:update payload.
const (
	MilestoneActionAdd      = "add"
	MilestoneActionComplete = "complete"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// TradeJoinMsg is sent by the client to subscribe to a trade's room.
type TradeJoinMsg struct {
	Type    string `json:"type"`
	TradeID string `json:"trade_id"`
}

// TradeLeaveMsg is sent by the client to unsubscribe from a trade's room.
type TradeLeaveMsg struct {
	Type    string `json:"type"`
	TradeID string `json:"trade_id"`
}

// MessageSendMsg is a chat message sent by the client within a trade.
type MessageSendMsg struct {
	Type        string `json:"type"`
	TradeID     string `json:"trade_id"`
	Content     string `json:"content"`
	MessageType string `json:"message_type,omitempty"` // defaults to "text"
	ReplyTo     string `json:"reply_to,omitempty"`
}

// MessageReadMsg advances read state. When MessageID is empty, every unread
// message addressed to the caller within the trade is advanced.
type MessageReadMsg struct {
	Type      string `json:"type"`
	TradeID   string `json:"trade_id"`
	MessageID string `json:"message_id,omitempty"`
}

// TypingMsg is sent by the client to start or stop a typing indicator. The
// same shape serves both typing:start and typing:stop.
type TypingMsg struct {
	Type    string `json:"type"`
	TradeID string `json:"trade_id"`
}

// MilestoneData carries the milestone fields for an "add" action.
type MilestoneData struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

// MilestoneUpdate describes a milestone operation inside trade:update.
type MilestoneUpdate struct {
	Action      string         `json:"action"` // "add" or "complete"
	MilestoneID string         `json:"milestone_id,omitempty"`
	Data        *MilestoneData `json:"data,omitempty"`
}

// TradeUpdateMsg applies state machine operations: a status transition, a
// progress update, a milestone operation, or any combination.
type TradeUpdateMsg struct {
	Type      string           `json:"type"`
	TradeID   string           `json:"trade_id"`
	Status    string           `json:"status,omitempty"`
	Progress  *int             `json:"progress,omitempty"`
	Milestone *MilestoneUpdate `json:"milestone,omitempty"`
}

// StatusUpdateMsg updates the caller's self-reported presence status.
type StatusUpdateMsg struct {
	Type   string `json:"type"`
	Status string `json:"status"` // online | away | busy | offline
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectionSuccessMsg is sent by the server once the handshake has been
// authenticated and the connection registered.
type ConnectionSuccessMsg struct {
	Type         string      `json:"type"`
	ConnectionID string      `json:"connection_id"`
	User         models.User `json:"user"`
}

// TradeJoinedMsg confirms a successful room join. RecentMessages replays the
// room's recent chat context so a rejoining participant catches up without a
// separate query.
type TradeJoinedMsg struct {
	Type           string           `json:"type"`
	TradeID        string           `json:"trade_id"`
	RecentMessages []models.Message `json:"recent_messages,omitempty"`
}

// TradeLeftMsg confirms the caller left a trade room.
type TradeLeftMsg struct {
	Type    string `json:"type"`
	TradeID string `json:"trade_id"`
}

// ParticipantJoinedMsg notifies room members that another participant
// subscribed to the room.
type ParticipantJoinedMsg struct {
	Type      string      `json:"type"`
	TradeID   string      `json:"trade_id"`
	User      models.User `json:"user"`
	Timestamp time.Time   `json:"timestamp"`
}

// ParticipantLeftMsg notifies room members that a participant unsubscribed
// or disconnected.
type ParticipantLeftMsg struct {
	Type      string    `json:"type"`
	TradeID   string    `json:"trade_id"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageNewMsg delivers a newly persisted chat message to the room along
// with the trade's updated message counter.
type MessageNewMsg struct {
	Type    string         `json:"type"`
	Message models.Message `json:"message"`
	Trade   TradeCounters  `json:"trade"`
}

// TradeCounters is the slim trade view attached to message:new events.
type TradeCounters struct {
	ID           string `json:"id"`
	MessageCount int    `json:"message_count"`
}

// MessageReadEvent reports who read what and when within a trade. MessageID
// is empty for bulk reads.
type MessageReadEvent struct {
	Type      string    `json:"type"`
	TradeID   string    `json:"trade_id"`
	MessageID string    `json:"message_id,omitempty"`
	ReadBy    string    `json:"read_by"`
	ReadAt    time.Time `json:"read_at"`
}

// TypingEvent relays a typing indicator to the rest of the room.
type TypingEvent struct {
	Type    string `json:"type"`
	TradeID string `json:"trade_id"`
	UserID  string `json:"user_id"`
}

// TradeUpdatedMsg broadcasts the updated trade snapshot after a successful
// state machine operation, together with the synthesized system message.
type TradeUpdatedMsg struct {
	Type          string          `json:"type"`
	Trade         models.Trade    `json:"trade"`
	SystemMessage *models.Message `json:"system_message,omitempty"`
	UpdatedBy     string          `json:"updated_by"`
}

// PresenceUpdateMsg is pushed on a user's personal channel when a trade
// partner's presence changes.
type PresenceUpdateMsg struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	TradeID   string    `json:"trade_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorMsg is sent by the server to communicate a rejected operation. The
// connection stays open; only the originating client is informed.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeTradeJoin:
		var m TradeJoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTradeLeave:
		var m TradeLeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageSend:
		var m MessageSendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageRead:
		var m MessageReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart, TypeTypingStop:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTradeUpdate:
		var m TradeUpdateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStatusUpdate:
		var m StatusUpdateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the
	// "type" field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
