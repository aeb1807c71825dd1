package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotOpen is returned by Send when the connection is not Open.
	ErrNotOpen = errors.New("connection not open")
	// ErrMalformedPayload marks an inbound payload that failed to parse.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnknownConversation marks a push that references a conversation
	// this client has never seen.
	ErrUnknownConversation = errors.New("unknown conversation")
	// ErrUnknownMessage is returned when a temp key or id matches nothing.
	ErrUnknownMessage = errors.New("unknown message")
)

// APIError represents an HTTP API error.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// SendError reports that the transport rejected an optimistic send. The
// message stays visible in the failed state and can be retried by TempKey.
type SendError struct {
	TempKey string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.TempKey, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ============================================================================
// Messages
// ============================================================================

// MessageStatus is the origin flag of a message plus the failed state.
type MessageStatus string

const (
	StatusOptimistic MessageStatus = "optimistic"
	StatusConfirmed  MessageStatus = "confirmed"
	StatusFailed     MessageStatus = "failed"
)

// Message is one record of a conversation as seen by the UI.
type Message struct {
	ID             string        `json:"id,omitempty"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Body           string        `json:"body"`
	CreatedAt      time.Time     `json:"created_at"`
	Status         MessageStatus `json:"status"`
	TempKey        string        `json:"temp_key,omitempty"`
}

// Key returns the server id, or the temp key for records not yet confirmed.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempKey
}

// HistoryRecord is one element of a fetched history page.
type HistoryRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
	TempKey        string    `json:"temp_key,omitempty"`
}

// MessageSummary is the denormalized last-message pointer of a conversation.
type MessageSummary struct {
	ID        string    `json:"id,omitempty"`
	SenderID  string    `json:"sender_id,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func summarize(m Message) *MessageSummary {
	return &MessageSummary{ID: m.Key(), SenderID: m.SenderID, Body: m.Body, CreatedAt: m.CreatedAt}
}

// ============================================================================
// Conversations
// ============================================================================

// Member is one participant of a conversation.
type Member struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Image       string `json:"image,omitempty"`
}

// ConversationRecord is what the HTTP layer and new_conversation pushes
// deliver to the directory.
type ConversationRecord struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Image       string          `json:"image,omitempty"`
	Members     []Member        `json:"members,omitempty"`
	LastMessage *MessageSummary `json:"last_message,omitempty"`
	UnreadCount int             `json:"unread_count,omitempty"`
	Role        string          `json:"role,omitempty"`
}

// Conversation is a directory entry.
type Conversation struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Image       string          `json:"image,omitempty"`
	Members     []Member        `json:"members,omitempty"`
	LastMessage *MessageSummary `json:"last_message,omitempty"`
	UnreadCount int             `json:"unread_count"`
	Role        string          `json:"role,omitempty"`
}

// ============================================================================
// Wire envelopes
// ============================================================================

// Inbound and outbound payload type tags.
const (
	TypeMessage         = "message"
	TypeMessageDeleted  = "message_deleted"
	TypeNewConversation = "new_conversation"
	TypePing            = "ping"
	TypePong            = "pong"
)

// Envelope is the wire format of every realtime payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Command is a client-to-server payload.
type Command struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// sendData is the body of an outbound message command.
type sendData struct {
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
	TempKey        string `json:"temp_key"`
}

// pushMessage is the data of an inbound "message" payload. CreatedAt is kept
// as a string so an unparseable timestamp can be reported rather than zeroed.
type pushMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	CreatedAt      string `json:"created_at"`
	TempKey        string `json:"temp_key"`
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: missing type", ErrMalformedPayload)
	}
	return env, nil
}

// parseTime accepts RFC 3339 strings (with or without fractional seconds).
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: missing created_at", ErrMalformedPayload)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: created_at %q", ErrMalformedPayload, s)
	}
	return t, nil
}
