package chatrt

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the back-office API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Chat Domain Types
// ============================================================================

// PresenceStatus is a user's last known presence state.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// MessageStatus is the delivery state of a single message.
// Transitions only move forward: sent → delivered → read.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Reaction is a single emoji reaction on a message.
type Reaction struct {
	UserID int64  `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Attachment describes a file attached to a message.
type Attachment struct {
	FileName string `json:"fileName"`
	FileURL  string `json:"fileUrl"`
	MimeType string `json:"mimeType,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
}

// Message is one chat message as held in memory by an open conversation view.
// DeliveredAt and ReadAt are monotonic: once set they are never cleared by a
// later event carrying an earlier or missing timestamp.
type Message struct {
	MessageID      int64       `json:"messageId"`
	SenderUserID   int64       `json:"senderUserId"`
	ReceiverUserID int64       `json:"receiverUserId"`
	SenderName     string      `json:"senderName,omitempty"`
	Text           string      `json:"messageText"`
	SentAt         time.Time   `json:"sentAt"`
	DeliveredAt    *time.Time  `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time  `json:"readAt,omitempty"`
	Reactions      []Reaction  `json:"reactions,omitempty"`
	Starred        bool        `json:"starred,omitempty"`
	Pinned         bool        `json:"pinned,omitempty"`
	Deleted        bool        `json:"deleted,omitempty"`
	ReplyToID      *int64      `json:"replyToId,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
}

// Status derives the delivery state from the receipt timestamps.
func (m *Message) Status() MessageStatus {
	switch {
	case m.ReadAt != nil:
		return StatusRead
	case m.DeliveredAt != nil:
		return StatusDelivered
	default:
		return StatusSent
	}
}

// ConversationSummary is one row of the conversation list. It is refreshed by
// polling the store, not by the realtime stream, and is only loosely
// consistent with the message records.
type ConversationSummary struct {
	PartnerID          int64     `json:"partnerId"`
	PartnerName        string    `json:"partnerName,omitempty"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	UnreadCount        int       `json:"unreadCount"`
}

// ConversationUnread is the server-authoritative unread count for one
// conversation.
type ConversationUnread struct {
	PartnerID int64 `json:"partnerId"`
	Count     int   `json:"count"`
}

// UnreadSummary is the response of the unread-summary endpoint.
type UnreadSummary struct {
	Total         int                  `json:"total"`
	Conversations []ConversationUnread `json:"conversations"`
}

// TokenData is the short-lived realtime credential returned by the token
// endpoint.
type TokenData struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn,omitempty"` // seconds
}

// ============================================================================
// Realtime Wire Format
// ============================================================================

// Realtime event names, server → client.
const (
	EventPresenceList = "presence:list"
	EventUserOnline   = "user:online"
	EventUserAway     = "user:away"
	EventUserOffline  = "user:offline"
	EventMessage      = "chat:message"
	EventDelivered    = "chat:messages-delivered"
	EventRead         = "chat:messages-read"
	EventReaction     = "chat:reaction"
)

// Realtime intent names, client → server. Presence intents are only ever
// emitted; the local user's own presence is applied from the broadcast like
// any other observer's.
const (
	IntentAway   = "presence:away"
	IntentOnline = "presence:online"
)

// Envelope is the wire format for all realtime events.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PresenceListPayload is the full presence snapshot sent on connect. Any user
// not listed is offline.
type PresenceListPayload struct {
	OnlineUserIDs []int64 `json:"onlineUserIds"`
	AwayUserIDs   []int64 `json:"awayUserIds"`
}

// UserPresencePayload is an incremental presence change for one user.
type UserPresencePayload struct {
	UserID int64 `json:"userId"`
}

// MessagePayload is a newly sent chat message.
type MessagePayload struct {
	MessageID      int64       `json:"messageId"`
	SenderUserID   int64       `json:"senderUserId"`
	ReceiverUserID int64       `json:"receiverUserId"`
	SenderName     string      `json:"senderName,omitempty"`
	Text           string      `json:"messageText"`
	SentAt         time.Time   `json:"sentAt"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	ReplyTo        *int64      `json:"replyTo,omitempty"`
}

// Message converts the payload into an in-memory message record.
func (p *MessagePayload) Message() *Message {
	return &Message{
		MessageID:      p.MessageID,
		SenderUserID:   p.SenderUserID,
		ReceiverUserID: p.ReceiverUserID,
		SenderName:     p.SenderName,
		Text:           p.Text,
		SentAt:         p.SentAt,
		Attachment:     p.Attachment,
		ReplyToID:      p.ReplyTo,
	}
}

// DeliveredPayload marks a batch of messages delivered at one timestamp.
type DeliveredPayload struct {
	MessageIDs  []int64   `json:"messageIds"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// ReadPayload marks a batch of messages read at one timestamp.
type ReadPayload struct {
	MessageIDs []int64   `json:"messageIds"`
	ReadAt     time.Time `json:"readAt"`
}

// ReactionPayload carries the full updated reaction list for one message.
type ReactionPayload struct {
	MessageID      int64      `json:"messageId"`
	SenderUserID   int64      `json:"senderUserId"`
	ReceiverUserID int64      `json:"receiverUserId"`
	Reactions      []Reaction `json:"reactions"`
	ReactorUserID  int64      `json:"reactorUserId"`
	ReactorName    string     `json:"reactorName,omitempty"`
	Added          bool       `json:"added"`
}
