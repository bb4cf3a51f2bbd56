package eventbus

import (
	"encoding/json"
	"time"
)

// Topics carried by the bus.
const (
	TopicMessage            = "message"
	TopicConversationUpdate = "conversation-update"
	TopicReaction           = "reaction"
	TopicNotification       = "notification"
)

// Topics lists every topic in a stable order.
var Topics = []string{TopicMessage, TopicConversationUpdate, TopicReaction, TopicNotification}

// MessageKind distinguishes message events.
type MessageKind string

const (
	MessageNew        MessageKind = "NEW"
	MessageMissedCall MessageKind = "MISSED_CALL"
	MessageDeleted    MessageKind = "DELETED"
)

// MessageEvent is published on TopicMessage.
type MessageEvent struct {
	Kind      MessageKind `json:"kind"`
	ID        string      `json:"id"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Body      string      `json:"body,omitempty"`
	Missed    bool        `json:"missed"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ConversationEvent is published on TopicConversationUpdate. IsUpdateOnly marks
// seen-state changes that carry no new message.
type ConversationEvent struct {
	From         string `json:"from"`
	To           string `json:"to"`
	MessageID    string `json:"messageId"`
	Seen         bool   `json:"seen"`
	UnseenCount  int64  `json:"unseenCount"`
	IsUpdateOnly bool   `json:"isUpdateOnly"`
}

// ReactionEvent is published on TopicReaction.
type ReactionEvent struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Identifier string `json:"identifier"`
	Reaction   string `json:"reaction"`
}

// NotificationEvent is published on TopicNotification and carries exactly one notification.
type NotificationEvent struct {
	ID         uint64          `json:"id"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Type       string          `json:"type"`
	Identifier string          `json:"identifier"`
	Seen       bool            `json:"seen"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}
