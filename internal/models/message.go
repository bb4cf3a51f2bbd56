package models

import (
	"sort"
	"strings"
)

// MissedCallBody is stored as the body of messages created for unanswered calls.
const MissedCallBody = "MISSED VIDEO CALL"

// Message is a direct message between two users.
type Message struct {
	BaseModel

	FromID  string `gorm:"type:uuid;not null;index" json:"from"`
	ToID    string `gorm:"type:uuid;not null;index" json:"to"`
	Body    string `gorm:"type:text" json:"body"`
	Missed  bool   `gorm:"default:false" json:"missed"`
	Deleted bool   `gorm:"default:false" json:"deleted"`
}

// Conversation tracks the latest message exchanged by an unordered pair of users.
// FromID is always the most recent sender.
type Conversation struct {
	BaseModel

	PairKey   string `gorm:"size:80;not null;uniqueIndex" json:"-"`
	FromID    string `gorm:"type:uuid;not null;index" json:"from"`
	ToID      string `gorm:"type:uuid;not null;index" json:"to"`
	MessageID string `gorm:"type:uuid;not null" json:"message_id"`
	Seen      bool   `gorm:"default:false" json:"seen"`
}

// PairKey returns the order independent key identifying the conversation between a and b.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}
