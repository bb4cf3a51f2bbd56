package models

import (
	"time"

	"gorm.io/datatypes"
)

// Notification types understood by the fan-out pipeline.
const (
	NotificationPostCreate = "POST_CREATE"
	NotificationPostLike   = "POST_LIKE"
	NotificationPostReply  = "POST_REPLY"
	NotificationFollowUser = "FOLLOWING_YOU"
)

// Notification represents an in-app notification for a user.
// Rows from one broadcast run share BatchID; only Seen is mutated after insert.
type Notification struct {
	ID         uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	FromID     string         `gorm:"type:uuid;not null;index" json:"from"`
	ToID       string         `gorm:"type:uuid;not null;index:idx_notification_to_seen" json:"to"`
	Type       string         `gorm:"type:varchar(64);not null" json:"type"`
	Identifier string         `gorm:"type:varchar(128);index" json:"identifier"`
	Seen       bool           `gorm:"default:false;index:idx_notification_to_seen" json:"seen"`
	Payload    datatypes.JSON `json:"payload,omitempty"`
	BatchID    string         `gorm:"type:varchar(36);index" json:"-"`
	CreatedAt  time.Time      `gorm:"index" json:"created_at"`
}
