package models

import "time"

// User is the subset of the profile record the realtime engine reads and writes.
// Active holds the last time the user's final live connection closed.
type User struct {
	BaseModel

	Username string     `gorm:"uniqueIndex;not null" json:"username"`
	Name     string     `gorm:"not null" json:"name"`
	Active   *time.Time `json:"active"`
}

// Follow links a follower to the user they follow.
type Follow struct {
	BaseModel

	FollowerID  string `gorm:"type:uuid;not null;uniqueIndex:idx_follow_pair;index" json:"follower_id"`
	FollowingID string `gorm:"type:uuid;not null;uniqueIndex:idx_follow_pair;index" json:"following_id"`
}
