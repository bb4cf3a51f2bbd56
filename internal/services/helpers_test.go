package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/evanigwilo/meet-up-sub001/internal/models"
)

type published struct {
	Topic   string
	Payload json.RawMessage
}

// recordingBus captures published events in order.
type recordingBus struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (b *recordingBus) Publish(_ context.Context, topic string, payload any) error {
	if b.err != nil {
		return b.err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.events = append(b.events, published{Topic: topic, Payload: data})
	b.mu.Unlock()
	return nil
}

func (b *recordingBus) byTopic(topic string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, event := range b.events {
		if event.Topic == topic {
			out = append(out, event)
		}
	}
	return out
}

func (b *recordingBus) count(topic string) int {
	return len(b.byTopic(topic))
}

func createUser(t *testing.T, db *gorm.DB, id string) models.User {
	t.Helper()
	user := models.User{BaseModel: models.BaseModel{ID: id}, Username: id, Name: id}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func follow(t *testing.T, db *gorm.DB, followerID, followingID string) {
	t.Helper()
	require.NoError(t, db.Create(&models.Follow{FollowerID: followerID, FollowingID: followingID}).Error)
}
