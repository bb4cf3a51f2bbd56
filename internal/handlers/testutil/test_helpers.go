package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/evanigwilo/meet-up-sub001/internal/api"
	"github.com/evanigwilo/meet-up-sub001/internal/auth"
	"github.com/evanigwilo/meet-up-sub001/internal/cache"
	sharedtestutil "github.com/evanigwilo/meet-up-sub001/internal/database/testutil"
	"github.com/evanigwilo/meet-up-sub001/internal/eventbus"
	"github.com/evanigwilo/meet-up-sub001/internal/models"
	"github.com/evanigwilo/meet-up-sub001/internal/presence"
	"github.com/evanigwilo/meet-up-sub001/internal/realtime"
	"github.com/evanigwilo/meet-up-sub001/internal/services"
	"github.com/evanigwilo/meet-up-sub001/internal/signaling"
	"github.com/evanigwilo/meet-up-sub001/internal/subscriptions"
	"github.com/evanigwilo/meet-up-sub001/pkg/response"
)

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T             *testing.T
	DB            *gorm.DB
	Router        *gin.Engine
	Store         cache.Store
	Sessions      *auth.SessionRegistry
	Bus           *eventbus.Bus
	Manager       *realtime.Manager
	Notifications *services.NotificationService
}

// NewEnv provisions a fresh handler test environment with migrations applied and
// an in-process event bus. Broadcast pacing is disabled.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithAutoMigrate())
	store := cache.NewDatabaseStore(db)

	sessions, err := auth.NewSessionRegistry(store)
	require.NoError(t, err)

	bus, err := eventbus.New(eventbus.Config{Backend: eventbus.BackendMemory}, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	var resolver *presence.Resolver
	manager := realtime.NewManager(realtime.WithOfflineHook(func(ctx context.Context, userID string, at time.Time) {
		if resolver != nil {
			_ = resolver.MarkOffline(ctx, userID, at)
		}
	}))
	resolver, err = presence.NewResolver(manager, store, presence.NewUserActivityStore(db))
	require.NoError(t, err)

	messages, err := services.NewMessageService(db, bus)
	require.NoError(t, err)
	notifications, err := services.NewNotificationService(db, bus,
		services.WithPacer(func(context.Context, time.Duration) {}))
	require.NoError(t, err)
	t.Cleanup(notifications.Wait)
	reactions, err := services.NewReactionService(bus, notifications)
	require.NoError(t, err)

	machine, err := signaling.NewMachine(manager, resolver, messages, store)
	require.NoError(t, err)
	filter, err := subscriptions.NewFilter(bus, clockwork.NewRealClock())
	require.NoError(t, err)

	router, err := api.NewRouter(api.Dependencies{
		DB:              db,
		Sessions:        sessions,
		Manager:         manager,
		Frames:          machine,
		Filter:          filter,
		Messages:        messages,
		Notifications:   notifications,
		Reactions:       reactions,
		Presence:        resolver,
		MetricsEndpoint: "/metrics",
	})
	require.NoError(t, err)

	return &Env{
		T:             t,
		DB:            db,
		Router:        router,
		Store:         store,
		Sessions:      sessions,
		Bus:           bus,
		Manager:       manager,
		Notifications: notifications,
	}
}

// CreateUser inserts a user with a random username and returns the record.
func (e *Env) CreateUser(name string) *models.User {
	e.T.Helper()

	user := &models.User{
		Username: name + "-" + uuid.NewString()[:8],
		Name:     name,
	}
	require.NoError(e.T, e.DB.Create(user).Error)
	return user
}

// Follow records follower following target.
func (e *Env) Follow(followerID, targetID string) {
	e.T.Helper()
	require.NoError(e.T, e.DB.Create(&models.Follow{FollowerID: followerID, FollowingID: targetID}).Error)
}

// Token issues a session token for user valid for ttl.
func (e *Env) Token(user *models.User, ttl time.Duration) string {
	e.T.Helper()

	token, err := e.Sessions.Issue(context.Background(), auth.Session{
		UserID:    user.ID,
		Name:      user.Name,
		ExpiresAt: time.Now().Add(ttl),
	}, time.Hour)
	require.NoError(e.T, err)
	return token
}

// Server starts an httptest server around the router for socket tests.
func (e *Env) Server() *httptest.Server {
	e.T.Helper()
	server := httptest.NewServer(e.Router)
	e.T.Cleanup(server.Close)
	return server
}

// WebSocketURL converts the server URL into a ws:// URL for path.
func WebSocketURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router, applying JSON encoding and auth headers automatically.
func (e *Env) Request(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()

	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.T, err)
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, path, buf)
	require.NoError(e.T, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}
