package handlers

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/evanigwilo/meet-up-sub001/internal/auth"
	"github.com/evanigwilo/meet-up-sub001/internal/eventbus"
	"github.com/evanigwilo/meet-up-sub001/internal/middleware"
	"github.com/evanigwilo/meet-up-sub001/internal/realtime"
	appErrors "github.com/evanigwilo/meet-up-sub001/pkg/errors"
	"github.com/evanigwilo/meet-up-sub001/pkg/logger"
	"github.com/evanigwilo/meet-up-sub001/pkg/response"
)

// TokenValidator resolves bearer tokens into sessions.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*auth.Session, error)
}

// SubscriptionStreamer emits the deliveries a session may see.
type SubscriptionStreamer interface {
	Stream(ctx context.Context, session *auth.Session, emit func(eventbus.Delivery) error, topics ...string) error
}

// RealtimeHandler upgrades HTTP requests into signaling and subscription sockets.
type RealtimeHandler struct {
	sessions TokenValidator
	manager  *realtime.Manager
	frames   realtime.FrameHandler
	filter   SubscriptionStreamer
	log      *zap.Logger
}

// NewRealtimeHandler constructs a realtime handler. filter may be nil, which
// disables the subscription socket.
func NewRealtimeHandler(sessions TokenValidator, manager *realtime.Manager, frames realtime.FrameHandler, filter SubscriptionStreamer) (*RealtimeHandler, error) {
	if sessions == nil || manager == nil || frames == nil {
		return nil, errors.New("realtime handler: session registry, manager and frame handler are required")
	}
	return &RealtimeHandler{
		sessions: sessions,
		manager:  manager,
		frames:   frames,
		filter:   filter,
		log:      logger.WithModule("realtime"),
	}, nil
}

// subscriptionFrame is the wire shape of one subscription delivery.
type subscriptionFrame struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// Signal serves the signaling socket. Unknown tokens are accepted at the HTTP
// level and closed with 1000 UNAUTHENTICATED so browsers can read the reason.
// Expired sessions connect and are answered in-band per frame.
func (h *RealtimeHandler) Signal(c *gin.Context) {
	session, ok := h.resolve(c)
	if !ok {
		h.manager.Reject(c.Writer, c.Request, realtime.TypeUnauthenticated)
		return
	}
	h.manager.Serve(c.Writer, c.Request, session, h.frames)
}

// Subscribe serves the filtered event stream for ?topics (all topics when empty).
func (h *RealtimeHandler) Subscribe(c *gin.Context) {
	if h.filter == nil {
		response.Error(c, appErrors.ErrNotFound)
		return
	}

	topics, err := parseTopics(c.Query("topics"))
	if err != nil {
		response.Error(c, err)
		return
	}

	session, ok := h.resolve(c)
	if !ok {
		h.manager.Reject(c.Writer, c.Request, realtime.TypeUnauthenticated)
		return
	}

	h.manager.Stream(c.Writer, c.Request, func(ctx context.Context, emit func(any) error) error {
		return h.filter.Stream(ctx, session, func(d eventbus.Delivery) error {
			return emit(subscriptionFrame{Topic: d.Topic, Payload: d.Payload})
		}, topics...)
	})
}

func (h *RealtimeHandler) resolve(c *gin.Context) (*auth.Session, bool) {
	token := middleware.BearerToken(c)
	if token == "" {
		return nil, false
	}
	session, err := h.sessions.Validate(requestContext(c), token)
	if err != nil {
		if !errors.Is(err, auth.ErrNoSession) {
			h.log.Warn("session lookup failed", zap.Error(err))
		}
		return nil, false
	}
	return session, true
}

func parseTopics(raw string) ([]string, error) {
	var topics []string
	for _, topic := range strings.Split(raw, ",") {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		if !slices.Contains(eventbus.Topics, topic) {
			return nil, appErrors.New(appErrors.ErrBadRequest.Code, "unknown topic "+topic, http.StatusBadRequest)
		}
		if !slices.Contains(topics, topic) {
			topics = append(topics, topic)
		}
	}
	return topics, nil
}
