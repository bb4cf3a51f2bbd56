package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/evanigwilo/meet-up-sub001/internal/services"
	"github.com/evanigwilo/meet-up-sub001/pkg/response"
)

// NotificationHandler exposes the notification catch-up and dispatch endpoints.
type NotificationHandler struct {
	service *services.NotificationService
}

// NewNotificationHandler constructs a notification handler.
func NewNotificationHandler(service *services.NotificationService) (*NotificationHandler, error) {
	if service == nil {
		return nil, errors.New("notification handler: service is required")
	}
	return &NotificationHandler{service: service}, nil
}

type dispatchRequest struct {
	To         string         `json:"to" validate:"omitempty,max=64"`
	Type       string         `json:"type" validate:"required,notblank,max=64"`
	Identifier string         `json:"identifier" validate:"max=128"`
	Payload    map[string]any `json:"payload"`
}

type markSeenRequest struct {
	IDs []uint64 `json:"ids"`
}

// Unread lists unseen notifications for the caller using keyset pagination on ?after.
func (h *NotificationHandler) Unread(c *gin.Context) {
	userID := callerID(c)
	if userID == "" {
		return
	}

	limit := parseIntQuery(c, "limit", services.DefaultPageSize)
	items, err := h.service.ListUnread(requestContext(c), userID, limit, parseUintQuery(c, "after"))
	if err != nil {
		response.Error(c, err)
		return
	}

	meta := &response.Meta{PageSize: limit, Count: len(items)}
	if len(items) > 0 && len(items) == limit {
		meta.NextCursor = strconv.FormatUint(items[len(items)-1].ID, 10)
	}
	response.SuccessWithMeta(c, http.StatusOK, items, meta)
}

// MarkSeen flags the listed notifications, or all of them when ids is empty, as seen.
func (h *NotificationHandler) MarkSeen(c *gin.Context) {
	userID := callerID(c)
	if userID == "" {
		return
	}

	var req markSeenRequest
	if c.Request.ContentLength != 0 && !bindAndValidate(c, &req) {
		return
	}

	updated, err := h.service.MarkSeen(requestContext(c), userID, req.IDs...)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"updated": updated})
}

// Dispatch records a domain event authored by the caller. Broadcast types are
// accepted and fanned out in the background.
func (h *NotificationHandler) Dispatch(c *gin.Context) {
	userID := callerID(c)
	if userID == "" {
		return
	}

	var req dispatchRequest
	if !bindAndValidate(c, &req) {
		return
	}

	input := services.DispatchInput{
		FromID:     userID,
		ToID:       req.To,
		Type:       req.Type,
		Identifier: req.Identifier,
		Payload:    req.Payload,
	}
	if err := h.service.Dispatch(requestContext(c), input); err != nil {
		response.Error(c, err)
		return
	}

	status := http.StatusCreated
	broadcast := services.IsBroadcast(req.Type)
	if broadcast {
		status = http.StatusAccepted
	}
	response.Success(c, status, gin.H{"type": req.Type, "broadcast": broadcast})
}
