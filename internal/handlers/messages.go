package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/evanigwilo/meet-up-sub001/internal/services"
	"github.com/evanigwilo/meet-up-sub001/pkg/response"
)

// MessageHandler exposes direct messages and conversation state.
type MessageHandler struct {
	service *services.MessageService
}

// NewMessageHandler constructs a message handler.
func NewMessageHandler(service *services.MessageService) (*MessageHandler, error) {
	if service == nil {
		return nil, errors.New("message handler: service is required")
	}
	return &MessageHandler{service: service}, nil
}

type sendMessageRequest struct {
	To   string `json:"to" validate:"required"`
	Body string `json:"body" validate:"required,notblank,max=4000"`
}

// Send stores a message from the caller and returns it.
func (h *MessageHandler) Send(c *gin.Context) {
	userID := callerID(c)
	if userID == "" {
		return
	}

	var req sendMessageRequest
	if !bindAndValidate(c, &req) {
		return
	}

	message, err := h.service.Send(requestContext(c), services.SendMessageInput{
		FromID: userID,
		ToID:   strings.TrimSpace(req.To),
		Body:   req.Body,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, message)
}

// Delete soft-deletes one of the caller's messages.
func (h *MessageHandler) Delete(c *gin.Context) {
	userID := callerID(c)
	if userID == "" {
		return
	}

	id := strings.TrimSpace(c.Param("id"))
	if err := h.service.Delete(requestContext(c), userID, id); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// MarkSeen marks the conversation with :peer as seen by the caller.
func (h *MessageHandler) MarkSeen(c *gin.Context) {
	userID := callerID(c)
	if userID == "" {
		return
	}

	updated, err := h.service.MarkSeen(requestContext(c), userID, strings.TrimSpace(c.Param("peer")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"updated": updated})
}
