package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/evanigwilo/meet-up-sub001/internal/services"
	"github.com/evanigwilo/meet-up-sub001/pkg/response"
)

// ReactionHandler publishes reactions on behalf of the caller.
type ReactionHandler struct {
	service *services.ReactionService
}

// NewReactionHandler constructs a reaction handler.
func NewReactionHandler(service *services.ReactionService) (*ReactionHandler, error) {
	if service == nil {
		return nil, errors.New("reaction handler: service is required")
	}
	return &ReactionHandler{service: service}, nil
}

type reactionRequest struct {
	To         string `json:"to" validate:"required"`
	Identifier string `json:"identifier" validate:"required,max=128"`
	Reaction   string `json:"reaction" validate:"required,notblank,max=32"`
}

// React publishes a reaction from the caller.
func (h *ReactionHandler) React(c *gin.Context) {
	userID := callerID(c)
	if userID == "" {
		return
	}

	var req reactionRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.service.React(requestContext(c), services.ReactionInput{
		FromID:     userID,
		ToID:       req.To,
		Identifier: req.Identifier,
		Reaction:   req.Reaction,
	}); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusAccepted, gin.H{"published": true})
}
