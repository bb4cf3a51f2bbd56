package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/evanigwilo/meet-up-sub001/internal/presence"
	appErrors "github.com/evanigwilo/meet-up-sub001/pkg/errors"
	"github.com/evanigwilo/meet-up-sub001/pkg/response"
)

// PresenceResolver resolves a user's presence snapshot.
type PresenceResolver interface {
	Resolve(ctx context.Context, userID string) presence.Snapshot
}

// PresenceHandler answers presence probes over REST.
type PresenceHandler struct {
	resolver PresenceResolver
}

// NewPresenceHandler constructs a presence handler.
func NewPresenceHandler(resolver PresenceResolver) (*PresenceHandler, error) {
	if resolver == nil {
		return nil, errors.New("presence handler: resolver is required")
	}
	return &PresenceHandler{resolver: resolver}, nil
}

// Get returns the presence snapshot for :id.
func (h *PresenceHandler) Get(c *gin.Context) {
	if callerID(c) == "" {
		return
	}
	target := strings.TrimSpace(c.Param("id"))
	if target == "" {
		response.Error(c, appErrors.NewBadRequest("user id is required"))
		return
	}
	response.Success(c, http.StatusOK, h.resolver.Resolve(requestContext(c), target))
}
