package api

import (
	"github.com/gin-gonic/gin"

	"github.com/evanigwilo/meet-up-sub001/internal/handlers"
	"github.com/evanigwilo/meet-up-sub001/internal/middleware"
)

func registerRealtimeRoutes(r *gin.Engine, deps Dependencies) error {
	if deps.Frames == nil {
		return nil
	}
	handler, err := handlers.NewRealtimeHandler(deps.Sessions, deps.Manager, deps.Frames, deps.Filter)
	if err != nil {
		return err
	}
	r.GET("/ws", handler.Signal)
	r.GET("/ws/subscriptions", handler.Subscribe)
	return nil
}

func registerNotificationRoutes(api *gin.RouterGroup, deps Dependencies) error {
	if deps.Notifications == nil {
		return nil
	}
	handler, err := handlers.NewNotificationHandler(deps.Notifications)
	if err != nil {
		return err
	}

	group := api.Group("/notifications")
	{
		group.GET("/unread", handler.Unread)
		group.POST("/seen", handler.MarkSeen)
		group.POST("", middleware.RateLimit(deps.DispatchLimiter), handler.Dispatch)
	}
	return nil
}

func registerMessageRoutes(api *gin.RouterGroup, deps Dependencies) error {
	if deps.Messages == nil {
		return nil
	}
	handler, err := handlers.NewMessageHandler(deps.Messages)
	if err != nil {
		return err
	}

	api.POST("/messages", handler.Send)
	api.DELETE("/messages/:id", handler.Delete)
	api.POST("/conversations/:peer/seen", handler.MarkSeen)
	return nil
}

func registerReactionRoutes(api *gin.RouterGroup, deps Dependencies) error {
	if deps.Reactions == nil {
		return nil
	}
	handler, err := handlers.NewReactionHandler(deps.Reactions)
	if err != nil {
		return err
	}
	api.POST("/reactions", middleware.RateLimit(deps.DispatchLimiter), handler.React)
	return nil
}

func registerPresenceRoutes(api *gin.RouterGroup, deps Dependencies) error {
	if deps.Presence == nil {
		return nil
	}
	handler, err := handlers.NewPresenceHandler(deps.Presence)
	if err != nil {
		return err
	}
	api.GET("/presence/:id", handler.Get)
	return nil
}
