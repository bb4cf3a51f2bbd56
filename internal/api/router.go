package api

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/evanigwilo/meet-up-sub001/internal/auth"
	"github.com/evanigwilo/meet-up-sub001/internal/handlers"
	"github.com/evanigwilo/meet-up-sub001/internal/middleware"
	"github.com/evanigwilo/meet-up-sub001/internal/monitoring"
	"github.com/evanigwilo/meet-up-sub001/internal/realtime"
	"github.com/evanigwilo/meet-up-sub001/internal/services"
)

// Dependencies carries the wired components the router exposes.
type Dependencies struct {
	DB            *gorm.DB
	Sessions      *auth.SessionRegistry
	Manager       *realtime.Manager
	Frames        realtime.FrameHandler
	Filter        handlers.SubscriptionStreamer
	Messages      *services.MessageService
	Notifications *services.NotificationService
	Reactions     *services.ReactionService
	Presence      handlers.PresenceResolver
	Clock         clockwork.Clock

	// Health overrides the default probes built from DB and Manager.
	Health *monitoring.HealthManager

	// DispatchLimiter throttles event dispatch per user; nil disables it.
	DispatchLimiter *middleware.RateLimiter
	// MetricsEndpoint mounts the Prometheus handler when non-empty.
	MetricsEndpoint string
}

// NewRouter builds the Gin engine, wires middleware and registers every route.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session registry must be provided")
	}
	if deps.Manager == nil {
		return nil, fmt.Errorf("connection manager must be provided")
	}

	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.NoRoute(middleware.NotFoundHandler)

	health := deps.Health
	if health == nil {
		health = DefaultHealth(deps.DB, deps.Manager)
	}
	healthHandler := handlers.NewHealthHandler(health)
	r.GET("/health", healthHandler.Readiness)
	r.GET("/health/live", healthHandler.Liveness)
	r.GET("/health/ready", healthHandler.Readiness)
	if endpoint := strings.TrimSpace(deps.MetricsEndpoint); endpoint != "" {
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	if err := registerRealtimeRoutes(r, deps); err != nil {
		return nil, err
	}

	api := r.Group("/api")
	api.Use(middleware.SessionAuth(deps.Sessions, deps.Clock))

	if err := registerNotificationRoutes(api, deps); err != nil {
		return nil, err
	}
	if err := registerMessageRoutes(api, deps); err != nil {
		return nil, err
	}
	if err := registerReactionRoutes(api, deps); err != nil {
		return nil, err
	}
	if err := registerPresenceRoutes(api, deps); err != nil {
		return nil, err
	}

	return r, nil
}

// DefaultHealth registers the database and connection probes for readiness.
func DefaultHealth(db *gorm.DB, manager *realtime.Manager) *monitoring.HealthManager {
	health := monitoring.NewHealthManager(0)
	if db != nil {
		health.RegisterReadiness(monitoring.Database(db))
	}
	if manager != nil {
		health.RegisterReadiness(monitoring.Connections(manager))
	}
	return health
}
