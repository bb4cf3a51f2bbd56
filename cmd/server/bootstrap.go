package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/evanigwilo/meet-up-sub001/internal/api"
	"github.com/evanigwilo/meet-up-sub001/internal/app"
	"github.com/evanigwilo/meet-up-sub001/internal/app/maintenance"
	"github.com/evanigwilo/meet-up-sub001/internal/auth"
	"github.com/evanigwilo/meet-up-sub001/internal/cache"
	"github.com/evanigwilo/meet-up-sub001/internal/database"
	"github.com/evanigwilo/meet-up-sub001/internal/eventbus"
	"github.com/evanigwilo/meet-up-sub001/internal/middleware"
	"github.com/evanigwilo/meet-up-sub001/internal/monitoring"
	"github.com/evanigwilo/meet-up-sub001/internal/presence"
	"github.com/evanigwilo/meet-up-sub001/internal/realtime"
	"github.com/evanigwilo/meet-up-sub001/internal/services"
	"github.com/evanigwilo/meet-up-sub001/internal/signaling"
	"github.com/evanigwilo/meet-up-sub001/internal/subscriptions"
	"github.com/evanigwilo/meet-up-sub001/pkg/logger"
)

// runtimeStack bundles long-lived components used by the HTTP server.
type runtimeStack struct {
	DB            *gorm.DB
	Redis         *redis.Client
	Store         cache.Store
	Bus           *eventbus.Bus
	Sessions      *auth.SessionRegistry
	Manager       *realtime.Manager
	Machine       *signaling.Machine
	Notifications *services.NotificationService
	Cleaner       *maintenance.Cleaner
	Router        *gin.Engine
}

// bootstrapRuntime initialises storage, the event bus, the realtime engine and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	dbStore := cache.NewDatabaseStore(stack.DB)
	stack.Store = dbStore

	if cfg.Cache.Redis.Enabled {
		client, redisErr := cache.NewRedisClient(ctx, cfg.Cache.RedisClientConfig())
		switch {
		case redisErr == nil:
			stack.Redis = client
			stack.Store = cache.NewRedisStore(client, cfg.Cache.Redis.KeyPrefix)
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		case strings.EqualFold(cfg.Events.Backend, eventbus.BackendRedis):
			return nil, fmt.Errorf("connect redis event bus: %w", redisErr)
		default:
			log.Warn("redis unavailable; falling back to database-backed cache", zap.Error(redisErr))
		}
	}

	var busClient redis.UniversalClient
	if stack.Redis != nil {
		busClient = stack.Redis
	}
	stack.Bus, err = eventbus.New(eventbus.Config{
		Backend:      cfg.Events.Backend,
		BufferSize:   cfg.Events.BufferSize,
		StreamPrefix: cfg.Events.StreamPrefix,
		BlockTime:    cfg.Events.BlockTime,
	}, busClient, logger.WithModule("eventbus"))
	if err != nil {
		return nil, fmt.Errorf("initialise event bus: %w", err)
	}

	stack.Sessions, err = auth.NewSessionRegistry(stack.Store)
	if err != nil {
		return nil, fmt.Errorf("initialise session registry: %w", err)
	}

	clock := clockwork.NewRealClock()

	var resolver *presence.Resolver
	stack.Manager = realtime.NewManager(
		realtime.WithClock(clock),
		realtime.WithSendBuffer(cfg.Realtime.SendBuffer),
		realtime.WithAllowedOrigins(cfg.Realtime.AllowedOrigins...),
		realtime.WithLogger(logger.WithModule("realtime")),
		realtime.WithOfflineHook(func(ctx context.Context, userID string, at time.Time) {
			if err := resolver.MarkOffline(ctx, userID, at); err != nil {
				log.Warn("record last seen failed", zap.String("user_id", userID), zap.Error(err))
			}
		}),
	)

	resolver, err = presence.NewResolver(stack.Manager, stack.Store, presence.NewUserActivityStore(stack.DB),
		presence.WithCacheTTL(cfg.Realtime.PresenceTTL),
		presence.WithTypingTTL(cfg.Realtime.TypingTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise presence resolver: %w", err)
	}

	messages, err := services.NewMessageService(stack.DB, stack.Bus)
	if err != nil {
		return nil, fmt.Errorf("initialise message service: %w", err)
	}

	stack.Notifications, err = services.NewNotificationService(stack.DB, stack.Bus,
		services.WithPageSize(cfg.Pagination.PageSize),
		services.WithPaceInterval(cfg.Fanout.PaceInterval),
		services.WithNotificationClock(clock),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise notification service: %w", err)
	}

	reactions, err := services.NewReactionService(stack.Bus, stack.Notifications)
	if err != nil {
		return nil, fmt.Errorf("initialise reaction service: %w", err)
	}

	stack.Machine, err = signaling.NewMachine(stack.Manager, resolver, messages, stack.Store,
		signaling.WithCallTimeout(cfg.Realtime.CallTimeout),
		signaling.WithUploadClaimTTL(cfg.Realtime.UploadClaimTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise signaling: %w", err)
	}

	filter, err := subscriptions.NewFilter(stack.Bus, clock)
	if err != nil {
		return nil, fmt.Errorf("initialise subscription filter: %w", err)
	}

	// Redis expires its own keys; only the SQL fallback needs purging.
	var purger maintenance.ExpiredPurger
	if stack.Redis == nil {
		purger = dbStore
	}
	stack.Cleaner = maintenance.NewCleaner(stack.DB, purger,
		maintenance.WithCacheSchedule(cfg.Maintenance.CachePurgeSchedule),
		maintenance.WithNotificationSchedule(cfg.Maintenance.NotificationSchedule),
		maintenance.WithNotificationRetention(cfg.Maintenance.NotificationRetention),
	)
	if err := stack.Cleaner.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	deps := api.Dependencies{
		DB:            stack.DB,
		Sessions:      stack.Sessions,
		Manager:       stack.Manager,
		Frames:        stack.Machine,
		Filter:        filter,
		Messages:      messages,
		Notifications: stack.Notifications,
		Reactions:     reactions,
		Presence:      resolver,
		Clock:         clock,
		Health:        api.DefaultHealth(stack.DB, stack.Manager),
	}
	if stack.Redis != nil {
		deps.Health.RegisterReadiness(monitoring.Redis(stack.Redis))
	}
	if cfg.Fanout.DispatchLimit > 0 {
		// counters live in the shared cache so the budget holds across instances
		deps.DispatchLimiter = middleware.NewRateLimiter(middleware.NewCacheRateStore(stack.Store), cfg.Fanout.DispatchLimit, time.Minute)
	}
	if cfg.Monitoring.Prometheus.Enabled {
		deps.MetricsEndpoint = cfg.Monitoring.Prometheus.Endpoint
	}

	stack.Router, err = api.NewRouter(deps)
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown closes live sockets and waits for their offline hooks, disarms call
// timers, stops background jobs, waits for in-flight broadcasts and then releases
// the bus, redis and finally the database.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	var errs error

	if s.Manager != nil {
		s.Manager.CloseAll()
		if err := s.Manager.Drain(ctx); err != nil {
			log.Warn("connections still open at shutdown", zap.Int("connections", s.Manager.Count()), zap.Error(err))
		}
	}
	if s.Machine != nil {
		if pending := s.Machine.Stop(); pending > 0 {
			log.Info("disarmed pending call timeouts", zap.Int("calls", pending))
		}
	}

	if s.Cleaner != nil {
		<-s.Cleaner.Stop().Done()
		errs = multierr.Append(errs, s.Cleaner.RunOnce(ctx))
	}

	if s.Notifications != nil {
		done := make(chan struct{})
		go func() {
			s.Notifications.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			log.Warn("broadcasts still running at shutdown")
		}
	}

	if s.Bus != nil {
		errs = multierr.Append(errs, s.Bus.Close())
	}
	if s.Redis != nil {
		errs = multierr.Append(errs, s.Redis.Close())
	}
	if s.DB != nil {
		errs = multierr.Append(errs, closeDatabase(s.DB))
	}

	for _, err := range multierr.Errors(errs) {
		log.Warn("shutdown", zap.Error(err))
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		_ = closeDatabase(db)
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	logger.WithModule("database").Info("database connected", zap.String("driver", dbCfg.Driver))
	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	var auth app.DBAuthConfig
	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
		return dbCfg
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		auth = cfg.Database.Postgres
	case "mysql", "mariadb":
		dbCfg.Driver = "mysql"
		auth = cfg.Database.MySQL
	default:
		// unsupported drivers surface from database.Open
		return dbCfg
	}

	dbCfg.Host = strings.TrimSpace(auth.Host)
	dbCfg.Port = auth.Port
	dbCfg.Name = strings.TrimSpace(auth.Database)
	dbCfg.User = strings.TrimSpace(auth.Username)
	dbCfg.Password = auth.Password
	dbCfg.Options = auth.Options
	return dbCfg
}

func closeDatabase(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("obtain sql db: %w", err)
	}
	return sqlDB.Close()
}
