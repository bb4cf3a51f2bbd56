package monitoring

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Database pings the SQL store.
func Database(db *gorm.DB) Check {
	return Check{Name: "database", Run: func(ctx context.Context) ProbeResult {
		if db == nil {
			return ProbeResult{Status: StatusDown, Details: "database not configured"}
		}
		sqlDB, err := db.DB()
		if err != nil {
			return ResultFromError(err)
		}
		return ResultFromError(sqlDB.PingContext(ctx))
	}}
}

// Redis pings the shared cache and stream client. A nil client means Redis is
// disabled and reports up.
func Redis(client redis.UniversalClient) Check {
	return Check{Name: "redis", Run: func(ctx context.Context) ProbeResult {
		if client == nil {
			return ProbeResult{Status: StatusUp, Details: "redis disabled"}
		}
		return ResultFromError(client.Ping(ctx).Err())
	}}
}

// ConnectionCounter reports live signaling connections.
type ConnectionCounter interface {
	Count() int
}

// Connections reports the live connection count. It only fails when no manager is wired.
func Connections(counter ConnectionCounter) Check {
	return Check{Name: "connections", Run: func(context.Context) ProbeResult {
		if counter == nil {
			return ResultFromError(errors.New("connection manager unavailable"))
		}
		return ProbeResult{Status: StatusUp, Details: strconv.Itoa(counter.Count()) + " live"}
	}}
}
