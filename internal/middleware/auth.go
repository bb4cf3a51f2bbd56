package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"github.com/evanigwilo/meet-up-sub001/internal/auth"
	"github.com/evanigwilo/meet-up-sub001/pkg/errors"
	"github.com/evanigwilo/meet-up-sub001/pkg/response"
)

const (
	CtxUserIDKey  = "userID"
	CtxSessionKey = "session"
)

// BearerToken extracts the caller's token from the Authorization header, falling
// back to the token and access_token query parameters used by browser sockets.
func BearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "Bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	if token := strings.TrimSpace(c.Query("token")); token != "" {
		return token
	}
	return strings.TrimSpace(c.Query("access_token"))
}

// SessionAuth resolves the bearer token through the session registry and rejects
// unknown or expired sessions with 401.
func SessionAuth(registry *auth.SessionRegistry, clock clockwork.Clock) gin.HandlerFunc {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" || registry == nil {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		session, err := registry.Validate(c.Request.Context(), token)
		if err != nil {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}
		if session.Expired(clock.Now()) {
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrAuthExpired)
			c.Abort()
			return
		}

		c.Set(CtxSessionKey, session)
		c.Set(CtxUserIDKey, session.UserID)
		c.Next()
	}
}

// SessionFromContext returns the session stored by SessionAuth.
func SessionFromContext(c *gin.Context) (*auth.Session, bool) {
	value, ok := c.Get(CtxSessionKey)
	if !ok {
		return nil, false
	}
	session, ok := value.(*auth.Session)
	return session, ok && session != nil
}
