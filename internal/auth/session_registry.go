package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/evanigwilo/meet-up-sub001/internal/cache"
)

// TokenKind marks cache hashes that hold realtime auth tokens.
const TokenKind = "WS_AUTH_TOKEN"

const (
	fieldID        = "id"
	fieldName      = "name"
	fieldExpiresAt = "expiresAt"
	fieldKind      = "kind"
)

// ErrNoSession is returned when a token does not resolve to a realtime session.
var ErrNoSession = errors.New("auth: no session for token")

// Session is the identity bound to a connection at connect time.
// ExpiresAt is copied once and never refreshed for the life of the connection.
type Session struct {
	UserID    string    `json:"id"`
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the session is unusable at now. A nil session is always expired.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return !now.Before(s.ExpiresAt)
}

// SessionRegistry resolves bearer tokens stored as cache hashes.
type SessionRegistry struct {
	store cache.Store
}

// NewSessionRegistry constructs a registry over the shared cache store.
func NewSessionRegistry(store cache.Store) (*SessionRegistry, error) {
	if store == nil {
		return nil, errors.New("session registry: cache store is required")
	}
	return &SessionRegistry{store: store}, nil
}

// Validate looks up token and returns its session. The token TTL is left untouched.
func (r *SessionRegistry) Validate(ctx context.Context, token string) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNoSession
	}

	fields, err := r.store.HGetAll(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("session registry: lookup: %w", err)
	}
	if len(fields) == 0 || fields[fieldKind] != TokenKind {
		return nil, ErrNoSession
	}

	userID := strings.TrimSpace(fields[fieldID])
	if userID == "" {
		return nil, ErrNoSession
	}

	millis, err := strconv.ParseInt(fields[fieldExpiresAt], 10, 64)
	if err != nil {
		return nil, ErrNoSession
	}

	return &Session{
		UserID:    userID,
		Name:      fields[fieldName],
		ExpiresAt: time.UnixMilli(millis),
	}, nil
}

// Issue stores a new token for session and sets its TTL. Issuance policy belongs to
// the surrounding platform; this exists so collaborators and tests share one record format.
func (r *SessionRegistry) Issue(ctx context.Context, session Session, ttl time.Duration) (string, error) {
	if strings.TrimSpace(session.UserID) == "" {
		return "", errors.New("session registry: user id is required")
	}
	if ttl <= 0 {
		ttl = time.Until(session.ExpiresAt)
	}
	if ttl <= 0 {
		return "", errors.New("session registry: session already expired")
	}

	token := uuid.NewString()
	fields := map[string]string{
		fieldID:        session.UserID,
		fieldName:      session.Name,
		fieldExpiresAt: strconv.FormatInt(session.ExpiresAt.UnixMilli(), 10),
		fieldKind:      TokenKind,
	}
	if err := r.store.HSet(ctx, token, fields); err != nil {
		return "", fmt.Errorf("session registry: store token: %w", err)
	}
	if _, err := r.store.Expire(ctx, token, ttl); err != nil {
		_ = r.store.Delete(ctx, token)
		return "", fmt.Errorf("session registry: expire token: %w", err)
	}
	return token, nil
}

// Revoke deletes token.
func (r *SessionRegistry) Revoke(ctx context.Context, token string) error {
	return r.store.Delete(ctx, strings.TrimSpace(token))
}
