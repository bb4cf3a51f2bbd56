package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/evanigwilo/meet-up-sub001/internal/cache"
	"github.com/evanigwilo/meet-up-sub001/internal/models"
	"github.com/evanigwilo/meet-up-sub001/internal/presence"
	"github.com/evanigwilo/meet-up-sub001/internal/realtime"
	"github.com/evanigwilo/meet-up-sub001/pkg/logger"
	"github.com/evanigwilo/meet-up-sub001/pkg/metrics"
)

const (
	DefaultCallTimeout    = 60 * time.Second
	DefaultUploadClaimTTL = 10 * time.Minute

	uploadClaimKind = "UPLOAD_CLAIM"
)

// Presence resolves and updates presence state.
type Presence interface {
	Resolve(ctx context.Context, userID string) presence.Snapshot
	SetTyping(ctx context.Context, userID string) error
}

// Conversations records missed calls and seen state.
type Conversations interface {
	SendMissedCall(ctx context.Context, callerID, calleeID string) (*models.Message, error)
	MarkSeen(ctx context.Context, userID, peerID string) (bool, error)
}

// Option customises a Machine.
type Option func(*Machine)

// WithCallTimeout sets how long an offer may ring before it becomes a missed call.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.callTimeout = d
		}
	}
}

// WithUploadClaimTTL sets the lifetime of upload claims.
func WithUploadClaimTTL(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.uploadClaimTTL = d
		}
	}
}

// WithClock overrides the clock used for expiry checks and call timers.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Machine) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// Machine drives call negotiation and the other client frames for live connections.
type Machine struct {
	conns          *realtime.Manager
	presence       Presence
	conversations  Conversations
	cache          cache.Store
	clock          clockwork.Clock
	callTimeout    time.Duration
	uploadClaimTTL time.Duration
	log            *zap.Logger

	mu      sync.Mutex
	timers  map[string]clockwork.Timer
	stopped bool
}

// NewMachine constructs a signaling state machine.
func NewMachine(conns *realtime.Manager, presence Presence, conversations Conversations, store cache.Store, opts ...Option) (*Machine, error) {
	if conns == nil || presence == nil || conversations == nil || store == nil {
		return nil, errors.New("signaling: connections, presence, conversations and cache are required")
	}
	m := &Machine{
		conns:          conns,
		presence:       presence,
		conversations:  conversations,
		cache:          store,
		clock:          conns.Clock(),
		callTimeout:    DefaultCallTimeout,
		uploadClaimTTL: DefaultUploadClaimTTL,
		log:            logger.WithModule("signaling"),
		timers:         make(map[string]clockwork.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// HandleFrame processes one inbound frame from c. Unknown frame types are ignored.
// A panic while handling a frame is logged and does not affect other connections.
func (m *Machine) HandleFrame(ctx context.Context, c *realtime.Connection, env realtime.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("frame handler panic",
				zap.String("type", env.Type),
				zap.String("user_id", c.UserID()),
				zap.Any("panic", r))
		}
	}()

	if !isKnown(env.Type) {
		metrics.SignalingFrames.WithLabelValues("unknown").Inc()
		return
	}
	metrics.SignalingFrames.WithLabelValues(frameLabel(env.Type)).Inc()

	if c.Expired(m.clock.Now()) {
		if env.Type == realtime.TypeCallOffer {
			metrics.CallOutcomes.WithLabelValues("unauthenticated").Inc()
		}
		m.conns.Send(c, realtime.Envelope{Type: realtime.TypeUnauthenticated})
		return
	}

	switch env.Type {
	case realtime.TypeCallOffer:
		m.offer(c, env)
	case realtime.TypeAnswerOffer:
		m.settle(c, env, "answered")
	case realtime.TypeUserBusy:
		m.settle(c, env, "busy")
	case realtime.TypeCallCanceled:
		m.settle(c, env, "canceled")
	case realtime.TypeOnline:
		m.online(ctx, c, env)
	case realtime.TypeTyping:
		if err := m.presence.SetTyping(ctx, c.UserID()); err != nil {
			m.log.Warn("set typing failed", zap.String("user_id", c.UserID()), zap.Error(err))
		}
	case realtime.TypeSeenConversation:
		m.seen(ctx, c, env)
	default:
		m.uploadClaim(ctx, c, env)
	}
}

type offerContent struct {
	Signal any `mapstructure:"signal"`
}

func (m *Machine) offer(caller *realtime.Connection, env realtime.Envelope) {
	target := strings.TrimSpace(env.To)
	if caller.LinkID() != "" {
		metrics.CallOutcomes.WithLabelValues("caller_busy").Inc()
		m.conns.Send(caller, realtime.Envelope{Type: realtime.TypeUserBusy, From: caller.UserID(), To: target})
		return
	}
	callee := m.conns.FirstOpenMatching(func(candidate *realtime.Connection) bool {
		return candidate.UserID() == target && candidate != caller && candidate.LinkID() == ""
	})

	linkID := uuid.NewString()
	if target == "" || callee == nil || !m.conns.Link(caller, callee, linkID) {
		metrics.CallOutcomes.WithLabelValues("offline").Inc()
		m.conns.Send(caller, realtime.Envelope{Type: realtime.TypeUserOffline, To: target})
		return
	}

	var content offerContent
	if err := mapstructure.Decode(env.Content, &content); err != nil {
		m.log.Debug("offer content not decodable", zap.Error(err))
	}

	m.conns.Send(callee, realtime.Envelope{
		Type: realtime.TypeCallOffer,
		Content: map[string]any{
			"signal": content.Signal,
			"name":   caller.Name(),
		},
		From: caller.UserID(),
		To:   target,
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.timers[linkID] = m.clock.AfterFunc(m.callTimeout, func() {
		m.mu.Lock()
		delete(m.timers, linkID)
		m.mu.Unlock()
		m.expire(linkID, caller, callee)
	})
}

// Stop cancels pending call timeouts and disarms future ones. Offers still
// pending are left linked and no missed call is recorded for them.
func (m *Machine) Stop() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	stopped := 0
	for id, timer := range m.timers {
		if timer.Stop() {
			stopped++
		}
		delete(m.timers, id)
	}
	return stopped
}

// expire turns an offer still pending after the call timeout into a missed call.
func (m *Machine) expire(linkID string, caller, callee *realtime.Connection) {
	if !m.conns.ExpireLink(linkID, caller, callee) {
		return
	}
	metrics.CallOutcomes.WithLabelValues("timed_out").Inc()

	if _, err := m.conversations.SendMissedCall(context.Background(), caller.UserID(), callee.UserID()); err != nil {
		m.log.Error("record missed call failed",
			zap.String("caller", caller.UserID()),
			zap.String("callee", callee.UserID()),
			zap.Error(err))
	}
	m.conns.Send(caller, realtime.Envelope{Type: realtime.TypeNoAnswer, From: callee.UserID(), To: caller.UserID()})
}

func (m *Machine) settle(sender *realtime.Connection, env realtime.Envelope, outcome string) {
	peer, ok := m.conns.Unlink(sender)
	if !ok {
		return
	}
	metrics.CallOutcomes.WithLabelValues(outcome).Inc()

	env.From = sender.UserID()
	m.conns.Send(peer, env)
}

type targetContent struct {
	To string `mapstructure:"to"`
}

func (m *Machine) online(ctx context.Context, c *realtime.Connection, env realtime.Envelope) {
	target := strings.TrimSpace(env.To)
	if target == "" {
		var content targetContent
		if err := mapstructure.Decode(env.Content, &content); err == nil {
			target = strings.TrimSpace(content.To)
		}
	}
	if target == "" {
		return
	}

	m.conns.Send(c, realtime.Envelope{
		Type:    realtime.TypeOnline,
		Content: m.presence.Resolve(ctx, target),
	})
}

func (m *Machine) seen(ctx context.Context, c *realtime.Connection, env realtime.Envelope) {
	peer, _ := env.Content.(string)
	peer = strings.TrimSpace(peer)
	if peer == "" {
		peer = strings.TrimSpace(env.To)
	}
	if peer == "" {
		return
	}

	if _, err := m.conversations.MarkSeen(ctx, c.UserID(), peer); err != nil {
		m.log.Warn("mark conversation seen failed",
			zap.String("user_id", c.UserID()),
			zap.String("peer", peer),
			zap.Error(err))
	}
}

type uploadClaim struct {
	UserID string `json:"userId"`
	Type   string `json:"type"`
	Kind   string `json:"kind"`
}

// UploadClaimKey returns the cache key holding claimID.
func UploadClaimKey(claimID string) string {
	return "upload:claim:" + claimID
}

func (m *Machine) uploadClaim(ctx context.Context, c *realtime.Connection, env realtime.Envelope) {
	claimID := uuid.NewString()
	record, err := json.Marshal(uploadClaim{UserID: c.UserID(), Type: env.Type, Kind: uploadClaimKind})
	if err != nil {
		m.log.Error("encode upload claim", zap.Error(err))
		return
	}
	if err := m.cache.Set(ctx, UploadClaimKey(claimID), record, m.uploadClaimTTL); err != nil {
		m.log.Warn("store upload claim failed", zap.String("user_id", c.UserID()), zap.Error(err))
		return
	}

	env.ClaimID = claimID
	env.From = c.UserID()
	m.conns.Send(c, env)
	if to := strings.TrimSpace(env.To); to != "" && to != c.UserID() {
		m.conns.BroadcastTo(to, env)
	}
}

var knownTypes = map[string]struct{}{
	realtime.TypeCallOffer:        {},
	realtime.TypeAnswerOffer:      {},
	realtime.TypeUserBusy:         {},
	realtime.TypeCallCanceled:     {},
	realtime.TypeOnline:           {},
	realtime.TypeTyping:           {},
	realtime.TypeSeenConversation: {},
}

func isKnown(frameType string) bool {
	if _, ok := knownTypes[frameType]; ok {
		return true
	}
	return strings.HasPrefix(frameType, realtime.UploadPrefix) && len(frameType) > len(realtime.UploadPrefix)
}

func frameLabel(frameType string) string {
	if strings.HasPrefix(frameType, realtime.UploadPrefix) {
		return fmt.Sprintf("%s*", realtime.UploadPrefix)
	}
	return frameType
}

// LookupUploadClaim returns the owner and frame type of a live claim.
func LookupUploadClaim(ctx context.Context, store cache.Store, claimID string) (userID, frameType string, ok bool, err error) {
	data, found, err := store.Get(ctx, UploadClaimKey(claimID))
	if err != nil || !found {
		return "", "", false, err
	}
	var claim uploadClaim
	if err := json.Unmarshal(data, &claim); err != nil || claim.Kind != uploadClaimKind {
		return "", "", false, nil
	}
	return claim.UserID, claim.Type, true, nil
}
