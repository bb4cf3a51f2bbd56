package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/evanigwilo/meet-up-sub001/pkg/logger"
	"github.com/evanigwilo/meet-up-sub001/pkg/metrics"
)

const defaultBufferSize = 64

// OfflineHook runs when the last connection of a user closes.
type OfflineHook func(ctx context.Context, userID string, at time.Time)

// Option customises a Manager.
type Option func(*Manager)

// WithClock overrides the clock used for expiry checks.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithOfflineHook registers the hook run when a user's last connection closes.
func WithOfflineHook(hook OfflineHook) Option {
	return func(m *Manager) {
		m.onOffline = hook
	}
}

// WithSendBuffer sets the per-connection send buffer size.
func WithSendBuffer(size int) Option {
	return func(m *Manager) {
		if size > 0 {
			m.bufferSize = size
		}
	}
}

// WithAllowedOrigins permits cross-origin upgrades from the listed hosts.
func WithAllowedOrigins(hosts ...string) Option {
	return func(m *Manager) {
		for _, host := range hosts {
			if host = hostWithoutPort(host); host != "" {
				m.allowedOrigins[host] = struct{}{}
			}
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// Manager owns the ordered arena of live connections. Registration order is the
// iteration order used by FirstOpenMatching. Call links between two connections
// are only mutated while holding mu exclusively.
type Manager struct {
	mu    sync.RWMutex
	conns []*Connection
	// pending counts registered connections whose Unregister has not finished.
	pending int
	idle    chan struct{}

	upgrader       websocket.Upgrader
	allowedOrigins map[string]struct{}
	clock          clockwork.Clock
	onOffline      OfflineHook
	bufferSize     int
	log            *zap.Logger
}

// NewManager constructs a connection manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		allowedOrigins: make(map[string]struct{}),
		clock:          clockwork.NewRealClock(),
		bufferSize:     defaultBufferSize,
		log:            logger.WithModule("realtime"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     m.checkOrigin,
	}
	return m
}

// Clock returns the clock used for expiry checks.
func (m *Manager) Clock() clockwork.Clock {
	return m.clock
}

// NewConnection creates a connection using the manager's buffer size.
func (m *Manager) NewConnection(userID, name string, expiresAt time.Time) *Connection {
	c := NewConnection(nil, m.bufferSize)
	c.userID = userID
	c.name = name
	c.expiresAt = expiresAt
	return c
}

// Register appends c to the arena and acknowledges it with its user id.
func (m *Manager) Register(c *Connection) {
	m.mu.Lock()
	if m.pending == 0 {
		m.idle = make(chan struct{})
	}
	m.pending++
	m.conns = append(m.conns, c)
	m.mu.Unlock()

	metrics.LiveConnections.Inc()
	m.log.Debug("connection registered", zap.String("user_id", c.userID), zap.String("connection_id", c.id))
	m.Send(c, Envelope{Type: TypeConnection, Content: c.userID})
}

// Unregister closes and removes c. It is idempotent. When c was the user's last
// connection the offline hook runs once.
func (m *Manager) Unregister(c *Connection) {
	c.Close()

	m.mu.Lock()
	index := -1
	for i, existing := range m.conns {
		if existing == c {
			index = i
			break
		}
	}
	if index < 0 {
		m.mu.Unlock()
		return
	}
	m.conns = append(m.conns[:index], m.conns[index+1:]...)
	last := true
	for _, existing := range m.conns {
		if existing.userID == c.userID {
			last = false
			break
		}
	}
	m.mu.Unlock()

	metrics.LiveConnections.Dec()
	m.log.Debug("connection unregistered", zap.String("user_id", c.userID), zap.String("connection_id", c.id))

	if last && m.onOffline != nil {
		m.onOffline(context.Background(), c.userID, m.clock.Now())
	}

	m.mu.Lock()
	m.pending--
	if m.pending == 0 {
		close(m.idle)
	}
	m.mu.Unlock()
}

// Drain blocks until every registered connection has been unregistered and its
// offline hook has returned, or ctx is done.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.RLock()
	if m.pending == 0 {
		m.mu.RUnlock()
		return nil
	}
	idle := m.idle
	m.mu.RUnlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues env on c. A full buffer closes the connection.
func (m *Manager) Send(c *Connection, env Envelope) bool {
	if c == nil || c.Closed() {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		m.log.Warn("dropping backpressure connection", zap.String("user_id", c.userID), zap.String("connection_id", c.id))
		c.Close()
		return false
	}
}

// BroadcastTo queues env on every open connection of userID and returns the number reached.
func (m *Manager) BroadcastTo(userID string, env Envelope) int {
	if userID == "" {
		return 0
	}

	m.mu.RLock()
	targets := make([]*Connection, 0, 2)
	for _, c := range m.conns {
		if c.userID == userID {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if m.Send(c, env) {
			delivered++
		}
	}
	return delivered
}

// FirstOpenMatching returns the first connection in registration order that is
// open, unexpired and satisfies pred.
func (m *Manager) FirstOpenMatching(pred func(*Connection) bool) *Connection {
	now := m.clock.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conns {
		if c.Closed() || c.Expired(now) {
			continue
		}
		if pred == nil || pred(c) {
			return c
		}
	}
	return nil
}

// HasOpen reports whether userID has any open, unexpired connection.
func (m *Manager) HasOpen(userID string) bool {
	return m.FirstOpenMatching(func(c *Connection) bool { return c.userID == userID }) != nil
}

// Count returns the number of registered connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// CloseAll closes every registered connection. Their write loops send a normal
// closure and the read loops unregister them.
func (m *Manager) CloseAll() int {
	m.mu.RLock()
	targets := append([]*Connection(nil), m.conns...)
	m.mu.RUnlock()

	for _, c := range targets {
		c.Close()
	}
	return len(targets)
}

// Link pairs a and b under id. It fails when either is unregistered, closed or already linked.
func (m *Manager) Link(a, b *Connection, id string) bool {
	if a == nil || b == nil || a == b || id == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.registeredLocked(a) || !m.registeredLocked(b) || a.Closed() || b.Closed() {
		return false
	}
	if a.LinkID() != "" || b.LinkID() != "" {
		return false
	}
	a.setLinkID(id)
	b.setLinkID(id)
	return true
}

// Unlink clears the link between sender and the single registered connection
// sharing its link id, and returns that peer. A link whose peer is gone is cleared
// on the sender only and reported as not found.
func (m *Manager) Unlink(sender *Connection) (*Connection, bool) {
	if sender == nil {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := sender.LinkID()
	if id == "" {
		return nil, false
	}

	var peer *Connection
	matches := 0
	for _, c := range m.conns {
		if c != sender && c.LinkID() == id {
			peer = c
			matches++
		}
	}
	if matches == 0 {
		sender.setLinkID("")
		return nil, false
	}
	if matches != 1 {
		return nil, false
	}

	sender.setLinkID("")
	peer.setLinkID("")
	return peer, true
}

// ExpireLink clears a and b when both still carry id. It reports whether it did.
func (m *Manager) ExpireLink(id string, a, b *Connection) bool {
	if id == "" || a == nil || b == nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if a.LinkID() != id || b.LinkID() != id {
		return false
	}
	a.setLinkID("")
	b.setLinkID("")
	return true
}

func (m *Manager) registeredLocked(c *Connection) bool {
	for _, existing := range m.conns {
		if existing == c {
			return true
		}
	}
	return false
}
