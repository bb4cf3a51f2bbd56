package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/evanigwilo/meet-up-sub001/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB
)

// FrameHandler processes one inbound frame. Frames of a connection are handled
// sequentially in receipt order.
type FrameHandler interface {
	HandleFrame(ctx context.Context, c *Connection, env Envelope)
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(ctx context.Context, c *Connection, env Envelope)

// HandleFrame calls f.
func (f FrameHandlerFunc) HandleFrame(ctx context.Context, c *Connection, env Envelope) {
	f(ctx, c, env)
}

// Serve upgrades the request, registers a connection for session and pumps frames
// into handler until the socket closes.
func (m *Manager) Serve(w http.ResponseWriter, r *http.Request, session *auth.Session, handler FrameHandler) {
	socket, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := NewConnection(session, m.bufferSize)
	c.socket = socket
	m.Register(c)

	go m.writeLoop(c)
	m.readLoop(r.Context(), c, handler)
}

// Reject upgrades the request and immediately closes it with a normal closure carrying reason.
func (m *Manager) Reject(w http.ResponseWriter, r *http.Request, reason string) {
	socket, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer socket.Close()

	payload := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	if err := socket.WriteControl(websocket.CloseMessage, payload, time.Now().Add(writeWait)); err != nil {
		m.log.Debug("reject close frame failed", zap.Error(err))
	}
}

// Feed produces outbound frames for a streaming socket until ctx is done or emit fails.
type Feed func(ctx context.Context, emit func(frame any) error) error

// Stream upgrades the request into a server-push socket. Inbound frames are
// discarded; the feed is cancelled when the peer goes away. Stream sockets are
// not registered with the manager and do not count towards presence.
func (m *Manager) Stream(w http.ResponseWriter, r *http.Request, feed Feed) {
	socket, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer socket.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		socket.SetReadLimit(maxMessageSize)
		_ = socket.SetReadDeadline(time.Now().Add(pongWait))
		socket.SetPongHandler(func(string) error {
			return socket.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := socket.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var writeMu sync.Mutex
	write := func(messageType int, payload []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = socket.SetWriteDeadline(time.Now().Add(writeWait))
		return socket.WriteMessage(messageType, payload)
	}

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	err = feed(ctx, func(frame any) error {
		payload, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		return write(websocket.TextMessage, payload)
	})
	if err != nil && ctx.Err() == nil {
		m.log.Debug("stream ended", zap.Error(err))
	}

	writeMu.Lock()
	_ = socket.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	writeMu.Unlock()
}

func (m *Manager) readLoop(ctx context.Context, c *Connection, handler FrameHandler) {
	defer m.Unregister(c)

	log := m.log.With(zap.String("user_id", c.userID), zap.String("connection_id", c.id))

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Info("unexpected close", zap.Error(err))
			}
			return
		}
		if c.Closed() {
			return
		}
		if len(payload) == 0 {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			log.Debug("ignoring malformed frame", zap.Error(err))
			continue
		}
		if handler != nil {
			handler.HandleFrame(ctx, c, env)
		}
	}
}

func (m *Manager) writeLoop(c *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.socket.Close()
	}()

	for {
		select {
		case env := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.socket.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// checkOrigin allows same-origin requests, loopback development and configured hosts.
func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originHost := hostWithoutPort(origin)
	if originHost == hostWithoutPort(r.Host) || isLoopback(originHost) {
		return true
	}
	_, ok := m.allowedOrigins[originHost]
	return ok
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
