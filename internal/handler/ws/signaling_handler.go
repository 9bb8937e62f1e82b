package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"telemed-backend/internal/middleware"
	"telemed-backend/internal/signaling"
	"telemed-backend/pkg/constants"
	apperrors "telemed-backend/pkg/errors"
	"telemed-backend/pkg/logger"
	"telemed-backend/pkg/metrics"
	"telemed-backend/pkg/response"
)

// Config holds WebSocket transport settings
type Config struct {
	MaxConnections int
	SendBuffer     int
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	ReadLimit      int64
}

// DefaultConfig returns the transport defaults
func DefaultConfig() Config {
	return Config{
		MaxConnections: constants.DefaultMaxSignalingConnections,
		SendBuffer:     constants.WebSocketSendBuffer,
		PingInterval:   constants.WebSocketPingInterval,
		PongWait:       constants.WebSocketPongWait,
		WriteWait:      constants.WebSocketWriteWait,
		ReadLimit:      constants.WebSocketReadLimit,
	}
}

// PresenceRefresher extends an identity's presence entry while its
// connection answers pings
type PresenceRefresher interface {
	Refresh(ctx context.Context, userID uuid.UUID) error
}

// SignalingHandler upgrades authenticated requests and pumps frames between
// the socket and the hub
type SignalingHandler struct {
	hub      *signaling.Hub
	presence PresenceRefresher
	metrics  *metrics.Metrics
	config   Config
	upgrader websocket.Upgrader

	// Semaphore for limiting concurrent connections
	semaphore chan struct{}
}

// NewSignalingHandler creates a signaling handler. presence and m may be nil.
func NewSignalingHandler(hub *signaling.Hub, checkOrigin func(*http.Request) bool, presence PresenceRefresher, m *metrics.Metrics, cfg Config) *SignalingHandler {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = constants.DefaultMaxSignalingConnections
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = constants.WebSocketSendBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = constants.WebSocketPingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = constants.WebSocketPongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = constants.WebSocketWriteWait
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = constants.WebSocketReadLimit
	}

	return &SignalingHandler{
		hub:      hub,
		presence: presence,
		metrics:  m,
		config:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		semaphore: make(chan struct{}, cfg.MaxConnections),
	}
}

// ServeWS handles GET /v1/ws/signaling. Authentication already ran in
// middleware, so failures never reach the upgrade.
func (h *SignalingHandler) ServeWS(c *gin.Context) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	select {
	case h.semaphore <- struct{}{}:
		defer func() { <-h.semaphore }()
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.config.MaxConnections))
		if h.metrics != nil {
			h.metrics.RecordWebSocketError("capacity")
		}
		response.FromError(c, apperrors.ServiceUnavailableError("Server at capacity, please try again later"))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", identity.ID.String()),
			zap.Error(err))
		if h.metrics != nil {
			h.metrics.RecordWebSocketError("upgrade")
		}
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	client := newClient(conn, h.config)
	session, err := h.hub.Register(ctx, identity, client)
	if err != nil {
		_ = client.Close()
		_ = conn.Close()
		return
	}

	go client.writePump()
	h.readPump(ctx, client, session)
}

// readPump reads frames until the socket fails, then unregisters the session
func (h *SignalingHandler) readPump(ctx context.Context, c *client, session *signaling.Session) {
	defer func() {
		h.hub.Unregister(context.Background(), session)
		_ = c.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(h.config.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		if h.presence != nil {
			if err := h.presence.Refresh(ctx, session.Identity.ID); err != nil {
				logger.Debug("Presence refresh failed", zap.Error(err))
			}
		}
		return c.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("session_id", session.ID.String()),
					zap.String("user_id", session.Identity.ID.String()),
					zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		if err := h.hub.HandleMessage(ctx, session, data); err != nil {
			if errors.Is(err, signaling.ErrHubClosed) {
				return
			}
			logger.Warn("Signaling message failed",
				zap.String("session_id", session.ID.String()),
				zap.Error(err))
		}
	}
}

// client is the hub-facing transport of one socket. Send never blocks; a
// full queue is reported as backpressure and the frame is dropped.
type client struct {
	conn   *websocket.Conn
	config Config
	send   chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn *websocket.Conn, cfg Config) *client {
	return &client{
		conn:   conn,
		config: cfg,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
	}
}

// Send queues a frame for the write pump
func (c *client) Send(data []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return signaling.ErrBackpressure
	}
}

// Close stops the write pump. The socket itself is closed by the read side.
func (c *client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// writePump writes queued frames and keepalive pings
func (c *client) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
