package worker

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/ports"
	"rillcap/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const sendBuffer = 64

type HubConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	// MessagesPerSecond bounds inbound messages per connection; 0 disables the limit.
	MessagesPerSecond float64
	MessageBurst      int
	// AllowedOrigins is matched against the Origin header; "*" allows any origin.
	AllowedOrigins []string
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

// Hub is the worker end of the shared-worker channel. Every connected tab may ask
// for a drain, and every tab receives every upload event.
type Hub struct {
	cfg      HubConfig
	upgrader websocket.Upgrader
	metrics  ports.PipelineMetrics

	mu      sync.RWMutex
	conns   map[string]*hubConn
	drainer ports.Drainer

	logger *zap.SugaredLogger
}

var _ ports.EventPublisher = (*Hub)(nil)

type hubConn struct {
	id        string
	sessionID domain.SessionID
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *hubConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func NewHub(cfg HubConfig, metrics ports.PipelineMetrics, logger *zap.SugaredLogger) *Hub {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	def := DefaultHubConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	h := &Hub{
		cfg:     cfg,
		metrics: metrics,
		conns:   make(map[string]*hubConn),
		logger:  logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetDrainer wires PROCESS_UPLOADS requests to d. Until then they are dropped.
func (h *Hub) SetDrainer(d ports.Drainer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drainer = d
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, "*") || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// ServeWS upgrades the request and serves the connection until it closes.
// sessionID is the session the caller authenticated for, if any.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, sessionID domain.SessionID) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	conn := &hubConn{
		id:        uuid.NewString(),
		sessionID: sessionID,
		ws:        ws,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[conn.id] = conn
	count := len(h.conns)
	h.mu.Unlock()
	h.metrics.WorkerConnections(1)

	h.logger.Infow("tab connected", "conn_id", conn.id, "session_id", sessionID, "connections", count)

	go h.writePump(conn)
	h.readPump(conn)

	h.mu.Lock()
	delete(h.conns, conn.id)
	h.mu.Unlock()
	h.metrics.WorkerConnections(-1)
	conn.close()

	h.logger.Infow("tab disconnected", "conn_id", conn.id, "session_id", sessionID)
}

func (h *Hub) readPump(conn *hubConn) {
	ws := conn.ws
	ws.SetReadLimit(h.cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	var limiter *rate.Limiter
	if h.cfg.MessagesPerSecond > 0 {
		burst := h.cfg.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), burst)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Infow("error reading from tab", "conn_id", conn.id, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))

		if limiter != nil && !limiter.Allow() {
			h.logger.Warnw("tab exceeded message rate, dropping message", "conn_id", conn.id)
			continue
		}

		msg, err := domain.DecodeMessage(data)
		if err != nil {
			h.logger.Warnw("invalid message from tab", "conn_id", conn.id, "error", err)
			continue
		}
		h.handleMessage(conn, msg)
	}
}

func (h *Hub) handleMessage(conn *hubConn, msg domain.Message) {
	switch m := msg.(type) {
	case domain.ProcessUploads:
		sessionID := m.SessionID
		if sessionID == "" {
			sessionID = conn.sessionID
		}
		_, span := tracing.TraceWorkerMessage(context.Background(), string(msg.Kind()), conn.id, string(sessionID))
		defer span.End()
		h.mu.RLock()
		drainer := h.drainer
		h.mu.RUnlock()
		if drainer == nil {
			h.logger.Warnw("no drainer attached, dropping upload request", "conn_id", conn.id)
			return
		}
		drainer.Trigger(sessionID)
	default:
		h.logger.Debugw("ignoring message from tab", "conn_id", conn.id, "type", msg.Kind())
	}
}

func (h *Hub) writePump(conn *hubConn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case data := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Infow("error writing to tab", "conn_id", conn.id, "error", err)
				conn.close()
				return
			}
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Infow("error sending ping", "conn_id", conn.id, "error", err)
				conn.close()
				return
			}
		}
	}
}

// Publish sends msg to every connected tab allowed to see it. A tab that cannot keep up is disconnected.
func (h *Hub) Publish(ctx context.Context, msg domain.Message) error {
	data, err := domain.EncodeMessage(msg)
	if err != nil {
		return err
	}

	session := domain.MessageSession(msg)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.conns {
		// A tab scoped to one session never sees another session's segments.
		if session != "" && conn.sessionID != "" && conn.sessionID != session {
			continue
		}
		select {
		case conn.send <- data:
		case <-conn.done:
		default:
			h.logger.Warnw("tab is not reading, disconnecting", "conn_id", conn.id)
			conn.close()
		}
	}
	return nil
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every tab.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.conns {
		conn.close()
	}
}
