package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apievents "github.com/yyd/aurora/pkg/api/events"
)

const (
	defaultWSMaxConnections = 100
	defaultPingInterval     = 30 * time.Second
	defaultPongTimeout      = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultSendBuffer       = 32
)

// WebSocketConfig configures WebSocketHandler.
type WebSocketConfig struct {
	AllowedOrigins []string
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

// clientCommand is what clients send: subscribe or unsubscribe to one
// session's events.
type clientCommand struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	sessions map[string]struct{}
	closed   bool
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn:     conn,
		send:     make(chan []byte, defaultSendBuffer),
		sessions: make(map[string]struct{}),
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// offer queues payload without blocking. It reports false when the
// client is gone or too slow.
func (c *wsClient) offer(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *wsClient) subscribe(sessionID string) {
	if sessionID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = struct{}{}
}

func (c *wsClient) unsubscribe(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// wants reports whether the client receives events of sessionID. A
// client without subscriptions receives everything.
func (c *wsClient) wants(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) == 0 {
		return true
	}
	_, ok := c.sessions[sessionID]
	return ok
}

// ConnectionManager tracks websocket clients.
type ConnectionManager struct {
	mu             sync.RWMutex
	clients        map[*wsClient]struct{}
	maxConnections int
}

// NewConnectionManager creates a manager accepting up to maxConnections.
func NewConnectionManager(maxConnections int) *ConnectionManager {
	if maxConnections <= 0 {
		maxConnections = defaultWSMaxConnections
	}
	return &ConnectionManager{
		clients:        make(map[*wsClient]struct{}),
		maxConnections: maxConnections,
	}
}

var errConnectionLimit = errors.New("websocket connection limit reached")

// Register adds a client unless the manager is full.
func (m *ConnectionManager) Register(client *wsClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clients) >= m.maxConnections {
		return errConnectionLimit
	}
	m.clients[client] = struct{}{}
	return nil
}

// Unregister removes and closes a client.
func (m *ConnectionManager) Unregister(client *wsClient) {
	m.mu.Lock()
	_, ok := m.clients[client]
	delete(m.clients, client)
	m.mu.Unlock()
	if ok {
		client.close()
	}
}

// Count returns the number of connected clients.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// CanAccept reports whether one more client fits.
func (m *ConnectionManager) CanAccept() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients) < m.maxConnections
}

// Broadcast sends event to every interested client. Clients whose
// buffer is full are disconnected.
func (m *ConnectionManager) Broadcast(event apievents.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	m.mu.RLock()
	clients := make([]*wsClient, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		if !c.wants(event.SessionID) {
			continue
		}
		if !c.offer(payload) {
			m.Unregister(c)
		}
	}
	return nil
}

// Close disconnects every client.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[*wsClient]struct{})
	m.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

// WebSocketHandler streams conversation events on /ws/events. Clients
// may pass ?session_id= or send {"type":"subscribe","session_id":...}
// to narrow the stream.
type WebSocketHandler struct {
	logger       *slog.Logger
	manager      *ConnectionManager
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
}

// NewWebSocketHandler creates a WebSocketHandler.
func NewWebSocketHandler(logger *slog.Logger, cfg WebSocketConfig) *WebSocketHandler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	h := &WebSocketHandler{
		logger:       logger,
		manager:      NewConnectionManager(cfg.MaxConnections),
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	origins := append([]string(nil), cfg.AllowedOrigins...)
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return originPermitted(r, origins) },
	}
	return h
}

// ServeHTTP upgrades the connection and runs the client pumps.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if !h.manager.CanAccept() {
		http.Error(w, errConnectionLimit.Error(), http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(conn)
	client.subscribe(strings.TrimSpace(r.URL.Query().Get("session_id")))
	if err := h.manager.Register(client); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(h.writeTimeout))
		_ = conn.Close()
		return
	}
	go h.writePump(client)
	h.readPump(client)
}

func (h *WebSocketHandler) readPump(client *wsClient) {
	defer h.manager.Unregister(client)

	deadline := h.pingInterval + h.pongTimeout
	client.conn.SetReadLimit(1 << 16)
	_ = client.conn.SetReadDeadline(time.Now().Add(deadline))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		var cmd clientCommand
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}
		sid := strings.TrimSpace(cmd.SessionID)
		switch strings.ToLower(strings.TrimSpace(cmd.Type)) {
		case "subscribe":
			client.subscribe(sid)
		case "unsubscribe":
			client.unsubscribe(sid)
		}
	}
}

func (h *WebSocketHandler) writePump(client *wsClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		h.manager.Unregister(client)
	}()
	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// Broadcast sends event to the matching clients.
func (h *WebSocketHandler) Broadcast(event apievents.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return h.manager.Broadcast(event)
}

// Forward broadcasts every event read from ch until ch closes or ctx is
// done.
func (h *WebSocketHandler) Forward(ctx context.Context, ch <-chan apievents.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := h.Broadcast(event); err != nil {
				h.logger.Warn("websocket broadcast failed", "type", event.Type, "error", err)
			}
		}
	}
}

// Connections returns the number of connected clients.
func (h *WebSocketHandler) Connections() int { return h.manager.Count() }

// Close disconnects every client.
func (h *WebSocketHandler) Close() { h.manager.Close() }

func originPermitted(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(strings.TrimSpace(a), origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}
