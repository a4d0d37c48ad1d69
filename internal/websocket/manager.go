// Package websocket carries the preview channel between the server and the
// embedding host page: generations, scroll restores and notifications go
// out, surface signals come back in.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/conneroisu/livesite/internal/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Forwarded console calls can be
	// large.
	maxMessageSize = 64 << 10
)

// Options configures a Manager.
type Options struct {
	Origins   OriginValidator
	OnMessage MessageHandler
	Welcome   WelcomeFunc
	// MessagesPerSecond and Burst limit inbound frames per client. Frames
	// over the limit are dropped.
	MessagesPerSecond float64
	Burst             int
	Logger            logging.Logger
}

// Manager handles all WebSocket connection management and broadcasting.
//
// A single hub goroutine owns registration, unregistration and broadcast, so
// messages reach each client in the order they were broadcast.
type Manager struct {
	clients      map[*websocket.Conn]*Client
	clientsMutex sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *websocket.Conn

	origins   OriginValidator
	onMessage MessageHandler
	welcome   WelcomeFunc
	limit     rate.Limit
	burst     int
	logger    logging.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	hubDone      chan struct{}
}

// NewManager creates a manager and starts its hub.
func NewManager(opts Options) *Manager {
	if opts.Origins == nil {
		panic("websocket: Options.Origins is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 50
	}
	if opts.Burst <= 0 {
		opts.Burst = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		clients:    make(map[*websocket.Conn]*Client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client, 32),
		unregister: make(chan *websocket.Conn, 32),
		origins:    opts.Origins,
		onMessage:  opts.OnMessage,
		welcome:    opts.Welcome,
		limit:      rate.Limit(opts.MessagesPerSecond),
		burst:      opts.Burst,
		logger:     opts.Logger.WithComponent("websocket"),
		ctx:        ctx,
		cancel:     cancel,
		hubDone:    make(chan struct{}),
	}

	go m.runHub()

	return m
}

// HandleWebSocket upgrades the request and registers the client.
//
// Responses before the upgrade:
//   - 403 Forbidden: origin not allowed
//   - 503 Service Unavailable: manager shut down
func (m *Manager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if m.IsShutdown() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	origin := r.Header.Get("Origin")
	if !m.origins.IsAllowedOrigin(origin) {
		m.logger.Warn(r.Context(), nil, "WebSocket connection rejected", "origin", origin, "remote", r.RemoteAddr)
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origins were validated above.
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		m.logger.Warn(r.Context(), err, "WebSocket upgrade failed", "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	client := &Client{
		conn:         conn,
		send:         make(chan []byte, 256),
		remote:       r.RemoteAddr,
		lastActivity: time.Now(),
		limiter:      rate.NewLimiter(m.limit, m.burst),
	}

	select {
	case m.register <- client:
	case <-m.ctx.Done():
		_ = conn.Close(websocket.StatusServiceRestart, "Server shutting down")
		return
	}

	go m.handleClient(client)
}

func (m *Manager) runHub() {
	defer close(m.hubDone)

	for {
		select {
		case client := <-m.register:
			m.registerClient(client)

		case conn := <-m.unregister:
			m.unregisterClient(conn)

		case message := <-m.broadcast:
			m.broadcastToClients(message)

		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) registerClient(client *Client) {
	m.clientsMutex.Lock()
	m.clients[client.conn] = client
	count := len(m.clients)
	m.clientsMutex.Unlock()

	m.logger.Debug(m.ctx, "Client connected", "remote", client.remote, "clients", count)

	if m.welcome == nil {
		return
	}
	if msg, ok := m.welcome(); ok {
		if data, err := encode(msg); err == nil {
			select {
			case client.send <- data:
			default:
			}
		}
	}
}

func (m *Manager) unregisterClient(conn *websocket.Conn) {
	m.clientsMutex.Lock()
	client, exists := m.clients[conn]
	if exists {
		delete(m.clients, conn)
		close(client.send)
	}
	count := len(m.clients)
	m.clientsMutex.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		m.logger.Debug(m.ctx, "Client disconnected", "remote", client.remote, "clients", count)
	}
}

func (m *Manager) broadcastToClients(message []byte) {
	var failed []*websocket.Conn

	m.clientsMutex.RLock()
	for conn, client := range m.clients {
		select {
		case client.send <- message:
		default:
			failed = append(failed, conn)
		}
	}
	m.clientsMutex.RUnlock()

	// Slow clients are dropped; they get the current generation again as
	// their welcome when they reconnect.
	for _, conn := range failed {
		m.unregisterClient(conn)
	}
}

func (m *Manager) handleClient(client *Client) {
	defer func() {
		select {
		case m.unregister <- client.conn:
		case <-m.ctx.Done():
		}
	}()

	go m.writePump(client)
	m.readPump(client)
}

// readPump pumps messages from the websocket connection
func (m *Manager) readPump(client *Client) {
	for {
		ctx, cancel := context.WithTimeout(m.ctx, pongWait)
		typ, message, err := client.conn.Read(ctx)
		cancel()

		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && m.ctx.Err() == nil {
				m.logger.Debug(m.ctx, "WebSocket read ended", "remote", client.remote, "error", err.Error())
			}
			return
		}

		client.lastActivity = time.Now()

		if typ != websocket.MessageText {
			continue
		}
		if !client.limiter.Allow() {
			m.logger.Warn(m.ctx, nil, "WebSocket message dropped, rate limit exceeded", "remote", client.remote)
			continue
		}
		if m.onMessage != nil {
			m.onMessage(m.ctx, message)
		}
	}
}

// writePump pumps messages to the websocket connection
func (m *Manager) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case message, ok := <-client.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(m.ctx, writeWait)
			err := client.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				m.logger.Debug(m.ctx, "WebSocket write failed", "remote", client.remote, "error", err.Error())
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(m.ctx, writeWait)
			err := client.conn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}

		case <-m.ctx.Done():
			return
		}
	}
}

// Broadcast sends a message to every connected client.
func (m *Manager) Broadcast(msg UpdateMessage) {
	data, err := encode(msg)
	if err != nil {
		m.logger.Error(m.ctx, err, "Failed to marshal broadcast message", "type", msg.Type)
		return
	}

	select {
	case m.broadcast <- data:
	case <-m.ctx.Done():
	default:
		m.logger.Warn(m.ctx, nil, "Broadcast channel full, dropping message", "type", msg.Type)
	}
}

// ConnectedClients returns the number of registered clients.
func (m *Manager) ConnectedClients() int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	return len(m.clients)
}

// Shutdown stops the hub and closes every connection.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.cancel()

		select {
		case <-m.hubDone:
		case <-ctx.Done():
		}

		m.clientsMutex.Lock()
		for conn := range m.clients {
			_ = conn.Close(websocket.StatusGoingAway, "Server shutdown")
		}
		m.clients = make(map[*websocket.Conn]*Client)
		m.clientsMutex.Unlock()
	})

	return ctx.Err()
}

// IsShutdown returns whether the manager has been shut down.
func (m *Manager) IsShutdown() bool {
	return m.ctx.Err() != nil
}

func encode(msg UpdateMessage) ([]byte, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return json.Marshal(msg)
}
