package websocket

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Manager tracks page connections and fans messages out to them.
type Manager struct {
	mu           sync.RWMutex
	destinations map[string]*Destination
	logger       *slog.Logger

	upgrader       websocket.Upgrader
	allowedOrigins []string
	greeting       func() [][]byte

	// Metrics
	totalConnections  int64
	messagesDelivered int64
	messagesDropped   int64
}

// ManagerConfig holds configuration for the connection manager.
type ManagerConfig struct {
	// AllowedOrigins restricts page origins. Empty allows all. Entries may be
	// "*" or "*.example.com".
	AllowedOrigins []string

	// Greeting returns the messages sent to every new connection, typically
	// the current view and session snapshots.
	Greeting func() [][]byte

	Logger *slog.Logger
}

// NewManager creates a new connection manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		destinations:   make(map[string]*Destination),
		logger:         cfg.Logger.With("component", "websocket-manager"),
		allowedOrigins: cfg.AllowedOrigins,
		greeting:       cfg.Greeting,
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     m.checkOrigin,
	}
	return m
}

// checkOrigin validates the request origin against allowed origins.
func (m *Manager) checkOrigin(r *http.Request) bool {
	if len(m.allowedOrigins) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, allowed := range m.allowedOrigins {
		if allowed == "*" {
			return true
		}
		if strings.EqualFold(origin, allowed) {
			return true
		}
		if strings.HasPrefix(allowed, "*.") {
			suffix := allowed[1:]
			if strings.HasSuffix(strings.ToLower(origin), strings.ToLower(suffix)) {
				return true
			}
		}
	}

	m.logger.Warn("websocket connection rejected: origin not allowed",
		"origin", origin,
		"allowed_origins", m.allowedOrigins,
	)
	return false
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	dest := m.HandleConnection(uuid.NewString(), conn)
	dest.Run(r.Context())
}

// HandleConnection registers conn and queues the greeting. The caller runs
// the returned destination.
func (m *Manager) HandleConnection(clientID string, conn *websocket.Conn) *Destination {
	dest := NewDestination(DestinationConfig{
		ID:      clientID,
		Conn:    conn,
		OnClose: m.handleDisconnect,
	})

	m.Register(clientID, dest)

	if hello, err := Encode(TypeConnected, map[string]string{"client_id": clientID}); err == nil {
		dest.Send(hello)
	}
	if m.greeting != nil {
		for _, msg := range m.greeting() {
			dest.Send(msg)
		}
	}

	m.logger.Info("client connected",
		"client_id", clientID,
		"remote_addr", conn.RemoteAddr().String(),
	)

	return dest
}

func (m *Manager) handleDisconnect(clientID string) {
	m.mu.Lock()
	delete(m.destinations, clientID)
	m.mu.Unlock()

	m.logger.Info("client disconnected", "client_id", clientID)
}

// Get retrieves a destination by client ID.
func (m *Manager) Get(clientID string) (*Destination, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dest, ok := m.destinations[clientID]
	if !ok || dest.IsClosed() {
		return nil, false
	}
	return dest, true
}

// Register adds a destination, replacing and closing any previous one with the
// same id.
func (m *Manager) Register(clientID string, dest *Destination) {
	m.mu.Lock()
	existing, hasExisting := m.destinations[clientID]
	m.destinations[clientID] = dest
	m.totalConnections++
	m.mu.Unlock()

	if hasExisting && existing != nil {
		existing.detach()
		existing.Close()
	}
}

// Unregister removes and closes a destination.
func (m *Manager) Unregister(clientID string) {
	m.mu.Lock()
	dest, ok := m.destinations[clientID]
	delete(m.destinations, clientID)
	m.mu.Unlock()

	if ok && dest != nil {
		dest.detach()
		dest.Close()
	}
}

// ActiveCount returns the number of active connections.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.destinations)
}

// Stats returns manager statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ManagerStats{
		TotalConnections:  m.totalConnections,
		ActiveConnections: int64(len(m.destinations)),
		MessagesDelivered: m.messagesDelivered,
		MessagesDropped:   m.messagesDropped,
	}
}

// ManagerStats contains connection manager statistics.
type ManagerStats struct {
	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	MessagesDelivered int64 `json:"messages_delivered"`
	MessagesDropped   int64 `json:"messages_dropped"`
}

// Broadcast sends a message to all connected pages. Slow pages drop it.
func (m *Manager) Broadcast(message []byte) {
	m.mu.RLock()
	dests := make([]*Destination, 0, len(m.destinations))
	for _, dest := range m.destinations {
		dests = append(dests, dest)
	}
	m.mu.RUnlock()

	var delivered, dropped int64
	for _, dest := range dests {
		if err := dest.Send(message); err != nil {
			dropped++
			continue
		}
		delivered++
	}

	m.mu.Lock()
	m.messagesDelivered += delivered
	m.messagesDropped += dropped
	m.mu.Unlock()
}

// BroadcastJSON encodes and broadcasts a typed message.
func (m *Manager) BroadcastJSON(msgType string, data any) error {
	msg, err := Encode(msgType, data)
	if err != nil {
		return err
	}
	m.Broadcast(msg)
	return nil
}

// Close shuts down all connections.
func (m *Manager) Close() error {
	m.mu.Lock()
	dests := make([]*Destination, 0, len(m.destinations))
	for _, dest := range m.destinations {
		dests = append(dests, dest)
	}
	m.destinations = make(map[string]*Destination)
	m.mu.Unlock()

	for _, dest := range dests {
		dest.detach()
		dest.Close()
	}

	return nil
}
