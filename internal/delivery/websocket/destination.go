// Package websocket pushes reconciled views, session changes and wallet
// prompts to connected pages.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Pages only send small control messages.
	maxMessageSize = 64 * 1024
)

// Message types pushed to pages.
const (
	TypeConnected = "connected"
	TypeView      = "view"
	TypeSession   = "session"
	TypePrompt    = "prompt"
	TypePong      = "pong"
)

// Destination wraps one page connection.
type Destination struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	mu     sync.RWMutex
	closed bool

	onClose func(id string)
}

// DestinationConfig holds configuration for a page connection.
type DestinationConfig struct {
	ID   string
	Conn *websocket.Conn

	// SendBufferSize is the channel buffer size for outgoing messages.
	SendBufferSize int

	// OnClose is called once when the connection closes.
	OnClose func(id string)
}

// NewDestination creates a new page connection.
func NewDestination(cfg DestinationConfig) *Destination {
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 32
	}

	return &Destination{
		id:      cfg.ID,
		conn:    cfg.Conn,
		send:    make(chan []byte, cfg.SendBufferSize),
		done:    make(chan struct{}),
		onClose: cfg.OnClose,
	}
}

// ID returns the client id.
func (d *Destination) ID() string {
	return d.id
}

// Send queues a message. It never blocks: a full buffer drops the message.
func (d *Destination) Send(msg []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return fmt.Errorf("destination closed")
	}

	select {
	case d.send <- msg:
		return nil
	default:
		return fmt.Errorf("send buffer full for client %s", d.id)
	}
}

// Close releases resources associated with the destination.
func (d *Destination) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	onClose := d.onClose
	d.mu.Unlock()

	close(d.done)

	if onClose != nil {
		onClose(d.id)
	}

	return d.conn.Close()
}

// IsClosed returns whether the destination has been closed.
func (d *Destination) IsClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

func (d *Destination) detach() {
	d.mu.Lock()
	d.onClose = nil
	d.mu.Unlock()
}

// Run starts the read and write pumps and blocks until the connection ends.
func (d *Destination) Run(ctx context.Context) {
	go d.writePump(ctx)
	d.readPump(ctx)
}

func (d *Destination) readPump(ctx context.Context) {
	defer d.Close()

	d.conn.SetReadLimit(maxMessageSize)
	d.conn.SetReadDeadline(time.Now().Add(pongWait))
	d.conn.SetPongHandler(func(string) error {
		d.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		default:
		}

		_, message, err := d.conn.ReadMessage()
		if err != nil {
			return
		}

		d.handleMessage(message)
	}
}

func (d *Destination) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		d.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			d.conn.SetWriteDeadline(time.Now().Add(writeWait))
			d.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-d.done:
			return

		case message := <-d.send:
			d.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := d.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			d.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := d.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (d *Destination) handleMessage(message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "ping":
		if data, err := Encode(TypePong, nil); err == nil {
			d.Send(data)
		}
	case "heartbeat":
	}
}

// ClientMessage is an incoming page message.
type ClientMessage struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ServerMessage is an outgoing message.
type ServerMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Encode builds the wire form of a server message.
func Encode(msgType string, data any) ([]byte, error) {
	return json.Marshal(ServerMessage{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}
