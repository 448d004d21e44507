// Package gateway hosts the WebSocket connection layer: the Hub accepts
// sockets, the Client pumps frames to and from one of them, and the
// dispatcher routes decoded events to handlers. The upgrade itself reads no
// credential: every socket starts anonymous and is only authenticated by a
// later register or authenticate event.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/messagegateway/gateway/internal/v1/registry"
)

const writeWait = 10 * time.Second

// wsConnection is the subset of *websocket.Conn the client needs, kept as
// an interface so tests can drive a fake transport.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Envelope is the wire format for every event flowing across a socket in
// either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client pumps frames for one connected socket. Outbound sends go through
// one of two buffered channels so that priority system traffic (acks,
// errors) isn't starved behind a backlog of ordinary broadcast traffic.
type Client struct {
	id   registry.SocketID
	hub  *Hub
	conn wsConnection

	send         chan []byte
	prioritySend chan []byte

	closeOnce sync.Once
}

func newClient(id registry.SocketID, hub *Hub, conn wsConnection) *Client {
	return &Client{
		id:           id,
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, 256),
		prioritySend: make(chan []byte, 256),
	}
}

// sendEnvelope marshals event/payload and queues it for delivery. Priority
// traffic (acks, errors, pong) uses the priority channel; a full channel
// drops the message rather than blocking the caller, matching the
// volatile-broadcast semantics the room manager already assumes.
func (c *Client) sendEnvelope(event string, payload any, priority bool) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}

	ch := c.send
	if priority {
		ch = c.prioritySend
	}
	select {
	case ch <- body:
		return nil
	default:
		slog.Warn("client send channel full, dropping message", "socketId", c.id, "event", event, "priority", priority)
		return errDropped
	}
}

func (c *Client) readPump() {
	defer c.hub.handleDisconnect(c)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("failed to decode envelope", "socketId", c.id, "error", err)
			continue
		}

		c.hub.dispatch(context.Background(), c, env)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case message, ok := <-c.prioritySend:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case message, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		}
	}
}

// close shuts down both outbound channels exactly once, letting writePump
// exit on its own.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		close(c.prioritySend)
	})
}
