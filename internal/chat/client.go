package chat

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 4096                // Maximum frame size allowed from peer.
	sendQueueSize  = 256
)

var (
	errSessionClosed = errors.New("session closed")
	errSlowConsumer  = errors.New("send queue full")
)

// connState tracks where a socket is in its lifecycle.
type connState string

const (
	stateConnecting    connState = "connecting"
	stateAuthenticated connState = "authenticated"
	stateAuthorized    connState = "authorized"
	stateActive        connState = "active"
	stateClosed        connState = "closed"
)

// client is the websocket-backed session implementation. writePump owns all
// writes to the underlying connection; the receive loop hands inbound frames
// to the protocol handler.
type client struct {
	conn           *websocket.Conn
	userID         uuid.UUID
	conversationID uuid.UUID

	mu     sync.Mutex
	state  connState
	closed bool
	send   chan []byte
}

func newClient(conn *websocket.Conn, conversationID, userID uuid.UUID) *client {
	return &client{
		conn:           conn,
		userID:         userID,
		conversationID: conversationID,
		state:          stateAuthenticated,
		send:           make(chan []byte, sendQueueSize),
	}
}

func (c *client) UserID() uuid.UUID         { return c.userID }
func (c *client) ConversationID() uuid.UUID { return c.conversationID }

func (c *client) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *client) State() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send marshals the frame and queues it for the write pump. A full queue
// counts as a failed delivery: a slow peer gets dropped rather than throttle
// the rest of the conversation.
func (c *client) Send(frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errSessionClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errSlowConsumer
	}
}

// Close shuts down the session. Safe to call more than once.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = stateClosed
	close(c.send)
	c.mu.Unlock()

	return c.conn.Close()
}

// writePump pumps queued frames to the websocket connection and keeps the
// peer alive with periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop reads frames until the peer goes away and hands each payload to
// handle. It owns the read side configuration (size limit, pong deadline).
// Returns the error that terminated the loop, nil on a clean close.
func (c *client) readLoop(handle func(raw []byte)) error {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				return err
			}
			return nil
		}
		handle(raw)
	}
}
