package ws

import (
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/lattice/collab/internal/auth"
	"github.com/manpreetbhatti/lattice/collab/internal/ratelimit"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	sendBuffer        = 512
	messagesPerSecond = 100
	messageBurst      = 200

	// Inbound frames held while the initial handshake is pending
	maxPendingMessages = 4096
)

// frame is one queued outbound websocket frame
type frame struct {
	kind int
	data []byte
}

// Client is one admitted websocket connection.
//
// Fields below the blank line are owned by the hub goroutine.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan frame
	done        chan struct{}
	rateLimiter *ratelimit.Limiter
	logger      *slog.Logger

	id         string
	roomName   string
	presenceID uint64
	userID     string

	role       auth.Role
	synced     bool
	closed     bool
	pending    [][]byte
	controlled map[uint64]struct{}
	authored   map[uint64]struct{}
}

func newClient(h *Hub, conn *websocket.Conn, roomName, userID string, role auth.Role) *Client {
	id := uuid.NewString()
	return &Client{
		hub:         h,
		conn:        conn,
		send:        make(chan frame, sendBuffer),
		done:        make(chan struct{}),
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		logger:      h.logger.With("conn", id, "room", roomName, "user", userID),
		id:          id,
		roomName:    roomName,
		presenceID:  uint64(rand.Uint32() >> 1),
		userID:      userID,
		role:        role,
		controlled:  make(map[uint64]struct{}),
		authored:    make(map[uint64]struct{}),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) UserID() string {
	return c.userID
}

// enqueue hands a frame to the write pump without blocking. A client that
// cannot keep up is disconnected.
func (c *Client) enqueue(f frame) bool {
	select {
	case c.send <- f:
		return true
	default:
		c.logger.Warn("send buffer full, dropping connection")
		c.abort()
		return false
	}
}

func (c *Client) sendBinary(data []byte) bool {
	return c.enqueue(frame{kind: websocket.BinaryMessage, data: data})
}

func (c *Client) sendNotice(notice any) bool {
	data, err := json.Marshal(notice)
	if err != nil {
		c.logger.Error("could not encode notice", "err", err)
		return false
	}
	return c.enqueue(frame{kind: websocket.TextMessage, data: data})
}

func (c *Client) sendClose(code int, reason string) bool {
	return c.enqueue(frame{kind: websocket.CloseMessage, data: websocket.FormatCloseMessage(code, reason)})
}

// abort closes the socket; the read pump then unregisters the client
func (c *Client) abort() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		kind, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("websocket read error", "err", err)
			}
			return
		}

		if kind != websocket.BinaryMessage {
			continue
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.logger.Warn("rate limit exceeded", "warnings", rateLimitWarnings)
			}
			if rateLimitWarnings > 1000 {
				c.logger.Warn("disconnecting for excessive rate limit violations")
				return
			}
			continue
		}

		select {
		case c.hub.inbound <- &Message{Client: c, Data: message}:
		case <-c.hub.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(f.kind, f.data); err != nil {
				return
			}
			if f.kind == websocket.CloseMessage {
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
