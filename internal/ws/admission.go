package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/lattice/collab/internal/auth"
	"github.com/manpreetbhatti/lattice/collab/internal/room"
)

// DefaultRoom is used when the websocket path names no room
const DefaultRoom = "default"

const admissionTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// rejection is an admission failure and the close frame it maps to
type rejection struct {
	reason string
	code   int
	err    error
}

func (r *rejection) Error() string {
	if r.err != nil {
		return r.reason + ": " + r.err.Error()
	}
	return r.reason
}

func (r *rejection) Unwrap() error {
	return r.err
}

// RoomNameFromPath percent-decodes an escaped URL path and strips leading
// slashes. An empty path maps to DefaultRoom.
func RoomNameFromPath(escapedPath string) (string, error) {
	decoded, err := url.PathUnescape(escapedPath)
	if err != nil {
		return "", err
	}
	name := strings.TrimLeft(decoded, "/")
	if name == "" {
		return DefaultRoom, nil
	}
	return name, nil
}

// ServeWs upgrades the request, authorizes the caller and hands the new
// client to the hub. Every failure closes the socket with a policy code.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	if h.closing.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if h.admissions != nil && !h.admissions.Allow(remoteHost(r)) {
		h.metrics.Rejections.WithLabelValues("rate_limited").Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", "err", err)
		return
	}

	roomName, err := RoomNameFromPath(r.URL.EscapedPath())
	if err != nil {
		h.reject(conn, &rejection{reason: "invalid room", code: websocket.ClosePolicyViolation, err: err})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), admissionTimeout)
	identity, role, err := h.authorize(ctx, roomName, r.URL.Query().Get("token"))
	cancel()
	if err != nil {
		var rej *rejection
		if !errors.As(err, &rej) {
			rej = &rejection{reason: "unauthorized", code: websocket.ClosePolicyViolation, err: err}
		}
		h.reject(conn, rej)
		return
	}

	c := newClient(h, conn, roomName, identity.UserID, role)

	select {
	case h.register <- c:
	case <-h.done:
		h.reject(conn, &rejection{reason: "server is shutting down", code: websocket.CloseGoingAway})
		return
	}

	go c.writePump()
	go c.readPump()
}

// authorize verifies the token and looks up the caller's role on the room's
// document. It runs on the request goroutine, never on the hub goroutine.
func (h *Hub) authorize(ctx context.Context, roomName, token string) (auth.Identity, auth.Role, error) {
	if token == "" {
		return auth.Identity{}, auth.RoleNone, &rejection{reason: "missing token", code: websocket.ClosePolicyViolation, err: auth.ErrMissingToken}
	}
	if h.verifier == nil {
		return auth.Identity{}, auth.RoleNone, &rejection{reason: "invalid token", code: websocket.ClosePolicyViolation, err: auth.ErrNoSecret}
	}

	identity, err := h.verifier.Verify(token)
	if err != nil {
		return auth.Identity{}, auth.RoleNone, &rejection{reason: "invalid token", code: websocket.ClosePolicyViolation, err: err}
	}
	if identity.UserID == "" {
		return auth.Identity{}, auth.RoleNone, &rejection{reason: "invalid token", code: websocket.ClosePolicyViolation, err: auth.ErrInvalidToken}
	}

	role, err := h.lookupRole(ctx, roomName, identity.UserID)
	if err != nil {
		return identity, auth.RoleNone, &rejection{reason: "permission lookup failed", code: websocket.CloseInternalServerErr, err: err}
	}
	if !auth.CanJoin(role) {
		return identity, role, &rejection{reason: "no access", code: websocket.ClosePolicyViolation}
	}
	return identity, role, nil
}

func (h *Hub) lookupRole(ctx context.Context, roomName, userID string) (auth.Role, error) {
	if h.backend == nil {
		return auth.RoleEditor, nil
	}
	return h.backend.GetRole(ctx, room.DocumentID(roomName), userID)
}

func (h *Hub) reject(conn *websocket.Conn, rej *rejection) {
	h.metrics.Rejections.WithLabelValues(strings.ReplaceAll(rej.reason, " ", "_")).Inc()
	h.logger.Info("connection rejected", "reason", rej.reason, "err", rej.err, "remote", conn.RemoteAddr().String())

	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(rej.code, rej.reason), deadline)
	conn.Close()
}

// admit attaches an authorized client to its room and starts the handshake
// right away, or once the room finished hydrating.
func (h *Hub) admit(c *Client) {
	r := h.getOrCreate(c.roomName)
	r.Add(c)
	r.Touch(h.now())
	h.metrics.Connections.Inc()
	c.logger.Info("client joined", "role", c.role.String(), "ready", r.IsReady(), "connections", r.Len())

	if r.IsReady() {
		h.startSync(r, c)
		return
	}
	go h.awaitReady(r, c)
}

// awaitReady waits for the room's one-shot ready signal
func (h *Hub) awaitReady(r *Room, c *Client) {
	select {
	case <-r.Ready():
		h.post(func() { h.startSync(r, c) })
	case <-c.done:
	}
}

// startSync sends the initial sync step and presence snapshot, marks the
// client synced and replays whatever it sent in the meantime.
func (h *Hub) startSync(r *Room, c *Client) {
	if c.closed || c.synced || !r.Has(c) || !r.IsReady() {
		return
	}

	c.sendBinary(encodeSyncStep1(r))
	h.sendPresenceSnapshot(r, c)
	c.synced = true

	queued := c.pending
	c.pending = nil
	for _, data := range queued {
		if c.closed {
			return
		}
		h.handleMessage(r, c, data)
	}
}

// cleanup detaches a client exactly once
func (h *Hub) cleanup(c *Client) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)

	if r, ok := h.rooms[c.roomName]; ok && r.Remove(c) {
		h.metrics.Connections.Dec()
		ids := []uint64{c.presenceID}
		for id := range c.controlled {
			ids = append(ids, id)
		}
		r.Awareness.RemoveStates(ids, c)
		r.Touch(h.now())
		c.logger.Info("client left", "remaining", r.Len())
	}
	close(c.send)
}

// kick notifies and disconnects a client on the hub goroutine
func (h *Hub) kick(c *Client, code int, reason string, notice any) {
	if c.closed {
		return
	}
	ok := true
	if notice != nil {
		ok = c.sendNotice(notice)
	}
	if ok {
		ok = c.sendClose(code, reason)
	}
	h.cleanup(c)
	if !ok {
		c.abort()
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
