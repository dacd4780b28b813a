package ws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/lattice/collab/internal/auth"
	"github.com/manpreetbhatti/lattice/collab/internal/metrics"
	"github.com/manpreetbhatti/lattice/collab/internal/room"
)

// ErrRoomNotFound is returned by the admin operations when the document has
// no live room on this node.
var ErrRoomNotFound = errors.New("ws: room not found")

// Notices sent as JSON text frames before a forced close
type notice struct {
	Type string     `json:"type"`
	Role *auth.Role `json:"role,omitempty"`
}

const (
	noticeKicked            = "kicked"
	noticeDocumentDeleted   = "document-deleted"
	noticePermissionChanged = "permission-changed"

	reasonNoAccess        = "No access"
	reasonDocumentDeleted = "document deleted"
)

// Closing reports whether Flush has started; new sockets are refused from then on
func (h *Hub) Closing() bool {
	return h.closing.Load()
}

type snapshot struct {
	room  string
	docID string
	state []byte
}

// Flush stops admissions and pushes the full state of every ready room to the
// backend concurrently. Rooms still hydrating are skipped since they hold no
// state yet. The returned error joins every failed push.
func (h *Hub) Flush(ctx context.Context) error {
	h.closing.Store(true)
	if h.backend == nil {
		h.logger.Info("no backend configured, nothing to flush")
		return nil
	}

	var snapshots []snapshot
	err := h.do(ctx, func() {
		for _, r := range h.rooms {
			if !r.IsReady() {
				h.logger.Warn("skipping room that never finished hydrating", "room", r.Name)
				continue
			}
			h.dropPending(r)
			snapshots = append(snapshots, snapshot{room: r.Name, docID: r.DocID, state: r.Doc.EncodeStateAsUpdate()})
		}
	})
	if err != nil {
		return fmt.Errorf("collect snapshots: %w", err)
	}

	h.logger.Info("flushing rooms", "rooms", len(snapshots))
	start := time.Now()

	// each push reports its own failure; Wait only returns the first, so the
	// per-room results are joined afterwards
	errs := make([]error, len(snapshots))
	var g errgroup.Group
	for i, s := range snapshots {
		g.Go(func() error {
			err := h.backend.PostSnapshot(ctx, s.docID, s.state)
			h.metrics.Snapshots.WithLabelValues(metrics.Result(err)).Inc()
			if err != nil {
				h.logger.Error("snapshot failed", "room", s.room, "doc", s.docID, "err", err)
				errs[i] = fmt.Errorf("snapshot %s: %w", s.room, err)
				return errs[i]
			}
			h.logger.Debug("snapshot stored", "room", s.room, "bytes", len(s.state))
			return nil
		})
	}
	if err := g.Wait(); err == nil {
		h.logger.Info("flush finished", "rooms", len(snapshots), "took", time.Since(start).Round(time.Millisecond))
		return nil
	}

	err = errors.Join(errs...)
	h.logger.Info("flush finished with failures", "rooms", len(snapshots), "took", time.Since(start).Round(time.Millisecond))
	return err
}

// DocumentState returns the full encoded state of a live document
func (h *Hub) DocumentState(ctx context.Context, docID string) ([]byte, error) {
	var state []byte
	found := false
	err := h.do(ctx, func() {
		r, ok := h.rooms[room.NameForDocument(docID)]
		if !ok {
			return
		}
		found = true
		state = r.Doc.EncodeStateAsUpdate()
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrRoomNotFound
	}
	return state, nil
}

// DeleteDocument disconnects everyone in the document's room and destroys it
func (h *Hub) DeleteDocument(ctx context.Context, docID string) error {
	found := false
	err := h.do(ctx, func() {
		r, ok := h.rooms[room.NameForDocument(docID)]
		if !ok {
			return
		}
		found = true
		kicked := 0
		for _, c := range r.Conns() {
			h.kick(c, websocket.ClosePolicyViolation, reasonDocumentDeleted, notice{Type: noticeDocumentDeleted})
			kicked++
		}
		h.destroyRoom(r)
		h.logger.Info("document deleted", "room", r.Name, "kicked", kicked)
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrRoomNotFound
	}
	return nil
}

// SetPermission changes the role of every attached connection of userID in
// the document's room. RoleNone kicks them. It reports whether any
// connection was updated.
func (h *Hub) SetPermission(ctx context.Context, docID, userID string, role auth.Role) (bool, error) {
	found, updated := false, false
	err := h.do(ctx, func() {
		r, ok := h.rooms[room.NameForDocument(docID)]
		if !ok {
			return
		}
		found = true
		for _, c := range r.Conns() {
			if c.userID != userID {
				continue
			}
			updated = true
			c.role = role
			if !auth.CanJoin(role) {
				h.kick(c, websocket.ClosePolicyViolation, reasonNoAccess, notice{Type: noticeKicked})
				continue
			}
			c.sendNotice(notice{Type: noticePermissionChanged, Role: &role})
		}
		h.logger.Info("permission changed", "room", r.Name, "user", userID, "role", role.String(), "updated", updated)
	})
	if err != nil {
		return false, err
	}
	if !found {
		return false, ErrRoomNotFound
	}
	return updated, nil
}
