package ws

import (
	"github.com/manpreetbhatti/lattice/collab/internal/auth"
	"github.com/manpreetbhatti/lattice/collab/internal/awareness"
	"github.com/manpreetbhatti/lattice/collab/internal/crdt"
	"github.com/manpreetbhatti/lattice/collab/internal/encoding"
	"github.com/manpreetbhatti/lattice/collab/internal/protocol"
)

// receive routes one inbound frame. Frames that arrive before the client
// finished its handshake are held and replayed in order afterwards.
func (h *Hub) receive(m *Message) {
	c := m.Client
	if c.closed {
		return
	}
	r, ok := h.rooms[c.roomName]
	if !ok || !r.Has(c) {
		return
	}
	r.Touch(h.now())

	if !c.synced {
		if len(c.pending) >= maxPendingMessages {
			c.logger.Warn("too many messages before sync, dropping connection", "queued", len(c.pending))
			c.abort()
			return
		}
		c.pending = append(c.pending, m.Data)
		return
	}
	h.handleMessage(r, c, m.Data)
}

// handleMessage decodes the type tag and dispatches. Malformed frames are
// logged and the connection stays open.
func (h *Hub) handleMessage(r *Room, c *Client, data []byte) {
	dec := encoding.NewDecoder(data)
	kind, err := protocol.ReadMessageType(dec)
	if err != nil {
		c.logger.Debug("malformed message", "err", err)
		h.metrics.Messages.WithLabelValues("malformed").Inc()
		return
	}
	h.metrics.Messages.WithLabelValues(kind.String()).Inc()

	switch kind {
	case protocol.MessageSync:
		enc := encoding.NewEncoder()
		enc.WriteVarUint(uint64(protocol.MessageSync))
		header := enc.Len()
		step, err := protocol.ReadSyncMessage(dec, enc, syncTarget(r, c), c)
		if err != nil {
			c.logger.Debug("sync message failed", "step", step, "err", err)
			return
		}
		// step2 replies are written back to the sender only
		if enc.Len() > header {
			c.sendBinary(enc.Bytes())
		}

	case protocol.MessageAwareness:
		update, err := dec.ReadVarBytes()
		if err != nil {
			c.logger.Debug("malformed presence message", "err", err)
			return
		}
		if err := r.Awareness.ApplyUpdate(update, c); err != nil {
			c.logger.Debug("presence update rejected", "err", err)
		}

	case protocol.MessageAuth:
		// reserved for credential refresh

	case protocol.MessageQueryAwareness:
		h.sendPresenceSnapshot(r, c)

	default:
		c.logger.Debug("unknown message type", "type", uint64(kind))
	}
}

// readOnlyDoc is what a connection that may not author syncs against. Its
// updates are applied only where they extend the history right away, and
// never for a document client an attached author is writing as.
type readOnlyDoc struct {
	*crdt.Doc
	claimed func(client uint64) bool
}

func (d readOnlyDoc) ApplyUpdate(update []byte, origin any) error {
	return d.Doc.ApplyUntrusted(update, origin, d.claimed)
}

func syncTarget(r *Room, c *Client) protocol.Document {
	if auth.CanAuthor(c.role) {
		return r.Doc
	}
	return readOnlyDoc{Doc: r.Doc, claimed: func(client uint64) bool { return claimedByAuthor(r, client) }}
}

func claimedByAuthor(r *Room, client uint64) bool {
	for _, c := range r.Conns() {
		if !auth.CanAuthor(c.role) {
			continue
		}
		if _, ok := c.authored[client]; ok {
			return true
		}
	}
	return false
}

func encodeSyncStep1(r *Room) []byte {
	return protocol.EncodeSyncStep1(r.Doc)
}

// sendPresenceSnapshot sends every known presence state to c alone
func (h *Hub) sendPresenceSnapshot(r *Room, c *Client) {
	clients := r.Awareness.Clients()
	if len(clients) == 0 {
		return
	}
	c.sendBinary(protocol.EncodeAwarenessMessage(r.Awareness.EncodeUpdate(clients)))
}

// onDocUpdate runs inside the document's notification, so broadcast and
// forwarding happen in the same step as the merge.
func (h *Hub) onDocUpdate(r *Room, update []byte, origin any) {
	c := h.resolveOrigin(r, origin)
	if c == nil || !auth.CanAuthor(c.role) {
		return
	}
	if ops, err := crdt.DecodeUpdate(update); err == nil {
		for _, op := range ops {
			c.authored[op.Client] = struct{}{}
		}
	}
	h.broadcast(r, protocol.EncodeUpdateMessage(update), c)
	h.forward(r, update, c.userID)
}

// onPresenceUpdate broadcasts every presence change, whatever the author's role
func (h *Hub) onPresenceUpdate(r *Room, change awareness.Change, origin any) {
	c := h.resolveOrigin(r, origin)
	if c != nil {
		for _, id := range change.Added {
			c.controlled[id] = struct{}{}
		}
		for _, id := range change.Updated {
			c.controlled[id] = struct{}{}
		}
		for _, id := range change.Removed {
			delete(c.controlled, id)
		}
	}
	h.broadcast(r, protocol.EncodeAwarenessMessage(r.Awareness.EncodeUpdate(change.Clients())), c)
}

// broadcast delivers msg to every attached client except one
func (h *Hub) broadcast(r *Room, msg []byte, except *Client) {
	for _, c := range r.Conns() {
		if c == except || c.closed {
			continue
		}
		c.sendBinary(msg)
	}
}
