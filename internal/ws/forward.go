package ws

import (
	"context"
	"time"

	"github.com/manpreetbhatti/lattice/collab/internal/crdt"
	"github.com/manpreetbhatti/lattice/collab/internal/metrics"
)

// forward pushes an authorized update to the backend, either right away or
// batched into the room's debounce window.
func (h *Hub) forward(r *Room, update []byte, userID string) {
	if h.backend == nil {
		return
	}
	if h.debounce <= 0 {
		go h.push(r.Name, r.DocID, update, userID)
		return
	}
	if r.Enqueue(update, userID) {
		r.Pending.Timer = time.AfterFunc(h.debounce, func() {
			h.post(func() { h.flush(r) })
		})
	}
}

// flush merges the open window into one update and forwards it once
func (h *Hub) flush(r *Room) {
	q := r.TakePending()
	if q == nil || len(q.Updates) == 0 {
		return
	}
	merged, err := crdt.MergeUpdates(q.Updates)
	if err != nil {
		h.logger.Error("could not merge pending updates", "room", r.Name, "updates", len(q.Updates), "err", err)
		h.metrics.Forwards.WithLabelValues("error").Inc()
		return
	}
	h.logger.Debug("flushing forward batch", "room", r.Name, "updates", len(q.Updates), "bytes", len(merged))
	go h.push(r.Name, r.DocID, merged, q.UserID)
}

// dropPending cancels an open window without forwarding it
func (h *Hub) dropPending(r *Room) {
	q := r.TakePending()
	if q == nil {
		return
	}
	if q.Timer != nil {
		q.Timer.Stop()
	}
	if len(q.Updates) > 0 {
		h.logger.Warn("dropping unforwarded updates", "room", r.Name, "updates", len(q.Updates))
	}
}

// push runs off the hub goroutine. Failures are logged and not retried.
func (h *Hub) push(roomName, docID string, update []byte, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()

	err := h.backend.PostUpdate(ctx, docID, update, userID)
	h.metrics.Forwards.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		h.logger.Error("forward failed", "room", roomName, "doc", docID, "user", userID, "err", err)
	}
}
