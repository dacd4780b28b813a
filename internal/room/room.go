// Package room holds the per-room state: the shared document, presence,
// attached connections, readiness and the pending forward batch.
//
// A Room is not synchronized. Everything except Ready is meant to be used
// from the hub's event loop only.
package room

import (
	"strings"
	"time"

	"github.com/manpreetbhatti/lattice/collab/internal/awareness"
	"github.com/manpreetbhatti/lattice/collab/internal/crdt"
)

// DocumentPrefix is stripped from room names to derive the backend document id
const DocumentPrefix = "doc-"

// DocumentID maps a room name to the backend document id
func DocumentID(name string) string {
	return strings.TrimPrefix(name, DocumentPrefix)
}

// NameForDocument is the inverse of DocumentID
func NameForDocument(docID string) string {
	return DocumentPrefix + docID
}

// ForwardQueue is an open debounce window. UserID is the author that opened
// the window.
type ForwardQueue struct {
	Updates [][]byte
	UserID  string
	Timer   *time.Timer
}

// A collaborative editing session. C is the connection type.
type Room[C comparable] struct {
	Name         string
	DocID        string
	Doc          *crdt.Doc
	Awareness    *awareness.Awareness
	LastActiveAt time.Time
	CreatedAt    time.Time

	// Pending is non-nil only while a debounce window is open
	Pending *ForwardQueue

	conns     map[C]struct{}
	order     []C
	readyCh   chan struct{}
	ready     bool
	destroyed bool
	detach    []func()
}

// Creates a new, not yet ready room with an empty document
func New[C comparable](name string, now time.Time) *Room[C] {
	return &Room[C]{
		Name:         name,
		DocID:        DocumentID(name),
		Doc:          crdt.NewDoc(),
		Awareness:    awareness.New(),
		LastActiveAt: now,
		CreatedAt:    now,
		conns:        make(map[C]struct{}),
		readyCh:      make(chan struct{}),
	}
}

// Ready is closed exactly once, when the room finished hydrating. Safe to
// call from any goroutine.
func (r *Room[C]) Ready() <-chan struct{} {
	return r.readyCh
}

func (r *Room[C]) IsReady() bool {
	return r.ready
}

// MarkReady flips the room to ready and wakes every waiter. It reports
// false if the room was already ready.
func (r *Room[C]) MarkReady() bool {
	if r.ready {
		return false
	}
	r.ready = true
	close(r.readyCh)
	return true
}

// Attach records listener unsubscribe functions to run on Destroy
func (r *Room[C]) Attach(detach ...func()) {
	r.detach = append(r.detach, detach...)
}

// Touch marks the room as recently used so the sweeper leaves it alone
func (r *Room[C]) Touch(now time.Time) {
	r.LastActiveAt = now
}

// Idle reports whether the room has no connections and was untouched for ttl
func (r *Room[C]) Idle(now time.Time, ttl time.Duration) bool {
	return len(r.conns) == 0 && now.Sub(r.LastActiveAt) >= ttl
}

func (r *Room[C]) Add(c C) {
	if _, ok := r.conns[c]; ok {
		return
	}
	r.conns[c] = struct{}{}
	r.order = append(r.order, c)
}

// Remove detaches c and reports whether it was attached
func (r *Room[C]) Remove(c C) bool {
	if _, ok := r.conns[c]; !ok {
		return false
	}
	delete(r.conns, c)
	for i, o := range r.order {
		if o == c {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Room[C]) Has(c C) bool {
	_, ok := r.conns[c]
	return ok
}

func (r *Room[C]) Len() int {
	return len(r.conns)
}

// Conns returns the attached connections in join order
func (r *Room[C]) Conns() []C {
	out := make([]C, len(r.order))
	copy(out, r.order)
	return out
}

// Enqueue appends update to the open debounce window, opening one if needed.
// It reports true when the caller must arm the window's timer.
func (r *Room[C]) Enqueue(update []byte, userID string) bool {
	if r.Pending == nil {
		r.Pending = &ForwardQueue{UserID: userID}
	}
	r.Pending.Updates = append(r.Pending.Updates, update)
	return r.Pending.Timer == nil
}

// TakePending closes the debounce window and returns its batch
func (r *Room[C]) TakePending() *ForwardQueue {
	q := r.Pending
	r.Pending = nil
	return q
}

// Destroy releases the document and presence. Connections are not touched.
func (r *Room[C]) Destroy() {
	if r.destroyed {
		return
	}
	r.destroyed = true
	for _, fn := range r.detach {
		fn()
	}
	r.detach = nil
	r.Doc.Destroy()
	r.Awareness.Destroy()
}

func (r *Room[C]) Destroyed() bool {
	return r.destroyed
}
