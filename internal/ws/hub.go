package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/manpreetbhatti/lattice/collab/internal/auth"
	"github.com/manpreetbhatti/lattice/collab/internal/awareness"
	"github.com/manpreetbhatti/lattice/collab/internal/backend"
	"github.com/manpreetbhatti/lattice/collab/internal/metrics"
	"github.com/manpreetbhatti/lattice/collab/internal/ratelimit"
	"github.com/manpreetbhatti/lattice/collab/internal/room"
)

const (
	hydrateTimeout = 30 * time.Second
	forwardTimeout = 15 * time.Second

	presenceSweepInterval = 10 * time.Second
	presenceTimeout       = 30 * time.Second
)

var ErrHubStopped = errors.New("ws: hub stopped")

// Room is a room whose connections are websocket clients
type Room = room.Room[*Client]

// TokenVerifier turns a bearer token into an identity
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

type Options struct {
	// Backend is optional. Without one rooms start empty, nothing is
	// forwarded and every authenticated user may edit.
	Backend  backend.Backend
	Verifier TokenVerifier

	ForwardDebounce time.Duration
	RoomTTL         time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Admissions limits websocket upgrade attempts per remote address
	Admissions *ratelimit.Keyed

	Now func() time.Time
}

// Message is one inbound binary frame
type Message struct {
	Client *Client
	Data   []byte
}

// Hub owns every room and connection. All room state is read and written
// from the goroutine running Run; other goroutines hand work to it through
// the channels below. Network calls never run on that goroutine.
type Hub struct {
	rooms map[string]*Room

	// Admitted clients joining a room
	register chan *Client

	// Clients whose socket went away
	unregister chan *Client

	// Inbound frames, in arrival order per client
	inbound chan *Message

	// Completions of async work and timer callbacks
	tasks chan func()

	done    chan struct{}
	closing atomic.Bool

	backend    backend.Backend
	verifier   TokenVerifier
	debounce   time.Duration
	ttl        time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
	admissions *ratelimit.Keyed
	now        func() time.Time
}

func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if opts.RoomTTL <= 0 {
		opts.RoomTTL = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		rooms:      make(map[string]*Room),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan *Message),
		tasks:      make(chan func(), 64),
		done:       make(chan struct{}),
		backend:    opts.Backend,
		verifier:   opts.Verifier,
		debounce:   opts.ForwardDebounce,
		ttl:        opts.RoomTTL,
		logger:     opts.Logger.With("component", "hub"),
		metrics:    opts.Metrics,
		admissions: opts.Admissions,
		now:        opts.Now,
	}
}

// Run processes hub events until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	sweep := time.NewTicker(h.ttl)
	defer sweep.Stop()
	presence := time.NewTicker(presenceSweepInterval)
	defer presence.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.admit(c)

		case c := <-h.unregister:
			h.cleanup(c)

		case m := <-h.inbound:
			h.receive(m)

		case fn := <-h.tasks:
			fn()

		case <-sweep.C:
			h.sweep()

		case <-presence.C:
			h.sweepPresence()
		}
	}
}

// Done is closed once Run has returned
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// post schedules fn on the hub goroutine. It is dropped once the hub stopped.
func (h *Hub) post(fn func()) {
	select {
	case h.tasks <- fn:
	case <-h.done:
	}
}

// do runs fn on the hub goroutine and waits for it to finish
func (h *Hub) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		fn()
		close(finished)
	}
	select {
	case h.tasks <- task:
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// getOrCreate returns the room for name. A new room is registered before its
// hydration starts so concurrent joiners share the same in-flight room.
func (h *Hub) getOrCreate(name string) *Room {
	if r, ok := h.rooms[name]; ok {
		return r
	}

	r := room.New[*Client](name, h.now())
	h.rooms[name] = r
	h.metrics.Rooms.Inc()
	h.logger.Info("room created", "room", name, "doc", r.DocID)

	go h.hydrate(r)
	return r
}

// hydrate fetches the last durable state off the hub goroutine
func (h *Hub) hydrate(r *Room) {
	if h.backend == nil {
		h.post(func() { h.finishHydration(r, nil, nil) })
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), hydrateTimeout)
	state, err := h.backend.FetchLastState(ctx, r.DocID)
	cancel()
	h.metrics.Hydrations.WithLabelValues(metrics.Result(err)).Observe(time.Since(start).Seconds())

	h.post(func() { h.finishHydration(r, state, err) })
}

// finishHydration applies the fetched state, then wires broadcast and
// forwarding and flips the room to ready. The initial state is applied
// before any listener exists, so it is never echoed or forwarded.
func (h *Hub) finishHydration(r *Room, state *backend.DocumentState, err error) {
	if r.Destroyed() {
		return
	}

	switch {
	case err != nil:
		h.logger.Error("hydration failed, serving empty document", "room", r.Name, "err", err)
	case state != nil:
		if err := state.Apply(r.Doc); err != nil {
			h.logger.Error("could not apply backend state", "room", r.Name, "err", err)
		} else {
			h.logger.Debug("room hydrated", "room", r.Name, "updates", len(state.Updates), "snapshot_seq", state.SnapshotSeq)
		}
	}

	h.wire(r)
	r.MarkReady()
	h.logger.Info("room ready", "room", r.Name, "connections", r.Len())
}

func (h *Hub) wire(r *Room) {
	offDoc := r.Doc.OnUpdate(func(update []byte, origin any) {
		h.onDocUpdate(r, update, origin)
	})
	offPresence := r.Awareness.OnUpdate(func(change awareness.Change, origin any) {
		h.onPresenceUpdate(r, change, origin)
	})
	r.Attach(offDoc, offPresence)
}

// destroyRoom releases a room and removes it from the registry
func (h *Hub) destroyRoom(r *Room) {
	if h.rooms[r.Name] == r {
		delete(h.rooms, r.Name)
		h.metrics.Rooms.Dec()
	}
	h.dropPending(r)
	r.Destroy()
}

// sweep reclaims rooms that have no connections and sat idle for the TTL
func (h *Hub) sweep() {
	now := h.now()
	for _, r := range h.rooms {
		if !r.Idle(now, h.ttl) {
			continue
		}
		h.destroyRoom(r)
		h.metrics.RoomsReclaimed.Inc()
		h.logger.Info("room reclaimed", "room", r.Name, "idle", now.Sub(r.LastActiveAt).Round(time.Second))
	}
	if h.admissions != nil {
		h.admissions.Sweep()
	}
}

func (h *Hub) sweepPresence() {
	for _, r := range h.rooms {
		if r.IsReady() {
			r.Awareness.RemoveOutdated(presenceTimeout, nil)
		}
	}
}

// resolveOrigin finds the attached connection a mutation came from. Updates
// from hydration or administrative writes have no connection.
func (h *Hub) resolveOrigin(r *Room, origin any) *Client {
	c, ok := origin.(*Client)
	if !ok || c == nil || !r.Has(c) {
		return nil
	}
	return c
}

// Stats is a point-in-time view of the registry
type Stats struct {
	Rooms       int `json:"active_rooms"`
	Connections int `json:"active_connections"`
}

func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := h.do(ctx, func() {
		s.Rooms = len(h.rooms)
		for _, r := range h.rooms {
			s.Connections += r.Len()
		}
	})
	return s, err
}
