// Package awareness keeps the ephemeral per-client presence state of a room
// (cursors, selections, user info). States are never persisted.
package awareness

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/manpreetbhatti/lattice/collab/internal/encoding"
)

var ErrMalformed = errors.New("awareness: malformed update")

var nullState = []byte("null")

// Change lists the clients touched by one apply or removal
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// Clients returns added, updated and removed ids in that order
func (c Change) Clients() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

func (c Change) Empty() bool {
	return len(c.Added)+len(c.Updated)+len(c.Removed) == 0
}

type ChangeHandler func(change Change, origin any)

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

// Awareness is not safe for concurrent use; like crdt.Doc it is owned by the
// hub's event loop.
type Awareness struct {
	states   map[uint64]json.RawMessage
	meta     map[uint64]meta
	handlers map[int]ChangeHandler
	nextID   int
	now      func() time.Time
}

func New() *Awareness {
	return &Awareness{
		states:   make(map[uint64]json.RawMessage),
		meta:     make(map[uint64]meta),
		handlers: make(map[int]ChangeHandler),
		now:      time.Now,
	}
}

func (a *Awareness) OnUpdate(fn ChangeHandler) func() {
	id := a.nextID
	a.nextID++
	a.handlers[id] = fn
	return func() { delete(a.handlers, id) }
}

// Clients returns the ids with a live state, ascending
func (a *Awareness) Clients() []uint64 {
	ids := make([]uint64, 0, len(a.states))
	for id := range a.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// State returns the raw JSON state of client, or nil when it has none
func (a *Awareness) State(client uint64) json.RawMessage {
	return a.states[client]
}

type entry struct {
	client uint64
	clock  uint64
	state  json.RawMessage
}

func decode(update []byte) ([]entry, error) {
	dec := encoding.NewDecoder(update)
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n > uint64(dec.Remaining()/3+1) {
		return nil, fmt.Errorf("%w: entry count %d exceeds payload", ErrMalformed, n)
	}
	entries := make([]entry, 0, n)
	for i := uint64(0); i < n; i++ {
		var e entry
		if e.client, err = dec.ReadVarUint(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if e.clock, err = dec.ReadVarUint(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		raw, err := dec.ReadVarBytes()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		raw = bytes.TrimSpace(raw)
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%w: client %d state is not JSON", ErrMalformed, e.client)
		}
		if !bytes.Equal(raw, nullState) {
			e.state = raw
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ApplyUpdate merges a remote update. An entry wins when its clock is newer,
// or when it carries a removal at the current clock.
func (a *Awareness) ApplyUpdate(update []byte, origin any) error {
	entries, err := decode(update)
	if err != nil {
		return err
	}

	now := a.now()
	var change Change
	for _, e := range entries {
		prev, known := a.meta[e.client]
		_, hasState := a.states[e.client]
		if known && !(prev.clock < e.clock || (prev.clock == e.clock && e.state == nil && hasState)) {
			continue
		}
		if e.state == nil {
			delete(a.states, e.client)
		} else {
			a.states[e.client] = e.state
		}
		a.meta[e.client] = meta{clock: e.clock, lastUpdated: now}

		switch {
		case !known && e.state != nil:
			change.Added = append(change.Added, e.client)
		case known && e.state == nil:
			if hasState {
				change.Removed = append(change.Removed, e.client)
			}
		case e.state != nil:
			change.Updated = append(change.Updated, e.client)
		}
	}
	a.emit(change, origin)
	return nil
}

// RemoveStates drops the states of clients and bumps their clocks so the
// removal wins over any in-flight update from the same client.
func (a *Awareness) RemoveStates(clients []uint64, origin any) {
	var change Change
	now := a.now()
	for _, id := range clients {
		if _, ok := a.states[id]; !ok {
			continue
		}
		delete(a.states, id)
		m := a.meta[id]
		a.meta[id] = meta{clock: m.clock + 1, lastUpdated: now}
		change.Removed = append(change.Removed, id)
	}
	a.emit(change, origin)
}

// RemoveOutdated drops states that were not refreshed within timeout
func (a *Awareness) RemoveOutdated(timeout time.Duration, origin any) {
	cutoff := a.now().Add(-timeout)
	var stale []uint64
	for _, id := range a.Clients() {
		if a.meta[id].lastUpdated.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	a.RemoveStates(stale, origin)
}

// EncodeUpdate encodes the current clock and state of clients. Clients
// without a state are encoded as removals.
func (a *Awareness) EncodeUpdate(clients []uint64) []byte {
	enc := encoding.NewEncoder()
	enc.WriteVarUint(uint64(len(clients)))
	for _, id := range clients {
		enc.WriteVarUint(id)
		enc.WriteVarUint(a.meta[id].clock)
		if state, ok := a.states[id]; ok {
			enc.WriteVarBytes(state)
		} else {
			enc.WriteVarBytes(nullState)
		}
	}
	return enc.Bytes()
}

// Destroy drops all states without notifying
func (a *Awareness) Destroy() {
	a.states = make(map[uint64]json.RawMessage)
	a.meta = make(map[uint64]meta)
	a.handlers = make(map[int]ChangeHandler)
}

func (a *Awareness) emit(change Change, origin any) {
	if change.Empty() {
		return
	}
	ids := make([]int, 0, len(a.handlers))
	for id := range a.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := a.handlers[id]; ok {
			fn(change, origin)
		}
	}
}

// EncodeEntry builds a single-client update; used by clients and tests
func EncodeEntry(client, clock uint64, state any) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	enc := encoding.NewEncoder()
	enc.WriteVarUint(1)
	enc.WriteVarUint(client)
	enc.WriteVarUint(clock)
	enc.WriteVarBytes(raw)
	return enc.Bytes(), nil
}
