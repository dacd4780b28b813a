// Package crdt provides the shared document held by every room.
//
// A Doc is an operation log replicated between peers. Every operation is
// identified by the client that authored it and a per-client clock; clocks of
// one client are dense and start at zero. Merging is a set union keyed by
// (client, clock), so updates commute, are idempotent and can arrive in any
// order. Operations whose predecessors are still missing are parked until the
// gap is closed.
//
// A Doc is not safe for concurrent use. The hub owns each Doc and only
// touches it from its event loop.
package crdt

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/manpreetbhatti/lattice/collab/internal/encoding"
)

var (
	ErrMalformed = errors.New("crdt: malformed update")
	ErrDestroyed = errors.New("crdt: document destroyed")
)

// Op is a single authored operation. Content is opaque to the document.
type Op struct {
	Client  uint64
	Clock   uint64
	Content []byte
}

// UpdateHandler observes every apply that integrated at least one operation.
// update contains exactly the newly integrated operations.
type UpdateHandler func(update []byte, origin any)

type Doc struct {
	ops       map[uint64][]Op
	pending   map[uint64]map[uint64]held
	handlers  map[int]UpdateHandler
	nextID    int
	destroyed bool
}

// held is a parked operation together with the origin of the apply that
// delivered it. Released operations are reported under that origin.
type held struct {
	op     Op
	origin any
}

func NewDoc() *Doc {
	return &Doc{
		ops:      make(map[uint64][]Op),
		pending:  make(map[uint64]map[uint64]held),
		handlers: make(map[int]UpdateHandler),
	}
}

// OnUpdate registers fn and returns a function that removes it
func (d *Doc) OnUpdate(fn UpdateHandler) func() {
	id := d.nextID
	d.nextID++
	d.handlers[id] = fn
	return func() { delete(d.handlers, id) }
}

// ApplyUpdate merges an encoded update into the document. Malformed input is
// rejected as a whole and leaves the document untouched.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	if d.destroyed {
		return ErrDestroyed
	}
	ops, err := DecodeUpdate(update)
	if err != nil {
		return err
	}

	var integrated []held
	for _, op := range ops {
		integrated = d.integrate(held{op: op, origin: origin}, integrated)
	}
	d.emit(integrated)
	return nil
}

// ApplyUntrusted merges only the operations that extend a client's history
// right now. Nothing is parked, and clients for which skip reports true or
// that have parked operations are left alone.
func (d *Doc) ApplyUntrusted(update []byte, origin any, skip func(client uint64) bool) error {
	if d.destroyed {
		return ErrDestroyed
	}
	ops, err := DecodeUpdate(update)
	if err != nil {
		return err
	}
	sortOps(ops)

	var integrated []held
	for _, op := range ops {
		if len(d.pending[op.Client]) > 0 || op.Clock != d.nextClock(op.Client) {
			continue
		}
		if skip != nil && skip(op.Client) {
			continue
		}
		integrated = d.integrate(held{op: op, origin: origin}, integrated)
	}
	d.emit(integrated)
	return nil
}

// Append authors a new operation for client and returns the encoded update
func (d *Doc) Append(client uint64, content []byte, origin any) ([]byte, error) {
	if d.destroyed {
		return nil, ErrDestroyed
	}
	op := Op{Client: client, Clock: d.nextClock(client), Content: append([]byte(nil), content...)}
	integrated := d.integrate(held{op: op, origin: origin}, nil)
	d.emit(integrated)
	ops := make([]Op, len(integrated))
	for i, h := range integrated {
		ops[i] = h.op
	}
	return EncodeOps(ops), nil
}

func (d *Doc) nextClock(client uint64) uint64 {
	return uint64(len(d.ops[client]))
}

func (d *Doc) integrate(in held, out []held) []held {
	client := in.op.Client
	next := d.nextClock(client)
	switch {
	case in.op.Clock < next:
		return out
	case in.op.Clock > next:
		p := d.pending[client]
		if p == nil {
			p = make(map[uint64]held)
			d.pending[client] = p
		}
		if _, ok := p[in.op.Clock]; !ok {
			p[in.op.Clock] = in
		}
		return out
	}

	d.ops[client] = append(d.ops[client], in.op)
	out = append(out, in)

	p := d.pending[client]
	for len(p) > 0 {
		h, ok := p[d.nextClock(client)]
		if !ok {
			break
		}
		delete(p, h.op.Clock)
		d.ops[client] = append(d.ops[client], h.op)
		out = append(out, h)
	}
	if len(p) == 0 {
		delete(d.pending, client)
	}
	return out
}

// emit notifies handlers once per run of operations sharing an origin
func (d *Doc) emit(integrated []held) {
	if len(integrated) == 0 || len(d.handlers) == 0 {
		return
	}
	ids := make([]int, 0, len(d.handlers))
	for id := range d.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for start := 0; start < len(integrated); {
		end := start + 1
		for end < len(integrated) && sameOrigin(integrated[end].origin, integrated[start].origin) {
			end++
		}
		ops := make([]Op, 0, end-start)
		for _, h := range integrated[start:end] {
			ops = append(ops, h.op)
		}
		update, origin := EncodeOps(ops), integrated[start].origin
		for _, id := range ids {
			if fn, ok := d.handlers[id]; ok {
				fn(update, origin)
			}
		}
		start = end
	}
}

func sameOrigin(a, b any) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	return ta == nil || (ta.Comparable() && a == b)
}

// Len is the number of integrated operations
func (d *Doc) Len() int {
	n := 0
	for _, ops := range d.ops {
		n += len(ops)
	}
	return n
}

// Ops returns the integrated operations ordered by client then clock
func (d *Doc) Ops() []Op {
	return d.collect(nil, false)
}

// EncodeStateAsUpdate encodes everything the document knows, parked
// operations included, as a single update.
func (d *Doc) EncodeStateAsUpdate() []byte {
	return EncodeOps(d.collect(nil, true))
}

// EncodeStateAsUpdateSince encodes the operations missing from a peer whose
// state vector is sv.
func (d *Doc) EncodeStateAsUpdateSince(sv []byte) ([]byte, error) {
	vector, err := DecodeStateVector(sv)
	if err != nil {
		return nil, err
	}
	return EncodeOps(d.collect(vector, true)), nil
}

// StateVector maps each known client to its next expected clock
func (d *Doc) StateVector() map[uint64]uint64 {
	sv := make(map[uint64]uint64, len(d.ops))
	for client, ops := range d.ops {
		if len(ops) > 0 {
			sv[client] = uint64(len(ops))
		}
	}
	return sv
}

func (d *Doc) EncodeStateVector() []byte {
	return EncodeStateVector(d.StateVector())
}

func (d *Doc) collect(since map[uint64]uint64, withPending bool) []Op {
	var out []Op
	for _, client := range sortedClients(d.ops) {
		from := since[client]
		ops := d.ops[client]
		if from < uint64(len(ops)) {
			out = append(out, ops[from:]...)
		}
	}
	if withPending {
		for client, p := range d.pending {
			for _, h := range p {
				if h.op.Clock >= since[client] {
					out = append(out, h.op)
				}
			}
		}
		sortOps(out)
	}
	return out
}

// Destroy releases the document. Further applies fail and handlers are dropped.
func (d *Doc) Destroy() {
	d.destroyed = true
	d.ops = make(map[uint64][]Op)
	d.pending = make(map[uint64]map[uint64]held)
	d.handlers = make(map[int]UpdateHandler)
}

func (d *Doc) Destroyed() bool {
	return d.destroyed
}

// MergeUpdates combines updates into one update equivalent to applying all of
// them in sequence.
func MergeUpdates(updates [][]byte) ([]byte, error) {
	seen := make(map[[2]uint64]struct{})
	var merged []Op
	for i, u := range updates {
		ops, err := DecodeUpdate(u)
		if err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
		for _, op := range ops {
			key := [2]uint64{op.Client, op.Clock}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, op)
		}
	}
	sortOps(merged)
	return EncodeOps(merged), nil
}

// EncodeOps encodes ops as: count, then client, clock and content per op
func EncodeOps(ops []Op) []byte {
	enc := encoding.NewEncoder()
	enc.WriteVarUint(uint64(len(ops)))
	for _, op := range ops {
		enc.WriteVarUint(op.Client)
		enc.WriteVarUint(op.Clock)
		enc.WriteVarBytes(op.Content)
	}
	return enc.Bytes()
}

func DecodeUpdate(update []byte) ([]Op, error) {
	dec := encoding.NewDecoder(update)
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	// every op takes at least three bytes
	if n > uint64(dec.Remaining()/3+1) {
		return nil, fmt.Errorf("%w: op count %d exceeds payload", ErrMalformed, n)
	}
	ops := make([]Op, 0, n)
	for i := uint64(0); i < n; i++ {
		var op Op
		if op.Client, err = dec.ReadVarUint(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if op.Clock, err = dec.ReadVarUint(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if op.Content, err = dec.ReadVarBytes(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		ops = append(ops, op)
	}
	if dec.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, dec.Remaining())
	}
	return ops, nil
}

func EncodeStateVector(sv map[uint64]uint64) []byte {
	enc := encoding.NewEncoder()
	enc.WriteVarUint(uint64(len(sv)))
	for _, client := range sortedKeys(sv) {
		enc.WriteVarUint(client)
		enc.WriteVarUint(sv[client])
	}
	return enc.Bytes()
}

func DecodeStateVector(b []byte) (map[uint64]uint64, error) {
	dec := encoding.NewDecoder(b)
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: state vector: %v", ErrMalformed, err)
	}
	if n > uint64(dec.Remaining()/2+1) {
		return nil, fmt.Errorf("%w: state vector size %d exceeds payload", ErrMalformed, n)
	}
	sv := make(map[uint64]uint64, n)
	for i := uint64(0); i < n; i++ {
		client, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: state vector: %v", ErrMalformed, err)
		}
		clock, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: state vector: %v", ErrMalformed, err)
		}
		sv[client] = clock
	}
	return sv, nil
}

func sortOps(ops []Op) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Client != ops[j].Client {
			return ops[i].Client < ops[j].Client
		}
		return ops[i].Clock < ops[j].Clock
	})
}

func sortedClients(m map[uint64][]Op) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func sortedKeys(m map[uint64]uint64) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
