// Package ydoc is the replicated document used by the sync server. A Doc is a
// log of operations keyed by (client, clock); named maps and text buffers are
// last-writer-wins registers ordered by (lamport, client), so replicas that
// have integrated the same operations hold the same content regardless of
// delivery order.
//
// A Doc is not safe for concurrent use. The registry serializes every call
// through the owning document's event loop.
package ydoc

import (
	"errors"
	"math/rand"
	"sort"
)

var ErrMalformedUpdate = errors.New("ydoc: malformed update")

type kind uint8

const (
	kindMapSet kind = iota
	kindMapDelete
	kindText
)

type op struct {
	client  uint64
	clock   uint64
	lamport uint64
	kind    kind
	target  string
	value   []byte
}

type opID struct {
	client uint64
	clock  uint64
}

type register struct {
	lamport uint64
	client  uint64
	value   []byte
	deleted bool
}

func (r register) supersededBy(o op) bool {
	if o.lamport != r.lamport {
		return o.lamport > r.lamport
	}
	return o.client > r.client
}

// UpdateHandler receives the encoded operations a transaction or a remote
// Apply added to the document, together with the origin passed by the caller.
type UpdateHandler func(update []byte, origin any)

type transaction struct {
	origin any
	ops    []op
}

type Doc struct {
	clientID  uint64
	lamport   uint64
	log       map[uint64][]op
	pending   map[opID]op
	registers map[string]register
	handlers  map[int]UpdateHandler
	nextID    int
	txn       *transaction
}

func New() *Doc {
	return NewWithClientID(uint64(rand.Uint32()))
}

func NewWithClientID(clientID uint64) *Doc {
	return &Doc{
		clientID:  clientID,
		log:       make(map[uint64][]op),
		pending:   make(map[opID]op),
		registers: make(map[string]register),
		handlers:  make(map[int]UpdateHandler),
	}
}

// OnUpdate registers handler and returns a function that removes it.
func (d *Doc) OnUpdate(handler UpdateHandler) func() {
	id := d.nextID
	d.nextID++
	d.handlers[id] = handler
	return func() {
		delete(d.handlers, id)
	}
}

// Transact groups every mutation made by fn into one update event tagged with
// origin. Nested calls join the outer transaction.
func (d *Doc) Transact(origin any, fn func()) {
	if d.txn != nil {
		fn()
		return
	}
	d.txn = &transaction{origin: origin}
	fn()
	txn := d.txn
	d.txn = nil
	if len(txn.ops) > 0 {
		d.emit(txn.ops, txn.origin)
	}
}

// Apply integrates a remote update. Operations already seen are ignored, so
// applying the same update twice is a no-op.
func (d *Doc) Apply(update []byte, origin any) error {
	ops, err := decodeUpdate(update)
	if err != nil {
		return err
	}
	for _, o := range ops {
		if o.clock < uint64(len(d.log[o.client])) {
			continue
		}
		d.pending[opID{client: o.client, clock: o.clock}] = o
	}

	var fresh []op
	for progressed := true; progressed; {
		progressed = false
		for id, o := range d.pending {
			if id.clock != uint64(len(d.log[id.client])) {
				continue
			}
			delete(d.pending, id)
			d.integrate(o)
			fresh = append(fresh, o)
			progressed = true
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	sortOps(fresh)
	if d.txn != nil {
		d.txn.ops = append(d.txn.ops, fresh...)
		return nil
	}
	d.emit(fresh, origin)
	return nil
}

// EncodeStateVector summarizes which operations this replica has integrated.
func (d *Doc) EncodeStateVector() []byte {
	sv := make(map[uint64]uint64, len(d.log))
	for client, ops := range d.log {
		sv[client] = uint64(len(ops))
	}
	return encodeStateVector(sv)
}

// EncodeStateAsUpdate returns every integrated operation missing from the
// peer described by the encoded state vector. An empty vector selects the
// whole document.
func (d *Doc) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	sv, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	var missing []op
	for client, ops := range d.log {
		from := sv[client]
		if from >= uint64(len(ops)) {
			continue
		}
		missing = append(missing, ops[from:]...)
	}
	sortOps(missing)
	return encodeUpdate(missing), nil
}

// PendingCount reports operations received ahead of their predecessors.
func (d *Doc) PendingCount() int {
	return len(d.pending)
}

func (d *Doc) GetText(name string) string {
	reg, ok := d.registers[textTarget(name)]
	if !ok {
		return ""
	}
	return string(reg.value)
}

func (d *Doc) TextLen(name string) int {
	return len([]rune(d.GetText(name)))
}

func (d *Doc) SetText(name, content string) {
	if d.GetText(name) == content {
		return
	}
	d.local(kindText, textTarget(name), []byte(content))
}

// InsertText inserts s at rune offset pos, clamped to the buffer length.
func (d *Doc) InsertText(name string, pos int, s string) {
	if s == "" {
		return
	}
	current := []rune(d.GetText(name))
	pos = clamp(pos, 0, len(current))
	next := string(current[:pos]) + s + string(current[pos:])
	d.local(kindText, textTarget(name), []byte(next))
}

// DeleteText removes up to n runes starting at pos.
func (d *Doc) DeleteText(name string, pos, n int) {
	current := []rune(d.GetText(name))
	pos = clamp(pos, 0, len(current))
	end := clamp(pos+n, pos, len(current))
	if end == pos {
		return
	}
	next := string(current[:pos]) + string(current[end:])
	d.local(kindText, textTarget(name), []byte(next))
}

func (d *Doc) MapGet(name, key string) ([]byte, bool) {
	reg, ok := d.registers[mapTarget(name, key)]
	if !ok || reg.deleted {
		return nil, false
	}
	return reg.value, true
}

func (d *Doc) MapSet(name, key string, value []byte) {
	d.local(kindMapSet, mapTarget(name, key), append([]byte(nil), value...))
}

func (d *Doc) MapDelete(name, key string) {
	if _, ok := d.MapGet(name, key); !ok {
		return
	}
	d.local(kindMapDelete, mapTarget(name, key), nil)
}

func (d *Doc) local(k kind, target string, value []byte) {
	d.lamport++
	o := op{
		client:  d.clientID,
		clock:   uint64(len(d.log[d.clientID])),
		lamport: d.lamport,
		kind:    k,
		target:  target,
		value:   value,
	}
	d.integrate(o)
	if d.txn != nil {
		d.txn.ops = append(d.txn.ops, o)
		return
	}
	d.emit([]op{o}, nil)
}

func (d *Doc) integrate(o op) {
	d.log[o.client] = append(d.log[o.client], o)
	if o.lamport > d.lamport {
		d.lamport = o.lamport
	}
	reg, ok := d.registers[o.target]
	if ok && !reg.supersededBy(o) {
		return
	}
	d.registers[o.target] = register{
		lamport: o.lamport,
		client:  o.client,
		value:   o.value,
		deleted: o.kind == kindMapDelete,
	}
}

func (d *Doc) emit(ops []op, origin any) {
	if len(d.handlers) == 0 {
		return
	}
	update := encodeUpdate(ops)
	ids := make([]int, 0, len(d.handlers))
	for id := range d.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if handler, ok := d.handlers[id]; ok {
			handler(update, origin)
		}
	}
}

func textTarget(name string) string {
	return "t:" + name
}

func mapTarget(name, key string) string {
	return "m:" + name + "\x00" + key
}

func sortOps(ops []op) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].client != ops[j].client {
			return ops[i].client < ops[j].client
		}
		return ops[i].clock < ops[j].clock
	})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
