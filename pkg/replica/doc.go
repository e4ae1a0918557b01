package replica

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
)

// ID identifies one inserted element across all replicas.
type ID struct {
	Client uint64 `json:"c"`
	Clock  uint64 `json:"k"`
}

func (a ID) less(b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Client < b.Client
}

const (
	opInsert = "ins"
	opDelete = "del"
)

type op struct {
	Kind   string          `json:"t"`
	Array  string          `json:"a"`
	ID     ID              `json:"id"`
	Origin *ID             `json:"o,omitempty"`
	Value  json.RawMessage `json:"v,omitempty"`
}

type encodedUpdate struct {
	Ops []op `json:"ops"`
}

type item struct {
	id      ID
	origin  *ID
	value   json.RawMessage
	deleted bool
}

type docUpdate struct {
	data   []byte
	origin any
}

// NewClientID returns a random replica id in the 32-bit range used on the wire.
func NewClientID() uint64 {
	return uint64(rand.Uint32())
}

// MemoryDoc is an in-memory Doc. It is safe for concurrent use; listeners run
// on the goroutine that made the change, after the document lock is released.
type MemoryDoc struct {
	mu        sync.Mutex
	clientID  uint64
	clock     uint64
	arrays    map[string]*memoryArray
	pending   []op
	destroyed bool

	updates listeners[docUpdate]
}

// NewMemoryDoc creates an empty document. A zero clientID picks a random one.
func NewMemoryDoc(clientID uint64) *MemoryDoc {
	if clientID == 0 {
		clientID = NewClientID()
	}
	return &MemoryDoc{
		clientID: clientID,
		arrays:   make(map[string]*memoryArray),
	}
}

func (d *MemoryDoc) ClientID() uint64 { return d.clientID }

func (d *MemoryDoc) Array(name string) Array {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.arrayLocked(name)
}

func (d *MemoryDoc) arrayLocked(name string) *memoryArray {
	arr, ok := d.arrays[name]
	if !ok {
		arr = &memoryArray{doc: d, name: name, byID: make(map[ID]*item)}
		d.arrays[name] = arr
	}
	return arr
}

func (d *MemoryDoc) OnUpdate(fn func(update []byte, origin any)) func() {
	return d.updates.add(func(u docUpdate) { fn(u.data, u.origin) })
}

func (d *MemoryDoc) ApplyUpdate(update []byte, origin any) error {
	var decoded encodedUpdate
	if err := json.Unmarshal(update, &decoded); err != nil {
		return fmt.Errorf("decode update: %w", err)
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	var applied []op
	changed := make(map[*memoryArray]struct{})
	for _, o := range decoded.Ops {
		ok, ready := d.integrateLocked(o, changed)
		if !ready {
			d.deferLocked(o)
			continue
		}
		if ok {
			applied = append(applied, o)
		}
	}
	if len(applied) > 0 {
		applied = append(applied, d.drainPendingLocked(changed)...)
	}
	d.mu.Unlock()

	d.publish(applied, changed, origin)
	return nil
}

// EncodeState emits every element in array order, so each insert follows the
// element it was placed after, then the deletes.
func (d *MemoryDoc) EncodeState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.arrays))
	for name := range d.arrays {
		names = append(names, name)
	}
	sort.Strings(names)

	var ops []op
	for _, name := range names {
		arr := d.arrays[name]
		var deletes []op
		for _, it := range arr.items {
			ops = append(ops, op{Kind: opInsert, Array: name, ID: it.id, Origin: it.origin, Value: it.value})
			if it.deleted {
				deletes = append(deletes, op{Kind: opDelete, Array: name, ID: it.id})
			}
		}
		ops = append(ops, deletes...)
	}
	ops = append(ops, d.pending...)
	return json.Marshal(encodedUpdate{Ops: ops})
}

func (d *MemoryDoc) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	arrays := make([]*memoryArray, 0, len(d.arrays))
	for _, arr := range d.arrays {
		arrays = append(arrays, arr)
	}
	d.mu.Unlock()

	d.updates.clear()
	for _, arr := range arrays {
		arr.observers.clear()
	}
}

// Destroyed reports whether Destroy has been called.
func (d *MemoryDoc) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// integrateLocked applies o. ready is false when o depends on an element this
// replica has not seen yet; applied is false for duplicates.
func (d *MemoryDoc) integrateLocked(o op, changed map[*memoryArray]struct{}) (applied, ready bool) {
	arr := d.arrayLocked(o.Array)
	switch o.Kind {
	case opInsert:
		if _, dup := arr.byID[o.ID]; dup {
			return false, true
		}
		pos := 0
		if o.Origin != nil {
			if _, ok := arr.byID[*o.Origin]; !ok {
				return false, false
			}
			pos = arr.position(*o.Origin) + 1
		}
		// Concurrent inserts after the same origin are ordered newest first.
		for pos < len(arr.items) && o.ID.less(arr.items[pos].id) {
			pos++
		}
		it := &item{id: o.ID, origin: o.Origin, value: o.Value}
		arr.items = append(arr.items, nil)
		copy(arr.items[pos+1:], arr.items[pos:])
		arr.items[pos] = it
		arr.byID[o.ID] = it
		if o.ID.Clock > d.clock {
			d.clock = o.ID.Clock
		}
	case opDelete:
		it, ok := arr.byID[o.ID]
		if !ok {
			return false, false
		}
		if it.deleted {
			return false, true
		}
		it.deleted = true
	default:
		// Unknown operations from newer peers are dropped.
		return false, true
	}
	changed[arr] = struct{}{}
	return true, true
}

func (d *MemoryDoc) deferLocked(o op) {
	for _, p := range d.pending {
		if p.Kind == o.Kind && p.Array == o.Array && p.ID == o.ID {
			return
		}
	}
	d.pending = append(d.pending, o)
}

func (d *MemoryDoc) drainPendingLocked(changed map[*memoryArray]struct{}) []op {
	var applied []op
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		remaining := d.pending[:0]
		for _, o := range d.pending {
			ok, ready := d.integrateLocked(o, changed)
			switch {
			case !ready:
				remaining = append(remaining, o)
			case ok:
				applied = append(applied, o)
				progress = true
			}
		}
		d.pending = remaining
	}
	return applied
}

// transact runs a local edit and publishes the resulting update.
func (d *MemoryDoc) transact(build func(changed map[*memoryArray]struct{}) ([]op, error)) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	changed := make(map[*memoryArray]struct{})
	ops, err := build(changed)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.publish(ops, changed, nil)
	return nil
}

func (d *MemoryDoc) nextIDLocked() ID {
	d.clock++
	return ID{Client: d.clientID, Clock: d.clock}
}

func (d *MemoryDoc) publish(ops []op, changed map[*memoryArray]struct{}, origin any) {
	if len(ops) == 0 {
		return
	}
	for arr := range changed {
		arr.observers.emit(struct{}{})
	}
	data, err := json.Marshal(encodedUpdate{Ops: ops})
	if err != nil {
		return
	}
	d.updates.emit(docUpdate{data: data, origin: origin})
}

type memoryArray struct {
	doc   *MemoryDoc
	name  string
	items []*item
	byID  map[ID]*item

	observers listeners[struct{}]
}

func (a *memoryArray) position(id ID) int {
	for i, it := range a.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

func (a *memoryArray) visibleLocked() []*item {
	out := make([]*item, 0, len(a.items))
	for _, it := range a.items {
		if !it.deleted {
			out = append(out, it)
		}
	}
	return out
}

func (a *memoryArray) Len() int {
	a.doc.mu.Lock()
	defer a.doc.mu.Unlock()
	return len(a.visibleLocked())
}

func (a *memoryArray) ToArray() []json.RawMessage {
	a.doc.mu.Lock()
	defer a.doc.mu.Unlock()
	visible := a.visibleLocked()
	out := make([]json.RawMessage, len(visible))
	for i, it := range visible {
		out[i] = it.value
	}
	return out
}

func (a *memoryArray) Push(values ...any) error {
	return a.insert(-1, values)
}

func (a *memoryArray) Insert(index int, values ...any) error {
	if index < 0 {
		return fmt.Errorf("insert into %q: negative index %d", a.name, index)
	}
	return a.insert(index, values)
}

// insert places values at index, or at the end when index is -1.
func (a *memoryArray) insert(index int, values []any) error {
	encoded := make([]json.RawMessage, len(values))
	for i, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode value for %q: %w", a.name, err)
		}
		encoded[i] = raw
	}
	return a.doc.transact(func(changed map[*memoryArray]struct{}) ([]op, error) {
		visible := a.visibleLocked()
		if index == -1 {
			index = len(visible)
		}
		if index > len(visible) {
			return nil, fmt.Errorf("insert into %q: index %d out of range [0,%d]", a.name, index, len(visible))
		}
		var origin *ID
		if index > 0 {
			id := visible[index-1].id
			origin = &id
		}
		ops := make([]op, 0, len(encoded))
		for _, raw := range encoded {
			id := a.doc.nextIDLocked()
			o := op{Kind: opInsert, Array: a.name, ID: id, Origin: origin, Value: raw}
			a.doc.integrateLocked(o, changed)
			ops = append(ops, o)
			origin = &id
		}
		return ops, nil
	})
}

func (a *memoryArray) Delete(index, count int) error {
	return a.doc.transact(func(changed map[*memoryArray]struct{}) ([]op, error) {
		visible := a.visibleLocked()
		if index < 0 || count < 0 || index+count > len(visible) {
			return nil, fmt.Errorf("delete from %q: range [%d,%d) out of bounds for length %d", a.name, index, index+count, len(visible))
		}
		ops := make([]op, 0, count)
		for _, it := range visible[index : index+count] {
			o := op{Kind: opDelete, Array: a.name, ID: it.id}
			a.doc.integrateLocked(o, changed)
			ops = append(ops, o)
		}
		return ops, nil
	})
}

func (a *memoryArray) Observe(fn func()) func() {
	return a.observers.add(func(struct{}) { fn() })
}
