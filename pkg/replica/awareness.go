package replica

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

type awarenessEntry struct {
	Client uint64         `json:"client"`
	Clock  uint64         `json:"clock"`
	State  map[string]any `json:"state"`
}

type awarenessUpdate struct {
	Entries []awarenessEntry `json:"entries"`
}

// MemoryAwareness is an in-memory presence registry. Each entry carries a
// clock; a newer clock replaces an older entry, and a nil state at an equal
// or newer clock removes it. States are normalized through JSON so local and
// remote entries read the same way (numbers are float64).
type MemoryAwareness struct {
	mu        sync.Mutex
	clientID  uint64
	states    map[uint64]map[string]any
	clocks    map[uint64]uint64
	destroyed bool

	changes listeners[Change]
}

// NewMemoryAwareness creates a registry for the document's client. The local
// entry starts out empty, matching a participant that has joined but not yet
// announced itself.
func NewMemoryAwareness(doc Doc) *MemoryAwareness {
	a := &MemoryAwareness{
		clientID: doc.ClientID(),
		states:   make(map[uint64]map[string]any),
		clocks:   make(map[uint64]uint64),
	}
	a.states[a.clientID] = map[string]any{}
	return a
}

func (a *MemoryAwareness) ClientID() uint64 { return a.clientID }

func (a *MemoryAwareness) GetStates() map[uint64]map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]map[string]any, len(a.states))
	for id, st := range a.states {
		out[id] = cloneState(st)
	}
	return out
}

func (a *MemoryAwareness) GetLocalState() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[a.clientID]
	if !ok {
		return nil
	}
	return cloneState(st)
}

func (a *MemoryAwareness) SetLocalState(state map[string]any) {
	normalized, err := normalizeState(state)
	if err != nil {
		return
	}

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	_, existed := a.states[a.clientID]
	a.clocks[a.clientID]++
	var change Change
	switch {
	case normalized == nil && existed:
		delete(a.states, a.clientID)
		change.Removed = []uint64{a.clientID}
	case normalized == nil:
	case existed:
		a.states[a.clientID] = normalized
		change.Updated = []uint64{a.clientID}
	default:
		a.states[a.clientID] = normalized
		change.Added = []uint64{a.clientID}
	}
	a.mu.Unlock()

	a.emit(change)
}

func (a *MemoryAwareness) OnUpdate(fn func(Change)) func() {
	return a.changes.add(fn)
}

func (a *MemoryAwareness) EncodeUpdate(clients []uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entries := make([]awarenessEntry, 0, len(clients))
	for _, id := range clients {
		clock, known := a.clocks[id]
		st, present := a.states[id]
		if !known && !present {
			continue
		}
		entries = append(entries, awarenessEntry{Client: id, Clock: clock, State: st})
	}
	return json.Marshal(awarenessUpdate{Entries: entries})
}

// EncodeAll encodes every known entry.
func (a *MemoryAwareness) EncodeAll() ([]byte, error) {
	return a.EncodeUpdate(a.Clients())
}

// Clients lists client ids that currently have a state, ascending.
func (a *MemoryAwareness) Clients() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]uint64, 0, len(a.states))
	for id := range a.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (a *MemoryAwareness) ApplyUpdate(update []byte, origin any) error {
	var decoded awarenessUpdate
	if err := json.Unmarshal(update, &decoded); err != nil {
		return fmt.Errorf("decode awareness update: %w", err)
	}

	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	change := Change{Origin: origin}
	var reassert bool
	for _, e := range decoded.Entries {
		current := a.clocks[e.Client]
		_, present := a.states[e.Client]
		if !(current < e.Clock || (current == e.Clock && e.State == nil && present)) {
			continue
		}
		if e.Client == a.clientID {
			// Someone marked us offline; bump our clock so peers see we are back.
			if e.State == nil && present {
				a.clocks[a.clientID] = e.Clock + 1
				reassert = true
			}
			continue
		}
		a.clocks[e.Client] = e.Clock
		switch {
		case e.State == nil:
			if present {
				delete(a.states, e.Client)
				change.Removed = append(change.Removed, e.Client)
			}
		case present:
			a.states[e.Client] = e.State
			change.Updated = append(change.Updated, e.Client)
		default:
			a.states[e.Client] = e.State
			change.Added = append(change.Added, e.Client)
		}
	}
	if reassert {
		change.Updated = append(change.Updated, a.clientID)
	}
	a.mu.Unlock()

	a.emit(change)
	return nil
}

func (a *MemoryAwareness) RemoveStates(clients []uint64, origin any) {
	a.mu.Lock()
	change := Change{Origin: origin}
	for _, id := range clients {
		if _, ok := a.states[id]; !ok {
			continue
		}
		delete(a.states, id)
		if id == a.clientID {
			a.clocks[id]++
		}
		change.Removed = append(change.Removed, id)
	}
	a.mu.Unlock()

	a.emit(change)
}

// Destroy clears the local entry, notifying listeners, then drops them.
func (a *MemoryAwareness) Destroy() {
	a.SetLocalState(nil)
	a.mu.Lock()
	a.destroyed = true
	a.mu.Unlock()
	a.changes.clear()
}

func (a *MemoryAwareness) emit(c Change) {
	if len(c.Added)+len(c.Updated)+len(c.Removed) == 0 {
		return
	}
	a.changes.emit(c)
}

func normalizeState(state map[string]any) (map[string]any, error) {
	if state == nil {
		return nil, nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneState(st map[string]any) map[string]any {
	out := make(map[string]any, len(st))
	for k, v := range st {
		out[k] = v
	}
	return out
}
