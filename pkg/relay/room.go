package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"collabmesh/pkg/metrics"
	tracing "collabmesh/pkg/observability"
	"collabmesh/pkg/protocol"
	"collabmesh/pkg/replica"
	"collabmesh/pkg/storage"
)

// originTag marks changes that did not come from a local client.
type originTag string

const (
	loadOrigin   originTag = "load"
	remoteOrigin originTag = "broker"
)

// room is one loaded document. Replica listeners run with mu held because
// every apply happens under it.
type room struct {
	hub       *Hub
	name      string
	doc       *replica.MemoryDoc
	awareness *replica.MemoryAwareness
	logger    *zap.Logger

	loaded  chan struct{}
	loadErr error

	mu      sync.Mutex
	clients map[*client]bool // value: initial state sent
	owned   map[*client]map[uint64]struct{}
	touched []uint64
	size    int
	dirty   bool
	timer   *clock.Timer
	closed  bool
	unsubs  []func()
}

func newRoom(h *Hub, name string) *room {
	doc := replica.NewMemoryDoc(0)
	aw := replica.NewMemoryAwareness(doc)
	// The relay has no presence of its own.
	aw.SetLocalState(nil)

	r := &room{
		hub:       h,
		name:      name,
		doc:       doc,
		awareness: aw,
		logger:    h.logger.With(zap.String("room", name)),
		loaded:    make(chan struct{}),
		clients:   make(map[*client]bool),
		owned:     make(map[*client]map[uint64]struct{}),
	}
	r.unsubs = append(r.unsubs,
		doc.OnUpdate(r.onDocUpdate),
		aw.OnUpdate(r.onAwarenessChange),
	)
	return r
}

// load waits for a previous instance of the room to finish unloading, then
// restores the stored document.
func (r *room) load(prev <-chan struct{}) {
	defer close(r.loaded)
	if prev != nil {
		<-prev
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.hub.cfg.StoreTimeout)
	defer cancel()
	ctx, span := tracing.StartRoomSpan(ctx, "relay.load_document", r.name)
	defer span.End()

	r.logger.Info("Loading document")
	stored, err := r.hub.store.LoadDocument(ctx, r.name)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		tracing.SetError(ctx, err)
		r.logger.Error("Failed to load document", zap.Error(err))
		r.loadErr = err
		r.hub.forgetFailed(r)
		return
	}

	r.mu.Lock()
	err = r.doc.ApplyUpdate(stored.State, loadOrigin)
	r.size = len(stored.State)
	r.mu.Unlock()
	if err != nil {
		tracing.SetError(ctx, err)
		r.logger.Error("Stored document is corrupt", zap.Error(err))
		r.loadErr = err
		r.hub.forgetFailed(r)
	}
}

func (r *room) attach(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c] = false
}

// detach removes c and its presence, reporting whether the room is empty.
func (r *room) detach(c *client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c]; !ok {
		return len(r.clients) == 0
	}
	delete(r.clients, c)

	if ids := idsOf(r.owned[c]); len(ids) > 0 {
		r.awareness.RemoveStates(ids, c)
		r.touched = nil
		r.broadcastLocked(protocol.Envelope{Type: protocol.TypeAwarenessRemove, Clients: ids}, nil)
		r.hub.publish(r.name, protocol.TypeAwarenessRemove, nil, ids)
	}
	delete(r.owned, c)
	return len(r.clients) == 0
}

// welcome sends the room state and presence, after which c receives
// broadcasts.
func (r *room) welcome(c *client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.doc.EncodeState()
	if err != nil {
		return err
	}
	c.sendEnvelope(protocol.Envelope{Type: protocol.TypeSync, Payload: state})

	if ids := r.awareness.Clients(); len(ids) > 0 {
		presence, err := r.awareness.EncodeUpdate(ids)
		if err != nil {
			return err
		}
		c.sendEnvelope(protocol.Envelope{Type: protocol.TypeAwareness, Payload: presence, Clients: ids})
	}
	r.clients[c] = true
	return nil
}

// applyUpdate merges a client's update, or its full state when full is set.
func (r *room) applyUpdate(origin any, payload []byte, full bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	limit := r.hub.cfg.MaxDocumentSize
	if len(payload) > limit || (!full && r.size+len(payload) > limit) {
		return ErrDocumentTooLarge
	}
	return r.doc.ApplyUpdate(payload, origin)
}

func (r *room) applyAwareness(origin any, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = nil
	if err := r.awareness.ApplyUpdate(payload, origin); err != nil {
		return err
	}
	ids := r.touched
	r.touched = nil
	if len(ids) == 0 {
		return nil
	}
	changed, err := r.awareness.EncodeUpdate(ids)
	if err != nil {
		return err
	}
	sender, _ := origin.(*client)
	r.broadcastLocked(protocol.Envelope{Type: protocol.TypeAwareness, Payload: changed, Clients: ids}, sender)
	if sender != nil {
		r.hub.publish(r.name, protocol.TypeAwareness, changed, ids)
	}
	return nil
}

// removeAwareness drops presence entries. Clients may only remove entries
// they announced.
func (r *room) removeAwareness(origin any, ids []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sender, _ := origin.(*client)
	if sender != nil {
		mine := r.owned[sender]
		allowed := ids[:0:0]
		for _, id := range ids {
			if _, ok := mine[id]; ok {
				allowed = append(allowed, id)
			}
		}
		ids = allowed
	}
	if len(ids) == 0 {
		return
	}
	r.awareness.RemoveStates(ids, origin)
	r.touched = nil
	r.broadcastLocked(protocol.Envelope{Type: protocol.TypeAwarenessRemove, Clients: ids}, sender)
	if sender != nil {
		r.hub.publish(r.name, protocol.TypeAwarenessRemove, nil, ids)
	}
}

func (r *room) onDocUpdate(update []byte, origin any) {
	r.size += len(update)
	if origin == loadOrigin {
		return
	}
	r.markDirtyLocked()
	sender, _ := origin.(*client)
	r.broadcastLocked(protocol.Envelope{Type: protocol.TypeUpdate, Payload: update}, sender)
	if sender != nil {
		r.hub.publish(r.name, protocol.TypeUpdate, update, nil)
	}
}

func (r *room) onAwarenessChange(change replica.Change) {
	sender, _ := change.Origin.(*client)
	for _, group := range [][]uint64{change.Added, change.Updated, change.Removed} {
		r.touched = append(r.touched, group...)
	}
	if sender == nil {
		return
	}
	mine := r.owned[sender]
	if mine == nil {
		mine = make(map[uint64]struct{})
		r.owned[sender] = mine
	}
	for _, id := range change.Added {
		mine[id] = struct{}{}
	}
	for _, id := range change.Updated {
		mine[id] = struct{}{}
	}
	for _, id := range change.Removed {
		delete(mine, id)
	}
}

func (r *room) broadcastLocked(env protocol.Envelope, except *client) {
	data, err := env.Encode()
	if err != nil {
		r.logger.Error("Failed to encode frame", zap.Error(err))
		return
	}
	sent := false
	for c, ready := range r.clients {
		if c == except || !ready {
			continue
		}
		c.send(data)
		sent = true
	}
	if sent {
		metrics.RelayedMessages.WithLabelValues(string(env.Type)).Inc()
	}
}

func (r *room) markDirtyLocked() {
	r.dirty = true
	if r.timer != nil || r.closed {
		return
	}
	r.timer = r.hub.clock.AfterFunc(r.hub.cfg.StoreDebounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.hub.cfg.StoreTimeout)
		defer cancel()
		_ = r.flush(ctx)
	})
}

// flush stores the document if it changed since the last store. A failed
// store leaves the room dirty and schedules another attempt.
func (r *room) flush(ctx context.Context) error {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	r.dirty = false
	state, err := r.doc.EncodeState()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.size = len(state)
	r.mu.Unlock()

	ctx, span := tracing.StartRoomSpan(ctx, "relay.store_document", r.name)
	defer span.End()
	r.logger.Debug("Storing document")
	if err := r.hub.storeDocument(ctx, r.name, state); err != nil {
		tracing.SetError(ctx, err)
		r.mu.Lock()
		if len(r.clients) > 0 {
			r.markDirtyLocked()
		} else {
			r.dirty = true
		}
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *room) close() {
	r.mu.Lock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
	r.mu.Unlock()

	r.awareness.Destroy()
	r.doc.Destroy()
}

func (r *room) disconnectAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		c.close()
	}
}

func (r *room) info() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.awareness.Clients()
	return RoomInfo{
		Name:      r.name,
		Clients:   len(r.clients),
		Presence:  len(ids),
		Size:      r.size,
		Dirty:     r.dirty,
		ClientIDs: ids,
	}
}

// applyRemote merges a frame forwarded by another relay instance.
func (r *room) applyRemote(typ protocol.MessageType, payload []byte, ids []uint64) error {
	switch typ {
	case protocol.TypeUpdate:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.doc.ApplyUpdate(payload, remoteOrigin)
	case protocol.TypeAwareness:
		return r.applyAwareness(remoteOrigin, payload)
	case protocol.TypeAwarenessRemove:
		r.removeAwareness(remoteOrigin, ids)
	}
	return nil
}

func idsOf(set map[uint64]struct{}) []uint64 {
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}
