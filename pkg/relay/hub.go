// Package relay is the server side of the reliable channel: it keeps one
// merged document and presence registry per room, relays frames between the
// room's websocket clients, persists documents and forwards traffic to other
// relay instances.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"collabmesh/pkg/metrics"
	"collabmesh/pkg/models"
	"collabmesh/pkg/protocol"
	"collabmesh/pkg/resilience"
	"collabmesh/pkg/storage"
)

var (
	ErrRoomLimit        = errors.New("room limit reached")
	ErrDocumentTooLarge = errors.New("document too large")
	ErrHubClosed        = errors.New("relay hub closed")
	errJoinExpected     = errors.New("first frame must be join")
	errInvalidRoomName  = errors.New("invalid room name")
)

// Config tunes a Hub. Zero values fall back to the relay defaults.
type Config struct {
	NodeID            string
	MaxRooms          int
	MaxDocumentSize   int
	HeartbeatInterval time.Duration
	StoreDebounce     time.Duration
	StoreTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRooms <= 0 {
		c.MaxRooms = 100
	}
	if c.MaxDocumentSize <= 0 {
		c.MaxDocumentSize = 1 << 20
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.StoreDebounce <= 0 {
		c.StoreDebounce = 2 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	return c
}

// Option customizes a Hub.
type Option func(*Hub)

func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

func WithClock(c clock.Clock) Option {
	return func(h *Hub) { h.clock = c }
}

// WithBroker forwards room traffic to other relay instances.
func WithBroker(b storage.Broker) Option {
	return func(h *Hub) { h.brokerBackend = b }
}

func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(h *Hub) { h.breaker = cb }
}

// Hub owns the rooms of one relay instance.
type Hub struct {
	cfg      Config
	store    storage.DocumentStore
	breaker  *resilience.CircuitBreaker
	logger   *zap.Logger
	clock    clock.Clock
	upgrader websocket.Upgrader

	brokerBackend storage.Broker
	fanout        *fanout

	mu        sync.Mutex
	rooms     map[string]*room
	unloading map[string]chan struct{}
	closed    bool
	wg        sync.WaitGroup
}

// NewHub creates a hub persisting rooms to store.
func NewHub(cfg Config, store storage.DocumentStore, opts ...Option) *Hub {
	h := &Hub{
		cfg:       cfg.withDefaults(),
		store:     store,
		logger:    zap.NewNop(),
		clock:     clock.New(),
		rooms:     make(map[string]*room),
		unloading: make(map[string]chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary app origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.cfg.NodeID == "" {
		h.cfg.NodeID = uuid.NewString()
	}
	if h.breaker == nil {
		h.breaker = resilience.NewCircuitBreaker("documents", resilience.DefaultCircuitBreakerConfig(),
			resilience.WithClock(h.clock), resilience.WithLogger(h.logger))
	}
	if h.brokerBackend != nil {
		h.fanout = newFanout(h, h.brokerBackend)
	}
	return h
}

func (h *Hub) Breaker() *resilience.CircuitBreaker { return h.breaker }

func (h *Hub) NodeID() string { return h.cfg.NodeID }

// ServeWS upgrades the request and serves one relay client until it leaves.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	c := newClient(h, conn)
	h.wg.Add(1)
	defer h.wg.Done()
	c.serve(r.Context())
}

// Run forwards traffic through the broker until ctx ends. Without a broker
// it just waits.
func (h *Hub) Run(ctx context.Context) error {
	if h.fanout == nil {
		<-ctx.Done()
		return nil
	}
	return h.fanout.run(ctx)
}

// join attaches c to the named room, loading the room first if needed.
func (h *Hub) join(ctx context.Context, name string, c *client) (*room, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	r, ok := h.rooms[name]
	if !ok {
		if len(h.rooms) >= h.cfg.MaxRooms {
			h.mu.Unlock()
			return nil, ErrRoomLimit
		}
		r = newRoom(h, name)
		h.rooms[name] = r
		metrics.ActiveRooms.Inc()
		go r.load(h.unloading[name])
	}
	r.attach(c)
	h.mu.Unlock()

	select {
	case <-r.loaded:
	case <-ctx.Done():
		h.leave(r, c)
		return nil, ctx.Err()
	}
	if r.loadErr != nil {
		h.leave(r, c)
		return nil, r.loadErr
	}
	return r, nil
}

// leave detaches c and unloads the room after its last client.
func (h *Hub) leave(r *room, c *client) {
	h.mu.Lock()
	empty := r.detach(c)
	if !empty || h.rooms[r.name] != r {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, r.name)
	metrics.ActiveRooms.Dec()
	done := make(chan struct{})
	h.unloading[r.name] = done
	h.mu.Unlock()

	// Rooms that failed to load never held state worth storing.
	if r.loadErr == nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreTimeout)
		_ = r.flush(ctx)
		cancel()
	}
	r.close()

	h.mu.Lock()
	if h.unloading[r.name] == done {
		delete(h.unloading, r.name)
	}
	h.mu.Unlock()
	close(done)
	h.logger.Info("Room unloaded", zap.String("room", r.name))
}

// forgetFailed drops a room whose load failed so a later join can retry.
func (h *Hub) forgetFailed(r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[r.name] == r {
		delete(h.rooms, r.name)
		metrics.ActiveRooms.Dec()
	}
}

func (h *Hub) lookup(name string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[name]
	if r == nil {
		return nil
	}
	select {
	case <-r.loaded:
		if r.loadErr != nil {
			return nil
		}
		return r
	default:
		return nil
	}
}

// RoomInfo describes a loaded room.
type RoomInfo struct {
	Name      string   `json:"name"`
	Clients   int      `json:"clients"`
	Presence  int      `json:"presence"`
	Size      int      `json:"size"`
	Dirty     bool     `json:"dirty"`
	ClientIDs []uint64 `json:"clientIds,omitempty"`
}

// Rooms lists loaded rooms by name.
func (h *Hub) Rooms() []RoomInfo {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	infos := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		infos = append(infos, r.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Room reports one loaded room.
func (h *Hub) Room(name string) (RoomInfo, bool) {
	r := h.lookup(name)
	if r == nil {
		return RoomInfo{}, false
	}
	return r.info(), true
}

// Document returns a room's state, from memory when it is loaded and from
// the store otherwise.
func (h *Hub) Document(ctx context.Context, name string) (*models.Document, error) {
	if r := h.lookup(name); r != nil {
		state, err := r.doc.EncodeState()
		if err != nil {
			return nil, err
		}
		return &models.Document{Room: name, State: state, Size: len(state)}, nil
	}
	return h.store.LoadDocument(ctx, name)
}

// Close disconnects every client, stores dirty rooms and waits for client
// goroutines to finish.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	var errs error
	for _, r := range rooms {
		r.disconnectAll()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, ctx.Err())
		// Clients still draining; store whatever is loaded.
		for _, r := range rooms {
			errs = multierr.Append(errs, r.flush(ctx))
		}
	}
	return errs
}

// store persists state through the breaker and records the outcome.
func (h *Hub) storeDocument(ctx context.Context, name string, state []byte) error {
	err := h.breaker.Execute(ctx, func(ctx context.Context) error {
		return h.store.StoreDocument(ctx, name, state)
	})
	switch {
	case err == nil:
		metrics.DocumentStores.WithLabelValues("ok").Inc()
		h.logger.Info("Stored document", zap.String("room", name), zap.Int("size", len(state)))
	case errors.Is(err, resilience.ErrCircuitOpen):
		metrics.DocumentStores.WithLabelValues("rejected").Inc()
	default:
		metrics.DocumentStores.WithLabelValues("error").Inc()
		h.logger.Error("Failed to store document", zap.String("room", name), zap.Error(err))
	}
	return err
}

// Room names are used verbatim; a name that would normalize differently is
// rejected rather than silently renamed.
func validRoomName(name string) bool {
	normalized, err := protocol.NormalizeName(name)
	return err == nil && normalized == name
}
