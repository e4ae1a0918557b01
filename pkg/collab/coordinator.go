// Package collab ties a replicated document, a presence registry and a set of
// channels into one collaboration session with a single observable snapshot.
package collab

import (
	"net/url"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"collabmesh/pkg/coordination"
	"collabmesh/pkg/metrics"
	"collabmesh/pkg/replica"
	"collabmesh/pkg/transport"
	"collabmesh/pkg/transport/hybrid"
	"collabmesh/pkg/transport/mesh"
	"collabmesh/pkg/transport/relay"
)

// DefaultServerURL is the relay endpoint used when none is configured.
const DefaultServerURL = "ws://localhost:3000/collab"

// User identifies a participant in presence.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Color     string `json:"color"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Options configures a Coordinator.
type Options struct {
	Room string
	User User

	// Doc and Awareness default to fresh in-memory replicas owned by the
	// coordinator. OwnsDoc and OwnsAwareness override the ownership rule
	// (owned exactly when the coordinator created it).
	Doc           replica.Doc
	Awareness     replica.Awareness
	OwnsDoc       *bool
	OwnsAwareness *bool

	ServerURL     string
	SignalingURLs []string
	DisableMesh   bool
	Token         string
	Password      string
	MaxConns      int
	ICEServers    []string
	FallbackDelay time.Duration

	// LeaderTimeout bounds heartbeat age in Leadership.
	LeaderTimeout time.Duration

	// Factories replaces the default single hybrid channel.
	Factories []transport.Factory

	// Dispatcher owns the session. It is required; pass an
	// eventloop.Loop unless every call and callback stays on one goroutine.
	Dispatcher transport.Dispatcher
	Logger     *zap.Logger
	Clock      clock.Clock
}

// Snapshot is the externally observable state of a session.
type Snapshot struct {
	Status       transport.Status
	Synced       bool
	Channels     []transport.Record
	LastSyncedAt time.Time
}

// Coordinator owns the channels of one room and publishes a Snapshot
// whenever their combined state changes.
//
// A Coordinator is confined to its dispatcher: New and every method must be
// called from it. After Destroy every method is a no-op.
type Coordinator struct {
	room          string
	doc           replica.Doc
	awareness     replica.Awareness
	ownsDoc       bool
	ownsAwareness bool

	channels []transport.Channel
	unsubs   []func()

	snapshot    Snapshot
	subscribers transport.Signal

	user          User
	leaderTimeout time.Duration
	heartbeatStop func()

	dispatcher transport.Dispatcher
	clock      clock.Clock
	logger     *zap.Logger
	destroyed  bool
}

// New builds the coordinator and its channels and announces the user. No
// channel connects until Connect.
func New(opts Options) (*Coordinator, error) {
	if opts.Room == "" {
		return nil, &transport.ConfigurationError{Field: "room", Reason: "is required"}
	}
	if opts.Dispatcher == nil {
		return nil, &transport.ConfigurationError{Field: "dispatcher", Reason: "is required"}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.ServerURL == "" {
		opts.ServerURL = DefaultServerURL
	}
	if opts.LeaderTimeout <= 0 {
		opts.LeaderTimeout = coordination.DefaultHeartbeatTimeout
	}

	c := &Coordinator{
		room:          opts.Room,
		doc:           opts.Doc,
		awareness:     opts.Awareness,
		ownsDoc:       opts.Doc == nil,
		ownsAwareness: opts.Awareness == nil,
		leaderTimeout: opts.LeaderTimeout,
		dispatcher:    opts.Dispatcher,
		clock:         opts.Clock,
		logger:        opts.Logger.Named("collab").With(zap.String("room", opts.Room)),
	}
	if c.doc == nil {
		c.doc = replica.NewMemoryDoc(0)
	}
	if c.awareness == nil {
		c.awareness = replica.NewMemoryAwareness(c.doc)
	}
	if opts.OwnsDoc != nil {
		c.ownsDoc = *opts.OwnsDoc
	}
	if opts.OwnsAwareness != nil {
		c.ownsAwareness = *opts.OwnsAwareness
	}

	factories := opts.Factories
	if len(factories) == 0 {
		factories = []transport.Factory{defaultFactory(opts)}
	}

	cfg := transport.Config{
		Room:       opts.Room,
		Doc:        c.doc,
		Awareness:  c.awareness,
		Dispatcher: opts.Dispatcher,
		Logger:     opts.Logger,
	}
	for _, factory := range factories {
		ch, err := factory(cfg)
		if err != nil {
			for _, built := range c.channels {
				built.Destroy()
			}
			c.releaseReplicas()
			return nil, err
		}
		c.channels = append(c.channels, ch)
	}

	c.snapshot = Snapshot{Status: transport.StatusIdle, Channels: c.records()}
	for _, ch := range c.channels {
		c.unsubs = append(c.unsubs, ch.SubscribeStatus(func(transport.Status) { c.refresh() }))
		if unsub, ok := ch.SubscribeSynced(c.setSynced); ok {
			c.unsubs = append(c.unsubs, unsub)
		}
	}

	c.SetUser(opts.User)
	c.refresh()
	return c, nil
}

func defaultFactory(opts Options) transport.Factory {
	signaling := opts.SignalingURLs
	if len(signaling) == 0 {
		if u := SignalingURLFor(opts.ServerURL); u != "" {
			signaling = []string{u}
		}
	}
	return hybrid.NewFactory(hybrid.Options{
		Relay: relay.Options{ServerURL: opts.ServerURL, Token: opts.Token},
		Mesh: mesh.Options{
			SignalingURLs: signaling,
			Password:      opts.Password,
			MaxConns:      opts.MaxConns,
			ICEServers:    opts.ICEServers,
		},
		DisableMesh:   opts.DisableMesh,
		FallbackDelay: opts.FallbackDelay,
		Clock:         opts.Clock,
	})
}

// SignalingURLFor derives the relay's signaling endpoint from its collab
// endpoint. It returns "" for an unparsable URL.
func SignalingURLFor(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		return ""
	}
	u.Path = "/signal"
	u.RawQuery = ""
	return u.String()
}

func (c *Coordinator) Room() string                 { return c.room }
func (c *Coordinator) Doc() replica.Doc             { return c.doc }
func (c *Coordinator) Awareness() replica.Awareness { return c.awareness }
func (c *Coordinator) User() User                   { return c.user }
func (c *Coordinator) Clock() clock.Clock           { return c.clock }

// Channels returns the channels the coordinator was built with.
func (c *Coordinator) Channels() []transport.Channel {
	return append([]transport.Channel(nil), c.channels...)
}

// Connect clears the synced flag and connects every channel.
func (c *Coordinator) Connect() {
	if c.destroyed {
		return
	}
	next := c.snapshot
	next.Synced = false
	c.publish(next)
	for _, ch := range c.channels {
		ch.Connect()
	}
	c.refresh()
}

// Disconnect disconnects every channel and clears the synced flag.
func (c *Coordinator) Disconnect() {
	if c.destroyed {
		return
	}
	for _, ch := range c.channels {
		ch.Disconnect()
	}
	next := c.snapshot
	next.Synced = false
	c.publish(next)
	c.refresh()
}

// Destroy tears the session down. Replicas are destroyed only when owned,
// presence before the document.
func (c *Coordinator) Destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.stopHeartbeat()

	for _, ch := range c.channels {
		ch.Disconnect()
	}
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	for _, ch := range c.channels {
		ch.Destroy()
	}
	c.channels = nil

	c.releaseReplicas()
	c.subscribers.Clear()
	c.logger.Info("Collaboration session destroyed")
}

func (c *Coordinator) releaseReplicas() {
	if c.ownsAwareness {
		c.awareness.Destroy()
	}
	if c.ownsDoc {
		c.doc.Destroy()
	}
}

// Destroyed reports whether Destroy has run.
func (c *Coordinator) Destroyed() bool { return c.destroyed }

// Snapshot returns the last published snapshot.
func (c *Coordinator) Snapshot() Snapshot {
	s := c.snapshot
	s.Channels = append([]transport.Record(nil), s.Channels...)
	return s
}

// Subscribe registers fn for every published snapshot change.
func (c *Coordinator) Subscribe(fn func()) (unsubscribe func()) {
	if c.destroyed {
		return func() {}
	}
	return c.subscribers.SubscribeFunc(fn)
}

// SetUser replaces the user in the local presence entry, keeping every
// other key.
func (c *Coordinator) SetUser(user User) {
	if c.destroyed {
		return
	}
	c.user = user
	c.mergePresence(map[string]any{"user": user})
}

// UpdatePresence merges partial into the local presence entry.
func (c *Coordinator) UpdatePresence(partial map[string]any) {
	if c.destroyed {
		return
	}
	c.mergePresence(partial)
}

func (c *Coordinator) mergePresence(partial map[string]any) {
	state := c.awareness.GetLocalState()
	if state == nil {
		state = make(map[string]any, len(partial)+1)
	}
	for k, v := range partial {
		state[k] = v
	}
	state["updatedAt"] = c.clock.Now().UnixMilli()
	c.awareness.SetLocalState(state)
}

func (c *Coordinator) records() []transport.Record {
	var records []transport.Record
	for _, ch := range c.channels {
		if children := ch.Children(); len(children) > 0 {
			records = append(records, children...)
			continue
		}
		records = append(records, transport.Record{Kind: ch.Kind(), Status: ch.Status()})
	}
	return records
}

func (c *Coordinator) refresh() {
	if c.destroyed {
		return
	}
	records := c.records()
	next := c.snapshot
	next.Status = transport.AggregateRecords(records)
	next.Channels = records
	if next.Status != transport.StatusConnected {
		next.Synced = false
	}
	c.publish(next)
}

func (c *Coordinator) setSynced() {
	if c.destroyed || c.snapshot.Status != transport.StatusConnected {
		return
	}
	next := c.snapshot
	next.Synced = true
	if !c.snapshot.Synced {
		next.LastSyncedAt = c.clock.Now()
	}
	c.publish(next)
}

func (c *Coordinator) publish(next Snapshot) {
	if c.destroyed || !changed(c.snapshot, next) {
		return
	}
	prev := c.snapshot
	c.snapshot = next
	metrics.RecordSnapshot(string(next.Status))
	if prev.Status != next.Status {
		c.logger.Info("Session status changed",
			zap.String("from", string(prev.Status)),
			zap.String("to", string(next.Status)),
		)
	}
	if next.Synced && !prev.Synced {
		c.logger.Debug("Document synced")
	}
	c.subscribers.Fire()
}

func changed(a, b Snapshot) bool {
	if a.Status != b.Status || a.Synced != b.Synced || len(a.Channels) != len(b.Channels) {
		return true
	}
	for i := range a.Channels {
		if a.Channels[i] != b.Channels[i] {
			return true
		}
	}
	return false
}
