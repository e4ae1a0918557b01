// Package hybrid composes the relay and mesh channels into one connection.
package hybrid

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"collabmesh/pkg/metrics"
	"collabmesh/pkg/transport"
	"collabmesh/pkg/transport/mesh"
	"collabmesh/pkg/transport/relay"
)

// DefaultFallbackDelay is how long the mesh may stay failed while the channel
// is connecting or connected before it is dropped for good.
const DefaultFallbackDelay = 5 * time.Second

// Options configures a hybrid Channel.
type Options struct {
	Relay relay.Options
	Mesh  mesh.Options

	// DisableMesh runs the relay alone.
	DisableMesh bool

	FallbackDelay time.Duration
	Clock         clock.Clock

	// NewRelay and NewMesh override child construction; they default to
	// relay.NewFactory(Relay) and mesh.NewFactory(Mesh).
	NewRelay transport.Factory
	NewMesh  transport.Factory
}

// Channel runs one reliable channel and at most one mesh channel. A mesh that
// keeps failing is destroyed by a watchdog and the relay carries on alone.
type Channel struct {
	dispatcher transport.Dispatcher
	clock      clock.Clock
	delay      time.Duration
	logger     *zap.Logger

	relay transport.Channel
	mesh  transport.Channel

	status *transport.StatusCell
	synced transport.Signal

	relayUnsubs []func()
	meshUnsubs  []func()

	active      bool
	watchdog    *clock.Timer
	watchdogGen uint64
	destroyed   bool
}

var _ transport.Channel = (*Channel)(nil)

// New builds both children. Neither starts connecting until Connect.
func New(cfg transport.Config, opts Options) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	if opts.FallbackDelay <= 0 {
		opts.FallbackDelay = DefaultFallbackDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.NewRelay == nil {
		opts.NewRelay = relay.NewFactory(opts.Relay)
	}
	if opts.NewMesh == nil && !opts.DisableMesh {
		opts.NewMesh = mesh.NewFactory(opts.Mesh)
	}

	c := &Channel{
		dispatcher: cfg.Dispatcher,
		clock:      opts.Clock,
		delay:      opts.FallbackDelay,
		logger:     cfg.Logger.Named("hybrid").With(zap.String("room", cfg.Room)),
		status:     transport.NewStatusCell(),
	}

	relayCh, err := opts.NewRelay(cfg)
	if err != nil {
		return nil, err
	}
	c.relay = relayCh
	c.relayUnsubs = append(c.relayUnsubs, relayCh.SubscribeStatus(func(transport.Status) { c.recompute() }))
	if unsub, ok := relayCh.SubscribeSynced(c.onRelaySynced); ok {
		c.relayUnsubs = append(c.relayUnsubs, unsub)
	}

	if !opts.DisableMesh {
		meshCh, err := opts.NewMesh(cfg)
		if err != nil {
			relayCh.Destroy()
			return nil, err
		}
		c.mesh = meshCh
		c.meshUnsubs = append(c.meshUnsubs, meshCh.SubscribeStatus(c.onMeshStatus))
	}

	c.recompute()
	return c, nil
}

// NewFactory returns a transport.Factory producing hybrid channels.
func NewFactory(opts Options) transport.Factory {
	return func(cfg transport.Config) (transport.Channel, error) {
		return New(cfg, opts)
	}
}

func (c *Channel) Kind() transport.Kind { return transport.KindHybrid }

func (c *Channel) Connect() {
	if c.destroyed {
		return
	}
	c.active = true
	c.relay.Connect()
	if c.mesh != nil {
		c.mesh.Connect()
	}
}

func (c *Channel) Disconnect() {
	if c.destroyed {
		return
	}
	c.active = false
	c.cancelWatchdog()
	c.relay.Disconnect()
	if c.mesh != nil {
		c.mesh.Disconnect()
	}
}

func (c *Channel) Destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.active = false
	c.cancelWatchdog()
	for _, unsub := range c.relayUnsubs {
		unsub()
	}
	for _, unsub := range c.meshUnsubs {
		unsub()
	}
	c.relayUnsubs, c.meshUnsubs = nil, nil
	c.relay.Destroy()
	if c.mesh != nil {
		c.mesh.Destroy()
		c.mesh = nil
	}
	c.status.Clear()
	c.synced.Clear()
}

func (c *Channel) Status() transport.Status { return c.status.Get() }

func (c *Channel) SubscribeStatus(listener func(transport.Status)) func() {
	return c.status.Subscribe(listener)
}

// SubscribeSynced reports the relay's synced signal.
func (c *Channel) SubscribeSynced(listener func()) (func(), bool) {
	return c.synced.SubscribeFunc(listener), true
}

// Children lists the relay and, until it is dropped, the mesh.
func (c *Channel) Children() []transport.Record {
	records := []transport.Record{{Kind: c.relay.Kind(), Status: c.relay.Status()}}
	if c.mesh != nil {
		records = append(records, transport.Record{Kind: c.mesh.Kind(), Status: c.mesh.Status()})
	}
	return records
}

// MeshActive reports whether the mesh child is still part of the channel.
func (c *Channel) MeshActive() bool { return c.mesh != nil }

func (c *Channel) onRelaySynced() {
	if !c.destroyed {
		c.synced.Fire()
	}
}

func (c *Channel) onMeshStatus(s transport.Status) {
	if c.destroyed {
		return
	}
	switch s {
	case transport.StatusConnected:
		c.cancelWatchdog()
	case transport.StatusError, transport.StatusDisconnected:
		if c.active {
			c.startWatchdog()
		}
	}
	c.recompute()
}

func (c *Channel) startWatchdog() {
	if c.watchdog != nil {
		return
	}
	c.watchdogGen++
	gen := c.watchdogGen
	c.watchdog = c.clock.AfterFunc(c.delay, func() {
		c.dispatcher.Dispatch(func() {
			if c.destroyed || gen != c.watchdogGen || c.watchdog == nil {
				return
			}
			c.watchdog = nil
			c.dropMesh()
		})
	})
}

func (c *Channel) cancelWatchdog() {
	c.watchdogGen++
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

// dropMesh permanently removes the mesh child.
func (c *Channel) dropMesh() {
	m := c.mesh
	if m == nil {
		return
	}
	c.mesh = nil
	for _, unsub := range c.meshUnsubs {
		unsub()
	}
	c.meshUnsubs = nil
	m.Disconnect()
	m.Destroy()

	metrics.MeshFallbacks.Inc()
	c.logger.Warn("Mesh channel disabled after sustained failure", zap.Duration("delay", c.delay))
	c.recompute()
}

func (c *Channel) recompute() {
	if c.destroyed {
		return
	}
	statuses := []transport.Status{c.relay.Status()}
	if c.mesh != nil {
		statuses = append(statuses, c.mesh.Status())
	}
	next := transport.Aggregate(statuses...)
	if c.status.Set(next) {
		metrics.RecordChannelTransition(string(transport.KindHybrid), string(next))
	}
}
