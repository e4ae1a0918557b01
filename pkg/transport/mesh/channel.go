// Package mesh implements the optional peer-to-peer collaboration channel.
package mesh

import (
	"go.uber.org/zap"

	"collabmesh/pkg/metrics"
	"collabmesh/pkg/replica"
	"collabmesh/pkg/transport"
)

// DefaultMaxConns caps simultaneous peer connections.
const DefaultMaxConns = 20

// Provider is the peer transport a Channel drives. It has no synced signal.
type Provider interface {
	Connect()
	Disconnect()
	Destroy()
	OnStatus(fn func(status string)) (unsubscribe func())
}

// ProviderOptions is everything a mesh provider is built from.
type ProviderOptions struct {
	Room          string
	Doc           replica.Doc
	Awareness     replica.Awareness
	SignalingURLs []string
	Password      string
	MaxConns      int
	ICEServers    []string
	Dispatcher    transport.Dispatcher
	Logger        *zap.Logger
}

// ProviderFactory builds a mesh provider.
type ProviderFactory func(opts ProviderOptions) (Provider, error)

// Options configures a mesh Channel.
type Options struct {
	SignalingURLs []string
	Password      string
	MaxConns      int
	ICEServers    []string

	// NewProvider defaults to NewWebRTCProvider.
	NewProvider ProviderFactory
}

// Channel is auxiliary bandwidth between peers. It never reports synced.
type Channel struct {
	provider  Provider
	status    *transport.StatusCell
	unsub     func()
	destroyed bool
	logger    *zap.Logger
}

var _ transport.Channel = (*Channel)(nil)

// New builds a mesh channel for cfg.Room. The channel starts disconnected.
func New(cfg transport.Config, opts Options) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(opts.SignalingURLs) == 0 {
		return nil, &transport.ConfigurationError{Field: "signaling urls", Reason: "must not be empty"}
	}
	cfg = cfg.WithDefaults()
	if opts.NewProvider == nil {
		opts.NewProvider = NewWebRTCProvider
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = DefaultMaxConns
	}

	logger := cfg.Logger.Named("mesh").With(zap.String("room", cfg.Room))
	provider, err := opts.NewProvider(ProviderOptions{
		Room:          cfg.Room,
		Doc:           cfg.Doc,
		Awareness:     cfg.Awareness,
		SignalingURLs: opts.SignalingURLs,
		Password:      opts.Password,
		MaxConns:      opts.MaxConns,
		ICEServers:    opts.ICEServers,
		Dispatcher:    cfg.Dispatcher,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	c := &Channel{
		provider: provider,
		status:   transport.NewStatusCell(),
		logger:   logger,
	}
	c.unsub = provider.OnStatus(func(raw string) {
		c.setStatus(transport.ParseProviderStatus(raw))
	})

	provider.Disconnect()
	c.setStatus(transport.StatusDisconnected)
	return c, nil
}

// NewFactory returns a transport.Factory producing mesh channels.
func NewFactory(opts Options) transport.Factory {
	return func(cfg transport.Config) (transport.Channel, error) {
		return New(cfg, opts)
	}
}

func (c *Channel) Kind() transport.Kind { return transport.KindMesh }

func (c *Channel) Connect() {
	if c.destroyed {
		return
	}
	switch c.status.Get() {
	case transport.StatusConnected, transport.StatusConnecting:
		return
	}
	c.setStatus(transport.StatusConnecting)
	c.provider.Connect()
}

func (c *Channel) Disconnect() {
	if c.destroyed {
		return
	}
	switch c.status.Get() {
	case transport.StatusDisconnected, transport.StatusIdle:
		return
	}
	c.provider.Disconnect()
	c.setStatus(transport.StatusDisconnected)
}

func (c *Channel) Destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	c.provider.Destroy()
	c.status.Clear()
}

func (c *Channel) Status() transport.Status { return c.status.Get() }

func (c *Channel) SubscribeStatus(listener func(transport.Status)) func() {
	return c.status.Subscribe(listener)
}

// SubscribeSynced always reports false: peers are not an authoritative source.
func (c *Channel) SubscribeSynced(func()) (func(), bool) {
	return func() {}, false
}

func (c *Channel) Children() []transport.Record { return nil }

func (c *Channel) setStatus(s transport.Status) {
	if c.destroyed {
		return
	}
	if c.status.Set(s) {
		c.logger.Debug("Status changed", zap.String("status", string(s)))
		metrics.RecordChannelTransition(string(transport.KindMesh), string(s))
	}
}
