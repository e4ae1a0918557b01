// Package relay implements the reliable, server-relayed collaboration channel.
package relay

import (
	"go.uber.org/zap"

	"collabmesh/pkg/metrics"
	"collabmesh/pkg/replica"
	"collabmesh/pkg/transport"
)

// Provider is the relay transport a Channel drives. Providers invoke their
// listeners on the dispatcher they were built with.
type Provider interface {
	Connect()
	Disconnect()
	Destroy()

	// OnStatus reports "connecting", "connected" or "disconnected"; any
	// other value is treated as a failure.
	OnStatus(fn func(status string)) (unsubscribe func())

	// OnSynced fires once local and remote state have converged.
	OnSynced(fn func()) (unsubscribe func())
}

// ProviderOptions is everything a relay provider is built from.
type ProviderOptions struct {
	ServerURL  string
	Room       string
	Token      string
	Doc        replica.Doc
	Awareness  replica.Awareness
	Dispatcher transport.Dispatcher
	Logger     *zap.Logger
}

// ProviderFactory builds a relay provider.
type ProviderFactory func(opts ProviderOptions) (Provider, error)

// Options configures a relay Channel.
type Options struct {
	ServerURL string
	Token     string

	// NewProvider defaults to NewWebsocketProvider.
	NewProvider ProviderFactory
}

// Channel is the always-on primary path. It never starts network activity on
// its own; callers decide when to Connect.
type Channel struct {
	provider  Provider
	status    *transport.StatusCell
	synced    transport.Signal
	unsubs    []func()
	destroyed bool
	logger    *zap.Logger
}

var _ transport.Channel = (*Channel)(nil)

// New builds a relay channel for cfg.Room. The channel starts disconnected.
func New(cfg transport.Config, opts Options) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.ServerURL == "" {
		return nil, &transport.ConfigurationError{Field: "server url", Reason: "is required"}
	}
	cfg = cfg.WithDefaults()
	if opts.NewProvider == nil {
		opts.NewProvider = NewWebsocketProvider
	}

	logger := cfg.Logger.Named("relay").With(zap.String("room", cfg.Room))
	provider, err := opts.NewProvider(ProviderOptions{
		ServerURL:  opts.ServerURL,
		Room:       cfg.Room,
		Token:      opts.Token,
		Doc:        cfg.Doc,
		Awareness:  cfg.Awareness,
		Dispatcher: cfg.Dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	c := &Channel{
		provider: provider,
		status:   transport.NewStatusCell(),
		logger:   logger,
	}
	c.unsubs = append(c.unsubs,
		provider.OnStatus(func(raw string) {
			c.setStatus(transport.ParseProviderStatus(raw))
		}),
		provider.OnSynced(func() {
			if !c.destroyed {
				c.synced.Fire()
			}
		}),
	)

	provider.Disconnect()
	c.setStatus(transport.StatusDisconnected)
	return c, nil
}

// NewFactory returns a transport.Factory producing relay channels.
func NewFactory(opts Options) transport.Factory {
	return func(cfg transport.Config) (transport.Channel, error) {
		return New(cfg, opts)
	}
}

func (c *Channel) Kind() transport.Kind { return transport.KindRelay }

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
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	c.provider.Destroy()
	c.status.Clear()
	c.synced.Clear()
}

func (c *Channel) Status() transport.Status { return c.status.Get() }

func (c *Channel) SubscribeStatus(listener func(transport.Status)) func() {
	return c.status.Subscribe(listener)
}

func (c *Channel) SubscribeSynced(listener func()) (func(), bool) {
	return c.synced.SubscribeFunc(listener), true
}

func (c *Channel) Children() []transport.Record { return nil }

func (c *Channel) setStatus(s transport.Status) {
	if c.destroyed {
		return
	}
	if c.status.Set(s) {
		c.logger.Debug("Status changed", zap.String("status", string(s)))
		metrics.RecordChannelTransition(string(transport.KindRelay), string(s))
	}
}
