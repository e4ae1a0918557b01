package transport

import (
	"go.uber.org/zap"

	"collabmesh/pkg/replica"
)

// Status is the connectivity state of a single channel or of an aggregate.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Kind identifies the transport family behind a channel.
type Kind string

const (
	KindRelay  Kind = "relay"
	KindMesh   Kind = "mesh"
	KindHybrid Kind = "hybrid"
)

// Record is an immutable view of one channel's identity and status.
type Record struct {
	Kind   Kind
	Status Status
}

// Channel is a single network transport with explicit lifecycle control.
//
// Channels are confined to the dispatcher they were configured with: every
// method, and every listener they invoke, runs on that dispatcher.
type Channel interface {
	Kind() Kind

	// Connect starts network activity. No-op while connected or connecting.
	Connect()

	// Disconnect stops network activity. No-op while disconnected or idle.
	Disconnect()

	// Destroy releases subscriptions and underlying resources. Terminal.
	Destroy()

	Status() Status

	SubscribeStatus(listener func(Status)) (unsubscribe func())

	// SubscribeSynced registers for synchronization-complete signals.
	// ok is false when the channel has no authoritative sync signal.
	SubscribeSynced(listener func()) (unsubscribe func(), ok bool)

	// Children returns per-transport records for composite channels, nil otherwise.
	Children() []Record
}

// Dispatcher serializes callbacks onto the single logical thread that owns
// the coordinator and its channels.
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(fn func())

func (f DispatcherFunc) Dispatch(fn func()) { f(fn) }

// Inline runs callbacks synchronously on the calling goroutine. It is only
// safe when nothing outside the owning goroutine dispatches: timers, sockets
// and heartbeats all call Dispatch from their own goroutines.
var Inline Dispatcher = DispatcherFunc(func(fn func()) { fn() })

// Config is the shared construction input handed to every channel factory.
type Config struct {
	Room       string
	Doc        replica.Doc
	Awareness  replica.Awareness
	Dispatcher Dispatcher
	Logger     *zap.Logger
}

// Validate fails fast on missing collaborators.
func (c Config) Validate() error {
	switch {
	case c.Room == "":
		return &ConfigurationError{Field: "room", Reason: "is required"}
	case c.Doc == nil:
		return &ConfigurationError{Field: "doc", Reason: "is required"}
	case c.Awareness == nil:
		return &ConfigurationError{Field: "awareness", Reason: "is required"}
	case c.Dispatcher == nil:
		return &ConfigurationError{Field: "dispatcher", Reason: "is required"}
	}
	return nil
}

// WithDefaults fills the optional logger.
func (c Config) WithDefaults() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Factory builds a channel bound to the shared document and presence registry.
type Factory func(cfg Config) (Channel, error)
