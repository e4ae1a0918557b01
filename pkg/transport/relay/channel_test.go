package relay_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabmesh/pkg/replica"
	"collabmesh/pkg/transport"
	"collabmesh/pkg/transport/relay"
)

type fakeProvider struct {
	opts        relay.ProviderOptions
	connects    int
	disconnects int
	destroys    int
	status      transport.Emitter[string]
	synced      transport.Signal
}

func (f *fakeProvider) Connect()    { f.connects++ }
func (f *fakeProvider) Disconnect() { f.disconnects++ }
func (f *fakeProvider) Destroy()    { f.destroys++ }
func (f *fakeProvider) OnStatus(fn func(string)) func() {
	return f.status.Subscribe(fn)
}
func (f *fakeProvider) OnSynced(fn func()) func() {
	return f.synced.SubscribeFunc(fn)
}

func newChannel(t *testing.T) (*relay.Channel, *fakeProvider) {
	t.Helper()
	doc := replica.NewMemoryDoc(1)
	fake := &fakeProvider{}
	ch, err := relay.New(transport.Config{
		Room:       "room-1",
		Doc:        doc,
		Awareness:  replica.NewMemoryAwareness(doc),
		Dispatcher: transport.Inline,
	}, relay.Options{
		ServerURL: "ws://relay.test/collab",
		Token:     "secret",
		NewProvider: func(opts relay.ProviderOptions) (relay.Provider, error) {
			fake.opts = opts
			return fake, nil
		},
	})
	require.NoError(t, err)
	return ch, fake
}

func TestChannel_StartsDisconnectedWithoutNetworkActivity(t *testing.T) {
	ch, fake := newChannel(t)

	assert.Equal(t, transport.StatusDisconnected, ch.Status())
	assert.Equal(t, 0, fake.connects)
	assert.Equal(t, 1, fake.disconnects)
	assert.Equal(t, "room-1", fake.opts.Room)
	assert.Equal(t, "secret", fake.opts.Token)
	assert.Equal(t, transport.KindRelay, ch.Kind())
	assert.Nil(t, ch.Children())
}

func TestChannel_ConnectIsIdempotent(t *testing.T) {
	ch, fake := newChannel(t)
	var seen []transport.Status
	ch.SubscribeStatus(func(s transport.Status) { seen = append(seen, s) })

	ch.Connect()
	ch.Connect()
	fake.status.Emit("connecting")
	fake.status.Emit("connected")
	ch.Connect()

	assert.Equal(t, 1, fake.connects)
	assert.Equal(t, []transport.Status{transport.StatusConnecting, transport.StatusConnected}, seen)
}

func TestChannel_DisconnectIsIdempotent(t *testing.T) {
	ch, fake := newChannel(t)
	ch.Disconnect()
	assert.Equal(t, 1, fake.disconnects, "already disconnected")

	ch.Connect()
	fake.status.Emit("connected")
	ch.Disconnect()
	ch.Disconnect()
	assert.Equal(t, 2, fake.disconnects)
	assert.Equal(t, transport.StatusDisconnected, ch.Status())
}

func TestChannel_MapsUnknownProviderStatusToError(t *testing.T) {
	ch, fake := newChannel(t)
	ch.Connect()
	fake.status.Emit("handshake-failed")
	assert.Equal(t, transport.StatusError, ch.Status())

	// Error is neither disconnected nor idle, so Disconnect still reaches the provider.
	ch.Disconnect()
	assert.Equal(t, transport.StatusDisconnected, ch.Status())
}

func TestChannel_ForwardsSynced(t *testing.T) {
	ch, fake := newChannel(t)
	calls := 0
	unsub, ok := ch.SubscribeSynced(func() { calls++ })
	require.True(t, ok)

	fake.synced.Fire()
	unsub()
	fake.synced.Fire()
	assert.Equal(t, 1, calls)
}

func TestChannel_DestroyIsTerminal(t *testing.T) {
	ch, fake := newChannel(t)
	notified := 0
	ch.SubscribeStatus(func(transport.Status) { notified++ })

	ch.Destroy()
	ch.Destroy()
	ch.Connect()
	fake.status.Emit("connected")
	fake.synced.Fire()

	assert.Equal(t, 1, fake.destroys)
	assert.Equal(t, 0, fake.connects)
	assert.Equal(t, 0, notified)
	assert.Equal(t, 0, fake.status.Len())
}

func TestNew_RejectsInvalidConfiguration(t *testing.T) {
	doc := replica.NewMemoryDoc(1)
	aw := replica.NewMemoryAwareness(doc)

	_, err := relay.New(transport.Config{Doc: doc, Awareness: aw}, relay.Options{ServerURL: "ws://x"})
	assert.True(t, errors.Is(err, transport.ErrConfiguration))

	_, err = relay.New(transport.Config{Room: "r", Doc: doc, Awareness: aw, Dispatcher: transport.Inline}, relay.Options{})
	var cfgErr *transport.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "server url", cfgErr.Field)
}
