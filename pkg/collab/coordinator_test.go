package collab_test

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabmesh/pkg/collab"
	"collabmesh/pkg/replica"
	"collabmesh/pkg/transport"
)

var start = time.UnixMilli(1_700_000_000_000)

type fakeChannel struct {
	kind        transport.Kind
	status      *transport.StatusCell
	synced      transport.Signal
	syncable    bool
	children    []transport.Record
	connects    int
	disconnects int
	destroys    int
	listeners   int
}

func newFake(kind transport.Kind) *fakeChannel {
	f := &fakeChannel{kind: kind, status: transport.NewStatusCell(), syncable: true}
	f.status.Force(transport.StatusDisconnected)
	return f
}

func (f *fakeChannel) Kind() transport.Kind { return f.kind }
func (f *fakeChannel) Connect() {
	f.connects++
	f.status.Set(transport.StatusConnecting)
}
func (f *fakeChannel) Disconnect() {
	f.disconnects++
	f.status.Set(transport.StatusDisconnected)
}
func (f *fakeChannel) Destroy()                 { f.destroys++ }
func (f *fakeChannel) Status() transport.Status { return f.status.Get() }
func (f *fakeChannel) SubscribeStatus(fn func(transport.Status)) func() {
	f.listeners++
	unsub := f.status.Subscribe(fn)
	done := false
	return func() {
		if !done {
			done = true
			f.listeners--
			unsub()
		}
	}
}
func (f *fakeChannel) SubscribeSynced(fn func()) (func(), bool) {
	if !f.syncable {
		return func() {}, false
	}
	return f.synced.SubscribeFunc(fn), true
}
func (f *fakeChannel) Children() []transport.Record { return f.children }

func factoryOf(ch transport.Channel) transport.Factory {
	return func(transport.Config) (transport.Channel, error) { return ch, nil }
}

func newMockClock() *clock.Mock {
	mc := clock.NewMock()
	mc.Set(start)
	return mc
}

type session struct {
	c       *collab.Coordinator
	ch      *fakeChannel
	clock   *clock.Mock
	publish int
}

func newSession(t *testing.T, opts collab.Options) *session {
	t.Helper()
	s := &session{ch: newFake(transport.KindRelay), clock: newMockClock()}
	if opts.Room == "" {
		opts.Room = "room-1"
	}
	if opts.User.ID == "" {
		opts.User = collab.User{ID: "u-alice", Name: "Alice", Color: "#958DF1"}
	}
	if opts.Factories == nil {
		opts.Factories = []transport.Factory{factoryOf(s.ch)}
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = transport.Inline
	}
	opts.Clock = s.clock
	c, err := collab.New(opts)
	require.NoError(t, err)
	s.c = c
	c.Subscribe(func() { s.publish++ })
	return s
}

func TestCoordinator_InitialSnapshot(t *testing.T) {
	s := newSession(t, collab.Options{})

	snap := s.c.Snapshot()
	assert.Equal(t, transport.StatusDisconnected, snap.Status)
	assert.False(t, snap.Synced)
	assert.True(t, snap.LastSyncedAt.IsZero())
	assert.Equal(t, []transport.Record{{Kind: transport.KindRelay, Status: transport.StatusDisconnected}}, snap.Channels)
	assert.Equal(t, 0, s.ch.connects, "construction never connects")
}

func TestCoordinator_ConnectAndSync(t *testing.T) {
	s := newSession(t, collab.Options{})

	s.c.Connect()
	assert.Equal(t, 1, s.ch.connects)
	assert.Equal(t, transport.StatusConnecting, s.c.Snapshot().Status)

	s.ch.synced.Fire()
	assert.False(t, s.c.Snapshot().Synced, "synced is ignored until connected")

	s.ch.status.Set(transport.StatusConnected)
	s.clock.Add(time.Second)
	s.ch.synced.Fire()

	snap := s.c.Snapshot()
	assert.Equal(t, transport.StatusConnected, snap.Status)
	assert.True(t, snap.Synced)
	assert.Equal(t, start.Add(time.Second), snap.LastSyncedAt)
	assert.Equal(t, 3, s.publish)

	s.ch.synced.Fire()
	assert.Equal(t, 3, s.publish, "a repeated synced signal publishes nothing")

	s.ch.status.Set(transport.StatusError)
	snap = s.c.Snapshot()
	assert.Equal(t, transport.StatusError, snap.Status)
	assert.False(t, snap.Synced, "leaving connected clears synced")
}

func TestCoordinator_DisconnectClearsSynced(t *testing.T) {
	s := newSession(t, collab.Options{})
	s.c.Connect()
	s.ch.status.Set(transport.StatusConnected)
	s.ch.synced.Fire()
	require.True(t, s.c.Snapshot().Synced)

	s.c.Disconnect()
	snap := s.c.Snapshot()
	assert.Equal(t, 1, s.ch.disconnects)
	assert.Equal(t, transport.StatusDisconnected, snap.Status)
	assert.False(t, snap.Synced)

	s.c.Connect()
	s.ch.status.Set(transport.StatusConnected)
	assert.False(t, s.c.Snapshot().Synced, "reconnecting waits for a fresh synced signal")
}

func TestCoordinator_ExpandsCompositeChannels(t *testing.T) {
	composite := newFake(transport.KindHybrid)
	composite.children = []transport.Record{
		{Kind: transport.KindRelay, Status: transport.StatusConnected},
		{Kind: transport.KindMesh, Status: transport.StatusError},
	}
	leaf := newFake(transport.KindMesh)
	leaf.syncable = false

	c, err := collab.New(collab.Options{
		Room:       "room-1",
		Factories:  []transport.Factory{factoryOf(composite), factoryOf(leaf)},
		Dispatcher: transport.Inline,
	})
	require.NoError(t, err)

	snap := c.Snapshot()
	assert.Equal(t, []transport.Record{
		{Kind: transport.KindRelay, Status: transport.StatusConnected},
		{Kind: transport.KindMesh, Status: transport.StatusError},
		{Kind: transport.KindMesh, Status: transport.StatusDisconnected},
	}, snap.Channels)
	assert.Equal(t, transport.StatusError, snap.Status)
}

func TestCoordinator_PublishesOnRecordChangeAlone(t *testing.T) {
	composite := newFake(transport.KindHybrid)
	composite.children = []transport.Record{
		{Kind: transport.KindRelay, Status: transport.StatusConnected},
		{Kind: transport.KindMesh, Status: transport.StatusConnecting},
	}
	c, err := collab.New(collab.Options{
		Room:       "room-1",
		Factories:  []transport.Factory{factoryOf(composite)},
		Dispatcher: transport.Inline,
	})
	require.NoError(t, err)
	published := 0
	c.Subscribe(func() { published++ })

	composite.children = composite.children[:1]
	composite.status.Set(transport.StatusConnected)

	assert.Equal(t, 1, published)
	assert.Len(t, c.Snapshot().Channels, 1)
	assert.Equal(t, transport.StatusConnected, c.Snapshot().Status)
}

func TestCoordinator_PresenceMerge(t *testing.T) {
	s := newSession(t, collab.Options{})

	local := s.c.Awareness().GetLocalState()
	require.NotNil(t, local)
	assert.Equal(t, map[string]any{"id": "u-alice", "name": "Alice", "color": "#958DF1"}, local["user"])
	assert.Equal(t, float64(start.UnixMilli()), local["updatedAt"])

	s.clock.Add(2 * time.Second)
	s.c.UpdatePresence(map[string]any{"status": "typing"})
	s.c.SetUser(collab.User{ID: "u-alice", Name: "Alice B"})

	local = s.c.Awareness().GetLocalState()
	assert.Equal(t, "typing", local["status"], "setting the user keeps other keys")
	assert.Equal(t, "Alice B", local["user"].(map[string]any)["name"])
	assert.Equal(t, float64(start.Add(2*time.Second).UnixMilli()), local["updatedAt"])
	assert.Equal(t, "Alice B", s.c.User().Name)
}

func TestCoordinator_DestroyOwnedReplicas(t *testing.T) {
	s := newSession(t, collab.Options{})
	doc := s.c.Doc().(*replica.MemoryDoc)
	s.c.Connect()

	s.c.Destroy()
	s.c.Destroy()

	assert.True(t, s.c.Destroyed())
	assert.Equal(t, 1, s.ch.destroys)
	assert.Equal(t, 0, s.ch.listeners, "coordinator unsubscribed from its channels")
	assert.True(t, doc.Destroyed())
	assert.Nil(t, s.c.Awareness().GetLocalState())

	before := s.publish
	s.c.Connect()
	s.c.UpdatePresence(map[string]any{"x": 1})
	s.c.Subscribe(func() { t.Fatal("subscribers are not called after destroy") })
	s.ch.status.Set(transport.StatusConnected)
	assert.Equal(t, before, s.publish)
	assert.Equal(t, 1, s.ch.connects)
}

func TestCoordinator_DestroyLeavesBorrowedReplicas(t *testing.T) {
	doc := replica.NewMemoryDoc(7)
	awareness := replica.NewMemoryAwareness(doc)
	s := newSession(t, collab.Options{Doc: doc, Awareness: awareness})

	s.c.Destroy()
	assert.False(t, doc.Destroyed())
	assert.NotNil(t, awareness.GetLocalState())

	owned := true
	s = newSession(t, collab.Options{Doc: doc, Awareness: awareness, OwnsDoc: &owned})
	s.c.Destroy()
	assert.True(t, doc.Destroyed(), "explicit ownership hands the document over")
}

func TestCoordinator_ConfigurationErrors(t *testing.T) {
	_, err := collab.New(collab.Options{})
	var cfgErr *transport.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "room", cfgErr.Field)

	_, err = collab.New(collab.Options{Room: "room-1"})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "dispatcher", cfgErr.Field)

	built := newFake(transport.KindRelay)
	boom := errors.New("boom")
	_, err = collab.New(collab.Options{
		Room: "room-1",
		Factories: []transport.Factory{
			factoryOf(built),
			func(transport.Config) (transport.Channel, error) { return nil, boom },
		},
		Dispatcher: transport.Inline,
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, built.destroys, "channels built before the failure are released")
}

func TestCoordinator_DefaultHybridChannel(t *testing.T) {
	c, err := collab.New(collab.Options{
		Room:       "room-1",
		ServerURL:  "ws://127.0.0.1:1/collab",
		Dispatcher: transport.Inline,
	})
	require.NoError(t, err)
	t.Cleanup(c.Destroy)

	assert.Equal(t, []transport.Record{
		{Kind: transport.KindRelay, Status: transport.StatusDisconnected},
		{Kind: transport.KindMesh, Status: transport.StatusDisconnected},
	}, c.Snapshot().Channels)
	require.Len(t, c.Channels(), 1)
	assert.Equal(t, transport.KindHybrid, c.Channels()[0].Kind())

	relayOnly, err := collab.New(collab.Options{Room: "room-1", DisableMesh: true, Dispatcher: transport.Inline})
	require.NoError(t, err)
	t.Cleanup(relayOnly.Destroy)
	assert.Equal(t, []transport.Record{{Kind: transport.KindRelay, Status: transport.StatusDisconnected}}, relayOnly.Snapshot().Channels)
}

func TestSignalingURLFor(t *testing.T) {
	assert.Equal(t, "ws://localhost:3000/signal", collab.SignalingURLFor("ws://localhost:3000/collab?token=x"))
	assert.Equal(t, "wss://relay.example.com/signal", collab.SignalingURLFor("wss://relay.example.com/collab"))
	assert.Empty(t, collab.SignalingURLFor("not a url"))
}
