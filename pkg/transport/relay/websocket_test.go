package relay_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabmesh/pkg/eventloop"
	"collabmesh/pkg/protocol"
	"collabmesh/pkg/replica"
	"collabmesh/pkg/transport"
	"collabmesh/pkg/transport/relay"
)

// scriptedRelay answers a join with a fixed document, one remote presence
// entry and a synced frame, then records everything the client sends.
type scriptedRelay struct {
	state    []byte
	presence []byte
	remoteID uint64
	mu       sync.Mutex
	received []protocol.Envelope
	conns    []*websocket.Conn
}

func (s *scriptedRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, env)
		first := len(s.received) == 3
		s.mu.Unlock()

		if env.Type == protocol.TypeAwareness && first {
			for _, reply := range []protocol.Envelope{
				{Type: protocol.TypeSync, Payload: s.state},
				{Type: protocol.TypeAwareness, Payload: s.presence, Clients: []uint64{s.remoteID}},
				{Type: protocol.TypeSynced},
			} {
				data, _ := reply.Encode()
				_ = conn.WriteMessage(websocket.TextMessage, data)
			}
		}
	}
}

func (s *scriptedRelay) types() []protocol.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.MessageType, len(s.received))
	for i, e := range s.received {
		out[i] = e.Type
	}
	return out
}

func (s *scriptedRelay) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
}

func TestWebsocketProvider_HandshakeSyncAndLoss(t *testing.T) {
	remoteDoc := replica.NewMemoryDoc(99)
	require.NoError(t, remoteDoc.Array("chat").Push("hello"))
	state, err := remoteDoc.EncodeState()
	require.NoError(t, err)
	remoteAw := replica.NewMemoryAwareness(remoteDoc)
	remoteAw.SetLocalState(map[string]any{"name": "Remote"})
	presence, err := remoteAw.EncodeUpdate([]uint64{99})
	require.NoError(t, err)

	server := &scriptedRelay{state: state, presence: presence, remoteID: 99}
	ts := httptest.NewServer(server)
	defer ts.Close()

	loop := eventloop.New(nil)
	defer loop.Close()

	doc := replica.NewMemoryDoc(1)
	aw := replica.NewMemoryAwareness(doc)

	var (
		provider relay.Provider
		statuses []string
		synced   int
	)
	require.True(t, loop.Do(func() {
		provider, err = relay.NewWebsocketProvider(relay.ProviderOptions{
			ServerURL:  "ws" + strings.TrimPrefix(ts.URL, "http"),
			Room:       "room-1",
			Token:      "tok",
			Doc:        doc,
			Awareness:  aw,
			Dispatcher: loop,
		})
		if !assert.NoError(t, err) {
			return
		}
		provider.OnStatus(func(s string) { statuses = append(statuses, s) })
		provider.OnSynced(func() { synced++ })
		provider.Connect()
	}))

	require.Eventually(t, func() bool {
		var ok bool
		loop.Do(func() { ok = synced == 1 && doc.Array("chat").Len() == 1 })
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []protocol.MessageType{protocol.TypeJoin, protocol.TypeSync, protocol.TypeAwareness}, server.types())
	loop.Do(func() {
		assert.Equal(t, []string{"connecting", "connected"}, statuses)
		assert.Equal(t, "Remote", aw.GetStates()[99]["name"])
	})

	// Local edits flow to the server.
	loop.Do(func() { assert.NoError(t, doc.Array("chat").Push("from client")) })
	require.Eventually(t, func() bool {
		types := server.types()
		return len(types) >= 4 && types[3] == protocol.TypeUpdate
	}, 5*time.Second, 10*time.Millisecond)

	// Losing the connection clears presence learned through it.
	server.dropAll()
	require.Eventually(t, func() bool {
		var gone bool
		loop.Do(func() {
			_, present := aw.GetStates()[99]
			gone = !present
		})
		return gone
	}, 5*time.Second, 10*time.Millisecond)

	loop.Do(func() { provider.Destroy() })
}

func TestWebsocketProvider_JoinPrecedesQueuedEdits(t *testing.T) {
	remoteDoc := replica.NewMemoryDoc(99)
	state, err := remoteDoc.EncodeState()
	require.NoError(t, err)
	presence, err := replica.NewMemoryAwareness(remoteDoc).EncodeUpdate(nil)
	require.NoError(t, err)

	server := &scriptedRelay{state: state, presence: presence, remoteID: 99}
	ts := httptest.NewServer(server)
	defer ts.Close()

	loop := eventloop.New(nil)
	defer loop.Close()

	doc := replica.NewMemoryDoc(1)
	aw := replica.NewMemoryAwareness(doc)

	// The user keeps typing: every dispatcher turn starts with a local edit.
	typing := transport.DispatcherFunc(func(fn func()) {
		loop.Dispatch(func() {
			_ = doc.Array("notes").Push("typed")
			fn()
		})
	})

	var (
		provider relay.Provider
		statuses []string
	)
	require.True(t, loop.Do(func() {
		provider, err = relay.NewWebsocketProvider(relay.ProviderOptions{
			ServerURL:  "ws" + strings.TrimPrefix(ts.URL, "http"),
			Room:       "room-1",
			Doc:        doc,
			Awareness:  aw,
			Dispatcher: typing,
		})
		if !assert.NoError(t, err) {
			return
		}
		provider.OnStatus(func(s string) { statuses = append(statuses, s) })
		provider.Connect()
	}))
	defer loop.Do(func() { provider.Destroy() })

	require.Eventually(t, func() bool {
		types := server.types()
		return len(types) >= 4 && types[3] == protocol.TypeUpdate
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []protocol.MessageType{protocol.TypeJoin, protocol.TypeSync, protocol.TypeAwareness}, server.types()[:3])
	loop.Do(func() { assert.NotContains(t, statuses, "error") })
}

func TestNewWebsocketProvider_RequiresDispatcher(t *testing.T) {
	doc := replica.NewMemoryDoc(1)
	_, err := relay.NewWebsocketProvider(relay.ProviderOptions{
		ServerURL: "ws://relay.test/collab",
		Room:      "room-1",
		Doc:       doc,
		Awareness: replica.NewMemoryAwareness(doc),
	})

	var cfgErr *transport.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "dispatcher", cfgErr.Field)
}
