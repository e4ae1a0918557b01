package relay_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"collabmesh/pkg/eventloop"
	"collabmesh/pkg/protocol"
	"collabmesh/pkg/relay"
	"collabmesh/pkg/replica"
	"collabmesh/pkg/storage"
	relaytransport "collabmesh/pkg/transport/relay"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// participant is one client replica connected through the real provider.
type participant struct {
	doc      *replica.MemoryDoc
	aw       *replica.MemoryAwareness
	provider relaytransport.Provider
	statuses []string
	synced   int
}

type HubSuite struct {
	suite.Suite
	store  *storage.MemoryDocumentStore
	clock  *clock.Mock
	hub    *relay.Hub
	server *httptest.Server
	loop   *eventloop.Loop
	joined []*participant
}

func TestHubSuite(t *testing.T) {
	suite.Run(t, new(HubSuite))
}

func (s *HubSuite) SetupTest() {
	s.store = storage.NewMemoryDocumentStore()
	s.clock = clock.NewMock()
	s.hub = relay.NewHub(relay.Config{
		NodeID:          "node-a",
		MaxRooms:        2,
		MaxDocumentSize: 4096,
		StoreDebounce:   time.Second,
	}, s.store, relay.WithClock(s.clock))
	s.server = httptest.NewServer(http.HandlerFunc(s.hub.ServeWS))
	s.loop = eventloop.New(nil)
	s.joined = nil
}

func (s *HubSuite) TearDownTest() {
	s.loop.Do(func() {
		for _, p := range s.joined {
			p.provider.Destroy()
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s.NoError(s.hub.Close(ctx))
	s.server.Close()
	s.loop.Close()
}

func (s *HubSuite) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *HubSuite) join(room string, clientID uint64) *participant {
	p := &participant{doc: replica.NewMemoryDoc(clientID)}
	p.aw = replica.NewMemoryAwareness(p.doc)
	s.Require().True(s.loop.Do(func() {
		provider, err := relaytransport.NewWebsocketProvider(relaytransport.ProviderOptions{
			ServerURL:  s.url(),
			Room:       room,
			Doc:        p.doc,
			Awareness:  p.aw,
			Dispatcher: s.loop,
		})
		if !s.NoError(err) {
			return
		}
		p.provider = provider
		provider.OnStatus(func(st string) { p.statuses = append(p.statuses, st) })
		provider.OnSynced(func() { p.synced++ })
		provider.Connect()
	}))
	s.joined = append(s.joined, p)
	return p
}

func (s *HubSuite) eventually(cond func() bool, msg string) {
	s.Require().Eventually(func() bool {
		var ok bool
		s.loop.Do(func() { ok = cond() })
		return ok
	}, waitFor, tick, msg)
}

func (s *HubSuite) waitSynced(p *participant) {
	s.eventually(func() bool { return p.synced > 0 }, "client never synced")
}

func (s *HubSuite) leave(p *participant) {
	s.loop.Do(func() { p.provider.Destroy() })
}

func chatLen(p *participant) int { return p.doc.Array("chat").Len() }

func (s *HubSuite) TestClientsConverge() {
	alice := s.join("standup", 1)
	bob := s.join("standup", 2)
	s.waitSynced(alice)
	s.waitSynced(bob)

	s.loop.Do(func() { s.NoError(alice.doc.Array("chat").Push("hello")) })
	s.eventually(func() bool { return chatLen(bob) == 1 }, "update never reached bob")

	s.loop.Do(func() { s.NoError(bob.doc.Array("chat").Push("hi alice")) })
	s.eventually(func() bool { return chatLen(alice) == 2 }, "update never reached alice")

	info, ok := s.hub.Room("standup")
	s.Require().True(ok)
	s.Equal(2, info.Clients)
}

func (s *HubSuite) TestPresenceRelayedAndRemovedOnLeave() {
	alice := s.join("standup", 1)
	bob := s.join("standup", 2)
	s.waitSynced(alice)
	s.waitSynced(bob)

	s.loop.Do(func() { bob.aw.SetLocalState(map[string]any{"name": "Bob"}) })
	s.eventually(func() bool {
		st, ok := alice.aw.GetStates()[2]
		return ok && st["name"] == "Bob"
	}, "presence never reached alice")

	s.leave(bob)
	s.eventually(func() bool {
		_, ok := alice.aw.GetStates()[2]
		return !ok
	}, "presence outlived the connection")
}

func (s *HubSuite) TestLateJoinerReceivesState() {
	alice := s.join("standup", 1)
	s.waitSynced(alice)
	s.loop.Do(func() { s.NoError(alice.doc.Array("chat").Push("one", "two")) })
	s.Require().Eventually(func() bool {
		info, ok := s.hub.Room("standup")
		return ok && info.Dirty
	}, waitFor, tick)

	carol := s.join("standup", 3)
	s.waitSynced(carol)
	s.eventually(func() bool { return chatLen(carol) == 2 }, "late joiner missed state")
}

func (s *HubSuite) TestStoresAfterDebounce() {
	alice := s.join("standup", 1)
	s.waitSynced(alice)
	s.loop.Do(func() { s.NoError(alice.doc.Array("chat").Push("persist me")) })

	s.Require().Eventually(func() bool {
		info, ok := s.hub.Room("standup")
		return ok && info.Dirty
	}, waitFor, tick)
	_, err := s.store.LoadDocument(context.Background(), "standup")
	s.ErrorIs(err, storage.ErrNotFound, "nothing is stored before the debounce")

	s.Require().Eventually(func() bool {
		s.clock.Add(time.Second)
		_, err := s.store.LoadDocument(context.Background(), "standup")
		return err == nil
	}, waitFor, tick)

	stored, err := s.store.LoadDocument(context.Background(), "standup")
	s.Require().NoError(err)
	restored := replica.NewMemoryDoc(9)
	s.Require().NoError(restored.ApplyUpdate(stored.State, nil))
	s.Equal(1, restored.Array("chat").Len())
}

func (s *HubSuite) TestRoomUnloadsAndReloads() {
	alice := s.join("standup", 1)
	s.waitSynced(alice)
	s.loop.Do(func() { s.NoError(alice.doc.Array("chat").Push("kept")) })
	s.Require().Eventually(func() bool {
		info, ok := s.hub.Room("standup")
		return ok && info.Dirty
	}, waitFor, tick)

	s.leave(alice)
	s.Require().Eventually(func() bool { return len(s.hub.Rooms()) == 0 }, waitFor, tick)
	_, err := s.store.LoadDocument(context.Background(), "standup")
	s.Require().NoError(err, "the last client leaving stores the room")

	bob := s.join("standup", 2)
	s.waitSynced(bob)
	s.eventually(func() bool { return chatLen(bob) == 1 }, "reloaded room lost its state")
}

func (s *HubSuite) TestRoomLimit() {
	for _, room := range []string{"one", "two"} {
		s.waitSynced(s.join(room, 1))
	}
	third := s.join("three", 3)
	s.eventually(func() bool {
		for _, st := range third.statuses {
			if st == "error" {
				return true
			}
		}
		return false
	}, "third room was not rejected")
	s.Len(s.hub.Rooms(), 2)
}

func (s *HubSuite) TestDocumentSizeLimit() {
	alice := s.join("standup", 1)
	s.waitSynced(alice)
	s.loop.Do(func() { s.NoError(alice.doc.Array("chat").Push(strings.Repeat("x", 5000))) })
	s.eventually(func() bool {
		for _, st := range alice.statuses {
			if st == "error" {
				return true
			}
		}
		return false
	}, "oversized update was accepted")

	doc, err := s.hub.Document(context.Background(), "standup")
	if err == nil {
		restored := replica.NewMemoryDoc(9)
		s.Require().NoError(restored.ApplyUpdate(doc.State, nil))
		s.Equal(0, restored.Array("chat").Len())
	}
}

func (s *HubSuite) TestFirstFrameMustBeJoin() {
	conn, _, err := websocket.DefaultDialer.Dial(s.url(), nil)
	s.Require().NoError(err)
	defer conn.Close()

	data, _ := protocol.Envelope{Type: protocol.TypeUpdate, Payload: []byte("{}")}.Encode()
	s.Require().NoError(conn.WriteMessage(websocket.TextMessage, data))

	_ = conn.SetReadDeadline(time.Now().Add(waitFor))
	_, reply, err := conn.ReadMessage()
	s.Require().NoError(err)
	env, err := protocol.DecodeEnvelope(reply)
	s.Require().NoError(err)
	s.Equal(protocol.TypeError, env.Type)
	s.Contains(env.Error, "join")
}

func TestHub_DocumentFallsBackToStore(t *testing.T) {
	store := storage.NewMemoryDocumentStore()
	source := replica.NewMemoryDoc(1)
	require.NoError(t, source.Array("agenda").Push("item"))
	state, err := source.EncodeState()
	require.NoError(t, err)
	require.NoError(t, store.StoreDocument(context.Background(), "archived", state))

	hub := relay.NewHub(relay.Config{}, store)
	doc, err := hub.Document(context.Background(), "archived")
	require.NoError(t, err)
	assert.Equal(t, state, doc.State)

	_, err = hub.Document(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, hub.Rooms())
}
