package collab_test

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabmesh/pkg/collab"
	"collabmesh/pkg/coordination"
	"collabmesh/pkg/eventloop"
	"collabmesh/pkg/replica"
	"collabmesh/pkg/transport"
)

func remotePresence(t *testing.T, into replica.Awareness, clientID uint64, state map[string]any) {
	t.Helper()
	remote := replica.NewMemoryAwareness(replica.NewMemoryDoc(clientID))
	remote.SetLocalState(state)
	update, err := remote.EncodeAll()
	require.NoError(t, err)
	require.NoError(t, into.ApplyUpdate(update, "remote"))
}

func TestDeriveLeadership(t *testing.T) {
	now := start
	entries := []collab.PresenceEntry{
		{ClientID: 1, State: map[string]any{"user": map[string]any{"id": "a", "name": "A"}, "heartbeat": float64(now.UnixMilli())}},
		{ClientID: 9, State: map[string]any{"user": map[string]any{"id": "z", "name": "Z"}, "updatedAt": float64(now.Add(-20 * time.Second).UnixMilli())}},
		{ClientID: 5, State: map[string]any{"user": map[string]any{"id": "m", "name": "M"}, "updatedAt": float64(now.UnixMilli())}},
		{ClientID: 12, State: map[string]any{"status": "lurking"}},
	}

	state := collab.DeriveLeadership(entries, 5, coordination.ElectionOptions{Now: now})
	require.NotNil(t, state.Leader)
	assert.Equal(t, uint64(5), state.Leader.ClientID)
	assert.Equal(t, "M", state.Leader.Name)
	assert.True(t, state.IsLeader)
	assert.Equal(t, 3, state.Participants, "only entries with a user take part")

	state = collab.DeriveLeadership(entries, 1, coordination.ElectionOptions{Now: now})
	assert.False(t, state.IsLeader)

	state = collab.DeriveLeadership(entries[3:], 12, coordination.ElectionOptions{Now: now})
	assert.Nil(t, state.Leader)
	assert.False(t, state.IsLeader)
	assert.Zero(t, state.Participants)
}

func TestCoordinator_LeadershipFromPresence(t *testing.T) {
	doc := replica.NewMemoryDoc(3)
	s := newSession(t, collab.Options{Doc: doc})

	alone := s.c.Leadership()
	require.NotNil(t, alone.Leader)
	assert.True(t, alone.IsLeader)
	assert.Equal(t, 1, alone.Participants)

	remotePresence(t, s.c.Awareness(), 8, map[string]any{
		"user":      collab.User{ID: "u-bob", Name: "Bob"},
		"heartbeat": start.UnixMilli(),
	})
	presence := s.c.Presence()
	require.Len(t, presence, 2)
	assert.Equal(t, uint64(3), presence[0].ClientID)

	state := s.c.Leadership()
	require.NotNil(t, state.Leader)
	assert.Equal(t, "u-bob", state.Leader.UserID)
	assert.False(t, state.IsLeader)

	// Bob stops beating; Alice's presence keeps being refreshed.
	s.clock.Add(9 * time.Second)
	s.c.UpdatePresence(map[string]any{"heartbeat": s.clock.Now().UnixMilli()})
	state = s.c.Leadership()
	require.NotNil(t, state.Leader)
	assert.Equal(t, "u-alice", state.Leader.UserID)
	assert.True(t, state.IsLeader)
}

func TestDocumentMutex(t *testing.T) {
	doc := replica.NewMemoryDoc(1)
	alice := newSession(t, collab.Options{Doc: doc})
	bob := newSession(t, collab.Options{Doc: doc, User: collab.User{ID: "u-bob", Name: "Bob"}})

	allowed := false
	aliceLock := alice.c.Mutex("document", collab.MutexOptions{})
	bobLock := bob.c.Mutex("document", collab.MutexOptions{AllowReset: func() bool { return allowed }})

	initial := bobLock.State()
	assert.True(t, initial.CanEdit, "an unowned document is editable")
	assert.False(t, initial.HasLock)
	assert.Empty(t, initial.OwnerName)

	changes := 0
	bobLock.Observe(func() { changes++ })

	require.NoError(t, aliceLock.Request())
	bob.clock.Add(time.Second)
	require.NoError(t, bobLock.Request())
	require.NoError(t, aliceLock.Request())
	assert.Equal(t, 2, changes, "a repeated request is ignored")

	a, b := aliceLock.State(), bobLock.State()
	assert.True(t, a.HasLock)
	assert.True(t, a.CanEdit)
	assert.False(t, b.HasLock)
	assert.False(t, b.CanEdit)
	assert.True(t, b.IsQueued)
	assert.Equal(t, "Alice", b.OwnerName)
	require.Len(t, b.Queue, 2)
	assert.Equal(t, "u-alice", b.Queue[0].ClientID)
	assert.Equal(t, "u-bob", b.Queue[1].ClientID)

	require.NoError(t, aliceLock.Release())
	assert.True(t, bobLock.State().HasLock)
	assert.False(t, aliceLock.State().IsQueued)

	assert.ErrorIs(t, bobLock.Reset(), collab.ErrResetNotAllowed)
	allowed = true
	require.NoError(t, bobLock.Reset())
	assert.Empty(t, bobLock.State().Queue)
	assert.Zero(t, doc.Array("mutex:document").Len())
}

func TestDocumentMutex_DefaultResetPolicyFollowsLeadership(t *testing.T) {
	s := newSession(t, collab.Options{})
	lock := s.c.Mutex("document", collab.MutexOptions{})
	require.NoError(t, lock.Request())

	require.NoError(t, lock.Reset(), "a lone participant leads")

	remotePresence(t, s.c.Awareness(), ^uint64(0), map[string]any{
		"user":      collab.User{ID: "u-zed", Name: "Zed"},
		"heartbeat": start.UnixMilli(),
	})
	assert.ErrorIs(t, lock.Reset(), collab.ErrResetNotAllowed)
}

func TestChat(t *testing.T) {
	s := newSession(t, collab.Options{})
	chat := s.c.Chat()

	_, err := chat.Send("   ")
	assert.ErrorIs(t, err, collab.ErrEmptyText)

	s.clock.Add(time.Second)
	first, err := chat.Send("  hello ")
	require.NoError(t, err)
	assert.Equal(t, "hello", first.Text)
	assert.Equal(t, "u-alice", first.UserID)
	assert.NotEmpty(t, first.ID)

	// A message from a peer with an earlier clock sorts first.
	require.NoError(t, s.c.Doc().Array("chat").Push(collab.ChatMessage{ID: "x", Text: "early", CreatedAt: start.UnixMilli()}))

	msgs, err := chat.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "early", msgs[0].Text)
	assert.Equal(t, "hello", msgs[1].Text)
}

func TestAgenda(t *testing.T) {
	s := newSession(t, collab.Options{})
	canToggle := true
	agenda := s.c.Agenda(collab.AgendaOptions{AllowToggle: func() bool { return canToggle }})

	_, err := agenda.Add("")
	assert.ErrorIs(t, err, collab.ErrEmptyText)

	first, err := agenda.Add("intro")
	require.NoError(t, err)
	s.clock.Add(time.Second)
	second, err := agenda.Add("demo")
	require.NoError(t, err)
	assert.Equal(t, "Alice", second.CreatedBy.Name)

	ok, err := agenda.Toggle(first.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	items, err := agenda.Items()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "demo", items[0].Text, "open items come first")
	assert.True(t, items[1].Completed)
	assert.Equal(t, first.ID, items[1].ID)

	raw, err := replica.Decode[collab.AgendaItem](s.c.Doc().Array("agenda"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, raw[0].ID, "toggling keeps the item in place")

	ok, err = agenda.Toggle("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	canToggle = false
	_, err = agenda.Toggle(second.ID)
	assert.ErrorIs(t, err, collab.ErrToggleNotAllowed)

	ok, err = agenda.Remove(first.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	items, err = agenda.Items()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, second.ID, items[0].ID)
}

func TestIdentityAndNames(t *testing.T) {
	a := collab.NewIdentity(rand.New(rand.NewPCG(1, 2)))
	b := collab.NewIdentity(rand.New(rand.NewPCG(1, 2)))
	assert.Equal(t, a, b, "identities are reproducible from the seed")
	assert.NotEmpty(t, a.ID)
	assert.NotEmpty(t, a.Name)
	assert.NotEmpty(t, a.Color)

	name, err := collab.NormalizeName("  design review ")
	require.NoError(t, err)
	assert.Equal(t, "design review", name)

	_, err = collab.NormalizeName(" \t")
	assert.ErrorIs(t, err, collab.ErrEmptyName)
}

func TestHeartbeat(t *testing.T) {
	loop := eventloop.New(nil)
	t.Cleanup(loop.Close)
	mc := newMockClock()

	var c *collab.Coordinator
	var stop func()
	require.True(t, loop.Do(func() {
		var err error
		c, err = collab.New(collab.Options{
			Room:       "room-1",
			User:       collab.User{ID: "u-alice", Name: "Alice"},
			Factories:  []transport.Factory{factoryOf(newFake(transport.KindRelay))},
			Dispatcher: loop,
			Clock:      mc,
		})
		assert.NoError(t, err)
		stop = c.StartHeartbeat(0)
	}))

	heartbeat := func() float64 {
		var v float64
		loop.Do(func() { v, _ = c.Awareness().GetLocalState()["heartbeat"].(float64) })
		return v
	}
	assert.Equal(t, float64(start.UnixMilli()), heartbeat(), "the first beat is immediate")

	mc.Add(collab.DefaultHeartbeatInterval)
	want := float64(start.Add(collab.DefaultHeartbeatInterval).UnixMilli())
	require.Eventually(t, func() bool { return heartbeat() == want }, time.Second, 10*time.Millisecond)

	loop.Do(stop)
	mc.Add(collab.DefaultHeartbeatInterval)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, want, heartbeat())

	loop.Do(func() {
		stop = c.StartHeartbeat(time.Second)
		c.Destroy()
	})
	mc.Add(time.Second)
	time.Sleep(50 * time.Millisecond)
	loop.Do(func() { assert.Nil(t, c.Awareness().GetLocalState()) })
}
