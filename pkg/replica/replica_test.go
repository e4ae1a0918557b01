package replica_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "collabmesh/pkg/replica"
)

func strings(t *testing.T, arr Array) []string {
	t.Helper()
	out, err := Decode[string](arr)
	require.NoError(t, err)
	return out
}

// link forwards every update of a to b and back, ignoring echoes.
func link(a, b *MemoryDoc) {
	a.OnUpdate(func(u []byte, origin any) {
		if origin != b {
			_ = b.ApplyUpdate(u, a)
		}
	})
	b.OnUpdate(func(u []byte, origin any) {
		if origin != a {
			_ = a.ApplyUpdate(u, b)
		}
	})
}

func TestMemoryDoc_LocalEdits(t *testing.T) {
	doc := NewMemoryDoc(1)
	arr := doc.Array("list")

	require.NoError(t, arr.Push("a", "b", "d"))
	require.NoError(t, arr.Insert(2, "c"))
	require.NoError(t, arr.Delete(0, 1))

	assert.Equal(t, []string{"b", "c", "d"}, strings(t, arr))
	assert.Equal(t, 3, arr.Len())

	assert.Error(t, arr.Insert(9, "x"))
	assert.Error(t, arr.Delete(2, 5))
}

func TestMemoryDoc_ObserversFireOncePerTransaction(t *testing.T) {
	doc := NewMemoryDoc(1)
	arr := doc.Array("list")
	calls := 0
	unobserve := arr.Observe(func() { calls++ })

	require.NoError(t, arr.Push("a", "b"))
	assert.Equal(t, 1, calls)

	unobserve()
	require.NoError(t, arr.Push("c"))
	assert.Equal(t, 1, calls)
}

func TestMemoryDoc_ReplicasConverge(t *testing.T) {
	a := NewMemoryDoc(1)
	b := NewMemoryDoc(2)
	link(a, b)

	require.NoError(t, a.Array("list").Push("x"))
	require.NoError(t, b.Array("list").Push("y"))
	require.NoError(t, a.Array("list").Delete(0, 1))

	assert.Equal(t, strings(t, a.Array("list")), strings(t, b.Array("list")))
	assert.Equal(t, []string{"y"}, strings(t, b.Array("list")))
}

func TestMemoryDoc_ConcurrentInsertsConverge(t *testing.T) {
	a := NewMemoryDoc(1)
	b := NewMemoryDoc(2)

	var fromA, fromB [][]byte
	a.OnUpdate(func(u []byte, origin any) { fromA = append(fromA, u) })
	b.OnUpdate(func(u []byte, origin any) { fromB = append(fromB, u) })

	require.NoError(t, a.Array("list").Push("a1", "a2"))
	require.NoError(t, b.Array("list").Push("b1"))
	require.NoError(t, b.Array("list").Insert(0, "b0"))

	for _, u := range fromA {
		require.NoError(t, b.ApplyUpdate(u, "net"))
	}
	for _, u := range fromB {
		require.NoError(t, a.ApplyUpdate(u, "net"))
	}

	assert.Equal(t, strings(t, a.Array("list")), strings(t, b.Array("list")))
	assert.Len(t, strings(t, a.Array("list")), 4)
}

func TestMemoryDoc_DuplicateAndOutOfOrderDelivery(t *testing.T) {
	src := NewMemoryDoc(1)
	var updates [][]byte
	src.OnUpdate(func(u []byte, origin any) { updates = append(updates, u) })

	arr := src.Array("list")
	require.NoError(t, arr.Push("a"))
	require.NoError(t, arr.Push("b"))
	require.NoError(t, arr.Delete(0, 1))
	require.Len(t, updates, 3)

	dst := NewMemoryDoc(2)
	remoteEvents := 0
	dst.OnUpdate(func([]byte, any) { remoteEvents++ })

	// Delete first, then the insert it depends on, then everything again.
	require.NoError(t, dst.ApplyUpdate(updates[2], nil))
	assert.Equal(t, 0, dst.Array("list").Len())
	require.NoError(t, dst.ApplyUpdate(updates[1], nil))
	require.NoError(t, dst.ApplyUpdate(updates[0], nil))
	eventsAfterFirstPass := remoteEvents
	for _, u := range updates {
		require.NoError(t, dst.ApplyUpdate(u, nil))
	}

	assert.Equal(t, []string{"b"}, strings(t, dst.Array("list")))
	assert.Equal(t, eventsAfterFirstPass, remoteEvents, "duplicates must not produce updates")
}

func TestMemoryDoc_EncodeStateRestoresDocument(t *testing.T) {
	src := NewMemoryDoc(1)
	require.NoError(t, src.Array("chat").Push(map[string]string{"text": "hi"}))
	require.NoError(t, src.Array("agenda").Push("one", "two", "three"))
	require.NoError(t, src.Array("agenda").Delete(1, 1))

	state, err := src.EncodeState()
	require.NoError(t, err)

	dst := NewMemoryDoc(2)
	require.NoError(t, dst.ApplyUpdate(state, nil))
	assert.Equal(t, []string{"one", "three"}, strings(t, dst.Array("agenda")))

	var msg map[string]string
	require.NoError(t, json.Unmarshal(dst.Array("chat").ToArray()[0], &msg))
	assert.Equal(t, "hi", msg["text"])

	// Local clock moves past everything it has seen.
	require.NoError(t, dst.Array("agenda").Insert(0, "zero"))
	assert.Equal(t, []string{"zero", "one", "three"}, strings(t, dst.Array("agenda")))
}

func TestMemoryDoc_DestroyRejectsMutations(t *testing.T) {
	doc := NewMemoryDoc(1)
	doc.Destroy()
	doc.Destroy()

	assert.ErrorIs(t, doc.Array("list").Push("a"), ErrDestroyed)
	assert.ErrorIs(t, doc.ApplyUpdate([]byte(`{"ops":[]}`), nil), ErrDestroyed)
	assert.True(t, doc.Destroyed())
}

func TestMemoryAwareness_LocalStateLifecycle(t *testing.T) {
	doc := NewMemoryDoc(7)
	aw := NewMemoryAwareness(doc)

	var changes []Change
	aw.OnUpdate(func(c Change) { changes = append(changes, c) })

	aw.SetLocalState(map[string]any{"name": "Ada", "heartbeat": 1000})
	assert.Equal(t, "Ada", aw.GetLocalState()["name"])
	assert.Equal(t, float64(1000), aw.GetLocalState()["heartbeat"])

	aw.SetLocalState(nil)
	assert.Nil(t, aw.GetLocalState())
	_, present := aw.GetStates()[7]
	assert.False(t, present)

	require.Len(t, changes, 2)
	assert.Equal(t, []uint64{7}, changes[0].Updated)
	assert.Equal(t, []uint64{7}, changes[1].Removed)
}

func TestMemoryAwareness_RemotePropagationAndRemoval(t *testing.T) {
	a := NewMemoryAwareness(NewMemoryDoc(1))
	b := NewMemoryAwareness(NewMemoryDoc(2))

	a.SetLocalState(map[string]any{"name": "A"})
	update, err := a.EncodeUpdate([]uint64{1})
	require.NoError(t, err)

	var got []Change
	b.OnUpdate(func(c Change) { got = append(got, c) })
	require.NoError(t, b.ApplyUpdate(update, "peer"))
	require.NoError(t, b.ApplyUpdate(update, "peer"))

	require.Len(t, got, 1)
	assert.Equal(t, []uint64{1}, got[0].Added)
	assert.Equal(t, "peer", got[0].Origin)
	assert.Equal(t, "A", b.GetStates()[1]["name"])

	a.SetLocalState(nil)
	removal, err := a.EncodeUpdate([]uint64{1})
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(removal, "peer"))
	_, present := b.GetStates()[1]
	assert.False(t, present)

	b.RemoveStates([]uint64{42}, nil)
	assert.Len(t, got, 2)
}

func TestMemoryAwareness_StaleClockIgnored(t *testing.T) {
	a := NewMemoryAwareness(NewMemoryDoc(1))
	b := NewMemoryAwareness(NewMemoryDoc(2))

	a.SetLocalState(map[string]any{"v": 1})
	old, _ := a.EncodeUpdate([]uint64{1})
	a.SetLocalState(map[string]any{"v": 2})
	fresh, _ := a.EncodeUpdate([]uint64{1})

	require.NoError(t, b.ApplyUpdate(fresh, nil))
	require.NoError(t, b.ApplyUpdate(old, nil))
	assert.Equal(t, float64(2), b.GetStates()[1]["v"])
}
