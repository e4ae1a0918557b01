// Package replica defines the replicated document and presence registry the
// collaboration layer runs on, together with in-memory implementations.
//
// The in-memory document is an operation log of ordered lists: inserts carry a
// Lamport id and the id of their left neighbour, deletes leave tombstones, and
// duplicate or out-of-order delivery converges to the same array on every
// replica. Transports treat the encoded updates as opaque bytes.
package replica

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDestroyed is returned by mutations on a destroyed document.
var ErrDestroyed = errors.New("replica destroyed")

// Doc is a replicated document holding named ordered arrays.
type Doc interface {
	ClientID() uint64

	// Array returns the named array, creating it on first use.
	Array(name string) Array

	// OnUpdate registers fn for every change applied to the document, local
	// or remote. origin is whatever the writer passed to ApplyUpdate, nil
	// for local edits.
	OnUpdate(fn func(update []byte, origin any)) (unsubscribe func())

	// ApplyUpdate merges an encoded update. Already-known operations are
	// ignored.
	ApplyUpdate(update []byte, origin any) error

	// EncodeState encodes the whole document as a single update.
	EncodeState() ([]byte, error)

	Destroy()
}

// Array is an insertion-ordered, replicated list of JSON values.
type Array interface {
	Len() int
	ToArray() []json.RawMessage
	Push(values ...any) error
	Insert(index int, values ...any) error
	Delete(index, count int) error
	Observe(fn func()) (unobserve func())
}

// Change describes one presence update. Origin is nil for local changes.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
	Origin  any
}

// Awareness is the replicated presence registry. Every participant owns one
// entry keyed by its client id; a nil state removes the entry.
type Awareness interface {
	ClientID() uint64
	GetStates() map[uint64]map[string]any
	GetLocalState() map[string]any
	SetLocalState(state map[string]any)
	OnUpdate(fn func(Change)) (unsubscribe func())

	// EncodeUpdate encodes the current entries of clients.
	EncodeUpdate(clients []uint64) ([]byte, error)
	ApplyUpdate(update []byte, origin any) error

	// RemoveStates drops remote entries, e.g. when their connection is lost.
	RemoveStates(clients []uint64, origin any)

	Destroy()
}

// Decode unmarshals every element of arr into T.
func Decode[T any](arr Array) ([]T, error) {
	raw := arr.ToArray()
	out := make([]T, 0, len(raw))
	for i, r := range raw {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, fmt.Errorf("decode element %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
