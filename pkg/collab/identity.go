package collab

import (
	"fmt"
	"math/rand/v2"

	"collabmesh/pkg/protocol"
)

// ErrEmptyName is returned by NormalizeName for blank input.
var ErrEmptyName = protocol.ErrEmptyName

var (
	palette   = []string{"#958DF1", "#F98181", "#FBBC88", "#FAF594", "#70CFF8", "#94FADB", "#B9F18D"}
	demoNames = []string{"Alice", "Bob", "Charlie", "Diana", "Eve", "Frank", "Grace"}
)

// NewIdentity picks a demo user from r.
func NewIdentity(r *rand.Rand) User {
	return User{
		ID:    fmt.Sprintf("user-%08x", r.Uint32()),
		Name:  demoNames[r.IntN(len(demoNames))],
		Color: palette[r.IntN(len(palette))],
	}
}

// NormalizeName trims room and display names. The relay applies the same
// rules to room names.
func NormalizeName(name string) (string, error) {
	return protocol.NormalizeName(name)
}
