// Package coordination holds the leader election and mutual exclusion rules
// collaborators derive from replicated state, and the cluster coordination
// relay instances use among themselves.
package coordination

import (
	"context"
	"errors"
)

// ErrNoLeader is returned by Election.Leader while nobody holds the campaign.
var ErrNoLeader = errors.New("no leader elected")

// Coordinator handles coordination between relay instances.
type Coordinator interface {
	// NewElection creates a new election instance for a given campaign name.
	NewElection(name string) Election

	// RegisterNode announces this instance until its lease lapses.
	RegisterNode(ctx context.Context, nodeID, address string, ttl int) error

	// GetActiveNodes lists registered instances by id.
	GetActiveNodes(ctx context.Context) (map[string]string, error)

	// Close terminates the coordinator connection.
	Close() error
}

// Election represents a single leader election campaign.
type Election interface {
	// Campaign starts the process of trying to become leader.
	// It blocks until leadership is acquired or an error occurs.
	Campaign(ctx context.Context, value string) error

	// Resign releases leadership.
	Resign(ctx context.Context) error

	// Leader returns the current leader's value, or ErrNoLeader.
	Leader(ctx context.Context) (string, error)
}
