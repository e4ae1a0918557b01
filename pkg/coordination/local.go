package coordination

import (
	"context"
	"sync"
	"time"
)

// LocalCoordinator serves a single relay instance without an external
// coordination service: campaigns are won in arrival order and node leases
// expire on the wall clock.
type LocalCoordinator struct {
	mu      sync.Mutex
	leaders map[string]string
	waiters map[string][]chan struct{}
	nodes   map[string]localNode
	now     func() time.Time
}

type localNode struct {
	address string
	expires time.Time
}

func NewLocalCoordinator() *LocalCoordinator {
	return &LocalCoordinator{
		leaders: make(map[string]string),
		waiters: make(map[string][]chan struct{}),
		nodes:   make(map[string]localNode),
		now:     time.Now,
	}
}

func (c *LocalCoordinator) NewElection(name string) Election {
	return &localElection{c: c, name: name}
}

func (c *LocalCoordinator) RegisterNode(_ context.Context, nodeID, address string, ttl int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[nodeID] = localNode{address: address, expires: c.now().Add(time.Duration(ttl) * time.Second)}
	return nil
}

func (c *LocalCoordinator) GetActiveNodes(_ context.Context) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	nodes := make(map[string]string, len(c.nodes))
	for id, n := range c.nodes {
		if now.After(n.expires) {
			delete(c.nodes, id)
			continue
		}
		nodes[id] = n.address
	}
	return nodes, nil
}

func (c *LocalCoordinator) Close() error { return nil }

type localElection struct {
	c    *LocalCoordinator
	name string
	mine bool
}

func (e *localElection) Campaign(ctx context.Context, value string) error {
	for {
		e.c.mu.Lock()
		if _, taken := e.c.leaders[e.name]; !taken {
			e.c.leaders[e.name] = value
			e.mine = true
			e.c.mu.Unlock()
			return nil
		}
		wait := make(chan struct{})
		e.c.waiters[e.name] = append(e.c.waiters[e.name], wait)
		e.c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

func (e *localElection) Resign(context.Context) error {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	if !e.mine {
		return nil
	}
	e.mine = false
	delete(e.c.leaders, e.name)
	for _, w := range e.c.waiters[e.name] {
		close(w)
	}
	delete(e.c.waiters, e.name)
	return nil
}

func (e *localElection) Leader(context.Context) (string, error) {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	leader, ok := e.c.leaders[e.name]
	if !ok {
		return "", ErrNoLeader
	}
	return leader, nil
}
