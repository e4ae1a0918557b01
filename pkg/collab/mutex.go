package collab

import (
	"errors"

	"collabmesh/pkg/coordination"
	"collabmesh/pkg/replica"
)

// ErrResetNotAllowed is returned by Reset when the policy refuses it.
var ErrResetNotAllowed = errors.New("mutex reset not allowed")

// MutexState is the local participant's view of a document lock.
type MutexState struct {
	HasLock   bool
	CanEdit   bool
	IsQueued  bool
	Queue     []coordination.MutexRequest
	OwnerName string
}

// MutexOptions configures a DocumentMutex.
type MutexOptions struct {
	// AllowReset decides whether Reset may clear the queue. Defaults to
	// "the local participant is the elected leader".
	AllowReset func() bool
}

// DocumentMutex is a cooperative lock over one resource, stored as a request
// queue in the array "mutex:<resource>".
type DocumentMutex struct {
	c          *Coordinator
	resource   string
	list       replica.Array
	allowReset func() bool
}

// Mutex returns the lock for resource.
func (c *Coordinator) Mutex(resource string, opts MutexOptions) *DocumentMutex {
	m := &DocumentMutex{
		c:          c,
		resource:   resource,
		list:       c.doc.Array("mutex:" + resource),
		allowReset: opts.AllowReset,
	}
	if m.allowReset == nil {
		m.allowReset = func() bool { return c.Leadership().IsLeader }
	}
	return m
}

func (m *DocumentMutex) Resource() string { return m.resource }

// State derives the lock state for the local user.
func (m *DocumentMutex) State() MutexState {
	requests := coordination.ReadRequests(m.list)
	computed := coordination.ComputeMutexState(requests)
	self := m.c.user.ID

	state := MutexState{
		HasLock: computed.OwnerID != "" && computed.OwnerID == self,
		Queue:   computed.Queue,
	}
	state.CanEdit = state.HasLock || computed.OwnerID == ""
	for _, r := range requests {
		if r.ClientID == self {
			state.IsQueued = true
		}
		if computed.OwnerID != "" && r.ClientID == computed.OwnerID && state.OwnerName == "" {
			state.OwnerName = r.Name
		}
	}
	return state
}

// Request queues the local user unless already queued.
func (m *DocumentMutex) Request() error {
	if m.c.destroyed {
		return nil
	}
	_, err := coordination.RequestAccess(m.list, coordination.MutexRequest{
		ClientID:  m.c.user.ID,
		Name:      m.c.user.Name,
		Timestamp: m.c.clock.Now().UnixMilli(),
	})
	return err
}

// Release drops the local user's request, if any.
func (m *DocumentMutex) Release() error {
	if m.c.destroyed {
		return nil
	}
	_, err := coordination.ReleaseAccess(m.list, m.c.user.ID)
	return err
}

// Reset clears every request when the policy allows it.
func (m *DocumentMutex) Reset() error {
	if m.c.destroyed {
		return nil
	}
	if !m.allowReset() {
		return ErrResetNotAllowed
	}
	return coordination.ResetAccess(m.list)
}

// Observe calls fn whenever the queue changes.
func (m *DocumentMutex) Observe(fn func()) (unobserve func()) {
	return m.list.Observe(fn)
}
