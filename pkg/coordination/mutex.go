package coordination

import (
	"encoding/json"
	"fmt"
	"sort"
)

// MutexRequest is one participant's pending claim on a resource.
type MutexRequest struct {
	ClientID  string `json:"clientId"`
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
}

// MutexComputation is derived from the request list on every read. An empty
// OwnerID means nobody holds the lock.
type MutexComputation struct {
	OwnerID string
	Queue   []MutexRequest
}

// ComputeMutexState orders requests by timestamp, then client id. The head of
// the order owns the lock; Queue holds the whole order, owner first. Requests
// without a client id are ignored.
func ComputeMutexState(requests []MutexRequest) MutexComputation {
	sorted := make([]MutexRequest, 0, len(requests))
	for _, req := range requests {
		if req.ClientID != "" {
			sorted = append(sorted, req)
		}
	}
	if len(sorted) == 0 {
		return MutexComputation{Queue: sorted}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Timestamp != sorted[j].Timestamp {
			return sorted[i].Timestamp < sorted[j].Timestamp
		}
		return sorted[i].ClientID < sorted[j].ClientID
	})
	return MutexComputation{OwnerID: sorted[0].ClientID, Queue: sorted}
}

// RequestList is the replicated, ordered list requests live in.
// replica.Array satisfies it.
type RequestList interface {
	Len() int
	ToArray() []json.RawMessage
	Push(values ...any) error
	Delete(index, count int) error
}

// ReadRequests decodes every entry of list. Entries that are not requests
// are skipped.
func ReadRequests(list RequestList) []MutexRequest {
	raw := list.ToArray()
	out := make([]MutexRequest, 0, len(raw))
	for _, r := range raw {
		var req MutexRequest
		if err := json.Unmarshal(r, &req); err != nil || req.ClientID == "" {
			continue
		}
		out = append(out, req)
	}
	return out
}

// RequestAccess appends req unless its client already has a pending request.
// It reports whether a request was added.
func RequestAccess(list RequestList, req MutexRequest) (bool, error) {
	for _, existing := range ReadRequests(list) {
		if existing.ClientID == req.ClientID {
			return false, nil
		}
	}
	if err := list.Push(req); err != nil {
		return false, fmt.Errorf("enqueue mutex request: %w", err)
	}
	return true, nil
}

// ReleaseAccess removes every request made by clientID. Releasing without a
// pending request is a no-op.
func ReleaseAccess(list RequestList, clientID string) (bool, error) {
	raw := list.ToArray()
	removed := false
	for i := len(raw) - 1; i >= 0; i-- {
		var req MutexRequest
		if err := json.Unmarshal(raw[i], &req); err != nil || req.ClientID != clientID {
			continue
		}
		if err := list.Delete(i, 1); err != nil {
			return removed, fmt.Errorf("release mutex request: %w", err)
		}
		removed = true
	}
	return removed, nil
}

// ResetAccess clears the whole queue. Deciding who may reset is up to the
// caller.
func ResetAccess(list RequestList) error {
	n := list.Len()
	if n == 0 {
		return nil
	}
	if err := list.Delete(0, n); err != nil {
		return fmt.Errorf("reset mutex queue: %w", err)
	}
	return nil
}
