package collab

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"collabmesh/pkg/coordination"
)

// PresenceEntry is one participant's presence state.
type PresenceEntry struct {
	ClientID uint64
	State    map[string]any
}

// User decodes the entry's user, if it announced one.
func (e PresenceEntry) User() (User, bool) {
	raw, ok := e.State["user"]
	if !ok || raw == nil {
		return User{}, false
	}
	if u, ok := raw.(User); ok {
		return u, true
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return User{}, false
	}
	var u User
	if err := json.Unmarshal(b, &u); err != nil {
		return User{}, false
	}
	return u, true
}

// Millis reads a millisecond timestamp field. Missing or non-numeric values
// report false.
func (e PresenceEntry) Millis(key string) (int64, bool) {
	return toMillis(e.State[key])
}

func toMillis(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// PresenceEntries flattens a state map into entries ordered by client id.
func PresenceEntries(states map[uint64]map[string]any) []PresenceEntry {
	entries := make([]PresenceEntry, 0, len(states))
	for id, st := range states {
		if st == nil {
			continue
		}
		entries = append(entries, PresenceEntry{ClientID: id, State: st})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ClientID < entries[j].ClientID })
	return entries
}

// Presence lists every known participant, local included.
func (c *Coordinator) Presence() []PresenceEntry {
	if c.destroyed {
		return nil
	}
	return PresenceEntries(c.awareness.GetStates())
}

// LeaderState is the outcome of an election over presence.
type LeaderState struct {
	Leader       *coordination.LeaderResult
	IsLeader     bool
	Participants int
}

// DeriveLeadership runs ElectLeader over every entry that carries a user.
// A participant's liveness is its heartbeat, falling back to updatedAt.
func DeriveLeadership(entries []PresenceEntry, localClientID uint64, opts coordination.ElectionOptions) LeaderState {
	candidates := make([]coordination.LeaderCandidate, 0, len(entries))
	var localUserID string
	localKnown := false
	for _, e := range entries {
		u, ok := e.User()
		if !ok {
			continue
		}
		if e.ClientID == localClientID {
			localUserID, localKnown = u.ID, true
		}
		beat, ok := e.Millis("heartbeat")
		if !ok {
			beat, _ = e.Millis("updatedAt")
		}
		candidates = append(candidates, coordination.LeaderCandidate{
			ClientID:  e.ClientID,
			UserID:    u.ID,
			Name:      u.Name,
			Heartbeat: time.UnixMilli(beat),
		})
	}

	leader := coordination.ElectLeader(candidates, opts)
	return LeaderState{
		Leader:       leader,
		IsLeader:     leader != nil && localKnown && leader.UserID == localUserID,
		Participants: len(candidates),
	}
}

// Leadership elects a leader from current presence at the coordinator's
// clock time.
func (c *Coordinator) Leadership() LeaderState {
	if c.destroyed {
		return LeaderState{}
	}
	return DeriveLeadership(c.Presence(), c.awareness.ClientID(), coordination.ElectionOptions{
		Now:     c.clock.Now(),
		Timeout: c.leaderTimeout,
	})
}
