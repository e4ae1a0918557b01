package coordination

import (
	"time"
)

// DefaultHeartbeatTimeout is how old a heartbeat may be before its
// participant stops counting as alive.
const DefaultHeartbeatTimeout = 8 * time.Second

// LeaderReason explains how a leader was chosen. ElectLeader only reports
// ReasonHighestID; ReasonFallback completes the vocabulary other clients use.
type LeaderReason string

const (
	ReasonHighestID LeaderReason = "highestId"
	ReasonFallback  LeaderReason = "fallback"
)

// LeaderCandidate is one participant as seen through presence.
type LeaderCandidate struct {
	ClientID  uint64
	UserID    string
	Name      string
	Heartbeat time.Time
}

// LeaderResult is the elected candidate.
type LeaderResult struct {
	LeaderCandidate
	Reason    LeaderReason
	ElectedAt time.Time
}

// ElectionOptions tunes ElectLeader. Zero values mean time.Now and
// DefaultHeartbeatTimeout.
type ElectionOptions struct {
	Now     time.Time
	Timeout time.Duration
}

// ElectLeader picks the live candidate with the highest client id, breaking
// ties by the greatest user id. A candidate is live when its heartbeat is no
// older than the timeout. Every participant computes the same answer from the
// same presence state, so no messages beyond heartbeats are needed.
//
// Returns nil when no candidate is live.
func ElectLeader(candidates []LeaderCandidate, opts ElectionOptions) *LeaderResult {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}

	var best *LeaderCandidate
	for i := range candidates {
		c := &candidates[i]
		if now.Sub(c.Heartbeat) > timeout {
			continue
		}
		if best == nil || c.ClientID > best.ClientID ||
			(c.ClientID == best.ClientID && c.UserID > best.UserID) {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	return &LeaderResult{
		LeaderCandidate: *best,
		Reason:          ReasonHighestID,
		ElectedAt:       now,
	}
}
