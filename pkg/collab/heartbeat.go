package collab

import (
	"time"
)

// DefaultHeartbeatInterval keeps a participant well inside the default
// leader timeout.
const DefaultHeartbeatInterval = 3 * time.Second

// StartHeartbeat stamps a heartbeat into presence now and then on every
// interval until stop is called or the coordinator is destroyed. Starting a
// new heartbeat stops the previous one.
func (c *Coordinator) StartHeartbeat(interval time.Duration) (stop func()) {
	if c.destroyed {
		return func() {}
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	c.stopHeartbeat()

	beat := func() {
		c.UpdatePresence(map[string]any{"heartbeat": c.clock.Now().UnixMilli()})
	}
	beat()

	ticker := c.clock.Ticker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.dispatcher.Dispatch(func() {
					select {
					case <-done:
					default:
						beat()
					}
				})
			}
		}
	}()

	stopped := false
	stop = func() {
		if stopped {
			return
		}
		stopped = true
		ticker.Stop()
		close(done)
	}
	c.heartbeatStop = stop
	return stop
}

func (c *Coordinator) stopHeartbeat() {
	if c.heartbeatStop != nil {
		c.heartbeatStop()
		c.heartbeatStop = nil
	}
}
