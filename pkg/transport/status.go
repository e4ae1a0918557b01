package transport

// Aggregate folds child statuses into one, highest priority first:
// any error, any connected, any connecting or idle, all disconnected.
// The result does not depend on the order of statuses. An empty input is
// disconnected.
func Aggregate(statuses ...Status) Status {
	var connected, pending bool
	allDisconnected := true
	for _, s := range statuses {
		switch s {
		case StatusError:
			return StatusError
		case StatusConnected:
			connected = true
		case StatusConnecting, StatusIdle:
			pending = true
		}
		if s != StatusDisconnected {
			allDisconnected = false
		}
	}
	switch {
	case connected:
		return StatusConnected
	case pending:
		return StatusConnecting
	case allDisconnected:
		return StatusDisconnected
	default:
		return StatusIdle
	}
}

// AggregateRecords applies Aggregate to the statuses of records.
func AggregateRecords(records []Record) Status {
	statuses := make([]Status, len(records))
	for i, r := range records {
		statuses[i] = r.Status
	}
	return Aggregate(statuses...)
}

// ParseProviderStatus maps a provider's status vocabulary onto Status.
// Anything unrecognised is an error.
func ParseProviderStatus(raw string) Status {
	switch raw {
	case "connecting":
		return StatusConnecting
	case "connected":
		return StatusConnected
	case "disconnected":
		return StatusDisconnected
	default:
		return StatusError
	}
}

// StatusCell holds a channel's current status and notifies on change only.
type StatusCell struct {
	status    Status
	listeners Emitter[Status]
}

// NewStatusCell starts in idle.
func NewStatusCell() *StatusCell {
	return &StatusCell{status: StatusIdle}
}

func (c *StatusCell) Get() Status { return c.status }

// Set records s and emits it. Redundant transitions are dropped and report false.
func (c *StatusCell) Set(s Status) bool {
	if s == c.status {
		return false
	}
	c.status = s
	c.listeners.Emit(s)
	return true
}

// Force overwrites the status without notifying anyone.
func (c *StatusCell) Force(s Status) { c.status = s }

func (c *StatusCell) Subscribe(fn func(Status)) func() { return c.listeners.Subscribe(fn) }

func (c *StatusCell) Clear() { c.listeners.Clear() }
