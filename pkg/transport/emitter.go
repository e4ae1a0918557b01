package transport

// Emitter is an ordered observer list. It is not safe for concurrent use;
// owners call it from their dispatcher.
type Emitter[T any] struct {
	nextID    uint64
	listeners []listenerEntry[T]
}

type listenerEntry[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a disposer. Calling the disposer more
// than once is harmless.
func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listenerEntry[T]{id: id, fn: fn})
	return func() {
		for i, l := range e.listeners {
			if l.id == id {
				e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

// Emit calls every listener registered at the time of the call, in
// registration order.
func (e *Emitter[T]) Emit(v T) {
	if len(e.listeners) == 0 {
		return
	}
	snapshot := make([]listenerEntry[T], len(e.listeners))
	copy(snapshot, e.listeners)
	for _, l := range snapshot {
		l.fn(v)
	}
}

// Clear drops all listeners.
func (e *Emitter[T]) Clear() {
	e.listeners = nil
}

// Len reports the number of registered listeners.
func (e *Emitter[T]) Len() int {
	return len(e.listeners)
}

// Signal is an Emitter for payload-less notifications.
type Signal struct {
	Emitter[struct{}]
}

// SubscribeFunc registers a no-argument listener.
func (s *Signal) SubscribeFunc(fn func()) func() {
	return s.Subscribe(func(struct{}) { fn() })
}

// Fire notifies every listener.
func (s *Signal) Fire() {
	s.Emit(struct{}{})
}
