package eventloop

import (
	"sync"

	"go.uber.org/zap"
)

// Loop runs submitted callbacks one at a time, in submission order, on a
// single goroutine. Dispatch never blocks: the queue is unbounded so
// network goroutines can hand off work without waiting on the owner.
type Loop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
	logger *zap.Logger
}

// New starts a loop. A nil logger discards panic reports.
func New(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{
		done:   make(chan struct{}),
		logger: logger,
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Dispatch queues fn. Callbacks submitted after Close are dropped.
func (l *Loop) Dispatch(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
}

// Do queues fn and waits for it to finish. It reports false when the loop
// was closed before fn could run. Calling Do from inside the loop deadlocks.
func (l *Loop) Do(fn func()) bool {
	ran := make(chan struct{})
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, func() {
		defer close(ran)
		fn()
	})
	l.cond.Signal()
	l.mu.Unlock()

	select {
	case <-ran:
		return true
	case <-l.done:
		// The loop drains its queue before exiting, so ran is closed by now
		// unless fn itself never returned.
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Close stops accepting work, runs whatever is already queued and waits for
// the loop goroutine to exit. Safe to call more than once.
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		l.cond.Signal()
	}
	l.mu.Unlock()
	<-l.done
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.invoke(fn)
		}
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Callback panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}
