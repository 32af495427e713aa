// Package reactor provides the single-threaded, cooperative callback loop
// that every protocol layer above it (endpoint, chat engine, mux channels,
// PPPCP FSMs) is built on. A Loop serializes all work submitted to it onto
// one goroutine, so no layer built on top ever needs its own locking: the
// model is exactly the single-threaded event loop the original library
// assumed from its GLib main context, realized here as a goroutine draining
// a channel of closures instead of a poll(2)-driven dispatch table.
package reactor

import "sync"

// Loop runs submitted functions one at a time, in submission order, on a
// single internal goroutine.
type Loop struct {
	jobs   chan func()
	done   chan struct{}
	once   sync.Once
	closed chan struct{}
}

// New starts a Loop with the given submission queue depth.
func New(queue int) *Loop {
	l := &Loop{
		jobs:   make(chan func(), queue),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case fn, ok := <-l.jobs:
			if !ok {
				return
			}
			fn()
		case <-l.closed:
			// Drain anything already queued before the close was noticed so
			// a Post immediately followed by Close doesn't silently drop
			// work the caller believed was accepted.
			for {
				select {
				case fn := <-l.jobs:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues fn to run on the loop goroutine. It is safe to call from
// any goroutine, including from within a running job (re-entrant posts are
// how timers and write-ready callbacks schedule follow-up work).
func (l *Loop) Post(fn func()) {
	select {
	case l.jobs <- fn:
	case <-l.closed:
	}
}

// Close stops the loop after any already-queued jobs finish, and waits for
// the goroutine to exit.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.closed) })
	<-l.done
}
