// Package poller defines the polling abstraction consumed by completion
// queues, and supplies Notifier, an in-memory backend.
//
// Platform pollers (epoll, kqueue, IOCP) differ only in how they translate a
// blocking wait into OS syscalls; everything above them consumes the
// [Poller] interface and is unaware of the backend. Notifier implements the
// same contract with channel-based wakeups, which is sufficient for any
// transport that completes work on goroutines rather than raw file
// descriptors.
package poller

import (
	"sync"
	"time"

	"github.com/joeycumines/go-rpccore/execctx"
)

// WorkResult describes how a blocking [Poller.Work] call returned.
type WorkResult int

const (
	// Timeout: the deadline elapsed without a wakeup.
	Timeout WorkResult = iota
	// Kicked: the worker was woken by [Poller.Kick].
	Kicked
	// Worked: the poller performed I/O work on behalf of the caller.
	Worked
)

// Worker is a per-wait handle identifying one blocked consumer, so that a
// producer can wake that consumer specifically. The zero value is ready for
// use; a Worker must not be used by two goroutines at once.
type Worker struct {
	wakeup chan struct{}
	next   *Worker
	prev   *Worker
}

func (w *Worker) ch() chan struct{} {
	if w.wakeup == nil {
		w.wakeup = make(chan struct{}, 1)
	}
	return w.wakeup
}

// Pollent is an opaque polling entity: the set of I/O interests attached to
// a call, routed between pollers as the call moves through the dispatch
// graph.
type Pollent struct {
	name string
}

// NewPollent creates a polling entity; the name is for diagnostics only.
func NewPollent(name string) *Pollent { return &Pollent{name: name} }

// Name returns the diagnostic name.
func (p *Pollent) Name() string { return p.name }

// Poller is the blocking backend consumed by a completion queue.
//
// Locking contract (inherited from the pollset design this models): Mu
// returns the mutex guarding both the poller and its owner's shared state.
// Work, Kick, and Shutdown must be called with that mutex held; Work
// releases it while blocked and reacquires it before returning.
type Poller interface {
	// Mu returns the poller's mutex, shared with the owning component.
	Mu() *sync.Mutex
	// Work blocks the calling worker until kicked or the deadline passes.
	// Spurious wakeups are permitted; callers must re-check their condition.
	Work(ec *execctx.ExecCtx, w *Worker, now, deadline time.Time) WorkResult
	// Kick wakes the given worker, or every blocked worker when w is nil.
	Kick(w *Worker)
	// Shutdown begins teardown; onDone is enqueued once no workers remain
	// blocked. Work calls made after Shutdown return immediately.
	Shutdown(ec *execctx.ExecCtx, onDone *execctx.Closure)
	// AddEntity and DelEntity route a polling entity's interests into this
	// poller.
	AddEntity(e *Pollent)
	DelEntity(e *Pollent)
}

// maxBlock bounds a single wait so that far-future deadlines cannot
// overflow the timer; callers loop, so the bound is invisible to them.
const maxBlock = time.Hour

// Notifier is the in-memory Poller backend.
type Notifier struct {
	mu sync.Mutex

	// ring of currently blocked workers, dummy root
	root Worker

	shutdown     bool
	shutdownDone *execctx.Closure

	entities map[*Pollent]int
}

var _ Poller = (*Notifier)(nil)

// NewNotifier creates an in-memory poller.
func NewNotifier() *Notifier {
	n := &Notifier{entities: make(map[*Pollent]int)}
	n.root.next = &n.root
	n.root.prev = &n.root
	return n
}

// Mu implements [Poller].
func (n *Notifier) Mu() *sync.Mutex { return &n.mu }

func (n *Notifier) hasWorkers() bool { return n.root.next != &n.root }

// Work implements [Poller]. Must be called with n.Mu() held.
func (n *Notifier) Work(ec *execctx.ExecCtx, w *Worker, now, deadline time.Time) WorkResult {
	if n.shutdown {
		return Kicked
	}
	wake := w.ch()

	w.next = &n.root
	w.prev = n.root.prev
	w.prev.next = w
	w.next.prev = w

	n.mu.Unlock()

	res := Timeout
	d := deadline.Sub(now)
	if d > maxBlock {
		d = maxBlock
	}
	if d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-wake:
			res = Kicked
		case <-timer.C:
		}
		timer.Stop()
	} else {
		select {
		case <-wake:
			res = Kicked
		default:
		}
	}

	n.mu.Lock()
	w.prev.next = w.next
	w.next.prev = w.prev
	w.next = nil
	w.prev = nil

	if n.shutdown && !n.hasWorkers() && n.shutdownDone != nil {
		ec.Enqueue(n.shutdownDone, true)
		n.shutdownDone = nil
	}
	return res
}

// Kick implements [Poller]. Must be called with n.Mu() held.
func (n *Notifier) Kick(w *Worker) {
	if w != nil {
		select {
		case w.ch() <- struct{}{}:
		default:
		}
		return
	}
	for w := n.root.next; w != &n.root; w = w.next {
		select {
		case w.ch() <- struct{}{}:
		default:
		}
	}
}

// Shutdown implements [Poller]. Must be called with n.Mu() held.
func (n *Notifier) Shutdown(ec *execctx.ExecCtx, onDone *execctx.Closure) {
	if n.shutdown {
		panic("poller: Shutdown called twice")
	}
	n.shutdown = true
	n.Kick(nil)
	if !n.hasWorkers() {
		ec.Enqueue(onDone, true)
	} else {
		n.shutdownDone = onDone
	}
}

// AddEntity implements [Poller].
func (n *Notifier) AddEntity(e *Pollent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entities[e]++
}

// DelEntity implements [Poller].
func (n *Notifier) DelEntity(e *Pollent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.entities[e] <= 1 {
		delete(n.entities, e)
	} else {
		n.entities[e]--
	}
}
