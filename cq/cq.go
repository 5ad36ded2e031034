// Package cq implements the completion queue: the event sink through which
// every asynchronous operation reports back to the application.
//
// Producers pair [CompletionQueue.BeginOp] with [CompletionQueue.EndOp]
// exactly once per user-issued operation; consumers drain events with
// [CompletionQueue.Next] or [CompletionQueue.Pluck]. Shutdown is driven by
// the pending-operation count: every operation begun before
// [CompletionQueue.Shutdown] still delivers its event, after which each
// blocked consumer receives a single [QueueShutdown].
package cq

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-rpccore/execctx"
	"github.com/joeycumines/go-rpccore/poller"
	"github.com/joeycumines/logiface"
)

// MaxPluckers is the maximum number of concurrently blocked Pluck calls per
// queue. The next attempt beyond it fails immediately with [QueueTimeout].
const MaxPluckers = 6

// InfFuture is a deadline that never arrives.
var InfFuture = time.Unix(math.MaxInt64/4, 0)

// EventType discriminates the result of Next/Pluck.
type EventType int

const (
	// OpComplete is a normal operation completion; Tag and Success are set.
	OpComplete EventType = iota
	// QueueShutdown reports that the queue is drained and shut down.
	QueueShutdown
	// QueueTimeout reports that the deadline elapsed with no event.
	QueueTimeout
)

// Event is a dequeued completion.
type Event struct {
	Type    EventType
	Tag     any
	Success bool
}

// Completion is the caller-owned storage for one queued event. The Done
// callback reclaims the storage once the event has been dequeued; it may be
// nil.
type Completion struct {
	Tag     any
	Done    func(ec *execctx.ExecCtx, c *Completion)
	next    *Completion
	success bool
}

type plucker struct {
	tag    any
	worker *poller.Worker
}

// CompletionQueue delivers one completion per begun operation. Construct
// with [New]; the zero value is not usable.
type CompletionQueue struct {
	p poller.Poller

	// completed list; all guarded by p.Mu()
	completedHead Completion
	completedTail *Completion

	// Pending operations, plus one self-ref released by Shutdown.
	pendingEvents atomic.Int64
	// One ref for the owner (released by Destroy), one for the pollset
	// shutdown pass.
	owningRefs atomic.Int32

	shutdown       bool
	shutdownCalled bool
	isServerCQ     bool

	pluckers    [MaxPluckers]plucker
	numPluckers int

	// outstanding tag accounting; unbalanced EndOp is an invariant
	// violation
	outstanding map[any]int

	pollsetShutdownDone execctx.Closure

	logger *logiface.Logger[logiface.Event]
}

// New creates a completion queue over the given poller. logger may be nil.
func New(p poller.Poller, logger *logiface.Logger[logiface.Event]) *CompletionQueue {
	cc := &CompletionQueue{
		p:           p,
		outstanding: make(map[any]int),
		logger:      logger,
	}
	cc.pendingEvents.Store(1)
	cc.owningRefs.Store(2)
	cc.completedTail = &cc.completedHead
	cc.pollsetShutdownDone.Run = func(*execctx.ExecCtx, bool) { cc.internalUnref() }
	return cc
}

// Pollset returns the queue's poller, for components that bind their I/O
// interests to a consumer's queue.
func (cc *CompletionQueue) Pollset() poller.Poller { return cc.p }

// MarkServerCQ tags the queue as registered to a server.
func (cc *CompletionQueue) MarkServerCQ() { cc.isServerCQ = true }

// IsServerCQ reports whether MarkServerCQ was called.
func (cc *CompletionQueue) IsServerCQ() bool { return cc.isServerCQ }

func (cc *CompletionQueue) internalRef() { cc.owningRefs.Add(1) }

func (cc *CompletionQueue) internalUnref() {
	if cc.owningRefs.Add(-1) == 0 {
		if cc.completedTail != &cc.completedHead {
			panic("cq: destroyed with undelivered completions")
		}
	}
}

// BeginOp records that an operation has started and will later deliver an
// event tagged tag. Calling it after Shutdown is an error.
func (cc *CompletionQueue) BeginOp(tag any) {
	mu := cc.p.Mu()
	mu.Lock()
	if cc.shutdownCalled {
		mu.Unlock()
		panic("cq: BeginOp after Shutdown")
	}
	cc.outstanding[tag]++
	mu.Unlock()
	cc.pendingEvents.Add(1)
}

// EndOp queues the completion for an operation begun with BeginOp. storage
// is caller-owned until its Done callback runs. If this was the final
// pending operation and Shutdown has been called, queue teardown begins.
func (cc *CompletionQueue) EndOp(ec *execctx.ExecCtx, tag any, success bool, done func(ec *execctx.ExecCtx, c *Completion), storage *Completion) {
	storage.Tag = tag
	storage.Done = done
	storage.success = success
	storage.next = nil

	mu := cc.p.Mu()
	mu.Lock()
	if cc.outstanding[tag] == 0 {
		mu.Unlock()
		panic("cq: EndOp without matching BeginOp")
	}
	if cc.outstanding[tag] == 1 {
		delete(cc.outstanding, tag)
	} else {
		cc.outstanding[tag]--
	}

	cc.completedTail.next = storage
	cc.completedTail = storage

	if cc.pendingEvents.Add(-1) != 0 {
		var pluckWorker *poller.Worker
		for i := 0; i < cc.numPluckers; i++ {
			if cc.pluckers[i].tag == tag {
				pluckWorker = cc.pluckers[i].worker
				break
			}
		}
		cc.p.Kick(pluckWorker)
		mu.Unlock()
	} else {
		if cc.shutdown || !cc.shutdownCalled {
			panic("cq: pending events underflow")
		}
		cc.shutdown = true
		cc.p.Shutdown(ec, &cc.pollsetShutdownDone)
		mu.Unlock()
	}
}

// Next blocks until an event is available, the deadline passes, or the
// queue is shut down and drained.
func (cc *CompletionQueue) Next(deadline time.Time) Event {
	ec := execctx.New()
	cc.internalRef()

	mu := cc.p.Mu()
	mu.Lock()
	var (
		ret       Event
		w         poller.Worker
		firstLoop = true
	)
	for {
		if cc.completedTail != &cc.completedHead {
			c := cc.completedHead.next
			cc.completedHead.next = c.next
			if c == cc.completedTail {
				cc.completedTail = &cc.completedHead
			}
			mu.Unlock()
			ret = Event{Type: OpComplete, Tag: c.Tag, Success: c.success}
			if c.Done != nil {
				c.Done(ec, c)
			}
			break
		}
		if cc.shutdown {
			mu.Unlock()
			ret = Event{Type: QueueShutdown}
			break
		}
		now := time.Now()
		if !firstLoop && !now.Before(deadline) {
			mu.Unlock()
			ret = Event{Type: QueueTimeout}
			break
		}
		firstLoop = false
		cc.p.Work(ec, &w, now, deadline)
	}
	cc.internalUnref()
	ec.Finish()
	return ret
}

func (cc *CompletionQueue) addPlucker(tag any, w *poller.Worker) bool {
	if cc.numPluckers == MaxPluckers {
		return false
	}
	cc.pluckers[cc.numPluckers] = plucker{tag: tag, worker: w}
	cc.numPluckers++
	return true
}

func (cc *CompletionQueue) delPlucker(tag any, w *poller.Worker) {
	for i := 0; i < cc.numPluckers; i++ {
		if cc.pluckers[i].tag == tag && cc.pluckers[i].worker == w {
			cc.numPluckers--
			cc.pluckers[i] = cc.pluckers[cc.numPluckers]
			return
		}
	}
	panic("cq: plucker not found")
}

// Pluck blocks until the event tagged tag is available, the deadline
// passes, or the queue is shut down. At most [MaxPluckers] Pluck calls may
// block concurrently.
func (cc *CompletionQueue) Pluck(tag any, deadline time.Time) Event {
	ec := execctx.New()
	cc.internalRef()

	mu := cc.p.Mu()
	mu.Lock()
	var (
		ret       Event
		w         poller.Worker
		firstLoop = true
	)
	for {
		prev := &cc.completedHead
		found := false
		for c := prev.next; c != nil; c = c.next {
			if c.Tag == tag {
				prev.next = c.next
				if c == cc.completedTail {
					cc.completedTail = prev
				}
				mu.Unlock()
				ret = Event{Type: OpComplete, Tag: c.Tag, Success: c.success}
				if c.Done != nil {
					c.Done(ec, c)
				}
				found = true
				break
			}
			prev = c
		}
		if found {
			break
		}
		if cc.shutdown {
			mu.Unlock()
			ret = Event{Type: QueueShutdown}
			break
		}
		if !cc.addPlucker(tag, &w) {
			cc.logger.Warning().
				Int("max", MaxPluckers).
				Log("cq: too many outstanding Pluck calls")
			mu.Unlock()
			ret = Event{Type: QueueTimeout}
			break
		}
		now := time.Now()
		if !firstLoop && !now.Before(deadline) {
			cc.delPlucker(tag, &w)
			mu.Unlock()
			ret = Event{Type: QueueTimeout}
			break
		}
		firstLoop = false
		cc.p.Work(ec, &w, now, deadline)
		cc.delPlucker(tag, &w)
	}
	cc.internalUnref()
	ec.Finish()
	return ret
}

// Shutdown begins queue teardown: no new operations may begin, and once the
// last pending operation ends, consumers receive QueueShutdown. Idempotent.
func (cc *CompletionQueue) Shutdown() {
	ec := execctx.New()
	mu := cc.p.Mu()
	mu.Lock()
	if cc.shutdownCalled {
		mu.Unlock()
		ec.Finish()
		return
	}
	cc.shutdownCalled = true
	if cc.pendingEvents.Add(-1) == 0 {
		if cc.shutdown {
			panic("cq: shutdown raced")
		}
		cc.shutdown = true
		cc.p.Shutdown(ec, &cc.pollsetShutdownDone)
	}
	mu.Unlock()
	ec.Finish()
}

// Destroy shuts the queue down and releases the owner's reference.
func (cc *CompletionQueue) Destroy() {
	cc.Shutdown()
	cc.internalUnref()
}
