// Package timerlist implements ordered deadline expiry over a sharded
// collection of timer min-heaps.
//
// Timers are spread across 32 shards. Each shard keeps a min-heap of timers
// whose deadlines fall inside the shard's current "queue window", plus an
// unordered overflow list for timers beyond it; the window width adapts to
// the observed distribution of deadlines via a time-decaying average. A flat
// array of shards, sorted by per-shard minimum deadline, lets [TimerList.Check]
// probe only shards that could possibly hold an expired timer.
//
// A timer's closure runs exactly once: with success=true if the deadline was
// reached, success=false if the timer was cancelled (or the list shut down).
package timerlist

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-rpccore/execctx"
	"github.com/joeycumines/logiface"
)

const (
	logNumShards = 5
	numShards    = 1 << logNumShards

	// Queue window width is the deadline-gap average scaled by this factor,
	// clamped to [minQueueWindow, maxQueueWindow].
	addDeadlineScale = 0.33
	minQueueWindow   = 10 * time.Millisecond
	maxQueueWindow   = time.Second

	invalidHeapIndex = -1
)

// endOfTime is far enough in the future to exceed any real deadline.
var endOfTime = time.Unix(math.MaxInt64/4, 0)

// Timer is a single armed deadline. The caller owns the backing storage; the
// TimerList borrows it between [TimerList.Start] and the terminal callback
// (expiry or cancellation). The zero value is ready to be started.
type Timer struct {
	deadline  time.Time
	closure   *execctx.Closure
	triggered bool
	heapIndex int

	// overflow list links; the shard's list root is a Timer too
	next *Timer
	prev *Timer

	shard *timerShard
}

type timerShard struct {
	mu    sync.Mutex
	stats timeAveragedStats
	// All and only timers with deadlines below this are in the heap.
	queueDeadlineCap time.Time
	minDeadline      time.Time
	// Index in TimerList.shardQueue.
	queueIndex int
	heap       timerHeap
	// Root of the overflow list (deadlines >= queueDeadlineCap).
	list Timer
}

// Options configures a TimerList.
type Options struct {
	// Kick is invoked (outside all timerlist locks) whenever a newly started
	// timer lowers the earliest pending deadline, so a blocked poller can
	// re-evaluate its wait. May be nil.
	Kick func()
	// Logger receives debug events. May be nil.
	Logger *logiface.Logger[logiface.Event]
}

// TimerList owns the shards and their global ordering. Construct with [New];
// the zero value is not usable.
type TimerList struct {
	// mu guards shardQueue ordering; when a shard mutex is also held, mu is
	// acquired first.
	mu sync.Mutex
	// checkerMu admits a single expiry scan at a time.
	checkerMu  sync.Mutex
	shards     [numShards]timerShard
	shardQueue [numShards]*timerShard
	seq        atomic.Uint64
	shutdown   atomic.Bool
	kick       func()
	logger     *logiface.Logger[logiface.Event]
}

// New creates a timer list anchored at now.
func New(now time.Time, opts Options) *TimerList {
	tl := &TimerList{
		kick:   opts.Kick,
		logger: opts.Logger,
	}
	for i := range tl.shards {
		shard := &tl.shards[i]
		shard.stats = newTimeAveragedStats(1/addDeadlineScale, 0.1, 0.5)
		shard.queueDeadlineCap = now
		shard.queueIndex = i
		shard.list.next = &shard.list
		shard.list.prev = &shard.list
		shard.minDeadline = shard.computeMinDeadline()
		tl.shardQueue[i] = shard
	}
	return tl
}

func (s *timerShard) computeMinDeadline() time.Time {
	if s.heap.Len() == 0 {
		return s.queueDeadlineCap
	}
	return s.heap.top().deadline
}

func listJoin(head, t *Timer) {
	t.next = head
	t.prev = head.prev
	t.prev.next = t
	t.next.prev = t
}

func listRemove(t *Timer) {
	t.next.prev = t.prev
	t.prev.next = t.next
	t.next = nil
	t.prev = nil
}

func (tl *TimerList) swapAdjacentShardsInQueue(i int) {
	tl.shardQueue[i], tl.shardQueue[i+1] = tl.shardQueue[i+1], tl.shardQueue[i]
	tl.shardQueue[i].queueIndex = i
	tl.shardQueue[i+1].queueIndex = i + 1
}

// noteDeadlineChange bubbles shard to its sorted position. Requires tl.mu.
func (tl *TimerList) noteDeadlineChange(shard *timerShard) {
	for shard.queueIndex > 0 &&
		shard.minDeadline.Before(tl.shardQueue[shard.queueIndex-1].minDeadline) {
		tl.swapAdjacentShardsInQueue(shard.queueIndex - 1)
	}
	for shard.queueIndex < numShards-1 &&
		shard.minDeadline.After(tl.shardQueue[shard.queueIndex+1].minDeadline) {
		tl.swapAdjacentShardsInQueue(shard.queueIndex)
	}
}

// Start arms t to run closure at deadline. If the deadline has already
// passed, the closure is enqueued immediately with success=true. Timers
// started after [TimerList.Shutdown] complete immediately with
// success=false.
func (tl *TimerList) Start(ec *execctx.ExecCtx, t *Timer, deadline time.Time, closure *execctx.Closure, now time.Time) {
	shard := &tl.shards[tl.seq.Add(1)&(numShards-1)]
	t.closure = closure
	t.deadline = deadline
	t.triggered = false
	t.heapIndex = invalidHeapIndex
	t.shard = shard

	if tl.shutdown.Load() {
		t.triggered = true
		ec.Enqueue(closure, false)
		return
	}
	if !deadline.After(now) {
		t.triggered = true
		ec.Enqueue(closure, true)
		return
	}

	isFirstTimer := false
	shard.mu.Lock()
	shard.stats.addSample(deadline.Sub(now).Seconds())
	if deadline.Before(shard.queueDeadlineCap) {
		isFirstTimer = shard.heap.add(t)
	} else {
		listJoin(&shard.list, t)
	}
	shard.mu.Unlock()

	// The deadline may have decreased relative to the shard queue ordering.
	// There is a benign race with a concurrent Check here: the < comparisons
	// below err toward extra (harmless) re-sorting and kicks, and a timer
	// missed by an in-flight Check is caught by the next one.
	if isFirstTimer {
		tl.mu.Lock()
		if deadline.Before(shard.minDeadline) {
			oldMin := tl.shardQueue[0].minDeadline
			shard.minDeadline = deadline
			tl.noteDeadlineChange(shard)
			if shard.queueIndex == 0 && deadline.Before(oldMin) && tl.kick != nil {
				tl.mu.Unlock()
				tl.kick()
				return
			}
		}
		tl.mu.Unlock()
	}
}

// Cancel stops t if it has not yet fired; its closure is then enqueued with
// success=false. Cancelling a timer that already triggered is a no-op.
func (tl *TimerList) Cancel(ec *execctx.ExecCtx, t *Timer) {
	shard := t.shard
	if shard == nil {
		return
	}
	shard.mu.Lock()
	if !t.triggered {
		ec.Enqueue(t.closure, false)
		t.triggered = true
		if t.heapIndex == invalidHeapIndex {
			listRemove(t)
		} else {
			shard.heap.remove(t)
		}
	}
	shard.mu.Unlock()
}

// refillQueue computes a new queue window and moves overflow timers that now
// fall under it into the heap, reporting whether the heap is non-empty.
// Requires shard.mu.
func (s *timerShard) refillQueue(now time.Time) bool {
	window := time.Duration(s.stats.updateAverage() * addDeadlineScale * float64(time.Second))
	window = min(max(window, minQueueWindow), maxQueueWindow)

	base := s.queueDeadlineCap
	if now.After(base) {
		base = now
	}
	s.queueDeadlineCap = base.Add(window)
	for t := s.list.next; t != &s.list; {
		next := t.next
		if t.deadline.Before(s.queueDeadlineCap) {
			listRemove(t)
			s.heap.add(t)
		}
		t = next
	}
	return s.heap.Len() > 0
}

// popOne returns the next timer with deadline <= now, or nil. An empty heap
// whose window has passed is refilled and nil is returned, so the caller
// re-sorts the shard by its new minimum before popping from it. Requires
// shard.mu.
func (s *timerShard) popOne(now time.Time) *Timer {
	if s.heap.Len() == 0 {
		if !now.Before(s.queueDeadlineCap) {
			s.refillQueue(now)
		}
		return nil
	}
	t := s.heap.top()
	if t.deadline.After(now) {
		return nil
	}
	t.triggered = true
	s.heap.pop()
	return t
}

func (s *timerShard) popTimers(ec *execctx.ExecCtx, now time.Time, success bool) (n int, newMinDeadline time.Time) {
	s.mu.Lock()
	for {
		t := s.popOne(now)
		if t == nil {
			break
		}
		ec.Enqueue(t.closure, success)
		n++
	}
	newMinDeadline = s.computeMinDeadline()
	s.mu.Unlock()
	return n, newMinDeadline
}

func (tl *TimerList) runSomeExpiredTimers(ec *execctx.ExecCtx, now time.Time, next *time.Time, success bool) int {
	n := 0
	if tl.checkerMu.TryLock() {
		tl.mu.Lock()
		for tl.shardQueue[0].minDeadline.Before(now) {
			// Pop every available timer from the front shard. This may
			// slightly violate global deadline ordering across shards, which
			// is acceptable: no cross-shard ordering is guaranteed.
			popped, newMin := tl.shardQueue[0].popTimers(ec, now, success)
			n += popped
			tl.shardQueue[0].minDeadline = newMin
			tl.noteDeadlineChange(tl.shardQueue[0])
		}
		if next != nil && tl.shardQueue[0].minDeadline.Before(*next) {
			*next = tl.shardQueue[0].minDeadline
		}
		tl.mu.Unlock()
		tl.checkerMu.Unlock()
	} else if next != nil {
		// Another goroutine is mid-check; have the caller retry shortly
		// rather than sleeping through timers that scan may not cover.
		if retry := now.Add(time.Millisecond); retry.Before(*next) {
			*next = retry
		}
	}
	return n
}

// Check runs the closures of every timer whose deadline is at or before now,
// reporting whether any fired. If next is non-nil it is lowered to the
// earliest still-pending deadline (or to a short retry interval when another
// Check is in flight).
func (tl *TimerList) Check(ec *execctx.ExecCtx, now time.Time, next *time.Time) bool {
	return tl.runSomeExpiredTimers(ec, now, next, true) > 0
}

// Shutdown cancels every remaining timer, enqueueing each closure with
// success=false. Timers started afterwards complete immediately with
// success=false.
func (tl *TimerList) Shutdown(ec *execctx.ExecCtx) {
	tl.shutdown.Store(true)
	n := tl.runSomeExpiredTimers(ec, endOfTime, nil, false)
	if n > 0 {
		tl.logger.Debug().
			Int("cancelled", n).
			Log("timerlist: shutdown cancelled pending timers")
	}
}
