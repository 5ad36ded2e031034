// Package execctx implements the deferred-closure execution context that
// underpins every asynchronous handoff in this module.
//
// The discipline is: acquire a component-local lock, mutate state, enqueue
// any follow-up closures onto the [ExecCtx], release the lock, then flush.
// Closures therefore never run while the lock that scheduled them is held,
// which keeps every state machine in the module non-reentrant.
//
// An ExecCtx is a plain value owned by the calling goroutine. It is passed
// explicitly to each operation that may defer work; it is never stored in
// goroutine-local state.
package execctx

// Closure is a bound callback and an intrusive list node. The scheduler owns
// a closure between [ExecCtx.Enqueue] and the invocation of Run; callers own
// the backing storage at all other times.
//
// A closure runs at most once per enqueue, and must not be re-enqueued while
// still queued. Run receives the ExecCtx performing the flush, so that work
// scheduled from within a callback extends the same flush.
type Closure struct {
	Run func(ec *ExecCtx, success bool)

	next    *Closure
	success bool
	queued  bool
}

// NewClosure allocates a Closure with the given callback.
func NewClosure(run func(ec *ExecCtx, success bool)) *Closure {
	return &Closure{Run: run}
}

// Init (re)binds the callback, clearing scheduling state. It must not be
// called on a queued closure.
func (c *Closure) Init(run func(ec *ExecCtx, success bool)) {
	if c.queued {
		panic("execctx: Init on a queued closure")
	}
	c.Run = run
	c.next = nil
	c.success = false
}

// ClosureList is an intrusive singly-linked list of closures, used to batch
// deferred work while a lock is held before handing it to an ExecCtx.
//
// The zero value is an empty list.
type ClosureList struct {
	head *Closure
	tail *Closure
}

// Add appends a closure with the given success value. A nil closure is
// ignored. If the closure is already queued the first scheduling wins and
// the call is a no-op.
func (l *ClosureList) Add(c *Closure, success bool) {
	if c == nil || c.queued {
		return
	}
	c.queued = true
	c.success = success
	c.next = nil
	if l.head == nil {
		l.head = c
	} else {
		l.tail.next = c
	}
	l.tail = c
}

// Empty reports whether the list holds no closures.
func (l *ClosureList) Empty() bool { return l.head == nil }

// MoveTo appends the entire contents of l to dst, leaving l empty.
func (l *ClosureList) MoveTo(dst *ClosureList) {
	if l.head == nil {
		return
	}
	if dst.head == nil {
		*dst = *l
	} else {
		dst.tail.next = l.head
		dst.tail = l.tail
	}
	l.head = nil
	l.tail = nil
}

// ExecCtx batches closures for deferred execution on the calling goroutine.
//
// The zero value is ready for use; [New] exists for symmetry with the rest
// of the module. An ExecCtx must not be shared between goroutines.
type ExecCtx struct {
	pending ClosureList
}

// New returns an empty execution context.
func New() *ExecCtx { return &ExecCtx{} }

// Enqueue appends a closure to the pending queue. It never blocks and never
// invokes the closure inline. A nil closure is ignored; enqueueing a closure
// that is already queued keeps the first scheduling's success value.
func (ec *ExecCtx) Enqueue(c *Closure, success bool) {
	ec.pending.Add(c, success)
}

// EnqueueList moves every closure in l onto the pending queue, preserving
// order and each closure's recorded success value.
func (ec *ExecCtx) EnqueueList(l *ClosureList) {
	l.MoveTo(&ec.pending)
}

// Flush runs pending closures until the queue is empty, returning whether
// any ran. Closures enqueued from within a running callback are drained by
// the same flush, in enqueue order.
func (ec *ExecCtx) Flush() bool {
	ran := false
	for ec.pending.head != nil {
		c := ec.pending.head
		ec.pending.head = c.next
		if ec.pending.head == nil {
			ec.pending.tail = nil
		}
		c.next = nil
		c.queued = false
		c.Run(ec, c.success)
		ran = true
	}
	return ran
}

// Finish flushes the context and verifies nothing remains queued. It must be
// called before the ExecCtx is abandoned.
func (ec *ExecCtx) Finish() {
	ec.Flush()
	if !ec.pending.Empty() {
		panic("execctx: Finish with closures still pending")
	}
}
