// Package connectivity provides the five-state connectivity machine shared
// by subchannels, load-balancing policies, and client channels, together
// with a level-triggered tracker that delivers edge notifications to an
// arbitrary set of watchers.
package connectivity

import (
	"fmt"
	"sync"

	"github.com/joeycumines/go-rpccore/execctx"
	"github.com/joeycumines/logiface"
)

// State is a connectivity state. Shutdown is terminal: no transition leaves
// it.
type State int32

const (
	// Idle indicates no connection exists and none is being attempted.
	Idle State = iota
	// Connecting indicates a connection attempt is in flight.
	Connecting
	// Ready indicates an active connection is available.
	Ready
	// TransientFailure indicates a recent failure; a retry will follow.
	TransientFailure
	// Shutdown indicates permanent teardown. Terminal.
	Shutdown
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Ready:
		return "READY"
	case TransientFailure:
		return "TRANSIENT_FAILURE"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

type watcher struct {
	current *State
	notify  *execctx.Closure
	next    *watcher
}

// Tracker publishes state transitions to registered watchers. Each watcher
// registration delivers at most one notification: when the tracked state
// first differs from the watcher's observed state, the new state is written
// back through the observed pointer and the watcher's closure is enqueued.
//
// Construct with [NewTracker]; the zero value is not usable.
type Tracker struct {
	mu       sync.Mutex
	current  State
	watchers *watcher
	name     string
	logger   *logiface.Logger[logiface.Event]
}

// NewTracker creates a tracker in the given initial state. The name is used
// only for logging; logger may be nil.
func NewTracker(initial State, name string, logger *logiface.Logger[logiface.Event]) *Tracker {
	return &Tracker{current: initial, name: name, logger: logger}
}

// Check returns the current state.
func (t *Tracker) Check() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// NotifyOnStateChange registers notify to run once the tracked state differs
// from *current. If it already differs, the current state is written through
// current and notify is enqueued immediately with success=true; otherwise
// the watcher stays attached until [Tracker.Set] moves the state. Returns
// whether the current state is Idle, which callers use to decide whether to
// initiate a connection attempt.
func (t *Tracker) NotifyOnStateChange(ec *execctx.ExecCtx, current *State, notify *execctx.Closure) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logger.Trace().
		Str("tracker", t.name).
		Stringer("observed", *current).
		Stringer("current", t.current).
		Log("connectivity: watch")
	if t.current != *current {
		*current = t.current
		ec.Enqueue(notify, true)
	} else {
		t.watchers = &watcher{current: current, notify: notify, next: t.watchers}
	}
	return t.current == Idle
}

// Set transitions the tracker to state, delivering every watcher whose
// observed state differs. Setting the current state again is a no-op.
// Transitions out of Shutdown panic.
func (t *Tracker) Set(ec *execctx.ExecCtx, state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == state {
		return
	}
	if t.current == Shutdown {
		panic("connectivity: transition out of SHUTDOWN")
	}
	t.logger.Trace().
		Str("tracker", t.name).
		Stringer("from", t.current).
		Stringer("to", state).
		Log("connectivity: set")
	t.current = state
	var keep *watcher
	for w := t.watchers; w != nil; {
		next := w.next
		if *w.current != state {
			*w.current = state
			ec.Enqueue(w.notify, true)
		} else {
			w.next = keep
			keep = w
		}
		w = next
	}
	t.watchers = keep
}

// Destroy force-delivers every remaining watcher: those not already
// observing Shutdown have Shutdown written back and are enqueued with
// success=true; the rest are enqueued with success=false. The tracker must
// not be used afterwards.
func (t *Tracker) Destroy(ec *execctx.ExecCtx) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for w := t.watchers; w != nil; w = w.next {
		if *w.current != Shutdown {
			*w.current = Shutdown
			ec.Enqueue(w.notify, true)
		} else {
			ec.Enqueue(w.notify, false)
		}
	}
	t.watchers = nil
}
