package clientchannel

import (
	"sync"
	"time"

	"github.com/joeycumines/go-rpccore/execctx"
	"github.com/joeycumines/go-rpccore/poller"
	"github.com/joeycumines/go-rpccore/subchannel"
	"github.com/joeycumines/go-rpccore/timerlist"
	"github.com/joeycumines/go-rpccore/transport"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CallState is the routing state of one client call.
type CallState int32

const (
	// CallCreated: no ops submitted yet.
	CallCreated CallState = iota
	// CallWaitingForSend: ops buffered, but none carried send metadata yet.
	CallWaitingForSend
	// CallWaitingForConfig: waiting for the resolver's configuration.
	CallWaitingForConfig
	// CallWaitingForPick: a load-balancing pick is outstanding.
	CallWaitingForPick
	// CallWaitingForCall: the subchannel call is being created.
	CallWaitingForCall
	// CallActive: ops flow directly to the subchannel call.
	CallActive
	// CallCancelled: terminal; every op completes with a failure status.
	CallCancelled
)

// Call is the per-call routing state machine. Construct with
// [Channel.NewCall].
//
// The call-to-subchannel assignment itself lives in the composed
// [CallHolder]: state transitions serialize under muState, but the bound
// subchannel call is published through the holder's atomic slot, so that a
// cancellation racing the pick-ready completion resolves to exactly one of
// the two effects.
type Call struct {
	ch      *Channel
	pollent *poller.Pollent
	holder  *CallHolder

	asyncSetupTask  execctx.Closure
	deadlineTimer   timerlist.Timer
	deadlineClosure execctx.Closure
	deadlineArmed   bool

	// createdCall is the landing slot for Subchannel.CreateCall; it is
	// written before startedCall is enqueued on the same goroutine, and is
	// only published via holder.InstallCall.
	createdCall *subchannel.Call

	muState          sync.Mutex
	state            CallState
	cancelCode       codes.Code
	deadline         time.Time
	pickedSubchannel *subchannel.Subchannel
	waitingOp        transport.StreamOpBatch
}

// NewCall creates a call on the channel. A non-zero deadline is enforced by
// a timer armed now, when the channel carries a timer list; the surfacing
// of the deadline through initial metadata is the caller's business.
func (ch *Channel) NewCall(ec *execctx.ExecCtx, deadline time.Time, pollent *poller.Pollent) *Call {
	c := &Call{
		ch:      ch,
		pollent: pollent,
		state:   CallCreated,
		deadline: deadline,
		holder:   ch.NewCallHolder(pollent),
	}
	if !deadline.IsZero() && ch.timers != nil {
		c.deadlineArmed = true
		c.deadlineClosure.Run = func(ec *execctx.ExecCtx, success bool) {
			if success {
				c.PerformStreamOp(ec, &transport.StreamOpBatch{CancelStatus: codes.DeadlineExceeded})
			}
		}
		now := time.Now()
		ch.timers.Start(ec, &c.deadlineTimer, deadline, &c.deadlineClosure, now)
	}
	return c
}

// State returns the call's current routing state.
func (c *Call) State() CallState {
	c.muState.Lock()
	defer c.muState.Unlock()
	return c.state
}

// SubchannelCall returns the bound subchannel call, or nil while the call
// is still routing or after cancellation won the assignment.
func (c *Call) SubchannelCall() *subchannel.Call {
	return c.holder.Call()
}

// failOp completes every closure on op with success=false, attaching a
// status with the given code to the recv side.
func failOp(ec *execctx.ExecCtx, op *transport.StreamOpBatch, code codes.Code) {
	if op == nil || op.IsEmpty() {
		return
	}
	msg := "Cancelled"
	if code != codes.Canceled {
		msg = code.String()
	}
	transport.FinishWithStatus(ec, op, status.New(code, msg))
}

// mergeIntoWaitingOpLocked merges newOp into the buffered op, returning any
// displaced OnConsumed closure (which the caller must still run, with
// success). At most one send batch and one recv batch may buffer.
func (c *Call) mergeIntoWaitingOpLocked(newOp *transport.StreamOpBatch) *execctx.Closure {
	var displaced *execctx.Closure
	w := &c.waitingOp
	if w.Send != nil && newOp.Send != nil {
		panic("clientchannel: two send batches buffered on one call")
	}
	if w.Recv != nil && newOp.Recv != nil {
		panic("clientchannel: two recv batches buffered on one call")
	}
	if newOp.Send != nil {
		w.Send = newOp.Send
	}
	if newOp.Recv != nil {
		w.Recv = newOp.Recv
	}
	if newOp.OnConsumed != nil {
		if w.OnConsumed != nil {
			displaced = w.OnConsumed
		}
		w.OnConsumed = newOp.OnConsumed
	}
	if newOp.CancelStatus != codes.OK {
		w.CancelStatus = newOp.CancelStatus
	}
	if newOp.BindPollent != nil {
		w.BindPollent = newOp.BindPollent
	}
	return displaced
}

// PerformStreamOp is the single entry point for user-submitted stream ops.
func (c *Call) PerformStreamOp(ec *execctx.ExecCtx, op *transport.StreamOpBatch) {
	c.performOp(ec, op, false)
}

func (c *Call) performOp(ec *execctx.ExecCtx, op *transport.StreamOpBatch, continuation bool) {
	c.muState.Lock()
	switch c.state {
	case CallActive:
		if continuation {
			panic("clientchannel: continuation into an active call")
		}
		sc := c.holder.Call()
		c.muState.Unlock()
		sc.ProcessOp(ec, op)
		return

	case CallCancelled:
		code := c.cancelCode
		c.muState.Unlock()
		failOp(ec, op, code)
		return

	case CallWaitingForSend:
		if continuation {
			panic("clientchannel: continuation while waiting for send")
		}
		ec.Enqueue(c.mergeIntoWaitingOpLocked(op), true)
		if c.waitingOp.Send == nil && c.waitingOp.CancelStatus == codes.OK {
			c.muState.Unlock()
			return
		}
		// a send (or a cancellation) arrived: re-enter dispatch with the
		// merged op
		*op = c.waitingOp
		c.waitingOp = transport.StreamOpBatch{}
		continuation = true

	case CallWaitingForConfig, CallWaitingForPick, CallWaitingForCall:
		if !continuation {
			if op.CancelStatus != codes.OK {
				c.state = CallCancelled
				c.cancelCode = op.CancelStatus
				op2 := c.waitingOp
				c.waitingOp = transport.StreamOpBatch{}
				code := c.cancelCode
				c.muState.Unlock()
				// resolve the assignment: if creation already won, the
				// cancellation is forwarded to the created call
				if call := c.holder.Cancel(); call != nil {
					call.ProcessOp(ec, &transport.StreamOpBatch{CancelStatus: code})
				}
				failOp(ec, op, code)
				failOp(ec, &op2, code)
				return
			}
			ec.Enqueue(c.mergeIntoWaitingOpLocked(op), true)
			c.muState.Unlock()
			return
		}
	}

	// CallCreated, or re-entered with a merged op from a waiting state
	if op.CancelStatus != codes.OK {
		c.state = CallCancelled
		c.cancelCode = op.CancelStatus
		code := c.cancelCode
		c.muState.Unlock()
		c.holder.Cancel()
		failOp(ec, op, code)
		return
	}
	c.waitingOp = *op
	if op.Send == nil {
		// some send ops are needed before a load-balancing target can be
		// selected
		c.state = CallWaitingForSend
		c.muState.Unlock()
		return
	}

	ch := c.ch
	ch.muConfig.Lock()
	if lbPolicy := ch.lbPolicy; lbPolicy != nil {
		pollent := c.waitingOp.BindPollent
		if pollent == nil {
			pollent = c.pollent
		}
		initialMetadata := c.waitingOp.Send.InitialMetadata
		ch.muConfig.Unlock()
		c.state = CallWaitingForPick
		c.muState.Unlock()

		c.asyncSetupTask.Init(c.pickedTarget)
		if lbPolicy.Pick(ec, pollent, initialMetadata, &c.pickedSubchannel, &c.asyncSetupTask) {
			c.pickedTarget(ec, true)
		}
	} else if ch.resolver != nil {
		c.state = CallWaitingForConfig
		ch.addWaitingForConfigLocked(c)
		ch.startResolvingLocked(ec)
		ch.muConfig.Unlock()
		c.muState.Unlock()
	} else {
		// the channel has been disconnected
		c.state = CallCancelled
		c.cancelCode = codes.Canceled
		ch.muConfig.Unlock()
		c.muState.Unlock()
		c.holder.Cancel()
		failOp(ec, op, codes.Canceled)
	}
}

// addWaitingForConfigLocked queues the call's continuation on the channel's
// waiting-for-config list. Requires ch.muConfig.
func (ch *Channel) addWaitingForConfigLocked(c *Call) {
	ch.waitingForConfig.Add(execctx.NewClosure(func(ec *execctx.ExecCtx, _ bool) {
		c.performOp(ec, &c.waitingOp, true)
	}), true)
}

// pickedTarget runs when the load-balancing pick completes.
func (c *Call) pickedTarget(ec *execctx.ExecCtx, _ bool) {
	if c.pickedSubchannel == nil {
		// no subchannel available: fail the call as Unavailable (unless it
		// was already cancelled, which keeps its own status)
		c.muState.Lock()
		if c.state != CallCancelled {
			c.state = CallCancelled
			c.cancelCode = codes.Unavailable
		}
		code := c.cancelCode
		op := c.waitingOp
		c.waitingOp = transport.StreamOpBatch{}
		c.muState.Unlock()
		c.holder.Cancel()
		failOp(ec, &op, code)
		return
	}
	c.muState.Lock()
	if c.state == CallCancelled {
		code := c.cancelCode
		op := c.waitingOp
		c.waitingOp = transport.StreamOpBatch{}
		c.muState.Unlock()
		failOp(ec, &op, code)
		return
	}
	if c.state != CallWaitingForPick {
		panic("clientchannel: pick completed in unexpected state")
	}
	c.state = CallWaitingForCall
	pollent := c.waitingOp.BindPollent
	if pollent == nil {
		pollent = c.pollent
	}
	c.muState.Unlock()

	c.asyncSetupTask.Init(c.startedCall)
	c.pickedSubchannel.CreateCall(ec, pollent, &c.createdCall, &c.asyncSetupTask)
}

// startedCall runs when the subchannel call has been created (or failed).
// The just-created call is published through the holder's atomic slot; when
// cancellation won the race the holder destroys it and the call winds down
// cancelled.
func (c *Call) startedCall(ec *execctx.ExecCtx, _ bool) {
	created := c.createdCall
	c.createdCall = nil
	if created != nil && !c.holder.InstallCall(ec, created) {
		created = nil
	}

	c.muState.Lock()
	if c.state == CallCancelled {
		code := c.cancelCode
		c.muState.Unlock()
		if call := c.holder.Call(); call != nil {
			call.ProcessOp(ec, &transport.StreamOpBatch{CancelStatus: code})
		}
		return
	}
	if c.state != CallWaitingForCall {
		panic("clientchannel: call creation completed in unexpected state")
	}
	op := c.waitingOp
	c.waitingOp = transport.StreamOpBatch{}
	haveWaiting := !op.IsEmpty()
	if created != nil {
		c.state = CallActive
		c.muState.Unlock()
		if haveWaiting {
			created.ProcessOp(ec, &op)
		}
		return
	}
	// the subchannel could not produce a call (shut down mid-create)
	c.state = CallCancelled
	c.cancelCode = codes.Unavailable
	c.muState.Unlock()
	c.holder.Cancel()
	if haveWaiting {
		failOp(ec, &op, codes.Unavailable)
	}
}

// Destroy releases the call's resources; the holder unreferences any
// installed subchannel call. A call mid-routing must be cancelled first.
func (c *Call) Destroy(ec *execctx.ExecCtx) {
	if c.deadlineArmed {
		c.ch.timers.Cancel(ec, &c.deadlineTimer)
	}
	c.muState.Lock()
	switch c.state {
	case CallActive, CallCreated, CallCancelled:
		c.muState.Unlock()
	default:
		c.muState.Unlock()
		panic("clientchannel: Destroy while call routing is in flight")
	}
	c.holder.Destroy(ec)
}
