package clientchannel

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-rpccore/execctx"
	"github.com/joeycumines/go-rpccore/poller"
	"github.com/joeycumines/go-rpccore/subchannel"
	"github.com/joeycumines/go-rpccore/transport"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// cancelledCall is the sentinel installed into a holder's atomic slot when
// cancellation wins the race against call creation. It is never a usable
// call.
var cancelledCall = new(subchannel.Call)

// PickSubchannel requests (or, with nil initialMetadata, cancels) a
// connected-subchannel pick on behalf of a holder. It returns true when the
// pick completed synchronously (*target set); otherwise onReady runs later.
type PickSubchannel func(ec *execctx.ExecCtx, initialMetadata metadata.MD, flags uint32, target **subchannel.Connection, onReady *execctx.Closure) bool

type holderCreationPhase int

const (
	holderNotCreating holderCreationPhase = iota
	holderPickingSubchannel
)

// CallHolder performs the atomic one-shot assignment of a call to its
// subchannel call. The slot holds nil (uncreated), the cancelled sentinel,
// or the installed call; mutating transitions compare-and-swap from nil, so
// that exactly one of cancellation and installation wins.
type CallHolder struct {
	subchannelCall atomic.Pointer[subchannel.Call]

	pick    PickSubchannel
	pollent *poller.Pollent

	nextStep execctx.Closure

	mu            sync.Mutex
	connected     *subchannel.Connection
	waitingOps    []*transport.StreamOpBatch
	creationPhase holderCreationPhase
}

// NewCallHolder creates a holder that picks through pick.
func NewCallHolder(pick PickSubchannel, pollent *poller.Pollent) *CallHolder {
	h := &CallHolder{pick: pick, pollent: pollent}
	h.nextStep.Run = h.subchannelReady
	return h
}

// Call returns the installed subchannel call, or nil if the call is
// uncreated or was cancelled.
func (h *CallHolder) Call() *subchannel.Call {
	call := h.subchannelCall.Load()
	if call == cancelledCall {
		return nil
	}
	return call
}

// Cancelled reports whether cancellation won the assignment.
func (h *CallHolder) Cancelled() bool {
	return h.subchannelCall.Load() == cancelledCall
}

// InstallCall atomically publishes call as the holder's one-shot
// assignment, returning true on success. When cancellation already won the
// race, the just-created call is destroyed and false is returned.
func (h *CallHolder) InstallCall(ec *execctx.ExecCtx, call *subchannel.Call) bool {
	if h.subchannelCall.CompareAndSwap(nil, call) {
		return true
	}
	call.Unref(ec)
	return false
}

// Cancel atomically resolves the assignment in favor of cancellation. When
// installation won first, the installed call is returned so the caller can
// forward the cancellation to it; otherwise nil.
func (h *CallHolder) Cancel() *subchannel.Call {
	if h.subchannelCall.CompareAndSwap(nil, cancelledCall) {
		return nil
	}
	if call := h.subchannelCall.Load(); call != cancelledCall {
		return call
	}
	return nil
}

// PerformOp routes op: directly to the installed call on the fast path,
// into the waiting queue while a pick is in flight, or to failure after
// cancellation.
func (h *CallHolder) PerformOp(ec *execctx.ExecCtx, op *transport.StreamOpBatch) {
	if call := h.subchannelCall.Load(); call != nil {
		if call == cancelledCall {
			transport.FinishWithFailure(ec, op)
			return
		}
		call.ProcessOp(ec, op)
		return
	}

	h.mu.Lock()
	for {
		// re-check under the lock: another thread may have set the call
		call := h.subchannelCall.Load()
		if call == cancelledCall {
			h.mu.Unlock()
			transport.FinishWithFailure(ec, op)
			return
		}
		if call != nil {
			h.mu.Unlock()
			call.ProcessOp(ec, op)
			return
		}
		if op.CancelStatus != codes.OK {
			if !h.subchannelCall.CompareAndSwap(nil, cancelledCall) {
				continue
			}
			switch h.creationPhase {
			case holderNotCreating:
				h.failLocked(ec)
			case holderPickingSubchannel:
				h.pick(ec, nil, 0, &h.connected, nil)
			}
			h.mu.Unlock()
			transport.FinishWithStatus(ec, op, status.New(op.CancelStatus, op.CancelStatus.String()))
			return
		}
		if h.creationPhase == holderNotCreating && h.connected == nil && op.Send != nil {
			h.creationPhase = holderPickingSubchannel
			if h.pick(ec, op.Send.InitialMetadata, op.Send.Flags, &h.connected, &h.nextStep) {
				h.creationPhase = holderNotCreating
			}
		}
		if h.creationPhase == holderNotCreating && h.connected != nil {
			h.subchannelCall.Store(h.connected.CreateCall(ec, h.pollent))
			h.retryWaitingLocked(ec)
			continue
		}
		// nothing to be done but wait
		h.waitingOps = append(h.waitingOps, op)
		h.mu.Unlock()
		return
	}
}

// subchannelReady runs when a pending pick completes.
func (h *CallHolder) subchannelReady(ec *execctx.ExecCtx, _ bool) {
	h.mu.Lock()
	if h.creationPhase != holderPickingSubchannel {
		panic("clientchannel: pick completed while not picking")
	}
	h.creationPhase = holderNotCreating
	switch {
	case h.connected == nil:
		// the pick failed: this call will never proceed
		h.subchannelCall.CompareAndSwap(nil, cancelledCall)
		h.failLocked(ec)
	case h.subchannelCall.Load() == cancelledCall:
		// cancelled before the subchannel became ready
		h.failLocked(ec)
	default:
		call := h.connected.CreateCall(ec, h.pollent)
		if !h.subchannelCall.CompareAndSwap(nil, call) {
			// cancellation won between the load and the install: destroy the
			// just-created call and fail everything queued
			call.Unref(ec)
			h.failLocked(ec)
		} else {
			h.retryWaitingLocked(ec)
		}
	}
	h.mu.Unlock()
}

// retryWaitingLocked drains the queued ops onto the installed call, in
// order, via the exec ctx. Requires h.mu.
func (h *CallHolder) retryWaitingLocked(ec *execctx.ExecCtx) {
	if len(h.waitingOps) == 0 {
		return
	}
	call := h.subchannelCall.Load()
	if call == cancelledCall {
		h.failLocked(ec)
		return
	}
	ops := h.waitingOps
	h.waitingOps = nil
	call.Ref()
	ec.Enqueue(execctx.NewClosure(func(ec *execctx.ExecCtx, _ bool) {
		for _, op := range ops {
			call.ProcessOp(ec, op)
		}
		call.Unref(ec)
	}), true)
}

// failLocked fails every queued op. Requires h.mu.
func (h *CallHolder) failLocked(ec *execctx.ExecCtx) {
	for _, op := range h.waitingOps {
		transport.FinishWithFailure(ec, op)
	}
	h.waitingOps = nil
}

// Destroy releases the holder; the installed call, if any, is unreferenced.
func (h *CallHolder) Destroy(ec *execctx.ExecCtx) {
	if call := h.subchannelCall.Load(); call != nil && call != cancelledCall {
		call.Unref(ec)
	}
	h.mu.Lock()
	if h.creationPhase != holderNotCreating {
		panic("clientchannel: Destroy with a pick in flight")
	}
	if len(h.waitingOps) != 0 {
		panic("clientchannel: Destroy with ops still queued")
	}
	h.mu.Unlock()
}

// NewCallHolder creates a holder whose picks are served by the channel's
// current load-balancing policy.
func (ch *Channel) NewCallHolder(pollent *poller.Pollent) *CallHolder {
	a := &pickAdapter{ch: ch}
	h := NewCallHolder(a.pick, pollent)
	a.holder = h
	return h
}

// pickAdapter bridges the holder's connected-subchannel pick to the
// policy-level subchannel pick.
type pickAdapter struct {
	ch     *Channel
	holder *CallHolder

	sc         *subchannel.Subchannel
	connTarget **subchannel.Connection
	onReady    *execctx.Closure
	done       execctx.Closure
}

func (a *pickAdapter) pick(ec *execctx.ExecCtx, initialMetadata metadata.MD, flags uint32, target **subchannel.Connection, onReady *execctx.Closure) bool {
	a.ch.muConfig.Lock()
	lbPolicy := a.ch.lbPolicy
	a.ch.muConfig.Unlock()

	if initialMetadata == nil {
		// cancellation of a pending pick
		if lbPolicy != nil {
			lbPolicy.CancelPick(ec, &a.sc)
		}
		return false
	}
	if lbPolicy == nil {
		*target = nil
		ec.Enqueue(onReady, false)
		return false
	}

	a.connTarget = target
	a.onReady = onReady
	a.done.Init(func(ec *execctx.ExecCtx, success bool) {
		if success && a.sc != nil {
			*a.connTarget = a.sc.GetConnected()
		} else {
			*a.connTarget = nil
		}
		ec.Enqueue(a.onReady, *a.connTarget != nil)
	})
	if lbPolicy.Pick(ec, a.holder.pollent, initialMetadata, &a.sc, &a.done) {
		// immediate: resolve the connection synchronously
		if a.sc != nil {
			*target = a.sc.GetConnected()
		}
		return *target != nil
	}
	return false
}
