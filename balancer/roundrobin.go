package balancer

import (
	"sync"

	"github.com/joeycumines/go-rpccore/connectivity"
	"github.com/joeycumines/go-rpccore/execctx"
	"github.com/joeycumines/go-rpccore/poller"
	"github.com/joeycumines/go-rpccore/subchannel"
	"github.com/joeycumines/go-rpccore/transport"
	"github.com/joeycumines/logiface"
	"google.golang.org/grpc/metadata"
)

// RoundRobinFactory creates round-robin policies.
type RoundRobinFactory struct{}

// Name implements [Factory].
func (RoundRobinFactory) Name() string { return "round_robin" }

// New implements [Factory].
func (RoundRobinFactory) New(args Args) Policy {
	if len(args.Subchannels) == 0 {
		panic("balancer: round_robin requires at least one subchannel")
	}
	p := &roundRobin{
		logger:  args.Logger,
		tracker: connectivity.NewTracker(connectivity.Idle, "round_robin", args.Logger),
	}
	p.subchannels = make([]*rrSubchannelData, len(args.Subchannels))
	for i, sc := range args.Subchannels {
		sd := &rrSubchannelData{policy: p, index: i, subchannel: sc}
		sd.connectivityChanged.Run = func(ec *execctx.ExecCtx, success bool) {
			p.onConnectivityChanged(ec, sd, success)
		}
		p.subchannels[i] = sd
	}
	// dummy root of the circular ready list
	p.readyList.next = &p.readyList
	p.readyList.prev = &p.readyList
	p.lastPick = &p.readyList
	return p
}

// readyNode is one element of the circular doubly-linked list of READY
// subchannels; the root node carries no subchannel.
type readyNode struct {
	subchannel *subchannel.Subchannel
	next       *readyNode
	prev       *readyNode
}

type rrSubchannelData struct {
	policy              *roundRobin
	index               int
	subchannel          *subchannel.Subchannel
	connectivityChanged execctx.Closure
	readyListNode       *readyNode
	connectivityState   connectivity.State
}

// roundRobin rotates picks over the ready list, advancing the cursor
// exactly once per satisfied pick.
type roundRobin struct {
	logger *logiface.Logger[logiface.Event]

	mu             sync.Mutex
	subchannels    []*rrSubchannelData
	startedPicking bool
	shutdown       bool
	pendingPicks   *pendingPick
	tracker        *connectivity.Tracker

	readyList readyNode
	lastPick  *readyNode
}

var _ Policy = (*roundRobin)(nil)

// pickLocked advances the cursor once (skipping the dummy root) and returns
// the subchannel at the resulting position's successor, or nil when the
// ready list is empty.
func (p *roundRobin) pickLocked() *subchannel.Subchannel {
	if p.readyList.next == &p.readyList {
		return nil
	}
	p.lastPick = p.lastPick.next
	if p.lastPick == &p.readyList {
		p.lastPick = p.lastPick.next
	}
	selected := p.lastPick.next
	if selected == &p.readyList {
		selected = selected.next
	}
	p.logger.Trace().
		Str("addr", selected.subchannel.Addr()).
		Log("round_robin: picked")
	return selected.subchannel
}

// addConnectedLocked appends sc at the tail of the ready list (the end of
// the rotation).
func (p *roundRobin) addConnectedLocked(sc *subchannel.Subchannel) *readyNode {
	node := &readyNode{subchannel: sc}
	node.next = &p.readyList
	node.prev = p.readyList.prev
	node.prev.next = node
	node.next.prev = node
	return node
}

// removeDisconnectedLocked unlinks node; if it was the cursor, the cursor
// falls back to the dummy root.
func (p *roundRobin) removeDisconnectedLocked(node *readyNode) {
	if node == nil {
		return
	}
	if node == p.lastPick {
		p.lastPick = &p.readyList
	}
	node.prev.next = node.next
	node.next.prev = node.prev
	node.next = nil
	node.prev = nil
	node.subchannel = nil
}

func (p *roundRobin) startPickingLocked(ec *execctx.ExecCtx) {
	p.startedPicking = true
	for _, sd := range p.subchannels {
		sd.connectivityState = connectivity.Idle
		sd.subchannel.NotifyOnStateChange(ec, &sd.connectivityState, &sd.connectivityChanged)
	}
}

// ExitIdle implements [Policy].
func (p *roundRobin) ExitIdle(ec *execctx.ExecCtx) {
	p.mu.Lock()
	if !p.startedPicking && !p.shutdown {
		p.startPickingLocked(ec)
	}
	p.mu.Unlock()
}

// Pick implements [Policy]. Picks are strictly serialized through the
// policy mutex, including against ready-list mutation.
func (p *roundRobin) Pick(ec *execctx.ExecCtx, pollent *poller.Pollent, _ metadata.MD, target **subchannel.Subchannel, onComplete *execctx.Closure) bool {
	p.mu.Lock()
	if selected := p.pickLocked(); selected != nil {
		p.mu.Unlock()
		*target = selected
		return true
	}
	if p.shutdown || len(p.subchannels) == 0 {
		p.mu.Unlock()
		*target = nil
		ec.Enqueue(onComplete, false)
		return false
	}
	if !p.startedPicking {
		p.startPickingLocked(ec)
	}
	for _, sd := range p.subchannels {
		sd.subchannel.AddInterestedParty(pollent)
	}
	p.pendingPicks = &pendingPick{
		next:       p.pendingPicks,
		pollent:    pollent,
		target:     target,
		onComplete: onComplete,
	}
	p.mu.Unlock()
	return false
}

// CancelPick implements [Policy].
func (p *roundRobin) CancelPick(ec *execctx.ExecCtx, target **subchannel.Subchannel) {
	p.mu.Lock()
	pp := p.pendingPicks
	p.pendingPicks = nil
	for pp != nil {
		next := pp.next
		if pp.target == target {
			p.delInterestedPartiesLocked(pp.pollent)
			*target = nil
			ec.Enqueue(pp.onComplete, false)
		} else {
			pp.next = p.pendingPicks
			p.pendingPicks = pp
		}
		pp = next
	}
	p.mu.Unlock()
}

func (p *roundRobin) delInterestedPartiesLocked(pollent *poller.Pollent) {
	for _, sd := range p.subchannels {
		sd.subchannel.DelInterestedParty(pollent)
	}
}

func (p *roundRobin) onConnectivityChanged(ec *execctx.ExecCtx, sd *rrSubchannelData, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown || !success {
		return
	}

	switch sd.connectivityState {
	case connectivity.Ready:
		p.tracker.Set(ec, connectivity.Ready)
		// the newly connected subchannel goes to the end of the rotation
		sd.readyListNode = p.addConnectedLocked(sd.subchannel)
		p.logger.Debug().
			Str("addr", sd.subchannel.Addr()).
			Log("round_robin: subchannel ready")
		for pp := p.pendingPicks; pp != nil; {
			next := pp.next
			*pp.target = p.pickLocked()
			p.delInterestedPartiesLocked(pp.pollent)
			ec.Enqueue(pp.onComplete, true)
			pp = next
		}
		p.pendingPicks = nil
		sd.subchannel.NotifyOnStateChange(ec, &sd.connectivityState, &sd.connectivityChanged)

	case connectivity.Connecting, connectivity.Idle:
		// the aggregate stays Ready while any subchannel is in the rotation
		if p.readyList.next == &p.readyList {
			p.tracker.Set(ec, sd.connectivityState)
		}
		sd.subchannel.NotifyOnStateChange(ec, &sd.connectivityState, &sd.connectivityChanged)

	case connectivity.TransientFailure:
		// renew the watch, then drop out of the rotation
		sd.subchannel.NotifyOnStateChange(ec, &sd.connectivityState, &sd.connectivityChanged)
		if sd.readyListNode != nil {
			p.removeDisconnectedLocked(sd.readyListNode)
			sd.readyListNode = nil
			p.logger.Debug().
				Str("addr", sd.subchannel.Addr()).
				Log("round_robin: subchannel left READY")
		}
		if p.readyList.next == &p.readyList {
			p.tracker.Set(ec, connectivity.TransientFailure)
		}

	case connectivity.Shutdown:
		if sd.readyListNode != nil {
			p.removeDisconnectedLocked(sd.readyListNode)
			sd.readyListNode = nil
		}
		last := len(p.subchannels) - 1
		p.subchannels[sd.index] = p.subchannels[last]
		p.subchannels[sd.index].index = sd.index
		p.subchannels = p.subchannels[:last]
		if len(p.subchannels) == 0 {
			p.tracker.Set(ec, connectivity.Shutdown)
			for pp := p.pendingPicks; pp != nil; {
				next := pp.next
				*pp.target = nil
				ec.Enqueue(pp.onComplete, false)
				pp = next
			}
			p.pendingPicks = nil
		} else if p.readyList.next == &p.readyList {
			p.tracker.Set(ec, connectivity.TransientFailure)
		}
	}
}

// Broadcast implements [Policy].
func (p *roundRobin) Broadcast(ec *execctx.ExecCtx, op *transport.Op) {
	p.mu.Lock()
	subchannels := make([]*subchannel.Subchannel, len(p.subchannels))
	for i, sd := range p.subchannels {
		subchannels[i] = sd.subchannel
	}
	p.mu.Unlock()
	for _, sc := range subchannels {
		sc.ProcessTransportOp(ec, op)
	}
}

// PingOne implements [Policy].
func (p *roundRobin) PingOne(ec *execctx.ExecCtx, onAck *execctx.Closure) {
	p.mu.Lock()
	selected := p.pickLocked()
	p.mu.Unlock()
	if selected == nil {
		ec.Enqueue(onAck, false)
		return
	}
	con := selected.GetConnected()
	if con == nil {
		ec.Enqueue(onAck, false)
		return
	}
	con.Ping(ec, onAck)
}

// CheckConnectivity implements [Policy].
func (p *roundRobin) CheckConnectivity() connectivity.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracker.Check()
}

// NotifyOnStateChange implements [Policy].
func (p *roundRobin) NotifyOnStateChange(ec *execctx.ExecCtx, state *connectivity.State, notify *execctx.Closure) {
	p.mu.Lock()
	p.tracker.NotifyOnStateChange(ec, state, notify)
	p.mu.Unlock()
}

// Shutdown implements [Policy].
func (p *roundRobin) Shutdown(ec *execctx.ExecCtx) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	pp := p.pendingPicks
	p.pendingPicks = nil
	for ; pp != nil; pp = pp.next {
		*pp.target = nil
		p.delInterestedPartiesLocked(pp.pollent)
		ec.Enqueue(pp.onComplete, false)
	}
	p.tracker.Set(ec, connectivity.Shutdown)
	p.mu.Unlock()
}