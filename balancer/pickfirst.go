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

// PickFirstFactory creates pick-first policies.
type PickFirstFactory struct{}

// Name implements [Factory].
func (PickFirstFactory) Name() string { return "pick_first" }

// New implements [Factory].
func (PickFirstFactory) New(args Args) Policy {
	if len(args.Subchannels) == 0 {
		panic("balancer: pick_first requires at least one subchannel")
	}
	p := &pickFirst{
		subchannels: append([]*subchannel.Subchannel(nil), args.Subchannels...),
		logger:      args.Logger,
		tracker:     connectivity.NewTracker(connectivity.Idle, "pick_first", args.Logger),
	}
	p.connectivityChanged.Run = p.onConnectivityChanged
	return p
}

// pickFirst probes subchannels in array order and pins the first one to
// reach Ready until it leaves Ready.
type pickFirst struct {
	connectivityChanged execctx.Closure
	logger              *logiface.Logger[logiface.Event]

	mu                   sync.Mutex
	subchannels          []*subchannel.Subchannel
	selected             *subchannel.Subchannel
	startedPicking       bool
	shutdown             bool
	checkingSubchannel   int
	checkingConnectivity connectivity.State
	pendingPicks         *pendingPick
	tracker              *connectivity.Tracker
}

var _ Policy = (*pickFirst)(nil)

func (p *pickFirst) addInterestedPartiesLocked() {
	for pp := p.pendingPicks; pp != nil; pp = pp.next {
		p.subchannels[p.checkingSubchannel].AddInterestedParty(pp.pollent)
	}
}

func (p *pickFirst) delInterestedPartiesLocked() {
	for pp := p.pendingPicks; pp != nil; pp = pp.next {
		p.subchannels[p.checkingSubchannel].DelInterestedParty(pp.pollent)
	}
}

func (p *pickFirst) startPickingLocked(ec *execctx.ExecCtx) {
	p.startedPicking = true
	p.checkingSubchannel = 0
	p.checkingConnectivity = connectivity.Idle
	p.subchannels[0].NotifyOnStateChange(ec, &p.checkingConnectivity, &p.connectivityChanged)
}

// ExitIdle implements [Policy].
func (p *pickFirst) ExitIdle(ec *execctx.ExecCtx) {
	p.mu.Lock()
	if !p.startedPicking && !p.shutdown {
		p.startPickingLocked(ec)
	}
	p.mu.Unlock()
}

// Pick implements [Policy].
func (p *pickFirst) Pick(ec *execctx.ExecCtx, pollent *poller.Pollent, _ metadata.MD, target **subchannel.Subchannel, onComplete *execctx.Closure) bool {
	p.mu.Lock()
	if p.selected != nil {
		selected := p.selected
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
	p.subchannels[p.checkingSubchannel].AddInterestedParty(pollent)
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
func (p *pickFirst) CancelPick(ec *execctx.ExecCtx, target **subchannel.Subchannel) {
	p.mu.Lock()
	pp := p.pendingPicks
	p.pendingPicks = nil
	for pp != nil {
		next := pp.next
		if pp.target == target {
			if !p.shutdown {
				p.subchannels[p.checkingSubchannel].DelInterestedParty(pp.pollent)
			}
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

func (p *pickFirst) onConnectivityChanged(ec *execctx.ExecCtx, _ bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return
	}
	if p.selected != nil {
		// the pinned subchannel changed state
		if p.checkingConnectivity == connectivity.Ready {
			p.selected.NotifyOnStateChange(ec, &p.checkingConnectivity, &p.connectivityChanged)
			return
		}
		if p.checkingConnectivity == connectivity.Shutdown {
			// terminal for the pin; the loop below drops it
			p.logger.Debug().
				Str("addr", p.selected.Addr()).
				Log("pick_first: selected subchannel shut down")
		} else {
			p.logger.Debug().
				Str("addr", p.selected.Addr()).
				Stringer("state", p.checkingConnectivity).
				Log("pick_first: selected subchannel left READY")
		}
		// unpin and go back to probing from the current index
		p.selected = nil
	}

	for {
		switch p.checkingConnectivity {
		case connectivity.Ready:
			p.tracker.Set(ec, connectivity.Ready)
			p.selected = p.subchannels[p.checkingSubchannel]
			p.logger.Debug().
				Str("addr", p.selected.Addr()).
				Log("pick_first: selected subchannel")
			for pp := p.pendingPicks; pp != nil; {
				next := pp.next
				*pp.target = p.selected
				p.selected.DelInterestedParty(pp.pollent)
				ec.Enqueue(pp.onComplete, true)
				pp = next
			}
			p.pendingPicks = nil
			p.selected.NotifyOnStateChange(ec, &p.checkingConnectivity, &p.connectivityChanged)
			return

		case connectivity.TransientFailure:
			p.tracker.Set(ec, connectivity.TransientFailure)
			p.delInterestedPartiesLocked()
			p.checkingSubchannel = (p.checkingSubchannel + 1) % len(p.subchannels)
			p.checkingConnectivity = p.subchannels[p.checkingSubchannel].CheckConnectivity(ec, true)
			p.addInterestedPartiesLocked()
			if p.checkingConnectivity == connectivity.TransientFailure {
				p.subchannels[p.checkingSubchannel].NotifyOnStateChange(ec, &p.checkingConnectivity, &p.connectivityChanged)
				return
			}

		case connectivity.Connecting, connectivity.Idle:
			p.tracker.Set(ec, p.checkingConnectivity)
			p.subchannels[p.checkingSubchannel].NotifyOnStateChange(ec, &p.checkingConnectivity, &p.connectivityChanged)
			return

		case connectivity.Shutdown:
			// the checked subchannel is gone for good: drop it
			p.delInterestedPartiesLocked()
			last := len(p.subchannels) - 1
			p.subchannels[p.checkingSubchannel] = p.subchannels[last]
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
				return
			}
			p.tracker.Set(ec, connectivity.TransientFailure)
			p.checkingSubchannel %= len(p.subchannels)
			p.checkingConnectivity = p.subchannels[p.checkingSubchannel].CheckConnectivity(ec, true)
			p.addInterestedPartiesLocked()
		}
	}
}

// Broadcast implements [Policy].
func (p *pickFirst) Broadcast(ec *execctx.ExecCtx, op *transport.Op) {
	p.mu.Lock()
	subchannels := append([]*subchannel.Subchannel(nil), p.subchannels...)
	p.mu.Unlock()
	for _, sc := range subchannels {
		sc.ProcessTransportOp(ec, op)
	}
}

// PingOne implements [Policy].
func (p *pickFirst) PingOne(ec *execctx.ExecCtx, onAck *execctx.Closure) {
	p.mu.Lock()
	selected := p.selected
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
func (p *pickFirst) CheckConnectivity() connectivity.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracker.Check()
}

// NotifyOnStateChange implements [Policy].
func (p *pickFirst) NotifyOnStateChange(ec *execctx.ExecCtx, state *connectivity.State, notify *execctx.Closure) {
	p.mu.Lock()
	p.tracker.NotifyOnStateChange(ec, state, notify)
	p.mu.Unlock()
}

// Shutdown implements [Policy].
func (p *pickFirst) Shutdown(ec *execctx.ExecCtx) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.delInterestedPartiesLocked()
	p.shutdown = true
	pp := p.pendingPicks
	p.pendingPicks = nil
	p.tracker.Set(ec, connectivity.Shutdown)
	p.mu.Unlock()
	for pp != nil {
		next := pp.next
		*pp.target = nil
		ec.Enqueue(pp.onComplete, false)
		pp = next
	}
}
