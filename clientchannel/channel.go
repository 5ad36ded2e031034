// Package clientchannel implements the call routing core: the channel that
// stitches a resolver, a load-balancing policy, and subchannels into a
// per-call state machine, plus the one-shot subchannel-call holder.
//
// A call buffers its stream operations until a resolver configuration and a
// load-balancing pick are available, then hands itself to a concrete
// subchannel call. Cancellation is honored from every intermediate state:
// the recv-side completion carries a Cancelled status exactly once, however
// the cancellation races with configuration, pick, or call creation.
package clientchannel

import (
	"sync"

	"github.com/joeycumines/go-rpccore/balancer"
	"github.com/joeycumines/go-rpccore/connectivity"
	"github.com/joeycumines/go-rpccore/execctx"
	"github.com/joeycumines/go-rpccore/poller"
	"github.com/joeycumines/go-rpccore/timerlist"
	"github.com/joeycumines/go-rpccore/transport"
	"github.com/joeycumines/logiface"
)

// lbWatcher follows one policy's aggregate connectivity; a new watcher is
// created for each policy the resolver installs, and notifications for a
// policy that has since been replaced are ignored.
type lbWatcher struct {
	ch        *Channel
	onChanged execctx.Closure
	state     connectivity.State
	policy    balancer.Policy
}

// Channel routes calls for one target. Construct with [New].
type Channel struct {
	target string
	logger *logiface.Logger[logiface.Event]
	timers *timerlist.TimerList

	onConfigChanged execctx.Closure

	// muConfig guards the resolver/policy configuration below.
	muConfig              sync.Mutex
	resolver              Resolver
	lbPolicy              balancer.Policy
	incoming              *Config
	waitingForConfig      execctx.ClosureList
	startedResolving      bool
	exitIdleWhenLBArrives bool
	tracker               *connectivity.Tracker
	pollset               *poller.PollsetSet
}

// New creates a channel for target, resolving through r.
func New(target string, r Resolver, logger *logiface.Logger[logiface.Event]) *Channel {
	ch := &Channel{
		target:   target,
		logger:   logger,
		resolver: r,
		pollset:  poller.NewPollsetSet(),
	}
	ch.tracker = connectivity.NewTracker(connectivity.Idle, "client_channel:"+target, logger)
	ch.onConfigChanged.Run = ch.configChanged
	return ch
}

// Target returns the channel's target string.
func (ch *Channel) Target() string { return ch.target }

// WithTimers attaches a timer list used to enforce call deadlines; without
// one, deadlines are recorded but not enforced. Returns ch.
func (ch *Channel) WithTimers(tl *timerlist.TimerList) *Channel {
	ch.timers = tl
	return ch
}

func (ch *Channel) watchLBPolicyLocked(ec *execctx.ExecCtx, policy balancer.Policy, current connectivity.State) {
	w := &lbWatcher{ch: ch, state: current, policy: policy}
	w.onChanged.Run = func(ec *execctx.ExecCtx, success bool) {
		w.ch.muConfig.Lock()
		if success && w.policy == w.ch.lbPolicy {
			w.ch.tracker.Set(ec, w.state)
			if w.state != connectivity.Shutdown {
				w.ch.watchLBPolicyLocked(ec, w.policy, w.state)
			}
		}
		w.ch.muConfig.Unlock()
	}
	policy.NotifyOnStateChange(ec, &w.state, &w.onChanged)
}

// configChanged is the resolver's delivery callback.
func (ch *Channel) configChanged(ec *execctx.ExecCtx, success bool) {
	var lbPolicy balancer.Policy
	state := connectivity.TransientFailure

	ch.muConfig.Lock()
	if ch.incoming != nil {
		lbPolicy = ch.incoming.Policy
		if lbPolicy != nil {
			state = lbPolicy.CheckConnectivity()
		}
	}
	ch.incoming = nil

	oldPolicy := ch.lbPolicy
	ch.lbPolicy = lbPolicy
	if lbPolicy != nil || ch.resolver == nil {
		ec.EnqueueList(&ch.waitingForConfig)
	}
	exitIdle := false
	if lbPolicy != nil && ch.exitIdleWhenLBArrives {
		exitIdle = true
		ch.exitIdleWhenLBArrives = false
	}

	var oldResolver Resolver
	if success && ch.resolver != nil {
		resolver := ch.resolver
		ch.tracker.Set(ec, state)
		if lbPolicy != nil {
			ch.watchLBPolicyLocked(ec, lbPolicy, state)
		}
		ch.muConfig.Unlock()
		resolver.Next(ec, &ch.incoming, &ch.onConfigChanged)
	} else {
		oldResolver = ch.resolver
		ch.resolver = nil
		ch.tracker.Set(ec, connectivity.Shutdown)
		// the resolver is gone: release queued calls so they fail promptly
		ec.EnqueueList(&ch.waitingForConfig)
		ch.muConfig.Unlock()
	}

	if oldResolver != nil {
		oldResolver.Shutdown(ec)
	}
	if exitIdle {
		lbPolicy.ExitIdle(ec)
	}
	if oldPolicy != nil {
		oldPolicy.Shutdown(ec)
	}
}

// PerformOp applies a control-plane op to the channel: connectivity watch
// registration, disconnect, and broadcast of anything else to the policy's
// subchannels.
func (ch *Channel) PerformOp(ec *execctx.ExecCtx, op *transport.Op) {
	ec.Enqueue(op.OnConsumed, true)

	var lbPolicy balancer.Policy
	var destroyResolver Resolver
	var shutdownPolicy balancer.Policy

	ch.muConfig.Lock()
	if op.OnConnectivityStateChange != nil {
		ch.tracker.NotifyOnStateChange(ec, op.ConnectivityState, op.OnConnectivityStateChange)
		op.OnConnectivityStateChange = nil
		op.ConnectivityState = nil
	}
	if !op.IsEmpty() && ch.lbPolicy != nil {
		lbPolicy = ch.lbPolicy
	}
	if op.Disconnect && ch.resolver != nil {
		ch.tracker.Set(ec, connectivity.Shutdown)
		destroyResolver = ch.resolver
		ch.resolver = nil
		if ch.lbPolicy != nil {
			shutdownPolicy = ch.lbPolicy
			ch.lbPolicy = nil
		}
		ec.EnqueueList(&ch.waitingForConfig)
	}
	ch.muConfig.Unlock()

	if destroyResolver != nil {
		destroyResolver.Shutdown(ec)
	}
	if shutdownPolicy != nil {
		shutdownPolicy.Shutdown(ec)
		if lbPolicy == shutdownPolicy {
			lbPolicy = nil
		}
	}
	if lbPolicy != nil {
		lbPolicy.Broadcast(ec, op)
	}
}

// CheckConnectivity returns the channel's aggregate state. With tryConnect
// set an Idle channel starts resolving (or exits the policy's idle state).
func (ch *Channel) CheckConnectivity(ec *execctx.ExecCtx, tryConnect bool) connectivity.State {
	ch.muConfig.Lock()
	out := ch.tracker.Check()
	var exitIdle balancer.Policy
	if out == connectivity.Idle && tryConnect {
		if ch.lbPolicy != nil {
			exitIdle = ch.lbPolicy
		} else {
			ch.exitIdleWhenLBArrives = true
			ch.startResolvingLocked(ec)
		}
	}
	ch.muConfig.Unlock()
	if exitIdle != nil {
		exitIdle.ExitIdle(ec)
	}
	return out
}

// NotifyOnStateChange registers a tracker-style watcher on the channel's
// aggregate connectivity.
func (ch *Channel) NotifyOnStateChange(ec *execctx.ExecCtx, state *connectivity.State, notify *execctx.Closure) {
	ch.muConfig.Lock()
	ch.tracker.NotifyOnStateChange(ec, state, notify)
	ch.muConfig.Unlock()
}

// startResolvingLocked requests the first config if not already requested.
// Requires muConfig.
func (ch *Channel) startResolvingLocked(ec *execctx.ExecCtx) {
	if !ch.startedResolving && ch.resolver != nil {
		ch.startedResolving = true
		ch.resolver.Next(ec, &ch.incoming, &ch.onConfigChanged)
	}
}
