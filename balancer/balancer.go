// Package balancer implements the load-balancing dispatch layer: the policy
// trait that matches calls to ready subchannels, the pick-first and
// round-robin policies, and the factory registry channels resolve policy
// names through.
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

// Policy matches calls to ready subchannels and queues picks while none are
// available.
type Policy interface {
	// Pick sets *target to a ready subchannel and returns true (onComplete
	// does not run), or queues the pick and returns false; onComplete then
	// runs when the pick is satisfied (success=true, *target set) or fails
	// (success=false, *target nil).
	Pick(ec *execctx.ExecCtx, pollent *poller.Pollent, initialMetadata metadata.MD, target **subchannel.Subchannel, onComplete *execctx.Closure) bool
	// CancelPick removes a still-pending pick identified by its target
	// pointer, running its closure with success=false.
	CancelPick(ec *execctx.ExecCtx, target **subchannel.Subchannel)
	// ExitIdle begins connectivity probing without requiring a pick.
	ExitIdle(ec *execctx.ExecCtx)
	// Broadcast fans a control-plane op out to every subchannel.
	Broadcast(ec *execctx.ExecCtx, op *transport.Op)
	// PingOne pings an arbitrary ready peer, or fails onAck if none.
	PingOne(ec *execctx.ExecCtx, onAck *execctx.Closure)
	// CheckConnectivity returns the policy's aggregate state.
	CheckConnectivity() connectivity.State
	// NotifyOnStateChange registers a tracker-style aggregate watcher.
	NotifyOnStateChange(ec *execctx.ExecCtx, state *connectivity.State, notify *execctx.Closure)
	// Shutdown fails all pending picks and detaches the policy.
	Shutdown(ec *execctx.ExecCtx)
}

// Args are the inputs to a policy factory.
type Args struct {
	Subchannels []*subchannel.Subchannel
	Logger      *logiface.Logger[logiface.Event]
}

// Factory creates policies by name.
type Factory interface {
	Name() string
	New(args Args) Policy
}

// Registry maps policy names to factories. It is an explicit value passed
// at initialization, not process state.
type Registry struct {
	mu sync.Mutex
	m  map[string]Factory
}

// NewRegistry creates a registry pre-populated with the built-in policies.
func NewRegistry() *Registry {
	r := &Registry{m: make(map[string]Factory)}
	r.Register(PickFirstFactory{})
	r.Register(RoundRobinFactory{})
	return r
}

// Register adds a factory, replacing any previous registration of the same
// name.
func (r *Registry) Register(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[f.Name()] = f
}

// Lookup returns the factory registered under name, or nil.
func (r *Registry) Lookup(name string) Factory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[name]
}

// pendingPick is one queued pick awaiting a ready subchannel.
type pendingPick struct {
	next       *pendingPick
	pollent    *poller.Pollent
	target     **subchannel.Subchannel
	onComplete *execctx.Closure
}
