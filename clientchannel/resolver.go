package clientchannel

import (
	"sync"

	"github.com/joeycumines/go-rpccore/balancer"
	"github.com/joeycumines/go-rpccore/execctx"
)

// Config is one resolver-produced channel configuration. A nil Policy is a
// valid "empty" config: the channel keeps waiting for a usable one.
type Config struct {
	Policy balancer.Policy
}

// Resolver produces channel configurations for a target. The channel calls
// Next once per wanted config; delivery writes *target and runs onComplete
// (success=false means the resolver is gone and the channel should wind
// down).
type Resolver interface {
	Next(ec *execctx.ExecCtx, target **Config, onComplete *execctx.Closure)
	// ChannelSawError hints that a peer failed, possibly triggering a
	// re-resolve.
	ChannelSawError(ec *execctx.ExecCtx, peerAddr string)
	Shutdown(ec *execctx.ExecCtx)
}

// ManualResolver is a Resolver fed by its owner: each [ManualResolver.Push]
// delivers one config to the channel's outstanding Next, or queues it.
type ManualResolver struct {
	mu         sync.Mutex
	target     **Config
	onComplete *execctx.Closure
	queued     []*Config
	shutdown   bool
	sawErrors  []string
}

var _ Resolver = (*ManualResolver)(nil)

// NewManualResolver creates an empty manual resolver.
func NewManualResolver() *ManualResolver { return &ManualResolver{} }

// Next implements [Resolver].
func (r *ManualResolver) Next(ec *execctx.ExecCtx, target **Config, onComplete *execctx.Closure) {
	r.mu.Lock()
	if r.target != nil {
		r.mu.Unlock()
		panic("clientchannel: overlapping Resolver.Next calls")
	}
	if r.shutdown {
		r.mu.Unlock()
		*target = nil
		ec.Enqueue(onComplete, false)
		return
	}
	if len(r.queued) > 0 {
		cfg := r.queued[0]
		r.queued = r.queued[1:]
		r.mu.Unlock()
		*target = cfg
		ec.Enqueue(onComplete, true)
		return
	}
	r.target = target
	r.onComplete = onComplete
	r.mu.Unlock()
}

// Push delivers cfg to the channel, satisfying an outstanding Next or
// queueing for the following one.
func (r *ManualResolver) Push(ec *execctx.ExecCtx, cfg *Config) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return
	}
	if r.target == nil {
		r.queued = append(r.queued, cfg)
		r.mu.Unlock()
		return
	}
	target, onComplete := r.target, r.onComplete
	r.target = nil
	r.onComplete = nil
	r.mu.Unlock()
	*target = cfg
	ec.Enqueue(onComplete, true)
}

// ChannelSawError implements [Resolver].
func (r *ManualResolver) ChannelSawError(_ *execctx.ExecCtx, peerAddr string) {
	r.mu.Lock()
	r.sawErrors = append(r.sawErrors, peerAddr)
	r.mu.Unlock()
}

// SawErrors returns the peers reported via ChannelSawError.
func (r *ManualResolver) SawErrors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sawErrors...)
}

// Shutdown implements [Resolver]. An outstanding Next fails.
func (r *ManualResolver) Shutdown(ec *execctx.ExecCtx) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return
	}
	r.shutdown = true
	target, onComplete := r.target, r.onComplete
	r.target = nil
	r.onComplete = nil
	r.mu.Unlock()
	if onComplete != nil {
		*target = nil
		ec.Enqueue(onComplete, false)
	}
}
