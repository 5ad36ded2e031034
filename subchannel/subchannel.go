// Package subchannel implements the single-endpoint connection lifecycle:
// connect attempts with exponential backoff, publication of the resulting
// channel stack as the active connection, and call creation against it.
//
// A subchannel is keyed by (address, channel-args) and shared across
// channels via [Index]. At most one connect attempt is in flight at any
// time; calls that arrive before the first connection completes queue and
// are drained onto the new connection when it is published.
package subchannel

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/joeycumines/go-rpccore/connectivity"
	"github.com/joeycumines/go-rpccore/execctx"
	"github.com/joeycumines/go-rpccore/poller"
	"github.com/joeycumines/go-rpccore/stack"
	"github.com/joeycumines/go-rpccore/timerlist"
	"github.com/joeycumines/go-rpccore/transport"
	"github.com/joeycumines/logiface"
)

// DefaultConnectDeadline bounds a single connect attempt.
const DefaultConnectDeadline = 60 * time.Second

// Args configures a subchannel.
type Args struct {
	// Addr is the endpoint to connect to.
	Addr string
	// ChannelArgs is the immutable args fingerprint; part of the
	// subchannel's identity.
	ChannelArgs map[string]string
	// Filters is the caller-supplied filter chain, concatenated with any
	// connector-supplied filters and the connected terminal on publish.
	Filters []stack.Filter
	// ConnectDeadline defaults to DefaultConnectDeadline.
	ConnectDeadline time.Duration
	// Backoff overrides the reconnect schedule.
	Backoff *backoff.ExponentialBackOff
	// Timers schedules reconnect delays. When nil, retries are immediate.
	Timers *timerlist.TimerList
	// Logger may be nil.
	Logger *logiface.Logger[logiface.Event]
}

type waitingForConnect struct {
	next         *waitingForConnect
	notify       *execctx.Closure
	pollent      *poller.Pollent
	target       **Call
	sub          *Subchannel
	continuation execctx.Closure
}

// stateWatcher follows the active connection's transport connectivity; the
// version guards against notifications for a replaced connection.
type stateWatcher struct {
	closure execctx.Closure
	version uint64
	sub     *Subchannel
	state   connectivity.State
}

// Subchannel is the connection lifecycle for one endpoint. Construct with
// [New].
type Subchannel struct {
	connector       Connector
	addr            string
	channelArgs     map[string]string
	filters         []stack.Filter
	connectDeadline time.Duration
	timers          *timerlist.TimerList
	logger          *logiface.Logger[logiface.Event]
	pollsetSet      *poller.PollsetSet

	connectedClosure execctx.Closure
	connectingResult ConnectResult
	retryClosure     execctx.Closure
	retryTimer       timerlist.Timer

	mu            sync.Mutex
	tracker       *connectivity.Tracker
	active        *Connection
	activeVersion uint64
	connecting    bool
	shutdown      bool
	bo            *backoff.ExponentialBackOff
	waiting       *waitingForConnect
}

// New creates an idle subchannel.
func New(connector Connector, args Args) *Subchannel {
	c := &Subchannel{
		connector:       connector,
		addr:            args.Addr,
		channelArgs:     args.ChannelArgs,
		filters:         args.Filters,
		connectDeadline: args.ConnectDeadline,
		timers:          args.Timers,
		logger:          args.Logger,
		pollsetSet:      poller.NewPollsetSet(),
		bo:              args.Backoff,
	}
	if c.connectDeadline <= 0 {
		c.connectDeadline = DefaultConnectDeadline
	}
	if c.bo == nil {
		c.bo = backoff.NewExponentialBackOff()
		c.bo.InitialInterval = time.Second
		c.bo.Multiplier = 1.6
		c.bo.RandomizationFactor = 0.2
		c.bo.MaxInterval = 2 * time.Minute
	}
	c.tracker = connectivity.NewTracker(connectivity.Idle, "subchannel:"+args.Addr, args.Logger)
	c.connectedClosure.Run = c.onConnected
	c.retryClosure.Run = c.onRetryTimer
	return c
}

// Addr returns the endpoint address.
func (c *Subchannel) Addr() string { return c.addr }

// AddInterestedParty routes a polling entity into the connect pathway.
func (c *Subchannel) AddInterestedParty(e *poller.Pollent) { c.pollsetSet.AddPollent(e) }

// DelInterestedParty removes a polling entity from the connect pathway.
func (c *Subchannel) DelInterestedParty(e *poller.Pollent) { c.pollsetSet.DelPollent(e) }

func (c *Subchannel) computeConnectivityLocked() connectivity.State {
	switch {
	case c.shutdown:
		return connectivity.Shutdown
	case c.connecting:
		return connectivity.Connecting
	case c.active != nil:
		return connectivity.Ready
	default:
		return connectivity.Idle
	}
}

// CheckConnectivity returns the current state; when tryConnect is set and
// the subchannel is idle, a connect attempt begins.
func (c *Subchannel) CheckConnectivity(ec *execctx.ExecCtx, tryConnect bool) connectivity.State {
	c.mu.Lock()
	st := c.tracker.Check()
	doConnect := false
	if tryConnect && st == connectivity.Idle && !c.shutdown && !c.connecting {
		doConnect = true
		c.connecting = true
		c.tracker.Set(ec, c.computeConnectivityLocked())
	}
	c.mu.Unlock()
	if doConnect {
		c.startConnect(ec)
	}
	return st
}

// NotifyOnStateChange registers a tracker-style watcher. A registration
// observing Idle begins a connect attempt, so that watchers waiting for
// progress actually cause some.
func (c *Subchannel) NotifyOnStateChange(ec *execctx.ExecCtx, state *connectivity.State, notify *execctx.Closure) {
	doConnect := false
	c.mu.Lock()
	if c.tracker.NotifyOnStateChange(ec, state, notify) && !c.shutdown && !c.connecting {
		doConnect = true
		c.connecting = true
		c.tracker.Set(ec, c.computeConnectivityLocked())
	}
	c.mu.Unlock()
	if doConnect {
		c.startConnect(ec)
	}
}

// GetConnected returns the active connection, or nil.
func (c *Subchannel) GetConnected() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// CreateCall creates a call against the active connection, synchronously if
// one exists (returns true; notify is still enqueued, with success=true).
// Otherwise the call queues until the pending connect attempt completes,
// starting one if needed, and false is returned. On subchannel shutdown the
// queued notify runs with success=false and *target stays nil.
func (c *Subchannel) CreateCall(ec *execctx.ExecCtx, pollent *poller.Pollent, target **Call, notify *execctx.Closure) bool {
	c.mu.Lock()
	if c.active != nil {
		con := c.active
		con.refs++
		c.mu.Unlock()
		*target = newCall(ec, con, pollent)
		ec.Enqueue(notify, true)
		return true
	}
	if c.shutdown {
		c.mu.Unlock()
		ec.Enqueue(notify, false)
		return false
	}
	w4c := &waitingForConnect{
		next:    c.waiting,
		notify:  notify,
		pollent: pollent,
		target:  target,
		sub:     c,
	}
	w4c.continuation.Run = func(ec *execctx.ExecCtx, success bool) {
		w4c.sub.pollsetSet.DelPollent(w4c.pollent)
		if !success {
			ec.Enqueue(w4c.notify, false)
			return
		}
		w4c.sub.CreateCall(ec, w4c.pollent, w4c.target, w4c.notify)
	}
	c.waiting = w4c
	c.pollsetSet.AddPollent(pollent)
	if !c.connecting {
		c.connecting = true
		c.tracker.Set(ec, c.computeConnectivityLocked())
		c.mu.Unlock()
		c.startConnect(ec)
	} else {
		c.mu.Unlock()
	}
	return false
}

func (c *Subchannel) startConnect(ec *execctx.ExecCtx) {
	args := &ConnectArgs{
		Addr:              c.addr,
		ChannelArgs:       c.channelArgs,
		Deadline:          time.Now().Add(c.connectDeadline),
		InterestedParties: c.pollsetSet,
	}
	c.logger.Debug().
		Str("addr", c.addr).
		Log("subchannel: connect attempt")
	c.connector.Connect(ec, args, &c.connectingResult, &c.connectedClosure)
}

func (c *Subchannel) onConnected(ec *execctx.ExecCtx, success bool) {
	c.mu.Lock()
	if c.shutdown {
		// A connect attempt that completes after Shutdown drops the new
		// transport.
		res := c.connectingResult
		c.connectingResult = ConnectResult{}
		c.connecting = false
		c.mu.Unlock()
		if res.Transport != nil {
			res.Transport.Destroy(ec)
		}
		return
	}
	if success && c.connectingResult.Transport != nil {
		c.mu.Unlock()
		c.publishTransport(ec)
		return
	}
	// attempt failed: back off, then try again
	c.connecting = false
	c.connectingResult = ConnectResult{}
	c.tracker.Set(ec, connectivity.TransientFailure)
	delay := c.bo.NextBackOff()
	c.mu.Unlock()
	c.logger.Debug().
		Str("addr", c.addr).
		Dur("retry_in", delay).
		Log("subchannel: connect failed")
	if c.timers != nil {
		now := time.Now()
		c.timers.Start(ec, &c.retryTimer, now.Add(delay), &c.retryClosure, now)
	} else {
		ec.Enqueue(&c.retryClosure, true)
	}
}

func (c *Subchannel) onRetryTimer(ec *execctx.ExecCtx, success bool) {
	if !success {
		return
	}
	c.mu.Lock()
	if c.shutdown || c.connecting || c.active != nil {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.tracker.Set(ec, c.computeConnectivityLocked())
	c.mu.Unlock()
	c.startConnect(ec)
}

func (c *Subchannel) publishTransport(ec *execctx.ExecCtx) {
	c.mu.Lock()
	res := c.connectingResult
	c.connectingResult = ConnectResult{}
	if c.shutdown {
		c.connecting = false
		c.mu.Unlock()
		if res.Transport != nil {
			res.Transport.Destroy(ec)
		}
		return
	}
	c.mu.Unlock()

	// build the channel stack: caller filters, connector-supplied filters,
	// connected terminal
	filters := make([]stack.Filter, 0, len(c.filters)+len(res.Filters))
	filters = append(filters, c.filters...)
	filters = append(filters, res.Filters...)
	stk := stack.Build(ec, filters, c.channelArgs, res.Transport)
	con := &Connection{sub: c, stk: stk}

	sw := &stateWatcher{sub: c, state: connectivity.Ready}
	sw.closure.Run = func(ec *execctx.ExecCtx, success bool) { sw.onStateChanged(ec, success) }

	c.mu.Lock()
	if c.shutdown {
		c.connecting = false
		c.mu.Unlock()
		stk.Destroy(ec)
		return
	}
	var destroy *Connection
	if c.active != nil && c.active.refs == 0 {
		destroy = c.active
	}
	c.active = con
	c.activeVersion++
	sw.version = c.activeVersion
	c.connecting = false
	c.bo.Reset()

	// watch the transport's connectivity through the new stack
	stk.StartOp(ec, &transport.Op{
		ConnectivityState:         &sw.state,
		OnConnectivityStateChange: &sw.closure,
	})

	c.tracker.Set(ec, c.computeConnectivityLocked())

	for w4c := c.waiting; w4c != nil; {
		next := w4c.next
		ec.Enqueue(&w4c.continuation, true)
		w4c = next
	}
	c.waiting = nil
	c.mu.Unlock()

	if destroy != nil {
		destroy.stk.Destroy(ec)
	}
}

func (sw *stateWatcher) onStateChanged(ec *execctx.ExecCtx, success bool) {
	c := sw.sub
	doConnect := false
	var destroyConnection *Connection

	c.mu.Lock()
	if !success || c.shutdown || sw.version != c.activeVersion {
		c.mu.Unlock()
		return
	}
	switch sw.state {
	case connectivity.Connecting, connectivity.Ready, connectivity.Idle:
		// still healthy: keep watching
		c.active.stk.StartOp(ec, &transport.Op{
			ConnectivityState:         &sw.state,
			OnConnectivityStateChange: &sw.closure,
		})
		c.mu.Unlock()
		return
	case connectivity.Shutdown:
		// transport gone: deactivate and return to idle
		if c.active.refs == 0 {
			destroyConnection = c.active
		}
		c.active = nil
	case connectivity.TransientFailure:
		// transport degrading: reconnect without deactivating
		doConnect = true
		c.connecting = true
	}
	c.tracker.Set(ec, c.computeConnectivityLocked())
	c.mu.Unlock()

	if doConnect {
		c.startConnect(ec)
	}
	if destroyConnection != nil {
		destroyConnection.stk.Destroy(ec)
	}
}

// ProcessTransportOp forwards a control-plane op to the active connection's
// stack. With no active connection the op's closures fail.
func (c *Subchannel) ProcessTransportOp(ec *execctx.ExecCtx, op *transport.Op) {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active != nil {
		active.stk.StartOp(ec, op)
		return
	}
	ec.Enqueue(op.OnConsumed, false)
	ec.Enqueue(op.SendPing, false)
}

// Shutdown permanently tears the subchannel down: the state becomes
// Shutdown, queued calls fail, and any connect attempt completing later
// drops its transport.
func (c *Subchannel) Shutdown(ec *execctx.ExecCtx) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	c.tracker.Set(ec, connectivity.Shutdown)
	waiting := c.waiting
	c.waiting = nil
	active := c.active
	c.active = nil
	destroyActive := active != nil && active.refs == 0
	c.mu.Unlock()

	if c.timers != nil {
		c.timers.Cancel(ec, &c.retryTimer)
	}
	c.connector.Shutdown(ec)
	for w4c := waiting; w4c != nil; w4c = w4c.next {
		ec.Enqueue(&w4c.continuation, false)
	}
	if destroyActive {
		active.stk.Destroy(ec)
	}
}
