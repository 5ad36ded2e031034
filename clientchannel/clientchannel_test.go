package clientchannel

import (
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/joeycumines/go-rpccore/balancer"
	"github.com/joeycumines/go-rpccore/connectivity"
	"github.com/joeycumines/go-rpccore/execctx"
	"github.com/joeycumines/go-rpccore/poller"
	"github.com/joeycumines/go-rpccore/subchannel"
	"github.com/joeycumines/go-rpccore/timerlist"
	"github.com/joeycumines/go-rpccore/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
)

// newPolicy builds a pick_first policy over n fresh subchannels; failing
// subchannels park their retries on the timer list and never become ready.
func newPolicy(n int, fail bool, tl *timerlist.TimerList) (balancer.Policy, []*subchannel.Subchannel) {
	var subchannels []*subchannel.Subchannel
	for i := 0; i < n; i++ {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Minute
		var conn subchannel.Connector
		if fail {
			conn = subchannel.NewLocalConnector(1 << 30)
		} else {
			conn = subchannel.NewLocalConnector(0)
		}
		subchannels = append(subchannels, subchannel.New(conn, subchannel.Args{
			Addr:    "addr",
			Backoff: bo,
			Timers:  tl,
		}))
	}
	return balancer.PickFirstFactory{}.New(balancer.Args{Subchannels: subchannels}), subchannels
}

type opResult struct {
	res      transport.RecvResult
	sendOK   *bool
	recvDone *bool
	recvOK   *bool
}

func sendRecvOp(md metadata.MD) (*transport.StreamOpBatch, *opResult) {
	r := &opResult{sendOK: new(bool), recvDone: new(bool), recvOK: new(bool)}
	op := &transport.StreamOpBatch{
		Send: &transport.SendBatch{
			InitialMetadata: md,
			OnDone:          execctx.NewClosure(func(_ *execctx.ExecCtx, ok bool) { *r.sendOK = ok }),
		},
		Recv: &transport.RecvBatch{
			Result: &r.res,
			OnDone: execctx.NewClosure(func(_ *execctx.ExecCtx, ok bool) {
				*r.recvDone = true
				*r.recvOK = ok
			}),
		},
	}
	return op, r
}

func TestCallGoesActiveAndForwards(t *testing.T) {
	ec := execctx.New()
	r := NewManualResolver()
	ch := New("dns:example", r, nil)

	policy, _ := newPolicy(1, false, nil)
	call := ch.NewCall(ec, time.Time{}, nil)

	op, res := sendRecvOp(metadata.Pairs("k", "v"))
	call.PerformStreamOp(ec, op)
	ec.Flush()
	// no config yet: the call waits for the resolver
	require.Equal(t, CallWaitingForConfig, call.State())

	r.Push(ec, &Config{Policy: policy})
	ec.Flush()

	require.Equal(t, CallActive, call.State())
	require.NotNil(t, call.SubchannelCall())
	assert.True(t, *res.sendOK)
	assert.False(t, *res.recvDone) // recv stays parked on the open stream

	call.Destroy(ec)
	ec.Finish()
}

func TestCancelBeforePick(t *testing.T) {
	// call_start + send_initial_metadata queues a pick; cancel() delivers
	// the recv completion with status Cancelled and success=false, and no
	// subchannel call is ever created
	ec := execctx.New()
	r := NewManualResolver()
	ch := New("dns:example", r, nil)
	tl := timerlist.New(time.Now(), timerlist.Options{})
	policy, _ := newPolicy(1, true, tl)

	call := ch.NewCall(ec, time.Time{}, nil)
	op, res := sendRecvOp(nil)
	call.PerformStreamOp(ec, op)
	r.Push(ec, &Config{Policy: policy})
	ec.Flush()
	require.Equal(t, CallWaitingForPick, call.State())

	call.PerformStreamOp(ec, &transport.StreamOpBatch{CancelStatus: codes.Canceled})
	ec.Flush()

	require.Equal(t, CallCancelled, call.State())
	require.True(t, *res.recvDone)
	assert.False(t, *res.recvOK)
	require.NotNil(t, res.res.Status)
	assert.Equal(t, codes.Canceled, res.res.Status.Code())
	assert.False(t, *res.sendOK)
	assert.Nil(t, call.SubchannelCall())
}

func TestResolverSwapWithQueuedCall(t *testing.T) {
	// resolver returns an empty config; a queued call stays waiting; a
	// second config with a connectable subchannel routes it to Active
	ec := execctx.New()
	r := NewManualResolver()
	ch := New("dns:example", r, nil)

	call := ch.NewCall(ec, time.Time{}, nil)
	op, res := sendRecvOp(nil)
	call.PerformStreamOp(ec, op)
	ec.Flush()
	require.Equal(t, CallWaitingForConfig, call.State())

	r.Push(ec, &Config{})
	ec.Flush()
	require.Equal(t, CallWaitingForConfig, call.State())

	policy, _ := newPolicy(1, false, nil)
	r.Push(ec, &Config{Policy: policy})
	ec.Flush()

	require.Equal(t, CallActive, call.State())
	require.NotNil(t, call.SubchannelCall())
	assert.True(t, *res.sendOK)

	call.Destroy(ec)
	ec.Finish()
}

func TestWaitingForSendBuffersUntilSend(t *testing.T) {
	ec := execctx.New()
	r := NewManualResolver()
	ch := New("dns:example", r, nil)
	policy, _ := newPolicy(1, false, nil)

	call := ch.NewCall(ec, time.Time{}, nil)

	// a recv-only op cannot select a target yet
	var res transport.RecvResult
	recvDone := false
	call.PerformStreamOp(ec, &transport.StreamOpBatch{
		Recv: &transport.RecvBatch{Result: &res, OnDone: execctx.NewClosure(func(*execctx.ExecCtx, bool) {
			recvDone = true
		})},
	})
	ec.Flush()
	require.Equal(t, CallWaitingForSend, call.State())
	require.False(t, recvDone)

	// the send arrives and the merged op proceeds
	sendOK := false
	call.PerformStreamOp(ec, &transport.StreamOpBatch{
		Send: &transport.SendBatch{OnDone: execctx.NewClosure(func(_ *execctx.ExecCtx, ok bool) { sendOK = ok })},
	})
	r.Push(ec, &Config{Policy: policy})
	ec.Flush()
	require.Equal(t, CallActive, call.State())
	assert.True(t, sendOK)

	call.Destroy(ec)
	ec.Finish()
}

func TestCancelWhileWaitingForSend(t *testing.T) {
	ec := execctx.New()
	r := NewManualResolver()
	ch := New("dns:example", r, nil)

	call := ch.NewCall(ec, time.Time{}, nil)
	var res transport.RecvResult
	recvOK := true
	call.PerformStreamOp(ec, &transport.StreamOpBatch{
		Recv: &transport.RecvBatch{Result: &res, OnDone: execctx.NewClosure(func(_ *execctx.ExecCtx, ok bool) {
			recvOK = ok
		})},
	})
	ec.Flush()
	require.Equal(t, CallWaitingForSend, call.State())

	call.PerformStreamOp(ec, &transport.StreamOpBatch{CancelStatus: codes.Canceled})
	ec.Flush()
	require.Equal(t, CallCancelled, call.State())
	assert.False(t, recvOK)
	require.NotNil(t, res.Status)
	assert.Equal(t, codes.Canceled, res.Status.Code())
}

func TestOpsAfterCancellationFailImmediately(t *testing.T) {
	ec := execctx.New()
	r := NewManualResolver()
	ch := New("dns:example", r, nil)

	call := ch.NewCall(ec, time.Time{}, nil)
	call.PerformStreamOp(ec, &transport.StreamOpBatch{CancelStatus: codes.Canceled})
	ec.Flush()
	require.Equal(t, CallCancelled, call.State())

	op, res := sendRecvOp(nil)
	call.PerformStreamOp(ec, op)
	ec.Flush()
	require.True(t, *res.recvDone)
	assert.False(t, *res.recvOK)
	assert.Equal(t, codes.Canceled, res.res.Status.Code())
}

// parkedPolicy is a Policy whose picks park until the test releases them,
// so pick completion can be raced against cancellation from another
// goroutine.
type parkedPolicy struct {
	mu         sync.Mutex
	target     **subchannel.Subchannel
	onComplete *execctx.Closure
	cancelled  bool
}

func (p *parkedPolicy) Pick(_ *execctx.ExecCtx, _ *poller.Pollent, _ metadata.MD, target **subchannel.Subchannel, onComplete *execctx.Closure) bool {
	p.mu.Lock()
	p.target = target
	p.onComplete = onComplete
	p.mu.Unlock()
	return false
}

func (p *parkedPolicy) CancelPick(_ *execctx.ExecCtx, _ **subchannel.Subchannel) {
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
}

func (p *parkedPolicy) ExitIdle(*execctx.ExecCtx) {}

func (p *parkedPolicy) Broadcast(*execctx.ExecCtx, *transport.Op) {}

func (p *parkedPolicy) PingOne(ec *execctx.ExecCtx, onAck *execctx.Closure) {
	ec.Enqueue(onAck, false)
}

func (p *parkedPolicy) CheckConnectivity() connectivity.State { return connectivity.Connecting }

func (p *parkedPolicy) NotifyOnStateChange(*execctx.ExecCtx, *connectivity.State, *execctx.Closure) {
}

func (p *parkedPolicy) Shutdown(*execctx.ExecCtx) {}

func readySubchannel(t *testing.T, ec *execctx.ExecCtx) *subchannel.Subchannel {
	t.Helper()
	sc := subchannel.New(subchannel.NewLocalConnector(0), subchannel.Args{Addr: "ready"})
	sc.CheckConnectivity(ec, true)
	ec.Flush()
	require.NotNil(t, sc.GetConnected())
	return sc
}

func TestConcurrentCancelAndPickReady(t *testing.T) {
	// for concurrent cancel and pick-ready completions on a live call,
	// exactly one of the two effects is observable: cancellation with no
	// ops forwarded, or creation with the buffered ops forwarded
	for i := 0; i < 200; i++ {
		setup := execctx.New()
		r := NewManualResolver()
		ch := New("dns:example", r, nil)
		policy := &parkedPolicy{}
		sc := readySubchannel(t, setup)

		call := ch.NewCall(setup, time.Time{}, nil)
		sendDone := make(chan bool, 1)
		call.PerformStreamOp(setup, &transport.StreamOpBatch{
			Send: &transport.SendBatch{
				InitialMetadata: metadata.Pairs("k", "v"),
				OnDone:          execctx.NewClosure(func(_ *execctx.ExecCtx, ok bool) { sendDone <- ok }),
			},
		})
		r.Push(setup, &Config{Policy: policy})
		setup.Finish()
		require.Equal(t, CallWaitingForPick, call.State())
		require.NotNil(t, policy.onComplete)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			ec := execctx.New()
			call.PerformStreamOp(ec, &transport.StreamOpBatch{CancelStatus: codes.Canceled})
			ec.Finish()
		}()
		go func() {
			defer wg.Done()
			ec := execctx.New()
			*policy.target = sc
			ec.Enqueue(policy.onComplete, true)
			ec.Finish()
		}()
		wg.Wait()

		select {
		case ok := <-sendDone:
			ec := execctx.New()
			if ok {
				// creation won: the buffered op was forwarded to the
				// installed subchannel call
				require.Equal(t, CallActive, call.State(), "iteration %d", i)
				require.NotNil(t, call.SubchannelCall(), "iteration %d", i)
			} else {
				// cancellation won: no op forwarded; a call installed by a
				// simultaneous create only ever receives the cancellation
				require.Equal(t, CallCancelled, call.State(), "iteration %d", i)
			}
			call.Destroy(ec)
			ec.Finish()
		case <-time.After(time.Second):
			t.Fatalf("iteration %d: buffered op never completed", i)
		}
	}
}

func TestDeadlineCancelsQueuedCall(t *testing.T) {
	ec := execctx.New()
	r := NewManualResolver()
	tl := timerlist.New(time.Now(), timerlist.Options{})
	ch := New("dns:example", r, nil).WithTimers(tl)

	deadline := time.Now().Add(50 * time.Millisecond)
	call := ch.NewCall(ec, deadline, nil)
	op, res := sendRecvOp(nil)
	call.PerformStreamOp(ec, op)
	ec.Flush()
	require.Equal(t, CallWaitingForConfig, call.State())

	tl.Check(ec, deadline.Add(time.Millisecond), nil)
	ec.Flush()

	require.Equal(t, CallCancelled, call.State())
	require.True(t, *res.recvDone)
	assert.False(t, *res.recvOK)
	assert.Equal(t, codes.DeadlineExceeded, res.res.Status.Code())

	call.Destroy(ec)
	ec.Finish()
}

func TestChannelExitIdleWhenLBArrives(t *testing.T) {
	ec := execctx.New()
	r := NewManualResolver()
	ch := New("dns:example", r, nil)

	require.Equal(t, connectivity.Idle, ch.CheckConnectivity(ec, true))
	ec.Flush()

	policy, _ := newPolicy(1, false, nil)
	r.Push(ec, &Config{Policy: policy})
	ec.Flush()

	assert.Equal(t, connectivity.Ready, ch.CheckConnectivity(ec, false))
}

func TestChannelDisconnectCancelsNewCalls(t *testing.T) {
	ec := execctx.New()
	r := NewManualResolver()
	ch := New("dns:example", r, nil)

	ch.PerformOp(ec, &transport.Op{Disconnect: true})
	ec.Flush()
	assert.Equal(t, connectivity.Shutdown, ch.CheckConnectivity(ec, false))

	call := ch.NewCall(ec, time.Time{}, nil)
	op, res := sendRecvOp(nil)
	call.PerformStreamOp(ec, op)
	ec.Flush()
	require.Equal(t, CallCancelled, call.State())
	require.True(t, *res.recvDone)
	assert.False(t, *res.recvOK)
}

func TestChannelWatcherFollowsPolicy(t *testing.T) {
	ec := execctx.New()
	r := NewManualResolver()
	ch := New("dns:example", r, nil)

	observed := connectivity.Idle
	states := []connectivity.State{}
	var watch func()
	var cl *execctx.Closure
	cl = execctx.NewClosure(func(*execctx.ExecCtx, bool) {
		states = append(states, observed)
		if observed != connectivity.Shutdown {
			watch()
		}
	})
	watch = func() { ch.NotifyOnStateChange(ec, &observed, cl) }
	watch()

	policy, _ := newPolicy(1, false, nil)
	require.Equal(t, connectivity.Idle, ch.CheckConnectivity(ec, true))
	r.Push(ec, &Config{Policy: policy})
	ec.Flush()

	assert.Contains(t, states, connectivity.Ready)
}
