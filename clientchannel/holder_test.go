package clientchannel

import (
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-rpccore/connectivity"
	"github.com/joeycumines/go-rpccore/execctx"
	"github.com/joeycumines/go-rpccore/subchannel"
	"github.com/joeycumines/go-rpccore/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
)

// readyConnection produces a live Connection by connecting a subchannel
// over an in-process transport.
func readyConnection(t *testing.T, ec *execctx.ExecCtx) *subchannel.Connection {
	t.Helper()
	sc := subchannel.New(subchannel.NewLocalConnector(0), subchannel.Args{Addr: "a"})
	sc.CheckConnectivity(ec, true)
	ec.Flush()
	con := sc.GetConnected()
	require.NotNil(t, con)
	return con
}

// manualPick is a PickSubchannel that parks until released.
type manualPick struct {
	mu        sync.Mutex
	target    **subchannel.Connection
	onReady   *execctx.Closure
	cancelled bool
}

func (m *manualPick) pick(ec *execctx.ExecCtx, initialMetadata metadata.MD, _ uint32, target **subchannel.Connection, onReady *execctx.Closure) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if initialMetadata == nil {
		m.cancelled = true
		return false
	}
	m.target = target
	m.onReady = onReady
	return false
}

func TestHolderImmediatePick(t *testing.T) {
	ec := execctx.New()
	con := readyConnection(t, ec)

	h := NewCallHolder(func(_ *execctx.ExecCtx, md metadata.MD, _ uint32, target **subchannel.Connection, _ *execctx.Closure) bool {
		require.NotNil(t, md)
		*target = con
		return true
	}, nil)

	sendOK := false
	h.PerformOp(ec, &transport.StreamOpBatch{
		Send: &transport.SendBatch{
			InitialMetadata: metadata.Pairs("k", "v"),
			OnDone:          execctx.NewClosure(func(_ *execctx.ExecCtx, ok bool) { sendOK = ok }),
		},
	})
	ec.Flush()

	require.NotNil(t, h.Call())
	assert.True(t, sendOK)
	h.Call().Unref(ec)
	ec.Finish()
}

func TestHolderQueuesOpsUntilPickReady(t *testing.T) {
	ec := execctx.New()
	con := readyConnection(t, ec)
	mp := &manualPick{}
	h := NewCallHolder(mp.pick, nil)

	// the first op carries send metadata and starts the pick
	var order []string
	mkSend := func(name string) *transport.StreamOpBatch {
		return &transport.StreamOpBatch{
			Send: &transport.SendBatch{
				InitialMetadata: metadata.Pairs("op", name),
				OnDone: execctx.NewClosure(func(*execctx.ExecCtx, bool) {
					order = append(order, name)
				}),
			},
		}
	}
	h.PerformOp(ec, mkSend("first"))
	ec.Flush()
	require.NotNil(t, mp.onReady)
	require.Nil(t, h.Call())

	// a recv-only op queues behind the pick
	var res transport.RecvResult
	h.PerformOp(ec, &transport.StreamOpBatch{
		Recv: &transport.RecvBatch{Result: &res, OnDone: execctx.NewClosure(func(*execctx.ExecCtx, bool) {
			order = append(order, "recv")
		})},
	})
	ec.Flush()
	require.Empty(t, order)

	// the pick completes: ops drain in order
	*mp.target = con
	ec.Enqueue(mp.onReady, true)
	ec.Flush()

	require.NotNil(t, h.Call())
	assert.Equal(t, []string{"first"}, order[:1])
	// recv is parked on the open stream, so only the send completed
	assert.Len(t, order, 1)

	h.Call().Unref(ec)
	ec.Finish()
}

func TestHolderCancelBeforePick(t *testing.T) {
	ec := execctx.New()
	h := NewCallHolder(func(*execctx.ExecCtx, metadata.MD, uint32, **subchannel.Connection, *execctx.Closure) bool {
		t.Fatal("pick must not run")
		return false
	}, nil)

	var res transport.RecvResult
	recvOK := true
	h.PerformOp(ec, &transport.StreamOpBatch{
		CancelStatus: codes.Canceled,
		Recv: &transport.RecvBatch{Result: &res, OnDone: execctx.NewClosure(func(_ *execctx.ExecCtx, ok bool) {
			recvOK = ok
		})},
	})
	ec.Flush()

	require.True(t, h.Cancelled())
	assert.False(t, recvOK)
	require.NotNil(t, res.Status)
	assert.Equal(t, codes.Canceled, res.Status.Code())

	// later ops fail on the fast path
	failed := true
	h.PerformOp(ec, &transport.StreamOpBatch{
		Send: &transport.SendBatch{OnDone: execctx.NewClosure(func(_ *execctx.ExecCtx, ok bool) { failed = !ok })},
	})
	ec.Flush()
	assert.True(t, failed)
}

func TestHolderCancelDuringPick(t *testing.T) {
	ec := execctx.New()
	con := readyConnection(t, ec)
	mp := &manualPick{}
	h := NewCallHolder(mp.pick, nil)

	sendOK := true
	h.PerformOp(ec, &transport.StreamOpBatch{
		Send: &transport.SendBatch{
			InitialMetadata: metadata.Pairs("k", "v"),
			OnDone:          execctx.NewClosure(func(_ *execctx.ExecCtx, ok bool) { sendOK = ok }),
		},
	})
	ec.Flush()
	require.NotNil(t, mp.onReady)

	h.PerformOp(ec, &transport.StreamOpBatch{CancelStatus: codes.Canceled})
	ec.Flush()
	require.True(t, h.Cancelled())
	assert.True(t, mp.cancelled)

	// the pick completes anyway; no call may be created, and the queued send
	// fails against the cancelled slot
	*mp.target = con
	ec.Enqueue(mp.onReady, true)
	ec.Flush()
	assert.Nil(t, h.Call())
	assert.True(t, h.Cancelled())
	assert.False(t, sendOK)
}

func TestHolderPickFailure(t *testing.T) {
	ec := execctx.New()
	mp := &manualPick{}
	h := NewCallHolder(mp.pick, nil)

	var res transport.RecvResult
	recvOK := true
	h.PerformOp(ec, &transport.StreamOpBatch{
		Send: &transport.SendBatch{InitialMetadata: metadata.Pairs("k", "v")},
		Recv: &transport.RecvBatch{Result: &res, OnDone: execctx.NewClosure(func(_ *execctx.ExecCtx, ok bool) {
			recvOK = ok
		})},
	})
	ec.Flush()
	require.NotNil(t, mp.onReady)

	// pick completes with no connection
	ec.Enqueue(mp.onReady, false)
	ec.Flush()

	assert.True(t, h.Cancelled())
	assert.False(t, recvOK)
}

func TestChannelCallHolderPicksThroughPolicy(t *testing.T) {
	// a holder minted by the channel resolves its pick through the
	// channel's current load-balancing policy
	ec := execctx.New()
	r := NewManualResolver()
	ch := New("dns:example", r, nil)

	policy, _ := newPolicy(1, false, nil)
	require.Equal(t, connectivity.Idle, ch.CheckConnectivity(ec, true))
	r.Push(ec, &Config{Policy: policy})
	ec.Flush()
	require.Equal(t, connectivity.Ready, ch.CheckConnectivity(ec, false))

	h := ch.NewCallHolder(nil)
	sendOK := false
	h.PerformOp(ec, &transport.StreamOpBatch{
		Send: &transport.SendBatch{
			InitialMetadata: metadata.Pairs("k", "v"),
			OnDone:          execctx.NewClosure(func(_ *execctx.ExecCtx, ok bool) { sendOK = ok }),
		},
	})
	ec.Flush()

	require.NotNil(t, h.Call())
	assert.True(t, sendOK)
	h.Destroy(ec)
	ec.Finish()
}

func TestChannelCallHolderPendingPick(t *testing.T) {
	// the policy has no ready subchannel yet: the holder parks the op and
	// drains it once the pick completes
	ec := execctx.New()
	r := NewManualResolver()
	ch := New("dns:example", r, nil)

	policy, _ := newPolicy(1, false, nil)
	r.Push(ec, &Config{Policy: policy})
	ec.Flush()

	h := ch.NewCallHolder(nil)
	sendOK := false
	h.PerformOp(ec, &transport.StreamOpBatch{
		Send: &transport.SendBatch{
			InitialMetadata: metadata.Pairs("k", "v"),
			OnDone:          execctx.NewClosure(func(_ *execctx.ExecCtx, ok bool) { sendOK = ok }),
		},
	})
	ec.Flush()

	require.NotNil(t, h.Call())
	assert.True(t, sendOK)
	h.Destroy(ec)
	ec.Finish()
}

func TestHolderConcurrentCancelAndReady(t *testing.T) {
	// exactly one of the two effects is observable: cancellation with no
	// ops forwarded, or creation with all buffered ops forwarded
	for i := 0; i < 200; i++ {
		setup := execctx.New()
		con := readyConnection(t, setup)
		mp := &manualPick{}
		h := NewCallHolder(mp.pick, nil)

		sendDone := make(chan bool, 1)
		h.PerformOp(setup, &transport.StreamOpBatch{
			Send: &transport.SendBatch{
				InitialMetadata: metadata.Pairs("k", "v"),
				OnDone:          execctx.NewClosure(func(_ *execctx.ExecCtx, ok bool) { sendDone <- ok }),
			},
		})
		setup.Finish()
		*mp.target = con

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			ec := execctx.New()
			h.PerformOp(ec, &transport.StreamOpBatch{CancelStatus: codes.Canceled})
			ec.Finish()
		}()
		go func() {
			defer wg.Done()
			ec := execctx.New()
			h.subchannelReady(ec, true)
			ec.Finish()
		}()
		wg.Wait()

		select {
		case ok := <-sendDone:
			if h.Cancelled() {
				require.False(t, ok, "iteration %d: cancelled but op forwarded", i)
				require.Nil(t, h.Call())
			} else {
				require.True(t, ok, "iteration %d: created but op failed", i)
				require.NotNil(t, h.Call())
				ec := execctx.New()
				h.Call().Unref(ec)
				ec.Finish()
			}
		case <-time.After(time.Second):
			t.Fatalf("iteration %d: buffered op never completed", i)
		}
	}
}
