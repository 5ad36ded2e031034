package cq

import (
	"testing"
	"time"

	"github.com/joeycumines/go-rpccore/execctx"
	"github.com/joeycumines/go-rpccore/poller"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newCQ() *CompletionQueue {
	return New(poller.NewNotifier(), nil)
}

func endOp(cc *CompletionQueue, tag any, success bool) {
	ec := execctx.New()
	cc.EndOp(ec, tag, success, nil, &Completion{})
	ec.Finish()
}

func TestNextDeliversCompletions(t *testing.T) {
	cc := newCQ()
	defer cc.Destroy()

	cc.BeginOp("a")
	endOp(cc, "a", true)

	ev := cc.Next(InfFuture)
	require.Equal(t, OpComplete, ev.Type)
	assert.Equal(t, "a", ev.Tag)
	assert.True(t, ev.Success)
}

func TestNextTimeout(t *testing.T) {
	cc := newCQ()
	defer cc.Destroy()

	ev := cc.Next(time.Now().Add(20 * time.Millisecond))
	assert.Equal(t, QueueTimeout, ev.Type)
}

func TestShutdownDuringPending(t *testing.T) {
	// cq=create(); begin A; begin B; end A true; shutdown; end B false;
	// next x3 -> {A,true}, {B,false}, {QueueShutdown}
	cc := newCQ()
	defer cc.Destroy()

	cc.BeginOp("A")
	cc.BeginOp("B")
	endOp(cc, "A", true)
	cc.Shutdown()
	endOp(cc, "B", false)

	ev := cc.Next(InfFuture)
	require.Equal(t, OpComplete, ev.Type)
	assert.Equal(t, "A", ev.Tag)
	assert.True(t, ev.Success)

	ev = cc.Next(InfFuture)
	require.Equal(t, OpComplete, ev.Type)
	assert.Equal(t, "B", ev.Tag)
	assert.False(t, ev.Success)

	ev = cc.Next(InfFuture)
	assert.Equal(t, QueueShutdown, ev.Type)

	// every subsequent Next also reports shutdown
	ev = cc.Next(InfFuture)
	assert.Equal(t, QueueShutdown, ev.Type)
}

func TestShutdownIdempotent(t *testing.T) {
	cc := newCQ()
	cc.Shutdown()
	cc.Shutdown()
	ev := cc.Next(InfFuture)
	assert.Equal(t, QueueShutdown, ev.Type)
	cc.Destroy()
}

func TestBeginAfterShutdownPanics(t *testing.T) {
	cc := newCQ()
	defer cc.Destroy()
	cc.Shutdown()
	assert.Panics(t, func() { cc.BeginOp("x") })
}

func TestEndWithoutBeginPanics(t *testing.T) {
	cc := newCQ()
	defer cc.Destroy()
	assert.Panics(t, func() { endOp(cc, "x", true) })
	cc.BeginOp("drain")
	endOp(cc, "drain", true)
	cc.Next(InfFuture)
}

func TestDoneCallbackReclaimsStorage(t *testing.T) {
	cc := newCQ()
	defer cc.Destroy()

	cc.BeginOp("a")
	released := false
	storage := &Completion{}
	ec := execctx.New()
	cc.EndOp(ec, "a", true, func(_ *execctx.ExecCtx, c *Completion) {
		require.Same(t, storage, c)
		released = true
	}, storage)
	ec.Finish()

	cc.Next(InfFuture)
	assert.True(t, released)
}

func TestPluckSpecificTag(t *testing.T) {
	cc := newCQ()
	defer cc.Destroy()

	cc.BeginOp("a")
	cc.BeginOp("b")
	endOp(cc, "a", true)
	endOp(cc, "b", true)

	ev := cc.Pluck("b", InfFuture)
	require.Equal(t, OpComplete, ev.Type)
	assert.Equal(t, "b", ev.Tag)

	ev = cc.Pluck("a", InfFuture)
	require.Equal(t, OpComplete, ev.Type)
	assert.Equal(t, "a", ev.Tag)
}

func TestPluckBlocksUntilProduced(t *testing.T) {
	cc := newCQ()
	defer cc.Destroy()

	cc.BeginOp("late")
	go func() {
		time.Sleep(20 * time.Millisecond)
		endOp(cc, "late", true)
	}()
	ev := cc.Pluck("late", InfFuture)
	require.Equal(t, OpComplete, ev.Type)
	assert.Equal(t, "late", ev.Tag)
}

func TestPluckerLimit(t *testing.T) {
	cc := newCQ()
	defer cc.Destroy()

	var eg errgroup.Group
	for i := 0; i < MaxPluckers; i++ {
		i := i
		cc.BeginOp(i)
		eg.Go(func() error {
			ev := cc.Pluck(i, InfFuture)
			if ev.Type != OpComplete {
				t.Errorf("plucker %d: unexpected event %v", i, ev.Type)
			}
			return nil
		})
	}

	// wait for all pluckers to register
	require.Eventually(t, func() bool {
		cc.p.Mu().Lock()
		defer cc.p.Mu().Unlock()
		return cc.numPluckers == MaxPluckers
	}, time.Second, time.Millisecond)

	// the 7th pluck fails immediately
	ev := cc.Pluck("over", InfFuture)
	assert.Equal(t, QueueTimeout, ev.Type)

	for i := 0; i < MaxPluckers; i++ {
		endOp(cc, i, true)
	}
	require.NoError(t, eg.Wait())
}

func TestCrossTagOrderingIsInsertionOrder(t *testing.T) {
	cc := newCQ()
	defer cc.Destroy()

	for i := 0; i < 10; i++ {
		cc.BeginOp(i)
		endOp(cc, i, true)
	}
	for i := 0; i < 10; i++ {
		ev := cc.Next(InfFuture)
		require.Equal(t, OpComplete, ev.Type)
		assert.Equal(t, i, ev.Tag)
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	cc := newCQ()

	const producers, perProducer = 4, 50
	var eg errgroup.Group
	for p := 0; p < producers; p++ {
		p := p
		for i := 0; i < perProducer; i++ {
			cc.BeginOp([2]int{p, i})
		}
		eg.Go(func() error {
			for i := 0; i < perProducer; i++ {
				endOp(cc, [2]int{p, i}, true)
			}
			return nil
		})
	}

	var consumers errgroup.Group
	for c := 0; c < 2; c++ {
		consumers.Go(func() error {
			ev := cc.Next(InfFuture)
			if ev.Type != OpComplete {
				t.Errorf("consumer: unexpected event %v", ev.Type)
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	// drain the rest on this goroutine, then shut down
	seen := 0
	for seen < producers*perProducer-2 {
		ev := cc.Next(InfFuture)
		require.Equal(t, OpComplete, ev.Type)
		seen++
	}
	cc.Shutdown()
	require.NoError(t, consumers.Wait())
	for {
		ev := cc.Next(InfFuture)
		if ev.Type == QueueShutdown {
			break
		}
	}
	cc.Destroy()
}
