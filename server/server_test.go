package server

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-rpccore/cq"
	"github.com/joeycumines/go-rpccore/execctx"
	"github.com/joeycumines/go-rpccore/poller"
	"github.com/joeycumines/go-rpccore/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"
)

func newServerCQ() *cq.CompletionQueue {
	return cq.New(poller.NewNotifier(), nil)
}

func streamMD(path, host string) metadata.MD {
	return metadata.Pairs(transport.PathKey, path, transport.AuthorityKey, host)
}

func TestRequestThenStream(t *testing.T) {
	ec := execctx.New()
	cc := newServerCQ()
	s := NewServer(Options{})
	s.RegisterCQ(cc)
	s.Start(ec)

	tr := transport.NewInProc()
	s.ServeTransport(ec, tr)
	ec.Flush()

	var call *ServerCall
	var details CallDetails
	var md metadata.MD
	require.NoError(t, s.RequestCall(ec, &call, &details, &md, cc, cc, "tag-1"))
	ec.Flush()

	tr.AcceptStream(ec, streamMD("/svc/Method", "example.com"))
	ec.Flush()

	ev := cc.Next(cq.InfFuture)
	require.Equal(t, cq.OpComplete, ev.Type)
	assert.Equal(t, "tag-1", ev.Tag)
	assert.True(t, ev.Success)
	require.NotNil(t, call)
	assert.Equal(t, "/svc/Method", details.Method)
	assert.Equal(t, "example.com", details.Host)
	assert.Equal(t, "/svc/Method", call.Path())
	assert.Same(t, cc, call.BoundCQ())
}

func TestStreamThenRequest(t *testing.T) {
	ec := execctx.New()
	cc := newServerCQ()
	s := NewServer(Options{})
	s.RegisterCQ(cc)
	s.Start(ec)

	tr := transport.NewInProc()
	s.ServeTransport(ec, tr)
	tr.AcceptStream(ec, streamMD("/svc/M", "h"))
	ec.Flush()

	var call *ServerCall
	var details CallDetails
	var md metadata.MD
	require.NoError(t, s.RequestCall(ec, &call, &details, &md, cc, cc, "tag"))
	ec.Flush()

	ev := cc.Next(cq.InfFuture)
	require.Equal(t, cq.OpComplete, ev.Type)
	assert.True(t, ev.Success)
	require.NotNil(t, call)
	assert.Equal(t, "/svc/M", call.Path())
}

func TestRegisteredMethodMatching(t *testing.T) {
	ec := execctx.New()
	cc := newServerCQ()
	s := NewServer(Options{})
	s.RegisterCQ(cc)
	exact := s.RegisterMethod("/svc/Exact", "special.example.com")
	wildcard := s.RegisterMethod("/svc/Wild", "")
	s.Start(ec)

	tr := transport.NewInProc()
	s.ServeTransport(ec, tr)
	ec.Flush()

	var exactCall, wildCall, unregCall *ServerCall
	var deadline time.Time
	var md1, md2, md3 metadata.MD
	var details CallDetails
	require.NoError(t, s.RequestRegisteredCall(ec, exact, &exactCall, &deadline, &md1, cc, cc, "exact"))
	require.NoError(t, s.RequestRegisteredCall(ec, wildcard, &wildCall, &deadline, &md2, cc, cc, "wild"))
	require.NoError(t, s.RequestCall(ec, &unregCall, &details, &md3, cc, cc, "unreg"))
	ec.Flush()

	// exact host+method
	tr.AcceptStream(ec, streamMD("/svc/Exact", "special.example.com"))
	// wildcard host
	tr.AcceptStream(ec, streamMD("/svc/Wild", "any.example.com"))
	// no registration: catch-all
	tr.AcceptStream(ec, streamMD("/svc/Other", "any.example.com"))
	ec.Flush()

	got := map[any]bool{}
	for i := 0; i < 3; i++ {
		ev := cc.Next(cq.InfFuture)
		require.Equal(t, cq.OpComplete, ev.Type)
		require.True(t, ev.Success)
		got[ev.Tag] = true
	}
	assert.True(t, got["exact"] && got["wild"] && got["unreg"])
	assert.Equal(t, "/svc/Exact", exactCall.Path())
	assert.Equal(t, "/svc/Wild", wildCall.Path())
	assert.Equal(t, "/svc/Other", unregCall.Path())
}

func TestRegisteredMethodHostMismatchFallsToCatchAll(t *testing.T) {
	ec := execctx.New()
	cc := newServerCQ()
	s := NewServer(Options{})
	s.RegisterCQ(cc)
	exact := s.RegisterMethod("/svc/M", "required.example.com")
	_ = exact
	s.Start(ec)

	tr := transport.NewInProc()
	s.ServeTransport(ec, tr)
	ec.Flush()

	var call *ServerCall
	var details CallDetails
	var md metadata.MD
	require.NoError(t, s.RequestCall(ec, &call, &details, &md, cc, cc, "catchall"))
	ec.Flush()

	tr.AcceptStream(ec, streamMD("/svc/M", "other.example.com"))
	ec.Flush()

	ev := cc.Next(cq.InfFuture)
	require.Equal(t, cq.OpComplete, ev.Type)
	assert.Equal(t, "catchall", ev.Tag)
	assert.True(t, ev.Success)
}

func TestDeadlinePropagation(t *testing.T) {
	ec := execctx.New()
	cc := newServerCQ()
	s := NewServer(Options{})
	s.RegisterCQ(cc)
	s.Start(ec)

	tr := transport.NewInProc()
	s.ServeTransport(ec, tr)
	ec.Flush()

	var call *ServerCall
	var details CallDetails
	var md metadata.MD
	require.NoError(t, s.RequestCall(ec, &call, &details, &md, cc, cc, "t"))
	ec.Flush()

	streamMeta := streamMD("/m", "h")
	streamMeta.Set(transport.TimeoutKey, "5s")
	before := time.Now()
	tr.AcceptStream(ec, streamMeta)
	ec.Flush()

	ev := cc.Next(cq.InfFuture)
	require.True(t, ev.Success)
	require.False(t, details.Deadline.IsZero())
	assert.WithinDuration(t, before.Add(5*time.Second), details.Deadline, time.Second)
}

func TestTokenPoolExhaustion(t *testing.T) {
	ec := execctx.New()
	cc := newServerCQ()
	s := NewServer(Options{MaxRequestedCalls: 2})
	s.RegisterCQ(cc)
	s.Start(ec)

	var calls [3]*ServerCall
	var details [3]CallDetails
	var md [3]metadata.MD
	for i := 0; i < 3; i++ {
		require.NoError(t, s.RequestCall(ec, &calls[i], &details[i], &md[i], cc, cc, i))
	}
	ec.Flush()

	// the third request fails synchronously with success=false
	ev := cc.Next(cq.InfFuture)
	require.Equal(t, cq.OpComplete, ev.Type)
	assert.Equal(t, 2, ev.Tag)
	assert.False(t, ev.Success)
}

func TestShutdownKillsRequestsAndNotifies(t *testing.T) {
	ec := execctx.New()
	cc := newServerCQ()
	s := NewServer(Options{})
	s.RegisterCQ(cc)
	s.Start(ec)

	tr := transport.NewInProc()
	s.ServeTransport(ec, tr)
	ec.Flush()

	var call *ServerCall
	var details CallDetails
	var md metadata.MD
	require.NoError(t, s.RequestCall(ec, &call, &details, &md, cc, cc, "req"))
	ec.Flush()

	s.ShutdownAndNotify(ec, cc, "shutdown")
	ec.Flush()

	// the outstanding request dies with success=false, then the shutdown
	// tag posts once the channel tears down
	seen := map[any]bool{}
	for i := 0; i < 2; i++ {
		ev := cc.Next(cq.InfFuture)
		require.Equal(t, cq.OpComplete, ev.Type)
		seen[ev.Tag] = ev.Success
	}
	require.Contains(t, seen, "req")
	require.Contains(t, seen, "shutdown")
	assert.False(t, seen["req"])
	assert.True(t, seen["shutdown"])
	assert.Nil(t, call)

	// new requests fail immediately after shutdown
	require.NoError(t, s.RequestCall(ec, &call, &details, &md, cc, cc, "late"))
	ec.Flush()
	ev := cc.Next(cq.InfFuture)
	assert.Equal(t, "late", ev.Tag)
	assert.False(t, ev.Success)

	s.Destroy()
}

func TestShutdownZombifiesPendingCalls(t *testing.T) {
	ec := execctx.New()
	cc := newServerCQ()
	s := NewServer(Options{})
	s.RegisterCQ(cc)
	s.Start(ec)

	tr := transport.NewInProc()
	s.ServeTransport(ec, tr)
	st := tr.AcceptStream(ec, streamMD("/m", "h"))
	ec.Flush()
	require.NotNil(t, st)

	s.ShutdownAndNotify(ec, cc, "shutdown")
	ec.Flush()

	ev := cc.Next(cq.InfFuture)
	require.Equal(t, cq.OpComplete, ev.Type)
	assert.Equal(t, "shutdown", ev.Tag)
	assert.True(t, ev.Success)

	closed, _ := st.Closed()
	assert.True(t, closed)
}

func TestShutdownWaitsForListeners(t *testing.T) {
	ec := execctx.New()
	cc := newServerCQ()
	s := NewServer(Options{})
	s.RegisterCQ(cc)

	started := false
	var release *execctx.Closure
	s.AddListener(
		func(*execctx.ExecCtx, *Server) { started = true },
		func(_ *execctx.ExecCtx, _ *Server, done *execctx.Closure) { release = done },
	)
	s.Start(ec)
	require.True(t, started)

	s.ShutdownAndNotify(ec, cc, "shutdown")
	ec.Flush()

	// the listener has not reported destroyed: no event yet
	ev := cc.Next(time.Now().Add(20 * time.Millisecond))
	require.Equal(t, cq.QueueTimeout, ev.Type)

	ec.Enqueue(release, true)
	ec.Flush()
	ev = cc.Next(cq.InfFuture)
	require.Equal(t, cq.OpComplete, ev.Type)
	assert.Equal(t, "shutdown", ev.Tag)
	s.Destroy()
}

func TestEachStreamMatchedExactlyOnce(t *testing.T) {
	const n = 40
	ec := execctx.New()
	cc := newServerCQ()
	s := NewServer(Options{})
	s.RegisterCQ(cc)
	s.Start(ec)

	tr := transport.NewInProc()
	s.ServeTransport(ec, tr)
	ec.Flush()

	calls := make([]*ServerCall, n)
	details := make([]CallDetails, n)
	md := make([]metadata.MD, n)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			ec := execctx.New()
			require.NoError(t, s.RequestCall(ec, &calls[i], &details[i], &md[i], cc, cc, i))
			ec.Finish()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			ec := execctx.New()
			tr.AcceptStream(ec, streamMD(fmt.Sprintf("/m/%d", i), "h"))
			ec.Finish()
		}
	}()
	wg.Wait()

	matchedTags := map[any]int{}
	matchedPaths := map[string]int{}
	for i := 0; i < n; i++ {
		ev := cc.Next(cq.InfFuture)
		require.Equal(t, cq.OpComplete, ev.Type)
		require.True(t, ev.Success)
		matchedTags[ev.Tag]++
		matchedPaths[calls[ev.Tag.(int)].Path()]++
	}
	// every request matched exactly once, and every stream was delivered to
	// exactly one request
	require.Len(t, matchedTags, n)
	require.Len(t, matchedPaths, n)
	for _, c := range matchedTags {
		assert.Equal(t, 1, c)
	}
	for _, c := range matchedPaths {
		assert.Equal(t, 1, c)
	}
}

func TestLockfreeStack(t *testing.T) {
	s := newLockfreeStack(8)
	assert.Equal(t, lfsEmpty, s.pop())
	assert.True(t, s.push(3))
	assert.False(t, s.push(5))
	assert.Equal(t, int32(5), s.pop())
	assert.Equal(t, int32(3), s.pop())
	assert.Equal(t, lfsEmpty, s.pop())

	// concurrent push/pop conserves tokens
	for i := int32(0); i < 8; i++ {
		s.push(i)
	}
	var wg sync.WaitGroup
	counts := make([]int, 8)
	var mu sync.Mutex
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				id := s.pop()
				if id != lfsEmpty {
					mu.Lock()
					counts[id]++
					mu.Unlock()
					s.push(id)
				}
			}
		}()
	}
	wg.Wait()
	total := 0
	for i := int32(0); i < 8; i++ {
		if s.pop() != lfsEmpty {
			total++
		}
	}
	assert.Equal(t, 8, total)
}
