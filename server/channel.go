package server

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/joeycumines/go-rpccore/connectivity"
	"github.com/joeycumines/go-rpccore/cq"
	"github.com/joeycumines/go-rpccore/execctx"
	"github.com/joeycumines/go-rpccore/transport"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type callState int

const (
	callNotStarted callState = iota
	callPending
	callActivated
	callZombied
)

// chanRegisteredMethod is one slot of a channel's (host, method) table.
type chanRegisteredMethod struct {
	server *RegisteredMethod
	method string
	host   string
}

// serverChannel binds one transport to the server's dispatch tables.
type serverChannel struct {
	server *Server
	t      transport.Transport

	registered []chanRegisteredMethod
	slots      uint32
	maxProbes  uint32

	connectivityState   connectivity.State
	connectivityClosure execctx.Closure

	next *serverChannel
	prev *serverChannel
}

func kvHash(host, method string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(host))
	h.Write([]byte{0})
	h.Write([]byte(method))
	return h.Sum32()
}

// ServeTransport attaches a transport to the server: inbound streams are
// matched against registered methods and request tokens, and the channel is
// torn down when the transport's connectivity reaches Shutdown.
func (s *Server) ServeTransport(ec *execctx.ExecCtx, t transport.Transport) {
	if !s.started {
		panic("server: ServeTransport before Start")
	}
	chand := &serverChannel{server: s, t: t}

	// build the (host, method) lookup table: double the slots for probing
	// headroom
	if s.numMethods > 0 {
		chand.slots = uint32(2 * s.numMethods)
		chand.registered = make([]chanRegisteredMethod, chand.slots)
		for rm := s.registeredMethods; rm != nil; rm = rm.next {
			hash := kvHash(rm.host, rm.method)
			var probes uint32
			for chand.registered[(hash+probes)%chand.slots].server != nil {
				probes++
			}
			if probes > chand.maxProbes {
				chand.maxProbes = probes
			}
			slot := &chand.registered[(hash+probes)%chand.slots]
			slot.server = rm
			slot.method = rm.method
			slot.host = rm.host
		}
	}

	s.muGlobal.Lock()
	chand.next = s.rootChannel.next
	chand.prev = &s.rootChannel
	chand.next.prev = chand
	chand.prev.next = chand
	s.muGlobal.Unlock()

	chand.connectivityState = connectivity.Ready
	chand.connectivityClosure.Run = chand.connectivityChanged

	t.PerformOp(ec, &transport.Op{
		AcceptStream: chand.acceptStream,
		ConnectivityState:         &chand.connectivityState,
		OnConnectivityStateChange: &chand.connectivityClosure,
	})
}

func (chand *serverChannel) connectivityChanged(ec *execctx.ExecCtx, success bool) {
	if success && chand.connectivityState != connectivity.Shutdown {
		chand.t.PerformOp(ec, &transport.Op{
			ConnectivityState:         &chand.connectivityState,
			OnConnectivityStateChange: &chand.connectivityClosure,
		})
		return
	}
	s := chand.server
	s.muGlobal.Lock()
	chand.destroyLocked(ec)
	s.muGlobal.Unlock()
}

// destroyLocked unlinks the channel and re-checks shutdown progress.
// Requires muGlobal.
func (chand *serverChannel) destroyLocked(ec *execctx.ExecCtx) {
	if chand.next == chand {
		return
	}
	chand.next.prev = chand.prev
	chand.prev.next = chand.next
	chand.next = chand
	chand.prev = chand
	chand.server.maybeFinishShutdownLocked(ec)
}

// acceptStream runs for each new inbound stream: the call reads its initial
// metadata, then enters matching.
func (chand *serverChannel) acceptStream(ec *execctx.ExecCtx, t transport.Transport, stream transport.Stream) {
	calld := &ServerCall{chand: chand, stream: stream}
	calld.recvClosure.Run = calld.onInitialMetadata
	t.PerformStreamOp(ec, stream, &transport.StreamOpBatch{
		Recv: &transport.RecvBatch{Result: &calld.recvResult, OnDone: &calld.recvClosure},
	})
}

// ServerCall is one inbound stream moving through match and dispatch.
type ServerCall struct {
	chand  *serverChannel
	stream transport.Stream

	recvResult  transport.RecvResult
	recvClosure execctx.Closure

	muState  sync.Mutex
	state    callState
	path     string
	host     string
	deadline time.Time
	md       metadata.MD

	pendingNext *ServerCall

	cqBound *cq.CompletionQueue
}

// Path returns the call's method path.
func (c *ServerCall) Path() string { return c.path }

// Host returns the call's authority.
func (c *ServerCall) Host() string { return c.host }

// Deadline returns the call's deadline (zero when none was supplied).
func (c *ServerCall) Deadline() time.Time { return c.deadline }

// Metadata returns the call's initial metadata.
func (c *ServerCall) Metadata() metadata.MD { return c.md }

// Stream returns the underlying transport stream.
func (c *ServerCall) Stream() transport.Stream { return c.stream }

// BoundCQ returns the completion queue the call was bound to at match time.
func (c *ServerCall) BoundCQ() *cq.CompletionQueue { return c.cqBound }

func (c *ServerCall) onInitialMetadata(ec *execctx.ExecCtx, success bool) {
	if !success || c.recvResult.State == transport.StreamClosed || c.recvResult.Metadata == nil {
		// the stream died before it identified itself
		c.muState.Lock()
		if c.state == callNotStarted {
			c.state = callZombied
			c.muState.Unlock()
			c.destroy(ec)
			return
		}
		c.muState.Unlock()
		return
	}
	md := c.recvResult.Metadata
	if v := md.Get(transport.PathKey); len(v) > 0 {
		c.path = v[0]
	}
	if v := md.Get(transport.AuthorityKey); len(v) > 0 {
		c.host = v[0]
	}
	if v := md.Get(transport.TimeoutKey); len(v) > 0 {
		if d, err := time.ParseDuration(v[0]); err == nil {
			c.deadline = time.Now().Add(d)
		}
	}
	c.md = md
	if c.path == "" {
		c.muState.Lock()
		c.state = callZombied
		c.muState.Unlock()
		c.destroy(ec)
		return
	}
	c.startNewRPC(ec)
}

// startNewRPC routes the call to its request matcher: an exact
// (host, method) registration, a wildcard-host registration, or the
// unregistered catch-all.
func (c *ServerCall) startNewRPC(ec *execctx.ExecCtx) {
	chand := c.chand
	s := chand.server

	if chand.registered != nil && c.path != "" {
		hash := kvHash(c.host, c.path)
		for i := uint32(0); i <= chand.maxProbes; i++ {
			rm := &chand.registered[(hash+i)%chand.slots]
			if rm.server == nil {
				break
			}
			if rm.host != c.host || rm.method != c.path {
				continue
			}
			c.finishStartNewRPC(ec, &rm.server.matcher)
			return
		}
		hash = kvHash("", c.path)
		for i := uint32(0); i <= chand.maxProbes; i++ {
			rm := &chand.registered[(hash+i)%chand.slots]
			if rm.server == nil {
				break
			}
			if rm.host != "" || rm.method != c.path {
				continue
			}
			c.finishStartNewRPC(ec, &rm.server.matcher)
			return
		}
	}
	c.finishStartNewRPC(ec, &s.unregistered)
}

func (c *ServerCall) finishStartNewRPC(ec *execctx.ExecCtx, matcher *requestMatcher) {
	s := c.chand.server

	if s.shutdownFlag.Load() {
		c.muState.Lock()
		c.state = callZombied
		c.muState.Unlock()
		c.destroy(ec)
		return
	}

	id := matcher.requests.pop()
	if id == lfsEmpty {
		// no request outstanding: park the call
		s.muCall.Lock()
		c.muState.Lock()
		c.state = callPending
		c.muState.Unlock()
		if matcher.pendingHead == nil {
			matcher.pendingHead = c
			matcher.pendingTail = c
		} else {
			matcher.pendingTail.pendingNext = c
			matcher.pendingTail = c
		}
		c.pendingNext = nil
		s.muCall.Unlock()
		return
	}
	c.muState.Lock()
	c.state = callActivated
	c.muState.Unlock()
	s.beginCall(ec, c, &s.requestedCalls[id])
}

// destroy tears down a zombied call's stream.
func (c *ServerCall) destroy(ec *execctx.ExecCtx) {
	if st, ok := c.stream.(*transport.InProcStream); ok {
		st.Close(ec, status.New(codes.Unavailable, "call never matched"))
	}
}

// channelBroadcaster snapshots the live channels for a fan-out outside the
// server locks.
type channelBroadcaster struct {
	transports []transport.Transport
}

// channelBroadcasterLocked requires muGlobal.
func (s *Server) channelBroadcasterLocked() *channelBroadcaster {
	b := &channelBroadcaster{}
	for ch := s.rootChannel.next; ch != &s.rootChannel; ch = ch.next {
		b.transports = append(b.transports, ch.t)
	}
	return b
}

func (b *channelBroadcaster) shutdown(ec *execctx.ExecCtx, sendGoaway, sendDisconnect bool) {
	for _, t := range b.transports {
		t.PerformOp(ec, &transport.Op{
			GoAway:        sendGoaway,
			GoAwayMessage: "Server shutdown",
			Disconnect:    sendDisconnect || sendGoaway,
		})
	}
}
