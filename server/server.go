// Package server implements the server dispatch core: pairing inbound
// streams with application calls to request_call through per-method request
// matchers, plus orderly shutdown across channels and listeners.
//
// A request matcher keeps (i) a lock-free stack of requested-call tokens
// (the application asked for a call; no stream has arrived) and (ii) a list
// of pending calls (a stream arrived; no request was outstanding). A call
// is always on exactly one side; matching moves it to Activated and posts
// the application's tag to its completion queue.
package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-rpccore/cq"
	"github.com/joeycumines/go-rpccore/execctx"
	"github.com/joeycumines/logiface"
	"google.golang.org/grpc/metadata"
)

// DefaultMaxRequestedCalls sizes the per-server token pool.
const DefaultMaxRequestedCalls = 32768

// ErrNotServerCQ is returned when request_call names a completion queue
// that was never registered with the server.
var ErrNotServerCQ = errors.New("server: completion queue not registered with this server")

// CallDetails receives the routing facts of a matched unregistered call.
type CallDetails struct {
	Method   string
	Host     string
	Deadline time.Time
}

type requestedCall struct {
	tag          any
	cqBound      *cq.CompletionQueue
	cqNotify     *cq.CompletionQueue
	registered   *RegisteredMethod
	callOut      **ServerCall
	detailsOut   *CallDetails
	mdOut        *metadata.MD
	deadlineOut  *time.Time
	completion   cq.Completion
	server       *Server
	slot         int32
}

// requestMatcher pairs requested-call tokens with arrived streams.
type requestMatcher struct {
	pendingHead *ServerCall
	pendingTail *ServerCall
	requests    *lockfreeStack
}

func (rm *requestMatcher) init(entries int) {
	rm.requests = newLockfreeStack(entries)
}

// RegisteredMethod is one (method, host) registration; host may be empty to
// match any authority.
type RegisteredMethod struct {
	method  string
	host    string
	matcher requestMatcher
	next    *RegisteredMethod
}

// Method returns the registered method name.
func (rm *RegisteredMethod) Method() string { return rm.method }

// Host returns the registered host restriction ("" = wildcard).
func (rm *RegisteredMethod) Host() string { return rm.host }

type shutdownTag struct {
	tag        any
	cc         *cq.CompletionQueue
	completion cq.Completion
}

type listener struct {
	start   func(ec *execctx.ExecCtx, s *Server)
	destroy func(ec *execctx.ExecCtx, s *Server, done *execctx.Closure)
	done    execctx.Closure
}

// Options configures a server.
type Options struct {
	// MaxRequestedCalls defaults to DefaultMaxRequestedCalls.
	MaxRequestedCalls int
	// Logger may be nil.
	Logger *logiface.Logger[logiface.Event]
}

// Server is the dispatch core. Construct with [NewServer]; register
// completion queues and methods, add listeners, then [Server.Start].
type Server struct {
	logger            *logiface.Logger[logiface.Event]
	maxRequestedCalls int

	// muGlobal guards channel and listener state; muCall guards matching.
	// When both are held, muGlobal is acquired first.
	muGlobal sync.Mutex
	muCall   sync.Mutex

	cqs               []*cq.CompletionQueue
	registeredMethods *RegisteredMethod
	numMethods        int
	unregistered      requestMatcher

	requestFreelist *lockfreeStack
	requestedCalls  []requestedCall

	shutdownFlag            atomic.Bool
	shutdownPublished       bool
	shutdownTags            []*shutdownTag
	lastShutdownMessageTime time.Time

	listeners          []*listener
	listenersDestroyed int

	rootChannel serverChannel

	started bool
}

// NewServer creates a server.
func NewServer(opts Options) *Server {
	s := &Server{
		logger:            opts.Logger,
		maxRequestedCalls: opts.MaxRequestedCalls,
	}
	if s.maxRequestedCalls <= 0 {
		s.maxRequestedCalls = DefaultMaxRequestedCalls
	}
	s.rootChannel.next = &s.rootChannel
	s.rootChannel.prev = &s.rootChannel
	return s
}

// RegisterCQ registers a completion queue for request_call notification.
// Must precede Start.
func (s *Server) RegisterCQ(cc *cq.CompletionQueue) {
	if s.started {
		panic("server: RegisterCQ after Start")
	}
	cc.MarkServerCQ()
	s.cqs = append(s.cqs, cc)
}

// RegisterMethod registers a (method, host) pair; host "" matches any
// authority. Must precede Start.
func (s *Server) RegisterMethod(method, host string) *RegisteredMethod {
	if s.started {
		panic("server: RegisterMethod after Start")
	}
	if method == "" {
		panic("server: empty method name")
	}
	for rm := s.registeredMethods; rm != nil; rm = rm.next {
		if rm.method == method && rm.host == host {
			panic("server: duplicate method registration: " + method)
		}
	}
	rm := &RegisteredMethod{method: method, host: host, next: s.registeredMethods}
	s.registeredMethods = rm
	s.numMethods++
	return rm
}

// AddListener attaches a listener; start runs at Start, destroy at
// shutdown (it must eventually run its done closure).
func (s *Server) AddListener(
	start func(ec *execctx.ExecCtx, s *Server),
	destroy func(ec *execctx.ExecCtx, s *Server, done *execctx.Closure),
) {
	if s.started {
		panic("server: AddListener after Start")
	}
	l := &listener{start: start, destroy: destroy}
	l.done.Run = func(ec *execctx.ExecCtx, _ bool) { s.listenerDestroyDone(ec) }
	s.listeners = append(s.listeners, l)
}

// Start finalizes registration and starts listeners.
func (s *Server) Start(ec *execctx.ExecCtx) {
	if s.started {
		panic("server: Start called twice")
	}
	s.started = true
	s.requestedCalls = make([]requestedCall, s.maxRequestedCalls)
	s.requestFreelist = newLockfreeStack(s.maxRequestedCalls)
	for i := s.maxRequestedCalls - 1; i >= 0; i-- {
		s.requestFreelist.push(int32(i))
	}
	s.unregistered.init(s.maxRequestedCalls)
	for rm := s.registeredMethods; rm != nil; rm = rm.next {
		rm.matcher.init(s.maxRequestedCalls)
	}
	for _, l := range s.listeners {
		l.start(ec, s)
	}
}

// RequestCall requests the next unmatched call for any method. The tag is
// posted to cqNotify when a stream is matched (success=true, outputs
// populated) or the request fails (success=false).
func (s *Server) RequestCall(
	ec *execctx.ExecCtx,
	call **ServerCall,
	details *CallDetails,
	md *metadata.MD,
	cqBound, cqNotify *cq.CompletionQueue,
	tag any,
) error {
	if !cqNotify.IsServerCQ() {
		return ErrNotServerCQ
	}
	cqNotify.BeginOp(tag)
	rc := &requestedCall{
		tag:        tag,
		cqBound:    cqBound,
		cqNotify:   cqNotify,
		callOut:    call,
		detailsOut: details,
		mdOut:      md,
		server:     s,
	}
	s.queueCallRequest(ec, rc, &s.unregistered)
	return nil
}

// RequestRegisteredCall requests the next unmatched call for rm.
func (s *Server) RequestRegisteredCall(
	ec *execctx.ExecCtx,
	rm *RegisteredMethod,
	call **ServerCall,
	deadline *time.Time,
	md *metadata.MD,
	cqBound, cqNotify *cq.CompletionQueue,
	tag any,
) error {
	if !cqNotify.IsServerCQ() {
		return ErrNotServerCQ
	}
	cqNotify.BeginOp(tag)
	rc := &requestedCall{
		tag:         tag,
		cqBound:     cqBound,
		cqNotify:    cqNotify,
		registered:  rm,
		callOut:     call,
		mdOut:       md,
		deadlineOut: deadline,
		server:      s,
	}
	s.queueCallRequest(ec, rc, &rm.matcher)
	return nil
}

func (s *Server) queueCallRequest(ec *execctx.ExecCtx, rc *requestedCall, matcher *requestMatcher) {
	if s.shutdownFlag.Load() {
		s.failCall(ec, rc)
		return
	}
	slot := s.requestFreelist.pop()
	if slot == lfsEmpty {
		// out of request tokens: fail this one
		s.logger.Warning().
			Int("max", s.maxRequestedCalls).
			Log("server: request token pool exhausted")
		s.failCall(ec, rc)
		return
	}
	rc.slot = slot
	s.requestedCalls[slot] = *rc
	if matcher.requests.push(slot) {
		// first queued request: match against any pending calls
		s.muCall.Lock()
		for {
			calld := matcher.pendingHead
			if calld == nil {
				break
			}
			id := matcher.requests.pop()
			if id == lfsEmpty {
				break
			}
			matcher.pendingHead = calld.pendingNext
			if matcher.pendingHead == nil {
				matcher.pendingTail = nil
			}
			s.muCall.Unlock()
			calld.muState.Lock()
			if calld.state == callZombied {
				calld.muState.Unlock()
				calld.destroy(ec)
				// the request token goes back in the queue
				matcher.requests.push(id)
			} else {
				if calld.state != callPending {
					panic("server: pending list held a non-pending call")
				}
				calld.state = callActivated
				calld.muState.Unlock()
				s.beginCall(ec, calld, &s.requestedCalls[id])
			}
			s.muCall.Lock()
		}
		s.muCall.Unlock()
	}
}

// beginCall hands a matched call to the application: outputs are populated
// and the request's tag is posted with success=true.
func (s *Server) beginCall(ec *execctx.ExecCtx, calld *ServerCall, rc *requestedCall) {
	calld.cqBound = rc.cqBound
	if rc.callOut != nil {
		*rc.callOut = calld
	}
	if rc.detailsOut != nil {
		rc.detailsOut.Method = calld.path
		rc.detailsOut.Host = calld.host
		rc.detailsOut.Deadline = calld.deadline
	}
	if rc.deadlineOut != nil {
		*rc.deadlineOut = calld.deadline
	}
	if rc.mdOut != nil {
		*rc.mdOut = calld.md
	}
	rc.cqNotify.EndOp(ec, rc.tag, true, rc.doneRequestEvent, &rc.completion)
}

// failCall completes a request unsuccessfully.
func (s *Server) failCall(ec *execctx.ExecCtx, rc *requestedCall) {
	if rc.callOut != nil {
		*rc.callOut = nil
	}
	if rc.mdOut != nil {
		*rc.mdOut = nil
	}
	rc.cqNotify.EndOp(ec, rc.tag, false, rc.doneRequestEvent, &rc.completion)
}

// doneRequestEvent releases the request token once the application has
// consumed the event.
func (rc *requestedCall) doneRequestEvent(*execctx.ExecCtx, *cq.Completion) {
	if rc.server != nil && rc == &rc.server.requestedCalls[rc.slot] {
		rc.server.requestFreelist.push(rc.slot)
	}
}

// killPendingWorkLocked fails all queued request tokens and zombifies all
// pending calls. Requires muGlobal and muCall.
func (s *Server) killPendingWorkLocked(ec *execctx.ExecCtx) {
	s.matcherKillRequests(ec, &s.unregistered)
	s.matcherZombifyPending(ec, &s.unregistered)
	for rm := s.registeredMethods; rm != nil; rm = rm.next {
		s.matcherKillRequests(ec, &rm.matcher)
		s.matcherZombifyPending(ec, &rm.matcher)
	}
}

func (s *Server) matcherKillRequests(ec *execctx.ExecCtx, matcher *requestMatcher) {
	if matcher.requests == nil {
		return
	}
	for {
		id := matcher.requests.pop()
		if id == lfsEmpty {
			return
		}
		s.failCall(ec, &s.requestedCalls[id])
	}
}

func (s *Server) matcherZombifyPending(ec *execctx.ExecCtx, matcher *requestMatcher) {
	for matcher.pendingHead != nil {
		calld := matcher.pendingHead
		matcher.pendingHead = calld.pendingNext
		calld.muState.Lock()
		calld.state = callZombied
		calld.muState.Unlock()
		calld.destroy(ec)
	}
	matcher.pendingTail = nil
}

func (s *Server) numChannelsLocked() int {
	n := 0
	for ch := s.rootChannel.next; ch != &s.rootChannel; ch = ch.next {
		n++
	}
	return n
}

// maybeFinishShutdownLocked posts the shutdown tags once every channel and
// listener has torn down. Requires muGlobal.
func (s *Server) maybeFinishShutdownLocked(ec *execctx.ExecCtx) {
	if !s.shutdownFlag.Load() || s.shutdownPublished {
		return
	}
	s.muCall.Lock()
	s.killPendingWorkLocked(ec)
	s.muCall.Unlock()

	if s.rootChannel.next != &s.rootChannel || s.listenersDestroyed < len(s.listeners) {
		if time.Since(s.lastShutdownMessageTime) >= time.Second {
			s.lastShutdownMessageTime = time.Now()
			s.logger.Debug().
				Int("channels", s.numChannelsLocked()).
				Int("listeners", len(s.listeners)-s.listenersDestroyed).
				Log("server: waiting for channels and listeners before shutdown")
		}
		return
	}
	s.shutdownPublished = true
	for _, sdt := range s.shutdownTags {
		sdt.cc.EndOp(ec, sdt.tag, true, nil, &sdt.completion)
	}
}

// ShutdownAndNotify begins server teardown: request tokens fail, pending
// calls are zombified, channels receive goaway+disconnect, listeners are
// destroyed. tag posts to cc once everything has torn down.
func (s *Server) ShutdownAndNotify(ec *execctx.ExecCtx, cc *cq.CompletionQueue, tag any) {
	s.muGlobal.Lock()
	cc.BeginOp(tag)
	if s.shutdownPublished {
		sdt := &shutdownTag{tag: tag, cc: cc}
		cc.EndOp(ec, tag, true, nil, &sdt.completion)
		s.muGlobal.Unlock()
		return
	}
	s.shutdownTags = append(s.shutdownTags, &shutdownTag{tag: tag, cc: cc})
	if s.shutdownFlag.Load() {
		s.muGlobal.Unlock()
		return
	}
	s.lastShutdownMessageTime = time.Now()

	broadcaster := s.channelBroadcasterLocked()

	s.muCall.Lock()
	s.killPendingWorkLocked(ec)
	s.muCall.Unlock()

	s.shutdownFlag.Store(true)
	s.maybeFinishShutdownLocked(ec)

	listeners := s.listeners
	s.muGlobal.Unlock()

	for _, l := range listeners {
		l.destroy(ec, s, &l.done)
	}

	broadcaster.shutdown(ec, true, false)
}

func (s *Server) listenerDestroyDone(ec *execctx.ExecCtx) {
	s.muGlobal.Lock()
	s.listenersDestroyed++
	s.maybeFinishShutdownLocked(ec)
	s.muGlobal.Unlock()
}

// CancelAllCalls broadcasts a disconnect to every channel without starting
// server teardown.
func (s *Server) CancelAllCalls(ec *execctx.ExecCtx) {
	s.muGlobal.Lock()
	broadcaster := s.channelBroadcasterLocked()
	s.muGlobal.Unlock()
	broadcaster.shutdown(ec, false, true)
}

// Destroy releases the server. It must follow shutdown (or precede any
// listener registration).
func (s *Server) Destroy() {
	s.muGlobal.Lock()
	defer s.muGlobal.Unlock()
	if !s.shutdownFlag.Load() && len(s.listeners) != 0 {
		panic("server: Destroy before shutdown")
	}
	if s.listenersDestroyed != len(s.listeners) {
		panic("server: Destroy with listeners still live")
	}
	s.listeners = nil
}
