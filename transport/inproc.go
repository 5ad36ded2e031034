package transport

import (
	"sync"

	"github.com/joeycumines/go-rpccore/connectivity"
	"github.com/joeycumines/go-rpccore/execctx"
	"github.com/joeycumines/go-rpccore/poller"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Metadata keys used to surface routing pseudo-headers through metadata
// batches.
const (
	PathKey      = ":path"
	AuthorityKey = ":authority"
	TimeoutKey   = "grpc-timeout"
)

// InProc is an in-process Transport: streams never leave the process, send
// batches complete immediately, and inbound streams are injected by the
// driver via [InProc.AcceptStream]. It exists so that connectors, channel
// stacks, and servers can be exercised end-to-end without a wire.
type InProc struct {
	mu        sync.Mutex
	tracker   *connectivity.Tracker
	accept    func(ec *execctx.ExecCtx, t Transport, s Stream)
	streams   []*InProcStream
	goAway    bool
	destroyed bool
}

var _ Transport = (*InProc)(nil)

// NewInProc creates an in-process transport in the Ready state.
func NewInProc() *InProc {
	return &InProc{tracker: connectivity.NewTracker(connectivity.Ready, "inproc", nil)}
}

// InProcStream is the stream handle produced by [InProc].
type InProcStream struct {
	t *InProc

	mu          sync.Mutex
	inboundMD   metadata.MD
	mdConsumed  bool
	sends       []*SendBatch
	recvWaiting *RecvBatch
	closed      bool
	closeStatus *status.Status
}

// NewStream implements [Transport].
func (t *InProc) NewStream(_ *execctx.ExecCtx, _ *poller.Pollent) Stream {
	s := &InProcStream{t: t}
	t.mu.Lock()
	t.streams = append(t.streams, s)
	t.mu.Unlock()
	return s
}

// AcceptStream injects an inbound stream carrying the given initial
// metadata, invoking the installed accept callback. Returns the stream, or
// nil if no callback is installed or the transport is draining.
func (t *InProc) AcceptStream(ec *execctx.ExecCtx, md metadata.MD) *InProcStream {
	t.mu.Lock()
	accept := t.accept
	if t.goAway || t.destroyed {
		accept = nil
	}
	var s *InProcStream
	if accept != nil {
		s = &InProcStream{t: t, inboundMD: md}
		t.streams = append(t.streams, s)
	}
	t.mu.Unlock()
	if accept != nil {
		accept(ec, t, s)
	}
	return s
}

// SetState drives the transport's connectivity tracker; used by connectors
// and tests to simulate transport health changes.
func (t *InProc) SetState(ec *execctx.ExecCtx, s connectivity.State) {
	t.tracker.Set(ec, s)
}

// State returns the transport's current connectivity.
func (t *InProc) State() connectivity.State { return t.tracker.Check() }

// PerformStreamOp implements [Transport].
func (t *InProc) PerformStreamOp(ec *execctx.ExecCtx, s Stream, op *StreamOpBatch) {
	st := s.(*InProcStream)

	if op.CancelStatus != codes.OK {
		st.closeLocked0(ec, status.New(op.CancelStatus, op.CancelStatus.String()))
		if op.Recv != nil {
			st.mu.Lock()
			closeStatus := st.closeStatus
			st.mu.Unlock()
			if op.Recv.Result != nil {
				op.Recv.Result.Status = closeStatus
				op.Recv.Result.State = StreamClosed
			}
			ec.Enqueue(op.Recv.OnDone, true)
		}
		if op.Send != nil {
			ec.Enqueue(op.Send.OnDone, false)
		}
		ec.Enqueue(op.OnConsumed, true)
		return
	}

	if op.Send != nil {
		st.mu.Lock()
		closed := st.closed
		if !closed {
			st.sends = append(st.sends, op.Send)
		}
		st.mu.Unlock()
		ec.Enqueue(op.Send.OnDone, !closed)
	}

	if op.Recv != nil {
		st.mu.Lock()
		switch {
		case !st.mdConsumed && st.inboundMD != nil:
			st.mdConsumed = true
			if op.Recv.Result != nil {
				op.Recv.Result.Metadata = st.inboundMD
				op.Recv.Result.State = StreamOpen
			}
			st.mu.Unlock()
			ec.Enqueue(op.Recv.OnDone, true)
		case st.closed:
			if op.Recv.Result != nil {
				op.Recv.Result.Status = st.closeStatus
				op.Recv.Result.State = StreamClosed
			}
			st.mu.Unlock()
			ec.Enqueue(op.Recv.OnDone, true)
		default:
			if st.recvWaiting != nil {
				st.mu.Unlock()
				panic("transport: second recv batch while one is parked")
			}
			st.recvWaiting = op.Recv
			st.mu.Unlock()
		}
	}

	ec.Enqueue(op.OnConsumed, true)
}

// DeliverMetadata satisfies a parked recv batch (or pre-loads inbound
// metadata for the next recv). Driver/test hook.
func (st *InProcStream) DeliverMetadata(ec *execctx.ExecCtx, md metadata.MD) {
	st.mu.Lock()
	recv := st.recvWaiting
	st.recvWaiting = nil
	if recv == nil {
		st.inboundMD = md
		st.mdConsumed = false
	}
	st.mu.Unlock()
	if recv != nil {
		if recv.Result != nil {
			recv.Result.Metadata = md
			recv.Result.State = StreamOpen
		}
		ec.Enqueue(recv.OnDone, true)
	}
}

// Close terminates the stream with the given status, failing any parked
// recv.
func (st *InProcStream) Close(ec *execctx.ExecCtx, s *status.Status) {
	st.closeLocked0(ec, s)
}

func (st *InProcStream) closeLocked0(ec *execctx.ExecCtx, s *status.Status) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	st.closeStatus = s
	recv := st.recvWaiting
	st.recvWaiting = nil
	st.mu.Unlock()
	if recv != nil {
		if recv.Result != nil {
			recv.Result.Status = s
			recv.Result.State = StreamClosed
		}
		ec.Enqueue(recv.OnDone, true)
	}
}

// SentBatches returns the send batches recorded so far.
func (st *InProcStream) SentBatches() []*SendBatch {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]*SendBatch(nil), st.sends...)
}

// InboundMetadata returns the stream's inbound initial metadata.
func (st *InProcStream) InboundMetadata() metadata.MD {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inboundMD
}

// Closed reports whether the stream has terminated, and with what status.
func (st *InProcStream) Closed() (bool, *status.Status) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed, st.closeStatus
}

// PerformOp implements [Transport].
func (t *InProc) PerformOp(ec *execctx.ExecCtx, op *Op) {
	if op.ConnectivityState != nil && op.OnConnectivityStateChange != nil {
		t.tracker.NotifyOnStateChange(ec, op.ConnectivityState, op.OnConnectivityStateChange)
	}
	if op.AcceptStream != nil {
		t.mu.Lock()
		t.accept = op.AcceptStream
		t.mu.Unlock()
	}
	if op.GoAway {
		t.mu.Lock()
		t.goAway = true
		t.mu.Unlock()
	}
	if op.SendPing != nil {
		t.mu.Lock()
		alive := !t.destroyed
		t.mu.Unlock()
		ec.Enqueue(op.SendPing, alive)
	}
	if op.Disconnect {
		t.disconnect(ec)
	}
	ec.Enqueue(op.OnConsumed, true)
}

func (t *InProc) disconnect(ec *execctx.ExecCtx) {
	t.mu.Lock()
	streams := t.streams
	t.streams = nil
	t.mu.Unlock()
	for _, s := range streams {
		s.Close(ec, status.New(codes.Unavailable, "transport disconnected"))
	}
	if t.tracker.Check() != connectivity.Shutdown {
		t.tracker.Set(ec, connectivity.Shutdown)
	}
}

// Destroy implements [Transport].
func (t *InProc) Destroy(ec *execctx.ExecCtx) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	t.mu.Unlock()
	t.disconnect(ec)
	t.tracker.Destroy(ec)
}
