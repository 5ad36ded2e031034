// Package transport defines the operation batches and the transport trait
// that the dispatch core routes over. It deliberately knows nothing about
// framing: a Transport moves opaque batches, reports connectivity, and
// surfaces inbound streams; everything else is someone else's job.
package transport

import (
	"github.com/joeycumines/go-rpccore/connectivity"
	"github.com/joeycumines/go-rpccore/execctx"
	"github.com/joeycumines/go-rpccore/poller"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// StreamState tracks the open/closed halves of a stream.
type StreamState int

const (
	// StreamOpen: both directions open.
	StreamOpen StreamState = iota
	// StreamSendClosed: the local send direction has closed.
	StreamSendClosed
	// StreamRecvClosed: the peer has stopped sending.
	StreamRecvClosed
	// StreamClosed: both directions closed.
	StreamClosed
)

// SendBatch carries the send-side half of a stream op: at most one per
// buffered [StreamOpBatch].
type SendBatch struct {
	// InitialMetadata is the metadata opening the stream. The routing layer
	// requires it before a load-balancing pick can happen.
	InitialMetadata metadata.MD
	// Flags are opaque send flags forwarded to the pick.
	Flags uint32
	// Message is an opaque payload; nil for metadata-only batches.
	Message []byte
	// IsLast marks the final send batch of the stream.
	IsLast bool
	// OnDone is enqueued once the batch is consumed (success=false when the
	// stream failed first).
	OnDone *execctx.Closure
}

// RecvResult is the caller-owned landing zone for a recv batch.
type RecvResult struct {
	Metadata metadata.MD
	Message  []byte
	Status   *status.Status
	State    StreamState
}

// RecvBatch carries the recv-side half of a stream op.
type RecvBatch struct {
	Result *RecvResult
	// OnDone is enqueued when Result is populated.
	OnDone *execctx.Closure
}

// StreamOpBatch is one batch of per-stream operations. At most one send
// batch and one recv batch; a cancellation overrides everything else.
type StreamOpBatch struct {
	Send *SendBatch
	Recv *RecvBatch
	// OnConsumed is enqueued when the batch has been acted upon.
	OnConsumed *execctx.Closure
	// CancelStatus, when not codes.OK, cancels the stream with that code.
	CancelStatus codes.Code
	// BindPollent attaches the issuing call's polling entity.
	BindPollent *poller.Pollent
}

// IsEmpty reports whether the batch carries no work.
func (b *StreamOpBatch) IsEmpty() bool {
	return b.Send == nil && b.Recv == nil && b.OnConsumed == nil &&
		b.CancelStatus == codes.OK && b.BindPollent == nil
}

// Op is a control-plane (per-transport, not per-stream) operation batch.
type Op struct {
	// OnConsumed is enqueued when the op has been acted upon.
	OnConsumed *execctx.Closure
	// ConnectivityState + OnConnectivityStateChange register a one-shot
	// connectivity watch, tracker-style.
	ConnectivityState         *connectivity.State
	OnConnectivityStateChange *execctx.Closure
	// Disconnect tears the transport down.
	Disconnect bool
	// GoAway asks the peer to stop opening streams.
	GoAway        bool
	GoAwayMessage string
	// BindPollset attaches a polling entity at transport scope.
	BindPollset *poller.Pollent
	// SendPing requests a keepalive ping; the closure runs on the ack.
	SendPing *execctx.Closure
	// AcceptStream, when non-nil, installs the inbound-stream callback
	// (server side only).
	AcceptStream func(ec *execctx.ExecCtx, t Transport, s Stream)
}

// IsEmpty reports whether the op carries no work besides OnConsumed.
func (op *Op) IsEmpty() bool {
	return op.ConnectivityState == nil && op.OnConnectivityStateChange == nil &&
		!op.Disconnect && !op.GoAway && op.BindPollset == nil && op.AcceptStream == nil &&
		op.SendPing == nil
}

// Stream is an opaque per-transport stream handle.
type Stream any

// Transport is the data-plane collaborator consumed by the channel stack.
type Transport interface {
	// NewStream creates a stream for an outbound call.
	NewStream(ec *execctx.ExecCtx, pollent *poller.Pollent) Stream
	// PerformStreamOp applies a stream op batch to s.
	PerformStreamOp(ec *execctx.ExecCtx, s Stream, op *StreamOpBatch)
	// PerformOp applies a control-plane op.
	PerformOp(ec *execctx.ExecCtx, op *Op)
	// Destroy releases the transport.
	Destroy(ec *execctx.ExecCtx)
}

// FinishWithFailure fails every completion closure on op with
// success=false, synthesizing a Cancelled status on the recv side.
func FinishWithFailure(ec *execctx.ExecCtx, op *StreamOpBatch) {
	FinishWithStatus(ec, op, status.New(codes.Canceled, "Cancelled"))
}

// FinishWithStatus fails op's completion closures, attaching st to the recv
// result.
func FinishWithStatus(ec *execctx.ExecCtx, op *StreamOpBatch, st *status.Status) {
	if op == nil {
		return
	}
	if op.Send != nil {
		ec.Enqueue(op.Send.OnDone, false)
	}
	if op.Recv != nil {
		if op.Recv.Result != nil {
			op.Recv.Result.Status = st
			op.Recv.Result.State = StreamClosed
		}
		ec.Enqueue(op.Recv.OnDone, false)
	}
	ec.Enqueue(op.OnConsumed, false)
}
