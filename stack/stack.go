// Package stack implements the channel stack: an ordered chain of filters
// terminated by a connected element that forwards operations to a
// [transport.Transport].
//
// A Stack is built once per connection; a Call is the per-stream instance
// carrying each filter's call-local state. Filters see operations top-down
// and pass them along with NextOp / NextStreamOp.
package stack

import (
	"github.com/joeycumines/go-rpccore/execctx"
	"github.com/joeycumines/go-rpccore/poller"
	"github.com/joeycumines/go-rpccore/transport"
)

// Filter is one interceptor in a channel stack.
type Filter interface {
	// Name identifies the filter for diagnostics.
	Name() string
	// InitChannel initializes per-channel state on elem.
	InitChannel(ec *execctx.ExecCtx, elem *ChannelElem, args map[string]string)
	// StartOp handles a control-plane op; forward with elem.NextOp.
	StartOp(ec *execctx.ExecCtx, elem *ChannelElem, op *transport.Op)
	// InitCall initializes per-call state on elem.
	InitCall(ec *execctx.ExecCtx, elem *CallElem)
	// DestroyCall releases per-call state.
	DestroyCall(ec *execctx.ExecCtx, elem *CallElem)
	// StartStreamOp handles a stream op; forward with elem.NextStreamOp.
	StartStreamOp(ec *execctx.ExecCtx, elem *CallElem, op *transport.StreamOpBatch)
}

// ChannelElem is one filter's per-channel slot.
type ChannelElem struct {
	Filter      Filter
	ChannelData any

	stack *Stack
	index int
}

// CallElem is one filter's per-call slot.
type CallElem struct {
	Filter   Filter
	CallData any
	// Channel is the filter's per-channel slot.
	Channel *ChannelElem

	call  *Call
	index int
}

// Stack is a built channel stack bound to a transport.
type Stack struct {
	elems []ChannelElem
	t     transport.Transport
}

// Build constructs a stack from the given filters plus the terminal
// connected element bound to t.
func Build(ec *execctx.ExecCtx, filters []Filter, args map[string]string, t transport.Transport) *Stack {
	all := make([]Filter, 0, len(filters)+1)
	all = append(all, filters...)
	all = append(all, &connectedFilter{t: t})
	s := &Stack{elems: make([]ChannelElem, len(all)), t: t}
	for i, f := range all {
		s.elems[i] = ChannelElem{Filter: f, stack: s, index: i}
	}
	for i := range s.elems {
		s.elems[i].Filter.InitChannel(ec, &s.elems[i], args)
	}
	return s
}

// Elem returns the i'th element of the stack.
func (s *Stack) Elem(i int) *ChannelElem { return &s.elems[i] }

// Len returns the number of elements, including the connected terminal.
func (s *Stack) Len() int { return len(s.elems) }

// Transport returns the transport the stack is bound to.
func (s *Stack) Transport() transport.Transport { return s.t }

// StartOp feeds a control-plane op into the top of the stack.
func (s *Stack) StartOp(ec *execctx.ExecCtx, op *transport.Op) {
	s.elems[0].Filter.StartOp(ec, &s.elems[0], op)
}

// Destroy tears down the stack and its transport.
func (s *Stack) Destroy(ec *execctx.ExecCtx) {
	s.t.Destroy(ec)
}

// NextOp forwards op to the element below e.
func (e *ChannelElem) NextOp(ec *execctx.ExecCtx, op *transport.Op) {
	next := &e.stack.elems[e.index+1]
	next.Filter.StartOp(ec, next, op)
}

// Call is a per-stream instance of a stack.
type Call struct {
	stack   *Stack
	elems   []CallElem
	pollent *poller.Pollent
}

// NewCall creates the per-call state for every filter in the stack. The
// connected terminal creates the underlying transport stream.
func (s *Stack) NewCall(ec *execctx.ExecCtx, pollent *poller.Pollent) *Call {
	c := &Call{stack: s, elems: make([]CallElem, len(s.elems)), pollent: pollent}
	for i := range c.elems {
		c.elems[i] = CallElem{
			Filter:  s.elems[i].Filter,
			Channel: &s.elems[i],
			call:    c,
			index:   i,
		}
	}
	for i := range c.elems {
		c.elems[i].Filter.InitCall(ec, &c.elems[i])
	}
	return c
}

// Pollent returns the polling entity the call was created with.
func (c *Call) Pollent() *poller.Pollent { return c.pollent }

// StartStreamOp feeds a stream op into the top of the call stack.
func (c *Call) StartStreamOp(ec *execctx.ExecCtx, op *transport.StreamOpBatch) {
	c.elems[0].Filter.StartStreamOp(ec, &c.elems[0], op)
}

// Destroy releases every filter's per-call state, bottom-up.
func (c *Call) Destroy(ec *execctx.ExecCtx) {
	for i := len(c.elems) - 1; i >= 0; i-- {
		c.elems[i].Filter.DestroyCall(ec, &c.elems[i])
	}
}

// NextStreamOp forwards op to the element below e.
func (e *CallElem) NextStreamOp(ec *execctx.ExecCtx, op *transport.StreamOpBatch) {
	next := &e.call.elems[e.index+1]
	next.Filter.StartStreamOp(ec, next, op)
}

// PassThrough is a Filter with no behavior of its own, intended for
// embedding.
type PassThrough struct{}

func (PassThrough) Name() string { return "passthrough" }

func (PassThrough) InitChannel(*execctx.ExecCtx, *ChannelElem, map[string]string) {}

func (PassThrough) StartOp(ec *execctx.ExecCtx, elem *ChannelElem, op *transport.Op) {
	elem.NextOp(ec, op)
}

func (PassThrough) InitCall(*execctx.ExecCtx, *CallElem) {}

func (PassThrough) DestroyCall(*execctx.ExecCtx, *CallElem) {}

func (PassThrough) StartStreamOp(ec *execctx.ExecCtx, elem *CallElem, op *transport.StreamOpBatch) {
	elem.NextStreamOp(ec, op)
}

// connectedFilter is the terminal element binding the stack to its
// transport.
type connectedFilter struct {
	t transport.Transport
}

func (f *connectedFilter) Name() string { return "connected" }

func (f *connectedFilter) InitChannel(_ *execctx.ExecCtx, elem *ChannelElem, _ map[string]string) {
	elem.ChannelData = f.t
}

func (f *connectedFilter) StartOp(ec *execctx.ExecCtx, _ *ChannelElem, op *transport.Op) {
	f.t.PerformOp(ec, op)
}

func (f *connectedFilter) InitCall(ec *execctx.ExecCtx, elem *CallElem) {
	elem.CallData = f.t.NewStream(ec, elem.call.pollent)
}

func (f *connectedFilter) DestroyCall(*execctx.ExecCtx, *CallElem) {}

func (f *connectedFilter) StartStreamOp(ec *execctx.ExecCtx, elem *CallElem, op *transport.StreamOpBatch) {
	f.t.PerformStreamOp(ec, elem.CallData.(transport.Stream), op)
}
