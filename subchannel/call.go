package subchannel

import (
	"sync/atomic"

	"github.com/joeycumines/go-rpccore/execctx"
	"github.com/joeycumines/go-rpccore/poller"
	"github.com/joeycumines/go-rpccore/stack"
	"github.com/joeycumines/go-rpccore/transport"
)

// Connection is a channel stack bound to a live transport. Its lifetime is
// independent of the owning subchannel's active slot: a replaced connection
// survives until the last call on it completes.
type Connection struct {
	// refs guarded by sub.mu
	refs int
	sub  *Subchannel
	stk  *stack.Stack
}

// Stack returns the connection's channel stack.
func (con *Connection) Stack() *stack.Stack { return con.stk }

// CreateCall synchronously creates a call on this connection, pinning the
// connection alive until the call's final Unref.
func (con *Connection) CreateCall(ec *execctx.ExecCtx, pollent *poller.Pollent) *Call {
	sub := con.sub
	sub.mu.Lock()
	con.refs++
	sub.mu.Unlock()
	return newCall(ec, con, pollent)
}

// Ping sends a keepalive through the connection's transport; onAck runs on
// the ack.
func (con *Connection) Ping(ec *execctx.ExecCtx, onAck *execctx.Closure) {
	con.stk.StartOp(ec, &transport.Op{SendPing: onAck})
}

// unref drops a connection reference; a fully released connection that is
// no longer the subchannel's active connection is destroyed.
func (con *Connection) unref(ec *execctx.ExecCtx) {
	sub := con.sub
	sub.mu.Lock()
	con.refs--
	destroy := con.refs == 0 && sub.active != con
	sub.mu.Unlock()
	if destroy {
		con.stk.Destroy(ec)
	}
}

// Call is a single call carried on a specific Connection's channel stack.
type Call struct {
	conn  *Connection
	refs  atomic.Int32
	stack *stack.Call
}

func newCall(ec *execctx.ExecCtx, con *Connection, pollent *poller.Pollent) *Call {
	c := &Call{conn: con, stack: con.stk.NewCall(ec, pollent)}
	c.refs.Store(1)
	return c
}

// ProcessOp feeds a stream op into the call's filter stack.
func (c *Call) ProcessOp(ec *execctx.ExecCtx, op *transport.StreamOpBatch) {
	c.stack.StartStreamOp(ec, op)
}

// Ref acquires an additional reference.
func (c *Call) Ref() { c.refs.Add(1) }

// Unref releases a reference; the final release destroys the call stack and
// drops the call's pin on its connection.
func (c *Call) Unref(ec *execctx.ExecCtx) {
	n := c.refs.Add(-1)
	if n < 0 {
		panic("subchannel: call refcount underflow")
	}
	if n == 0 {
		c.stack.Destroy(ec)
		c.conn.unref(ec)
	}
}
