package subchannel

import (
	"sync"
	"time"

	"github.com/joeycumines/go-rpccore/execctx"
	"github.com/joeycumines/go-rpccore/poller"
	"github.com/joeycumines/go-rpccore/stack"
	"github.com/joeycumines/go-rpccore/transport"
)

// ConnectArgs carries one connection attempt's inputs.
type ConnectArgs struct {
	Addr        string
	ChannelArgs map[string]string
	// Deadline bounds the attempt.
	Deadline time.Time
	// InterestedParties aggregates the pollers that should observe
	// connect-side I/O.
	InterestedParties *poller.PollsetSet
}

// ConnectResult is populated by the connector before onDone runs.
type ConnectResult struct {
	Transport transport.Transport
	// Filters are transport-supplied filters spliced into the channel stack
	// above the connected terminal.
	Filters []stack.Filter
}

// Connector establishes transports for a subchannel. Implementations
// deliver results asynchronously: populate result, then run onDone with
// success reflecting whether a transport was produced.
type Connector interface {
	Connect(ec *execctx.ExecCtx, args *ConnectArgs, result *ConnectResult, onDone *execctx.Closure)
	Shutdown(ec *execctx.ExecCtx)
}

// LocalConnector is a Connector that fabricates in-process transports. A
// configurable number of leading attempts fail, which exercises the backoff
// pathway; attempts after Shutdown always fail.
type LocalConnector struct {
	mu            sync.Mutex
	shutdown      bool
	failRemaining int
	transports    []*transport.InProc
}

var _ Connector = (*LocalConnector)(nil)

// NewLocalConnector creates a connector whose first failFirst attempts
// fail.
func NewLocalConnector(failFirst int) *LocalConnector {
	return &LocalConnector{failRemaining: failFirst}
}

// Connect implements [Connector].
func (c *LocalConnector) Connect(ec *execctx.ExecCtx, _ *ConnectArgs, result *ConnectResult, onDone *execctx.Closure) {
	c.mu.Lock()
	switch {
	case c.shutdown:
		c.mu.Unlock()
		ec.Enqueue(onDone, false)
	case c.failRemaining > 0:
		c.failRemaining--
		c.mu.Unlock()
		ec.Enqueue(onDone, false)
	default:
		t := transport.NewInProc()
		c.transports = append(c.transports, t)
		c.mu.Unlock()
		result.Transport = t
		ec.Enqueue(onDone, true)
	}
}

// Shutdown implements [Connector].
func (c *LocalConnector) Shutdown(_ *execctx.ExecCtx) {
	c.mu.Lock()
	c.shutdown = true
	c.mu.Unlock()
}

// Transports returns every transport produced so far.
func (c *LocalConnector) Transports() []*transport.InProc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*transport.InProc(nil), c.transports...)
}

// Attempts reports how many failing attempts remain configured.
func (c *LocalConnector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failRemaining
}
