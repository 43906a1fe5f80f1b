package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/apteryxio/apteryxd/wire"
)

// Client is a single connection to a remote Apteryx instance, used for
// proxy forwarding (§4.4.8) and by any out-of-process caller.
type Client struct {
	conn    net.Conn
	timeout time.Duration
	waits   *waitList

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// Dialer opens a transport connection to uri within timeout; satisfied
// by transport.Dial.
type Dialer func(uri string, timeout time.Duration) (net.Conn, error)

// DialClient connects to uri and starts the background reader that
// demultiplexes replies back to their callers in arrival order.
func DialClient(dial Dialer, uri string, timeout time.Duration) (*Client, error) {
	conn, err := dial(uri, timeout)
	if err != nil {
		return nil, err
	}
	c := &Client{conn: conn, timeout: timeout, waits: newWaitList()}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		op, msg, err := wire.ReadFrame(c.conn)
		if err != nil {
			c.waits.abort()
			return
		}
		c.waits.deliver(&reply{op: op, msg: msg})
	}
}

// Close closes the underlying connection and aborts any in-flight call.
func (c *Client) Close() error {
	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()
	c.waits.abort()
	return c.conn.Close()
}

func (c *Client) isClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}

// call writes op+body and blocks for the matching reply or ctx's
// deadline, whichever comes first.
func (c *Client) call(ctx context.Context, op wire.Opcode, body *wire.Message) (*wire.Message, error) {
	if c.isClosed() {
		return nil, fmt.Errorf("rpc: client closed")
	}

	waitCh := c.waits.register()

	c.writeMu.Lock()
	err := wire.WriteFrame(c.conn, op, body)
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case r, ok := <-waitCh:
		if !ok {
			return nil, fmt.Errorf("rpc: connection closed waiting for reply")
		}
		return r.msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Set issues a SET request; pass wire.TSAny as expectedTs for a plain
// set, or the expected root timestamp (zero for "must not exist") to
// request a CAS.
func (c *Client) Set(ctx context.Context, ops []SetOp, expectedTs uint64) (wire.Status, error) {
	req := wire.NewMessage()
	for _, op := range ops {
		req.PutString(op.Path)
		req.PutBytes(op.Value)
		req.PutUint64(op.Ts)
	}
	req.PutUint64(expectedTs)

	reply, err := c.call(ctx, wire.OpSet, req)
	if err != nil {
		return 0, err
	}
	status, err := reply.GetUint64()
	return wire.Status(int32(status)), err
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string) ([]byte, bool, error) {
	req := wire.NewMessage()
	req.PutString(path)
	reply, err := c.call(ctx, wire.OpGet, req)
	if err != nil {
		return nil, false, err
	}
	return reply.GetOptionalBytes()
}

// Search issues a SEARCH request.
func (c *Client) Search(ctx context.Context, prefix string) ([]string, error) {
	req := wire.NewMessage()
	req.PutString(prefix)
	reply, err := c.call(ctx, wire.OpSearch, req)
	if err != nil {
		return nil, err
	}
	return reply.GetStrings()
}

// Traverse issues a TRAVERSE request.
func (c *Client) Traverse(ctx context.Context, path string) ([]wire.Leaf, error) {
	req := wire.NewMessage()
	req.PutString(path)
	reply, err := c.call(ctx, wire.OpTraverse, req)
	if err != nil {
		return nil, err
	}
	return reply.GetLeaves()
}

// Prune issues a PRUNE request.
func (c *Client) Prune(ctx context.Context, path string, expectedTs uint64) (wire.Status, error) {
	req := wire.NewMessage()
	req.PutString(path)
	req.PutUint64(expectedTs)
	reply, err := c.call(ctx, wire.OpPrune, req)
	if err != nil {
		return 0, err
	}
	status, err := reply.GetUint64()
	return wire.Status(int32(status)), err
}

// Timestamp issues a TIMESTAMP request.
func (c *Client) Timestamp(ctx context.Context, path string) (uint64, error) {
	req := wire.NewMessage()
	req.PutString(path)
	reply, err := c.call(ctx, wire.OpTimestamp, req)
	if err != nil {
		return 0, err
	}
	return reply.GetUint64()
}

// Find issues a FIND request: pattern names candidate roots, each
// filter a relative leaf path and the value it must hold.
func (c *Client) Find(ctx context.Context, pattern string, filters []wire.Leaf) ([]string, error) {
	req := wire.NewMessage()
	req.PutString(pattern)
	req.PutLeaves(filters)
	reply, err := c.call(ctx, wire.OpFind, req)
	if err != nil {
		return nil, err
	}
	return reply.GetStrings()
}

// Query issues a QUERY request with a template of (possibly starred)
// leaf paths.
func (c *Client) Query(ctx context.Context, template []wire.Leaf) ([]wire.Leaf, error) {
	req := wire.NewMessage()
	req.PutLeaves(template)
	reply, err := c.call(ctx, wire.OpQuery, req)
	if err != nil {
		return nil, err
	}
	return reply.GetLeaves()
}

// Test issues a TEST echo request, used by health checks.
func (c *Client) Test(ctx context.Context, mode uint8, echo string) (string, error) {
	req := wire.NewMessage()
	req.PutUint8(mode)
	req.PutString(echo)
	reply, err := c.call(ctx, wire.OpTest, req)
	if err != nil {
		return "", err
	}
	if _, err := reply.GetUint8(); err != nil {
		return "", err
	}
	return reply.GetString()
}

// Memuse issues a MEMUSE request.
func (c *Client) Memuse(ctx context.Context, path string) (uint64, error) {
	req := wire.NewMessage()
	req.PutString(path)
	reply, err := c.call(ctx, wire.OpMemuse, req)
	if err != nil {
		return 0, err
	}
	return reply.GetUint64()
}
