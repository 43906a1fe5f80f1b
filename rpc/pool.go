package rpc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/apteryxio/apteryxd/wire"
)

// ClientPool maintains one pooled connection per remote URI, dialing
// lazily and dropping a connection from the pool when a call on it
// times out or fails (the next call re-dials). It satisfies the
// engine's Proxier interface for proxy forwarding.
type ClientPool struct {
	lg      *zap.Logger
	dial    Dialer
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*Client
}

// NewClientPool creates an empty pool that dials with dial and bounds
// each request to timeout.
func NewClientPool(lg *zap.Logger, dial Dialer, timeout time.Duration) *ClientPool {
	if lg == nil {
		lg = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &ClientPool{lg: lg, dial: dial, timeout: timeout, clients: make(map[string]*Client)}
}

func (p *ClientPool) client(uri string) (*Client, error) {
	p.mu.Lock()
	c, ok := p.clients[uri]
	p.mu.Unlock()
	if ok && !c.isClosed() {
		return c, nil
	}

	c, err := DialClient(p.dial, uri, p.timeout)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if old, ok := p.clients[uri]; ok && old != c {
		old.Close()
	}
	p.clients[uri] = c
	p.mu.Unlock()
	return c, nil
}

// drop closes and removes the pooled connection for uri after a failed
// call, so the next call dials afresh.
func (p *ClientPool) drop(uri string, c *Client) {
	p.mu.Lock()
	if p.clients[uri] == c {
		delete(p.clients, uri)
	}
	p.mu.Unlock()
	c.Close()
	p.lg.Debug("dropped pooled connection", zap.String("uri", uri))
}

// Close shuts down every pooled connection.
func (p *ClientPool) Close() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}

func (p *ClientPool) withClient(uri string, fn func(*Client) error) error {
	c, err := p.client(uri)
	if err != nil {
		return err
	}
	if err := fn(c); err != nil {
		p.drop(uri, c)
		return err
	}
	return nil
}

// Get forwards a GET to uri.
func (p *ClientPool) Get(ctx context.Context, uri, path string) (value []byte, found bool, err error) {
	err = p.withClient(uri, func(c *Client) error {
		var cerr error
		value, found, cerr = c.Get(ctx, path)
		return cerr
	})
	return value, found, err
}

// Set forwards a single-path SET (with optional CAS) to uri.
func (p *ClientPool) Set(ctx context.Context, uri, path string, value []byte, expectedTs uint64) (status wire.Status, err error) {
	err = p.withClient(uri, func(c *Client) error {
		var cerr error
		status, cerr = c.Set(ctx, []SetOp{{Path: path, Value: value}}, expectedTs)
		return cerr
	})
	return status, err
}

// Search forwards a SEARCH to uri.
func (p *ClientPool) Search(ctx context.Context, uri, prefix string) (paths []string, err error) {
	err = p.withClient(uri, func(c *Client) error {
		var cerr error
		paths, cerr = c.Search(ctx, prefix)
		return cerr
	})
	return paths, err
}

// Prune forwards a PRUNE to uri.
func (p *ClientPool) Prune(ctx context.Context, uri, path string, expectedTs uint64) (status wire.Status, err error) {
	err = p.withClient(uri, func(c *Client) error {
		var cerr error
		status, cerr = c.Prune(ctx, path, expectedTs)
		return cerr
	})
	return status, err
}

// Timestamp forwards a TIMESTAMP to uri.
func (p *ClientPool) Timestamp(ctx context.Context, uri, path string) (ts uint64, err error) {
	err = p.withClient(uri, func(c *Client) error {
		var cerr error
		ts, cerr = c.Timestamp(ctx, path)
		return cerr
	})
	return ts, err
}
