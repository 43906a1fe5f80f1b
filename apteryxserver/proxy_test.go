package apteryxserver_test

import (
	"context"
	"errors"
	"testing"

	"github.com/apteryxio/apteryxd/apteryxserver"
	"github.com/apteryxio/apteryxd/id"
	"github.com/apteryxio/apteryxd/rpc"
	"github.com/apteryxio/apteryxd/wire"
)

// fakeProxier records forwarded calls and serves canned replies,
// standing in for rpc.ClientPool.
type fakeProxier struct {
	unreachable bool
	gets        []string
	sets        []string
	values      map[string][]byte
}

func (p *fakeProxier) Get(ctx context.Context, uri, path string) ([]byte, bool, error) {
	if p.unreachable {
		return nil, false, errors.New("connection refused")
	}
	p.gets = append(p.gets, uri+path)
	v, ok := p.values[path]
	return v, ok, nil
}

func (p *fakeProxier) Set(ctx context.Context, uri, path string, value []byte, expectedTs uint64) (wire.Status, error) {
	if p.unreachable {
		return 0, errors.New("connection refused")
	}
	p.sets = append(p.sets, uri+path)
	return wire.StatusOK, nil
}

func (p *fakeProxier) Search(ctx context.Context, uri, prefix string) ([]string, error) {
	return nil, errors.New("not implemented")
}

func (p *fakeProxier) Prune(ctx context.Context, uri, path string, expectedTs uint64) (wire.Status, error) {
	return wire.StatusOK, nil
}

func (p *fakeProxier) Timestamp(ctx context.Context, uri, path string) (uint64, error) {
	return 7, nil
}

func registerProxy(t *testing.T, e *apteryxserver.Engine, value string) {
	t.Helper()
	status := e.Set(context.Background(), id.LocalOriginator, []rpc.SetOp{{
		Path:  "/apteryx/proxies/1-2-3",
		Value: []byte(value),
	}}, wire.TSAny)
	if status != wire.StatusOK {
		t.Fatalf("proxy registration = %v", status)
	}
}

func TestProxyForwardsMatchingSubtree(t *testing.T) {
	e, _ := newTestDaemon(t)
	ctx := context.Background()

	proxy := &fakeProxier{values: map[string][]byte{"/remote/zones/a": []byte("far")}}
	e.SetProxier(proxy)
	registerProxy(t, e, "tcp://10.0.0.2:9999:/remote/*")

	v, ok := e.Get(ctx, id.LocalOriginator, "/remote/zones/a")
	if !ok || string(v) != "far" {
		t.Fatalf("Get via proxy = %q,%v", v, ok)
	}
	if len(proxy.gets) != 1 || proxy.gets[0] != "tcp://10.0.0.2:9999/remote/zones/a" {
		t.Fatalf("forwarded gets = %v", proxy.gets)
	}

	// Writes under the proxied subtree never land in the local tree.
	status := e.Set(ctx, id.LocalOriginator,
		[]rpc.SetOp{{Path: "/remote/zones/a", Value: []byte("local?")}}, wire.TSAny)
	if status != wire.StatusOK {
		t.Fatalf("Set via proxy = %v", status)
	}
	if len(proxy.sets) != 1 {
		t.Fatalf("forwarded sets = %v", proxy.sets)
	}
	if ts := e.Timestamp(ctx, id.LocalOriginator, "/remote/zones/a"); ts != 7 {
		t.Fatalf("Timestamp via proxy = %d, want the remote's answer", ts)
	}

	// Paths outside the pattern stay local.
	set(t, e, "/local/here", "1")
	if len(proxy.sets) != 1 {
		t.Fatalf("local set was forwarded: %v", proxy.sets)
	}
}

func TestUnreachableProxyFallsThroughToLocalTree(t *testing.T) {
	e, _ := newTestDaemon(t)
	ctx := context.Background()

	proxy := &fakeProxier{unreachable: true}
	e.SetProxier(proxy)
	registerProxy(t, e, "tcp://10.0.0.2:9999:/remote/*")

	status := e.Set(ctx, id.LocalOriginator,
		[]rpc.SetOp{{Path: "/remote/x", Value: []byte("1")}}, wire.TSAny)
	if status != wire.StatusOK {
		t.Fatalf("Set = %v", status)
	}
	if v, ok := e.Get(ctx, id.LocalOriginator, "/remote/x"); !ok || string(v) != "1" {
		t.Fatalf("fallthrough Get = %q,%v", v, ok)
	}
}

func TestReentrantSetWaitFailsInsteadOfDeadlocking(t *testing.T) {
	e, local := newTestDaemon(t)
	ctx := context.Background()

	result := make(chan wire.Status, 1)
	_, err := local.Watch(ctx, "/test/loop/*", func(cctx context.Context, path string, value []byte) error {
		if path == "/test/loop/a" {
			result <- e.SetWait(cctx, id.LocalOriginator,
				[]rpc.SetOp{{Path: "/test/loop/b", Value: []byte("nested")}}, wire.TSAny)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	status := e.Set(ctx, id.LocalOriginator,
		[]rpc.SetOp{{Path: "/test/loop/a", Value: []byte("1")}}, wire.TSAny)
	if status != wire.StatusOK {
		t.Fatalf("Set = %v", status)
	}

	if got := <-result; got != wire.StatusETIMEDOUT {
		t.Fatalf("nested SetWait = %v, want ETIMEDOUT (reentrancy marker)", got)
	}
}
