package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/apteryxio/apteryxd/id"
	"github.com/apteryxio/apteryxd/wire"
)

// fakeHandler is a minimal in-memory stand-in for the operation engine,
// enough to exercise the server/client wire round trip independently of
// the store and registry packages.
type fakeHandler struct {
	values map[string][]byte
}

func newFakeHandler() *fakeHandler { return &fakeHandler{values: map[string][]byte{}} }

func (h *fakeHandler) Set(ctx context.Context, orig id.Originator, ops []SetOp, expectedTs uint64) wire.Status {
	for _, op := range ops {
		if len(op.Value) == 0 {
			delete(h.values, op.Path)
			continue
		}
		h.values[op.Path] = op.Value
	}
	return wire.StatusOK
}

func (h *fakeHandler) Get(ctx context.Context, orig id.Originator, path string) ([]byte, bool) {
	v, ok := h.values[path]
	return v, ok
}

func (h *fakeHandler) Search(ctx context.Context, orig id.Originator, prefix string) []string {
	var out []string
	for p := range h.values {
		if len(p) > len(prefix) && p[:len(prefix)] == prefix {
			out = append(out, p)
		}
	}
	return out
}

func (h *fakeHandler) Traverse(ctx context.Context, orig id.Originator, path string) []wire.Leaf {
	return nil
}

func (h *fakeHandler) Prune(ctx context.Context, orig id.Originator, path string, expectedTs uint64) wire.Status {
	delete(h.values, path)
	return wire.StatusOK
}

func (h *fakeHandler) Timestamp(ctx context.Context, orig id.Originator, path string) uint64 { return 1 }

func (h *fakeHandler) Find(ctx context.Context, orig id.Originator, pattern string, filters []wire.Leaf) []string {
	return nil
}

func (h *fakeHandler) Query(ctx context.Context, orig id.Originator, template []wire.Leaf) []wire.Leaf {
	return nil
}

func (h *fakeHandler) Memuse(ctx context.Context, orig id.Originator, path string) uint64 { return 0 }

// pipeDialer adapts a pre-connected net.Conn to the Dialer signature the
// client expects, so the test doesn't need a real listening socket.
func pipeDialer(conn net.Conn) Dialer {
	return func(uri string, timeout time.Duration) (net.Conn, error) {
		return conn, nil
	}
}

func TestClientServerSetGetRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	h := newFakeHandler()
	srv := NewServer(nil, h, time.Second, 4)
	go srv.serviceConn(serverConn)

	c, err := DialClient(pipeDialer(clientConn), "pipe://", time.Second)
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status, err := c.Set(ctx, []SetOp{{Path: "/a/b", Value: []byte("hello")}}, 0)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if status != wire.StatusOK {
		t.Fatalf("Set status = %v, want OK", status)
	}

	value, found, err := c.Get(ctx, "/a/b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || string(value) != "hello" {
		t.Fatalf("Get = %q,%v, want hello,true", value, found)
	}

	missing, found, err := c.Get(ctx, "/a/missing")
	if err != nil {
		t.Fatalf("Get missing: %v", err)
	}
	if found || missing != nil {
		t.Fatalf("Get missing = %q,%v, want nil,false", missing, found)
	}
}

func TestClientServerSequentialCallsPreserveOrder(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	h := newFakeHandler()
	srv := NewServer(nil, h, time.Second, 4)
	go srv.serviceConn(serverConn)

	c, err := DialClient(pipeDialer(clientConn), "pipe://", time.Second)
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 20; i++ {
		path := "/seq/" + string(rune('a'+i%26))
		if _, err := c.Set(ctx, []SetOp{{Path: path, Value: []byte{byte(i)}}}, 0); err != nil {
			t.Fatalf("Set %d: %v", i, err)
		}
		v, found, err := c.Get(ctx, path)
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		if !found || len(v) != 1 || v[0] != byte(i) {
			t.Fatalf("Get %d = %v,%v, want [%d],true", i, v, found, i)
		}
	}
}

func TestClientCallTimesOutWhenServerSilent(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	c, err := DialClient(pipeDialer(clientConn), "pipe://", time.Second)
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}
	defer c.Close()

	// Drain frames on the server side without ever replying, so the
	// client's call has nothing to wait for but its own deadline.
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := serverConn.Read(buf); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Timestamp(ctx, "/a/b")
	if err != context.DeadlineExceeded {
		t.Fatalf("Timestamp err = %v, want DeadlineExceeded", err)
	}
}

func TestClientCallFailsAfterConnectionCloses(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	c, err := DialClient(pipeDialer(clientConn), "pipe://", time.Second)
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}

	serverConn.Close()
	clientConn.Close()

	// Give the background reader a chance to observe the closed
	// connection and abort any outstanding waits.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, _, err := c.Get(ctx, "/a/b"); err == nil {
		t.Fatalf("Get on closed connection: want error, got nil")
	}
}
