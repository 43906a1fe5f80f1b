package selfconfig_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/apteryxio/apteryxd/apteryxserver"
	"github.com/apteryxio/apteryxd/apteryxserver/selfconfig"
	"github.com/apteryxio/apteryxd/dispatch"
	"github.com/apteryxio/apteryxd/id"
	"github.com/apteryxio/apteryxd/metrics"
	"github.com/apteryxio/apteryxd/registry"
	"github.com/apteryxio/apteryxd/rpc"
	"github.com/apteryxio/apteryxd/store"
	"github.com/apteryxio/apteryxd/wire"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeBinder struct {
	bound    map[string]string
	released []string
}

func (b *fakeBinder) Bind(guid, uri string) error {
	b.bound[guid] = uri
	return nil
}

func (b *fakeBinder) Release(guid string) error {
	b.released = append(b.released, guid)
	delete(b.bound, guid)
	return nil
}

func newHarness(t *testing.T) (*apteryxserver.Engine, *apteryxserver.Handles, *fakeBinder, zap.AtomicLevel, *metrics.Counters) {
	t.Helper()
	lg := zap.NewNop()
	tree := store.New(lg)
	reg := registry.New(lg)
	disp := dispatch.New(lg, 8, time.Second)
	counters := metrics.NewCounters(prometheus.NewRegistry())
	e := apteryxserver.New(lg, tree, reg, disp, counters)
	handles := apteryxserver.NewHandles(id.NewHandleGenerator(2, time.Now()))
	binder := &fakeBinder{bound: make(map[string]string)}
	level := zap.NewAtomicLevel()
	selfconfig.Init(lg, e, handles, counters, level, binder, uint64(os.Getpid()))
	return e, handles, binder, level, counters
}

func TestRegistrationByStoreWrite(t *testing.T) {
	e, handles, _, _, _ := newHarness(t)
	ctx := context.Background()

	fired := make(chan string, 1)
	handle := handles.Put(apteryxserver.WatchFunc(func(ctx context.Context, path string, value []byte) error {
		fired <- path
		return nil
	}))
	guid := registry.MakeGUID(uint64(os.Getpid()), handle, apteryxserver.HashPattern("/test/town/*"))

	status := e.Set(ctx, id.LocalOriginator, []rpc.SetOp{{
		Path:  apteryxserver.WatchersPath + "/" + guid,
		Value: []byte("/test/town/*"),
	}}, wire.TSAny)
	if status != wire.StatusOK {
		t.Fatalf("registration write = %v", status)
	}

	if rec := e.Registry().Lookup(guid); rec == nil {
		t.Fatal("registry record missing after registration write")
	}

	e.SetWait(ctx, id.LocalOriginator,
		[]rpc.SetOp{{Path: "/test/town/square", Value: []byte("busy")}}, wire.TSAny)
	select {
	case p := <-fired:
		if p != "/test/town/square" {
			t.Fatalf("watcher path = %q", p)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher never fired")
	}

	// Empty value destroys the registration.
	status = e.Set(ctx, id.LocalOriginator, []rpc.SetOp{{
		Path: apteryxserver.WatchersPath + "/" + guid,
	}}, wire.TSAny)
	if status != wire.StatusOK {
		t.Fatalf("deregistration write = %v", status)
	}
	if rec := e.Registry().Lookup(guid); rec != nil {
		t.Fatal("registry record survived deregistration write")
	}
}

func TestSocketsWriteBindsAndReleases(t *testing.T) {
	e, _, binder, _, _ := newHarness(t)
	ctx := context.Background()

	status := e.Set(ctx, id.LocalOriginator, []rpc.SetOp{{
		Path:  apteryxserver.SocketsPath + "/abc-1-2",
		Value: []byte("tcp://127.0.0.1:9999"),
	}}, wire.TSAny)
	if status != wire.StatusOK {
		t.Fatalf("socket write = %v", status)
	}
	if binder.bound["abc-1-2"] != "tcp://127.0.0.1:9999" {
		t.Fatalf("binder state = %v", binder.bound)
	}

	status = e.Set(ctx, id.LocalOriginator, []rpc.SetOp{{
		Path: apteryxserver.SocketsPath + "/abc-1-2",
	}}, wire.TSAny)
	if status != wire.StatusOK {
		t.Fatalf("socket release write = %v", status)
	}
	if len(binder.released) != 1 || binder.released[0] != "abc-1-2" {
		t.Fatalf("released = %v", binder.released)
	}
}

func TestDebugWriteAdjustsLogLevel(t *testing.T) {
	e, _, _, level, _ := newHarness(t)
	ctx := context.Background()

	e.Set(ctx, id.LocalOriginator, []rpc.SetOp{{
		Path:  apteryxserver.DebugPath,
		Value: []byte("1"),
	}}, wire.TSAny)
	if level.Level() != zapcore.DebugLevel {
		t.Fatalf("level = %v, want debug", level.Level())
	}

	e.Set(ctx, id.LocalOriginator, []rpc.SetOp{{Path: apteryxserver.DebugPath}}, wire.TSAny)
	if level.Level() != zapcore.InfoLevel {
		t.Fatalf("level = %v, want info", level.Level())
	}
}

func TestCountersReadableThroughStore(t *testing.T) {
	e, _, _, _, _ := newHarness(t)
	ctx := context.Background()

	// Generate some traffic first so the counters are non-zero.
	e.Set(ctx, id.LocalOriginator,
		[]rpc.SetOp{{Path: "/test/x", Value: []byte("1")}}, wire.TSAny)

	children := e.Search(ctx, id.LocalOriginator, apteryxserver.CountersPath)
	if len(children) == 0 {
		t.Fatal("counters indexer returned nothing")
	}
	found := false
	for _, p := range children {
		if strings.HasSuffix(p, "/set") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no set counter in %v", children)
	}

	v, ok := e.Get(ctx, id.LocalOriginator, apteryxserver.CountersPath+"/set")
	if !ok {
		t.Fatal("counters provider returned nothing for set")
	}
	if string(v) == "0" {
		t.Fatalf("set counter = %q, want non-zero", v)
	}
}

func TestStatisticsRefresherPopulatesSubtree(t *testing.T) {
	e, handles, _, _, _ := newHarness(t)
	ctx := context.Background()

	// One real registration so the statistics walk has something to
	// report.
	handle := handles.Put(apteryxserver.WatchFunc(func(ctx context.Context, path string, value []byte) error {
		return nil
	}))
	guid := registry.MakeGUID(uint64(os.Getpid()), handle, apteryxserver.HashPattern("/test/stats/*"))
	e.Set(ctx, id.LocalOriginator, []rpc.SetOp{{
		Path:  apteryxserver.WatchersPath + "/" + guid,
		Value: []byte("/test/stats/*"),
	}}, wire.TSAny)

	e.SetWait(ctx, id.LocalOriginator,
		[]rpc.SetOp{{Path: "/test/stats/x", Value: []byte("1")}}, wire.TSAny)

	statPath := fmt.Sprintf("%s/watchers/%s", apteryxserver.StatisticsPath, guid)
	v, ok := e.Get(ctx, id.LocalOriginator, statPath)
	if !ok {
		t.Fatalf("statistics leaf %s missing", statPath)
	}
	parts := strings.Split(string(v), ",")
	if len(parts) != 4 {
		t.Fatalf("statistics value = %q, want count,min,avg,max", v)
	}
	if parts[0] == "0" {
		t.Fatalf("statistics count = %q, want non-zero after one dispatch", v)
	}
}
