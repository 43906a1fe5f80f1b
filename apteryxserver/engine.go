package apteryxserver

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/apteryxio/apteryxd/dispatch"
	"github.com/apteryxio/apteryxd/metrics"
	"github.com/apteryxio/apteryxd/registry"
	"github.com/apteryxio/apteryxd/store"
	"github.com/apteryxio/apteryxd/wire"
)

// Proxier forwards an operation to the remote named by uri when path
// falls under a registered proxy; apteryxserver only needs enough of
// rpc.Client's surface to re-issue the proxyable calls, so it depends
// on this narrow interface rather than the rpc package directly to
// avoid an import cycle (rpc.Handler is satisfied by *Engine).
type Proxier interface {
	Get(ctx context.Context, uri, path string) (value []byte, found bool, err error)
	Set(ctx context.Context, uri, path string, value []byte, expectedTs uint64) (wire.Status, error)
	Search(ctx context.Context, uri, prefix string) ([]string, error)
	Prune(ctx context.Context, uri, path string, expectedTs uint64) (wire.Status, error)
	Timestamp(ctx context.Context, uri, path string) (uint64, error)
}

// Engine coordinates the path tree, the callback registry and the
// dispatcher behind the public operations.
type Engine struct {
	tree     *store.Tree
	reg      *registry.Registry
	disp     *dispatch.Dispatcher
	lg       *zap.Logger
	counters *metrics.Counters

	callbackTimeout time.Duration

	proxy Proxier
}

// New wires a fresh engine. proxy may be nil until the RPC layer is
// constructed; proxy forwarding is skipped (falls through to the local
// tree) while it is nil, matching "when a proxy is absent or
// unreachable, the operation falls through to the local tree". counters
// may be nil in tests that do not care about instrumentation.
func New(lg *zap.Logger, tree *store.Tree, reg *registry.Registry, disp *dispatch.Dispatcher, counters *metrics.Counters) *Engine {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Engine{
		tree:            tree,
		reg:             reg,
		disp:            disp,
		lg:              lg,
		counters:        counters,
		callbackTimeout: time.Second,
	}
}

// SetCallbackTimeout overrides the default 1s bound on one validator,
// provider or refresher invocation.
func (e *Engine) SetCallbackTimeout(d time.Duration) {
	if d > 0 {
		e.callbackTimeout = d
	}
}

// SetProxier installs the proxy client after it has been constructed;
// embed wires rpc's dialing client in after the engine itself exists,
// since the client dials out using the same transport the engine is
// served behind.
func (e *Engine) SetProxier(p Proxier) { e.proxy = p }

// Tree exposes the path tree for the snapshot sidecar and tests.
func (e *Engine) Tree() *store.Tree { return e.tree }

// Registry exposes the callback registry for selfconfig.
func (e *Engine) Registry() *registry.Registry { return e.reg }

func (e *Engine) nowUs() uint64 { return registry.NowMicros() }

// runValidators invokes every matched validator for path in order,
// returning the first non-OK status. Validators run synchronously on
// the calling goroutine and before any tree lock is taken; the engine
// never holds the tree lock across a callback.
func (e *Engine) runValidators(ctx context.Context, path string, value []byte) wire.Status {
	recs := e.reg.Match(registry.Validate, path)
	defer releaseAll(recs)

	for _, rec := range recs {
		fn, ok := rec.Fn.(ValidateFunc)
		if !ok {
			continue
		}
		if e.counters != nil {
			e.counters.Validated.Inc()
		}
		start := time.Now()
		status := e.invokeValidate(ctx, fn, path, value)
		rec.Stats.Observe(uint64(time.Since(start).Microseconds()))
		if status != wire.StatusOK {
			return status
		}
	}
	return wire.StatusOK
}

// invokeValidate bounds one validator call to the callback timeout
// budget; a validator that times out is treated as a veto.
func (e *Engine) invokeValidate(ctx context.Context, fn ValidateFunc, path string, value []byte) wire.Status {
	cctx, cancel := context.WithTimeout(ctx, e.callbackTimeout)
	defer cancel()

	resultC := make(chan wire.Status, 1)
	go func() { resultC <- fn(cctx, path, value) }()

	select {
	case status := <-resultC:
		return status
	case <-cctx.Done():
		return wire.StatusETIMEDOUT
	}
}

// watcherTasks builds one dispatch.Task per matched watcher for a
// single applied leaf, carrying the final stamped value so late-running
// watchers never observe an intermediate state.
func (e *Engine) watcherTasks(path string, value []byte) []dispatch.Task {
	recs := e.reg.Match(registry.Watch, path)
	tasks := make([]dispatch.Task, 0, len(recs))
	for _, rec := range recs {
		rec := rec
		fn, ok := rec.Fn.(WatchFunc)
		if !ok {
			rec.Release()
			continue
		}
		tasks = append(tasks, dispatch.Task{
			Label: rec.GUID,
			Run: func(ctx context.Context) error {
				defer rec.Release()
				if e.counters != nil {
					e.counters.Watched.Inc()
				}
				start := time.Now()
				err := fn(ctx, path, value)
				rec.Stats.Observe(uint64(time.Since(start).Microseconds()))
				return err
			},
		})
	}
	return tasks
}

// watchTreeTasks builds one task per watch_tree registration covering a
// prune, carrying the whole removed set as a single event.
func (e *Engine) watchTreeTasks(root string, removed []store.Removed) []dispatch.Task {
	recs := e.reg.Match(registry.WatchTree, root)
	tasks := make([]dispatch.Task, 0, len(recs))
	pub := make([]Removed, len(removed))
	for i, r := range removed {
		pub[i] = Removed{Path: r.Path, Prior: r.Prior}
	}
	for _, rec := range recs {
		rec := rec
		fn, ok := rec.Fn.(WatchTreeFunc)
		if !ok {
			rec.Release()
			continue
		}
		tasks = append(tasks, dispatch.Task{
			Label: rec.GUID,
			Run: func(ctx context.Context) error {
				defer rec.Release()
				start := time.Now()
				err := fn(ctx, root, pub)
				rec.Stats.Observe(uint64(time.Since(start).Microseconds()))
				return err
			},
		})
	}
	return tasks
}

func releaseAll(recs []*registry.Record) {
	for _, rec := range recs {
		rec.Release()
	}
}
