package embed

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/apteryxio/apteryxd/apteryxserver"
	"github.com/apteryxio/apteryxd/apteryxserver/selfconfig"
	"github.com/apteryxio/apteryxd/dispatch"
	"github.com/apteryxio/apteryxd/id"
	"github.com/apteryxio/apteryxd/metrics"
	"github.com/apteryxio/apteryxd/pkg/fileutil"
	"github.com/apteryxio/apteryxd/registry"
	"github.com/apteryxio/apteryxd/rpc"
	"github.com/apteryxio/apteryxd/snapshot"
	"github.com/apteryxio/apteryxd/store"
	"github.com/apteryxio/apteryxd/transport"
)

// Apteryxd is a running Apteryx server: the engine, its callback
// surface, the RPC server and every bound listener.
type Apteryxd struct {
	cfg *Config
	lg  *zap.Logger

	engine  *apteryxserver.Engine
	local   *apteryxserver.Local
	handles *apteryxserver.Handles
	server  *rpc.Server
	pool    *rpc.ClientPool
	sidecar *snapshot.Sidecar

	mu        sync.Mutex
	listeners map[string]net.Listener
	serveWg   sync.WaitGroup

	stopc chan struct{}
	errc  chan error
}

// StartApteryxd builds every component, warm-starts from the snapshot
// sidecar if configured, binds the configured listeners, and notifies
// systemd once ready. The returned Apteryxd is serving; block on Err
// or Stop it.
func StartApteryxd(cfg *Config) (*Apteryxd, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lg := cfg.GetLogger()
	if lg == nil {
		if err := cfg.SetupLogging(); err != nil {
			return nil, err
		}
		lg = cfg.GetLogger()
	}

	tree := store.New(lg)
	reg := registry.New(lg)
	disp := dispatch.New(lg, cfg.DispatchWorkers, cfg.CallbackTimeout)
	counters := metrics.NewCounters(prometheus.DefaultRegisterer)
	engine := apteryxserver.New(lg, tree, reg, disp, counters)
	engine.SetCallbackTimeout(cfg.CallbackTimeout)

	pool := rpc.NewClientPool(lg, transport.Dial, cfg.RPCTimeout)
	engine.SetProxier(pool)

	pid := os.Getpid()
	handles := apteryxserver.NewHandles(id.NewHandleGenerator(uint16(pid), time.Now()))

	a := &Apteryxd{
		cfg:       cfg,
		lg:        lg,
		engine:    engine,
		handles:   handles,
		pool:      pool,
		listeners: make(map[string]net.Listener),
		stopc:     make(chan struct{}),
		errc:      make(chan error, 1),
	}
	a.local = apteryxserver.NewLocal(engine, handles)
	selfconfig.Init(lg, engine, handles, counters, cfg.Level(), a, uint64(pid))

	if cfg.DataDir != "" {
		if err := fileutil.TouchDirAll(cfg.DataDir); err != nil {
			return nil, fmt.Errorf("embed: cannot access data directory: %v", err)
		}
		sc, err := snapshot.Open(snapshot.Config{
			Path:          filepath.Join(cfg.DataDir, "apteryxd.db"),
			FlushInterval: cfg.SnapshotInterval,
			Logger:        lg,
		}, tree)
		if err != nil {
			return nil, err
		}
		if _, err := sc.Load(); err != nil {
			sc.Close()
			return nil, err
		}
		a.sidecar = sc
	}

	a.server = rpc.NewServer(lg, engine, cfg.RPCTimeout, 0)

	for i, uri := range cfg.ListenURIs {
		if err := a.Bind(fmt.Sprintf("startup-%d", i), uri); err != nil {
			a.Stop()
			return nil, err
		}
	}

	go metrics.MonitorFileDescriptor(lg, a.stopc, 10*time.Second)
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				metrics.SetTreeBytes(tree.Memuse("/"))
			case <-a.stopc:
				return
			}
		}
	}()
	notifySystemd(lg)

	return a, nil
}

// Engine returns the operation engine for in-process callers.
func (a *Apteryxd) Engine() *apteryxserver.Engine { return a.engine }

// Local returns the in-process registration surface.
func (a *Apteryxd) Local() *apteryxserver.Local { return a.local }

// Err reports the first listener failure.
func (a *Apteryxd) Err() <-chan error { return a.errc }

// Bind binds a listener under guid at uri, muxing the Apteryx frame
// protocol with the metrics/pprof HTTP surface on the same socket.
// Implements selfconfig.SocketBinder, so writes to
// /apteryx/sockets/<guid> land here.
func (a *Apteryxd) Bind(guid, uri string) error {
	l, err := transport.Listen(uri, a.cfg.MaxConns)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if _, exists := a.listeners[guid]; exists {
		a.mu.Unlock()
		l.Close()
		return fmt.Errorf("embed: socket %q already bound", guid)
	}
	a.listeners[guid] = l
	a.mu.Unlock()

	a.lg.Info("listening", zap.String("guid", guid), zap.String("uri", uri))
	a.serveWg.Add(1)
	go func() {
		defer a.serveWg.Done()
		err := a.serve(l)
		a.mu.Lock()
		_, stillBound := a.listeners[guid]
		a.mu.Unlock()
		// A listener released through /apteryx/sockets (or Stop) fails
		// its accept loop deliberately; only report the unexpected.
		if err != nil && stillBound {
			select {
			case a.errc <- err:
			default:
			}
		}
	}()
	return nil
}

// Release closes the listener bound under guid. Implements
// selfconfig.SocketBinder.
func (a *Apteryxd) Release(guid string) error {
	a.mu.Lock()
	l, ok := a.listeners[guid]
	if ok {
		delete(a.listeners, guid)
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("embed: socket %q is not bound", guid)
	}
	a.lg.Info("released listener", zap.String("guid", guid))
	return l.Close()
}

// Stop shuts the daemon down: listeners close, in-flight connections
// drain up to the configured bound, the proxy pool and snapshot sidecar
// close. Watcher callbacks still queued in the dispatcher are not waited
// for.
func (a *Apteryxd) Stop() {
	select {
	case <-a.stopc:
		return
	default:
		close(a.stopc)
	}

	a.mu.Lock()
	for guid, l := range a.listeners {
		l.Close()
		delete(a.listeners, guid)
	}
	a.mu.Unlock()

	a.server.Shutdown(a.cfg.ShutdownDrain)
	a.serveWg.Wait()
	a.pool.Close()
	if a.sidecar != nil {
		if err := a.sidecar.Close(); err != nil {
			a.lg.Warn("snapshot close failed", zap.Error(err))
		}
	}
	a.lg.Info("apteryxd stopped")
}

func notifySystemd(lg *zap.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		lg.Error("failed to notify systemd for readiness", zap.Error(err))
	}
	if sent {
		lg.Info("successfully notified init daemon")
	}
}
