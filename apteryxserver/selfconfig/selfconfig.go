// Package selfconfig exposes the callback registry as paths under
// /apteryx/: clients register and deregister watchers, validators,
// providers, refreshers, indexers and proxies by writing to the store,
// adjust the log level through /apteryx/debug, bind extra listeners
// through /apteryx/sockets, and read operation counters and per-callback
// statistics back out. Configuration is itself an ordinary store
// mutation, observable via watchers.
package selfconfig

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/apteryxio/apteryxd/apteryxserver"
	"github.com/apteryxio/apteryxd/id"
	"github.com/apteryxio/apteryxd/metrics"
	"github.com/apteryxio/apteryxd/registry"
	"github.com/apteryxio/apteryxd/rpc"
	"github.com/apteryxio/apteryxd/transport"
	"github.com/apteryxio/apteryxd/version"
	"github.com/apteryxio/apteryxd/wire"
)

// statisticsTTLUs is how long one walk of the registry statistics stays
// fresh before the built-in refresher re-runs.
const statisticsTTLUs = 1000 * 1000

// SocketBinder reacts to writes under /apteryx/sockets: bind a new
// listener at the configured URI, or release the one bound under guid.
// Satisfied by embed's listener table.
type SocketBinder interface {
	Bind(guid, uri string) error
	Release(guid string) error
}

// statisticsOriginator attributes the built-in refresher's writes so
// they queue separately from any client's watcher backlog.
const statisticsOriginator = id.Originator("selfconfig/statistics")

// Config owns the internal registrations that make the /apteryx/
// surface work.
type Config struct {
	lg       *zap.Logger
	e        *apteryxserver.Engine
	reg      *registry.Registry
	handles  *apteryxserver.Handles
	counters *metrics.Counters
	level    zap.AtomicLevel
	binder   SocketBinder

	pid uint64
}

// Init installs the internal callbacks: a watcher per registration
// prefix, the debug and sockets watchers, the counters indexer and
// provider, and the statistics refresher. It also publishes the daemon
// version at /apteryx/version.
func Init(lg *zap.Logger, e *apteryxserver.Engine, handles *apteryxserver.Handles, counters *metrics.Counters, level zap.AtomicLevel, binder SocketBinder, pid uint64) *Config {
	if lg == nil {
		lg = zap.NewNop()
	}
	c := &Config{
		lg:       lg,
		e:        e,
		reg:      e.Registry(),
		handles:  handles,
		counters: counters,
		level:    level,
		binder:   binder,
		pid:      pid,
	}

	c.internal(registry.Watch, "debug", apteryxserver.DebugPath, apteryxserver.WatchFunc(c.handleDebugSet))
	c.internal(registry.Watch, "sockets", apteryxserver.SocketsPath+"/", apteryxserver.WatchFunc(c.handleSocketsSet))

	c.internal(registry.Watch, "watchers", apteryxserver.WatchersPath+"/",
		c.registrationHandler(registry.Watch, apteryxserver.WatchersPath))
	c.internal(registry.Watch, "watchtrees", apteryxserver.WatchTreesPath+"/",
		c.registrationHandler(registry.WatchTree, apteryxserver.WatchTreesPath))
	c.internal(registry.Watch, "validators", apteryxserver.ValidatorsPath+"/",
		c.registrationHandler(registry.Validate, apteryxserver.ValidatorsPath))
	c.internal(registry.Watch, "refreshers", apteryxserver.RefreshersPath+"/",
		c.registrationHandler(registry.Refresh, apteryxserver.RefreshersPath))
	c.internal(registry.Watch, "providers", apteryxserver.ProvidersPath+"/",
		c.registrationHandler(registry.Provide, apteryxserver.ProvidersPath))
	c.internal(registry.Watch, "indexers", apteryxserver.IndexersPath+"/",
		c.registrationHandler(registry.Index, apteryxserver.IndexersPath))
	c.internal(registry.Watch, "proxies", apteryxserver.ProxiesPath+"/", apteryxserver.WatchFunc(c.handleProxiesSet))

	if counters != nil {
		c.internal(registry.Index, "counters", apteryxserver.CountersPath+"/", apteryxserver.IndexFunc(c.handleCountersIndex))
		c.internal(registry.Provide, "counters", apteryxserver.CountersPath+"/", apteryxserver.ProvideFunc(c.handleCountersGet))
	}

	c.internal(registry.Refresh, "statistics", apteryxserver.StatisticsPath+"/*", apteryxserver.RefreshFunc(c.handleStatisticsRefresh))

	c.e.Set(context.Background(), statisticsOriginator,
		[]rpc.SetOp{{Path: apteryxserver.VersionPath, Value: []byte(version.Version)}}, wire.TSAny)

	return c
}

// internal registers a built-in callback straight into the registry,
// bypassing the store write a client registration takes: these records
// must exist before the store can interpret any such write.
func (c *Config) internal(kind registry.Kind, name, pattern string, fn interface{}) {
	handle := c.handles.Put(fn)
	rec := &registry.Record{
		GUID:    registry.MakeGUID(c.pid, handle, apteryxserver.HashPattern(pattern)),
		Kind:    kind,
		Pattern: pattern,
		Pid:     c.pid,
		Handle:  handle,
		Fn:      fn,
	}
	if !c.reg.Register(rec) {
		c.lg.Error("internal callback already registered", zap.String("name", name))
	}
}

func (c *Config) handleDebugSet(ctx context.Context, path string, value []byte) error {
	if len(value) == 0 {
		c.level.SetLevel(zapcore.InfoLevel)
		c.lg.Info("debug disabled")
		return nil
	}
	n, err := strconv.Atoi(string(value))
	if err != nil {
		return fmt.Errorf("selfconfig: bad debug level %q: %w", value, err)
	}
	if n > 0 {
		c.level.SetLevel(zapcore.DebugLevel)
	} else {
		c.level.SetLevel(zapcore.InfoLevel)
	}
	c.lg.Info("debug level changed", zap.Int("level", n))
	return nil
}

func (c *Config) handleSocketsSet(ctx context.Context, path string, value []byte) error {
	guid := strings.TrimPrefix(path, apteryxserver.SocketsPath+"/")
	if c.binder == nil {
		return fmt.Errorf("selfconfig: no socket binder configured")
	}
	if len(value) == 0 {
		return c.binder.Release(guid)
	}
	return c.binder.Bind(guid, string(value))
}

// registrationHandler returns the watcher that turns writes under one
// /apteryx/<kind>s prefix into registry records.
func (c *Config) registrationHandler(kind registry.Kind, base string) apteryxserver.WatchFunc {
	return func(ctx context.Context, path string, value []byte) error {
		guid := strings.TrimPrefix(path, base+"/")
		c.updateCallback(kind, guid, string(value), "")
		return nil
	}
}

// updateCallback creates or destroys the registration named by guid: a
// non-empty value creates (replacing any record under the same guid),
// an empty value destroys.
func (c *Config) updateCallback(kind registry.Kind, guid, pattern, uri string) {
	var pid, handle, hash uint64
	if _, err := fmt.Sscanf(guid, "%x-%x-%x", &pid, &handle, &hash); err != nil {
		c.lg.Error("invalid callback guid", zap.String("guid", guid), zap.Error(err))
		return
	}

	if pattern == "" {
		if rec := c.reg.Deregister(guid); rec == nil {
			c.lg.Debug("attempt to remove non-existent callback", zap.String("guid", guid))
		} else if rec.Kind == registry.Refresh {
			c.reg.Refresh().Forget(rec.Pattern, concretePrefix(rec.Pattern))
		}
		return
	}

	if c.reg.Lookup(guid) != nil {
		c.lg.Debug("callback already exists, releasing old version", zap.String("guid", guid))
		c.reg.Deregister(guid)
	}

	fn := c.handles.Resolve(handle)
	rec := &registry.Record{
		GUID:    guid,
		Kind:    kind,
		Pattern: pattern,
		Pid:     pid,
		Handle:  handle,
		Hash:    hash,
		URI:     uri,
		Fn:      fn,
	}
	c.reg.Register(rec)
	c.lg.Debug("callback created", zap.String("guid", guid),
		zap.Stringer("kind", kind), zap.String("pattern", pattern))
}

// handleProxiesSet parses "unix://path:pattern" / "tcp://host:port:pattern"
// into a proxy record: the pattern is everything after the final colon,
// the URI everything before it.
func (c *Config) handleProxiesSet(ctx context.Context, path string, value []byte) error {
	guid := strings.TrimPrefix(path, apteryxserver.ProxiesPath+"/")
	if len(value) == 0 {
		c.updateCallback(registry.Proxy, guid, "", "")
		return nil
	}
	v := string(value)
	if !transport.IsProxyURI(v) {
		return fmt.Errorf("selfconfig: invalid proxy url %q", v)
	}
	sep := strings.LastIndexByte(v, ':')
	if sep < 0 || sep+1 >= len(v) {
		return fmt.Errorf("selfconfig: proxy value %q carries no pattern", v)
	}
	uri, pattern := v[:sep], v[sep+1:]
	c.updateCallback(registry.Proxy, guid, pattern, uri)
	return nil
}

func (c *Config) handleCountersIndex(ctx context.Context, prefix string) ([]string, error) {
	names := c.counters.Names()
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = apteryxserver.CountersPath + "/" + name
	}
	return paths, nil
}

func (c *Config) handleCountersGet(ctx context.Context, path string) ([]byte, bool) {
	name := path[strings.LastIndexByte(path, '/')+1:]
	v, ok := c.counters.Value(name)
	if !ok {
		return nil, false
	}
	return []byte(v), true
}

// handleStatisticsRefresh rebuilds /apteryx/statistics through the
// public prune and set paths, so its writes take the same locks and
// timestamps as anyone else's.
func (c *Config) handleStatisticsRefresh(ctx context.Context, prefix string) (uint64, error) {
	c.e.Prune(ctx, statisticsOriginator, apteryxserver.StatisticsPath, 0)

	var ops []rpc.SetOp
	kinds := []struct {
		kind registry.Kind
		name string
	}{
		{registry.Watch, "watchers"},
		{registry.WatchTree, "watchtrees"},
		{registry.Validate, "validators"},
		{registry.Refresh, "refreshers"},
		{registry.Provide, "providers"},
		{registry.Index, "indexers"},
		{registry.Proxy, "proxies"},
	}
	for _, k := range kinds {
		c.reg.ForEach(k.kind, func(rec *registry.Record) {
			count, min, avg, max := rec.Stats.Snapshot()
			ops = append(ops, rpc.SetOp{
				Path:  fmt.Sprintf("%s/%s/%s", apteryxserver.StatisticsPath, k.name, rec.GUID),
				Value: []byte(fmt.Sprintf("%d,%d,%d,%d", count, min, avg, max)),
			})
		})
	}
	if len(ops) > 0 {
		if status := c.e.Set(ctx, statisticsOriginator, ops, wire.TSAny); status != wire.StatusOK {
			return 0, fmt.Errorf("selfconfig: statistics set failed: %w", status)
		}
	}
	return statisticsTTLUs, nil
}

// concretePrefix truncates a pattern at its first wildcard segment.
func concretePrefix(pattern string) string {
	segs := strings.Split(strings.Trim(pattern, "/"), "/")
	var kept []string
	for _, s := range segs {
		if s == "*" || s == "" {
			break
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		return "/"
	}
	return "/" + strings.Join(kept, "/")
}
