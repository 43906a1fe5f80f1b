// Package embed wires the daemon's components together so callers can
// run an Apteryx server inside their own process, or via cmd/apteryxd.
package embed

import (
	"flag"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/apteryxio/apteryxd/pkg/flags"
)

const (
	// DefaultListenURI is the daemon's well-known UNIX socket.
	DefaultListenURI = "unix:///var/run/apteryxd.sock"

	// DefaultDispatchWorkers bounds how many watcher callbacks run
	// concurrently.
	DefaultDispatchWorkers = 8

	// DefaultRPCTimeout bounds a request/reply round trip.
	DefaultRPCTimeout = time.Second
	// DefaultCallbackTimeout bounds one validator/provider/refresher
	// invocation.
	DefaultCallbackTimeout = time.Second

	// DefaultShutdownDrain bounds how long in-flight connections and
	// callbacks may drain at shutdown.
	DefaultShutdownDrain = 5 * time.Second

	// DefaultSnapshotInterval is how often the warm-start sidecar
	// flushes the tree when a data directory is configured.
	DefaultSnapshotInterval = 5 * time.Second
)

// Config holds the arguments for configuring an Apteryx server.
type Config struct {
	Name string `json:"name"`

	// ListenURIs are the sockets to bind at startup; more can be bound
	// at runtime through /apteryx/sockets.
	ListenURIs []string `json:"listen-uris"`

	// MaxConns caps concurrently accepted connections per listener;
	// zero means unlimited.
	MaxConns int `json:"max-conns"`

	DispatchWorkers int           `json:"dispatch-workers"`
	RPCTimeout      time.Duration `json:"rpc-timeout"`
	CallbackTimeout time.Duration `json:"callback-timeout"`
	ShutdownDrain   time.Duration `json:"shutdown-drain"`

	// DataDir enables the warm-start snapshot sidecar when non-empty.
	DataDir          string        `json:"data-dir"`
	SnapshotInterval time.Duration `json:"snapshot-interval"`

	// Logger is "zap"; LogLevel is one of debug, info, warn, error.
	Logger   string `json:"logger"`
	LogLevel string `json:"log-level"`

	loggerMu sync.RWMutex
	logger   *zap.Logger
	level    zap.AtomicLevel
}

// NewConfig creates a new Config populated with default values.
func NewConfig() *Config {
	return &Config{
		Name:             "default",
		ListenURIs:       []string{DefaultListenURI},
		DispatchWorkers:  DefaultDispatchWorkers,
		RPCTimeout:       DefaultRPCTimeout,
		CallbackTimeout:  DefaultCallbackTimeout,
		ShutdownDrain:    DefaultShutdownDrain,
		SnapshotInterval: DefaultSnapshotInterval,
		Logger:           "zap",
		LogLevel:         "info",
	}
}

// AddFlags registers the config's command-line flags on fs.
func (cfg *Config) AddFlags(fs *flag.FlagSet) {
	fs.StringVar(&cfg.Name, "name", cfg.Name, "Human-readable name for this node.")
	fs.Var(flags.NewUniqueURIsValue(DefaultListenURI), "listen-uris",
		"Comma-separated list of URIs to listen on (unix:///path, tcp://host:port).")
	fs.IntVar(&cfg.MaxConns, "max-conns", cfg.MaxConns,
		"Maximum concurrent connections per listener (0 = unlimited).")
	fs.IntVar(&cfg.DispatchWorkers, "dispatch-workers", cfg.DispatchWorkers,
		"Number of concurrently running watcher callbacks.")
	fs.DurationVar(&cfg.RPCTimeout, "rpc-timeout", cfg.RPCTimeout,
		"Time after which an unanswered request fails.")
	fs.DurationVar(&cfg.CallbackTimeout, "callback-timeout", cfg.CallbackTimeout,
		"Time after which a callback invocation is abandoned.")
	fs.DurationVar(&cfg.ShutdownDrain, "shutdown-drain", cfg.ShutdownDrain,
		"Time to let in-flight work drain at shutdown.")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir,
		"Directory for the warm-start snapshot (empty = in-memory only).")
	fs.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval,
		"Interval between snapshot flushes when -data-dir is set.")
	fs.Var(flags.NewSelectiveStringValue("zap"), "logger",
		"Currently only supports 'zap' for structured logging.")
	fs.Var(flags.NewSelectiveStringValue("info", "debug", "warn", "error"), "log-level",
		"Configures log level.")
}

// ApplyFlags copies flag.Value-backed flags into the config after
// parsing.
func (cfg *Config) ApplyFlags(fs *flag.FlagSet) {
	cfg.ListenURIs = flags.UniqueURIsFromFlag(fs, "listen-uris")
	cfg.Logger = fs.Lookup("logger").Value.String()
	cfg.LogLevel = fs.Lookup("log-level").Value.String()
}

// Validate ensures that the configuration is sane.
func (cfg *Config) Validate() error {
	if len(cfg.ListenURIs) == 0 {
		return fmt.Errorf("embed: at least one listen URI is required")
	}
	for _, uri := range cfg.ListenURIs {
		u, err := url.Parse(uri)
		if err != nil {
			return fmt.Errorf("embed: invalid listen URI %q: %v", uri, err)
		}
		switch u.Scheme {
		case "unix", "tcp", "tcp6":
		default:
			return fmt.Errorf("embed: unsupported scheme in listen URI %q", uri)
		}
	}
	if cfg.DispatchWorkers <= 0 {
		return fmt.Errorf("embed: dispatch-workers must be positive")
	}
	if cfg.Logger != "zap" {
		return fmt.Errorf("embed: unsupported logger %q", cfg.Logger)
	}
	return nil
}
