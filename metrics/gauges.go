package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/apteryxio/apteryxd/pkg/runtime"
)

var (
	memuseBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "apteryx",
		Subsystem: "server",
		Name:      "tree_bytes",
		Help:      "Approximate bytes held by the in-memory path tree.",
	})
	fdUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "apteryx",
		Subsystem: "server",
		Name:      "fd_used",
		Help:      "The number of used file descriptors.",
	})
	fdLimit = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "apteryx",
		Subsystem: "server",
		Name:      "fd_limit",
		Help:      "The file descriptor limit.",
	})
)

func init() {
	prometheus.MustRegister(memuseBytes)
	prometheus.MustRegister(fdUsed)
	prometheus.MustRegister(fdLimit)
}

// SetTreeBytes records the current memuse aggregate of the path tree.
func SetTreeBytes(n uint64) { memuseBytes.Set(float64(n)) }

// MonitorFileDescriptor updates the fd gauges every interval and warns
// when usage crosses 80% of the limit, until ctx-like done is closed.
func MonitorFileDescriptor(lg *zap.Logger, done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		used, err := runtime.FDUsage()
		if err != nil {
			lg.Warn("failed to get file descriptor usage", zap.Error(err))
			return
		}
		fdUsed.Set(float64(used))
		limit, err := runtime.FDLimit()
		if err != nil {
			lg.Warn("failed to get file descriptor limit", zap.Error(err))
			return
		}
		fdLimit.Set(float64(limit))
		if used >= limit/5*4 {
			lg.Warn("80% of file descriptors are used", zap.Uint64("used", used), zap.Uint64("limit", limit))
		}
		select {
		case <-ticker.C:
		case <-done:
			return
		}
	}
}
