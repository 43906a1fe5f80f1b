// Package metrics holds the daemon's Prometheus instruments. The same
// numbers are exposed two ways: scraped over the muxed HTTP listener at
// /metrics, and read back through the /apteryx/counters/* provider so
// store clients can fetch them without speaking HTTP.
package metrics

import (
	"sort"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Counters mirrors the per-operation counters the daemon has always
// exported under /apteryx/counters: one monotonic count per protocol
// operation plus per-callback-kind dispatch totals.
type Counters struct {
	byName map[string]prometheus.Counter

	Set         prometheus.Counter
	SetInvalid  prometheus.Counter
	Get         prometheus.Counter
	GetInvalid  prometheus.Counter
	Search      prometheus.Counter
	Traverse    prometheus.Counter
	Prune       prometheus.Counter
	Timestamp   prometheus.Counter
	Find        prometheus.Counter
	FindInvalid prometheus.Counter
	Query       prometheus.Counter
	Memuse      prometheus.Counter

	Watched   prometheus.Counter
	Validated prometheus.Counter
	Provided  prometheus.Counter
	Refreshed prometheus.Counter
	Indexed   prometheus.Counter
	Proxied   prometheus.Counter
}

func newCounter(c *Counters, reg prometheus.Registerer, name, help string) prometheus.Counter {
	ctr := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "apteryx",
		Subsystem: "server",
		Name:      name,
		Help:      help,
	})
	reg.MustRegister(ctr)
	c.byName[name] = ctr
	return ctr
}

// NewCounters registers the operation counters with reg. Pass
// prometheus.DefaultRegisterer for the daemon; tests pass a fresh
// prometheus.NewRegistry so parallel engines do not collide.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{byName: make(map[string]prometheus.Counter)}
	c.Set = newCounter(c, reg, "set", "Total number of set operations.")
	c.SetInvalid = newCounter(c, reg, "set_invalid", "Total number of refused set operations.")
	c.Get = newCounter(c, reg, "get", "Total number of get operations.")
	c.GetInvalid = newCounter(c, reg, "get_invalid", "Total number of get operations that found no value.")
	c.Search = newCounter(c, reg, "search", "Total number of search operations.")
	c.Traverse = newCounter(c, reg, "traverse", "Total number of traverse operations.")
	c.Prune = newCounter(c, reg, "prune", "Total number of prune operations.")
	c.Timestamp = newCounter(c, reg, "timestamp", "Total number of timestamp operations.")
	c.Find = newCounter(c, reg, "find", "Total number of find operations.")
	c.FindInvalid = newCounter(c, reg, "find_invalid", "Total number of find operations with no matches.")
	c.Query = newCounter(c, reg, "query", "Total number of query operations.")
	c.Memuse = newCounter(c, reg, "memuse", "Total number of memuse operations.")
	c.Watched = newCounter(c, reg, "watched", "Total number of watcher callbacks dispatched.")
	c.Validated = newCounter(c, reg, "validated", "Total number of validator callbacks invoked.")
	c.Provided = newCounter(c, reg, "provided", "Total number of provider callbacks invoked.")
	c.Refreshed = newCounter(c, reg, "refreshed", "Total number of refresher callbacks invoked.")
	c.Indexed = newCounter(c, reg, "indexed", "Total number of indexer callbacks invoked.")
	c.Proxied = newCounter(c, reg, "proxied", "Total number of operations forwarded to a proxy.")
	return c
}

// Names returns every counter name in sorted order, for the
// /apteryx/counters indexer.
func (c *Counters) Names() []string {
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Value reads a counter back by name for the /apteryx/counters
// provider, formatted as a decimal integer.
func (c *Counters) Value(name string) (string, bool) {
	ctr, ok := c.byName[name]
	if !ok {
		return "", false
	}
	var m dto.Metric
	if err := ctr.Write(&m); err != nil {
		return "", false
	}
	return strconv.FormatUint(uint64(m.GetCounter().GetValue()), 10), true
}
