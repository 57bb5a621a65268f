// Package metrics is a small Prometheus-compatible collector for the gateway.
// It renders the text exposition format without pulling in client_golang.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide collector behind /metrics.
var Collector = NewCollector("gltchgate")

// Registry aggregates counters, gauges and histograms under one namespace.
type Registry struct {
	namespace  string
	counters   sync.Map // key -> *Counter
	gauges     sync.Map // key -> *Gauge
	histograms sync.Map // key -> *Histogram
	startTime  time.Time
}

// NewCollector creates a registry whose uptime gauge is named
// "<namespace>_uptime_seconds".
func NewCollector(namespace string) *Registry {
	return &Registry{namespace: namespace, startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values. A +Inf bucket is
// always present.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Labels formats label pairs as `k1="v1",k2="v2"`.
func Labels(kv ...string) string {
	var parts []string
	for i := 0; i+1 < len(kv); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=%q", kv[i], kv[i+1]))
	}
	return strings.Join(parts, ",")
}

// Counter returns or creates the counter name{labels}.
func (r *Registry) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := r.counters.Load(key); ok {
		return v.(*Counter)
	}
	actual, _ := r.counters.LoadOrStore(key, &Counter{name: name, help: help, labels: labels})
	return actual.(*Counter)
}

// Gauge returns or creates the gauge name{labels}.
func (r *Registry) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := r.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	actual, _ := r.gauges.LoadOrStore(key, &Gauge{name: name, help: help, labels: labels})
	return actual.(*Gauge)
}

// Histogram returns or creates the histogram name{labels}.
func (r *Registry) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := r.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	les := append([]float64(nil), buckets...)
	sort.Float64s(les)
	if len(les) == 0 || !math.IsInf(les[len(les)-1], 1) {
		les = append(les, math.Inf(1))
	}
	hb := make([]histBucket, len(les))
	for i, b := range les {
		hb[i] = histBucket{le: b}
	}
	actual, _ := r.histograms.LoadOrStore(key, &Histogram{name: name, help: help, labels: labels, buckets: hb})
	return actual.(*Histogram)
}

// Handler serves the metrics in Prometheus text format.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteTo(w)
	}
}

// sortedValues returns the values of m ordered by key so output is stable.
func sortedValues(m *sync.Map) []any {
	var keys []string
	vals := make(map[string]any)
	m.Range(func(k, v any) bool {
		keys = append(keys, k.(string))
		vals[k.(string)] = v
		return true
	})
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = vals[k]
	}
	return out
}

func series(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

// WriteTo renders every metric in Prometheus text format.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder

	uptime := r.namespace + "_uptime_seconds"
	fmt.Fprintf(&sb, "# HELP %s Time since start in seconds\n", uptime)
	fmt.Fprintf(&sb, "# TYPE %s gauge\n", uptime)
	fmt.Fprintf(&sb, "%s %d\n", uptime, int64(r.Uptime().Seconds()))

	helpWritten := make(map[string]bool)
	for _, v := range sortedValues(&r.counters) {
		c := v.(*Counter)
		if !helpWritten[c.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n", c.name, c.help, c.name)
			helpWritten[c.name] = true
		}
		fmt.Fprintf(&sb, "%s %d\n", series(c.name, c.labels), c.Value())
	}

	for _, v := range sortedValues(&r.gauges) {
		g := v.(*Gauge)
		if !helpWritten[g.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s gauge\n", g.name, g.help, g.name)
			helpWritten[g.name] = true
		}
		fmt.Fprintf(&sb, "%s %d\n", series(g.name, g.labels), g.Value())
	}

	for _, v := range sortedValues(&r.histograms) {
		h := v.(*Histogram)
		h.mu.Lock()
		if !helpWritten[h.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
			helpWritten[h.name] = true
		}
		sep := ""
		if h.labels != "" {
			sep = ","
		}
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			fmt.Fprintf(&sb, "%s_bucket{%s%sle=%q} %d\n", h.name, h.labels, sep, le, b.count)
		}
		fmt.Fprintf(&sb, "%s %d\n", series(h.name+"_count", h.labels), h.count)
		fmt.Fprintf(&sb, "%s %f\n", series(h.name+"_sum", h.labels), h.sum)
		h.mu.Unlock()
	}

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

// Gateway metrics.
var (
	MessagesRouted = Collector.Counter("gltchgate_messages_routed_total", "Inbound messages routed to the agent", "")
	RouteFailures  = Collector.Counter("gltchgate_route_failures_total", "Inbound messages whose routing failed", "")
	ChunksSent     = Collector.Counter("gltchgate_outbound_chunks_total", "Outbound reply chunks delivered", "")
	WSClients      = Collector.Gauge("gltchgate_ws_clients", "Live websocket hub clients", "")
	AgentUp        = Collector.Gauge("gltchgate_agent_up", "1 when the last agent heartbeat was answered", "")

	BridgeLatency = Collector.Histogram("gltchgate_bridge_latency_seconds", "Agent bridge RPC latency in seconds", "",
		[]float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120})
)

// StatusTransition counts a channel account status change.
func StatusTransition(channel, status string) {
	Collector.Counter("gltchgate_channel_status_transitions_total", "Channel account status transitions",
		Labels("channel", channel, "status", status)).Inc()
}

// PluginLoadFailure counts a failed plugin initialize.
func PluginLoadFailure(channel string) {
	Collector.Counter("gltchgate_plugin_load_failures_total", "Plugin initialize failures",
		Labels("channel", channel)).Inc()
}
