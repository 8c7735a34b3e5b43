// Package metrics exports relay counters to Prometheus and serves the
// diagnostics HTTP endpoints.
//
// The counters already live in atomics owned by the components; the
// collectors here only read them at scrape time.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"xaprsd/dedup"
	"xaprsd/hub"
	"xaprsd/stats"
)

const namespace = "xaprsd"

// Upstream is the state exposed by the upstream client.
type Upstream interface {
	Connected() bool
}

// Listener is a downstream stream server.
type Listener interface {
	Name() string
	Accepted() uint64
}

// FailureStore is the optional parse-failure recorder.
type FailureStore interface {
	Written() uint64
	Dropped() uint64
}

// Mirror is the optional MQTT publisher.
type Mirror interface {
	Published() uint64
	Failed() uint64
}

// Sources are the components whose counters are exported. Nil fields are
// skipped.
type Sources struct {
	Stats     *stats.Tracker
	Hub       *hub.Hub
	Reaper    *hub.Reaper
	Dedup     *dedup.Deduplicator
	Upstream  Upstream
	Listeners []Listener
	Recorder  FailureStore
	Mirror    Mirror
}

// NewRegistry builds a registry with the Go runtime collectors and one
// collector per configured source.
func NewRegistry(src Sources) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if src.Stats != nil {
		st := src.Stats
		reg.MustRegister(
			counterFunc("upstream", "lines_total", "Lines read from upstream, comments included.", st.Lines),
			counterFunc("upstream", "bytes_total", "Bytes read from upstream.", st.Bytes),
			counterFunc("upstream", "comments_total", "Server comment lines skipped.", st.Comments),
			counterFunc("upstream", "positions_total", "Parsed lines that carried a position.", st.Positions),
			counterFunc("upstream", "duplicates_total", "Lines suppressed as duplicates.", st.Duplicates),
			counterFunc("upstream", "oversized_total", "Lines discarded for exceeding the line limit.", st.Oversized),
			counterFunc("upstream", "connects_total", "Successful upstream logins.", st.Connects),
			counterFunc("upstream", "connect_failures_total", "Failed upstream connect or login attempts.", st.ConnectFailures),
			counterFunc("upstream", "disconnects_total", "Upstream connections that ended.", st.Disconnects),
			&feedCollector{stats: st},
		)
	}
	if src.Upstream != nil {
		up := src.Upstream
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "connected",
			Help:      "1 while logged in to upstream.",
		}, func() float64 {
			if up.Connected() {
				return 1
			}
			return 0
		}))
	}
	if src.Hub != nil {
		h := src.Hub
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "subscribers",
				Help:      "Registered subscribers.",
			}, func() float64 { return float64(h.Len()) }),
			counterFunc("hub", "broadcasts_total", "Messages broadcast.", h.Broadcasts),
			counterFunc("hub", "delivered_total", "Messages queued to a subscriber.", h.Delivered),
			counterFunc("hub", "drops_total", "Messages dropped on a full subscriber queue.", h.Drops),
		)
	}
	if src.Reaper != nil {
		r := src.Reaper
		reg.MustRegister(
			counterFunc("reaper", "joined_total", "Finished session tasks joined.", r.Reaped),
			counterFunc("reaper", "failures_total", "Joined tasks that ended with an unexpected error.", r.Failures),
		)
	}
	if src.Dedup.Enabled() {
		d := src.Dedup
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dedup",
			Name:      "cache_entries",
			Help:      "Line hashes held for duplicate detection.",
		}, func() float64 {
			_, _, size := d.GetStats()
			return float64(size)
		}))
	}
	if len(src.Listeners) > 0 {
		reg.MustRegister(&listenerCollector{listeners: src.Listeners})
	}
	if src.Recorder != nil {
		rec := src.Recorder
		reg.MustRegister(
			counterFunc("recorder", "written_total", "Parse failures stored.", rec.Written),
			counterFunc("recorder", "dropped_total", "Parse failures dropped on a full queue.", rec.Dropped),
		)
	}
	if src.Mirror != nil {
		m := src.Mirror
		reg.MustRegister(
			counterFunc("mirror", "published_total", "Messages published to the MQTT broker.", m.Published),
			counterFunc("mirror", "failed_total", "Messages the MQTT broker did not accept.", m.Failed),
		)
	}
	return reg
}

func counterFunc(subsystem, name, help string, fn func() uint64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(fn()) })
}

var (
	parsedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "upstream", "parsed_total"),
		"Lines parsed and forwarded, by protocol version.",
		[]string{"version"}, nil,
	)
	failedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "upstream", "parse_failures_total"),
		"Lines rejected, by reason.",
		[]string{"reason"}, nil,
	)
	acceptedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "stream", "accepted_total"),
		"Subscriber connections accepted, by listener.",
		[]string{"listener"}, nil,
	)
)

// feedCollector exports the labelled per-version and per-reason counts.
type feedCollector struct {
	stats *stats.Tracker
}

func (c *feedCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- parsedDesc
	ch <- failedDesc
}

func (c *feedCollector) Collect(ch chan<- prometheus.Metric) {
	for version, n := range c.stats.GetVersionCounts() {
		ch <- prometheus.MustNewConstMetric(parsedDesc, prometheus.CounterValue, float64(n), version)
	}
	for reason, n := range c.stats.GetFailureCounts() {
		ch <- prometheus.MustNewConstMetric(failedDesc, prometheus.CounterValue, float64(n), reason)
	}
}

type listenerCollector struct {
	listeners []Listener
}

func (c *listenerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- acceptedDesc
}

func (c *listenerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, l := range c.listeners {
		ch <- prometheus.MustNewConstMetric(acceptedDesc, prometheus.CounterValue, float64(l.Accepted()), l.Name())
	}
}
