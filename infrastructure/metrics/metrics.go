// Package metrics exposes Prometheus instrumentation for the host side of a
// reflection channel: per-handler dispatch counts and latency, and the
// occupancy of each channel's request and reply rings.
package metrics

import (
	"context"
	"time"

	"github.com/hostreflect/hostreflect/hostfuncs"
	"github.com/hostreflect/hostreflect/queue"
	"github.com/hostreflect/hostreflect/reflection"
	"github.com/hostreflect/hostreflect/wireformat"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hostreflect"

// Metrics holds the dispatch instruments. Create one per registry.
type Metrics struct {
	reg prometheus.Registerer

	// calls counts handler invocations.
	// Labels: handler, status (a reply status, "async" or "error")
	calls *prometheus.CounterVec

	// latency measures handler run time in seconds.
	// Labels: handler
	latency *prometheus.HistogramVec
}

// New registers the dispatch instruments on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "calls_total",
			Help:      "Host function invocations by handler and reply status",
		}, []string{"handler", "status"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Host function run time in seconds",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"handler"}),
	}
}

// Middleware returns a hostfuncs middleware recording every invocation.
func (m *Metrics) Middleware() hostfuncs.Middleware {
	return func(next hostfuncs.ByteHandler) hostfuncs.ByteHandler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			handler := wireformat.HandlerInvalid
			if hc, ok := ctx.(hostfuncs.HostContext); ok {
				handler = hc.Handler()
			}

			start := time.Now()
			resp, err := next(ctx, payload)
			m.latency.WithLabelValues(handler.String()).Observe(time.Since(start).Seconds())

			status := "async"
			switch {
			case err != nil:
				status = "error"
			case len(resp) > 0:
				status = wireformat.ReplyStatus(resp).String()
			}
			m.calls.WithLabelValues(handler.String(), status).Inc()
			return resp, err
		}
	}
}

// WatchChannel registers a collector for the queues of ch, labeled with
// image. The returned function unregisters it and must be called before the
// channel's region is closed.
func (m *Metrics) WatchChannel(image string, ch *reflection.Channel) (func(), error) {
	c := NewQueueCollector(image, ch.Requests(), ch.Replies())
	if err := m.reg.Register(c); err != nil {
		return nil, err
	}
	return func() { m.reg.Unregister(c) }, nil
}

// QueueCollector reports ring occupancy at scrape time.
type QueueCollector struct {
	used     *prometheus.Desc
	capacity *prometheus.Desc
	queues   []*queue.Queue
}

var _ prometheus.Collector = (*QueueCollector)(nil)

// NewQueueCollector creates a collector over queues. Queue names become the
// "queue" label; image is attached as a constant label.
func NewQueueCollector(image string, queues ...*queue.Queue) *QueueCollector {
	labels := prometheus.Labels{"image": image}
	return &QueueCollector{
		used: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "used_bytes"),
			"Bytes currently enqueued in the ring",
			[]string{"queue"}, labels),
		capacity: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "capacity_bytes"),
			"Ring storage size in bytes",
			[]string{"queue"}, labels),
		queues: queues,
	}
}

// Describe implements prometheus.Collector.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.used
	ch <- c.capacity
}

// Collect implements prometheus.Collector. Closed queues are skipped.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	for _, q := range c.queues {
		used, open := q.Usage()
		if !open {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.used, prometheus.GaugeValue, float64(used), q.Name())
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(q.Capacity()), q.Name())
	}
}
