// Package metrics exports engine activity as Prometheus metrics. Counters are
// fed from the event bus; queue depth is read from the dispatcher at scrape time.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fitsched/internal/eventbus"
	"fitsched/internal/queue"
	logx "fitsched/pkg/logx"
)

const namespace = "fitsched"

// StatsSource reports queue depth. queue.Dispatcher satisfies it.
type StatsSource interface {
	Stats(ctx context.Context, queue string) (queue.Stats, error)
}

type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	executions     *prometheus.CounterVec
	execDuration   *prometheus.HistogramVec
	lifecycle      *prometheus.CounterVec
	dispatched     prometheus.Counter
	tickSchedules  *prometheus.GaugeVec
	tickDuration   prometheus.Gauge
	lastTick       prometheus.Gauge
	droppedUnknown prometheus.Counter
}

// New builds a registry with Go/process collectors and the engine metrics.
func New(log logx.Logger) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		log: log,
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_executions_total",
			Help:      "Action executions by action and result.",
		}, []string{"action", "result"}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Action execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_events_total",
			Help:      "Schedule lifecycle events (created, updated, deleted, completed, retry).",
		}, []string{"event"}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Jobs newly enqueued by the daily tick.",
		}),
		tickSchedules: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tick_schedules",
			Help:      "Schedules seen by the last tick, by outcome.",
		}, []string{"outcome"}),
		tickDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of the last tick.",
		}),
		lastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tick_last_timestamp_seconds",
			Help:      "Unix time the last tick finished.",
		}),
		droppedUnknown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ignored_total",
			Help:      "Bus events with an unexpected payload.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.executions, m.execDuration, m.lifecycle, m.dispatched,
		m.tickSchedules, m.tickDuration, m.lastTick, m.droppedUnknown,
	)
	return m
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// WatchQueues registers a collector that reads queue depth for names on scrape.
func (m *Metrics) WatchQueues(src StatsSource, names ...string) error {
	return m.reg.Register(&queueCollector{src: src, names: names, log: m.log})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}

// Observe records one event.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.ScheduleExecuted:
		x, ok := ev.Data.(eventbus.Execution)
		if !ok {
			m.droppedUnknown.Inc()
			return
		}
		result := "success"
		if !x.Success {
			result = "failure"
		}
		m.executions.WithLabelValues(x.Action, result).Inc()
		m.execDuration.WithLabelValues(x.Action).Observe(x.Took.Seconds())
	case eventbus.TickFinished:
		t, ok := ev.Data.(eventbus.Tick)
		if !ok {
			m.droppedUnknown.Inc()
			return
		}
		m.tickSchedules.WithLabelValues("due").Set(float64(t.Scheduled))
		m.tickSchedules.WithLabelValues("dispatched").Set(float64(t.Dispatched))
		m.tickSchedules.WithLabelValues("failed").Set(float64(t.Failed))
		m.tickDuration.Set(t.Took.Seconds())
		at := ev.Time
		if at.IsZero() {
			at = time.Now()
		}
		m.lastTick.Set(float64(at.Unix()))
	case eventbus.JobDispatched:
		m.dispatched.Inc()
	case eventbus.ScheduleCreated:
		m.lifecycle.WithLabelValues("created").Inc()
	case eventbus.ScheduleUpdated:
		m.lifecycle.WithLabelValues("updated").Inc()
	case eventbus.ScheduleDeleted:
		m.lifecycle.WithLabelValues("deleted").Inc()
	case eventbus.ScheduleCompleted:
		m.lifecycle.WithLabelValues("completed").Inc()
	case eventbus.ScheduleRetry:
		m.lifecycle.WithLabelValues("retry").Inc()
	}
}

var (
	queueJobsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "jobs"),
		"Jobs in a queue by state.",
		[]string{"queue", "state"}, nil,
	)
	queuePausedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "paused"),
		"1 when the queue is paused.",
		[]string{"queue"}, nil,
	)
)

type queueCollector struct {
	src   StatsSource
	names []string
	log   logx.Logger
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueJobsDesc
	ch <- queuePausedDesc
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, name := range c.names {
		st, err := c.src.Stats(ctx, name)
		if err != nil {
			c.log.Warn("queue stats unavailable", logx.String("queue", name), logx.Err(err))
			continue
		}
		counts := map[queue.State]int{
			queue.StateWaiting:   st.Waiting,
			queue.StateDelayed:   st.Delayed,
			queue.StateActive:    st.Active,
			queue.StateCompleted: st.Completed,
			queue.StateFailed:    st.Failed,
		}
		for _, s := range queue.AllStates {
			ch <- prometheus.MustNewConstMetric(queueJobsDesc, prometheus.GaugeValue, float64(counts[s]), name, string(s))
		}
		paused := 0.0
		if st.Paused {
			paused = 1
		}
		ch <- prometheus.MustNewConstMetric(queuePausedDesc, prometheus.GaugeValue, paused, name)
	}
}
