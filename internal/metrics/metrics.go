// Package metrics exposes Prometheus counters derived from the status event stream.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/koorzenb/announcement-scheduler/internal/eventbus"
	"github.com/koorzenb/announcement-scheduler/internal/runtime/supervisor"
	logx "github.com/koorzenb/announcement-scheduler/pkg/logx"
)

// Metrics owns a private registry so tests and multiple instances never collide.
type Metrics struct {
	Registry *prometheus.Registry

	events *prometheus.CounterVec
	last   *prometheus.GaugeVec

	ch    <-chan eventbus.Event
	unsub func()
}

// New subscribes to bus and registers the announcer collectors. sup may be nil.
func New(bus eventbus.Bus, sup *supervisor.Supervisor) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "announcer_events_total",
			Help: "Status events by kind.",
		}, []string{"kind"}),
		last: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "announcer_last_event_timestamp_seconds",
			Help: "Unix time of the most recent status event by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.events,
		m.last,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "announcer_events_dropped_total",
			Help: "Status event deliveries skipped because a subscriber was full.",
		}, func() float64 { return float64(bus.Dropped()) }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if sup != nil {
		reg.MustRegister(&supervisorCollector{sup: sup})
	}
	// Pre-create series so dashboards see zeros before the first event.
	for _, k := range []eventbus.Kind{eventbus.Scheduled, eventbus.Fired, eventbus.Cancelled, eventbus.Error} {
		m.events.WithLabelValues(string(k))
	}
	m.ch, m.unsub = bus.Subscribe(256)
	return m
}

// Run counts events until ctx is done.
func (m *Metrics) Run(ctx context.Context) error {
	defer m.unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-m.ch:
			if !ok {
				return nil
			}
			m.events.WithLabelValues(string(ev.Kind)).Inc()
			m.last.WithLabelValues(string(ev.Kind)).Set(float64(ev.Time.Unix()))
		}
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler, log logx.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("metrics listening", logx.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	}
}

// supervisorCollector reports goroutine restarts and panics per task.
type supervisorCollector struct {
	sup *supervisor.Supervisor
}

var (
	taskRunningDesc  = prometheus.NewDesc("announcer_task_running", "Running goroutines per supervised task.", []string{"task"}, nil)
	taskRestartsDesc = prometheus.NewDesc("announcer_task_restarts_total", "Restarts per supervised task.", []string{"task"}, nil)
	taskPanicsDesc   = prometheus.NewDesc("announcer_task_panics_total", "Recovered panics per supervised task.", []string{"task"}, nil)
)

func (c *supervisorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- taskRunningDesc
	ch <- taskRestartsDesc
	ch <- taskPanicsDesc
}

func (c *supervisorCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.sup.Stats() {
		ch <- prometheus.MustNewConstMetric(taskRunningDesc, prometheus.GaugeValue, float64(st.Running), st.Name)
		ch <- prometheus.MustNewConstMetric(taskRestartsDesc, prometheus.CounterValue, float64(st.Restarts), st.Name)
		ch <- prometheus.MustNewConstMetric(taskPanicsDesc, prometheus.CounterValue, float64(st.Panics), st.Name)
	}
}
