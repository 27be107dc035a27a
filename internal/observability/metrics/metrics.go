// Package metrics exposes the scheduler's Prometheus collectors.
//
// Collectors live on a private registry so tests and multiple App
// instances never collide on the global default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "timepie"

type Metrics struct {
	reg *prometheus.Registry

	Evaluations        *prometheus.CounterVec
	EvaluationDuration *prometheus.HistogramVec
	Errors             *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	MachineState       *prometheus.GaugeVec
	NextFire           prometheus.Gauge
	Running            prometheus.Gauge
	PingsFired         prometheus.Counter
	PingLateness       prometheus.Histogram
	NoticesSent        *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		Evaluations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Scheduler evaluations by trigger and decision",
			},
			[]string{"trigger", "decision"},
		),
		EvaluationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Time from dequeue to completed evaluation",
				Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
			},
			[]string{"trigger"},
		),
		Errors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Scheduler errors by kind (storage, scheduling)",
			},
			[]string{"kind", "op"},
		),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trigger_queue_depth",
			Help:      "Triggers waiting for the scheduler worker",
		}),
		MachineState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "machine_state",
				Help:      "1 for the scheduler's current machine state",
			},
			[]string{"state"},
		),
		NextFire: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "next_fire_timestamp_seconds",
			Help:      "Unix time of the next armed ping, 0 when unscheduled",
		}),
		Running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running",
			Help:      "1 when the tracker is on",
		}),
		PingsFired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_fired_total",
			Help:      "Reminders fired",
		}),
		PingLateness: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ping_lateness_seconds",
			Help:      "Delay between scheduled and actual fire time",
			Buckets:   []float64{.01, .1, 1, 10, 60, 600, 3600},
		}),
		NoticesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notices_total",
				Help:      "Notices delivered by sink and result",
			},
			[]string{"sink", "result"},
		),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// SetMachineState marks state as the only active one among all.
func (m *Metrics) SetMachineState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.MachineState.WithLabelValues(s).Set(v)
	}
}

// SetSchedule mirrors the persisted schedule into gauges.
func (m *Metrics) SetSchedule(running bool, next time.Time) {
	if running {
		m.Running.Set(1)
	} else {
		m.Running.Set(0)
	}
	if next.IsZero() {
		m.NextFire.Set(0)
		return
	}
	m.NextFire.Set(float64(next.Unix()))
}
