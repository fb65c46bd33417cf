package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes engine counters. All instruments are registered on
// the registry handed to NewMetrics.
type Metrics struct {
	EventsTotal         *prometheus.CounterVec
	DuplicatesDiscarded prometheus.Counter
	MalformedFrames     prometheus.Counter
	UnknownTaskEvents   prometheus.Counter
	Timeouts            prometheus.Counter
	PollFailures        prometheus.Counter
	ChannelFaults       prometheus.Counter
	InFlightTasks       prometheus.Gauge
}

// NewMetrics registers engine instruments on reg. A nil registerer gets
// a private registry, which keeps tests isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ragline_task_events_total",
			Help: "Task status events processed, by source and status.",
		}, []string{"source", "status"}),
		DuplicatesDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "ragline_duplicate_terminal_events_total",
			Help: "Terminal events discarded because the task had already settled.",
		}),
		MalformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "ragline_malformed_frames_total",
			Help: "Push frames dropped because they failed to parse or lacked the minimum shape.",
		}),
		UnknownTaskEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "ragline_unknown_task_events_total",
			Help: "Events for task ids not registered in this session.",
		}),
		Timeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "ragline_task_timeouts_total",
			Help: "Tasks settled by the polling deadline.",
		}),
		PollFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ragline_poll_failures_total",
			Help: "Transient poll query failures, retried on the next tick.",
		}),
		ChannelFaults: factory.NewCounter(prometheus.CounterOpts{
			Name: "ragline_channel_faults_total",
			Help: "Push channel faults observed.",
		}),
		InFlightTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ragline_in_flight_tasks",
			Help: "Tasks currently awaiting a terminal status.",
		}),
	}
}
