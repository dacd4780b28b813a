package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "collab"

type Metrics struct {
	Rooms          prometheus.Gauge
	Connections    prometheus.Gauge
	Messages       *prometheus.CounterVec
	Rejections     *prometheus.CounterVec
	Forwards       *prometheus.CounterVec
	Snapshots      *prometheus.CounterVec
	Hydrations     *prometheus.HistogramVec
	RoomsReclaimed prometheus.Counter
}

// New registers the hub collectors on reg. A nil reg uses the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms currently held in memory.",
		}),
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Websocket connections currently attached to a room.",
		}),
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound websocket messages by protocol message type.",
		}, []string{"type"}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Connections closed during admission, by reason.",
		}, []string{"reason"}),
		Forwards: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwards_total",
			Help:      "Document updates pushed to the backend, by result.",
		}, []string{"result"}),
		Snapshots: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Full-state snapshots pushed to the backend, by result.",
		}, []string{"result"}),
		Hydrations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hydration_seconds",
			Help:      "Time to load a room from the backend, by result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		RoomsReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_reclaimed_total",
			Help:      "Idle rooms released by the sweeper.",
		}),
	}
}

func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
