package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "cheese_rooms"

type Metrics struct {
	registry *prometheus.Registry

	ActiveRooms     prometheus.Gauge
	Connections     prometheus.Gauge
	Subscribers     prometheus.Gauge
	MovesCommitted  prometheus.Counter
	MovesRejected   *prometheus.CounterVec
	MoveLatency     prometheus.Histogram
	RelayDeliveries prometheus.Counter
	RelayDrops      prometheus.Counter
	HeartbeatRTT    prometheus.Histogram
	RoomsEvicted    prometheus.Counter
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Number of rooms held in the registry",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of open real-time connections",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_subscribers",
			Help:      "Number of connections joined to a room",
		}),
		MovesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moves_committed_total",
			Help:      "Total number of moves committed",
		}),
		MovesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moves_rejected_total",
			Help:      "Total number of moves refused, by reason",
		}, []string{"reason"}),
		MoveLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "move_latency_seconds",
			Help:      "Time from move request to commit",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		RelayDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_deliveries_total",
			Help:      "Frames queued to subscribers",
		}),
		RelayDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_drops_total",
			Help:      "Frames dropped because a subscriber could not take them",
		}),
		HeartbeatRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heartbeat_rtt_seconds",
			Help:      "Round trip of server heartbeat pings",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1, 2.5},
		}),
		RoomsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_evicted_total",
			Help:      "Rooms removed by close or idle sweep",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ActiveRooms,
		m.Connections,
		m.Subscribers,
		m.MovesCommitted,
		m.MovesRejected,
		m.MoveLatency,
		m.RelayDeliveries,
		m.RelayDrops,
		m.HeartbeatRTT,
		m.RoomsEvicted,
	)
	return m
}

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetActiveRooms(n int) {
	if m == nil {
		return
	}
	m.ActiveRooms.Set(float64(n))
}

func (m *Metrics) IncConnections() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) DecConnections() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

func (m *Metrics) MoveCommitted(d time.Duration) {
	if m == nil {
		return
	}
	m.MovesCommitted.Inc()
	m.MoveLatency.Observe(d.Seconds())
}

func (m *Metrics) MoveRejected(reason string) {
	if m == nil {
		return
	}
	m.MovesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Delivered() {
	if m == nil {
		return
	}
	m.RelayDeliveries.Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.RelayDrops.Inc()
}

func (m *Metrics) ObserveHeartbeat(rtt time.Duration) {
	if m == nil {
		return
	}
	m.HeartbeatRTT.Observe(rtt.Seconds())
}

func (m *Metrics) RoomEvicted() {
	if m == nil {
		return
	}
	m.RoomsEvicted.Inc()
}
