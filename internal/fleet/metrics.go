package fleet

import (
	"github.com/prometheus/client_golang/prometheus"

	"topsql-collector/internal/model"
)

const namespace = "topsql_collector"

// Metrics exposes per-node subscription health. All methods are safe on a
// nil receiver so the manager can run without a registry.
type Metrics struct {
	nodeState     *prometheus.GaugeVec
	dropped       *prometheus.CounterVec
	forwarded     *prometheus.CounterVec
	decodeErrors  *prometheus.CounterVec
	reconnects    *prometheus.CounterVec
	forwardErrors *prometheus.CounterVec
	members       prometheus.Gauge
}

// NewMetrics creates the collector metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	node := []string{"node"}
	m := &Metrics{
		nodeState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_state",
			Help:      "Subscription state per node (0 idle, 1 connecting, 2 streaming, 3 backoff, 4 stopped).",
		}, node),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Records evicted from a full per-node buffer.",
		}, node),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_forwarded_total",
			Help:      "Records accepted by the sink.",
		}, node),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Malformed stream messages skipped.",
		}, node),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Connection attempts after the first one.",
		}, node),
		forwardErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_errors_total",
			Help:      "Records the sink rejected.",
		}, node),
		members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "members",
			Help:      "Nodes in the current membership snapshot.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.nodeState, m.dropped, m.forwarded, m.decodeErrors, m.reconnects, m.forwardErrors, m.members,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) setState(node model.NodeAddress, st model.SubscriptionState) {
	if m == nil {
		return
	}
	m.nodeState.WithLabelValues(node.Endpoint).Set(float64(st))
}

func (m *Metrics) addDropped(node model.NodeAddress, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dropped.WithLabelValues(node.Endpoint).Add(float64(n))
}

func (m *Metrics) incForwarded(node model.NodeAddress) {
	if m == nil {
		return
	}
	m.forwarded.WithLabelValues(node.Endpoint).Inc()
}

func (m *Metrics) incForwardErrors(node model.NodeAddress) {
	if m == nil {
		return
	}
	m.forwardErrors.WithLabelValues(node.Endpoint).Inc()
}

func (m *Metrics) incDecodeErrors(node model.NodeAddress) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(node.Endpoint).Inc()
}

func (m *Metrics) incReconnects(node model.NodeAddress) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(node.Endpoint).Inc()
}

func (m *Metrics) setMembers(n int) {
	if m == nil {
		return
	}
	m.members.Set(float64(n))
}

// forget removes every series of a node that left the membership.
func (m *Metrics) forget(node model.NodeAddress) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"node": node.Endpoint}
	m.nodeState.Delete(labels)
	m.dropped.Delete(labels)
	m.forwarded.Delete(labels)
	m.decodeErrors.Delete(labels)
	m.reconnects.Delete(labels)
	m.forwardErrors.Delete(labels)
}
