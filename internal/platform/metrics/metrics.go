package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the store exports. It wraps its own
// prometheus.Registry so multiple engines can coexist in tests without
// colliding on the default registerer.
type Registry struct {
	registry *prometheus.Registry

	EngineWritesTotal      *prometheus.CounterVec
	EngineFlushesTotal     prometheus.Counter
	EngineCompactionsTotal prometheus.Counter
	EngineSSTables         prometheus.Gauge
	EngineMemtableBytes    prometheus.Gauge

	ReplicationOpsSent        prometheus.Counter
	ReplicationOpsAcked       prometheus.Counter
	ReplicationOpsApplied     prometheus.Counter
	ReplicationOpsSkipped     prometheus.Counter
	ReplicationReconnects     prometheus.Counter
	ReplicationConnected      prometheus.Gauge
	ReplicationProtocolErrors prometheus.Counter

	TCPOpsTotal prometheus.Counter
}

func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.EngineWritesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvstore_engine_writes_total",
			Help: "Write operations applied to the engine",
		},
		[]string{"op"},
	)
	r.EngineFlushesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "kvstore_engine_flushes_total",
			Help: "MemTable flushes to SSTable",
		},
	)
	r.EngineCompactionsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "kvstore_engine_compactions_total",
			Help: "Level-0 compactions performed",
		},
	)
	r.EngineSSTables = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "kvstore_engine_sstables",
			Help: "SSTables currently in the level-0 set",
		},
	)
	r.EngineMemtableBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "kvstore_engine_memtable_bytes",
			Help: "Approximate byte footprint of the active memtable",
		},
	)

	r.ReplicationOpsSent = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "kvstore_replication_ops_sent_total",
			Help: "Ops streamed to the backup",
		},
	)
	r.ReplicationOpsAcked = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "kvstore_replication_ops_acked_total",
			Help: "Ops acknowledged by the backup",
		},
	)
	r.ReplicationOpsApplied = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "kvstore_replication_ops_applied_total",
			Help: "Ops applied on the backup",
		},
	)
	r.ReplicationOpsSkipped = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "kvstore_replication_ops_skipped_total",
			Help: "Duplicate ops skipped on the backup after a reconnect",
		},
	)
	r.ReplicationReconnects = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "kvstore_replication_reconnects_total",
			Help: "Successful reconnects by the primary",
		},
	)
	r.ReplicationConnected = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "kvstore_replication_connected",
			Help: "1 when the replication channel is established",
		},
	)
	r.ReplicationProtocolErrors = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "kvstore_replication_protocol_errors_total",
			Help: "Malformed or out-of-order replication frames",
		},
	)

	r.TCPOpsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "kvstore_tcp_ops_total",
			Help: "Ops ingested over the TCP streaming channel",
		},
	)

	return r
}

// Handler serves the Prometheus exposition format for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
