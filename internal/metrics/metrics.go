// Package metrics exposes Prometheus gauges/counters for node health:
// used-space ratio, holder counts, dispatch classification volume, and
// duplication commands emitted. The teacher doesn't wire Prometheus
// itself, but the retrieval pack's luxfi-consensus repo uses
// prometheus/client_golang pervasively for node-health exposition; this
// package adopts that pattern rather than hand-rolled counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric this module records. Callers register it
// once against a prometheus.Registerer (typically prometheus.DefaultRegisterer)
// at startup.
type Registry struct {
	UsedSpaceRatio        prometheus.Gauge
	ChunkHolderCount       *prometheus.GaugeVec
	// DispatchClassifications is registered, but no component in this
	// module increments it.
	DispatchClassifications *prometheus.CounterVec
	DuplicationsEmitted    prometheus.Counter
	ChunkStoreOps          *prometheus.CounterVec
}

// NewRegistry constructs and registers the metric set.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		UsedSpaceRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vaultnode",
			Subsystem: "chunkstore",
			Name:      "used_space_ratio",
			Help:      "Fraction of the chunk store's quota currently in use.",
		}),
		ChunkHolderCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vaultnode",
			Subsystem: "metadata",
			Name:      "chunk_holder_count",
			Help:      "Number of holders currently recorded for a chunk address.",
		}, []string{"address"}),
		DispatchClassifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultnode",
			Subsystem: "dispatch",
			Name:      "classifications_total",
			Help:      "Count of envelopes classified, by resulting classification.",
		}, []string{"classification"}),
		DuplicationsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vaultnode",
			Subsystem: "metadata",
			Name:      "duplications_emitted_total",
			Help:      "Count of DuplicateChunk commands emitted on holder departure.",
		}),
		ChunkStoreOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultnode",
			Subsystem: "chunkstore",
			Name:      "operations_total",
			Help:      "Count of chunk store operations, by operation and outcome.",
		}, []string{"op", "outcome"}),
	}

	reg.MustRegister(r.UsedSpaceRatio, r.ChunkHolderCount, r.DispatchClassifications, r.DuplicationsEmitted, r.ChunkStoreOps)
	return r
}
