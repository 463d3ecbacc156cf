// Package observability holds the Prometheus metrics registries for the
// block builder, following the lazily-initialised, sync.Once-guarded
// registry-per-subsystem pattern used throughout the teacher stack.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BuilderMetrics is the single metrics registry for the block builder
// process: intake, signature collection, and posting all record into it.
type BuilderMetrics struct {
	txRequests      *prometheus.CounterVec
	proposalLatency *prometheus.HistogramVec
	signatures      *prometheus.CounterVec
	blocksPosted    *prometheus.CounterVec
	postLatency     *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
	nonceGap        *prometheus.GaugeVec
	lockContention  *prometheus.CounterVec
}

var (
	builderMetricsOnce sync.Once
	builderRegistry    *BuilderMetrics
)

// Builder returns the process-wide metrics registry, constructing and
// registering it with the default Prometheus registerer on first use.
func Builder() *BuilderMetrics {
	builderMetricsOnce.Do(func() {
		builderRegistry = &BuilderMetrics{
			txRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "intmax2",
				Subsystem: "block_builder",
				Name:      "tx_requests_total",
				Help:      "Total tx-request submissions segmented by block type and outcome.",
			}, []string{"block_type", "outcome"}),
			proposalLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "intmax2",
				Subsystem: "block_builder",
				Name:      "proposal_batch_seconds",
				Help:      "Latency of batching queued requests into a proposal memo.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"block_type"}),
			signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "intmax2",
				Subsystem: "block_builder",
				Name:      "signatures_total",
				Help:      "Total signature submissions segmented by block type and outcome.",
			}, []string{"block_type", "outcome"}),
			blocksPosted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "intmax2",
				Subsystem: "block_builder",
				Name:      "blocks_posted_total",
				Help:      "Total blocks submitted to the rollup contract segmented by block type and outcome.",
			}, []string{"block_type", "outcome"}),
			postLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "intmax2",
				Subsystem: "block_builder",
				Name:      "post_latency_seconds",
				Help:      "Latency distribution of on-chain block post submissions.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"block_type"}),
			queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "intmax2",
				Subsystem: "block_builder",
				Name:      "queue_depth",
				Help:      "Current depth of a named queue.",
			}, []string{"queue"}),
			nonceGap: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "intmax2",
				Subsystem: "block_builder",
				Name:      "nonce_gap",
				Help:      "Gap between a waiting high-priority task's nonce and the smallest reserved nonce.",
			}, []string{"block_type"}),
			lockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "intmax2",
				Subsystem: "block_builder",
				Name:      "lock_contention_total",
				Help:      "Count of lock acquisition attempts that found the lock already held.",
			}, []string{"lock"}),
		}
		prometheus.MustRegister(
			builderRegistry.txRequests,
			builderRegistry.proposalLatency,
			builderRegistry.signatures,
			builderRegistry.blocksPosted,
			builderRegistry.postLatency,
			builderRegistry.queueDepth,
			builderRegistry.nonceGap,
			builderRegistry.lockContention,
		)
	})
	return builderRegistry
}

func (m *BuilderMetrics) RecordTxRequest(blockType, outcome string) {
	if m == nil {
		return
	}
	m.txRequests.WithLabelValues(blockType, outcome).Inc()
}

func (m *BuilderMetrics) ObserveProposalLatency(blockType string, d time.Duration) {
	if m == nil {
		return
	}
	m.proposalLatency.WithLabelValues(blockType).Observe(d.Seconds())
}

func (m *BuilderMetrics) RecordSignature(blockType, outcome string) {
	if m == nil {
		return
	}
	m.signatures.WithLabelValues(blockType, outcome).Inc()
}

func (m *BuilderMetrics) RecordBlockPosted(blockType, outcome string) {
	if m == nil {
		return
	}
	m.blocksPosted.WithLabelValues(blockType, outcome).Inc()
}

func (m *BuilderMetrics) ObservePostLatency(blockType string, d time.Duration) {
	if m == nil {
		return
	}
	m.postLatency.WithLabelValues(blockType).Observe(d.Seconds())
}

func (m *BuilderMetrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (m *BuilderMetrics) SetNonceGap(blockType string, gap int64) {
	if m == nil {
		return
	}
	m.nonceGap.WithLabelValues(blockType).Set(float64(gap))
}

func (m *BuilderMetrics) RecordLockContention(lock string) {
	if m == nil {
		return
	}
	m.lockContention.WithLabelValues(lock).Inc()
}

// MetricsHandler exposes the default Prometheus registry over HTTP.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
