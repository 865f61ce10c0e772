// Package metrics exposes the pipeline's Prometheus instrumentation across
// the reader/worker/writer/store/sink surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsProcessedTotal counts records that made it through Transform
	// successfully, by cache/pop.
	RecordsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdnanon_records_processed_total",
		Help: "Total records successfully transformed.",
	}, []string{"cache", "pop"})

	// RecordsSkippedTotal counts records dropped by the side filter or a
	// missing required field, by reason.
	RecordsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdnanon_records_skipped_total",
		Help: "Total input lines skipped before or during transformation.",
	}, []string{"reason"})

	// QueueDepth reports the current occupancy of the reader→worker
	// bounded channel (Q1).
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdnanon_queue_depth",
		Help: "Current number of chunks buffered in the reader-to-worker queue.",
	})

	// ChunkProcessingDuration times one worker's handling of one chunk.
	ChunkProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdnanon_chunk_processing_duration_seconds",
		Help:    "Time spent transforming and writing one chunk.",
		Buckets: prometheus.DefBuckets,
	}, []string{"worker"})

	// SinkWriteErrorsTotal counts write failures per sink kind.
	SinkWriteErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdnanon_sink_write_errors_total",
		Help: "Total errors writing a batch to a sink.",
	}, []string{"sink"})

	// StoreSize reports the current cardinality of a pseudonym store.
	StoreSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cdnanon_store_size",
		Help: "Number of distinct keys currently mapped in a pseudonym store.",
	}, []string{"column"})

	// DeadLettersTotal counts records routed to the dead-letter sink.
	DeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdnanon_dead_letters_total",
		Help: "Total records written to the dead-letter sink.",
	}, []string{"reason"})

	// BackpressureSleepSeconds reports the most recently computed reader
	// throttle duration.
	BackpressureSleepSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdnanon_backpressure_sleep_seconds",
		Help: "Current recommended reader sleep duration under memory pressure.",
	})

	// KafkaCircuitBreakerState exposes the breaker's state as 0=closed,
	// 1=half-open, 2=open.
	KafkaCircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdnanon_kafka_circuit_breaker_state",
		Help: "Kafka sink circuit breaker state (0=closed, 1=half-open, 2=open).",
	})

	// RunState exposes the supervisor's lifecycle state as a label so
	// /metrics and /stats agree on a single source of truth.
	RunState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cdnanon_run_state",
		Help: "Current pipeline lifecycle state (1 on the active label, 0 otherwise).",
	}, []string{"state"})
)

// CircuitBreakerStateValue maps a circuit_breaker.State string to the
// numeric encoding used by KafkaCircuitBreakerState.
func CircuitBreakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
