// Package metrics exposes the Prometheus instruments of the event pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaugex_events_submitted_total",
		Help: "Total number of events handed to the ingestion pipeline, labelled by type.",
	}, []string{"type"})

	EventsSampledOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaugex_events_sampled_out_total",
		Help: "Total number of events discarded by sampling or a disabled feature, labelled by type.",
	}, []string{"type"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaugex_events_dropped_total",
		Help: "Total number of events lost before persistence, labelled by reason.",
	}, []string{"reason"})

	EventsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gaugex_events_persisted_total",
		Help: "Total number of events written to the local store as PENDING.",
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gaugex_queue_utilization_ratio",
		Help: "Current submission queue utilization (0-1).",
	})

	TransmitOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaugex_transmit_events_total",
		Help: "Total number of events per transmission outcome (transmitted, retried, failed).",
	}, []string{"result"})

	TransmitBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gaugex_transmit_batch_duration_ms",
		Help:    "Batch send latency in milliseconds.",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 15000, 45000},
	})

	LoopRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaugex_loop_restarts_total",
		Help: "Total number of supervised loop restarts after a panic, labelled by loop.",
	}, []string{"loop"})

	EventsPurged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaugex_events_purged_total",
		Help: "Total number of events removed by maintenance, labelled by reason.",
	}, []string{"reason"})

	StoreSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gaugex_store_size_bytes",
		Help: "Size of the local event store at the last maintenance tick.",
	})
)

// Drop reasons for EventsDropped.
const (
	DropQueueFull    = "queue_full"
	DropStoreFailure = "store_failure"
	DropEncode       = "encode"
	DropDisabled     = "disabled"
)

// Outcomes for TransmitOutcomes.
const (
	ResultTransmitted = "transmitted"
	ResultRetried     = "retried"
	ResultFailed      = "failed"
)

// Purge reasons for EventsPurged.
const (
	PurgeAge      = "age"
	PurgePressure = "pressure"
	PurgeCount    = "count"
	PurgeSweep    = "sweep"
	PurgeManual   = "manual"
)
