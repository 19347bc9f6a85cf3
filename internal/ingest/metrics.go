package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	samplesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eeg",
		Subsystem: "ingest",
		Name:      "samples_total",
		Help:      "Samples accepted into the per-device batch inbox.",
	}, []string{"device"})

	samplesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eeg",
		Subsystem: "ingest",
		Name:      "samples_dropped_total",
		Help:      "Samples dropped because the batch inbox was full.",
	}, []string{"device"})

	flushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eeg",
		Subsystem: "ingest",
		Name:      "flushes_total",
		Help:      "Batches successfully handed to the sink.",
	}, []string{"device"})

	flushErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eeg",
		Subsystem: "ingest",
		Name:      "flush_errors_total",
		Help:      "Batches the sink failed to accept.",
	}, []string{"device"})
)
