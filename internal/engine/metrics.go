package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"dimhist/internal/domain"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dimhist_operations_total",
		Help: "Version chain operations applied, by operation type",
	}, []string{"type"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dimhist_runs_total",
		Help: "Engine runs by kind and terminal status",
	}, []string{"kind", "status"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dimhist_run_duration_seconds",
		Help:    "Wall time of engine runs",
		Buckets: []float64{0.005, 0.025, 0.1, 0.5, 2, 10, 30},
	}, []string{"kind"})

	recordsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dimhist_records_processed_total",
		Help: "Source records and change events consumed, by run kind",
	}, []string{"kind"})

	lastObservedTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dimhist_last_observed_timestamp_seconds",
		Help: "Observation timestamp of the most recent completed run",
	})
)

func observeRun(run domain.EngineRun, startedAt time.Time) {
	kind := string(run.Kind)
	runsTotal.WithLabelValues(kind, string(run.Status)).Inc()
	runDuration.WithLabelValues(kind).Observe(time.Since(startedAt).Seconds())
	recordsProcessed.WithLabelValues(kind).Add(float64(run.RecordCount))

	if run.Status != domain.RunStatusCompleted {
		return
	}
	operationsTotal.WithLabelValues(string(domain.OpInsertFirst)).Add(float64(run.Summary.InsertedFirst))
	operationsTotal.WithLabelValues(string(domain.OpCloseAndInsert)).Add(float64(run.Summary.ClosedAndInserted))
	operationsTotal.WithLabelValues(string(domain.OpUpdateInPlace)).Add(float64(run.Summary.UpdatedInPlace))
	operationsTotal.WithLabelValues(string(domain.OpCloseNoReplacement)).Add(float64(run.Summary.ClosedNoReplacement))
	lastObservedTimestamp.Set(float64(run.ObservedAt.UnixNano()) / float64(time.Second))
}
