package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "attendance_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	punchesFetched      *prometheus.CounterVec
	duplicatesPrevented *prometheus.CounterVec
	unmappedIdentities  *prometheus.CounterVec
	reconcileConflicts  *prometheus.CounterVec
	interiorDiscarded   *prometheus.CounterVec
	recordMutations     *prometheus.CounterVec
	persistenceFailures prometheus.Counter

	pollsTotal   *prometheus.CounterVec
	pollDuration prometheus.Histogram
	deviceHealth *prometheus.GaugeVec

	pushRequests  *prometheus.CounterVec
	pushQueueFull prometheus.Counter
)

// Init registers ingestion metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		punchesFetched = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "punches_total",
				Help: "Total raw punches entering the pipeline by source",
			},
			[]string{"source"},
		)
		duplicatesPrevented = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "duplicates_prevented_total",
				Help: "Total punches dropped by the dedup index by source",
			},
			[]string{"source"},
		)
		unmappedIdentities = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "unmapped_identities_total",
				Help: "Total punches dropped for missing identity mapping by device",
			},
			[]string{"device"},
		)
		reconcileConflicts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconcile_conflicts_total",
				Help: "Total field-level reconcile rejections by kind",
			},
			[]string{"kind"},
		)
		interiorDiscarded = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "interior_punches_discarded_total",
				Help: "Total interior punches discarded during reconciliation by device",
			},
			[]string{"device"},
		)
		recordMutations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "record_mutations_total",
				Help: "Total attendance record mutations by action",
			},
			[]string{"action"},
		)
		persistenceFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "persistence_failures_total",
			Help: "Total attendance writes that failed after retry",
		})

		pollsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "polls_total",
				Help: "Total device polls by status",
			},
			[]string{"status"},
		)
		pollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "poll_duration_seconds",
			Help:    "Device poll duration in seconds",
			Buckets: prometheus.DefBuckets,
		})
		deviceHealth = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "device_healthy",
				Help: "Device health by id (1 online, 0 otherwise)",
			},
			[]string{"device"},
		)

		pushRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "push_requests_total",
				Help: "Total push-receiver requests by result",
			},
			[]string{"result"},
		)
		pushQueueFull = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "push_queue_full_total",
			Help: "Total pushes rejected because the queue was full",
		})

		prometheus.MustRegister(
			punchesFetched,
			duplicatesPrevented,
			unmappedIdentities,
			reconcileConflicts,
			interiorDiscarded,
			recordMutations,
			persistenceFailures,
			pollsTotal,
			pollDuration,
			deviceHealth,
			pushRequests,
			pushQueueFull,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// AddPunches counts raw punches entering the pipeline.
func AddPunches(source string, count int) {
	if count <= 0 || punchesFetched == nil {
		return
	}
	punchesFetched.WithLabelValues(orUnknown(source)).Add(float64(count))
}

// IncDuplicatePrevented counts a punch dropped by the dedup index.
func IncDuplicatePrevented(source string) {
	if duplicatesPrevented != nil {
		duplicatesPrevented.WithLabelValues(orUnknown(source)).Inc()
	}
}

// IncUnmappedIdentity counts a punch with no identity mapping.
func IncUnmappedIdentity(deviceID string) {
	if unmappedIdentities != nil {
		unmappedIdentities.WithLabelValues(orUnknown(deviceID)).Inc()
	}
}

// IncReconcileConflict counts a field-level reconcile rejection.
func IncReconcileConflict(kind string) {
	if reconcileConflicts != nil {
		reconcileConflicts.WithLabelValues(orUnknown(kind)).Inc()
	}
}

// AddInteriorDiscarded counts interior punches dropped from a multi-punch group.
func AddInteriorDiscarded(deviceID string, count int) {
	if count <= 0 || interiorDiscarded == nil {
		return
	}
	interiorDiscarded.WithLabelValues(orUnknown(deviceID)).Add(float64(count))
}

// IncRecordMutation counts an attendance record create or update.
func IncRecordMutation(action string) {
	if recordMutations != nil {
		recordMutations.WithLabelValues(orUnknown(action)).Inc()
	}
}

// IncPersistenceFailure counts a write that failed after its retry.
func IncPersistenceFailure() {
	if persistenceFailures != nil {
		persistenceFailures.Inc()
	}
}

// ObservePoll records one poll attempt.
func ObservePoll(status string, duration time.Duration) {
	if pollsTotal != nil {
		pollsTotal.WithLabelValues(orUnknown(status)).Inc()
	}
	if pollDuration != nil {
		pollDuration.Observe(duration.Seconds())
	}
}

// SetDeviceHealthy publishes a device health gauge.
func SetDeviceHealthy(deviceID string, healthy bool) {
	if deviceHealth == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	deviceHealth.WithLabelValues(orUnknown(deviceID)).Set(value)
}

// IncPushRequest counts a push-receiver request by result.
func IncPushRequest(result string) {
	if pushRequests != nil {
		pushRequests.WithLabelValues(orUnknown(result)).Inc()
	}
}

// IncPushQueueFull counts a push rejected on a full queue.
func IncPushQueueFull() {
	if pushQueueFull != nil {
		pushQueueFull.Inc()
	}
}

func orUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
