package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	activityPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "challenge_core",
		Subsystem: "ledger",
		Name:      "last_activity_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity committed to the ledger.",
	})

	appendCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "challenge_core",
		Subsystem: "ledger",
		Name:      "appends_total",
		Help:      "Number of ledger appends by outcome (committed, duplicate, invalid, failed).",
	}, []string{"outcome"})

	conflictCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "challenge_core",
		Subsystem: "ledger",
		Name:      "tx_conflicts_total",
		Help:      "Number of ledger transactions restarted after losing a race with a concurrent writer.",
	})

	tokenRefreshCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "challenge_core",
		Subsystem: "oauth",
		Name:      "token_refreshes_total",
		Help:      "Number of refresh exchanges by outcome (success, failure, rotated_elsewhere).",
	}, []string{"outcome"})

	importDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "challenge_core",
		Subsystem: "importer",
		Name:      "cycle_duration_seconds",
		Help:      "Time spent on one import cycle including the provider fetch and ledger appends.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	importRecordCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "challenge_core",
		Subsystem: "importer",
		Name:      "records_total",
		Help:      "Number of provider records seen by import cycles, labeled by result (imported, skipped, rejected).",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(activityPersistGauge, appendCounter, conflictCounter, tokenRefreshCounter, importDuration, importRecordCounter)
}

// RecordActivityPersisted updates the persistence watermark gauge.
func RecordActivityPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityPersistGauge.Set(float64(ts.Unix()))
}

// RecordAppend counts a ledger append outcome.
func RecordAppend(outcome string) {
	appendCounter.WithLabelValues(outcome).Inc()
}

// RecordTxConflict counts a restarted ledger transaction.
func RecordTxConflict() {
	conflictCounter.Inc()
}

// RecordTokenRefresh counts a refresh exchange outcome.
func RecordTokenRefresh(outcome string) {
	tokenRefreshCounter.WithLabelValues(outcome).Inc()
}

// RecordImport observes a finished import cycle.
func RecordImport(started time.Time, imported, skipped, rejected int) {
	importDuration.Observe(time.Since(started).Seconds())
	importRecordCounter.WithLabelValues("imported").Add(float64(imported))
	importRecordCounter.WithLabelValues("skipped").Add(float64(skipped))
	importRecordCounter.WithLabelValues("rejected").Add(float64(rejected))
}
