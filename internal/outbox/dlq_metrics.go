package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// DLQ outcomes.
const (
	dlqRequeued       = "requeued"
	dlqRetryScheduled = "retry_scheduled"
	dlqQuarantined    = "quarantined"
)

var (
	dlqEntryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "challenge_core",
		Subsystem: "dlq",
		Name:      "entries_total",
		Help:      "DLQ entries handled, by topic, event type and outcome.",
	}, []string{"topic", "event_type", "outcome"})

	dlqBacklogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "challenge_core",
		Subsystem: "dlq",
		Name:      "queued_messages",
		Help:      "Entries awaiting replay, excluding quarantined ones.",
	})
)

func init() {
	prometheus.MustRegister(dlqEntryCounter, dlqBacklogGauge)
}

func recordDLQ(entry dlqEntry, outcome string) {
	dlqEntryCounter.WithLabelValues(entry.Topic, entry.EventType, outcome).Inc()
}

// updateBacklogGauge is best effort; a failed count leaves the previous value.
func updateBacklogGauge(ctx context.Context, pool *pgxpool.Pool) {
	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NULL`).Scan(&count); err != nil {
		return
	}
	dlqBacklogGauge.Set(float64(count))
}
