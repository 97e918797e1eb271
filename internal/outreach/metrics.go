package outreach

import (
	"time"

	"github.com/bissquit/outreach-engine/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "outreach"

var (
	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Delivery attempts by email type and result",
		},
		[]string{"email_type", "result"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Time spent in the delivery gateway",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"email_type"},
	)

	batchLeadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_leads_total",
			Help:      "Leads processed in batches by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	sweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Periodic job runs by job and result",
		},
		[]string{"job", "result"},
	)

	dlqEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dlq_entries",
			Help:      "Dead-letter entries by status",
		},
		[]string{"status"},
	)
)

func recordSend(emailType domain.EmailType, result string, duration time.Duration) {
	sendsTotal.WithLabelValues(string(emailType), result).Inc()
	sendDuration.WithLabelValues(string(emailType)).Observe(duration.Seconds())
}

func recordBatchLead(kind domain.BatchKind, outcome domain.Outcome) {
	batchLeadsTotal.WithLabelValues(string(kind), string(outcome)).Inc()
}

func recordSweep(job, result string) {
	sweepsTotal.WithLabelValues(job, result).Inc()
}

// RecordDeadLetterStats updates dead-letter gauges.
func RecordDeadLetterStats(stats domain.DeadLetterStats) {
	for _, status := range []domain.DeadLetterStatus{
		domain.DeadLetterPending,
		domain.DeadLetterRetrying,
		domain.DeadLetterResolved,
		domain.DeadLetterFailed,
	} {
		dlqEntries.WithLabelValues(string(status)).Set(float64(stats.ByStatus[status]))
	}
}
