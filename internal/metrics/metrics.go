package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ReportsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wells_reports_submitted_total",
			Help: "Total number of reports accepted for delivery.",
		},
	)

	OutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wells_outcomes_total",
			Help: "Total number of classified transfer outcomes.",
		},
		[]string{"outcome"}, // success, retryable, rejected, failed
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wells_retries_total",
			Help: "Total number of retries scheduled by reason.",
		},
		[]string{"reason"}, // http_429, http_5xx, http_408, transient
	)

	RetryDelaySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wells_retry_delay_seconds",
			Help:    "Delay before a scheduled retry.",
			Buckets: []float64{60, 120, 300, 600, 1800, 3600, 21600},
		},
	)

	ExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wells_reports_expired_total",
			Help: "Total number of reports dropped without delivery.",
		},
		[]string{"reason"}, // retries_exhausted, max_age
	)

	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wells_store_errors_total",
			Help: "Total number of report store failures by operation.",
		},
		[]string{"op"}, // persist, remove, list
	)

	TransfersInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wells_transfers_inflight",
			Help: "Transfers started by this process and not yet completed.",
		},
	)

	TransferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wells_transfer_duration_seconds",
			Help:    "Duration of upload transfers by status code.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status_code"},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wells_dead_letters_total",
			Help: "Total number of dead letters by publish result.",
		},
		[]string{"result"}, // published, failed, discarded
	)

	QueueBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wells_queue_backlog",
			Help: "Messages waiting in the transfer queue by topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		ReportsSubmittedTotal,
		OutcomesTotal,
		RetriesTotal,
		RetryDelaySeconds,
		ExpiredTotal,
		StoreErrorsTotal,
		TransfersInFlight,
		TransferDuration,
		DeadLettersTotal,
		QueueBacklog,
	)
}

// RecordSubmitted counts a report accepted by the engine
func RecordSubmitted() {
	ReportsSubmittedTotal.Inc()
}

// RecordOutcome counts a classified transfer outcome
func RecordOutcome(outcome string) {
	OutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordRetry counts a scheduled retry and its delay
func RecordRetry(reason string, delay time.Duration) {
	RetriesTotal.WithLabelValues(reason).Inc()
	RetryDelaySeconds.Observe(delay.Seconds())
}

// RecordExpired counts a report dropped without delivery
func RecordExpired(reason string) {
	ExpiredTotal.WithLabelValues(reason).Inc()
}

// RecordStoreError counts a failed store operation
func RecordStoreError(op string) {
	StoreErrorsTotal.WithLabelValues(op).Inc()
}

// RecordTransfer observes a finished upload
func RecordTransfer(statusCode string, d time.Duration) {
	TransferDuration.WithLabelValues(statusCode).Observe(d.Seconds())
}

// RecordDeadLetter counts a dead letter leaving the publish queue
func RecordDeadLetter(result string) {
	DeadLettersTotal.WithLabelValues(result).Inc()
}

// UpdateQueueBacklog sets the queued message count for a topic channel
func UpdateQueueBacklog(topic, channel string, depth float64) {
	QueueBacklog.WithLabelValues(topic, channel).Set(depth)
}
