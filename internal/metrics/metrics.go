package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoa_notify_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hoa_notify_http_request_duration_seconds",
			Help:    "Histogram of response durations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// NotificationsTotal counts gateway outcomes: sent, failed, denied,
	// throttled, circuit_open.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoa_notify_notifications_total",
			Help: "Notifications handled by the gateway by outcome",
		},
		[]string{"channel", "template", "outcome"},
	)

	ProviderSendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hoa_notify_provider_send_duration_seconds",
			Help:    "Duration of provider API calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel", "provider"},
	)

	ComplianceDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoa_notify_compliance_denials_total",
			Help: "Failed compliance checks by check name",
		},
		[]string{"channel", "check"},
	)

	QueueJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoa_notify_queue_jobs_total",
			Help: "Queue job outcomes: completed, failed, retrying",
		},
		[]string{"queue", "outcome"},
	)

	QueueJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hoa_notify_queue_job_duration_seconds",
			Help:    "Duration of queue job handlers",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hoa_notify_queue_jobs",
			Help: "Jobs per queue and state at the last stats read",
		},
		[]string{"queue", "state"},
	)

	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoa_notify_webhook_events_total",
			Help: "Provider webhook events by result: applied, skipped, failed",
		},
		[]string{"source", "result"},
	)
)

var initOnce sync.Once

// Init registers every collector with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequests,
			RequestDuration,
			NotificationsTotal,
			ProviderSendDuration,
			ComplianceDenials,
			QueueJobsTotal,
			QueueJobDuration,
			QueueDepth,
			WebhookEvents,
		)
	})
}
