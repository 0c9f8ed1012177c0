package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	AccessIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_access_issued_total",
			Help: "Proxy access requests by result.",
		},
		[]string{"service", "result"},
	)

	RotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_rotations_total",
			Help: "Credential rotations by trigger and outcome.",
		},
		[]string{"service", "trigger", "outcome"},
	)

	RotationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pool_rotation_duration_seconds",
			Help:    "Wall time of credential rotations.",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"service", "outcome"},
	)

	SessionsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_sessions_closed_total",
			Help: "Viewing sessions closed by final state.",
		},
		[]string{"service", "state"},
	)

	SchedulerUnallocatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_scheduler_unallocated_total",
			Help: "Members left without a window by allocation runs.",
		},
		[]string{"service", "run"},
	)

	ConflictsUnresolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_conflicts_unresolved_total",
			Help: "Overloaded cells left after conflict resolution.",
		},
		[]string{"service"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_notifications_total",
			Help: "Outbound notifications by event and result.",
		},
		[]string{"service", "event", "result"},
	)

	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_job_runs_total",
			Help: "Background job runs by job and result.",
		},
		[]string{"service", "job", "result"},
	)
)

var serviceName = "pool"

// MustRegister sets the service label and registers every collector.
func MustRegister(service string) {
	serviceName = service

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		AccessIssuedTotal,
		RotationsTotal,
		RotationDurationSeconds,
		SessionsClosedTotal,
		SchedulerUnallocatedTotal,
		ConflictsUnresolvedTotal,
		NotificationsTotal,
		JobRunsTotal,
	)
}

func HTTPRequest(method, path string, status int, d time.Duration) {
	HTTPRequestsTotal.WithLabelValues(serviceName, method, path, strconv.Itoa(status)).Inc()
	HTTPRequestDurationSeconds.WithLabelValues(serviceName, method, path).Observe(d.Seconds())
}

func AccessIssued(result string) {
	AccessIssuedTotal.WithLabelValues(serviceName, result).Inc()
}

func Rotation(trigger, outcome string, d time.Duration) {
	RotationsTotal.WithLabelValues(serviceName, trigger, outcome).Inc()
	RotationDurationSeconds.WithLabelValues(serviceName, outcome).Observe(d.Seconds())
}

func SessionClosed(state string) {
	SessionsClosedTotal.WithLabelValues(serviceName, state).Inc()
}

func Unallocated(run string, n int) {
	SchedulerUnallocatedTotal.WithLabelValues(serviceName, run).Add(float64(n))
}

func ConflictsUnresolved(n int) {
	ConflictsUnresolvedTotal.WithLabelValues(serviceName).Add(float64(n))
}

func Notification(event, result string) {
	NotificationsTotal.WithLabelValues(serviceName, event, result).Inc()
}

func JobRun(job, result string) {
	JobRunsTotal.WithLabelValues(serviceName, job, result).Inc()
}
