package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Slot table metrics
	SlotsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tinycontainer_slots_total",
			Help: "Total number of memory slots by loading state",
		},
		[]string{"state"},
	)

	SlotsFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tinycontainer_slots_free",
			Help: "Number of free memory slots",
		},
	)

	// Controller metrics
	ControllerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinycontainer_controller_requests_total",
			Help: "Total number of controller requests by message type and status",
		},
		[]string{"message_type", "status"},
	)

	ControllerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tinycontainer_controller_request_duration_seconds",
			Help:    "Controller request handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"message_type"},
	)

	MailboxRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tinycontainer_mailbox_retries_total",
			Help: "Total number of mailbox RETRY replies issued to callers",
		},
	)

	// Metadata / capability verification metrics
	MetadataVerifyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinycontainer_metadata_verify_total",
			Help: "Total number of metadata verification attempts by token and result",
		},
		[]string{"token", "result"},
	)

	MetadataVerifyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tinycontainer_metadata_verify_duration_seconds",
			Help:    "Time taken to verify a container's full metadata chain",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Scheduler / service metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tinycontainer_scheduling_latency_seconds",
			Help:    "Time taken to run one worker-task on_loop cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainersScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tinycontainer_containers_scheduled_total",
			Help: "Total number of container worker tasks scheduled",
		},
	)

	ContainersFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tinycontainer_containers_failed_total",
			Help: "Total number of container worker tasks that failed to start or were killed",
		},
	)

	// Syscall broker metrics
	SyscallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinycontainer_syscalls_total",
			Help: "Total number of syscalls handled by the broker, by name and result",
		},
		[]string{"syscall", "result"},
	)

	SyscallDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinycontainer_syscalls_denied_total",
			Help: "Total number of syscalls rejected by capability gating, by syscall",
		},
		[]string{"syscall"},
	)

	// Container lifecycle durations
	ContainerLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tinycontainer_container_load_duration_seconds",
			Help:    "Time taken to load a container (META+CODE+DATA) in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tinycontainer_container_start_duration_seconds",
			Help:    "Time taken to start a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tinycontainer_container_stop_duration_seconds",
			Help:    "Time taken to stop a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(SlotsTotal)
	prometheus.MustRegister(SlotsFree)
	prometheus.MustRegister(ControllerRequestsTotal)
	prometheus.MustRegister(ControllerRequestDuration)
	prometheus.MustRegister(MailboxRetriesTotal)
	prometheus.MustRegister(MetadataVerifyTotal)
	prometheus.MustRegister(MetadataVerifyDuration)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(ContainersScheduled)
	prometheus.MustRegister(ContainersFailed)
	prometheus.MustRegister(SyscallsTotal)
	prometheus.MustRegister(SyscallDenied)
	prometheus.MustRegister(ContainerLoadDuration)
	prometheus.MustRegister(ContainerStartDuration)
	prometheus.MustRegister(ContainerStopDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
