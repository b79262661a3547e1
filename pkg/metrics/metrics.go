package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Failure reasons used as label values
const (
	ReasonHeartbeatMissed = "heartbeat_missed"
	ReasonRuntimeDead     = "runtime_dead"
	ReasonRecoveryTimeout = "recovery_timeout"
	ReasonRestartFailed   = "restart_failed"
	ReasonForced          = "forced"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kube9_nodes_total",
			Help: "Total number of nodes by type and health status",
		},
		[]string{"type", "status"},
	)

	PodsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kube9_pods_total",
			Help: "Total number of pods by status",
		},
		[]string{"status"},
	)

	CPUCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kube9_cpu_capacity",
			Help: "Total CPU of healthy nodes",
		},
	)

	CPUAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kube9_cpu_available",
			Help: "Unallocated CPU of healthy nodes",
		},
	)

	ConsistencyErrors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kube9_consistency_errors",
			Help: "Node/pod bookkeeping mismatches found by the last collection",
		},
	)

	// Health metrics
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kube9_heartbeats_total",
			Help: "Total number of heartbeats by result",
		},
		[]string{"result"},
	)

	NodeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kube9_node_failures_total",
			Help: "Total number of node failure transitions by reason",
		},
		[]string{"reason"},
	)

	RecoveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kube9_recovery_attempts_total",
			Help: "Total number of node restart attempts by result",
		},
		[]string{"result"},
	)

	NodesRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kube9_nodes_recovered_total",
			Help: "Total number of failed nodes that returned to healthy",
		},
	)

	NodesPermanentlyFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kube9_nodes_permanently_failed_total",
			Help: "Total number of nodes that exhausted recovery",
		},
	)

	NodesReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kube9_nodes_reaped_total",
			Help: "Total number of nodes whose runtime resource was released",
		},
	)

	RuntimeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kube9_runtime_errors_total",
			Help: "Total number of runtime driver errors by operation",
		},
		[]string{"operation"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kube9_scheduling_latency_seconds",
			Help:    "Time taken to place pods in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PodsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kube9_pods_scheduled_total",
			Help: "Total number of pods placed on a node",
		},
	)

	PodsRescheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kube9_pods_rescheduled_total",
			Help: "Total number of pods migrated off a failed node",
		},
	)

	PodsUnschedulable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kube9_pods_unschedulable_total",
			Help: "Total number of pods left without an eligible node",
		},
	)

	// Loop metrics
	LoopDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kube9_loop_duration_seconds",
			Help:    "Duration of one control loop iteration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"loop"},
	)

	LoopErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kube9_loop_errors_total",
			Help: "Total number of per-node errors inside control loops",
		},
		[]string{"loop"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kube9_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kube9_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(PodsTotal)
	prometheus.MustRegister(CPUCapacity)
	prometheus.MustRegister(CPUAvailable)
	prometheus.MustRegister(ConsistencyErrors)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(NodeFailuresTotal)
	prometheus.MustRegister(RecoveryAttemptsTotal)
	prometheus.MustRegister(NodesRecovered)
	prometheus.MustRegister(NodesPermanentlyFailed)
	prometheus.MustRegister(NodesReaped)
	prometheus.MustRegister(RuntimeErrorsTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(PodsScheduled)
	prometheus.MustRegister(PodsRescheduled)
	prometheus.MustRegister(PodsUnschedulable)
	prometheus.MustRegister(LoopDuration)
	prometheus.MustRegister(LoopErrorsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
