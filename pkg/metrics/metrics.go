package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drydock_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"state"},
	)

	DeploymentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drydock_deployments_total",
			Help: "Total number of deployments",
		},
	)

	ReleasesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drydock_releases_total",
			Help: "Total number of releases",
		},
	)

	StemcellsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drydock_stemcells_total",
			Help: "Total number of stemcells",
		},
	)

	VMsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drydock_vms_total",
			Help: "Total number of VMs",
		},
	)

	InstancesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drydock_instances_total",
			Help: "Total number of instances",
		},
	)

	// Task execution metrics
	TasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drydock_tasks_processed_total",
			Help: "Tasks finished by kind and terminal state",
		},
		[]string{"kind", "state"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drydock_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"kind"},
	)

	// Lock metrics
	LockWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drydock_lock_wait_seconds",
			Help:    "Time spent waiting to acquire named locks",
			Buckets: []float64{.01, .1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"type"},
	)

	LockTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drydock_lock_timeouts_total",
			Help: "Lock acquisitions abandoned after the acquire timeout",
		},
		[]string{"type"},
	)

	// Agent RPC metrics
	AgentRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drydock_agent_rpc_duration_seconds",
			Help:    "Agent RPC round-trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	AgentRPCErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drydock_agent_rpc_errors_total",
			Help: "Agent RPC failures by method and kind",
		},
		[]string{"method", "kind"},
	)

	// Compilation metrics
	CompilationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drydock_compilations_total",
			Help: "Packages compiled on compilation VMs",
		},
	)

	CompilationCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drydock_compilation_cache_hits_total",
			Help: "Package compilations skipped due to a compiled package cache hit",
		},
	)

	CompilationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drydock_compilation_duration_seconds",
			Help:    "Single package compilation duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900},
		},
	)

	// Cloud provider metrics
	CloudCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drydock_cloud_call_duration_seconds",
			Help:    "Cloud provider call duration in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"op"},
	)

	CloudCallErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drydock_cloud_call_errors_total",
			Help: "Cloud provider call failures by operation",
		},
		[]string{"op"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drydock_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drydock_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Instance update metrics
	InstanceUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drydock_instance_updates_total",
			Help: "Instance transitions by change kind and result",
		},
		[]string{"change", "result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(ReleasesTotal)
	prometheus.MustRegister(StemcellsTotal)
	prometheus.MustRegister(VMsTotal)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(TasksProcessed)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(LockWaitSeconds)
	prometheus.MustRegister(LockTimeouts)
	prometheus.MustRegister(AgentRPCDuration)
	prometheus.MustRegister(AgentRPCErrors)
	prometheus.MustRegister(CompilationsTotal)
	prometheus.MustRegister(CompilationCacheHits)
	prometheus.MustRegister(CompilationDuration)
	prometheus.MustRegister(CloudCallDuration)
	prometheus.MustRegister(CloudCallErrors)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(InstanceUpdates)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures durations for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time into a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}
