package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory metrics, refreshed by the Collector
	VMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "labvm_vms_total",
			Help: "Number of VM records by status",
		},
		[]string{"status"},
	)

	IPPoolAddresses = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "labvm_ip_pool_addresses",
			Help: "Number of pool addresses by allocation status",
		},
		[]string{"status"},
	)

	NodeLoadPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "labvm_node_load_percent",
			Help: "Last sampled node utilization by resource",
		},
		[]string{"node", "resource"},
	)

	// Lifecycle metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labvm_operations_total",
			Help: "Total number of VM operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "labvm_operation_duration_seconds",
			Help:    "VM operation duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		},
		[]string{"operation"},
	)

	// Hypervisor gateway metrics
	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labvm_gateway_requests_total",
			Help: "Total number of Proxmox API requests by method and status class",
		},
		[]string{"method", "status"},
	)

	GatewayRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "labvm_gateway_retries_total",
			Help: "Total number of retried Proxmox API requests",
		},
	)

	TaskWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "labvm_task_wait_duration_seconds",
			Help:    "Time spent waiting for Proxmox tasks by verb",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300, 900, 3600},
		},
		[]string{"verb"},
	)

	// Scheduler metrics
	PlacementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labvm_placements_total",
			Help: "Total number of placement decisions by outcome",
		},
		[]string{"outcome"}, // qualified, degraded, fallback
	)

	// Reconciliation metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "labvm_reconciliation_duration_seconds",
			Help:    "Duration of one reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "labvm_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	DriftDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labvm_drift_detected_total",
			Help: "Total number of corrected drifts by kind",
		},
		[]string{"kind"}, // migrated, status, lost
	)

	JanitorActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labvm_janitor_actions_total",
			Help: "Total number of maintenance actions by job",
		},
		[]string{"job"},
	)
)

func init() {
	prometheus.MustRegister(VMsTotal)
	prometheus.MustRegister(IPPoolAddresses)
	prometheus.MustRegister(NodeLoadPercent)
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(GatewayRequestsTotal)
	prometheus.MustRegister(GatewayRetriesTotal)
	prometheus.MustRegister(TaskWaitDuration)
	prometheus.MustRegister(PlacementsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(DriftDetectedTotal)
	prometheus.MustRegister(JanitorActionsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOperation counts one finished operation
func RecordOperation(operation string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(operation, result).Inc()
}
