/*
Package metrics holds the Prometheus collectors and the health state of the
labvm process.

Collectors are package-level and registered with the default registry in
init, so any package can record without plumbing:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, "create")
	metrics.RecordOperation("create", err)

# Metrics

	labvm_vms_total{status}                     records by status (Collector)
	labvm_ip_pool_addresses{status}             pool addresses by status (Collector)
	labvm_node_load_percent{node,resource}      last polled node load
	labvm_operations_total{operation,result}    manager operations
	labvm_operation_duration_seconds{operation}
	labvm_gateway_requests_total{method,result} Proxmox API calls
	labvm_gateway_retries_total
	labvm_task_wait_duration_seconds{operation} Proxmox task polling
	labvm_placements_total{outcome}             qualified, degraded or fallback
	labvm_reconciliation_duration_seconds
	labvm_reconciliation_cycles_total
	labvm_drift_detected_total{kind}            migrated, status or lost
	labvm_janitor_actions_total{job}

The gauges fed by Collector are refreshed on an interval (15s by default)
from the record store, not on every write.

# Health

Components report their state with UpdateComponent. GetHealth is unhealthy
as soon as one component is. GetReadiness only looks at the components named
by SetCriticalComponents and stays not_ready until each of them has
reported healthy. HealthHandler, ReadyHandler and LivenessHandler serve
these as JSON with 503 for the failing states.
*/
package metrics
