/*
Package metrics provides Prometheus metrics and component health reporting
for the kube9 control plane.

All metrics are registered on the default Prometheus registry at package
init and exposed by Handler, which the API server mounts at /metrics.

# Metrics

Cluster state (refreshed by the Collector):

	kube9_nodes_total{type,status}        nodes by type and health status
	kube9_pods_total{status}              pods by status
	kube9_cpu_capacity                    CPU of healthy nodes
	kube9_cpu_available                   unallocated CPU of healthy nodes
	kube9_consistency_errors              bookkeeping mismatches found

Health and recovery:

	kube9_heartbeats_total{result}
	kube9_node_failures_total{reason}
	kube9_recovery_attempts_total{result}
	kube9_nodes_recovered_total
	kube9_nodes_permanently_failed_total
	kube9_nodes_reaped_total
	kube9_runtime_errors_total{operation}

Scheduling:

	kube9_scheduling_latency_seconds
	kube9_pods_scheduled_total
	kube9_pods_rescheduled_total
	kube9_pods_unschedulable_total

Control loops and API:

	kube9_loop_duration_seconds{loop}
	kube9_loop_errors_total{loop}
	kube9_api_requests_total{method,status}
	kube9_api_request_duration_seconds{method}

# Timing

Timer measures an operation and records it on a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.LoopDuration, "monitor")

# Component Health

Process components record their state as it changes:

	metrics.SetComponent(metrics.ComponentStore, true, "bolt")
	metrics.SetComponent(metrics.ComponentAPI, false, "shutting down")

Control loops register with their interval and report every tick:

	metrics.RegisterLoop("monitor", 30*time.Second)
	metrics.LoopTicked("monitor", err)
	metrics.LoopStopped("monitor")

A loop is unhealthy after a failed tick or once stopped. It is also
unhealthy when it has not ticked for three intervals. GetHealth reports every component. GetReadiness
reports ready only when the store, runtime and API are healthy and every
registered loop is ticking. HealthHandler and LivenessHandler serve /health
and /live; the API builds /ready from GetReadiness.

# Collector

Collector periodically lists nodes and pods from a ClusterSource (the
manager satisfies it) and refreshes the gauges above. It also runs the
node/pod consistency check and publishes the number of violations.

	collector := metrics.NewCollector(mgr, 15*time.Second)
	collector.Start()
	defer collector.Stop()
*/
package metrics
