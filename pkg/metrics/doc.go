/*
Package metrics provides Prometheus instrumentation for Drydock.

All collectors are package-level variables registered at init, exposed over
the API listener at /metrics. The Collector periodically exports registry
entity counts (tasks by state, deployments, VMs, instances) from the store;
the remaining metrics are recorded inline by the packages doing the work:
lock waits by pkg/lock, agent RPC durations by pkg/agent, compilation counts
by pkg/compiler, cloud call durations by pkg/cloud, API requests by pkg/api.

The package also carries a small component health registry backing the
/health and /ready endpoints. Critical components (database, bus) gate
readiness.

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TaskDuration.WithLabelValues(string(kind)))
*/
package metrics
