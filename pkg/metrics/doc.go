/*
Package metrics provides Prometheus instrumentation and process health
endpoints for Muster.

All collectors are package-level and registered in init, so any package can
record observations without plumbing a registry around:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

# Collector groups

Cluster state gauges (nodes by runtime/status, pods by status, services,
pack versions) are refreshed by the control plane's collector loop from
state store snapshots. Counters and histograms are incremented at the point
of action:

  - scheduler: scheduling latency, pods scheduled/preempted/failed
  - reconciler: cycle count and duration
  - connection manager: connected sessions, dropped messages by reason,
    correlation timeouts
  - signaling router: signals forwarded and rejected
  - bundle distribution: cache hits and misses

# Health endpoints

HealthHandler, ReadyHandler, and LivenessHandler serve /health, /ready and
/live. Components report their state with RegisterComponent/UpdateComponent;
readiness requires the state store, connection manager, and reconciler to
have reported healthy.

The /metrics endpoint itself is served by Handler, mounted by pkg/server
next to the health endpoints.
*/
package metrics
