/*
Package metrics provides Prometheus metrics collection and exposition for the
supervisor: slot table occupancy, controller request latency, metadata
verification outcomes, scheduler cycle latency and syscall broker counters,
plus a small HealthChecker used for the /health, /ready and /live endpoints.

Call Handler() to obtain the Prometheus HTTP handler and HealthHandler() /
ReadyHandler() / LivenessHandler() for the corresponding probes.
*/
package metrics
