/*
Package metrics provides Prometheus metrics collection and exposition for
the GP4U provider agent.

Gauges (ActiveJobs, RegisteredGPUs) are refreshed on a ticker by Collector;
counters and the duration histogram are updated inline by the code whose
event they represent.

# Catalog

  - gp4u_registered_gpus (gauge): devices registered with the control plane
  - gp4u_active_jobs (gauge): size of the Supervisor's active-jobs map
  - gp4u_jobs_total{status} (counter): terminal outcomes by COMPLETE/FAILED,
    incremented in pkg/supervisor's runJob after Runner.Run returns
  - gp4u_job_energy_kwh_total (counter): cumulative reported energy, kWh,
    added to alongside gp4u_jobs_total
  - gp4u_watchdog_kills_total{reason} (counter): containers killed before a
    normal exit, incremented at the two kill sites — pkg/watchdog's tick
    ("remote_kill") and pkg/runner's duration-overrun branch
    ("duration_overrun")
  - gp4u_job_duration_seconds (histogram): admission to terminal result,
    observed by a Timer started before Runner.Run and read after it returns
  - gp4u_poll_requests_total{outcome} (counter): assignment polls by
    "jobs"/"empty"/"error", incremented in pkg/supervisor's pollAndAdmit

# Usage

	import "github.com/cuemby/gp4u-agent/pkg/metrics"

	timer := metrics.NewTimer()
	result := r.Run(ctx)
	timer.ObserveDuration(metrics.JobDuration)
	metrics.JobsTotal.WithLabelValues(string(result.Status)).Inc()
	metrics.JobEnergyKWhTotal.Add(result.EnergyKWh)

	http.Handle("/metrics", metrics.Handler())

# Health and readiness

HealthHandler/ReadyHandler/LivenessHandler (health.go) back the agent's
/health, /ready, and /live HTTP endpoints. This is a single-process,
single-device-class leaf agent, so readiness tracks one boolean gate
instead of a multi-component registry: SetDevicesReady(true, "") marks the
node ready once at least one GPU has registered with the control plane,
and /ready reports not_ready until that happens.
*/
package metrics
