package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RegisteredGPUs is the number of devices this node has successfully
	// registered with the control plane.
	RegisteredGPUs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gp4u_registered_gpus",
			Help: "Number of GPU devices registered with the control plane",
		},
	)

	// ActiveJobs is the current size of the Supervisor's active-jobs map.
	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gp4u_active_jobs",
			Help: "Number of jobs currently running on this node",
		},
	)

	// JobsTotal counts terminal job outcomes by status.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gp4u_jobs_total",
			Help: "Total number of jobs completed, by terminal status",
		},
		[]string{"status"},
	)

	// JobEnergyKWhTotal accumulates the energy reported by every completed
	// job, in kilowatt-hours.
	JobEnergyKWhTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gp4u_job_energy_kwh_total",
			Help: "Cumulative energy usage reported across all completed jobs, in kWh",
		},
	)

	// WatchdogKillsTotal counts container terminations issued by the
	// watchdog (remote kill_job) or by the Runner (duration overrun),
	// split by reason.
	WatchdogKillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gp4u_watchdog_kills_total",
			Help: "Total number of containers terminated before a normal exit, by reason",
		},
		[]string{"reason"},
	)

	// JobDuration measures wall-clock Runner.Run time, from image
	// verification through the terminal Result.
	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gp4u_job_duration_seconds",
			Help:    "Time from job admission to terminal result, in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		},
	)

	// PollRequestsTotal counts assignment poll calls by outcome.
	PollRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gp4u_poll_requests_total",
			Help: "Total number of assignment poll requests, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		RegisteredGPUs,
		ActiveJobs,
		JobsTotal,
		JobEnergyKWhTotal,
		WatchdogKillsTotal,
		JobDuration,
		PollRequestsTotal,
	)
}

// Handler returns the Prometheus scrape handler, mounted at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
