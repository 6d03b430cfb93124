/*
Package telemetry builds the merged Russian-Doll telemetry sample the
watchdog POSTs every tick, and accumulates the energy figure reported at
job completion.

The GPU, network, and process sample sources are out-of-scope collaborators
per spec — this package defines the narrow interfaces they must satisfy and
ships a zero-value default for each, matching the "emit zeros when
unavailable" behavior of the original agent.
*/
package telemetry

import (
	"math"
	"strings"
	"time"
)

// GPUSample is one GPU counter reading.
type GPUSample struct {
	UtilizationPct float64
	VRAMUsedGB     float64
	PowerWatts     float64
	TemperatureC   float64
	Throttling     bool
}

// GPUSource supplies GPU counters for one local GPU index. The production
// binding reads NVML; it is out of scope for this package to implement.
type GPUSource interface {
	Sample(gpuIndex int) (GPUSample, error)
}

// NullGPUSource always reports zeros, mirroring the original agent's
// behavior when the management library is unavailable.
type NullGPUSource struct{}

func (NullGPUSource) Sample(int) (GPUSample, error) { return GPUSample{}, nil }

// NetCounters is a cumulative network counter reading, comparable across
// samples to compute deltas.
type NetCounters struct {
	BytesSent         uint64
	BytesRecv         uint64
	ActiveConnections int
	UniqueDstIPs      []string
	DNSPort53Conns    int
}

// NetworkSource supplies the current cumulative network counters.
type NetworkSource interface {
	Sample() (NetCounters, error)
}

// NullNetworkSource always reports zero counters.
type NullNetworkSource struct{}

func (NullNetworkSource) Sample() (NetCounters, error) { return NetCounters{}, nil }

// ProcessSource lists the names of host processes other than this agent.
type ProcessSource interface {
	Names() ([]string, error)
}

// NullProcessSource always reports no processes.
type NullProcessSource struct{}

func (NullProcessSource) Names() ([]string, error) { return nil, nil }

// allowedProcessNames are never considered "unexpected".
var allowedProcessNames = map[string]struct{}{
	"python": {}, "python3": {}, "nvidia-smi": {}, "cudnn": {}, "nccl": {},
	"bash": {}, "sh": {}, "ps": {}, "top": {}, "htop": {}, "grep": {},
	"awk": {}, "tail": {}, "cat": {},
}

// Collector accumulates the state one Runner's watchdog needs to build
// successive telemetry samples: the energy integral, the job start time,
// and the previous network counter reading (kept here, not globally, so
// each Runner's watchdog has its own closure per Design Note §9).
type Collector struct {
	JobID             string
	NodeID            string
	GPUID             string
	GPUIndex          int
	SubjectID         string
	DeclaredFramework string
	VRAMAllocatedGB   float64
	PowerCapWatts     float64

	GPUSource     GPUSource
	NetworkSource NetworkSource
	ProcessSource ProcessSource

	startTime    time.Time
	energyJoules float64
	prevNet      *NetCounters
}

// NewCollector constructs a Collector with null sample sources by default;
// callers override GPUSource/NetworkSource/ProcessSource with real
// implementations when available.
func NewCollector(jobID, nodeID, gpuID string, gpuIndex int, subjectID, declaredFramework string, vramAllocatedGB, powerCapWatts float64) *Collector {
	return &Collector{
		JobID:             jobID,
		NodeID:            nodeID,
		GPUID:             gpuID,
		GPUIndex:          gpuIndex,
		SubjectID:         subjectID,
		DeclaredFramework: declaredFramework,
		VRAMAllocatedGB:   vramAllocatedGB,
		PowerCapWatts:     powerCapWatts,
		GPUSource:         NullGPUSource{},
		NetworkSource:     NullNetworkSource{},
		ProcessSource:     NullProcessSource{},
		startTime:         time.Now(),
	}
}

// SampleIntervalSeconds is the hard-coded watchdog tick period the energy
// integration assumes. If the watchdog's period is ever made configurable,
// the energyJoules accumulation in Sample must change in lockstep — this coupling
// is fragile by design inheritance, not fixed here (see spec Open Questions).
const SampleIntervalSeconds = 10.0

// Sample builds one merged telemetry payload and advances the energy
// accumulator. It never returns an error: unavailable sources degrade to
// zero values, matching the original agent's collect_and_send behavior.
func (c *Collector) Sample() map[string]any {
	gpu, gpuErr := c.GPUSource.Sample(c.GPUIndex)
	if gpuErr == nil {
		c.energyJoules += gpu.PowerWatts * SampleIntervalSeconds
	}

	net, _ := c.NetworkSource.Sample()
	outboundPerSec, inboundPerSec := c.networkDeltas(net)

	suspicious := suspiciousDestinations(net.UniqueDstIPs)
	dnsQueriesPerMin := net.DNSPort53Conns * 6

	procNames, _ := c.ProcessSource.Names()
	unexpected := unexpectedProcesses(procNames)

	pattern := InferPattern(gpu.UtilizationPct, outboundPerSec, len(net.UniqueDstIPs), suspicious)

	elapsed := time.Since(c.startTime).Seconds()

	return map[string]any{
		// Identity
		"job_id":     c.JobID,
		"node_id":    c.NodeID,
		"gpu_id":     c.GPUID,
		"subject_id": c.SubjectID,
		"timestamp":  time.Now().UTC().Format("2006-01-02T15:04:05Z"),

		// Scheduler filler (one-job scope)
		"total_dies":               1,
		"total_tasks_scheduled":    0,
		"total_tasks_completed":    0,
		"tasks_pending":            0,
		"tasks_active":             1,
		"total_energy_consumed_fj": c.energyJoules * 1e15,
		"throughput_tasks_per_sec": 0.0,
		"energy_per_task_fj":       0.0,
		"elapsed_time_seconds":     elapsed,
		"scheduler_policy":         "load_balanced",
		"die_utilization":          map[string]any{},

		// GPU
		"gpu_utilization_pct": gpu.UtilizationPct,
		"vram_used_gb":        gpu.VRAMUsedGB,
		"vram_allocated_gb":   c.VRAMAllocatedGB,
		"power_draw_watts":    round1(gpu.PowerWatts),
		"power_cap_watts":     c.PowerCapWatts,
		"temperature_c":       gpu.TemperatureC,
		"thermal_throttling":  gpu.Throttling,

		// Network
		"outbound_bytes_per_sec":  outboundPerSec,
		"inbound_bytes_per_sec":   inboundPerSec,
		"active_connections":      net.ActiveConnections,
		"unique_dst_ips":          len(net.UniqueDstIPs),
		"dns_queries_per_min":     dnsQueriesPerMin,
		"suspicious_destinations": suspicious,

		// Process
		"process_count":                  len(procNames),
		"unexpected_processes":           unexpected,
		"privilege_escalation_attempts":  0,
		"filesystem_writes_per_sec":      0.0,

		// Workload
		"declared_framework":  c.DeclaredFramework,
		"gpu_compute_pattern": pattern,
	}
}

// EnergyKWh returns the accumulated energy in kWh, rounded to 6 decimal
// places, as reported in the job's terminal Result.
func (c *Collector) EnergyKWh() float64 {
	kwh := c.energyJoules / 3.6e6
	return math.Round(kwh*1e6) / 1e6
}

// networkDeltas computes per-second byte rates using the cached prior
// counters. The first sample after construction has no prior, so it uses
// the current reading as the prior and reports zero — matching the
// original's hasattr(self, "_prev_net") guard.
func (c *Collector) networkDeltas(current NetCounters) (outbound, inbound int64) {
	if c.prevNet == nil {
		prev := current
		c.prevNet = &prev
		return 0, 0
	}

	deltaOut := int64(current.BytesSent) - int64(c.prevNet.BytesSent)
	if deltaOut < 0 {
		deltaOut = 0
	}
	deltaIn := int64(current.BytesRecv) - int64(c.prevNet.BytesRecv)
	if deltaIn < 0 {
		deltaIn = 0
	}

	prev := current
	c.prevNet = &prev

	return deltaOut / int64(SampleIntervalSeconds), deltaIn / int64(SampleIntervalSeconds)
}

// InferPattern is the pure, deterministic compute-pattern decision list.
// Evaluated top-down; first match wins.
func InferPattern(gpuUtilPct float64, outboundBytesPerSec int64, uniqueDstIPs int, suspicious []string) string {
	switch {
	case len(suspicious) > 0:
		return "CRYPTO_MINING"
	case gpuUtilPct > 85 && outboundBytesPerSec < 5_000_000:
		return "TRAINING"
	case uniqueDstIPs > 30 && gpuUtilPct < 20:
		return "NETWORK_HEAVY"
	case gpuUtilPct < 5:
		return "IDLE"
	default:
		return "INFERENCE"
	}
}

// isSuspicious checks one destination IP against the threat-intel feed.
// This hook always returns false: the production agent's threat-intel join
// is a stub upstream and stays a stub here — see spec Open Questions.
func isSuspicious(ip string) bool {
	return false
}

func suspiciousDestinations(ips []string) []string {
	var out []string
	for _, ip := range ips {
		if isSuspicious(ip) {
			out = append(out, ip)
		}
	}
	return out
}

func unexpectedProcesses(names []string) []string {
	var out []string
	for _, name := range names {
		lower := strings.ToLower(name)
		if _, ok := allowedProcessNames[lower]; ok {
			continue
		}
		if strings.HasPrefix(lower, "python") {
			continue
		}
		if len(name) <= 2 {
			continue
		}
		out = append(out, name)
		if len(out) == 20 {
			break
		}
	}
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
