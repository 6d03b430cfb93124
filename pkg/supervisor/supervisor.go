/*
Package supervisor is the process-wide singleton that registers this
host's GPUs, drives the assignment poll loop, admits jobs as Runners,
emits heartbeats, and coordinates graceful shutdown.
*/
package supervisor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/gp4u-agent/pkg/apiclient"
	"github.com/cuemby/gp4u-agent/pkg/discovery"
	"github.com/cuemby/gp4u-agent/pkg/log"
	"github.com/cuemby/gp4u-agent/pkg/metrics"
	"github.com/cuemby/gp4u-agent/pkg/runner"
	"github.com/cuemby/gp4u-agent/pkg/runtime"
	"github.com/cuemby/gp4u-agent/pkg/types"
)

const (
	defaultImage    = "alpine:latest"
	defaultVRAMGB   = 8
	defaultRAMGB    = 32
	defaultDuration = 1.0
	defaultPowerCap = 300.0

	shutdownGrace = 300 * time.Second
)

var defaultCommand = []string{"echo", "hello"}

// ControlPlaneClient is the capability interface the Supervisor and its
// Runners depend on. *apiclient.Client is the production binding; tests
// inject a fake so the poll/admit/report logic runs without a live
// control plane.
type ControlPlaneClient interface {
	Register(ctx context.Context, req apiclient.RegisterRequest) (string, error)
	PollAssignments(ctx context.Context, gpuIDs []string, nodeID string) ([]apiclient.Manifest, error)
	Ack(ctx context.Context, jobID, nodeID string) error
	SendTelemetry(ctx context.Context, payload map[string]any) (apiclient.TelemetryDecision, error)
	ReportCompletion(ctx context.Context, jobID string, status string, energyKWh float64) error
	Heartbeat(ctx context.Context, nodeID string, activeCount int, gpuIDs []string, timestamp time.Time) error
}

// activeEntry tracks one admitted job for the lifetime of its Runner
// goroutine.
type activeEntry struct {
	manifest types.JobManifest
}

// Supervisor is the single process-wide object owning the registered
// device set and the active-jobs map.
type Supervisor struct {
	client       ControlPlaneClient
	engine       runtime.Engine
	pollInterval time.Duration
	nodeID       string

	registered map[string]string // device UUID -> assigned GPU ID

	mu     sync.Mutex
	active map[string]*activeEntry

	runningWG sync.WaitGroup
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New constructs a Supervisor. nodeID defaults to a freshly minted UUID
// when empty.
func New(client ControlPlaneClient, engine runtime.Engine, pollInterval time.Duration, nodeID string) *Supervisor {
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	return &Supervisor{
		client:       client,
		engine:       engine,
		pollInterval: pollInterval,
		nodeID:       nodeID,
		registered:   make(map[string]string),
		active:       make(map[string]*activeEntry),
		stopCh:       make(chan struct{}),
	}
}

// Run enumerates and registers devices, then drives the poll loop until
// Stop is called or ctx is done. It returns an error only for the fatal
// startup condition: zero registered devices — callers exit(1) on error.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := log.WithComponent("agent").With().Str("node_id", s.nodeID).Logger()

	devices := discovery.Enumerate(ctx)
	s.registerDevices(ctx, devices, &logger)

	if len(s.registered) == 0 {
		return fmt.Errorf("no GPUs registered — nothing for this node to run")
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	heartbeatEvery := int(math.Ceil(60.0 / s.pollInterval.Seconds()))
	if heartbeatEvery < 1 {
		heartbeatEvery = 1
	}

	var tick int
	for {
		select {
		case <-ctx.Done():
			s.drain(&logger)
			return nil
		case <-s.stopCh:
			s.drain(&logger)
			return nil
		case <-ticker.C:
			tick++
			s.pollAndAdmit(ctx, &logger)
			if tick%heartbeatEvery == 0 {
				s.sendHeartbeat(ctx, &logger)
			}
		}
	}
}

// Stop requests graceful shutdown: the in-flight tick completes, then
// Run joins every active Runner with a 300s grace before returning.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// registerDevices registers every discovered device. A per-device
// failure is logged but does not abort the batch — the batch only fails
// as a whole if it ends up empty.
func (s *Supervisor) registerDevices(ctx context.Context, devices []types.DeviceDescriptor, logger *zerolog.Logger) {
	for _, d := range devices {
		id, err := s.client.Register(ctx, apiclient.RegisterRequest{
			UUID:   d.UUID,
			Name:   d.Name,
			VRAMGB: d.VRAMGB,
			Driver: d.DriverVersion,
			CUDA:   d.CUDAVersion,
		})
		if err != nil {
			logger.Error().Err(err).Str("gpu_uuid", d.UUID).Msg("device registration failed")
			continue
		}
		s.registered[d.UUID] = id
	}
	logger.Info().Int("registered", len(s.registered)).Int("discovered", len(devices)).Msg("device registration complete")
}

// ActiveJobCount returns the current size of the active-jobs map.
func (s *Supervisor) ActiveJobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// RegisteredGPUCount returns the number of devices registered at startup.
func (s *Supervisor) RegisteredGPUCount() int {
	return len(s.registered)
}

func (s *Supervisor) gpuIDs() []string {
	ids := make([]string, 0, len(s.registered))
	for _, id := range s.registered {
		ids = append(ids, id)
	}
	return ids
}

// pollAndAdmit polls for assignments and admits every returned manifest.
// A poll failure (including a control-plane outage) is logged and
// skipped — the next tick retries.
func (s *Supervisor) pollAndAdmit(ctx context.Context, logger *zerolog.Logger) {
	manifests, err := s.client.PollAssignments(ctx, s.gpuIDs(), s.nodeID)
	if err != nil {
		metrics.PollRequestsTotal.WithLabelValues("error").Inc()
		logger.Error().Err(err).Msg("poll failed — will retry next tick")
		return
	}
	if len(manifests) == 0 {
		metrics.PollRequestsTotal.WithLabelValues("empty").Inc()
		return
	}
	metrics.PollRequestsTotal.WithLabelValues("jobs").Inc()
	for _, m := range manifests {
		s.admit(ctx, m, logger)
	}
}

// admit validates, ACKs, and spawns a Runner for one wire manifest.
// Re-delivery of an already-active job ID is a silent no-op.
func (s *Supervisor) admit(ctx context.Context, wire apiclient.Manifest, logger *zerolog.Logger) {
	jobID := wire.JobID
	if jobID == "" {
		jobID = wire.ID
	}
	if jobID == "" {
		logger.Warn().Msg("assignment missing job id — rejecting admission")
		return
	}

	s.mu.Lock()
	if _, exists := s.active[jobID]; exists {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.client.Ack(ctx, jobID, s.nodeID); err != nil {
		logger.Error().Err(err).Str("job_id", jobID).Msg("ACK failed — abandoning admission")
		return
	}

	manifest := defensiveManifest(wire, jobID)

	s.mu.Lock()
	s.active[jobID] = &activeEntry{manifest: manifest}
	s.mu.Unlock()

	s.runningWG.Add(1)
	go s.runJob(manifest, logger)
}

func (s *Supervisor) runJob(manifest types.JobManifest, logger *zerolog.Logger) {
	defer s.runningWG.Done()
	defer func() {
		s.mu.Lock()
		delete(s.active, manifest.JobID)
		s.mu.Unlock()
	}()

	r := runner.New(manifest, s.nodeID, s.engine, s.client)

	timer := metrics.NewTimer()
	result := r.Run(context.Background())
	timer.ObserveDuration(metrics.JobDuration)

	metrics.JobsTotal.WithLabelValues(string(result.Status)).Inc()
	metrics.JobEnergyKWhTotal.Add(result.EnergyKWh)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.client.ReportCompletion(ctx, result.JobID, string(result.Status), result.EnergyKWh); err != nil {
		logger.Error().Err(err).Str("job_id", result.JobID).Msg("completion report failed")
	}
}

func (s *Supervisor) sendHeartbeat(ctx context.Context, logger *zerolog.Logger) {
	s.mu.Lock()
	count := len(s.active)
	s.mu.Unlock()

	if err := s.client.Heartbeat(ctx, s.nodeID, count, s.gpuIDs(), time.Now()); err != nil {
		logger.Debug().Err(err).Msg("heartbeat failed — dropped")
	}
}

// drain waits for every active Runner to finish, up to shutdownGrace.
func (s *Supervisor) drain(logger *zerolog.Logger) {
	done := make(chan struct{})
	go func() {
		s.runningWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		logger.Warn().Msg("shutdown grace period elapsed with Runners still active")
	}
}

// defensiveManifest builds a JobManifest from the wire payload, filling in
// fixed defaults for any absent field. A field that was present on the
// wire with an explicit zero value — e.g. expected_duration_h: 0 — is
// honored as-is, not promoted to its default: the zero-duration boundary
// case (duration limit floors to 0s, immediate kill) depends on that
// distinction surviving past admission.
func defensiveManifest(wire apiclient.Manifest, jobID string) types.JobManifest {
	m := types.JobManifest{
		JobID:             jobID,
		SubjectID:         wire.SubjectID,
		GPUID:             wire.GPUID,
		GPUIndex:          wire.GPUIndex,
		DockerImage:       wire.DockerImage,
		DockerImageSHA256: wire.DockerImageSHA256,
		Command:           wire.Command,
		Env:               wire.Env,
		InputDataURL:      wire.InputDataURL,
		OutputBucket:      wire.OutputBucket,
		DeclaredFramework: wire.DeclaredFramework,
		VRAMAllocatedGB:   floatOrDefault(wire.VRAMAllocatedGB, defaultVRAMGB),
		RAMLimitGB:        floatOrDefault(wire.RAMLimitGB, defaultRAMGB),
		ExpectedDurationH: floatOrDefault(wire.ExpectedDurationH, defaultDuration),
		PowerCapWatts:     floatOrDefault(wire.PowerCapWatts, defaultPowerCap),
	}
	if m.DockerImage == "" {
		m.DockerImage = defaultImage
	}
	if len(m.Command) == 0 {
		m.Command = defaultCommand
	}
	return m
}

// floatOrDefault returns def when v is nil (the field was absent from the
// wire payload) and *v otherwise, including when *v is 0.
func floatOrDefault(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
