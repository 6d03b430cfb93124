/*
Package watchdog runs the periodic per-Runner loop that fuses telemetry
reporting with the remote kill channel: every tick it builds a sample,
POSTs it, and if the control plane answers kill_job=true it kills the
container immediately. A missed or failed telemetry POST never kills the
job — only an explicit kill_job response does.
*/
package watchdog

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/gp4u-agent/pkg/apiclient"
	"github.com/cuemby/gp4u-agent/pkg/log"
	"github.com/cuemby/gp4u-agent/pkg/metrics"
	"github.com/cuemby/gp4u-agent/pkg/telemetry"
)

// TickPeriod is the fixed watchdog cadence. It is coupled to the energy
// integration in pkg/telemetry (SampleIntervalSeconds) — changing one
// without the other desynchronizes energy accounting; left coupled
// deliberately rather than decoupled and parameterized.
const TickPeriod = 10 * time.Second

// KillTimeout bounds the docker-kill subprocess issued on a kill decision.
const KillTimeout = 5 * time.Second

// TelemetrySender submits one telemetry sample and returns the control
// plane's kill decision.
type TelemetrySender interface {
	SendTelemetry(ctx context.Context, payload map[string]any) (apiclient.TelemetryDecision, error)
}

// ContainerKiller terminates a running container by name.
type ContainerKiller interface {
	Kill(ctx context.Context, name string) error
}

// Watchdog is the background loop owned by exactly one Runner.
type Watchdog struct {
	collector     *telemetry.Collector
	sender        TelemetrySender
	killer        ContainerKiller
	containerName string

	killRequested atomic.Bool
	done          chan struct{}
}

// New constructs a Watchdog. It does not start the loop — call Start.
func New(collector *telemetry.Collector, sender TelemetrySender, killer ContainerKiller, containerName string) *Watchdog {
	return &Watchdog{
		collector:     collector,
		sender:        sender,
		killer:        killer,
		containerName: containerName,
		done:          make(chan struct{}),
	}
}

// Start runs the tick loop in a new goroutine. Must be called before the
// container is launched so no sample is missed from the first second.
func (w *Watchdog) Start(ctx context.Context) {
	go w.loop(ctx)
}

// KillRequested reports whether a kill has been issued. Monotonic: once
// true, it is never reported false again.
func (w *Watchdog) KillRequested() bool {
	return w.killRequested.Load()
}

// Stop sets the kill-requested flag (the Runner's main path uses this to
// signal "job finished on its own", not a remote kill) and waits up to
// grace for the loop goroutine to exit.
func (w *Watchdog) Stop(grace time.Duration) {
	w.killRequested.Store(true)
	select {
	case <-w.done:
	case <-time.After(grace):
		log.WithComponent("watchdog").Warn().Msg("watchdog did not exit within grace period")
	}
}

func (w *Watchdog) loop(ctx context.Context) {
	defer close(w.done)
	logger := log.WithComponent("watchdog")

	// First sample fires immediately — the container has not started yet,
	// but by the time it does the watchdog is already ticking (spec
	// requires the watchdog running before launch so no sample is missed).
	if w.tick(ctx, &logger) {
		return
	}

	ticker := time.NewTicker(TickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.KillRequested() {
				return
			}
			if w.tick(ctx, &logger) {
				return
			}
		}
	}
}

// tick submits one telemetry sample and acts on the response. It returns
// true if a kill was issued and the loop should stop.
func (w *Watchdog) tick(ctx context.Context, logger *zerolog.Logger) bool {
	sample := w.collector.Sample()

	decision, err := w.sender.SendTelemetry(ctx, sample)
	if err != nil {
		logger.Error().Err(err).Msg("telemetry POST failed — will retry next tick")
		return false
	}
	if !decision.KillJob {
		return false
	}

	logger.Warn().
		Str("action", decision.Action).
		Strs("anomalies", decision.Anomalies).
		Msg("kill signal received — terminating container")

	killCtx, cancel := context.WithTimeout(ctx, KillTimeout)
	defer cancel()
	if err := w.killer.Kill(killCtx, w.containerName); err != nil {
		logger.Error().Err(err).Msg("failed to kill container")
	}
	metrics.WatchdogKillsTotal.WithLabelValues("remote_kill").Inc()

	w.killRequested.Store(true)
	return true
}
