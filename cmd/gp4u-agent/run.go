package main

import (
	"context"
	"net/http"
	_ "net/http/pprof" // optional profiling endpoints behind --enable-pprof
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/gp4u-agent/pkg/apiclient"
	"github.com/cuemby/gp4u-agent/pkg/config"
	"github.com/cuemby/gp4u-agent/pkg/log"
	"github.com/cuemby/gp4u-agent/pkg/metrics"
	"github.com/cuemby/gp4u-agent/pkg/runtime"
	"github.com/cuemby/gp4u-agent/pkg/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Register this host's GPUs and start serving jobs",
	Long: `run enumerates the local GPU inventory, registers each device with
the control plane, and then polls for assignments, executing each as a
hardened single-use container until interrupted.`,
	RunE: runAgent,
}

func init() {
	runCmd.Flags().String("api-url", "", "Control plane base URL (env GP4U_API_URL)")
	runCmd.Flags().String("token", "", "Provider bearer token (env GP4U_PROVIDER_TOKEN, required)")
	runCmd.Flags().String("region", "", "Provider region (env GP4U_REGION)")
	runCmd.Flags().Int("poll", 0, "Assignment poll interval in seconds")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the /metrics, /health, /ready, /live HTTP endpoints")
	runCmd.Flags().Bool("enable-pprof", false, "Expose net/http/pprof endpoints on the metrics server")
}

func runAgent(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("agent")

	cfg, err := config.Load(flagOverrides(cmd))
	if err != nil {
		logger.Error().Err(err).Msg("configuration error")
		return err
	}

	nodeID := uuid.NewString()

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")

	client := apiclient.New(cfg.APIURL, cfg.Token, nodeID)
	engine := runtime.NewDockerEngine()
	sup := supervisor.New(client, engine, cfg.PollInterval(), nodeID)

	metrics.SetVersion(Version)
	collector := metrics.NewCollector(sup)
	collector.Start()
	defer collector.Stop()

	go serveMetrics(metricsAddr, pprofEnabled)
	go watchReadiness(sup)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- sup.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received — draining active jobs")
		sup.Stop()
		if err := <-runErrCh; err != nil {
			return err
		}
	case err := <-runErrCh:
		if err != nil {
			logger.Error().Err(err).Msg("agent exited")
			return err
		}
	}

	cfg.NodeID = nodeID
	if err := config.Save(*cfg); err != nil {
		logger.Warn().Err(err).Msg("failed to persist config")
	}

	logger.Info().Msg("clean shutdown")
	return nil
}

// flagOverrides translates only the flags the user actually set into a
// config.Overrides — an unset flag must not shadow a config-file value
// with its own zero default.
func flagOverrides(cmd *cobra.Command) config.Overrides {
	var o config.Overrides

	if cmd.Flags().Changed("api-url") {
		o.APIURL, _ = cmd.Flags().GetString("api-url")
		o.APIURLSet = true
	}
	if cmd.Flags().Changed("token") {
		o.Token, _ = cmd.Flags().GetString("token")
		o.TokenSet = true
	}
	if cmd.Flags().Changed("region") {
		o.Region, _ = cmd.Flags().GetString("region")
		o.RegionSet = true
	}
	if cmd.Flags().Changed("poll") {
		o.PollSeconds, _ = cmd.Flags().GetInt("poll")
		o.PollSet = true
	}
	return o
}

func serveMetrics(addr string, pprofEnabled bool) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	if pprofEnabled {
		// net/http/pprof registers its handlers on http.DefaultServeMux as
		// a side effect of being imported; forward /debug/pprof/ to it.
		mux.Handle("/debug/pprof/", http.DefaultServeMux)
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	_ = server.ListenAndServe()
}

// watchReadiness sets the readiness gate (metrics.SetDevicesReady) once
// registration has produced at least one registered GPU, polling at a coarse interval
// rather than threading a callback through Supervisor.Run.
func watchReadiness(sup *supervisor.Supervisor) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if sup.RegisteredGPUCount() > 0 {
			metrics.SetDevicesReady(true, "")
			return
		}
	}
}
