/*
Package runner owns one job's container lifecycle end to end: digest
verification, workdir scaffolding, input staging, watchdog supervision,
the synchronous container invocation, and the terminal Result. Exactly
one Runner exists per active job; the Supervisor owns the map.
*/
package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/gp4u-agent/pkg/log"
	"github.com/cuemby/gp4u-agent/pkg/metrics"
	"github.com/cuemby/gp4u-agent/pkg/runtime"
	"github.com/cuemby/gp4u-agent/pkg/telemetry"
	"github.com/cuemby/gp4u-agent/pkg/types"
	"github.com/cuemby/gp4u-agent/pkg/watchdog"
)

// pidsLimit is fixed by the security envelope; it is never derived from
// the manifest.
const pidsLimit = 512

var digestPattern = regexp.MustCompile(`(?i)^sha256:[0-9a-f]{64}$`)

// InputStager fetches and extracts a job's input archive into destDir.
// Failure is always non-fatal to the Runner — see Run.
type InputStager interface {
	Stage(ctx context.Context, inputDataURL, destDir string) error
}

// NullInputStager performs no staging; the job runs with an empty input
// directory. The default when no input_data_url is present.
type NullInputStager struct{}

func (NullInputStager) Stage(context.Context, string, string) error { return nil }

// OutputUploader ships the output directory's contents to the manifest's
// output bucket. Upload is a no-op in the source system this was derived
// from — the interface exists so a real binding can be dropped in later.
type OutputUploader interface {
	Upload(ctx context.Context, bucket, outputDir string) error
}

// NullOutputUploader never uploads anything and never fails.
type NullOutputUploader struct{}

func (NullOutputUploader) Upload(context.Context, string, string) error { return nil }

// Runner executes exactly one job and returns its terminal Result. It is
// single-use: call Run once.
type Runner struct {
	Manifest types.JobManifest
	NodeID   string

	Engine         runtime.Engine
	Sender         watchdog.TelemetrySender
	InputStager    InputStager
	OutputUploader OutputUploader

	logger zerolog.Logger
}

// New constructs a Runner with null-object staging/upload collaborators;
// callers override InputStager/OutputUploader when a real binding exists.
func New(manifest types.JobManifest, nodeID string, engine runtime.Engine, sender watchdog.TelemetrySender) *Runner {
	return &Runner{
		Manifest:       manifest,
		NodeID:         nodeID,
		Engine:         engine,
		Sender:         sender,
		InputStager:    NullInputStager{},
		OutputUploader: NullOutputUploader{},
		logger:         log.WithComponent("runner").With().Str("job_id", manifest.JobID).Logger(),
	}
}

// Run drives the full phase ordering from §4.3 and always returns a
// terminal Result — it never returns an error; every failure is folded
// into a FAILED Result so the Supervisor has one uniform completion path.
func (r *Runner) Run(ctx context.Context) types.Result {
	imageRef, err := r.verifyImage(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("image verification failed")
		return r.failed(-1, []byte(err.Error()), 0)
	}

	workdir, inputDir, outputDir, err := scaffoldWorkdir()
	if err != nil {
		r.logger.Error().Err(err).Msg("workdir scaffolding failed")
		return r.failed(-1, []byte(err.Error()), 0)
	}
	defer os.RemoveAll(workdir)

	if r.Manifest.InputDataURL != "" {
		if err := r.InputStager.Stage(ctx, r.Manifest.InputDataURL, inputDir); err != nil {
			r.logger.Warn().Err(err).Msg("input staging failed — continuing with empty input")
		}
	}

	collector := telemetry.NewCollector(
		r.Manifest.JobID, r.NodeID, r.Manifest.GPUID, r.Manifest.GPUIndex,
		r.Manifest.SubjectID, r.Manifest.DeclaredFramework,
		r.Manifest.VRAMAllocatedGB, r.Manifest.PowerCapWatts,
	)

	containerName := r.Manifest.ContainerName()
	wd := watchdog.New(collector, r.Sender, r.Engine, containerName)
	wd.Start(ctx)

	exitCode, logs, timedOut := r.launch(ctx, imageRef, inputDir, outputDir)

	wd.Stop(5 * time.Second)

	if exitCode == 0 && !timedOut {
		if err := r.OutputUploader.Upload(ctx, r.Manifest.OutputBucket, outputDir); err != nil {
			r.logger.Warn().Err(err).Msg("output upload failed")
		}
	}

	return r.result(exitCode, logs, collector.EnergyKWh())
}

// verifyImage validates the manifest digest and pulls the pinned image.
// Any failure here is fatal and pre-empts all container/filesystem state.
func (r *Runner) verifyImage(ctx context.Context) (string, error) {
	digest := strings.TrimSpace(r.Manifest.DockerImageSHA256)
	if !digestPattern.MatchString(digest) {
		return "", fmt.Errorf("malformed image digest %q", r.Manifest.DockerImageSHA256)
	}
	imageRef := r.Manifest.DockerImage + "@" + strings.ToLower(digest)

	if err := r.Engine.PullImage(ctx, imageRef); err != nil {
		return "", fmt.Errorf("pull %s: %w", imageRef, err)
	}
	return imageRef, nil
}

// launch runs the container synchronously under the duration-limit
// timeout. It returns the exit code, log tail, and whether the limit was
// hit — a timeout kill always reports exit code -1 and a fixed body.
func (r *Runner) launch(ctx context.Context, imageRef, inputDir, outputDir string) (int, []byte, bool) {
	spec := runtime.RunSpec{
		Name:        r.Manifest.ContainerName(),
		GPUIndex:    r.Manifest.GPUIndex,
		MemoryBytes: int64(r.Manifest.RAMLimitGB * (1 << 30)),
		PIDsLimit:   pidsLimit,
		Mounts:      runtime.NewMounts(inputDir, outputDir),
		EnvArgs:     sanitizedEnvArgs(r.Manifest.Env),
		ImageRef:    imageRef,
		Command:     r.Manifest.Command,
	}

	limit := durationLimit(r.Manifest.ExpectedDurationH)
	runCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	exitCode, logs, err := r.Engine.Run(runCtx, spec)
	if err == nil {
		return exitCode, tailBytes(logs, 5000), false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		killCtx, killCancel := context.WithTimeout(context.Background(), runtime.KillTimeout)
		defer killCancel()
		if killErr := r.Engine.Kill(killCtx, spec.Name); killErr != nil {
			r.logger.Error().Err(killErr).Msg("failed to kill container after duration overrun")
		}
		metrics.WatchdogKillsTotal.WithLabelValues("duration_overrun").Inc()
		return -1, []byte("DURATION_LIMIT_EXCEEDED"), true
	}

	r.logger.Error().Err(err).Msg("container run failed")
	return -1, tailBytes(logs, 5000), false
}

func (r *Runner) result(exitCode int, logs []byte, energyKWh float64) types.Result {
	status := types.StatusComplete
	if exitCode != 0 {
		status = types.StatusFailed
	}
	return types.Result{
		JobID:     r.Manifest.JobID,
		Status:    status,
		ExitCode:  exitCode,
		EnergyKWh: energyKWh,
		Logs:      logs,
	}
}

func (r *Runner) failed(exitCode int, logs []byte, energyKWh float64) types.Result {
	return types.Result{
		JobID:     r.Manifest.JobID,
		Status:    types.StatusFailed,
		ExitCode:  exitCode,
		EnergyKWh: energyKWh,
		Logs:      logs,
	}
}

// scaffoldWorkdir creates the owner-only run directory and its input/
// output subdirectories, all mode 0700.
func scaffoldWorkdir() (workdir, inputDir, outputDir string, err error) {
	workdir, err = os.MkdirTemp("", "gp4u-job-*")
	if err != nil {
		return "", "", "", fmt.Errorf("create workdir: %w", err)
	}
	if err := os.Chmod(workdir, 0700); err != nil {
		return "", "", "", fmt.Errorf("chmod workdir: %w", err)
	}

	inputDir = filepath.Join(workdir, "input")
	outputDir = filepath.Join(workdir, "output")
	if err := os.Mkdir(inputDir, 0700); err != nil {
		return "", "", "", fmt.Errorf("create input dir: %w", err)
	}
	if err := os.Mkdir(outputDir, 0700); err != nil {
		return "", "", "", fmt.Errorf("create output dir: %w", err)
	}
	return workdir, inputDir, outputDir, nil
}

// durationLimit converts the manifest's expected duration in hours to the
// hard timeout: ceil(hours * 3600 * 1.1) seconds.
func durationLimit(expectedHours float64) time.Duration {
	seconds := math.Ceil(expectedHours * 3600 * 1.1)
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds) * time.Second
}

var envKeyFilter = regexp.MustCompile(`[^A-Za-z0-9_]`)

// sanitizeEnvEntry sanitizes one manifest env entry into a KEY=VALUE
// string. ok is false when the key sanitizes to empty, meaning the entry
// is dropped entirely.
func sanitizeEnvEntry(key, value string) (kv string, ok bool) {
	sanitizedKey := envKeyFilter.ReplaceAllString(key, "")
	if sanitizedKey == "" {
		return "", false
	}

	replacer := strings.NewReplacer("\x00", "", "\n", "", "\r", "")
	sanitizedValue := replacer.Replace(value)
	if len(sanitizedValue) > 4096 {
		sanitizedValue = sanitizedValue[:4096]
	}

	return sanitizedKey + "=" + sanitizedValue, true
}

// sanitizedEnvArgs sanitizes every manifest env entry and returns them in
// a deterministic (sorted by original key) order.
func sanitizedEnvArgs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys))
	for _, k := range keys {
		if kv, ok := sanitizeEnvEntry(k, env[k]); ok {
			args = append(args, kv)
		}
	}
	return args
}

func tailBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
