package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// PullTimeout bounds how long an image pull may take before it is
// considered a fatal failure for the job.
const PullTimeout = 600 * time.Second

// KillTimeout bounds the docker kill subprocess itself, independent of
// however long the container has been running.
const KillTimeout = 5 * time.Second

// Mounts describes the two bind mounts every job container gets: the
// staging input directory (read-only) and the output directory
// (read-write). Kept as opencontainers/runtime-spec Mount values — the
// typed shape the security envelope is built from before being lowered to
// --volume flags.
type Mounts struct {
	Input  specs.Mount
	Output specs.Mount
}

// NewMounts builds the standard /input (ro) and /output (rw) mount pair for
// a job's staging directories.
func NewMounts(inputDir, outputDir string) Mounts {
	return Mounts{
		Input: specs.Mount{
			Source:      inputDir,
			Destination: "/input",
			Options:     []string{"ro"},
		},
		Output: specs.Mount{
			Source:      outputDir,
			Destination: "/output",
			Options:     []string{"rw"},
		},
	}
}

// RunSpec is the fully-resolved security envelope for one job container.
// Every field maps to an exact, ordered flag in the docker invocation —
// see Engine.Run.
type RunSpec struct {
	Name        string   // gp4u-<job12>
	GPUIndex    int      // local GPU index, restricts --gpus device=N
	MemoryBytes int64    // --memory and --memory-swap (swap disabled)
	PIDsLimit   int      // --pids-limit
	Mounts      Mounts
	EnvArgs     []string // pre-sanitized KEY=VALUE pairs, one per --env
	ImageRef    string   // digest-pinned: <image>@sha256:<hex>
	Command     []string // manifest argv, appended last
}

// Engine is the capability seam for the container runtime: production binds
// dockerEngine, tests inject a fake so Runner/Watchdog logic can be
// exercised without a real docker daemon.
type Engine interface {
	// PullImage pulls the digest-pinned image reference.
	PullImage(ctx context.Context, imageRef string) error
	// Run launches a container synchronously and blocks until it exits or
	// ctx is done. It returns the exit code and the combined stdout+stderr
	// output; trimming to a tail is left to the caller.
	Run(ctx context.Context, spec RunSpec) (exitCode int, logs []byte, err error)
	// Kill terminates a running container by name.
	Kill(ctx context.Context, name string) error
}

// dockerEngine shells out to the docker CLI. This is the production
// binding: the container engine is specified only by its invocation
// contract (spec §4.3/§6), so there is no Go client library to wrap here.
type dockerEngine struct{}

// NewDockerEngine returns the production Engine backed by the docker CLI.
func NewDockerEngine() Engine {
	return &dockerEngine{}
}

func (d *dockerEngine) PullImage(ctx context.Context, imageRef string) error {
	ctx, cancel := context.WithTimeout(ctx, PullTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "pull", imageRef)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker pull %s: %w: %s", imageRef, err, truncate(stderr.Bytes(), 300))
	}
	return nil
}

func (d *dockerEngine) Run(ctx context.Context, spec RunSpec) (int, []byte, error) {
	cmd := exec.CommandContext(ctx, "docker", buildRunArgs(spec)...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err == nil {
		return 0, out.Bytes(), nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), out.Bytes(), nil
	}
	// Includes context.DeadlineExceeded: the caller (Runner) is responsible
	// for the explicit docker kill and DURATION_LIMIT_EXCEEDED reporting —
	// killing the docker-run CLI process does not stop the container.
	return -1, out.Bytes(), err
}

func (d *dockerEngine) Kill(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, KillTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "kill", name)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker kill %s: %w: %s", name, err, truncate(stderr.Bytes(), 300))
	}
	return nil
}

// buildRunArgs assembles the docker run invocation in the exact, bit-exact
// order the security envelope requires.
func buildRunArgs(spec RunSpec) []string {
	args := []string{
		"run",
		"--rm",
		"--name", spec.Name,
		"--gpus", "device=" + strconv.Itoa(spec.GPUIndex),
		"--memory", strconv.FormatInt(spec.MemoryBytes, 10),
		"--memory-swap", strconv.FormatInt(spec.MemoryBytes, 10),
		"--pids-limit", strconv.Itoa(spec.PIDsLimit),
		"--network", "bridge",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--read-only",
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=1g",
		"--volume", spec.Mounts.Input.Source + ":/input:ro",
		"--volume", spec.Mounts.Output.Source + ":/output:rw",
	}

	for _, kv := range spec.EnvArgs {
		args = append(args, "--env", kv)
	}

	args = append(args, spec.ImageRef)
	args = append(args, spec.Command...)
	return args
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
