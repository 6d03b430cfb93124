package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/gp4u-agent/pkg/apiclient"
	"github.com/cuemby/gp4u-agent/pkg/runtime"
	"github.com/cuemby/gp4u-agent/pkg/types"
)

type fakeEngine struct {
	pullCalled bool
	pullErr    error
	runFunc    func(ctx context.Context, spec runtime.RunSpec) (int, []byte, error)
	killCalled bool
	killName   string
}

func (f *fakeEngine) PullImage(ctx context.Context, imageRef string) error {
	f.pullCalled = true
	return f.pullErr
}

func (f *fakeEngine) Run(ctx context.Context, spec runtime.RunSpec) (int, []byte, error) {
	return f.runFunc(ctx, spec)
}

func (f *fakeEngine) Kill(ctx context.Context, name string) error {
	f.killCalled = true
	f.killName = name
	return nil
}

type noKillSender struct{}

func (noKillSender) SendTelemetry(ctx context.Context, payload map[string]any) (apiclient.TelemetryDecision, error) {
	return apiclient.TelemetryDecision{}, nil
}

func validDigest() string {
	return "sha256:" + strings.Repeat("a", 64)
}

func baseManifest() types.JobManifest {
	return types.JobManifest{
		JobID:             "j1",
		DockerImage:       "alpine",
		DockerImageSHA256: validDigest(),
		Command:           []string{"sh", "-c", "exit 0"},
		ExpectedDurationH: 0.01,
		RAMLimitGB:        1,
	}
}

func TestRunHappyPath(t *testing.T) {
	engine := &fakeEngine{
		runFunc: func(ctx context.Context, spec runtime.RunSpec) (int, []byte, error) {
			return 0, []byte("ok"), nil
		},
	}
	r := New(baseManifest(), "node1", engine, noKillSender{})

	result := r.Run(context.Background())

	assert.True(t, engine.pullCalled)
	assert.Equal(t, types.StatusComplete, result.Status)
	assert.Equal(t, 0, result.ExitCode)
	assert.GreaterOrEqual(t, result.EnergyKWh, 0.0)
}

func TestRunBadDigestNeverPulls(t *testing.T) {
	manifest := baseManifest()
	manifest.DockerImageSHA256 = "sha256:zz"
	engine := &fakeEngine{
		runFunc: func(ctx context.Context, spec runtime.RunSpec) (int, []byte, error) {
			t.Fatal("Run must not be called on bad digest")
			return 0, nil, nil
		},
	}
	r := New(manifest, "node1", engine, noKillSender{})

	result := r.Run(context.Background())

	assert.False(t, engine.pullCalled)
	assert.Equal(t, types.StatusFailed, result.Status)
}

func TestRunDurationOverrunKillsAndReportsFixedBody(t *testing.T) {
	manifest := baseManifest()
	manifest.ExpectedDurationH = 0.001 // limit ceil(3.6*1.1) = 4s

	engine := &fakeEngine{
		runFunc: func(ctx context.Context, spec runtime.RunSpec) (int, []byte, error) {
			<-ctx.Done()
			return -1, nil, ctx.Err()
		},
	}
	r := New(manifest, "node1", engine, noKillSender{})

	start := time.Now()
	result := r.Run(context.Background())
	elapsed := time.Since(start)

	require.True(t, engine.killCalled)
	assert.Equal(t, "gp4u-j1", engine.killName)
	assert.Equal(t, -1, result.ExitCode)
	assert.Equal(t, "DURATION_LIMIT_EXCEEDED", string(result.Logs))
	assert.Equal(t, types.StatusFailed, result.Status)
	assert.Less(t, elapsed, 10*time.Second)
}

func TestDurationLimitFloorsAtZero(t *testing.T) {
	assert.Equal(t, time.Duration(0), durationLimit(0))
	assert.Equal(t, 4*time.Second, durationLimit(0.001))
}

func TestSanitizeEnvEntry(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantKV  string
		wantOK  bool
	}{
		{"simple", "FOO", "bar", "FOO=bar", true},
		{"strips control chars", "FOO", "bar\n\x00baz\r", "FOO=barbaz", true},
		{"space in key survives as stripped", "BAD KEY", "x", "BADKEY=x", true},
		{"empty key after stripping is dropped", "", "y", "", false},
		{"punctuation stripped from key", "a-b", "1", "ab=1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv, ok := sanitizeEnvEntry(tt.key, tt.value)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantKV, kv)
			}
		})
	}
}

func TestSanitizeEnvEntryTruncatesLongValue(t *testing.T) {
	long := strings.Repeat("x", 5000)
	kv, ok := sanitizeEnvEntry("K", long)
	require.True(t, ok)
	assert.Len(t, kv, len("K=")+4096)
}

func TestSanitizedEnvArgsScenario(t *testing.T) {
	env := map[string]string{
		"FOO":     "bar\n\x00baz",
		"BAD KEY": "x",
		"":        "y",
	}
	args := sanitizedEnvArgs(env)
	assert.Equal(t, []string{"BADKEY=x", "FOO=barbaz"}, args)
}
