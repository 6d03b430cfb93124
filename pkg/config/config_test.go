package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenNoSources(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GP4U_API_URL", "")
	t.Setenv("GP4U_PROVIDER_TOKEN", "")
	t.Setenv("GP4U_REGION", "")

	cfg, err := Load(Overrides{TokenSet: true, Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIURL, cfg.APIURL)
	assert.Equal(t, DefaultRegion, cfg.Region)
	assert.Equal(t, DefaultPollSeconds, cfg.PollSeconds)
	assert.Equal(t, "tok", cfg.Token)
}

func TestLoadMissingTokenIsError(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GP4U_PROVIDER_TOKEN", "")

	_, err := Load(Overrides{})
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestLoadPrecedenceFlagBeatsEnvBeatsFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".gp4u")
	require.NoError(t, os.MkdirAll(dir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "provider.json"),
		[]byte(`{"api_url":"https://from-file.example","region":"eu-west-1","provider_token":"file-token"}`), 0600))

	t.Setenv("GP4U_API_URL", "")
	t.Setenv("GP4U_REGION", "from-env")
	t.Setenv("GP4U_PROVIDER_TOKEN", "")

	cfg, err := Load(Overrides{RegionSet: false})
	require.NoError(t, err)
	assert.Equal(t, "https://from-file.example", cfg.APIURL, "file value survives when env/flag are unset")
	assert.Equal(t, "from-env", cfg.Region, "env overrides file")
	assert.Equal(t, "file-token", cfg.Token)

	cfg2, err := Load(Overrides{APIURLSet: true, APIURL: "https://from-flag.example"})
	require.NoError(t, err)
	assert.Equal(t, "https://from-flag.example", cfg2.APIURL, "explicit flag overrides everything")
}

func TestSaveRoundTrips(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	err := Save(Config{APIURL: "https://gp4u.com", Region: "us-east-1", NodeID: "node-123"})
	require.NoError(t, err)

	cfg, err := Load(Overrides{TokenSet: true, Token: "x"})
	require.NoError(t, err)
	assert.Equal(t, "https://gp4u.com", cfg.APIURL)
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, "node-123", cfg.NodeID)
}

func TestPollIntervalConversion(t *testing.T) {
	cfg := Config{PollSeconds: 15}
	assert.Equal(t, "15s", cfg.PollInterval().String())
}
