/*
Package config resolves the provider agent's settings from the optional
config file, environment variables, and CLI flags, in that precedence
order: built-in defaults, then the config file, then environment
variables, then an explicit CLI flag.
*/
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultAPIURL is used when no file, env, or flag sets api_url.
	DefaultAPIURL = "https://gp4u.com"
	// DefaultRegion is used when no file, env, or flag sets region.
	DefaultRegion = "us-east-1"
	// DefaultPollSeconds is used when no file, env, or flag sets poll.
	DefaultPollSeconds = 15
)

// ErrMissingToken is returned by Load when no token was supplied by any
// source. Callers should treat this as fatal and exit non-zero.
var ErrMissingToken = errors.New("provider token is required (--token, GP4U_PROVIDER_TOKEN, or config file)")

// Config is the agent's resolved runtime configuration.
type Config struct {
	APIURL      string `json:"api_url" yaml:"api_url"`
	Token       string `json:"provider_token" yaml:"provider_token"`
	Region      string `json:"region" yaml:"region"`
	PollSeconds int    `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	NodeID      string `json:"node_id,omitempty" yaml:"node_id,omitempty"`
}

// PollInterval returns PollSeconds as a time.Duration. The original leaves
// a zero or negative --poll unvalidated and passes it straight through
// (spec Open Questions) — this does too.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

// Overrides carries CLI-flag values alongside whether the user actually
// set them — cobra's Changed() distinguishes "default" from "explicit",
// which is what lets a flag win over a config file value without a flag
// default silently stomping a file-provided one.
type Overrides struct {
	APIURL      string
	APIURLSet   bool
	Token       string
	TokenSet    bool
	Region      string
	RegionSet   bool
	PollSeconds int
	PollSet     bool
}

// Load resolves a Config from, in increasing precedence:
// built-in defaults, $HOME/.gp4u/provider.json (or provider.yaml),
// GP4U_API_URL/GP4U_PROVIDER_TOKEN/GP4U_REGION, then explicit CLI flags.
// It returns ErrMissingToken if no source supplied a token.
func Load(overrides Overrides) (*Config, error) {
	cfg := Config{
		APIURL:      DefaultAPIURL,
		Region:      DefaultRegion,
		PollSeconds: DefaultPollSeconds,
	}

	if fileCfg, err := loadFile(); err == nil {
		mergeNonZero(&cfg, fileCfg)
	}

	if v := os.Getenv("GP4U_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("GP4U_PROVIDER_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("GP4U_REGION"); v != "" {
		cfg.Region = v
	}

	if overrides.APIURLSet {
		cfg.APIURL = overrides.APIURL
	}
	if overrides.TokenSet {
		cfg.Token = overrides.Token
	}
	if overrides.RegionSet {
		cfg.Region = overrides.Region
	}
	if overrides.PollSet {
		cfg.PollSeconds = overrides.PollSeconds
	}

	if cfg.Token == "" {
		return nil, ErrMissingToken
	}
	return &cfg, nil
}

// Dir returns $HOME/.gp4u, creating it (mode 0700) if absent.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".gp4u")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	return dir, nil
}

func jsonPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "provider.json"), nil
}

func yamlPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "provider.yaml"), nil
}

// loadFile reads provider.json if present, else provider.yaml. A missing
// file is not an error — callers fall back to defaults/env/flags.
func loadFile() (Config, error) {
	var cfg Config

	jp, err := jsonPath()
	if err != nil {
		return cfg, err
	}
	if data, err := os.ReadFile(jp); err == nil {
		if jsonErr := json.Unmarshal(data, &cfg); jsonErr == nil {
			return cfg, nil
		}
		return cfg, fmt.Errorf("parse %s: %w", jp, jsonErr)
	}

	yp, err := yamlPath()
	if err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(yp)
	if err != nil {
		return cfg, err
	}
	if yamlErr := yaml.Unmarshal(data, &cfg); yamlErr != nil {
		return cfg, fmt.Errorf("parse %s: %w", yp, yamlErr)
	}
	return cfg, nil
}

// mergeNonZero copies every non-zero field of src into dst, leaving dst's
// built-in defaults in place for anything the file didn't set. Unknown
// keys in the file are silently ignored by encoding/json and yaml.v3
// already; we don't additionally validate the schema (spec Open Question:
// the original's load_config/save_config never validates either).
func mergeNonZero(dst *Config, src Config) {
	if src.APIURL != "" {
		dst.APIURL = src.APIURL
	}
	if src.Token != "" {
		dst.Token = src.Token
	}
	if src.Region != "" {
		dst.Region = src.Region
	}
	if src.PollSeconds != 0 {
		dst.PollSeconds = src.PollSeconds
	}
	if src.NodeID != "" {
		dst.NodeID = src.NodeID
	}
}

// Save persists api_url, region, and node_id to provider.json so a
// restart reuses the same api_url and region; cmd/gp4u-agent mints a fresh
// node ID on every run rather than reusing the saved one (original
// agent.py's save_config, supplemented per SPEC_FULL.md §4 — the token itself is
// never written back to disk here; it is expected to keep coming from
// the environment or an explicit flag on each run).
func Save(cfg Config) error {
	path, err := jsonPath()
	if err != nil {
		return err
	}
	persisted := Config{
		APIURL: cfg.APIURL,
		Region: cfg.Region,
		NodeID: cfg.NodeID,
	}
	data, err := json.MarshalIndent(persisted, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
