/*
Package apiclient is a thin typed wrapper over the control plane's HTTP/JSON
endpoints. It owns authentication and per-call timeouts; it never retries —
callers are periodic loops (the Supervisor's poll tick, a Runner's
watchdog tick) and retry by virtue of running again.
*/
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	registerTimeout = 10 * time.Second
	pollTimeout     = 10 * time.Second
	acceptTimeout   = 5 * time.Second
	telemetryTimeout = 5 * time.Second
	completeTimeout = 10 * time.Second
	heartbeatTimeout = 5 * time.Second
)

// Client is a bearer-token-authenticated client for the GP4U control plane.
type Client struct {
	baseURL string
	token   string
	nodeID  string
	http    *http.Client
}

// New creates a Client. nodeID is the process-unique X-Node-Id sent on
// every request.
func New(baseURL, token, nodeID string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		nodeID:  nodeID,
		http:    &http.Client{},
	}
}

// RegisterRequest is the body of POST /api/gpus/register.
type RegisterRequest struct {
	UUID           string `json:"uuid"`
	Name           string `json:"name"`
	VRAMGB         float64 `json:"vram_gb"`
	Driver         string `json:"driver"`
	CUDA           string `json:"cuda"`
	Region         string `json:"region"`
	ProviderToken  string `json:"provider_token"`
}

type registerResponse struct {
	ID    string `json:"id"`
	GPUID string `json:"gpu_id"`
}

// Register registers one device descriptor with the control plane and
// returns its assigned GPU ID.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	var resp registerResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/gpus/register", req, &resp); err != nil {
		return "", err
	}
	if resp.ID != "" {
		return resp.ID, nil
	}
	if resp.GPUID != "" {
		return resp.GPUID, nil
	}
	return "", fmt.Errorf("register response missing id/gpu_id")
}

// Manifest is the wire shape of one assigned job, as returned by
// GET /api/jobs/assigned. Defensive defaults are applied by the caller
// (pkg/supervisor), not here — this struct mirrors the wire payload as-is.
//
// The four numeric allocation fields are pointers so decoding can tell an
// absent field (nil, default applies) apart from a present field whose
// value is the zero value (0, honored as-is) — mirroring the original
// agent's raw.get("key", default) lookups, which only substitute a default
// when the key itself is missing.
type Manifest struct {
	ID                string            `json:"id"`
	JobID             string            `json:"job_id"`
	SubjectID         string            `json:"subject_id"`
	GPUID             string            `json:"gpu_id"`
	GPUIndex          int               `json:"gpu_index"`
	DockerImage       string            `json:"docker_image"`
	DockerImageSHA256 string            `json:"docker_image_sha256"`
	Command           []string          `json:"command"`
	Env               map[string]string `json:"env"`
	InputDataURL      string            `json:"input_data_url"`
	OutputBucket      string            `json:"output_bucket"`
	DeclaredFramework string            `json:"declared_framework"`
	VRAMAllocatedGB   *float64          `json:"vram_allocated_gb"`
	RAMLimitGB        *float64          `json:"ram_limit_gb"`
	ExpectedDurationH *float64          `json:"expected_duration_h"`
	PowerCapWatts     *float64          `json:"power_cap_watts"`
}

type pollResponse struct {
	Jobs []Manifest `json:"jobs"`
}

// PollAssignments polls for job assignments for the given registered GPU
// IDs. A 404 response means "no work" and is reported as an empty slice,
// not an error.
func (c *Client) PollAssignments(ctx context.Context, gpuIDs []string, nodeID string) ([]Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("gpu_ids", strings.Join(gpuIDs, ","))
	q.Set("node_id", nodeID)

	req, err := c.newRequest(ctx, http.MethodGet, "/api/jobs/assigned?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("poll returned %d: %s", resp.StatusCode, body)
	}

	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return out.Jobs, nil
}

// Ack acknowledges admission of a job to the control plane.
func (c *Client) Ack(ctx context.Context, jobID, nodeID string) error {
	ctx, cancel := context.WithTimeout(ctx, acceptTimeout)
	defer cancel()

	body := map[string]string{"node_id": nodeID}
	return c.doJSON(ctx, http.MethodPost, "/api/jobs/"+jobID+"/accept", body, nil)
}

// TelemetryDecision is the sum-typed result of a telemetry submission: the
// only field callers need is KillJob, but Action/Anomalies are carried
// through for logging.
type TelemetryDecision struct {
	KillJob   bool     `json:"kill_job"`
	Action    string   `json:"action"`
	Anomalies []string `json:"anomalies"`
	OK        bool     `json:"ok"`
}

// SendTelemetry submits one Russian-Doll telemetry sample and returns the
// control plane's kill decision. On any transport error it returns a
// zero-value (non-kill) decision alongside the error — callers treat
// telemetry errors as non-fatal per spec.
func (c *Client) SendTelemetry(ctx context.Context, payload map[string]any) (TelemetryDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, telemetryTimeout)
	defer cancel()

	var decision TelemetryDecision
	err := c.doJSON(ctx, http.MethodPost, "/api/telemetry/russian-doll", payload, &decision)
	return decision, err
}

// ReportCompletion reports a job's terminal status and energy usage. It is
// best-effort — the caller logs failure and does not retry.
func (c *Client) ReportCompletion(ctx context.Context, jobID string, status string, energyKWh float64) error {
	ctx, cancel := context.WithTimeout(ctx, completeTimeout)
	defer cancel()

	body := map[string]any{
		"id":         jobID,
		"status":     status,
		"energy_kwh": energyKWh,
	}
	return c.doJSONMethod(ctx, http.MethodPatch, "/api/jobs", body, nil)
}

// Heartbeat reports liveness. Failures are swallowed by the caller.
func (c *Client) Heartbeat(ctx context.Context, nodeID string, activeCount int, gpuIDs []string, timestamp time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()

	body := map[string]any{
		"node_id":     nodeID,
		"active_jobs": activeCount,
		"gpu_ids":     gpuIDs,
		"timestamp":   timestamp.UTC().Format("2006-01-02T15:04:05Z"),
	}
	return c.doJSON(ctx, http.MethodPost, "/api/nodes/heartbeat", body, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	return c.doJSONMethod(ctx, method, path, body, out)
}

func (c *Client) doJSONMethod(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Node-Id", c.nodeID)
	return req, nil
}
