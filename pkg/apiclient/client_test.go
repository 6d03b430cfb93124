package apiclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/gpus/register", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "node-1", r.Header.Get("X-Node-Id"))

		var body RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "GPU-1", body.UUID)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "gpu-abc"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", "node-1")
	id, err := c.Register(t.Context(), RegisterRequest{UUID: "GPU-1", Name: "RTX"})
	require.NoError(t, err)
	assert.Equal(t, "gpu-abc", id)
}

func TestPollAssignments404IsEmptyNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", "node-1")
	jobs, err := c.PollAssignments(t.Context(), []string{"gpu-1"}, "node-1")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestPollAssignmentsReturnsJobs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gpu-1,gpu-2", r.URL.Query().Get("gpu_ids"))
		_ = json.NewEncoder(w).Encode(pollResponse{Jobs: []Manifest{{ID: "j1"}}})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", "node-1")
	jobs, err := c.PollAssignments(t.Context(), []string{"gpu-1", "gpu-2"}, "node-1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].ID)
}

func TestSendTelemetryKillDecision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(TelemetryDecision{KillJob: true, Action: "terminate"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", "node-1")
	decision, err := c.SendTelemetry(t.Context(), map[string]any{"job_id": "j1"})
	require.NoError(t, err)
	assert.True(t, decision.KillJob)
	assert.Equal(t, "terminate", decision.Action)
}

func TestReportCompletionUsesPatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "j1", body["id"])
		assert.Equal(t, "COMPLETE", body["status"])
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", "node-1")
	err := c.ReportCompletion(t.Context(), "j1", "COMPLETE", 0.01)
	require.NoError(t, err)
}

func TestHeartbeatSurfacesTransportError(t *testing.T) {
	c := New("http://127.0.0.1:0", "tok", "node-1")
	err := c.Heartbeat(t.Context(), "node-1", 2, []string{"gpu-1"}, time.Now())
	assert.Error(t, err) // transport failure is surfaced; caller decides to swallow it
}
