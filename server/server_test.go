package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivekit/hive/checkpoint"
	"github.com/hivekit/hive/model"
	"github.com/hivekit/hive/session"
	"github.com/hivekit/hive/tool"
)

func newTestServer(t *testing.T, cfg session.Config) *Server {
	t.Helper()
	if cfg.Checkpoints == nil {
		store, err := checkpoint.NewFileStore(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		cfg.Checkpoints = store
	}
	m, err := session.NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return New(m, WithKeepalive(20*time.Millisecond))
}

// workerConfig scripts a one-node worker that sets the "answer" key and a
// judge that always accepts.
func workerConfig() session.Config {
	return session.Config{
		Model: &model.MockModel{Turns: []model.MockTurn{
			{ToolCalls: []model.ToolCall{{ID: "t1", Name: tool.SetOutputName, Input: map[string]any{"key": "answer", "value": "42"}}}},
		}},
		QueenModel: &model.MockModel{Turns: []model.MockTurn{{Text: "Hi."}}},
		JudgeModel: &model.MockModel{Turns: []model.MockTurn{
			{Text: `{"action": "ACCEPT", "confidence": 0.95, "feedback": "done"}`},
		}},
	}
}

func writeAgentFile(t *testing.T) string {
	t.Helper()
	spec := `{
  "name": "echo",
  "graphs": [{
    "id": "main",
    "entry": "a",
    "nodes": [{"id": "a", "system_prompt": "Echo.", "output_keys": [{"key": "answer"}]}]
  }]
}`
	path := filepath.Join(t.TempDir(), "agent.json")
	require.NoError(t, os.WriteFile(path, []byte(spec), 0o644))
	return path
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_SessionLifecycle(t *testing.T) {
	srv := newTestServer(t, workerConfig())

	rec := doJSON(t, srv, http.MethodPost, "/api/sessions", map[string]any{"session_id": "s1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "s1", body["session_id"])
	assert.Equal(t, string(session.PhaseCreated), body["phase"])

	rec = doJSON(t, srv, http.MethodPost, "/api/sessions", map[string]any{"session_id": "s1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/sessions/s1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/api/sessions/s1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/sessions/s1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_WorkerLoadAndTrigger(t *testing.T) {
	srv := newTestServer(t, workerConfig())
	agentPath := writeAgentFile(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/sessions", map[string]any{"session_id": "s1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/sessions/s1/worker", map[string]any{"agent_path": agentPath})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "echo", decode(t, rec)["worker"])

	// A second load conflicts until the first worker is unloaded.
	rec = doJSON(t, srv, http.MethodPost, "/api/sessions/s1/worker", map[string]any{"agent_path": agentPath})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/sessions/s1/trigger", map[string]any{"entry_point_id": "main"})
	require.Equal(t, http.StatusOK, rec.Code)
	executionID, _ := decode(t, rec)["execution_id"].(string)
	require.NotEmpty(t, executionID)

	require.Eventually(t, func() bool {
		rec := doJSON(t, srv, http.MethodGet, "/api/sessions/s1", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var info struct {
			Executions []struct {
				ExecutionID string `json:"execution_id"`
				Status      string `json:"status"`
			} `json:"executions"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
			return false
		}
		for _, ex := range info.Executions {
			if ex.ExecutionID == executionID && ex.Status == "completed" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	rec = doJSON(t, srv, http.MethodGet, "/api/sessions/s1/graphs/main/nodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var topo struct {
		GraphID string `json:"graph_id"`
		Entry   string `json:"entry"`
		Nodes   []struct {
			ID     string `json:"id"`
			Type   string `json:"type"`
			Visits int    `json:"visits"`
		} `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &topo))
	assert.Equal(t, "main", topo.GraphID)
	assert.Equal(t, "a", topo.Entry)
	require.Len(t, topo.Nodes, 1)
	assert.Equal(t, "event_loop", topo.Nodes[0].Type)
	assert.Equal(t, 1, topo.Nodes[0].Visits)

	rec = doJSON(t, srv, http.MethodDelete, "/api/sessions/s1/worker", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, srv, http.MethodGet, "/api/sessions/s1/graphs/main/nodes", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_CreateSessionLoadsAgentPath(t *testing.T) {
	srv := newTestServer(t, workerConfig())

	rec := doJSON(t, srv, http.MethodPost, "/api/sessions", map[string]any{
		"session_id": "s1",
		"agent_path": writeAgentFile(t),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "echo", body["worker"])
	assert.Equal(t, string(session.PhaseWorkerLoaded), body["phase"])

	// A bad path still creates the session; the worker error is reported.
	rec = doJSON(t, srv, http.MethodPost, "/api/sessions", map[string]any{
		"session_id": "s2",
		"agent_path": "/nonexistent/agent.json",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, decode(t, rec)["worker_error"], "read agent spec")
}

func TestServer_TriggerWithoutWorker(t *testing.T) {
	srv := newTestServer(t, workerConfig())
	doJSON(t, srv, http.MethodPost, "/api/sessions", map[string]any{"session_id": "s1"})

	rec := doJSON(t, srv, http.MethodPost, "/api/sessions/s1/trigger", map[string]any{"entry_point_id": "main"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_ChatStatuses(t *testing.T) {
	srv := newTestServer(t, workerConfig())
	doJSON(t, srv, http.MethodPost, "/api/sessions", map[string]any{"session_id": "s1"})

	rec := doJSON(t, srv, http.MethodPost, "/api/sessions/s1/chat", map[string]any{"message": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, session.ChatQueen, decode(t, rec)["status"])

	// No queen and no worker leaves chat with nowhere to go.
	quiet := newTestServer(t, session.Config{})
	doJSON(t, quiet, http.MethodPost, "/api/sessions", map[string]any{"session_id": "s1"})
	rec = doJSON(t, quiet, http.MethodPost, "/api/sessions/s1/chat", map[string]any{"message": "anyone?"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_InjectWithoutBlockedNode(t *testing.T) {
	srv := newTestServer(t, workerConfig())
	doJSON(t, srv, http.MethodPost, "/api/sessions", map[string]any{"session_id": "s1"})

	rec := doJSON(t, srv, http.MethodPost, "/api/sessions/s1/inject", map[string]any{"node_id": "a", "content": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["delivered"])
}

func TestServer_ReplayRequiresCheckpointID(t *testing.T) {
	srv := newTestServer(t, workerConfig())
	doJSON(t, srv, http.MethodPost, "/api/sessions", map[string]any{"session_id": "s1"})

	rec := doJSON(t, srv, http.MethodPost, "/api/sessions/s1/replay", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Checkpoints(t *testing.T) {
	srv := newTestServer(t, workerConfig())
	doJSON(t, srv, http.MethodPost, "/api/sessions", map[string]any{"session_id": "s1"})

	rec := doJSON(t, srv, http.MethodGet, "/api/sessions/s1/checkpoints", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Checkpoints []checkpoint.Checkpoint `json:"checkpoints"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Checkpoints)
}

func TestServer_SSEStream(t *testing.T) {
	srv := newTestServer(t, workerConfig())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	doJSON(t, srv, http.MethodPost, "/api/sessions", map[string]any{
		"session_id": "s1",
		"agent_path": writeAgentFile(t),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/api/sessions/s1/events?types=execution_started,execution_completed", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rec := doJSON(t, srv, http.MethodPost, "/api/sessions/s1/trigger", map[string]any{"entry_point_id": "main"})
	require.Equal(t, http.StatusOK, rec.Code)

	var sawStarted, sawCompleted bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && !(sawStarted && sawCompleted) {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
		if e.Type == "execution_started" {
			sawStarted = true
		}
		if e.Type == "execution_completed" {
			sawCompleted = true
		}
	}
	assert.True(t, sawStarted, "execution_started should stream")
	assert.True(t, sawCompleted, "execution_completed should stream")
}
