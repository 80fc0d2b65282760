package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/core"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/llm"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/state"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, *core.Core, *llm.ScriptedReasoner) {
	t.Helper()

	script := llm.NewScriptedReasoner()
	c, err := core.New(core.Config{
		MemoryDir:     t.TempDir(),
		Reasoner:      script,
		MaxSessionAge: time.Minute,
		Logger:        discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Memory().Close() })

	s := NewServer(c, Options{Logger: discardLogger()})
	t.Cleanup(s.Close)
	return s, c, script
}

// doRequest serves one request against the router and returns the recorder.
func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestInjectEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/input", InjectRequest{
		Text:    "Can you tell me what time it is?",
		Speaker: "debug",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "queued", decodeBody(t, rec)["status"])
}

func TestInjectEndpointValidation(t *testing.T) {
	s, _, _ := newTestServer(t)

	t.Run("missing text", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/api/v1/input", map[string]any{"speaker": "debug"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown speaker", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/api/v1/input", InjectRequest{
			Text:    "Hello there.",
			Speaker: "nobody-registered",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("anonymous input accepted", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/api/v1/input", InjectRequest{
			Text: "Anonymous words.",
		})
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})
}

func TestInjectEndpointBacklog(t *testing.T) {
	script := llm.NewScriptedReasoner()
	c, err := core.New(core.Config{
		MemoryDir:     t.TempDir(),
		Reasoner:      script,
		MaxSessionAge: time.Minute,
		CaptureBuffer: 1,
		Logger:        discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Memory().Close() })
	s := NewServer(c, Options{Logger: discardLogger()})
	t.Cleanup(s.Close)

	first := doRequest(t, s, http.MethodPost, "/api/v1/input", InjectRequest{Text: "One."})
	require.Equal(t, http.StatusAccepted, first.Code)

	second := doRequest(t, s, http.MethodPost, "/api/v1/input", InjectRequest{Text: "Two."})
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestStatusEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "IDLE", body["state"])
	assert.Equal(t, false, body["running"])
	assert.Equal(t, float64(0), body["cycle_index"])
}

func TestSessionsEndpoint(t *testing.T) {
	s, c, _ := newTestServer(t)

	_, err := c.Sessions().CreateGeneralSession(nil)
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/sessions", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp SessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, 1, resp.ActiveCounts["general"])
}

func TestQueueEndpoint(t *testing.T) {
	s, c, _ := newTestServer(t)

	// Self-promotes to current with the queue idle.
	require.True(t, c.Queue().AddState(state.StateChat, "hello", "", nil))

	rec := doRequest(t, s, http.MethodGet, "/api/v1/queue", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp QueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "CHAT", resp.CurrentState)
	require.NotNil(t, resp.CurrentItem)
	assert.Equal(t, "hello", resp.CurrentItem.TriggerContent)
	assert.Equal(t, 0, resp.Depth)
}

func TestWakeOutsideSpecialStateConflicts(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/wake", nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSleepEndpoint(t *testing.T) {
	s, c, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/sleep", SleepRequest{Reason: "nap"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, state.StateSleep, c.States().Current())

	// A second request conflicts while the sleep is active.
	again := doRequest(t, s, http.MethodPost, "/api/v1/sleep", nil)
	assert.Equal(t, http.StatusConflict, again.Code)

	// Wake succeeds now.
	wake := doRequest(t, s, http.MethodPost, "/api/v1/wake", WakeRequest{Reason: "up"})
	assert.Equal(t, http.StatusOK, wake.Code)
}

func TestToolCallEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"memory_store_observation","arguments":{"memory_token":"mt-test","content":"likes green tea"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tools/call?path=chat", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, "2.0", resp["jsonrpc"])
	assert.NotNil(t, resp["result"])
	assert.Nil(t, resp["error"])
}

func TestToolCallEndpointWrongPath(t *testing.T) {
	s, _, _ := newTestServer(t)

	t.Run("missing path parameter", func(t *testing.T) {
		rec := doRequest(t, s, http.MethodPost, "/api/v1/tools/call", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("work tool on chat path", func(t *testing.T) {
		body := []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"start_workflow","arguments":{}}}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tools/call?path=chat", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)

		// Protocol errors ride inside the envelope.
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeBody(t, rec)
		require.NotNil(t, resp["error"])
	})
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	// Loop not started: degraded but serving.
	assert.Equal(t, healthStatusDegraded, resp.Status)
	assert.Equal(t, healthStatusHealthy, resp.Checks["memory"].Status)
	assert.Equal(t, healthStatusDegraded, resp.Checks["loop"].Status)
	assert.NotEmpty(t, resp.Version)
}

func TestVersionEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/version", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "uep", body["name"])
	assert.NotEmpty(t, body["version"])
}

func TestSecurityHeaders(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/status", nil)

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
