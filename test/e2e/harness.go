// Package e2e boots a complete orchestrator instance and drives it
// through the public surface only: injected input, the control API, and
// the event stream.
package e2e

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/api"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/core"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/llm"
)

// TestApp is a running orchestrator with its loop, API server, and an
// event recorder attached.
type TestApp struct {
	Core   *core.Core
	Script *llm.ScriptedReasoner
	Events *EventRecorder
	Server *api.Server

	// Runtime
	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/ws"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	script        *llm.ScriptedReasoner
	maxSessionAge time.Duration
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithScript sets a pre-scripted reasoner.
func WithScript(script *llm.ScriptedReasoner) TestAppOption {
	return func(c *testAppConfig) { c.script = script }
}

// WithMaxSessionAge sets the inactivity limit for the session sweeper.
func WithMaxSessionAge(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.maxSessionAge = d }
}

// NewTestApp creates and starts a full orchestrator test instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		maxSessionAge: time.Minute,
	}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.script == nil {
		tc.script = llm.NewScriptedReasoner()
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c, err := core.New(core.Config{
		MemoryDir:     t.TempDir(),
		Reasoner:      tc.script,
		MaxSessionAge: tc.maxSessionAge,
		Logger:        logger,
	})
	require.NoError(t, err)

	// Subscribe before Start so no event is missed.
	recorder := NewEventRecorder(c.Bus())

	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		// Stop closes the reasoner and the memory store; a test that
		// already stopped the core leaves the store to close here.
		if err := c.Stop(); errors.Is(err, core.ErrNotRunning) {
			_ = c.Memory().Close()
		}
	})

	server := api.NewServer(c, api.Options{Logger: logger})
	t.Cleanup(server.Close)

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	return &TestApp{
		Core:    c,
		Script:  tc.script,
		Events:  recorder,
		Server:  server,
		BaseURL: httpServer.URL,
		WSURL:   "ws" + httpServer.URL[len("http"):] + "/ws",
		t:       t,
	}
}

// Inject feeds one utterance into the capture path and fails the test
// on rejection.
func (app *TestApp) Inject(text, identityRef string) {
	app.t.Helper()
	require.NoError(app.t, app.Core.InjectInput(text, identityRef))
}
