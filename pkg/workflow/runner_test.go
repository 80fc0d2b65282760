package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/bus"
)

// stubExecutor records executed actions and returns scripted results.
type stubExecutor struct {
	calls   []string
	params  []map[string]any
	results map[string]map[string]any
	failOn  string
}

func (s *stubExecutor) ExecuteAction(_ context.Context, action string, params map[string]any) (map[string]any, error) {
	s.calls = append(s.calls, action)
	s.params = append(s.params, params)
	if action == s.failOn {
		return nil, errors.New("action exploded")
	}
	if result, ok := s.results[action]; ok {
		return result, nil
	}
	return map[string]any{"ok": true}, nil
}

func reviewCatalogue(t *testing.T) *Catalogue {
	t.Helper()
	c := NewCatalogue()
	require.NoError(t, c.Register(Definition{
		Name:        "file_cleanup",
		DisplayName: "File cleanup",
		Description: "Scan a directory and delete stale files",
		Mode:        ModeDirect,
		Keywords:    []string{"cleanup", "files"},
		Steps: []StepDef{
			{Name: "scan", Action: "scan_dir"},
			{Name: "delete", Action: "delete_files", RequiresReview: true},
			{Name: "report", Action: "compose_reply"},
		},
	}))
	return c
}

func TestStartRunsToCompletion(t *testing.T) {
	b := bus.New(nil)
	exec := &stubExecutor{results: map[string]map[string]any{
		"get_weather": {"condition": "sunny", "temp_c": 24.0},
	}}
	rn := NewRunner(b, DefaultCatalogue(), exec, nil)

	var steps []bus.WorkflowStepCompletedPayload
	b.Subscribe(bus.EventWorkflowStepCompleted, "test", func(evt bus.Event) {
		var p bus.WorkflowStepCompletedPayload
		require.NoError(t, bus.Decode(evt.Data, &p))
		steps = append(steps, p)
	})

	run, err := rn.Start(context.Background(), "ws_1", "get_weather", map[string]any{"location": "Taipei"})
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, []string{"get_weather", "compose_reply"}, exec.calls)
	assert.Equal(t, "Taipei", exec.params[0]["location"], "start params reach every step")

	require.Len(t, steps, 2)
	assert.Equal(t, "fetch_forecast", steps[0].StepName)
	assert.Equal(t, 0, steps[0].StepIndex)
	assert.Equal(t, "ws_1", steps[0].SessionID)
	assert.Equal(t, "compose_reply", steps[1].StepName)

	summary := run.Summary()
	assert.Equal(t, "completed", summary["status"])
	assert.Equal(t, 2, summary["steps_completed"])
}

func TestStartUnknownWorkflow(t *testing.T) {
	rn := NewRunner(bus.New(nil), DefaultCatalogue(), &stubExecutor{}, nil)
	_, err := rn.Start(context.Background(), "ws_1", "make_coffee", nil)
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestSecondStartWhileActiveFails(t *testing.T) {
	rn := NewRunner(bus.New(nil), reviewCatalogue(t), &stubExecutor{}, nil)

	_, err := rn.Start(context.Background(), "ws_1", "file_cleanup", nil)
	require.NoError(t, err)

	_, err = rn.Start(context.Background(), "ws_1", "file_cleanup", nil)
	assert.ErrorIs(t, err, ErrRunActive)
}

func TestReviewApproveFlow(t *testing.T) {
	exec := &stubExecutor{}
	rn := NewRunner(bus.New(nil), reviewCatalogue(t), exec, nil)

	run, err := rn.Start(context.Background(), "ws_1", "file_cleanup", nil)
	require.NoError(t, err)

	// First step executed, then the run pauses before the review step.
	assert.Equal(t, RunAwaitingReview, run.Status)
	assert.Equal(t, []string{"scan_dir"}, exec.calls)
	assert.True(t, rn.AwaitingInteraction("ws_1"))

	step, index, err := rn.ReviewStep("ws_1")
	require.NoError(t, err)
	assert.Equal(t, "delete", step.Def.Name)
	assert.Equal(t, 1, index)

	run, err = rn.Approve(context.Background(), "ws_1")
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, []string{"scan_dir", "delete_files", "compose_reply"}, exec.calls)
	assert.False(t, rn.AwaitingInteraction("ws_1"))
}

func TestModifyAdjustsPausedStep(t *testing.T) {
	exec := &stubExecutor{}
	rn := NewRunner(bus.New(nil), reviewCatalogue(t), exec, nil)

	_, err := rn.Start(context.Background(), "ws_1", "file_cleanup", map[string]any{"dir": "/tmp"})
	require.NoError(t, err)

	run, err := rn.Modify("ws_1", map[string]any{"older_than_days": 7})
	require.NoError(t, err)
	assert.Equal(t, RunAwaitingReview, run.Status, "modify keeps the run paused")

	_, err = rn.Approve(context.Background(), "ws_1")
	require.NoError(t, err)

	// exec.params[1] is the delete step.
	assert.Equal(t, "/tmp", exec.params[1]["dir"])
	assert.Equal(t, 7, exec.params[1]["older_than_days"])
}

func TestApproveOutsideReviewFails(t *testing.T) {
	rn := NewRunner(bus.New(nil), DefaultCatalogue(), &stubExecutor{}, nil)

	_, err := rn.Start(context.Background(), "ws_1", "get_weather", nil)
	require.NoError(t, err)

	_, err = rn.Approve(context.Background(), "ws_1")
	assert.ErrorIs(t, err, ErrRunFinished)

	_, err = rn.Approve(context.Background(), "ws_missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestInputFlow(t *testing.T) {
	c := NewCatalogue()
	require.NoError(t, c.Register(Definition{
		Name:        "send_note",
		DisplayName: "Send note",
		Description: "Compose and deliver a note",
		Steps: []StepDef{
			{Name: "compose", Action: "compose_reply", RequiresInput: "What should the note say?"},
		},
	}))
	exec := &stubExecutor{}
	rn := NewRunner(bus.New(nil), c, exec, nil)

	run, err := rn.Start(context.Background(), "ws_1", "send_note", nil)
	require.NoError(t, err)
	assert.Equal(t, RunAwaitingInput, run.Status)
	assert.Equal(t, "What should the note say?", run.InputPrompt)

	_, err = rn.ProvideInput(context.Background(), "ws_1", map[string]any{"text": "hello"})
	require.NoError(t, err)

	require.Len(t, exec.params, 1)
	assert.Equal(t, "hello", exec.params[0]["text"])

	run, ok := rn.Status("ws_1")
	require.True(t, ok)
	assert.Equal(t, RunCompleted, run.Status)
}

func TestProvideInputWithoutRequestFails(t *testing.T) {
	rn := NewRunner(bus.New(nil), reviewCatalogue(t), &stubExecutor{}, nil)

	_, err := rn.Start(context.Background(), "ws_1", "file_cleanup", nil)
	require.NoError(t, err)

	_, err = rn.ProvideInput(context.Background(), "ws_1", map[string]any{"x": 1})
	assert.ErrorIs(t, err, ErrNotAwaitingInput)
}

func TestStepFailureFailsRun(t *testing.T) {
	b := bus.New(nil)
	exec := &stubExecutor{failOn: "get_weather"}
	rn := NewRunner(b, DefaultCatalogue(), exec, nil)

	var failed []bus.WorkflowFailedPayload
	b.Subscribe(bus.EventWorkflowFailed, "test", func(evt bus.Event) {
		var p bus.WorkflowFailedPayload
		require.NoError(t, bus.Decode(evt.Data, &p))
		failed = append(failed, p)
	})

	run, err := rn.Start(context.Background(), "ws_1", "get_weather", nil)
	require.NoError(t, err)

	assert.Equal(t, RunFailed, run.Status)
	assert.Equal(t, StepFailed, run.Steps[0].Status)
	assert.Equal(t, StepPending, run.Steps[1].Status, "later steps never run")

	require.Len(t, failed, 1)
	assert.Equal(t, "action exploded", failed[0].Reason)
	assert.Equal(t, 0, failed[0].StepIndex)
}

func TestCancelRun(t *testing.T) {
	rn := NewRunner(bus.New(nil), reviewCatalogue(t), &stubExecutor{}, nil)

	_, err := rn.Start(context.Background(), "ws_1", "file_cleanup", nil)
	require.NoError(t, err)

	run, err := rn.Cancel("ws_1", "user changed their mind")
	require.NoError(t, err)

	assert.Equal(t, RunCancelled, run.Status)
	assert.Equal(t, "user changed their mind", run.CancelReason)
	assert.Equal(t, StepCompleted, run.Steps[0].Status, "finished work is kept")
	assert.Equal(t, StepCancelled, run.Steps[1].Status)
	assert.Equal(t, StepCancelled, run.Steps[2].Status)

	_, err = rn.Cancel("ws_1", "again")
	assert.ErrorIs(t, err, ErrRunFinished)

	// A finished run frees the session slot.
	_, err = rn.Start(context.Background(), "ws_1", "file_cleanup", nil)
	require.NoError(t, err)
}

func TestCatalogueRegistration(t *testing.T) {
	c := NewCatalogue()

	err := c.Register(Definition{Name: "", Steps: []StepDef{{Name: "a", Action: "x"}}})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	err = c.Register(Definition{Name: "empty"})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	err = c.Register(Definition{Name: "noaction", Steps: []StepDef{{Name: "a"}}})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	require.NoError(t, c.Register(Definition{Name: "ok", Steps: []StepDef{{Name: "a", Action: "x"}}}))
	def, ok := c.Get("ok")
	require.True(t, ok)
	assert.Equal(t, ModeDirect, def.Mode, "mode defaults to direct")

	builtins := DefaultCatalogue().List()
	require.Len(t, builtins, 2)
	assert.Equal(t, "get_weather", builtins[0].Name)
	assert.Equal(t, ModeBackground, builtins[1].Mode)
}
