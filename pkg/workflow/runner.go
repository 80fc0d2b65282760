package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/bus"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunRunning        RunStatus = "running"
	RunAwaitingReview RunStatus = "awaiting_review"
	RunAwaitingInput  RunStatus = "awaiting_input"
	RunCompleted      RunStatus = "completed"
	RunCancelled      RunStatus = "cancelled"
	RunFailed         RunStatus = "failed"
)

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending        StepStatus = "pending"
	StepRunning        StepStatus = "running"
	StepAwaitingReview StepStatus = "awaiting_review"
	StepAwaitingInput  StepStatus = "awaiting_input"
	StepCompleted      StepStatus = "completed"
	StepCancelled      StepStatus = "cancelled"
	StepFailed         StepStatus = "failed"
)

var (
	// ErrRunNotFound indicates the session has no workflow run.
	ErrRunNotFound = errors.New("no workflow run for session")

	// ErrRunActive indicates the session already has a live run.
	ErrRunActive = errors.New("workflow run already active")

	// ErrNotAwaitingReview indicates an approve/review call arrived while
	// the run was not paused at a review point.
	ErrNotAwaitingReview = errors.New("run is not awaiting review")

	// ErrNotAwaitingInput indicates input arrived while none was requested.
	ErrNotAwaitingInput = errors.New("run is not awaiting input")

	// ErrRunFinished indicates the run already reached a terminal state.
	ErrRunFinished = errors.New("run already finished")
)

// StepState is the live state of one step inside a run.
type StepState struct {
	Def      StepDef        `json:"def"`
	Status   StepStatus     `json:"status"`
	Params   map[string]any `json:"params,omitempty"` // effective params
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Approved bool           `json:"approved,omitempty"`
	InputSet bool           `json:"input_set,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Run is one execution of a catalogued workflow, bound to a workflow
// session.
type Run struct {
	ID        string      `json:"run_id"`
	SessionID string      `json:"session_id"`
	Workflow  string      `json:"workflow"`
	Status    RunStatus   `json:"status"`
	Steps     []StepState `json:"steps"`
	Current   int         `json:"current_step"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`

	// InputPrompt is the question to relay when Status is awaiting_input.
	InputPrompt string `json:"input_prompt,omitempty"`

	// CancelReason is set when Status is cancelled.
	CancelReason string `json:"cancel_reason,omitempty"`
}

// Finished reports whether the run reached a terminal state.
func (r *Run) Finished() bool {
	switch r.Status {
	case RunCompleted, RunCancelled, RunFailed:
		return true
	}
	return false
}

// StepsCompleted counts completed steps.
func (r *Run) StepsCompleted() int {
	n := 0
	for _, s := range r.Steps {
		if s.Status == StepCompleted {
			n++
		}
	}
	return n
}

// Summary is the result payload attached to the workflow session's end.
func (r *Run) Summary() map[string]any {
	out := map[string]any{
		"run_id":          r.ID,
		"workflow":        r.Workflow,
		"status":          string(r.Status),
		"steps_completed": r.StepsCompleted(),
		"steps_total":     len(r.Steps),
	}
	if r.CancelReason != "" {
		out["cancel_reason"] = r.CancelReason
	}
	if last := r.lastResult(); last != nil {
		out["result"] = last
	}
	return out
}

func (r *Run) lastResult() map[string]any {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if r.Steps[i].Status == StepCompleted && r.Steps[i].Result != nil {
			return r.Steps[i].Result
		}
	}
	return nil
}

// ActionExecutor performs one named action. The sys module implements it.
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, action string, params map[string]any) (map[string]any, error)
}

// Runner drives workflow runs. One live run per workflow session.
type Runner struct {
	logger    *slog.Logger
	bus       *bus.Bus
	catalogue *Catalogue
	exec      ActionExecutor

	mu        sync.Mutex // protects runs and bySession
	runs      map[string]*Run
	bySession map[string]string
}

// NewRunner creates a runner over the given catalogue and action executor.
func NewRunner(b *bus.Bus, catalogue *Catalogue, exec ActionExecutor, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		logger:    logger.With("component", "workflow_runner"),
		bus:       b,
		catalogue: catalogue,
		exec:      exec,
		runs:      make(map[string]*Run),
		bySession: make(map[string]string),
	}
}

// Start begins a run for the session and advances it until it blocks on a
// review or input point, fails, or completes. Params are merged into every
// step's effective params.
func (rn *Runner) Start(ctx context.Context, sessionID, name string, params map[string]any) (Run, error) {
	def, ok := rn.catalogue.Get(name)
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}

	rn.mu.Lock()
	if existingID := rn.bySession[sessionID]; existingID != "" {
		if existing := rn.runs[existingID]; existing != nil && !existing.Finished() {
			rn.mu.Unlock()
			return Run{}, fmt.Errorf("%w: %s", ErrRunActive, existingID)
		}
	}

	now := time.Now()
	run := &Run{
		ID:        "run_" + uuid.NewString()[:8],
		SessionID: sessionID,
		Workflow:  def.Name,
		Status:    RunRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, stepDef := range def.Steps {
		run.Steps = append(run.Steps, StepState{
			Def:    stepDef,
			Status: StepPending,
			Params: mergeParams(stepDef.Params, params),
		})
	}
	rn.runs[run.ID] = run
	rn.bySession[sessionID] = run.ID

	events := rn.advanceLocked(ctx, run)
	snapshot := *run
	rn.mu.Unlock()

	rn.emit(events)
	rn.logger.Info("Workflow run started",
		"run_id", snapshot.ID,
		"workflow", snapshot.Workflow,
		"session_id", sessionID,
		"status", snapshot.Status)
	return snapshot, nil
}

// Status returns the run bound to the session.
func (rn *Runner) Status(sessionID string) (Run, bool) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	run := rn.runs[rn.bySession[sessionID]]
	if run == nil {
		return Run{}, false
	}
	return *run, true
}

// AwaitingInteraction reports whether the session's run is paused at a
// review or input point. The processing layer uses it to relax forced
// tool choice so the model can converse between steps.
func (rn *Runner) AwaitingInteraction(sessionID string) bool {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	run := rn.runs[rn.bySession[sessionID]]
	if run == nil {
		return false
	}
	return run.Status == RunAwaitingReview || run.Status == RunAwaitingInput
}

// ReviewStep returns the step the run is paused on for presentation.
func (rn *Runner) ReviewStep(sessionID string) (StepState, int, error) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	run := rn.runs[rn.bySession[sessionID]]
	if run == nil {
		return StepState{}, 0, fmt.Errorf("%w: %s", ErrRunNotFound, sessionID)
	}
	if run.Status != RunAwaitingReview && run.Status != RunAwaitingInput {
		return StepState{}, 0, fmt.Errorf("%w: status %s", ErrNotAwaitingReview, run.Status)
	}
	return run.Steps[run.Current], run.Current, nil
}

// Approve releases a run paused at a review point and advances it.
func (rn *Runner) Approve(ctx context.Context, sessionID string) (Run, error) {
	return rn.resume(ctx, sessionID, func(run *Run) error {
		if run.Status != RunAwaitingReview {
			return fmt.Errorf("%w: status %s", ErrNotAwaitingReview, run.Status)
		}
		run.Steps[run.Current].Approved = true
		return nil
	})
}

// Modify merges parameter overrides into the paused step. The run stays
// paused; a separate Approve (or ProvideInput) resumes it.
func (rn *Runner) Modify(sessionID string, params map[string]any) (Run, error) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	run := rn.runs[rn.bySession[sessionID]]
	if run == nil {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, sessionID)
	}
	if run.Status != RunAwaitingReview && run.Status != RunAwaitingInput {
		return Run{}, fmt.Errorf("%w: status %s", ErrNotAwaitingReview, run.Status)
	}
	step := &run.Steps[run.Current]
	step.Params = mergeParams(step.Params, params)
	run.UpdatedAt = time.Now()
	return *run, nil
}

// ProvideInput answers a run paused at an input point and advances it.
func (rn *Runner) ProvideInput(ctx context.Context, sessionID string, input map[string]any) (Run, error) {
	return rn.resume(ctx, sessionID, func(run *Run) error {
		if run.Status != RunAwaitingInput {
			return fmt.Errorf("%w: status %s", ErrNotAwaitingInput, run.Status)
		}
		step := &run.Steps[run.Current]
		step.Params = mergeParams(step.Params, input)
		step.InputSet = true
		return nil
	})
}

// Cancel terminates the run. Remaining steps are marked cancelled.
func (rn *Runner) Cancel(sessionID, reason string) (Run, error) {
	rn.mu.Lock()
	run := rn.runs[rn.bySession[sessionID]]
	if run == nil {
		rn.mu.Unlock()
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, sessionID)
	}
	if run.Finished() {
		rn.mu.Unlock()
		return Run{}, fmt.Errorf("%w: %s", ErrRunFinished, run.Status)
	}
	for i := run.Current; i < len(run.Steps); i++ {
		if run.Steps[i].Status != StepCompleted {
			run.Steps[i].Status = StepCancelled
		}
	}
	run.Status = RunCancelled
	run.CancelReason = reason
	run.UpdatedAt = time.Now()
	snapshot := *run
	rn.mu.Unlock()

	rn.logger.Info("Workflow run cancelled",
		"run_id", snapshot.ID, "workflow", snapshot.Workflow, "reason", reason)
	return snapshot, nil
}

func (rn *Runner) resume(ctx context.Context, sessionID string, unblock func(*Run) error) (Run, error) {
	rn.mu.Lock()
	run := rn.runs[rn.bySession[sessionID]]
	if run == nil {
		rn.mu.Unlock()
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, sessionID)
	}
	if run.Finished() {
		rn.mu.Unlock()
		return Run{}, fmt.Errorf("%w: %s", ErrRunFinished, run.Status)
	}
	if err := unblock(run); err != nil {
		rn.mu.Unlock()
		return Run{}, err
	}
	run.Status = RunRunning
	run.InputPrompt = ""
	events := rn.advanceLocked(ctx, run)
	snapshot := *run
	rn.mu.Unlock()

	rn.emit(events)
	return snapshot, nil
}

// advanceLocked executes steps until the run blocks, fails, or completes.
// Caller holds rn.mu; bus publishes are returned as closures so they can
// run with the lock released.
func (rn *Runner) advanceLocked(ctx context.Context, run *Run) []func() {
	var events []func()
	for run.Current < len(run.Steps) {
		step := &run.Steps[run.Current]

		if step.Def.RequiresInput != "" && !step.InputSet {
			step.Status = StepAwaitingInput
			run.Status = RunAwaitingInput
			run.InputPrompt = step.Def.RequiresInput
			run.UpdatedAt = time.Now()
			return events
		}
		if step.Def.RequiresReview && !step.Approved {
			step.Status = StepAwaitingReview
			run.Status = RunAwaitingReview
			run.UpdatedAt = time.Now()
			return events
		}

		now := time.Now()
		step.Status = StepRunning
		step.StartedAt = &now

		result, err := rn.exec.ExecuteAction(ctx, step.Def.Action, step.Params)
		done := time.Now()
		step.CompletedAt = &done
		run.UpdatedAt = done

		if err != nil {
			step.Status = StepFailed
			step.Error = err.Error()
			run.Status = RunFailed
			events = append(events, rn.failedEvent(*run, run.Current, err))
			return events
		}

		step.Status = StepCompleted
		step.Result = result
		events = append(events, rn.stepEvent(*run, run.Current, result))
		run.Current++
	}

	run.Status = RunCompleted
	run.UpdatedAt = time.Now()
	return events
}

func (rn *Runner) stepEvent(run Run, index int, result map[string]any) func() {
	return func() {
		if rn.bus == nil {
			return
		}
		rn.bus.Publish(bus.EventWorkflowStepCompleted, bus.M(bus.WorkflowStepCompletedPayload{
			RunID:     run.ID,
			SessionID: run.SessionID,
			StepIndex: index,
			StepName:  run.Steps[index].Def.Name,
			Result:    result,
		}), "workflow_runner")
	}
}

func (rn *Runner) failedEvent(run Run, index int, err error) func() {
	return func() {
		rn.logger.Error("Workflow step failed",
			"run_id", run.ID,
			"workflow", run.Workflow,
			"step", run.Steps[index].Def.Name,
			"error", err)
		if rn.bus == nil {
			return
		}
		rn.bus.Publish(bus.EventWorkflowFailed, bus.M(bus.WorkflowFailedPayload{
			RunID:     run.ID,
			SessionID: run.SessionID,
			StepIndex: index,
			Reason:    err.Error(),
		}), "workflow_runner")
	}
}

func (rn *Runner) emit(events []func()) {
	for _, fire := range events {
		fire()
	}
}

func mergeParams(base, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
