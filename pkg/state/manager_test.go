package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/bus"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/intent"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/session"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/workingctx"
)

type testEnv struct {
	bus       *bus.Bus
	wctx      *workingctx.Manager
	status    *workingctx.StatusModel
	sessions  *session.Manager
	queue     *Queue
	mgr       *Manager
	sleepPath string
}

func newTestEnv(t *testing.T, cfg ManagerConfig) *testEnv {
	t.Helper()
	b := bus.New(nil)
	wctx := workingctx.New(nil)
	status := workingctx.NewStatusModel(b)
	sessions := session.NewManager(b, nil, session.Config{MaxSessionAge: time.Hour}, nil)
	queue := NewQueue(b, wctx, "", nil)
	if cfg.SleepContextPath == "" {
		cfg.SleepContextPath = filepath.Join(t.TempDir(), "sleep_context.json")
	}
	mgr := NewManager(b, sessions, wctx, status, queue, cfg, nil)
	return &testEnv{
		bus:       b,
		wctx:      wctx,
		status:    status,
		sessions:  sessions,
		queue:     queue,
		mgr:       mgr,
		sleepPath: cfg.SleepContextPath,
	}
}

func TestChatAdvanceCreatesChattingSession(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	env.wctx.SetCurrentIdentity(workingctx.IdentityRef{
		IdentityID:  "bernie",
		DisplayName: "Bernie",
		MemoryToken: "tok_bernie",
	})

	require.True(t, env.queue.AddState(StateChat, "intent segment 0: hi", "hi there", nil))

	assert.Equal(t, StateChat, env.mgr.Current())
	_, ok := env.sessions.ActiveGeneral()
	assert.True(t, ok, "general session is created on demand")

	cs, ok := env.sessions.ActiveChatting()
	require.True(t, ok)
	assert.Equal(t, "bernie", cs.IdentityContext["identity_id"])
	assert.Equal(t, "tok_bernie", cs.IdentityContext["memory_token"])

	id, typ, ok := env.mgr.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, cs.ID, id)
	assert.Equal(t, session.TypeChatting, typ)
}

func TestChatSessionEndCompletesItemAndDrains(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	var changed []bus.StateChangedPayload
	env.bus.Subscribe(bus.EventStateChanged, "test_changed", func(evt bus.Event) {
		var p bus.StateChangedPayload
		require.NoError(t, bus.Decode(evt.Data, &p))
		changed = append(changed, p)
	})

	require.True(t, env.queue.AddState(StateChat, "t", "hello", nil))
	cs, ok := env.sessions.ActiveChatting()
	require.True(t, ok)

	require.NoError(t, env.sessions.EndChattingSession(cs.ID, true, session.ReasonLLMDirected))

	_, executing := env.queue.CurrentItem()
	assert.False(t, executing, "session end completes the queue item")

	assert.False(t, env.queue.CheckAndAdvanceState())
	assert.Equal(t, StateIdle, env.mgr.Current())

	require.Len(t, changed, 2)
	assert.Equal(t, "queue_advance", changed[0].Reason)
	assert.Equal(t, string(StateChat), changed[0].NewState)
	assert.Equal(t, "queue_empty", changed[1].Reason)
	assert.Equal(t, string(StateIdle), changed[1].NewState)
}

func TestWorkAdvanceCreatesWorkflowSession(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})

	require.True(t, env.queue.AddState(StateWork, "t", "check the weather in Taipei", &AddOptions{
		WorkMode: WorkModeDirect,
		Metadata: map[string]any{intent.MetaMatchedWorkflow: "get_weather"},
	}))

	assert.Equal(t, StateWork, env.mgr.Current())
	gs, ok := env.sessions.ActiveGeneral()
	require.True(t, ok)

	wss := env.sessions.ActiveWorkflows(gs.ID)
	require.Len(t, wss, 1)
	assert.Equal(t, session.TaskWorkflowAutomation, wss[0].TaskType)
	assert.Equal(t, "check the weather in Taipei", wss[0].TaskDefinition["command"])
	assert.Equal(t, "get_weather", wss[0].TaskDefinition["workflow_type"])

	id, typ, ok := env.mgr.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, wss[0].ID, id)
	assert.Equal(t, session.TypeWorkflow, typ)
}

func TestWorkEntryEndsActiveChatFirst(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	require.True(t, env.queue.AddState(StateChat, "t", "hello", nil))
	_, ok := env.sessions.ActiveChatting()
	require.True(t, ok)

	var order []string
	env.bus.Subscribe(bus.EventSessionEnded, "test_order_end", func(evt bus.Event) {
		var p bus.SessionEndedPayload
		require.NoError(t, bus.Decode(evt.Data, &p))
		order = append(order, "ended:"+p.SessionType+":"+p.Reason)
	})
	env.bus.Subscribe(bus.EventSessionStarted, "test_order_start", func(evt bus.Event) {
		var p bus.SessionStartedPayload
		require.NoError(t, bus.Decode(evt.Data, &p))
		order = append(order, "started:"+p.SessionType)
	})

	require.True(t, env.mgr.SetState(StateWork, &ChangeContext{Text: "check the weather"}))

	require.GreaterOrEqual(t, len(order), 2)
	assert.Equal(t, "ended:chatting:work_interrupt", order[0],
		"chat ends before the workflow session starts")
	assert.Equal(t, "started:workflow", order[1])

	_, executing := env.queue.CurrentItem()
	assert.False(t, executing, "interrupted chat completes its queue item")
	_, ok = env.sessions.ActiveChatting()
	assert.False(t, ok)
}

func TestSystemReportCreatesNotificationSession(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})

	require.True(t, env.queue.AddState(StateWork, "scheduled report", "daily system report", &AddOptions{
		WorkMode: WorkModeBackground,
		Metadata: map[string]any{"workflow_type": WorkflowTypeSystemReport},
	}))

	gs, ok := env.sessions.ActiveGeneral()
	require.True(t, ok)
	wss := env.sessions.ActiveWorkflows(gs.ID)
	require.Len(t, wss, 1)
	assert.Equal(t, session.TaskSystemNotification, wss[0].TaskType)
	assert.Equal(t, WorkflowTypeSystemReport, wss[0].TaskDefinition["workflow_type"])
}

func TestMischiefDisabledFailsEntry(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{MischiefEnabled: false})

	var succeeded []bool
	var results []map[string]any
	env.queue.RegisterCompletionHandler(StateMischief, func(_ Item, success bool, result map[string]any) {
		succeeded = append(succeeded, success)
		results = append(results, result)
	})

	require.True(t, env.queue.AddState(StateMischief, "test", "", nil))

	require.Len(t, succeeded, 1)
	assert.False(t, succeeded[0])
	errStr, _ := results[0]["error"].(string)
	assert.Contains(t, errStr, "disabled")

	env.queue.CheckAndAdvanceState()
	assert.Equal(t, StateIdle, env.mgr.Current())
}

type stubPlanner struct {
	actions []MischiefAction
	err     error
}

func (p *stubPlanner) PlanMischief(context.Context) ([]MischiefAction, error) {
	return p.actions, p.err
}

type stubRunner struct {
	status          *workingctx.StatusModel
	ran             []string
	helpfulnessSeen []float64
}

func (r *stubRunner) RunAction(_ context.Context, actionID string, _ map[string]any) error {
	r.ran = append(r.ran, actionID)
	r.helpfulnessSeen = append(r.helpfulnessSeen, r.status.Get(workingctx.StatusHelpfulness))
	return nil
}

func TestMischiefExecutesMoodGatedActions(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{MischiefEnabled: true})
	planner := &stubPlanner{actions: []MischiefAction{
		{ActionID: "hide_cursor", Params: map[string]any{"min_mood": 0.9}},
		{ActionID: "flip_screen", Params: map[string]any{"min_mood": 0.3}},
		{ActionID: "beep"},
	}}
	runner := &stubRunner{status: env.status}
	env.mgr.SetMischiefPlanner(planner)
	env.mgr.SetActionRunner(runner)

	require.True(t, env.queue.AddState(StateMischief, "thresholds", "", nil))

	// Default mood is 0.5: the 0.9 gate filters hide_cursor out.
	assert.Equal(t, []string{"flip_screen", "beep"}, runner.ran)
	require.NotEmpty(t, runner.helpfulnessSeen)
	assert.Equal(t, suppressedHelpfulness, runner.helpfulnessSeen[0],
		"helpfulness pinned while mischief runs")

	_, executing := env.queue.CurrentItem()
	assert.False(t, executing, "mischief completes its own queue item")

	env.queue.CheckAndAdvanceState()
	assert.Equal(t, StateIdle, env.mgr.Current())
	assert.Equal(t, 0.8, env.status.Get(workingctx.StatusHelpfulness),
		"suppression restored once idle")
}

type stubParker struct {
	modules      []string
	parkCalls    int
	restoreCalls int
}

func (p *stubParker) Park() []string {
	p.parkCalls++
	return p.modules
}

func (p *stubParker) Restore() []string {
	p.restoreCalls++
	return p.modules
}

func TestSleepParksModulesAndWritesContext(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	parker := &stubParker{modules: []string{"stt", "tts"}}
	env.mgr.SetModuleParker(parker)

	require.True(t, env.queue.AddState(StateSleep, "boredom threshold", "", nil))

	assert.Equal(t, StateSleep, env.mgr.Current())
	assert.Equal(t, 1, parker.parkCalls)

	data, err := os.ReadFile(env.sleepPath)
	require.NoError(t, err)
	var sc map[string]any
	require.NoError(t, json.Unmarshal(data, &sc))
	assert.ElementsMatch(t, []any{"stt", "tts"}, sc["parked_modules"])

	_, executing := env.queue.CurrentItem()
	assert.True(t, executing, "sleep holds the queue until an explicit wake")
	assert.False(t, env.queue.CheckAndAdvanceState())
	assert.Equal(t, StateSleep, env.queue.CurrentState())
}

func TestWakeRestoresModulesAndPublishes(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	parker := &stubParker{modules: []string{"stt", "tts"}}
	env.mgr.SetModuleParker(parker)
	require.True(t, env.queue.AddState(StateSleep, "boredom threshold", "", nil))

	var exited []bus.SleepExitedPayload
	env.bus.Subscribe(bus.EventSleepExited, "test_exited", func(evt bus.Event) {
		var p bus.SleepExitedPayload
		require.NoError(t, bus.Decode(evt.Data, &p))
		exited = append(exited, p)
	})
	var ready []bus.WakeReadyPayload
	env.bus.Subscribe(bus.EventWakeReady, "test_ready", func(evt bus.Event) {
		var p bus.WakeReadyPayload
		require.NoError(t, bus.Decode(evt.Data, &p))
		ready = append(ready, p)
	})

	require.NoError(t, env.mgr.ExitSpecialState("wake"))

	assert.Equal(t, 1, parker.restoreCalls)
	_, err := os.Stat(env.sleepPath)
	assert.True(t, os.IsNotExist(err), "sleep context removed on wake")

	require.Len(t, exited, 1)
	assert.Equal(t, "wake", exited[0].Reason)
	require.Len(t, ready, 1)
	assert.Equal(t, []string{"stt", "tts"}, ready[0].ModulesReloaded)

	assert.Equal(t, StateIdle, env.mgr.Current())
	_, executing := env.queue.CurrentItem()
	assert.False(t, executing)
}

func TestExitSpecialStateOutsideSpecialFails(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	assert.ErrorIs(t, env.mgr.ExitSpecialState("wake"), ErrNotInSpecialState)
}

func TestResumeSleepIfPresent(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	assert.False(t, env.mgr.ResumeSleepIfPresent(), "no context file yet")

	require.NoError(t, os.WriteFile(env.sleepPath, []byte(`{"slept_at":"2026-01-02T03:04:05Z"}`), 0o644))
	assert.True(t, env.mgr.ResumeSleepIfPresent())
	assert.Equal(t, StateSleep, env.mgr.Current())

	assert.False(t, env.mgr.ResumeSleepIfPresent(), "already sleeping")
}

func TestBoredomThresholdQueuesSleep(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{SpecialStateDebounce: time.Minute})

	env.status.Set(workingctx.StatusBoredom, 0.9)

	assert.Equal(t, StateSleep, env.mgr.Current())
	it, ok := env.queue.CurrentItem()
	require.True(t, ok)
	assert.Equal(t, StateSleep, it.State)

	require.NoError(t, env.mgr.ExitSpecialState("wake"))
	env.queue.CheckAndAdvanceState()

	env.status.Set(workingctx.StatusBoredom, 0.95)
	assert.Equal(t, StateIdle, env.mgr.Current(),
		"debounce suppresses immediate re-entry")
}

func TestMischiefThresholdNeedsFlagAndBothFields(t *testing.T) {
	t.Run("flag off", func(t *testing.T) {
		env := newTestEnv(t, ManagerConfig{MischiefEnabled: false, SpecialStateDebounce: time.Minute})
		env.status.Set(workingctx.StatusMood, 0.8)
		env.status.Set(workingctx.StatusBoredom, 0.7)
		assert.Equal(t, StateIdle, env.mgr.Current())
	})

	t.Run("mood too low", func(t *testing.T) {
		env := newTestEnv(t, ManagerConfig{MischiefEnabled: true, SpecialStateDebounce: time.Minute})
		env.status.Set(workingctx.StatusBoredom, 0.7)
		assert.Equal(t, StateIdle, env.mgr.Current())
	})

	t.Run("both thresholds met", func(t *testing.T) {
		env := newTestEnv(t, ManagerConfig{MischiefEnabled: true, SpecialStateDebounce: time.Minute})
		env.status.Set(workingctx.StatusBoredom, 0.7)
		env.status.Set(workingctx.StatusMood, 0.8)

		assert.Equal(t, StateMischief, env.mgr.Current())
		env.queue.CheckAndAdvanceState()
		assert.Equal(t, StateIdle, env.mgr.Current())
	})
}

func TestParentEndedCascadeCompletesCurrentItem(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})

	var results []map[string]any
	env.queue.RegisterCompletionHandler(StateChat, func(_ Item, _ bool, result map[string]any) {
		results = append(results, result)
	})

	require.True(t, env.queue.AddState(StateChat, "t", "hello", nil))
	require.NoError(t, env.sessions.EndGeneralSession(map[string]any{"shutdown": true}))

	_, executing := env.queue.CurrentItem()
	assert.False(t, executing, "cascaded chat ending completes the item")
	require.Len(t, results, 1)
	assert.Equal(t, string(session.ReasonParentEnded), results[0]["end_reason"])
}

func TestUnrelatedSessionEndIgnored(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	require.True(t, env.queue.AddState(StateWork, "t", "long running job", nil))

	gs, ok := env.sessions.ActiveGeneral()
	require.True(t, ok)
	wsB, err := env.sessions.CreateWorkflowSession(gs.ID, "", map[string]any{"command": "other"})
	require.NoError(t, err)
	require.NoError(t, env.sessions.EndWorkflowSession(wsB, nil, session.ReasonCompleted))

	it, executing := env.queue.CurrentItem()
	require.True(t, executing, "another workflow's ending must not complete the current item")
	assert.Equal(t, StateWork, it.State)
}

func TestSetStateNoopWhenSameStateNilContext(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{})
	var changed int
	env.bus.Subscribe(bus.EventStateChanged, "test_changed", func(bus.Event) { changed++ })

	assert.True(t, env.mgr.SetState(StateIdle, nil))
	assert.Zero(t, changed)
	assert.Equal(t, StateIdle, env.mgr.Current())
}
